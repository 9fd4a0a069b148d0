package state

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Module is one loaded-module record as reported by the live debugger.
type Module struct {
	Name string
	Base uint64
	Size uint64
}

// Frame is a single call-stack frame. Symbol is only populated when the
// frame came from a text stack dump rather than the state document.
type Frame struct {
	RetAddr  uint64
	FramePtr uint64
	Symbol   string
}

// Snapshot is one confirmed observation of debuggee state. All addresses
// are in live-debugger coordinates until the translator has been applied.
type Snapshot struct {
	Seq       uint64
	Registers map[string]uint64
	PCRaw     uint64
	Stack     []Frame
	Memory    map[uint64][]byte
	Modules   []Module
}

// ParseError reports a malformed state document. The prior snapshot stays
// current; the caller retries on the next update.
type ParseError struct {
	Line string
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("state: parse %q: %v", e.Line, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// hexUint64 decodes an integer that may arrive as a JSON number, a
// 0x-prefixed hex string, or WinDbg backtick hex ("fffff805`6091bef0").
type hexUint64 uint64

func (h *hexUint64) UnmarshalJSON(b []byte) error {
	s := string(b)
	if len(s) >= 2 && s[0] == '"' {
		var str string
		if err := json.Unmarshal(b, &str); err != nil {
			return err
		}
		v, err := parseAddress(str)
		if err != nil {
			return err
		}
		*h = hexUint64(v)
		return nil
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return err
	}
	*h = hexUint64(v)
	return nil
}

// parseAddress accepts "0x..."-prefixed hex, backtick hex, or bare hex.
func parseAddress(s string) (uint64, error) {
	s = strings.ReplaceAll(strings.TrimSpace(s), "`", "")
	s = strings.TrimPrefix(strings.ToLower(s), "0x")
	if s == "" {
		return 0, fmt.Errorf("empty address")
	}
	return strconv.ParseUint(s, 16, 64)
}

type docFrame struct {
	RetAddr  hexUint64 `json:"returnAddress"`
	FramePtr hexUint64 `json:"framePointer"`
}

type docModule struct {
	Name string    `json:"name"`
	Base hexUint64 `json:"base"`
	Size hexUint64 `json:"size"`
}

type stateDoc struct {
	Seq       uint64               `json:"sequenceNumber"`
	Registers map[string]hexUint64 `json:"registers"`
	Segments  map[string]hexUint64 `json:"segments"`
	PC        *hexUint64           `json:"programCounter"`
	RIP       *hexUint64           `json:"rip"`
	Stack     []json.RawMessage    `json:"stackTrace"`
	Modules   []docModule          `json:"modules"`
	Memory    map[string]string    `json:"memory"`
}

// ParseSnapshot decodes one complete state document. Field values follow
// the wire contract: sequenceNumber, registers, programCounter, stackTrace
// (integers or frame objects), modules, optional memory (hex or base64).
func ParseSnapshot(data []byte) (*Snapshot, error) {
	var doc stateDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, &ParseError{Line: clip(string(data)), Err: err}
	}

	snap := &Snapshot{
		Seq:       doc.Seq,
		Registers: make(map[string]uint64, len(doc.Registers)+len(doc.Segments)),
	}
	for name, v := range doc.Registers {
		snap.Registers[strings.ToLower(name)] = uint64(v)
	}
	for name, v := range doc.Segments {
		snap.Registers[strings.ToLower(name)] = uint64(v)
	}

	if doc.PC != nil {
		snap.PCRaw = uint64(*doc.PC)
	} else if doc.RIP != nil {
		// Older dumps carry the program counter as a top-level "rip".
		snap.PCRaw = uint64(*doc.RIP)
	} else if rip, ok := snap.Registers["rip"]; ok {
		snap.PCRaw = rip
	} else {
		return nil, &ParseError{Line: clip(string(data)), Err: fmt.Errorf("no program counter")}
	}
	if _, ok := snap.Registers["rip"]; !ok {
		snap.Registers["rip"] = snap.PCRaw
	}

	for _, raw := range doc.Stack {
		f, err := parseFrame(raw)
		if err != nil {
			return nil, &ParseError{Line: clip(string(raw)), Err: err}
		}
		snap.Stack = append(snap.Stack, f)
	}

	for _, m := range doc.Modules {
		snap.Modules = append(snap.Modules, Module{
			Name: m.Name,
			Base: uint64(m.Base),
			Size: uint64(m.Size),
		})
	}

	if len(doc.Memory) > 0 {
		snap.Memory = make(map[uint64][]byte, len(doc.Memory))
		for key, val := range doc.Memory {
			bytes, err := parseBytes(val)
			if err != nil {
				return nil, &ParseError{Line: clip(val), Err: err}
			}
			addr, err := parseAddress(key)
			if err != nil {
				// The live side labels the excerpt at the program counter
				// "code" rather than by address.
				addr = snap.PCRaw
			}
			snap.Memory[addr] = bytes
		}
	}

	return snap, nil
}

func parseFrame(raw json.RawMessage) (Frame, error) {
	trimmed := strings.TrimSpace(string(raw))
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var f docFrame
		if err := json.Unmarshal(raw, &f); err != nil {
			return Frame{}, err
		}
		return Frame{RetAddr: uint64(f.RetAddr), FramePtr: uint64(f.FramePtr)}, nil
	}
	var v hexUint64
	if err := json.Unmarshal(raw, &v); err != nil {
		return Frame{}, err
	}
	return Frame{RetAddr: uint64(v)}, nil
}

// parseBytes decodes an excerpt value, trying hex first, then base64.
func parseBytes(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if b, err := hex.DecodeString(s); err == nil {
		return b, nil
	}
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("memory value is neither hex nor base64")
	}
	return b, nil
}

func clip(s string) string {
	if len(s) > 120 {
		return s[:120] + "..."
	}
	return s
}
