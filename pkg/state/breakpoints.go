package state

import (
	"bufio"
	"io"
	"strings"
)

// DebuggerBreakpoint is one entry of the live debugger's breakpoint list,
// still in live coordinates.
type DebuggerBreakpoint struct {
	ID          string
	Addr        uint64
	Enabled     bool
	Description string
}

// ParseBreakpointList reads a WinDbg "bl" dump. A typical line:
//
//	0 e Disable Clear  fffff805`6091bef0     0001 (0001) mydriver!dispatch
func ParseBreakpointList(r io.Reader) []DebuggerBreakpoint {
	var bps []DebuggerBreakpoint
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if isLogNoise(line) {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 4 {
			continue
		}

		var addr uint64
		found := false
		for _, f := range fields {
			if !strings.Contains(f, "`") {
				continue
			}
			v, err := parseAddress(f)
			if err == nil && v != 0 {
				addr = v
				found = true
			}
			break
		}
		if !found {
			continue
		}

		desc := ""
		if i := strings.Index(line, ")"); i != -1 && i+1 < len(line) {
			desc = strings.TrimSpace(line[i+1:])
		}

		bps = append(bps, DebuggerBreakpoint{
			ID:          fields[0],
			Addr:        addr,
			Enabled:     fields[1] == "e",
			Description: desc,
		})
	}
	return bps
}
