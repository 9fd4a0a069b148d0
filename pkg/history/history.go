// Package history keeps the append-only execution log, the breakpoint
// registry, and the navigation cursor. The monitoring pipeline is the only
// writer; everything handed out is a copy or an immutable view.
package history

import (
	"fmt"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/klauspost/compress/zstd"

	"github.com/kdsync/kdsync/pkg/predict"
	"github.com/kdsync/kdsync/pkg/state"
)

// DefaultLimit caps retained entries; the oldest are dropped first.
const DefaultLimit = 1000

var (
	// Shared codec; both are safe for concurrent use.
	zstdEncoder, _ = zstd.NewWriter(nil)
	zstdDecoder, _ = zstd.NewReader(nil)
)

type region struct {
	base       uint64
	compressed []byte
}

// Entry pairs one confirmed snapshot with its translated program counter,
// the offset valid when it was recorded, the prediction made from it, and
// any breakpoint hits. Entries are immutable once appended.
type Entry struct {
	Index     int
	Seq       uint64
	PC        uint64 // analysis coordinates
	PCRaw     uint64 // live coordinates
	Offset    uint64 // translation offset at record time
	Registers map[string]uint64
	Stack     []state.Frame // analysis coordinates
	Effect    *predict.Effect
	Hits      []uint64
	When      time.Time

	memory []region
}

// Memory decompresses the entry's excerpt regions. A region that fails to
// decompress is omitted from the map and reported through the error, so a
// caller can tell a missing excerpt from a corrupt one.
func (e *Entry) Memory() (map[uint64][]byte, error) {
	if len(e.memory) == 0 {
		return nil, nil
	}
	out := make(map[uint64][]byte, len(e.memory))
	var firstErr error
	for _, r := range e.memory {
		data, err := zstdDecoder.DecodeAll(r.compressed, nil)
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("history: excerpt at %#x corrupt: %w", r.base, err)
			}
			continue
		}
		out[r.base] = data
	}
	return out, firstErr
}

// Log is the execution history. Indices are stable: dropping old entries
// under the cap does not renumber the rest.
type Log struct {
	mu        sync.RWMutex
	entries   []*Entry
	first     int // index of entries[0]
	next      int
	limit     int
	registry  *Registry
	observers []func(*Entry)
	logger    log.Logger
}

func NewLog(limit int, registry *Registry, logger log.Logger) *Log {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if registry == nil {
		registry = NewRegistry()
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Log{
		limit:    limit,
		registry: registry,
		logger:   log.With(logger, "component", "history"),
	}
}

// Breakpoints exposes the registry for operator mutation and read-only
// listing.
func (l *Log) Breakpoints() *Registry { return l.registry }

// OnAppend subscribes an observer to new entries. Observers run
// synchronously on the appending goroutine and must treat the entry as
// read-only.
func (l *Log) OnAppend(fn func(*Entry)) {
	l.mu.Lock()
	l.observers = append(l.observers, fn)
	l.mu.Unlock()
}

// Append records a confirmed snapshot. It always succeeds: the entry gets
// the next index, breakpoints are checked against the translated program
// counter, and observers are notified.
func (l *Log) Append(snap *state.Snapshot, pc, offset uint64, stack []state.Frame, eff *predict.Effect) *Entry {
	entry := &Entry{
		Seq:       snap.Seq,
		PC:        pc,
		PCRaw:     snap.PCRaw,
		Offset:    offset,
		Registers: copyRegs(snap.Registers),
		Stack:     append([]state.Frame(nil), stack...),
		Effect:    eff,
		When:      time.Now(),
	}
	for base, data := range snap.Memory {
		entry.memory = append(entry.memory, region{
			base:       base,
			compressed: zstdEncoder.EncodeAll(data, nil),
		})
	}

	entry.Hits = l.registry.hit(pc)

	l.mu.Lock()
	entry.Index = l.next
	l.next++
	l.entries = append(l.entries, entry)
	if len(l.entries) > l.limit {
		drop := len(l.entries) - l.limit
		l.entries = l.entries[drop:]
		l.first += drop
	}
	observers := l.observers
	l.mu.Unlock()

	if len(entry.Hits) > 0 {
		l.logger.Log("msg", "breakpoint hit", "pc", fmt.Sprintf("%#x", pc), "seq", snap.Seq)
	}
	for _, fn := range observers {
		fn(entry)
	}
	return entry
}

// Current returns the most recently appended entry, or nil when empty.
func (l *Log) Current() *Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if len(l.entries) == 0 {
		return nil
	}
	return l.entries[len(l.entries)-1]
}

// At returns the entry with the given stable index. Navigation is
// read-only; it never resumes or alters live tracking.
func (l *Log) At(index int) (*Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	i := index - l.first
	if i < 0 || i >= len(l.entries) {
		return nil, fmt.Errorf("history: index %d out of range [%d, %d)", index, l.first, l.next)
	}
	return l.entries[i], nil
}

// Len is the number of retained entries.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

func copyRegs(regs map[string]uint64) map[string]uint64 {
	out := make(map[string]uint64, len(regs))
	for k, v := range regs {
		out[k] = v
	}
	return out
}
