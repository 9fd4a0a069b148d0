package history

import (
	"fmt"
	"sync"
)

// Record is one operator breakpoint. Addr is always in analysis
// coordinates; the live debugger's numbering never reaches this registry.
type Record struct {
	Addr     uint64
	Enabled  bool
	HitCount int
}

// Registry holds operator breakpoints in insertion order. Mutation is
// operator-driven and becomes visible to the very next history append.
type Registry struct {
	mu      sync.RWMutex
	records []*Record
}

func NewRegistry() *Registry {
	return &Registry{}
}

// Set adds a breakpoint at addr, or re-enables an existing one.
func (r *Registry) Set(addr uint64) *Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range r.records {
		if rec.Addr == addr {
			rec.Enabled = true
			return rec
		}
	}
	rec := &Record{Addr: addr, Enabled: true}
	r.records = append(r.records, rec)
	return rec
}

// Clear removes the breakpoint at addr.
func (r *Registry) Clear(addr uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, rec := range r.records {
		if rec.Addr == addr {
			r.records = append(r.records[:i], r.records[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("no breakpoint at %#x", addr)
}

// Disable keeps the breakpoint but stops it from matching.
func (r *Registry) Disable(addr uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range r.records {
		if rec.Addr == addr {
			rec.Enabled = false
			return nil
		}
	}
	return fmt.Errorf("no breakpoint at %#x", addr)
}

// List returns copies of all records in insertion order.
func (r *Registry) List() []Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Record, len(r.records))
	for i, rec := range r.records {
		out[i] = *rec
	}
	return out
}

// hit increments the hit count of every enabled breakpoint matching pc and
// returns the addresses that matched.
func (r *Registry) hit(pc uint64) []uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	var hits []uint64
	for _, rec := range r.records {
		if rec.Enabled && rec.Addr == pc {
			rec.HitCount++
			hits = append(hits, rec.Addr)
		}
	}
	return hits
}
