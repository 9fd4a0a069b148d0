package predict

import (
	"fmt"
	"sort"
	"sync"

	"github.com/kdsync/kdsync/pkg/state"
)

// Outcome is one register's prediction checked against the next confirmed
// snapshot.
type Outcome struct {
	Reg       string
	Predicted uint64
	Observed  uint64
	Match     bool
}

// Report summarizes reconciliation of one effect. It is diagnostics only;
// observed data always wins and history is never altered by it.
type Report struct {
	Addr       uint64
	Outcomes   []Outcome
	Matches    int
	Mismatches int
}

// Reconcile compares every known delta of a prior effect against the
// observed snapshot. Unknown deltas and registers missing from the
// snapshot are skipped. Pure function; no state is mutated.
func Reconcile(e *Effect, next *state.Snapshot) Report {
	rep := Report{}
	if e == nil || next == nil {
		return rep
	}
	rep.Addr = e.Addr

	names := make([]string, 0, len(e.Deltas))
	for name, d := range e.Deltas {
		if d.Known {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	for _, name := range names {
		observed, ok := next.Registers[name]
		if !ok {
			continue
		}
		o := Outcome{
			Reg:       name,
			Predicted: e.Deltas[name].Value,
			Observed:  observed,
			Match:     observed == e.Deltas[name].Value,
		}
		rep.Outcomes = append(rep.Outcomes, o)
		if o.Match {
			rep.Matches++
		} else {
			rep.Mismatches++
		}
	}
	return rep
}

// Accuracy is the session-wide prediction tally.
type Accuracy struct {
	mu         sync.Mutex
	matches    uint64
	mismatches uint64
}

func (a *Accuracy) Record(rep Report) {
	a.mu.Lock()
	a.matches += uint64(rep.Matches)
	a.mismatches += uint64(rep.Mismatches)
	a.mu.Unlock()
}

func (a *Accuracy) Totals() (matches, mismatches uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.matches, a.mismatches
}

func (a *Accuracy) String() string {
	m, mm := a.Totals()
	total := m + mm
	if total == 0 {
		return "no predictions reconciled yet"
	}
	return fmt.Sprintf("%d/%d register predictions confirmed (%.1f%%)",
		m, total, float64(m)*100/float64(total))
}
