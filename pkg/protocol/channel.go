// Package protocol implements the file-based exchange with the live
// debugger: a state file it writes, a command script we write, and a
// module-list file. There is no socket and no locking; correctness relies
// on atomic-replace writes and on treating partial reads as "not ready".
package protocol

import (
	"errors"

	"github.com/kdsync/kdsync/pkg/state"
)

var (
	// ErrNotReady means the state file is absent, empty, or mid-write.
	// Callers retry silently on the next poll.
	ErrNotReady = errors.New("protocol: channel not ready")

	// ErrSetup means the channel root cannot be used at all. Fatal until
	// the operator intervenes.
	ErrSetup = errors.New("protocol: channel setup failed")
)

// Channel moves state between the two tools. Poll returns (nil, nil) when
// nothing new has arrived; a *state.ParseError when the document is
// malformed (the previous snapshot stays current); a snapshot otherwise.
// Snapshots whose sequence number is not greater than lastSeq are dropped.
type Channel interface {
	// WriteCommandScript replaces the command file so the reader never
	// observes a half-written script.
	WriteCommandScript(commands []string) error

	Poll(lastSeq uint64) (*state.Snapshot, error)

	// Modules returns the separately dumped module list, used when the
	// state document does not embed one.
	Modules() ([]state.Module, error)

	Close() error
}

// Waker is implemented by channels that can signal "something changed"
// ahead of the next poll tick. Purely an optimization; polling remains
// the source of truth.
type Waker interface {
	Wake() <-chan struct{}
}
