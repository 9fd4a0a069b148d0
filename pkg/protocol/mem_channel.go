package protocol

import (
	"sync"

	"github.com/kdsync/kdsync/pkg/state"
)

// MemChannel is the in-memory channel used by tests: the same semantics as
// the file channel without touching the file system.
type MemChannel struct {
	mu      sync.Mutex
	scripts [][]string
	queue   [][]byte
	modules []state.Module
	closed  bool
	wake    chan struct{}
}

func NewMemChannel() *MemChannel {
	return &MemChannel{wake: make(chan struct{}, 1)}
}

// Push enqueues one raw state document, as if the live debugger had
// rewritten the state file.
func (c *MemChannel) Push(doc []byte) {
	c.mu.Lock()
	c.queue = append(c.queue, doc)
	c.mu.Unlock()
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// SetModules seeds the separate module-list dump.
func (c *MemChannel) SetModules(mods []state.Module) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.modules = mods
}

// Scripts returns every command script written so far.
func (c *MemChannel) Scripts() [][]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]string, len(c.scripts))
	copy(out, c.scripts)
	return out
}

func (c *MemChannel) WriteCommandScript(commands []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrSetup
	}
	script := make([]string, len(commands))
	copy(script, commands)
	c.scripts = append(c.scripts, script)
	return nil
}

func (c *MemChannel) Poll(lastSeq uint64) (*state.Snapshot, error) {
	c.mu.Lock()
	if len(c.queue) == 0 {
		c.mu.Unlock()
		return nil, nil
	}
	doc := c.queue[0]
	c.queue = c.queue[1:]
	c.mu.Unlock()

	snap, err := state.ParseSnapshot(doc)
	if err != nil {
		return nil, err
	}
	if snap.Seq != 0 && snap.Seq <= lastSeq {
		return nil, nil
	}
	return snap, nil
}

func (c *MemChannel) Modules() ([]state.Module, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.modules == nil {
		return nil, ErrNotReady
	}
	return c.modules, nil
}

func (c *MemChannel) Wake() <-chan struct{} { return c.wake }

func (c *MemChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}
