// Package translate reconciles the live debugger's address space with the
// analysis environment's image base. Downstream components only ever see
// translated (analysis-side) addresses.
package translate

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/go-kit/log"

	"github.com/kdsync/kdsync/pkg/state"
)

var (
	// ErrKernelBaseNotFound is surfaced to the operator: the module list
	// held no entry matching the loaded program. Recoverable by reloading
	// modules in the live debugger and re-polling.
	ErrKernelBaseNotFound = errors.New("translate: could not determine kernel base")

	// ErrNotReady blocks address-dependent work until a base is resolved.
	ErrNotReady = errors.New("translate: translation not ready")
)

// Context maps live addresses to analysis addresses once the target
// module's base has been found in a snapshot's module list.
type Context struct {
	mu        sync.RWMutex
	target    string
	imageBase uint64
	liveBase  uint64
	resolved  bool
	logger    log.Logger
}

// NewContext seeds the translator with the analysis environment's image
// base and the name of the loaded program.
func NewContext(target string, imageBase uint64, logger log.Logger) *Context {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Context{
		target:    target,
		imageBase: imageBase,
		logger:    log.With(logger, "component", "translate", "module", target),
	}
}

// ResolveFrom scans a module list for the target module and (re)computes
// the offset. A changed base is adopted for future translations only;
// history recorded under the old offset is never retranslated.
func (c *Context) ResolveFrom(modules []state.Module) error {
	for _, m := range modules {
		if !moduleMatches(m.Name, c.target) {
			continue
		}
		c.mu.Lock()
		switch {
		case !c.resolved:
			c.logger.Log("msg", "kernel base resolved", "base", hex(m.Base))
		case c.liveBase != m.Base:
			c.logger.Log("msg", "kernel base changed, rebasing future translations",
				"old", hex(c.liveBase), "new", hex(m.Base))
		}
		c.liveBase = m.Base
		c.resolved = true
		c.mu.Unlock()
		return nil
	}
	return ErrKernelBaseNotFound
}

// Resolved reports whether translation is available.
func (c *Context) Resolved() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.resolved
}

// Offset returns analysisImageBase - liveKernelBase (two's-complement; it
// wraps, so ToAnalysis/ToLive round-trip for any address).
func (c *Context) Offset() (uint64, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.resolved {
		return 0, ErrNotReady
	}
	return c.imageBase - c.liveBase, nil
}

// ToAnalysis maps a live address into analysis coordinates.
func (c *Context) ToAnalysis(live uint64) (uint64, error) {
	off, err := c.Offset()
	if err != nil {
		return 0, err
	}
	return live + off, nil
}

// ToLive maps an analysis address back into live coordinates, used when
// handing operator breakpoints to the live debugger.
func (c *Context) ToLive(analysis uint64) (uint64, error) {
	off, err := c.Offset()
	if err != nil {
		return 0, err
	}
	return analysis - off, nil
}

// ApplyOffset maps every frame of a stack trace by a resolved offset.
func ApplyOffset(frames []state.Frame, offset uint64) []state.Frame {
	out := make([]state.Frame, len(frames))
	for i, f := range frames {
		out[i] = state.Frame{
			RetAddr:  f.RetAddr + offset,
			FramePtr: f.FramePtr + offset,
			Symbol:   f.Symbol,
		}
	}
	return out
}

// moduleMatches compares module names ignoring case and a trailing
// extension, so a target of "mydriver" matches "MyDriver.sys".
func moduleMatches(name, target string) bool {
	return trimExt(strings.ToLower(name)) == trimExt(strings.ToLower(target))
}

func trimExt(name string) string {
	if i := strings.LastIndex(name, "."); i > 0 {
		return name[:i]
	}
	return name
}

func hex(v uint64) string {
	return fmt.Sprintf("%#x", v)
}
