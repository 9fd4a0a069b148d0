package protocol

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/fsnotify/fsnotify"
	"github.com/go-kit/log"

	"github.com/kdsync/kdsync/pkg/state"
)

const (
	StateFileName   = "state.txt"
	CommandFileName = "cmd.txt"
	ModulesFileName = "modules.txt"
)

// FileChannel exchanges state through three well-known files in one
// directory. The live debugger appends its dumps to the state file; we
// detect changes by content hash so a rewrite with identical bytes is not
// reported as an update.
type FileChannel struct {
	dir         string
	statePath   string
	cmdPath     string
	modulesPath string

	lastHash  uint64
	readFails int
	logger    log.Logger

	watcher *fsnotify.Watcher
	wake    chan struct{}
	done    chan struct{}
}

// NewFileChannel opens (creating if needed) the channel directory. A root
// that cannot be created is a setup error and is fatal.
func NewFileChannel(dir string, logger log.Logger) (*FileChannel, error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSetup, err)
	}

	c := &FileChannel{
		dir:         dir,
		statePath:   filepath.Join(dir, StateFileName),
		cmdPath:     filepath.Join(dir, CommandFileName),
		modulesPath: filepath.Join(dir, ModulesFileName),
		logger:      log.With(logger, "component", "channel", "dir", dir),
		wake:        make(chan struct{}, 1),
		done:        make(chan struct{}),
	}

	watcher, err := fsnotify.NewWatcher()
	if err == nil {
		if err := watcher.Add(dir); err == nil {
			c.watcher = watcher
			go c.forwardEvents()
		} else {
			watcher.Close()
		}
	}
	// Without a watcher the poll ticker alone drives updates.

	return c, nil
}

func (c *FileChannel) forwardEvents() {
	for {
		select {
		case <-c.done:
			return
		case ev, ok := <-c.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != StateFileName {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			select {
			case c.wake <- struct{}{}:
			default:
			}
		case _, ok := <-c.watcher.Errors:
			if !ok {
				return
			}
		}
	}
}

// Wake signals state-file writes between polls.
func (c *FileChannel) Wake() <-chan struct{} { return c.wake }

// Dir returns the channel root.
func (c *FileChannel) Dir() string { return c.dir }

// WriteCommandScript writes the script to a temporary name and renames it
// into place so the live side never reads a half-written file.
func (c *FileChannel) WriteCommandScript(commands []string) error {
	tmp := c.cmdPath + ".tmp"
	data := []byte(strings.Join(commands, "\n") + "\n")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write command script: %w", err)
	}
	if err := os.Rename(tmp, c.cmdPath); err != nil {
		return fmt.Errorf("write command script: %w", err)
	}
	c.logger.Log("msg", "command script written", "commands", len(commands))
	return nil
}

// Poll checks the state file for a new, complete document. A missing,
// empty, or half-written file is "not ready", never corrupt.
func (c *FileChannel) Poll(lastSeq uint64) (*state.Snapshot, error) {
	data, err := os.ReadFile(c.statePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		// One failure is likely the writer holding the file; a repeat
		// means the file itself is unreadable, which would otherwise be
		// indistinguishable from an idle channel.
		c.readFails++
		if c.readFails == 2 {
			c.logger.Log("msg", "state file unreadable", "err", err)
		}
		return nil, nil
	}
	c.readFails = 0
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}

	hash := xxhash.Sum64(data)
	if hash == c.lastHash {
		return nil, nil
	}

	doc, rest, ok := extractDocument(data)
	if !ok {
		// No complete document yet; the writer is likely mid-dump.
		return nil, nil
	}

	snap, err := state.ParseSnapshot(doc)
	if err != nil {
		// Remember the corrupt content so we do not re-parse it every
		// tick; a rewritten file hashes differently and is retried.
		c.lastHash = hash
		return nil, err
	}
	c.lastHash = hash

	// The dump appends a text stack trace after the document when the
	// document itself has none.
	if len(snap.Stack) == 0 && len(rest) > 0 {
		snap.Stack = state.ParseStackTrace(bytes.NewReader(rest))
	}

	if snap.Seq != 0 && snap.Seq <= lastSeq {
		return nil, nil
	}
	return snap, nil
}

// Modules parses the separate module-list dump.
func (c *FileChannel) Modules() ([]state.Module, error) {
	f, err := os.Open(c.modulesPath)
	if err != nil {
		return nil, ErrNotReady
	}
	defer f.Close()
	return state.ParseModuleList(f), nil
}

// Breakpoints parses the live debugger's own breakpoint-list dump, when
// the command template requested one.
func (c *FileChannel) Breakpoints() []state.DebuggerBreakpoint {
	f, err := os.Open(filepath.Join(c.dir, "breakpoints.txt"))
	if err != nil {
		return nil
	}
	defer f.Close()
	return state.ParseBreakpointList(f)
}

func (c *FileChannel) Close() error {
	close(c.done)
	if c.watcher != nil {
		return c.watcher.Close()
	}
	return nil
}

// extractDocument scans for the one line holding a complete JSON object.
// The state file also carries log noise and stack-dump text around it.
func extractDocument(data []byte) (doc, rest []byte, ok bool) {
	lines := bytes.Split(data, []byte("\n"))
	for i, line := range lines {
		trimmed := bytes.TrimSpace(line)
		if len(trimmed) < 2 || trimmed[0] != '{' {
			continue
		}
		if trimmed[len(trimmed)-1] != '}' {
			// Document started but not finished.
			return nil, nil, false
		}
		rest = bytes.Join(lines[i+1:], []byte("\n"))
		return trimmed, rest, true
	}
	return nil, nil, false
}
