// Package monitor runs the synchronization pipeline: poll the protocol
// channel, gate on sequence number, translate addresses, reconcile the
// prior prediction, append to history, forecast the next step. One loop,
// never concurrent with itself.
package monitor

import (
	"context"
	"errors"
	"time"

	"github.com/go-kit/log"
	"github.com/google/uuid"

	"github.com/kdsync/kdsync/pkg/history"
	"github.com/kdsync/kdsync/pkg/predict"
	"github.com/kdsync/kdsync/pkg/protocol"
	"github.com/kdsync/kdsync/pkg/state"
	"github.com/kdsync/kdsync/pkg/translate"
)

// Analysis is the boundary with the static-analysis environment. It reads
// entries; it never mutates them.
type Analysis interface {
	// ProgramName is the loaded image's name, matched against the live
	// module list to resolve the kernel base.
	ProgramName() string

	// CurrentLoadedImageBase seeds the address translator.
	CurrentLoadedImageBase() uint64

	// OnSnapshotReady moves the analysis cursor to the entry's translated
	// program counter.
	OnSnapshotReady(*history.Entry)
}

// Options configure a Monitor.
type Options struct {
	PollInterval time.Duration
	CommandDir   string // channel root, used to render the command script
	Commands     []string
}

const (
	defaultInterval = 250 * time.Millisecond
	minInterval     = 200 * time.Millisecond
	maxInterval     = 500 * time.Millisecond
)

// Monitor owns the sequential pipeline. All of its state is confined to
// the Run goroutine except the history log, which is safe for concurrent
// readers.
type Monitor struct {
	channel  protocol.Channel
	trans    *translate.Context
	pred     *predict.Predictor
	hist     *history.Log
	analysis Analysis
	logger   log.Logger

	interval     time.Duration
	initCommands []string
	commands     []string
	sessionID    string

	lastSeq        uint64
	lastEffect     *predict.Effect
	warnedBase     bool
	scriptUpgraded bool
}

func New(ch protocol.Channel, analysis Analysis, hist *history.Log, pred *predict.Predictor, opts Options, logger log.Logger) *Monitor {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	interval := opts.PollInterval
	if interval == 0 {
		interval = defaultInterval
	}
	if interval < minInterval {
		interval = minInterval
	}
	if interval > maxInterval {
		interval = maxInterval
	}
	commands := opts.Commands
	initCommands := protocol.InitCommands(opts.CommandDir)
	if commands == nil {
		commands = protocol.StateCommands(opts.CommandDir)
	} else {
		// Explicit commands skip the init/state phases entirely.
		initCommands = commands
	}

	sessionID := uuid.New().String()
	return &Monitor{
		channel:        ch,
		trans:          translate.NewContext(analysis.ProgramName(), analysis.CurrentLoadedImageBase(), logger),
		pred:           pred,
		hist:           hist,
		analysis:       analysis,
		logger:         log.With(logger, "component", "monitor", "session", sessionID),
		interval:       interval,
		initCommands:   initCommands,
		commands:       commands,
		sessionID:      sessionID,
		scriptUpgraded: opts.Commands != nil,
	}
}

// SessionID identifies this monitoring session in logs.
func (m *Monitor) SessionID() string { return m.sessionID }

// Translator exposes the address context for operator-side conversions
// (e.g. rendering a breakpoint address for the live debugger).
func (m *Monitor) Translator() *translate.Context { return m.trans }

// Run writes the module-list command script, then polls until ctx is
// canceled. Once the kernel base resolves, the script is upgraded to the
// full state dump. Cancellation is cooperative: an in-flight pipeline step
// finishes before the loop exits, so no partial snapshot ever reaches
// history.
func (m *Monitor) Run(ctx context.Context) error {
	if err := m.channel.WriteCommandScript(m.initCommands); err != nil {
		if errors.Is(err, protocol.ErrSetup) {
			return err
		}
		m.logger.Log("msg", "command script write failed", "err", err)
	}

	var wake <-chan struct{}
	if w, ok := m.channel.(protocol.Waker); ok {
		wake = w.Wake()
	}

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.logger.Log("msg", "monitoring started", "interval", m.interval)
	for {
		select {
		case <-ctx.Done():
			m.logger.Log("msg", "monitoring stopped")
			return ctx.Err()
		case <-ticker.C:
		case <-wake:
		}
		if err := m.step(); err != nil {
			if errors.Is(err, protocol.ErrSetup) {
				return err
			}
			// Everything else is transient; retry next tick.
		}
	}
}

// step performs one poll and, if a new snapshot arrived, one full
// pipeline pass.
func (m *Monitor) step() error {
	snap, err := m.channel.Poll(m.lastSeq)
	if err != nil {
		var perr *state.ParseError
		switch {
		case errors.As(err, &perr):
			// Prior snapshot stays current; the file will be rewritten.
			m.logger.Log("msg", "malformed state document", "err", perr)
			return nil
		case errors.Is(err, protocol.ErrNotReady):
			m.resolveFromModuleDump()
			return nil
		default:
			return err
		}
	}
	if snap == nil {
		// Idle poll. During the init phase the installed script only dumps
		// the module list, so no state document can arrive until the base
		// has been resolved from that dump and the script upgraded.
		m.resolveFromModuleDump()
		return nil
	}

	// Sequence gate: accepted sequence numbers are strictly increasing.
	// Duplicates and stale reads are dropped without touching history.
	if snap.Seq != 0 {
		if snap.Seq <= m.lastSeq {
			m.logger.Log("msg", "stale snapshot dropped", "seq", snap.Seq, "last", m.lastSeq)
			return nil
		}
	} else {
		// Documents without a sequence number rely on the channel's
		// content-hash dedupe; assign the next number on ingestion.
		snap.Seq = m.lastSeq + 1
	}

	if err := m.resolveBase(snap); err != nil {
		return nil // snapshot unusable until the operator reloads modules
	}

	offset, err := m.trans.Offset()
	if err != nil {
		return nil
	}
	pc := snap.PCRaw + offset
	stack := translate.ApplyOffset(snap.Stack, offset)

	// Reconcile the forecast made from the previous snapshot. Observed
	// data always wins; mismatches are diagnostics only.
	if m.lastEffect != nil {
		rep := predict.Reconcile(m.lastEffect, snap)
		m.pred.Accuracy.Record(rep)
		for _, o := range rep.Outcomes {
			if !o.Match {
				m.logger.Log("msg", "prediction mismatch", "reg", o.Reg,
					"predicted", o.Predicted, "observed", o.Observed)
			}
		}
	}

	eff := m.pred.Predict(snap)
	entry := m.hist.Append(snap, pc, offset, stack, eff)
	m.lastEffect = eff
	m.lastSeq = snap.Seq

	m.analysis.OnSnapshotReady(entry)
	m.logger.Log("msg", "snapshot accepted", "seq", snap.Seq, "pc", pc, "hits", len(entry.Hits))
	return nil
}

// resolveBase (re)establishes the translation context from the snapshot's
// module list, falling back to the separately dumped one.
func (m *Monitor) resolveBase(snap *state.Snapshot) error {
	mods := snap.Modules
	if len(mods) == 0 {
		if fromFile, err := m.channel.Modules(); err == nil {
			mods = fromFile
		}
	}

	err := m.trans.ResolveFrom(mods)
	if err == nil {
		m.warnedBase = false
		m.upgradeScript()
		return nil
	}
	if m.trans.Resolved() {
		// A transiently incomplete list does not invalidate an
		// established base.
		return nil
	}
	m.warnBaseOnce()
	return err
}

// resolveFromModuleDump drives the init phase: with no state document yet,
// the separately dumped module list is the only place the kernel base can
// come from. On success the full state-dump script is installed.
func (m *Monitor) resolveFromModuleDump() {
	if m.scriptUpgraded {
		return
	}
	mods, err := m.channel.Modules()
	if err != nil {
		return
	}
	if err := m.trans.ResolveFrom(mods); err != nil {
		m.warnBaseOnce()
		return
	}
	m.warnedBase = false
	m.upgradeScript()
}

// warnBaseOnce surfaces the unresolved-base condition once per outage,
// with remediation guidance.
func (m *Monitor) warnBaseOnce() {
	if m.warnedBase {
		return
	}
	m.logger.Log("msg", "could not determine kernel base",
		"module", m.analysis.ProgramName(),
		"hint", "verify the module is loaded, reload the module list, and check the name matches")
	m.warnedBase = true
}

// upgradeScript swaps the module-list script for the full state dump once
// translation is available. Happens at most once per session.
func (m *Monitor) upgradeScript() {
	if m.scriptUpgraded {
		return
	}
	if err := m.channel.WriteCommandScript(m.commands); err != nil {
		m.logger.Log("msg", "command script write failed", "err", err)
		return
	}
	m.scriptUpgraded = true
}
