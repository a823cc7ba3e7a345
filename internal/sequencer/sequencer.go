// Package sequencer runs the multi-step probe operations (erase, flash,
// recover, ...) and reports their progress as a stream of events.
package sequencer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	units "github.com/docker/go-units"
	"github.com/projecteru2/core/log"

	"github.com/OpenTraceLab/OpenTraceFlash/pkg/ihex"
	"github.com/OpenTraceLab/OpenTraceFlash/pkg/probe"
)

// Inspector reports the layout of a firmware image.
type Inspector func(path string) (ihex.Info, error)

// StopFlag is the cooperative cancellation signal checked between steps.
type StopFlag struct {
	stopped atomic.Bool
}

// Stop requests the running sequence to abort at the next step boundary.
func (f *StopFlag) Stop() { f.stopped.Store(true) }

// Stopped reports whether Stop was called.
func (f *StopFlag) Stopped() bool { return f != nil && f.stopped.Load() }

// Sequencer executes step plans against a probe.
type Sequencer struct {
	probe   probe.Probe
	inspect Inspector
	// sink routes backend output into the running operation's log.
	sink atomic.Pointer[func(string)]
}

// Option configures a Sequencer.
type Option func(*Sequencer)

// WithInspector overrides the image inspector (defaults to ihex.Inspect).
func WithInspector(fn Inspector) Option {
	return func(s *Sequencer) { s.inspect = fn }
}

// New returns a Sequencer driving p.
func New(p probe.Probe, opts ...Option) *Sequencer {
	s := &Sequencer{probe: p, inspect: ihex.Inspect}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// BackendLog forwards a line produced by the probe backend to the log of the
// running operation. Lines arriving between operations are dropped. Pass it
// as the backend's probe.LogFunc.
func (s *Sequencer) BackendLog(line string) {
	if fn := s.sink.Load(); fn != nil {
		(*fn)(line)
	}
}

// step is one state of a mode's plan.
type step struct {
	// percent is reported before the step runs; zero reports nothing.
	percent int
	// announce and done are log lines emitted around the step.
	announce string
	done     string
	// bestEffort steps log their failure and let the sequence continue.
	bestEffort bool
	warn       string
	run        func(ctx context.Context, st *state) error
}

// state is the per-operation mutable state shared by steps.
type state struct {
	seq  *Sequencer
	req  Request
	id   string
	emit func(Event)

	percent   int
	serial    string
	connected bool
	info      *ihex.Info
}

func (st *state) progress(p int) {
	if p <= st.percent {
		return
	}
	if p > 100 {
		p = 100
	}
	st.percent = p
	st.emit(Event{Kind: EventProgress, OpID: st.id, Time: time.Now(), Percent: p})
}

func (st *state) logf(format string, args ...any) {
	st.emit(Event{Kind: EventLog, OpID: st.id, Time: time.Now(), Line: fmt.Sprintf(format, args...)})
}

// Run executes req to completion, first failure or abort, and returns the
// outcome. emit receives every event, the outcome last. Run never panics on
// probe errors and always closes a session it opened.
func (s *Sequencer) Run(ctx context.Context, id string, req Request, stop *StopFlag, emit func(Event)) (out Outcome) {
	logger := log.WithFunc("sequencer.Run")
	if emit == nil {
		emit = func(Event) {}
	}
	st := &state{seq: s, req: req, id: id, emit: emit}

	defer func() {
		if st.connected {
			if err := s.probe.Disconnect(); err != nil {
				logger.Warnf(ctx, "operation %s: disconnect after %s: %v", id, req.Mode, err)
			}
			st.connected = false
		}
		if out.Success {
			st.progress(100)
		}
		o := out
		emit(Event{Kind: EventOutcome, OpID: id, Time: time.Now(), Outcome: &o})
	}()

	relay := func(line string) { st.logf("%s", line) }
	s.sink.Store(&relay)
	defer s.sink.Store(nil)

	if err := validate(req); err != nil {
		logger.Warnf(ctx, "operation %s: rejected %s: %v", id, req.Mode, err)
		return failure(req.Mode, err)
	}

	// Only the operation's own deadline counts as a timeout; a caller's
	// deadline aborts like any other cancellation.
	var errTimedOut error
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		errTimedOut = fmt.Errorf("timed out after %s: %w", req.Timeout, context.DeadlineExceeded)
		ctx, cancel = context.WithTimeoutCause(ctx, req.Timeout, errTimedOut)
		defer cancel()
	}
	timedOut := func() bool { return errTimedOut != nil && context.Cause(ctx) == errTimedOut }

	steps := s.plan(st)
	logger.Infof(ctx, "operation %s: %s started (%d steps)", id, req.Mode, len(steps))

	for _, sp := range steps {
		if timedOut() {
			return failure(req.Mode, errTimedOut)
		}
		if stop.Stopped() || ctx.Err() != nil {
			logger.Infof(ctx, "operation %s: %s aborted", id, req.Mode)
			return aborted(req.Mode, ctx.Err())
		}
		if sp.percent > 0 {
			st.progress(sp.percent)
		}
		if sp.announce != "" {
			st.logf("%s", sp.announce)
		}
		err := sp.run(ctx, st)
		if err == nil {
			if sp.done != "" {
				st.logf("%s", sp.done)
			}
			continue
		}
		if isContextErr(err) || ctx.Err() != nil {
			if timedOut() {
				return failure(req.Mode, errTimedOut)
			}
			if stop.Stopped() || ctx.Err() != nil {
				return aborted(req.Mode, err)
			}
			return failure(req.Mode, err)
		}
		if sp.bestEffort {
			logger.Warnf(ctx, "operation %s: best-effort step failed: %v", id, err)
			st.logf("%s (%v)", sp.warn, err)
			continue
		}
		logger.Warnf(ctx, "operation %s: %s failed: %v", id, req.Mode, err)
		return failure(req.Mode, err)
	}

	logger.Infof(ctx, "operation %s: %s succeeded", id, req.Mode)
	return Outcome{Success: true, Message: req.Mode.Title() + " succeeded", Image: st.info}
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func failure(m Mode, err error) Outcome {
	return Outcome{Message: fmt.Sprintf("%s failed: %v", m.Title(), err), Err: err}
}

func aborted(m Mode, cause error) Outcome {
	err := ErrAborted
	if cause != nil && !errors.Is(cause, context.Canceled) {
		err = fmt.Errorf("%w: %v", ErrAborted, cause)
	}
	return Outcome{Message: fmt.Sprintf("%s aborted", m.Title()), Err: err}
}

// validate performs the pre-flight checks that run before any step.
func validate(req Request) error {
	known := false
	for _, m := range Modes {
		if m == req.Mode {
			known = true
			break
		}
	}
	if !known {
		return fmt.Errorf("unknown mode %q", req.Mode)
	}
	if req.Mode == ModeFlashSeparate {
		if req.SoftDevice == "" {
			return ErrNoSoftDevice
		}
		if err := checkFile(req.SoftDevice); err != nil {
			return err
		}
	}
	if req.Mode.NeedsImage() {
		if req.Image == "" {
			return ErrNoImage
		}
		if err := checkFile(req.Image); err != nil {
			return err
		}
	}
	return nil
}

func checkFile(path string) error {
	fi, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrImageNotFound, path)
		}
		return fmt.Errorf("stat %s: %w", path, err)
	}
	if fi.IsDir() {
		return fmt.Errorf("%w: %s is a directory", ErrImageNotFound, path)
	}
	return nil
}

// Step constructors. Each wraps exactly one probe call.

func connectAny(percent int, announce string) step {
	return step{percent: percent, announce: announce, run: func(ctx context.Context, st *state) error {
		if err := st.seq.probe.Connect(ctx, st.req.Serial); err != nil {
			return fmt.Errorf("connect: %w", err)
		}
		st.connected = true
		st.logf("Connected to device")
		return nil
	}}
}

func listProbes(percent int, announce string) step {
	return step{percent: percent, announce: announce, run: func(ctx context.Context, st *state) error {
		probes, err := st.seq.probe.ListProbes(ctx)
		if err != nil {
			return fmt.Errorf("list probes: %w", err)
		}
		serial, err := probe.SelectSerial(probes, st.req.Serial)
		if err != nil {
			return err
		}
		st.serial = serial
		return nil
	}}
}

func connectSelected(percent int, announce string) step {
	return step{percent: percent, announce: announce, run: func(ctx context.Context, st *state) error {
		if err := st.seq.probe.Connect(ctx, st.serial); err != nil {
			return fmt.Errorf("connect %s: %w", st.serial, err)
		}
		st.connected = true
		st.logf("Connected to probe: %s", st.serial)
		return nil
	}}
}

func disconnect() step {
	return step{run: func(ctx context.Context, st *state) error {
		if !st.connected {
			return nil
		}
		st.connected = false
		if err := st.seq.probe.Disconnect(); err != nil {
			return fmt.Errorf("disconnect: %w", err)
		}
		return nil
	}}
}

func eraseAll(percent int, announce, done string) step {
	return step{percent: percent, announce: announce, done: done, run: func(ctx context.Context, st *state) error {
		if err := st.seq.probe.EraseAll(ctx); err != nil {
			return fmt.Errorf("erase: %w", err)
		}
		return nil
	}}
}

func program(percent int, announce, done string, path func(Request) string) step {
	return step{percent: percent, announce: announce, done: done, run: func(ctx context.Context, st *state) error {
		p := path(st.req)
		if err := st.seq.probe.Program(ctx, p); err != nil {
			return fmt.Errorf("program %s: %w", p, err)
		}
		return nil
	}}
}

func reset(percent int, announce, done string) step {
	return step{percent: percent, announce: announce, done: done, run: func(ctx context.Context, st *state) error {
		if err := st.seq.probe.Reset(ctx); err != nil {
			return fmt.Errorf("reset: %w", err)
		}
		return nil
	}}
}

func recoverDevice(percent int, announce, done string) step {
	return step{percent: percent, announce: announce, done: done, run: func(ctx context.Context, st *state) error {
		if err := st.seq.probe.Recover(ctx); err != nil {
			return fmt.Errorf("recover: %w", err)
		}
		return nil
	}}
}

func inspect(percent int) step {
	return step{percent: percent, announce: "Parsing HEX file...", run: func(ctx context.Context, st *state) error {
		info, err := st.seq.inspect(st.req.Image)
		if err != nil {
			return err
		}
		st.info = &info
		st.logf("✓ HEX file is valid")
		st.logf("  Address range: 0x%08X - 0x%08X", info.Start, info.End)
		st.logf("  Image size: %d bytes (%s)", info.Size, units.BytesSize(float64(info.Size)))
		if info.DataBytes != info.Size {
			st.logf("  Data bytes: %d in %d segment(s)", info.DataBytes, info.Segments)
		}
		return nil
	}}
}

func note(format string, args ...any) step {
	line := fmt.Sprintf(format, args...)
	return step{run: func(ctx context.Context, st *state) error {
		st.logf("%s", line)
		return nil
	}}
}

func primary(r Request) string    { return r.Image }
func softDevice(r Request) string { return r.SoftDevice }

// plan returns the linear step list for st.req.Mode.
func (s *Sequencer) plan(st *state) []step {
	req := st.req
	switch req.Mode {
	case ModeErase:
		return []step{
			connectAny(10, "Erasing chip..."),
			eraseAll(30, "", "✓ Chip erase complete"),
		}

	case ModeFlash, ModeFlashSD, ModeFlashApp:
		return []step{
			listProbes(10, fmt.Sprintf("Flashing file: %s", req.Image)),
			connectSelected(20, ""),
			program(30, "Programming...", "✓ Programming complete", primary),
		}

	case ModeVerify:
		return []step{
			note("Verifying file: %s", req.Image),
			inspect(30),
		}

	case ModeRecover:
		return []step{
			connectAny(30, "Recovering device (removes read-back protection)..."),
			recoverDevice(50, "", "✓ Device recovered"),
		}

	case ModeReset:
		return []step{
			connectAny(30, "Resetting device..."),
			reset(60, "", "✓ Device reset"),
		}

	case ModeAuto:
		return []step{
			note("=== Auto flash: recover, erase, flash, reset ==="),
			note("Target file: %s", req.Image),
			connectAny(0, ""),
			{
				percent:    10,
				announce:   "Step 1/4: Recover device...",
				done:       "✓ Recover succeeded",
				bestEffort: true,
				warn:       "⚠ Recover failed, continuing with erase...",
				run:        recoverDevice(0, "", "").run,
			},
			eraseAll(30, "Step 2/4: Erase chip...", "✓ Erase complete"),
			disconnect(),
			listProbes(60, "Step 3/4: Flash firmware..."),
			connectSelected(0, ""),
			program(0, "", "✓ Flash complete", primary),
			disconnect(),
			connectAny(90, "Step 4/4: Reset device..."),
			reset(0, "", "✓ Reset complete"),
		}

	case ModeFlashSeparate:
		return []step{
			note("=== Separate flash: SoftDevice + application ==="),
			note("SoftDevice: %s", req.SoftDevice),
			note("Application: %s", req.Image),
			connectAny(0, ""),
			eraseAll(10, "Step 1/4: Erase chip...", "✓ Erase complete"),
			disconnect(),
			listProbes(35, "Step 2/4: Flash SoftDevice..."),
			connectSelected(0, ""),
			program(0, "", "✓ SoftDevice flashed", softDevice),
			disconnect(),
			connectSelected(65, "Step 3/4: Flash application..."),
			program(0, "", "✓ Application flashed", primary),
			disconnect(),
			connectAny(90, "Step 4/4: Reset device..."),
			reset(0, "", "✓ Reset complete"),
		}
	}
	return nil
}
