package ui

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/projecteru2/core/log"

	"github.com/OpenTraceLab/OpenTraceFlash/internal/oplog"
	"github.com/OpenTraceLab/OpenTraceFlash/internal/sequencer"
	"github.com/OpenTraceLab/OpenTraceFlash/internal/workspace"
)

// ErrNothingRunning is returned by Cancel when no operation is active.
var ErrNothingRunning = errors.New("no operation is running")

// StateSnapshot captures a copy of the state data for rendering without
// requiring the UI to hold locks while laying out widgets.
type StateSnapshot struct {
	Files    map[workspace.Kind][]workspace.Entry
	Selected map[workspace.Kind]string

	Busy       bool
	Cancelling bool
	Mode       sequencer.Mode
	Progress   int
	// Pending is a destructive mode waiting for confirmation.
	Pending sequencer.Mode

	LastError error
	Status    string

	Logs []oplog.Entry

	Backend    string
	Serial     string
	HexDir     string
	AppVersion string

	LastUpdated time.Time
}

// AppState tracks the mutable state shared between the Gio event loop and
// the worker running flash operations.
type AppState struct {
	mu sync.RWMutex

	ws     *workspace.Workspace
	runner *sequencer.Runner

	files    map[workspace.Kind][]workspace.Entry
	selected map[workspace.Kind]string

	active     *sequencer.Operation
	busy       bool
	cancelling bool
	mode       sequencer.Mode
	progress   int
	pending    sequencer.Mode

	lastError error
	status    string

	log *oplog.Log

	backend    string
	serial     string
	timeout    time.Duration
	cancelWait time.Duration
	appVersion string

	lastUpdated time.Time
}

// NewState returns an AppState driving runner over the images in ws.
func NewState(ws *workspace.Workspace, runner *sequencer.Runner) *AppState {
	return &AppState{
		ws:          ws,
		runner:      runner,
		files:       make(map[workspace.Kind][]workspace.Entry),
		selected:    make(map[workspace.Kind]string),
		log:         oplog.New(2000),
		status:      "Ready",
		cancelWait:  3 * time.Second,
		appVersion:  "dev",
		lastUpdated: time.Now(),
	}
}

// Snapshot returns a copy of the mutable state for rendering.
func (s *AppState) Snapshot() StateSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	files := make(map[workspace.Kind][]workspace.Entry, len(s.files))
	for k, v := range s.files {
		files[k] = append([]workspace.Entry(nil), v...)
	}
	selected := make(map[workspace.Kind]string, len(s.selected))
	for k, v := range s.selected {
		selected[k] = v
	}

	return StateSnapshot{
		Files:       files,
		Selected:    selected,
		Busy:        s.busy,
		Cancelling:  s.cancelling,
		Mode:        s.mode,
		Progress:    s.progress,
		Pending:     s.pending,
		LastError:   s.lastError,
		Status:      s.status,
		Logs:        s.log.Entries(),
		Backend:     s.backend,
		Serial:      s.serial,
		HexDir:      s.ws.Root(),
		AppVersion:  s.appVersion,
		LastUpdated: s.lastUpdated,
	}
}

func (s *AppState) touch() { s.lastUpdated = time.Now() }

// SetAppVersion records the running application version string.
func (s *AppState) SetAppVersion(version string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if version == "" {
		version = "dev"
	}
	s.appVersion = version
	s.touch()
}

// SetBackend records the probe backend and serial shown in the status bar
// and copied into every request.
func (s *AppState) SetBackend(backend, serial string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.backend = backend
	s.serial = serial
	s.touch()
}

// SetTimeout bounds every operation; zero disables the bound.
func (s *AppState) SetTimeout(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.timeout = d
}

// SetCancelWait sets how long Cancel waits before re-enabling the controls.
func (s *AppState) SetCancelWait(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d > 0 {
		s.cancelWait = d
	}
}

// SetStatus updates the user-facing status message.
func (s *AppState) SetStatus(status string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = status
	s.touch()
}

// AppendLog appends a line to the operation log.
func (s *AppState) AppendLog(level, line string) {
	s.log.Add(level, line)
	s.mu.Lock()
	s.touch()
	s.mu.Unlock()
}

// ClearLog empties the operation log.
func (s *AppState) ClearLog() {
	s.log.Clear()
	s.mu.Lock()
	s.touch()
	s.mu.Unlock()
}

// Log exposes the operation log for saving.
func (s *AppState) Log() *oplog.Log { return s.log }

// Busy reports whether the controls are locked by a running operation.
func (s *AppState) Busy() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.busy
}

// RefreshFiles rescans the image directories. Selections that no longer
// exist in a directory fall back to its first image; selections picked from
// outside the workspace are kept.
func (s *AppState) RefreshFiles() error {
	found := make(map[workspace.Kind][]workspace.Entry, len(workspace.Kinds))
	var errs []error
	for _, k := range workspace.Kinds {
		entries, err := s.ws.List(k)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		found[k] = entries
	}

	s.mu.Lock()
	s.files = found
	for _, k := range workspace.Kinds {
		entries := found[k]
		cur := s.selected[k]
		if cur != "" && (filepath.Dir(cur) != s.ws.Path(k) || containsPath(entries, cur)) {
			continue
		}
		if len(entries) > 0 {
			s.selected[k] = entries[0].Path
		} else {
			delete(s.selected, k)
		}
	}
	s.touch()
	s.mu.Unlock()

	for _, k := range workspace.Kinds {
		if entries, ok := found[k]; ok {
			s.log.Add("info", fmt.Sprintf("Found %d %s file(s) in %s", len(entries), k.Title(), s.ws.Path(k)))
		}
	}
	return errors.Join(errs...)
}

func containsPath(entries []workspace.Entry, path string) bool {
	for _, e := range entries {
		if e.Path == path {
			return true
		}
	}
	return false
}

// Select records path as the image of kind k.
func (s *AppState) Select(k workspace.Kind, path string) {
	s.mu.Lock()
	if s.selected[k] == path {
		s.mu.Unlock()
		return
	}
	s.selected[k] = path
	s.touch()
	s.mu.Unlock()
	s.log.Add("info", fmt.Sprintf("Selected %s: %s", k.Title(), filepath.Base(path)))
}

// Selected returns the image chosen for kind k.
func (s *AppState) Selected(k workspace.Kind) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.selected[k]
}

// NeedsConfirm reports whether mode must be confirmed before it runs.
func NeedsConfirm(mode sequencer.Mode) bool {
	switch mode {
	case sequencer.ModeErase, sequencer.ModeRecover, sequencer.ModeAuto, sequencer.ModeFlashSeparate:
		return true
	}
	return false
}

// ConfirmPrompt is the question asked before a destructive mode.
func ConfirmPrompt(mode sequencer.Mode) string {
	switch mode {
	case sequencer.ModeErase:
		return "Erase the chip? This cannot be undone."
	case sequencer.ModeRecover:
		return "Recover the device? Read-back protection is removed and all data erased."
	case sequencer.ModeAuto:
		return "Auto flash runs recover, erase all, flash and reset. Continue?"
	case sequencer.ModeFlashSeparate:
		return "Erase the chip and flash SoftDevice and application?"
	}
	return fmt.Sprintf("Run %s?", mode.Title())
}

// Request asks to run mode. Destructive modes are parked until Confirm;
// the rest start immediately.
func (s *AppState) Request(ctx context.Context, mode sequencer.Mode, notify func()) error {
	if NeedsConfirm(mode) {
		s.mu.Lock()
		if s.busy {
			s.mu.Unlock()
			return sequencer.ErrBusy
		}
		s.pending = mode
		s.touch()
		s.mu.Unlock()
		return nil
	}
	return s.Start(ctx, mode, notify)
}

// Confirm starts the pending mode, if any.
func (s *AppState) Confirm(ctx context.Context, notify func()) error {
	s.mu.Lock()
	mode := s.pending
	s.pending = ""
	s.mu.Unlock()
	if mode == "" {
		return nil
	}
	return s.Start(ctx, mode, notify)
}

// Decline drops the pending mode.
func (s *AppState) Decline() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = ""
	s.touch()
}

func (s *AppState) request(mode sequencer.Mode) sequencer.Request {
	req := sequencer.Request{Mode: mode, Serial: s.serial, Timeout: s.timeout}
	switch mode {
	case sequencer.ModeFlashSD:
		req.Image = s.selected[workspace.KindSoftDevice]
	case sequencer.ModeFlashApp:
		req.Image = s.selected[workspace.KindApp]
	case sequencer.ModeFlashSeparate:
		req.Image = s.selected[workspace.KindApp]
		req.SoftDevice = s.selected[workspace.KindSoftDevice]
	default:
		req.Image = s.selected[workspace.KindMerged]
	}
	return req
}

// Start launches mode on the runner and consumes its events on a
// background goroutine. notify is called after every state change.
func (s *AppState) Start(ctx context.Context, mode sequencer.Mode, notify func()) error {
	if notify == nil {
		notify = func() {}
	}
	s.mu.Lock()
	if s.busy {
		s.mu.Unlock()
		return sequencer.ErrBusy
	}
	req := s.request(mode)
	s.mu.Unlock()

	op, err := s.runner.Start(ctx, req)
	if err != nil {
		s.log.Add("error", fmt.Sprintf("%s: %v", mode.Title(), err))
		s.mu.Lock()
		s.lastError = err
		s.status = err.Error()
		s.touch()
		s.mu.Unlock()
		return err
	}

	s.mu.Lock()
	s.active = op
	s.busy = true
	s.cancelling = false
	s.mode = mode
	s.progress = 0
	s.lastError = nil
	s.status = mode.Title() + " running..."
	s.touch()
	s.mu.Unlock()
	notify()

	go s.consume(ctx, op, notify)
	return nil
}

func (s *AppState) consume(ctx context.Context, op *sequencer.Operation, notify func()) {
	for ev := range op.Events() {
		s.apply(op, ev)
		notify()
	}
	s.release(op)
	log.WithFunc("ui.consume").Debugf(ctx, "operation %s finished", op.ID())
	notify()
}

func (s *AppState) apply(op *sequencer.Operation, ev sequencer.Event) {
	s.log.Record(ev)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active != op {
		// abandoned by Cancel; only the log keeps its lines
		return
	}
	switch ev.Kind {
	case sequencer.EventProgress:
		if ev.Percent > s.progress {
			s.progress = ev.Percent
		}
	case sequencer.EventOutcome:
		if ev.Outcome != nil {
			s.lastError = ev.Outcome.Err
			if ev.Outcome.Success {
				s.status = "✓ " + ev.Outcome.Message
			} else {
				s.status = "✗ " + ev.Outcome.Message
			}
		}
	}
	s.touch()
}

// release unlocks the controls if op is still the tracked operation. A
// non-empty status replaces the current one.
func (s *AppState) release(op *sequencer.Operation, status ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active != op {
		return
	}
	s.active = nil
	s.busy = false
	s.cancelling = false
	if len(status) > 0 {
		s.status = status[0]
	}
	s.touch()
}

// Cancel asks the running operation to stop at the next step boundary. If
// the worker has not finished within the cancel wait, the controls are
// re-enabled anyway; the runner keeps refusing new work until it exits.
func (s *AppState) Cancel(notify func()) error {
	if notify == nil {
		notify = func() {}
	}
	s.mu.Lock()
	op := s.active
	if op == nil {
		s.mu.Unlock()
		return ErrNothingRunning
	}
	if s.cancelling {
		s.mu.Unlock()
		return nil
	}
	s.cancelling = true
	s.status = "Stopping after the current step..."
	wait := s.cancelWait
	s.touch()
	s.mu.Unlock()

	s.log.Add("info", "Stop requested")
	op.Cancel()
	notify()

	go func() {
		if _, ok := op.Wait(wait); !ok {
			s.log.Add("error", fmt.Sprintf("Operation did not stop within %s", wait))
			s.release(op, "Operation still running in the background")
		}
		notify()
	}()
	return nil
}
