package ui

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/OpenTraceLab/OpenTraceFlash/internal/sequencer"
	"github.com/OpenTraceLab/OpenTraceFlash/internal/workspace"
	"github.com/OpenTraceLab/OpenTraceFlash/pkg/probe"
)

func hexRecord(addr uint16, typ byte, data []byte) string {
	sum := byte(len(data)) + byte(addr>>8) + byte(addr) + typ
	var b strings.Builder
	fmt.Fprintf(&b, ":%02X%04X%02X", len(data), addr, typ)
	for _, d := range data {
		fmt.Fprintf(&b, "%02X", d)
		sum += d
	}
	fmt.Fprintf(&b, "%02X\n", byte(-int(sum)))
	return b.String()
}

func newTestState(t *testing.T, sim *probe.Simulator) (*AppState, *workspace.Workspace) {
	t.Helper()
	ws := workspace.New(t.TempDir())
	if err := ws.Ensure(); err != nil {
		t.Fatalf("Ensure() error = %v", err)
	}
	body := hexRecord(0x1000, 0x00, []byte{1, 2, 3, 4}) + hexRecord(0, 0x01, nil)
	for _, k := range workspace.Kinds {
		for _, name := range []string{"a.hex", "b.hex"} {
			path := filepath.Join(ws.Path(k), name)
			if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
				t.Fatalf("write image: %v", err)
			}
		}
	}
	runner := sequencer.NewRunner(sequencer.New(sim), nil)
	return NewState(ws, runner), ws
}

func waitIdle(t *testing.T, s *AppState) StateSnapshot {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if snap := s.Snapshot(); !snap.Busy {
			return snap
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("state still busy")
	return StateSnapshot{}
}

func TestRefreshFilesSelectsFirst(t *testing.T) {
	s, ws := newTestState(t, probe.NewSimulator("1"))
	if err := s.RefreshFiles(); err != nil {
		t.Fatalf("RefreshFiles() error = %v", err)
	}
	snap := s.Snapshot()
	for _, k := range workspace.Kinds {
		if got := len(snap.Files[k]); got != 2 {
			t.Errorf("%s files = %d, want 2", k, got)
		}
		want := filepath.Join(ws.Path(k), "a.hex")
		if snap.Selected[k] != want {
			t.Errorf("%s selected = %q, want %q", k, snap.Selected[k], want)
		}
	}
}

func TestRefreshKeepsSelection(t *testing.T) {
	s, ws := newTestState(t, probe.NewSimulator("1"))
	s.RefreshFiles()

	picked := filepath.Join(ws.Path(workspace.KindApp), "b.hex")
	s.Select(workspace.KindApp, picked)
	outside := filepath.Join(t.TempDir(), "elsewhere.hex")
	s.Select(workspace.KindSoftDevice, outside)
	s.RefreshFiles()

	if got := s.Selected(workspace.KindApp); got != picked {
		t.Errorf("app selection = %q, want %q", got, picked)
	}
	if got := s.Selected(workspace.KindSoftDevice); got != outside {
		t.Errorf("softdevice selection = %q, want %q", got, outside)
	}

	os.Remove(picked)
	s.RefreshFiles()
	want := filepath.Join(ws.Path(workspace.KindApp), "a.hex")
	if got := s.Selected(workspace.KindApp); got != want {
		t.Errorf("app selection after removal = %q, want %q", got, want)
	}
}

func TestRequestBuildsImages(t *testing.T) {
	s, ws := newTestState(t, probe.NewSimulator("1"))
	s.RefreshFiles()
	s.SetBackend("sim", "1")
	s.SetTimeout(time.Minute)

	merged := filepath.Join(ws.Path(workspace.KindMerged), "a.hex")
	sd := filepath.Join(ws.Path(workspace.KindSoftDevice), "a.hex")
	app := filepath.Join(ws.Path(workspace.KindApp), "a.hex")

	tests := []struct {
		mode      sequencer.Mode
		image, sd string
	}{
		{sequencer.ModeFlash, merged, ""},
		{sequencer.ModeAuto, merged, ""},
		{sequencer.ModeVerify, merged, ""},
		{sequencer.ModeFlashSD, sd, ""},
		{sequencer.ModeFlashApp, app, ""},
		{sequencer.ModeFlashSeparate, app, sd},
	}
	for _, tt := range tests {
		req := s.request(tt.mode)
		if req.Image != tt.image || req.SoftDevice != tt.sd {
			t.Errorf("%s: image=%q sd=%q, want %q %q", tt.mode, req.Image, req.SoftDevice, tt.image, tt.sd)
		}
		if req.Serial != "1" || req.Timeout != time.Minute {
			t.Errorf("%s: serial=%q timeout=%v", tt.mode, req.Serial, req.Timeout)
		}
	}
}

func TestStartRunsToCompletion(t *testing.T) {
	sim := probe.NewSimulator("1")
	s, _ := newTestState(t, sim)
	s.RefreshFiles()

	if err := s.Start(context.Background(), sequencer.ModeFlash, nil); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	snap := waitIdle(t, s)
	if snap.Progress != 100 {
		t.Errorf("progress = %d, want 100", snap.Progress)
	}
	if snap.LastError != nil {
		t.Errorf("last error = %v", snap.LastError)
	}
	if !strings.HasPrefix(snap.Status, "✓") {
		t.Errorf("status = %q", snap.Status)
	}
	if sim.Count(probe.CallProgram) != 1 {
		t.Errorf("program calls = %d, want 1", sim.Count(probe.CallProgram))
	}
	if last := snap.Logs[len(snap.Logs)-1]; last.Level != "ok" {
		t.Errorf("last log level = %q, want ok", last.Level)
	}
}

func TestStartFailureRecordsError(t *testing.T) {
	sim := probe.NewSimulator("1")
	sim.Fail(probe.CallEraseAll, errors.New("boom"))
	s, _ := newTestState(t, sim)
	s.RefreshFiles()

	if err := s.Start(context.Background(), sequencer.ModeErase, nil); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	snap := waitIdle(t, s)
	if snap.LastError == nil {
		t.Error("last error not recorded")
	}
	if !strings.HasPrefix(snap.Status, "✗") {
		t.Errorf("status = %q", snap.Status)
	}
}

func TestStartWhileBusy(t *testing.T) {
	sim := probe.NewSimulator("1")
	sim.Delay = 200 * time.Millisecond
	s, _ := newTestState(t, sim)

	if err := s.Start(context.Background(), sequencer.ModeReset, nil); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := s.Start(context.Background(), sequencer.ModeReset, nil); !errors.Is(err, sequencer.ErrBusy) {
		t.Errorf("second Start() error = %v, want ErrBusy", err)
	}
	waitIdle(t, s)
}

func TestConfirmFlow(t *testing.T) {
	sim := probe.NewSimulator("1")
	s, _ := newTestState(t, sim)

	if err := s.Request(context.Background(), sequencer.ModeErase, nil); err != nil {
		t.Fatalf("Request() error = %v", err)
	}
	if snap := s.Snapshot(); snap.Pending != sequencer.ModeErase || snap.Busy {
		t.Fatalf("pending=%q busy=%v", snap.Pending, snap.Busy)
	}
	s.Decline()
	if snap := s.Snapshot(); snap.Pending != "" {
		t.Errorf("pending after decline = %q", snap.Pending)
	}
	if sim.Count(probe.CallEraseAll) != 0 {
		t.Error("declined erase touched the probe")
	}

	s.Request(context.Background(), sequencer.ModeErase, nil)
	if err := s.Confirm(context.Background(), nil); err != nil {
		t.Fatalf("Confirm() error = %v", err)
	}
	waitIdle(t, s)
	if sim.Count(probe.CallEraseAll) != 1 {
		t.Errorf("erase calls = %d, want 1", sim.Count(probe.CallEraseAll))
	}
}

func TestRequestNonDestructiveStarts(t *testing.T) {
	sim := probe.NewSimulator("1")
	s, _ := newTestState(t, sim)
	if err := s.Request(context.Background(), sequencer.ModeReset, nil); err != nil {
		t.Fatalf("Request() error = %v", err)
	}
	waitIdle(t, s)
	if sim.Count(probe.CallReset) != 1 {
		t.Errorf("reset calls = %d, want 1", sim.Count(probe.CallReset))
	}
}

func TestCancelStopsOperation(t *testing.T) {
	sim := probe.NewSimulator("1")
	sim.Delay = 100 * time.Millisecond
	s, _ := newTestState(t, sim)
	s.RefreshFiles()

	if err := s.Start(context.Background(), sequencer.ModeAuto, nil); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := s.Cancel(nil); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	snap := waitIdle(t, s)
	if !errors.Is(snap.LastError, sequencer.ErrAborted) {
		t.Errorf("last error = %v, want ErrAborted", snap.LastError)
	}
	if sim.Count(probe.CallProgram) != 0 {
		t.Error("program ran after cancel")
	}
}

func TestCancelNothingRunning(t *testing.T) {
	s, _ := newTestState(t, probe.NewSimulator("1"))
	if err := s.Cancel(nil); !errors.Is(err, ErrNothingRunning) {
		t.Errorf("Cancel() error = %v, want ErrNothingRunning", err)
	}
}

func TestCancelWaitReleasesControls(t *testing.T) {
	sim := probe.NewSimulator("1")
	sim.Delay = time.Second
	s, _ := newTestState(t, sim)
	s.SetCancelWait(20 * time.Millisecond)

	if err := s.Start(context.Background(), sequencer.ModeReset, nil); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for sim.Count(probe.CallConnect) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("worker never reached Connect")
		}
		time.Sleep(time.Millisecond)
	}
	s.Cancel(nil)
	snap := waitIdle(t, s)
	if snap.Status != "Operation still running in the background" {
		t.Errorf("status = %q", snap.Status)
	}
	if err := s.Start(context.Background(), sequencer.ModeReset, nil); !errors.Is(err, sequencer.ErrBusy) {
		t.Errorf("Start() while worker alive error = %v, want ErrBusy", err)
	}
}

func TestClearLog(t *testing.T) {
	s, _ := newTestState(t, probe.NewSimulator("1"))
	s.AppendLog("info", "hello")
	s.ClearLog()
	if n := len(s.Snapshot().Logs); n != 0 {
		t.Errorf("logs after clear = %d", n)
	}
}

func TestNeedsConfirm(t *testing.T) {
	for _, m := range sequencer.Modes {
		want := m == sequencer.ModeErase || m == sequencer.ModeRecover ||
			m == sequencer.ModeAuto || m == sequencer.ModeFlashSeparate
		if got := NeedsConfirm(m); got != want {
			t.Errorf("NeedsConfirm(%s) = %v, want %v", m, got, want)
		}
		if ConfirmPrompt(m) == "" {
			t.Errorf("ConfirmPrompt(%s) empty", m)
		}
	}
}
