package oplog

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/OpenTraceLab/OpenTraceFlash/internal/sequencer"
)

func at(h, m, s int) time.Time {
	return time.Date(2024, 3, 1, h, m, s, 0, time.Local)
}

func TestRecord(t *testing.T) {
	l := New(0)
	l.Record(sequencer.Event{Kind: sequencer.EventProgress, Percent: 10, Time: at(9, 0, 0)})
	l.Record(sequencer.Event{Kind: sequencer.EventLog, Line: "Connecting...", Time: at(9, 0, 1)})
	l.Record(sequencer.Event{Kind: sequencer.EventOutcome, Time: at(9, 0, 2),
		Outcome: &sequencer.Outcome{Success: false, Message: "erase failed", Err: errors.New("x")}})
	l.Record(sequencer.Event{Kind: sequencer.EventOutcome})

	got := l.Entries()
	if len(got) != 2 {
		t.Fatalf("Entries() = %+v, want 2", got)
	}
	if got[0].Level != "info" || got[1].Level != "error" || got[1].Line != "erase failed" {
		t.Errorf("Entries() = %+v", got)
	}
	want := "[09:00:01] Connecting...\n[09:00:02] erase failed\n"
	if l.Text() != want {
		t.Errorf("Text() = %q, want %q", l.Text(), want)
	}
}

func TestLimit(t *testing.T) {
	l := New(2)
	l.Add("info", "a")
	l.Add("info", "b")
	l.Add("ok", "c")
	got := l.Entries()
	if len(got) != 2 || got[0].Line != "b" || got[1].Line != "c" {
		t.Errorf("Entries() = %+v", got)
	}
	l.Clear()
	if l.Len() != 0 {
		t.Errorf("Len() after Clear = %d", l.Len())
	}
}

func TestSave(t *testing.T) {
	l := New(0)
	l.Add("info", "Programming...")
	path := filepath.Join(t.TempDir(), "logs", "run.log")
	if err := l.Save(path); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasSuffix(string(data), "] Programming...\n") {
		t.Errorf("file = %q", data)
	}
}

func TestFileName(t *testing.T) {
	got := FileName(sequencer.ModeAuto, "1b4e28ba-2fa1-11d2-883f-0016d3cca427", at(14, 5, 9))
	if got != "nrfflash-auto-20240301-140509-1b4e28ba.log" {
		t.Errorf("FileName() = %q", got)
	}
	gen := FileName(sequencer.ModeErase, "", at(14, 5, 9))
	if !strings.HasPrefix(gen, "nrfflash-erase-20240301-140509-") || len(gen) != len(got)+1 {
		t.Errorf("FileName() with generated id = %q", gen)
	}
}
