// Package oplog keeps the user-facing operation log shown by the CLI and the
// desktop window and saves it as plain text.
package oplog

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/OpenTraceLab/OpenTraceFlash/internal/sequencer"
)

const stampFormat = "15:04:05"

// Entry is one log line.
type Entry struct {
	Time time.Time
	Line string
	// Level is "info", "ok" or "error"; the UI uses it for colour.
	Level string
}

func (e Entry) String() string {
	return fmt.Sprintf("[%s] %s", e.Time.Format(stampFormat), e.Line)
}

// Log is an append-only, concurrency safe list of entries.
type Log struct {
	mu      sync.Mutex
	entries []Entry
	limit   int
}

// New returns a Log keeping at most limit entries; limit <= 0 keeps all.
func New(limit int) *Log {
	return &Log{limit: limit}
}

// Add appends a line stamped with now.
func (l *Log) Add(level, line string) {
	l.add(Entry{Time: time.Now(), Line: line, Level: level})
}

func (l *Log) add(e Entry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, e)
	if l.limit > 0 && len(l.entries) > l.limit {
		l.entries = l.entries[len(l.entries)-l.limit:]
	}
}

// Record appends the loggable parts of a sequencer event: log lines and the
// outcome message. Progress events are ignored.
func (l *Log) Record(ev sequencer.Event) {
	switch ev.Kind {
	case sequencer.EventLog:
		l.add(Entry{Time: ev.Time, Line: ev.Line, Level: "info"})
	case sequencer.EventOutcome:
		if ev.Outcome == nil {
			return
		}
		level := "ok"
		if !ev.Outcome.Success {
			level = "error"
		}
		l.add(Entry{Time: ev.Time, Line: ev.Outcome.Message, Level: level})
	}
}

// Entries returns a copy of the log.
func (l *Log) Entries() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Entry(nil), l.entries...)
}

// Len returns the number of entries.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Clear drops every entry.
func (l *Log) Clear() {
	l.mu.Lock()
	l.entries = nil
	l.mu.Unlock()
}

// Text renders the log, one stamped line per entry.
func (l *Log) Text() string {
	var b strings.Builder
	for _, e := range l.Entries() {
		b.WriteString(e.String())
		b.WriteByte('\n')
	}
	return b.String()
}

// WriteTo writes Text to w.
func (l *Log) WriteTo(w io.Writer) (int64, error) {
	n, err := io.WriteString(w, l.Text())
	return int64(n), err
}

// Save writes the log to path, creating parent directories.
func (l *Log) Save(path string) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("save log: %w", err)
		}
	}
	f, err := os.Create(path) //nolint:gosec // user-chosen path
	if err != nil {
		return fmt.Errorf("save log: %w", err)
	}
	if _, err := l.WriteTo(f); err != nil {
		f.Close()
		return fmt.Errorf("save log: %w", err)
	}
	return f.Close()
}

// FileName suggests a log file name for an operation. An empty opID gets a
// fresh one.
func FileName(mode sequencer.Mode, opID string, at time.Time) string {
	if opID == "" {
		opID = uuid.NewString()
	}
	short, _, _ := strings.Cut(opID, "-")
	return fmt.Sprintf("nrfflash-%s-%s-%s.log", mode, at.Format("20060102-150405"), short)
}
