package sequencer

import (
	"errors"
	"fmt"
	"time"

	"github.com/OpenTraceLab/OpenTraceFlash/pkg/ihex"
)

// Mode selects the step sequence an operation runs.
type Mode string

const (
	ModeErase         Mode = "erase"
	ModeFlash         Mode = "flash"
	ModeFlashSD       Mode = "flash_sd"
	ModeFlashApp      Mode = "flash_app"
	ModeVerify        Mode = "verify"
	ModeRecover       Mode = "recover"
	ModeReset         Mode = "reset"
	ModeAuto          Mode = "auto"
	ModeFlashSeparate Mode = "flash_separate"
)

// Modes lists every supported mode in display order.
var Modes = []Mode{
	ModeAuto, ModeFlash, ModeFlashSD, ModeFlashApp, ModeFlashSeparate,
	ModeVerify, ModeErase, ModeRecover, ModeReset,
}

// Title returns a short human label for the mode.
func (m Mode) Title() string {
	switch m {
	case ModeErase:
		return "Erase"
	case ModeFlash:
		return "Flash"
	case ModeFlashSD:
		return "SoftDevice flash"
	case ModeFlashApp:
		return "Application flash"
	case ModeVerify:
		return "Verify"
	case ModeRecover:
		return "Recover"
	case ModeReset:
		return "Reset"
	case ModeAuto:
		return "Auto flash"
	case ModeFlashSeparate:
		return "Separate flash"
	}
	return string(m)
}

// NeedsImage reports whether the mode reads the primary image.
func (m Mode) NeedsImage() bool {
	switch m {
	case ModeFlash, ModeFlashSD, ModeFlashApp, ModeVerify, ModeAuto, ModeFlashSeparate:
		return true
	}
	return false
}

// TouchesProbe reports whether the mode talks to the probe at all.
func (m Mode) TouchesProbe() bool {
	return m != ModeVerify
}

// ParseMode validates a mode name. Dashes are accepted in place of
// underscores.
func ParseMode(s string) (Mode, error) {
	norm := make([]byte, len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == '-' {
			norm[i] = '_'
		} else {
			norm[i] = s[i]
		}
	}
	for _, m := range Modes {
		if string(m) == string(norm) {
			return m, nil
		}
	}
	return "", fmt.Errorf("sequencer: unknown mode %q", s)
}

// Request describes one operation. It is not modified once started.
type Request struct {
	Mode Mode
	// Image is the primary image: the merged image, or the application
	// image for flash_separate.
	Image string
	// SoftDevice is the secondary image used by flash_separate.
	SoftDevice string
	// Serial selects a probe; empty means the first one found.
	Serial  string
	Timeout time.Duration
}

// EventKind tags an Event.
type EventKind int

const (
	EventProgress EventKind = iota
	EventLog
	EventOutcome
)

func (k EventKind) String() string {
	switch k {
	case EventProgress:
		return "progress"
	case EventLog:
		return "log"
	case EventOutcome:
		return "outcome"
	}
	return fmt.Sprintf("EventKind(%d)", int(k))
}

// Event is emitted by a running operation. Exactly one of Percent, Line or
// Outcome is meaningful, selected by Kind.
type Event struct {
	Kind    EventKind
	OpID    string
	Time    time.Time
	Percent int
	Line    string
	Outcome *Outcome
}

// Outcome is the terminal result of an operation.
type Outcome struct {
	Success bool
	Message string
	Err     error
	// Image is set by verify.
	Image *ihex.Info
}

var (
	ErrNoImage       = errors.New("no firmware image selected")
	ErrImageNotFound = errors.New("firmware image not found")
	ErrNoSoftDevice  = errors.New("no SoftDevice image selected")
	ErrAborted       = errors.New("operation aborted")
	ErrBusy          = errors.New("another operation is running")
	ErrProbeLocked   = errors.New("probe is locked by another process")
)
