package cmd

import (
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"

	"github.com/OpenTraceLab/OpenTraceFlash/internal/sequencer"
)

// progressView renders operation events. On a terminal the progress bar is
// redrawn in place below the log; otherwise every event is a plain line.
type progressView struct {
	out     io.Writer
	tty     bool
	width   int
	percent int
	drawn   bool
}

func newProgressView(f *os.File) *progressView {
	v := &progressView{out: f, width: 80}
	fd := int(f.Fd())
	if term.IsTerminal(fd) {
		v.tty = true
		if w, _, err := term.GetSize(fd); err == nil && w > 20 {
			v.width = w
		}
	}
	return v
}

func (v *progressView) Render(ev sequencer.Event) {
	switch ev.Kind {
	case sequencer.EventProgress:
		v.percent = ev.Percent
		if v.tty {
			v.drawBar()
			return
		}
		fmt.Fprintf(v.out, "[%3d%%]\n", ev.Percent)
	case sequencer.EventLog:
		v.Note(ev.Line)
	case sequencer.EventOutcome:
		if ev.Outcome == nil {
			return
		}
		if v.tty && v.drawn {
			v.drawBar()
			fmt.Fprintln(v.out)
			v.drawn = false
		}
		mark := "✓"
		if !ev.Outcome.Success {
			mark = "✗"
		}
		fmt.Fprintf(v.out, "%s %s\n", mark, ev.Outcome.Message)
	}
}

// Note prints a line above the bar.
func (v *progressView) Note(line string) {
	if v.tty && v.drawn {
		fmt.Fprint(v.out, "\r\033[K")
	}
	fmt.Fprintln(v.out, line)
	if v.tty && v.drawn {
		v.drawBar()
	}
}

func (v *progressView) drawBar() {
	fmt.Fprint(v.out, "\r"+progressBar(v.percent, v.width-8))
	v.drawn = true
}

// progressBar renders "[####....] 42%" in at most width cells.
func progressBar(percent, width int) string {
	if width < 10 {
		width = 10
	}
	if width > 60 {
		width = 60
	}
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	filled := width * percent / 100
	return fmt.Sprintf("[%s%s] %3d%%", strings.Repeat("#", filled), strings.Repeat(".", width-filled), percent)
}
