// Package nrfjprog drives Nordic's nrfjprog command line tool as a probe
// backend. Every operation is one nrfjprog invocation against the serial
// chosen at Connect.
package nrfjprog

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"

	"github.com/projecteru2/core/log"

	"github.com/OpenTraceLab/OpenTraceFlash/pkg/probe"
)

// DefaultFamily is the device family passed with -f.
const DefaultFamily = "NRF52"

// Runner executes the tool and returns its combined output.
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// Options configure a Probe.
type Options struct {
	// Path to the nrfjprog binary. Empty means "nrfjprog" on PATH.
	Path   string
	Family string
	Log    probe.LogFunc
	Run    Runner
}

// Probe implements probe.Probe on top of nrfjprog.
type Probe struct {
	opts Options

	mu     sync.Mutex
	serial string
}

var _ probe.Probe = (*Probe)(nil)

// New returns an nrfjprog backend.
func New(opts Options) *Probe {
	if opts.Path == "" {
		opts.Path = "nrfjprog"
	}
	if opts.Family == "" {
		opts.Family = DefaultFamily
	}
	if opts.Run == nil {
		opts.Run = execRunner
	}
	return &Probe{opts: opts}
}

// ToolError is returned when nrfjprog exits unsuccessfully.
type ToolError struct {
	Args     []string
	ExitCode int
	Output   string
	Err      error
}

func (e *ToolError) Error() string {
	msg := lastError(e.Output)
	if msg == "" {
		msg = e.Err.Error()
	}
	if e.ExitCode != 0 {
		return fmt.Sprintf("nrfjprog %s: exit %d: %s", strings.Join(e.Args, " "), e.ExitCode, msg)
	}
	return fmt.Sprintf("nrfjprog %s: %s", strings.Join(e.Args, " "), msg)
}

func (e *ToolError) Unwrap() error { return e.Err }

// lastError picks the most specific line of nrfjprog's error output.
func lastError(out string) string {
	var last string
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "ERROR:") {
			return strings.TrimSpace(strings.TrimPrefix(line, "ERROR:"))
		}
		last = line
	}
	return last
}

func (p *Probe) run(ctx context.Context, args ...string) (string, error) {
	logger := log.WithFunc("nrfjprog.run")
	logger.Debugf(ctx, "%s %s", p.opts.Path, strings.Join(args, " "))

	out, err := p.opts.Run(ctx, p.opts.Path, args...)
	text := string(bytes.TrimSpace(out))
	if p.opts.Log != nil && text != "" {
		for _, line := range strings.Split(text, "\n") {
			if line = strings.TrimRight(line, "\r"); line != "" {
				p.opts.Log(line)
			}
		}
	}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return text, ctxErr
		}
		te := &ToolError{Args: args, Output: text, Err: err}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			te.ExitCode = exitErr.ExitCode()
		}
		return text, te
	}
	return text, nil
}

// Version returns the first line of nrfjprog --version.
func (p *Probe) Version(ctx context.Context) (string, error) {
	out, err := p.run(ctx, "--version")
	if err != nil {
		return "", err
	}
	line, _, _ := strings.Cut(out, "\n")
	return strings.TrimSpace(line), nil
}

// ListProbes returns the serial numbers reported by nrfjprog --ids.
func (p *Probe) ListProbes(ctx context.Context) ([]string, error) {
	out, err := p.run(ctx, "--ids")
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, f := range strings.Fields(out) {
		if isSerial(f) {
			ids = append(ids, f)
		}
	}
	return ids, nil
}

func isSerial(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

// Connect selects the probe used by subsequent calls. nrfjprog holds no
// session, so this only validates serial against --ids.
func (p *Probe) Connect(ctx context.Context, serial string) error {
	ids, err := p.ListProbes(ctx)
	if err != nil {
		return err
	}
	snr, err := probe.SelectSerial(ids, serial)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.serial = snr
	p.mu.Unlock()
	return nil
}

func (p *Probe) target(ctx context.Context, args ...string) error {
	p.mu.Lock()
	snr := p.serial
	p.mu.Unlock()
	if snr == "" {
		return probe.ErrNotConnected
	}
	full := append([]string{"-f", p.opts.Family, "-s", snr}, args...)
	_, err := p.run(ctx, full...)
	return err
}

// EraseAll erases code flash and UICR.
func (p *Probe) EraseAll(ctx context.Context) error {
	return p.target(ctx, "--eraseall")
}

// Program writes path, erasing only the sectors it covers, and verifies it.
func (p *Probe) Program(ctx context.Context, path string) error {
	return p.target(ctx, "--program", path, "--sectorerase", "--verify")
}

// Reset performs a system reset.
func (p *Probe) Reset(ctx context.Context) error {
	return p.target(ctx, "--reset")
}

// Recover erases the device and disables read-back protection.
func (p *Probe) Recover(ctx context.Context) error {
	return p.target(ctx, "--recover")
}

// Disconnect forgets the selected serial.
func (p *Probe) Disconnect() error {
	p.mu.Lock()
	p.serial = ""
	p.mu.Unlock()
	return nil
}
