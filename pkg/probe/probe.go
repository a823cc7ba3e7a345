// Package probe defines the programming-probe abstraction used by the
// operation sequencer, along with an in-memory simulator.
package probe

import (
	"context"
	"errors"
	"fmt"
)

// Kind names a probe backend.
type Kind string

const (
	KindNrfjprog Kind = "nrfjprog"
	KindCMSISDAP Kind = "cmsisdap"
	KindSim      Kind = "sim"
)

// Probe abstracts a debug probe attached to an nRF52 target.
//
// Connect with an empty serial attaches to whichever probe the backend finds
// first. All target operations require a prior Connect.
type Probe interface {
	ListProbes(ctx context.Context) ([]string, error)
	Connect(ctx context.Context, serial string) error
	EraseAll(ctx context.Context) error
	Program(ctx context.Context, path string) error
	Reset(ctx context.Context) error
	Recover(ctx context.Context) error
	Disconnect() error
}

// LogFunc receives free-text output produced by a backend (tool output,
// transfer statistics). Backends must tolerate a nil LogFunc.
type LogFunc func(line string)

var (
	// ErrNoProbe is returned when no probe is attached to the host.
	ErrNoProbe = errors.New("probe: no debug probe found")
	// ErrNotConnected is returned by target operations issued before Connect.
	ErrNotConnected = errors.New("probe: not connected")
	// ErrProbeNotFound is returned when the requested serial is not attached.
	ErrProbeNotFound = errors.New("probe: serial not found")
	// ErrNotImplemented lets backends signal an unsupported operation.
	ErrNotImplemented = errors.New("probe: not implemented")
)

// ParseKind validates a backend name.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindNrfjprog, KindCMSISDAP, KindSim:
		return Kind(s), nil
	case "simulator":
		return KindSim, nil
	case "cmsis-dap", "dap":
		return KindCMSISDAP, nil
	}
	return "", fmt.Errorf("probe: unknown backend %q (want nrfjprog, cmsisdap or sim)", s)
}

// SelectSerial picks serial from probes, or the first probe when serial is
// empty.
func SelectSerial(probes []string, serial string) (string, error) {
	if len(probes) == 0 {
		return "", ErrNoProbe
	}
	if serial == "" {
		return probes[0], nil
	}
	for _, p := range probes {
		if p == serial {
			return p, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrProbeNotFound, serial)
}
