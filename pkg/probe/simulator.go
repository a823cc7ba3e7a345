package probe

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"
)

// Call identifies a Probe method in the simulator's call log.
type Call string

const (
	CallListProbes Call = "listProbes"
	CallConnect    Call = "connect"
	CallEraseAll   Call = "eraseAll"
	CallProgram    Call = "program"
	CallReset      Call = "reset"
	CallRecover    Call = "recover"
	CallDisconnect Call = "disconnect"
)

// CallRecord captures one simulator invocation for inspection within tests.
type CallRecord struct {
	Call Call
	Arg  string
}

func (c CallRecord) String() string {
	if c.Arg == "" {
		return string(c.Call)
	}
	return fmt.Sprintf("%s(%s)", c.Call, c.Arg)
}

// Simulator is an in-memory Probe useful for unit tests and for driving the
// shells without hardware. It records every call and can fail individual
// calls on demand.
type Simulator struct {
	mu sync.Mutex

	// Probes is the list returned by ListProbes.
	Probes []string
	// Errors maps a call to the error it should return. Entries persist
	// until cleared.
	Errors map[Call]error
	// Delay is applied to every target operation, honouring ctx.
	Delay time.Duration
	// CheckFiles makes Program fail for paths that do not exist.
	CheckFiles bool
	// Log receives a line for every successful program call.
	Log LogFunc

	calls     []CallRecord
	connected string
	flash     []string
}

// NewSimulator constructs a simulator reporting the given probe serials.
func NewSimulator(serials ...string) *Simulator {
	return &Simulator{
		Probes: serials,
		Errors: make(map[Call]error),
	}
}

// Fail makes every subsequent call of kind c return err. A nil err clears
// the failure.
func (s *Simulator) Fail(c Call, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Errors == nil {
		s.Errors = make(map[Call]error)
	}
	if err == nil {
		delete(s.Errors, c)
		return
	}
	s.Errors[c] = err
}

// Calls returns a copy of the call log.
func (s *Simulator) Calls() []CallRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]CallRecord(nil), s.calls...)
}

// Count reports how many times c was invoked.
func (s *Simulator) Count(c Call) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, rec := range s.calls {
		if rec.Call == c {
			n++
		}
	}
	return n
}

// Flash returns the images programmed since the last erase, in order.
func (s *Simulator) Flash() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.flash...)
}

// Connected reports the serial of the open session, if any.
func (s *Simulator) Connected() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *Simulator) record(c Call, arg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, CallRecord{Call: c, Arg: arg})
	return s.Errors[c]
}

func (s *Simulator) wait(ctx context.Context) error {
	if s.Delay <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(s.Delay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (s *Simulator) requireSession() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.connected == "" {
		return ErrNotConnected
	}
	return nil
}

func (s *Simulator) ListProbes(ctx context.Context) ([]string, error) {
	if err := s.record(CallListProbes, ""); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.Probes...), nil
}

func (s *Simulator) Connect(ctx context.Context, serial string) error {
	if err := s.record(CallConnect, serial); err != nil {
		return err
	}
	if err := s.wait(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	snr, err := SelectSerial(s.Probes, serial)
	if err != nil {
		return err
	}
	s.connected = snr
	return nil
}

func (s *Simulator) EraseAll(ctx context.Context) error {
	if err := s.record(CallEraseAll, ""); err != nil {
		return err
	}
	if err := s.requireSession(); err != nil {
		return err
	}
	if err := s.wait(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	s.flash = nil
	s.mu.Unlock()
	return nil
}

func (s *Simulator) Program(ctx context.Context, path string) error {
	if err := s.record(CallProgram, path); err != nil {
		return err
	}
	if err := s.requireSession(); err != nil {
		return err
	}
	if s.CheckFiles {
		if _, err := os.Stat(path); err != nil {
			return fmt.Errorf("program %s: %w", path, err)
		}
	}
	if err := s.wait(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	s.flash = append(s.flash, path)
	logf := s.Log
	s.mu.Unlock()
	if logf != nil {
		logf("Programmed " + path)
	}
	return nil
}

func (s *Simulator) Reset(ctx context.Context) error {
	if err := s.record(CallReset, ""); err != nil {
		return err
	}
	if err := s.requireSession(); err != nil {
		return err
	}
	return s.wait(ctx)
}

func (s *Simulator) Recover(ctx context.Context) error {
	if err := s.record(CallRecover, ""); err != nil {
		return err
	}
	if err := s.requireSession(); err != nil {
		return err
	}
	if err := s.wait(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	s.flash = nil
	s.mu.Unlock()
	return nil
}

func (s *Simulator) Disconnect() error {
	err := s.record(CallDisconnect, "")
	s.mu.Lock()
	s.connected = ""
	s.mu.Unlock()
	return err
}
