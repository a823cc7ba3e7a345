package cmsisdap

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/OpenTraceLab/OpenTraceFlash/pkg/probe"
)

// record renders one Intel HEX line with its checksum.
func record(addr uint16, typ byte, data []byte) string {
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

func writeHex(t *testing.T, lines ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "image.hex")
	if err := os.WriteFile(path, []byte(strings.Join(lines, "")), 0o644); err != nil {
		t.Fatalf("write hex: %v", err)
	}
	return path
}

func newTestProbe(t *testing.T, dap *fakeDAP, verify bool) (*Probe, *[]string) {
	t.Helper()
	var lines []string
	p := New(Options{
		Verify: verify,
		Log:    func(line string) { lines = append(lines, line) },
		Open: func(serial string) (Transport, error) {
			if serial != "" && serial != "E6616407E3646B29" {
				return nil, fmt.Errorf("%w: %s", probe.ErrProbeNotFound, serial)
			}
			return dap, nil
		},
		List: func(ctx context.Context) ([]string, error) {
			return []string{"E6616407E3646B29"}, nil
		},
	})
	return p, &lines
}

func TestProbeConnect(t *testing.T) {
	dap := newFakeDAP()
	p, lines := newTestProbe(t, dap, false)
	ctx := context.Background()

	probes, err := p.ListProbes(ctx)
	if err != nil || len(probes) != 1 {
		t.Fatalf("ListProbes() = %v, %v", probes, err)
	}
	if err := p.Connect(ctx, probes[0]); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if dap.port != PortSWD {
		t.Errorf("probe connected on port %d, want SWD", dap.port)
	}
	if dap.sent(CmdSWJSequence) != 4 {
		t.Errorf("SWJ sequences = %d, want 4", dap.sent(CmdSWJSequence))
	}
	if len(*lines) == 0 || !strings.Contains((*lines)[0], "nRF52832") || !strings.Contains((*lines)[0], "512KiB") {
		t.Errorf("log = %v, want target description", *lines)
	}

	if err := p.Disconnect(); err != nil {
		t.Fatalf("Disconnect() error = %v", err)
	}
	if !dap.closed || dap.sent(CmdDisconnect) != 1 {
		t.Errorf("Disconnect() closed=%v disconnects=%d", dap.closed, dap.sent(CmdDisconnect))
	}
	if err := p.Disconnect(); err != nil {
		t.Errorf("second Disconnect() error = %v", err)
	}
}

func TestProbeConnectNoProbe(t *testing.T) {
	p, _ := newTestProbe(t, newFakeDAP(), false)
	if err := p.Connect(context.Background(), "missing"); !errors.Is(err, probe.ErrProbeNotFound) {
		t.Errorf("Connect() error = %v, want ErrProbeNotFound", err)
	}
}

func TestProbeConnectOpenErrors(t *testing.T) {
	denied := errors.New("libusb: access denied")
	tests := []struct {
		name    string
		openErr error
		want    error
		notWant error
	}{
		{name: "nothing attached", openErr: probe.ErrNoProbe, want: probe.ErrNoProbe},
		{name: "permission denied", openErr: fmt.Errorf("open CMSIS-DAP probe: %w", denied), want: denied, notWant: probe.ErrNoProbe},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := New(Options{
				Open: func(string) (Transport, error) { return nil, tt.openErr },
				List: func(context.Context) ([]string, error) { return nil, nil },
			})
			err := p.Connect(context.Background(), "E6616407E3646B29")
			if !errors.Is(err, tt.want) {
				t.Errorf("Connect() error = %v, want %v", err, tt.want)
			}
			if tt.notWant != nil && errors.Is(err, tt.notWant) {
				t.Errorf("Connect() error = %v, must not be %v", err, tt.notWant)
			}
			if tt.notWant != nil && !strings.Contains(err.Error(), "E6616407E3646B29") {
				t.Errorf("Connect() error = %v, want serial in message", err)
			}
		})
	}
}

func TestProbeRequiresSession(t *testing.T) {
	p, _ := newTestProbe(t, newFakeDAP(), false)
	ctx := context.Background()

	checks := map[string]func() error{
		"EraseAll": func() error { return p.EraseAll(ctx) },
		"Program":  func() error { return p.Program(ctx, "x.hex") },
		"Reset":    func() error { return p.Reset(ctx) },
		"Recover":  func() error { return p.Recover(ctx) },
	}
	for name, fn := range checks {
		if err := fn(); !errors.Is(err, probe.ErrNotConnected) {
			t.Errorf("%s() error = %v, want ErrNotConnected", name, err)
		}
	}
}

func TestProbeEraseAll(t *testing.T) {
	dap := newFakeDAP()
	dap.poke(0x00000000, 0x20001000)
	dap.poke(0x00026000, 0x12345678)
	dap.poke(uicrBase+0x208, 0xFFFFFF00)

	p, _ := newTestProbe(t, dap, false)
	ctx := context.Background()
	if err := p.Connect(ctx, ""); err != nil {
		t.Fatal(err)
	}
	if err := p.EraseAll(ctx); err != nil {
		t.Fatalf("EraseAll() error = %v", err)
	}
	for _, addr := range []uint32{0x00000000, 0x00026000, uicrBase + 0x208} {
		if got := dap.word(addr); got != 0xFFFFFFFF {
			t.Errorf("word at 0x%08X = 0x%08X after erase", addr, got)
		}
	}
	if dap.nvmc != nvmcConfigRead {
		t.Errorf("NVMC CONFIG left at %d", dap.nvmc)
	}
}

func TestProbeProgramPreservesOtherPages(t *testing.T) {
	dap := newFakeDAP()
	// SoftDevice vector table in the first page.
	dap.poke(0x00000000, 0x20000400)
	dap.poke(0x00000004, 0x00000A81)
	// Stale application data in the page about to be rewritten.
	dap.poke(0x00026FF0, 0x00000000)

	p, lines := newTestProbe(t, dap, true)
	ctx := context.Background()
	if err := p.Connect(ctx, ""); err != nil {
		t.Fatal(err)
	}

	data := make([]byte, 40)
	for i := range data {
		data[i] = byte(i + 1)
	}
	path := writeHex(t,
		record(0, 0x04, []byte{0x00, 0x02}),
		record(0x6000, 0x00, data[:16]),
		record(0x6010, 0x00, data[16:32]),
		record(0x6020, 0x00, data[32:]),
		record(0, 0x01, nil),
	)
	if err := p.Program(ctx, path); err != nil {
		t.Fatalf("Program() error = %v", err)
	}

	if got := dap.word(0x00026000); got != 0x04030201 {
		t.Errorf("word 0x26000 = 0x%08X, want 0x04030201", got)
	}
	if got := dap.word(0x00026024); got != 0x28272625 {
		t.Errorf("word 0x26024 = 0x%08X, want 0x28272625", got)
	}
	if got := dap.word(0x00026FF0); got != 0xFFFFFFFF {
		t.Errorf("stale word 0x26FF0 = 0x%08X, want erased", got)
	}
	if got := dap.word(0x00000000); got != 0x20000400 {
		t.Errorf("SoftDevice word 0x0 = 0x%08X, want preserved", got)
	}
	if got := dap.word(0x00000004); got != 0x00000A81 {
		t.Errorf("SoftDevice word 0x4 = 0x%08X, want preserved", got)
	}
	if dap.badWrites != 0 {
		t.Errorf("%d flash writes without write enable", dap.badWrites)
	}
	if dap.dhcsr&dhcsrHalt == 0 {
		t.Error("core not halted before programming")
	}

	joined := strings.Join(*lines, "\n")
	if !strings.Contains(joined, "1 page(s) erased") || !strings.Contains(joined, "verify passed") {
		t.Errorf("log = %q", joined)
	}
}

func TestProbeProgramUnaligned(t *testing.T) {
	dap := newFakeDAP()
	p, _ := newTestProbe(t, dap, true)
	ctx := context.Background()
	if err := p.Connect(ctx, ""); err != nil {
		t.Fatal(err)
	}
	path := writeHex(t,
		record(0x1002, 0x00, []byte{0xAA, 0xBB, 0xCC}),
		record(0, 0x01, nil),
	)
	if err := p.Program(ctx, path); err != nil {
		t.Fatalf("Program() error = %v", err)
	}
	if got := dap.word(0x1000); got != 0xBBAAFFFF {
		t.Errorf("word 0x1000 = 0x%08X, want 0xBBAAFFFF", got)
	}
	if got := dap.word(0x1004); got != 0xFFFFFFCC {
		t.Errorf("word 0x1004 = 0x%08X, want 0xFFFFFFCC", got)
	}
}

func TestProbeProgramSpansPages(t *testing.T) {
	dap := newFakeDAP()
	dap.poke(0x2000, 0)
	p, _ := newTestProbe(t, dap, false)
	ctx := context.Background()
	if err := p.Connect(ctx, ""); err != nil {
		t.Fatal(err)
	}
	path := writeHex(t,
		record(0x0FF8, 0x00, []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16}),
		record(0, 0x01, nil),
	)
	if err := p.Program(ctx, path); err != nil {
		t.Fatalf("Program() error = %v", err)
	}
	if got := dap.word(0x1004); got != 0x100F0E0D {
		t.Errorf("word 0x1004 = 0x%08X, want 0x100F0E0D", got)
	}
	if got := dap.word(0x2000); got != 0 {
		t.Errorf("untouched page 0x2000 erased")
	}
}

func TestProbeProtectedAndRecover(t *testing.T) {
	dap := newFakeDAP()
	dap.protected = true
	dap.poke(0x0, 0xDEADBEEF)

	p, lines := newTestProbe(t, dap, false)
	ctx := context.Background()
	if err := p.Connect(ctx, ""); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if !strings.Contains(strings.Join(*lines, "\n"), "protection") {
		t.Errorf("protection not reported: %v", *lines)
	}
	if err := p.EraseAll(ctx); !errors.Is(err, ErrProtected) {
		t.Errorf("EraseAll() error = %v, want ErrProtected", err)
	}

	if err := p.Recover(ctx); err != nil {
		t.Fatalf("Recover() error = %v", err)
	}
	if dap.protected {
		t.Error("Recover() left the device protected")
	}
	if dap.ctrlResets != 1 {
		t.Errorf("CTRL-AP resets = %d, want 1", dap.ctrlResets)
	}
	if got := dap.word(0x0); got != 0xFFFFFFFF {
		t.Errorf("word 0x0 = 0x%08X after recover", got)
	}
	if err := p.EraseAll(ctx); err != nil {
		t.Errorf("EraseAll() after recover error = %v", err)
	}
}

func TestProbeReset(t *testing.T) {
	dap := newFakeDAP()
	p, _ := newTestProbe(t, dap, false)
	ctx := context.Background()
	if err := p.Connect(ctx, ""); err != nil {
		t.Fatal(err)
	}
	if err := p.Reset(ctx); err != nil {
		t.Fatalf("Reset() error = %v", err)
	}
	if dap.aircrWrites != 1 {
		t.Errorf("AIRCR resets = %d, want 1", dap.aircrWrites)
	}
	if dap.dhcsr&dhcsrHalt != 0 {
		t.Error("core left halted after reset")
	}
}

func TestProbeResetProtectedUsesPin(t *testing.T) {
	dap := newFakeDAP()
	dap.protected = true
	p, _ := newTestProbe(t, dap, false)
	ctx := context.Background()
	if err := p.Connect(ctx, ""); err != nil {
		t.Fatal(err)
	}
	if err := p.Reset(ctx); err != nil {
		t.Fatalf("Reset() error = %v", err)
	}
	if dap.sent(CmdResetTarget) != 1 {
		t.Errorf("DAP_ResetTarget sent %d times, want 1", dap.sent(CmdResetTarget))
	}
}

func TestProbeTransferFault(t *testing.T) {
	dap := newFakeDAP()
	p, _ := newTestProbe(t, dap, false)
	ctx := context.Background()
	if err := p.Connect(ctx, ""); err != nil {
		t.Fatal(err)
	}
	dap.failAP = AckFault
	err := p.EraseAll(ctx)
	var terr *TransferError
	if !errors.As(err, &terr) || terr.Ack != AckFault {
		t.Errorf("EraseAll() error = %v, want FAULT TransferError", err)
	}
}

func TestProbeProgramMissingFile(t *testing.T) {
	p, _ := newTestProbe(t, newFakeDAP(), false)
	ctx := context.Background()
	if err := p.Connect(ctx, ""); err != nil {
		t.Fatal(err)
	}
	if err := p.Program(ctx, filepath.Join(t.TempDir(), "nope.hex")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("Program() error = %v, want ErrNotExist", err)
	}
}
