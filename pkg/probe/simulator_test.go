package probe

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func TestSelectSerial(t *testing.T) {
	tests := []struct {
		name    string
		probes  []string
		serial  string
		want    string
		wantErr error
	}{
		{"first of many", []string{"682000001", "682000002"}, "", "682000001", nil},
		{"explicit", []string{"682000001", "682000002"}, "682000002", "682000002", nil},
		{"none attached", nil, "", "", ErrNoProbe},
		{"none attached explicit", nil, "682000001", "", ErrNoProbe},
		{"unknown serial", []string{"682000001"}, "999", "", ErrProbeNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := SelectSerial(tt.probes, tt.serial)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("SelectSerial() error = %v, want %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("SelectSerial() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestParseKind(t *testing.T) {
	tests := []struct {
		in      string
		want    Kind
		wantErr bool
	}{
		{"nrfjprog", KindNrfjprog, false},
		{"cmsisdap", KindCMSISDAP, false},
		{"cmsis-dap", KindCMSISDAP, false},
		{"dap", KindCMSISDAP, false},
		{"sim", KindSim, false},
		{"simulator", KindSim, false},
		{"jlink", "", true},
	}
	for _, tt := range tests {
		got, err := ParseKind(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseKind(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseKind(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestSimulatorSession(t *testing.T) {
	ctx := context.Background()
	sim := NewSimulator("682000001", "682000002")

	if err := sim.EraseAll(ctx); !errors.Is(err, ErrNotConnected) {
		t.Errorf("EraseAll() before Connect error = %v, want ErrNotConnected", err)
	}
	if err := sim.Connect(ctx, ""); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if got := sim.Connected(); got != "682000001" {
		t.Errorf("Connected() = %q, want first probe", got)
	}
	if err := sim.Program(ctx, "a.hex"); err != nil {
		t.Fatalf("Program() error = %v", err)
	}
	if err := sim.Program(ctx, "b.hex"); err != nil {
		t.Fatalf("Program() error = %v", err)
	}
	if got := sim.Flash(); len(got) != 2 || got[0] != "a.hex" || got[1] != "b.hex" {
		t.Errorf("Flash() = %v", got)
	}
	if err := sim.EraseAll(ctx); err != nil {
		t.Fatalf("EraseAll() error = %v", err)
	}
	if got := sim.Flash(); len(got) != 0 {
		t.Errorf("Flash() after erase = %v, want empty", got)
	}
	if err := sim.Disconnect(); err != nil {
		t.Fatalf("Disconnect() error = %v", err)
	}
	if sim.Connected() != "" {
		t.Error("Disconnect() left the session open")
	}
	if err := sim.Connect(ctx, "nope"); !errors.Is(err, ErrProbeNotFound) {
		t.Errorf("Connect(unknown) error = %v, want ErrProbeNotFound", err)
	}
}

func TestSimulatorInjectedErrors(t *testing.T) {
	ctx := context.Background()
	sim := NewSimulator("682000001")
	boom := errors.New("boom")
	sim.Fail(CallConnect, boom)

	if err := sim.Connect(ctx, ""); !errors.Is(err, boom) {
		t.Errorf("Connect() error = %v, want injected", err)
	}
	if sim.Count(CallConnect) != 1 {
		t.Errorf("failed call not recorded: %v", sim.Calls())
	}

	sim.Fail(CallConnect, nil)
	if err := sim.Connect(ctx, ""); err != nil {
		t.Errorf("Connect() after clearing error = %v", err)
	}
}

func TestSimulatorCheckFiles(t *testing.T) {
	ctx := context.Background()
	sim := NewSimulator("682000001")
	sim.CheckFiles = true
	if err := sim.Connect(ctx, ""); err != nil {
		t.Fatal(err)
	}
	missing := filepath.Join(t.TempDir(), "missing.hex")
	if err := sim.Program(ctx, missing); err == nil {
		t.Error("Program() accepted a missing file")
	}
	if calls := sim.Calls(); calls[len(calls)-1].String() != "program("+missing+")" {
		t.Errorf("last call = %s", calls[len(calls)-1])
	}
}

func TestSimulatorDelayHonoursContext(t *testing.T) {
	sim := NewSimulator("682000001")
	sim.Delay = time.Minute

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	start := time.Now()
	if err := sim.Connect(ctx, ""); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Connect() error = %v, want DeadlineExceeded", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Error("Connect() ignored the context deadline")
	}
}
