package ihex

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
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

func TestInspect(t *testing.T) {
	tests := []struct {
		name      string
		lines     []string
		wantStart uint32
		wantEnd   uint32
		wantSize  uint64
		wantData  uint64
		wantSegs  int
	}{
		{
			name: "single record",
			lines: []string{
				record(0x0000, 0x00, []byte{0x01, 0x02, 0x03, 0x04}),
				record(0, 0x01, nil),
			},
			wantStart: 0x0000,
			wantEnd:   0x0003,
			wantSize:  4,
			wantData:  4,
			wantSegs:  1,
		},
		{
			name: "gap between records",
			lines: []string{
				record(0x1000, 0x00, []byte{0xAA, 0xBB}),
				record(0x2000, 0x00, []byte{0xCC, 0xDD, 0xEE, 0xFF}),
				record(0, 0x01, nil),
			},
			wantStart: 0x1000,
			wantEnd:   0x2003,
			wantSize:  0x1004,
			wantData:  6,
			wantSegs:  2,
		},
		{
			name: "extended linear address",
			lines: []string{
				record(0, 0x04, []byte{0x00, 0x02}),
				record(0x6000, 0x00, []byte{0x10, 0x20, 0x30, 0x40}),
				record(0, 0x01, nil),
			},
			wantStart: 0x00026000,
			wantEnd:   0x00026003,
			wantSize:  4,
			wantData:  4,
			wantSegs:  1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeHex(t, tt.lines...)
			info, err := Inspect(path)
			if err != nil {
				t.Fatalf("Inspect() error = %v", err)
			}
			if info.Start != tt.wantStart || info.End != tt.wantEnd {
				t.Errorf("range = 0x%08X-0x%08X, want 0x%08X-0x%08X", info.Start, info.End, tt.wantStart, tt.wantEnd)
			}
			if info.Size != tt.wantSize {
				t.Errorf("Size = %d, want %d", info.Size, tt.wantSize)
			}
			if info.DataBytes != tt.wantData {
				t.Errorf("DataBytes = %d, want %d", info.DataBytes, tt.wantData)
			}
			if info.Segments != tt.wantSegs {
				t.Errorf("Segments = %d, want %d", info.Segments, tt.wantSegs)
			}
		})
	}
}

func TestInspectIdempotent(t *testing.T) {
	path := writeHex(t,
		record(0x1000, 0x00, []byte{1, 2, 3, 4, 5, 6, 7, 8}),
		record(0, 0x01, nil),
	)
	first, err := Inspect(path)
	if err != nil {
		t.Fatalf("Inspect() error = %v", err)
	}
	for i := 0; i < 3; i++ {
		again, err := Inspect(path)
		if err != nil {
			t.Fatalf("Inspect() run %d error = %v", i, err)
		}
		if again != first {
			t.Fatalf("Inspect() run %d = %+v, want %+v", i, again, first)
		}
	}
}

func TestInspectErrors(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		_, err := Inspect(filepath.Join(t.TempDir(), "nope.hex"))
		if !errors.Is(err, os.ErrNotExist) {
			t.Errorf("Inspect() error = %v, want ErrNotExist", err)
		}
	})
	t.Run("garbage", func(t *testing.T) {
		path := writeHex(t, "this is not a hex file\n")
		if _, err := Inspect(path); err == nil {
			t.Error("Inspect() expected parse error")
		}
	})
	t.Run("no data", func(t *testing.T) {
		path := writeHex(t, record(0, 0x01, nil))
		_, err := Inspect(path)
		if !errors.Is(err, ErrEmptyImage) {
			t.Errorf("Inspect() error = %v, want ErrEmptyImage", err)
		}
	})
}

func TestSegmentWords(t *testing.T) {
	tests := []struct {
		name     string
		seg      Segment
		wantBase uint32
		want     []uint32
	}{
		{
			name:     "aligned",
			seg:      Segment{Address: 0x1000, Data: []byte{0x01, 0x02, 0x03, 0x04}},
			wantBase: 0x1000,
			want:     []uint32{0x04030201},
		},
		{
			name:     "short tail padded",
			seg:      Segment{Address: 0x1000, Data: []byte{0x01, 0x02, 0x03, 0x04, 0x05}},
			wantBase: 0x1000,
			want:     []uint32{0x04030201, 0xFFFFFF05},
		},
		{
			name:     "unaligned start padded",
			seg:      Segment{Address: 0x1002, Data: []byte{0xAA, 0xBB}},
			wantBase: 0x1000,
			want:     []uint32{0xBBAAFFFF},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			base, words := tt.seg.Words()
			if base != tt.wantBase {
				t.Errorf("base = 0x%X, want 0x%X", base, tt.wantBase)
			}
			if len(words) != len(tt.want) {
				t.Fatalf("len(words) = %d, want %d", len(words), len(tt.want))
			}
			for i := range words {
				if words[i] != tt.want[i] {
					t.Errorf("words[%d] = 0x%08X, want 0x%08X", i, words[i], tt.want[i])
				}
			}
		})
	}
}
