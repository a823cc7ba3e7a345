// Package ihex loads Intel HEX firmware images and reports their layout.
package ihex

import (
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/marcinbor85/gohex"
)

// ErrEmptyImage is returned for files that parse but carry no data records.
var ErrEmptyImage = errors.New("ihex: image contains no data")

// Segment is a contiguous run of bytes at a target address.
type Segment struct {
	Address uint32
	Data    []byte
}

// End returns the last address covered by the segment.
func (s Segment) End() uint32 {
	return s.Address + uint32(len(s.Data)) - 1
}

// Image is a parsed firmware image.
type Image struct {
	Path     string
	Segments []Segment
	// Entry is the start linear address record, when present.
	Entry    uint32
	HasEntry bool
}

// Info summarises an image's address layout.
type Info struct {
	Path string `json:"path" yaml:"path"`
	// Start and End bound the populated address range (inclusive).
	Start uint32 `json:"start" yaml:"start"`
	End   uint32 `json:"end" yaml:"end"`
	// Size is the length of the image as a flat binary from Start to End,
	// gaps included.
	Size uint64 `json:"size" yaml:"size"`
	// DataBytes counts the bytes actually present in data records.
	DataBytes uint64 `json:"data_bytes" yaml:"data_bytes"`
	Segments  int    `json:"segments" yaml:"segments"`
}

// Load parses the Intel HEX file at path.
func Load(path string) (*Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open image: %w", err)
	}
	defer f.Close()

	mem := gohex.NewMemory()
	if err := mem.ParseIntelHex(f); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	raw := mem.GetDataSegments()
	img := &Image{Path: path, Segments: make([]Segment, 0, len(raw))}
	for _, seg := range raw {
		if len(seg.Data) == 0 {
			continue
		}
		img.Segments = append(img.Segments, Segment{
			Address: seg.Address,
			Data:    append([]byte(nil), seg.Data...),
		})
	}
	if len(img.Segments) == 0 {
		return nil, fmt.Errorf("%s: %w", path, ErrEmptyImage)
	}
	sort.Slice(img.Segments, func(i, j int) bool {
		return img.Segments[i].Address < img.Segments[j].Address
	})
	img.Entry, img.HasEntry = mem.GetStartAddress()
	return img, nil
}

// Info computes the layout summary of a loaded image.
func (img *Image) Info() Info {
	info := Info{Path: img.Path, Segments: len(img.Segments)}
	if len(img.Segments) == 0 {
		return info
	}
	info.Start = img.Segments[0].Address
	for _, seg := range img.Segments {
		if e := seg.End(); e > info.End {
			info.End = e
		}
		info.DataBytes += uint64(len(seg.Data))
	}
	info.Size = uint64(info.End) - uint64(info.Start) + 1
	return info
}

// Inspect loads path and returns its layout summary.
func Inspect(path string) (Info, error) {
	img, err := Load(path)
	if err != nil {
		return Info{}, err
	}
	return img.Info(), nil
}

// Words splits a segment into little-endian 32-bit words starting at the
// word-aligned address at or below seg.Address. Bytes outside the segment
// are filled with the erased-flash value 0xFF.
func (s Segment) Words() (base uint32, words []uint32) {
	base = s.Address &^ 3
	lead := int(s.Address - base)
	total := lead + len(s.Data)
	n := (total + 3) / 4
	words = make([]uint32, n)
	for i := 0; i < n; i++ {
		var w uint32
		for b := 0; b < 4; b++ {
			idx := i*4 + b - lead
			v := byte(0xFF)
			if idx >= 0 && idx < len(s.Data) {
				v = s.Data[idx]
			}
			w |= uint32(v) << (8 * b)
		}
		words[i] = w
	}
	return base, words
}
