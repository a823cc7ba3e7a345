// Package workspace implements the firmware directory layout: merged images
// under <root>/merge, SoftDevice images under <root>/softdevice and
// application images under <root>/app.
package workspace

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Kind names an image directory.
type Kind string

const (
	KindMerged     Kind = "merged"
	KindSoftDevice Kind = "softdevice"
	KindApp        Kind = "app"
)

// Kinds lists every image kind in display order.
var Kinds = []Kind{KindMerged, KindSoftDevice, KindApp}

// Dir returns the subdirectory name for k.
func (k Kind) Dir() string {
	if k == KindMerged {
		return "merge"
	}
	return string(k)
}

// Title returns a short label for k.
func (k Kind) Title() string {
	switch k {
	case KindMerged:
		return "Merged HEX"
	case KindSoftDevice:
		return "SoftDevice"
	case KindApp:
		return "Application"
	}
	return string(k)
}

// ParseKind accepts a kind name or its short alias (merge, sd).
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(s) {
	case "merged", "merge":
		return KindMerged, nil
	case "softdevice", "sd":
		return KindSoftDevice, nil
	case "app", "application":
		return KindApp, nil
	}
	return "", fmt.Errorf("workspace: unknown image kind %q (want merged, sd or app)", s)
}

// ErrNoImages is returned by Latest when a directory holds no images.
var ErrNoImages = errors.New("workspace: no hex files")

// Entry describes one image file.
type Entry struct {
	Name    string
	Path    string
	Size    int64
	ModTime time.Time
}

// Workspace is rooted at a hex directory.
type Workspace struct {
	root string
}

// New returns a Workspace rooted at root. Nothing is created on disk.
func New(root string) *Workspace {
	return &Workspace{root: root}
}

// Root returns the workspace root.
func (w *Workspace) Root() string { return w.root }

// Path returns the directory holding images of kind k.
func (w *Workspace) Path(k Kind) string {
	return filepath.Join(w.root, k.Dir())
}

// Ensure creates all image directories.
func (w *Workspace) Ensure() error {
	for _, k := range Kinds {
		if err := os.MkdirAll(w.Path(k), 0o755); err != nil {
			return fmt.Errorf("create %s: %w", w.Path(k), err)
		}
	}
	return nil
}

// List returns the *.hex files of kind k sorted by name. A missing directory
// yields an empty list.
func (w *Workspace) List(k Kind) ([]Entry, error) {
	dir := w.Path(k)
	des, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("list %s: %w", dir, err)
	}
	var out []Entry
	for _, de := range des {
		if de.IsDir() || !strings.EqualFold(filepath.Ext(de.Name()), ".hex") {
			continue
		}
		info, err := de.Info()
		if err != nil {
			continue
		}
		out = append(out, Entry{
			Name:    de.Name(),
			Path:    filepath.Join(dir, de.Name()),
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Latest returns the first image of kind k in List order.
func (w *Workspace) Latest(k Kind) (Entry, error) {
	entries, err := w.List(k)
	if err != nil {
		return Entry{}, err
	}
	if len(entries) == 0 {
		return Entry{}, fmt.Errorf("%w in %s", ErrNoImages, w.Path(k))
	}
	return entries[0], nil
}

// Resolve maps name to a file path. Names containing a path separator, or
// naming an existing file, are used as given; bare names are looked up in
// the kind's directory, with ".hex" appended when missing. An empty name
// resolves to Latest.
func (w *Workspace) Resolve(k Kind, name string) (string, error) {
	if name == "" {
		e, err := w.Latest(k)
		if err != nil {
			return "", err
		}
		return e.Path, nil
	}
	if strings.ContainsRune(name, filepath.Separator) || strings.ContainsRune(name, '/') {
		return name, nil
	}
	if _, err := os.Stat(name); err == nil {
		return name, nil
	}
	if filepath.Ext(name) == "" {
		name += ".hex"
	}
	return filepath.Join(w.Path(k), name), nil
}
