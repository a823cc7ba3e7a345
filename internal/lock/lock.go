// Package lock keeps two nrfflash operations, in this process or another,
// from driving the debug probe at the same time.
package lock

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/gofrs/flock"
)

// Lock is an advisory file lock on the probe. Each acquisition opens a new
// descriptor, so two Locks on one path exclude each other even inside a
// single process.
type Lock struct {
	path string

	mu   sync.Mutex
	held *flock.Flock
}

// New returns a Lock on path. Nothing touches the filesystem until TryLock.
func New(path string) *Lock {
	return &Lock{path: path}
}

// DefaultPath returns the per-user probe lock file.
func DefaultPath() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		dir = os.TempDir()
	}
	return filepath.Join(dir, "nrfflash", "probe.lock")
}

// TryLock takes the probe without waiting. It reports false, with no error,
// while another holder has it.
func (l *Lock) TryLock(ctx context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held != nil {
		return false, nil
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return false, fmt.Errorf("lock dir for %s: %w", l.path, err)
	}
	fl := flock.New(l.path)
	ok, err := fl.TryLock()
	if err != nil {
		return false, fmt.Errorf("flock %s: %w", l.path, err)
	}
	if ok {
		l.held = fl
	}
	return ok, nil
}

// Unlock gives the probe back. Unlocking a free Lock is a no-op.
func (l *Lock) Unlock(_ context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held == nil {
		return nil
	}
	fl := l.held
	l.held = nil
	if err := fl.Unlock(); err != nil {
		return fmt.Errorf("unflock %s: %w", l.path, err)
	}
	return nil
}
