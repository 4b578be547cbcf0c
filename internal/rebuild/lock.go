package rebuild

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gofrs/flock"
)

// TypeLock is a cross-process lock held for the duration of one type's
// rebuild. Two rebuilds of the same type never overlap, even across
// processes sharing a data directory.
type TypeLock struct {
	path   string
	flock  *flock.Flock
	locked bool
}

// NewTypeLock creates a lock at <dir>/locks/rebuild-<type>.lock.
func NewTypeLock(dir, typ string) *TypeLock {
	name := "rebuild-" + strings.NewReplacer("/", "_", string(os.PathSeparator), "_").Replace(typ) + ".lock"
	lockPath := filepath.Join(dir, "locks", name)
	return &TypeLock{
		path:  lockPath,
		flock: flock.New(lockPath),
	}
}

// TryLock attempts to acquire the lock without blocking.
// Returns false if another holder has it.
func (l *TypeLock) TryLock() (bool, error) {
	if err := os.MkdirAll(filepath.Dir(l.path), 0755); err != nil {
		return false, fmt.Errorf("failed to create lock directory: %w", err)
	}

	acquired, err := l.flock.TryLock()
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock: %w", err)
	}
	if acquired {
		l.locked = true
	}
	return acquired, nil
}

// Unlock releases the lock. Safe to call when not held.
func (l *TypeLock) Unlock() error {
	if !l.locked {
		return nil
	}
	l.locked = false
	if err := l.flock.Unlock(); err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	return nil
}

// Path returns the lock file path.
func (l *TypeLock) Path() string {
	return l.path
}
