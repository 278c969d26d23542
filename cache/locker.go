package cache

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"
)

const lockRetryInterval = 100 * time.Millisecond

// Locker manages file-based locks for cache operations.
type Locker struct {
	locksDir string
}

// NewLocker creates a new Locker that stores lock files in the given directory.
func NewLocker(locksDir string) *Locker {
	return &Locker{locksDir: locksDir}
}

// lockPath returns the path to the lock file for a key.
func (l *Locker) lockPath(key string) string {
	name := key + ".lock"
	name = strings.ReplaceAll(name, "/", "-")
	name = strings.ReplaceAll(name, "\\", "-")
	name = strings.ReplaceAll(name, ":", "-")
	return filepath.Join(l.locksDir, name)
}

// AcquireExclusive acquires an exclusive lock for the given key.
// The returned function releases the lock and should be called when done.
// Returns an error if the context is cancelled while waiting for the lock.
func (l *Locker) AcquireExclusive(ctx context.Context, key string) (unlock func() error, err error) {
	if err := os.MkdirAll(l.locksDir, 0o755); err != nil {
		return nil, &ErrIO{Op: "mkdir", Path: l.locksDir, Err: err}
	}

	fl := flock.New(l.lockPath(key))

	// TryLockContext polls until the lock is free or ctx is done.
	locked, err := fl.TryLockContext(ctx, lockRetryInterval)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, &ErrIO{Op: "lock", Path: fl.Path(), Err: err}
	}
	if !locked {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("failed to acquire lock %s", fl.Path())
	}

	return fl.Unlock, nil
}

// Held reports whether some holder currently owns key's lock. Holders in
// this process count, since each Flock uses its own file descriptor.
func (l *Locker) Held(key string) bool {
	path := l.lockPath(key)
	if _, err := os.Stat(path); err != nil {
		return false
	}
	fl := flock.New(path)
	locked, err := fl.TryLock()
	if err != nil {
		return false
	}
	if !locked {
		return true
	}
	_ = fl.Unlock()
	return false
}
