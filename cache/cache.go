package cache

import (
	"context"
	"time"
)

// Cache stages acquisitions and commits them atomically under a key.
type Cache interface {
	// Lookup reports the state of key without blocking.
	Lookup(ctx context.Context, key string) (Entry, error)

	// AcquireExclusive blocks until the caller holds key's lock or ctx ends.
	// The lock is honored across processes.
	AcquireExclusive(ctx context.Context, key string) (unlock func() error, err error)

	// Stage creates an empty private directory to populate for key.
	Stage(key string) (string, error)

	// Commit moves a fully populated staging directory into place. The
	// staging directory is consumed whether or not Commit succeeds.
	Commit(ctx context.Context, stagingDir, key string) (Entry, error)

	// Discard removes a staging directory that will not be committed.
	Discard(stagingDir string)

	// Remove deletes a committed entry. Callers must hold key's lock.
	Remove(ctx context.Context, key string) error

	// Sweep deletes staging leftovers older than maxAge.
	Sweep(maxAge time.Duration) error
}
