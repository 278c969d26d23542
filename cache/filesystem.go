package cache

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/go-logr/logr"
)

const (
	locksDirName   = ".locks"
	stagingDirName = ".tmp"

	copySuffix  = ".copy-"
	trashSuffix = ".trash-"
)

// osRename is replaced in tests to simulate cross-device moves.
var osRename = os.Rename

// FilesystemCache implements Cache using the local filesystem.
//
// Layout under root:
//
//	{key}/            committed entries, each holding ManifestName
//	.locks/{key}.lock per-key flock files
//	.tmp/{key}-{rand} staging directories
type FilesystemCache struct {
	root       string
	stagingDir string
	locker     *Locker
	strict     bool
	logger     logr.Logger
}

// Option configures a FilesystemCache.
type Option func(*FilesystemCache)

// WithStagingDir stages downloads somewhere other than root/.tmp. If it is
// on a different volume, Commit copies into place instead of renaming.
func WithStagingDir(dir string) Option {
	return func(c *FilesystemCache) { c.stagingDir = dir }
}

// WithStrict makes an existing directory without a manifest an error
// instead of a completed entry.
func WithStrict(strict bool) Option {
	return func(c *FilesystemCache) { c.strict = strict }
}

// WithLogger sets the logger. The default discards.
func WithLogger(logger logr.Logger) Option {
	return func(c *FilesystemCache) { c.logger = logger }
}

// NewFilesystemCache creates a new filesystem-based cache at the given directory.
func NewFilesystemCache(root string, opts ...Option) *FilesystemCache {
	c := &FilesystemCache{
		root:       root,
		stagingDir: filepath.Join(root, stagingDirName),
		locker:     NewLocker(filepath.Join(root, locksDirName)),
		logger:     logr.Discard(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Root returns the cache root directory.
func (c *FilesystemCache) Root() string {
	return c.root
}

// Path returns the final directory for key.
func (c *FilesystemCache) Path(key string) string {
	return filepath.Join(c.root, key)
}

// Lookup reports the state of key. In strict mode, a directory at the final
// path without a manifest yields ErrAlreadyExists.
func (c *FilesystemCache) Lookup(ctx context.Context, key string) (Entry, error) {
	final := c.Path(key)
	entry := Entry{Key: key, Path: final, Status: StatusAbsent}

	info, err := os.Stat(final)
	if errors.Is(err, os.ErrNotExist) {
		if c.locker.Held(key) {
			entry.Status = StatusStaging
		}
		return entry, nil
	}
	if err != nil {
		return entry, &ErrIO{Op: "stat", Path: final, Err: err}
	}
	if !info.IsDir() {
		return entry, &ErrAlreadyExists{Path: final}
	}

	m, err := ReadManifest(final)
	switch {
	case err == nil:
		entry.Status = StatusComplete
		entry.Manifest = m
		return entry, nil
	case errors.Is(err, os.ErrNotExist):
		if c.strict {
			return entry, &ErrAlreadyExists{Path: final}
		}
		// A directory placed by something else is trusted as-is.
		c.logger.V(1).Info("accepting existing directory without manifest", "path", final)
		entry.Status = StatusComplete
		return entry, nil
	default:
		return entry, err
	}
}

// AcquireExclusive acquires the cross-process lock for key.
func (c *FilesystemCache) AcquireExclusive(ctx context.Context, key string) (func() error, error) {
	return c.locker.AcquireExclusive(ctx, key)
}

// Stage creates a unique staging directory for key.
func (c *FilesystemCache) Stage(key string) (string, error) {
	if err := os.MkdirAll(c.stagingDir, 0o755); err != nil {
		return "", &ErrIO{Op: "mkdir", Path: c.stagingDir, Err: err}
	}

	suffix, err := randomSuffix()
	if err != nil {
		return "", err
	}

	dir := filepath.Join(c.stagingDir, key+"-"+suffix)
	if err := os.Mkdir(dir, 0o755); err != nil {
		return "", &ErrIO{Op: "mkdir", Path: dir, Err: err}
	}
	return dir, nil
}

// Commit publishes stagingDir as key. It is a no-op when key is already
// complete. The final path is only ever created by a rename, so it is never
// observed partially populated.
func (c *FilesystemCache) Commit(ctx context.Context, stagingDir, key string) (Entry, error) {
	defer c.Discard(stagingDir)

	entry, err := c.Lookup(ctx, key)
	if err != nil {
		return entry, err
	}
	if entry.Status == StatusComplete {
		c.logger.V(1).Info("entry already complete, dropping staged copy", "key", key)
		return entry, nil
	}
	if err := ctx.Err(); err != nil {
		return entry, err
	}

	final := entry.Path
	if err := os.MkdirAll(filepath.Dir(final), 0o755); err != nil {
		return entry, &ErrIO{Op: "mkdir", Path: filepath.Dir(final), Err: err}
	}

	if err := osRename(stagingDir, final); err != nil {
		if !isCrossDevice(err) {
			return entry, &ErrIO{Op: "rename", Path: final, Err: err}
		}
		c.logger.V(1).Info("staging dir is on another volume, copying into place", "key", key)
		if err := c.copyIntoPlace(stagingDir, final); err != nil {
			return entry, err
		}
	}

	// The entry is published; a manifest that cannot be read does not undo that.
	m, err := ReadManifest(final)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		c.logger.Error(err, "committed entry has an unreadable manifest", "key", key)
		m = nil
	}
	entry.Status = StatusComplete
	entry.Manifest = m
	return entry, nil
}

// copyIntoPlace copies src next to final, on final's volume, and renames
// the copy into place.
func (c *FilesystemCache) copyIntoPlace(src, final string) error {
	sibling, err := os.MkdirTemp(filepath.Dir(final), "."+filepath.Base(final)+copySuffix)
	if err != nil {
		return &ErrIO{Op: "mkdir", Path: filepath.Dir(final), Err: err}
	}
	if err := copyTree(src, sibling); err != nil {
		os.RemoveAll(sibling)
		return err
	}
	if err := osRename(sibling, final); err != nil {
		os.RemoveAll(sibling)
		return &ErrIO{Op: "rename", Path: final, Err: err}
	}
	return nil
}

// Discard removes a staging directory. Errors are logged, not returned.
func (c *FilesystemCache) Discard(stagingDir string) {
	if stagingDir == "" {
		return
	}
	if err := os.RemoveAll(stagingDir); err != nil {
		c.logger.Error(err, "failed to remove staging directory", "path", stagingDir)
	}
}

// Remove deletes the committed entry for key. The directory is first
// renamed aside so the final path disappears in one step.
func (c *FilesystemCache) Remove(ctx context.Context, key string) error {
	final := c.Path(key)
	if _, err := os.Lstat(final); errors.Is(err, os.ErrNotExist) {
		return nil
	}

	suffix, err := randomSuffix()
	if err != nil {
		return err
	}
	trash := filepath.Join(filepath.Dir(final), "."+filepath.Base(final)+trashSuffix+suffix)
	if err := osRename(final, trash); err != nil {
		return &ErrIO{Op: "rename", Path: final, Err: err}
	}
	if err := os.RemoveAll(trash); err != nil {
		return &ErrIO{Op: "remove", Path: trash, Err: err}
	}
	return nil
}

// Sweep removes staging directories, cross-volume copies and trash left
// behind by processes that died mid-acquisition. Data belonging to a key
// whose lock is currently held is left alone.
func (c *FilesystemCache) Sweep(maxAge time.Duration) error {
	cutoff := time.Now().Add(-maxAge)
	var errs []error

	sweep := func(dir string, keyOf func(name string) (string, bool)) {
		entries, err := os.ReadDir(dir)
		if errors.Is(err, os.ErrNotExist) {
			return
		}
		if err != nil {
			errs = append(errs, &ErrIO{Op: "readdir", Path: dir, Err: err})
			return
		}
		for _, e := range entries {
			key, ok := keyOf(e.Name())
			if !ok {
				continue
			}
			info, err := e.Info()
			if err != nil || info.ModTime().After(cutoff) {
				continue
			}
			p := filepath.Join(dir, e.Name())
			if key != "" && c.locker.Held(key) {
				c.logger.V(1).Info("skipping staging data of a locked key", "path", p, "key", key)
				continue
			}
			c.logger.V(1).Info("removing stale staging data", "path", p)
			if err := os.RemoveAll(p); err != nil {
				errs = append(errs, &ErrIO{Op: "remove", Path: p, Err: err})
			}
		}
	}

	sweep(c.stagingDir, stagingKey)
	sweep(c.root, siblingKey)
	return errors.Join(errs...)
}

// stagingKey recovers the key from a "{key}-{suffix}" staging dir name.
func stagingKey(name string) (string, bool) {
	i := strings.LastIndexByte(name, '-')
	if i <= 0 {
		return "", true
	}
	return name[:i], true
}

// siblingKey recovers the key from a ".{key}.copy-*" or ".{key}.trash-*"
// name next to the final directories. Other names are not sweepable.
func siblingKey(name string) (string, bool) {
	if !strings.HasPrefix(name, ".") {
		return "", false
	}
	for _, suffix := range []string{copySuffix, trashSuffix} {
		if i := strings.Index(name, suffix); i > 1 {
			return name[1:i], true
		}
	}
	return "", false
}

func randomSuffix() (string, error) {
	var randBytes [8]byte
	if _, err := rand.Read(randBytes[:]); err != nil {
		return "", fmt.Errorf("failed to generate staging suffix: %w", err)
	}
	return hex.EncodeToString(randBytes[:]), nil
}

func isCrossDevice(err error) bool {
	return errors.Is(err, syscall.EXDEV)
}
