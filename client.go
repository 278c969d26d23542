package headerfetch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/go-logr/logr"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/infracollect/headerfetch/cache"
	"github.com/infracollect/headerfetch/fetcher"
	"github.com/infracollect/headerfetch/resolver"
)

// staleStagingAge is how old leftover staging data must be before a lock
// holder sweeps it.
const staleStagingAge = 24 * time.Hour

type (
	Request  = resolver.Request
	Plan     = resolver.Plan
	Runtime  = resolver.Runtime
	Platform = resolver.Platform
	Arch     = resolver.Arch
)

// Result is the outcome of a successful Acquire.
type Result struct {
	Plan  Plan
	Entry cache.Entry
	// Fetched is false when the entry was already complete on disk.
	Fetched bool
}

// Client acquires header archives into a local cache. It is safe for
// concurrent use; concurrent requests for the same cache key share a single
// download.
type Client struct {
	resolver *resolver.Resolver
	fetcher  *fetcher.Fetcher
	cache    cache.Cache
	verifier fetcher.Verifier
	logger   logr.Logger
	group    singleflight.Group

	root            string
	stagingDir      string
	strict          bool
	httpClient      *http.Client
	maxRetries      int
	baseBackoff     time.Duration
	connectTimeout  time.Duration
	idleTimeout     time.Duration
	maxBytes        int64
	verifyChecksums bool
}

// New creates a new Client with the given options.
// If no options are provided, it uses default settings:
// - Filesystem cache at the user cache directory under headerfetch
// - Public node and electron distribution sites
// - 3 retries starting at 500ms, no checksum verification
func New(opts ...Option) (*Client, error) {
	c := &Client{
		logger:         logr.Discard(),
		maxRetries:     fetcher.DefaultMaxRetries,
		baseBackoff:    fetcher.DefaultBaseBackoff,
		connectTimeout: fetcher.DefaultConnectTimeout,
		idleTimeout:    fetcher.DefaultIdleTimeout,
		maxBytes:       fetcher.DefaultMaxArtifactBytes,
	}

	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}

	if c.resolver == nil {
		c.resolver = resolver.New()
	}

	if c.httpClient == nil {
		c.httpClient = fetcher.NewHTTPClient(c.connectTimeout, fetcher.DefaultHeaderTimeout)
	}
	c.fetcher = fetcher.New(c.httpClient,
		fetcher.WithLogger(c.logger.WithName("fetcher")),
		fetcher.WithRetry(c.maxRetries, c.baseBackoff),
		fetcher.WithIdleTimeout(c.idleTimeout),
		fetcher.WithMaxBytes(c.maxBytes),
	)

	if c.verifier == nil && c.verifyChecksums {
		c.verifier = fetcher.NewSHASUMSVerifier(c.fetcher)
	}

	if c.cache == nil {
		if c.root == "" {
			cacheDir, err := os.UserCacheDir()
			if err != nil {
				return nil, fmt.Errorf("failed to get cache directory: %w", err)
			}
			c.root = filepath.Join(cacheDir, "headerfetch")
		}
		cacheOpts := []cache.Option{
			cache.WithStrict(c.strict),
			cache.WithLogger(c.logger.WithName("cache")),
		}
		if c.stagingDir != "" {
			cacheOpts = append(cacheOpts, cache.WithStagingDir(c.stagingDir))
		}
		c.cache = cache.NewFilesystemCache(c.root, cacheOpts...)
	}

	return c, nil
}

// Plan resolves req without touching the network or the filesystem.
func (c *Client) Plan(req Request) (Plan, error) {
	return c.resolver.Resolve(req)
}

// Lookup reports the cache state of req without blocking.
func (c *Client) Lookup(ctx context.Context, req Request) (cache.Entry, error) {
	plan, err := c.resolver.Resolve(req)
	if err != nil {
		return cache.Entry{}, err
	}
	return c.cache.Lookup(ctx, plan.Key)
}

// Acquire ensures the headers for req are complete in the cache and returns
// where they are. Resolution errors are returned before any network call.
// When ctx is canceled the final directory is left absent.
func (c *Client) Acquire(ctx context.Context, req Request) (*Result, error) {
	plan, err := c.resolver.Resolve(req)
	if err != nil {
		return nil, err
	}
	log := c.logger.WithValues("key", plan.Key)

	entry, err := c.cache.Lookup(ctx, plan.Key)
	if err != nil {
		return nil, &ErrAcquireFailed{Key: plan.Key, Err: err}
	}
	if entry.Status == cache.StatusComplete {
		log.Info("headers already present", "path", entry.Path)
		return &Result{Plan: plan, Entry: entry}, nil
	}

	for {
		ch := c.group.DoChan(plan.Key, func() (any, error) {
			return c.acquire(ctx, plan, log)
		})

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case r := <-ch:
			if r.Err != nil {
				// The leader gave up on its own context; try again with ours.
				if r.Shared && isCanceled(r.Err) && ctx.Err() == nil {
					log.V(1).Info("shared acquisition was canceled, retrying")
					continue
				}
				return nil, r.Err
			}
			res := *r.Val.(*Result)
			return &res, nil
		}
	}
}

// Remove deletes the cached entry for req, waiting for any in-flight
// acquisition of the same key to finish first.
func (c *Client) Remove(ctx context.Context, req Request) error {
	plan, err := c.resolver.Resolve(req)
	if err != nil {
		return err
	}

	unlock, err := c.cache.AcquireExclusive(ctx, plan.Key)
	if err != nil {
		return err
	}
	defer c.unlock(unlock, plan.Key)

	c.logger.Info("removing cached headers", "key", plan.Key)
	return c.cache.Remove(ctx, plan.Key)
}

func (c *Client) acquire(ctx context.Context, plan Plan, log logr.Logger) (*Result, error) {
	res, err := c.acquireLocked(ctx, plan, log)
	if err == nil {
		return res, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	return nil, &ErrAcquireFailed{Key: plan.Key, Err: err}
}

// acquireLocked runs the fetch sequence for plan under the key's
// cross-process lock.
func (c *Client) acquireLocked(ctx context.Context, plan Plan, log logr.Logger) (*Result, error) {
	unlock, err := c.cache.AcquireExclusive(ctx, plan.Key)
	if err != nil {
		return nil, err
	}
	defer c.unlock(unlock, plan.Key)

	if err := c.cache.Sweep(staleStagingAge); err != nil {
		log.V(1).Info("failed to sweep stale staging data", "error", err.Error())
	}

	// Another process may have finished while we waited for the lock.
	entry, err := c.cache.Lookup(ctx, plan.Key)
	if err != nil {
		return nil, err
	}
	if entry.Status == cache.StatusComplete {
		log.Info("headers completed by another process", "path", entry.Path)
		return &Result{Plan: plan, Entry: entry}, nil
	}

	stagingDir, err := c.cache.Stage(plan.Key)
	if err != nil {
		return nil, err
	}
	defer c.cache.Discard(stagingDir)

	log.Info("fetching headers", "url", plan.Archive().URL, "platform", plan.Platform, "arch", plan.Arch)
	results, err := c.fetchAll(ctx, plan, stagingDir)
	if err != nil {
		return nil, err
	}

	if c.verifier != nil {
		for _, r := range results {
			if err := c.verifier.Verify(ctx, plan, r); err != nil {
				return nil, err
			}
		}
		log.V(1).Info("verified artifacts", "count", len(results))
	}

	if err := cache.WriteManifest(stagingDir, newManifest(plan, results)); err != nil {
		return nil, err
	}

	entry, err = c.cache.Commit(ctx, stagingDir, plan.Key)
	if err != nil {
		return nil, err
	}
	log.Info("headers ready", "path", entry.Path)
	return &Result{Plan: plan, Entry: entry, Fetched: true}, nil
}

// fetchAll streams the archive first, then the secondary files concurrently.
// Results are in plan order.
func (c *Client) fetchAll(ctx context.Context, plan Plan, stagingDir string) ([]*fetcher.Result, error) {
	results := make([]*fetcher.Result, len(plan.Entries))

	archive, err := c.fetcher.Fetch(ctx, plan.Archive(), stagingDir)
	if err != nil {
		return nil, err
	}
	results[0] = archive

	g, gctx := errgroup.WithContext(ctx)
	for i, entry := range plan.Secondary() {
		g.Go(func() error {
			res, err := c.fetcher.Fetch(gctx, entry, stagingDir)
			if err != nil {
				return err
			}
			results[i+1] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func (c *Client) unlock(unlock func() error, key string) {
	if err := unlock(); err != nil {
		c.logger.Error(err, "failed to release lock", "key", key)
	}
}

func newManifest(plan Plan, results []*fetcher.Result) *cache.Manifest {
	m := &cache.Manifest{
		Key:         plan.Key,
		Runtime:     string(plan.Runtime),
		Version:     plan.Version,
		Platform:    string(plan.Platform),
		CompletedAt: time.Now().UTC(),
	}
	for _, r := range results {
		m.Artifacts = append(m.Artifacts, cache.Artifact{
			URL:    r.Entry.URL,
			Kind:   string(r.Entry.Kind),
			Path:   r.Entry.Dest,
			Bytes:  r.Bytes,
			Files:  r.Files,
			BLAKE3: r.BLAKE3,
			SHA256: r.SHA256,
		})
	}
	return m
}

func isCanceled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
