package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/go-logr/logr"

	"github.com/infracollect/headerfetch/cache"
	"github.com/infracollect/headerfetch/resolver"
)

const (
	DefaultMaxRetries       = 3
	DefaultBaseBackoff      = 500 * time.Millisecond
	DefaultIdleTimeout      = 60 * time.Second
	DefaultMaxArtifactBytes = int64(512 << 20)

	// archiveStrip drops the tarball's top-level node-vX.Y.Z directory.
	archiveStrip = 1
)

// sleep is replaced in tests that need to observe backoff delays.
var sleep = sleepContext

// Result describes a successfully staged artifact.
type Result struct {
	Entry resolver.Entry
	// Bytes is the number of raw (still compressed) bytes received.
	Bytes int64
	// Files is the number of regular files written.
	Files    int
	BLAKE3   string
	SHA256   string
	Attempts int
}

// Fetcher streams artifacts over HTTP into a staging directory.
type Fetcher struct {
	client      *http.Client
	logger      logr.Logger
	maxRetries  int
	baseBackoff time.Duration
	idleTimeout time.Duration
	maxBytes    int64
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithLogger sets the logger. The default discards.
func WithLogger(logger logr.Logger) Option {
	return func(f *Fetcher) { f.logger = logger }
}

// WithRetry sets the retry ceiling (retries after the first attempt) and
// the first backoff delay, which doubles on each retry.
func WithRetry(maxRetries int, baseBackoff time.Duration) Option {
	return func(f *Fetcher) {
		if maxRetries >= 0 {
			f.maxRetries = maxRetries
		}
		if baseBackoff >= 0 {
			f.baseBackoff = baseBackoff
		}
	}
}

// WithIdleTimeout bounds how long a single body read may block. Zero
// disables the bound.
func WithIdleTimeout(d time.Duration) Option {
	return func(f *Fetcher) { f.idleTimeout = d }
}

// WithMaxBytes caps the raw size of any single artifact. Zero disables the cap.
func WithMaxBytes(n int64) Option {
	return func(f *Fetcher) { f.maxBytes = n }
}

// New creates a Fetcher. If client is nil, a client with
// DefaultConnectTimeout and DefaultHeaderTimeout is used.
func New(client *http.Client, opts ...Option) *Fetcher {
	if client == nil {
		client = NewHTTPClient(DefaultConnectTimeout, DefaultHeaderTimeout)
	}
	f := &Fetcher{
		client:      client,
		logger:      logr.Discard(),
		maxRetries:  DefaultMaxRetries,
		baseBackoff: DefaultBaseBackoff,
		idleTimeout: DefaultIdleTimeout,
		maxBytes:    DefaultMaxArtifactBytes,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Fetch downloads entry into stagingDir. Archives are decompressed and
// extracted into stagingDir itself; single files are written to
// stagingDir/entry.Dest. Nothing outside stagingDir is touched.
func (f *Fetcher) Fetch(ctx context.Context, entry resolver.Entry, stagingDir string) (*Result, error) {
	var (
		consume   func(ctx context.Context, body io.Reader) (int, error)
		reset     func() error
		extractor Compression
	)

	switch entry.Kind {
	case resolver.KindArchive:
		c, err := DetectCompression(entry.URL)
		if err != nil {
			return nil, &ErrExtraction{URL: entry.URL, Err: err}
		}
		extractor = c
		reset = func() error { return emptyDir(stagingDir) }
		consume = func(ctx context.Context, body io.Reader) (int, error) {
			return f.extractArchive(ctx, extractor, body, stagingDir)
		}

	case resolver.KindSingleFile:
		if _, err := safeJoin(filepath.Clean(stagingDir), entry.Dest); err != nil || entry.Dest == "" {
			return nil, &ErrExtraction{URL: entry.URL, Entry: entry.Dest, Err: errUnsafePath}
		}
		rel := filepath.FromSlash(entry.Dest)
		reset = func() error {
			return inRoot(stagingDir, func(root *os.Root) error {
				if err := root.Remove(rel); err != nil && !errors.Is(err, os.ErrNotExist) {
					return rootError("remove", entry.Dest, err)
				}
				return nil
			})
		}
		consume = func(_ context.Context, body io.Reader) (int, error) {
			err := inRoot(stagingDir, func(root *os.Root) error {
				return writeFile(root, body, rel, 0o644)
			})
			if err != nil {
				return 0, err
			}
			return 1, nil
		}

	default:
		return nil, fmt.Errorf("unknown artifact kind %q", entry.Kind)
	}

	log := f.logger.WithValues("url", entry.URL)
	res := &Result{Entry: entry}
	attempts, err := f.retry(ctx, entry.URL, func(ctx context.Context, body io.Reader, d *digester) error {
		if err := reset(); err != nil {
			return err
		}
		files, err := consume(ctx, body)
		if err != nil {
			return err
		}
		// Drain trailing padding so digests cover the whole artifact.
		if _, err := io.Copy(io.Discard, body); err != nil {
			return err
		}
		res.Files = files
		res.BLAKE3 = d.blake3Hex()
		res.SHA256 = d.sha256Hex()
		return nil
	}, &res.Bytes)
	if err != nil {
		return nil, err
	}
	res.Attempts = attempts
	log.V(1).Info("fetched artifact", "bytes", res.Bytes, "files", res.Files, "attempts", attempts)
	return res, nil
}

// Get downloads a small document into memory with the same retry policy as
// Fetch. It is used for checksum manifests.
func (f *Fetcher) Get(ctx context.Context, url string) ([]byte, error) {
	var data []byte
	var n int64
	_, err := f.retry(ctx, url, func(_ context.Context, body io.Reader, _ *digester) error {
		b, err := io.ReadAll(body)
		if err != nil {
			return err
		}
		data = b
		return nil
	}, &n)
	return data, err
}

func (f *Fetcher) extractArchive(ctx context.Context, c Compression, body io.Reader, dir string) (int, error) {
	dr, err := newDecompressor(c, body)
	if err != nil {
		return 0, err
	}
	defer dr.Close()
	return extractTar(ctx, dr, dir, archiveStrip)
}

// attemptFunc consumes one response body. body yields raw artifact bytes,
// already passed through d.
type attemptFunc func(ctx context.Context, body io.Reader, d *digester) error

// retry runs consume against url until it succeeds, fails permanently, or
// the retry ceiling is reached. It returns the number of attempts made.
func (f *Fetcher) retry(ctx context.Context, url string, consume attemptFunc, bytesRead *int64) (int, error) {
	var lastErr error
	attempt := 0
	for attempt < f.maxRetries+1 {
		if attempt > 0 {
			delay := f.backoff(attempt)
			f.logger.Info("retrying fetch", "url", url, "attempt", attempt+1, "delay", delay.String(), "error", lastErr.Error())
			if err := sleep(ctx, delay); err != nil {
				return attempt, err
			}
		}
		attempt++

		err := f.attempt(ctx, url, consume, bytesRead)
		if err == nil {
			return attempt, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return attempt, ctxErr
		}
		lastErr = err
		f.logger.V(1).Info("fetch attempt failed", "url", url, "attempt", attempt, "error", err.Error())
		if !retryable(err) {
			break
		}
	}
	setAttempts(lastErr, attempt)
	return attempt, lastErr
}

func (f *Fetcher) backoff(retry int) time.Duration {
	return f.baseBackoff << (retry - 1)
}

func (f *Fetcher) attempt(ctx context.Context, url string, consume attemptFunc, bytesRead *int64) error {
	reqCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return &ErrNetwork{URL: url, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &ErrHTTPStatus{URL: url, StatusCode: resp.StatusCode, Status: resp.Status}
	}

	idle := newIdleReader(resp.Body, f.idleTimeout, cancel)
	defer idle.stop()
	src := &sourceReader{r: idle, max: f.maxBytes}
	d := newDigester()

	err = consume(reqCtx, io.TeeReader(src, d), d)
	*bytesRead = src.n
	if err == nil {
		return nil
	}
	return classify(url, reqCtx, src, err)
}

// classify maps a failure inside the body pipeline to the error taxonomy.
func classify(url string, reqCtx context.Context, src *sourceReader, err error) error {
	switch {
	case src.tooLarge:
		return &ErrExtraction{URL: url, Err: errArtifactTooLarge}
	case errors.Is(context.Cause(reqCtx), errIdleTimeout):
		return &ErrNetwork{URL: url, Err: errIdleTimeout}
	case src.err != nil:
		return &ErrNetwork{URL: url, Err: src.err}
	}

	var ioErr *cache.ErrIO
	if errors.As(err, &ioErr) {
		return ioErr
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var ee *entryError
	if errors.As(err, &ee) {
		return &ErrExtraction{URL: url, Entry: ee.name, Err: ee.err}
	}
	return &ErrExtraction{URL: url, Err: err}
}

func retryable(err error) bool {
	var netErr *ErrNetwork
	if errors.As(err, &netErr) {
		return true
	}
	var statusErr *ErrHTTPStatus
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode >= 500 && statusErr.StatusCode <= 599
	}
	return false
}

func setAttempts(err error, attempts int) {
	var netErr *ErrNetwork
	if errors.As(err, &netErr) {
		netErr.Attempts = attempts
	}
	var statusErr *ErrHTTPStatus
	if errors.As(err, &statusErr) {
		statusErr.Attempts = attempts
	}
}

// inRoot runs fn with dir opened as an *os.Root.
func inRoot(dir string, fn func(root *os.Root) error) error {
	root, err := os.OpenRoot(dir)
	if err != nil {
		return &cache.ErrIO{Op: "open", Path: dir, Err: err}
	}
	defer root.Close()
	return fn(root)
}

// emptyDir removes everything inside dir, creating dir if needed.
func emptyDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return &cache.ErrIO{Op: "mkdir", Path: dir, Err: err}
		}
		return nil
	}
	if err != nil {
		return &cache.ErrIO{Op: "readdir", Path: dir, Err: err}
	}
	for _, e := range entries {
		p := filepath.Join(dir, e.Name())
		if err := os.RemoveAll(p); err != nil {
			return &cache.ErrIO{Op: "remove", Path: p, Err: err}
		}
	}
	return nil
}
