package headerfetch

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-logr/logr"

	"github.com/infracollect/headerfetch/cache"
	"github.com/infracollect/headerfetch/fetcher"
	"github.com/infracollect/headerfetch/resolver"
)

// Option configures a Client.
type Option func(*Client) error

// WithLogger sets a custom logger for the client.
// If not set, logging is disabled (logr.Discard() is used).
func WithLogger(logger logr.Logger) Option {
	return func(cl *Client) error {
		cl.logger = logger
		return nil
	}
}

// WithRoot sets the directory under which entries are committed.
func WithRoot(dir string) Option {
	return func(cl *Client) error {
		if dir == "" {
			return fmt.Errorf("root directory must not be empty")
		}
		cl.root = dir
		return nil
	}
}

// WithCache sets a custom cache implementation. WithRoot, WithStrict and
// WithStagingDir are ignored when a cache is supplied.
func WithCache(c cache.Cache) Option {
	return func(cl *Client) error {
		cl.cache = c
		return nil
	}
}

// WithStagingDir stages downloads outside the root, for example on tmpfs.
func WithStagingDir(dir string) Option {
	return func(cl *Client) error {
		cl.stagingDir = dir
		return nil
	}
}

// WithStrict refuses to treat a pre-existing directory without a manifest
// as a completed entry.
func WithStrict(strict bool) Option {
	return func(cl *Client) error {
		cl.strict = strict
		return nil
	}
}

// WithResolver sets the resolver, typically to point at a mirror.
func WithResolver(r *resolver.Resolver) Option {
	return func(cl *Client) error {
		cl.resolver = r
		return nil
	}
}

// WithHTTPClient sets the HTTP client used for all downloads. WithTimeouts
// does not apply to a supplied client's transport.
func WithHTTPClient(client *http.Client) Option {
	return func(cl *Client) error {
		cl.httpClient = client
		return nil
	}
}

// WithRetry sets how many times a failed fetch is retried and the first
// backoff delay, which doubles on each retry.
func WithRetry(maxRetries int, baseBackoff time.Duration) Option {
	return func(cl *Client) error {
		if maxRetries < 0 || baseBackoff < 0 {
			return fmt.Errorf("retry settings must not be negative")
		}
		cl.maxRetries = maxRetries
		cl.baseBackoff = baseBackoff
		return nil
	}
}

// WithTimeouts sets the connect timeout and the per-chunk read timeout.
func WithTimeouts(connect, idle time.Duration) Option {
	return func(cl *Client) error {
		cl.connectTimeout = connect
		cl.idleTimeout = idle
		return nil
	}
}

// WithMaxArtifactBytes caps the raw size of any single artifact.
func WithMaxArtifactBytes(n int64) Option {
	return func(cl *Client) error {
		cl.maxBytes = n
		return nil
	}
}

// WithVerifier checks every artifact before commit.
func WithVerifier(v fetcher.Verifier) Option {
	return func(cl *Client) error {
		cl.verifier = v
		return nil
	}
}

// WithChecksumVerification checks artifacts against the release's
// SHASUMS256.txt.
func WithChecksumVerification() Option {
	return func(cl *Client) error {
		cl.verifyChecksums = true
		return nil
	}
}
