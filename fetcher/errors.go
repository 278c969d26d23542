package fetcher

import (
	"errors"
	"fmt"
)

var (
	errIdleTimeout      = errors.New("no data received within read timeout")
	errArtifactTooLarge = errors.New("artifact exceeds size limit")
)

// ErrNetwork is returned when a connection, read, or timeout failure
// persists after all retries.
type ErrNetwork struct {
	URL      string
	Attempts int
	Err      error
}

func (e *ErrNetwork) Error() string {
	return fmt.Sprintf("network error fetching %s after %d attempt(s): %v", e.URL, e.Attempts, e.Err)
}

func (e *ErrNetwork) Unwrap() error {
	return e.Err
}

// Timeout reports whether the failure was a connect or read timeout.
func (e *ErrNetwork) Timeout() bool {
	if errors.Is(e.Err, errIdleTimeout) {
		return true
	}
	var te interface{ Timeout() bool }
	return errors.As(e.Err, &te) && te.Timeout()
}

// ErrHTTPStatus is returned for a non-2xx response. 5xx responses are
// retried before this is surfaced; 4xx responses are not.
type ErrHTTPStatus struct {
	URL        string
	StatusCode int
	Status     string
	Attempts   int
}

func (e *ErrHTTPStatus) Error() string {
	status := e.Status
	if status == "" {
		status = fmt.Sprintf("%d", e.StatusCode)
	}
	return fmt.Sprintf("fetching %s returned status %s after %d attempt(s)", e.URL, status, e.Attempts)
}

// ErrExtraction is returned for a malformed or oversized archive stream, or
// an archive entry that would escape the staging directory.
type ErrExtraction struct {
	URL   string
	Entry string
	Err   error
}

func (e *ErrExtraction) Error() string {
	if e.Entry != "" {
		return fmt.Sprintf("extracting %s: entry %q: %v", e.URL, e.Entry, e.Err)
	}
	return fmt.Sprintf("extracting %s: %v", e.URL, e.Err)
}

func (e *ErrExtraction) Unwrap() error {
	return e.Err
}

// ErrVerification is returned when an artifact's digest does not match the
// published checksum, or no checksum is published for it.
type ErrVerification struct {
	Name     string
	Expected string
	Actual   string
	Err      error
}

func (e *ErrVerification) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("verifying %s: %v", e.Name, e.Err)
	}
	return fmt.Sprintf("checksum mismatch for %s: expected %s, got %s", e.Name, e.Expected, e.Actual)
}

func (e *ErrVerification) Unwrap() error {
	return e.Err
}
