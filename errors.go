package headerfetch

import (
	"context"
	"errors"
	"fmt"

	"github.com/infracollect/headerfetch/cache"
	"github.com/infracollect/headerfetch/fetcher"
	"github.com/infracollect/headerfetch/resolver"
)

// Error types surfaced by Acquire. They are defined next to the code that
// produces them and re-exported here so callers need only this package.
type (
	ErrUnsupportedRuntime  = resolver.ErrUnsupportedRuntime
	ErrUnsupportedPlatform = resolver.ErrUnsupportedPlatform
	ErrUnsupportedArch     = resolver.ErrUnsupportedArch
	ErrInvalidVersion      = resolver.ErrInvalidVersion
	ErrNetwork             = fetcher.ErrNetwork
	ErrHTTPStatus          = fetcher.ErrHTTPStatus
	ErrExtraction          = fetcher.ErrExtraction
	ErrVerification        = fetcher.ErrVerification
	ErrIO                  = cache.ErrIO
	ErrAlreadyExists       = cache.ErrAlreadyExists
)

// ErrAcquireFailed is returned when fetching or staging an entry fails.
type ErrAcquireFailed struct {
	Key string
	Err error
}

func (e *ErrAcquireFailed) Error() string {
	return fmt.Sprintf("failed to acquire %s: %v", e.Key, e.Err)
}

func (e *ErrAcquireFailed) Unwrap() error {
	return e.Err
}

// ErrUsage is returned by callers for malformed invocations.
type ErrUsage struct {
	Msg string
}

func (e *ErrUsage) Error() string {
	return e.Msg
}

// Category groups errors so automation can tell usage mistakes from
// transient failures.
type Category string

const (
	CategoryNone                Category = ""
	CategoryUsage               Category = "usage"
	CategoryUnsupportedRuntime  Category = "unsupported_runtime"
	CategoryUnsupportedPlatform Category = "unsupported_platform"
	CategoryNetwork             Category = "network"
	CategoryHTTPStatus          Category = "http_status"
	CategoryExtraction          Category = "extraction"
	CategoryIO                  Category = "io"
	CategoryAlreadyExists       Category = "already_exists"
	CategoryVerification        Category = "verification"
	CategoryCanceled            Category = "canceled"
	CategoryUnknown             Category = "unknown"
)

var exitCodes = map[Category]int{
	CategoryNone:                0,
	CategoryUsage:               1,
	CategoryUnsupportedRuntime:  2,
	CategoryUnsupportedPlatform: 3,
	CategoryNetwork:             4,
	CategoryHTTPStatus:          5,
	CategoryExtraction:          6,
	CategoryIO:                  7,
	CategoryAlreadyExists:       8,
	CategoryVerification:        9,
	CategoryCanceled:            130,
	CategoryUnknown:             10,
}

// Categorize returns the taxonomy category of err.
func Categorize(err error) Category {
	if err == nil {
		return CategoryNone
	}

	var (
		usage      *ErrUsage
		version    *ErrInvalidVersion
		rt         *ErrUnsupportedRuntime
		platform   *ErrUnsupportedPlatform
		arch       *ErrUnsupportedArch
		verify     *ErrVerification
		extraction *ErrExtraction
		status     *ErrHTTPStatus
		network    *ErrNetwork
		exists     *ErrAlreadyExists
		ioErr      *ErrIO
	)
	switch {
	case errors.As(err, &usage), errors.As(err, &version):
		return CategoryUsage
	case errors.As(err, &rt):
		return CategoryUnsupportedRuntime
	case errors.As(err, &platform), errors.As(err, &arch):
		return CategoryUnsupportedPlatform
	case errors.As(err, &verify):
		return CategoryVerification
	case errors.As(err, &extraction):
		return CategoryExtraction
	case errors.As(err, &status):
		return CategoryHTTPStatus
	case errors.As(err, &network):
		return CategoryNetwork
	case errors.As(err, &exists):
		return CategoryAlreadyExists
	case errors.As(err, &ioErr):
		return CategoryIO
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return CategoryCanceled
	default:
		return CategoryUnknown
	}
}

// ExitCode maps err to a distinct process exit code per category.
func ExitCode(err error) int {
	return exitCodes[Categorize(err)]
}
