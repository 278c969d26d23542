package headerfetch

import (
	"context"
	"errors"
	"fmt"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCategorize(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		category Category
		code     int
	}{
		{"nil", nil, CategoryNone, 0},
		{"usage", &ErrUsage{Msg: "accepts 2 arg(s)"}, CategoryUsage, 1},
		{"invalid version", &ErrInvalidVersion{Version: "latest"}, CategoryUsage, 1},
		{"runtime", &ErrUnsupportedRuntime{Runtime: "deno"}, CategoryUnsupportedRuntime, 2},
		{"platform", &ErrUnsupportedPlatform{Platform: "plan9"}, CategoryUnsupportedPlatform, 3},
		{"arch", &ErrUnsupportedArch{Arch: "mips"}, CategoryUnsupportedPlatform, 3},
		{"network", &ErrNetwork{URL: "u", Err: syscall.ECONNRESET}, CategoryNetwork, 4},
		{"http status", &ErrHTTPStatus{URL: "u", StatusCode: 404}, CategoryHTTPStatus, 5},
		{"extraction", &ErrExtraction{URL: "u", Err: errors.New("bad header")}, CategoryExtraction, 6},
		{"io", &ErrIO{Op: "rename", Path: "p", Err: syscall.EACCES}, CategoryIO, 7},
		{"already exists", &ErrAlreadyExists{Path: "p"}, CategoryAlreadyExists, 8},
		{"verification", &ErrVerification{Name: "n"}, CategoryVerification, 9},
		{"canceled", context.Canceled, CategoryCanceled, 130},
		{"deadline", fmt.Errorf("waiting: %w", context.DeadlineExceeded), CategoryCanceled, 130},
		{"unknown", errors.New("boom"), CategoryUnknown, 10},
		{
			"wrapped by acquire",
			&ErrAcquireFailed{Key: "node-v18.0.0", Err: &ErrHTTPStatus{StatusCode: 503}},
			CategoryHTTPStatus, 5,
		},
		{
			"io inside network error stays network",
			&ErrNetwork{URL: "u", Err: &ErrIO{Op: "read", Err: syscall.EIO}},
			CategoryNetwork, 4,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.category, Categorize(tt.err))
			assert.Equal(t, tt.code, ExitCode(tt.err))
		})
	}
}

func TestExitCodesAreDistinct(t *testing.T) {
	seen := map[int]Category{}
	for cat, code := range exitCodes {
		if other, ok := seen[code]; ok {
			t.Fatalf("categories %q and %q share exit code %d", cat, other, code)
		}
		seen[code] = cat
	}
}
