package headerfetch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/infracollect/headerfetch/cache"
	"github.com/infracollect/headerfetch/internal/testutil"
	"github.com/infracollect/headerfetch/resolver"
)

const (
	archivePath  = "/v18.0.0/node-v18.0.0-headers.tar.gz"
	libX64Path   = "/v18.0.0/win-x64/node.lib"
	libX86Path   = "/v18.0.0/win-x86/node.lib"
	checksumPath = "/v18.0.0/SHASUMS256.txt"
)

var (
	linuxReq = Request{Runtime: resolver.RuntimeNode, Version: "18.0.0", Platform: resolver.PlatformLinux, Arch: resolver.ArchX64}
	win32Req = Request{Runtime: resolver.RuntimeNode, Version: "v18.0.0", Platform: resolver.PlatformWin32, Arch: resolver.ArchX64}
)

func headersArchive(t *testing.T) []byte {
	t.Helper()
	return testutil.Gzip(t, testutil.Tarball(t, "node-v18.0.0", map[string]string{
		"include/node/node.h":     "#pragma once\n",
		"include/node/node_api.h": "#include \"js_native_api.h\"\n",
	}))
}

func newTestClient(t *testing.T, dist *testutil.Distribution, opts ...Option) *Client {
	t.Helper()
	r := resolver.New(
		resolver.WithDistribution(resolver.RuntimeNode, resolver.Distribution{BaseURL: dist.URL()}),
		resolver.WithDistribution(resolver.RuntimeElectron, resolver.Distribution{BaseURL: dist.URL()}),
	)
	base := []Option{WithRoot(t.TempDir()), WithResolver(r), WithRetry(3, time.Millisecond)}
	c, err := New(append(base, opts...)...)
	require.NoError(t, err)
	return c
}

func sha256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func TestAcquire_FetchesAndCommits(t *testing.T) {
	dist := testutil.NewDistribution(t)
	body := headersArchive(t)
	dist.Serve(archivePath, body)

	c := newTestClient(t, dist)
	res, err := c.Acquire(context.Background(), linuxReq)
	require.NoError(t, err)

	assert.True(t, res.Fetched)
	assert.Equal(t, "node-v18.0.0", res.Plan.Key)
	assert.Equal(t, cache.StatusComplete, res.Entry.Status)
	assert.FileExists(t, filepath.Join(res.Entry.Path, "include", "node", "node.h"))
	assert.FileExists(t, filepath.Join(res.Entry.Path, cache.ManifestName))

	require.NotNil(t, res.Entry.Manifest)
	require.Len(t, res.Entry.Manifest.Artifacts, 1)
	art := res.Entry.Manifest.Artifacts[0]
	assert.Equal(t, sha256Hex(body), art.SHA256)
	assert.Equal(t, int64(len(body)), art.Bytes)
	assert.Equal(t, 2, art.Files)
	assert.Equal(t, "linux", res.Entry.Manifest.Platform)
}

func TestAcquire_Idempotent(t *testing.T) {
	dist := testutil.NewDistribution(t)
	dist.Serve(archivePath, headersArchive(t))
	c := newTestClient(t, dist)

	first, err := c.Acquire(context.Background(), linuxReq)
	require.NoError(t, err)
	hits := dist.TotalHits()

	second, err := c.Acquire(context.Background(), linuxReq)
	require.NoError(t, err)
	assert.False(t, second.Fetched)
	assert.Equal(t, first.Entry.Path, second.Entry.Path)
	assert.Equal(t, hits, dist.TotalHits(), "second acquisition must not touch the network")
	assert.Equal(t, first.Entry.Manifest.CompletedAt, second.Entry.Manifest.CompletedAt)
}

func TestAcquire_ConcurrentCallersShareOneFetch(t *testing.T) {
	dist := testutil.NewDistribution(t)
	dist.Serve(archivePath, headersArchive(t))
	c := newTestClient(t, dist)

	const callers = 8
	var wg sync.WaitGroup
	errs := make([]error, callers)
	paths := make([]string, callers)
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := c.Acquire(context.Background(), linuxReq)
			errs[i] = err
			if err == nil {
				paths[i] = res.Entry.Path
			}
		}()
	}
	wg.Wait()

	for i := range callers {
		require.NoError(t, errs[i])
		assert.Equal(t, paths[0], paths[i])
	}
	assert.Equal(t, 1, dist.Hits(archivePath))
}

func TestAcquire_SeparateClientsShareOneFetch(t *testing.T) {
	dist := testutil.NewDistribution(t)
	dist.Serve(archivePath, headersArchive(t))
	root := t.TempDir()

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := range errs {
		c := newTestClient(t, dist, WithRoot(root))
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = c.Acquire(context.Background(), linuxReq)
		}()
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
	assert.Equal(t, 1, dist.Hits(archivePath), "the file lock serializes clients that do not share memory")
}

func TestAcquire_CancellationLeavesNoFinalDirectory(t *testing.T) {
	dist := testutil.NewDistribution(t)
	body := headersArchive(t)
	dist.Handle(archivePath, testutil.Stall(body, len(body)/2, nil))

	root := t.TempDir()
	c := newTestClient(t, dist, WithRoot(root))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		for dist.Hits(archivePath) == 0 {
			time.Sleep(5 * time.Millisecond)
		}
		cancel()
	}()

	_, err := c.Acquire(ctx, linuxReq)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, CategoryCanceled, Categorize(err))
	assert.Equal(t, 130, ExitCode(err))

	// The abandoned fetch cleans up in the background.
	require.Eventually(t, func() bool {
		entries, err := os.ReadDir(filepath.Join(root, ".tmp"))
		if err != nil || len(entries) != 0 {
			return false
		}
		entry, err := c.Lookup(context.Background(), linuxReq)
		return err == nil && entry.Status == cache.StatusAbsent
	}, 5*time.Second, 10*time.Millisecond)
	assert.NoDirExists(t, filepath.Join(root, "node-v18.0.0"))
}

func TestAcquire_FollowerSurvivesCanceledLeader(t *testing.T) {
	dist := testutil.NewDistribution(t)
	body := headersArchive(t)
	stall := testutil.Stall(body, len(body)/2, nil)
	dist.Handle(archivePath, func(w http.ResponseWriter, r *http.Request, hit int) {
		if hit == 1 {
			stall(w, r, hit)
			return
		}
		testutil.Static(body)(w, r, hit)
	})
	c := newTestClient(t, dist)

	leaderCtx, cancelLeader := context.WithCancel(context.Background())
	leaderErr := make(chan error, 1)
	go func() {
		_, err := c.Acquire(leaderCtx, linuxReq)
		leaderErr <- err
	}()
	require.Eventually(t, func() bool { return dist.Hits(archivePath) == 1 }, 5*time.Second, 5*time.Millisecond)

	followerRes := make(chan *Result, 1)
	followerErr := make(chan error, 1)
	go func() {
		res, err := c.Acquire(context.Background(), linuxReq)
		followerRes <- res
		followerErr <- err
	}()
	time.Sleep(50 * time.Millisecond)
	cancelLeader()

	require.ErrorIs(t, <-leaderErr, context.Canceled)
	res := <-followerRes
	require.NoError(t, <-followerErr)
	assert.Equal(t, cache.StatusComplete, res.Entry.Status)
	assert.Equal(t, 2, dist.Hits(archivePath))
}

func TestAcquire_RetriesTransientFailures(t *testing.T) {
	dist := testutil.NewDistribution(t)
	dist.Handle(archivePath, testutil.FailFirst(3, http.StatusServiceUnavailable, testutil.Static(headersArchive(t))))
	c := newTestClient(t, dist)

	res, err := c.Acquire(context.Background(), linuxReq)
	require.NoError(t, err)
	assert.Equal(t, cache.StatusComplete, res.Entry.Status)
	assert.Equal(t, 4, dist.Hits(archivePath))
}

func TestAcquire_RetryCeiling(t *testing.T) {
	dist := testutil.NewDistribution(t)
	dist.Handle(archivePath, testutil.FailFirst(4, http.StatusServiceUnavailable, testutil.Static(headersArchive(t))))
	c := newTestClient(t, dist)

	_, err := c.Acquire(context.Background(), linuxReq)
	var statusErr *ErrHTTPStatus
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusServiceUnavailable, statusErr.StatusCode)
	assert.Equal(t, 4, statusErr.Attempts)
	assert.Equal(t, 4, dist.Hits(archivePath))

	var acquireErr *ErrAcquireFailed
	require.ErrorAs(t, err, &acquireErr)
	assert.Equal(t, "node-v18.0.0", acquireErr.Key)
	assert.Equal(t, 5, ExitCode(err))
}

func TestAcquire_UnsupportedRequestsMakeNoNetworkCalls(t *testing.T) {
	tests := []struct {
		name     string
		req      Request
		category Category
	}{
		{"runtime", Request{Runtime: "deno", Version: "1.0.0"}, CategoryUnsupportedRuntime},
		{"platform", Request{Runtime: resolver.RuntimeNode, Version: "18.0.0", Platform: "plan9", Arch: resolver.ArchX64}, CategoryUnsupportedPlatform},
		{"arch", Request{Runtime: resolver.RuntimeNode, Version: "18.0.0", Platform: resolver.PlatformLinux, Arch: "mips"}, CategoryUnsupportedPlatform},
		{"version", Request{Runtime: resolver.RuntimeNode, Version: "latest"}, CategoryUsage},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dist := testutil.NewDistribution(t)
			c := newTestClient(t, dist)

			_, err := c.Acquire(context.Background(), tt.req)
			require.Error(t, err)
			assert.Equal(t, tt.category, Categorize(err))
			assert.Zero(t, dist.TotalHits())
		})
	}
}

func TestAcquire_Win32FetchesNodeLibForBothArchs(t *testing.T) {
	dist := testutil.NewDistribution(t)
	dist.Serve(archivePath, headersArchive(t))
	dist.Serve(libX64Path, []byte("x64-lib"))
	dist.Serve(libX86Path, []byte("x86-lib"))
	c := newTestClient(t, dist)

	plan, err := c.Plan(win32Req)
	require.NoError(t, err)
	assert.Len(t, plan.Entries, 3)

	darwin := linuxReq
	darwin.Platform = resolver.PlatformDarwin
	plan, err = c.Plan(darwin)
	require.NoError(t, err)
	assert.Len(t, plan.Entries, 1)

	res, err := c.Acquire(context.Background(), win32Req)
	require.NoError(t, err)

	x64, err := os.ReadFile(filepath.Join(res.Entry.Path, "x64", "node.lib"))
	require.NoError(t, err)
	assert.Equal(t, "x64-lib", string(x64))
	x86, err := os.ReadFile(filepath.Join(res.Entry.Path, "x86", "node.lib"))
	require.NoError(t, err)
	assert.Equal(t, "x86-lib", string(x86))
	assert.FileExists(t, filepath.Join(res.Entry.Path, "include", "node", "node.h"))

	require.Len(t, res.Entry.Manifest.Artifacts, 3)
	assert.Equal(t, "archive", res.Entry.Manifest.Artifacts[0].Kind)
	assert.Equal(t, "x64/node.lib", res.Entry.Manifest.Artifacts[1].Path)
	assert.Equal(t, "x86/node.lib", res.Entry.Manifest.Artifacts[2].Path)
}

func TestAcquire_SecondaryFilesFollowArchive(t *testing.T) {
	dist := testutil.NewDistribution(t)
	body := headersArchive(t)
	archiveServed := make(chan struct{})
	dist.Handle(archivePath, func(w http.ResponseWriter, _ *http.Request, _ int) {
		_, _ = w.Write(body)
		close(archiveServed)
	})
	lib := func(w http.ResponseWriter, _ *http.Request, _ int) {
		select {
		case <-archiveServed:
		default:
			t.Error("node.lib requested before the archive was consumed")
		}
		_, _ = w.Write([]byte("lib"))
	}
	dist.Handle(libX64Path, lib)
	dist.Handle(libX86Path, lib)

	_, err := newTestClient(t, dist).Acquire(context.Background(), win32Req)
	require.NoError(t, err)
}

func TestAcquire_SecondaryFailureLeavesNoFinalDirectory(t *testing.T) {
	dist := testutil.NewDistribution(t)
	dist.Serve(archivePath, headersArchive(t))
	dist.Serve(libX64Path, []byte("x64-lib"))

	root := t.TempDir()
	_, err := newTestClient(t, dist, WithRoot(root)).Acquire(context.Background(), win32Req)
	var statusErr *ErrHTTPStatus
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusNotFound, statusErr.StatusCode)
	assert.NoDirExists(t, filepath.Join(root, "node-v18.0.0"))
}

func TestAcquire_ChecksumVerification(t *testing.T) {
	body := headersArchive(t)

	t.Run("match", func(t *testing.T) {
		dist := testutil.NewDistribution(t)
		dist.Serve(archivePath, body)
		dist.Serve(checksumPath, []byte(fmt.Sprintf("%s  node-v18.0.0-headers.tar.gz\n", sha256Hex(body))))

		res, err := newTestClient(t, dist, WithChecksumVerification()).Acquire(context.Background(), linuxReq)
		require.NoError(t, err)
		assert.Equal(t, cache.StatusComplete, res.Entry.Status)
	})

	t.Run("mismatch", func(t *testing.T) {
		dist := testutil.NewDistribution(t)
		dist.Serve(archivePath, body)
		dist.Serve(checksumPath, []byte(fmt.Sprintf("%s  node-v18.0.0-headers.tar.gz\n", sha256Hex([]byte("other")))))

		root := t.TempDir()
		_, err := newTestClient(t, dist, WithRoot(root), WithChecksumVerification()).Acquire(context.Background(), linuxReq)
		var verr *ErrVerification
		require.ErrorAs(t, err, &verr)
		assert.Equal(t, 9, ExitCode(err))
		assert.NoDirExists(t, filepath.Join(root, "node-v18.0.0"))
		assert.Equal(t, 1, dist.Hits(archivePath), "verification failures are not retried")
	})
}

func TestAcquire_ExistingDirectoryWithoutManifest(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "node-v18.0.0", "include"), 0o755))

	t.Run("lenient", func(t *testing.T) {
		dist := testutil.NewDistribution(t)
		res, err := newTestClient(t, dist, WithRoot(root)).Acquire(context.Background(), linuxReq)
		require.NoError(t, err)
		assert.False(t, res.Fetched)
		assert.Nil(t, res.Entry.Manifest)
		assert.Zero(t, dist.TotalHits())
	})

	t.Run("strict", func(t *testing.T) {
		dist := testutil.NewDistribution(t)
		_, err := newTestClient(t, dist, WithRoot(root), WithStrict(true)).Acquire(context.Background(), linuxReq)
		var exists *ErrAlreadyExists
		require.ErrorAs(t, err, &exists)
		assert.Equal(t, 8, ExitCode(err))
		assert.Zero(t, dist.TotalHits())
	})
}

func TestRemove_AllowsRefetch(t *testing.T) {
	dist := testutil.NewDistribution(t)
	dist.Serve(archivePath, headersArchive(t))
	c := newTestClient(t, dist)

	res, err := c.Acquire(context.Background(), linuxReq)
	require.NoError(t, err)

	require.NoError(t, c.Remove(context.Background(), linuxReq))
	assert.NoDirExists(t, res.Entry.Path)

	res, err = c.Acquire(context.Background(), linuxReq)
	require.NoError(t, err)
	assert.True(t, res.Fetched)
	assert.Equal(t, 2, dist.Hits(archivePath))
}

func TestNew_OptionErrors(t *testing.T) {
	_, err := New(WithRoot(""))
	require.Error(t, err)

	_, err = New(WithRetry(-1, time.Second))
	require.Error(t, err)
}
