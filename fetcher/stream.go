package fetcher

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"hash"
	"io"
	"time"

	"github.com/zeebo/blake3"
)

// idleReader cancels the request when a single Read blocks longer than
// timeout. Time spent outside Read (downstream writes) is not counted.
type idleReader struct {
	r       io.Reader
	timeout time.Duration
	timer   *time.Timer
}

func newIdleReader(r io.Reader, timeout time.Duration, cancel context.CancelCauseFunc) *idleReader {
	ir := &idleReader{r: r, timeout: timeout}
	if timeout > 0 {
		ir.timer = time.AfterFunc(timeout, func() { cancel(errIdleTimeout) })
		ir.timer.Stop()
	}
	return ir
}

func (ir *idleReader) Read(p []byte) (int, error) {
	if ir.timer == nil {
		return ir.r.Read(p)
	}
	ir.timer.Reset(ir.timeout)
	n, err := ir.r.Read(p)
	ir.timer.Stop()
	return n, err
}

func (ir *idleReader) stop() {
	if ir.timer != nil {
		ir.timer.Stop()
	}
}

// sourceReader marks failures that came from the network side of the
// pipeline, so they can be told apart from decoder and disk failures
// after passing through gzip and tar readers.
type sourceReader struct {
	r        io.Reader
	max      int64
	n        int64
	err      error
	tooLarge bool
}

func (s *sourceReader) Read(p []byte) (int, error) {
	if s.max > 0 && s.n >= s.max {
		// Probe for one more byte so an artifact of exactly max bytes passes.
		var probe [1]byte
		n, err := s.r.Read(probe[:])
		if n > 0 {
			s.tooLarge = true
			return 0, errArtifactTooLarge
		}
		if err != nil && err != io.EOF {
			s.err = err
		}
		return 0, err
	}
	if s.max > 0 && int64(len(p)) > s.max-s.n {
		p = p[:s.max-s.n]
	}
	n, err := s.r.Read(p)
	s.n += int64(n)
	if err != nil && err != io.EOF {
		s.err = err
	}
	return n, err
}

// digester hashes every raw byte of an artifact as it streams through.
type digester struct {
	blake *blake3.Hasher
	sha   hash.Hash
}

func newDigester() *digester {
	return &digester{blake: blake3.New(), sha: sha256.New()}
}

func (d *digester) Write(p []byte) (int, error) {
	d.blake.Write(p)
	d.sha.Write(p)
	return len(p), nil
}

func (d *digester) blake3Hex() string {
	return hex.EncodeToString(d.blake.Sum(nil))
}

func (d *digester) sha256Hex() string {
	return hex.EncodeToString(d.sha.Sum(nil))
}

// sleepContext waits for d or until ctx is done.
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
