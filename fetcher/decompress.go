package fetcher

import (
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Compression identifies the decompression stage placed in front of the
// tar reader.
type Compression string

const (
	CompressionNone Compression = "none"
	CompressionGzip Compression = "gzip"
	CompressionZstd Compression = "zstd"
	CompressionLZ4  Compression = "lz4"
)

// DetectCompression picks a decompressor from the archive URL's suffix.
func DetectCompression(rawURL string) (Compression, error) {
	name := rawURL
	if u, err := url.Parse(rawURL); err == nil && u.Path != "" {
		name = u.Path
	}
	switch {
	case strings.HasSuffix(name, ".tar.gz"), strings.HasSuffix(name, ".tgz"):
		return CompressionGzip, nil
	case strings.HasSuffix(name, ".tar.zst"):
		return CompressionZstd, nil
	case strings.HasSuffix(name, ".tar.lz4"):
		return CompressionLZ4, nil
	case strings.HasSuffix(name, ".tar"):
		return CompressionNone, nil
	default:
		return "", fmt.Errorf("unrecognized archive format: %s", name)
	}
}

// newDecompressor wraps r in a streaming decoder. The decoder pulls from r
// only as fast as its own reader is drained.
func newDecompressor(c Compression, r io.Reader) (io.ReadCloser, error) {
	switch c {
	case CompressionNone:
		return io.NopCloser(r), nil
	case CompressionGzip:
		zr, err := gzip.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("gzip: %w", err)
		}
		return zr, nil
	case CompressionZstd:
		// Single-goroutine decoding keeps reads in lockstep with the consumer.
		zr, err := zstd.NewReader(r, zstd.WithDecoderConcurrency(1))
		if err != nil {
			return nil, fmt.Errorf("zstd: %w", err)
		}
		return zr.IOReadCloser(), nil
	case CompressionLZ4:
		return io.NopCloser(lz4.NewReader(r)), nil
	default:
		return nil, fmt.Errorf("unsupported compression: %q", c)
	}
}
