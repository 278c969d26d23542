package fetcher

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/infracollect/headerfetch/resolver"
)

// ChecksumsFile is the name of the SHA-256 manifest published next to each
// release on the node and electron distribution sites.
const ChecksumsFile = "SHASUMS256.txt"

var errChecksumNotPublished = errors.New("no checksum published")

// Verifier checks a staged artifact's digest before it is committed.
type Verifier interface {
	Verify(ctx context.Context, plan resolver.Plan, res *Result) error
}

// SHASUMSVerifier compares artifacts against the release's SHASUMS256.txt.
// The checksums file is fetched once per release and reused.
type SHASUMSVerifier struct {
	fetcher *Fetcher

	mu   sync.Mutex
	sums map[string]map[string]string
}

// NewSHASUMSVerifier creates a verifier that downloads checksum files with f.
func NewSHASUMSVerifier(f *Fetcher) *SHASUMSVerifier {
	return &SHASUMSVerifier{fetcher: f, sums: make(map[string]map[string]string)}
}

// Verify returns ErrVerification when the artifact's SHA-256 does not match
// or is not listed.
func (v *SHASUMSVerifier) Verify(ctx context.Context, plan resolver.Plan, res *Result) error {
	sums, err := v.checksums(ctx, plan.BaseURL)
	if err != nil {
		return err
	}
	name := res.Entry.Name
	expected, ok := sums[name]
	if !ok {
		return &ErrVerification{Name: name, Err: errChecksumNotPublished}
	}
	if !strings.EqualFold(expected, res.SHA256) {
		return &ErrVerification{Name: name, Expected: expected, Actual: res.SHA256}
	}
	return nil
}

func (v *SHASUMSVerifier) checksums(ctx context.Context, baseURL string) (map[string]string, error) {
	v.mu.Lock()
	sums, ok := v.sums[baseURL]
	v.mu.Unlock()
	if ok {
		return sums, nil
	}

	data, err := v.fetcher.Get(ctx, baseURL+"/"+ChecksumsFile)
	if err != nil {
		return nil, err
	}
	sums = parseChecksums(data)

	v.mu.Lock()
	v.sums[baseURL] = sums
	v.mu.Unlock()
	return sums, nil
}

// parseChecksums reads "<hex>  <path>" lines. Paths may carry a leading
// "./" or the binary-mode "*" marker.
func parseChecksums(data []byte) map[string]string {
	sums := make(map[string]string)
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 {
			continue
		}
		name := strings.TrimPrefix(fields[1], "*")
		name = strings.TrimPrefix(name, "./")
		sums[name] = strings.ToLower(fields[0])
	}
	return sums
}
