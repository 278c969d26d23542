package resolver

import (
	"fmt"
	"regexp"
	"runtime"
	"strings"
)

// Base URLs and the headers-only archive name follow the distribution
// sites as they are published today, not older atom-shell era mirrors.
const (
	nodeBaseURL     = "https://nodejs.org/dist"
	electronBaseURL = "https://electronjs.org/headers"

	headersArchive = "node-%s-headers.tar.gz"
	windowsLib     = "node.lib"
)

// windowsLibArchs are the architectures whose node.lib is fetched on win32,
// independent of the requested arch.
var windowsLibArchs = []Arch{ArchX64, ArchX86}

var versionPattern = regexp.MustCompile(`^v\d+\.\d+\.\d+([-+][0-9A-Za-z.+-]+)?$`)

var supportedPlatforms = map[Platform]bool{
	PlatformWin32:   true,
	PlatformDarwin:  true,
	PlatformLinux:   true,
	PlatformFreeBSD: true,
	PlatformOpenBSD: true,
	PlatformSunOS:   true,
	PlatformAIX:     true,
}

var supportedArchs = map[Arch]bool{
	ArchX64:   true,
	ArchX86:   true,
	ArchARM64: true,
	ArchARM:   true,
	ArchPPC64: true,
	ArchS390X: true,
}

// DefaultDistributions returns the public distribution sites per runtime.
func DefaultDistributions() map[Runtime]Distribution {
	return map[Runtime]Distribution{
		RuntimeNode:     {BaseURL: nodeBaseURL, ArchiveName: headersArchive},
		RuntimeElectron: {BaseURL: electronBaseURL, ArchiveName: headersArchive},
	}
}

// Resolver turns requests into artifact plans. It has no side effects and is
// safe for concurrent use once constructed.
type Resolver struct {
	distributions map[Runtime]Distribution
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithDistribution overrides the distribution for a runtime. Overriding a
// runtime that is not built in makes it supported.
func WithDistribution(rt Runtime, d Distribution) Option {
	return func(r *Resolver) {
		if d.ArchiveName == "" {
			d.ArchiveName = headersArchive
		}
		d.BaseURL = strings.TrimRight(d.BaseURL, "/")
		r.distributions[rt] = d
	}
}

// New creates a Resolver for the public distribution sites.
func New(opts ...Option) *Resolver {
	r := &Resolver{distributions: DefaultDistributions()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

var defaultResolver = New()

// Resolve builds a plan using the public distribution sites.
func Resolve(req Request) (Plan, error) {
	return defaultResolver.Resolve(req)
}

// Resolve validates req and returns the artifacts needed to satisfy it.
func (r *Resolver) Resolve(req Request) (Plan, error) {
	dist, ok := r.distributions[req.Runtime]
	if !ok {
		return Plan{}, &ErrUnsupportedRuntime{Runtime: string(req.Runtime)}
	}

	version, err := NormalizeVersion(req.Version)
	if err != nil {
		return Plan{}, err
	}

	platform, arch := req.Platform, req.Arch
	if platform == "" {
		platform = HostPlatform()
	}
	if arch == "" {
		arch = HostArch()
	}
	if !supportedPlatforms[platform] {
		return Plan{}, &ErrUnsupportedPlatform{Platform: string(platform)}
	}
	if !supportedArchs[arch] {
		return Plan{}, &ErrUnsupportedArch{Arch: string(arch)}
	}

	versionURL := fmt.Sprintf("%s/%s", dist.BaseURL, version)
	archive := fmt.Sprintf(dist.ArchiveName, version)

	plan := Plan{
		Key:      CacheKey(req.Runtime, version),
		Runtime:  req.Runtime,
		Version:  version,
		Platform: platform,
		Arch:     arch,
		BaseURL:  versionURL,
		Entries: []Entry{{
			URL:  versionURL + "/" + archive,
			Kind: KindArchive,
			Name: archive,
		}},
	}

	if platform == PlatformWin32 {
		for _, a := range windowsLibArchs {
			name := fmt.Sprintf("win-%s/%s", a, windowsLib)
			plan.Entries = append(plan.Entries, Entry{
				URL:  versionURL + "/" + name,
				Kind: KindSingleFile,
				Dest: string(a) + "/" + windowsLib,
				Name: name,
			})
		}
	}

	return plan, nil
}

// CacheKey returns the directory name under which an acquisition is stored.
func CacheKey(rt Runtime, normalizedVersion string) string {
	return fmt.Sprintf("%s-%s", rt, normalizedVersion)
}

// NormalizeVersion prefixes v when missing and validates the result.
func NormalizeVersion(v string) (string, error) {
	trimmed := strings.TrimSpace(v)
	if trimmed != "" && !strings.HasPrefix(trimmed, "v") {
		trimmed = "v" + trimmed
	}
	if !versionPattern.MatchString(trimmed) {
		return "", &ErrInvalidVersion{Version: v}
	}
	return trimmed, nil
}

// HostPlatform maps runtime.GOOS to node's platform naming.
func HostPlatform() Platform {
	switch runtime.GOOS {
	case "windows":
		return PlatformWin32
	case "solaris", "illumos":
		return PlatformSunOS
	default:
		return Platform(runtime.GOOS)
	}
}

// HostArch maps runtime.GOARCH to node's arch naming.
func HostArch() Arch {
	switch runtime.GOARCH {
	case "amd64":
		return ArchX64
	case "386":
		return ArchX86
	case "ppc64le":
		return ArchPPC64
	default:
		return Arch(runtime.GOARCH)
	}
}
