package resolver

import "fmt"

// ErrUnsupportedRuntime is returned for runtimes with no known distribution.
type ErrUnsupportedRuntime struct {
	Runtime string
}

func (e *ErrUnsupportedRuntime) Error() string {
	return fmt.Sprintf("unsupported runtime: %q", e.Runtime)
}

// ErrUnsupportedPlatform is returned for platforms outside the known set.
type ErrUnsupportedPlatform struct {
	Platform string
}

func (e *ErrUnsupportedPlatform) Error() string {
	return fmt.Sprintf("unsupported platform: %q", e.Platform)
}

// ErrUnsupportedArch is returned for architectures outside the known set.
type ErrUnsupportedArch struct {
	Arch string
}

func (e *ErrUnsupportedArch) Error() string {
	return fmt.Sprintf("unsupported arch: %q", e.Arch)
}

// ErrInvalidVersion is returned when a version string is not semver-like.
type ErrInvalidVersion struct {
	Version string
}

func (e *ErrInvalidVersion) Error() string {
	return fmt.Sprintf("invalid version %q: expected MAJOR.MINOR.PATCH", e.Version)
}
