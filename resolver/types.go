package resolver

// Runtime identifies a JavaScript runtime whose headers can be acquired.
type Runtime string

const (
	RuntimeNode     Runtime = "node"
	RuntimeElectron Runtime = "electron"
)

// Platform uses node's process.platform naming.
type Platform string

const (
	PlatformWin32   Platform = "win32"
	PlatformDarwin  Platform = "darwin"
	PlatformLinux   Platform = "linux"
	PlatformFreeBSD Platform = "freebsd"
	PlatformOpenBSD Platform = "openbsd"
	PlatformSunOS   Platform = "sunos"
	PlatformAIX     Platform = "aix"
)

// Arch uses node's process.arch naming.
type Arch string

const (
	ArchX64   Arch = "x64"
	ArchX86   Arch = "x86"
	ArchARM64 Arch = "arm64"
	ArchARM   Arch = "arm"
	ArchPPC64 Arch = "ppc64"
	ArchS390X Arch = "s390x"
)

// Kind describes how a fetched artifact is staged.
type Kind string

const (
	// KindArchive is a compressed tarball extracted into the staging dir.
	KindArchive Kind = "archive"
	// KindSingleFile is written verbatim to Entry.Dest.
	KindSingleFile Kind = "single_file"
)

// Request identifies one acquisition. Empty Platform and Arch mean the host.
type Request struct {
	Runtime  Runtime
	Version  string
	Platform Platform
	Arch     Arch
}

// Entry is a single artifact in a Plan.
type Entry struct {
	URL  string
	Kind Kind
	// Dest is relative to the cache entry root. Empty for archives.
	Dest string
	// Name is the artifact path relative to the version directory on the
	// distribution site, as listed in SHASUMS256.txt.
	Name string
}

// Plan is the ordered list of artifacts required to complete a Request.
// The archive is always first.
type Plan struct {
	Key      string
	Runtime  Runtime
	Version  string
	Platform Platform
	Arch     Arch
	// BaseURL is the version directory on the distribution site.
	BaseURL string
	Entries []Entry
}

// Archive returns the primary archive entry.
func (p Plan) Archive() Entry {
	return p.Entries[0]
}

// Secondary returns the entries fetched after the archive.
func (p Plan) Secondary() []Entry {
	return p.Entries[1:]
}

// Distribution describes where a runtime publishes its headers.
type Distribution struct {
	BaseURL string
	// ArchiveName is a fmt template taking the normalized version.
	ArchiveName string
}
