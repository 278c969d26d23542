package cache

// Status is the lifecycle state of a cache entry.
type Status string

const (
	// StatusAbsent means nothing is committed and nobody is staging.
	StatusAbsent Status = "absent"
	// StatusStaging means another holder of the key's lock is populating it.
	StatusStaging Status = "staging"
	// StatusComplete means the final directory is fully populated.
	StatusComplete Status = "complete"
)

// Entry describes one cache key on disk.
type Entry struct {
	Key    string
	Path   string
	Status Status
	// Manifest is nil for absent entries and for directories that predate
	// the manifest (accepted only outside strict mode).
	Manifest *Manifest
}
