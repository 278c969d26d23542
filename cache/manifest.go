package cache

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// ManifestName is the completion marker written into every committed entry.
// An entry directory is complete exactly when it contains this file.
const ManifestName = ".headerfetch.yaml"

// Manifest records what was staged into an entry and where it came from.
type Manifest struct {
	Key         string     `yaml:"key"`
	Runtime     string     `yaml:"runtime"`
	Version     string     `yaml:"version"`
	Platform    string     `yaml:"platform"`
	CompletedAt time.Time  `yaml:"completed_at"`
	Artifacts   []Artifact `yaml:"artifacts"`
}

// Artifact is one fetched file or archive.
type Artifact struct {
	URL  string `yaml:"url"`
	Kind string `yaml:"kind"`
	// Path is relative to the entry root; empty for archives extracted at the root.
	Path   string `yaml:"path,omitempty"`
	Bytes  int64  `yaml:"bytes"`
	Files  int    `yaml:"files"`
	BLAKE3 string `yaml:"blake3"`
	SHA256 string `yaml:"sha256"`
}

// WriteManifest writes m into dir and flushes it to stable storage.
func WriteManifest(dir string, m *Manifest) error {
	data, err := yaml.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to encode manifest: %w", err)
	}

	path := filepath.Join(dir, ManifestName)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return &ErrIO{Op: "create", Path: path, Err: err}
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return &ErrIO{Op: "write", Path: path, Err: err}
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return &ErrIO{Op: "sync", Path: path, Err: err}
	}
	if err := f.Close(); err != nil {
		return &ErrIO{Op: "close", Path: path, Err: err}
	}
	return nil
}

// ReadManifest loads the manifest from an entry directory. It returns an
// error wrapping os.ErrNotExist when the entry has none.
func ReadManifest(dir string) (*Manifest, error) {
	path := filepath.Join(dir, ManifestName)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		return nil, &ErrIO{Op: "read", Path: path, Err: err}
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to decode manifest %s: %w", path, err)
	}
	return &m, nil
}
