// Package kb manages the on-disk layout of a knowledge base root: the
// manifest file, the content-addressed blob tree, the vector index
// directory, the staging directory for in-flight writes, and the metadata
// store file.
package kb

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// ManifestSchemaVersion is the current manifest schema version.
const ManifestSchemaVersion = 1

// DefaultName is the display name seeded into a fresh manifest.
const DefaultName = "Untitled knowledge base"

// Paths resolves the fixed locations inside one knowledge base root.
type Paths struct {
	Root string
}

// PathsFor returns the layout for a knowledge base under stateDir.
func PathsFor(stateDir, kbID string) Paths {
	return Paths{Root: filepath.Join(stateDir, "kb", kbID)}
}

// ManifestPath is the manifest JSON file.
func (p Paths) ManifestPath() string { return filepath.Join(p.Root, "manifest.json") }

// BlobsDir is the root of the content-addressed blob tree.
func (p Paths) BlobsDir() string { return filepath.Join(p.Root, "blobs") }

// IndexDir holds derived index structures.
func (p Paths) IndexDir() string { return filepath.Join(p.Root, "index") }

// VectorDir is the vector backend's on-disk structure.
func (p Paths) VectorDir() string { return filepath.Join(p.IndexDir(), "vector", "hnsw") }

// StagingDir holds in-flight blob writes.
func (p Paths) StagingDir() string { return filepath.Join(p.Root, "staging") }

// MetaDBPath is the metadata store file.
func (p Paths) MetaDBPath() string { return filepath.Join(p.Root, "meta.db") }

// LockPath is the single-owner lock file.
func (p Paths) LockPath() string { return filepath.Join(p.Root, ".owner.lock") }

// Manifest identifies a knowledge base.
type Manifest struct {
	ID            string  `json:"id"`
	Name          string  `json:"name"`
	Description   *string `json:"description"`
	CreatedAt     int64   `json:"createdAt"`
	UpdatedAt     int64   `json:"updatedAt"`
	SchemaVersion int     `json:"schemaVersion"`
}

// EnsureDirs creates the knowledge base directory scaffolding and seeds the
// manifest on first use. Leftover staging files from interrupted writes are
// swept away; they have no metadata rows and are unreachable.
func EnsureDirs(p Paths, kbID string) error {
	for _, dir := range []string{p.Root, p.BlobsDir(), p.IndexDir(), p.StagingDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create kb directory %s: %w", dir, err)
		}
	}

	sweepStaging(p.StagingDir())

	if _, err := os.Stat(p.ManifestPath()); os.IsNotExist(err) {
		now := time.Now().UnixMilli()
		m := &Manifest{
			ID:            kbID,
			Name:          DefaultName,
			CreatedAt:     now,
			UpdatedAt:     now,
			SchemaVersion: ManifestSchemaVersion,
		}
		if err := SaveManifest(p, m); err != nil {
			return err
		}
	}
	return nil
}

// LoadManifest reads the manifest file.
func LoadManifest(p Paths) (*Manifest, error) {
	data, err := os.ReadFile(p.ManifestPath())
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	return &m, nil
}

// SaveManifest writes the manifest atomically (temp file + rename).
func SaveManifest(p Paths, m *Manifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	tmp := p.ManifestPath() + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	if err := os.Rename(tmp, p.ManifestPath()); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replace manifest: %w", err)
	}
	return nil
}

// Delete removes the entire knowledge base root. Callers must first guard
// against active jobs.
func Delete(p Paths) error {
	if err := os.RemoveAll(p.Root); err != nil {
		return fmt.Errorf("remove kb root: %w", err)
	}
	return nil
}

// sweepStaging removes interrupted staging files.
func sweepStaging(dir string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		_ = os.Remove(filepath.Join(dir, e.Name()))
	}
}
