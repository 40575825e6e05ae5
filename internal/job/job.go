// Package job defines the job model shared by the import engine and the
// vector index builder: job types, statuses, payload encodings, and the
// in-memory coordination state (one running job per knowledge base, plus a
// fast-path cancel set).
package job

import (
	"encoding/json"
	"fmt"
	"sync"
)

// Type identifies what a job does.
type Type string

const (
	TypeImportFiles  Type = "import_files"
	TypeBuildVectors Type = "build_vectors"
)

// Status is the lifecycle state of a job.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusPaused     Status = "paused"
	StatusDone       Status = "done"
	StatusFailed     Status = "failed"
	StatusCanceled   Status = "canceled"
)

// Terminal reports whether a job in this status will never run again.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusFailed || s == StatusCanceled
}

// ItemStatus is the lifecycle state of a single work item inside a job.
type ItemStatus string

const (
	ItemPending    ItemStatus = "pending"
	ItemProcessing ItemStatus = "processing"
	ItemDone       ItemStatus = "done"
	ItemFailed     ItemStatus = "failed"
	ItemSkipped    ItemStatus = "skipped"
)

// Terminal reports whether the item needs no further work.
func (s ItemStatus) Terminal() bool {
	return s == ItemDone || s == ItemFailed || s == ItemSkipped
}

// SourceType discriminates import source variants.
type SourceType string

const (
	SourceFiles     SourceType = "files"
	SourceDirectory SourceType = "directory"
)

// Source names files or directories to import.
type Source struct {
	Type      SourceType `json:"type"`
	Paths     []string   `json:"paths"`
	Recursive *bool      `json:"recursive,omitempty"`
}

// ImportFilesPayload is the persisted payload of an import_files job.
type ImportFilesPayload struct {
	Sources []Source `json:"sources"`
}

// EncodeImportFilesPayload serializes the payload for storage on the job row.
func EncodeImportFilesPayload(p ImportFilesPayload) (string, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("encode import payload: %w", err)
	}
	return string(raw), nil
}

// BuildVectorsPayload is the persisted payload of a build_vectors job. The
// cursor records the last chunk rowid whose vectors were committed, so a
// resumed job continues where it stopped instead of re-embedding.
type BuildVectorsPayload struct {
	ProviderID  string `json:"providerId"`
	Model       string `json:"model"`
	CursorRowID int64  `json:"cursorRowid"`
}

// EncodeBuildVectorsPayload serializes the payload for storage on the job row.
func EncodeBuildVectorsPayload(p BuildVectorsPayload) (string, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("encode vector payload: %w", err)
	}
	return string(raw), nil
}

// ParseBuildVectorsPayload decodes a stored payload. Malformed payloads decode
// to the zero value rather than failing; callers validate the fields.
func ParseBuildVectorsPayload(raw string) BuildVectorsPayload {
	var p BuildVectorsPayload
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return BuildVectorsPayload{}
	}
	return p
}

// Registry tracks which job currently runs for each knowledge base. At most
// one import job and one vector job may run per kb at a time.
type Registry struct {
	mu      sync.Mutex
	running map[string]string // kbID -> jobID
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{running: make(map[string]string)}
}

// Claim marks jobID as the running job for kbID. It returns false if another
// job already holds the slot. Claiming the same job again succeeds.
func (r *Registry) Claim(kbID, jobID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if current, ok := r.running[kbID]; ok && current != jobID {
		return false
	}
	r.running[kbID] = jobID
	return true
}

// Release frees the slot if jobID still holds it.
func (r *Registry) Release(kbID, jobID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running[kbID] == jobID {
		delete(r.running, kbID)
	}
}

// Running returns the job currently holding the slot for kbID.
func (r *Registry) Running(kbID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.running[kbID]
	return id, ok
}

// CancelSet records jobs canceled in-process so running loops stop at the
// next item boundary without waiting for a database poll.
type CancelSet struct {
	mu  sync.Mutex
	ids map[string]struct{}
}

// NewCancelSet creates an empty cancel set.
func NewCancelSet() *CancelSet {
	return &CancelSet{ids: make(map[string]struct{})}
}

// Add marks jobID canceled.
func (c *CancelSet) Add(jobID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ids[jobID] = struct{}{}
}

// Has reports whether jobID was canceled in this process.
func (c *CancelSet) Has(jobID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.ids[jobID]
	return ok
}
