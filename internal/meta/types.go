package meta

import "github.com/localkb/localkb/internal/job"

// DocumentKind distinguishes imported files from inline notes.
type DocumentKind string

const (
	KindFile DocumentKind = "file"
	KindNote DocumentKind = "note"
)

// Document is one row of the documents table. Nullable columns map to
// pointers. Timestamps are unix milliseconds.
type Document struct {
	ID            string       `json:"id"`
	Kind          DocumentKind `json:"kind"`
	Title         string       `json:"title"`
	SourcePath    *string      `json:"sourcePath"`
	BlobRelPath   *string      `json:"blobRelPath"`
	MimeType      *string      `json:"mimeType"`
	SizeBytes     int64        `json:"sizeBytes"`
	ContentHash   *string      `json:"contentHash"`
	BlobHash      *string      `json:"blobHash"`
	SourceMtimeMS *int64       `json:"sourceMtimeMs"`
	CreatedAt     int64        `json:"createdAt"`
	UpdatedAt     int64        `json:"updatedAt"`
}

// Job is one row of the jobs table.
type Job struct {
	ID              string     `json:"id"`
	Type            job.Type   `json:"type"`
	Status          job.Status `json:"status"`
	PayloadJSON     string     `json:"-"`
	ProgressCurrent int64      `json:"progressCurrent"`
	ProgressTotal   int64      `json:"progressTotal"`
	ErrorMessage    *string    `json:"errorMessage"`
	CreatedAt       int64      `json:"createdAt"`
	StartedAt       *int64     `json:"startedAt"`
	FinishedAt      *int64     `json:"finishedAt"`
	UpdatedAt       int64      `json:"updatedAt"`
	HeartbeatAt     *int64     `json:"heartbeatAt"`
}

// JobItem is one row of the job_items table.
type JobItem struct {
	ID           string         `json:"id"`
	JobID        string         `json:"jobId"`
	SourcePath   string         `json:"sourcePath"`
	Status       job.ItemStatus `json:"status"`
	ErrorMessage *string        `json:"errorMessage"`
	CreatedAt    int64          `json:"createdAt"`
	UpdatedAt    int64          `json:"updatedAt"`
	StartedAt    *int64         `json:"startedAt"`
	FinishedAt   *int64         `json:"finishedAt"`
}

// Fingerprint caches (size, mtime) -> content hash per source path so
// unchanged files skip rehashing on re-import.
type Fingerprint struct {
	SourcePath  string
	SizeBytes   int64
	MtimeMS     int64
	ContentHash string
	UpdatedAt   int64
}

// VectorConfig pins the embedding configuration the vector index was built
// with. A knowledge base has at most one.
type VectorConfig struct {
	ProviderID string `json:"providerId"`
	Model      string `json:"model"`
	Dimension  int    `json:"dimension"`
	UpdatedAt  int64  `json:"updatedAt"`
}

// SearchHit is one full-text result. Score is raw bm25, lower is better.
type SearchHit struct {
	ChunkID       string       `json:"chunkId"`
	DocumentID    string       `json:"documentId"`
	DocumentTitle string       `json:"documentTitle"`
	DocumentKind  DocumentKind `json:"documentKind"`
	Snippet       string       `json:"snippet"`
	Score         float64      `json:"score"`
}

// ChunkBatchRow is one chunk selected for embedding, carrying the document
// context stored alongside its vector.
type ChunkBatchRow struct {
	RowID         int64
	ChunkID       string
	DocumentID    string
	Content       string
	DocumentTitle string
}

// Stats summarizes a knowledge base.
type Stats struct {
	Documents int64 `json:"documents"`
	Chunks    int64 `json:"chunks"`
	Jobs      int64 `json:"jobs"`
}
