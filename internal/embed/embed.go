// Package embed talks to OpenAI-compatible embedding backends. Credentials
// are held in memory only; nothing in this package persists them.
package embed

import (
	"context"
	"time"
)

// Default client tuning. Batch size matches what the index builder sends per
// request.
const (
	DefaultBatchSize = 32
	DefaultTimeout   = 60 * time.Second
)

// Credentials identify and authorize an embedding backend for one request or
// one job. They live in process memory for the duration of the work.
type Credentials struct {
	BaseURL string
	APIKey  string
}

// Result is one embedding response: a vector per input, all of the same
// dimension.
type Result struct {
	Vectors   [][]float32
	Dimension int
}

// Embedder computes embeddings for batches of text.
type Embedder interface {
	// Embed returns one vector per input, in input order.
	Embed(ctx context.Context, inputs []string) (*Result, error)
}
