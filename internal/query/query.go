// Package query answers keyword and semantic searches against one knowledge
// base. Keyword search runs on the full-text index; semantic search embeds
// the query with caller-supplied credentials and walks the vector index.
package query

import (
	"context"
	"fmt"

	"github.com/localkb/localkb/internal/embed"
	"github.com/localkb/localkb/internal/kberr"
	"github.com/localkb/localkb/internal/meta"
	"github.com/localkb/localkb/internal/vector"
	"github.com/localkb/localkb/internal/vectorize"
)

// Result bounds. Out-of-range limits are clamped rather than rejected.
const (
	DefaultLimit = 20
	DefaultTopK  = 10
	MaxTopK      = 50
)

// SemanticHit is one semantic search result.
type SemanticHit struct {
	ChunkID       string   `json:"chunkId"`
	DocumentID    string   `json:"documentId"`
	DocumentTitle string   `json:"documentTitle"`
	Content       string   `json:"content"`
	Distance      *float64 `json:"distance"`
}

// Engine answers searches for one knowledge base.
type Engine struct {
	store       *meta.Store
	vectors     *vector.Manager
	newEmbedder vectorize.EmbedderFactory
	retry       embed.RetryPolicy
}

// Config wires an Engine.
type Config struct {
	Store       *meta.Store
	Vectors     *vector.Manager
	NewEmbedder vectorize.EmbedderFactory
	Retry       *embed.RetryPolicy
}

// New creates an Engine.
func New(cfg Config) *Engine {
	if cfg.NewEmbedder == nil {
		cfg.NewEmbedder = func(creds embed.Credentials, model string) (embed.Embedder, error) {
			return embed.NewOpenAIClient(creds, model, embed.DefaultTimeout)
		}
	}
	retry := embed.DefaultRetryPolicy()
	if cfg.Retry != nil {
		retry = *cfg.Retry
	}
	return &Engine{
		store:       cfg.Store,
		vectors:     cfg.Vectors,
		newEmbedder: cfg.NewEmbedder,
		retry:       retry,
	}
}

// Search runs a keyword query against the full-text index. An empty query
// returns no hits; malformed match syntax also returns no hits rather than
// erroring, since queries come straight from users.
func (e *Engine) Search(ctx context.Context, query string, limit int) ([]meta.SearchHit, error) {
	if query == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = DefaultLimit
	}
	return e.store.SearchChunks(ctx, query, limit)
}

// Semantic embeds the query and returns the closest chunks. The supplied
// provider and model must match the configuration the index was built with,
// and the index must exist; queries never build it implicitly.
func (e *Engine) Semantic(ctx context.Context, providerID, model, query string, creds embed.Credentials, topK int) ([]SemanticHit, error) {
	if query == "" {
		return nil, kberr.Validation("query must not be empty")
	}
	if creds.APIKey == "" {
		return nil, kberr.Validation("apiKey must not be empty")
	}
	if topK <= 0 {
		topK = DefaultTopK
	}
	if topK > MaxTopK {
		topK = MaxTopK
	}

	cfg, err := e.store.GetVectorConfig(ctx)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		return nil, kberr.NotFound(kberr.ErrCodeNotBuilt, "vector index has not been built")
	}
	if providerID != "" && providerID != cfg.ProviderID {
		return nil, kberr.Conflict(kberr.ErrCodeConfigMismatch, fmt.Sprintf(
			"index was built with provider %s, not %s", cfg.ProviderID, providerID))
	}
	if model != "" && model != cfg.Model {
		return nil, kberr.Conflict(kberr.ErrCodeConfigMismatch, fmt.Sprintf(
			"index was built with model %s, not %s", cfg.Model, model))
	}

	embedder, err := e.newEmbedder(creds, cfg.Model)
	if err != nil {
		return nil, err
	}
	var result *embed.Result
	err = e.retry.Do(ctx, func() error {
		var embedErr error
		result, embedErr = embedder.Embed(ctx, []string{query})
		return embedErr
	})
	if err != nil {
		if embed.IsTransient(err) {
			return nil, kberr.Transient("embedding backend unavailable", err)
		}
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if len(result.Vectors) != 1 {
		return nil, kberr.Internal("backend returned no query vector", nil)
	}
	if result.Dimension != cfg.Dimension {
		return nil, kberr.Integrity(kberr.ErrCodeDimensionMismatch, fmt.Sprintf(
			"backend returned dimension %d but the index holds %d", result.Dimension, cfg.Dimension))
	}

	vec, err := e.vectors.Get()
	if err != nil {
		return nil, err
	}
	hits, err := vec.Search(ctx, result.Vectors[0], topK)
	if err != nil {
		return nil, err
	}

	out := make([]SemanticHit, len(hits))
	for i, h := range hits {
		distance := float64(h.Distance)
		out[i] = SemanticHit{
			ChunkID:       h.ChunkID,
			DocumentID:    h.Payload.DocumentID,
			DocumentTitle: h.Payload.DocumentTitle,
			Content:       h.Payload.Content,
			Distance:      &distance,
		}
	}
	return out, nil
}
