package query

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/localkb/localkb/internal/embed"
	"github.com/localkb/localkb/internal/kberr"
	"github.com/localkb/localkb/internal/meta"
	"github.com/localkb/localkb/internal/vector"
	"github.com/localkb/localkb/internal/vectorize"
)

// canned embedder returns a fixed vector regardless of input.
type cannedEmbedder struct {
	vector []float32
	err    error
}

func (c *cannedEmbedder) Embed(_ context.Context, inputs []string) (*embed.Result, error) {
	if c.err != nil {
		return nil, c.err
	}
	vectors := make([][]float32, len(inputs))
	for i := range inputs {
		vectors[i] = append([]float32(nil), c.vector...)
	}
	return &embed.Result{Vectors: vectors, Dimension: len(c.vector)}, nil
}

type testEnv struct {
	q     *Engine
	store *meta.Store
	vecs  *vector.Manager
	emb   *cannedEmbedder
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	store, err := meta.Open(filepath.Join(dir, "meta.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	vecs := vector.NewManager(filepath.Join(dir, "vector"))
	emb := &cannedEmbedder{}
	q := New(Config{
		Store:   store,
		Vectors: vecs,
		NewEmbedder: func(embed.Credentials, string) (embed.Embedder, error) {
			return emb, nil
		},
		Retry: &embed.RetryPolicy{MaxAttempts: 1},
	})
	return &testEnv{q: q, store: store, vecs: vecs, emb: emb}
}

// seedVectors stores a built index with three chunks along distinct axes.
func (e *testEnv) seedVectors(t *testing.T) map[string]string {
	t.Helper()
	ctx := context.Background()
	_, err := e.store.UpsertVectorConfig(ctx, "openai", "test-model", 3)
	require.NoError(t, err)

	vec, err := e.vecs.Get()
	require.NoError(t, err)
	chunkIDs := []string{"chunk-a", "chunk-b", "chunk-c"}
	vectors := [][]float32{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}}
	payloads := []vector.Payload{
		{DocumentID: "doc-1", DocumentTitle: "first", Content: "alpha text"},
		{DocumentID: "doc-2", DocumentTitle: "second", Content: "bravo text"},
		{DocumentID: "doc-3", DocumentTitle: "third", Content: "charlie text"},
	}
	require.NoError(t, vec.Upsert(ctx, chunkIDs, vectors, payloads))
	require.NoError(t, e.store.RecordChunkVectors(ctx, chunkIDs, vectorize.ConfigHash("openai", "test-model", 3)))
	return map[string]string{"a": "chunk-a", "b": "chunk-b", "c": "chunk-c"}
}

func TestKeywordSearch(t *testing.T) {
	// Given an indexed note
	env := newTestEnv(t)
	ctx := context.Background()
	_, err := env.store.CreateNote(ctx, "flux notes", "about capacitors",
		[]string{"the flux capacitor needs 1.21 gigawatts"})
	require.NoError(t, err)

	// When searching for a word it contains
	hits, err := env.q.Search(ctx, "capacitor", 10)
	require.NoError(t, err)

	// Then the chunk is found with a highlighted snippet
	require.Len(t, hits, 1)
	assert.Equal(t, "flux notes", hits[0].DocumentTitle)
	assert.Contains(t, hits[0].Snippet, "[capacitor]")
}

func TestKeywordSearchDefaultsLimit(t *testing.T) {
	// Given an indexed note
	env := newTestEnv(t)
	ctx := context.Background()
	_, err := env.store.CreateNote(ctx, "greek letters", "a note",
		[]string{"alpha beta gamma"})
	require.NoError(t, err)

	// When searching without a limit
	hits, err := env.q.Search(ctx, "alpha", 0)
	require.NoError(t, err)

	// Then the omitted limit falls back to the default instead of zero
	require.Len(t, hits, 1)
	assert.Equal(t, "greek letters", hits[0].DocumentTitle)
}

func TestKeywordSearchEmptyQuery(t *testing.T) {
	env := newTestEnv(t)
	hits, err := env.q.Search(context.Background(), "", 10)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestSemanticSearchReturnsClosestChunks(t *testing.T) {
	// Given a built index and a query embedding near one axis
	env := newTestEnv(t)
	env.seedVectors(t)
	env.emb.vector = []float32{0.9, 0.1, 0}

	hits, err := env.q.Semantic(context.Background(), "openai", "test-model", "alpha",
		embed.Credentials{APIKey: "sk-test"}, 2)
	require.NoError(t, err)

	// Then the closest chunk comes first with its payload and distance
	require.Len(t, hits, 2)
	assert.Equal(t, "chunk-a", hits[0].ChunkID)
	assert.Equal(t, "doc-1", hits[0].DocumentID)
	assert.Equal(t, "alpha text", hits[0].Content)
	require.NotNil(t, hits[0].Distance)
	require.NotNil(t, hits[1].Distance)
	assert.Less(t, *hits[0].Distance, *hits[1].Distance)
}

func TestSemanticSearchRequiresBuiltIndex(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.q.Semantic(context.Background(), "openai", "test-model", "alpha",
		embed.Credentials{APIKey: "sk-test"}, 5)
	require.Error(t, err)
	assert.Equal(t, kberr.ErrCodeNotBuilt, kberr.CodeOf(err))
}

func TestSemanticSearchRejectsConfigMismatch(t *testing.T) {
	env := newTestEnv(t)
	env.seedVectors(t)

	_, err := env.q.Semantic(context.Background(), "openai", "other-model", "alpha",
		embed.Credentials{APIKey: "sk-test"}, 5)
	require.Error(t, err)
	assert.Equal(t, kberr.ErrCodeConfigMismatch, kberr.CodeOf(err))
}

func TestSemanticSearchValidatesParams(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.q.Semantic(ctx, "openai", "test-model", "", embed.Credentials{APIKey: "sk-test"}, 5)
	assert.Equal(t, kberr.CategoryValidation, kberr.CategoryOf(err))

	_, err = env.q.Semantic(ctx, "openai", "test-model", "alpha", embed.Credentials{}, 5)
	assert.Equal(t, kberr.CategoryValidation, kberr.CategoryOf(err))
}

func TestSemanticSearchRejectsDimensionDrift(t *testing.T) {
	// Given an index built at dimension 3 and a backend now returning 4
	env := newTestEnv(t)
	env.seedVectors(t)
	env.emb.vector = []float32{1, 0, 0, 0}

	_, err := env.q.Semantic(context.Background(), "openai", "test-model", "alpha",
		embed.Credentials{APIKey: "sk-test"}, 5)
	require.Error(t, err)
	assert.Equal(t, kberr.ErrCodeDimensionMismatch, kberr.CodeOf(err))
}

func TestSemanticSearchClampsTopK(t *testing.T) {
	env := newTestEnv(t)
	env.seedVectors(t)
	env.emb.vector = []float32{1, 0, 0}

	// Oversized and zero topK both resolve to a sane bound
	hits, err := env.q.Semantic(context.Background(), "", "", "alpha",
		embed.Credentials{APIKey: "sk-test"}, 5000)
	require.NoError(t, err)
	assert.Len(t, hits, 3)

	hits, err = env.q.Semantic(context.Background(), "", "", "alpha",
		embed.Credentials{APIKey: "sk-test"}, 0)
	require.NoError(t, err)
	assert.Len(t, hits, 3)
}
