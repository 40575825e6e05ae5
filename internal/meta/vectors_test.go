package meta

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVectorConfigLifecycle(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	cfg, err := s.GetVectorConfig(ctx)
	require.NoError(t, err)
	assert.Nil(t, cfg)

	_, err = s.UpsertVectorConfig(ctx, "openai", "text-embedding-3-small", 1536)
	require.NoError(t, err)

	cfg, err = s.GetVectorConfig(ctx)
	require.NoError(t, err)
	require.NotNil(t, cfg)
	assert.Equal(t, "openai", cfg.ProviderID)
	assert.Equal(t, 1536, cfg.Dimension)

	// Upsert replaces the singleton row
	_, err = s.UpsertVectorConfig(ctx, "openai", "text-embedding-3-large", 3072)
	require.NoError(t, err)
	cfg, err = s.GetVectorConfig(ctx)
	require.NoError(t, err)
	assert.Equal(t, "text-embedding-3-large", cfg.Model)
	assert.Equal(t, 3072, cfg.Dimension)
}

func TestClearVectorState(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	docID, err := s.CreateNote(ctx, "n", "c", []string{"c"})
	require.NoError(t, err)
	_ = docID

	_, err = s.UpsertVectorConfig(ctx, "p", "m", 4)
	require.NoError(t, err)
	batch, err := s.NextChunkBatch(ctx, "", 0, 10)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	require.NoError(t, s.RecordChunkVectors(ctx, []string{batch[0].ChunkID}, "p::m::4"))

	require.NoError(t, s.ClearVectorState(ctx))

	cfg, err := s.GetVectorConfig(ctx)
	require.NoError(t, err)
	assert.Nil(t, cfg)
	n, err := s.CountChunkVectors(ctx, "p::m::4")
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestNextChunkBatchCursorAndFilter(t *testing.T) {
	// Given three chunks across two documents
	ctx := context.Background()
	s := openTestStore(t)
	_, err := s.CreateNote(ctx, "first", "a", []string{"chunk one", "chunk two"})
	require.NoError(t, err)
	_, err = s.CreateNote(ctx, "second", "b", []string{"chunk three"})
	require.NoError(t, err)

	// When batching without a config hash
	batch, err := s.NextChunkBatch(ctx, "", 0, 2)
	require.NoError(t, err)
	require.Len(t, batch, 2)
	assert.Equal(t, "chunk one", batch[0].Content)
	assert.Equal(t, "first", batch[0].DocumentTitle)

	// Then the cursor advances past committed rows
	cursor := batch[1].RowID
	batch, err = s.NextChunkBatch(ctx, "", cursor, 2)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, "chunk three", batch[0].Content)
	assert.Equal(t, "second", batch[0].DocumentTitle)

	// And embedded chunks drop out under the config-hash filter
	hash := "p::m::4"
	all, err := s.NextChunkBatch(ctx, hash, 0, 10)
	require.NoError(t, err)
	require.Len(t, all, 3)
	require.NoError(t, s.RecordChunkVectors(ctx, []string{all[0].ChunkID, all[1].ChunkID}, hash))

	missing, err := s.CountChunksMissingVectors(ctx, hash)
	require.NoError(t, err)
	assert.Equal(t, int64(1), missing)

	remaining, err := s.NextChunkBatch(ctx, hash, 0, 10)
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, all[2].ChunkID, remaining[0].ChunkID)

	done, err := s.CountChunkVectors(ctx, hash)
	require.NoError(t, err)
	assert.Equal(t, int64(2), done)

	// A different config hash sees everything as missing
	other, err := s.CountChunksMissingVectors(ctx, "other::m::4")
	require.NoError(t, err)
	assert.Equal(t, int64(3), other)
}

func TestRecordChunkVectorsEmptyIsNoop(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	assert.NoError(t, s.RecordChunkVectors(ctx, nil, "h"))
}
