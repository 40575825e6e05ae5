package vectorize

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/localkb/localkb/internal/embed"
	"github.com/localkb/localkb/internal/job"
	"github.com/localkb/localkb/internal/kberr"
	"github.com/localkb/localkb/internal/meta"
	"github.com/localkb/localkb/internal/vector"
)

// fakeEmbedder returns deterministic vectors and records every batch it was
// asked to embed.
type fakeEmbedder struct {
	mu        sync.Mutex
	dim       int
	dimByCall map[int]int // call number (1-based) -> dimension override
	err       error
	batches   [][]string
}

func (f *fakeEmbedder) Embed(_ context.Context, inputs []string) (*embed.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches = append(f.batches, append([]string(nil), inputs...))
	if f.err != nil {
		return nil, f.err
	}
	dim := f.dim
	if d, ok := f.dimByCall[len(f.batches)]; ok {
		dim = d
	}
	vectors := make([][]float32, len(inputs))
	for i, input := range inputs {
		v := make([]float32, dim)
		v[0] = 1
		if dim > 1 {
			v[1] = float32(len(input)%7 + 1)
		}
		vectors[i] = v
	}
	return &embed.Result{Vectors: vectors, Dimension: dim}, nil
}

func (f *fakeEmbedder) embeddedInputs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, batch := range f.batches {
		out = append(out, batch...)
	}
	return out
}

type testEnv struct {
	b      *Builder
	store  *meta.Store
	vecs   *vector.Manager
	vecDir string
	emb    *fakeEmbedder
}

func newTestEnv(t *testing.T, emb *fakeEmbedder) *testEnv {
	t.Helper()
	dir := t.TempDir()
	store, err := meta.Open(filepath.Join(dir, "meta.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	vecDir := filepath.Join(dir, "vector")
	vecs := vector.NewManager(vecDir)
	b := New(Config{
		KBID:     "kb-test",
		Store:    store,
		Vectors:  vecs,
		Registry: job.NewRegistry(),
		Canceled: job.NewCancelSet(),
		NewEmbedder: func(embed.Credentials, string) (embed.Embedder, error) {
			return emb, nil
		},
		Retry:     &embed.RetryPolicy{MaxAttempts: 1},
		BatchSize: 2,
	})
	return &testEnv{b: b, store: store, vecs: vecs, vecDir: vecDir, emb: emb}
}

// seedChunks stores notes so the chunks table has rows to embed.
func (e *testEnv) seedChunks(t *testing.T, chunks ...string) {
	t.Helper()
	_, err := e.store.CreateNote(context.Background(), "seed", "seed body", chunks)
	require.NoError(t, err)
}

// startOnly creates the build job without starting the background drain, so
// tests can run Drain synchronously.
func (e *testEnv) startOnly(t *testing.T, providerID, model string) string {
	t.Helper()
	e.b.registry.Claim("kb-test", "placeholder")
	jobID, err := e.b.Start(context.Background(), providerID, model, embed.Credentials{APIKey: "sk-test"})
	require.NoError(t, err)
	e.b.registry.Release("kb-test", "placeholder")
	return jobID
}

func (e *testEnv) drain(t *testing.T, jobID string) *meta.Job {
	t.Helper()
	e.b.Drain(context.Background(), jobID)
	j, err := e.store.GetJob(context.Background(), jobID)
	require.NoError(t, err)
	require.NotNil(t, j)
	return j
}

func TestConfigHash(t *testing.T) {
	assert.Equal(t, "openai::text-embedding-3-small::1536",
		ConfigHash("openai", "text-embedding-3-small", 1536))
}

func TestBuildEmbedsAllChunks(t *testing.T) {
	// Given five chunks and a backend producing 3-dimensional vectors
	emb := &fakeEmbedder{dim: 3}
	env := newTestEnv(t, emb)
	env.seedChunks(t, "alpha", "bravo", "charlie", "delta", "echo")
	ctx := context.Background()

	// When the build job drains
	jobID := env.startOnly(t, "openai", "test-model")
	j := env.drain(t, jobID)

	// Then the job finished and every chunk was embedded exactly once
	assert.Equal(t, job.StatusDone, j.Status)
	assert.Equal(t, int64(5), j.ProgressTotal)
	assert.Equal(t, int64(5), j.ProgressCurrent)
	assert.ElementsMatch(t,
		[]string{"alpha", "bravo", "charlie", "delta", "echo"},
		emb.embeddedInputs())

	// The config was committed from the first batch's dimension
	cfg, err := env.store.GetVectorConfig(ctx)
	require.NoError(t, err)
	require.NotNil(t, cfg)
	assert.Equal(t, "openai", cfg.ProviderID)
	assert.Equal(t, "test-model", cfg.Model)
	assert.Equal(t, 3, cfg.Dimension)

	n, err := env.store.CountChunkVectors(ctx, ConfigHash("openai", "test-model", 3))
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)

	// The index survives on disk
	reopened, err := vector.NewManager(env.vecDir).Get()
	require.NoError(t, err)
	defer reopened.Close()
	assert.Equal(t, 5, reopened.Count())
	assert.Equal(t, 3, reopened.Dimension())
}

func TestBuildPersistsCursorAndResumes(t *testing.T) {
	// Given a build paused from the event sink after its first batch
	emb := &fakeEmbedder{dim: 3}
	env := newTestEnv(t, emb)
	env.seedChunks(t, "alpha", "bravo", "charlie", "delta", "echo")
	ctx := context.Background()

	paused := false
	env.b.notify = func(_ string, j *meta.Job) {
		if !paused && j.Status == job.StatusProcessing && j.ProgressCurrent == 2 {
			paused = true
			_, _ = env.store.PauseJob(ctx, j.ID)
		}
	}

	jobID := env.startOnly(t, "openai", "test-model")
	j := env.drain(t, jobID)

	// Then the job stopped paused with the cursor on the last committed chunk
	assert.Equal(t, job.StatusPaused, j.Status)
	assert.Equal(t, int64(2), j.ProgressCurrent)
	payload := job.ParseBuildVectorsPayload(j.PayloadJSON)
	assert.NotZero(t, payload.CursorRowID)

	// When the process "restarts" and resumes with fresh credentials
	env.b.notify = func(string, *meta.Job) {}
	env.b.forgetCredentials(jobID)
	env.b.registry.Claim("kb-test", "placeholder")
	require.NoError(t, env.b.Resume(ctx, jobID, "", "", embed.Credentials{APIKey: "sk-test"}))
	env.b.registry.Release("kb-test", "placeholder")
	j = env.drain(t, jobID)

	// Then it finished without re-embedding the committed chunks
	assert.Equal(t, job.StatusDone, j.Status)
	assert.Equal(t, int64(5), j.ProgressCurrent)
	inputs := emb.embeddedInputs()
	assert.Len(t, inputs, 5)
	assert.ElementsMatch(t, []string{"alpha", "bravo", "charlie", "delta", "echo"}, inputs)
}

func TestStartReattachesToActiveJob(t *testing.T) {
	// Given a pending build job
	env := newTestEnv(t, &fakeEmbedder{dim: 3})
	env.seedChunks(t, "alpha")
	first := env.startOnly(t, "openai", "test-model")

	// When another build is requested
	second := env.startOnly(t, "openai", "test-model")

	// Then no second job was created
	assert.Equal(t, first, second)
	jobs, err := env.store.ListJobs(context.Background())
	require.NoError(t, err)
	assert.Len(t, jobs, 1)
}

func TestStartRejectsConfigMismatch(t *testing.T) {
	// Given an index already built with one model
	env := newTestEnv(t, &fakeEmbedder{dim: 3})
	_, err := env.store.UpsertVectorConfig(context.Background(), "openai", "test-model", 3)
	require.NoError(t, err)

	// When a build with a different model is requested
	_, err = env.b.Start(context.Background(), "openai", "other-model", embed.Credentials{APIKey: "sk-test"})

	// Then it is refused as a conflict
	require.Error(t, err)
	assert.Equal(t, kberr.ErrCodeConfigMismatch, kberr.CodeOf(err))
}

func TestStartValidatesParams(t *testing.T) {
	env := newTestEnv(t, &fakeEmbedder{dim: 3})
	ctx := context.Background()

	_, err := env.b.Start(ctx, "", "test-model", embed.Credentials{APIKey: "sk-test"})
	assert.Equal(t, kberr.CategoryValidation, kberr.CategoryOf(err))

	_, err = env.b.Start(ctx, "openai", "", embed.Credentials{APIKey: "sk-test"})
	assert.Equal(t, kberr.CategoryValidation, kberr.CategoryOf(err))

	_, err = env.b.Start(ctx, "openai", "test-model", embed.Credentials{})
	assert.Equal(t, kberr.CategoryValidation, kberr.CategoryOf(err))
}

func TestDrainFailsWithoutCredentials(t *testing.T) {
	// Given a recovered job whose credentials died with the previous process
	env := newTestEnv(t, &fakeEmbedder{dim: 3})
	ctx := context.Background()
	payloadJSON, err := job.EncodeBuildVectorsPayload(job.BuildVectorsPayload{
		ProviderID: "openai", Model: "test-model",
	})
	require.NoError(t, err)
	jobID, err := env.store.CreateVectorJob(ctx, payloadJSON, 0)
	require.NoError(t, err)

	// When it drains
	j := env.drain(t, jobID)

	// Then it fails with an actionable message
	assert.Equal(t, job.StatusFailed, j.Status)
	require.NotNil(t, j.ErrorMessage)
	assert.Contains(t, *j.ErrorMessage, "credentials")
}

func TestDrainFailsOnDimensionDrift(t *testing.T) {
	// Given a backend that changes dimension between batches
	emb := &fakeEmbedder{dim: 3, dimByCall: map[int]int{2: 4}}
	env := newTestEnv(t, emb)
	env.seedChunks(t, "alpha", "bravo", "charlie")

	jobID := env.startOnly(t, "openai", "test-model")
	j := env.drain(t, jobID)

	assert.Equal(t, job.StatusFailed, j.Status)
	require.NotNil(t, j.ErrorMessage)
	assert.Contains(t, *j.ErrorMessage, kberr.ErrCodeDimensionMismatch)
}

func TestDrainFailsOnBackendError(t *testing.T) {
	emb := &fakeEmbedder{dim: 3, err: errors.New("boom")}
	env := newTestEnv(t, emb)
	env.seedChunks(t, "alpha")

	jobID := env.startOnly(t, "openai", "test-model")
	j := env.drain(t, jobID)

	assert.Equal(t, job.StatusFailed, j.Status)
	require.NotNil(t, j.ErrorMessage)
	assert.Contains(t, *j.ErrorMessage, "boom")
}

func TestCancelStopsBuild(t *testing.T) {
	env := newTestEnv(t, &fakeEmbedder{dim: 3})
	env.seedChunks(t, "alpha", "bravo")
	ctx := context.Background()

	jobID := env.startOnly(t, "openai", "test-model")
	require.NoError(t, env.b.Cancel(ctx, jobID))
	j := env.drain(t, jobID)

	assert.Equal(t, job.StatusCanceled, j.Status)
	assert.Empty(t, env.emb.batches)
	_, ok := env.b.credentials(jobID)
	assert.False(t, ok)
}

func TestRebuildRequiresConfirmation(t *testing.T) {
	env := newTestEnv(t, &fakeEmbedder{dim: 3})
	err := env.b.Rebuild(context.Background(), false)
	require.Error(t, err)
	assert.Equal(t, kberr.ErrCodeNotConfirmed, kberr.CodeOf(err))
}

func TestRebuildClearsIndexAndConfig(t *testing.T) {
	// Given a completed build
	env := newTestEnv(t, &fakeEmbedder{dim: 3})
	env.seedChunks(t, "alpha", "bravo", "charlie")
	ctx := context.Background()
	jobID := env.startOnly(t, "openai", "test-model")
	j := env.drain(t, jobID)
	require.Equal(t, job.StatusDone, j.Status)
	hash := ConfigHash("openai", "test-model", 3)

	// When the index is rebuilt with confirmation
	require.NoError(t, env.b.Rebuild(ctx, true))

	// Then config, vector records, and the index itself are gone
	cfg, err := env.store.GetVectorConfig(ctx)
	require.NoError(t, err)
	assert.Nil(t, cfg)
	n, err := env.store.CountChunkVectors(ctx, hash)
	require.NoError(t, err)
	assert.Zero(t, n)
	fresh, err := env.vecs.Get()
	require.NoError(t, err)
	assert.Zero(t, fresh.Count())

	// And a build with a different model is now allowed
	_, err = env.b.Start(ctx, "openai", "test-model-v2", embed.Credentials{APIKey: "sk-test"})
	require.NoError(t, err)
}

func TestResumeUnknownJob(t *testing.T) {
	env := newTestEnv(t, &fakeEmbedder{dim: 3})
	err := env.b.Resume(context.Background(), "nope", "", "", embed.Credentials{APIKey: "sk-test"})
	require.Error(t, err)
	assert.Equal(t, kberr.ErrCodeJobNotFound, kberr.CodeOf(err))
}

func TestResumeRejectsDifferentModel(t *testing.T) {
	// Given a pending build for one model
	env := newTestEnv(t, &fakeEmbedder{dim: 3})
	env.seedChunks(t, "alpha")
	jobID := env.startOnly(t, "openai", "test-model")

	// When resuming it under a different model
	err := env.b.Resume(context.Background(), jobID, "openai", "test-model-v2", embed.Credentials{APIKey: "sk-test"})

	// Then the persisted payload wins
	require.Error(t, err)
	assert.Equal(t, kberr.ErrCodeConfigMismatch, kberr.CodeOf(err))
}
