// Package vectorize builds the vector index as a resumable job: chunks are
// embedded in batches against an external backend, committed to the index and
// the metadata store per batch, and a rowid cursor on the job payload lets an
// interrupted build continue without re-embedding. Backend credentials live in
// process memory only, keyed by job id; they are never written to disk.
package vectorize

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/localkb/localkb/internal/embed"
	"github.com/localkb/localkb/internal/job"
	"github.com/localkb/localkb/internal/kberr"
	"github.com/localkb/localkb/internal/meta"
	"github.com/localkb/localkb/internal/vector"
)

// Events receives a job snapshot after every job state change.
type Events func(kbID string, j *meta.Job)

// EmbedderFactory builds an embedding client for one job's credentials.
type EmbedderFactory func(creds embed.Credentials, model string) (embed.Embedder, error)

// ConfigHash identifies one embedding configuration. Vectors recorded under a
// different hash are invisible to queries against the current config.
func ConfigHash(providerID, model string, dimension int) string {
	return fmt.Sprintf("%s::%s::%d", providerID, model, dimension)
}

// credentialSet is the in-memory credential record for one running job.
type credentialSet struct {
	creds embed.Credentials
	model string
}

// Builder runs vector index builds for one knowledge base.
type Builder struct {
	kbID     string
	store    *meta.Store
	vectors  *vector.Manager
	registry *job.Registry
	canceled *job.CancelSet

	mu    sync.Mutex
	creds map[string]credentialSet // jobID -> credentials, memory only

	newEmbedder EmbedderFactory
	retry       embed.RetryPolicy
	batchSize   int

	logger *slog.Logger
	notify Events
}

// Config wires a Builder.
type Config struct {
	KBID        string
	Store       *meta.Store
	Vectors     *vector.Manager
	Registry    *job.Registry
	Canceled    *job.CancelSet
	NewEmbedder EmbedderFactory
	Retry       *embed.RetryPolicy
	BatchSize   int
	Logger      *slog.Logger
	Notify      Events
}

// New creates a Builder.
func New(cfg Config) *Builder {
	if cfg.NewEmbedder == nil {
		cfg.NewEmbedder = func(creds embed.Credentials, model string) (embed.Embedder, error) {
			return embed.NewOpenAIClient(creds, model, embed.DefaultTimeout)
		}
	}
	retry := embed.DefaultRetryPolicy()
	if cfg.Retry != nil {
		retry = *cfg.Retry
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = embed.DefaultBatchSize
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Notify == nil {
		cfg.Notify = func(string, *meta.Job) {}
	}
	return &Builder{
		kbID:        cfg.KBID,
		store:       cfg.Store,
		vectors:     cfg.Vectors,
		registry:    cfg.Registry,
		canceled:    cfg.Canceled,
		creds:       make(map[string]credentialSet),
		newEmbedder: cfg.NewEmbedder,
		retry:       retry,
		batchSize:   cfg.BatchSize,
		logger:      cfg.Logger,
		notify:      cfg.Notify,
	}
}

func (b *Builder) setCredentials(jobID string, creds embed.Credentials, model string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.creds[jobID] = credentialSet{creds: creds, model: model}
}

func (b *Builder) credentials(jobID string) (credentialSet, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	cs, ok := b.creds[jobID]
	return cs, ok
}

func (b *Builder) forgetCredentials(jobID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.creds, jobID)
}

// emit sends the current job snapshot to the event sink.
func (b *Builder) emit(ctx context.Context, jobID string) {
	j, err := b.store.GetJob(ctx, jobID)
	if err != nil || j == nil {
		return
	}
	b.notify(b.kbID, j)
}

// Start begins a vector index build. If an unfinished build job already
// exists, Start reattaches to it: the supplied credentials replace whatever
// the job held in memory and the existing job id is returned.
func (b *Builder) Start(ctx context.Context, providerID, model string, creds embed.Credentials) (string, error) {
	if providerID == "" {
		return "", kberr.Validation("providerId must not be empty")
	}
	if model == "" {
		return "", kberr.Validation("model must not be empty")
	}
	if creds.APIKey == "" {
		return "", kberr.Validation("apiKey must not be empty")
	}

	cfg, err := b.store.GetVectorConfig(ctx)
	if err != nil {
		return "", err
	}
	if cfg != nil && (cfg.ProviderID != providerID || cfg.Model != model) {
		return "", kberr.Conflict(kberr.ErrCodeConfigMismatch, fmt.Sprintf(
			"index was built with %s/%s; rebuild it before switching to %s/%s",
			cfg.ProviderID, cfg.Model, providerID, model))
	}

	active, err := b.store.ActiveVectorJob(ctx)
	if err != nil {
		return "", err
	}
	if active != nil {
		b.setCredentials(active.ID, creds, model)
		b.logger.Info("vector_job_reattached",
			slog.String("kb_id", b.kbID),
			slog.String("job_id", active.ID))
		return active.ID, nil
	}

	var total int64
	if cfg != nil {
		total, err = b.store.CountChunksMissingVectors(ctx, ConfigHash(cfg.ProviderID, cfg.Model, cfg.Dimension))
	} else {
		total, err = b.store.CountChunks(ctx)
	}
	if err != nil {
		return "", err
	}

	payloadJSON, err := job.EncodeBuildVectorsPayload(job.BuildVectorsPayload{
		ProviderID: providerID,
		Model:      model,
	})
	if err != nil {
		return "", err
	}
	jobID, err := b.store.CreateVectorJob(ctx, payloadJSON, total)
	if err != nil {
		return "", err
	}
	b.setCredentials(jobID, creds, model)
	b.logger.Info("vector_job_enqueued",
		slog.String("kb_id", b.kbID),
		slog.String("job_id", jobID),
		slog.Int64("chunks", total))

	if _, busy := b.registry.Running(b.kbID); !busy {
		go b.Drain(context.WithoutCancel(ctx), jobID)
	}
	b.emit(ctx, jobID)
	return jobID, nil
}

// Resume restarts a paused or recovered build job. Credentials die with the
// process, so a resume must supply them again. The job payload holds the
// authoritative provider and model; nonempty arguments must match it.
func (b *Builder) Resume(ctx context.Context, jobID, providerID, model string, creds embed.Credentials) error {
	if creds.APIKey == "" {
		return kberr.Validation("apiKey must not be empty")
	}
	j, err := b.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if j == nil {
		return kberr.NotFound(kberr.ErrCodeJobNotFound, fmt.Sprintf("job %s not found", jobID))
	}
	if j.Type != job.TypeBuildVectors {
		return kberr.New(kberr.ErrCodeInvalidParam, fmt.Sprintf("job %s is not a vector build job", jobID), nil)
	}
	if j.Status.Terminal() {
		return kberr.Conflict(kberr.ErrCodeJobActive, fmt.Sprintf("job %s already finished with status %s", jobID, j.Status))
	}

	payload := job.ParseBuildVectorsPayload(j.PayloadJSON)
	if payload.ProviderID == "" || payload.Model == "" {
		return kberr.Internal(fmt.Sprintf("job %s has a corrupt payload", jobID), nil)
	}
	if (providerID != "" && providerID != payload.ProviderID) || (model != "" && model != payload.Model) {
		return kberr.Conflict(kberr.ErrCodeConfigMismatch,
			fmt.Sprintf("job %s was started with %s/%s, not %s/%s",
				jobID, payload.ProviderID, payload.Model, providerID, model))
	}

	if _, err := b.store.ResumeJob(ctx, jobID); err != nil {
		return err
	}
	b.setCredentials(jobID, creds, payload.Model)

	if _, busy := b.registry.Running(b.kbID); !busy {
		go b.Drain(context.WithoutCancel(ctx), jobID)
	}
	b.emit(ctx, jobID)
	return nil
}

// Pause moves a pending or processing build to paused. The running loop
// observes the status at the next batch boundary and stops.
func (b *Builder) Pause(ctx context.Context, jobID string) error {
	if _, err := b.store.PauseJob(ctx, jobID); err != nil {
		return err
	}
	b.emit(ctx, jobID)
	return nil
}

// Cancel terminally cancels a build job and drops its in-memory credentials.
func (b *Builder) Cancel(ctx context.Context, jobID string) error {
	b.canceled.Add(jobID)
	if err := b.store.CancelJob(ctx, jobID); err != nil {
		return err
	}
	b.forgetCredentials(jobID)
	b.emit(ctx, jobID)
	return nil
}

// Rebuild destroys the vector index and its recorded configuration so the
// next build starts from scratch. It refuses to run without confirmation and
// while a build job holds the slot.
func (b *Builder) Rebuild(ctx context.Context, confirmed bool) error {
	if !confirmed {
		return kberr.New(kberr.ErrCodeNotConfirmed, "rebuild destroys the vector index; pass confirmed=true", nil)
	}
	if jobID, busy := b.registry.Running(b.kbID); busy {
		return kberr.Conflict(kberr.ErrCodeJobActive, fmt.Sprintf("vector job %s is running; cancel or pause it first", jobID))
	}
	if err := b.vectors.Drop(); err != nil {
		return err
	}
	if err := b.store.ClearVectorState(ctx); err != nil {
		return err
	}
	b.logger.Info("vector_index_rebuilt", slog.String("kb_id", b.kbID))
	return nil
}

// Drain runs a build job until its chunks are embedded or the job leaves the
// processing state. It owns the per-kb vector slot while running. Unlike file
// imports there is no next-job scheduling on exit: a queued build cannot run
// without credentials handed over by a caller.
func (b *Builder) Drain(ctx context.Context, jobID string) {
	if !b.registry.Claim(b.kbID, jobID) {
		return
	}
	defer func() {
		b.registry.Release(b.kbID, jobID)
		if status, exists, err := b.store.JobStatus(ctx, jobID); err == nil && (!exists || status.Terminal()) {
			b.forgetCredentials(jobID)
		}
	}()

	if err := b.store.MarkJobProcessing(ctx, jobID); err != nil {
		b.logger.Error("vector_job_start_failed", slog.String("job_id", jobID), slog.String("error", err.Error()))
		return
	}
	b.emit(ctx, jobID)

	if err := b.run(ctx, jobID); err != nil {
		b.logger.Error("vector_job_failed", slog.String("job_id", jobID), slog.String("error", err.Error()))
		if ferr := b.store.MarkJobFailed(ctx, jobID, err.Error()); ferr != nil {
			b.logger.Error("vector_job_fail_mark_failed", slog.String("job_id", jobID), slog.String("error", ferr.Error()))
		}
		b.emit(ctx, jobID)
	}
}

func (b *Builder) run(ctx context.Context, jobID string) error {
	cs, ok := b.credentials(jobID)
	if !ok {
		return kberr.New(kberr.ErrCodeMissingParam, "embedding credentials not supplied; start or resume the build again", nil)
	}

	j, err := b.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if j == nil {
		return kberr.NotFound(kberr.ErrCodeJobNotFound, fmt.Sprintf("job %s not found", jobID))
	}
	payload := job.ParseBuildVectorsPayload(j.PayloadJSON)
	if payload.ProviderID == "" || payload.Model == "" {
		return kberr.Internal(fmt.Sprintf("job %s has a corrupt payload", jobID), nil)
	}
	if payload.Model != cs.model {
		return kberr.Conflict(kberr.ErrCodeConfigMismatch, fmt.Sprintf(
			"credentials were supplied for model %s but the job embeds with %s", cs.model, payload.Model))
	}

	embedder, err := b.newEmbedder(cs.creds, cs.model)
	if err != nil {
		return err
	}
	vec, err := b.vectors.Get()
	if err != nil {
		return err
	}

	cfg, err := b.store.GetVectorConfig(ctx)
	if err != nil {
		return err
	}
	if cfg != nil && (cfg.ProviderID != payload.ProviderID || cfg.Model != payload.Model) {
		return kberr.Conflict(kberr.ErrCodeConfigMismatch, fmt.Sprintf(
			"index was built with %s/%s; the job embeds with %s/%s",
			cfg.ProviderID, cfg.Model, payload.ProviderID, payload.Model))
	}

	configHash := ""
	if cfg != nil {
		configHash = ConfigHash(cfg.ProviderID, cfg.Model, cfg.Dimension)
		current, err := b.store.CountChunkVectors(ctx, configHash)
		if err != nil {
			return err
		}
		if err := b.store.SetJobProgress(ctx, jobID, current); err != nil {
			return err
		}
		b.emit(ctx, jobID)
	}

	cursor := payload.CursorRowID
	for {
		if b.canceled.Has(jobID) {
			return nil
		}
		status, exists, err := b.store.JobStatus(ctx, jobID)
		if err != nil {
			return err
		}
		if !exists || status.Terminal() || status == job.StatusPaused {
			return nil
		}

		batch, err := b.store.NextChunkBatch(ctx, configHash, cursor, b.batchSize)
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			if err := vec.Save(); err != nil {
				return err
			}
			if err := b.store.MarkJobDone(ctx, jobID); err != nil {
				return err
			}
			b.emit(ctx, jobID)
			return nil
		}

		inputs := make([]string, len(batch))
		for i, row := range batch {
			inputs[i] = row.Content
		}
		var result *embed.Result
		err = b.retry.Do(ctx, func() error {
			var embedErr error
			result, embedErr = embedder.Embed(ctx, inputs)
			return embedErr
		})
		if err != nil {
			if embed.IsTransient(err) {
				return kberr.Transient("embedding backend unavailable", err)
			}
			return fmt.Errorf("embed batch: %w", err)
		}

		// The first committed batch fixes the dimension. Everything after it
		// must match; a drifting backend invalidates the whole index.
		if cfg == nil {
			cfg, err = b.store.UpsertVectorConfig(ctx, payload.ProviderID, payload.Model, result.Dimension)
			if err != nil {
				return err
			}
			configHash = ConfigHash(cfg.ProviderID, cfg.Model, cfg.Dimension)
		} else if result.Dimension != cfg.Dimension {
			return kberr.Integrity(kberr.ErrCodeDimensionMismatch, fmt.Sprintf(
				"backend returned dimension %d but the index holds %d", result.Dimension, cfg.Dimension))
		}

		chunkIDs := make([]string, len(batch))
		payloads := make([]vector.Payload, len(batch))
		for i, row := range batch {
			chunkIDs[i] = row.ChunkID
			payloads[i] = vector.Payload{
				DocumentID:    row.DocumentID,
				DocumentTitle: row.DocumentTitle,
				Content:       row.Content,
			}
		}
		if err := vec.Upsert(ctx, chunkIDs, result.Vectors, payloads); err != nil {
			return err
		}
		if err := vec.Save(); err != nil {
			return err
		}
		if err := b.store.RecordChunkVectors(ctx, chunkIDs, configHash); err != nil {
			return err
		}

		cursor = batch[len(batch)-1].RowID
		payload.CursorRowID = cursor
		payloadJSON, err := job.EncodeBuildVectorsPayload(payload)
		if err != nil {
			return err
		}
		if err := b.store.UpdateJobPayload(ctx, jobID, payloadJSON); err != nil {
			return err
		}

		current, err := b.store.CountChunkVectors(ctx, configHash)
		if err != nil {
			return err
		}
		if err := b.store.SetJobProgress(ctx, jobID, current); err != nil {
			return err
		}
		b.emit(ctx, jobID)
	}
}
