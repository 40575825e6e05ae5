// Package engine is the worker facade: it owns one handle per knowledge base
// (metadata store, blob store, vector index, ownership lock, job runners) and
// exposes every protocol operation as a typed method. Handles open lazily on
// first use and live until the engine closes.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/localkb/localkb/internal/blob"
	"github.com/localkb/localkb/internal/chunk"
	"github.com/localkb/localkb/internal/config"
	"github.com/localkb/localkb/internal/embed"
	"github.com/localkb/localkb/internal/fingerprint"
	"github.com/localkb/localkb/internal/importer"
	"github.com/localkb/localkb/internal/job"
	"github.com/localkb/localkb/internal/kb"
	"github.com/localkb/localkb/internal/kberr"
	"github.com/localkb/localkb/internal/meta"
	"github.com/localkb/localkb/internal/query"
	"github.com/localkb/localkb/internal/vector"
	"github.com/localkb/localkb/internal/vectorize"
)

// Events receives a job snapshot after every job state change.
type Events func(kbID string, j *meta.Job)

// Engine serves all knowledge base operations for one worker process.
type Engine struct {
	conf   *config.Config
	logger *slog.Logger
	notify Events

	importRegistry *job.Registry
	vectorRegistry *job.Registry
	canceled       *job.CancelSet

	mu      sync.Mutex
	handles map[string]*handle
	closed  bool
}

// handle bundles the open state of one knowledge base.
type handle struct {
	kbID    string
	paths   kb.Paths
	lock    *kb.Lock
	store   *meta.Store
	blobs   *blob.Store
	prints  *fingerprint.Cache
	vectors *vector.Manager

	importer *importer.Importer
	builder  *vectorize.Builder
	query    *query.Engine
}

// Config wires an Engine.
type Config struct {
	Conf   *config.Config
	Logger *slog.Logger
	Notify Events
}

// New creates an Engine.
func New(cfg Config) *Engine {
	if cfg.Conf == nil {
		cfg.Conf = config.Default()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Notify == nil {
		cfg.Notify = func(string, *meta.Job) {}
	}
	return &Engine{
		conf:           cfg.Conf,
		logger:         cfg.Logger,
		notify:         cfg.Notify,
		importRegistry: job.NewRegistry(),
		vectorRegistry: job.NewRegistry(),
		canceled:       job.NewCancelSet(),
		handles:        make(map[string]*handle),
	}
}

// Close releases every open knowledge base handle.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true

	var firstErr error
	for kbID, h := range e.handles {
		if err := h.close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close kb %s: %w", kbID, err)
		}
	}
	e.handles = make(map[string]*handle)
	return firstErr
}

func (h *handle) close() error {
	var firstErr error
	if err := h.vectors.Close(); err != nil {
		firstErr = err
	}
	if err := h.store.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := h.lock.Release(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// handle returns the open handle for kbID, opening the knowledge base on
// first use: directory scaffolding, ownership lock, metadata store with its
// migration and recovery sweep, and the job runners.
func (e *Engine) handle(kbID string) (*handle, error) {
	if err := validateKBID(kbID); err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, kberr.Internal("engine is closed", nil)
	}
	if h, ok := e.handles[kbID]; ok {
		return h, nil
	}

	paths := kb.PathsFor(e.conf.StateDir, kbID)
	if err := kb.EnsureDirs(paths, kbID); err != nil {
		return nil, err
	}
	lock, err := kb.AcquireLock(paths)
	if err != nil {
		return nil, err
	}
	store, err := meta.Open(paths.MetaDBPath())
	if err != nil {
		_ = lock.Release()
		return nil, err
	}

	blobs := blob.NewStore(paths.Root, paths.StagingDir())
	prints, err := fingerprint.New(store)
	if err != nil {
		_ = store.Close()
		_ = lock.Release()
		return nil, err
	}
	vectors := vector.NewManager(paths.VectorDir())

	retry := embed.RetryPolicy{
		MaxAttempts: e.conf.Embeddings.MaxAttempts,
		Backoff:     time.Duration(e.conf.Embeddings.BackoffMS) * time.Millisecond,
	}
	timeout := time.Duration(e.conf.Embeddings.TimeoutSeconds) * time.Second
	newEmbedder := func(creds embed.Credentials, model string) (embed.Embedder, error) {
		return embed.NewOpenAIClient(creds, model, timeout)
	}

	h := &handle{
		kbID:    kbID,
		paths:   paths,
		lock:    lock,
		store:   store,
		blobs:   blobs,
		prints:  prints,
		vectors: vectors,
	}
	h.importer = importer.New(importer.Config{
		KBID:         kbID,
		Store:        store,
		Blobs:        blobs,
		Fingerprints: prints,
		Registry:     e.importRegistry,
		Canceled:     e.canceled,
		ChunkSize:    e.conf.Chunking.Size,
		ChunkOverlap: e.conf.Chunking.Overlap,
		Logger:       e.logger,
		Notify:       importer.Events(e.notify),
	})
	h.builder = vectorize.New(vectorize.Config{
		KBID:        kbID,
		Store:       store,
		Vectors:     vectors,
		Registry:    e.vectorRegistry,
		Canceled:    e.canceled,
		NewEmbedder: newEmbedder,
		Retry:       &retry,
		BatchSize:   e.conf.Embeddings.BatchSize,
		Logger:      e.logger,
		Notify:      vectorize.Events(e.notify),
	})
	h.query = query.New(query.Config{
		Store:       store,
		Vectors:     vectors,
		NewEmbedder: newEmbedder,
		Retry:       &retry,
	})

	e.handles[kbID] = h
	e.logger.Info("kb_opened", slog.String("kb_id", kbID), slog.String("root", paths.Root))
	return h, nil
}

func validateKBID(kbID string) error {
	if kbID == "" {
		return kberr.Validation("kbId must not be empty")
	}
	if strings.ContainsAny(kbID, "/\\") || kbID == "." || kbID == ".." {
		return kberr.New(kberr.ErrCodeInvalidParam, fmt.Sprintf("invalid kbId %q", kbID), nil)
	}
	return nil
}

// EnsureInitialized opens the knowledge base, creating it on first use, and
// returns its manifest.
func (e *Engine) EnsureInitialized(ctx context.Context, kbID string) (*kb.Manifest, error) {
	h, err := e.handle(kbID)
	if err != nil {
		return nil, err
	}
	return kb.LoadManifest(h.paths)
}

// ImportFiles enqueues an import job over the given sources.
func (e *Engine) ImportFiles(ctx context.Context, kbID string, sources []job.Source) (string, error) {
	h, err := e.handle(kbID)
	if err != nil {
		return "", err
	}
	return h.importer.Enqueue(ctx, sources)
}

// ListJobs returns the most recent jobs, newest first.
func (e *Engine) ListJobs(ctx context.Context, kbID string) ([]*meta.Job, error) {
	h, err := e.handle(kbID)
	if err != nil {
		return nil, err
	}
	return h.store.ListJobs(ctx)
}

// getJob loads a job or returns a coded not-found error.
func (h *handle) getJob(ctx context.Context, jobID string) (*meta.Job, error) {
	if jobID == "" {
		return nil, kberr.Validation("jobId must not be empty")
	}
	j, err := h.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if j == nil {
		return nil, kberr.NotFound(kberr.ErrCodeJobNotFound, fmt.Sprintf("job %s not found", jobID))
	}
	return j, nil
}

// PauseJob pauses a pending or processing job of either type.
func (e *Engine) PauseJob(ctx context.Context, kbID, jobID string) error {
	h, err := e.handle(kbID)
	if err != nil {
		return err
	}
	j, err := h.getJob(ctx, jobID)
	if err != nil {
		return err
	}
	if j.Type == job.TypeBuildVectors {
		return h.builder.Pause(ctx, jobID)
	}
	return h.importer.Pause(ctx, jobID)
}

// ResumeJob resumes a paused import job. Vector build jobs cannot resume here
// because their credentials died with the process that held them.
func (e *Engine) ResumeJob(ctx context.Context, kbID, jobID string) error {
	h, err := e.handle(kbID)
	if err != nil {
		return err
	}
	j, err := h.getJob(ctx, jobID)
	if err != nil {
		return err
	}
	if j.Type == job.TypeBuildVectors {
		return kberr.New(kberr.ErrCodeMissingParam,
			"vector build jobs need embedding credentials; call resumeVectorIndex", nil)
	}
	return h.importer.Resume(ctx, jobID)
}

// CancelJob terminally cancels a job of either type.
func (e *Engine) CancelJob(ctx context.Context, kbID, jobID string) error {
	h, err := e.handle(kbID)
	if err != nil {
		return err
	}
	j, err := h.getJob(ctx, jobID)
	if err != nil {
		return err
	}
	if j.Type == job.TypeBuildVectors {
		return h.builder.Cancel(ctx, jobID)
	}
	return h.importer.Cancel(ctx, jobID)
}

// Search runs a keyword query.
func (e *Engine) Search(ctx context.Context, kbID, queryText string, limit int) ([]meta.SearchHit, error) {
	h, err := e.handle(kbID)
	if err != nil {
		return nil, err
	}
	return h.query.Search(ctx, queryText, limit)
}

// CreateNote stores a note document, chunking its content immediately.
func (e *Engine) CreateNote(ctx context.Context, kbID, title, content string) (string, error) {
	h, err := e.handle(kbID)
	if err != nil {
		return "", err
	}
	if title == "" {
		return "", kberr.Validation("title must not be empty")
	}
	if content == "" {
		return "", kberr.Validation("content must not be empty")
	}
	chunks, err := chunk.Split(content, e.conf.Chunking.Size, e.conf.Chunking.Overlap)
	if err != nil {
		return "", err
	}
	return h.store.CreateNote(ctx, title, content, chunks)
}

// GetStats returns document, chunk, and job counts.
func (e *Engine) GetStats(ctx context.Context, kbID string) (meta.Stats, error) {
	h, err := e.handle(kbID)
	if err != nil {
		return meta.Stats{}, err
	}
	return h.store.GetStats(ctx)
}

// ListDocuments returns documents, most recently updated first.
func (e *Engine) ListDocuments(ctx context.Context, kbID string, limit int) ([]*meta.Document, error) {
	h, err := e.handle(kbID)
	if err != nil {
		return nil, err
	}
	return h.store.ListDocuments(ctx, limit)
}

// DeleteDocument removes a document, its chunks, its vectors, and its blob
// when the last reference drops. It refuses to run without confirmation.
func (e *Engine) DeleteDocument(ctx context.Context, kbID, documentID string, confirmed bool) error {
	h, err := e.handle(kbID)
	if err != nil {
		return err
	}
	if documentID == "" {
		return kberr.Validation("documentId must not be empty")
	}
	if !confirmed {
		return kberr.New(kberr.ErrCodeNotConfirmed, "deleting a document is destructive; pass confirmed=true", nil)
	}

	doc, err := h.store.GetDocument(ctx, documentID)
	if err != nil {
		return err
	}
	chunkIDs, err := h.store.ChunkIDsForDocument(ctx, documentID)
	if err != nil {
		return err
	}
	removedRelPath, found, err := h.store.DeleteDocument(ctx, documentID)
	if err != nil {
		return err
	}
	if !found {
		return kberr.NotFound(kberr.ErrCodeDocumentNotFound, fmt.Sprintf("document %s not found", documentID))
	}
	if doc != nil && doc.SourcePath != nil {
		h.prints.Forget(*doc.SourcePath)
	}
	if removedRelPath != "" {
		if rmErr := h.blobs.RemoveRel(removedRelPath); rmErr != nil {
			e.logger.Warn("blob_cleanup_failed",
				slog.String("rel_path", removedRelPath),
				slog.String("error", rmErr.Error()))
		}
	}

	// Drop the document's vectors from the index so stale hits cannot
	// surface; the index may legitimately not exist yet.
	cfg, err := h.store.GetVectorConfig(ctx)
	if err != nil {
		return err
	}
	if cfg != nil && len(chunkIDs) > 0 {
		vec, err := h.vectors.Get()
		if err != nil {
			return err
		}
		vec.Delete(chunkIDs)
		if err := vec.Save(); err != nil {
			return err
		}
	}
	return nil
}

// GetVectorConfig returns the committed embedding configuration, or nil when
// no index has been built.
func (e *Engine) GetVectorConfig(ctx context.Context, kbID string) (*meta.VectorConfig, error) {
	h, err := e.handle(kbID)
	if err != nil {
		return nil, err
	}
	return h.store.GetVectorConfig(ctx)
}

// RebuildVectorIndex destroys the vector index and its configuration.
func (e *Engine) RebuildVectorIndex(ctx context.Context, kbID string, confirmed bool) error {
	h, err := e.handle(kbID)
	if err != nil {
		return err
	}
	return h.builder.Rebuild(ctx, confirmed)
}

// BuildVectorIndex starts (or reattaches to) a vector index build.
func (e *Engine) BuildVectorIndex(ctx context.Context, kbID, providerID, model string, creds embed.Credentials) (string, error) {
	h, err := e.handle(kbID)
	if err != nil {
		return "", err
	}
	return h.builder.Start(ctx, providerID, model, creds)
}

// ResumeVectorIndex resumes a paused build with fresh credentials.
func (e *Engine) ResumeVectorIndex(ctx context.Context, kbID, jobID, providerID, model string, creds embed.Credentials) error {
	h, err := e.handle(kbID)
	if err != nil {
		return err
	}
	return h.builder.Resume(ctx, jobID, providerID, model, creds)
}

// SemanticSearch embeds the query and returns the closest chunks.
func (e *Engine) SemanticSearch(ctx context.Context, kbID, providerID, model, queryText string, creds embed.Credentials, topK int) ([]query.SemanticHit, error) {
	h, err := e.handle(kbID)
	if err != nil {
		return nil, err
	}
	return h.query.Semantic(ctx, providerID, model, queryText, creds, topK)
}
