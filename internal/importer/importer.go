// Package importer runs crash-recoverable file import jobs: it expands
// sources into per-file work items, streams each file into the blob store
// while chunking its text, and commits every file as one metadata
// transaction, so an interrupted job resumes at file granularity.
package importer

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/localkb/localkb/internal/blob"
	"github.com/localkb/localkb/internal/chunk"
	"github.com/localkb/localkb/internal/fingerprint"
	"github.com/localkb/localkb/internal/job"
	"github.com/localkb/localkb/internal/kberr"
	"github.com/localkb/localkb/internal/meta"
	"github.com/localkb/localkb/internal/scanner"

	"github.com/google/uuid"
)

// readBufferSize is the streaming read size for source files.
const readBufferSize = 64 * 1024

// Events receives a job snapshot after every job state change.
type Events func(kbID string, j *meta.Job)

// Importer runs import jobs for one knowledge base.
type Importer struct {
	kbID     string
	store    *meta.Store
	blobs    *blob.Store
	prints   *fingerprint.Cache
	registry *job.Registry
	canceled *job.CancelSet

	chunkSize    int
	chunkOverlap int

	logger *slog.Logger
	notify Events
}

// Config wires an Importer.
type Config struct {
	KBID         string
	Store        *meta.Store
	Blobs        *blob.Store
	Fingerprints *fingerprint.Cache
	Registry     *job.Registry
	Canceled     *job.CancelSet
	ChunkSize    int
	ChunkOverlap int
	Logger       *slog.Logger
	Notify       Events
}

// New creates an Importer.
func New(cfg Config) *Importer {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = chunk.DefaultSize
	}
	if cfg.ChunkOverlap < 0 || cfg.ChunkOverlap >= cfg.ChunkSize {
		cfg.ChunkOverlap = chunk.DefaultOverlap
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Notify == nil {
		cfg.Notify = func(string, *meta.Job) {}
	}
	return &Importer{
		kbID:         cfg.KBID,
		store:        cfg.Store,
		blobs:        cfg.Blobs,
		prints:       cfg.Fingerprints,
		registry:     cfg.Registry,
		canceled:     cfg.Canceled,
		chunkSize:    cfg.ChunkSize,
		chunkOverlap: cfg.ChunkOverlap,
		logger:       cfg.Logger,
		notify:       cfg.Notify,
	}
}

// emit sends the current job snapshot to the event sink.
func (im *Importer) emit(ctx context.Context, jobID string) {
	j, err := im.store.GetJob(ctx, jobID)
	if err != nil || j == nil {
		return
	}
	im.notify(im.kbID, j)
}

// Enqueue expands sources, persists a pending job with one item per file,
// and starts draining unless another job is already running. It returns the
// job id.
func (im *Importer) Enqueue(ctx context.Context, sources []job.Source) (string, error) {
	if len(sources) == 0 {
		return "", kberr.Validation("sources must not be empty")
	}
	files, err := scanner.Expand(ctx, sources)
	if err != nil {
		return "", err
	}
	if len(files) == 0 {
		return "", kberr.New(kberr.ErrCodeInvalidParam, "no importable files found", nil)
	}

	payloadJSON, err := job.EncodeImportFilesPayload(job.ImportFilesPayload{Sources: sources})
	if err != nil {
		return "", err
	}
	jobID, err := im.store.CreateImportJob(ctx, payloadJSON, files)
	if err != nil {
		return "", err
	}
	im.logger.Info("import_job_enqueued",
		slog.String("kb_id", im.kbID),
		slog.String("job_id", jobID),
		slog.Int("files", len(files)))

	if _, busy := im.registry.Running(im.kbID); !busy {
		go im.Drain(context.WithoutCancel(ctx), jobID)
	}
	im.emit(ctx, jobID)
	return jobID, nil
}

// Pause moves a pending or processing job to paused. The running drain loop
// observes the status at the next item boundary and stops.
func (im *Importer) Pause(ctx context.Context, jobID string) error {
	if _, err := im.store.PauseJob(ctx, jobID); err != nil {
		return err
	}
	im.emit(ctx, jobID)
	return nil
}

// Resume moves a paused job back to pending and starts draining it unless
// another job holds the slot.
func (im *Importer) Resume(ctx context.Context, jobID string) error {
	if _, err := im.store.ResumeJob(ctx, jobID); err != nil {
		return err
	}
	if _, busy := im.registry.Running(im.kbID); !busy {
		go im.Drain(context.WithoutCancel(ctx), jobID)
	}
	im.emit(ctx, jobID)
	return nil
}

// Cancel terminally cancels a job and skips its remaining items.
func (im *Importer) Cancel(ctx context.Context, jobID string) error {
	im.canceled.Add(jobID)
	if err := im.store.CancelJob(ctx, jobID); err != nil {
		return err
	}
	im.emit(ctx, jobID)
	return nil
}

// Drain processes a job's pending items until none remain or the job leaves
// the processing state. It owns the per-kb import slot while running, and on
// exit schedules the next pending job unless a paused one demands operator
// attention.
func (im *Importer) Drain(ctx context.Context, jobID string) {
	if !im.registry.Claim(im.kbID, jobID) {
		return
	}
	defer func() {
		im.registry.Release(im.kbID, jobID)
		im.scheduleNext(ctx)
	}()

	if err := im.store.MarkJobProcessing(ctx, jobID); err != nil {
		im.logger.Error("import_job_start_failed", slog.String("job_id", jobID), slog.String("error", err.Error()))
		return
	}
	im.emit(ctx, jobID)

	if err := im.drainLoop(ctx, jobID); err != nil {
		im.logger.Error("import_job_failed", slog.String("job_id", jobID), slog.String("error", err.Error()))
		if ferr := im.store.MarkJobFailed(ctx, jobID, err.Error()); ferr != nil {
			im.logger.Error("import_job_fail_mark_failed", slog.String("job_id", jobID), slog.String("error", ferr.Error()))
		}
		im.emit(ctx, jobID)
	}
}

func (im *Importer) drainLoop(ctx context.Context, jobID string) error {
	for {
		if im.canceled.Has(jobID) {
			return nil
		}
		status, exists, err := im.store.JobStatus(ctx, jobID)
		if err != nil {
			return err
		}
		if !exists || status.Terminal() || status == job.StatusPaused {
			return nil
		}

		item, err := im.store.NextPendingJobItem(ctx, jobID)
		if err != nil {
			return err
		}
		if item == nil {
			if err := im.store.MarkJobDone(ctx, jobID); err != nil {
				return err
			}
			im.emit(ctx, jobID)
			return nil
		}

		if err := im.store.StartJobItem(ctx, item.ID); err != nil {
			return err
		}
		itemStatus, itemErr := im.importOne(ctx, item.SourcePath)
		if err := im.store.FinishJobItem(ctx, item.ID, itemStatus, itemErr); err != nil {
			return err
		}

		done, err := im.store.CountTerminalJobItems(ctx, jobID)
		if err != nil {
			return err
		}
		if err := im.store.SetJobProgress(ctx, jobID, done); err != nil {
			return err
		}
		im.emit(ctx, jobID)
	}
}

// scheduleNext starts the oldest pending import job. A paused job anywhere
// blocks auto-start; the operator decides what runs next.
func (im *Importer) scheduleNext(ctx context.Context) {
	paused, err := im.store.HasPausedJob(ctx)
	if err != nil || paused {
		return
	}
	next, err := im.store.NextPendingImportJob(ctx)
	if err != nil || next == "" {
		return
	}
	go im.Drain(ctx, next)
}

// importOne imports a single source file. The returned status and message
// are recorded on the job item; an error here never fails the whole job.
func (im *Importer) importOne(ctx context.Context, sourcePath string) (job.ItemStatus, *string) {
	status, err := im.importFile(ctx, sourcePath)
	if err != nil {
		msg := err.Error()
		im.logger.Warn("import_item_failed",
			slog.String("kb_id", im.kbID),
			slog.String("source_path", sourcePath),
			slog.String("error", msg))
		return job.ItemFailed, &msg
	}
	return status, nil
}

func (im *Importer) importFile(ctx context.Context, sourcePath string) (job.ItemStatus, error) {
	stat, err := os.Stat(sourcePath)
	if err != nil {
		return job.ItemFailed, kberr.Filesystem("file missing or unreadable", err)
	}
	if !stat.Mode().IsRegular() {
		return job.ItemSkipped, nil
	}

	sizeBytes := stat.Size()
	mtimeMS := stat.ModTime().UnixMilli()

	existingDoc, err := im.store.GetFileDocument(ctx, sourcePath)
	if err != nil {
		return job.ItemFailed, err
	}

	// Unchanged files short-circuit: trusted fingerprint, same blob on the
	// document, and the blob file still present.
	knownHash, trusted, err := im.prints.Lookup(ctx, sourcePath, sizeBytes, mtimeMS)
	if err != nil {
		return job.ItemFailed, err
	}
	if trusted && existingDoc != nil && docBlobHash(existingDoc) == knownHash && im.blobs.Exists(knownHash) {
		return job.ItemSkipped, nil
	}

	documentID := uuid.NewString()
	isNew := true
	var prevHash *string
	if existingDoc != nil {
		documentID = existingDoc.ID
		isNew = false
		if h := docBlobHash(existingDoc); h != "" {
			prevHash = &h
		}
	}

	contentHash, chunks, createdBlob, err := im.readFile(ctx, sourcePath)
	if err != nil {
		return job.ItemFailed, err
	}

	commit := meta.FileImportCommit{
		DocumentID:    documentID,
		IsNewDocument: isNew,
		Title:         filepath.Base(sourcePath),
		SourcePath:    sourcePath,
		MimeType:      scanner.GuessMimeType(sourcePath),
		SizeBytes:     sizeBytes,
		SourceMtimeMS: mtimeMS,
		ContentHash:   contentHash,
		BlobRelPath:   blob.RelPath(contentHash),
		Chunks:        chunks,
		PrevHash:      prevHash,
	}
	removedRelPath, err := im.store.CommitFileImport(ctx, commit)
	if err != nil {
		// A blob file this import created is unreachable without the
		// metadata row; take it back out.
		if createdBlob {
			_ = im.blobs.Remove(contentHash)
		}
		return job.ItemFailed, err
	}

	// The old blob lost its last reference in the commit above; its file is
	// now garbage.
	if removedRelPath != "" {
		if rmErr := im.blobs.RemoveRel(removedRelPath); rmErr != nil {
			im.logger.Warn("blob_cleanup_failed",
				slog.String("rel_path", removedRelPath),
				slog.String("error", rmErr.Error()))
		}
	}

	im.prints.Remember(sourcePath, sizeBytes, mtimeMS, contentHash)
	return job.ItemDone, nil
}

// readFile streams the file into the blob store while chunking its text in
// the same pass. Binary content (null byte in the first read) and unknown
// extensions produce a blob but no chunks.
func (im *Importer) readFile(ctx context.Context, sourcePath string) (contentHash string, chunks []string, created bool, err error) {
	f, err := os.Open(sourcePath)
	if err != nil {
		return "", nil, false, kberr.Filesystem("file missing or unreadable", err)
	}
	defer f.Close()

	w, err := im.blobs.NewWriter()
	if err != nil {
		return "", nil, false, err
	}
	defer w.Abort()

	splitter, err := chunk.NewSplitter(im.chunkSize, im.chunkOverlap)
	if err != nil {
		return "", nil, false, err
	}

	canIndex := scanner.IsTextLike(sourcePath)
	firstRead := true
	var pending []byte
	buf := make([]byte, readBufferSize)

	for {
		if err := ctx.Err(); err != nil {
			return "", nil, false, err
		}
		n, readErr := f.Read(buf)
		if n > 0 {
			data := buf[:n]
			if _, err := w.Write(data); err != nil {
				return "", nil, false, err
			}
			if canIndex && firstRead && chunk.LooksBinary(data) {
				canIndex = false
			}
			firstRead = false

			if canIndex {
				pending = append(pending, data...)
				complete, rest := chunk.SplitCompleteRunes(pending)
				if len(complete) > 0 {
					chunks = append(chunks, splitter.Push(string(complete))...)
				}
				pending = append(pending[:0], rest...)
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return "", nil, false, fmt.Errorf("read %s: %w", sourcePath, readErr)
		}
	}

	if canIndex {
		if len(pending) > 0 {
			chunks = append(chunks, splitter.Push(string(pending))...)
		}
		if rest := splitter.Flush(); rest != "" {
			chunks = append(chunks, rest)
		}
	}

	contentHash, created, err = w.Commit()
	if err != nil {
		return "", nil, false, err
	}
	return contentHash, chunks, created, nil
}

// docBlobHash prefers the blob hash column, falling back to the content hash.
func docBlobHash(d *meta.Document) string {
	if d.BlobHash != nil {
		return *d.BlobHash
	}
	if d.ContentHash != nil {
		return *d.ContentHash
	}
	return ""
}
