package meta

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/localkb/localkb/internal/job"
)

const jobColumns = `
	id, type, status, payload_json, progress_current, progress_total,
	error_message, created_at, started_at, finished_at, updated_at, heartbeat_at
`

func scanJob(row interface{ Scan(...any) error }) (*Job, error) {
	var j Job
	err := row.Scan(
		&j.ID, &j.Type, &j.Status, &j.PayloadJSON, &j.ProgressCurrent, &j.ProgressTotal,
		&j.ErrorMessage, &j.CreatedAt, &j.StartedAt, &j.FinishedAt, &j.UpdatedAt, &j.HeartbeatAt,
	)
	if err != nil {
		return nil, err
	}
	return &j, nil
}

// CreateImportJob inserts a pending import job and one pending item per
// source file in a single transaction, and returns the job id.
func (s *Store) CreateImportJob(ctx context.Context, payloadJSON string, sourcePaths []string) (string, error) {
	if err := s.guard(); err != nil {
		return "", err
	}
	jobID := uuid.NewString()
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		now := nowMillis()
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO jobs(id, type, status, payload_json, progress_current, progress_total, error_message, created_at, started_at, finished_at, updated_at, heartbeat_at)
			VALUES (?, ?, 'pending', ?, 0, ?, NULL, ?, NULL, NULL, ?, NULL)`,
			jobID, job.TypeImportFiles, payloadJSON, len(sourcePaths), now, now,
		); err != nil {
			return fmt.Errorf("insert job: %w", err)
		}
		insertItem, err := tx.PrepareContext(ctx, `
			INSERT INTO job_items(id, job_id, kind, source_path, status, error_message, created_at, updated_at, started_at, finished_at)
			VALUES (?, ?, 'file', ?, 'pending', NULL, ?, ?, NULL, NULL)`)
		if err != nil {
			return fmt.Errorf("prepare item insert: %w", err)
		}
		defer insertItem.Close()
		for _, sourcePath := range sourcePaths {
			if _, err := insertItem.ExecContext(ctx, uuid.NewString(), jobID, sourcePath, now, now); err != nil {
				return fmt.Errorf("insert job item %q: %w", sourcePath, err)
			}
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return jobID, nil
}

// CreateVectorJob inserts a pending build_vectors job and returns its id.
func (s *Store) CreateVectorJob(ctx context.Context, payloadJSON string, total int64) (string, error) {
	if err := s.guard(); err != nil {
		return "", err
	}
	jobID := uuid.NewString()
	now := nowMillis()
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs(id, type, status, payload_json, progress_current, progress_total, error_message, created_at, started_at, finished_at, updated_at, heartbeat_at)
		VALUES (?, ?, 'pending', ?, 0, ?, NULL, ?, NULL, NULL, ?, NULL)`,
		jobID, job.TypeBuildVectors, payloadJSON, total, now, now,
	); err != nil {
		return "", fmt.Errorf("insert vector job: %w", err)
	}
	return jobID, nil
}

// GetJob returns a job by id, or nil if absent.
func (s *Store) GetJob(ctx context.Context, jobID string) (*Job, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	row := s.db.QueryRowContext(ctx, "SELECT "+jobColumns+" FROM jobs WHERE id = ?", jobID)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

// ListJobs returns the most recently created jobs, newest first, capped at 200.
func (s *Store) ListJobs(ctx context.Context) ([]*Job, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+jobColumns+" FROM jobs ORDER BY created_at DESC LIMIT 200")
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var out []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return out, nil
}

// MarkJobProcessing transitions a pending or processing job to processing,
// stamping started_at on the first run only and refreshing the heartbeat.
// Paused and terminal jobs are left alone; the drain loop exits on its own
// when it reads their status.
func (s *Store) MarkJobProcessing(ctx context.Context, jobID string) error {
	if err := s.guard(); err != nil {
		return err
	}
	now := nowMillis()
	if _, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = 'processing', started_at = COALESCE(started_at, ?), updated_at = ?, heartbeat_at = ?
		WHERE id = ? AND status IN ('pending', 'processing')`, now, now, now, jobID,
	); err != nil {
		return fmt.Errorf("mark job processing: %w", err)
	}
	return nil
}

// MarkJobDone finalizes a job as done.
func (s *Store) MarkJobDone(ctx context.Context, jobID string) error {
	if err := s.guard(); err != nil {
		return err
	}
	now := nowMillis()
	if _, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = 'done', finished_at = ?, updated_at = ?, heartbeat_at = ? WHERE id = ?`,
		now, now, now, jobID,
	); err != nil {
		return fmt.Errorf("mark job done: %w", err)
	}
	return nil
}

// MarkJobFailed finalizes a job as failed with an error message.
func (s *Store) MarkJobFailed(ctx context.Context, jobID, message string) error {
	if err := s.guard(); err != nil {
		return err
	}
	now := nowMillis()
	if _, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = 'failed', error_message = ?, finished_at = ?, updated_at = ? WHERE id = ?`,
		message, now, now, jobID,
	); err != nil {
		return fmt.Errorf("mark job failed: %w", err)
	}
	return nil
}

// PauseJob pauses a pending or processing job. It reports whether the row
// changed; paused and terminal jobs are left alone.
func (s *Store) PauseJob(ctx context.Context, jobID string) (bool, error) {
	if err := s.guard(); err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = 'paused', updated_at = ?
		WHERE id = ? AND status IN ('pending', 'processing')`, nowMillis(), jobID)
	if err != nil {
		return false, fmt.Errorf("pause job: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ResumeJob moves a paused job back to pending. Resuming an already pending
// job is a no-op that still counts as changed.
func (s *Store) ResumeJob(ctx context.Context, jobID string) (bool, error) {
	if err := s.guard(); err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = 'pending', updated_at = ?
		WHERE id = ? AND status IN ('paused', 'pending')`, nowMillis(), jobID)
	if err != nil {
		return false, fmt.Errorf("resume job: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// CancelJob marks a job canceled and skips all of its remaining items.
func (s *Store) CancelJob(ctx context.Context, jobID string) error {
	if err := s.guard(); err != nil {
		return err
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		now := nowMillis()
		if _, err := tx.ExecContext(ctx, `
			UPDATE jobs SET status = 'canceled', finished_at = COALESCE(finished_at, ?), updated_at = ?
			WHERE id = ?`, now, now, jobID,
		); err != nil {
			return fmt.Errorf("cancel job: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE job_items SET status = 'skipped', updated_at = ?
			WHERE job_id = ? AND status IN ('pending', 'processing')`, now, jobID,
		); err != nil {
			return fmt.Errorf("skip remaining items: %w", err)
		}
		return nil
	})
}

// JobStatus returns a job's current status. The bool reports existence.
func (s *Store) JobStatus(ctx context.Context, jobID string) (job.Status, bool, error) {
	if err := s.guard(); err != nil {
		return "", false, err
	}
	var status job.Status
	err := s.db.QueryRowContext(ctx, "SELECT status FROM jobs WHERE id = ?", jobID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("read job status: %w", err)
	}
	return status, true, nil
}

// NextPendingJobItem returns the oldest pending item of a job, or nil when
// none remain.
func (s *Store) NextPendingJobItem(ctx context.Context, jobID string) (*JobItem, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	var it JobItem
	err := s.db.QueryRowContext(ctx, `
		SELECT id, job_id, source_path, status, error_message, created_at, updated_at, started_at, finished_at
		FROM job_items
		WHERE job_id = ? AND status = 'pending'
		ORDER BY created_at ASC
		LIMIT 1`, jobID,
	).Scan(&it.ID, &it.JobID, &it.SourcePath, &it.Status, &it.ErrorMessage,
		&it.CreatedAt, &it.UpdatedAt, &it.StartedAt, &it.FinishedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("next pending item: %w", err)
	}
	return &it, nil
}

// StartJobItem marks an item processing.
func (s *Store) StartJobItem(ctx context.Context, itemID string) error {
	if err := s.guard(); err != nil {
		return err
	}
	now := nowMillis()
	if _, err := s.db.ExecContext(ctx, `
		UPDATE job_items SET status = 'processing', started_at = ?, updated_at = ? WHERE id = ?`,
		now, now, itemID,
	); err != nil {
		return fmt.Errorf("start job item: %w", err)
	}
	return nil
}

// FinishJobItem records an item's terminal status and optional error.
func (s *Store) FinishJobItem(ctx context.Context, itemID string, status job.ItemStatus, errMsg *string) error {
	if err := s.guard(); err != nil {
		return err
	}
	now := nowMillis()
	if _, err := s.db.ExecContext(ctx, `
		UPDATE job_items SET status = ?, error_message = ?, finished_at = ?, updated_at = ? WHERE id = ?`,
		status, errMsg, now, now, itemID,
	); err != nil {
		return fmt.Errorf("finish job item: %w", err)
	}
	return nil
}

// CountTerminalJobItems counts a job's done, failed, and skipped items.
func (s *Store) CountTerminalJobItems(ctx context.Context, jobID string) (int64, error) {
	if err := s.guard(); err != nil {
		return 0, err
	}
	var n int64
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM job_items
		WHERE job_id = ? AND status IN ('done', 'failed', 'skipped')`, jobID,
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("count terminal items: %w", err)
	}
	return n, nil
}

// ListJobItems returns all items of a job in creation order.
func (s *Store) ListJobItems(ctx context.Context, jobID string) ([]*JobItem, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, job_id, source_path, status, error_message, created_at, updated_at, started_at, finished_at
		FROM job_items WHERE job_id = ? ORDER BY created_at ASC`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list job items: %w", err)
	}
	defer rows.Close()

	var out []*JobItem
	for rows.Next() {
		var it JobItem
		if err := rows.Scan(&it.ID, &it.JobID, &it.SourcePath, &it.Status, &it.ErrorMessage,
			&it.CreatedAt, &it.UpdatedAt, &it.StartedAt, &it.FinishedAt); err != nil {
			return nil, fmt.Errorf("scan job item: %w", err)
		}
		out = append(out, &it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list job items: %w", err)
	}
	return out, nil
}

// SetJobProgress writes progress_current and refreshes the heartbeat.
func (s *Store) SetJobProgress(ctx context.Context, jobID string, current int64) error {
	if err := s.guard(); err != nil {
		return err
	}
	now := nowMillis()
	if _, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET progress_current = ?, updated_at = ?, heartbeat_at = ? WHERE id = ?`,
		current, now, now, jobID,
	); err != nil {
		return fmt.Errorf("set job progress: %w", err)
	}
	return nil
}

// UpdateJobPayload replaces a job's persisted payload.
func (s *Store) UpdateJobPayload(ctx context.Context, jobID, payloadJSON string) error {
	if err := s.guard(); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx,
		"UPDATE jobs SET payload_json = ?, updated_at = ? WHERE id = ?",
		payloadJSON, nowMillis(), jobID,
	); err != nil {
		return fmt.Errorf("update job payload: %w", err)
	}
	return nil
}

// HasPausedJob reports whether any job is currently paused.
func (s *Store) HasPausedJob(ctx context.Context) (bool, error) {
	if err := s.guard(); err != nil {
		return false, err
	}
	var one int
	err := s.db.QueryRowContext(ctx,
		"SELECT 1 FROM jobs WHERE status = 'paused' LIMIT 1").Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check paused jobs: %w", err)
	}
	return true, nil
}

// NextPendingImportJob returns the oldest pending import job's id, or "".
func (s *Store) NextPendingImportJob(ctx context.Context) (string, error) {
	if err := s.guard(); err != nil {
		return "", err
	}
	var id string
	err := s.db.QueryRowContext(ctx, `
		SELECT id FROM jobs
		WHERE type = ? AND status = 'pending'
		ORDER BY created_at ASC
		LIMIT 1`, job.TypeImportFiles,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("next pending import job: %w", err)
	}
	return id, nil
}

// ActiveVectorJob returns the newest build_vectors job that is still pending,
// processing, or paused, or nil.
func (s *Store) ActiveVectorJob(ctx context.Context) (*Job, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE type = ? AND status IN ('pending', 'processing', 'paused')
		ORDER BY created_at DESC
		LIMIT 1`, job.TypeBuildVectors)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("active vector job: %w", err)
	}
	return j, nil
}
