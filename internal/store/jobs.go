package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/optimark/omr-engine/internal/jobs"
	"github.com/optimark/omr-engine/internal/omr"
	"github.com/optimark/omr-engine/internal/scoring"
)

// CreateBatch inserts a batch with one queued job per sheet.
func (s *Store) CreateBatch(ctx context.Context, examID int64, sheets []jobs.NewJob, maxAttempts int) (*jobs.ScanBatch, error) {
	now := s.now()
	var batchID int64
	err := s.tx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `INSERT INTO scan_batches (exam_id, created_at) VALUES (?, ?)`, examID, now)
		if err != nil {
			return fmt.Errorf("failed to insert batch: %w", err)
		}
		if batchID, err = res.LastInsertId(); err != nil {
			return err
		}
		for _, sh := range sheets {
			var override *string
			if sh.SetLabelOverride != "" {
				override = &sh.SetLabelOverride
			}
			_, err := tx.ExecContext(ctx, `
				INSERT INTO scan_jobs (batch_id, exam_id, source_file_key, set_label_override, rotation_hint, status, max_attempts, created_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
				batchID, examID, sh.SourceKey, override, sh.RotationHint, jobs.StatusQueued, maxAttempts, now)
			if err != nil {
				return fmt.Errorf("failed to insert job for %s: %w", sh.SourceKey, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.GetBatch(ctx, batchID)
}

// GetBatch loads a batch with its jobs and derived status.
func (s *Store) GetBatch(ctx context.Context, id int64) (*jobs.ScanBatch, error) {
	var b jobs.ScanBatch
	if err := s.db.GetContext(ctx, &b, `SELECT id, exam_id, created_at FROM scan_batches WHERE id = ?`, id); err != nil {
		return nil, notFound(err, "batch", id, jobs.ErrNotFound)
	}
	if err := s.db.SelectContext(ctx, &b.Jobs, `SELECT * FROM scan_jobs WHERE batch_id = ? ORDER BY id`, id); err != nil {
		return nil, fmt.Errorf("failed to load jobs of batch %d: %w", id, err)
	}
	b.Summarize()
	return &b, nil
}

func getJob(ctx context.Context, q sqlx.QueryerContext, id int64) (*jobs.ScanJob, error) {
	var j jobs.ScanJob
	if err := sqlx.GetContext(ctx, q, &j, `SELECT * FROM scan_jobs WHERE id = ?`, id); err != nil {
		return nil, notFound(err, "job", id, jobs.ErrNotFound)
	}
	return &j, nil
}

// GetJob loads a job.
func (s *Store) GetJob(ctx context.Context, id int64) (*jobs.ScanJob, error) {
	return getJob(ctx, s.db, id)
}

// Claim moves the oldest queued job to processing. The conditional update
// makes the claim atomic: a job is never handed to two workers. The first
// claim of a job debits its token in the same transaction that sets
// token_charged.
func (s *Store) Claim(ctx context.Context, workerID string) (*jobs.ScanJob, bool, error) {
	var (
		job     *jobs.ScanJob
		charged bool
	)
	err := s.tx(ctx, func(tx *sqlx.Tx) error {
		var cand struct {
			ID           int64 `db:"id"`
			TokenCharged bool  `db:"token_charged"`
		}
		err := tx.GetContext(ctx, &cand,
			`SELECT id, token_charged FROM scan_jobs WHERE status = ? ORDER BY id LIMIT 1`, jobs.StatusQueued)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to find queued job: %w", err)
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE scan_jobs
			SET status = ?, attempts = attempts + 1, worker_id = ?, token_charged = 1,
			    error_code = NULL, error_message = NULL, updated_at = ?
			WHERE id = ? AND status = ?`,
			jobs.StatusProcessing, workerID, s.now(), cand.ID, jobs.StatusQueued)
		if err != nil {
			return fmt.Errorf("failed to claim job %d: %w", cand.ID, err)
		}
		if n, err := res.RowsAffected(); err != nil || n == 0 {
			return err
		}
		charged = !cand.TokenCharged
		if charged {
			if err := s.debitScan(ctx, tx, cand.ID); err != nil {
				return err
			}
		}
		job, err = getJob(ctx, tx, cand.ID)
		return err
	})
	if err != nil {
		return nil, false, err
	}
	return job, charged, nil
}

// move checks and applies the transition of job id to status to, running
// update inside the same transaction for the other columns.
func (s *Store) move(ctx context.Context, id int64, to jobs.Status, update func(tx *sqlx.Tx, job *jobs.ScanJob) error) (*jobs.ScanJob, error) {
	var out *jobs.ScanJob
	err := s.tx(ctx, func(tx *sqlx.Tx) error {
		job, err := getJob(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := jobs.CheckTransition(job.Status, to); err != nil {
			return fmt.Errorf("job %d: %w", id, err)
		}
		if update != nil {
			if err := update(tx, job); err != nil {
				return err
			}
		}
		if _, err := tx.ExecContext(ctx, `UPDATE scan_jobs SET status = ?, updated_at = ? WHERE id = ?`, to, s.now(), id); err != nil {
			return fmt.Errorf("failed to update job %d: %w", id, err)
		}
		out, err = getJob(ctx, tx, id)
		return err
	})
	return out, err
}

// Complete stores res and marks the job done.
func (s *Store) Complete(ctx context.Context, jobID int64, res *scoring.SheetResultDetail) (*jobs.ScanJob, error) {
	detail, err := json.Marshal(res)
	if err != nil {
		return nil, fmt.Errorf("failed to encode result: %w", err)
	}
	return s.move(ctx, jobID, jobs.StatusDone, func(tx *sqlx.Tx, job *jobs.ScanJob) error {
		r, err := tx.ExecContext(ctx, `
			INSERT INTO sheet_results (exam_id, job_id, detail_json, created_at) VALUES (?, ?, ?, ?)`,
			job.ExamID, job.ID, string(detail), s.now())
		if err != nil {
			return fmt.Errorf("failed to insert result: %w", err)
		}
		sheetID, err := r.LastInsertId()
		if err != nil {
			return err
		}
		res.SheetID = sheetID
		_, err = tx.ExecContext(ctx, `UPDATE scan_jobs SET sheet_id = ?, review_required = 0 WHERE id = ?`, sheetID, job.ID)
		return err
	})
}

// Fail records a failed attempt.
func (s *Store) Fail(ctx context.Context, jobID int64, f jobs.Failure) (*jobs.ScanJob, error) {
	return s.move(ctx, jobID, jobs.StatusFailed, func(tx *sqlx.Tx, job *jobs.ScanJob) error {
		_, err := tx.ExecContext(ctx, `
			UPDATE scan_jobs SET error_code = ?, error_message = ?, review_required = ? WHERE id = ?`,
			f.Code, f.Message, f.Review, job.ID)
		return err
	})
}

// Requeue moves a failed job with attempts left back to the queue. A job
// whose image could not be read needs a new upload, not another attempt.
func (s *Store) Requeue(ctx context.Context, jobID int64) (*jobs.ScanJob, error) {
	return s.move(ctx, jobID, jobs.StatusQueued, func(tx *sqlx.Tx, job *jobs.ScanJob) error {
		if job.ErrorCode != nil && omr.Code(*job.ErrorCode) == omr.CodeInvalidImage {
			return fmt.Errorf("job %d: %w: %s", job.ID, jobs.ErrNotRetryable, *job.ErrorCode)
		}
		if !job.CanRetry() {
			return fmt.Errorf("job %d: %w (%d of %d)", job.ID, jobs.ErrAttemptsExhausted, job.Attempts, job.MaxAttempts)
		}
		_, err := tx.ExecContext(ctx, `UPDATE scan_jobs SET review_required = 0, worker_id = NULL WHERE id = ?`, job.ID)
		return err
	})
}

// Release returns a processing job to the queue without counting the
// interrupted attempt. The job stays charged.
func (s *Store) Release(ctx context.Context, jobID int64) (*jobs.ScanJob, error) {
	return s.move(ctx, jobID, jobs.StatusQueued, func(tx *sqlx.Tx, job *jobs.ScanJob) error {
		_, err := tx.ExecContext(ctx, `
			UPDATE scan_jobs SET attempts = MAX(attempts - 1, 0), worker_id = NULL WHERE id = ?`, job.ID)
		return err
	})
}

// ReleaseStale releases every job left processing since before, the claims
// of workers that died without recording an outcome. It returns the
// released jobs.
func (s *Store) ReleaseStale(ctx context.Context, before time.Time) ([]*jobs.ScanJob, error) {
	var rows []struct {
		ID        int64      `db:"id"`
		UpdatedAt *time.Time `db:"updated_at"`
	}
	if err := s.db.SelectContext(ctx, &rows,
		`SELECT id, updated_at FROM scan_jobs WHERE status = ? ORDER BY id`, jobs.StatusProcessing); err != nil {
		return nil, fmt.Errorf("failed to list processing jobs: %w", err)
	}
	var released []*jobs.ScanJob
	for _, r := range rows {
		if r.UpdatedAt != nil && !r.UpdatedAt.Before(before) {
			continue
		}
		job, err := s.Release(ctx, r.ID)
		if errors.Is(err, jobs.ErrInvalidTransition) {
			// Finished between the listing and the release.
			continue
		}
		if err != nil {
			return released, err
		}
		released = append(released, job)
	}
	return released, nil
}

// Cancel cancels a job that has not finished.
func (s *Store) Cancel(ctx context.Context, jobID int64) (*jobs.ScanJob, error) {
	return s.move(ctx, jobID, jobs.StatusCanceled, nil)
}
