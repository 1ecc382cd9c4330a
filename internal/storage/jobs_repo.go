package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/ransomeye/drc/internal/integrity"
)

// EnqueueJob inserts a new job, or returns the id of an existing job if
// idempotencyKey matches a non-terminal job, or a terminal job within ttl
// (§4.2 enqueue contract).
func (db *DB) EnqueueJob(ctx context.Context, kind JobKind, payload []byte, idempotencyKey *string, maxAttempts int, ttl time.Duration) (jobID string, err error) {
	tx, err := db.DB.BeginTxx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("%w: begin tx: %v", integrity.ErrUnavailable, err)
	}
	defer tx.Rollback()

	if idempotencyKey != nil {
		var existing Job
		err := tx.GetContext(ctx, &existing, `
			SELECT job_id, status, created_at FROM jobs WHERE idempotency_key = $1`, *idempotencyKey)
		switch {
		case err == nil:
			if existing.Status == JobSucceeded || existing.Status == JobDead {
				if time.Since(existing.CreatedAt) <= ttl {
					return existing.JobID, tx.Commit()
				}
				// terminal but stale — the unique index still binds the key to
				// this job, so no fresh job is inserted under it; report a
				// conflict instead.
				return "", fmt.Errorf("%w: idempotency key %s is stale but still bound to job %s", integrity.ErrConflict, *idempotencyKey, existing.JobID)
			}
			return existing.JobID, tx.Commit()
		case errors.Is(err, sql.ErrNoRows):
			// no existing job — fall through to insert
		default:
			return "", fmt.Errorf("%w: idempotency lookup: %v", integrity.ErrUnavailable, err)
		}
	}

	id, err := integrity.NewULID()
	if err != nil {
		return "", fmt.Errorf("generate job id: %w", err)
	}
	jobID = id.String()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO jobs (job_id, kind, payload, idempotency_key, status, max_attempts, next_visible_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())`,
		jobID, kind, payload, idempotencyKey, JobPending, maxAttempts,
	)
	if err != nil {
		return "", fmt.Errorf("%w: insert job: %v", integrity.ErrUnavailable, err)
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("%w: commit: %v", integrity.ErrUnavailable, err)
	}
	return jobID, nil
}

// LeaseJob atomically selects the oldest visible job whose kind is in
// kinds, using SKIP LOCKED so concurrent workers never contend on the same
// row, and marks it leased (§4.2).
func (db *DB) LeaseJob(ctx context.Context, kinds []JobKind, worker string, leaseTTL time.Duration) (*Job, error) {
	if len(kinds) == 0 {
		return nil, fmt.Errorf("%w: LeaseJob requires at least one kind", integrity.ErrValidation)
	}

	tx, err := db.DB.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: begin tx: %v", integrity.ErrUnavailable, err)
	}
	defer tx.Rollback()

	var job Job
	err = tx.GetContext(ctx, &job, `
		SELECT job_id, kind, payload, idempotency_key, status, lease_owner,
		       lease_expires_at, attempts, max_attempts, next_visible_at,
		       last_error, created_at, updated_at
		FROM jobs
		WHERE kind = ANY($1)
		  AND status IN ('pending', 'leased')
		  AND next_visible_at <= now()
		  AND (lease_expires_at IS NULL OR lease_expires_at <= now())
		ORDER BY next_visible_at ASC
		FOR UPDATE SKIP LOCKED
		LIMIT 1`, jobKindsToStrings(kinds))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: select for lease: %v", integrity.ErrUnavailable, err)
	}

	expiresAt := time.Now().Add(leaseTTL)
	_, err = tx.ExecContext(ctx, `
		UPDATE jobs SET status = $1, lease_owner = $2, lease_expires_at = $3,
		                attempts = attempts + 1, updated_at = now()
		WHERE job_id = $4`,
		JobLeased, worker, expiresAt, job.JobID,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: mark leased: %v", integrity.ErrUnavailable, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("%w: commit: %v", integrity.ErrUnavailable, err)
	}

	job.Status = JobLeased
	job.LeaseOwner = &worker
	job.LeaseExpiresAt = &expiresAt
	job.Attempts++
	return &job, nil
}

// Heartbeat extends a job's lease if worker still owns it.
func (db *DB) Heartbeat(ctx context.Context, jobID, worker string, leaseTTL time.Duration) (ok bool, err error) {
	res, err := db.DB.ExecContext(ctx, `
		UPDATE jobs SET lease_expires_at = $1, updated_at = now()
		WHERE job_id = $2 AND lease_owner = $3 AND status = 'leased'`,
		time.Now().Add(leaseTTL), jobID, worker,
	)
	if err != nil {
		return false, fmt.Errorf("%w: heartbeat: %v", integrity.ErrUnavailable, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("%w: rows affected: %v", integrity.ErrUnavailable, err)
	}
	return n == 1, nil
}

// Backoff computes exponential backoff with full jitter:
// backoff(n) = rand(0, min(cap, base*2^n)) (§4.2).
func Backoff(attempts int, base, cap time.Duration) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	upper := float64(base) * math.Pow(2, float64(attempts))
	if upper > float64(cap) || upper < 0 {
		upper = float64(cap)
	}
	if upper <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(upper)))
}

// CompleteJob transitions a job to succeeded, or schedules a retry
// (next_visible_at = now + backoff(attempts)), or to dead once max_attempts
// is exceeded (§4.2).
func (db *DB) CompleteJob(ctx context.Context, jobID, worker string, succeeded bool, lastErr string, backoffBase, backoffCap time.Duration) error {
	if succeeded {
		_, err := db.DB.ExecContext(ctx, `
			UPDATE jobs SET status = $1, lease_owner = NULL, lease_expires_at = NULL, updated_at = now()
			WHERE job_id = $2 AND lease_owner = $3`,
			JobSucceeded, jobID, worker,
		)
		if err != nil {
			return fmt.Errorf("%w: complete job: %v", integrity.ErrUnavailable, err)
		}
		return nil
	}

	var job Job
	if err := db.DB.GetContext(ctx, &job, `SELECT job_id, attempts, max_attempts FROM jobs WHERE job_id = $1`, jobID); err != nil {
		return fmt.Errorf("%w: load job for retry scheduling: %v", integrity.ErrUnavailable, err)
	}

	if job.Attempts >= job.MaxAttempts {
		_, err := db.DB.ExecContext(ctx, `
			UPDATE jobs SET status = $1, lease_owner = NULL, lease_expires_at = NULL,
			                last_error = $2, updated_at = now()
			WHERE job_id = $3 AND lease_owner = $4`,
			JobDead, lastErr, jobID, worker,
		)
		if err != nil {
			return fmt.Errorf("%w: mark job dead: %v", integrity.ErrUnavailable, err)
		}
		return nil
	}

	next := time.Now().Add(Backoff(job.Attempts, backoffBase, backoffCap))
	_, err := db.DB.ExecContext(ctx, `
		UPDATE jobs SET status = $1, lease_owner = NULL, lease_expires_at = NULL,
		                next_visible_at = $2, last_error = $3, updated_at = now()
		WHERE job_id = $4 AND lease_owner = $5`,
		JobPending, next, lastErr, jobID, worker,
	)
	if err != nil {
		return fmt.Errorf("%w: schedule retry: %v", integrity.ErrUnavailable, err)
	}
	return nil
}

// CancelJob cancels a pending job. Allowed from pending only (§4.2).
func (db *DB) CancelJob(ctx context.Context, jobID string) error {
	res, err := db.DB.ExecContext(ctx, `
		UPDATE jobs SET status = 'dead', last_error = 'cancelled by operator', updated_at = now()
		WHERE job_id = $1 AND status = 'pending'`, jobID)
	if err != nil {
		return fmt.Errorf("%w: cancel job: %v", integrity.ErrUnavailable, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: rows affected: %v", integrity.ErrUnavailable, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: job %s is not pending", integrity.ErrConflict, jobID)
	}
	return nil
}

// GetJob fetches a job by id, for the GET /jobs/{id} surface.
func (db *DB) GetJob(ctx context.Context, jobID string) (Job, error) {
	var job Job
	err := db.DB.GetContext(ctx, &job, `
		SELECT job_id, kind, payload, idempotency_key, status, lease_owner,
		       lease_expires_at, attempts, max_attempts, next_visible_at,
		       last_error, created_at, updated_at
		FROM jobs WHERE job_id = $1`, jobID)
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, fmt.Errorf("%w: job %s not found", integrity.ErrValidation, jobID)
	}
	if err != nil {
		return Job{}, fmt.Errorf("%w: get job: %v", integrity.ErrUnavailable, err)
	}
	return job, nil
}

func jobKindsToStrings(kinds []JobKind) []string {
	out := make([]string, len(kinds))
	for i, k := range kinds {
		out[i] = string(k)
	}
	return out
}
