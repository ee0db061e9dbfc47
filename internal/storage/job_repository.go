package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/studypilot/internal/models"
)

// JobRepository handles background job persistence. The worker loop claims
// jobs optimistically: the conditional UPDATE in ClaimQueued is what keeps a
// job from running twice.
type JobRepository struct {
	db *PostgresDB
}

// NewJobRepository creates a new job repository
func NewJobRepository(db *PostgresDB) *JobRepository {
	return &JobRepository{db: db}
}

const jobColumns = `id, type, payload, user_ref, status, attempts, created_at, started_at, finished_at, last_error`

func scanJob(row pgx.Row) (*models.Job, error) {
	var job models.Job
	var startedAt, finishedAt *time.Time
	var lastError *string

	err := row.Scan(
		&job.ID,
		&job.Type,
		&job.Payload,
		&job.UserRef,
		&job.Status,
		&job.Attempts,
		&job.CreatedAt,
		&startedAt,
		&finishedAt,
		&lastError,
	)
	if err != nil {
		return nil, err
	}

	job.StartedAt = startedAt
	job.FinishedAt = finishedAt
	job.LastError = lastError
	return &job, nil
}

// Insert creates a new job record
func (r *JobRepository) Insert(ctx context.Context, job *models.Job) error {
	query := `
		INSERT INTO jobs (id, type, payload, user_ref, status, attempts, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	_, err := r.db.Pool().Exec(ctx, query,
		job.ID,
		job.Type,
		job.Payload,
		job.UserRef,
		job.Status,
		job.Attempts,
		job.CreatedAt,
	)

	if err != nil {
		return fmt.Errorf("failed to insert job: %w", err)
	}

	return nil
}

// GetByID retrieves a job by ID
func (r *JobRepository) GetByID(ctx context.Context, id string) (*models.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE id = $1`

	job, err := scanJob(r.db.Pool().QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("job %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	return job, nil
}

// SelectQueued returns up to limit queued jobs, oldest first.
func (r *JobRepository) SelectQueued(ctx context.Context, limit int) ([]*models.Job, error) {
	query := `
		SELECT ` + jobColumns + `
		FROM jobs
		WHERE status = $1
		ORDER BY created_at ASC
		LIMIT $2
	`

	return r.queryJobs(ctx, query, models.JobQueued, limit)
}

// ListByStatus returns up to limit jobs with the given status, newest first.
func (r *JobRepository) ListByStatus(ctx context.Context, status models.JobStatus, limit int) ([]*models.Job, error) {
	query := `
		SELECT ` + jobColumns + `
		FROM jobs
		WHERE status = $1
		ORDER BY created_at DESC
		LIMIT $2
	`

	return r.queryJobs(ctx, query, status, limit)
}

func (r *JobRepository) queryJobs(ctx context.Context, query string, args ...interface{}) ([]*models.Job, error) {
	rows, err := r.db.Pool().Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, job)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating jobs: %w", err)
	}

	return jobs, nil
}

// ClaimQueued moves a job from queued to processing. It reports false when
// the job was already claimed, finished, or deleted; only the caller that
// gets true may run the job.
func (r *JobRepository) ClaimQueued(ctx context.Context, id string) (bool, error) {
	query := `
		UPDATE jobs
		SET status = $2, started_at = NOW()
		WHERE id = $1 AND status = $3
	`

	result, err := r.db.Pool().Exec(ctx, query, id, models.JobProcessing, models.JobQueued)
	if err != nil {
		return false, fmt.Errorf("failed to claim job: %w", err)
	}

	return result.RowsAffected() > 0, nil
}

// MarkDone finishes a job successfully.
func (r *JobRepository) MarkDone(ctx context.Context, id string) error {
	query := `
		UPDATE jobs
		SET status = $2, finished_at = NOW()
		WHERE id = $1
	`

	result, err := r.db.Pool().Exec(ctx, query, id, models.JobDone)
	if err != nil {
		return fmt.Errorf("failed to mark job done: %w", err)
	}

	if result.RowsAffected() == 0 {
		return fmt.Errorf("job %s: %w", id, ErrNotFound)
	}

	return nil
}

// MarkFailed finishes a job terminally after its attempts are spent.
func (r *JobRepository) MarkFailed(ctx context.Context, id string, lastError string) error {
	query := `
		UPDATE jobs
		SET status = $2, attempts = attempts + 1, last_error = $3, finished_at = NOW()
		WHERE id = $1
	`

	result, err := r.db.Pool().Exec(ctx, query, id, models.JobFailed, lastError)
	if err != nil {
		return fmt.Errorf("failed to mark job failed: %w", err)
	}

	if result.RowsAffected() == 0 {
		return fmt.Errorf("job %s: %w", id, ErrNotFound)
	}

	return nil
}

// RequeueForRetry returns a failed attempt to the queue with the attempt
// counted and the error recorded.
func (r *JobRepository) RequeueForRetry(ctx context.Context, id string, lastError string) error {
	query := `
		UPDATE jobs
		SET status = $2, attempts = attempts + 1, last_error = $3, started_at = NULL
		WHERE id = $1
	`

	result, err := r.db.Pool().Exec(ctx, query, id, models.JobQueued, lastError)
	if err != nil {
		return fmt.Errorf("failed to requeue job: %w", err)
	}

	if result.RowsAffected() == 0 {
		return fmt.Errorf("job %s: %w", id, ErrNotFound)
	}

	return nil
}

// RequeueStuck returns processing jobs whose claim is older than the cutoff
// to the queue. A crashed worker leaves its claims behind; this is how they
// recover.
func (r *JobRepository) RequeueStuck(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().Add(-olderThan)
	query := `
		UPDATE jobs
		SET status = $1, started_at = NULL
		WHERE status = $2 AND started_at < $3
	`

	result, err := r.db.Pool().Exec(ctx, query, models.JobQueued, models.JobProcessing, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to requeue stuck jobs: %w", err)
	}

	return int(result.RowsAffected()), nil
}

// CountByStatus returns job counts grouped by status.
func (r *JobRepository) CountByStatus(ctx context.Context) (map[models.JobStatus]int, error) {
	query := `SELECT status, COUNT(*) FROM jobs GROUP BY status`

	rows, err := r.db.Pool().Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to count jobs: %w", err)
	}
	defer rows.Close()

	counts := make(map[models.JobStatus]int)
	for rows.Next() {
		var status models.JobStatus
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan job count: %w", err)
		}
		counts[status] = count
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating job counts: %w", err)
	}

	return counts, nil
}
