package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/kirillkom/grc-retrieval/internal/core/domain"
)

type JobRepository struct {
	db *sql.DB
}

func NewJobRepository(db *sql.DB) *JobRepository {
	return &JobRepository{db: db}
}

func (r *JobRepository) EnsureSchema(ctx context.Context) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	// Serialize bootstrap DDL across api/worker startups.
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, int64(2026101801)); err != nil {
		return fmt.Errorf("acquire schema lock: %w", err)
	}

	const query = `
CREATE TABLE IF NOT EXISTS indexing_jobs (
	id TEXT PRIMARY KEY,
	namespace TEXT NOT NULL,
	record_id TEXT NOT NULL,
	operation TEXT NOT NULL,
	status TEXT NOT NULL,
	attempts INTEGER NOT NULL DEFAULT 0,
	error_message TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	completed_at TIMESTAMPTZ
);

ALTER TABLE indexing_jobs ADD COLUMN IF NOT EXISTS updated_at TIMESTAMPTZ NOT NULL DEFAULT now();

CREATE INDEX IF NOT EXISTS idx_indexing_jobs_status_created ON indexing_jobs(status, created_at);
CREATE INDEX IF NOT EXISTS idx_indexing_jobs_record ON indexing_jobs(namespace, record_id);

CREATE TABLE IF NOT EXISTS indexing_sweep_cursors (
	namespace TEXT PRIMARY KEY,
	cursor_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
`
	if _, err := tx.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("execute schema ddl: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema tx: %w", err)
	}
	return nil
}

func (r *JobRepository) CreateJob(ctx context.Context, job *domain.IndexingJob) error {
	_, err := r.db.ExecContext(ctx, `
INSERT INTO indexing_jobs (id, namespace, record_id, operation, status, attempts, error_message, created_at, updated_at, completed_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
`, job.ID, job.Namespace, job.RecordID, string(job.Operation), string(job.Status), job.Attempts, job.Error, job.CreatedAt, updatedAt(job), job.CompletedAt)
	if err != nil {
		return fmt.Errorf("create indexing job: %w", err)
	}
	return nil
}

func (r *JobRepository) UpdateJob(ctx context.Context, job *domain.IndexingJob) error {
	result, err := r.db.ExecContext(ctx, `
UPDATE indexing_jobs
SET status = $2, attempts = $3, error_message = $4, completed_at = $5, updated_at = $6
WHERE id = $1
`, job.ID, string(job.Status), job.Attempts, job.Error, job.CompletedAt, updatedAt(job))
	if err != nil {
		return fmt.Errorf("update indexing job: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update indexing job rows affected: %w", err)
	}
	if rows == 0 {
		return domain.WrapError(domain.ErrJobNotFound, "update indexing job", fmt.Errorf("id=%s", job.ID))
	}
	return nil
}

func (r *JobRepository) GetJob(ctx context.Context, id string) (*domain.IndexingJob, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT id, namespace, record_id, operation, status, attempts, error_message, created_at, updated_at, completed_at
FROM indexing_jobs
WHERE id = $1
`, id)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.WrapError(domain.ErrJobNotFound, "get indexing job", fmt.Errorf("id=%s", id))
		}
		return nil, fmt.Errorf("scan indexing job: %w", err)
	}
	return &job, nil
}

// ListPendingJobs returns pending jobs and processing jobs not updated since
// staleBefore, oldest first.
func (r *JobRepository) ListPendingJobs(ctx context.Context, staleBefore time.Time, limit int) ([]domain.IndexingJob, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx, `
SELECT id, namespace, record_id, operation, status, attempts, error_message, created_at, updated_at, completed_at
FROM indexing_jobs
WHERE status = $1 OR (status = $2 AND updated_at < $3)
ORDER BY created_at ASC
LIMIT $4
`, string(domain.JobStatusPending), string(domain.JobStatusProcessing), staleBefore, limit)
	if err != nil {
		return nil, fmt.Errorf("list pending jobs: %w", err)
	}
	defer rows.Close()

	out := make([]domain.IndexingJob, 0)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan pending job: %w", err)
		}
		out = append(out, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pending jobs: %w", err)
	}
	return out, nil
}

// GetSweepCursor returns the zero time when the namespace was never swept.
func (r *JobRepository) GetSweepCursor(ctx context.Context, namespace string) (time.Time, error) {
	var cursor time.Time
	err := r.db.QueryRowContext(ctx, `
SELECT cursor_at FROM indexing_sweep_cursors WHERE namespace = $1
`, namespace).Scan(&cursor)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return time.Time{}, nil
		}
		return time.Time{}, fmt.Errorf("get sweep cursor: %w", err)
	}
	return cursor, nil
}

func (r *JobRepository) SaveSweepCursor(ctx context.Context, namespace string, cursor time.Time) error {
	_, err := r.db.ExecContext(ctx, `
INSERT INTO indexing_sweep_cursors (namespace, cursor_at, updated_at)
VALUES ($1, $2, $3)
ON CONFLICT (namespace) DO UPDATE SET cursor_at = EXCLUDED.cursor_at, updated_at = EXCLUDED.updated_at
`, namespace, cursor, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("save sweep cursor: %w", err)
	}
	return nil
}

func updatedAt(job *domain.IndexingJob) time.Time {
	if job.UpdatedAt.IsZero() {
		return time.Now().UTC()
	}
	return job.UpdatedAt
}

type jobScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row jobScanner) (domain.IndexingJob, error) {
	var job domain.IndexingJob
	var operation, status string
	var completedAt sql.NullTime
	err := row.Scan(
		&job.ID,
		&job.Namespace,
		&job.RecordID,
		&operation,
		&status,
		&job.Attempts,
		&job.Error,
		&job.CreatedAt,
		&job.UpdatedAt,
		&completedAt,
	)
	if err != nil {
		return domain.IndexingJob{}, err
	}
	job.Operation = domain.Operation(operation)
	job.Status = domain.JobStatus(status)
	if completedAt.Valid {
		t := completedAt.Time
		job.CompletedAt = &t
	}
	return job, nil
}
