package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/adops/site-auditor/internal/audit"
)

const batchAggregateSelect = `
SELECT
	b.id,
	b.created_at,
	b.completed_at,
	b.failed,
	COUNT(j.id),
	COUNT(j.id) FILTER (WHERE j.queued_at IS NOT NULL),
	COUNT(j.id) FILTER (WHERE j.status = 'in_progress'),
	COUNT(j.id) FILTER (WHERE j.status = 'completed'),
	COUNT(j.id) FILTER (WHERE j.status = 'failed')
FROM audit_batches b
LEFT JOIN audit_jobs j ON j.batch_id = b.id`

const jobSelect = `
SELECT id, batch_id, publisher_id, publisher_name, site_name, status,
	score, error_message, queued_at, created_at, updated_at
FROM audit_jobs`

var jobColumns = []string{
	"id", "batch_id", "publisher_id", "publisher_name", "site_name",
	"status", "created_at", "updated_at",
}

// BatchStore implements audit.BatchStore on Postgres. Aggregates are computed
// from audit_jobs on every read.
type BatchStore struct {
	pool  DB
	idGen audit.IDGenerator
	clock audit.Clock
}

// NewBatchStore constructs a BatchStore over an existing pool.
func NewBatchStore(pool DB, idGen audit.IDGenerator, clock audit.Clock) (*BatchStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if idGen == nil || clock == nil {
		return nil, fmt.Errorf("id generator and clock are required")
	}
	return &BatchStore{pool: pool, idGen: idGen, clock: clock}, nil
}

// CreateBatch inserts the batch row and its pending jobs in one transaction.
func (s *BatchStore) CreateBatch(ctx context.Context, targets []audit.Target) (ref audit.BatchRef, err error) {
	if len(targets) == 0 {
		return audit.BatchRef{}, audit.ErrNoTargets
	}
	batchID, err := s.idGen.NewID()
	if err != nil {
		return audit.BatchRef{}, fmt.Errorf("generate batch id: %w", err)
	}
	now := s.clock.Now()
	jobIDs := make([]string, 0, len(targets))
	rows := make([][]any, 0, len(targets))
	for _, target := range targets {
		id, idErr := s.idGen.NewID()
		if idErr != nil {
			return audit.BatchRef{}, fmt.Errorf("generate job id: %w", idErr)
		}
		jobIDs = append(jobIDs, id)
		rows = append(rows, []any{
			id, batchID, target.PublisherID, target.PublisherName, target.SiteName,
			string(audit.JobStatusPending), now, now,
		})
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return audit.BatchRef{}, fmt.Errorf("begin create batch: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	if _, err = tx.Exec(ctx,
		`INSERT INTO audit_batches (id, created_at) VALUES ($1, $2)`,
		batchID, now,
	); err != nil {
		return audit.BatchRef{}, fmt.Errorf("insert batch: %w", err)
	}
	copied, err := tx.CopyFrom(ctx, pgx.Identifier{"audit_jobs"}, jobColumns, pgx.CopyFromRows(rows))
	if err != nil {
		return audit.BatchRef{}, fmt.Errorf("insert jobs: %w", err)
	}
	if int(copied) != len(rows) {
		err = fmt.Errorf("insert jobs: wrote %d of %d rows", copied, len(rows))
		return audit.BatchRef{}, err
	}
	if err = tx.Commit(ctx); err != nil {
		return audit.BatchRef{}, fmt.Errorf("commit create batch: %w", err)
	}
	return audit.BatchRef{BatchID: batchID, JobIDs: jobIDs}, nil
}

// GetBatch returns the current aggregate snapshot.
func (s *BatchStore) GetBatch(ctx context.Context, batchID string) (audit.Batch, error) {
	row := s.pool.QueryRow(ctx, batchAggregateSelect+`
WHERE b.id = $1
GROUP BY b.id`, batchID)
	batch, err := scanBatch(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return audit.Batch{}, audit.ErrNotFound
		}
		return audit.Batch{}, fmt.Errorf("get batch: %w", err)
	}
	return batch, nil
}

// ListBatches returns batches newest first.
func (s *BatchStore) ListBatches(ctx context.Context, limit, offset int) ([]audit.Batch, error) {
	if limit <= 0 || offset < 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, batchAggregateSelect+`
GROUP BY b.id
ORDER BY b.created_at DESC, b.id DESC
LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list batches: %w", err)
	}
	defer rows.Close()

	var out []audit.Batch
	for rows.Next() {
		batch, err := scanBatch(rows)
		if err != nil {
			return nil, fmt.Errorf("scan batch: %w", err)
		}
		out = append(out, batch)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate batches: %w", err)
	}
	return out, nil
}

// ListJobs returns a batch's jobs in creation order.
func (s *BatchStore) ListJobs(ctx context.Context, batchID string) ([]audit.Job, error) {
	var exists bool
	if err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM audit_batches WHERE id = $1)`, batchID,
	).Scan(&exists); err != nil {
		return nil, fmt.Errorf("lookup batch: %w", err)
	}
	if !exists {
		return nil, audit.ErrNotFound
	}
	rows, err := s.pool.Query(ctx, jobSelect+`
WHERE batch_id = $1
ORDER BY created_at, id`, batchID)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var out []audit.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return out, nil
}

// UpdateJobStatus applies a monotonic transition.
func (s *BatchStore) UpdateJobStatus(
	ctx context.Context,
	jobID string,
	status audit.JobStatus,
	result audit.JobResult,
) error {
	_, err := s.ApplyJobStatus(ctx, jobID, status, result)
	return err
}

// ApplyJobStatus applies a monotonic transition. The guard lives in the
// WHERE clause so concurrent callbacks cannot regress a job. When the last
// job settles, the batch's completed_at is stamped exactly once and only
// that write reports BatchSettled.
func (s *BatchStore) ApplyJobStatus(
	ctx context.Context,
	jobID string,
	status audit.JobStatus,
	result audit.JobResult,
) (audit.JobUpdate, error) {
	if err := audit.ValidateResult(status, result); err != nil {
		return audit.JobUpdate{}, err
	}
	allowed := make([]string, 0, 2)
	for _, from := range audit.Predecessors(status) {
		allowed = append(allowed, string(from))
	}
	now := s.clock.Now()

	var batchID string
	err := s.pool.QueryRow(ctx, `
UPDATE audit_jobs
SET status = $2,
	score = COALESCE($3, score),
	error_message = COALESCE($4, error_message),
	updated_at = $5
WHERE id = $1 AND status = ANY($6)
RETURNING batch_id`,
		jobID, string(status), result.Score, result.ErrorMessage, now, allowed,
	).Scan(&batchID)
	if errors.Is(err, pgx.ErrNoRows) {
		return audit.JobUpdate{}, s.explainRejectedUpdate(ctx, jobID, status)
	}
	if err != nil {
		return audit.JobUpdate{}, fmt.Errorf("update job status: %w", err)
	}
	update := audit.JobUpdate{BatchID: batchID}
	if !status.Terminal() {
		return update, nil
	}
	tag, err := s.pool.Exec(ctx, `
UPDATE audit_batches
SET completed_at = $2
WHERE id = $1
	AND completed_at IS NULL
	AND NOT EXISTS (
		SELECT 1 FROM audit_jobs
		WHERE batch_id = $1 AND status NOT IN ('completed', 'failed')
	)`, batchID, now)
	if err != nil {
		return audit.JobUpdate{}, fmt.Errorf("stamp batch completion: %w", err)
	}
	update.BatchSettled = tag.RowsAffected() == 1
	return update, nil
}

func (s *BatchStore) explainRejectedUpdate(ctx context.Context, jobID string, next audit.JobStatus) error {
	var current string
	err := s.pool.QueryRow(ctx, `SELECT status FROM audit_jobs WHERE id = $1`, jobID).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return audit.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("lookup job status: %w", err)
	}
	return fmt.Errorf("%w: %s -> %s", audit.ErrInvalidTransition, current, next)
}

// MarkJobsQueued records worker acceptance for the given jobs.
func (s *BatchStore) MarkJobsQueued(ctx context.Context, jobIDs []string, at time.Time) error {
	if len(jobIDs) == 0 {
		return nil
	}
	if _, err := s.pool.Exec(ctx, `
UPDATE audit_jobs
SET queued_at = $2, updated_at = $2
WHERE id = ANY($1) AND queued_at IS NULL`, jobIDs, at); err != nil {
		return fmt.Errorf("mark jobs queued: %w", err)
	}
	return nil
}

// MarkBatchFailed flags a batch whose dispatch failed for every unit.
func (s *BatchStore) MarkBatchFailed(ctx context.Context, batchID string, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `
UPDATE audit_batches
SET failed = TRUE, completed_at = COALESCE(completed_at, $2)
WHERE id = $1`, batchID, at)
	if err != nil {
		return fmt.Errorf("mark batch failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return audit.ErrNotFound
	}
	return nil
}

func scanBatch(row pgx.Row) (audit.Batch, error) {
	var (
		b      audit.Batch
		failed bool
	)
	if err := row.Scan(
		&b.ID,
		&b.CreatedAt,
		&b.CompletedAt,
		&failed,
		&b.TotalTargets,
		&b.QueuedCount,
		&b.InProgressCount,
		&b.CompletedCount,
		&b.FailedCount,
	); err != nil {
		return audit.Batch{}, err
	}
	b.Status = audit.DeriveStatus(b, failed)
	return b, nil
}

func scanJob(row pgx.Row) (audit.Job, error) {
	var (
		job    audit.Job
		status string
	)
	if err := row.Scan(
		&job.ID,
		&job.BatchID,
		&job.Target.PublisherID,
		&job.Target.PublisherName,
		&job.Target.SiteName,
		&status,
		&job.Score,
		&job.ErrorMessage,
		&job.QueuedAt,
		&job.CreatedAt,
		&job.UpdatedAt,
	); err != nil {
		return audit.Job{}, err
	}
	job.Status = audit.JobStatus(status)
	return job, nil
}
