// Package memory provides in-memory stores for development and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/adops/site-auditor/internal/audit"
)

type batchRow struct {
	id          string
	createdAt   time.Time
	completedAt *time.Time
	failed      bool
	jobIDs      []string
}

// BatchStore is an audit.BatchStore guarded by a single mutex. Batch
// aggregates are recomputed from job rows on every read.
type BatchStore struct {
	mu      sync.RWMutex
	batches map[string]*batchRow
	order   []string
	jobs    map[string]audit.Job
	idGen   audit.IDGenerator
	clock   audit.Clock
}

// NewBatchStore constructs a BatchStore.
func NewBatchStore(idGen audit.IDGenerator, clock audit.Clock) *BatchStore {
	return &BatchStore{
		batches: make(map[string]*batchRow),
		jobs:    make(map[string]audit.Job),
		idGen:   idGen,
		clock:   clock,
	}
}

// CreateBatch stores one batch and one pending job per target atomically.
func (s *BatchStore) CreateBatch(_ context.Context, targets []audit.Target) (audit.BatchRef, error) {
	if len(targets) == 0 {
		return audit.BatchRef{}, audit.ErrNoTargets
	}
	batchID, err := s.idGen.NewID()
	if err != nil {
		return audit.BatchRef{}, fmt.Errorf("generate batch id: %w", err)
	}
	jobIDs := make([]string, 0, len(targets))
	for range targets {
		id, err := s.idGen.NewID()
		if err != nil {
			return audit.BatchRef{}, fmt.Errorf("generate job id: %w", err)
		}
		jobIDs = append(jobIDs, id)
	}
	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.batches[batchID]; exists {
		return audit.BatchRef{}, fmt.Errorf("batch %s already exists", batchID)
	}
	for i, target := range targets {
		s.jobs[jobIDs[i]] = audit.Job{
			ID:        jobIDs[i],
			BatchID:   batchID,
			Target:    target,
			Status:    audit.JobStatusPending,
			CreatedAt: now,
			UpdatedAt: now,
		}
	}
	s.batches[batchID] = &batchRow{id: batchID, createdAt: now, jobIDs: jobIDs}
	s.order = append(s.order, batchID)
	return audit.BatchRef{BatchID: batchID, JobIDs: append([]string(nil), jobIDs...)}, nil
}

// GetBatch returns the current aggregate snapshot.
func (s *BatchStore) GetBatch(_ context.Context, batchID string) (audit.Batch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row, ok := s.batches[batchID]
	if !ok {
		return audit.Batch{}, audit.ErrNotFound
	}
	return s.snapshot(row), nil
}

// ListBatches returns batches newest first.
func (s *BatchStore) ListBatches(_ context.Context, limit, offset int) ([]audit.Batch, error) {
	if limit <= 0 || offset < 0 {
		return nil, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]audit.Batch, 0, limit)
	for i := len(s.order) - 1 - offset; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.snapshot(s.batches[s.order[i]]))
	}
	return out, nil
}

// ListJobs returns a copy of the batch's jobs in creation order.
func (s *BatchStore) ListJobs(_ context.Context, batchID string) ([]audit.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row, ok := s.batches[batchID]
	if !ok {
		return nil, audit.ErrNotFound
	}
	return s.jobsFor(row), nil
}

// UpdateJobStatus applies a monotonic status transition to one job.
func (s *BatchStore) UpdateJobStatus(
	ctx context.Context,
	jobID string,
	status audit.JobStatus,
	result audit.JobResult,
) error {
	_, err := s.ApplyJobStatus(ctx, jobID, status, result)
	return err
}

// ApplyJobStatus is UpdateJobStatus that also reports whether this write
// settled the batch.
func (s *BatchStore) ApplyJobStatus(
	_ context.Context,
	jobID string,
	status audit.JobStatus,
	result audit.JobResult,
) (audit.JobUpdate, error) {
	if err := audit.ValidateResult(status, result); err != nil {
		return audit.JobUpdate{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return audit.JobUpdate{}, audit.ErrNotFound
	}
	if !job.Status.CanTransitionTo(status) {
		return audit.JobUpdate{}, fmt.Errorf("%w: %s -> %s", audit.ErrInvalidTransition, job.Status, status)
	}
	now := s.clock.Now()
	job.Status = status
	job.UpdatedAt = now
	if result.Score != nil {
		job.Score = audit.PtrFloat(*result.Score)
	}
	if result.ErrorMessage != nil {
		job.ErrorMessage = audit.PtrString(*result.ErrorMessage)
	}
	s.jobs[jobID] = job

	update := audit.JobUpdate{BatchID: job.BatchID}
	row := s.batches[job.BatchID]
	if row != nil && row.completedAt == nil && s.allTerminal(row) {
		row.completedAt = pointerTime(now)
		update.BatchSettled = true
	}
	return update, nil
}

// MarkJobsQueued records worker acceptance for the given jobs.
func (s *BatchStore) MarkJobsQueued(_ context.Context, jobIDs []string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range jobIDs {
		job, ok := s.jobs[id]
		if !ok {
			return fmt.Errorf("mark queued %s: %w", id, audit.ErrNotFound)
		}
		if job.QueuedAt == nil {
			job.QueuedAt = pointerTime(at)
			s.jobs[id] = job
		}
	}
	return nil
}

// MarkBatchFailed flags a batch whose dispatch failed for every unit.
func (s *BatchStore) MarkBatchFailed(_ context.Context, batchID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.batches[batchID]
	if !ok {
		return audit.ErrNotFound
	}
	row.failed = true
	if row.completedAt == nil {
		row.completedAt = pointerTime(at)
	}
	return nil
}

func (s *BatchStore) snapshot(row *batchRow) audit.Batch {
	var completedAt *time.Time
	if row.completedAt != nil {
		completedAt = pointerTime(*row.completedAt)
	}
	return audit.DeriveBatch(row.id, row.createdAt, completedAt, row.failed, s.jobsFor(row))
}

func (s *BatchStore) jobsFor(row *batchRow) []audit.Job {
	out := make([]audit.Job, 0, len(row.jobIDs))
	for _, id := range row.jobIDs {
		out = append(out, copyJob(s.jobs[id]))
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (s *BatchStore) allTerminal(row *batchRow) bool {
	for _, id := range row.jobIDs {
		if !s.jobs[id].Status.Terminal() {
			return false
		}
	}
	return true
}

func copyJob(job audit.Job) audit.Job {
	if job.Score != nil {
		job.Score = audit.PtrFloat(*job.Score)
	}
	if job.ErrorMessage != nil {
		job.ErrorMessage = audit.PtrString(*job.ErrorMessage)
	}
	if job.QueuedAt != nil {
		job.QueuedAt = pointerTime(*job.QueuedAt)
	}
	return job
}

func pointerTime(t time.Time) *time.Time {
	ts := t
	return &ts
}
