package audit

import (
	"context"
	"io"
	"time"
)

// BatchStore persists batches and their jobs. It is the single source of
// truth for progress.
type BatchStore interface {
	CreateBatch(ctx context.Context, targets []Target) (BatchRef, error)
	GetBatch(ctx context.Context, batchID string) (Batch, error)
	ListJobs(ctx context.Context, batchID string) ([]Job, error)
	ListBatches(ctx context.Context, limit, offset int) ([]Batch, error)
	UpdateJobStatus(ctx context.Context, jobID string, status JobStatus, result JobResult) error
	ApplyJobStatus(ctx context.Context, jobID string, status JobStatus, result JobResult) (JobUpdate, error)
	MarkJobsQueued(ctx context.Context, jobIDs []string, at time.Time) error
	MarkBatchFailed(ctx context.Context, batchID string, at time.Time) error
}

// BatchReader is the read-only slice of BatchStore used by pollers.
type BatchReader interface {
	GetBatch(ctx context.Context, batchID string) (Batch, error)
	ListJobs(ctx context.Context, batchID string) ([]Job, error)
}

// PublisherDirectory exposes the publisher accounts and the site names
// previously observed for them.
type PublisherDirectory interface {
	ListEligiblePublishers(ctx context.Context) ([]PublisherRef, error)
	GetPublisher(ctx context.Context, publisherID string) (PublisherRef, error)
	ListObservedSites(ctx context.Context, publisherID string) ([]string, error)
}

// WorkerClient submits a dispatch unit to the external audit worker.
type WorkerClient interface {
	Submit(ctx context.Context, unit DispatchUnit, batchID string) Outcome
	Configured() bool
}

// Notifier publishes batch lifecycle notifications (Pub/Sub or similar).
type Notifier interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// BlobStore writes archived artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces batch and job IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
