package audit

import (
	"time"
)

// BatchStatus represents the lifecycle state of an audit batch.
type BatchStatus string

// Batch status values.
const (
	BatchStatusPending    BatchStatus = "pending"
	BatchStatusInProgress BatchStatus = "in_progress"
	BatchStatusCompleted  BatchStatus = "completed"
	BatchStatusFailed     BatchStatus = "failed"
)

// Terminal reports whether the batch will not change status again.
func (s BatchStatus) Terminal() bool {
	return s == BatchStatusCompleted || s == BatchStatusFailed
}

// Target identifies one unit of audit work: a site owned by a publisher.
type Target struct {
	PublisherID   string `json:"publisher_id"`
	PublisherName string `json:"publisher_name,omitempty"`
	SiteName      string `json:"site_name"`
}

// PublisherRef is the directory view of a publisher account.
type PublisherRef struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	WorkflowStatus *string   `json:"workflow_status,omitempty"`
	PrimaryDomain  string    `json:"primary_domain,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// Batch is the aggregate snapshot of one audit request.
type Batch struct {
	ID              string      `json:"id"`
	TotalTargets    int         `json:"total_targets"`
	QueuedCount     int         `json:"queued_count"`
	InProgressCount int         `json:"in_progress_count"`
	CompletedCount  int         `json:"completed_count"`
	FailedCount     int         `json:"failed_count"`
	Status          BatchStatus `json:"status"`
	CreatedAt       time.Time   `json:"created_at"`
	CompletedAt     *time.Time  `json:"completed_at,omitempty"`
}

// Settled returns the number of jobs that reached a terminal state.
func (b Batch) Settled() int {
	return b.CompletedCount + b.FailedCount
}

// Job tracks one target's audit lifecycle inside a batch.
type Job struct {
	ID           string     `json:"id"`
	BatchID      string     `json:"batch_id"`
	Target       Target     `json:"target"`
	Status       JobStatus  `json:"status"`
	Score        *float64   `json:"score,omitempty"`
	ErrorMessage *string    `json:"error_message,omitempty"`
	QueuedAt     *time.Time `json:"queued_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// JobResult carries the worker-provided payload for a status update.
type JobResult struct {
	Score        *float64 `json:"score,omitempty"`
	ErrorMessage *string  `json:"error_message,omitempty"`
}

// BatchRef is returned by BatchStore.CreateBatch. JobIDs follow the order of
// the targets passed in.
type BatchRef struct {
	BatchID string
	JobIDs  []string
}

// JobUpdate reports the effect of one applied job transition. BatchSettled
// is true only for the write that stamped the batch's completion time.
type JobUpdate struct {
	BatchID      string
	BatchSettled bool
}

// DeriveBatch folds job rows into the aggregate fields of a batch. The stored
// failed flag is sticky and overrides job-derived status.
func DeriveBatch(id string, createdAt time.Time, completedAt *time.Time, markedFailed bool, jobs []Job) Batch {
	b := Batch{
		ID:           id,
		TotalTargets: len(jobs),
		CreatedAt:    createdAt,
		CompletedAt:  completedAt,
	}
	for _, job := range jobs {
		if job.QueuedAt != nil {
			b.QueuedCount++
		}
		switch job.Status {
		case JobStatusInProgress:
			b.InProgressCount++
		case JobStatusCompleted:
			b.CompletedCount++
		case JobStatusFailed:
			b.FailedCount++
		case JobStatusPending:
		}
	}
	b.Status = DeriveStatus(b, markedFailed)
	return b
}

// DeriveStatus computes a batch status from its job counts. Stores that
// aggregate in SQL use it directly.
func DeriveStatus(b Batch, markedFailed bool) BatchStatus {
	settled := b.Settled()
	switch {
	case markedFailed:
		return BatchStatusFailed
	case b.TotalTargets > 0 && settled == b.TotalTargets:
		return BatchStatusCompleted
	case settled > 0:
		return BatchStatusInProgress
	default:
		return BatchStatusPending
	}
}

// PtrString returns a pointer to a copy of s.
func PtrString(s string) *string {
	return &s
}

// PtrFloat returns a pointer to a copy of f.
func PtrFloat(f float64) *float64 {
	return &f
}
