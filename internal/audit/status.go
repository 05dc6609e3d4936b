package audit

import (
	"fmt"
	"strings"
)

// JobStatus represents the lifecycle state of a single audit job. Transitions
// are one-directional.
type JobStatus string

// Job status values persisted in the batch store.
const (
	JobStatusPending    JobStatus = "pending"
	JobStatusInProgress JobStatus = "in_progress"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// Terminal reports whether no further transition is allowed.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// Valid reports whether s is a known status.
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusPending, JobStatusInProgress, JobStatusCompleted, JobStatusFailed:
		return true
	default:
		return false
	}
}

func (s JobStatus) rank() int {
	switch s {
	case JobStatusPending:
		return 0
	case JobStatusInProgress:
		return 1
	case JobStatusCompleted, JobStatusFailed:
		return 2
	default:
		return -1
	}
}

// CanTransitionTo reports whether moving from s to next keeps the status
// monotonic. Re-applying a non-terminal status is a no-op and allowed.
func (s JobStatus) CanTransitionTo(next JobStatus) bool {
	if !s.Valid() || !next.Valid() || s.Terminal() {
		return false
	}
	return next.rank() >= s.rank()
}

// Predecessors lists the statuses from which next may be reached.
func Predecessors(next JobStatus) []JobStatus {
	var out []JobStatus
	for _, from := range []JobStatus{JobStatusPending, JobStatusInProgress, JobStatusCompleted, JobStatusFailed} {
		if from.CanTransitionTo(next) {
			out = append(out, from)
		}
	}
	return out
}

// ParseJobStatus maps user input onto a JobStatus.
func ParseJobStatus(input string) (JobStatus, error) {
	status := JobStatus(strings.ToLower(strings.TrimSpace(input)))
	if !status.Valid() {
		return "", fmt.Errorf("unknown job status %q", input)
	}
	return status, nil
}

// ValidateResult checks the payload rules attached to a target status:
// completed jobs carry a score and failed jobs carry an error message.
func ValidateResult(status JobStatus, result JobResult) error {
	switch status {
	case JobStatusCompleted:
		if result.Score == nil {
			return fmt.Errorf("%w: completed job requires a score", ErrInvalidResult)
		}
	case JobStatusFailed:
		if result.ErrorMessage == nil || strings.TrimSpace(*result.ErrorMessage) == "" {
			return fmt.Errorf("%w: failed job requires an error message", ErrInvalidResult)
		}
	case JobStatusPending, JobStatusInProgress:
	default:
		return fmt.Errorf("%w: unknown status %q", ErrInvalidResult, status)
	}
	return nil
}
