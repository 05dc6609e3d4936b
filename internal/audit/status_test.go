package audit

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestJobStatusCanTransitionTo(t *testing.T) {
	t.Parallel()

	tests := []struct {
		from JobStatus
		to   JobStatus
		want bool
	}{
		{JobStatusPending, JobStatusPending, true},
		{JobStatusPending, JobStatusInProgress, true},
		{JobStatusPending, JobStatusCompleted, true},
		{JobStatusPending, JobStatusFailed, true},
		{JobStatusInProgress, JobStatusInProgress, true},
		{JobStatusInProgress, JobStatusPending, false},
		{JobStatusInProgress, JobStatusCompleted, true},
		{JobStatusInProgress, JobStatusFailed, true},
		{JobStatusCompleted, JobStatusFailed, false},
		{JobStatusCompleted, JobStatusCompleted, false},
		{JobStatusFailed, JobStatusInProgress, false},
		{JobStatus("bogus"), JobStatusCompleted, false},
		{JobStatusPending, JobStatus("bogus"), false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tt.want, tt.from.CanTransitionTo(tt.to))
		})
	}
}

func TestPredecessors(t *testing.T) {
	t.Parallel()

	require.Equal(t, []JobStatus{JobStatusPending, JobStatusInProgress}, Predecessors(JobStatusCompleted))
	require.Equal(t, []JobStatus{JobStatusPending}, Predecessors(JobStatusPending))
}

func TestValidateResult(t *testing.T) {
	t.Parallel()

	require.NoError(t, ValidateResult(JobStatusCompleted, JobResult{Score: PtrFloat(87)}))
	require.NoError(t, ValidateResult(JobStatusFailed, JobResult{ErrorMessage: PtrString("timeout")}))
	require.NoError(t, ValidateResult(JobStatusInProgress, JobResult{}))

	err := ValidateResult(JobStatusCompleted, JobResult{})
	require.True(t, errors.Is(err, ErrInvalidResult))
	err = ValidateResult(JobStatusFailed, JobResult{ErrorMessage: PtrString("  ")})
	require.True(t, errors.Is(err, ErrInvalidResult))
}

func TestParseJobStatus(t *testing.T) {
	t.Parallel()

	status, err := ParseJobStatus(" Completed ")
	require.NoError(t, err)
	require.Equal(t, JobStatusCompleted, status)

	_, err = ParseJobStatus("done")
	require.Error(t, err)
}
