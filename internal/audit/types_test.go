package audit

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDeriveBatchStatus(t *testing.T) {
	t.Parallel()

	created := time.Unix(100, 0).UTC()
	queued := created.Add(time.Second)
	job := func(status JobStatus) Job {
		return Job{Status: status, QueuedAt: &queued}
	}

	tests := []struct {
		name   string
		jobs   []Job
		failed bool
		want   BatchStatus
	}{
		{"all pending", []Job{job(JobStatusPending), job(JobStatusPending)}, false, BatchStatusPending},
		{"running but none settled", []Job{job(JobStatusInProgress), job(JobStatusPending)}, false, BatchStatusPending},
		{"some settled", []Job{job(JobStatusCompleted), job(JobStatusInProgress)}, false, BatchStatusInProgress},
		{"all settled with failures", []Job{job(JobStatusCompleted), job(JobStatusFailed)}, false, BatchStatusCompleted},
		{"all failed still completed", []Job{job(JobStatusFailed), job(JobStatusFailed)}, false, BatchStatusCompleted},
		{"marked failed", []Job{job(JobStatusFailed)}, true, BatchStatusFailed},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			b := DeriveBatch("batch", created, nil, tt.failed, tt.jobs)
			require.Equal(t, tt.want, b.Status)
			require.Equal(t, len(tt.jobs), b.TotalTargets)
			require.LessOrEqual(t, b.Settled(), b.TotalTargets)
		})
	}
}

func TestDeriveBatchCounts(t *testing.T) {
	t.Parallel()

	queued := time.Unix(200, 0).UTC()
	jobs := []Job{
		{Status: JobStatusCompleted, QueuedAt: &queued},
		{Status: JobStatusInProgress, QueuedAt: &queued},
		{Status: JobStatusFailed},
		{Status: JobStatusPending, QueuedAt: &queued},
	}
	b := DeriveBatch("b", queued, nil, false, jobs)
	require.Equal(t, 4, b.TotalTargets)
	require.Equal(t, 3, b.QueuedCount)
	require.Equal(t, 1, b.InProgressCount)
	require.Equal(t, 1, b.CompletedCount)
	require.Equal(t, 1, b.FailedCount)
	require.LessOrEqual(t, b.QueuedCount+b.FailedCount, b.TotalTargets)
}

func TestSummarizeSuccessSemantics(t *testing.T) {
	t.Parallel()

	unit := func(sites ...string) DispatchUnit {
		u := DispatchUnit{PublisherID: "pub"}
		for _, s := range sites {
			u.Targets = append(u.Targets, Target{PublisherID: "pub", SiteName: s})
		}
		return u
	}

	sum := Summarize("batch", []DispatchResult{
		{Unit: unit("a.com", "b.com"), Outcome: Queued{}},
		{Unit: unit("c.com"), Outcome: DispatchFailed{Reason: "rate limited", StatusCode: 500}},
		{Unit: DispatchUnit{PublisherID: "p3", ResolveErr: errors.New("lookup")}, Outcome: DispatchFailed{Reason: "lookup"}},
	})
	require.True(t, sum.Success)
	require.Equal(t, 3, sum.TotalUnits)
	require.Equal(t, 1, sum.QueuedUnits)
	require.Equal(t, 2, sum.FailedUnits)
	require.Equal(t, 3, sum.TotalTargets)
	require.Equal(t, 2, sum.QueuedTargets)
	require.Equal(t, 1, sum.FailedTargets)
	require.Len(t, sum.Results, 3)

	allFailed := Summarize("batch", []DispatchResult{
		{Unit: unit("a.com"), Outcome: DispatchFailed{Reason: "boom"}},
	})
	require.False(t, allFailed.Success)

	empty := Summarize("", nil)
	require.False(t, empty.Success)
	require.Zero(t, empty.TotalUnits)
}

func TestDispatchResultAccessors(t *testing.T) {
	t.Parallel()

	failed := DispatchResult{Outcome: DispatchFailed{Reason: "rate limited", StatusCode: 500}}
	require.False(t, failed.Queued())
	require.Equal(t, "rate limited", failed.Reason())
	require.Equal(t, "failed", failed.Outcome.Label())

	ok := DispatchResult{Outcome: Queued{}}
	require.True(t, ok.Queued())
	require.Empty(t, ok.Reason())
	require.Equal(t, "queued", ok.Outcome.Label())
}

func TestFaultErrorUnwraps(t *testing.T) {
	t.Parallel()

	err := Fault("create batch", ErrNoTargets)
	var fault *FaultError
	require.True(t, errors.As(err, &fault))
	require.Equal(t, "create batch", fault.Op)
	require.True(t, errors.Is(err, ErrNoTargets))
	require.Nil(t, Fault("noop", nil))
}

func TestNewReportRendersResults(t *testing.T) {
	t.Parallel()

	results := []DispatchResult{
		{
			Unit:    DispatchUnit{PublisherID: "p1", PublisherName: "One", Targets: []Target{{SiteName: "a.com"}}},
			Outcome: Queued{},
		},
		{
			Unit:    DispatchUnit{PublisherID: "p2", PublisherName: "Two"},
			Outcome: DispatchFailed{Reason: "rate limited", StatusCode: 500},
		},
	}
	report := NewReport(Summarize("b1", results))
	if !report.Success || report.BatchID != "b1" {
		t.Fatalf("unexpected header %+v", report)
	}
	if report.TotalPublishers != 2 || report.QueuedPublishers != 1 || report.FailedPublishers != 1 {
		t.Fatalf("unexpected counts %+v", report)
	}
	if report.Results[0].Status != "queued" || report.Results[0].Error != "" {
		t.Fatalf("unexpected queued line %+v", report.Results[0])
	}
	if report.Results[1].Status != "failed" || report.Results[1].Error != "rate limited" || report.Results[1].StatusCode != 500 {
		t.Fatalf("unexpected failed line %+v", report.Results[1])
	}
}
