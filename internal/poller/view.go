package poller

import (
	"context"
	"fmt"

	"github.com/adops/site-auditor/internal/audit"
)

// Progress is the aggregate view rendered to clients.
type Progress struct {
	TotalSites     int               `json:"totalSites"`
	CompletedSites int               `json:"completedSites"`
	FailedSites    int               `json:"failedSites"`
	InProgress     int               `json:"inProgressSites"`
	Status         audit.BatchStatus `json:"status"`
}

// JobView is the per-site view rendered to clients.
type JobView struct {
	JobID        string          `json:"jobId"`
	SiteName     string          `json:"siteName"`
	PublisherID  string          `json:"publisherId"`
	Status       audit.JobStatus `json:"status"`
	Score        *float64        `json:"score,omitempty"`
	ErrorMessage *string         `json:"errorMessage,omitempty"`
}

// ProgressOf projects a batch onto its progress view.
func ProgressOf(b audit.Batch) Progress {
	return Progress{
		TotalSites:     b.TotalTargets,
		CompletedSites: b.CompletedCount,
		FailedSites:    b.FailedCount,
		InProgress:     b.InProgressCount,
		Status:         b.Status,
	}
}

// ViewJobs projects jobs onto their client views, keeping order.
func ViewJobs(jobs []audit.Job) []JobView {
	out := make([]JobView, 0, len(jobs))
	for _, job := range jobs {
		out = append(out, JobView{
			JobID:        job.ID,
			SiteName:     job.Target.SiteName,
			PublisherID:  job.Target.PublisherID,
			Status:       job.Status,
			Score:        job.Score,
			ErrorMessage: job.ErrorMessage,
		})
	}
	return out
}

// GetBatchJobs reads the per-site views of one batch.
func GetBatchJobs(ctx context.Context, reader audit.BatchReader, batchID string) ([]JobView, error) {
	jobs, err := reader.ListJobs(ctx, batchID)
	if err != nil {
		return nil, fmt.Errorf("list jobs %s: %w", batchID, err)
	}
	return ViewJobs(jobs), nil
}
