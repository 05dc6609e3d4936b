package audit

import "time"

// Event names published through the Notifier.
const (
	EventBatchTriggered = "batch.triggered"
	EventBatchCompleted = "batch.completed"
)

// PublisherResult is the per-unit line of a Report.
type PublisherResult struct {
	PublisherID   string   `json:"publisherId"`
	PublisherName string   `json:"publisherName"`
	Status        string   `json:"status"`
	SiteNames     []string `json:"siteNames,omitempty"`
	StatusCode    int      `json:"statusCode,omitempty"`
	Error         string   `json:"error,omitempty"`
}

// Report is the wire form of a BatchSummary. It is returned to trigger
// callers, archived and published.
type Report struct {
	Success          bool              `json:"success"`
	BatchID          string            `json:"batchId,omitempty"`
	TotalPublishers  int               `json:"totalPublishers"`
	QueuedPublishers int               `json:"queuedPublishers"`
	FailedPublishers int               `json:"failedPublishers"`
	TotalSites       int               `json:"totalSites"`
	QueuedSites      int               `json:"queuedSites"`
	FailedSites      int               `json:"failedSites"`
	Results          []PublisherResult `json:"results"`
	Error            string            `json:"error,omitempty"`
	GeneratedAt      *time.Time        `json:"generatedAt,omitempty"`
}

// NewReport renders a summary.
func NewReport(sum BatchSummary) Report {
	r := Report{
		Success:          sum.Success,
		BatchID:          sum.BatchID,
		TotalPublishers:  sum.TotalUnits,
		QueuedPublishers: sum.QueuedUnits,
		FailedPublishers: sum.FailedUnits,
		TotalSites:       sum.TotalTargets,
		QueuedSites:      sum.QueuedTargets,
		FailedSites:      sum.FailedTargets,
		Results:          make([]PublisherResult, 0, len(sum.Results)),
	}
	for _, res := range sum.Results {
		line := PublisherResult{
			PublisherID:   res.Unit.PublisherID,
			PublisherName: res.Unit.PublisherName,
			Status:        res.Outcome.Label(),
			SiteNames:     res.Unit.SiteNames(),
		}
		if failed, ok := res.Outcome.(DispatchFailed); ok {
			line.Error = failed.Reason
			line.StatusCode = failed.StatusCode
		}
		r.Results = append(r.Results, line)
	}
	return r
}

// BatchEvent is published when a batch reaches a terminal status.
type BatchEvent struct {
	BatchID        string      `json:"batchId"`
	Status         BatchStatus `json:"status"`
	TotalSites     int         `json:"totalSites"`
	CompletedSites int         `json:"completedSites"`
	FailedSites    int         `json:"failedSites"`
	CompletedAt    *time.Time  `json:"completedAt,omitempty"`
}

// NewBatchEvent builds the notification payload for b.
func NewBatchEvent(b Batch) BatchEvent {
	return BatchEvent{
		BatchID:        b.ID,
		Status:         b.Status,
		TotalSites:     b.TotalTargets,
		CompletedSites: b.CompletedCount,
		FailedSites:    b.FailedCount,
		CompletedAt:    b.CompletedAt,
	}
}
