package audit

import "time"

// Outcome is the result of handing one dispatch unit to the audit worker.
// The only implementations are Queued and DispatchFailed.
type Outcome interface {
	outcome()
	// Label is the wire/metrics label: "queued" or "failed".
	Label() string
}

// Queued means the worker accepted the request for asynchronous processing.
// It does not mean the audit finished.
type Queued struct{}

func (Queued) outcome() {}

// Label implements Outcome.
func (Queued) Label() string { return "queued" }

// DispatchFailed means the unit never reached the worker, or the worker
// rejected it. Reason holds the verbatim response body or transport error.
type DispatchFailed struct {
	Reason     string
	StatusCode int
}

func (DispatchFailed) outcome() {}

// Label implements Outcome.
func (DispatchFailed) Label() string { return "failed" }

// DispatchUnit is one publisher's group of targets submitted in a single
// worker call. A unit with ResolveErr set failed during target resolution and
// is never sent.
type DispatchUnit struct {
	PublisherID   string
	PublisherName string
	Targets       []Target
	JobIDs        []string
	ResolveErr    error
}

// SiteNames lists the site names of the unit's targets in order.
func (u DispatchUnit) SiteNames() []string {
	out := make([]string, 0, len(u.Targets))
	for _, t := range u.Targets {
		out = append(out, t.SiteName)
	}
	return out
}

// DispatchResult records the outcome of one unit within a dispatch run.
type DispatchResult struct {
	Unit       DispatchUnit
	Outcome    Outcome
	Index      int
	Total      int
	StartedAt  time.Time
	FinishedAt time.Time
}

// Queued reports whether the unit was accepted by the worker.
func (r DispatchResult) Queued() bool {
	_, ok := r.Outcome.(Queued)
	return ok
}

// Reason returns the failure reason or "" when queued.
func (r DispatchResult) Reason() string {
	if failed, ok := r.Outcome.(DispatchFailed); ok {
		return failed.Reason
	}
	return ""
}
