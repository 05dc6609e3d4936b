// Package audit holds the data model of the audit batch orchestrator.
//
// A Batch owns one Job per resolved Target. Jobs move monotonically through
// pending, in_progress and then completed or failed; batch aggregates are
// always derived from the live job rows. Dispatch outcomes are modelled as the
// closed Outcome variant (Queued or DispatchFailed) and folded into an
// immutable BatchSummary by Summarize.
package audit
