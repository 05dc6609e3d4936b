package audit

// BatchSummary is the immutable result of one trigger call.
type BatchSummary struct {
	Success       bool
	BatchID       string
	TotalUnits    int
	QueuedUnits   int
	FailedUnits   int
	TotalTargets  int
	QueuedTargets int
	FailedTargets int
	Results       []DispatchResult
}

// Summarize folds dispatch results into a BatchSummary. Success is true iff
// at least one unit was queued.
func Summarize(batchID string, results []DispatchResult) BatchSummary {
	sum := BatchSummary{
		BatchID: batchID,
		Results: append([]DispatchResult(nil), results...),
	}
	for _, res := range results {
		sum = sum.add(res)
	}
	sum.Success = sum.QueuedUnits > 0
	return sum
}

func (s BatchSummary) add(res DispatchResult) BatchSummary {
	targets := len(res.Unit.Targets)
	s.TotalUnits++
	s.TotalTargets += targets
	switch res.Outcome.(type) {
	case Queued:
		s.QueuedUnits++
		s.QueuedTargets += targets
	case DispatchFailed:
		s.FailedUnits++
		s.FailedTargets += targets
	}
	return s
}
