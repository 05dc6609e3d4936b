package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestInit(t *testing.T) {
	// Call Init multiple times to test idempotency.
	Init()
	Init()

	if dispatchTotal == nil || batchesTotal == nil ||
		httpRequestsTotal == nil || httpRequestDurationSeconds == nil {
		t.Fatal("Init() did not initialize metrics collectors")
	}
}

func TestObserveDispatch(t *testing.T) {
	Init()
	before := testutil.ToFloat64(dispatchTotal.WithLabelValues("queued"))
	ObserveDispatch("queued", 150*time.Millisecond)
	ObserveDispatch("queued", 0)
	if val := testutil.ToFloat64(dispatchTotal.WithLabelValues("queued")); val != before+2 {
		t.Errorf("Expected dispatch counter to grow by 2, got %f -> %f", before, val)
	}
	if val := testutil.CollectAndCount(dispatchDurationSeconds); val != 1 {
		t.Errorf("Expected one duration series, got %d", val)
	}
}

func TestObserveBatchAndJobs(t *testing.T) {
	Init()
	before := testutil.ToFloat64(batchesTotal.WithLabelValues("empty"))
	ObserveBatch("empty")
	if val := testutil.ToFloat64(batchesTotal.WithLabelValues("empty")); val != before+1 {
		t.Errorf("Expected batches_total{empty} to grow by 1, got %f", val-before)
	}

	beforeJobs := testutil.ToFloat64(jobTransitionsTotal.WithLabelValues("completed"))
	ObserveJobTransition("completed")
	if val := testutil.ToFloat64(jobTransitionsTotal.WithLabelValues("completed")); val != beforeJobs+1 {
		t.Errorf("Expected job transition counter to grow by 1, got %f", val-beforeJobs)
	}
}

func TestActiveDispatchGauge(t *testing.T) {
	Init()
	base := testutil.ToFloat64(activeDispatchRuns)
	IncActiveDispatchRuns()
	if val := testutil.ToFloat64(activeDispatchRuns); val != base+1 {
		t.Errorf("Expected gauge %f, got %f", base+1, val)
	}
	DecActiveDispatchRuns()
	if val := testutil.ToFloat64(activeDispatchRuns); val != base {
		t.Errorf("Expected gauge back at %f, got %f", base, val)
	}
}
