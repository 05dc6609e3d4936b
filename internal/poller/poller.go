// Package poller reads batch progress on a fixed interval until the batch is
// terminal, the attempt budget is spent or the caller goes away.
package poller

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/adops/site-auditor/internal/audit"
	"github.com/adops/site-auditor/internal/logging"
	"github.com/adops/site-auditor/internal/metrics"
)

const (
	// DefaultInterval is the pause between reads.
	DefaultInterval = 2 * time.Second
	// DefaultMaxAttempts bounds a poll run to about two minutes.
	DefaultMaxAttempts = 60
)

// Outcome describes how a poll run ended.
type Outcome string

// Poll outcomes.
const (
	OutcomeTerminal  Outcome = "terminal"
	OutcomeExhausted Outcome = "exhausted"
	OutcomeCanceled  Outcome = "canceled"
)

// Options bound a poll run. Zero values take the defaults.
type Options struct {
	Interval    time.Duration
	MaxAttempts int
}

func (o Options) withDefaults() Options {
	if o.Interval <= 0 {
		o.Interval = DefaultInterval
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	return o
}

// Snapshot is one observation of a batch.
type Snapshot struct {
	BatchID     string    `json:"batchId"`
	Attempt     int       `json:"attempt"`
	MaxAttempts int       `json:"maxAttempts"`
	Progress    Progress  `json:"progress"`
	Jobs        []JobView `json:"jobs"`
	Terminal    bool      `json:"terminal"`
	Err         error     `json:"-"`
	Error       string    `json:"error,omitempty"`
	ObservedAt  time.Time `json:"observedAt"`
}

// Poller reads batches through an audit.BatchReader. It never writes.
type Poller struct {
	reader audit.BatchReader
	clock  audit.Clock
	logger *zap.Logger
}

// New constructs a Poller.
func New(reader audit.BatchReader, clock audit.Clock, logger *zap.Logger) (*Poller, error) {
	if reader == nil {
		return nil, errors.New("batch reader is required")
	}
	if clock == nil {
		return nil, errors.New("clock is required")
	}
	return &Poller{reader: reader, clock: clock, logger: logging.OrNop(logger)}, nil
}

// Poll reads immediately, then once per interval, handing every snapshot to
// emit. A failed read still counts as an attempt. Exhausting the budget is
// not an error.
func (p *Poller) Poll(ctx context.Context, batchID string, opts Options, emit func(Snapshot)) (Outcome, error) {
	opts = opts.withDefaults()
	logger := logging.ForBatch(p.logger, batchID)
	timer := time.NewTimer(opts.Interval)
	timer.Stop()
	defer timer.Stop()

	for attempt := 1; attempt <= opts.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return p.finish(logger, OutcomeCanceled, attempt-1), err
		}
		snap := p.Snapshot(ctx, batchID)
		snap.Attempt = attempt
		snap.MaxAttempts = opts.MaxAttempts
		if snap.Err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return p.finish(logger, OutcomeCanceled, attempt), ctxErr
			}
			logger.Warn("progress read failed", zap.Int("attempt", attempt), zap.Error(snap.Err))
		}
		if emit != nil {
			emit(snap)
		}
		metrics.ObservePollSnapshot()
		if snap.Terminal {
			return p.finish(logger, OutcomeTerminal, attempt), nil
		}
		if attempt == opts.MaxAttempts {
			break
		}
		timer.Reset(opts.Interval)
		select {
		case <-ctx.Done():
			return p.finish(logger, OutcomeCanceled, attempt), ctx.Err()
		case <-timer.C:
		}
	}
	return p.finish(logger, OutcomeExhausted, opts.MaxAttempts), nil
}

// Watch runs Poll in a goroutine and streams snapshots. The channel closes
// when the run ends.
func (p *Poller) Watch(ctx context.Context, batchID string, opts Options) <-chan Snapshot {
	out := make(chan Snapshot, 1)
	go func() {
		defer close(out)
		_, _ = p.Poll(ctx, batchID, opts, func(s Snapshot) {
			select {
			case out <- s:
			case <-ctx.Done():
			}
		})
	}()
	return out
}

// Snapshot performs one read without attempt bookkeeping.
func (p *Poller) Snapshot(ctx context.Context, batchID string) Snapshot {
	snap := Snapshot{BatchID: batchID, ObservedAt: p.clock.Now()}
	batch, err := p.reader.GetBatch(ctx, batchID)
	if err != nil {
		snap.Err = err
		snap.Error = err.Error()
		return snap
	}
	jobs, err := p.reader.ListJobs(ctx, batchID)
	if err != nil {
		snap.Err = err
		snap.Error = err.Error()
		return snap
	}
	snap.Progress = ProgressOf(batch)
	snap.Jobs = ViewJobs(jobs)
	snap.Terminal = batch.Status.Terminal()
	return snap
}

func (p *Poller) finish(logger *zap.Logger, outcome Outcome, attempts int) Outcome {
	metrics.ObservePollRun(string(outcome))
	logger.Debug("poll finished", zap.String("outcome", string(outcome)), zap.Int("attempts", attempts))
	return outcome
}
