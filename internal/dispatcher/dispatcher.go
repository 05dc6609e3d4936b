// Package dispatcher submits dispatch units to the audit worker one at a
// time, pacing requests to respect downstream rate limits.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/adops/site-auditor/internal/audit"
	"github.com/adops/site-auditor/internal/logging"
	"github.com/adops/site-auditor/internal/metrics"
	"github.com/adops/site-auditor/internal/policy/ratelimit"
)

// CanceledReason is recorded for units that were never attempted because the
// dispatch run was canceled.
const CanceledReason = "dispatch canceled"

var tracer = otel.Tracer("github.com/adops/site-auditor/internal/dispatcher")

// DelayWindow bounds the randomized pause between consecutive dispatches.
type DelayWindow struct {
	Min time.Duration
	Max time.Duration
}

// Validate reports whether the window is usable.
func (w DelayWindow) Validate() error {
	if w.Min < 0 || w.Max < w.Min {
		return fmt.Errorf("invalid delay window %v-%v", w.Min, w.Max)
	}
	return nil
}

// ResultFunc receives each result as soon as its unit finishes, before the
// next unit starts.
type ResultFunc func(audit.DispatchResult)

// Sleeper pauses between dispatches. It must return early when ctx is done.
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}

// Dispatcher runs units through an audit.WorkerClient sequentially.
type Dispatcher struct {
	client  audit.WorkerClient
	sleeper Sleeper
	clock   audit.Clock
	limiter *ratelimit.Limiter
	logger  *zap.Logger

	rngMu sync.Mutex
	rng   *rand.Rand
}

// Option customizes a Dispatcher.
type Option func(*Dispatcher)

// WithLimiter adds an account-level dispatch ceiling.
func WithLimiter(l *ratelimit.Limiter) Option {
	return func(d *Dispatcher) { d.limiter = l }
}

// WithRand overrides the delay sampler.
func WithRand(r *rand.Rand) Option {
	return func(d *Dispatcher) {
		if r != nil {
			d.rng = r
		}
	}
}

// New constructs a Dispatcher.
func New(client audit.WorkerClient, sleeper Sleeper, clock audit.Clock, logger *zap.Logger, opts ...Option) (*Dispatcher, error) {
	if client == nil {
		return nil, errors.New("worker client is required")
	}
	if sleeper == nil || clock == nil {
		return nil, errors.New("sleeper and clock are required")
	}
	d := &Dispatcher{
		client:  client,
		sleeper: sleeper,
		clock:   clock,
		logger:  logging.OrNop(logger),
		rng:     rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Dispatch submits one unit. Failures are returned as data, never as errors.
func (d *Dispatcher) Dispatch(ctx context.Context, batchID string, unit audit.DispatchUnit) audit.DispatchResult {
	started := d.clock.Now()
	if unit.ResolveErr != nil {
		return audit.DispatchResult{
			Unit:       unit,
			Outcome:    audit.DispatchFailed{Reason: unit.ResolveErr.Error()},
			StartedAt:  started,
			FinishedAt: started,
		}
	}
	ctx, span := tracer.Start(ctx, "dispatcher.Dispatch", trace.WithAttributes(
		attribute.String("batch.id", batchID),
		attribute.String("publisher.id", unit.PublisherID),
		attribute.Int("unit.targets", len(unit.Targets)),
	))
	defer span.End()

	if err := d.limiter.Wait(ctx, "worker"); err != nil {
		reason := err.Error()
		if ctx.Err() != nil {
			reason = CanceledReason
		}
		span.SetStatus(codes.Error, reason)
		return audit.DispatchResult{
			Unit:       unit,
			Outcome:    audit.DispatchFailed{Reason: reason},
			StartedAt:  started,
			FinishedAt: d.clock.Now(),
		}
	}
	outcome := d.client.Submit(ctx, unit, batchID)
	if outcome == nil {
		outcome = audit.DispatchFailed{Reason: "worker client returned no outcome"}
	}
	finished := d.clock.Now()
	metrics.ObserveDispatch(outcome.Label(), finished.Sub(started))
	span.SetAttributes(attribute.String("dispatch.outcome", outcome.Label()))
	if failed, ok := outcome.(audit.DispatchFailed); ok {
		span.SetStatus(codes.Error, failed.Reason)
	}
	return audit.DispatchResult{
		Unit:       unit,
		Outcome:    outcome,
		StartedAt:  started,
		FinishedAt: finished,
	}
}

// DispatchAll submits units strictly in order. A randomized delay sampled
// from window precedes every network dispatch except the first; pre-failed
// units are recorded without a call or a delay. One unit's failure never
// stops the rest. Cancellation only stops further dispatches: the remaining
// units are recorded as canceled. onResult may be nil.
func (d *Dispatcher) DispatchAll(
	ctx context.Context,
	batchID string,
	units []audit.DispatchUnit,
	window DelayWindow,
	onResult ResultFunc,
) []audit.DispatchResult {
	if err := window.Validate(); err != nil {
		d.logger.Warn("invalid delay window, dispatching without pauses", zap.Error(err))
		window = DelayWindow{}
	}
	metrics.IncActiveDispatchRuns()
	defer metrics.DecActiveDispatchRuns()

	logger := logging.ForBatch(d.logger, batchID)
	total := len(units)
	results := make([]audit.DispatchResult, 0, total)
	sent := 0
	canceled := false

	for i, unit := range units {
		var res audit.DispatchResult
		switch {
		case canceled || ctx.Err() != nil:
			canceled = true
			res = d.canceled(unit)
		case unit.ResolveErr != nil:
			res = d.Dispatch(ctx, batchID, unit)
		default:
			if sent > 0 {
				delay := d.sampleDelay(window)
				if err := d.sleeper.Sleep(ctx, delay); err != nil {
					canceled = true
					res = d.canceled(unit)
					break
				}
				metrics.ObserveDispatchDelay(delay)
			}
			res = d.Dispatch(ctx, batchID, unit)
			sent++
		}
		res.Index = i + 1
		res.Total = total
		results = append(results, res)
		logResult(logger, res)
		if onResult != nil {
			onResult(res)
		}
	}
	return results
}

func (d *Dispatcher) canceled(unit audit.DispatchUnit) audit.DispatchResult {
	now := d.clock.Now()
	return audit.DispatchResult{
		Unit:       unit,
		Outcome:    audit.DispatchFailed{Reason: CanceledReason},
		StartedAt:  now,
		FinishedAt: now,
	}
}

func (d *Dispatcher) sampleDelay(window DelayWindow) time.Duration {
	span := window.Max - window.Min
	if span <= 0 {
		return window.Min
	}
	d.rngMu.Lock()
	defer d.rngMu.Unlock()
	return window.Min + time.Duration(d.rng.Int64N(int64(span)+1))
}

func logResult(logger *zap.Logger, res audit.DispatchResult) {
	fields := []zap.Field{
		zap.String("publisher_id", res.Unit.PublisherID),
		zap.String("publisher_name", res.Unit.PublisherName),
		zap.Strings("sites", res.Unit.SiteNames()),
		zap.String("progress", fmt.Sprintf("%d/%d", res.Index, res.Total)),
		zap.String("outcome", res.Outcome.Label()),
	}
	if res.Queued() {
		logger.Info("dispatch queued", fields...)
		return
	}
	if failed, ok := res.Outcome.(audit.DispatchFailed); ok && failed.StatusCode != 0 {
		fields = append(fields, zap.Int("status_code", failed.StatusCode))
	}
	logger.Warn("dispatch failed", append(fields, zap.String("reason", res.Reason()))...)
}
