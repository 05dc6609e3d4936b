// Package coordinator runs one audit request end to end: resolve targets,
// persist the batch, dispatch to the worker and summarize.
package coordinator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/adops/site-auditor/internal/audit"
	"github.com/adops/site-auditor/internal/dispatcher"
	"github.com/adops/site-auditor/internal/logging"
	"github.com/adops/site-auditor/internal/metrics"
	"github.com/adops/site-auditor/internal/resolver"
)

var tracer = otel.Tracer("github.com/adops/site-auditor/internal/coordinator")

// TargetResolver is the read side used to build dispatch units.
type TargetResolver interface {
	ResolveAllEligiblePublishers(ctx context.Context) ([]audit.PublisherRef, error)
	ResolvePublisher(ctx context.Context, publisherID string) (audit.PublisherRef, error)
	ResolveTargets(ctx context.Context, publisher audit.PublisherRef) ([]audit.Target, error)
}

// Dispatcher sends units to the worker.
type Dispatcher interface {
	DispatchAll(
		ctx context.Context,
		batchID string,
		units []audit.DispatchUnit,
		window dispatcher.DelayWindow,
		onResult dispatcher.ResultFunc,
	) []audit.DispatchResult
}

// Config tunes a Coordinator.
type Config struct {
	Window        dispatcher.DelayWindow
	ArchivePrefix string
	ContentType   string
}

// Deps bundles the collaborators of a Coordinator. Notifier and Archive are
// optional.
type Deps struct {
	Resolver   TargetResolver
	Store      audit.BatchStore
	Dispatcher Dispatcher
	Worker     audit.WorkerClient
	Notifier   audit.Notifier
	Archive    audit.BlobStore
	Clock      audit.Clock
}

// Coordinator orchestrates trigger calls.
type Coordinator struct {
	deps   Deps
	cfg    Config
	logger *zap.Logger
}

// New constructs a Coordinator.
func New(deps Deps, cfg Config, logger *zap.Logger) (*Coordinator, error) {
	switch {
	case deps.Resolver == nil:
		return nil, errors.New("resolver is required")
	case deps.Store == nil:
		return nil, errors.New("batch store is required")
	case deps.Dispatcher == nil:
		return nil, errors.New("dispatcher is required")
	case deps.Worker == nil:
		return nil, errors.New("worker client is required")
	case deps.Clock == nil:
		return nil, errors.New("clock is required")
	}
	if cfg.ContentType == "" {
		cfg.ContentType = "application/json"
	}
	return &Coordinator{deps: deps, cfg: cfg, logger: logging.OrNop(logger)}, nil
}

// TriggerBatch audits the given scope. Per-unit failures are part of the
// summary; only configuration problems and the fatal store/directory paths
// are returned as errors. Panics are recovered into *audit.FaultError.
// Each dispatch outcome is written to the store as soon as it is known.
func (c *Coordinator) TriggerBatch(ctx context.Context, scope audit.Scope) (summary audit.BatchSummary, err error) {
	ctx, span := tracer.Start(ctx, "coordinator.TriggerBatch",
		trace.WithAttributes(
			attribute.Bool("scope.all", scope.IsAll()),
			attribute.String("scope.publisher_id", scope.PublisherID),
		))
	defer span.End()

	var run *batchRun
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("trigger panicked", zap.Any("panic", r), zap.Stack("stack"))
			if run != nil {
				c.abandon(ctx, run, fmt.Sprintf("dispatch aborted: %v", r))
			}
			summary = audit.BatchSummary{}
			err = audit.Fault("trigger batch", fmt.Errorf("panic: %v", r))
		}
		if err != nil {
			metrics.ObserveBatch("error")
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}()

	if !c.deps.Worker.Configured() {
		return audit.BatchSummary{}, fmt.Errorf("%w: worker endpoint is not set", audit.ErrConfiguration)
	}

	units, err := c.resolveUnits(ctx, scope)
	if err != nil {
		return audit.BatchSummary{}, err
	}

	var targets []audit.Target
	for _, unit := range units {
		targets = append(targets, unit.Targets...)
	}
	if len(targets) == 0 {
		c.logger.Warn("no audit targets resolved", zap.Int("units", len(units)))
		metrics.ObserveBatch("empty")
		return audit.Summarize("", preFailedResults(units)), nil
	}

	ref, err := c.deps.Store.CreateBatch(ctx, targets)
	if err != nil {
		return audit.BatchSummary{}, audit.Fault("create batch", err)
	}
	if len(ref.JobIDs) != len(targets) {
		return audit.BatchSummary{}, audit.Fault("create batch",
			fmt.Errorf("store returned %d job ids for %d targets", len(ref.JobIDs), len(targets)))
	}
	attachJobIDs(units, ref.JobIDs)
	logger := logging.ForBatch(c.logger, ref.BatchID)
	span.SetAttributes(attribute.String("batch.id", ref.BatchID), attribute.Int("batch.targets", len(targets)))
	logger.Info("batch created", zap.Int("units", len(units)), zap.Int("targets", len(targets)))

	run = &batchRun{batchID: ref.BatchID, logger: logger, units: units}
	results := c.deps.Dispatcher.DispatchAll(ctx, ref.BatchID, units, c.cfg.Window, func(res audit.DispatchResult) {
		c.record(ctx, run, res)
	})

	summary = audit.Summarize(ref.BatchID, results)
	if !summary.Success {
		c.markFailed(ctx, run)
		metrics.ObserveBatch("failed")
	} else {
		metrics.ObserveBatch("queued")
	}
	logger.Info("batch dispatched",
		zap.Int("queued_units", summary.QueuedUnits),
		zap.Int("failed_units", summary.FailedUnits),
		zap.Int("queued_targets", summary.QueuedTargets),
	)

	c.publish(ctx, logger, summary)
	return summary, nil
}

// RecordJobResult applies a worker callback and publishes batch.completed
// when this update is the one that settled the batch.
func (c *Coordinator) RecordJobResult(
	ctx context.Context,
	jobID string,
	status audit.JobStatus,
	result audit.JobResult,
) (audit.Batch, error) {
	update, err := c.deps.Store.ApplyJobStatus(ctx, jobID, status, result)
	if err != nil {
		return audit.Batch{}, fmt.Errorf("update job %s: %w", jobID, err)
	}
	metrics.ObserveJobTransition(string(status))

	batch, err := c.deps.Store.GetBatch(ctx, update.BatchID)
	if err != nil {
		return audit.Batch{}, fmt.Errorf("get batch %s: %w", update.BatchID, err)
	}
	if update.BatchSettled && c.deps.Notifier != nil {
		if _, err := c.deps.Notifier.Publish(ctx, audit.EventBatchCompleted, audit.NewBatchEvent(batch)); err != nil {
			logging.ForBatch(c.logger, batch.ID).Warn("publish batch completion failed", zap.Error(err))
		}
	}
	return batch, nil
}

func (c *Coordinator) resolveUnits(ctx context.Context, scope audit.Scope) ([]audit.DispatchUnit, error) {
	if scope.IsAll() {
		pubs, err := c.deps.Resolver.ResolveAllEligiblePublishers(ctx)
		if err != nil {
			return nil, audit.Fault("list eligible publishers", err)
		}
		units := make([]audit.DispatchUnit, 0, len(pubs))
		for _, pub := range pubs {
			units = append(units, c.unitFor(ctx, pub, nil))
		}
		return units, nil
	}

	pub, err := c.deps.Resolver.ResolvePublisher(ctx, scope.PublisherID)
	if err != nil {
		if errors.Is(err, audit.ErrNotFound) {
			return nil, err
		}
		return nil, audit.Fault("get publisher", err)
	}
	return []audit.DispatchUnit{c.unitFor(ctx, pub, scope.SiteNames)}, nil
}

func (c *Coordinator) unitFor(ctx context.Context, pub audit.PublisherRef, sites []string) audit.DispatchUnit {
	unit := audit.DispatchUnit{PublisherID: pub.ID, PublisherName: pub.Name}
	if explicit := resolver.TrimSites(sites); len(explicit) > 0 {
		unit.Targets = resolver.TargetsFor(pub, explicit)
		return unit
	}
	targets, err := c.deps.Resolver.ResolveTargets(ctx, pub)
	if err != nil {
		c.logger.Warn("target resolution failed", zap.String("publisher_id", pub.ID), zap.Error(err))
		unit.ResolveErr = err
		return unit
	}
	unit.Targets = targets
	return unit
}

// batchRun tracks how far dispatch outcomes have been written to the store.
// Units are dispatched in order, so recorded is a prefix length.
type batchRun struct {
	batchID  string
	logger   *zap.Logger
	units    []audit.DispatchUnit
	recorded int
	queued   int
}

// record mirrors one dispatch outcome into the store. Writes are detached
// from ctx so a canceled run still settles the units it reports. Store
// errors are logged and never abort the run.
func (c *Coordinator) record(ctx context.Context, run *batchRun, res audit.DispatchResult) {
	if res.Index > run.recorded {
		run.recorded = res.Index
	}
	if len(res.Unit.JobIDs) == 0 {
		return
	}
	storeCtx := context.WithoutCancel(ctx)
	if res.Queued() {
		run.queued++
		if err := c.deps.Store.MarkJobsQueued(storeCtx, res.Unit.JobIDs, c.deps.Clock.Now()); err != nil {
			run.logger.Error("mark jobs queued", zap.String("publisher_id", res.Unit.PublisherID), zap.Error(err))
		}
		return
	}
	reason := strings.TrimSpace(res.Reason())
	if reason == "" {
		reason = "dispatch failed"
	}
	for _, jobID := range res.Unit.JobIDs {
		err := c.deps.Store.UpdateJobStatus(storeCtx, jobID, audit.JobStatusFailed, audit.JobResult{ErrorMessage: audit.PtrString(reason)})
		if err != nil {
			run.logger.Error("mark job failed", zap.String("job_id", jobID), zap.Error(err))
		}
	}
}

// abandon settles every unit the run never reported so the batch can still
// reach a terminal status.
func (c *Coordinator) abandon(ctx context.Context, run *batchRun, reason string) {
	total := len(run.units)
	for i := run.recorded; i < total; i++ {
		c.record(ctx, run, audit.DispatchResult{
			Unit:    run.units[i],
			Outcome: audit.DispatchFailed{Reason: reason},
			Index:   i + 1,
			Total:   total,
		})
	}
	if run.queued == 0 {
		c.markFailed(ctx, run)
	}
}

func (c *Coordinator) markFailed(ctx context.Context, run *batchRun) {
	if err := c.deps.Store.MarkBatchFailed(context.WithoutCancel(ctx), run.batchID, c.deps.Clock.Now()); err != nil {
		run.logger.Error("mark batch failed", zap.Error(err))
	}
}

func (c *Coordinator) publish(ctx context.Context, logger *zap.Logger, summary audit.BatchSummary) {
	report := audit.NewReport(summary)
	now := c.deps.Clock.Now()
	report.GeneratedAt = &now

	if c.deps.Notifier != nil {
		if _, err := c.deps.Notifier.Publish(ctx, audit.EventBatchTriggered, report); err != nil {
			logger.Warn("publish batch summary failed", zap.Error(err))
		}
	}
	if c.deps.Archive == nil {
		return
	}
	data, err := json.Marshal(report)
	if err != nil {
		logger.Warn("marshal batch summary failed", zap.Error(err))
		return
	}
	uri, err := c.deps.Archive.PutObject(ctx, ArchivePath(c.cfg.ArchivePrefix, summary.BatchID, now), c.cfg.ContentType, bytes.NewReader(data))
	if err != nil {
		logger.Warn("archive batch summary failed", zap.Error(err))
		return
	}
	logger.Debug("batch summary archived", zap.String("uri", uri))
}

// ArchivePath places a summary under prefix/YYYY/MM/DD/<batch>.json.
func ArchivePath(prefix, batchID string, at time.Time) string {
	return path.Join(strings.Trim(prefix, "/"), at.Format("2006/01/02"), batchID+".json")
}

func attachJobIDs(units []audit.DispatchUnit, jobIDs []string) {
	next := 0
	for i := range units {
		n := len(units[i].Targets)
		units[i].JobIDs = append([]string(nil), jobIDs[next:next+n]...)
		next += n
	}
}

func preFailedResults(units []audit.DispatchUnit) []audit.DispatchResult {
	results := make([]audit.DispatchResult, 0, len(units))
	for i, unit := range units {
		reason := "no audit targets"
		if unit.ResolveErr != nil {
			reason = unit.ResolveErr.Error()
		}
		results = append(results, audit.DispatchResult{
			Unit:    unit,
			Outcome: audit.DispatchFailed{Reason: reason},
			Index:   i + 1,
			Total:   len(units),
		})
	}
	return results
}
