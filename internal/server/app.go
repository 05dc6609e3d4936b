// Package server builds the auditor's dependency graph and runs the HTTP
// server.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"github.com/jackc/pgx/v5/pgxpool"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/adops/site-auditor/internal/api"
	"github.com/adops/site-auditor/internal/audit"
	"github.com/adops/site-auditor/internal/clock/system"
	"github.com/adops/site-auditor/internal/config"
	"github.com/adops/site-auditor/internal/coordinator"
	"github.com/adops/site-auditor/internal/dispatcher"
	"github.com/adops/site-auditor/internal/id/uuid"
	"github.com/adops/site-auditor/internal/logging"
	"github.com/adops/site-auditor/internal/metrics"
	"github.com/adops/site-auditor/internal/policy/ratelimit"
	"github.com/adops/site-auditor/internal/poller"
	memorypublisher "github.com/adops/site-auditor/internal/publisher/memory"
	gcppublisher "github.com/adops/site-auditor/internal/publisher/pubsub"
	"github.com/adops/site-auditor/internal/resolver"
	gcsstorage "github.com/adops/site-auditor/internal/storage/gcs"
	localstorage "github.com/adops/site-auditor/internal/storage/local"
	memorystorage "github.com/adops/site-auditor/internal/storage/memory"
	pgstore "github.com/adops/site-auditor/internal/storage/postgres"
	"github.com/adops/site-auditor/internal/telemetry"
	"github.com/adops/site-auditor/internal/workerclient"
)

const shutdownTimeout = 10 * time.Second

// seedBase anchors the creation times of config-seeded publishers.
var seedBase = time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC)

// App contains the application's dependencies.
type App struct {
	cfg         config.Config
	logger      *zap.Logger
	clock       *system.Clock
	batches     audit.BatchStore
	directory   audit.PublisherDirectory
	notifier    audit.Notifier
	archive     audit.BlobStore
	coordinator *coordinator.Coordinator
	poller      *poller.Poller
	apiServer   *api.Server

	pool           *pgxpool.Pool
	pubsubClient   *pubsub.Client
	pubsubNotifier *gcppublisher.Publisher
	storage        *storage.Client
	tracerProvider *sdktrace.TracerProvider
}

// Build creates the application's dependencies. Resources acquired before a
// failure are released.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	app := &App{
		cfg:    cfg,
		logger: logging.OrNop(logger),
		clock:  system.New(),
	}
	if err := app.build(ctx); err != nil {
		app.closeInfrastructure()
		return nil, err
	}
	return app, nil
}

func (a *App) build(ctx context.Context) error {
	cfg := a.cfg
	metrics.Init()
	a.logger.Info("building application dependencies",
		zap.Int("server_port", cfg.Server.Port),
		zap.String("storage_backend", cfg.Storage.Backend),
		zap.Bool("database", cfg.DB.DSN != ""),
		zap.Bool("worker_configured", cfg.Worker.Endpoint != ""),
	)

	tp, err := telemetry.InitTracerProvider(ctx, telemetry.Config{
		ServiceName: cfg.Telemetry.ServiceName,
		Version:     cfg.Telemetry.Version,
	})
	if err != nil {
		return fmt.Errorf("tracer init failed: %w", err)
	}
	a.tracerProvider = tp

	if err := a.setupDatabase(ctx); err != nil {
		return err
	}
	if err := a.setupStorage(ctx); err != nil {
		return err
	}
	if err := a.setupPublisher(ctx); err != nil {
		return err
	}
	if err := a.setupCoordinator(); err != nil {
		return err
	}

	a.poller, err = poller.New(a.batches, a.clock, a.logger.Named("poller"))
	if err != nil {
		return fmt.Errorf("poller init failed: %w", err)
	}
	a.apiServer = api.NewServer(a.coordinator, a.batches, a.poller, api.Options{
		BearerTokens: a.bearerTokens(),
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeoutSeconds) * time.Second,
		Poll:         a.PollOptions(),
		Ready:        a.ready,
	}, a.logger)
	return nil
}

func (a *App) setupDatabase(ctx context.Context) error {
	if a.cfg.DB.DSN == "" {
		a.logger.Warn("no DSN specified for database, using in-memory batch store and publisher directory",
			zap.Int("seeded_publishers", len(a.cfg.Publishers)))
		a.batches = memorystorage.NewBatchStore(uuid.New(), a.clock)
		a.directory = memorystorage.NewDirectory(seedPublishers(a.cfg.Publishers)...)
		return nil
	}
	var err error
	a.pool, err = pgstore.Connect(ctx, pgstore.PoolConfig{
		DSN:             a.cfg.DB.DSN,
		MaxConns:        a.cfg.DB.MaxConns,
		MinConns:        a.cfg.DB.MinConns,
		MaxConnLifetime: a.cfg.ConnLifetime(),
	})
	if err != nil {
		return fmt.Errorf("database init failed: %w", err)
	}
	if a.cfg.DB.ApplySchema {
		if err := pgstore.EnsureSchema(ctx, a.pool); err != nil {
			return fmt.Errorf("apply schema failed: %w", err)
		}
		a.logger.Info("database schema applied")
	}
	batches, err := pgstore.NewBatchStore(a.pool, uuid.New(), a.clock)
	if err != nil {
		return fmt.Errorf("batch store init failed: %w", err)
	}
	a.batches = batches
	a.directory, err = pgstore.NewDirectory(a.pool)
	if err != nil {
		return fmt.Errorf("publisher directory init failed: %w", err)
	}
	a.logger.Info("postgres stores initialized", zap.Int32("max_conns", a.cfg.DB.MaxConns))
	return nil
}

func (a *App) setupStorage(ctx context.Context) error {
	var err error
	switch a.cfg.Storage.Backend {
	case "gcs":
		a.logger.Info("using GCS archive backend", zap.String("bucket", a.cfg.Storage.GCSBucket))
		a.storage, err = storage.NewClient(ctx)
		if err != nil {
			return fmt.Errorf("gcs client init failed: %w", err)
		}
		a.archive, err = gcsstorage.New(a.storage, gcsstorage.Config{Bucket: a.cfg.Storage.GCSBucket})
		if err != nil {
			return fmt.Errorf("gcs blob store init failed: %w", err)
		}
	case "local":
		a.logger.Info("using local archive backend", zap.String("path", a.cfg.Storage.LocalDir))
		a.archive, err = localstorage.New(localstorage.Config{BaseDir: a.cfg.Storage.LocalDir})
		if err != nil {
			return fmt.Errorf("local blob store init failed: %w", err)
		}
	default:
		a.logger.Info("using in-memory archive backend")
		a.archive = memorystorage.NewBlobStore()
	}
	return nil
}

func (a *App) setupPublisher(ctx context.Context) error {
	if a.cfg.PubSub.TopicName == "" || a.cfg.PubSub.ProjectID == "" {
		a.logger.Warn("no Pub/Sub topic configured, using in-memory notifier")
		a.notifier = memorypublisher.New()
		return nil
	}
	var err error
	a.pubsubClient, err = pubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return fmt.Errorf("pubsub client init failed: %w", err)
	}
	a.pubsubNotifier = gcppublisher.New(a.pubsubClient.Topic(a.cfg.PubSub.TopicName))
	a.notifier = a.pubsubNotifier
	a.logger.Info("Pub/Sub notifier initialized",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("topic", a.cfg.PubSub.TopicName),
	)
	return nil
}

func (a *App) setupCoordinator() error {
	worker := workerclient.New(workerclient.Config{
		Endpoint: a.cfg.Worker.Endpoint,
		APIKey:   a.cfg.Worker.APIKey,
		Timeout:  a.cfg.WorkerTimeout(),
	})
	if !worker.Configured() {
		a.logger.Warn("audit worker endpoint not configured, trigger calls will be rejected")
	}

	var opts []dispatcher.Option
	if a.cfg.Dispatch.MaxPerMinute > 0 {
		opts = append(opts, dispatcher.WithLimiter(ratelimit.New(ratelimit.Config{
			PerMinute: a.cfg.Dispatch.MaxPerMinute,
		})))
		a.logger.Info("dispatch rate limit enabled", zap.Float64("per_minute", a.cfg.Dispatch.MaxPerMinute))
	}
	disp, err := dispatcher.New(worker, a.clock, a.clock, a.logger.Named("dispatcher"), opts...)
	if err != nil {
		return fmt.Errorf("dispatcher init failed: %w", err)
	}
	res, err := resolver.New(a.directory)
	if err != nil {
		return fmt.Errorf("resolver init failed: %w", err)
	}

	minDelay, maxDelay := a.cfg.DelayWindow()
	a.coordinator, err = coordinator.New(coordinator.Deps{
		Resolver:   res,
		Store:      a.batches,
		Dispatcher: disp,
		Worker:     worker,
		Notifier:   a.notifier,
		Archive:    a.archive,
		Clock:      a.clock,
	}, coordinator.Config{
		Window:        dispatcher.DelayWindow{Min: minDelay, Max: maxDelay},
		ArchivePrefix: a.cfg.Storage.Prefix,
		ContentType:   a.cfg.Storage.ContentType,
	}, a.logger.Named("coordinator"))
	if err != nil {
		return fmt.Errorf("coordinator init failed: %w", err)
	}
	a.logger.Info("coordinator ready",
		zap.Duration("min_delay", minDelay),
		zap.Duration("max_delay", maxDelay),
		zap.Duration("worker_timeout", a.cfg.WorkerTimeout()),
	)
	return nil
}

// Coordinator returns the batch coordinator for in-process triggers.
func (a *App) Coordinator() *coordinator.Coordinator {
	return a.coordinator
}

// Poller returns the progress poller.
func (a *App) Poller() *poller.Poller {
	return a.poller
}

// Trigger runs one batch in-process.
func (a *App) Trigger(ctx context.Context, scope audit.Scope) (audit.BatchSummary, error) {
	summary, err := a.coordinator.TriggerBatch(ctx, scope)
	if err != nil {
		return summary, fmt.Errorf("trigger batch: %w", err)
	}
	return summary, nil
}

// Watch streams progress snapshots of one batch.
func (a *App) Watch(ctx context.Context, batchID string, opts poller.Options) <-chan poller.Snapshot {
	return a.poller.Watch(ctx, batchID, opts)
}

// Notifier returns the configured batch notifier.
func (a *App) Notifier() audit.Notifier {
	return a.notifier
}

// PollOptions returns the configured polling budget.
func (a *App) PollOptions() poller.Options {
	return poller.Options{
		Interval:    a.cfg.PollInterval(),
		MaxAttempts: a.cfg.Poller.MaxAttempts,
	}
}

// Handler returns the HTTP handler.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

func (a *App) bearerTokens() []string {
	if !a.cfg.Auth.Enabled {
		a.logger.Warn("bearer auth disabled for mutating routes")
		return nil
	}
	return a.cfg.Auth.BearerTokens
}

func (a *App) ready(ctx context.Context) error {
	if a.pool == nil {
		return nil
	}
	if err := a.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping database: %w", err)
	}
	return nil
}

// Run starts the HTTP server and blocks until ctx is canceled or a
// termination signal arrives. The caller still owns Close.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			serveErr <- err
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}

	select {
	case err := <-serveErr:
		return fmt.Errorf("http server: %w", err)
	default:
		return nil
	}
}

// Close releases infrastructure clients.
func (a *App) Close() {
	a.closeInfrastructure()
	a.logger.Info("shutdown complete")
}

func (a *App) closeInfrastructure() {
	a.pubsubNotifier.Stop()
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.storage != nil {
		if err := a.storage.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.pool != nil {
		a.pool.Close()
	}
	if a.tracerProvider != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := a.tracerProvider.Shutdown(ctx); err != nil {
			a.logger.Warn("tracer provider shutdown failed", zap.Error(err))
		}
	}
}

func seedPublishers(seeds []config.PublisherSeed) []memorystorage.Publisher {
	out := make([]memorystorage.Publisher, 0, len(seeds))
	for i, seed := range seeds {
		ref := audit.PublisherRef{
			ID:            strings.TrimSpace(seed.ID),
			Name:          seed.Name,
			PrimaryDomain: seed.PrimaryDomain,
			CreatedAt:     memorystorage.SeedTime(seedBase, i),
		}
		if status := strings.TrimSpace(seed.WorkflowStatus); status != "" {
			ref.WorkflowStatus = &status
		}
		out = append(out, memorystorage.Publisher{Ref: ref, Sites: seed.Sites})
	}
	return out
}
