package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/univy/docpipe/db"
	"github.com/univy/docpipe/internal/config"
	"github.com/univy/docpipe/internal/database"
	"github.com/univy/docpipe/internal/dedup"
	"github.com/univy/docpipe/internal/ingest"
	"github.com/univy/docpipe/internal/observability"
	"github.com/univy/docpipe/internal/parser"
	"github.com/univy/docpipe/internal/queue"
	"github.com/univy/docpipe/internal/rag"
	"github.com/univy/docpipe/internal/scanner"
	"github.com/univy/docpipe/internal/schedule"
	"github.com/univy/docpipe/internal/sweeper"
	"github.com/univy/docpipe/internal/task"
	"github.com/univy/docpipe/internal/worker"
)

// Setup creates and initializes the application.
// Returns an App with embedded cleanup — call Close() to release.
//
// The task store and dedup index always live in PostgreSQL, so Setup
// migrates and opens the pool regardless of the queue driver; the driver
// only selects where jobs wait.
func Setup(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *App, retErr error) {
	if cfg == nil {
		return nil, config.ErrConfigNil
	}
	if logger == nil {
		logger = slog.Default()
	}

	a := &App{Config: cfg, Logger: logger}

	// On error, clean up everything already initialized
	defer func() {
		if retErr != nil {
			if err := a.Close(); err != nil {
				logger.Warn("cleanup during setup failure", "error", err)
			}
		}
	}()

	shutdown, err := observability.Setup(ctx, observability.Config{
		Endpoint:    cfg.Observability.OTLPEndpoint,
		Environment: cfg.Observability.Environment,
		ServiceName: cfg.Observability.ServiceName,
	})
	if err != nil {
		return nil, fmt.Errorf("setting up tracing: %w", err)
	}
	a.otelShutdown = shutdown

	if err := ensureDataRoots(cfg); err != nil {
		return nil, err
	}

	pool, err := providePool(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a.Pool = pool

	a.Store = task.New(pool, logger)
	a.Index = dedup.New(pool, logger)

	q, err := provideQueue(cfg, pool, logger)
	if err != nil {
		return nil, err
	}
	a.Queue = q

	engine, err := provideEngine(cfg, logger)
	if err != nil {
		return nil, err
	}
	a.Engine = engine

	a.Gateway = ingest.New(a.Store, a.Index, a.Queue, ingest.Config{
		UploadsRoot:    cfg.UploadsRoot,
		OutputsRoot:    cfg.OutputsRoot,
		MaxUploadBytes: cfg.MaxUploadBytes,
	}, logger)

	runner, err := provideRunner(cfg, a)
	if err != nil {
		return nil, err
	}
	a.Runner = runner

	sched, err := provideScheduler(cfg, a.Gateway, logger)
	if err != nil {
		return nil, err
	}
	a.Scheduler = sched

	return a, nil
}

// ensureDataRoots creates the uploads and outputs directories up front
// (0750, matching the config directory).
func ensureDataRoots(cfg *config.Config) error {
	for _, root := range []string{cfg.UploadsRoot, cfg.OutputsRoot} {
		if err := os.MkdirAll(root, 0o750); err != nil {
			return fmt.Errorf("creating data root %q: %w", root, err)
		}
	}
	return nil
}

// providePool runs the embedded schema migrations and opens the shared
// connection pool. The task store, the dedup index and the Postgres
// queue all ride on this pool.
func providePool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	if err := db.Migrate(cfg.MigrateURL()); err != nil {
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	pool, err := database.Connect(ctx, cfg.PostgresDSN())
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	return pool, nil
}

// provideQueue selects the work queue driver. Postgres is the default
// and the only driver standalone workers can share; memory is for
// single-process deployments where serve runs an embedded runner.
func provideQueue(cfg *config.Config, pool *pgxpool.Pool, logger *slog.Logger) (queue.Queue, error) {
	switch cfg.QueueDriver {
	case config.QueueDriverMemory:
		return queue.NewMemory(), nil
	case config.QueueDriverPostgres, "":
		return queue.NewPostgres(pool, logger), nil
	default:
		return nil, fmt.Errorf("%w: %q", config.ErrInvalidQueueDriver, cfg.QueueDriver)
	}
}

// provideEngine builds the retrieval engine client, or returns nil when
// no endpoint is configured. The pipeline parses and stores documents
// either way; only the post-parse push and the query proxy need it.
func provideEngine(cfg *config.Config, logger *slog.Logger) (*rag.Client, error) {
	if !cfg.Engine.Enabled() {
		return nil, nil
	}

	client, err := rag.NewClient(rag.Config{
		BaseURL: cfg.Engine.BaseURL,
		APIKey:  cfg.Engine.APIKey,
		Timeout: cfg.Engine.Timeout,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("creating engine client: %w", err)
	}

	return client, nil
}

// provideRunner assembles the three job handlers and the queue runner
// around them. The runner is inert until Run is called.
func provideRunner(cfg *config.Config, a *App) (*worker.Runner, error) {
	// A disabled engine must stay a plain nil interface; a typed nil
	// would slip past the parse worker's pusher check.
	var pusher parser.EnginePusher
	if a.Engine != nil {
		pusher = a.Engine
	}

	parse := parser.NewWorker(a.Store, a.Index, pusher, parser.Config{
		OutputsRoot: cfg.OutputsRoot,
		Timeout:     cfg.ParseTimeout,
	}, a.Logger)

	scan := scanner.New(a.Store, a.Index, a.Queue, scanner.Config{
		UploadsRoot: cfg.UploadsRoot,
	}, a.Logger)

	sweep, err := sweeper.New(a.Store, sweeper.Config{
		OutputsRoot: cfg.OutputsRoot,
		MaxAge:      cfg.CleanupMaxAge,
	}, a.Logger)
	if err != nil {
		return nil, fmt.Errorf("creating sweeper: %w", err)
	}

	return worker.New(a.Queue, a.Store, parse, scan, sweep, worker.Config{
		Concurrency:       cfg.WorkerConcurrency,
		Lease:             cfg.LeaseDuration,
		MaxAttempts:       cfg.MaxAttempts,
		MaxParsePerMinute: cfg.ParseRatePerMinute,
	}, a.Logger), nil
}

// provideScheduler creates the cron scheduler firing scans and sweeps
// through the gateway, so scheduled runs coalesce with manual triggers
// the same way two manual triggers coalesce with each other.
func provideScheduler(cfg *config.Config, gw *ingest.Service, logger *slog.Logger) (*schedule.Scheduler, error) {
	sched, err := schedule.New(gw, schedule.Config{
		ScanSpec:  cfg.ScanSpec,
		SweepSpec: cfg.SweepSpec,
		LockPath:  cfg.SchedulerLock,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("creating scheduler: %w", err)
	}

	return sched, nil
}
