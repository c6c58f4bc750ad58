// Package app assembles the pipeline's dependency graph.
//
// App is the core container that wires the pipeline together: the shared
// PostgreSQL pool, the task store and dedup index on top of it, the work
// queue, the ingestion gateway, the job runner and the maintenance
// scheduler. Setup builds the graph from a validated config; Close
// releases it in reverse order.
package app

import (
	"context"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/univy/docpipe/internal/config"
	"github.com/univy/docpipe/internal/dedup"
	"github.com/univy/docpipe/internal/ingest"
	"github.com/univy/docpipe/internal/queue"
	"github.com/univy/docpipe/internal/rag"
	"github.com/univy/docpipe/internal/schedule"
	"github.com/univy/docpipe/internal/task"
	"github.com/univy/docpipe/internal/worker"
)

// App is the core application container.
//
// Every entry point gets the same graph: serve runs the Gateway behind the
// HTTP API plus the Scheduler (and an embedded Runner on the memory
// queue), worker runs just the Runner, and the one-shot commands drive
// the Gateway directly. Components not used by an entry point are inert;
// nothing starts a goroutine until its Run method is called.
type App struct {
	// Configuration
	Config *config.Config
	Logger *slog.Logger

	// Storage
	Pool  *pgxpool.Pool
	Store *task.Store
	Index *dedup.Index
	Queue queue.Queue

	// Engine is the retrieval engine client, nil when no endpoint is
	// configured. Callers assigning it to an interface must keep nil
	// as a plain nil interface.
	Engine *rag.Client

	// Services
	Gateway   *ingest.Service
	Runner    *worker.Runner
	Scheduler *schedule.Scheduler

	otelShutdown func(context.Context) error
}

// Close gracefully releases all resources. Safe to call on a partially
// initialized App; Setup relies on that for its error path.
func (a *App) Close() error {
	logger := a.Logger
	if logger == nil {
		logger = slog.Default()
	}

	logger.Info("shutting down")

	// Flush pending spans first so work done right before shutdown is
	// not lost. The shutdown func bounds itself with a timeout.
	if a.otelShutdown != nil {
		if err := a.otelShutdown(context.Background()); err != nil {
			logger.Warn("flushing traces", "error", err)
		}
	}

	if a.Pool != nil {
		a.Pool.Close()
		logger.Debug("database pool closed")
	}

	return nil
}
