package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/univy/docpipe/internal/api"
	"github.com/univy/docpipe/internal/app"
	"github.com/univy/docpipe/internal/config"
)

// parseRateBurst reads DOCPIPE_RATE_BURST from the environment. Unset,
// unparsable, or negative values all fall back to the server default.
func parseRateBurst() int {
	n, err := strconv.Atoi(os.Getenv("DOCPIPE_RATE_BURST"))
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// HTTP server timeouts.
const (
	readHeaderTimeout = 10 * time.Second
	readTimeout       = 5 * time.Minute // large multipart uploads arrive slowly
	writeTimeout      = 2 * time.Minute
	idleTimeout       = 2 * time.Minute
	shutdownTimeout   = 30 * time.Second
)

// runServe initializes and starts the HTTP API server, the maintenance
// scheduler, and - on the memory queue driver - an embedded worker.
func runServe(args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if err = cfg.ValidateServe(); err != nil {
		return fmt.Errorf("validating config: %w", err)
	}

	addr, err := parseServeAddr(args, cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("parsing address: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger := slog.Default()
	logger.Info("starting docpipe API server", "version", AppVersion)

	a, err := app.Setup(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("initializing application: %w", err)
	}
	defer func() {
		if closeErr := a.Close(); closeErr != nil {
			logger.Warn("shutdown error", "error", closeErr)
		}
	}()

	srvCfg := api.ServerConfig{
		Logger:         logger,
		Gateway:        a.Gateway,
		Pool:           a.Pool,
		CORSOrigins:    cfg.CORSOrigins,
		MaxUploadBytes: cfg.MaxUploadBytes,
		IsDev:          cfg.Observability.Environment == "dev",
		TrustProxy:     cfg.TrustProxy,
		RateBurst:      parseRateBurst(),
	}
	// A disabled engine must stay a plain nil interface so the query
	// endpoint reports it as unconfigured.
	if a.Engine != nil {
		srvCfg.Engine = a.Engine
	}

	apiServer, err := api.NewServer(srvCfg)
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
		ReadTimeout:       readTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.Scheduler.Run(gctx)
	})

	// The memory queue is process-local: without an embedded worker,
	// enqueued jobs would sit there forever.
	if cfg.QueueDriver == config.QueueDriverMemory {
		logger.Info("memory queue driver, starting embedded worker")
		g.Go(func() error {
			return a.Runner.Run(gctx)
		})
	}

	g.Go(func() error {
		logger.Info("HTTP server ready",
			"addr", addr,
			"api", "/api/v1/*",
			"health", "/health, /ready",
		)
		if serr := srv.ListenAndServe(); serr != nil && !errors.Is(serr, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server: %w", serr)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down HTTP server")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer shutdownCancel()
		if serr := srv.Shutdown(shutdownCtx); serr != nil {
			return fmt.Errorf("shutting down server: %w", serr)
		}
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
