package cmd

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/univy/docpipe/internal/app"
	"github.com/univy/docpipe/internal/config"
	"github.com/univy/docpipe/internal/task"
)

// taskPollInterval is how often the one-shot commands check whether
// their task has settled.
const taskPollInterval = 200 * time.Millisecond

// runScan triggers one uploads-directory scan and waits for it.
func runScan() error {
	return runMaintenance("scan", func(ctx context.Context, a *app.App) (*task.Task, bool, error) {
		return a.Gateway.TriggerScan(ctx)
	})
}

// runCleanup triggers one artifact sweep and waits for it. --max-age
// overrides the configured retention for this run only.
func runCleanup(args []string) error {
	maxAge, err := parseCleanupMaxAge(args)
	if err != nil {
		return err
	}
	return runMaintenance("cleanup", func(ctx context.Context, a *app.App) (*task.Task, bool, error) {
		return a.Gateway.TriggerCleanup(ctx, maxAge)
	})
}

func parseCleanupMaxAge(args []string) (time.Duration, error) {
	cleanupFlags := flag.NewFlagSet("cleanup", flag.ContinueOnError)
	cleanupFlags.SetOutput(os.Stderr)

	maxAge := cleanupFlags.Duration("max-age", 0,
		"Retention override for this run, e.g. 48h (default: configured cleanup_max_age)")

	if err := cleanupFlags.Parse(args); err != nil {
		return 0, fmt.Errorf("parsing cleanup flags: %w", err)
	}
	if *maxAge < 0 {
		return 0, fmt.Errorf("--max-age must be positive, got %s", *maxAge)
	}
	return *maxAge, nil
}

// runMaintenance triggers one maintenance task and processes it in this
// process. The queue driver is forced to memory so the job lands on a
// process-local queue that the embedded runner drains; the task row
// still goes through the shared store, so a task already in flight
// elsewhere coalesces instead of running twice.
func runMaintenance(name string, trigger func(context.Context, *app.App) (*task.Task, bool, error)) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	cfg.QueueDriver = config.QueueDriverMemory

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger := slog.Default()

	a, err := app.Setup(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("initializing application: %w", err)
	}
	defer func() {
		if closeErr := a.Close(); closeErr != nil {
			logger.Warn("shutdown error", "error", closeErr)
		}
	}()

	t, created, err := trigger(ctx, a)
	if err != nil {
		return fmt.Errorf("triggering %s: %w", name, err)
	}
	if !created {
		fmt.Printf("%s already in flight: task %s is %s, leaving it to its owner\n",
			name, t.ID, t.Status)
		return nil
	}
	fmt.Printf("%s started: task %s\n", name, t.ID)

	runCtx, stopRunner := context.WithCancel(ctx)
	defer stopRunner()
	done := make(chan error, 1)
	go func() { done <- a.Runner.Run(runCtx) }()

	final, err := waitForTask(ctx, a, t.ID)
	stopRunner()
	if rerr := <-done; rerr != nil {
		logger.Warn("embedded worker error", "error", rerr)
	}
	if err != nil {
		return err
	}

	return reportOutcome(name, final)
}

// waitForTask polls the store until the task reaches a terminal status.
func waitForTask(ctx context.Context, a *app.App, id uuid.UUID) (*task.Task, error) {
	ticker := time.NewTicker(taskPollInterval)
	defer ticker.Stop()

	for {
		t, err := a.Store.Get(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("polling task %s: %w", id, err)
		}
		if t.Status.Terminal() {
			return t, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func reportOutcome(name string, t *task.Task) error {
	switch t.Status {
	case task.StatusSucceeded:
		fmt.Printf("%s succeeded: %s\n", name, string(t.Result))
		return nil
	case task.StatusFailed:
		if t.Failure != nil {
			return fmt.Errorf("%s failed (%s): %s", name, t.Failure.Kind, t.Failure.Message)
		}
		return fmt.Errorf("%s failed", name)
	default:
		return fmt.Errorf("%s ended in unexpected status %q", name, t.Status)
	}
}
