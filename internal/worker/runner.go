// Package worker runs the queue consumption loop. A Runner claims jobs,
// keeps their leases alive while a processor works, and settles each
// delivery: ack when the attempt concluded, nack with backoff when it
// did not, and a terminal task failure once a job has exhausted its
// delivery attempts.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/univy/docpipe/internal/queue"
	"github.com/univy/docpipe/internal/scanner"
	"github.com/univy/docpipe/internal/sweeper"
	"github.com/univy/docpipe/internal/task"
)

const (
	DefaultConcurrency  = 2
	DefaultPollInterval = 2 * time.Second
	DefaultLease        = 5 * time.Minute
	DefaultMaxAttempts  = 3

	// DefaultRetryDelay seeds the exponential backoff between delivery
	// attempts.
	DefaultRetryDelay = 15 * time.Second
	maxRetryDelay     = 10 * time.Minute
)

// TaskStore is the slice of the task store the runner needs.
type TaskStore interface {
	Get(ctx context.Context, id uuid.UUID) (*task.Task, error)
	Transition(ctx context.Context, id uuid.UUID, to task.Status, p task.Payload) error
}

// DocumentParser processes one parse task end to end, including its
// status transitions.
type DocumentParser interface {
	Run(ctx context.Context, t *task.Task) error
}

// DirectoryScanner sweeps the uploads root for new documents.
type DirectoryScanner interface {
	Scan(ctx context.Context) (*scanner.Summary, error)
}

// ArtifactSweeper removes expired parse artifacts. maxAge <= 0 means
// the sweeper's configured retention.
type ArtifactSweeper interface {
	Sweep(ctx context.Context, maxAge time.Duration) (*sweeper.Summary, error)
}

// Config carries the runner's tunables. Zero values mean the defaults
// above.
type Config struct {
	// Consumer identifies this runner in queue leases. Empty means
	// hostname-pid.
	Consumer string
	// Concurrency is the number of parallel poll loops.
	Concurrency int
	// PollInterval is the pause between polls of an empty queue. A
	// small jitter is added so idle runners do not poll in lockstep.
	PollInterval time.Duration
	// Lease is how long a claimed job stays invisible to other
	// consumers. Leases are renewed every Lease/3 while work runs.
	Lease time.Duration
	// MaxAttempts is how many deliveries a job gets before the runner
	// fails its task and drops it.
	MaxAttempts int
	// RetryDelay seeds the backoff between attempts.
	RetryDelay time.Duration
	// MaxParsePerMinute caps how many parse jobs this runner starts per
	// minute. Zero means no cap.
	MaxParsePerMinute int
}

// Runner consumes the work queue and dispatches jobs by task kind.
type Runner struct {
	queue   queue.Queue
	store   TaskStore
	parse   DocumentParser
	scan    DirectoryScanner
	sweep   ArtifactSweeper
	cfg     Config
	limiter *rate.Limiter
	tracer  trace.Tracer
	logger  *slog.Logger
}

// New builds a Runner. parse, scan and sweep handle the corresponding
// task kinds.
func New(q queue.Queue, store TaskStore, parse DocumentParser, scan DirectoryScanner, sweep ArtifactSweeper, cfg Config, logger *slog.Logger) *Runner {
	if cfg.Consumer == "" {
		host, _ := os.Hostname()
		cfg.Consumer = fmt.Sprintf("%s-%d", host, os.Getpid())
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.Lease <= 0 {
		cfg.Lease = DefaultLease
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	var limiter *rate.Limiter
	if cfg.MaxParsePerMinute > 0 {
		limiter = rate.NewLimiter(rate.Limit(float64(cfg.MaxParsePerMinute)/60.0), 1)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		queue:   q,
		store:   store,
		parse:   parse,
		scan:    scan,
		sweep:   sweep,
		cfg:     cfg,
		limiter: limiter,
		tracer:  otel.Tracer("docpipe/worker"),
		logger:  logger,
	}
}

// Run consumes jobs until ctx is canceled. The attempt in flight when
// shutdown begins releases its job for immediate redelivery before Run
// returns.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.Info("worker runner started",
		"consumer", r.cfg.Consumer,
		"concurrency", r.cfg.Concurrency,
		"lease", r.cfg.Lease.String())

	g, gctx := errgroup.WithContext(ctx)
	for range r.cfg.Concurrency {
		g.Go(func() error { return r.pollLoop(gctx) })
	}
	err := g.Wait()
	r.logger.Info("worker runner stopped")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (r *Runner) pollLoop(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		d, err := r.queue.Dequeue(ctx, r.cfg.Consumer, r.cfg.Lease)
		switch {
		case errors.Is(err, queue.ErrEmpty):
			if serr := sleep(ctx, r.pollDelay()); serr != nil {
				return serr
			}
			continue
		case err != nil:
			if ctx.Err() != nil {
				return ctx.Err()
			}
			r.logger.Error("dequeue failed", "error", err)
			if serr := sleep(ctx, r.pollDelay()); serr != nil {
				return serr
			}
			continue
		}
		r.handle(ctx, d)
	}
}

// handle settles one delivery.
func (r *Runner) handle(ctx context.Context, d *queue.Delivery) {
	logger := r.logger.With(
		"job_id", d.JobID,
		"task_id", d.TaskID.String(),
		"kind", string(d.Kind),
		"attempt", d.Attempts)

	if d.Attempts > r.cfg.MaxAttempts {
		r.dropPoisoned(ctx, d, logger)
		return
	}

	hctx, stop := r.heartbeat(ctx, d)
	err := r.process(hctx, d, logger)
	stop()

	// Settle even when ctx was canceled mid-attempt: releasing the job
	// now beats waiting out the lease.
	sctx := context.WithoutCancel(ctx)
	if err != nil {
		delay := retryDelay(r.cfg.RetryDelay, d.Attempts)
		if ctx.Err() != nil {
			delay = 0 // shutdown, not a fault: redeliver immediately
		}
		logger.Warn("attempt did not conclude, releasing job",
			"error", err, "redelivery_in", delay.String())
		if nerr := r.queue.Nack(sctx, d, delay); nerr != nil && !errors.Is(nerr, queue.ErrLeaseLost) {
			logger.Error("nack failed, lease will expire on its own", "error", nerr)
		}
		return
	}
	if aerr := r.queue.Ack(sctx, d); aerr != nil {
		if errors.Is(aerr, queue.ErrLeaseLost) {
			logger.Warn("lease lost before ack, job may be redelivered")
		} else {
			logger.Error("ack failed, job may be redelivered", "error", aerr)
		}
	}
}

// process runs one attempt. A nil return means the attempt concluded
// (including task-level failures, which are recorded on the task); an
// error means the job should be redelivered.
//
// Each attempt gets its own span. Span errors mark attempts headed for
// redelivery, not task-level failures.
func (r *Runner) process(ctx context.Context, d *queue.Delivery, logger *slog.Logger) (err error) {
	ctx, span := r.tracer.Start(ctx, "job "+string(d.Kind),
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("task.id", d.TaskID.String()),
			attribute.String("task.kind", string(d.Kind)),
			attribute.Int("job.attempt", d.Attempts),
		))
	defer func() {
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	t, err := r.store.Get(ctx, d.TaskID)
	if errors.Is(err, task.ErrNotFound) {
		logger.Warn("job references a missing task, dropping")
		return nil
	}
	if err != nil {
		return fmt.Errorf("loading task %s: %w", d.TaskID, err)
	}
	if t.Status.Terminal() {
		logger.Info("task already settled, dropping job", "status", string(t.Status))
		return nil
	}

	switch d.Kind {
	case task.KindParse:
		if r.limiter != nil {
			if err := r.limiter.Wait(ctx); err != nil {
				return err
			}
		}
		return r.parse.Run(ctx, t)
	case task.KindScan:
		return r.maintain(ctx, t, logger, task.FailStorage, func(ctx context.Context) (any, error) {
			return r.scan.Scan(ctx)
		})
	case task.KindCleanup:
		return r.maintain(ctx, t, logger, task.FailCleanup, func(ctx context.Context) (any, error) {
			return r.sweep.Sweep(ctx, sweeper.ParseMaxAgeRef(t.InputRef))
		})
	default:
		logger.Error("job with unknown kind, dropping")
		return nil
	}
}

// maintain drives a scan or cleanup task through its lifecycle: claim,
// run, record the summary. Parse tasks manage their own lifecycle in
// the parser worker; the maintenance processors only report summaries,
// so the bookkeeping lives here.
func (r *Runner) maintain(ctx context.Context, t *task.Task, logger *slog.Logger, failKind string, run func(context.Context) (any, error)) error {
	if t.Status == task.StatusRunning {
		logger.Warn("resuming task left running by an expired lease")
	}
	if err := r.store.Transition(ctx, t.ID, task.StatusRunning, task.Payload{}); err != nil {
		var te *task.TransitionError
		switch {
		case errors.As(err, &te):
			logger.Info("task already finished, skipping", "status", te.From)
			return nil
		case errors.Is(err, task.ErrNotFound):
			return nil
		default:
			return fmt.Errorf("claiming task %s: %w", t.ID, err)
		}
	}

	summary, err := run(ctx)
	if err != nil {
		if ctx.Err() != nil {
			// Shutdown, not a verdict: leave the task running so the
			// redelivered job resumes it.
			return ctx.Err()
		}
		logger.Warn("maintenance task failed", "error", err)
		failure := &task.Failure{Kind: failKind, Message: err.Error()}
		if terr := r.store.Transition(ctx, t.ID, task.StatusFailed, task.Payload{Failure: failure}); terr != nil {
			var te *task.TransitionError
			if errors.As(terr, &te) {
				return nil
			}
			return fmt.Errorf("recording failure for task %s: %w", t.ID, terr)
		}
		return nil
	}

	payload, merr := json.Marshal(summary)
	if merr != nil {
		return fmt.Errorf("encoding summary for task %s: %w", t.ID, merr)
	}
	if terr := r.store.Transition(ctx, t.ID, task.StatusSucceeded, task.Payload{Result: payload}); terr != nil {
		var te *task.TransitionError
		if errors.As(terr, &te) {
			return nil
		}
		return fmt.Errorf("recording success for task %s: %w", t.ID, terr)
	}
	return nil
}

// dropPoisoned gives up on a job that keeps coming back. The task is
// failed so the outcome is visible, then the job is acked away.
func (r *Runner) dropPoisoned(ctx context.Context, d *queue.Delivery, logger *slog.Logger) {
	logger.Error("job exhausted its delivery attempts, giving up",
		"max_attempts", r.cfg.MaxAttempts)
	failure := &task.Failure{
		Kind:    task.FailStorage,
		Message: fmt.Sprintf("gave up after %d delivery attempts", d.Attempts-1),
	}
	r.failAbandonedTask(ctx, d.TaskID, failure, logger)
	if err := r.queue.Ack(ctx, d); err != nil && !errors.Is(err, queue.ErrLeaseLost) {
		logger.Error("ack failed for poisoned job", "error", err)
	}
}

// failAbandonedTask forces a task to failed from wherever it currently
// is. Tasks that already settled are left alone.
func (r *Runner) failAbandonedTask(ctx context.Context, id uuid.UUID, f *task.Failure, logger *slog.Logger) {
	if err := r.store.Transition(ctx, id, task.StatusRunning, task.Payload{}); err != nil {
		var te *task.TransitionError
		if errors.As(err, &te) || errors.Is(err, task.ErrNotFound) {
			return
		}
		logger.Error("failing abandoned task: claim failed", "error", err)
		return
	}
	if err := r.store.Transition(ctx, id, task.StatusFailed, task.Payload{Failure: f}); err != nil {
		var te *task.TransitionError
		if !errors.As(err, &te) {
			logger.Error("failing abandoned task: transition failed", "error", err)
		}
	}
}

// heartbeat renews the delivery's lease every Lease/3 until stop is
// called. If the lease cannot be renewed the returned context is
// canceled so the processor stops touching work it no longer owns.
func (r *Runner) heartbeat(ctx context.Context, d *queue.Delivery) (context.Context, func()) {
	hctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)
		ticker := time.NewTicker(r.cfg.Lease / 3)
		defer ticker.Stop()
		for {
			select {
			case <-hctx.Done():
				return
			case <-ticker.C:
				err := r.queue.Extend(hctx, d, r.cfg.Lease)
				switch {
				case err == nil, hctx.Err() != nil:
				case errors.Is(err, queue.ErrLeaseLost):
					r.logger.Warn("lease lost mid-run, abandoning job",
						"job_id", d.JobID, "task_id", d.TaskID.String())
					cancel()
					return
				default:
					r.logger.Warn("lease extension failed",
						"job_id", d.JobID, "error", err)
				}
			}
		}
	}()

	return hctx, func() {
		cancel()
		<-done
	}
}

func (r *Runner) pollDelay() time.Duration {
	return r.cfg.PollInterval + rand.N(r.cfg.PollInterval/4+1)
}

func retryDelay(base time.Duration, attempts int) time.Duration {
	d := base << (attempts - 1)
	if d > maxRetryDelay || d <= 0 {
		return maxRetryDelay
	}
	return d
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
