// Package schedule fires recurring maintenance: directory scans and
// artifact sweeps on cron schedules. An optional file lock elects a
// single active scheduler per host; the others stand by and take over
// when the holder exits. The task store's single-active-task guard
// makes a double fire harmless either way.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gofrs/flock"
	"github.com/robfig/cron/v3"

	"github.com/univy/docpipe/internal/task"
)

const (
	// DefaultScanSpec scans the uploads root every five minutes.
	DefaultScanSpec = "*/5 * * * *"
	// DefaultSweepSpec sweeps artifacts nightly at 03:00.
	DefaultSweepSpec = "0 3 * * *"

	lockRetryInterval = 30 * time.Second
	triggerTimeout    = 30 * time.Second
)

// Trigger enqueues maintenance tasks. The bool reports whether the call
// created a new task or coalesced with an active one.
type Trigger interface {
	TriggerScan(ctx context.Context) (*task.Task, bool, error)
	TriggerCleanup(ctx context.Context, maxAge time.Duration) (*task.Task, bool, error)
}

// Config carries the scheduler's tunables.
type Config struct {
	// ScanSpec is the scan schedule in standard five-field cron
	// syntax. Empty means DefaultScanSpec.
	ScanSpec string
	// SweepSpec is the artifact sweep schedule. Empty means
	// DefaultSweepSpec.
	SweepSpec string
	// LockPath, when set, is a lock file shared by the schedulers on a
	// host. Only the lock holder fires entries.
	LockPath string
}

type entry struct {
	name  string
	sched cron.Schedule
	fire  func(ctx context.Context) (*task.Task, bool, error)
}

// Scheduler fires maintenance triggers on their cron schedules.
type Scheduler struct {
	entries []entry
	lock    *flock.Flock
	cfg     Config
	retry   time.Duration
	logger  *slog.Logger
}

// New builds a Scheduler around the given trigger. A nil logger falls
// back to slog.Default().
func New(trigger Trigger, cfg Config, logger *slog.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ScanSpec == "" {
		cfg.ScanSpec = DefaultScanSpec
	}
	if cfg.SweepSpec == "" {
		cfg.SweepSpec = DefaultSweepSpec
	}
	scanSched, err := cron.ParseStandard(cfg.ScanSpec)
	if err != nil {
		return nil, fmt.Errorf("parsing scan schedule %q: %w", cfg.ScanSpec, err)
	}
	sweepSched, err := cron.ParseStandard(cfg.SweepSpec)
	if err != nil {
		return nil, fmt.Errorf("parsing sweep schedule %q: %w", cfg.SweepSpec, err)
	}

	// Scheduled sweeps always use the configured retention; per-run
	// overrides are an operator affordance, not a schedule feature.
	sweep := func(ctx context.Context) (*task.Task, bool, error) {
		return trigger.TriggerCleanup(ctx, 0)
	}
	s := &Scheduler{
		entries: []entry{
			{name: "scan", sched: scanSched, fire: trigger.TriggerScan},
			{name: "cleanup", sched: sweepSched, fire: sweep},
		},
		cfg:    cfg,
		retry:  lockRetryInterval,
		logger: logger,
	}
	if cfg.LockPath != "" {
		s.lock = flock.New(cfg.LockPath)
	}
	return s, nil
}

// Run fires schedule entries until ctx is canceled. With a lock
// configured, Run first waits its turn: it blocks until the lock is
// acquired or ctx ends.
func (s *Scheduler) Run(ctx context.Context) error {
	if s.lock != nil {
		if err := s.acquireLock(ctx); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil // interrupted while standing by; nothing to undo
			}
			return err
		}
		defer func() { _ = s.lock.Unlock() }()
	}

	s.logger.Info("scheduler started",
		"scan", s.cfg.ScanSpec, "sweep", s.cfg.SweepSpec)

	now := time.Now()
	nexts := make([]time.Time, len(s.entries))
	for i, e := range s.entries {
		nexts[i] = e.sched.Next(now)
		s.logger.Debug("schedule entry armed", "entry", e.name, "next", nexts[i])
	}

	for {
		wake := nexts[0]
		for _, n := range nexts[1:] {
			if n.Before(wake) {
				wake = n
			}
		}
		if err := sleepUntil(ctx, wake); err != nil {
			s.logger.Info("scheduler stopped")
			return nil
		}

		now = time.Now()
		for i, e := range s.entries {
			if nexts[i].After(now) {
				continue
			}
			s.fireEntry(ctx, e)
			nexts[i] = e.sched.Next(now)
		}
	}
}

func (s *Scheduler) acquireLock(ctx context.Context) error {
	locked, err := s.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquiring scheduler lock %s: %w", s.cfg.LockPath, err)
	}
	if !locked {
		s.logger.Info("standing by: another scheduler holds the lock",
			"path", s.cfg.LockPath)
		if _, err = s.lock.TryLockContext(ctx, s.retry); err != nil {
			if cerr := ctx.Err(); cerr != nil {
				return cerr
			}
			return fmt.Errorf("acquiring scheduler lock %s: %w", s.cfg.LockPath, err)
		}
	}
	s.logger.Info("scheduler lock acquired", "path", s.cfg.LockPath)
	return nil
}

func (s *Scheduler) fireEntry(ctx context.Context, e entry) {
	fctx, cancel := context.WithTimeout(ctx, triggerTimeout)
	defer cancel()

	t, created, err := e.fire(fctx)
	switch {
	case err != nil:
		s.logger.Error("scheduled trigger failed", "entry", e.name, "error", err)
	case !created:
		s.logger.Info("scheduled trigger coalesced with active task",
			"entry", e.name, "task_id", t.ID.String())
	default:
		s.logger.Info("scheduled task enqueued",
			"entry", e.name, "task_id", t.ID.String())
	}
}

func sleepUntil(ctx context.Context, at time.Time) error {
	t := time.NewTimer(time.Until(at))
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
