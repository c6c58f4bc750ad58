// Package sweeper removes parse artifacts that outlived their retention
// window. Only directories belonging to finished tasks are eligible:
// artifacts of pending or running tasks are always left alone, and
// directories the sweeper cannot attribute to a task are never touched.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/univy/docpipe/internal/parser"
	"github.com/univy/docpipe/internal/security"
	"github.com/univy/docpipe/internal/task"
)

// DefaultMaxAge keeps artifacts for a week after the task finished.
const DefaultMaxAge = 7 * 24 * time.Hour

// DefaultRemoveConcurrency bounds parallel directory removals.
const DefaultRemoveConcurrency = 4

// TaskStore is the slice of the task store the sweeper needs.
type TaskStore interface {
	Get(ctx context.Context, id uuid.UUID) (*task.Task, error)
}

// Config carries the sweeper's tunables.
type Config struct {
	// OutputsRoot is the directory holding per-task artifact directories.
	OutputsRoot string
	// MaxAge is how long artifacts are kept after their task finished.
	// Zero means DefaultMaxAge.
	MaxAge time.Duration
	// RemoveConcurrency bounds parallel removals. Zero means
	// DefaultRemoveConcurrency.
	RemoveConcurrency int
}

// DirFailure records a directory the sweeper examined but could not
// handle. The batch continues past it.
type DirFailure struct {
	Path  string `json:"path"`
	Error string `json:"error"`
}

// Summary reports one sweep. It is stored as the cleanup task's result.
type Summary struct {
	DirsExamined int          `json:"dirs_examined"`
	DirsRemoved  int          `json:"dirs_removed"`
	DirsSkipped  int          `json:"dirs_skipped"`
	Failures     []DirFailure `json:"failures,omitempty"`
}

// Sweeper walks the outputs root and deletes expired artifact
// directories.
type Sweeper struct {
	store  TaskStore
	cfg    Config
	paths  *security.Path
	logger *slog.Logger
}

// New builds a Sweeper rooted at cfg.OutputsRoot. A nil logger falls
// back to slog.Default().
func New(store TaskStore, cfg Config, logger *slog.Logger) (*Sweeper, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = DefaultMaxAge
	}
	if cfg.RemoveConcurrency <= 0 {
		cfg.RemoveConcurrency = DefaultRemoveConcurrency
	}
	paths, err := security.NewPath([]string{cfg.OutputsRoot})
	if err != nil {
		return nil, fmt.Errorf("configuring outputs root: %w", err)
	}
	return &Sweeper{store: store, cfg: cfg, paths: paths, logger: logger}, nil
}

// Sweep removes artifact directories of terminal tasks that finished
// before now minus the retention age. maxAge overrides the configured
// retention for this run; zero or negative means the configured value.
// Directories of active tasks, directories without a well-formed task ID
// in their name, and directories whose task is unknown are skipped.
// Per-directory failures are recorded and do not abort the sweep.
func (s *Sweeper) Sweep(ctx context.Context, maxAge time.Duration) (*Summary, error) {
	if maxAge <= 0 {
		maxAge = s.cfg.MaxAge
	}
	entries, err := os.ReadDir(s.cfg.OutputsRoot)
	if err != nil {
		return nil, fmt.Errorf("reading outputs root: %w", err)
	}
	cutoff := time.Now().Add(-maxAge)

	var (
		mu  sync.Mutex
		sum Summary
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.RemoveConcurrency)

	for _, entry := range entries {
		id, ok := taskIDFromDir(entry)
		if !ok {
			continue
		}
		g.Go(func() error {
			removed, err := s.sweepDir(gctx, id, cutoff)
			mu.Lock()
			defer mu.Unlock()
			sum.DirsExamined++
			switch {
			case err != nil:
				path := parser.ArtifactDir(s.cfg.OutputsRoot, id)
				sum.Failures = append(sum.Failures, DirFailure{Path: path, Error: err.Error()})
				s.logger.Warn("sweep failed for directory", "path", path, "error", err)
			case removed:
				sum.DirsRemoved++
			default:
				sum.DirsSkipped++
			}
			return gctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	// Stable summaries regardless of goroutine scheduling.
	sort.Slice(sum.Failures, func(i, j int) bool {
		return sum.Failures[i].Path < sum.Failures[j].Path
	})

	s.logger.Info("sweep finished",
		"examined", sum.DirsExamined,
		"removed", sum.DirsRemoved,
		"skipped", sum.DirsSkipped,
		"failed", len(sum.Failures))
	return &sum, nil
}

// sweepDir decides one directory. It reports whether the directory was
// removed; a false return with nil error means the directory stays.
func (s *Sweeper) sweepDir(ctx context.Context, id uuid.UUID, cutoff time.Time) (bool, error) {
	t, err := s.store.Get(ctx, id)
	switch {
	case errors.Is(err, task.ErrNotFound):
		// A directory we cannot attribute to a task is not ours to
		// delete.
		return false, nil
	case err != nil:
		return false, fmt.Errorf("loading task: %w", err)
	}

	if !t.Status.Terminal() {
		return false, nil
	}
	if t.FinishedAt == nil || !t.FinishedAt.Before(cutoff) {
		return false, nil
	}

	dir, err := s.paths.Validate(parser.ArtifactDir(s.cfg.OutputsRoot, id))
	if err != nil {
		return false, err
	}
	if err := os.RemoveAll(dir); err != nil {
		return false, fmt.Errorf("removing directory: %w", err)
	}
	s.logger.Debug("removed expired artifacts",
		"task_id", id.String(), "finished_at", t.FinishedAt)
	return true, nil
}

// MaxAgeRef encodes a cleanup task's input reference: the outputs root,
// plus the per-run retention override when one was requested. The
// override rides in the task row so a redelivered cleanup job keeps the
// age it was triggered with.
func MaxAgeRef(root string, maxAge time.Duration) string {
	if maxAge <= 0 {
		return root
	}
	return root + "?max_age=" + maxAge.String()
}

// ParseMaxAgeRef extracts the retention override from a cleanup task's
// input reference. Zero means none was requested.
func ParseMaxAgeRef(ref string) time.Duration {
	_, v, ok := strings.Cut(ref, "?max_age=")
	if !ok {
		return 0
	}
	d, err := time.ParseDuration(v)
	if err != nil || d < 0 {
		return 0
	}
	return d
}

// taskIDFromDir extracts the task ID from an artifact directory name.
func taskIDFromDir(entry os.DirEntry) (uuid.UUID, bool) {
	if !entry.IsDir() {
		return uuid.Nil, false
	}
	raw, ok := strings.CutPrefix(entry.Name(), parser.ArtifactDirPrefix)
	if !ok {
		return uuid.Nil, false
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}

