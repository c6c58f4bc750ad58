// Package scanner diffs the upload directory against the pipeline state:
// files that have never been parsed successfully and have no task in
// flight get a fresh parse task and a queue job. Everything else is
// skipped, so running a scan is always safe and always idempotent.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/univy/docpipe/internal/dedup"
	"github.com/univy/docpipe/internal/parser"
	"github.com/univy/docpipe/internal/task"
)

// DefaultHashConcurrency bounds how many files are fingerprinted at once.
const DefaultHashConcurrency = 4

// TaskStore creates parse tasks, deduplicating against in-flight ones.
type TaskStore interface {
	CreateIfAbsent(ctx context.Context, kind task.Kind, inputRef, contentHash string) (*task.Task, bool, error)
	Transition(ctx context.Context, id uuid.UUID, to task.Status, p task.Payload) error
}

// FingerprintIndex answers whether content has already been parsed.
type FingerprintIndex interface {
	Lookup(ctx context.Context, contentHash string) (*dedup.Fingerprint, error)
}

// JobQueue makes created tasks visible to workers.
type JobQueue interface {
	Enqueue(ctx context.Context, taskID uuid.UUID, kind task.Kind) error
}

// Config carries the scanner's tunables.
type Config struct {
	// UploadsRoot is the directory to diff against the pipeline state.
	UploadsRoot string

	// HashConcurrency bounds parallel fingerprinting. Zero means
	// DefaultHashConcurrency.
	HashConcurrency int
}

// Scanner walks the uploads root and enqueues parse tasks for new content.
type Scanner struct {
	store  TaskStore
	index  FingerprintIndex
	queue  JobQueue
	cfg    Config
	logger *slog.Logger
}

// New creates a Scanner.
func New(store TaskStore, index FingerprintIndex, queue JobQueue, cfg Config, logger *slog.Logger) *Scanner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scanner{store: store, index: index, queue: queue, cfg: cfg, logger: logger}
}

// FileFailure records why one file could not be handled.
type FileFailure struct {
	Path  string `json:"path"`
	Error string `json:"error"`
}

// Summary is the outcome of one scan pass.
type Summary struct {
	FilesScanned  int           `json:"files_scanned"`
	TasksEnqueued int           `json:"tasks_enqueued"`
	FilesSkipped  int           `json:"files_skipped"`
	FilesFailed   int           `json:"files_failed"`
	Failures      []FileFailure `json:"failures,omitempty"`
}

// Scan performs one synchronous pass. Individual file problems are
// recorded in the summary and never abort the batch; only an unreadable
// uploads root or a canceled context fails the whole scan.
func (s *Scanner) Scan(ctx context.Context) (*Summary, error) {
	files, err := s.listCandidates()
	if err != nil {
		return nil, fmt.Errorf("listing uploads: %w", err)
	}

	var (
		mu      sync.Mutex
		summary = Summary{FilesScanned: len(files)}
	)

	limit := s.cfg.HashConcurrency
	if limit <= 0 {
		limit = DefaultHashConcurrency
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)

	for _, path := range files {
		g.Go(func() error {
			enqueued, err := s.processFile(gctx, path)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				summary.FilesFailed++
				summary.Failures = append(summary.Failures, FileFailure{Path: path, Error: err.Error()})
				s.logger.Warn("scan: file failed", "path", path, "error", err)
			case enqueued:
				summary.TasksEnqueued++
			default:
				summary.FilesSkipped++
			}
			// Per-file failures never cancel the group; only context
			// cancellation stops the batch.
			return gctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	s.logger.Info("scan complete",
		"scanned", summary.FilesScanned,
		"enqueued", summary.TasksEnqueued,
		"skipped", summary.FilesSkipped,
		"failed", summary.FilesFailed)
	return &summary, nil
}

// listCandidates walks the uploads root collecting recognized regular
// files. Hidden files and directories are ignored.
func (s *Scanner) listCandidates() ([]string, error) {
	var files []string
	root := s.cfg.UploadsRoot
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		name := d.Name()
		if d.IsDir() {
			if path != root && strings.HasPrefix(name, ".") {
				return fs.SkipDir
			}
			return nil
		}
		if strings.HasPrefix(name, ".") || !d.Type().IsRegular() {
			return nil
		}
		if !parser.Supported(path) {
			return nil
		}
		files = append(files, path)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return files, nil
}

// processFile decides the fate of one file: skip (already parsed or in
// flight) or enqueue a fresh parse task.
func (s *Scanner) processFile(ctx context.Context, path string) (enqueued bool, err error) {
	hash, err := dedup.HashFile(path)
	if err != nil {
		return false, err
	}

	if _, err := s.index.Lookup(ctx, hash); err == nil {
		return false, nil // content already parsed successfully
	} else if !errors.Is(err, dedup.ErrNotFound) {
		return false, fmt.Errorf("fingerprint lookup: %w", err)
	}

	t, created, err := s.store.CreateIfAbsent(ctx, task.KindParse, path, hash)
	if err != nil {
		return false, fmt.Errorf("creating task: %w", err)
	}
	if !created {
		return false, nil // a task for this content is already in flight
	}

	if err := s.queue.Enqueue(ctx, t.ID, task.KindParse); err != nil {
		// The task would otherwise sit pending forever with no job to
		// drive it, blocking re-creation through the in-flight guard.
		s.failOrphanedTask(ctx, t.ID, err)
		return false, fmt.Errorf("enqueuing task: %w", err)
	}
	return true, nil
}

// failOrphanedTask marks a task whose queue job could not be created as
// failed so the content becomes eligible again on the next scan.
func (s *Scanner) failOrphanedTask(ctx context.Context, id uuid.UUID, cause error) {
	if err := s.store.Transition(ctx, id, task.StatusRunning, task.Payload{}); err != nil {
		s.logger.Error("scan: orphaned pending task", "task_id", id.String(), "error", err)
		return
	}
	failure := &task.Failure{Kind: task.FailStorage, Message: fmt.Sprintf("enqueue failed: %v", cause)}
	if err := s.store.Transition(ctx, id, task.StatusFailed, task.Payload{Failure: failure}); err != nil {
		s.logger.Error("scan: orphaned running task", "task_id", id.String(), "error", err)
	}
}
