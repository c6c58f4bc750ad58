// Package ingest is the gateway for document intake. It accepts uploads,
// deduplicates them against already-ingested content, creates parse
// tasks, and exposes task status. All heavy work happens later, in the
// queue workers; every entry point here returns quickly.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/univy/docpipe/internal/dedup"
	"github.com/univy/docpipe/internal/parser"
	"github.com/univy/docpipe/internal/security"
	"github.com/univy/docpipe/internal/sweeper"
	"github.com/univy/docpipe/internal/task"
)

// DefaultMaxUploadBytes bounds a single upload when the config does not
// say otherwise.
const DefaultMaxUploadBytes = 100 << 20 // 100 MiB

// Upload rejection reasons. The HTTP layer maps these to status codes.
var (
	ErrBadFilename       = errors.New("invalid filename")
	ErrUnsupportedFormat = errors.New("unsupported document format")
	ErrTooLarge          = errors.New("upload exceeds the size limit")
	ErrEmptyUpload       = errors.New("upload is empty")
)

// TaskStore is the slice of the task store the gateway needs.
type TaskStore interface {
	CreateIfAbsent(ctx context.Context, kind task.Kind, inputRef, contentHash string) (*task.Task, bool, error)
	Get(ctx context.Context, id uuid.UUID) (*task.Task, error)
	List(ctx context.Context, f task.Filter) ([]*task.Task, error)
	Transition(ctx context.Context, id uuid.UUID, to task.Status, p task.Payload) error
}

// FingerprintIndex answers whether content was already ingested.
type FingerprintIndex interface {
	Lookup(ctx context.Context, contentHash string) (*dedup.Fingerprint, error)
}

// JobQueue hands created tasks to the workers.
type JobQueue interface {
	Enqueue(ctx context.Context, taskID uuid.UUID, kind task.Kind) error
}

// Config carries the gateway's tunables.
type Config struct {
	// UploadsRoot is where accepted documents are stored.
	UploadsRoot string
	// OutputsRoot is where parse artifacts live; cleanup tasks reference it.
	OutputsRoot string
	// MaxUploadBytes bounds a single upload. Zero means
	// DefaultMaxUploadBytes.
	MaxUploadBytes int64
}

// Service is the ingestion gateway.
type Service struct {
	store  TaskStore
	index  FingerprintIndex
	queue  JobQueue
	cfg    Config
	logger *slog.Logger
}

// New builds a gateway Service. A nil logger falls back to slog.Default().
func New(store TaskStore, index FingerprintIndex, queue JobQueue, cfg Config, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = DefaultMaxUploadBytes
	}
	return &Service{store: store, index: index, queue: queue, cfg: cfg, logger: logger}
}

// UploadResult reports the outcome of one upload.
type UploadResult struct {
	// Task is the parse task handling this content. For a duplicate it
	// is the original task, or nil if that task has since been purged.
	Task *task.Task
	// Duplicate reports that the content was already ingested or is
	// already in flight; no new task was created.
	Duplicate   bool
	ContentHash string
	// StoredPath is where the document lives under the uploads root.
	StoredPath string
}

// Upload accepts one document. The content is streamed to the uploads
// root while being hashed; if the hash is already known the upload is
// discarded and the original task returned. Otherwise a parse task is
// created and queued.
func (s *Service) Upload(ctx context.Context, filename string, r io.Reader) (*UploadResult, error) {
	if err := security.Filename(filename); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrBadFilename, err)
	}
	if !parser.Supported(filename) {
		return nil, ErrUnsupportedFormat
	}

	hash, size, tmpPath, err := s.receive(r)
	if err != nil {
		return nil, err
	}

	fp, err := s.index.Lookup(ctx, hash)
	switch {
	case err == nil:
		_ = os.Remove(tmpPath)
		return s.duplicateOf(ctx, fp, hash)
	case !errors.Is(err, dedup.ErrNotFound):
		_ = os.Remove(tmpPath)
		return nil, fmt.Errorf("looking up fingerprint: %w", err)
	}

	storedPath, placed, err := s.place(tmpPath, filename, hash)
	if err != nil {
		_ = os.Remove(tmpPath)
		return nil, err
	}

	t, created, err := s.store.CreateIfAbsent(ctx, task.KindParse, storedPath, hash)
	if err != nil {
		if placed {
			_ = os.Remove(storedPath)
		}
		return nil, fmt.Errorf("creating task: %w", err)
	}
	if !created {
		// Same content is already in flight. Keep the in-flight task's
		// input and drop the spare copy we just wrote.
		if placed && t.InputRef != storedPath {
			_ = os.Remove(storedPath)
		}
		return &UploadResult{Task: t, Duplicate: true, ContentHash: hash, StoredPath: t.InputRef}, nil
	}

	if err := s.queue.Enqueue(ctx, t.ID, task.KindParse); err != nil {
		s.failOrphanedTask(ctx, t.ID, err)
		return nil, fmt.Errorf("enqueuing task: %w", err)
	}

	s.logger.Info("document accepted",
		"task_id", t.ID.String(), "file", storedPath, "bytes", size)
	return &UploadResult{Task: t, ContentHash: hash, StoredPath: storedPath}, nil
}

// Status returns the task with the given id.
func (s *Service) Status(ctx context.Context, id uuid.UUID) (*task.Task, error) {
	return s.store.Get(ctx, id)
}

// Tasks lists recent tasks matching the filter, newest first.
func (s *Service) Tasks(ctx context.Context, f task.Filter) ([]*task.Task, error) {
	return s.store.List(ctx, f)
}

// TriggerScan enqueues a directory scan unless one is already pending or
// running. It returns the task and whether this call created it.
func (s *Service) TriggerScan(ctx context.Context) (*task.Task, bool, error) {
	return s.trigger(ctx, task.KindScan, s.cfg.UploadsRoot)
}

// TriggerCleanup enqueues an artifact sweep unless one is already
// pending or running. maxAge overrides the configured retention for
// this sweep; zero or negative keeps the configured value. The override
// rides in the task's input reference, so when a sweep is already in
// flight its settings win and the override is dropped.
func (s *Service) TriggerCleanup(ctx context.Context, maxAge time.Duration) (*task.Task, bool, error) {
	return s.trigger(ctx, task.KindCleanup, sweeper.MaxAgeRef(s.cfg.OutputsRoot, maxAge))
}

func (s *Service) trigger(ctx context.Context, kind task.Kind, inputRef string) (*task.Task, bool, error) {
	t, created, err := s.store.CreateIfAbsent(ctx, kind, inputRef, "")
	if err != nil {
		return nil, false, fmt.Errorf("creating %s task: %w", kind, err)
	}
	if !created {
		return t, false, nil
	}
	if err := s.queue.Enqueue(ctx, t.ID, kind); err != nil {
		s.failOrphanedTask(ctx, t.ID, err)
		return nil, false, fmt.Errorf("enqueuing %s task: %w", kind, err)
	}
	s.logger.Info("maintenance task enqueued", "kind", string(kind), "task_id", t.ID.String())
	return t, true, nil
}

// receive streams the upload into a hidden temp file under the uploads
// root, hashing as it writes. The dot prefix keeps half-written uploads
// invisible to the directory scanner.
func (s *Service) receive(r io.Reader) (hash string, size int64, tmpPath string, err error) {
	f, err := os.CreateTemp(s.cfg.UploadsRoot, ".upload-*")
	if err != nil {
		return "", 0, "", fmt.Errorf("creating upload file: %w", err)
	}
	tmpPath = f.Name()
	discard := func(cause error) (string, int64, string, error) {
		_ = f.Close()
		_ = os.Remove(tmpPath)
		return "", 0, "", cause
	}

	limited := io.LimitReader(r, s.cfg.MaxUploadBytes+1)
	hash, err = dedup.HashReader(io.TeeReader(limited, f))
	if err != nil {
		return discard(fmt.Errorf("storing upload: %w", err))
	}
	fi, err := f.Stat()
	if err != nil {
		return discard(fmt.Errorf("storing upload: %w", err))
	}
	size = fi.Size()
	if err := f.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return "", 0, "", fmt.Errorf("storing upload: %w", err)
	}
	if size > s.cfg.MaxUploadBytes {
		_ = os.Remove(tmpPath)
		return "", 0, "", ErrTooLarge
	}
	if size == 0 {
		_ = os.Remove(tmpPath)
		return "", 0, "", ErrEmptyUpload
	}
	return hash, size, tmpPath, nil
}

// place links the received file to its final name. It never replaces an
// existing file: a collision with identical content reuses the existing
// file, any other collision falls back to a hash-suffixed name. The
// second return reports whether a new file was placed (as opposed to an
// existing one being reused).
func (s *Service) place(tmpPath, filename, hash string) (string, bool, error) {
	ext := filepath.Ext(filename)
	stem := strings.TrimSuffix(filename, ext)

	for _, name := range []string{filename, stem + "_" + hash[:8] + ext} {
		final := filepath.Join(s.cfg.UploadsRoot, name)
		err := os.Link(tmpPath, final)
		if err == nil {
			_ = os.Remove(tmpPath)
			return final, true, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return "", false, fmt.Errorf("storing upload: %w", err)
		}
		if existing, herr := dedup.HashFile(final); herr == nil && existing == hash {
			_ = os.Remove(tmpPath)
			return final, false, nil
		}
	}
	return "", false, fmt.Errorf("storing upload: a different file named %q already exists", filename)
}

// duplicateOf builds the response for content that is already ingested.
func (s *Service) duplicateOf(ctx context.Context, fp *dedup.Fingerprint, hash string) (*UploadResult, error) {
	res := &UploadResult{Duplicate: true, ContentHash: hash, StoredPath: fp.SourcePath}
	t, err := s.store.Get(ctx, fp.TaskID)
	switch {
	case errors.Is(err, task.ErrNotFound):
		// The original task was purged; the fingerprint alone proves
		// the content is already ingested.
	case err != nil:
		return nil, fmt.Errorf("loading original task: %w", err)
	default:
		res.Task = t
	}
	s.logger.Info("duplicate upload short-circuited", "content_hash", hash)
	return res, nil
}

// failOrphanedTask marks a task whose queue job could not be created as
// failed so its content guard is released.
func (s *Service) failOrphanedTask(ctx context.Context, id uuid.UUID, cause error) {
	if err := s.store.Transition(ctx, id, task.StatusRunning, task.Payload{}); err != nil {
		s.logger.Error("ingest: orphaned pending task", "task_id", id.String(), "error", err)
		return
	}
	failure := &task.Failure{Kind: task.FailStorage, Message: fmt.Sprintf("enqueue failed: %v", cause)}
	if err := s.store.Transition(ctx, id, task.StatusFailed, task.Payload{Failure: failure}); err != nil {
		s.logger.Error("ingest: orphaned running task", "task_id", id.String(), "error", err)
	}
}
