package parser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/univy/docpipe/internal/task"
)

// DefaultTimeout bounds a single document extraction when the config does
// not say otherwise.
const DefaultTimeout = 25 * time.Minute

// TaskStore is the slice of the task store the worker needs.
type TaskStore interface {
	Transition(ctx context.Context, id uuid.UUID, to task.Status, p task.Payload) error
}

// FingerprintIndex records content hashes of successfully parsed documents.
type FingerprintIndex interface {
	Record(ctx context.Context, contentHash, sourcePath string, taskID uuid.UUID) error
}

// EnginePusher forwards parsed text to the retrieval engine. Optional: a
// nil pusher means artifacts are the only output.
type EnginePusher interface {
	PushText(ctx context.Context, text, source string) error
}

// Config carries the worker's tunables.
type Config struct {
	// OutputsRoot is the directory artifacts are written under, one
	// task_<id> subdirectory per task.
	OutputsRoot string

	// Timeout bounds one extraction. Zero means DefaultTimeout.
	Timeout time.Duration

	// MaxChunkChars bounds chunk size. Zero means DefaultMaxChunkChars.
	MaxChunkChars int
}

// Worker processes parse tasks end to end. Instances are safe for
// concurrent use on unrelated tasks: output paths are partitioned by task
// id and all shared state lives in the store and index.
type Worker struct {
	store   TaskStore
	index   FingerprintIndex
	pusher  EnginePusher
	cfg     Config
	logger  *slog.Logger
	forFile func(string) (Extractor, error)
}

// NewWorker creates a parse worker. pusher may be nil.
func NewWorker(store TaskStore, index FingerprintIndex, pusher EnginePusher, cfg Config, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		store:   store,
		index:   index,
		pusher:  pusher,
		cfg:     cfg,
		logger:  logger,
		forFile: ForFile,
	}
}

// Result is the success payload stored on a parse task.
type Result struct {
	OutputDirectory  string   `json:"output_directory"`
	GeneratedFiles   []string `json:"generated_files"`
	ChunkCount       int      `json:"chunk_count"`
	PageCount        int      `json:"page_count"`
	ProcessingTimeMS int64    `json:"processing_time_ms"`
	OriginalFile     string   `json:"original_file"`
	Ingested         bool     `json:"ingested"`
}

// Run drives one parse task through its full lifecycle. Document-level
// faults are recorded on the task and return nil; a non-nil error means
// the attempt did not conclude (store unreachable, shutdown) and the job
// should be redelivered.
func (w *Worker) Run(ctx context.Context, t *task.Task) error {
	logger := w.logger.With("task_id", t.ID.String(), "input", t.InputRef)

	if t.Status == task.StatusRunning {
		// The previous lease holder died mid-run. Artifacts are
		// task-partitioned and terminal transitions idempotent, so
		// reprocessing is safe.
		logger.Warn("resuming task left running by an expired lease")
	}
	if err := w.store.Transition(ctx, t.ID, task.StatusRunning, task.Payload{}); err != nil {
		var te *task.TransitionError
		switch {
		case errors.As(err, &te):
			logger.Info("task already finished, skipping", "status", te.From)
			return nil
		case errors.Is(err, task.ErrNotFound):
			logger.Warn("task vanished before processing")
			return nil
		default:
			return fmt.Errorf("claiming task %s: %w", t.ID, err)
		}
	}

	result, failure, err := w.process(ctx, t)
	if err != nil {
		return err
	}

	if failure != nil {
		logger.Warn("parse failed", "kind", failure.Kind, "error", failure.Message)
		if terr := w.store.Transition(ctx, t.ID, task.StatusFailed, task.Payload{Failure: failure}); terr != nil {
			var te *task.TransitionError
			if errors.As(terr, &te) {
				logger.Warn("task concurrently finished elsewhere", "status", te.From)
				return nil
			}
			return fmt.Errorf("recording failure for task %s: %w", t.ID, terr)
		}
		return nil
	}

	payload, merr := json.Marshal(result)
	if merr != nil {
		return fmt.Errorf("encoding result for task %s: %w", t.ID, merr)
	}
	if terr := w.store.Transition(ctx, t.ID, task.StatusSucceeded, task.Payload{Result: payload}); terr != nil {
		var te *task.TransitionError
		if errors.As(terr, &te) {
			logger.Warn("task concurrently finished elsewhere", "status", te.From)
			return nil
		}
		return fmt.Errorf("recording success for task %s: %w", t.ID, terr)
	}
	logger.Info("parse succeeded",
		"chunks", result.ChunkCount,
		"pages", result.PageCount,
		"duration_ms", result.ProcessingTimeMS)

	// Fingerprints are written only after the success is durable. If this
	// write fails the task stays succeeded and the content is simply
	// parsed again the next time it shows up.
	if t.ContentHash != "" {
		if rerr := w.index.Record(ctx, t.ContentHash, t.InputRef, t.ID); rerr != nil {
			logger.Warn("failed to record fingerprint", "error", rerr)
		}
	}
	return nil
}

// process runs extraction, chunking and artifact writes. It returns a
// document-level failure in the second position; the third is reserved for
// faults that should abort the attempt without touching the task.
func (w *Worker) process(ctx context.Context, t *task.Task) (*Result, *task.Failure, error) {
	started := time.Now()

	ext, err := w.forFile(t.InputRef)
	if err != nil {
		return nil, failureFrom(err), nil
	}

	timeout := w.cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	pages, err := ext.Extract(cctx, t.InputRef)
	if err != nil {
		if ctx.Err() != nil {
			return nil, nil, ctx.Err()
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, &task.Failure{
				Kind:    task.FailTimeout,
				Message: fmt.Sprintf("extraction exceeded %s", timeout),
			}, nil
		}
		return nil, failureFrom(err), nil
	}

	chunks := Split(pages, w.cfg.MaxChunkChars)
	if len(chunks) == 0 {
		return nil, &task.Failure{Kind: task.FailExtract, Message: "no text content extracted"}, nil
	}

	outDir := ArtifactDir(w.cfg.OutputsRoot, t.ID)
	files, err := writeArtifacts(outDir, t.InputRef, pages, chunks)
	if err != nil {
		if ctx.Err() != nil {
			return nil, nil, ctx.Err()
		}
		return nil, &task.Failure{Kind: task.FailStorage, Message: err.Error()}, nil
	}

	ingested := false
	if w.pusher != nil {
		if perr := w.pusher.PushText(cctx, joinPages(pages), t.InputRef); perr != nil {
			w.logger.Warn("engine ingestion failed, keeping artifacts only",
				"task_id", t.ID.String(), "error", perr)
		} else {
			ingested = true
		}
	}

	return &Result{
		OutputDirectory:  outDir,
		GeneratedFiles:   files,
		ChunkCount:       len(chunks),
		PageCount:        len(pages),
		ProcessingTimeMS: time.Since(started).Milliseconds(),
		OriginalFile:     t.InputRef,
		Ingested:         ingested,
	}, nil, nil
}

// ArtifactDirPrefix prefixes per-task artifact directories under the
// outputs root. The cleanup sweeper relies on this layout.
const ArtifactDirPrefix = "task_"

// ArtifactDir returns the artifact directory for the given task.
func ArtifactDir(root string, id uuid.UUID) string {
	return filepath.Join(root, ArtifactDirPrefix+id.String())
}

func failureFrom(err error) *task.Failure {
	var ee *ExtractError
	if errors.As(err, &ee) {
		return &task.Failure{Kind: ee.Kind, Message: ee.Err.Error()}
	}
	return &task.Failure{Kind: task.FailExtract, Message: err.Error()}
}

func writeArtifacts(dir, inputRef string, pages []Page, chunks []Chunk) ([]string, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("creating output directory: %w", err)
	}
	stem := artifactStem(inputRef)

	textName := stem + ".md"
	if err := os.WriteFile(filepath.Join(dir, textName), []byte(joinPages(pages)), 0o640); err != nil {
		return nil, fmt.Errorf("writing text artifact: %w", err)
	}

	data, err := json.MarshalIndent(chunks, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encoding chunks: %w", err)
	}
	chunksName := stem + ".chunks.json"
	if err := os.WriteFile(filepath.Join(dir, chunksName), data, 0o640); err != nil {
		return nil, fmt.Errorf("writing chunk artifact: %w", err)
	}
	return []string{textName, chunksName}, nil
}

func artifactStem(inputRef string) string {
	base := filepath.Base(inputRef)
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	if stem == "" || stem == "." {
		return "document"
	}
	return stem
}

func joinPages(pages []Page) string {
	parts := make([]string, 0, len(pages))
	for _, p := range pages {
		if t := strings.TrimSpace(p.Text); t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, "\n\n")
}
