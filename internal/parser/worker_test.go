package parser_test

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/univy/docpipe/internal/dedup"
	"github.com/univy/docpipe/internal/parser"
	"github.com/univy/docpipe/internal/task"
	"github.com/univy/docpipe/internal/testutil"
)

type fakePusher struct {
	texts   []string
	sources []string
	err     error
}

func (p *fakePusher) PushText(ctx context.Context, text, source string) error {
	if p.err != nil {
		return p.err
	}
	p.texts = append(p.texts, text)
	p.sources = append(p.sources, source)
	return nil
}

func seedParseTask(t *testing.T, store *testutil.MemStore, inputRef, hash string) *task.Task {
	t.Helper()
	tk := &task.Task{
		ID:          uuid.New(),
		Kind:        task.KindParse,
		Status:      task.StatusPending,
		InputRef:    inputRef,
		ContentHash: hash,
		CreatedAt:   time.Now().UTC(),
	}
	store.Add(tk)
	return tk
}

func writeUpload(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestWorkerRunSuccess(t *testing.T) {
	t.Parallel()

	uploads := t.TempDir()
	outputs := t.TempDir()
	input := writeUpload(t, uploads, "notes.txt", "Paragraph one.\n\nParagraph two.")

	store := testutil.NewMemStore()
	index := testutil.NewMemIndex()
	tk := seedParseTask(t, store, input, "hash-1")

	w := parser.NewWorker(store, index, nil, parser.Config{OutputsRoot: outputs}, testutil.DiscardLogger())
	require.NoError(t, w.Run(context.Background(), tk))

	got, err := store.Get(context.Background(), tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusSucceeded, got.Status)
	require.NotNil(t, got.FinishedAt)

	var res parser.Result
	require.NoError(t, json.Unmarshal(got.Result, &res))
	assert.Equal(t, 1, res.ChunkCount)
	assert.Equal(t, 1, res.PageCount)
	assert.Equal(t, input, res.OriginalFile)
	assert.False(t, res.Ingested)
	assert.ElementsMatch(t, []string{"notes.md", "notes.chunks.json"}, res.GeneratedFiles)

	outDir := filepath.Join(outputs, "task_"+tk.ID.String())
	assert.Equal(t, outDir, res.OutputDirectory)

	text, err := os.ReadFile(filepath.Join(outDir, "notes.md"))
	require.NoError(t, err)
	assert.Contains(t, string(text), "Paragraph one.")

	var chunks []parser.Chunk
	data, err := os.ReadFile(filepath.Join(outDir, "notes.chunks.json"))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &chunks))
	require.Len(t, chunks, 1)
	assert.Equal(t, 1, chunks[0].Page)

	// Success must have recorded the fingerprint.
	fp, err := index.Lookup(context.Background(), "hash-1")
	require.NoError(t, err)
	assert.Equal(t, tk.ID, fp.TaskID)
	assert.Equal(t, input, fp.SourcePath)
}

func TestWorkerRunUnsupportedFormat(t *testing.T) {
	t.Parallel()

	uploads := t.TempDir()
	input := writeUpload(t, uploads, "archive.zip", "not really a zip")

	store := testutil.NewMemStore()
	index := testutil.NewMemIndex()
	tk := seedParseTask(t, store, input, "hash-zip")

	w := parser.NewWorker(store, index, nil, parser.Config{OutputsRoot: t.TempDir()}, testutil.DiscardLogger())
	require.NoError(t, w.Run(context.Background(), tk))

	got, err := store.Get(context.Background(), tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusFailed, got.Status)
	require.NotNil(t, got.Failure)
	assert.Equal(t, task.FailUnsupported, got.Failure.Kind)

	// No fingerprint for a failed parse.
	_, err = index.Lookup(context.Background(), "hash-zip")
	assert.ErrorIs(t, err, dedup.ErrNotFound)
}

func TestWorkerRunMissingFile(t *testing.T) {
	t.Parallel()

	store := testutil.NewMemStore()
	tk := seedParseTask(t, store, filepath.Join(t.TempDir(), "gone.txt"), "hash-gone")

	w := parser.NewWorker(store, testutil.NewMemIndex(), nil, parser.Config{OutputsRoot: t.TempDir()}, testutil.DiscardLogger())
	require.NoError(t, w.Run(context.Background(), tk))

	got, err := store.Get(context.Background(), tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusFailed, got.Status)
	require.NotNil(t, got.Failure)
	assert.Equal(t, task.FailUnreadable, got.Failure.Kind)
}

func TestWorkerRunEmptyDocumentFails(t *testing.T) {
	t.Parallel()

	uploads := t.TempDir()
	input := writeUpload(t, uploads, "empty.txt", "   \n\n  ")

	store := testutil.NewMemStore()
	tk := seedParseTask(t, store, input, "hash-empty")

	w := parser.NewWorker(store, testutil.NewMemIndex(), nil, parser.Config{OutputsRoot: t.TempDir()}, testutil.DiscardLogger())
	require.NoError(t, w.Run(context.Background(), tk))

	got, err := store.Get(context.Background(), tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusFailed, got.Status)
	require.NotNil(t, got.Failure)
	assert.Equal(t, task.FailExtract, got.Failure.Kind)
}

func TestWorkerRunSkipsFinishedTask(t *testing.T) {
	t.Parallel()

	outputs := t.TempDir()
	store := testutil.NewMemStore()
	tk := seedParseTask(t, store, "whatever.txt", "hash-done")
	tk.Status = task.StatusSucceeded
	store.Add(tk)

	w := parser.NewWorker(store, testutil.NewMemIndex(), nil, parser.Config{OutputsRoot: outputs}, testutil.DiscardLogger())
	require.NoError(t, w.Run(context.Background(), tk))

	// No artifacts: the task was not reprocessed.
	entries, err := os.ReadDir(outputs)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestWorkerRunResumesRunningTask(t *testing.T) {
	t.Parallel()

	uploads := t.TempDir()
	outputs := t.TempDir()
	input := writeUpload(t, uploads, "resume.txt", "Some resumable content.")

	store := testutil.NewMemStore()
	tk := seedParseTask(t, store, input, "hash-resume")
	tk.Status = task.StatusRunning
	store.Add(tk)

	w := parser.NewWorker(store, testutil.NewMemIndex(), nil, parser.Config{OutputsRoot: outputs}, testutil.DiscardLogger())
	require.NoError(t, w.Run(context.Background(), tk))

	got, err := store.Get(context.Background(), tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusSucceeded, got.Status)
}

func TestWorkerRunStoreUnreachable(t *testing.T) {
	t.Parallel()

	store := testutil.NewMemStore()
	store.TransitionErr = errors.New("connection refused")
	tk := seedParseTask(t, store, "x.txt", "h")

	w := parser.NewWorker(store, testutil.NewMemIndex(), nil, parser.Config{OutputsRoot: t.TempDir()}, testutil.DiscardLogger())
	err := w.Run(context.Background(), tk)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "claiming task")
}

func TestWorkerRunFingerprintFailureTolerated(t *testing.T) {
	t.Parallel()

	uploads := t.TempDir()
	input := writeUpload(t, uploads, "tolerant.txt", "Content that parses fine.")

	store := testutil.NewMemStore()
	index := testutil.NewMemIndex()
	index.RecordErr = errors.New("index unavailable")
	tk := seedParseTask(t, store, input, "hash-tolerant")

	w := parser.NewWorker(store, index, nil, parser.Config{OutputsRoot: t.TempDir()}, testutil.DiscardLogger())
	require.NoError(t, w.Run(context.Background(), tk))

	// The task stays succeeded even though the fingerprint write failed.
	got, err := store.Get(context.Background(), tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusSucceeded, got.Status)
	assert.Equal(t, 0, index.Len())
}

func TestWorkerRunPushesToEngine(t *testing.T) {
	t.Parallel()

	uploads := t.TempDir()
	input := writeUpload(t, uploads, "pushed.txt", "Text for the engine.")

	store := testutil.NewMemStore()
	pusher := &fakePusher{}
	tk := seedParseTask(t, store, input, "hash-push")

	w := parser.NewWorker(store, testutil.NewMemIndex(), pusher, parser.Config{OutputsRoot: t.TempDir()}, testutil.DiscardLogger())
	require.NoError(t, w.Run(context.Background(), tk))

	got, err := store.Get(context.Background(), tk.ID)
	require.NoError(t, err)

	var res parser.Result
	require.NoError(t, json.Unmarshal(got.Result, &res))
	assert.True(t, res.Ingested)
	require.Len(t, pusher.texts, 1)
	assert.Equal(t, "Text for the engine.", pusher.texts[0])
	assert.Equal(t, input, pusher.sources[0])
}

func TestWorkerRunPushFailureTolerated(t *testing.T) {
	t.Parallel()

	uploads := t.TempDir()
	input := writeUpload(t, uploads, "unpushed.txt", "Engine is down.")

	store := testutil.NewMemStore()
	pusher := &fakePusher{err: errors.New("engine offline")}
	tk := seedParseTask(t, store, input, "hash-nopush")

	w := parser.NewWorker(store, testutil.NewMemIndex(), pusher, parser.Config{OutputsRoot: t.TempDir()}, testutil.DiscardLogger())
	require.NoError(t, w.Run(context.Background(), tk))

	got, err := store.Get(context.Background(), tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusSucceeded, got.Status)

	var res parser.Result
	require.NoError(t, json.Unmarshal(got.Result, &res))
	assert.False(t, res.Ingested)
}

func TestWorkerRunTimeout(t *testing.T) {
	t.Parallel()

	uploads := t.TempDir()
	input := writeUpload(t, uploads, "slow.txt", "content")

	store := testutil.NewMemStore()
	tk := seedParseTask(t, store, input, "hash-slow")

	w := parser.NewWorker(store, testutil.NewMemIndex(), &slowPusher{delay: 200 * time.Millisecond}, parser.Config{
		OutputsRoot: t.TempDir(),
		Timeout:     50 * time.Millisecond,
	}, testutil.DiscardLogger())

	// The pusher stalls past the deadline, but ingestion is best-effort:
	// the parse itself still succeeds.
	require.NoError(t, w.Run(context.Background(), tk))
	got, err := store.Get(context.Background(), tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusSucceeded, got.Status)

	var res parser.Result
	require.NoError(t, json.Unmarshal(got.Result, &res))
	assert.False(t, res.Ingested)
}

type slowPusher struct{ delay time.Duration }

func (p *slowPusher) PushText(ctx context.Context, text, source string) error {
	select {
	case <-time.After(p.delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
