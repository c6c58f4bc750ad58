//go:build integration

package task_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/univy/docpipe/internal/task"
	"github.com/univy/docpipe/internal/testutil"
)

func TestStore_CreateAndGet(t *testing.T) {
	t.Parallel()

	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	store := task.New(db.Pool, testutil.DiscardLogger())
	ctx := context.Background()

	created, err := store.Create(ctx, task.KindParse, "uploads/report.pdf", "abc123")
	require.NoError(t, err)
	require.NotEqual(t, "", created.ID.String())
	assert.Equal(t, task.StatusPending, created.Status)
	assert.False(t, created.CreatedAt.IsZero())
	assert.Nil(t, created.StartedAt)
	assert.Nil(t, created.FinishedAt)

	got, err := store.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, created.ID, got.ID)
	assert.Equal(t, task.KindParse, got.Kind)
	assert.Equal(t, "uploads/report.pdf", got.InputRef)
	assert.Equal(t, "abc123", got.ContentHash)
}

func TestStore_GetNotFound(t *testing.T) {
	t.Parallel()

	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	store := task.New(db.Pool, testutil.DiscardLogger())

	_, err := store.Get(context.Background(), uuid.New())
	assert.ErrorIs(t, err, task.ErrNotFound)
}

func TestStore_TransitionLifecycle(t *testing.T) {
	t.Parallel()

	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	store := task.New(db.Pool, testutil.DiscardLogger())
	ctx := context.Background()

	created, err := store.Create(ctx, task.KindParse, "uploads/a.txt", "hash-a")
	require.NoError(t, err)

	// pending -> running stamps started_at.
	require.NoError(t, store.Transition(ctx, created.ID, task.StatusRunning, task.Payload{}))
	got, err := store.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusRunning, got.Status)
	require.NotNil(t, got.StartedAt)
	assert.Nil(t, got.FinishedAt)

	// running -> succeeded stamps finished_at and persists the result.
	result := json.RawMessage(`{"chunks": 12}`)
	require.NoError(t, store.Transition(ctx, created.ID, task.StatusSucceeded, task.Payload{Result: result}))
	got, err = store.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusSucceeded, got.Status)
	require.NotNil(t, got.FinishedAt)
	assert.JSONEq(t, `{"chunks": 12}`, string(got.Result))
}

func TestStore_TransitionFailedPersistsFailure(t *testing.T) {
	t.Parallel()

	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	store := task.New(db.Pool, testutil.DiscardLogger())
	ctx := context.Background()

	created, err := store.Create(ctx, task.KindParse, "uploads/bad.pdf", "hash-bad")
	require.NoError(t, err)
	require.NoError(t, store.Transition(ctx, created.ID, task.StatusRunning, task.Payload{}))

	failure := &task.Failure{Kind: task.FailCorrupt, Message: "malformed xref table"}
	require.NoError(t, store.Transition(ctx, created.ID, task.StatusFailed, task.Payload{Failure: failure}))

	got, err := store.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusFailed, got.Status)
	require.NotNil(t, got.Failure)
	assert.Equal(t, task.FailCorrupt, got.Failure.Kind)
	assert.Equal(t, "malformed xref table", got.Failure.Message)
}

func TestStore_TransitionIllegal(t *testing.T) {
	t.Parallel()

	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	store := task.New(db.Pool, testutil.DiscardLogger())
	ctx := context.Background()

	created, err := store.Create(ctx, task.KindParse, "uploads/b.txt", "hash-b")
	require.NoError(t, err)

	// pending -> succeeded skips running and must be rejected.
	err = store.Transition(ctx, created.ID, task.StatusSucceeded, task.Payload{Result: json.RawMessage(`{}`)})
	var te *task.TransitionError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, task.StatusPending, te.From)
	assert.Equal(t, task.StatusSucceeded, te.To)

	// The failed attempt must not have touched the row.
	got, err := store.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusPending, got.Status)
}

func TestStore_TransitionTerminalIsFrozen(t *testing.T) {
	t.Parallel()

	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	store := task.New(db.Pool, testutil.DiscardLogger())
	ctx := context.Background()

	created, err := store.Create(ctx, task.KindParse, "uploads/c.txt", "hash-c")
	require.NoError(t, err)
	require.NoError(t, store.Transition(ctx, created.ID, task.StatusRunning, task.Payload{}))
	require.NoError(t, store.Transition(ctx, created.ID, task.StatusFailed, task.Payload{
		Failure: &task.Failure{Kind: task.FailExtract, Message: "boom"},
	}))

	err = store.Transition(ctx, created.ID, task.StatusRunning, task.Payload{})
	var te *task.TransitionError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, task.StatusFailed, te.From)
}

func TestStore_TransitionIdempotentRetry(t *testing.T) {
	t.Parallel()

	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	store := task.New(db.Pool, testutil.DiscardLogger())
	ctx := context.Background()

	created, err := store.Create(ctx, task.KindParse, "uploads/d.txt", "hash-d")
	require.NoError(t, err)
	require.NoError(t, store.Transition(ctx, created.ID, task.StatusRunning, task.Payload{}))

	// Re-applying the same transition is a no-op, not an error.
	require.NoError(t, store.Transition(ctx, created.ID, task.StatusRunning, task.Payload{}))

	got, err := store.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusRunning, got.Status)
}

func TestStore_TransitionNotFound(t *testing.T) {
	t.Parallel()

	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	store := task.New(db.Pool, testutil.DiscardLogger())

	err := store.Transition(context.Background(), uuid.New(), task.StatusRunning, task.Payload{})
	assert.ErrorIs(t, err, task.ErrNotFound)
}

func TestStore_CreateIfAbsent_ParseGuard(t *testing.T) {
	t.Parallel()

	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	store := task.New(db.Pool, testutil.DiscardLogger())
	ctx := context.Background()

	first, created, err := store.CreateIfAbsent(ctx, task.KindParse, "uploads/e.txt", "hash-e")
	require.NoError(t, err)
	assert.True(t, created)

	// Same hash while the first task is still in flight: returns the
	// existing task instead of creating a second one.
	second, created, err := store.CreateIfAbsent(ctx, task.KindParse, "uploads/e-copy.txt", "hash-e")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)

	// Once the first reaches a terminal state the hash is free again.
	require.NoError(t, store.Transition(ctx, first.ID, task.StatusRunning, task.Payload{}))
	require.NoError(t, store.Transition(ctx, first.ID, task.StatusFailed, task.Payload{
		Failure: &task.Failure{Kind: task.FailExtract, Message: "gave up"},
	}))

	third, created, err := store.CreateIfAbsent(ctx, task.KindParse, "uploads/e.txt", "hash-e")
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, first.ID, third.ID)
}

func TestStore_CreateIfAbsent_SingleActiveScan(t *testing.T) {
	t.Parallel()

	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	store := task.New(db.Pool, testutil.DiscardLogger())
	ctx := context.Background()

	first, created, err := store.CreateIfAbsent(ctx, task.KindScan, "", "")
	require.NoError(t, err)
	assert.True(t, created)

	second, created, err := store.CreateIfAbsent(ctx, task.KindScan, "", "")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)
}

func TestStore_List(t *testing.T) {
	t.Parallel()

	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	store := task.New(db.Pool, testutil.DiscardLogger())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := store.Create(ctx, task.KindParse, "uploads/file.txt", uuid.NewString())
		require.NoError(t, err)
	}
	scan, err := store.Create(ctx, task.KindScan, "", "")
	require.NoError(t, err)
	require.NoError(t, store.Transition(ctx, scan.ID, task.StatusRunning, task.Payload{}))

	all, err := store.List(ctx, task.Filter{})
	require.NoError(t, err)
	assert.Len(t, all, 4)

	parses, err := store.List(ctx, task.Filter{Kind: task.KindParse})
	require.NoError(t, err)
	assert.Len(t, parses, 3)

	running, err := store.List(ctx, task.Filter{Status: task.StatusRunning})
	require.NoError(t, err)
	require.Len(t, running, 1)
	assert.Equal(t, scan.ID, running[0].ID)

	limited, err := store.List(ctx, task.Filter{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}
