package queue_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/univy/docpipe/internal/queue"
	"github.com/univy/docpipe/internal/task"
)

func TestMemory_EnqueueDequeueAck(t *testing.T) {
	t.Parallel()

	q := queue.NewMemory()
	ctx := context.Background()
	taskID := uuid.New()

	require.NoError(t, q.Enqueue(ctx, taskID, task.KindParse))

	d, err := q.Dequeue(ctx, "worker-1", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, taskID, d.TaskID)
	assert.Equal(t, task.KindParse, d.Kind)
	assert.Equal(t, 1, d.Attempts)
	assert.NotEmpty(t, d.Receipt)

	require.NoError(t, q.Ack(ctx, d))
	assert.Equal(t, 0, q.Len())
}

func TestMemory_DequeueEmpty(t *testing.T) {
	t.Parallel()

	q := queue.NewMemory()

	_, err := q.Dequeue(context.Background(), "worker-1", time.Minute)
	assert.ErrorIs(t, err, queue.ErrEmpty)
}

func TestMemory_LeasedJobIsInvisible(t *testing.T) {
	t.Parallel()

	q := queue.NewMemory()
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, uuid.New(), task.KindParse))

	_, err := q.Dequeue(ctx, "worker-1", time.Minute)
	require.NoError(t, err)

	// A second consumer sees an empty queue while the lease holds.
	_, err = q.Dequeue(ctx, "worker-2", time.Minute)
	assert.ErrorIs(t, err, queue.ErrEmpty)
}

func TestMemory_ExpiredLeaseIsReclaimed(t *testing.T) {
	t.Parallel()

	q := queue.NewMemory()
	ctx := context.Background()
	taskID := uuid.New()

	require.NoError(t, q.Enqueue(ctx, taskID, task.KindParse))

	first, err := q.Dequeue(ctx, "worker-1", 10*time.Millisecond)
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)

	second, err := q.Dequeue(ctx, "worker-2", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, taskID, second.TaskID)
	assert.Equal(t, 2, second.Attempts)
	assert.NotEqual(t, first.Receipt, second.Receipt)

	// The original holder's receipt is now stale.
	assert.ErrorIs(t, q.Ack(ctx, first), queue.ErrLeaseLost)
	assert.ErrorIs(t, q.Extend(ctx, first, time.Minute), queue.ErrLeaseLost)

	require.NoError(t, q.Ack(ctx, second))
}

func TestMemory_NackDelaysRedelivery(t *testing.T) {
	t.Parallel()

	q := queue.NewMemory()
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, uuid.New(), task.KindParse))

	d, err := q.Dequeue(ctx, "worker-1", time.Minute)
	require.NoError(t, err)
	require.NoError(t, q.Nack(ctx, d, 30*time.Millisecond))

	// Not ready yet.
	_, err = q.Dequeue(ctx, "worker-1", time.Minute)
	assert.ErrorIs(t, err, queue.ErrEmpty)

	time.Sleep(50 * time.Millisecond)

	redelivered, err := q.Dequeue(ctx, "worker-1", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 2, redelivered.Attempts)
}

func TestMemory_ExtendRenewsLease(t *testing.T) {
	t.Parallel()

	q := queue.NewMemory()
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, uuid.New(), task.KindParse))

	d, err := q.Dequeue(ctx, "worker-1", 40*time.Millisecond)
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, q.Extend(ctx, d, time.Minute))
	time.Sleep(30 * time.Millisecond)

	// The original lease window has passed but the extension holds.
	_, err = q.Dequeue(ctx, "worker-2", time.Minute)
	assert.ErrorIs(t, err, queue.ErrEmpty)

	require.NoError(t, q.Ack(ctx, d))
}

func TestMemory_FIFOOrder(t *testing.T) {
	t.Parallel()

	q := queue.NewMemory()
	ctx := context.Background()

	first := uuid.New()
	second := uuid.New()
	require.NoError(t, q.Enqueue(ctx, first, task.KindParse))
	require.NoError(t, q.Enqueue(ctx, second, task.KindParse))

	d1, err := q.Dequeue(ctx, "worker-1", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, first, d1.TaskID)

	d2, err := q.Dequeue(ctx, "worker-1", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, second, d2.TaskID)
}
