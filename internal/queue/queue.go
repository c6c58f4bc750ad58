// Package queue provides the work queue that connects task producers
// (gateway, scanner, scheduler) to the parse workers.
//
// Delivery is at-least-once: a claimed job carries a lease, and a job whose
// lease expires becomes claimable again. Consumers must therefore tolerate
// redelivery; the task store's transition rules make duplicate processing a
// no-op. Ack, Nack and Extend are fenced on the claim receipt so a consumer
// that lost its lease cannot affect a job now owned by someone else.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/univy/docpipe/internal/task"
)

var (
	// ErrEmpty is returned by Dequeue when no job is ready.
	ErrEmpty = errors.New("queue is empty")

	// ErrLeaseLost is returned by Ack, Nack or Extend when the job is no
	// longer held under the caller's receipt, either because the lease
	// expired and another consumer claimed it, or the job was removed.
	ErrLeaseLost = errors.New("queue lease lost")
)

// Delivery is a claimed job. Receipt fences all follow-up operations.
type Delivery struct {
	JobID    int64
	TaskID   uuid.UUID
	Kind     task.Kind
	Receipt  string
	Attempts int
}

// Queue is the transport between task producers and workers.
type Queue interface {
	// Enqueue makes a job for the given task available to consumers.
	Enqueue(ctx context.Context, taskID uuid.UUID, kind task.Kind) error

	// Dequeue claims the oldest ready job and leases it to the consumer
	// for the given duration. Returns ErrEmpty when nothing is ready.
	Dequeue(ctx context.Context, consumer string, lease time.Duration) (*Delivery, error)

	// Ack removes a completed job. The job will not be redelivered.
	Ack(ctx context.Context, d *Delivery) error

	// Nack releases the job for redelivery after the given delay.
	Nack(ctx context.Context, d *Delivery, delay time.Duration) error

	// Extend renews the lease on a job still being processed.
	Extend(ctx context.Context, d *Delivery, lease time.Duration) error
}
