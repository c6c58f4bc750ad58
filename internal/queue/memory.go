package queue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/univy/docpipe/internal/task"
)

// Memory is an in-process Queue with the same lease semantics as the
// Postgres driver. It backs unit tests and single-binary setups where an
// external queue is not worth running.
type Memory struct {
	mu     sync.Mutex
	nextID int64
	jobs   []*memJob
}

type memJob struct {
	id          int64
	taskID      uuid.UUID
	kind        task.Kind
	enqueuedAt  time.Time
	availableAt time.Time
	attempts    int
	leasedBy    string
	leasedUntil time.Time
}

// NewMemory returns an empty in-process queue.
func NewMemory() *Memory {
	return &Memory{}
}

func (q *Memory) Enqueue(ctx context.Context, taskID uuid.UUID, kind task.Kind) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.nextID++
	now := time.Now()
	q.jobs = append(q.jobs, &memJob{
		id:          q.nextID,
		taskID:      taskID,
		kind:        kind,
		enqueuedAt:  now,
		availableAt: now,
	})
	return nil
}

func (q *Memory) Dequeue(ctx context.Context, consumer string, lease time.Duration) (*Delivery, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := time.Now()
	for _, j := range q.jobs {
		if j.availableAt.After(now) {
			continue
		}
		if j.leasedBy != "" && j.leasedUntil.After(now) {
			continue
		}
		j.attempts++
		j.leasedBy = consumer + ":" + uuid.NewString()
		j.leasedUntil = now.Add(lease)
		return &Delivery{
			JobID:    j.id,
			TaskID:   j.taskID,
			Kind:     j.kind,
			Receipt:  j.leasedBy,
			Attempts: j.attempts,
		}, nil
	}
	return nil, ErrEmpty
}

func (q *Memory) Ack(ctx context.Context, d *Delivery) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, j := range q.jobs {
		if j.id == d.JobID {
			if j.leasedBy != d.Receipt {
				return ErrLeaseLost
			}
			q.jobs = append(q.jobs[:i], q.jobs[i+1:]...)
			return nil
		}
	}
	return ErrLeaseLost
}

func (q *Memory) Nack(ctx context.Context, d *Delivery, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, j := range q.jobs {
		if j.id == d.JobID {
			if j.leasedBy != d.Receipt {
				return ErrLeaseLost
			}
			j.leasedBy = ""
			j.leasedUntil = time.Time{}
			j.availableAt = time.Now().Add(delay)
			return nil
		}
	}
	return ErrLeaseLost
}

func (q *Memory) Extend(ctx context.Context, d *Delivery, lease time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := time.Now()
	for _, j := range q.jobs {
		if j.id == d.JobID {
			if j.leasedBy != d.Receipt || !j.leasedUntil.After(now) {
				return ErrLeaseLost
			}
			j.leasedUntil = now.Add(lease)
			return nil
		}
	}
	return ErrLeaseLost
}

// Len reports the number of jobs currently in the queue, leased or not.
func (q *Memory) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}
