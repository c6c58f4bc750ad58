package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/univy/docpipe/internal/task"
)

// Postgres is the production Queue backed by the queue_jobs table.
//
// Claiming uses FOR UPDATE SKIP LOCKED so concurrent workers never block
// each other, and a job is invisible to other consumers until its lease
// expires. There is no separate reaper: an expired lease simply makes the
// row claimable again.
type Postgres struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewPostgres creates a Postgres queue on the given pool.
func NewPostgres(pool *pgxpool.Pool, logger *slog.Logger) *Postgres {
	if logger == nil {
		logger = slog.Default()
	}
	return &Postgres{pool: pool, logger: logger}
}

func (q *Postgres) Enqueue(ctx context.Context, taskID uuid.UUID, kind task.Kind) error {
	_, err := q.pool.Exec(ctx,
		`INSERT INTO queue_jobs (task_id, kind) VALUES ($1, $2)`,
		taskID, kind,
	)
	if err != nil {
		return fmt.Errorf("enqueue %s job for task %s: %w", kind, taskID, err)
	}
	return nil
}

func (q *Postgres) Dequeue(ctx context.Context, consumer string, lease time.Duration) (*Delivery, error) {
	receipt := consumer + ":" + uuid.NewString()
	leasedUntil := time.Now().Add(lease)

	row := q.pool.QueryRow(ctx, `
		WITH next AS (
			SELECT id
			FROM queue_jobs
			WHERE available_at <= now()
			  AND (leased_until IS NULL OR leased_until < now())
			ORDER BY enqueued_at ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE queue_jobs
		SET attempts = queue_jobs.attempts + 1,
		    leased_by = $1,
		    leased_until = $2
		FROM next
		WHERE queue_jobs.id = next.id
		RETURNING queue_jobs.id, queue_jobs.task_id, queue_jobs.kind, queue_jobs.attempts`,
		receipt, leasedUntil,
	)

	var d Delivery
	if err := row.Scan(&d.JobID, &d.TaskID, &d.Kind, &d.Attempts); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrEmpty
		}
		return nil, fmt.Errorf("dequeue job: %w", err)
	}
	d.Receipt = receipt
	return &d, nil
}

func (q *Postgres) Ack(ctx context.Context, d *Delivery) error {
	res, err := q.pool.Exec(ctx,
		`DELETE FROM queue_jobs WHERE id = $1 AND leased_by = $2`,
		d.JobID, d.Receipt,
	)
	if err != nil {
		return fmt.Errorf("ack job %d: %w", d.JobID, err)
	}
	if res.RowsAffected() == 0 {
		return ErrLeaseLost
	}
	return nil
}

func (q *Postgres) Nack(ctx context.Context, d *Delivery, delay time.Duration) error {
	res, err := q.pool.Exec(ctx,
		`UPDATE queue_jobs
		 SET leased_by = NULL, leased_until = NULL, available_at = $3
		 WHERE id = $1 AND leased_by = $2`,
		d.JobID, d.Receipt, time.Now().Add(delay),
	)
	if err != nil {
		return fmt.Errorf("nack job %d: %w", d.JobID, err)
	}
	if res.RowsAffected() == 0 {
		return ErrLeaseLost
	}
	return nil
}

func (q *Postgres) Extend(ctx context.Context, d *Delivery, lease time.Duration) error {
	res, err := q.pool.Exec(ctx,
		`UPDATE queue_jobs
		 SET leased_until = $3
		 WHERE id = $1 AND leased_by = $2 AND leased_until > now()`,
		d.JobID, d.Receipt, time.Now().Add(lease),
	)
	if err != nil {
		return fmt.Errorf("extend lease on job %d: %w", d.JobID, err)
	}
	if res.RowsAffected() == 0 {
		return ErrLeaseLost
	}
	return nil
}
