package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// taskColumns is the canonical column list scanned by scanTask.
const taskColumns = `id, kind, status, input_ref, content_hash, result, error, created_at, started_at, finished_at`

// Payload carries the outcome written atomically with a terminal transition.
// Result is persisted on succeeded, Failure on failed; both are ignored for
// the pending→running step.
type Payload struct {
	Result  json.RawMessage
	Failure *Failure
}

// Store manages task persistence with a PostgreSQL backend.
//
// Store is safe for concurrent use by multiple goroutines and processes;
// status transitions are conditional UPDATEs, so concurrent workers racing
// on the same task resolve through row-level atomicity rather than locks
// held in the application.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// New creates a new Store instance. A nil logger falls back to slog.Default().
func New(pool *pgxpool.Pool, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{pool: pool, logger: logger}
}

// Create allocates a new task in pending state and returns it.
func (s *Store) Create(ctx context.Context, kind Kind, inputRef, contentHash string) (*Task, error) {
	if !ValidKind(kind) {
		return nil, fmt.Errorf("creating task: unknown kind %q", kind)
	}

	t := &Task{
		ID:          uuid.New(),
		Kind:        kind,
		Status:      StatusPending,
		InputRef:    inputRef,
		ContentHash: contentHash,
	}

	err := s.pool.QueryRow(ctx, `
		INSERT INTO ingest_tasks (id, kind, status, input_ref, content_hash)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at`,
		t.ID, t.Kind, t.Status, t.InputRef, t.ContentHash,
	).Scan(&t.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("creating task: %w", err)
	}

	s.logger.Debug("task created", "task_id", t.ID, "kind", t.Kind, "input", t.InputRef)
	return t, nil
}

// CreateIfAbsent inserts a pending task unless an active (pending or
// running) task already covers the same work. For parse tasks the guard key
// is the content hash; for scan and cleanup tasks it is the kind itself, so
// at most one of each periodic job is ever in flight.
//
// The guard is enforced by partial unique indexes, which closes the
// check-then-insert race window between concurrent enqueuers. When the
// guard fires, the existing active task is returned with created=false.
func (s *Store) CreateIfAbsent(ctx context.Context, kind Kind, inputRef, contentHash string) (t *Task, created bool, err error) {
	t, err = s.Create(ctx, kind, inputRef, contentHash)
	if err == nil {
		return t, true, nil
	}

	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != pgerrcode.UniqueViolation {
		return nil, false, err
	}

	existing, lookupErr := s.findActive(ctx, kind, contentHash)
	if lookupErr == nil {
		return existing, false, nil
	}
	if !errors.Is(lookupErr, ErrNotFound) {
		return nil, false, lookupErr
	}

	// The conflicting task reached a terminal state between our insert and
	// lookup; a single retry is enough because the guard key is free again.
	t, err = s.Create(ctx, kind, inputRef, contentHash)
	if err != nil {
		return nil, false, err
	}
	return t, true, nil
}

func (s *Store) findActive(ctx context.Context, kind Kind, contentHash string) (*Task, error) {
	if kind == KindParse {
		return s.ActiveParseByHash(ctx, contentHash)
	}
	return s.ActiveByKind(ctx, kind)
}

// Transition applies a legal status change, writing the matching timestamp
// and outcome payload in the same statement so no observable state has a
// status newer than its timestamp.
//
// Legal steps: pending→running, running→succeeded, running→failed. Anything
// else fails with *TransitionError and leaves the row unchanged. Retrying a
// transition that already applied is a no-op, so completion calls are safe
// under at-least-once delivery.
func (s *Store) Transition(ctx context.Context, id uuid.UUID, to Status, p Payload) error {
	var (
		tag pgconn.CommandTag
		err error
	)

	switch to {
	case StatusRunning:
		tag, err = s.pool.Exec(ctx, `
			UPDATE ingest_tasks
			SET status = 'running', started_at = now()
			WHERE id = $1 AND status = 'pending'`, id)

	case StatusSucceeded:
		tag, err = s.pool.Exec(ctx, `
			UPDATE ingest_tasks
			SET status = 'succeeded', finished_at = now(), result = $2
			WHERE id = $1 AND status = 'running'`, id, p.Result)

	case StatusFailed:
		failure := p.Failure
		if failure == nil || failure.Message == "" {
			return fmt.Errorf("transitioning task %s to failed: failure payload required", id)
		}
		var failureJSON []byte
		failureJSON, err = json.Marshal(failure)
		if err != nil {
			return fmt.Errorf("encoding failure payload: %w", err)
		}
		tag, err = s.pool.Exec(ctx, `
			UPDATE ingest_tasks
			SET status = 'failed', finished_at = now(), error = $2
			WHERE id = $1 AND status = 'running'`, id, failureJSON)

	default:
		cur, getErr := s.Get(ctx, id)
		if getErr != nil {
			return getErr
		}
		return &TransitionError{TaskID: id, From: cur.Status, To: to}
	}

	if err != nil {
		return fmt.Errorf("transitioning task %s to %s: %w", id, to, err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	// Nothing matched: either the task is gone, the transition already
	// applied (idempotent retry), or the step is illegal from the current
	// status.
	cur, getErr := s.Get(ctx, id)
	if getErr != nil {
		return getErr
	}
	if cur.Status == to {
		return nil
	}
	return &TransitionError{TaskID: id, From: cur.Status, To: to}
}

// Get returns the task with the given id, or ErrNotFound.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (*Task, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+taskColumns+` FROM ingest_tasks WHERE id = $1`, id)
	t, err := scanTask(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("getting task %s: %w", id, err)
	}
	return t, nil
}

// Filter narrows List results. Zero values mean "any".
type Filter struct {
	Kind   Kind
	Status Status
	Limit  int
}

// DefaultListLimit bounds List when the filter does not set one.
const DefaultListLimit = 50

// MaxListLimit is the absolute cap on List results.
const MaxListLimit = 500

// List returns tasks matching the filter, newest first.
func (s *Store) List(ctx context.Context, f Filter) ([]*Task, error) {
	query := `SELECT ` + taskColumns + ` FROM ingest_tasks`
	var (
		conds []string
		args  []any
	)
	if f.Kind != "" {
		args = append(args, f.Kind)
		conds = append(conds, fmt.Sprintf("kind = $%d", len(args)))
	}
	if f.Status != "" {
		args = append(args, f.Status)
		conds = append(conds, fmt.Sprintf("status = $%d", len(args)))
	}
	for i, c := range conds {
		if i == 0 {
			query += " WHERE " + c
		} else {
			query += " AND " + c
		}
	}

	limit := f.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning task row: %w", err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing tasks: %w", err)
	}
	return tasks, nil
}

// ActiveParseByHash returns the pending or running parse task for the given
// content hash, or ErrNotFound. This backs the no-duplicate-in-flight rule:
// the scanner and the gateway consult it before enqueueing.
func (s *Store) ActiveParseByHash(ctx context.Context, contentHash string) (*Task, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+taskColumns+` FROM ingest_tasks
		WHERE kind = 'parse' AND content_hash = $1 AND status IN ('pending', 'running')
		LIMIT 1`, contentHash)
	t, err := scanTask(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("looking up active parse task: %w", err)
	}
	return t, nil
}

// ActiveByKind returns the pending or running task of the given kind, or
// ErrNotFound. Used to keep periodic scan/cleanup jobs from overlapping.
func (s *Store) ActiveByKind(ctx context.Context, kind Kind) (*Task, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+taskColumns+` FROM ingest_tasks
		WHERE kind = $1 AND status IN ('pending', 'running')
		LIMIT 1`, kind)
	t, err := scanTask(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("looking up active %s task: %w", kind, err)
	}
	return t, nil
}

// scanTask reads one task row in taskColumns order.
func scanTask(row pgx.Row) (*Task, error) {
	var (
		t       Task
		errJSON []byte
	)
	if err := row.Scan(
		&t.ID, &t.Kind, &t.Status, &t.InputRef, &t.ContentHash,
		&t.Result, &errJSON, &t.CreatedAt, &t.StartedAt, &t.FinishedAt,
	); err != nil {
		return nil, err
	}
	if len(errJSON) > 0 {
		var f Failure
		if err := json.Unmarshal(errJSON, &f); err != nil {
			return nil, fmt.Errorf("decoding failure payload: %w", err)
		}
		t.Failure = &f
	}
	return &t, nil
}
