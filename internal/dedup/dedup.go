// Package dedup maintains the content-fingerprint index that lets the
// pipeline skip documents it has already ingested.
//
// The index is a success-only cache over the task store: an entry is written
// after (and only after) a parse task reaches succeeded, and always points at
// a real task row. Failed parses are deliberately never recorded, so a
// retried upload of the same bytes gets another attempt instead of being
// blacklisted by a transient parser fault.
package dedup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound indicates no fingerprint is recorded for the content hash.
var ErrNotFound = errors.New("fingerprint not found")

// Fingerprint maps a content hash to the successful parse task that
// ingested it.
type Fingerprint struct {
	ContentHash string    `json:"content_hash"`
	SourcePath  string    `json:"source_path"`
	TaskID      uuid.UUID `json:"task_id"`
	RecordedAt  time.Time `json:"recorded_at"`
}

// Index stores fingerprints in PostgreSQL.
//
// Index is safe for concurrent use.
type Index struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// New creates a new Index. A nil logger falls back to slog.Default().
func New(pool *pgxpool.Pool, logger *slog.Logger) *Index {
	if logger == nil {
		logger = slog.Default()
	}
	return &Index{pool: pool, logger: logger}
}

// Lookup returns the fingerprint for the given content hash, or ErrNotFound.
func (i *Index) Lookup(ctx context.Context, contentHash string) (*Fingerprint, error) {
	var fp Fingerprint
	err := i.pool.QueryRow(ctx, `
		SELECT content_hash, source_path, task_id, recorded_at
		FROM document_fingerprints
		WHERE content_hash = $1`, contentHash,
	).Scan(&fp.ContentHash, &fp.SourcePath, &fp.TaskID, &fp.RecordedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("looking up fingerprint: %w", err)
	}
	return &fp, nil
}

// Record inserts or updates the mapping for contentHash. Idempotent: a
// duplicate parse of identical content overwrites with equivalent values, so
// racing recorders are harmless. Called only after the owning task reached
// succeeded.
func (i *Index) Record(ctx context.Context, contentHash, sourcePath string, taskID uuid.UUID) error {
	_, err := i.pool.Exec(ctx, `
		INSERT INTO document_fingerprints (content_hash, source_path, task_id, recorded_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (content_hash) DO UPDATE
		SET source_path = EXCLUDED.source_path,
		    task_id = EXCLUDED.task_id,
		    recorded_at = EXCLUDED.recorded_at`,
		contentHash, sourcePath, taskID)
	if err != nil {
		return fmt.Errorf("recording fingerprint: %w", err)
	}
	i.logger.Debug("fingerprint recorded", "hash", contentHash, "task_id", taskID)
	return nil
}

// Remove deletes the mapping for contentHash. Removing an absent hash is
// not an error.
func (i *Index) Remove(ctx context.Context, contentHash string) error {
	_, err := i.pool.Exec(ctx,
		`DELETE FROM document_fingerprints WHERE content_hash = $1`, contentHash)
	if err != nil {
		return fmt.Errorf("removing fingerprint: %w", err)
	}
	return nil
}
