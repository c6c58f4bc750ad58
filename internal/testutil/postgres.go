// Package testutil carries the fixtures docpipe tests share: an in-memory
// task store and dedup index, a discard logger, and a disposable postgres
// container that runs the real embedded migrations.
package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/univy/docpipe/db"
)

// TestDB wraps a PostgreSQL test container with a ready connection pool.
//
// Usage:
//
//	tdb, cleanup := testutil.SetupTestDB(t)
//	defer cleanup()
//	store := task.New(tdb.Pool, nil)
type TestDB struct {
	Container *postgres.PostgresContainer
	Pool      *pgxpool.Pool
	ConnStr   string
}

// SetupTestDB starts an isolated PostgreSQL container, applies the embedded
// schema migrations, and returns a connection pool ready for use. The
// returned cleanup function terminates the container and must be called.
func SetupTestDB(t *testing.T) (*TestDB, func()) {
	t.Helper()
	ctx := context.Background()

	// The log line appears twice: once during initdb's throwaway start and
	// once when the server is actually accepting connections.
	ctr, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("docpipe_test"),
		postgres.WithUsername("docpipe_test"),
		postgres.WithPassword("test_password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	if err != nil {
		t.Fatalf("starting postgres container: %v", err)
	}
	fail := func(format string, args ...any) {
		t.Helper()
		_ = ctr.Terminate(ctx)
		t.Fatalf(format, args...)
	}

	dsn, err := ctr.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		fail("reading container connection string: %v", err)
	}

	// Same migrations the application applies at startup, so the test
	// schema can never drift from the real one.
	if err := db.Migrate(dsn); err != nil {
		fail("migrating test schema: %v", err)
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		fail("opening pool: %v", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		fail("pinging test database: %v", err)
	}

	cleanup := func() {
		pool.Close()
		_ = ctr.Terminate(context.Background())
	}
	return &TestDB{Container: ctr, Pool: pool, ConnStr: dsn}, cleanup
}
