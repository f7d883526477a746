// Package testdb runs the ledger's Postgres schema in a container for
// repository, engine and handler tests.
package testdb

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"tuition-service/internal/db"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	"github.com/uptrace/bun"
)

const image = "postgres:16-alpine"

var (
	shared     *PostgresContainer
	sharedOnce sync.Once
)

// PostgresContainer wraps the postgres testcontainer
type PostgresContainer struct {
	Container *postgres.PostgresContainer
	DB        *bun.DB
	DSN       string
}

// SetupSharedPostgres starts one PostgreSQL container per test binary.
// Subtests sharing it must not run in parallel with each other; goroutines
// inside one subtest are fine.
//
// Usage:
//
//	func TestLedger(t *testing.T) {
//	    pg := testdb.SetupSharedPostgres(t)
//	    defer pg.Cleanup(t)
//
//	    pg.RunMigrations(t, (*ledger.Charge)(nil), (*ledger.Payment)(nil))
//
//	    t.Run("ApplyPayment", func(t *testing.T) {
//	        testdb.CleanupTables(t, pg.DB, "payments", "tuition_charges")
//	        // ... test
//	    })
//	}
func SetupSharedPostgres(t *testing.T) *PostgresContainer {
	t.Helper()

	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}

	sharedOnce.Do(func() {
		shared = start(t)
	})

	require.NotNil(t, shared, "shared postgres container failed to start")
	return shared
}

func start(t *testing.T) *PostgresContainer {
	ctx := context.Background()

	container, err := postgres.Run(ctx, image,
		postgres.WithDatabase("tuition"),
		postgres.WithUsername("postgres"),
		postgres.WithPassword("postgres"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	require.NoError(t, err)

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	bunDB, err := db.NewWithDSN(ctx, dsn)
	require.NoError(t, err)

	return &PostgresContainer{
		Container: container,
		DB:        bunDB,
		DSN:       dsn,
	}
}

func (pc *PostgresContainer) Cleanup(t *testing.T) {
	t.Helper()

	db.Close(pc.DB)

	if pc.Container != nil {
		if err := pc.Container.Terminate(context.Background()); err != nil {
			t.Logf("failed to terminate postgres container: %s", err)
		}
	}
}

// RunMigrations creates the tables for models exactly as the server does at startup.
func (pc *PostgresContainer) RunMigrations(t *testing.T, models ...any) {
	t.Helper()
	require.NoError(t, db.RunMigrations(context.Background(), pc.DB, models...), "failed to run migrations")
}

// CleanupTables empties tables in one statement and resets their sequences.
func CleanupTables(t *testing.T, db *bun.DB, tables ...string) {
	t.Helper()

	if len(tables) == 0 {
		return
	}
	_, err := db.ExecContext(context.Background(), "TRUNCATE "+strings.Join(tables, ", ")+" RESTART IDENTITY CASCADE")
	require.NoError(t, err, "failed to truncate %v", tables)
}

// Count returns the number of rows of model matching where.
func Count(t *testing.T, db bun.IDB, model any, where string, args ...any) int {
	t.Helper()

	q := db.NewSelect().Model(model)
	if where != "" {
		q = q.Where(where, args...)
	}
	n, err := q.Count(context.Background())
	require.NoError(t, err)
	return n
}
