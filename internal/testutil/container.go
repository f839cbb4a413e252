package testutil

import (
	"context"
	"database/sql"
	"os"
	"testing"

	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
)

// PGContainer starts a throwaway Postgres container, runs all
// migrations, and returns the *sql.DB plus a cleanup function that
// terminates the container.
//
// Containers are slower than a shared database, so this path is opt-in:
// set CUSTODIA_TEST_CONTAINERS=1 to enable it. Tests that can use
// either should prefer PGTest and fall back to this.
func PGContainer(t *testing.T) (*sql.DB, func()) {
	t.Helper()

	if os.Getenv("CUSTODIA_TEST_CONTAINERS") == "" {
		t.Skip("CUSTODIA_TEST_CONTAINERS not set, skipping container test")
	}

	ctx := context.Background()

	ctr, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("custodia_test"),
		tcpostgres.WithUsername("custodia"),
		tcpostgres.WithPassword("custodia"),
		tcpostgres.BasicWaitStrategies(),
	)
	if err != nil {
		t.Fatalf("pgcontainer: start postgres: %v", err)
	}

	terminate := func() {
		if err := testcontainers.TerminateContainer(ctr); err != nil {
			t.Logf("pgcontainer: terminate: %v", err)
		}
	}

	dsn, err := ctr.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		terminate()
		t.Fatalf("pgcontainer: connection string: %v", err)
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		terminate()
		t.Fatalf("pgcontainer: open database: %v", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		terminate()
		t.Fatalf("pgcontainer: connect: %v", err)
	}

	if err := runMigrations(ctx, db, findMigrationsDir(t)); err != nil {
		_ = db.Close()
		terminate()
		t.Fatalf("pgcontainer: run migrations: %v", err)
	}

	return db, func() {
		_ = db.Close()
		terminate()
	}
}
