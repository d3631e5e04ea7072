package infra

import (
	"context"
	"io"
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// NewTestPool provisions a migrated database for one test: a throwaway
// container when Docker is available, otherwise the database named by
// REGISTRY_TEST_PG_DSN with a per-run schema. Skips the test when neither is
// available.
func NewTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	shared := os.Getenv("REGISTRY_TEST_PG_DSN") != ""
	if !shared && !DockerAvailable(ctx) {
		t.Skip("docker unavailable and REGISTRY_TEST_PG_DSN unset")
	}

	pgC, dsn, err := StartPostgres16(ctx, "")
	if err != nil {
		t.Fatalf("start postgres: %v", err)
	}
	t.Cleanup(func() {
		_ = pgC.Terminate(context.Background())
	})

	pool, teardown, err := ApplyMigrations(ctx, dsn, shared)
	if err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	t.Cleanup(func() {
		pool.Close()
		if err := teardown(context.Background()); err != nil {
			t.Logf("teardown warning: %v", err)
		}
	})
	return pool
}

// DockerAvailable reports whether a usable Docker daemon is reachable.
func DockerAvailable(ctx context.Context) bool {
	if _, err := exec.LookPath("docker"); err != nil {
		return false
	}
	c := exec.CommandContext(ctx, "docker", "info")
	c.Stdout = io.Discard
	c.Stderr = io.Discard
	return c.Run() == nil
}
