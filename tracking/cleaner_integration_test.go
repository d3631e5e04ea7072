package tracking_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"partyregistry/test/infra"
	"partyregistry/tracking"
)

func TestCleaner_ReclaimsOnlyOldCompletedSagas(t *testing.T) {
	pool := infra.NewTestPool(t)
	ctx := context.Background()

	insert := func(status string, age time.Duration) uuid.UUID {
		id := uuid.New()
		_, err := pool.Exec(ctx, `
			INSERT INTO saga_states (saga_id, status, data, updated_at)
			VALUES ($1, $2, '{}', now() - make_interval(secs => $3))
		`, id, status, age.Seconds())
		if err != nil {
			t.Fatalf("seed saga row: %v", err)
		}
		return id
	}

	oldCompleted := insert("completed", 2*time.Hour)
	freshCompleted := insert("completed", time.Minute)
	oldActive := insert("active", 2*time.Hour)

	cleaner := tracking.NewCleaner(pool, time.Hour, nil)
	if err := cleaner.Reclaim(ctx, "party-import"); err != nil {
		t.Fatalf("reclaim: %v", err)
	}

	remaining := map[uuid.UUID]bool{}
	rows, err := pool.Query(ctx, `SELECT saga_id FROM saga_states`)
	if err != nil {
		t.Fatalf("list saga rows: %v", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			t.Fatalf("scan: %v", err)
		}
		remaining[id] = true
	}

	if remaining[oldCompleted] {
		t.Fatal("old completed saga survived reclaim")
	}
	if !remaining[freshCompleted] {
		t.Fatal("fresh completed saga was reclaimed")
	}
	if !remaining[oldActive] {
		t.Fatal("active saga was reclaimed")
	}
}
