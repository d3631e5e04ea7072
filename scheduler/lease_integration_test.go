package scheduler_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"partyregistry/scheduler"
	"partyregistry/test/infra"
)

func TestPGLeaseStore_OnlyOneAcquirerWins(t *testing.T) {
	pool := infra.NewTestPool(t)
	ctx := context.Background()
	store := scheduler.NewLeaseStore(pool)

	const name = "party-import"
	const workers = 8

	var wg sync.WaitGroup
	wins := make(chan string, workers)
	for i := 0; i < workers; i++ {
		holder := string(rune('a' + i))
		wg.Add(1)
		go func() {
			defer wg.Done()
			lease, err := store.Acquire(ctx, name, holder, time.Minute, 0)
			if err != nil {
				t.Errorf("acquire %s: %v", holder, err)
				return
			}
			if lease.Acquired {
				wins <- holder
			}
		}()
	}
	wg.Wait()
	close(wins)

	var winners []string
	for w := range wins {
		winners = append(winners, w)
	}
	if len(winners) != 1 {
		t.Fatalf("%d holders acquired the lease, want exactly 1: %v", len(winners), winners)
	}
}

func TestPGLeaseStore_ReleaseGatesReacquisition(t *testing.T) {
	pool := infra.NewTestPool(t)
	ctx := context.Background()
	store := scheduler.NewLeaseStore(pool)

	const name = "nightly"

	lease, err := store.Acquire(ctx, name, "one", time.Minute, 0)
	if err != nil || !lease.Acquired {
		t.Fatalf("first acquire: lease=%+v err=%v", lease, err)
	}

	// Held lease blocks everyone else.
	other, err := store.Acquire(ctx, name, "two", time.Minute, 0)
	if err != nil {
		t.Fatalf("competing acquire: %v", err)
	}
	if other.Acquired {
		t.Fatal("competing holder acquired a held lease")
	}
	if other.Holder != "one" {
		t.Fatalf("observed holder %q, want the winner", other.Holder)
	}

	if err := store.Release(ctx, name, "one"); err != nil {
		t.Fatalf("release: %v", err)
	}

	// Released, but within the min-since-release window: still blocked.
	blocked, err := store.Acquire(ctx, name, "two", time.Minute, time.Hour)
	if err != nil {
		t.Fatalf("gated acquire: %v", err)
	}
	if blocked.Acquired {
		t.Fatal("acquired inside the min-since-release window")
	}
	if blocked.LastReleasedAt.IsZero() {
		t.Fatal("release time not observable by the loser")
	}

	// No gate: free to acquire.
	free, err := store.Acquire(ctx, name, "two", time.Minute, 0)
	if err != nil || !free.Acquired {
		t.Fatalf("post-release acquire: lease=%+v err=%v", free, err)
	}

	// Only the holder may release.
	if err := store.Release(ctx, name, "one"); err == nil {
		t.Fatal("stale holder released someone else's lease")
	}
}
