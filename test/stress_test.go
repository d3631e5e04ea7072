package test

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"partyregistry/test/infra"
	"partyregistry/tracking"
)

var (
	flDuration    = flag.Duration("duration", 30*time.Second, "how long to run stress")
	flConcurrency = flag.Int("concurrency", 8, "number of concurrent writers per counter side")
	flSeed        = flag.Int64("seed", time.Now().UnixNano(), "random seed")
	flDSN         = flag.String("dsn", "", "existing Postgres DSN to reuse (avoids Docker)")
)

// TestCounterConcurrency hammers the progress counters from racing enqueuers
// and processors and checks, on a ticker, that the stored state never violates
// the two core properties: counters only grow, and processed never overtakes
// enqueued.
func TestCounterConcurrency(t *testing.T) {
	flag.Parse()
	seed := *flSeed
	rng := rand.New(rand.NewSource(seed))

	var (
		pgC        *infra.PGContainer
		dsn        string
		err        error
		usedShared bool
	)
	ctx, cancel := context.WithTimeout(context.Background(), *flDuration+60*time.Second)
	defer cancel()

	switch {
	case *flDSN != "":
		dsn = *flDSN
		usedShared = true
		pgC = &infra.PGContainer{}
	case os.Getenv("REGISTRY_TEST_PG_DSN") != "":
		dsn = os.Getenv("REGISTRY_TEST_PG_DSN")
		usedShared = true
		pgC = &infra.PGContainer{}
	default:
		if infra.DockerAvailable(ctx) {
			pgC, dsn, err = infra.StartPostgres16(ctx, "")
			if err != nil {
				t.Fatalf("start postgres: %v", err)
			}
		} else {
			dsn, err = infra.InitLocalDatabase(ctx)
			if err != nil {
				t.Skipf("no docker and no local postgres: %v", err)
			}
			pgC = &infra.PGContainer{}
		}
	}
	defer pgC.Terminate(context.Background())

	pool, teardown, err := infra.ApplyMigrations(ctx, dsn, usedShared)
	if err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	defer pool.Close()
	defer func() {
		if err := teardown(context.Background()); err != nil {
			t.Logf("teardown warning: %v", err)
		}
	}()

	tracker := tracking.NewRepository(pool)
	jobName := fmt.Sprintf("stress-%d", seed)

	// frontier is the highest change id any enqueuer has committed. Processors
	// chase it; the oracle never needs it because the database CHECK and the
	// monotone merges are what is under test.
	var frontier atomic.Int64
	stop := make(chan struct{})
	g, ctx2 := errgroup.WithContext(ctx)

	for i := 0; i < *flConcurrency; i++ {
		src := rand.New(rand.NewSource(rng.Int63()))
		g.Go(func() error { return enqueuerActor(ctx2, tracker, jobName, &frontier, src, stop) })
		src2 := rand.New(rand.NewSource(rng.Int63()))
		g.Go(func() error { return processorActor(ctx2, tracker, jobName, &frontier, src2, stop) })
	}

	deadline := time.Now().Add(*flDuration)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	var last tracking.Status
loop:
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			break loop
		case <-ticker.C:
			status, err := tracker.GetStatus(ctx2, jobName)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					break loop
				}
				t.Fatalf("oracle read: %v", err)
			}
			if msg := checkInvariants(last, status); msg != "" {
				dumpStatus(t, ctx2, pool, jobName)
				t.Fatalf("oracle failed: %s (seed=%d)", msg, seed)
			}
			last = status
		}
	}

	close(stop)
	if err := g.Wait(); err != nil {
		if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("actors errored: %v", err)
		}
	}

	// Final read after all writers stopped.
	status, err := tracker.GetStatus(context.Background(), jobName)
	if err != nil {
		t.Fatalf("final read: %v", err)
	}
	if msg := checkInvariants(last, status); msg != "" {
		t.Fatalf("final oracle failed: %s (seed=%d)", msg, seed)
	}
	if status.EnqueuedMax == 0 {
		t.Fatalf("no enqueue advance observed; writers never ran (seed=%d)", seed)
	}
}

// enqueuerActor advances EnqueuedMax in jittered steps and deliberately
// replays stale values, which the monotone merge must absorb.
func enqueuerActor(ctx context.Context, tracker tracking.Tracker, jobName string, frontier *atomic.Int64, rng *rand.Rand, stop <-chan struct{}) error {
	for {
		select {
		case <-stop:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		next := frontier.Add(int64(1 + rng.Intn(50)))
		target := uint64(next)
		if rng.Intn(4) == 0 && next > 100 {
			// Stale replay, as a restarted enqueuer would send.
			target = uint64(next - 100)
		}
		qs := tracking.QueueStatus{EnqueuedMax: target}
		if rng.Intn(2) == 0 {
			source := target + uint64(rng.Intn(1000))
			qs.SourceMax = &source
		}
		if _, err := tracker.TrackQueueStatus(ctx, jobName, qs); err != nil {
			return fmt.Errorf("enqueuer: %w", err)
		}
		time.Sleep(time.Duration(rng.Intn(5)) * time.Millisecond)
	}
}

// processorActor chases the frontier and occasionally overshoots it on
// purpose; the overshoot must come back as ErrProcessedAheadOfEnqueued and
// must not corrupt the stored counters.
func processorActor(ctx context.Context, tracker tracking.Tracker, jobName string, frontier *atomic.Int64, rng *rand.Rand, stop <-chan struct{}) error {
	for {
		select {
		case <-stop:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		status, err := tracker.GetStatus(ctx, jobName)
		if err != nil {
			return fmt.Errorf("processor read: %w", err)
		}
		if status.EnqueuedMax == 0 {
			time.Sleep(time.Millisecond)
			continue
		}

		target := status.EnqueuedMax - uint64(rng.Intn(int(min(status.EnqueuedMax, 25))+1))
		if rng.Intn(5) == 0 {
			overshoot := uint64(frontier.Load()) + 1_000_000
			if _, err := tracker.TrackProcessedStatus(ctx, jobName, overshoot); !errors.Is(err, tracking.ErrProcessedAheadOfEnqueued) {
				return fmt.Errorf("processor: overshoot to %d not rejected: %v", overshoot, err)
			}
			continue
		}
		if _, err := tracker.TrackProcessedStatus(ctx, jobName, target); err != nil {
			// Losing a race to a concurrent enqueue rollback is impossible here
			// (enqueuers only grow the counter), so any rejection is a bug.
			return fmt.Errorf("processor: advance to %d: %w", target, err)
		}
		time.Sleep(time.Duration(rng.Intn(5)) * time.Millisecond)
	}
}

func checkInvariants(prev, cur tracking.Status) string {
	if cur.ProcessedMax > cur.EnqueuedMax {
		return fmt.Sprintf("processed %d ahead of enqueued %d", cur.ProcessedMax, cur.EnqueuedMax)
	}
	if cur.EnqueuedMax < prev.EnqueuedMax {
		return fmt.Sprintf("enqueued regressed %d -> %d", prev.EnqueuedMax, cur.EnqueuedMax)
	}
	if cur.ProcessedMax < prev.ProcessedMax {
		return fmt.Sprintf("processed regressed %d -> %d", prev.ProcessedMax, cur.ProcessedMax)
	}
	if prev.SourceMax != nil {
		if cur.SourceMax == nil {
			return "source max forgotten"
		}
		if *cur.SourceMax < *prev.SourceMax {
			return fmt.Sprintf("source regressed %d -> %d", *prev.SourceMax, *cur.SourceMax)
		}
	}
	return ""
}

func dumpStatus(t *testing.T, ctx context.Context, pool *pgxpool.Pool, jobName string) {
	t.Helper()
	rows, err := pool.Query(ctx, `SELECT job_name, source_max, enqueued_max, processed_max, updated_at FROM import_job_status WHERE job_name = $1`, jobName)
	if err != nil {
		t.Logf("dump error: %v", err)
		return
	}
	defer rows.Close()
	for rows.Next() {
		vals, _ := rows.Values()
		t.Logf("import_job_status: %v", vals)
	}
}
