package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// memLeaseStore is an in-memory LeaseStore for exercising scheduler logic
// without a database.
type memLeaseStore struct {
	mu     sync.Mutex
	leases map[string]Lease
	now    func() time.Time
}

func newMemLeaseStore() *memLeaseStore {
	return &memLeaseStore{leases: make(map[string]Lease), now: time.Now}
}

func (s *memLeaseStore) Acquire(ctx context.Context, name, holder string, ttl, minSinceRelease time.Duration) (Lease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	current, exists := s.leases[name]
	if exists {
		held := current.ExpiresAt.After(now)
		tooSoon := current.LastReleasedAt.Add(minSinceRelease).After(now)
		if held || tooSoon {
			observed := current
			observed.Acquired = false
			return observed, nil
		}
	}

	lease := Lease{
		Name:           name,
		Holder:         holder,
		ExpiresAt:      now.Add(ttl),
		LastReleasedAt: current.LastReleasedAt,
		Acquired:       true,
	}
	s.leases[name] = lease
	return lease, nil
}

func (s *memLeaseStore) Release(ctx context.Context, name, holder string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, exists := s.leases[name]
	if !exists || current.Holder != holder {
		return errors.New("not held")
	}
	now := s.now()
	current.ExpiresAt = now
	current.LastReleasedAt = now
	s.leases[name] = current
	return nil
}

func TestRegister_Validation(t *testing.T) {
	s := New(newMemLeaseStore(), nil)

	noop := func(ctx context.Context) error { return nil }

	if err := s.Register(Job{Name: "short", Interval: 5 * time.Second, Run: noop}); err == nil {
		t.Fatal("interval below minimum accepted")
	}
	if err := s.Register(Job{Name: "bodyless", Interval: time.Minute}); err == nil {
		t.Fatal("job without body accepted")
	}
	if err := s.Register(Job{Name: "idle", Run: noop}); err == nil {
		t.Fatal("job with neither interval nor lifecycle accepted")
	}
	if err := s.Register(Job{
		Name:      "early-lease",
		LeaseName: "early-lease",
		Lifecycle: []LifecyclePoint{PointStarting},
		Run:       noop,
	}); err == nil {
		t.Fatal("lease at the starting point accepted")
	}
	if err := s.Register(Job{
		Name:      "free-for-all",
		Lifecycle: []LifecyclePoint{PointStarted},
		Run:       noop,
	}); err == nil {
		t.Fatal("unleased lifecycle job after startup accepted")
	}

	if err := s.Register(Job{Name: "ok", Interval: time.Minute, Run: noop}); err != nil {
		t.Fatalf("valid job rejected: %v", err)
	}
	if err := s.Register(Job{
		Name:      "boot",
		Lifecycle: []LifecyclePoint{PointStarting},
		Run:       noop,
	}); err != nil {
		t.Fatalf("unleased starting job rejected: %v", err)
	}
}

func TestRunLifecycle_LeasedJobRunsOnce(t *testing.T) {
	leases := newMemLeaseStore()

	var mu sync.Mutex
	runs := 0
	job := Job{
		Name:      "migrate-like",
		LeaseName: "migrate-like",
		Lifecycle: []LifecyclePoint{PointStarted},
		Run: func(ctx context.Context) error {
			mu.Lock()
			runs++
			mu.Unlock()
			return nil
		},
	}

	// Two scheduler instances sharing one lease store, as in a fleet.
	a := New(leases, nil)
	b := New(leases, nil)
	if err := a.Register(job); err != nil {
		t.Fatalf("register a: %v", err)
	}
	if err := b.Register(job); err != nil {
		t.Fatalf("register b: %v", err)
	}

	ctx := context.Background()
	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, s := range []*Scheduler{a, b} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = s.RunLifecycle(ctx, PointStarted)
		}()
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("lifecycle %d: %v", i, err)
		}
	}
	if runs != 1 {
		t.Fatalf("leased lifecycle job ran %d times, want exactly 1", runs)
	}
}

func TestRunLifecycle_ErrorsPropagate(t *testing.T) {
	s := New(newMemLeaseStore(), nil)
	boom := errors.New("migration broken")

	if err := s.Register(Job{
		Name:      "failing",
		Lifecycle: []LifecyclePoint{PointStarting},
		Run:       func(ctx context.Context) error { return boom },
	}); err != nil {
		t.Fatalf("register: %v", err)
	}

	if err := s.RunLifecycle(context.Background(), PointStarting); !errors.Is(err, boom) {
		t.Fatalf("expected lifecycle failure to propagate, got %v", err)
	}
}

func TestRunBody_ContainsPanicsAndCountsFailures(t *testing.T) {
	s := New(newMemLeaseStore(), nil)

	job := Job{
		Name:     "flaky",
		Interval: time.Minute,
		Run:      func(ctx context.Context) error { panic("boom") },
	}
	if err := s.Register(job); err != nil {
		t.Fatalf("register: %v", err)
	}

	s.runBody(context.Background(), job)
	s.runBody(context.Background(), job)

	if got := s.Failures("flaky"); got != 2 {
		t.Fatalf("failure count %d, want 2", got)
	}
}

func TestUntilEligible_WaitsForLaterOfExpiryAndRelease(t *testing.T) {
	base := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	s := New(newMemLeaseStore(), nil)
	s.now = func() time.Time { return base }

	lease := Lease{
		ExpiresAt:      base.Add(10 * time.Second),
		LastReleasedAt: base.Add(-20 * time.Second),
	}
	// Release + interval lands after the expiry, so it wins.
	if got := s.untilEligible(lease, time.Minute); got != 40*time.Second {
		t.Fatalf("wait %s, want 40s", got)
	}

	lease.LastReleasedAt = base.Add(-5 * time.Minute)
	if got := s.untilEligible(lease, time.Minute); got != 10*time.Second {
		t.Fatalf("wait %s, want 10s (lease expiry)", got)
	}

	// Already eligible leases still wait a beat to avoid a tight retry loop.
	lease.ExpiresAt = base.Add(-time.Hour)
	if got := s.untilEligible(lease, time.Minute); got != time.Second {
		t.Fatalf("wait %s, want 1s floor", got)
	}
}
