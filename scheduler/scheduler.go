// Package scheduler runs registered jobs on fixed intervals or at host
// lifecycle transitions, optionally behind a distributed lease so only one
// process in a fleet executes a given job per interval window.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// MinInterval is the lowest interval a recurring job may request.
const MinInterval = 30 * time.Second

// disabledBackoff multiplies the interval while a job's enabled check says no.
const disabledBackoff = 10

// LifecyclePoint names a host transition a job can be bound to.
type LifecyclePoint string

const (
	PointStarting LifecyclePoint = "starting"
	PointStarted  LifecyclePoint = "started"
	PointStart    LifecyclePoint = "start"
	PointStop     LifecyclePoint = "stop"
	PointStopping LifecyclePoint = "stopping"
	PointStopped  LifecyclePoint = "stopped"
)

// Job is one registered unit of work. Interval > 0 schedules a recurring
// loop; Lifecycle binds additional one-shot runs to host transitions. A job
// may use both.
type Job struct {
	Name string
	// Interval between runs; must be at least MinInterval when set.
	Interval time.Duration
	// LeaseName, when set, gates every run on acquiring the named lease.
	LeaseName string
	// Lifecycle points at which the job runs once.
	Lifecycle []LifecyclePoint
	// Enabled is re-checked before every scheduled run. Nil means always.
	Enabled func(ctx context.Context) (bool, error)
	// Ready blocks the recurring loop until dependencies are available.
	Ready func(ctx context.Context) error
	Run   func(ctx context.Context) error
}

func (j Job) runsAt(point LifecyclePoint) bool {
	for _, p := range j.Lifecycle {
		if p == point {
			return true
		}
	}
	return false
}

// Scheduler owns the registered jobs and their run loops.
type Scheduler struct {
	leases   LeaseStore
	holder   string
	log      *slog.Logger
	jobs     []Job
	failures map[string]*atomic.Uint64
	now      func() time.Time
}

func New(leases LeaseStore, log *slog.Logger) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	hostname, _ := os.Hostname()
	return &Scheduler{
		leases:   leases,
		holder:   hostname + "/" + uuid.NewString(),
		log:      log,
		failures: make(map[string]*atomic.Uint64),
		now:      time.Now,
	}
}

// Register validates and adds a job. Configuration errors are returned here,
// before anything runs.
func (s *Scheduler) Register(job Job) error {
	if job.Name == "" {
		return fmt.Errorf("scheduler: job without name")
	}
	if job.Run == nil {
		return fmt.Errorf("scheduler: job %s without body", job.Name)
	}
	if job.Interval != 0 && job.Interval < MinInterval {
		return fmt.Errorf("scheduler: job %s interval %s below minimum %s", job.Name, job.Interval, MinInterval)
	}
	if job.Interval == 0 && len(job.Lifecycle) == 0 {
		return fmt.Errorf("scheduler: job %s has neither interval nor lifecycle points", job.Name)
	}
	// Storage is not up yet at Starting; a lease there can never be acquired.
	// Every later point runs on a live fleet, so an unleased job would run on
	// every host at once.
	if job.LeaseName != "" && job.runsAt(PointStarting) {
		return fmt.Errorf("scheduler: job %s cannot combine a lease with the starting point", job.Name)
	}
	for _, p := range job.Lifecycle {
		if p != PointStarting && job.LeaseName == "" {
			return fmt.Errorf("scheduler: job %s lifecycle point %s requires a lease", job.Name, p)
		}
	}
	s.jobs = append(s.jobs, job)
	s.failures[job.Name] = &atomic.Uint64{}
	return nil
}

// Failures reports how many scheduled runs of the job have failed or
// panicked since startup.
func (s *Scheduler) Failures(name string) uint64 {
	if c, ok := s.failures[name]; ok {
		return c.Load()
	}
	return 0
}

// RunLifecycle executes every job bound to the given point, in registration
// order. Errors propagate to the host; a failing startup job is supposed to
// stop the host from serving.
func (s *Scheduler) RunLifecycle(ctx context.Context, point LifecyclePoint) error {
	for _, job := range s.jobs {
		if !job.runsAt(point) {
			continue
		}
		if job.LeaseName != "" {
			// The min-since-release window matches the TTL so a host arriving
			// after the winner already released still skips the job.
			lease, err := s.leases.Acquire(ctx, job.LeaseName, s.holder, leaseTTL(job), leaseTTL(job))
			if err != nil {
				return fmt.Errorf("scheduler: lifecycle %s job %s: %w", point, job.Name, err)
			}
			if !lease.Acquired {
				s.log.Info("lifecycle job leased elsewhere, skipping",
					"job", job.Name, "point", point, "holder", lease.Holder)
				continue
			}
			err = job.Run(ctx)
			if relErr := s.leases.Release(ctx, job.LeaseName, s.holder); relErr != nil {
				s.log.Warn("lease release failed", "job", job.Name, "error", relErr)
			}
			if err != nil {
				return fmt.Errorf("scheduler: lifecycle %s job %s: %w", point, job.Name, err)
			}
			continue
		}
		if err := job.Run(ctx); err != nil {
			return fmt.Errorf("scheduler: lifecycle %s job %s: %w", point, job.Name, err)
		}
	}
	return nil
}

// Run drives every recurring job until ctx is cancelled. Job failures are
// logged and counted; they never stop the scheduler.
func (s *Scheduler) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, job := range s.jobs {
		if job.Interval == 0 {
			continue
		}
		job := job
		g.Go(func() error { return s.loop(ctx, job) })
	}
	return g.Wait()
}

func (s *Scheduler) loop(ctx context.Context, job Job) error {
	if job.Ready != nil {
		if err := job.Ready(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.log.Error("job readiness wait failed, loop not started", "job", job.Name, "error", err)
			s.failures[job.Name].Add(1)
			return nil
		}
	}

	for {
		enabled := true
		if job.Enabled != nil {
			var err error
			enabled, err = job.Enabled(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				s.log.Warn("job enabled check failed, treating as disabled", "job", job.Name, "error", err)
				enabled = false
			}
		}
		if !enabled {
			if !s.sleep(ctx, disabledBackoff*job.Interval) {
				return nil
			}
			continue
		}

		delay := job.Interval
		if job.LeaseName != "" {
			lease, err := s.leases.Acquire(ctx, job.LeaseName, s.holder, leaseTTL(job), job.Interval)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				s.log.Warn("lease acquisition failed", "job", job.Name, "error", err)
				if !s.sleep(ctx, job.Interval) {
					return nil
				}
				continue
			}
			if !lease.Acquired {
				if !s.sleep(ctx, s.untilEligible(lease, job.Interval)) {
					return nil
				}
				continue
			}
			s.runBody(ctx, job)
			if err := s.leases.Release(ctx, job.LeaseName, s.holder); err != nil {
				s.log.Warn("lease release failed", "job", job.Name, "error", err)
			}
		} else {
			s.runBody(ctx, job)
		}

		if !s.sleep(ctx, delay) {
			return nil
		}
	}
}

// runBody executes one scheduled invocation. Panics and errors are contained
// here so a broken job body cannot take the loop down.
func (s *Scheduler) runBody(ctx context.Context, job Job) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("job panicked", "job", job.Name, "panic", r)
			s.failures[job.Name].Add(1)
		}
	}()
	if err := job.Run(ctx); err != nil {
		s.log.Error("job failed", "job", job.Name, "error", err)
		s.failures[job.Name].Add(1)
	}
}

// untilEligible computes how long to wait when another process holds the
// lease: whichever is later of the lease expiry and one interval past the
// last release.
func (s *Scheduler) untilEligible(lease Lease, interval time.Duration) time.Duration {
	now := s.now()
	eligible := lease.ExpiresAt
	if next := lease.LastReleasedAt.Add(interval); next.After(eligible) {
		eligible = next
	}
	wait := eligible.Sub(now)
	if wait < time.Second {
		wait = time.Second
	}
	return wait
}

// sleep waits for d or until cancellation; false means shut down.
func (s *Scheduler) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// leaseTTL bounds how long a crashed holder blocks the lease. Twice the
// interval keeps a healthy run from expiring mid-body without stalling the
// fleet for long after a crash.
func leaseTTL(job Job) time.Duration {
	if job.Interval > 0 {
		return 2 * job.Interval
	}
	return 2 * MinInterval
}
