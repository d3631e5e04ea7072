package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Lease is the observed state of one named lease after an acquisition
// attempt. When Acquired is false, ExpiresAt and LastReleasedAt describe the
// competing holder, letting callers compute the next eligible run time.
type Lease struct {
	Name           string
	Holder         string
	ExpiresAt      time.Time
	LastReleasedAt time.Time
	Acquired       bool
}

// LeaseStore grants time-bounded exclusive claims on named leases.
type LeaseStore interface {
	// Acquire claims the lease for ttl if it is free: expired or unheld, and
	// released at least minSinceRelease ago. The gate evaluates server-side,
	// so racing processes cannot both win.
	Acquire(ctx context.Context, name, holder string, ttl, minSinceRelease time.Duration) (Lease, error)
	// Release marks the lease free and records the release time. Only the
	// current holder may release.
	Release(ctx context.Context, name, holder string) error
}

// PGLeaseStore implements LeaseStore on the job_leases table.
type PGLeaseStore struct {
	pool *pgxpool.Pool
}

func NewLeaseStore(pool *pgxpool.Pool) *PGLeaseStore {
	return &PGLeaseStore{pool: pool}
}

func (s *PGLeaseStore) Acquire(ctx context.Context, name, holder string, ttl, minSinceRelease time.Duration) (Lease, error) {
	// The WHERE on the conflict arm is the whole gate: it admits only expired
	// leases whose last release is old enough. A fresh row always wins.
	const acquireSQL = `
		INSERT INTO job_leases (name, holder, expires_at, last_released_at)
		VALUES ($1, $2, now() + make_interval(secs => $3), to_timestamp(0))
		ON CONFLICT (name) DO UPDATE SET
			holder = EXCLUDED.holder,
			expires_at = EXCLUDED.expires_at
		WHERE job_leases.expires_at <= now()
		  AND job_leases.last_released_at <= now() - make_interval(secs => $4)
		RETURNING expires_at, last_released_at
	`

	lease := Lease{Name: name, Holder: holder}
	err := s.pool.QueryRow(ctx, acquireSQL, name, holder, ttl.Seconds(), minSinceRelease.Seconds()).
		Scan(&lease.ExpiresAt, &lease.LastReleasedAt)
	if err == nil {
		lease.Acquired = true
		return lease, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Lease{}, fmt.Errorf("scheduler: acquire lease %s: %w", name, err)
	}

	// Lost the race; report the winning holder's timings.
	const observeSQL = `
		SELECT holder, expires_at, last_released_at
		FROM job_leases
		WHERE name = $1
	`
	observed := Lease{Name: name}
	err = s.pool.QueryRow(ctx, observeSQL, name).Scan(&observed.Holder, &observed.ExpiresAt, &observed.LastReleasedAt)
	if err != nil {
		return Lease{}, fmt.Errorf("scheduler: observe lease %s: %w", name, err)
	}
	return observed, nil
}

func (s *PGLeaseStore) Release(ctx context.Context, name, holder string) error {
	const releaseSQL = `
		UPDATE job_leases
		SET expires_at = now(), last_released_at = now()
		WHERE name = $1 AND holder = $2
	`
	tag, err := s.pool.Exec(ctx, releaseSQL, name, holder)
	if err != nil {
		return fmt.Errorf("scheduler: release lease %s: %w", name, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("scheduler: release lease %s: not held by %s", name, holder)
	}
	return nil
}
