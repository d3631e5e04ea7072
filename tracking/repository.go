package tracking

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrProcessedAheadOfEnqueued signals a TrackProcessedStatus call that would
	// push ProcessedMax past EnqueuedMax. Callers re-read status and recompute.
	ErrProcessedAheadOfEnqueued = errors.New("tracking: processed max ahead of enqueued max")
)

// Tracker persists and advances progress counters per job name.
type Tracker interface {
	GetStatus(ctx context.Context, jobName string) (Status, error)
	TrackQueueStatus(ctx context.Context, jobName string, status QueueStatus) (Status, error)
	TrackProcessedStatus(ctx context.Context, jobName string, processedMax uint64) (Status, error)
}

// PGRepository implements Tracker backed by PostgreSQL. All updates are
// monotone merges executed in a single statement, so concurrent callers for
// the same job name commute.
type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

// GetStatus returns the current counters, or a zero-valued status for an
// unseen job name.
func (r *PGRepository) GetStatus(ctx context.Context, jobName string) (Status, error) {
	const selectSQL = `
		SELECT source_max, enqueued_max, processed_max, updated_at
		FROM import_job_status
		WHERE job_name = $1
	`

	status, err := scanStatus(jobName, r.pool.QueryRow(ctx, selectSQL, jobName))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Status{JobName: jobName}, nil
		}
		return Status{}, fmt.Errorf("tracking: get status: %w", err)
	}
	return status, nil
}

// TrackQueueStatus advances EnqueuedMax and SourceMax. Existing values only
// ever grow; SourceMax is known once either side knows it, and takes the max
// when both do. ProcessedMax is untouched.
func (r *PGRepository) TrackQueueStatus(ctx context.Context, jobName string, qs QueueStatus) (Status, error) {
	return trackQueue(ctx, r.pool, jobName, qs)
}

// TrackQueueStatusIn is TrackQueueStatus running on the caller's transaction,
// so the advance commits atomically with the enqueued commands.
func (r *PGRepository) TrackQueueStatusIn(ctx context.Context, db DB, jobName string, qs QueueStatus) (Status, error) {
	return trackQueue(ctx, db, jobName, qs)
}

func trackQueue(ctx context.Context, db DB, jobName string, qs QueueStatus) (Status, error) {
	const upsertSQL = `
		INSERT INTO import_job_status (job_name, enqueued_max, source_max, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (job_name) DO UPDATE SET
			enqueued_max = GREATEST(import_job_status.enqueued_max, EXCLUDED.enqueued_max),
			source_max = CASE
				WHEN import_job_status.source_max IS NULL THEN EXCLUDED.source_max
				WHEN EXCLUDED.source_max IS NULL THEN import_job_status.source_max
				ELSE GREATEST(import_job_status.source_max, EXCLUDED.source_max)
			END,
			updated_at = now()
		RETURNING source_max, enqueued_max, processed_max, updated_at
	`

	var sourceMax *int64
	if qs.SourceMax != nil {
		v := int64(*qs.SourceMax)
		sourceMax = &v
	}

	status, err := scanStatus(jobName, db.QueryRow(ctx, upsertSQL, jobName, int64(qs.EnqueuedMax), sourceMax))
	if err != nil {
		return Status{}, fmt.Errorf("tracking: track queue status: %w", err)
	}
	return status, nil
}

// TrackProcessedStatus advances ProcessedMax. The processed_within_enqueued
// CHECK constraint rejects any update that would overtake EnqueuedMax, even
// against racing writers; such calls surface ErrProcessedAheadOfEnqueued.
func (r *PGRepository) TrackProcessedStatus(ctx context.Context, jobName string, processedMax uint64) (Status, error) {
	return trackProcessed(ctx, r.pool, jobName, processedMax)
}

// TrackProcessedStatusIn is TrackProcessedStatus running on the caller's
// transaction, so the advance commits atomically with a saga completion.
func (r *PGRepository) TrackProcessedStatusIn(ctx context.Context, db DB, jobName string, processedMax uint64) (Status, error) {
	return trackProcessed(ctx, db, jobName, processedMax)
}

// DB is the minimal query surface shared by pgxpool.Pool and pgx.Tx.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func trackProcessed(ctx context.Context, db DB, jobName string, processedMax uint64) (Status, error) {
	const upsertSQL = `
		INSERT INTO import_job_status (job_name, processed_max, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (job_name) DO UPDATE SET
			processed_max = GREATEST(import_job_status.processed_max, EXCLUDED.processed_max),
			updated_at = now()
		RETURNING source_max, enqueued_max, processed_max, updated_at
	`

	status, err := scanStatus(jobName, db.QueryRow(ctx, upsertSQL, jobName, int64(processedMax)))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23514" {
			return Status{}, ErrProcessedAheadOfEnqueued
		}
		return Status{}, fmt.Errorf("tracking: track processed status: %w", err)
	}
	return status, nil
}

func scanStatus(jobName string, row pgx.Row) (Status, error) {
	var (
		sourceMax *int64
		enqueued  int64
		processed int64
		status    Status
	)
	if err := row.Scan(&sourceMax, &enqueued, &processed, &status.UpdatedAt); err != nil {
		return Status{}, err
	}
	status.JobName = jobName
	status.EnqueuedMax = uint64(enqueued)
	status.ProcessedMax = uint64(processed)
	if sourceMax != nil {
		v := uint64(*sourceMax)
		status.SourceMax = &v
	}
	return status, nil
}
