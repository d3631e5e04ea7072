// Package importjob drives the recurring change-feed import: it streams
// upstream changes, fans them out as import commands, and advances the job's
// progress counters.
package importjob

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"partyregistry/changefeed"
	"partyregistry/messaging"
	"partyregistry/partyimport"
	"partyregistry/tracking"
)

// JobName keys the progress counters for the change-feed import.
const JobName = "party-import"

// BackpressureThreshold bounds how far enqueueing may run ahead of
// processing. Once the gap exceeds this, the run stops and resumes from the
// persisted cursor on the next tick.
const BackpressureThreshold = 50_000

// Tracker is the progress-counter surface the enqueuer needs.
type Tracker interface {
	GetStatus(ctx context.Context, jobName string) (tracking.Status, error)
	TrackQueueStatusIn(ctx context.Context, db tracking.DB, jobName string, qs tracking.QueueStatus) (tracking.Status, error)
}

// Sender places commands on the queue, transactionally with other writes.
type Sender interface {
	Enqueue(ctx context.Context, db messaging.DB, cmds ...messaging.Command) error
}

// Cleanup reclaims obsolete rows after a fully drained run.
type Cleanup interface {
	Reclaim(ctx context.Context, jobName string) error
}

// Enqueuer converts change-feed pages into start-import commands. Each page
// is one transaction: the commands and the counter advance commit together,
// so a crash never records progress past what was actually enqueued.
type Enqueuer struct {
	pool    *pgxpool.Pool
	feed    changefeed.Source
	sender  Sender
	tracker Tracker
	cleanup Cleanup
	log     *slog.Logger
}

func NewEnqueuer(pool *pgxpool.Pool, feed changefeed.Source, sender Sender, tracker Tracker, cleanup Cleanup, log *slog.Logger) *Enqueuer {
	if log == nil {
		log = slog.Default()
	}
	return &Enqueuer{pool: pool, feed: feed, sender: sender, tracker: tracker, cleanup: cleanup, log: log}
}

// Run performs one import pass: stream pages after the persisted cursor,
// enqueue commands per page, and stop on exhaustion or backpressure. A
// transient fetch failure fails the whole run; the scheduler retries by
// rescheduling, never in-run.
func (e *Enqueuer) Run(ctx context.Context) error {
	status, err := e.tracker.GetStatus(ctx, JobName)
	if err != nil {
		return err
	}
	startEnqueued := status.EnqueuedMax

	pages := changefeed.Changes(e.feed, status.EnqueuedMax)
	enqueued := 0
	for {
		page, ok, err := pages.Next(ctx)
		if err != nil {
			return err
		}
		if !ok {
			// The terminal page still reports how far the feed extends.
			if page.LastKnownChangeID > 0 {
				sourceMax := page.LastKnownChangeID
				qs := tracking.QueueStatus{EnqueuedMax: pages.Cursor(), SourceMax: &sourceMax}
				if _, err := e.tracker.TrackQueueStatusIn(ctx, e.pool, JobName, qs); err != nil {
					return err
				}
			}
			break
		}

		status, err = e.enqueuePage(ctx, page)
		if err != nil {
			return err
		}
		enqueued += len(page.Items)

		if status.EnqueuedMax-status.ProcessedMax > BackpressureThreshold {
			e.log.Info("pausing enqueue until processing catches up",
				"job", JobName,
				"enqueued_max", status.EnqueuedMax,
				"processed_max", status.ProcessedMax)
			break
		}
	}

	if enqueued > 0 {
		e.log.Info("import pass enqueued changes", "job", JobName, "count", enqueued, "cursor", pages.Cursor())
	}

	status, err = e.tracker.GetStatus(ctx, JobName)
	if err != nil {
		return err
	}
	if status.ProcessedMax == status.EnqueuedMax && status.EnqueuedMax == startEnqueued {
		if err := e.cleanup.Reclaim(ctx, JobName); err != nil {
			return err
		}
	}
	return nil
}

func (e *Enqueuer) enqueuePage(ctx context.Context, page changefeed.Page) (tracking.Status, error) {
	tx, err := e.pool.Begin(ctx)
	if err != nil {
		return tracking.Status{}, fmt.Errorf("importjob: begin page tx: %w", err)
	}
	defer tx.Rollback(ctx)

	cmds := make([]messaging.Command, 0, len(page.Items))
	for _, item := range page.Items {
		cmds = append(cmds, partyimport.StartByPartyID{
			ID:        uuid.New(),
			PartyUUID: item.PartyUUID,
			Tracking:  &partyimport.JobTracking{JobName: JobName, ChangeID: item.ChangeID},
		})
	}
	if err := e.sender.Enqueue(ctx, tx, cmds...); err != nil {
		return tracking.Status{}, err
	}

	last := page.Items[len(page.Items)-1].ChangeID
	sourceMax := page.LastKnownChangeID
	qs := tracking.QueueStatus{EnqueuedMax: last, SourceMax: &sourceMax}
	status, err := e.tracker.TrackQueueStatusIn(ctx, tx, JobName, qs)
	if err != nil {
		return tracking.Status{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return tracking.Status{}, fmt.Errorf("importjob: commit page: %w", err)
	}
	return status, nil
}
