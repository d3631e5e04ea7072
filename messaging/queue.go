package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"
)

// Queue writes commands into the command_queue table.
type Queue struct{}

func NewQueue() *Queue {
	return &Queue{}
}

// Enqueue persists commands. When db is a transaction, the sends commit or
// roll back together with the caller's writes.
func (q *Queue) Enqueue(ctx context.Context, db DB, cmds ...Command) error {
	const insertSQL = `
		INSERT INTO command_queue (id, kind, correlation_id, payload)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO NOTHING
	`

	for _, cmd := range cmds {
		payload, err := json.Marshal(cmd)
		if err != nil {
			return fmt.Errorf("messaging: marshal %s command: %w", cmd.Kind(), err)
		}
		if _, err := db.Exec(ctx, insertSQL, cmd.MessageID(), cmd.Kind(), cmd.CorrelationID(), payload); err != nil {
			return fmt.Errorf("messaging: enqueue %s command: %w", cmd.Kind(), err)
		}
	}
	return nil
}

// Handler processes one delivered command. Returning an error schedules a
// redelivery after a visibility delay; the command is removed only after a
// nil return.
type Handler func(ctx context.Context, env Envelope) error

// Consumer polls the queue and dispatches commands to registered handlers.
// Claims use FOR UPDATE SKIP LOCKED so multiple consumer processes share the
// queue without coordination; a claim held during handling keeps concurrent
// consumers off the same row, while crash redelivery keeps semantics at
// least once.
type Consumer struct {
	pool         *pgxpool.Pool
	handlers     map[string]Handler
	log          *slog.Logger
	workers      int
	pollInterval time.Duration
	retryDelay   time.Duration
}

func NewConsumer(pool *pgxpool.Pool, log *slog.Logger) *Consumer {
	if log == nil {
		log = slog.Default()
	}
	return &Consumer{
		pool:         pool,
		handlers:     make(map[string]Handler),
		log:          log,
		workers:      4,
		pollInterval: time.Second,
		retryDelay:   5 * time.Second,
	}
}

// WithWorkers sets the number of concurrent dispatch loops.
func (c *Consumer) WithWorkers(n int) *Consumer {
	if n > 0 {
		c.workers = n
	}
	return c
}

// Handle registers the handler for a command kind. Registering the same kind
// twice is a programming error.
func (c *Consumer) Handle(kind string, h Handler) {
	if _, dup := c.handlers[kind]; dup {
		panic(fmt.Sprintf("messaging: duplicate handler for kind %q", kind))
	}
	c.handlers[kind] = h
}

// Run dispatches until ctx is cancelled. Handler failures are logged and
// rescheduled; they never stop the consumer.
func (c *Consumer) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < c.workers; i++ {
		g.Go(func() error { return c.loop(ctx) })
	}
	return g.Wait()
}

func (c *Consumer) loop(ctx context.Context) error {
	for {
		handled, err := c.dispatchOne(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.log.Error("command dispatch failed", "error", err)
		}
		if handled {
			continue
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(c.pollInterval):
		}
	}
}

// dispatchOne claims, handles, and settles a single command. The claim
// transaction stays open across the handler call; the handler runs its own
// transactions on other connections.
func (c *Consumer) dispatchOne(ctx context.Context) (bool, error) {
	tx, err := c.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("messaging: begin claim tx: %w", err)
	}
	defer tx.Rollback(ctx)

	const claimSQL = `
		SELECT id, kind, correlation_id, payload, attempts
		FROM command_queue
		WHERE visible_at <= now()
		ORDER BY visible_at
		LIMIT 1
		FOR UPDATE SKIP LOCKED
	`

	var env Envelope
	err = tx.QueryRow(ctx, claimSQL).Scan(&env.ID, &env.Kind, &env.CorrelationID, &env.Payload, &env.Attempts)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("messaging: claim command: %w", err)
	}

	handler, ok := c.handlers[env.Kind]
	if !ok {
		// Unroutable commands are parked with a long delay instead of being
		// dropped; a deploy carrying the handler picks them up.
		c.log.Error("no handler for command kind", "kind", env.Kind, "message_id", env.ID)
		return true, c.settleRetry(ctx, tx, env, time.Hour)
	}

	if handlerErr := handler(ctx, env); handlerErr != nil {
		c.log.Warn("command handler failed, scheduling redelivery",
			"kind", env.Kind, "message_id", env.ID, "correlation_id", env.CorrelationID,
			"attempts", env.Attempts+1, "error", handlerErr)
		delay := c.retryDelay * time.Duration(env.Attempts+1)
		if delay > 5*time.Minute {
			delay = 5 * time.Minute
		}
		return true, c.settleRetry(ctx, tx, env, delay)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM command_queue WHERE id = $1`, env.ID); err != nil {
		return true, fmt.Errorf("messaging: delete handled command: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return true, fmt.Errorf("messaging: commit claim: %w", err)
	}
	return true, nil
}

func (c *Consumer) settleRetry(ctx context.Context, tx pgx.Tx, env Envelope, delay time.Duration) error {
	const retrySQL = `
		UPDATE command_queue
		SET attempts = attempts + 1,
		    visible_at = now() + make_interval(secs => $2)
		WHERE id = $1
	`
	if _, err := tx.Exec(ctx, retrySQL, env.ID, delay.Seconds()); err != nil {
		return fmt.Errorf("messaging: reschedule command: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("messaging: commit reschedule: %w", err)
	}
	return nil
}
