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
)

// Outbox stages events in the same transaction as the state change they
// describe. A dispatcher drains staged rows to the event sink afterwards, so
// consumers observe every event of a committed saga step, and none of a
// rolled-back one.
type Outbox struct{}

func NewOutbox() *Outbox {
	return &Outbox{}
}

// Enqueue stages one event. payload is marshalled to JSON.
func (o *Outbox) Enqueue(ctx context.Context, db DB, topic string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("messaging: marshal outbox payload: %w", err)
	}
	const insertSQL = `INSERT INTO outbox (topic, payload) VALUES ($1, $2::jsonb)`
	if _, err := db.Exec(ctx, insertSQL, topic, body); err != nil {
		return fmt.Errorf("messaging: enqueue outbox: %w", err)
	}
	return nil
}

// Dispatcher drains pending outbox rows into the sink in commit order.
type Dispatcher struct {
	pool         *pgxpool.Pool
	sink         EventSink
	log          *slog.Logger
	pollInterval time.Duration
}

func NewDispatcher(pool *pgxpool.Pool, sink EventSink, log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{pool: pool, sink: sink, log: log, pollInterval: time.Second}
}

// Run drains until ctx is cancelled. Sink failures leave the row pending with
// an incremented attempt count.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		sent, err := d.dispatchOne(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			d.log.Error("outbox dispatch failed", "error", err)
		}
		if sent {
			continue
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(d.pollInterval):
		}
	}
}

func (d *Dispatcher) dispatchOne(ctx context.Context) (bool, error) {
	tx, err := d.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("messaging: begin outbox tx: %w", err)
	}
	defer tx.Rollback(ctx)

	const claimSQL = `
		SELECT id, topic, payload
		FROM outbox
		WHERE status = 'pending'
		ORDER BY id
		LIMIT 1
		FOR UPDATE SKIP LOCKED
	`

	var (
		id      int64
		topic   string
		payload []byte
	)
	err = tx.QueryRow(ctx, claimSQL).Scan(&id, &topic, &payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("messaging: claim outbox row: %w", err)
	}

	if pubErr := d.sink.Publish(ctx, topic, payload); pubErr != nil {
		if _, err := tx.Exec(ctx, `UPDATE outbox SET attempts = attempts + 1 WHERE id = $1`, id); err != nil {
			return true, fmt.Errorf("messaging: record outbox attempt: %w", err)
		}
		if err := tx.Commit(ctx); err != nil {
			return true, fmt.Errorf("messaging: commit outbox attempt: %w", err)
		}
		return true, fmt.Errorf("messaging: publish %s: %w", topic, pubErr)
	}

	if _, err := tx.Exec(ctx, `UPDATE outbox SET status = 'sent' WHERE id = $1`, id); err != nil {
		return true, fmt.Errorf("messaging: mark outbox sent: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return true, fmt.Errorf("messaging: commit outbox send: %w", err)
	}
	return true, nil
}
