// Package messaging provides the at-least-once command queue and the
// transactional event outbox backing the import pipeline. Both live in
// PostgreSQL so command sends and event publishes can share a transaction
// with the state they describe.
package messaging

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Command is a routable unit of work. Delivery is at least once: consumers
// must tolerate duplicates and interleaved redeliveries.
type Command interface {
	// Kind routes the command to a registered handler.
	Kind() string
	// MessageID identifies this delivery for dedup bookkeeping.
	MessageID() uuid.UUID
	// CorrelationID ties the command to its saga instance.
	CorrelationID() uuid.UUID
}

// Envelope is the persisted form of a command handed to handlers.
type Envelope struct {
	ID            uuid.UUID
	Kind          string
	CorrelationID uuid.UUID
	Payload       []byte
	Attempts      int
}

// EventSink receives published events. Publishes from the outbox dispatcher
// are at least once; sinks must be idempotent.
type EventSink interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// SinkFunc adapts a function to an EventSink.
type SinkFunc func(ctx context.Context, topic string, payload []byte) error

func (f SinkFunc) Publish(ctx context.Context, topic string, payload []byte) error {
	return f(ctx, topic, payload)
}

// DB is the querying surface shared by pgxpool.Pool and pgx.Tx, letting
// enqueues join whatever transaction the caller already holds.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}
