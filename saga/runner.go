package saga

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"partyregistry/messaging"
)

// TopicCompleted carries CompletedEvent payloads.
const TopicCompleted = "saga.completed"

// CompletedEvent is published after a saga reaches a terminal status.
type CompletedEvent struct {
	SagaID  string `json:"saga_id"`
	Success bool   `json:"success"`
}

var (
	// ErrNotStarted signals a continuation message arrived for a saga that was
	// never started. Non-starting messages must not implicitly create sagas.
	ErrNotStarted = errors.New("saga: not started")
)

// Execution is the handler's view of one invocation: the open transaction,
// the mutable data blob, and the status decision.
type Execution[T any] struct {
	Tx   pgx.Tx
	Data *T

	status Status
	log    *slog.Logger
}

// MarkCompleted transitions the saga to Completed once the handler returns nil.
func (e *Execution[T]) MarkCompleted() { e.status = StatusCompleted }

// MarkFaulted transitions the saga to Faulted. Reserved for explicit handler
// decisions; returned errors leave the saga Active for redelivery instead.
func (e *Execution[T]) MarkFaulted() { e.status = StatusFaulted }

// Log returns a logger annotated with the saga id.
func (e *Execution[T]) Log() *slog.Logger { return e.log }

// Handler advances one saga in response to one message. A returned error
// rolls back every write of this invocation and leaves the saga Active.
type Handler[T any, M messaging.Command] func(ctx context.Context, ex *Execution[T], msg M) error

// Initializer builds fresh saga data from a starting message.
type Initializer[T any, M messaging.Command] func(msg M) T

// Runner loads saga state, invokes handlers transactionally, and publishes
// terminal completion events after commit.
type Runner struct {
	pool *pgxpool.Pool
	sink messaging.EventSink
	log  *slog.Logger
}

func NewRunner(pool *pgxpool.Pool, sink messaging.EventSink, log *slog.Logger) *Runner {
	if log == nil {
		log = slog.Default()
	}
	return &Runner{pool: pool, sink: sink, log: log}
}

// Start handles a starting message: data is initialized if absent, and the
// handler runs regardless. A start arriving at an existing saga reopens it,
// terminal or not, so the continuations it enqueues are not dropped; a party
// whose import already completed can therefore be imported again for a later
// change. Redelivery of a start message likewise re-invokes the handler,
// re-emitting any events a prior attempt failed to publish.
func Start[T any, M messaging.Command](ctx context.Context, r *Runner, msg M, init Initializer[T, M], handle Handler[T, M]) error {
	return run(ctx, r, msg, func(st *State[T]) error {
		if st.Data == nil {
			data := init(msg)
			st.Data = &data
			return nil
		}
		st.Status = StatusActive
		return nil
	}, handle)
}

// Continue handles a continuation message. It fails with ErrNotStarted if the
// saga has no data, and is a logged no-op once the saga is terminal.
func Continue[T any, M messaging.Command](ctx context.Context, r *Runner, msg M, handle Handler[T, M]) error {
	return run(ctx, r, msg, func(st *State[T]) error {
		if st.Data == nil {
			return fmt.Errorf("%w: %s for saga %s", ErrNotStarted, msg.Kind(), msg.CorrelationID())
		}
		if st.Status.Terminal() {
			return errSkipTerminal
		}
		return nil
	}, handle)
}

// Resume handles an explicitly idempotent remediation message. It fails with
// ErrNotStarted if the saga has no data, and runs even on terminal sagas,
// resetting the status to Active first.
func Resume[T any, M messaging.Command](ctx context.Context, r *Runner, msg M, handle Handler[T, M]) error {
	return run(ctx, r, msg, func(st *State[T]) error {
		if st.Data == nil {
			return fmt.Errorf("%w: %s for saga %s", ErrNotStarted, msg.Kind(), msg.CorrelationID())
		}
		st.Status = StatusActive
		return nil
	}, handle)
}

// errSkipTerminal short-circuits run without error for duplicate deliveries
// to terminal sagas.
var errSkipTerminal = errors.New("saga: terminal, skipping")

func run[T any, M messaging.Command](ctx context.Context, r *Runner, msg M, admit func(*State[T]) error, handle Handler[T, M]) error {
	sagaID := msg.CorrelationID()

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("saga: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	st, err := GetState[T](ctx, tx, sagaID)
	if err != nil {
		return err
	}

	if err := admit(&st); err != nil {
		if errors.Is(err, errSkipTerminal) {
			r.log.Info("dropping message for terminal saga",
				"saga_id", sagaID, "kind", msg.Kind(), "status", st.Status)
			return nil
		}
		return err
	}

	// Recorded for observability, never consulted: redeliveries re-execute the
	// handler, and downstream consumers are expected to be idempotent.
	st.MarkProcessed(msg.MessageID())

	ex := &Execution[T]{
		Tx:     tx,
		Data:   st.Data,
		status: st.Status,
		log:    r.log.With("saga_id", sagaID, "kind", msg.Kind()),
	}

	if err := handle(ctx, ex, msg); err != nil {
		return fmt.Errorf("saga: handle %s for %s: %w", msg.Kind(), sagaID, err)
	}

	st.Status = ex.status
	if err := SaveState(ctx, tx, st); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("saga: commit %s for %s: %w", msg.Kind(), sagaID, err)
	}

	if st.Status.Terminal() {
		event := CompletedEvent{SagaID: sagaID.String(), Success: st.Status == StatusCompleted}
		if err := publishCompleted(ctx, r.sink, event); err != nil {
			// The saga itself committed; the completion event is advisory and
			// will be re-emitted on any redelivery.
			r.log.Warn("publish saga completion failed", "saga_id", sagaID, "error", err)
		}
	}
	return nil
}

func publishCompleted(ctx context.Context, sink messaging.EventSink, event CompletedEvent) error {
	if sink == nil {
		return nil
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("saga: marshal completion event: %w", err)
	}
	return sink.Publish(ctx, TopicCompleted, payload)
}
