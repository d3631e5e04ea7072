// Package saga persists and drives durable, resumable state machines keyed by
// correlation id. Handlers run inside a database transaction; the saga row's
// FOR UPDATE lock serializes concurrent deliveries for the same saga while
// leaving different sagas fully independent.
package saga

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Status is the lifecycle of one saga instance.
type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusFaulted   Status = "faulted"
)

// Terminal reports whether no further regular messages should mutate the saga.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFaulted
}

// State is one saga instance's durable state. Data is nil until a starting
// message initializes it. ProcessedMessageIDs records every handled delivery;
// it is bookkeeping only and never used to skip execution.
type State[T any] struct {
	SagaID              uuid.UUID
	Status              Status
	Data                *T
	ProcessedMessageIDs []uuid.UUID
}

// MarkProcessed appends a message id to the dedup set if absent.
func (s *State[T]) MarkProcessed(id uuid.UUID) {
	for _, existing := range s.ProcessedMessageIDs {
		if existing == id {
			return
		}
	}
	s.ProcessedMessageIDs = append(s.ProcessedMessageIDs, id)
}

// GetState loads the saga row under FOR UPDATE, or returns an untracked shell
// if no row exists. The shell is not persisted until SaveState.
func GetState[T any](ctx context.Context, tx pgx.Tx, sagaID uuid.UUID) (State[T], error) {
	const selectSQL = `
		SELECT status, data, processed_message_ids
		FROM saga_states
		WHERE saga_id = $1
		FOR UPDATE
	`

	var (
		status    string
		data      []byte
		processed []uuid.UUID
	)
	err := tx.QueryRow(ctx, selectSQL, sagaID).Scan(&status, &data, &processed)
	if errors.Is(err, pgx.ErrNoRows) {
		return State[T]{SagaID: sagaID, Status: StatusActive}, nil
	}
	if err != nil {
		return State[T]{}, fmt.Errorf("saga: load state %s: %w", sagaID, err)
	}

	st := State[T]{
		SagaID:              sagaID,
		Status:              Status(status),
		ProcessedMessageIDs: processed,
	}
	if len(data) > 0 {
		var decoded T
		if err := json.Unmarshal(data, &decoded); err != nil {
			return State[T]{}, fmt.Errorf("saga: decode state %s: %w", sagaID, err)
		}
		st.Data = &decoded
	}
	return st, nil
}

// SaveState upserts the saga row within the caller's transaction, so it
// commits atomically with whatever else the handler wrote.
func SaveState[T any](ctx context.Context, tx pgx.Tx, st State[T]) error {
	var data []byte
	if st.Data != nil {
		encoded, err := json.Marshal(st.Data)
		if err != nil {
			return fmt.Errorf("saga: encode state %s: %w", st.SagaID, err)
		}
		data = encoded
	}

	const upsertSQL = `
		INSERT INTO saga_states (saga_id, status, data, processed_message_ids, updated_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (saga_id) DO UPDATE SET
			status = EXCLUDED.status,
			data = EXCLUDED.data,
			processed_message_ids = EXCLUDED.processed_message_ids,
			updated_at = now()
	`
	if _, err := tx.Exec(ctx, upsertSQL, st.SagaID, string(st.Status), data, st.ProcessedMessageIDs); err != nil {
		return fmt.Errorf("saga: save state %s: %w", st.SagaID, err)
	}
	return nil
}
