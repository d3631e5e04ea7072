// Package roles persists external role assignments and computes
// replacement-set diffs against the stored state.
package roles

import (
	"github.com/google/uuid"
)

// Source identifies which external system asserted an assignment.
type Source string

const (
	// SourceCCR is the central coordinating register for organization roles.
	SourceCCR Source = "ccr"
	// SourceGuardianship is the guardianship register for person roles.
	SourceGuardianship Source = "guardianship"
)

// Assignment is one role held from one party towards another.
type Assignment struct {
	RoleIdentifier string    `json:"role_identifier"`
	ToParty        uuid.UUID `json:"to_party"`
}

// ChangeKind discriminates diff results.
type ChangeKind string

const (
	ChangeAdded   ChangeKind = "added"
	ChangeRemoved ChangeKind = "removed"
)

// Change is one applied diff entry, carrying the version token assigned when
// the change was persisted.
type Change struct {
	Kind           ChangeKind
	Source         Source
	RoleIdentifier string
	FromParty      uuid.UUID
	ToParty        uuid.UUID
	VersionID      uint64
}

// Topic routes a change to its event topic.
func (c Change) Topic() string {
	if c.Kind == ChangeAdded {
		return TopicAssignmentAdded
	}
	return TopicAssignmentRemoved
}

const (
	TopicAssignmentAdded   = "role.assignment.added"
	TopicAssignmentRemoved = "role.assignment.removed"
)

// Event is the published form of a change. CommandID and CorrelationID are
// causality metadata only, never used for deduplication.
type Event struct {
	CommandID      string `json:"command_id"`
	CorrelationID  string `json:"correlation_id"`
	Source         string `json:"source"`
	RoleIdentifier string `json:"role_identifier"`
	FromParty      string `json:"from_party"`
	ToParty        string `json:"to_party"`
	VersionID      uint64 `json:"version_id"`
}

// EventOf builds the published payload for a change.
func EventOf(commandID, correlationID uuid.UUID, c Change) Event {
	return Event{
		CommandID:      commandID.String(),
		CorrelationID:  correlationID.String(),
		Source:         string(c.Source),
		RoleIdentifier: c.RoleIdentifier,
		FromParty:      c.FromParty.String(),
		ToParty:        c.ToParty.String(),
		VersionID:      c.VersionID,
	}
}
