// Package partyimport drives the import of party records and their external
// role assignments from the legacy registry, as a durable saga per party.
package partyimport

import (
	"github.com/google/uuid"

	"partyregistry/party"
)

// Command kinds routed through the command queue.
const (
	KindStartByPartyID     = "party-import.start-by-party"
	KindStartByUserProfile = "party-import.start-by-profile"
	KindComplete           = "party-import.complete"
	KindRetry              = "party-import.retry"
	KindUpsertUserRecord   = "party-import.upsert-user"
)

// JobTracking ties a saga back to the change-feed position that spawned it.
type JobTracking struct {
	JobName  string `json:"job_name"`
	ChangeID uint64 `json:"change_id"`
}

// StartByPartyID starts (or re-runs) an import for a known party uuid.
type StartByPartyID struct {
	ID        uuid.UUID    `json:"id"`
	PartyUUID uuid.UUID    `json:"party_uuid"`
	Tracking  *JobTracking `json:"tracking,omitempty"`
}

func (m StartByPartyID) Kind() string             { return KindStartByPartyID }
func (m StartByPartyID) MessageID() uuid.UUID     { return m.ID }
func (m StartByPartyID) CorrelationID() uuid.UUID { return m.PartyUUID }

// StartByUserProfile starts an import from a legacy user profile, correlated
// on the profile owner's party uuid.
type StartByUserProfile struct {
	ID             uuid.UUID    `json:"id"`
	OwnerPartyUUID uuid.UUID    `json:"owner_party_uuid"`
	UserID         int64        `json:"user_id"`
	Tracking       *JobTracking `json:"tracking,omitempty"`
}

func (m StartByUserProfile) Kind() string             { return KindStartByUserProfile }
func (m StartByUserProfile) MessageID() uuid.UUID     { return m.ID }
func (m StartByUserProfile) CorrelationID() uuid.UUID { return m.OwnerPartyUUID }

// CompleteImport is the internal continuation sent once every applicable role
// source has been gathered; it triggers the finalize step.
type CompleteImport struct {
	ID        uuid.UUID    `json:"id"`
	PartyUUID uuid.UUID    `json:"party_uuid"`
	Tracking  *JobTracking `json:"tracking,omitempty"`
}

func (m CompleteImport) Kind() string             { return KindComplete }
func (m CompleteImport) MessageID() uuid.UUID     { return m.ID }
func (m CompleteImport) CorrelationID() uuid.UUID { return m.PartyUUID }

// RetryImport clears accumulated saga data and restarts the import from the
// fetch step. Manual remediation only.
type RetryImport struct {
	ID        uuid.UUID `json:"id"`
	PartyUUID uuid.UUID `json:"party_uuid"`
}

func (m RetryImport) Kind() string             { return KindRetry }
func (m RetryImport) MessageID() uuid.UUID     { return m.ID }
func (m RetryImport) CorrelationID() uuid.UUID { return m.PartyUUID }

// UpsertUserRecord writes a user association directly, bypassing the full
// import. Sent for inactive person profiles.
type UpsertUserRecord struct {
	ID        uuid.UUID  `json:"id"`
	PartyUUID uuid.UUID  `json:"party_uuid"`
	User      party.User `json:"user"`
}

func (m UpsertUserRecord) Kind() string             { return KindUpsertUserRecord }
func (m UpsertUserRecord) MessageID() uuid.UUID     { return m.ID }
func (m UpsertUserRecord) CorrelationID() uuid.UUID { return m.PartyUUID }
