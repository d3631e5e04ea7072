package partyimport

import (
	"github.com/google/uuid"

	"partyregistry/party"
	"partyregistry/roles"
)

// Data is the durable saga state for one party import. Party stays nil until
// fetched; RoleAssignments gains one entry per resolved role source. The
// logical state of the machine is derived from which fields are populated.
type Data struct {
	PartyUUID       uuid.UUID                           `json:"party_uuid"`
	UserID          *int64                              `json:"user_id,omitempty"`
	Tracking        *JobTracking                        `json:"tracking,omitempty"`
	Party           *party.Record                       `json:"party,omitempty"`
	RoleAssignments map[roles.Source][]roles.Assignment `json:"role_assignments,omitempty"`
}

// Clear resets accumulated fetch results while preserving identity and
// tracking, so a retry restarts from the fetch step.
func (d *Data) Clear() {
	d.Party = nil
	d.RoleAssignments = nil
}

// HasSource reports whether assignments for a role source were gathered.
// An empty gathered list still counts.
func (d *Data) HasSource(s roles.Source) bool {
	_, ok := d.RoleAssignments[s]
	return ok
}

// SetAssignments records the gathered replacement set for a role source.
func (d *Data) SetAssignments(s roles.Source, assignments []roles.Assignment) {
	if d.RoleAssignments == nil {
		d.RoleAssignments = make(map[roles.Source][]roles.Assignment, 2)
	}
	if assignments == nil {
		assignments = []roles.Assignment{}
	}
	d.RoleAssignments[s] = assignments
}
