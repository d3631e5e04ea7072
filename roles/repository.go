package roles

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"partyregistry/messaging"
)

// Repository applies replacement sets of role assignments. Each upsert call
// supplies the complete current set for one (fromParty, source) pair; the
// symmetric difference against stored state is persisted and returned as
// changes, one per added or removed assignment.
type Repository struct{}

func NewRepository() *Repository {
	return &Repository{}
}

type pairKey struct {
	role string
	to   uuid.UUID
}

// UpsertFromPartyBySource diffs newAssignments against the persisted set for
// (fromParty, source) inside the caller's transaction. Assignments present on
// both sides are untouched and produce no change. commandID is causality
// metadata for the caller's events, not a dedup key.
func (r *Repository) UpsertFromPartyBySource(ctx context.Context, db messaging.DB, commandID uuid.UUID, fromParty uuid.UUID, source Source, newAssignments []Assignment) ([]Change, error) {
	const currentSQL = `
		SELECT role_identifier, to_party
		FROM external_role_assignments
		WHERE from_party = $1 AND source = $2
		FOR UPDATE
	`

	rows, err := db.Query(ctx, currentSQL, fromParty, string(source))
	if err != nil {
		return nil, fmt.Errorf("roles: load current assignments: %w", err)
	}
	current := make(map[pairKey]struct{})
	for rows.Next() {
		var key pairKey
		if err := rows.Scan(&key.role, &key.to); err != nil {
			rows.Close()
			return nil, fmt.Errorf("roles: scan current assignment: %w", err)
		}
		current[key] = struct{}{}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("roles: iterate current assignments: %w", err)
	}

	wanted := make(map[pairKey]struct{}, len(newAssignments))
	var changes []Change

	const insertSQL = `
		INSERT INTO external_role_assignments (from_party, to_party, source, role_identifier)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT DO NOTHING
		RETURNING version_id
	`
	for _, a := range newAssignments {
		key := pairKey{role: a.RoleIdentifier, to: a.ToParty}
		if _, dup := wanted[key]; dup {
			continue
		}
		wanted[key] = struct{}{}
		if _, exists := current[key]; exists {
			continue
		}

		var versionID int64
		if err := db.QueryRow(ctx, insertSQL, fromParty, a.ToParty, string(source), a.RoleIdentifier).Scan(&versionID); err != nil {
			return nil, fmt.Errorf("roles: insert assignment %s: %w", a.RoleIdentifier, err)
		}
		changes = append(changes, Change{
			Kind:           ChangeAdded,
			Source:         source,
			RoleIdentifier: a.RoleIdentifier,
			FromParty:      fromParty,
			ToParty:        a.ToParty,
			VersionID:      uint64(versionID),
		})
	}

	const deleteSQL = `
		DELETE FROM external_role_assignments
		WHERE from_party = $1 AND to_party = $2 AND source = $3 AND role_identifier = $4
	`
	for key := range current {
		if _, keep := wanted[key]; keep {
			continue
		}
		if _, err := db.Exec(ctx, deleteSQL, fromParty, key.to, string(source), key.role); err != nil {
			return nil, fmt.Errorf("roles: delete assignment %s: %w", key.role, err)
		}
		// Removals also get a fresh version token so consumers can order the
		// removal against the surviving rows.
		var versionID int64
		if err := db.QueryRow(ctx, `SELECT nextval('party_version_seq')`).Scan(&versionID); err != nil {
			return nil, fmt.Errorf("roles: assign removal version: %w", err)
		}
		changes = append(changes, Change{
			Kind:           ChangeRemoved,
			Source:         source,
			RoleIdentifier: key.role,
			FromParty:      fromParty,
			ToParty:        key.to,
			VersionID:      uint64(versionID),
		})
	}

	return changes, nil
}

// GetFromParty lists the persisted assignments for one (fromParty, source).
func (r *Repository) GetFromParty(ctx context.Context, db messaging.DB, fromParty uuid.UUID, source Source) ([]Assignment, error) {
	const selectSQL = `
		SELECT role_identifier, to_party
		FROM external_role_assignments
		WHERE from_party = $1 AND source = $2
		ORDER BY role_identifier, to_party
	`
	rows, err := db.Query(ctx, selectSQL, fromParty, string(source))
	if err != nil {
		return nil, fmt.Errorf("roles: list assignments: %w", err)
	}
	defer rows.Close()

	var out []Assignment
	for rows.Next() {
		var a Assignment
		if err := rows.Scan(&a.RoleIdentifier, &a.ToParty); err != nil {
			return nil, fmt.Errorf("roles: scan assignment: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("roles: iterate assignments: %w", err)
	}
	return out, nil
}
