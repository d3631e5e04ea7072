package party

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"partyregistry/messaging"
)

var (
	// ErrPartyNotFound is returned when no party row exists for the identifier.
	ErrPartyNotFound = errors.New("party: not found")
	// ErrInvalidType rejects records carrying an unknown party type.
	ErrInvalidType = errors.New("party: invalid party type")
)

// Repository persists party records with partial projection: only fields the
// record actually carries (set or null) are written; unset fields keep their
// stored value.
type Repository struct{}

func NewRepository() *Repository {
	return &Repository{}
}

type column struct {
	name string
	arg  any
}

// projection maps the known fields of rec onto table columns.
func projection(rec Record) ([]column, error) {
	var cols []column
	if rec.PartyID.Known() {
		cols = append(cols, column{"party_id", rec.PartyID.arg()})
	}
	if rec.DisplayName.Known() {
		cols = append(cols, column{"display_name", rec.DisplayName.arg()})
	}
	if rec.PersonIdentifier.Known() {
		cols = append(cols, column{"person_identifier", rec.PersonIdentifier.arg()})
	}
	if rec.OrganizationIdentifier.Known() {
		cols = append(cols, column{"organization_identifier", rec.OrganizationIdentifier.arg()})
	}
	if rec.CreatedAt.Known() {
		cols = append(cols, column{"created_at", rec.CreatedAt.arg()})
	}
	if rec.ModifiedAt.Known() {
		cols = append(cols, column{"modified_at", rec.ModifiedAt.arg()})
	}
	if rec.IsDeleted.Known() {
		cols = append(cols, column{"is_deleted", rec.IsDeleted.arg()})
	}
	if rec.DeletedAt.Known() {
		cols = append(cols, column{"deleted_at", rec.DeletedAt.arg()})
	}
	if rec.User.Known() {
		if user, ok := rec.User.Get(); ok {
			var userName any
			if user.UserName != "" {
				userName = user.UserName
			}
			cols = append(cols, column{"user_id", user.UserID}, column{"user_name", userName})
		} else {
			cols = append(cols, column{"user_id", nil}, column{"user_name", nil})
		}
	}
	if rec.Details.Known() {
		if details, ok := rec.Details.Get(); ok {
			body, err := json.Marshal(details)
			if err != nil {
				return nil, fmt.Errorf("party: marshal details: %w", err)
			}
			cols = append(cols, column{"details", body})
		} else {
			cols = append(cols, column{"details", nil})
		}
	}
	return cols, nil
}

// Upsert writes the record inside the caller's transaction and advances the
// version sequence. The returned record carries the authoritative UUID and
// the newly assigned VersionID. Upsert publishes nothing itself.
func (r *Repository) Upsert(ctx context.Context, db messaging.DB, rec Record) (Record, error) {
	if rec.UUID == uuid.Nil {
		return Record{}, fmt.Errorf("party: upsert without uuid")
	}
	if !rec.Type.Valid() {
		return Record{}, fmt.Errorf("%w: %q", ErrInvalidType, rec.Type)
	}

	cols, err := projection(rec)
	if err != nil {
		return Record{}, err
	}

	names := []string{"uuid", "party_type"}
	args := []any{rec.UUID, string(rec.Type)}
	updates := []string{"party_type = EXCLUDED.party_type"}
	for _, c := range cols {
		names = append(names, c.name)
		args = append(args, c.arg)
		updates = append(updates, fmt.Sprintf("%s = EXCLUDED.%s", c.name, c.name))
	}

	placeholders := make([]string, len(args))
	for i := range args {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}

	upsertSQL := fmt.Sprintf(`
		INSERT INTO parties (%s, version_id)
		VALUES (%s, nextval('party_version_seq'))
		ON CONFLICT (uuid) DO UPDATE SET
			%s,
			version_id = nextval('party_version_seq')
		RETURNING version_id`,
		strings.Join(names, ", "),
		strings.Join(placeholders, ", "),
		strings.Join(updates, ",\n\t\t\t"),
	)

	var versionID int64
	if err := db.QueryRow(ctx, upsertSQL, args...).Scan(&versionID); err != nil {
		return Record{}, fmt.Errorf("party: upsert %s: %w", rec.UUID, err)
	}
	rec.VersionID = uint64(versionID)
	return rec, nil
}

// GetByUUID loads the full record. Every field comes back known (set or null).
func (r *Repository) GetByUUID(ctx context.Context, db messaging.DB, id uuid.UUID) (Record, error) {
	const selectSQL = `
		SELECT uuid, party_type, party_id, display_name, person_identifier,
		       organization_identifier, created_at, modified_at, is_deleted,
		       deleted_at, user_id, user_name, details, version_id
		FROM parties
		WHERE uuid = $1
	`
	rec, err := scanRecord(db.QueryRow(ctx, selectSQL, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrPartyNotFound
		}
		return Record{}, fmt.Errorf("party: get %s: %w", id, err)
	}
	return rec, nil
}

// AttachUser sets the user association on an existing party and advances its
// version. Used by the direct user-record upsert path for inactive persons.
func (r *Repository) AttachUser(ctx context.Context, db messaging.DB, id uuid.UUID, user User) (uint64, error) {
	const updateSQL = `
		UPDATE parties
		SET user_id = $2,
		    user_name = NULLIF($3, ''),
		    modified_at = now(),
		    version_id = nextval('party_version_seq')
		WHERE uuid = $1
		RETURNING version_id
	`
	var versionID int64
	if err := db.QueryRow(ctx, updateSQL, id, user.UserID, user.UserName).Scan(&versionID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrPartyNotFound
		}
		return 0, fmt.Errorf("party: attach user to %s: %w", id, err)
	}
	return uint64(versionID), nil
}

// LookupByPersonIdentifiers resolves person identifiers to party UUIDs in one
// round trip. Identifiers with no matching party are absent from the result.
func (r *Repository) LookupByPersonIdentifiers(ctx context.Context, db messaging.DB, idents []string) (map[string]uuid.UUID, error) {
	if len(idents) == 0 {
		return map[string]uuid.UUID{}, nil
	}

	const selectSQL = `
		SELECT person_identifier, uuid
		FROM parties
		WHERE person_identifier = ANY($1)
	`
	rows, err := db.Query(ctx, selectSQL, idents)
	if err != nil {
		return nil, fmt.Errorf("party: lookup by person identifiers: %w", err)
	}
	defer rows.Close()

	out := make(map[string]uuid.UUID, len(idents))
	for rows.Next() {
		var (
			ident string
			id    uuid.UUID
		)
		if err := rows.Scan(&ident, &id); err != nil {
			return nil, fmt.Errorf("party: scan person lookup: %w", err)
		}
		out[ident] = id
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("party: iterate person lookup: %w", err)
	}
	return out, nil
}

func scanRecord(row pgx.Row) (Record, error) {
	var (
		rec       Record
		partyType string
		partyID   *int64
		display   *string
		personID  *string
		orgID     *string
		createdAt time.Time
		modified  time.Time
		isDeleted bool
		deletedAt *time.Time
		userID    *int64
		userName  *string
		details   []byte
		versionID int64
	)
	err := row.Scan(
		&rec.UUID, &partyType, &partyID, &display, &personID, &orgID,
		&createdAt, &modified, &isDeleted, &deletedAt, &userID, &userName,
		&details, &versionID,
	)
	if err != nil {
		return Record{}, err
	}

	rec.Type = Type(partyType)
	rec.PartyID = fieldFromPtr(partyID)
	rec.DisplayName = fieldFromPtr(display)
	rec.PersonIdentifier = fieldFromPtr(personID)
	rec.OrganizationIdentifier = fieldFromPtr(orgID)
	rec.CreatedAt = Of(createdAt)
	rec.ModifiedAt = Of(modified)
	rec.IsDeleted = Of(isDeleted)
	rec.DeletedAt = fieldFromPtr(deletedAt)
	rec.VersionID = uint64(versionID)

	if userID != nil {
		user := User{UserID: *userID}
		if userName != nil {
			user.UserName = *userName
		}
		rec.User = Of(user)
	} else {
		rec.User = Null[User]()
	}

	if len(details) > 0 {
		var decoded Details
		if err := json.Unmarshal(details, &decoded); err != nil {
			return Record{}, fmt.Errorf("party: decode details: %w", err)
		}
		rec.Details = Of(decoded)
	} else {
		rec.Details = Null[Details]()
	}

	return rec, nil
}

func fieldFromPtr[T any](p *T) Field[T] {
	if p == nil {
		return Null[T]()
	}
	return Of(*p)
}
