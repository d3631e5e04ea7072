// Package party models the registrable entities of the registry: persons,
// organizations, self-identified users, enterprise users, and system users.
package party

import (
	"time"

	"github.com/google/uuid"
)

// Type discriminates the concrete party kind.
type Type string

const (
	TypePerson             Type = "person"
	TypeOrganization       Type = "organization"
	TypeSelfIdentifiedUser Type = "self-identified-user"
	TypeEnterpriseUser     Type = "enterprise-user"
	TypeSystemUser         Type = "system-user"
)

// Valid reports whether t is a known party type.
func (t Type) Valid() bool {
	switch t {
	case TypePerson, TypeOrganization, TypeSelfIdentifiedUser, TypeEnterpriseUser, TypeSystemUser:
		return true
	default:
		return false
	}
}

// RequiresUser reports whether parties of this type carry a user association.
func (t Type) RequiresUser() bool {
	switch t {
	case TypePerson, TypeSelfIdentifiedUser, TypeEnterpriseUser:
		return true
	default:
		return false
	}
}

// User is the optional user association on a party.
type User struct {
	UserID   int64  `json:"user_id"`
	UserName string `json:"user_name,omitempty"`
}

// Details carries the per-kind attributes stored alongside the common
// columns. Only the fields relevant to the record's Type are populated.
type Details struct {
	FirstName    string `json:"first_name,omitempty"`
	MiddleName   string `json:"middle_name,omitempty"`
	LastName     string `json:"last_name,omitempty"`
	DateOfBirth  string `json:"date_of_birth,omitempty"`
	UnitType     string `json:"unit_type,omitempty"`
	UnitStatus   string `json:"unit_status,omitempty"`
	LanguageCode string `json:"language_code,omitempty"`
}

// Record is the persisted shape of any party. UUID is immutable identity;
// VersionID is the change-ordering token the persistence layer advances on
// every upsert. Every optionally-projected field uses the three-state Field.
type Record struct {
	UUID uuid.UUID `json:"uuid"`
	Type Type      `json:"type"`

	PartyID                Field[int64]     `json:"party_id"`
	DisplayName            Field[string]    `json:"display_name"`
	PersonIdentifier       Field[string]    `json:"person_identifier"`
	OrganizationIdentifier Field[string]    `json:"organization_identifier"`
	CreatedAt              Field[time.Time] `json:"created_at"`
	ModifiedAt             Field[time.Time] `json:"modified_at"`
	IsDeleted              Field[bool]      `json:"is_deleted"`
	DeletedAt              Field[time.Time] `json:"deleted_at"`
	User                   Field[User]      `json:"user"`
	Details                Field[Details]   `json:"details"`

	VersionID uint64 `json:"version_id"`
}

// Ref is the canonical party reference carried by published events.
type Ref struct {
	UUID        string `json:"uuid"`
	Type        string `json:"type"`
	DisplayName string `json:"display_name,omitempty"`
	VersionID   uint64 `json:"version_id"`
}

// RefOf builds an event reference from a persisted record.
func RefOf(rec Record) Ref {
	return Ref{
		UUID:        rec.UUID.String(),
		Type:        string(rec.Type),
		DisplayName: rec.DisplayName.OrZero(),
		VersionID:   rec.VersionID,
	}
}
