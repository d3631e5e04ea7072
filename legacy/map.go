package legacy

import (
	"fmt"

	"github.com/google/uuid"

	"partyregistry/party"
)

// MapParty converts the upstream wire shape into a registry record. Malformed
// payloads are errors at this boundary; fields the upstream reports as null
// stay explicitly null, never unset.
func MapParty(p Party, interner *party.Interner) (party.Record, error) {
	if p.PartyUUID == uuid.Nil {
		return party.Record{}, fmt.Errorf("legacy: party without uuid")
	}
	partyType := party.Type(p.PartyType)
	if !partyType.Valid() {
		return party.Record{}, fmt.Errorf("legacy: party %s has unknown type %q", p.PartyUUID, p.PartyType)
	}

	rec := party.Record{
		UUID:                   p.PartyUUID,
		Type:                   partyType,
		PartyID:                fieldOfPtr(p.PartyID),
		DisplayName:            fieldOfPtr(p.DisplayName),
		PersonIdentifier:       fieldOfPtr(p.PersonIdentifier),
		OrganizationIdentifier: fieldOfPtr(p.OrganizationIdentifier),
		CreatedAt:              party.Of(p.CreatedAt),
		ModifiedAt:             party.Of(p.ModifiedAt),
		IsDeleted:              party.Of(p.IsDeleted),
		DeletedAt:              fieldOfPtr(p.DeletedAt),
	}

	if p.UserID != nil {
		user := party.User{UserID: *p.UserID}
		if p.UserName != nil {
			user.UserName = *p.UserName
		}
		rec.User = party.Of(user)
	} else {
		rec.User = party.Null[party.User]()
	}

	details := party.Details{}
	hasDetails := false
	assign := func(dst *string, src *string) {
		if src != nil && *src != "" {
			*dst = *src
			hasDetails = true
		}
	}
	assign(&details.FirstName, p.FirstName)
	assign(&details.MiddleName, p.MiddleName)
	assign(&details.LastName, p.LastName)
	assign(&details.DateOfBirth, p.DateOfBirth)
	assign(&details.UnitType, p.UnitType)
	assign(&details.UnitStatus, p.UnitStatus)
	if p.LanguageCode != nil && *p.LanguageCode != "" {
		details.LanguageCode = interner.LangCode(*p.LanguageCode)
		hasDetails = true
	}
	if hasDetails {
		rec.Details = party.Of(details)
	} else {
		rec.Details = party.Null[party.Details]()
	}

	return rec, nil
}

func fieldOfPtr[T any](p *T) party.Field[T] {
	if p == nil {
		return party.Null[T]()
	}
	return party.Of(*p)
}
