package party_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"partyregistry/party"
	"partyregistry/test/infra"
)

func TestRepository_UpsertPartialProjection(t *testing.T) {
	pool := infra.NewTestPool(t)
	ctx := context.Background()
	repo := party.NewRepository()

	id := uuid.New()
	now := time.Now().UTC().Truncate(time.Millisecond)

	full := party.Record{
		UUID:             id,
		Type:             party.TypePerson,
		DisplayName:      party.Of("Ola Nordmann"),
		PersonIdentifier: party.Of("01017012345"),
		CreatedAt:        party.Of(now),
		ModifiedAt:       party.Of(now),
		IsDeleted:        party.Of(false),
		DeletedAt:        party.Null[time.Time](),
		User:             party.Null[party.User](),
		Details:          party.Of(party.Details{FirstName: "Ola", LastName: "Nordmann"}),
	}

	inserted, err := repo.Upsert(ctx, pool, full)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if inserted.VersionID == 0 {
		t.Fatal("insert did not assign a version id")
	}

	// A record carrying only a display name must leave every other column
	// untouched and still advance the version.
	partial := party.Record{
		UUID:        id,
		Type:        party.TypePerson,
		DisplayName: party.Of("Ola N."),
	}
	updated, err := repo.Upsert(ctx, pool, partial)
	if err != nil {
		t.Fatalf("partial upsert: %v", err)
	}
	if updated.VersionID <= inserted.VersionID {
		t.Fatalf("version did not advance: %d -> %d", inserted.VersionID, updated.VersionID)
	}

	got, err := repo.GetByUUID(ctx, pool, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if name, _ := got.DisplayName.Get(); name != "Ola N." {
		t.Fatalf("display name %q, want updated value", name)
	}
	if ident, _ := got.PersonIdentifier.Get(); ident != "01017012345" {
		t.Fatalf("person identifier %q was clobbered by the partial upsert", ident)
	}
	details, ok := got.Details.Get()
	if !ok || details.FirstName != "Ola" {
		t.Fatalf("details lost: %+v ok=%v", details, ok)
	}
	if !got.User.IsNull() {
		t.Fatal("user association should load as explicitly null")
	}
}

func TestRepository_UpsertNullClearsColumn(t *testing.T) {
	pool := infra.NewTestPool(t)
	ctx := context.Background()
	repo := party.NewRepository()

	id := uuid.New()
	if _, err := repo.Upsert(ctx, pool, party.Record{
		UUID:        id,
		Type:        party.TypeOrganization,
		DisplayName: party.Of("Acme AS"),
	}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	// Null is a write: the column is cleared. Unset would have preserved it.
	if _, err := repo.Upsert(ctx, pool, party.Record{
		UUID:        id,
		Type:        party.TypeOrganization,
		DisplayName: party.Null[string](),
	}); err != nil {
		t.Fatalf("null upsert: %v", err)
	}

	got, err := repo.GetByUUID(ctx, pool, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.DisplayName.IsNull() {
		t.Fatal("display name should be null after explicit null write")
	}
}

func TestRepository_AttachUserAndLookup(t *testing.T) {
	pool := infra.NewTestPool(t)
	ctx := context.Background()
	repo := party.NewRepository()

	id := uuid.New()
	rec := party.Record{
		UUID:             id,
		Type:             party.TypePerson,
		PersonIdentifier: party.Of("31129912345"),
	}
	inserted, err := repo.Upsert(ctx, pool, rec)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	version, err := repo.AttachUser(ctx, pool, id, party.User{UserID: 42, UserName: "ola"})
	if err != nil {
		t.Fatalf("attach user: %v", err)
	}
	if version <= inserted.VersionID {
		t.Fatalf("attach did not advance version: %d -> %d", inserted.VersionID, version)
	}

	got, err := repo.GetByUUID(ctx, pool, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	user, ok := got.User.Get()
	if !ok || user.UserID != 42 || user.UserName != "ola" {
		t.Fatalf("user = %+v ok=%v", user, ok)
	}

	resolved, err := repo.LookupByPersonIdentifiers(ctx, pool, []string{"31129912345", "unknown"})
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if resolved["31129912345"] != id {
		t.Fatalf("lookup resolved %v, want %v", resolved["31129912345"], id)
	}
	if _, found := resolved["unknown"]; found {
		t.Fatal("unknown identifier should be absent from the result")
	}

	if _, err := repo.AttachUser(ctx, pool, uuid.New(), party.User{UserID: 1}); !errors.Is(err, party.ErrPartyNotFound) {
		t.Fatalf("expected ErrPartyNotFound, got %v", err)
	}
}
