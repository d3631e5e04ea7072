package partyimport

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"partyregistry/legacy"
	"partyregistry/party"
	"partyregistry/roles"
	"partyregistry/saga"
)

// restart drops results an earlier run accumulated and rebinds the saga to
// the newest tracked change. Every start delivery passes through here: on a
// first delivery there is nothing to drop, on a re-import for a later
// change-feed position it forces a fresh read of the upstream state instead
// of trusting the party fetched for the previous change.
func restart(d *Data, t *JobTracking) {
	d.Clear()
	if t != nil {
		d.Tracking = t
	}
}

// handleStartByPartyID fetches the party and hands over to the shared
// continuation. An upstream "gone" completes the saga without side effects.
func (i *Importer) handleStartByPartyID(ctx context.Context, ex *saga.Execution[Data], msg StartByPartyID) error {
	restart(ex.Data, msg.Tracking)
	gone, err := i.ensurePartyFetched(ctx, ex)
	if err != nil || gone {
		return err
	}
	return i.next(ctx, ex)
}

// handleStartByUserProfile resolves the user profile and branches on its
// kind before joining the shared continuation.
func (i *Importer) handleStartByUserProfile(ctx context.Context, ex *saga.Execution[Data], msg StartByUserProfile) error {
	restart(ex.Data, msg.Tracking)
	userID := msg.UserID
	ex.Data.UserID = &userID

	profile, err := i.source.GetUserProfile(ctx, msg.UserID)
	if errors.Is(err, legacy.ErrGone) {
		ex.Log().Info("user profile gone upstream, completing import", "user_id", msg.UserID)
		return i.complete(ctx, ex)
	}
	if err != nil {
		return err
	}

	switch profile.Kind {
	case legacy.ProfilePerson:
		if !profile.IsActive {
			// Inactive persons only need their user record; skip the full
			// party import entirely.
			cmd := UpsertUserRecord{
				ID:        uuid.New(),
				PartyUUID: ex.Data.PartyUUID,
				User:      party.User{UserID: profile.UserID, UserName: profile.UserName},
			}
			if err := i.queue.Enqueue(ctx, ex.Tx, cmd); err != nil {
				return err
			}
			ex.Log().Info("inactive person profile, queued direct user upsert", "user_id", profile.UserID)
			return i.complete(ctx, ex)
		}
		fallthrough
	case legacy.ProfileSelfIdentified:
		gone, err := i.ensurePartyFetched(ctx, ex)
		if err != nil || gone {
			return err
		}
		applyProfile(ex.Data.Party, profile, i.interner)
	case legacy.ProfileEnterprise:
		// Enterprise users have no legacy party record; synthesize one from
		// the profile.
		rec := synthesizeEnterpriseParty(ex.Data.PartyUUID, profile, i.interner)
		ex.Data.Party = &rec
	default:
		return fmt.Errorf("partyimport: profile %d has unknown kind %q", profile.UserID, profile.Kind)
	}

	return i.next(ctx, ex)
}

// handleRetry clears accumulated data and restarts from the fetch step.
func (i *Importer) handleRetry(ctx context.Context, ex *saga.Execution[Data], msg RetryImport) error {
	if ex.Data.PartyUUID == uuid.Nil {
		return fmt.Errorf("partyimport: retry for saga without party uuid")
	}
	ex.Data.Clear()
	ex.Log().Info("retrying party import from scratch")

	gone, err := i.ensurePartyFetched(ctx, ex)
	if err != nil || gone {
		return err
	}
	return i.next(ctx, ex)
}

// handleComplete is the finalize step: upsert the party, apply every gathered
// role replacement set, stage the resulting events, advance the processed
// counter, and complete. Everything runs in the saga's transaction.
func (i *Importer) handleComplete(ctx context.Context, ex *saga.Execution[Data], msg CompleteImport) error {
	data := ex.Data
	if data.Party == nil {
		return fmt.Errorf("partyimport: complete before party fetched for %s", data.PartyUUID)
	}

	updated, err := i.parties.Upsert(ctx, ex.Tx, *data.Party)
	if err != nil {
		return err
	}
	data.Party = &updated

	event := PartyUpdatedEvent{CorrelationID: data.PartyUUID.String(), Party: party.RefOf(updated)}
	if err := i.outbox.Enqueue(ctx, ex.Tx, TopicPartyUpdated, event); err != nil {
		return err
	}

	// Stable source order; within a source every diff event is staged in the
	// same transaction, so consumers see them as part of this saga's commit.
	for _, source := range []roles.Source{roles.SourceCCR, roles.SourceGuardianship} {
		assignments, gathered := data.RoleAssignments[source]
		if !gathered {
			continue
		}
		changes, err := i.roles.UpsertFromPartyBySource(ctx, ex.Tx, msg.ID, updated.UUID, source, assignments)
		if err != nil {
			return err
		}
		for _, change := range changes {
			if err := i.outbox.Enqueue(ctx, ex.Tx, change.Topic(), roles.EventOf(msg.ID, data.PartyUUID, change)); err != nil {
				return err
			}
		}
	}

	return i.complete(ctx, ex)
}

// ensurePartyFetched loads the party from the legacy source unless already
// present. gone=true means the saga was completed because the record no
// longer exists upstream.
func (i *Importer) ensurePartyFetched(ctx context.Context, ex *saga.Execution[Data]) (gone bool, err error) {
	if ex.Data.Party != nil {
		return false, nil
	}

	upstream, err := i.source.GetParty(ctx, ex.Data.PartyUUID)
	if errors.Is(err, legacy.ErrGone) {
		ex.Log().Info("party gone upstream, completing import")
		return true, i.complete(ctx, ex)
	}
	if err != nil {
		return false, err
	}

	rec, err := legacy.MapParty(upstream, i.interner)
	if err != nil {
		return false, err
	}
	ex.Data.Party = &rec
	return false, nil
}

// next is the shared continuation after any state-advancing step: attach a
// user identity where required, gather every applicable role source, then
// send the internal complete command.
func (i *Importer) next(ctx context.Context, ex *saga.Execution[Data]) error {
	data := ex.Data
	p := data.Party
	if p == nil {
		return fmt.Errorf("partyimport: continuation without fetched party for %s", data.PartyUUID)
	}

	if p.Type.RequiresUser() && !p.User.IsSet() {
		if err := i.attachUser(ctx, ex); err != nil {
			return err
		}
	}

	if p.Type == party.TypeOrganization && !data.HasSource(roles.SourceCCR) {
		if err := i.gatherCCRRoles(ctx, ex); err != nil {
			return err
		}
	}

	if i.flags.ImportGuardianships && p.Type == party.TypePerson && !data.HasSource(roles.SourceGuardianship) {
		if err := i.gatherGuardianships(ctx, ex); err != nil {
			return err
		}
	}

	if !i.rolesGathered(data) {
		return nil
	}

	cmd := CompleteImport{ID: uuid.New(), PartyUUID: data.PartyUUID, Tracking: data.Tracking}
	return i.queue.Enqueue(ctx, ex.Tx, cmd)
}

func (i *Importer) rolesGathered(data *Data) bool {
	if data.Party.Type == party.TypeOrganization && !data.HasSource(roles.SourceCCR) {
		return false
	}
	if i.flags.ImportGuardianships && data.Party.Type == party.TypePerson && !data.HasSource(roles.SourceGuardianship) {
		return false
	}
	return true
}

// attachUser resolves the user identity for party types that carry one.
// A person or named user unknown upstream is not an error; the association
// stays explicitly null.
func (i *Importer) attachUser(ctx context.Context, ex *saga.Execution[Data]) error {
	data := ex.Data
	p := data.Party

	if data.UserID != nil {
		p.User = party.Of(party.User{UserID: *data.UserID})
		return nil
	}

	switch p.Type {
	case party.TypePerson:
		ident, ok := p.PersonIdentifier.Get()
		if !ok {
			return nil
		}
		userID, userName, err := i.source.GetPersonUser(ctx, ident)
		if errors.Is(err, legacy.ErrGone) {
			ex.Log().Info("person has no user identity")
			return nil
		}
		if err != nil {
			return err
		}
		p.User = party.Of(party.User{UserID: userID, UserName: userName})
	case party.TypeSelfIdentifiedUser, party.TypeEnterpriseUser:
		name, ok := p.DisplayName.Get()
		if !ok {
			return nil
		}
		userID, userName, err := i.source.GetNamedUser(ctx, name)
		if errors.Is(err, legacy.ErrGone) {
			ex.Log().Info("no named user for party", "name", name)
			return nil
		}
		if err != nil {
			return err
		}
		p.User = party.Of(party.User{UserID: userID, UserName: userName})
	}
	return nil
}

// gatherCCRRoles fetches and resolves the organization's CCR roles.
// Unresolvable or wrong-source codes are logged and dropped, never fatal.
func (i *Importer) gatherCCRRoles(ctx context.Context, ex *saga.Execution[Data]) error {
	data := ex.Data
	list := []roles.Assignment{}

	orgIdent, ok := data.Party.OrganizationIdentifier.Get()
	if !ok {
		ex.Log().Warn("organization without identifier, skipping ccr roles")
		data.SetAssignments(roles.SourceCCR, list)
		return nil
	}

	upstream, err := i.source.GetCCRRoles(ctx, orgIdent)
	if errors.Is(err, legacy.ErrGone) {
		ex.Log().Info("organization unknown to ccr register", "org", orgIdent)
		upstream = nil
	} else if err != nil {
		return err
	}

	for _, rc := range upstream {
		def, resolved := i.registry.ResolveRoleCode(rc.RoleCode)
		if !resolved {
			ex.Log().Warn("dropping unresolvable ccr role code", "code", rc.RoleCode, "to_party", rc.ToParty)
			continue
		}
		if def.Source != roles.SourceCCR {
			ex.Log().Warn("dropping role code resolved to wrong source",
				"code", rc.RoleCode, "source", def.Source)
			continue
		}
		list = append(list, roles.Assignment{RoleIdentifier: def.Identifier, ToParty: rc.ToParty})
	}

	data.SetAssignments(roles.SourceCCR, list)
	return nil
}

// gatherGuardianships fetches guardianships and resolves guardian person
// identifiers to party uuids in bulk. A person unknown to the guardianship
// register yields an empty set; a guardian that exists upstream but cannot
// be resolved to a known party is the one hard failure in the flow.
func (i *Importer) gatherGuardianships(ctx context.Context, ex *saga.Execution[Data]) error {
	data := ex.Data
	list := []roles.Assignment{}

	ident, ok := data.Party.PersonIdentifier.Get()
	if !ok {
		data.SetAssignments(roles.SourceGuardianship, list)
		return nil
	}

	guardianships, err := i.source.GetGuardianships(ctx, ident)
	if errors.Is(err, legacy.ErrGone) {
		ex.Log().Info("person unknown to guardianship register")
		guardianships = nil
	} else if err != nil {
		return err
	}

	if len(guardianships) > 0 {
		idents := make([]string, 0, len(guardianships))
		seen := make(map[string]struct{}, len(guardianships))
		for _, g := range guardianships {
			if _, dup := seen[g.GuardianPersonIdentifier]; dup {
				continue
			}
			seen[g.GuardianPersonIdentifier] = struct{}{}
			idents = append(idents, g.GuardianPersonIdentifier)
		}

		resolved, err := i.parties.LookupByPersonIdentifiers(ctx, ex.Tx, idents)
		if err != nil {
			return err
		}
		for _, guardianIdent := range idents {
			guardianUUID, found := resolved[guardianIdent]
			if !found {
				return fmt.Errorf("partyimport: guardian %q not resolved to a known party", guardianIdent)
			}
			list = append(list, roles.Assignment{RoleIdentifier: roles.GuardianRoleIdentifier, ToParty: guardianUUID})
		}
	}

	data.SetAssignments(roles.SourceGuardianship, list)
	return nil
}

// complete marks the saga completed, advancing the processed counter in the
// same transaction when the import was spawned by the change feed.
func (i *Importer) complete(ctx context.Context, ex *saga.Execution[Data]) error {
	if t := ex.Data.Tracking; t != nil {
		if _, err := i.tracker.TrackProcessedStatusIn(ctx, ex.Tx, t.JobName, t.ChangeID); err != nil {
			return err
		}
	}
	ex.MarkCompleted()
	return nil
}

func applyProfile(rec *party.Record, profile legacy.Profile, interner *party.Interner) {
	rec.User = party.Of(party.User{UserID: profile.UserID, UserName: profile.UserName})
	if profile.DisplayName != nil && *profile.DisplayName != "" {
		rec.DisplayName = party.Of(*profile.DisplayName)
	}
	if profile.LanguageCode != nil && *profile.LanguageCode != "" {
		details, _ := rec.Details.Get()
		details.LanguageCode = interner.LangCode(*profile.LanguageCode)
		rec.Details = party.Of(details)
	}
}

func synthesizeEnterpriseParty(partyUUID uuid.UUID, profile legacy.Profile, interner *party.Interner) party.Record {
	displayName := profile.UserName
	if profile.DisplayName != nil && *profile.DisplayName != "" {
		displayName = *profile.DisplayName
	}

	rec := party.Record{
		UUID:        partyUUID,
		Type:        party.TypeEnterpriseUser,
		DisplayName: party.Of(displayName),
		IsDeleted:   party.Of(false),
		User:        party.Of(party.User{UserID: profile.UserID, UserName: profile.UserName}),
	}
	if profile.LanguageCode != nil && *profile.LanguageCode != "" {
		rec.Details = party.Of(party.Details{LanguageCode: interner.LangCode(*profile.LanguageCode)})
	}
	return rec
}
