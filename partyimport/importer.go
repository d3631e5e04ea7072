package partyimport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"partyregistry/legacy"
	"partyregistry/messaging"
	"partyregistry/party"
	"partyregistry/roles"
	"partyregistry/saga"
	"partyregistry/tracking"
)

// Event topics published by the import saga.
const (
	TopicPartyUpdated = "party.updated"
)

// PartyUpdatedEvent carries the canonical party reference after an upsert.
type PartyUpdatedEvent struct {
	CorrelationID string    `json:"correlation_id"`
	Party         party.Ref `json:"party"`
}

// Source is the legacy registry surface the saga consumes.
type Source interface {
	GetParty(ctx context.Context, partyUUID uuid.UUID) (legacy.Party, error)
	GetUserProfile(ctx context.Context, userID int64) (legacy.Profile, error)
	GetPersonUser(ctx context.Context, personIdentifier string) (int64, string, error)
	GetNamedUser(ctx context.Context, userName string) (int64, string, error)
	GetCCRRoles(ctx context.Context, orgIdentifier string) ([]legacy.CCRRole, error)
	GetGuardianships(ctx context.Context, personIdentifier string) ([]legacy.Guardianship, error)
}

// PartyStore is the persistence port for party records.
type PartyStore interface {
	Upsert(ctx context.Context, db messaging.DB, rec party.Record) (party.Record, error)
	GetByUUID(ctx context.Context, db messaging.DB, id uuid.UUID) (party.Record, error)
	AttachUser(ctx context.Context, db messaging.DB, id uuid.UUID, user party.User) (uint64, error)
	LookupByPersonIdentifiers(ctx context.Context, db messaging.DB, idents []string) (map[string]uuid.UUID, error)
}

// RoleStore applies replacement sets of role assignments.
type RoleStore interface {
	UpsertFromPartyBySource(ctx context.Context, db messaging.DB, commandID uuid.UUID, fromParty uuid.UUID, source roles.Source, assignments []roles.Assignment) ([]roles.Change, error)
}

// Tracker advances the processed counter for tracked imports.
type Tracker interface {
	TrackProcessedStatusIn(ctx context.Context, db tracking.DB, jobName string, processedMax uint64) (tracking.Status, error)
}

// Flags gates optional import behavior.
type Flags struct {
	// ImportGuardianships enables fetching guardianship roles for persons.
	// Defaults off.
	ImportGuardianships bool
}

// Importer owns the party-import saga: the handler set plus the collaborator
// bag the handlers run against.
type Importer struct {
	runner   *saga.Runner
	pool     *pgxpool.Pool
	queue    *messaging.Queue
	outbox   *messaging.Outbox
	parties  PartyStore
	roles    RoleStore
	registry roles.Registry
	source   Source
	tracker  Tracker
	interner *party.Interner
	flags    Flags
	log      *slog.Logger
}

type Config struct {
	Runner   *saga.Runner
	Pool     *pgxpool.Pool
	Queue    *messaging.Queue
	Outbox   *messaging.Outbox
	Parties  PartyStore
	Roles    RoleStore
	Registry roles.Registry
	Source   Source
	Tracker  Tracker
	Interner *party.Interner
	Flags    Flags
	Log      *slog.Logger
}

func NewImporter(cfg Config) *Importer {
	if cfg.Registry == nil {
		cfg.Registry = roles.DefaultRegistry()
	}
	if cfg.Interner == nil {
		cfg.Interner = party.NewInterner()
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	return &Importer{
		runner:   cfg.Runner,
		pool:     cfg.Pool,
		queue:    cfg.Queue,
		outbox:   cfg.Outbox,
		parties:  cfg.Parties,
		roles:    cfg.Roles,
		registry: cfg.Registry,
		source:   cfg.Source,
		tracker:  cfg.Tracker,
		interner: cfg.Interner,
		flags:    cfg.Flags,
		log:      cfg.Log,
	}
}

// Register wires the saga's command kinds into the consumer.
func (i *Importer) Register(c *messaging.Consumer) {
	c.Handle(KindStartByPartyID, decode(func(ctx context.Context, msg StartByPartyID) error {
		return saga.Start(ctx, i.runner, msg, initFromPartyStart, i.handleStartByPartyID)
	}))
	c.Handle(KindStartByUserProfile, decode(func(ctx context.Context, msg StartByUserProfile) error {
		return saga.Start(ctx, i.runner, msg, initFromProfileStart, i.handleStartByUserProfile)
	}))
	c.Handle(KindComplete, decode(func(ctx context.Context, msg CompleteImport) error {
		return saga.Continue(ctx, i.runner, msg, i.handleComplete)
	}))
	c.Handle(KindRetry, decode(func(ctx context.Context, msg RetryImport) error {
		return saga.Resume(ctx, i.runner, msg, i.handleRetry)
	}))
	c.Handle(KindUpsertUserRecord, decode(i.handleUpsertUserRecord))
}

// decode adapts a typed command handler to the queue's envelope handler.
func decode[M messaging.Command](h func(ctx context.Context, msg M) error) messaging.Handler {
	return func(ctx context.Context, env messaging.Envelope) error {
		var msg M
		if err := json.Unmarshal(env.Payload, &msg); err != nil {
			return fmt.Errorf("partyimport: decode %s: %w", env.Kind, err)
		}
		return h(ctx, msg)
	}
}

func initFromPartyStart(msg StartByPartyID) Data {
	return Data{PartyUUID: msg.PartyUUID, Tracking: msg.Tracking}
}

func initFromProfileStart(msg StartByUserProfile) Data {
	userID := msg.UserID
	return Data{PartyUUID: msg.OwnerPartyUUID, UserID: &userID, Tracking: msg.Tracking}
}

// handleUpsertUserRecord is the short-circuit path for inactive person
// profiles: attach the user association to the existing party without running
// the full import. A party the pipeline has never seen gets a skeleton row so
// the association survives until the party's own change arrives.
func (i *Importer) handleUpsertUserRecord(ctx context.Context, msg UpsertUserRecord) error {
	tx, err := i.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("partyimport: begin user upsert tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var ref party.Ref
	_, err = i.parties.AttachUser(ctx, tx, msg.PartyUUID, msg.User)
	switch {
	case errors.Is(err, party.ErrPartyNotFound):
		rec := party.Record{
			UUID: msg.PartyUUID,
			Type: party.TypePerson,
			User: party.Of(msg.User),
		}
		created, upsertErr := i.parties.Upsert(ctx, tx, rec)
		if upsertErr != nil {
			return upsertErr
		}
		ref = party.RefOf(created)
	case err != nil:
		return err
	default:
		attached, getErr := i.parties.GetByUUID(ctx, tx, msg.PartyUUID)
		if getErr != nil {
			return getErr
		}
		ref = party.RefOf(attached)
	}

	event := PartyUpdatedEvent{CorrelationID: msg.PartyUUID.String(), Party: ref}
	if err := i.outbox.Enqueue(ctx, tx, TopicPartyUpdated, event); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("partyimport: commit user upsert: %w", err)
	}
	return nil
}
