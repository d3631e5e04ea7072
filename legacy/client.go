// Package legacy talks to the legacy registry's paginated HTTP API: the
// change feed, party and user-profile lookups, and the external role sources.
package legacy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"

	"partyregistry/changefeed"
)

var (
	// ErrGone signals the upstream record no longer exists. This is an
	// expected terminal outcome for records deleted upstream, not an error
	// condition for the import.
	ErrGone = errors.New("legacy: gone")
)

// Client is an HTTP client for the legacy registry. Every call attaches a
// bearer token from the token source.
type Client struct {
	baseURL  string
	http     *http.Client
	tokens   *TokenSource
	pageSize int
}

func NewClient(baseURL string, tokens *TokenSource) *Client {
	return &Client{
		baseURL:  baseURL,
		http:     &http.Client{Timeout: 30 * time.Second},
		tokens:   tokens,
		pageSize: 1000,
	}
}

// WithHTTPClient overrides the underlying HTTP client, mainly for tests.
func (c *Client) WithHTTPClient(h *http.Client) *Client {
	c.http = h
	return c
}

type changePageDTO struct {
	Items []struct {
		ChangeID  uint64    `json:"change_id"`
		PartyUUID uuid.UUID `json:"party_uuid"`
		ChangedAt time.Time `json:"changed_at"`
	} `json:"items"`
	LastKnownChangeID uint64 `json:"last_known_change_id"`
}

// FetchChanges performs one change-feed fetch. Implements changefeed.Source.
func (c *Client) FetchChanges(ctx context.Context, fromExclusive uint64) (changefeed.Page, error) {
	q := url.Values{}
	q.Set("from", strconv.FormatUint(fromExclusive, 10))
	q.Set("size", strconv.Itoa(c.pageSize))

	var dto changePageDTO
	if err := c.get(ctx, "/registry/changes", q, &dto); err != nil {
		return changefeed.Page{}, err
	}

	page := changefeed.Page{LastKnownChangeID: dto.LastKnownChangeID}
	for _, item := range dto.Items {
		page.Items = append(page.Items, changefeed.Record{
			ChangeID:  item.ChangeID,
			PartyUUID: item.PartyUUID,
			ChangedAt: item.ChangedAt,
		})
	}
	return page, nil
}

// Party is the upstream wire shape of a party record.
type Party struct {
	PartyUUID              uuid.UUID  `json:"party_uuid"`
	PartyID                *int64     `json:"party_id"`
	PartyType              string     `json:"party_type"`
	DisplayName            *string    `json:"display_name"`
	PersonIdentifier       *string    `json:"person_identifier"`
	OrganizationIdentifier *string    `json:"organization_identifier"`
	FirstName              *string    `json:"first_name"`
	MiddleName             *string    `json:"middle_name"`
	LastName               *string    `json:"last_name"`
	DateOfBirth            *string    `json:"date_of_birth"`
	UnitType               *string    `json:"unit_type"`
	UnitStatus             *string    `json:"unit_status"`
	LanguageCode           *string    `json:"language_code"`
	IsDeleted              bool       `json:"is_deleted"`
	DeletedAt              *time.Time `json:"deleted_at"`
	CreatedAt              time.Time  `json:"created_at"`
	ModifiedAt             time.Time  `json:"modified_at"`
	UserID                 *int64     `json:"user_id"`
	UserName               *string    `json:"user_name"`
}

// GetParty fetches one party by uuid. Returns ErrGone when the upstream
// reports the record deleted or unknown.
func (c *Client) GetParty(ctx context.Context, partyUUID uuid.UUID) (Party, error) {
	var p Party
	if err := c.get(ctx, "/registry/parties/"+partyUUID.String(), nil, &p); err != nil {
		return Party{}, err
	}
	return p, nil
}

// ProfileKind discriminates user profile variants.
type ProfileKind string

const (
	ProfilePerson         ProfileKind = "person"
	ProfileSelfIdentified ProfileKind = "self-identified"
	ProfileEnterprise     ProfileKind = "enterprise"
)

// Profile is the upstream wire shape of a user profile.
type Profile struct {
	UserID           int64       `json:"user_id"`
	UserName         string      `json:"user_name"`
	Kind             ProfileKind `json:"profile_type"`
	IsActive         bool        `json:"is_active"`
	PartyUUID        uuid.UUID   `json:"party_uuid"`
	PersonIdentifier *string     `json:"person_identifier"`
	DisplayName      *string     `json:"display_name"`
	LanguageCode     *string     `json:"language_code"`
}

// GetUserProfile fetches one user profile. Returns ErrGone for deleted or
// unknown users.
func (c *Client) GetUserProfile(ctx context.Context, userID int64) (Profile, error) {
	var p Profile
	if err := c.get(ctx, "/registry/profiles/"+strconv.FormatInt(userID, 10), nil, &p); err != nil {
		return Profile{}, err
	}
	return p, nil
}

type userDTO struct {
	UserID   int64  `json:"user_id"`
	UserName string `json:"user_name"`
}

// GetPersonUser resolves the user identity attached to a person identifier.
// Returns ErrGone when the person has no user.
func (c *Client) GetPersonUser(ctx context.Context, personIdentifier string) (int64, string, error) {
	q := url.Values{}
	q.Set("person", personIdentifier)
	var dto userDTO
	if err := c.get(ctx, "/registry/users/person", q, &dto); err != nil {
		return 0, "", err
	}
	return dto.UserID, dto.UserName, nil
}

// GetNamedUser resolves a self-identified or enterprise user by username.
func (c *Client) GetNamedUser(ctx context.Context, userName string) (int64, string, error) {
	q := url.Values{}
	q.Set("username", userName)
	var dto userDTO
	if err := c.get(ctx, "/registry/users/named", q, &dto); err != nil {
		return 0, "", err
	}
	return dto.UserID, dto.UserName, nil
}

// CCRRole is one upstream role assertion from the central coordinating
// register, keyed by the upstream role code, not the internal identifier.
type CCRRole struct {
	RoleCode string    `json:"role_code"`
	ToParty  uuid.UUID `json:"to_party"`
}

// GetCCRRoles lists the CCR roles held from an organization. A missing
// organization yields ErrGone.
func (c *Client) GetCCRRoles(ctx context.Context, orgIdentifier string) ([]CCRRole, error) {
	q := url.Values{}
	q.Set("org", orgIdentifier)
	var dto struct {
		Roles []CCRRole `json:"roles"`
	}
	if err := c.get(ctx, "/registry/ccr/roles", q, &dto); err != nil {
		return nil, err
	}
	return dto.Roles, nil
}

// Guardianship is one upstream guardianship assertion for a person.
type Guardianship struct {
	GuardianPersonIdentifier string `json:"guardian_person_identifier"`
}

// GetGuardianships lists guardianships for a person identifier. A person
// unknown to the guardianship register yields ErrGone, which callers treat
// as an empty set.
func (c *Client) GetGuardianships(ctx context.Context, personIdentifier string) ([]Guardianship, error) {
	q := url.Values{}
	q.Set("person", personIdentifier)
	var dto struct {
		Guardianships []Guardianship `json:"guardianships"`
	}
	if err := c.get(ctx, "/registry/guardianships", q, &dto); err != nil {
		return nil, err
	}
	return dto.Guardianships, nil
}

func (c *Client) get(ctx context.Context, path string, query url.Values, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("legacy: build request %s: %w", path, err)
	}
	token, err := c.tokens.Bearer()
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("legacy: %s: %w", path, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusNotFound, resp.StatusCode == http.StatusGone:
		return fmt.Errorf("%w: %s", ErrGone, path)
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("legacy: %s returned %d: %s", path, resp.StatusCode, body)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("legacy: decode %s response: %w", path, err)
	}
	return nil
}
