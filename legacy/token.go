package legacy

import (
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenSource mints short-lived HS256 bearer tokens for the legacy registry's
// machine-to-machine API and caches them until close to expiry.
type TokenSource struct {
	clientID string
	secret   []byte
	ttl      time.Duration
	now      func() time.Time

	mu      sync.Mutex
	token   string
	expires time.Time
}

func NewTokenSource(clientID, secret string, ttl time.Duration) *TokenSource {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &TokenSource{
		clientID: clientID,
		secret:   []byte(secret),
		ttl:      ttl,
		now:      time.Now,
	}
}

// Bearer returns a valid token, minting a fresh one when the cached token is
// within 30 seconds of expiry.
func (s *TokenSource) Bearer() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if s.token != "" && now.Before(s.expires.Add(-30*time.Second)) {
		return s.token, nil
	}

	expires := now.Add(s.ttl)
	claims := jwt.MapClaims{
		"iss":   s.clientID,
		"scope": "registry:import",
		"iat":   now.Unix(),
		"exp":   expires.Unix(),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("legacy: sign bearer token: %w", err)
	}

	s.token = token
	s.expires = expires
	return token, nil
}
