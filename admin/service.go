package admin

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

var (
	// ErrInvalidCredentials signals wrong email or password.
	ErrInvalidCredentials = errors.New("admin: invalid credentials")
	// ErrWeakPassword signals password doesn't meet requirements.
	ErrWeakPassword = errors.New("admin: password must be at least 8 characters")
	// ErrBadToken signals a token that failed verification for any reason.
	ErrBadToken = errors.New("admin: bad token")
)

// tokenTTL bounds how long an operator session stays valid before a fresh
// login is required.
const tokenTTL = 12 * time.Hour

// Service handles operator accounts and session tokens.
type Service struct {
	repo      Repository
	jwtSecret []byte
	now       func() time.Time
}

// Session identifies an authenticated operator, as carried by a verified
// token.
type Session struct {
	OperatorID uuid.UUID
	Role       Role
}

// LoginResult bundles the token and operator returned after a successful login.
type LoginResult struct {
	Token    string
	Operator Operator
}

func NewService(repo Repository, jwtSecret string) *Service {
	return &Service{
		repo:      repo,
		jwtSecret: []byte(jwtSecret),
		now:       time.Now,
	}
}

// Register creates a new operator account.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (*Operator, error) {
	if len(req.Password) < 8 {
		return nil, ErrWeakPassword
	}

	email := normalizeEmail(req.Email)
	fullName := strings.TrimSpace(req.FullName)
	if email == "" || fullName == "" {
		return nil, fmt.Errorf("admin: email and full_name are required")
	}

	role := Role(strings.TrimSpace(string(req.Role)))
	if role == "" {
		role = RoleOperator
	}
	if !isValidRole(role) {
		return nil, fmt.Errorf("admin: invalid role %q", role)
	}

	passwordHash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("admin: hash password: %w", err)
	}

	op, err := s.repo.CreateOperator(ctx, CreateOperatorParams{
		Email:        email,
		FullName:     fullName,
		PasswordHash: string(passwordHash),
		Role:         role,
	})
	if err != nil {
		return nil, err
	}
	return &op, nil
}

// Login authenticates an operator and mints a session token.
func (s *Service) Login(ctx context.Context, req LoginRequest) (LoginResult, error) {
	op, err := s.repo.GetOperatorByEmail(ctx, normalizeEmail(req.Email))
	if err != nil {
		if errors.Is(err, ErrOperatorNotFound) {
			return LoginResult{}, ErrInvalidCredentials
		}
		return LoginResult{}, err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(op.PasswordHash), []byte(req.Password)); err != nil {
		return LoginResult{}, ErrInvalidCredentials
	}

	token, err := s.mintToken(op)
	if err != nil {
		return LoginResult{}, fmt.Errorf("admin: mint token: %w", err)
	}
	return LoginResult{Token: token, Operator: op}, nil
}

// sessionClaims is the token payload: the operator id rides in the standard
// subject claim, the role in a private one.
type sessionClaims struct {
	Role Role `json:"role"`
	jwt.RegisteredClaims
}

// VerifyToken checks signature, expiry, and claim shape, and returns the
// session the token represents.
func (s *Service) VerifyToken(tokenString string) (Session, error) {
	var claims sessionClaims
	_, err := jwt.ParseWithClaims(tokenString, &claims,
		func(*jwt.Token) (any, error) { return s.jwtSecret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	)
	if err != nil {
		return Session{}, fmt.Errorf("%w: %v", ErrBadToken, err)
	}

	operatorID, err := uuid.Parse(claims.Subject)
	if err != nil {
		return Session{}, fmt.Errorf("%w: subject is not an operator id", ErrBadToken)
	}
	if !isValidRole(claims.Role) {
		return Session{}, fmt.Errorf("%w: unknown role %q", ErrBadToken, claims.Role)
	}
	return Session{OperatorID: operatorID, Role: claims.Role}, nil
}

func (s *Service) mintToken(op Operator) (string, error) {
	now := s.now()
	claims := sessionClaims{
		Role: op.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   op.ID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(tokenTTL)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.jwtSecret)
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func isValidRole(role Role) bool {
	switch role {
	case RoleOperator, RoleAdmin:
		return true
	default:
		return false
	}
}
