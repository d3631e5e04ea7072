package admin

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestService_RegisterAndLogin(t *testing.T) {
	repo := newFakeRepository()
	svc := NewService(repo, "registry-session-secret")

	req := RegisterRequest{
		Email:    "Solveig.Vakt@Registry.example ",
		Password: "langt-nok-passord",
		FullName: "Solveig Vakt",
	}

	ctx := context.Background()
	op, err := svc.Register(ctx, req)
	if err != nil {
		t.Fatalf("register: unexpected error: %v", err)
	}

	// Emails are normalized on the way in.
	if op.Email != "solveig.vakt@registry.example" {
		t.Fatalf("stored email %q", op.Email)
	}
	if op.Role != RoleOperator {
		t.Fatalf("register: expected default role %s got %s", RoleOperator, op.Role)
	}

	resp, err := svc.Login(ctx, LoginRequest{Email: "solveig.vakt@registry.example", Password: req.Password})
	if err != nil {
		t.Fatalf("login: unexpected error: %v", err)
	}
	if resp.Token == "" {
		t.Fatal("login: expected token, got empty string")
	}
	if resp.Operator.ID != op.ID {
		t.Fatalf("login: expected operator id %q got %q", op.ID, resp.Operator.ID)
	}

	sess, err := svc.VerifyToken(resp.Token)
	if err != nil {
		t.Fatalf("verify token: %v", err)
	}
	if sess.OperatorID != op.ID {
		t.Fatalf("verify token: expected %q got %q", op.ID, sess.OperatorID)
	}
	if sess.Role != RoleOperator {
		t.Fatalf("verify token: expected role %s got %s", RoleOperator, sess.Role)
	}
}

func TestService_RegisterValidation(t *testing.T) {
	repo := newFakeRepository()
	svc := NewService(repo, "registry-session-secret")

	_, err := svc.Register(context.Background(), RegisterRequest{
		Email:    "solveig.vakt@registry.example",
		Password: "kort",
		FullName: "Solveig Vakt",
	})
	if !errors.Is(err, ErrWeakPassword) {
		t.Fatalf("expected ErrWeakPassword, got %v", err)
	}

	if _, err := svc.Register(context.Background(), RegisterRequest{
		Email:    "   ",
		Password: "langt-nok-passord",
		FullName: "",
	}); err == nil {
		t.Fatal("expected validation error for missing fields")
	}

	if _, err := svc.Register(context.Background(), RegisterRequest{
		Email:    "solveig.vakt@registry.example",
		Password: "langt-nok-passord",
		FullName: "Solveig Vakt",
		Role:     Role("superuser"),
	}); err == nil {
		t.Fatal("expected validation error for unknown role")
	}
}

func TestService_DuplicateEmail(t *testing.T) {
	repo := newFakeRepository()
	svc := NewService(repo, "registry-session-secret")

	req := RegisterRequest{
		Email:    "solveig.vakt@registry.example",
		Password: "langt-nok-passord",
		FullName: "Solveig Vakt",
	}
	if _, err := svc.Register(context.Background(), req); err != nil {
		t.Fatalf("first register failed: %v", err)
	}

	// Same address with different casing collides after normalization.
	req.Email = "SOLVEIG.VAKT@registry.example"
	if _, err := svc.Register(context.Background(), req); !errors.Is(err, ErrDuplicateEmail) {
		t.Fatalf("expected ErrDuplicateEmail, got %v", err)
	}
}

func TestService_LoginInvalidCredentials(t *testing.T) {
	repo := newFakeRepository()
	svc := NewService(repo, "registry-session-secret")

	_, err := svc.Login(context.Background(), LoginRequest{
		Email:    "ukjent@registry.example",
		Password: "irrelevant",
	})
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
}

func TestService_ExpiredTokenRejected(t *testing.T) {
	repo := newFakeRepository()
	svc := NewService(repo, "registry-session-secret")
	svc.now = func() time.Time { return time.Now().Add(-2 * tokenTTL) }

	if _, err := svc.Register(context.Background(), RegisterRequest{
		Email:    "solveig.vakt@registry.example",
		Password: "langt-nok-passord",
		FullName: "Solveig Vakt",
	}); err != nil {
		t.Fatalf("register: %v", err)
	}

	resp, err := svc.Login(context.Background(), LoginRequest{Email: "solveig.vakt@registry.example", Password: "langt-nok-passord"})
	if err != nil {
		t.Fatalf("login: %v", err)
	}

	if _, err := svc.VerifyToken(resp.Token); !errors.Is(err, ErrBadToken) {
		t.Fatalf("expected expired token to be rejected, got %v", err)
	}
}

func TestService_TokenSignedElsewhereRejected(t *testing.T) {
	repo := newFakeRepository()
	minting := NewService(repo, "attacker-controlled-secret")
	verifying := NewService(repo, "registry-session-secret")

	if _, err := minting.Register(context.Background(), RegisterRequest{
		Email:    "solveig.vakt@registry.example",
		Password: "langt-nok-passord",
		FullName: "Solveig Vakt",
	}); err != nil {
		t.Fatalf("register: %v", err)
	}
	resp, err := minting.Login(context.Background(), LoginRequest{Email: "solveig.vakt@registry.example", Password: "langt-nok-passord"})
	if err != nil {
		t.Fatalf("login: %v", err)
	}

	if _, err := verifying.VerifyToken(resp.Token); !errors.Is(err, ErrBadToken) {
		t.Fatalf("expected foreign signature to be rejected, got %v", err)
	}
}

type fakeRepository struct {
	byEmail map[string]Operator
}

func newFakeRepository() *fakeRepository {
	return &fakeRepository{byEmail: make(map[string]Operator)}
}

func (f *fakeRepository) CreateOperator(ctx context.Context, params CreateOperatorParams) (Operator, error) {
	key := strings.ToLower(params.Email)
	if _, exists := f.byEmail[key]; exists {
		return Operator{}, ErrDuplicateEmail
	}

	role := params.Role
	if role == "" {
		role = RoleOperator
	}
	op := Operator{
		ID:           uuid.New(),
		Email:        params.Email,
		FullName:     params.FullName,
		PasswordHash: params.PasswordHash,
		Role:         role,
		CreatedAt:    time.Now().UTC(),
	}
	f.byEmail[key] = op
	return op, nil
}

func (f *fakeRepository) GetOperatorByEmail(ctx context.Context, email string) (Operator, error) {
	op, ok := f.byEmail[strings.ToLower(email)]
	if !ok {
		return Operator{}, ErrOperatorNotFound
	}
	return op, nil
}
