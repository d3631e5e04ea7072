// Package admin is the operator-facing surface: operator accounts, login,
// and the remediation endpoints for stuck imports.
package admin

import (
	"time"

	"github.com/google/uuid"
)

type Role string

const (
	RoleOperator Role = "operator"
	RoleAdmin    Role = "admin"
)

// Operator is the domain representation of an operator account. It mirrors
// the operators table and carries no JSON annotations so it can be reused by
// different presentation layers.
type Operator struct {
	ID           uuid.UUID
	Email        string
	FullName     string
	PasswordHash string
	Role         Role
	CreatedAt    time.Time
}

// RegisterRequest contains operator registration data supplied by callers.
type RegisterRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	FullName string `json:"full_name"`
	Role     Role   `json:"role"`
}

// LoginRequest contains operator login credentials.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}
