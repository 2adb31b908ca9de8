package tokens

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken indicates the access token could not be decoded.
var ErrInvalidToken = errors.New("tokens: invalid token")

// Role is the coarse-grained console role carried in the access token.
// The decoded role is a UI hint only: the server independently authorizes
// every request by its own signature verification, never trusting a role the
// client read out of the token.
type Role string

const (
	RoleNone    Role = ""
	RoleAdmin   Role = "admin"
	RoleOfficer Role = "officer"
	RoleViewer  Role = "viewer"
)

// Known reports whether the role is one of the three console roles.
func (r Role) Known() bool {
	switch r {
	case RoleAdmin, RoleOfficer, RoleViewer:
		return true
	}
	return false
}

// ParseRole normalizes a raw role claim.
func ParseRole(s string) Role {
	return Role(strings.TrimSpace(strings.ToLower(s)))
}

// Claims are the access-token claims the client reads to derive UI state.
type Claims struct {
	Subject   string
	Role      Role
	ExpiresAt time.Time
}

// Expired reports whether the token is no longer valid at the given instant.
func (c *Claims) Expired(now time.Time) bool {
	return !c.ExpiresAt.After(now)
}

type rawClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// Decode parses the access token claims without verifying the signature.
// Signature verification is the server's job; a token the client cannot
// decode is handled the same way as an expired one.
func Decode(access string) (*Claims, error) {
	access = strings.TrimSpace(access)
	if access == "" {
		return nil, ErrInvalidToken
	}
	var raw rawClaims
	if _, _, err := jwt.NewParser().ParseUnverified(access, &raw); err != nil {
		return nil, ErrInvalidToken
	}
	if raw.ExpiresAt == nil {
		return nil, ErrInvalidToken
	}
	return &Claims{
		Subject:   strings.TrimSpace(raw.Subject),
		Role:      ParseRole(raw.Role),
		ExpiresAt: raw.ExpiresAt.Time,
	}, nil
}
