package auth

import (
	"strings"
	"time"
)

// Role determines which gated views a session may access.
type Role string

const (
	RoleClient  Role = "client"
	RoleInsurer Role = "insurer"
	RoleAdmin   Role = "admin"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleClient, RoleInsurer, RoleAdmin:
		return true
	}
	return false
}

// ParseRole normalizes raw and rejects anything outside the known roles.
func ParseRole(raw string) (Role, error) {
	role := Role(strings.TrimSpace(strings.ToLower(raw)))
	if !role.Valid() {
		return "", ErrUnknownRole
	}
	return role, nil
}

// Session is the cached copy of the identity provider's session.
// Manual sessions are synthesized by the developer role path and carry no token.
type Session struct {
	AccessToken string
	UserID      string
	Email       string
	ExpiresAt   time.Time
	Manual      bool
}

func (s *Session) clone() *Session {
	if s == nil {
		return nil
	}
	out := *s
	return &out
}

// Profile maps a user id to its authorization role.
type Profile struct {
	ID   string
	Role Role
}

// Credentials are exchanged with the identity provider on login.
type Credentials struct {
	Email    string
	Password string
}

// EventKind names an identity provider state-change notification.
type EventKind string

const (
	EventInitialSession EventKind = "INITIAL_SESSION"
	EventSignedIn       EventKind = "SIGNED_IN"
	EventTokenRefreshed EventKind = "TOKEN_REFRESHED"
	EventSignedOut      EventKind = "SIGNED_OUT"
)
