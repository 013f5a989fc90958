package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

const defaultLookupTimeout = 5 * time.Second

// Resolver maps a session's user id to its role through the profile store.
type Resolver struct {
	profiles ProfileStore
	timeout  time.Duration
}

// NewResolver wraps profiles with a per-lookup timeout (defaults to 5s when timeout <= 0).
func NewResolver(profiles ProfileStore, timeout time.Duration) *Resolver {
	if timeout <= 0 {
		timeout = defaultLookupTimeout
	}
	return &Resolver{profiles: profiles, timeout: timeout}
}

// Resolve looks up the profile for userID. Every failure, including a missing
// row or an unrecognised role, is reported as ErrProfileLookup; no default role
// is ever returned.
func (r *Resolver) Resolve(ctx context.Context, userID string) (Profile, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return Profile{}, fmt.Errorf("%w: %w", ErrProfileLookup, ErrInvalidInput)
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	p, err := r.profiles.Profile(ctx, userID)
	if err != nil {
		return Profile{}, fmt.Errorf("%w: %w", ErrProfileLookup, err)
	}
	if p.ID != "" && p.ID != userID {
		return Profile{}, fmt.Errorf("%w: profile %s returned for user %s", ErrProfileLookup, p.ID, userID)
	}
	role, err := ParseRole(string(p.Role))
	if err != nil {
		return Profile{}, fmt.Errorf("%w: %w", ErrProfileLookup, err)
	}
	return Profile{ID: userID, Role: role}, nil
}

// IsLookupFailure reports whether err came from a failed role lookup.
func IsLookupFailure(err error) bool {
	return errors.Is(err, ErrProfileLookup)
}
