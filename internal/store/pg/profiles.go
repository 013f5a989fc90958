package pg

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/isaquesgti/sinistro-simplify/internal/auth"
	"github.com/isaquesgti/sinistro-simplify/internal/idp"
	"github.com/isaquesgti/sinistro-simplify/internal/messages"
)

// Profile reads the zero-or-one profile row for userID. The role is returned
// as stored; the resolver rejects unknown values.
func (s *Store) Profile(ctx context.Context, userID string) (auth.Profile, error) {
	var p auth.Profile
	var role string
	err := s.db.QueryRowContext(ctx,
		`select id, role from profiles where id=$1 limit 1`, userID,
	).Scan(&p.ID, &role)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.Profile{}, auth.ErrProfileNotFound
	}
	if err != nil {
		return auth.Profile{}, err
	}
	p.Role = auth.Role(role)
	return p, nil
}

// UserByEmail loads credentials for sign-in.
func (s *Store) UserByEmail(ctx context.Context, email string) (idp.User, error) {
	var u idp.User
	err := s.db.QueryRowContext(ctx,
		`select id, email, password_hash from users where email=$1`,
		strings.ToLower(strings.TrimSpace(email)),
	).Scan(&u.ID, &u.Email, &u.PasswordHash)
	if errors.Is(err, sql.ErrNoRows) {
		return idp.User{}, idp.ErrUserNotFound
	}
	if err != nil {
		return idp.User{}, err
	}
	return u, nil
}

// CreateUser provisions a user and its profile in one transaction.
func (s *Store) CreateUser(ctx context.Context, u idp.User, role auth.Role) error {
	if !role.Valid() {
		return auth.ErrUnknownRole
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`insert into users(id, email, password_hash) values($1,$2,$3)`,
		u.ID, strings.ToLower(strings.TrimSpace(u.Email)), u.PasswordHash,
	); err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return ErrConflict
		}
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`insert into profiles(id, role) values($1,$2)`, u.ID, string(role),
	); err != nil {
		return err
	}
	return tx.Commit()
}

// Participants returns the client and insurer bound to a claim.
func (s *Store) Participants(ctx context.Context, claimID string) (messages.Participants, error) {
	var p messages.Participants
	err := s.db.QueryRowContext(ctx,
		`select id, client_id, coalesce(insurer_id, '') from claims where id=$1`, claimID,
	).Scan(&p.ClaimID, &p.ClientID, &p.InsurerID)
	if errors.Is(err, sql.ErrNoRows) {
		return messages.Participants{}, messages.ErrNotFound
	}
	if err != nil {
		return messages.Participants{}, err
	}
	return p, nil
}
