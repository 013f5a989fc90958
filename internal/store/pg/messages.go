package pg

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/isaquesgti/sinistro-simplify/internal/ids"
	"github.com/isaquesgti/sinistro-simplify/internal/messages"
)

// List returns a claim's conversation oldest first.
func (s *Store) List(ctx context.Context, claimID string) ([]messages.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		select id, claim_id, sender_id, text, timestamp, read
		from messages
		where claim_id=$1
		order by timestamp asc, id asc
	`, claimID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []messages.Message
	for rows.Next() {
		var m messages.Message
		if err := rows.Scan(&m.ID, &m.ClaimID, &m.SenderID, &m.Text, &m.Timestamp, &m.Read); err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

// Message loads one row by id. The insert notification carries only the key.
func (s *Store) Message(ctx context.Context, id string) (messages.Message, error) {
	var m messages.Message
	err := s.db.QueryRowContext(ctx, `
		select id, claim_id, sender_id, text, timestamp, read
		from messages
		where id=$1
	`, id).Scan(&m.ID, &m.ClaimID, &m.SenderID, &m.Text, &m.Timestamp, &m.Read)
	if errors.Is(err, sql.ErrNoRows) {
		return messages.Message{}, messages.ErrNotFound
	}
	if err != nil {
		return messages.Message{}, err
	}
	return m, nil
}

// Insert stores m. The messages_insert trigger notifies listeners on commit.
func (s *Store) Insert(ctx context.Context, m messages.Message) (messages.Message, error) {
	if strings.TrimSpace(m.ClaimID) == "" {
		return messages.Message{}, messages.ErrInvalidClaim
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now().UTC()
	}
	if m.ID == "" {
		m.ID = ids.At(m.Timestamp)
	}
	err := s.db.QueryRowContext(ctx, `
		insert into messages(id, claim_id, sender_id, text, timestamp, read)
		values ($1,$2,$3,$4,$5,false)
		returning read
	`, m.ID, m.ClaimID, m.SenderID, m.Text, m.Timestamp).Scan(&m.Read)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return messages.Message{}, ErrConflict
		}
		return messages.Message{}, err
	}
	return m, nil
}

// MarkRead flags the counterparty's unread messages.
func (s *Store) MarkRead(ctx context.Context, claimID, readerID string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		update messages set read = true
		where claim_id=$1 and sender_id <> $2 and read = false
	`, claimID, readerID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
