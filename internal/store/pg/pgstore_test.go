package pg

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/isaquesgti/sinistro-simplify/internal/auth"
	"github.com/isaquesgti/sinistro-simplify/internal/idp"
	"github.com/isaquesgti/sinistro-simplify/internal/messages"
	"github.com/isaquesgti/sinistro-simplify/internal/realtime"
)

func newMock(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() {
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unmet expectations: %v", err)
		}
		db.Close()
	})
	return New(db), mock
}

func TestProfile(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery(regexp.QuoteMeta("select id, role from profiles where id=$1 limit 1")).
		WithArgs("u1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "role"}).AddRow("u1", "insurer"))

	p, err := s.Profile(context.Background(), "u1")
	if err != nil {
		t.Fatalf("Profile: %v", err)
	}
	if p.ID != "u1" || p.Role != auth.RoleInsurer {
		t.Fatalf("unexpected profile %+v", p)
	}
}

func TestProfileMissing(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery("select id, role from profiles").
		WithArgs("ghost").
		WillReturnRows(sqlmock.NewRows([]string{"id", "role"}))

	if _, err := s.Profile(context.Background(), "ghost"); !errors.Is(err, auth.ErrProfileNotFound) {
		t.Fatalf("err = %v, want ErrProfileNotFound", err)
	}
}

func TestProfileFeedsResolver(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery("select id, role from profiles").
		WithArgs("u1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "role"}).AddRow("u1", "superuser"))

	_, err := auth.NewResolver(s, time.Second).Resolve(context.Background(), "u1")
	if !auth.IsLookupFailure(err) || !errors.Is(err, auth.ErrUnknownRole) {
		t.Fatalf("err = %v", err)
	}
}

func TestUserByEmail(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery("select id, email, password_hash from users").
		WithArgs("ana@example.com").
		WillReturnRows(sqlmock.NewRows([]string{"id", "email", "password_hash"}).AddRow("u1", "ana@example.com", "$2a$hash"))
	mock.ExpectQuery("select id, email, password_hash from users").
		WithArgs("nobody@example.com").
		WillReturnRows(sqlmock.NewRows([]string{"id", "email", "password_hash"}))

	u, err := s.UserByEmail(context.Background(), " Ana@Example.com ")
	if err != nil || u.ID != "u1" {
		t.Fatalf("UserByEmail = %+v, %v", u, err)
	}
	if _, err := s.UserByEmail(context.Background(), "nobody@example.com"); !errors.Is(err, idp.ErrUserNotFound) {
		t.Fatalf("err = %v", err)
	}
}

func TestCreateUserConflict(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectExec("insert into users").
		WithArgs("u1", "ana@example.com", "h").
		WillReturnError(&pgconn.PgError{Code: pgErrUniqueViolation})
	mock.ExpectRollback()

	err := s.CreateUser(context.Background(), idp.User{ID: "u1", Email: "ana@example.com", PasswordHash: "h"}, auth.RoleClient)
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("err = %v, want ErrConflict", err)
	}
}

func TestCreateUser(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectExec("insert into users").WithArgs("u1", "ana@example.com", "h").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("insert into profiles").WithArgs("u1", "admin").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	if err := s.CreateUser(context.Background(), idp.User{ID: "u1", Email: "ana@example.com", PasswordHash: "h"}, auth.RoleAdmin); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
}

func TestParticipants(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery("select id, client_id, coalesce").
		WithArgs("c1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "client_id", "insurer_id"}).AddRow("c1", "client-1", ""))
	mock.ExpectQuery("select id, client_id, coalesce").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"id", "client_id", "insurer_id"}))

	p, err := s.Participants(context.Background(), "c1")
	if err != nil || p.ClientID != "client-1" || p.InsurerID != "" {
		t.Fatalf("Participants = %+v, %v", p, err)
	}
	if _, err := s.Participants(context.Background(), "missing"); !errors.Is(err, messages.ErrNotFound) {
		t.Fatalf("err = %v", err)
	}
}

func TestMessagesList(t *testing.T) {
	s, mock := newMock(t)
	ts := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	mock.ExpectQuery("select id, claim_id, sender_id, text, timestamp, read\\s+from messages").
		WithArgs("c1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "claim_id", "sender_id", "text", "timestamp", "read"}).
			AddRow("m1", "c1", "a", "oi", ts, true).
			AddRow("m2", "c1", "b", "olá", ts.Add(time.Minute), false))

	list, err := s.List(context.Background(), "c1")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 2 || list[0].ID != "m1" || !list[0].Read || list[1].Text != "olá" {
		t.Fatalf("unexpected list %+v", list)
	}
}

func TestMessagesInsert(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery("insert into messages").
		WithArgs(sqlmock.AnyArg(), "c1", "a", "hello", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"read"}).AddRow(false))

	m, err := s.Insert(context.Background(), messages.Message{ClaimID: "c1", SenderID: "a", Text: "hello"})
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if m.ID == "" || m.Timestamp.IsZero() {
		t.Fatalf("id/timestamp not assigned: %+v", m)
	}
	if _, err := s.Insert(context.Background(), messages.Message{Text: "x"}); !errors.Is(err, messages.ErrInvalidClaim) {
		t.Fatalf("err = %v", err)
	}
}

func TestMessagesMarkRead(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectExec("update messages set read = true").
		WithArgs("c1", "reader").
		WillReturnResult(sqlmock.NewResult(0, 3))

	n, err := s.MarkRead(context.Background(), "c1", "reader")
	if err != nil || n != 3 {
		t.Fatalf("MarkRead = %d, %v", n, err)
	}
}

var _ realtime.MessageLoader = (*Store)(nil)

func TestMessageByID(t *testing.T) {
	s, mock := newMock(t)
	ts := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	// A full-length multibyte text is loaded from the row, never carried in
	// the notification payload.
	long := strings.Repeat("é", messages.MaxTextLength)
	mock.ExpectQuery("select id, claim_id, sender_id, text, timestamp, read\\s+from messages\\s+where id=\\$1").
		WithArgs("m1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "claim_id", "sender_id", "text", "timestamp", "read"}).
			AddRow("m1", "c1", "a", long, ts, false))
	mock.ExpectQuery("where id=\\$1").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"id", "claim_id", "sender_id", "text", "timestamp", "read"}))

	m, err := s.Message(context.Background(), "m1")
	if err != nil {
		t.Fatalf("Message: %v", err)
	}
	if m.ClaimID != "c1" || m.Text != long || !m.Timestamp.Equal(ts) {
		t.Fatalf("unexpected message %+v", m)
	}
	if _, err := s.Message(context.Background(), "missing"); !errors.Is(err, messages.ErrNotFound) {
		t.Fatalf("err = %v", err)
	}
}
