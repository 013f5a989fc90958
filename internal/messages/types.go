package messages

import (
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/isaquesgti/sinistro-simplify/internal/auth"
)

// MaxTextLength bounds a message body in runes.
const MaxTextLength = 4000

// Message is one entry of a claim conversation. Only Read changes after creation.
type Message struct {
	ID        string    `json:"id"`
	ClaimID   string    `json:"claim_id"`
	SenderID  string    `json:"sender_id"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
	Read      bool      `json:"read"`
}

// Participants are the parties a claim conversation is visible to, besides admins.
type Participants struct {
	ClaimID   string `json:"claim_id"`
	ClientID  string `json:"client_id"`
	InsurerID string `json:"insurer_id,omitempty"`
}

// Viewer is the acting user.
type Viewer struct {
	UserID string
	Role   auth.Role
}

var (
	ErrNotFound     = errors.New("messages: claim not found")
	ErrForbidden    = errors.New("messages: not a participant of this claim")
	ErrEmptyText    = errors.New("messages: text is empty")
	ErrTextTooLong  = errors.New("messages: text too long")
	ErrInvalidClaim = errors.New("messages: claim id is required")
)

// CanAccess reports whether v may read and post on the claim.
func CanAccess(v Viewer, p Participants) bool {
	if v.UserID == "" {
		return false
	}
	if v.Role == auth.RoleAdmin {
		return true
	}
	return v.UserID == p.ClientID || (p.InsurerID != "" && v.UserID == p.InsurerID)
}

// NormalizeText trims text and enforces the length limits.
func NormalizeText(text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", ErrEmptyText
	}
	if utf8.RuneCountInString(text) > MaxTextLength {
		return "", ErrTextTooLong
	}
	return text, nil
}
