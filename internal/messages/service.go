package messages

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/isaquesgti/sinistro-simplify/internal/ids"
)

// Store persists claim messages.
type Store interface {
	// List returns the claim's messages ordered by timestamp ascending.
	List(ctx context.Context, claimID string) ([]Message, error)
	// Insert assigns ID and Timestamp when empty and returns the stored row.
	Insert(ctx context.Context, m Message) (Message, error)
	// MarkRead flags messages not sent by readerID as read and returns how many changed.
	MarkRead(ctx context.Context, claimID, readerID string) (int64, error)
}

// ClaimDirectory resolves who may see a claim conversation.
type ClaimDirectory interface {
	Participants(ctx context.Context, claimID string) (Participants, error)
}

// Service applies access rules on top of a Store.
type Service struct {
	store  Store
	claims ClaimDirectory
}

func NewService(store Store, claims ClaimDirectory) *Service {
	return &Service{store: store, claims: claims}
}

// Store exposes the underlying store for realtime channels.
func (s *Service) Store() Store { return s.store }

// Authorize returns ErrNotFound, ErrForbidden or nil.
func (s *Service) Authorize(ctx context.Context, claimID string, v Viewer) error {
	claimID = strings.TrimSpace(claimID)
	if claimID == "" {
		return ErrInvalidClaim
	}
	p, err := s.claims.Participants(ctx, claimID)
	if err != nil {
		return err
	}
	if !CanAccess(v, p) {
		return ErrForbidden
	}
	return nil
}

func (s *Service) List(ctx context.Context, claimID string, v Viewer) ([]Message, error) {
	if err := s.Authorize(ctx, claimID, v); err != nil {
		return nil, err
	}
	return s.store.List(ctx, claimID)
}

// Send validates and stores a message from v. Delivery to open views happens
// through the realtime path only.
func (s *Service) Send(ctx context.Context, claimID string, v Viewer, text string) (Message, error) {
	text, err := NormalizeText(text)
	if err != nil {
		return Message{}, err
	}
	if err := s.Authorize(ctx, claimID, v); err != nil {
		return Message{}, err
	}
	return s.store.Insert(ctx, Message{ClaimID: claimID, SenderID: v.UserID, Text: text})
}

// InMemory implements Store and ClaimDirectory in process memory.
type InMemory struct {
	mu       sync.RWMutex
	byClaim  map[string][]Message
	claims   map[string]Participants
	onInsert func(Message)
	now      func() time.Time
}

// NewInMemory creates an empty store. onInsert, when set, is called after every
// committed insert outside the lock.
func NewInMemory(onInsert func(Message)) *InMemory {
	return &InMemory{
		byClaim:  make(map[string][]Message),
		claims:   make(map[string]Participants),
		onInsert: onInsert,
		now:      time.Now,
	}
}

// PutClaim registers claim participants.
func (s *InMemory) PutClaim(p Participants) {
	s.mu.Lock()
	s.claims[p.ClaimID] = p
	s.mu.Unlock()
}

func (s *InMemory) Participants(_ context.Context, claimID string) (Participants, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.claims[claimID]
	if !ok {
		return Participants{}, ErrNotFound
	}
	return p, nil
}

func (s *InMemory) List(_ context.Context, claimID string) ([]Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	src := s.byClaim[claimID]
	out := make([]Message, len(src))
	copy(out, src)
	return out, nil
}

func (s *InMemory) Insert(_ context.Context, m Message) (Message, error) {
	if strings.TrimSpace(m.ClaimID) == "" {
		return Message{}, ErrInvalidClaim
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = s.now().UTC()
	}
	if m.ID == "" {
		m.ID = ids.At(m.Timestamp)
	}
	m.Read = false

	s.mu.Lock()
	list := append(s.byClaim[m.ClaimID], m)
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].Timestamp.Equal(list[j].Timestamp) {
			return list[i].ID < list[j].ID
		}
		return list[i].Timestamp.Before(list[j].Timestamp)
	})
	s.byClaim[m.ClaimID] = list
	hook := s.onInsert
	s.mu.Unlock()

	if hook != nil {
		hook(m)
	}
	return m, nil
}

func (s *InMemory) MarkRead(_ context.Context, claimID, readerID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	list := s.byClaim[claimID]
	for i := range list {
		if !list[i].Read && list[i].SenderID != readerID {
			list[i].Read = true
			n++
		}
	}
	return n, nil
}
