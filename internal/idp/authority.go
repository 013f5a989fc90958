package idp

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/isaquesgti/sinistro-simplify/internal/auth"
	"github.com/isaquesgti/sinistro-simplify/internal/obs"
)

var (
	ErrUserNotFound = errors.New("idp: user not found")
	ErrThrottled    = errors.New("idp: too many sign-in attempts")
)

// User is an identity known to the provider.
type User struct {
	ID           string
	Email        string
	PasswordHash string
}

// UserStore resolves users by e-mail address.
type UserStore interface {
	UserByEmail(ctx context.Context, email string) (User, error)
}

// Revocations records invalidated token ids until they would expire anyway.
type Revocations interface {
	Revoke(ctx context.Context, jti string, until time.Time) error
	Revoked(ctx context.Context, jti string) (bool, error)
}

// Authority verifies credentials and issues, validates and revokes sessions.
type Authority struct {
	users   UserStore
	signer  *Signer
	revoked Revocations
	log     *logrus.Entry

	throttleMu sync.Mutex
	throttle   *lru.Cache[string, *rate.Limiter]
	limit      rate.Limit
	burst      int

	mu      sync.Mutex
	clients map[*Client]struct{}
}

// AuthorityOption configures an Authority.
type AuthorityOption func(*Authority)

// WithRevocations replaces the in-memory revocation list.
func WithRevocations(r Revocations) AuthorityOption {
	return func(a *Authority) {
		if r != nil {
			a.revoked = r
		}
	}
}

// WithLoginThrottle sets the per-address sign-in rate.
func WithLoginThrottle(limit rate.Limit, burst int) AuthorityOption {
	return func(a *Authority) {
		a.limit = limit
		a.burst = burst
	}
}

// NewAuthority wires the user source and token signer.
func NewAuthority(users UserStore, signer *Signer, opts ...AuthorityOption) (*Authority, error) {
	if users == nil || signer == nil {
		return nil, errors.New("idp: users and signer are required")
	}
	cache, err := lru.New[string, *rate.Limiter](4096)
	if err != nil {
		return nil, err
	}
	a := &Authority{
		users:    users,
		signer:   signer,
		revoked:  NewMemoryRevocations(),
		log:      obs.Component("idp"),
		throttle: cache,
		limit:    rate.Every(6 * time.Second),
		burst:    5,
		clients:  make(map[*Client]struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// SignIn exchanges credentials for a session.
func (a *Authority) SignIn(ctx context.Context, email, password string) (*auth.Session, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || password == "" {
		return nil, auth.ErrInvalidCredentials
	}
	if !a.allow(email) {
		return nil, ErrThrottled
	}
	user, err := a.users.UserByEmail(ctx, email)
	if errors.Is(err, ErrUserNotFound) {
		burnCompare(password)
		return nil, auth.ErrInvalidCredentials
	}
	if err != nil {
		return nil, fmt.Errorf("idp: load user: %w", err)
	}
	if err := VerifyPassword(user.PasswordHash, password); err != nil {
		return nil, auth.ErrInvalidCredentials
	}
	return a.issue(user.ID, user.Email)
}

// Verify turns a token back into a session, rejecting revoked tokens.
func (a *Authority) Verify(ctx context.Context, token string) (*auth.Session, error) {
	claims, err := a.signer.Parse(token)
	if err != nil {
		return nil, err
	}
	revoked, err := a.revoked.Revoked(ctx, claims.ID)
	if err != nil {
		return nil, fmt.Errorf("idp: check revocation: %w", err)
	}
	if revoked {
		return nil, ErrInvalidToken
	}
	return sessionFromClaims(token, claims), nil
}

// Refresh replaces a valid token with a fresh one and revokes the old jti.
func (a *Authority) Refresh(ctx context.Context, token string) (*auth.Session, error) {
	claims, err := a.signer.Parse(token)
	if err != nil {
		return nil, err
	}
	if revoked, err := a.revoked.Revoked(ctx, claims.ID); err != nil {
		return nil, fmt.Errorf("idp: check revocation: %w", err)
	} else if revoked {
		return nil, ErrInvalidToken
	}
	next, err := a.issue(claims.Subject, claims.Email)
	if err != nil {
		return nil, err
	}
	if err := a.revoked.Revoke(ctx, claims.ID, claims.ExpiresAt.Time); err != nil {
		return nil, fmt.Errorf("idp: revoke previous token: %w", err)
	}
	return next, nil
}

// Invalidate revokes token. Tokens that no longer parse are already unusable.
func (a *Authority) Invalidate(ctx context.Context, token string) error {
	claims, err := a.signer.Parse(token)
	if err != nil {
		return nil
	}
	if err := a.revoked.Revoke(ctx, claims.ID, claims.ExpiresAt.Time); err != nil {
		return fmt.Errorf("idp: revoke token: %w", err)
	}
	return nil
}

// Revoke signs userID out of every connected client.
func (a *Authority) Revoke(ctx context.Context, userID string) int {
	a.mu.Lock()
	targets := make([]*Client, 0, len(a.clients))
	for c := range a.clients {
		targets = append(targets, c)
	}
	a.mu.Unlock()

	n := 0
	for _, c := range targets {
		if c.serverSignOut(ctx, userID) {
			n++
		}
	}
	a.log.WithFields(logrus.Fields{"user_id": userID, "clients": n}).Info("sessions revoked")
	return n
}

// NewClient returns a provider client attached to the authority.
func (a *Authority) NewClient() *Client {
	c := newClient(a)
	a.mu.Lock()
	a.clients[c] = struct{}{}
	a.mu.Unlock()
	return c
}

func (a *Authority) detach(c *Client) {
	a.mu.Lock()
	delete(a.clients, c)
	a.mu.Unlock()
}

func (a *Authority) issue(userID, email string) (*auth.Session, error) {
	token, claims, err := a.signer.Issue(userID, email)
	if err != nil {
		return nil, err
	}
	return sessionFromClaims(token, claims), nil
}

func (a *Authority) allow(email string) bool {
	a.throttleMu.Lock()
	defer a.throttleMu.Unlock()
	lim, ok := a.throttle.Get(email)
	if !ok {
		lim = rate.NewLimiter(a.limit, a.burst)
		a.throttle.Add(email, lim)
	}
	return lim.Allow()
}

func sessionFromClaims(token string, claims *Claims) *auth.Session {
	return &auth.Session{
		AccessToken: token,
		UserID:      claims.Subject,
		Email:       claims.Email,
		ExpiresAt:   claims.ExpiresAt.Time,
	}
}

// MemoryRevocations keeps revoked ids in process memory.
type MemoryRevocations struct {
	mu  sync.Mutex
	ids map[string]time.Time
}

func NewMemoryRevocations() *MemoryRevocations {
	return &MemoryRevocations{ids: make(map[string]time.Time)}
}

func (m *MemoryRevocations) Revoke(_ context.Context, jti string, until time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	for id, exp := range m.ids {
		if now.After(exp) {
			delete(m.ids, id)
		}
	}
	m.ids[jti] = until
	return nil
}

func (m *MemoryRevocations) Revoked(_ context.Context, jti string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.ids[jti]
	return ok, nil
}

const revocationKeyPrefix = "sinistro:revoked:"

// RedisRevocations shares the revocation list between replicas.
type RedisRevocations struct {
	client redis.Cmdable
}

func NewRedisRevocations(client redis.Cmdable) *RedisRevocations {
	return &RedisRevocations{client: client}
}

func (r *RedisRevocations) Revoke(ctx context.Context, jti string, until time.Time) error {
	ttl := time.Until(until)
	if ttl <= 0 {
		return nil
	}
	return r.client.Set(ctx, revocationKeyPrefix+jti, "1", ttl).Err()
}

func (r *RedisRevocations) Revoked(ctx context.Context, jti string) (bool, error) {
	n, err := r.client.Exists(ctx, revocationKeyPrefix+jti).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// MemoryUsers is a fixed user directory.
type MemoryUsers struct {
	mu    sync.RWMutex
	users map[string]User
}

func NewMemoryUsers(users ...User) *MemoryUsers {
	m := &MemoryUsers{users: make(map[string]User, len(users))}
	for _, u := range users {
		m.Put(u)
	}
	return m
}

func (m *MemoryUsers) Put(u User) {
	m.mu.Lock()
	m.users[strings.ToLower(strings.TrimSpace(u.Email))] = u
	m.mu.Unlock()
}

func (m *MemoryUsers) UserByEmail(_ context.Context, email string) (User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[strings.ToLower(strings.TrimSpace(email))]
	if !ok {
		return User{}, ErrUserNotFound
	}
	return u, nil
}
