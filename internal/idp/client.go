package idp

import (
	"context"
	"sync"
	"time"

	"github.com/isaquesgti/sinistro-simplify/internal/auth"
)

var _ auth.Provider = (*Client)(nil)

// Client is one visitor's connection to the Authority. It holds at most one
// session and reports every change to registered listeners in the order the
// changes happened.
type Client struct {
	authority *Authority

	// dispatch serializes a mutation together with the delivery of its event.
	dispatch sync.Mutex

	mu        sync.Mutex
	session   *auth.Session
	listeners map[int]func(auth.EventKind, *auth.Session)
	next      int
	closed    bool
}

func newClient(a *Authority) *Client {
	return &Client{authority: a, listeners: make(map[int]func(auth.EventKind, *auth.Session))}
}

// Restore seeds the client with a previously issued token, as a browser does
// with its persisted session. Invalid or revoked tokens leave it signed out.
func (c *Client) Restore(ctx context.Context, token string) bool {
	if token == "" {
		return false
	}
	sess, err := c.authority.Verify(ctx, token)
	if err != nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.session = sess
	return true
}

// Token returns the current access token, or "" when signed out.
func (c *Client) Token() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return ""
	}
	return c.session.AccessToken
}

// GetSession returns the current session. An expired session reads as none.
func (c *Client) GetSession(context.Context) (*auth.Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil || time.Now().After(c.session.ExpiresAt) {
		return nil, nil
	}
	out := *c.session
	return &out, nil
}

type subscription struct {
	c    *Client
	id   int
	once sync.Once
}

func (s *subscription) Unsubscribe() {
	s.once.Do(func() {
		s.c.mu.Lock()
		delete(s.c.listeners, s.id)
		s.c.mu.Unlock()
	})
}

// OnAuthStateChange registers fn and immediately reports INITIAL_SESSION to it.
func (c *Client) OnAuthStateChange(fn func(auth.EventKind, *auth.Session)) auth.Subscription {
	c.dispatch.Lock()
	defer c.dispatch.Unlock()

	c.mu.Lock()
	id := c.next
	c.next++
	c.listeners[id] = fn
	var sess *auth.Session
	if c.session != nil && time.Now().Before(c.session.ExpiresAt) {
		cp := *c.session
		sess = &cp
	}
	c.mu.Unlock()

	fn(auth.EventInitialSession, sess)
	return &subscription{c: c, id: id}
}

// SignInWithPassword replaces any current session with a new one.
func (c *Client) SignInWithPassword(ctx context.Context, email, password string) (*auth.Session, error) {
	sess, err := c.authority.SignIn(ctx, email, password)
	if err != nil {
		return nil, err
	}
	c.dispatch.Lock()
	defer c.dispatch.Unlock()
	if !c.set(sess) {
		return nil, auth.ErrClosed
	}
	c.emit(auth.EventSignedIn, sess)
	out := *sess
	return &out, nil
}

// RefreshSession rotates the token of the current session.
func (c *Client) RefreshSession(ctx context.Context) error {
	token := c.Token()
	if token == "" {
		return nil
	}
	sess, err := c.authority.Refresh(ctx, token)
	if err != nil {
		return err
	}
	c.dispatch.Lock()
	defer c.dispatch.Unlock()
	c.mu.Lock()
	stale := c.session == nil || c.session.AccessToken != token
	c.mu.Unlock()
	if stale {
		return nil
	}
	if !c.set(sess) {
		return auth.ErrClosed
	}
	c.emit(auth.EventTokenRefreshed, sess)
	return nil
}

// SignOut revokes the current token. The local session is cleared only after
// the revocation succeeded.
func (c *Client) SignOut(ctx context.Context) error {
	if token := c.Token(); token != "" {
		if err := c.authority.Invalidate(ctx, token); err != nil {
			return err
		}
	}
	c.dispatch.Lock()
	defer c.dispatch.Unlock()
	c.set(nil)
	c.emit(auth.EventSignedOut, nil)
	return nil
}

// Close detaches the client from the authority and drops all listeners.
func (c *Client) Close() {
	c.authority.detach(c)
	c.mu.Lock()
	c.closed = true
	c.session = nil
	c.listeners = make(map[int]func(auth.EventKind, *auth.Session))
	c.mu.Unlock()
}

func (c *Client) serverSignOut(ctx context.Context, userID string) bool {
	c.dispatch.Lock()
	defer c.dispatch.Unlock()
	c.mu.Lock()
	sess := c.session
	if sess == nil || sess.UserID != userID {
		c.mu.Unlock()
		return false
	}
	c.session = nil
	c.mu.Unlock()

	if err := c.authority.Invalidate(ctx, sess.AccessToken); err != nil {
		c.authority.log.WithError(err).Warn("revoke token during forced sign-out")
	}
	c.emit(auth.EventSignedOut, nil)
	return true
}

func (c *Client) set(sess *auth.Session) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.session = sess
	return true
}

// emit must be called with dispatch held.
func (c *Client) emit(kind auth.EventKind, sess *auth.Session) {
	c.mu.Lock()
	fns := make([]func(auth.EventKind, *auth.Session), 0, len(c.listeners))
	for _, fn := range c.listeners {
		fns = append(fns, fn)
	}
	c.mu.Unlock()
	for _, fn := range fns {
		var cp *auth.Session
		if sess != nil {
			s := *sess
			cp = &s
		}
		fn(kind, cp)
	}
}
