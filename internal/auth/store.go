package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/isaquesgti/sinistro-simplify/internal/obs"
)

// Store is the single source of truth for the current session and its role.
// Mutations happen only through Login, LoginAs, Logout and the reducer fed by
// provider events; every asynchronous completion re-enters under mu and is
// discarded unless it belongs to the current lookup generation.
type Store struct {
	provider    Provider
	resolver    *Resolver
	overrides   RoleOverrides
	manualRoles bool
	log         *logrus.Entry

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	state       State
	profile     *Profile
	gen         uint64
	initialized bool
	eventSeen   bool
	closed      bool
	sub         Subscription
	changed     chan struct{}
	watchers    map[int]chan State
	nextWatcher int
}

// StoreOption configures Store behavior.
type StoreOption func(*Store) error

// WithOverrides sets the source used by the manual role path.
func WithOverrides(o RoleOverrides) StoreOption {
	return func(s *Store) error {
		s.overrides = o
		return nil
	}
}

// WithManualRoles enables LoginAs. Requires an overrides source.
func WithManualRoles(enabled bool) StoreOption {
	return func(s *Store) error {
		s.manualRoles = enabled
		return nil
	}
}

// WithLookupTimeout bounds each profile lookup.
func WithLookupTimeout(d time.Duration) StoreOption {
	return func(s *Store) error {
		if d > 0 {
			s.resolver.timeout = d
		}
		return nil
	}
}

// WithLogger overrides the log entry used for transitions.
func WithLogger(entry *logrus.Entry) StoreOption {
	return func(s *Store) error {
		if entry != nil {
			s.log = entry
		}
		return nil
	}
}

// NewStore constructs a Store in the Uninitialized state.
func NewStore(provider Provider, profiles ProfileStore, opts ...StoreOption) (*Store, error) {
	if provider == nil {
		return nil, errors.New("auth: provider is required")
	}
	if profiles == nil {
		return nil, errors.New("auth: profile store is required")
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Store{
		provider: provider,
		resolver: NewResolver(profiles, 0),
		log:      obs.Component("auth.store"),
		ctx:      ctx,
		cancel:   cancel,
		state:    uninitialized(),
		changed:  make(chan struct{}),
		watchers: make(map[int]chan State),
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			cancel()
			return nil, err
		}
	}
	if s.manualRoles && s.overrides == nil {
		cancel()
		return nil, errors.New("auth: manual roles require an overrides source")
	}
	return s, nil
}

// Initialize registers the provider listener and then performs one eager
// session fetch. The listener is registered first so no event can fall into a
// gap; the eager result is applied only if no event has been reduced since,
// because any delivered event is at least as recent as the fetch.
func (s *Store) Initialize(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.initialized {
		s.mu.Unlock()
		return nil
	}
	s.initialized = true
	s.mu.Unlock()

	sub := s.provider.OnAuthStateChange(s.handleEvent)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		sub.Unsubscribe()
		return ErrClosed
	}
	s.sub = sub
	s.mu.Unlock()

	sess, err := s.provider.GetSession(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.eventSeen {
		return nil
	}
	if err != nil {
		s.log.WithError(err).Warn("eager session fetch failed")
		s.noSessionLocked()
		return nil
	}
	if sess == nil {
		s.noSessionLocked()
		return nil
	}
	s.sessionLocked(sess)
	return nil
}

// State returns the current snapshot.
func (s *Store) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Profile returns the cached profile of the active session.
func (s *Store) Profile() (Profile, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.profile == nil {
		return Profile{}, false
	}
	return *s.profile, true
}

// WaitSettled blocks until the state leaves Uninitialized/Resolving or ctx ends.
func (s *Store) WaitSettled(ctx context.Context) (State, error) {
	for {
		s.mu.Lock()
		st, ch := s.state, s.changed
		s.mu.Unlock()
		if st.Settled() {
			return st, nil
		}
		select {
		case <-ctx.Done():
			return st, ctx.Err()
		case <-ch:
		}
	}
}

// Watch returns a channel that always holds the latest state. Intermediate
// states may be coalesced. The channel is closed when ctx ends or the store closes.
func (s *Store) Watch(ctx context.Context) <-chan State {
	ch := make(chan State, 1)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		close(ch)
		return ch
	}
	id := s.nextWatcher
	s.nextWatcher++
	s.watchers[id] = ch
	ch <- s.state
	s.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
		case <-s.ctx.Done():
		}
		s.mu.Lock()
		if _, ok := s.watchers[id]; ok {
			delete(s.watchers, id)
			close(ch)
		}
		s.mu.Unlock()
	}()
	return ch
}

// Login delegates the credential exchange. The role is never assigned here:
// the resulting provider event drives resolution like any other sign-in.
func (s *Store) Login(ctx context.Context, c Credentials) error {
	email := strings.TrimSpace(strings.ToLower(c.Email))
	if email == "" || c.Password == "" {
		return ErrInvalidCredentials
	}
	if s.isClosed() {
		return ErrClosed
	}
	if _, err := s.provider.SignInWithPassword(ctx, email, c.Password); err != nil {
		if errors.Is(err, ErrInvalidCredentials) {
			return err
		}
		return fmt.Errorf("%w: %w", ErrSignIn, err)
	}
	return nil
}

// LoginAs is the developer shortcut that stashes a role locally. It is refused
// once a real session is present.
func (s *Store) LoginAs(ctx context.Context, role Role) error {
	if !s.manualRoles {
		return ErrManualRolesDisabled
	}
	if !role.Valid() {
		return ErrUnknownRole
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.state.HasRealSession() {
		s.mu.Unlock()
		return ErrSessionPresent
	}
	s.mu.Unlock()

	if err := s.overrides.Set(ctx, role); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.HasRealSession() {
		return ErrSessionPresent
	}
	s.gen++
	s.applyManualLocked(role)
	return nil
}

// Logout requests invalidation and only clears state once the provider has
// confirmed it. A failed sign-out leaves the state untouched.
func (s *Store) Logout(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	manual := s.state.Session != nil && s.state.Session.Manual
	s.mu.Unlock()

	if manual {
		if err := s.overrides.Clear(ctx); err != nil {
			return err
		}
		s.mu.Lock()
		if s.state.Session != nil && s.state.Session.Manual {
			s.signedOutLocked()
		}
		s.mu.Unlock()
		return nil
	}

	if err := s.provider.SignOut(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrSignOut, err)
	}
	if s.overrides != nil {
		if err := s.overrides.Clear(ctx); err != nil {
			s.log.WithError(err).Warn("clear role override after sign-out")
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	// Providers normally echo SIGNED_OUT; this covers those that do not.
	if s.state.Status != StatusUnauthenticated {
		s.signedOutLocked()
	}
	return nil
}

// Close detaches from the provider. Pending lookups and late events become no-ops.
func (s *Store) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	sub := s.sub
	s.sub = nil
	s.cancel()
	s.mu.Unlock()

	if sub != nil {
		sub.Unsubscribe()
	}
}

func (s *Store) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Store) handleEvent(kind EventKind, sess *Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.eventSeen = true
	s.log.WithFields(logrus.Fields{"event": string(kind), "has_session": sess != nil}).Debug("provider event")

	switch {
	case sess != nil && kind != EventSignedOut:
		s.sessionLocked(sess)
	case kind == EventInitialSession:
		s.noSessionLocked()
	default:
		s.signedOutLocked()
	}
}

// sessionLocked reduces a provider session. A session for the user already
// being resolved or authenticated only refreshes the cached copy.
func (s *Store) sessionLocked(sess *Session) {
	cur := s.state
	if cur.HasRealSession() && cur.Session.UserID == sess.UserID {
		switch cur.Status {
		case StatusAuthenticated, StatusResolving:
			next := cur
			next.Session = sess.clone()
			s.setStateLocked(next)
			return
		}
	}
	s.gen++
	gen := s.gen
	s.profile = nil
	s.setStateLocked(resolving(sess))
	go s.lookupRole(gen, sess.clone())
}

// noSessionLocked handles "no session known yet": the override source is
// consulted when the manual path is enabled, otherwise Unauthenticated.
func (s *Store) noSessionLocked() {
	s.gen++
	s.profile = nil
	if !s.manualRoles {
		s.setStateLocked(unauthenticated())
		return
	}
	gen := s.gen
	s.setStateLocked(resolving(nil))
	go s.lookupOverride(gen)
}

func (s *Store) signedOutLocked() {
	s.gen++
	s.profile = nil
	s.setStateLocked(unauthenticated())
}

func (s *Store) applyManualLocked(role Role) {
	sess := &Session{UserID: "manual:" + string(role), Manual: true}
	s.profile = &Profile{ID: sess.UserID, Role: role}
	s.setStateLocked(authenticated(sess, role))
}

func (s *Store) lookupRole(gen uint64, sess *Session) {
	prof, err := s.resolver.Resolve(s.ctx, sess.UserID)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || gen != s.gen || s.state.Session == nil || s.state.Session.UserID != sess.UserID {
		obs.RoleResolutions.WithLabelValues("stale").Inc()
		return
	}
	if err != nil {
		obs.RoleResolutions.WithLabelValues("failed").Inc()
		s.log.WithError(err).WithField("user_id", sess.UserID).Warn("role lookup failed")
		s.setStateLocked(degraded(s.state.Session, err))
		return
	}
	obs.RoleResolutions.WithLabelValues("ok").Inc()
	s.profile = &prof
	s.setStateLocked(authenticated(s.state.Session, prof.Role))
}

func (s *Store) lookupOverride(gen uint64) {
	role, ok, err := s.overrides.Get(s.ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || gen != s.gen {
		return
	}
	if err != nil {
		s.log.WithError(err).Warn("role override lookup failed")
	}
	if err != nil || !ok {
		s.setStateLocked(unauthenticated())
		return
	}
	s.applyManualLocked(role)
}

func (s *Store) setStateLocked(next State) {
	prev := s.state.Status
	s.state = next
	close(s.changed)
	s.changed = make(chan struct{})

	if prev != next.Status {
		obs.AuthTransitions.WithLabelValues(next.Status.String()).Inc()
		s.log.WithFields(logrus.Fields{
			"from":    prev.String(),
			"to":      next.Status.String(),
			"user_id": next.UserID(),
		}).Debug("auth state transition")
	}
	for _, ch := range s.watchers {
		select {
		case <-ch:
		default:
		}
		ch <- next
	}
}
