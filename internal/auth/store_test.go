package auth

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeSub struct {
	p  *fakeProvider
	id int
}

func (s fakeSub) Unsubscribe() {
	s.p.mu.Lock()
	delete(s.p.listeners, s.id)
	s.p.mu.Unlock()
}

type fakeProvider struct {
	mu         sync.Mutex
	session    *Session
	getErr     error
	signOutErr error
	signInErr  error
	echo       bool
	listeners  map[int]func(EventKind, *Session)
	next       int
	signOuts   int
	onRegister func(fn func(EventKind, *Session))
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{echo: true, listeners: map[int]func(EventKind, *Session){}}
}

func (p *fakeProvider) GetSession(context.Context) (*Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.session.clone(), p.getErr
}

func (p *fakeProvider) OnAuthStateChange(fn func(EventKind, *Session)) Subscription {
	p.mu.Lock()
	id := p.next
	p.next++
	p.listeners[id] = fn
	hook := p.onRegister
	p.mu.Unlock()
	if hook != nil {
		hook(fn)
	}
	return fakeSub{p: p, id: id}
}

func (p *fakeProvider) SignInWithPassword(_ context.Context, email, _ string) (*Session, error) {
	p.mu.Lock()
	if p.signInErr != nil {
		err := p.signInErr
		p.mu.Unlock()
		return nil, err
	}
	sess := &Session{AccessToken: "tok", UserID: "u-" + email, Email: email}
	p.session = sess
	p.mu.Unlock()
	p.emit(EventSignedIn, sess)
	return sess.clone(), nil
}

func (p *fakeProvider) SignOut(context.Context) error {
	p.mu.Lock()
	p.signOuts++
	if p.signOutErr != nil {
		err := p.signOutErr
		p.mu.Unlock()
		return err
	}
	p.session = nil
	echo := p.echo
	p.mu.Unlock()
	if echo {
		p.emit(EventSignedOut, nil)
	}
	return nil
}

func (p *fakeProvider) emit(kind EventKind, sess *Session) {
	p.mu.Lock()
	fns := make([]func(EventKind, *Session), 0, len(p.listeners))
	for _, fn := range p.listeners {
		fns = append(fns, fn)
	}
	p.mu.Unlock()
	for _, fn := range fns {
		fn(kind, sess.clone())
	}
}

// gatedProfiles blocks lookups for a user until released.
type gatedProfiles struct {
	mu    sync.Mutex
	roles map[string]Role
	gates map[string]chan struct{}
	err   error
}

func newGatedProfiles(roles map[string]Role) *gatedProfiles {
	return &gatedProfiles{roles: roles, gates: map[string]chan struct{}{}}
}

func (g *gatedProfiles) hold(userID string) chan struct{} {
	g.mu.Lock()
	defer g.mu.Unlock()
	ch := make(chan struct{})
	g.gates[userID] = ch
	return ch
}

func (g *gatedProfiles) Profile(ctx context.Context, userID string) (Profile, error) {
	g.mu.Lock()
	gate := g.gates[userID]
	err := g.err
	role, ok := g.roles[userID]
	g.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return Profile{}, ctx.Err()
		}
	}
	if err != nil {
		return Profile{}, err
	}
	if !ok {
		return Profile{}, ErrProfileNotFound
	}
	return Profile{ID: userID, Role: role}, nil
}

func newTestStore(t *testing.T, p Provider, profiles ProfileStore, opts ...StoreOption) *Store {
	t.Helper()
	s, err := NewStore(p, profiles, opts...)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

func settle(t *testing.T, s *Store) State {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	st, err := s.WaitSettled(ctx)
	if err != nil {
		t.Fatalf("WaitSettled: %v (state %s)", err, st.Status)
	}
	return st
}

func waitFor(t *testing.T, s *Store, cond func(State) bool) State {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if st := s.State(); cond(st) {
			return st
		}
		time.Sleep(5 * time.Millisecond)
	}
	st := s.State()
	t.Fatalf("condition not reached, last state %s", st.Status)
	return st
}

func TestInitializeWithoutSession(t *testing.T) {
	p := newFakeProvider()
	s := newTestStore(t, p, newGatedProfiles(nil))
	if got := s.State().Status; got != StatusUninitialized {
		t.Fatalf("initial status = %s", got)
	}
	if err := s.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if st := settle(t, s); st.Status != StatusUnauthenticated {
		t.Fatalf("status = %s, want unauthenticated", st.Status)
	}
}

func TestInitializeResolvesExistingSession(t *testing.T) {
	p := newFakeProvider()
	p.session = &Session{AccessToken: "a", UserID: "u1"}
	s := newTestStore(t, p, newGatedProfiles(map[string]Role{"u1": RoleInsurer}))
	if err := s.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	st := settle(t, s)
	if st.Status != StatusAuthenticated || st.Role != RoleInsurer || st.UserID() != "u1" {
		t.Fatalf("unexpected state %+v", st)
	}
	prof, ok := s.Profile()
	if !ok || prof.Role != RoleInsurer {
		t.Fatalf("profile = %+v, %v", prof, ok)
	}
}

func TestInitializeIsIdempotent(t *testing.T) {
	p := newFakeProvider()
	s := newTestStore(t, p, newGatedProfiles(nil))
	for i := 0; i < 3; i++ {
		if err := s.Initialize(context.Background()); err != nil {
			t.Fatalf("Initialize #%d: %v", i, err)
		}
	}
	p.mu.Lock()
	n := len(p.listeners)
	p.mu.Unlock()
	if n != 1 {
		t.Fatalf("listeners = %d, want 1", n)
	}
}

func TestListenerEventWinsOverEagerFetch(t *testing.T) {
	p := newFakeProvider()
	// The eager fetch still sees a stale session while the listener already
	// reported the sign-out.
	p.session = &Session{AccessToken: "old", UserID: "u1"}
	p.onRegister = func(fn func(EventKind, *Session)) {
		fn(EventSignedOut, nil)
	}
	s := newTestStore(t, p, newGatedProfiles(map[string]Role{"u1": RoleClient}))
	if err := s.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if st := settle(t, s); st.Status != StatusUnauthenticated {
		t.Fatalf("status = %s, want unauthenticated", st.Status)
	}
}

func TestStaleLookupIsDiscarded(t *testing.T) {
	p := newFakeProvider()
	profiles := newGatedProfiles(map[string]Role{"u-a@x": RoleAdmin, "u-b@x": RoleClient})
	gateA := profiles.hold("u-a@x")
	s := newTestStore(t, p, profiles)
	if err := s.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	settle(t, s)

	if err := s.Login(context.Background(), Credentials{Email: "a@x", Password: "pw"}); err != nil {
		t.Fatalf("Login a: %v", err)
	}
	if st := s.State(); st.Status != StatusResolving || st.UserID() != "u-a@x" {
		t.Fatalf("expected resolving for a, got %+v", st)
	}
	if err := s.Login(context.Background(), Credentials{Email: "b@x", Password: "pw"}); err != nil {
		t.Fatalf("Login b: %v", err)
	}
	st := settle(t, s)
	if st.UserID() != "u-b@x" || st.Role != RoleClient {
		t.Fatalf("expected b as client, got %+v", st)
	}

	close(gateA)
	time.Sleep(20 * time.Millisecond)
	st = s.State()
	if st.UserID() != "u-b@x" || st.Role != RoleClient {
		t.Fatalf("late lookup for a leaked into state: %+v", st)
	}
}

func TestLookupFailureDegradesAndRetries(t *testing.T) {
	p := newFakeProvider()
	p.session = &Session{AccessToken: "a", UserID: "u1"}
	profiles := newGatedProfiles(map[string]Role{"u1": RoleClient})
	profiles.err = errors.New("connection refused")
	s := newTestStore(t, p, profiles)
	if err := s.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	st := settle(t, s)
	if st.Status != StatusDegraded {
		t.Fatalf("status = %s, want degraded", st.Status)
	}
	if !IsLookupFailure(st.Err) {
		t.Fatalf("expected lookup failure, got %v", st.Err)
	}
	if st.Role != "" {
		t.Fatalf("degraded state must not carry a role, got %q", st.Role)
	}

	profiles.mu.Lock()
	profiles.err = nil
	profiles.mu.Unlock()
	p.emit(EventTokenRefreshed, &Session{AccessToken: "b", UserID: "u1"})
	st = waitFor(t, s, func(st State) bool { return st.Status == StatusAuthenticated })
	if st.Role != RoleClient {
		t.Fatalf("role = %q after retry", st.Role)
	}
}

func TestMissingProfileNeverDefaultsRole(t *testing.T) {
	p := newFakeProvider()
	p.session = &Session{AccessToken: "a", UserID: "ghost"}
	s := newTestStore(t, p, newGatedProfiles(nil))
	if err := s.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	st := settle(t, s)
	if st.Status != StatusDegraded || !errors.Is(st.Err, ErrProfileNotFound) {
		t.Fatalf("unexpected state %+v", st)
	}
}

func TestTokenRefreshKeepsRole(t *testing.T) {
	p := newFakeProvider()
	p.session = &Session{AccessToken: "a", UserID: "u1"}
	profiles := newGatedProfiles(map[string]Role{"u1": RoleAdmin})
	s := newTestStore(t, p, profiles)
	if err := s.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	settle(t, s)

	// A lookup started now would block forever; a refresh must not start one.
	profiles.hold("u1")
	p.emit(EventTokenRefreshed, &Session{AccessToken: "b", UserID: "u1"})
	st := s.State()
	if st.Status != StatusAuthenticated || st.Role != RoleAdmin || st.Session.AccessToken != "b" {
		t.Fatalf("unexpected state after refresh %+v", st)
	}
}

func TestLoginErrors(t *testing.T) {
	p := newFakeProvider()
	s := newTestStore(t, p, newGatedProfiles(nil))
	if err := s.Login(context.Background(), Credentials{Email: " ", Password: "x"}); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("blank email err = %v", err)
	}
	p.signInErr = ErrInvalidCredentials
	if err := s.Login(context.Background(), Credentials{Email: "a@x", Password: "x"}); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("bad credentials err = %v", err)
	}
	p.signInErr = errors.New("network down")
	err := s.Login(context.Background(), Credentials{Email: "a@x", Password: "x"})
	if !errors.Is(err, ErrSignIn) {
		t.Fatalf("provider failure err = %v", err)
	}
}

func TestLogoutFailureLeavesStateUnchanged(t *testing.T) {
	p := newFakeProvider()
	p.session = &Session{AccessToken: "a", UserID: "u1"}
	s := newTestStore(t, p, newGatedProfiles(map[string]Role{"u1": RoleClient}))
	if err := s.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	before := settle(t, s)

	p.signOutErr = errors.New("timeout")
	if err := s.Logout(context.Background()); !errors.Is(err, ErrSignOut) {
		t.Fatalf("Logout err = %v, want ErrSignOut", err)
	}
	after := s.State()
	if after.Status != before.Status || after.Role != before.Role || after.UserID() != before.UserID() {
		t.Fatalf("state changed after failed logout: %+v -> %+v", before, after)
	}
	if _, ok := s.Profile(); !ok {
		t.Fatal("profile cleared after failed logout")
	}
}

func TestLogoutWithoutEcho(t *testing.T) {
	p := newFakeProvider()
	p.echo = false
	p.session = &Session{AccessToken: "a", UserID: "u1"}
	s := newTestStore(t, p, newGatedProfiles(map[string]Role{"u1": RoleClient}))
	if err := s.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	settle(t, s)
	if err := s.Logout(context.Background()); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	if st := s.State(); st.Status != StatusUnauthenticated {
		t.Fatalf("status = %s", st.Status)
	}
	if _, ok := s.Profile(); ok {
		t.Fatal("profile survived logout")
	}
}

func TestManualRoleRequiresFlag(t *testing.T) {
	s := newTestStore(t, newFakeProvider(), newGatedProfiles(nil))
	if err := s.LoginAs(context.Background(), RoleAdmin); !errors.Is(err, ErrManualRolesDisabled) {
		t.Fatalf("err = %v", err)
	}
}

func TestManualRoleFlow(t *testing.T) {
	p := newFakeProvider()
	overrides := NewMemoryOverrides()
	s := newTestStore(t, p, newGatedProfiles(nil), WithOverrides(overrides), WithManualRoles(true))
	if err := s.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if st := settle(t, s); st.Status != StatusUnauthenticated {
		t.Fatalf("status = %s", st.Status)
	}
	if err := s.LoginAs(context.Background(), Role("root")); !errors.Is(err, ErrUnknownRole) {
		t.Fatalf("unknown role err = %v", err)
	}
	if err := s.LoginAs(context.Background(), RoleInsurer); err != nil {
		t.Fatalf("LoginAs: %v", err)
	}
	st := s.State()
	if st.Status != StatusAuthenticated || st.Role != RoleInsurer || !st.Session.Manual {
		t.Fatalf("unexpected manual state %+v", st)
	}
	if err := s.Logout(context.Background()); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	if st := s.State(); st.Status != StatusUnauthenticated {
		t.Fatalf("status after manual logout = %s", st.Status)
	}
	if _, ok, _ := overrides.Get(context.Background()); ok {
		t.Fatal("override survived logout")
	}
	p.mu.Lock()
	n := p.signOuts
	p.mu.Unlock()
	if n != 0 {
		t.Fatalf("manual logout reached the provider %d times", n)
	}
}

func TestStoredOverrideRestoredOnInitialize(t *testing.T) {
	overrides := NewMemoryOverrides()
	_ = overrides.Set(context.Background(), RoleAdmin)
	s := newTestStore(t, newFakeProvider(), newGatedProfiles(nil), WithOverrides(overrides), WithManualRoles(true))
	if err := s.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	st := settle(t, s)
	if st.Status != StatusAuthenticated || st.Role != RoleAdmin {
		t.Fatalf("unexpected state %+v", st)
	}
}

func TestRealSessionOutranksOverride(t *testing.T) {
	p := newFakeProvider()
	p.session = &Session{AccessToken: "a", UserID: "u1"}
	overrides := NewMemoryOverrides()
	_ = overrides.Set(context.Background(), RoleAdmin)
	s := newTestStore(t, p, newGatedProfiles(map[string]Role{"u1": RoleClient}),
		WithOverrides(overrides), WithManualRoles(true))
	if err := s.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	st := settle(t, s)
	if st.Role != RoleClient {
		t.Fatalf("role = %q, want client from profile", st.Role)
	}
	if err := s.LoginAs(context.Background(), RoleAdmin); !errors.Is(err, ErrSessionPresent) {
		t.Fatalf("LoginAs with real session err = %v", err)
	}
}

func TestSignInReplacesManualSession(t *testing.T) {
	p := newFakeProvider()
	s := newTestStore(t, p, newGatedProfiles(map[string]Role{"u-a@x": RoleClient}),
		WithOverrides(NewMemoryOverrides()), WithManualRoles(true))
	if err := s.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	settle(t, s)
	if err := s.LoginAs(context.Background(), RoleAdmin); err != nil {
		t.Fatalf("LoginAs: %v", err)
	}
	if err := s.Login(context.Background(), Credentials{Email: "a@x", Password: "pw"}); err != nil {
		t.Fatalf("Login: %v", err)
	}
	st := settle(t, s)
	if st.Role != RoleClient || st.Session.Manual {
		t.Fatalf("unexpected state %+v", st)
	}
}

func TestWatchDeliversLatestState(t *testing.T) {
	p := newFakeProvider()
	s := newTestStore(t, p, newGatedProfiles(map[string]Role{"u-a@x": RoleAdmin}))
	ctx, cancel := context.WithCancel(context.Background())
	ch := s.Watch(ctx)
	if st := <-ch; st.Status != StatusUninitialized {
		t.Fatalf("first watched status = %s", st.Status)
	}
	if err := s.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if err := s.Login(context.Background(), Credentials{Email: "a@x", Password: "pw"}); err != nil {
		t.Fatalf("Login: %v", err)
	}
	timeout := time.After(2 * time.Second)
	for {
		select {
		case st := <-ch:
			if st.Status == StatusAuthenticated {
				cancel()
				for range ch {
				}
				return
			}
		case <-timeout:
			t.Fatal("authenticated state never observed")
		}
	}
}

func TestCloseIgnoresLateEvents(t *testing.T) {
	p := newFakeProvider()
	var late func(EventKind, *Session)
	p.onRegister = func(fn func(EventKind, *Session)) { late = fn }
	s := newTestStore(t, p, newGatedProfiles(map[string]Role{"u1": RoleClient}))
	if err := s.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	settle(t, s)
	s.Close()
	late(EventSignedIn, &Session{AccessToken: "x", UserID: "u1"})
	if st := s.State(); st.Status != StatusUnauthenticated {
		t.Fatalf("closed store changed state: %s", st.Status)
	}
	if err := s.Initialize(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("Initialize after close err = %v", err)
	}
	p.mu.Lock()
	n := len(p.listeners)
	p.mu.Unlock()
	if n != 0 {
		t.Fatalf("listener not detached, %d left", n)
	}
}
