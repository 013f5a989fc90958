package auth

import "context"

// Provider is the identity provider capability consumed by the session store.
type Provider interface {
	// GetSession returns the current session or nil when signed out.
	GetSession(ctx context.Context) (*Session, error)
	// OnAuthStateChange registers fn; events are delivered in occurrence order.
	OnAuthStateChange(fn func(EventKind, *Session)) Subscription
	SignInWithPassword(ctx context.Context, email, password string) (*Session, error)
	SignOut(ctx context.Context) error
}

// Subscription detaches a provider listener.
type Subscription interface {
	Unsubscribe()
}

// ProfileStore performs the zero-or-one row profile lookup.
type ProfileStore interface {
	Profile(ctx context.Context, userID string) (Profile, error)
}

// ProfileStoreFunc adapts a function to ProfileStore.
type ProfileStoreFunc func(ctx context.Context, userID string) (Profile, error)

func (f ProfileStoreFunc) Profile(ctx context.Context, userID string) (Profile, error) {
	return f(ctx, userID)
}
