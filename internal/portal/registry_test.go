package portal

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/isaquesgti/sinistro-simplify/internal/auth"
	"github.com/isaquesgti/sinistro-simplify/internal/idp"
)

func newTestRegistry(t *testing.T, cfg Config) (*Registry, *idp.Authority) {
	t.Helper()
	hash, err := idp.HashPassword("pw")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	signer, err := idp.NewSigner("secret", time.Hour)
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}
	authority, err := idp.NewAuthority(idp.NewMemoryUsers(idp.User{ID: "u1", Email: "ana@example.com", PasswordHash: hash}), signer)
	if err != nil {
		t.Fatalf("NewAuthority: %v", err)
	}
	profiles := auth.ProfileStoreFunc(func(_ context.Context, id string) (auth.Profile, error) {
		if id == "u1" {
			return auth.Profile{ID: id, Role: auth.RoleClient}, nil
		}
		return auth.Profile{}, auth.ErrProfileNotFound
	})
	reg, err := NewRegistry(authority, profiles, cfg)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	t.Cleanup(reg.Close)
	return reg, authority
}

func TestGetCreatesOnce(t *testing.T) {
	reg, _ := newTestRegistry(t, Config{Size: 4, TTL: time.Hour})
	ctx := context.Background()
	a, err := reg.Get(ctx, "v1", "")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	b, err := reg.Get(ctx, "v1", "")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if a != b {
		t.Fatal("same visitor produced two instances")
	}
	if st := a.Session.State(); st.Status != auth.StatusUnauthenticated {
		t.Fatalf("new visitor status = %s", st.Status)
	}
	if _, err := reg.Get(ctx, " ", ""); !errors.Is(err, ErrNoVisitor) {
		t.Fatalf("blank id err = %v", err)
	}
}

func TestGetRestoresPersistedToken(t *testing.T) {
	reg, authority := newTestRegistry(t, Config{Size: 4, TTL: time.Hour})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	sess, err := authority.SignIn(ctx, "ana@example.com", "pw")
	if err != nil {
		t.Fatalf("SignIn: %v", err)
	}
	v, err := reg.Get(ctx, "v-restored", sess.AccessToken)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	st, err := v.Session.WaitSettled(ctx)
	if err != nil {
		t.Fatalf("WaitSettled: %v", err)
	}
	if st.Status != auth.StatusAuthenticated || st.Role != auth.RoleClient {
		t.Fatalf("unexpected state %+v", st)
	}
}

func TestEvictionClosesVisitor(t *testing.T) {
	reg, _ := newTestRegistry(t, Config{Size: 1, TTL: time.Hour})
	ctx := context.Background()
	first, err := reg.Get(ctx, "v1", "")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if _, err := reg.Get(ctx, "v2", ""); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if reg.Len() != 1 {
		t.Fatalf("len = %d", reg.Len())
	}
	if _, ok := reg.Peek("v1"); ok {
		t.Fatal("v1 not evicted")
	}
	if err := first.Session.Initialize(ctx); !errors.Is(err, auth.ErrClosed) {
		t.Fatalf("evicted store still open: %v", err)
	}
}

func TestManualRolesNeedFactory(t *testing.T) {
	signer, _ := idp.NewSigner("s", time.Hour)
	authority, _ := idp.NewAuthority(idp.NewMemoryUsers(), signer)
	profiles := auth.ProfileStoreFunc(func(context.Context, string) (auth.Profile, error) { return auth.Profile{}, nil })
	if _, err := NewRegistry(authority, profiles, Config{ManualRoles: true}); err == nil {
		t.Fatal("expected error without overrides factory")
	}
	reg, err := NewRegistry(authority, profiles, Config{
		ManualRoles: true,
		Overrides:   func(string) auth.RoleOverrides { return auth.NewMemoryOverrides() },
	})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	defer reg.Close()
	v, err := reg.Get(context.Background(), "v1", "")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if err := v.Session.LoginAs(context.Background(), auth.RoleAdmin); err != nil {
		t.Fatalf("LoginAs: %v", err)
	}
}
