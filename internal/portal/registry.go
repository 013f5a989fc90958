// Package portal keeps one identity client and session store per browser
// visitor, bounded in number and idle lifetime.
package portal

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/sirupsen/logrus"

	"github.com/isaquesgti/sinistro-simplify/internal/auth"
	"github.com/isaquesgti/sinistro-simplify/internal/idp"
	"github.com/isaquesgti/sinistro-simplify/internal/obs"
)

var ErrNoVisitor = errors.New("portal: visitor id is required")

// Visitor is one browser's view of the portal.
type Visitor struct {
	ID      string
	Client  *idp.Client
	Session *auth.Store
}

func (v *Visitor) close() {
	v.Session.Close()
	v.Client.Close()
}

// Config bounds the registry and shapes each visitor's session store.
type Config struct {
	Size          int
	TTL           time.Duration
	ManualRoles   bool
	LookupTimeout time.Duration
	// Overrides builds the manual-role source for a visitor. Required when
	// ManualRoles is set.
	Overrides func(visitorID string) auth.RoleOverrides
}

// Registry maps visitor ids to live visitors.
type Registry struct {
	authority *idp.Authority
	profiles  auth.ProfileStore
	cfg       Config
	log       *logrus.Entry

	mu    sync.Mutex
	cache *expirable.LRU[string, *Visitor]
}

func NewRegistry(authority *idp.Authority, profiles auth.ProfileStore, cfg Config) (*Registry, error) {
	if authority == nil || profiles == nil {
		return nil, errors.New("portal: authority and profiles are required")
	}
	if cfg.ManualRoles && cfg.Overrides == nil {
		return nil, errors.New("portal: manual roles require an overrides factory")
	}
	if cfg.Size <= 0 {
		cfg.Size = 10_000
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 12 * time.Hour
	}
	r := &Registry{
		authority: authority,
		profiles:  profiles,
		cfg:       cfg,
		log:       obs.Component("portal"),
	}
	r.cache = expirable.NewLRU[string, *Visitor](cfg.Size, func(id string, v *Visitor) {
		v.close()
		r.log.WithField("visitor", id).Debug("visitor evicted")
	}, cfg.TTL)
	return r, nil
}

// Get returns the visitor for id, creating it on first sight. token is the
// persisted session token of a new visitor, if the browser still holds one.
func (r *Registry) Get(ctx context.Context, id, token string) (*Visitor, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, ErrNoVisitor
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if v, ok := r.cache.Get(id); ok {
		return v, nil
	}

	client := r.authority.NewClient()
	if token != "" && !client.Restore(ctx, token) {
		r.log.WithField("visitor", id).Debug("persisted session rejected")
	}
	opts := []auth.StoreOption{
		auth.WithLookupTimeout(r.cfg.LookupTimeout),
		auth.WithLogger(r.log.WithField("visitor", id)),
	}
	if r.cfg.ManualRoles {
		opts = append(opts, auth.WithOverrides(r.cfg.Overrides(id)), auth.WithManualRoles(true))
	}
	store, err := auth.NewStore(client, r.profiles, opts...)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("portal: session store: %w", err)
	}
	if err := store.Initialize(ctx); err != nil {
		store.Close()
		client.Close()
		return nil, err
	}
	v := &Visitor{ID: id, Client: client, Session: store}
	r.cache.Add(id, v)
	return v, nil
}

// Peek returns an existing visitor without creating one.
func (r *Registry) Peek(id string) (*Visitor, bool) {
	return r.cache.Peek(id)
}

func (r *Registry) Len() int { return r.cache.Len() }

// Close releases every visitor.
func (r *Registry) Close() {
	r.cache.Purge()
}
