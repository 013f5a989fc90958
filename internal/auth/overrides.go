package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RoleOverrides is the lower-priority, locally stashed role used by the
// developer login path. It is consulted only when no real session exists.
type RoleOverrides interface {
	Get(ctx context.Context) (Role, bool, error)
	Set(ctx context.Context, role Role) error
	Clear(ctx context.Context) error
}

// MemoryOverrides keeps the override in process memory.
type MemoryOverrides struct {
	mu   sync.Mutex
	role Role
}

func NewMemoryOverrides() *MemoryOverrides { return &MemoryOverrides{} }

func (m *MemoryOverrides) Get(context.Context) (Role, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.role, m.role != "", nil
}

func (m *MemoryOverrides) Set(_ context.Context, role Role) error {
	if !role.Valid() {
		return ErrUnknownRole
	}
	m.mu.Lock()
	m.role = role
	m.mu.Unlock()
	return nil
}

func (m *MemoryOverrides) Clear(context.Context) error {
	m.mu.Lock()
	m.role = ""
	m.mu.Unlock()
	return nil
}

const overrideKeyPrefix = "sinistro:override:"

// RedisOverrides stores one visitor's override under a TTL'd Redis key.
type RedisOverrides struct {
	client redis.Cmdable
	key    string
	ttl    time.Duration
}

// NewRedisOverrides scopes the override to visitorID. A zero ttl keeps the key forever.
func NewRedisOverrides(client redis.Cmdable, visitorID string, ttl time.Duration) *RedisOverrides {
	return &RedisOverrides{
		client: client,
		key:    overrideKeyPrefix + strings.TrimSpace(visitorID),
		ttl:    ttl,
	}
}

func (r *RedisOverrides) Get(ctx context.Context) (Role, bool, error) {
	raw, err := r.client.Get(ctx, r.key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("auth: read override: %w", err)
	}
	role, err := ParseRole(raw)
	if err != nil {
		// A corrupt value is treated as absent; it can never grant a role.
		return "", false, nil
	}
	return role, true, nil
}

func (r *RedisOverrides) Set(ctx context.Context, role Role) error {
	if !role.Valid() {
		return ErrUnknownRole
	}
	if err := r.client.Set(ctx, r.key, string(role), r.ttl).Err(); err != nil {
		return fmt.Errorf("auth: write override: %w", err)
	}
	return nil
}

func (r *RedisOverrides) Clear(ctx context.Context) error {
	if err := r.client.Del(ctx, r.key).Err(); err != nil {
		return fmt.Errorf("auth: clear override: %w", err)
	}
	return nil
}
