package cache

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
)

// BytesStore is the narrow byte-oriented key-value surface session-backed
// consumers (applications/auth.Manager) need. MemoryBytes adapts the
// in-memory Cache to it for dev/test; RedisStore backs it with Redis for
// production so sessions survive a gateway restart (spec.md §4.B).
type BytesStore interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration)
	Invalidate(ctx context.Context, key string)
}

// MemoryBytes wraps Cache with the []byte-oriented BytesStore surface.
type MemoryBytes struct {
	cache *Cache
}

// NewMemoryBytes wraps an existing Cache as a BytesStore.
func NewMemoryBytes(c *Cache) *MemoryBytes {
	return &MemoryBytes{cache: c}
}

func (m *MemoryBytes) Get(_ context.Context, key string) ([]byte, bool) {
	v, ok := m.cache.Get(key)
	if !ok {
		return nil, false
	}
	raw, ok := v.([]byte)
	return raw, ok
}

func (m *MemoryBytes) Set(_ context.Context, key string, value []byte, ttl time.Duration) {
	m.cache.Set(key, value, ttl)
}

func (m *MemoryBytes) Invalidate(_ context.Context, key string) {
	m.cache.Invalidate(key)
}

// RedisStore backs BytesStore with Redis, namespacing every key under
// prefix (spec.md §6's key-prefix convention for session/JWKS/exchange
// caches sharing one Redis instance).
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore constructs a RedisStore over an already-connected client.
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix}
}

func (r *RedisStore) key(key string) string { return r.prefix + key }

func (r *RedisStore) Get(ctx context.Context, key string) ([]byte, bool) {
	raw, err := r.client.Get(ctx, r.key(key)).Bytes()
	if err != nil {
		return nil, false
	}
	return raw, true
}

func (r *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) {
	r.client.Set(ctx, r.key(key), value, ttl)
}

func (r *RedisStore) Invalidate(ctx context.Context, key string) {
	r.client.Del(ctx, r.key(key))
}
