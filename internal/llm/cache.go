package llm

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache TTLs. Hard failures are cached briefly so a broken payload
// does not hammer the provider.
const (
	DefaultTTL  = 24 * time.Hour
	NegativeTTL = 10 * time.Minute
)

// Entry is one cached enrichment answer. Negative entries record a
// recent hard failure.
type Entry struct {
	Value      string  `json:"value"`
	Confidence float64 `json:"confidence"`
	Negative   bool    `json:"negative,omitempty"`
}

// Cache stores enrichment answers keyed by (rawPayloadHash, field).
type Cache interface {
	Get(ctx context.Context, key string) (Entry, bool, error)
	Set(ctx context.Context, key string, e Entry, ttl time.Duration) error
}

// CacheKey builds the canonical cache key.
func CacheKey(rawHash, field string) string {
	return rawHash + ":" + field
}

// MemoryCache is the in-process backend, good for one-shot runs and
// tests.
type MemoryCache struct {
	mu      sync.Mutex
	entries map[string]memEntry
	now     func() time.Time
}

type memEntry struct {
	e       Entry
	expires time.Time
}

// NewMemoryCache builds an empty in-process cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: map[string]memEntry{}, now: time.Now}
}

func (c *MemoryCache) Get(_ context.Context, key string) (Entry, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.entries[key]
	if !ok || c.now().After(m.expires) {
		delete(c.entries, key)
		return Entry{}, false, nil
	}
	return m.e, true, nil
}

func (c *MemoryCache) Set(_ context.Context, key string, e Entry, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = memEntry{e: e, expires: c.now().Add(ttl)}
	return nil
}

// RedisCache is the shared backend for multi-instance deployments.
type RedisCache struct {
	rdb    *redis.Client
	prefix string
}

// NewRedisCache wraps an existing redis client.
func NewRedisCache(rdb *redis.Client) *RedisCache {
	return &RedisCache{rdb: rdb, prefix: "llm:"}
}

func (c *RedisCache) Get(ctx context.Context, key string) (Entry, bool, error) {
	raw, err := c.rdb.Get(ctx, c.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return Entry{}, false, err
	}
	return e, true, nil
}

func (c *RedisCache) Set(ctx context.Context, key string, e Entry, ttl time.Duration) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, c.prefix+key, raw, ttl).Err()
}
