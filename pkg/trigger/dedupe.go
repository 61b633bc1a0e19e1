package trigger

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// DedupeCache remembers recently fired dedupe keys so duplicate event
// deliveries are suppressed before touching the store. The store's
// unique index remains the source of truth; the cache only saves a
// round trip, so implementations may lose entries without harm.
type DedupeCache interface {
	// Register records a key and reports whether it was newly seen.
	Register(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Close() error
}

const dedupeKeyPrefix = "crmflow:dedupe:"

// RedisDedupeCache shares dedupe state across engine replicas.
type RedisDedupeCache struct {
	client *redis.Client
}

func NewRedisDedupeCache(redisURL string) (*RedisDedupeCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	return &RedisDedupeCache{client: redis.NewClient(opts)}, nil
}

func (c *RedisDedupeCache) Register(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return c.client.SetNX(ctx, dedupeKeyPrefix+key, "1", ttl).Result()
}

func (c *RedisDedupeCache) Close() error {
	return c.client.Close()
}

// MemoryDedupeCache is the single-process fallback.
type MemoryDedupeCache struct {
	mu   sync.Mutex
	seen map[string]time.Time
	now  func() time.Time
}

func NewMemoryDedupeCache() *MemoryDedupeCache {
	return &MemoryDedupeCache{
		seen: make(map[string]time.Time),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

func (c *MemoryDedupeCache) Register(_ context.Context, key string, ttl time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()

	if expiry, ok := c.seen[key]; ok && expiry.After(now) {
		return false, nil
	}

	for k, expiry := range c.seen {
		if !expiry.After(now) {
			delete(c.seen, k)
		}
	}

	c.seen[key] = now.Add(ttl)

	return true, nil
}

func (c *MemoryDedupeCache) Close() error { return nil }
