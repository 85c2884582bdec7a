package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// CacheKeyType represents different types of cache keys
type CacheKeyType string

const (
	// CacheKeyStats is for the aggregate coinjoin stats
	CacheKeyStats CacheKeyType = "stats"
	// CacheKeyCoordinators is for the coordinator overview
	CacheKeyCoordinators CacheKeyType = "coordinators"
	// CacheKeyDailyVolume is for archive volume series
	CacheKeyDailyVolume CacheKeyType = "daily"
)

// cachePrefix namespaces every dashboard key
const cachePrefix = "wabiview"

// CacheService provides JSON caching for dashboard projections
type CacheService struct {
	redis *RedisCache
	ttl   time.Duration

	hits   atomic.Int64
	misses atomic.Int64

	// In-flight loads keyed by cache key, so concurrent misses share one query
	inflightMu sync.Mutex
	inflight   map[string]*inflightLoad
}

type inflightLoad struct {
	done  chan struct{}
	value interface{}
	err   error
}

// CacheStats reports hit and miss counts since startup
type CacheStats struct {
	Hits   int64 `json:"hits"`
	Misses int64 `json:"misses"`
}

// NewCacheService creates a new cache service
func NewCacheService(redis *RedisCache, ttl time.Duration) *CacheService {
	return &CacheService{
		redis:    redis,
		ttl:      ttl,
		inflight: make(map[string]*inflightLoad),
	}
}

// GenerateCacheKey generates a cache key for a given type and parameters
// Format: wabiview:<type>:<param1>:<param2>:...
func (c *CacheService) GenerateCacheKey(keyType CacheKeyType, params ...string) string {
	parts := make([]string, 0, len(params)+2)
	parts = append(parts, cachePrefix, string(keyType))
	for _, param := range params {
		parts = append(parts, strings.ToLower(param))
	}
	return strings.Join(parts, ":")
}

// Set stores a value in cache with the configured TTL
func (c *CacheService) Set(ctx context.Context, key string, value interface{}) error {
	return c.SetWithTTL(ctx, key, value, c.ttl)
}

// SetWithTTL stores a value in cache with a custom TTL
func (c *CacheService) SetWithTTL(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal value: %w", err)
	}
	return c.redis.Set(ctx, key, data, ttl)
}

// Get retrieves a value from cache and deserializes it.
// It reports false on a cache miss.
func (c *CacheService) Get(ctx context.Context, key string, dest interface{}) (bool, error) {
	data, err := c.redis.Get(ctx, key)
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, fmt.Errorf("failed to get from cache: %w", err)
	}

	if err := json.Unmarshal([]byte(data), dest); err != nil {
		return false, fmt.Errorf("failed to unmarshal cached value: %w", err)
	}
	return true, nil
}

// Invalidate removes one or more keys from cache
func (c *CacheService) Invalidate(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return c.redis.Del(ctx, keys...)
}

// InvalidatePattern removes all keys matching a pattern
func (c *CacheService) InvalidatePattern(ctx context.Context, pattern string) error {
	keys, err := c.redis.Scan(ctx, pattern)
	if err != nil {
		return fmt.Errorf("failed to find keys matching pattern: %w", err)
	}
	return c.Invalidate(ctx, keys...)
}

// InvalidateDashboard drops every cached projection that depends on the coinjoin table
func (c *CacheService) InvalidateDashboard(ctx context.Context) error {
	return c.InvalidatePattern(ctx, cachePrefix+":*")
}

// Stats returns cache hit and miss counts
func (c *CacheService) Stats() CacheStats {
	return CacheStats{Hits: c.hits.Load(), Misses: c.misses.Load()}
}

// GetOrLoad returns the cached value for key, calling load on a miss and
// caching its result. Concurrent misses for the same key share one load.
// Cache failures fall through to load.
func GetOrLoad[T any](ctx context.Context, c *CacheService, key string, load func(context.Context) (T, error)) (T, error) {
	var cached T
	if found, err := c.Get(ctx, key, &cached); err == nil && found {
		c.hits.Add(1)
		return cached, nil
	}
	c.misses.Add(1)

	c.inflightMu.Lock()
	if call, ok := c.inflight[key]; ok {
		c.inflightMu.Unlock()
		select {
		case <-call.done:
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		}
		if call.err != nil {
			var zero T
			return zero, call.err
		}
		return call.value.(T), nil
	}
	call := &inflightLoad{done: make(chan struct{})}
	c.inflight[key] = call
	c.inflightMu.Unlock()

	value, err := load(ctx)
	call.value, call.err = value, err
	if err == nil {
		_ = c.Set(ctx, key, value)
	}

	c.inflightMu.Lock()
	delete(c.inflight, key)
	c.inflightMu.Unlock()
	close(call.done)

	return value, err
}
