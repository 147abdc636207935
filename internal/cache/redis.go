package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCache is a CacheBackend implementation backed by Redis, wrapped into
// a Cache by NewFromRedis. Nothing in this tree selects it from
// pkg/config CacheConfig.Backend: both binaries build the in-memory cache
// with New. It is written against the CacheBackend interface contract.
type RedisCache struct {
	client *redis.Client
	config *Config
	stats  *Stats
	mu     sync.Mutex
}

// redisEntry is the wire-format persisted for each cache entry: the
// response payload is kept as raw JSON so arbitrary values round-trip
// without requiring Entry itself to be gob/json-registered.
type redisEntry struct {
	Response  json.RawMessage        `json:"response"`
	Metadata  map[string]interface{} `json:"metadata"`
	CachedAt  time.Time              `json:"cached_at"`
	ExpiresAt time.Time              `json:"expires_at"`
	Namespace string                 `json:"namespace"`
	Subkey    string                 `json:"subkey"`
}

// NewRedisCache connects to addr (a redis:// URL) and returns a
// Redis-backed cache using config for TTL/size policy.
func NewRedisCache(addr string, config *Config) (*RedisCache, error) {
	if config == nil {
		config = DefaultConfig()
	}

	opts, err := redis.ParseURL(addr)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connecting to redis at %s: %w", addr, err)
	}

	return &RedisCache{
		client: client,
		config: config,
		stats:  &Stats{},
	}, nil
}

func (r *RedisCache) Get(ctx context.Context, key string) (*Entry, bool) {
	raw, err := r.client.Get(ctx, key).Bytes()
	if err != nil {
		r.recordMiss()
		return nil, false
	}

	var re redisEntry
	if err := json.Unmarshal(raw, &re); err != nil {
		r.recordMiss()
		return nil, false
	}

	if time.Now().After(re.ExpiresAt) {
		r.client.Del(ctx, key)
		r.recordMiss()
		return nil, false
	}

	hits, _ := r.client.Incr(ctx, key+":hits").Result()

	var response interface{}
	_ = json.Unmarshal(re.Response, &response)

	r.recordHit()
	return &Entry{
		Key:       key,
		Response:  response,
		Metadata:  re.Metadata,
		CachedAt:  re.CachedAt,
		ExpiresAt: re.ExpiresAt,
		Hits:      hits,
		Namespace: re.Namespace,
		Subkey:    re.Subkey,
	}, true
}

func (r *RedisCache) Set(ctx context.Context, key string, response interface{}, ttl time.Duration, metadata map[string]interface{}) error {
	if ttl == 0 {
		ttl = r.config.DefaultTTL
	}

	respBytes, err := json.Marshal(response)
	if err != nil {
		return fmt.Errorf("marshaling cache response: %w", err)
	}

	re := redisEntry{
		Response:  respBytes,
		Metadata:  metadata,
		CachedAt:  time.Now(),
		ExpiresAt: time.Now().Add(ttl),
		Namespace: getStringFromMap(metadata, "namespace"),
		Subkey:    getStringFromMap(metadata, "subkey"),
	}

	payload, err := json.Marshal(re)
	if err != nil {
		return fmt.Errorf("marshaling cache entry: %w", err)
	}

	if err := r.client.Set(ctx, key, payload, ttl).Err(); err != nil {
		return fmt.Errorf("writing cache entry to redis: %w", err)
	}
	r.client.Del(ctx, key+":hits")
	return nil
}

func (r *RedisCache) Delete(ctx context.Context, key string) {
	r.client.Del(ctx, key, key+":hits")
}

func (r *RedisCache) Clear(ctx context.Context) {
	r.client.FlushDB(ctx)
}

func (r *RedisCache) GetStats(ctx context.Context) *Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	stats := *r.stats
	total := stats.Hits + stats.Misses
	if total > 0 {
		stats.HitRate = float64(stats.Hits) / float64(total)
	}
	return &stats
}

// InvalidateByNamespace scans keys and removes those whose entry matches
// namespace. Redis has no secondary index for this, so it relies on
// SCAN — acceptable for the bounded cache sizes this orchestrator uses
// (requirements classifications and reconciler snapshots).
func (r *RedisCache) InvalidateByNamespace(ctx context.Context, namespace string) int {
	return r.invalidateWhere(ctx, func(e redisEntry) bool { return e.Namespace == namespace })
}

func (r *RedisCache) InvalidateBySubkey(ctx context.Context, subkey string) int {
	return r.invalidateWhere(ctx, func(e redisEntry) bool { return e.Subkey == subkey })
}

func (r *RedisCache) InvalidateByAge(ctx context.Context, maxAge time.Duration) int {
	threshold := time.Now().Add(-maxAge)
	return r.invalidateWhere(ctx, func(e redisEntry) bool { return e.CachedAt.Before(threshold) })
}

func (r *RedisCache) InvalidateByPattern(ctx context.Context, pattern string) int {
	removed := 0
	iter := r.client.Scan(ctx, 0, pattern+"*", 0).Iterator()
	for iter.Next(ctx) {
		r.client.Del(ctx, iter.Val())
		removed++
	}
	return removed
}

func (r *RedisCache) invalidateWhere(ctx context.Context, match func(redisEntry) bool) int {
	removed := 0
	iter := r.client.Scan(ctx, 0, "*", 0).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		raw, err := r.client.Get(ctx, key).Bytes()
		if err != nil {
			continue
		}
		var re redisEntry
		if err := json.Unmarshal(raw, &re); err != nil {
			continue
		}
		if match(re) {
			r.client.Del(ctx, key)
			removed++
		}
	}
	return removed
}

func (r *RedisCache) recordHit() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stats.Hits++
}

func (r *RedisCache) recordMiss() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stats.Misses++
}

var _ CacheBackend = (*RedisCache)(nil)
