package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// Entry represents a cached response
type Entry struct {
	Key         string                 `json:"key"`
	Response    interface{}            `json:"response"`
	Metadata    map[string]interface{} `json:"metadata"`
	CachedAt    time.Time              `json:"cached_at"`
	ExpiresAt   time.Time              `json:"expires_at"`
	Hits        int64                  `json:"hits"`
	Namespace   string                 `json:"namespace"` // e.g. "requirements" or "reconcile"
	Subkey      string                 `json:"subkey"`    // e.g. app id or requirements-file hash
}

// Config defines cache configuration
type Config struct {
	Enabled       bool          `json:"enabled"`
	DefaultTTL    time.Duration `json:"default_ttl"`    // Default time-to-live for cache entries
	MaxSize       int           `json:"max_size"`       // Maximum number of entries
	MaxMemoryMB   int           `json:"max_memory_mb"`  // Maximum memory usage (approximate)
	CleanupPeriod time.Duration `json:"cleanup_period"` // How often to run cleanup
}

// DefaultConfig returns sensible defaults for caching
func DefaultConfig() *Config {
	return &Config{
		Enabled:       true,
		DefaultTTL:    1 * time.Hour,   // 1 hour default
		MaxSize:       10000,           // 10K entries
		MaxMemoryMB:   500,             // 500MB max
		CleanupPeriod: 5 * time.Minute, // Cleanup every 5 minutes
	}
}

// CacheBackend is the interface for cache storage backends
type CacheBackend interface {
	Get(ctx context.Context, key string) (*Entry, bool)
	Set(ctx context.Context, key string, response interface{}, ttl time.Duration, metadata map[string]interface{}) error
	Delete(ctx context.Context, key string)
	Clear(ctx context.Context)
	GetStats(ctx context.Context) *Stats
	InvalidateByNamespace(ctx context.Context, namespace string) int
	InvalidateBySubkey(ctx context.Context, subkey string) int
	InvalidateByAge(ctx context.Context, maxAge time.Duration) int
	InvalidateByPattern(ctx context.Context, pattern string) int
}

// Cache provides intelligent response caching
type Cache struct {
	backend CacheBackend
	config  *Config
	entries map[string]*Entry
	mu      sync.RWMutex
	stats   *Stats
}

// Stats tracks cache performance
type Stats struct {
	Hits              int64   `json:"hits"`
	Misses            int64   `json:"misses"`
	Evictions         int64   `json:"evictions"`
	TotalEntries      int64   `json:"total_entries"`
	HitRate           float64 `json:"hit_rate"`
	}

// New creates a new in-memory cache instance
func New(config *Config) *Cache {
	if config == nil {
		config = DefaultConfig()
	}

	c := &Cache{
		config:  config,
		entries: make(map[string]*Entry),
		stats:   &Stats{},
	}

	// Start background cleanup goroutine
	if config.Enabled && config.CleanupPeriod > 0 {
		go c.cleanupLoop()
	}

	return c
}

// NewFromRedis creates a cache instance backed by Redis
func NewFromRedis(redisCache *RedisCache) *Cache {
	return &Cache{
		backend: redisCache,
		config:  redisCache.config,
		stats:   redisCache.stats,
	}
}

// GenerateKey creates a cache key from a namespace, subkey, and an
// arbitrary payload (e.g. namespace="requirements", subkey=app id,
// payload=requirements file bytes).
func GenerateKey(namespace, subkey string, payload interface{}) (string, error) {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal cache key payload: %w", err)
	}

	hasher := sha256.New()
	hasher.Write([]byte(namespace))
	hasher.Write([]byte(":"))
	hasher.Write([]byte(subkey))
	hasher.Write([]byte(":"))
	hasher.Write(payloadBytes)

	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// Get retrieves a cached response if available and not expired
func (c *Cache) Get(ctx context.Context, key string) (*Entry, bool) {
	if !c.config.Enabled {
		return nil, false
	}

	// Use backend if available
	if c.backend != nil {
		return c.backend.Get(ctx, key)
	}

	// In-memory implementation
	c.mu.RLock()
	entry, exists := c.entries[key]
	c.mu.RUnlock()

	if !exists {
		c.updateStats(false)
		return nil, false
	}

	// Check expiration
	if time.Now().After(entry.ExpiresAt) {
		// Expired - remove it
		c.mu.Lock()
		delete(c.entries, key)
		c.mu.Unlock()
		c.updateStats(false)
		return nil, false
	}

	// Cache hit - update hit counter
	c.mu.Lock()
	entry.Hits++
	c.mu.Unlock()

	c.updateStats(true)
	return entry, true
}

// Set stores a response in the cache
func (c *Cache) Set(ctx context.Context, key string, response interface{}, ttl time.Duration, metadata map[string]interface{}) error {
	if !c.config.Enabled {
		return nil
	}

	// Use default TTL if not specified
	if ttl == 0 {
		ttl = c.config.DefaultTTL
	}

	// Use backend if available
	if c.backend != nil {
		return c.backend.Set(ctx, key, response, ttl, metadata)
	}

	entry := &Entry{
		Key:         key,
		Response:    response,
		Metadata:    metadata,
		CachedAt:    time.Now(),
		ExpiresAt:   time.Now().Add(ttl),
		Hits:        0,
		Namespace:   getStringFromMap(metadata, "namespace"),
		Subkey:      getStringFromMap(metadata, "subkey"),
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// Check if we need to evict entries
	if len(c.entries) >= c.config.MaxSize {
		c.evictOldest()
	}

	c.entries[key] = entry
	return nil
}

// Delete removes an entry from the cache
func (c *Cache) Delete(ctx context.Context, key string) {
	if !c.config.Enabled {
		return
	}

	if c.backend != nil {
		c.backend.Delete(ctx, key)
		return
	}

	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// Clear removes all entries from the cache
func (c *Cache) Clear(ctx context.Context) {
	if !c.config.Enabled {
		return
	}

	if c.backend != nil {
		c.backend.Clear(ctx)
		return
	}

	c.mu.Lock()
	c.entries = make(map[string]*Entry)
	c.mu.Unlock()
}

// InvalidateByNamespace removes all cache entries for a specific namespace
func (c *Cache) InvalidateByNamespace(ctx context.Context, namespace string) int {
	if !c.config.Enabled {
		return 0
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key, entry := range c.entries {
		if entry.Namespace == namespace {
			delete(c.entries, key)
			removed++
		}
	}

	return removed
}

// InvalidateBySubkey removes all cache entries for a specific subkey
func (c *Cache) InvalidateBySubkey(ctx context.Context, subkey string) int {
	if !c.config.Enabled {
		return 0
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key, entry := range c.entries {
		if entry.Subkey == subkey {
			delete(c.entries, key)
			removed++
		}
	}

	return removed
}

// InvalidateByAge removes all cache entries older than the specified duration
func (c *Cache) InvalidateByAge(ctx context.Context, maxAge time.Duration) int {
	if !c.config.Enabled {
		return 0
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	threshold := time.Now().Add(-maxAge)
	removed := 0

	for key, entry := range c.entries {
		if entry.CachedAt.Before(threshold) {
			delete(c.entries, key)
			removed++
		}
	}

	return removed
}

// InvalidateByPattern removes all cache entries matching a pattern (prefix match)
func (c *Cache) InvalidateByPattern(ctx context.Context, pattern string) int {
	if !c.config.Enabled {
		return 0
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key := range c.entries {
		// Simple prefix match for now
		if len(key) >= len(pattern) && key[:len(pattern)] == pattern {
			delete(c.entries, key)
			removed++
		}
	}

	return removed
}

// GetStats returns current cache statistics
func (c *Cache) GetStats(ctx context.Context) *Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	stats := *c.stats
	stats.TotalEntries = int64(len(c.entries))

	// Calculate hit rate
	total := stats.Hits + stats.Misses
	if total > 0 {
		stats.HitRate = float64(stats.Hits) / float64(total)
	}

	return &stats
}

// cleanupLoop periodically removes expired entries
func (c *Cache) cleanupLoop() {
	ticker := time.NewTicker(c.config.CleanupPeriod)
	defer ticker.Stop()

	for range ticker.C {
		c.cleanup()
	}
}

// cleanup removes expired entries
func (c *Cache) cleanup() {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	for key, entry := range c.entries {
		if now.After(entry.ExpiresAt) {
			delete(c.entries, key)
		}
	}
}

// evictOldest removes the entry with the earliest CachedAt (oldest
// insertion; reads do not refresh an entry's position)
func (c *Cache) evictOldest() {
	// Find the oldest entry by CachedAt timestamp
	var oldestKey string
	var oldestTime time.Time
	first := true

	for key, entry := range c.entries {
		if first || entry.CachedAt.Before(oldestTime) {
			oldestKey = key
			oldestTime = entry.CachedAt
			first = false
		}
	}

	if oldestKey != "" {
		delete(c.entries, oldestKey)
		c.stats.Evictions++
	}
}

// updateStats updates cache statistics
func (c *Cache) updateStats(hit bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if hit {
		c.stats.Hits++
	} else {
		c.stats.Misses++
	}
}

// Helper functions

func getStringFromMap(m map[string]interface{}, key string) string {
	if m == nil {
		return ""
	}
	if val, ok := m[key]; ok {
		if str, ok := val.(string); ok {
			return str
		}
	}
	return ""
}
