package corpus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache stores the latest snapshot per city
type Cache interface {
	Load(ctx context.Context, city string) (*Snapshot, bool, error)
	Store(ctx context.Context, snap *Snapshot) error
}

// MemoryCache keeps snapshots in process memory
type MemoryCache struct {
	mu    sync.RWMutex
	snaps map[string]*Snapshot
}

// NewMemoryCache creates an empty in-process cache
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{snaps: make(map[string]*Snapshot)}
}

// Load implements Cache
func (c *MemoryCache) Load(_ context.Context, city string) (*Snapshot, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.snaps[CityKey(city)]
	return s, ok, nil
}

// Store implements Cache
func (c *MemoryCache) Store(_ context.Context, snap *Snapshot) error {
	c.mu.Lock()
	c.snaps[CityKey(snap.City)] = snap
	c.mu.Unlock()
	return nil
}

// RedisCache keeps snapshots as JSON strings in Redis so every instance
// shares one crawl
type RedisCache struct {
	client    redis.UniversalClient
	prefix    string
	retention time.Duration
}

// NewRedisCache creates a cache whose keys expire after retention; stale
// entries are still readable until then so freshness stays the manager's call
func NewRedisCache(client redis.UniversalClient, prefix string, retention time.Duration) *RedisCache {
	if prefix == "" {
		prefix = "concierge:corpus:"
	}
	return &RedisCache{client: client, prefix: prefix, retention: retention}
}

// Load implements Cache
func (c *RedisCache) Load(ctx context.Context, city string) (*Snapshot, bool, error) {
	data, err := c.client.Get(ctx, c.prefix+CityKey(city)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis corpus load %s: %w", city, err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, false, fmt.Errorf("decode cached corpus %s: %w", city, err)
	}
	return &snap, true, nil
}

// Store implements Cache
func (c *RedisCache) Store(ctx context.Context, snap *Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode corpus %s: %w", snap.City, err)
	}
	if err := c.client.Set(ctx, c.prefix+CityKey(snap.City), data, c.retention).Err(); err != nil {
		return fmt.Errorf("redis corpus store %s: %w", snap.City, err)
	}
	return nil
}
