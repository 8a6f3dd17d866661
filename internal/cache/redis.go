package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/authz-engine/policy-admin/pkg/types"
)

// RedisConfig configures the Redis policy cache
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
	TTL       time.Duration
	// Timeout bounds every cache operation; cache failures must never
	// stall an authorization decision.
	Timeout time.Duration
}

// DefaultRedisConfig returns a default Redis cache configuration
func DefaultRedisConfig() *RedisConfig {
	return &RedisConfig{
		Addr:      "localhost:6379",
		KeyPrefix: "policyadmin:policy:",
		TTL:       5 * time.Minute,
		Timeout:   250 * time.Millisecond,
	}
}

// RedisCache implements PolicyCache backed by Redis with JSON
// serialization. Failures degrade to cache misses.
type RedisCache struct {
	client *redis.Client
	config *RedisConfig

	hits   uint64
	misses uint64
}

// NewRedisCache creates a Redis policy cache and verifies connectivity
func NewRedisCache(config *RedisConfig) (*RedisCache, error) {
	if config == nil {
		config = DefaultRedisConfig()
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = "policyadmin:policy:"
	}
	if config.Timeout <= 0 {
		config.Timeout = 250 * time.Millisecond
	}

	client := redis.NewClient(&redis.Options{
		Addr:     config.Addr,
		Password: config.Password,
		DB:       config.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), config.Timeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", config.Addr, err)
	}

	return &RedisCache{
		client: client,
		config: config,
	}, nil
}

func (c *RedisCache) key(id int64) string {
	return fmt.Sprintf("%s%d", c.config.KeyPrefix, id)
}

func (c *RedisCache) opContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), c.config.Timeout)
}

// Get retrieves a policy from Redis
func (c *RedisCache) Get(id int64) (*types.Policy, bool) {
	ctx, cancel := c.opContext()
	defer cancel()

	data, err := c.client.Get(ctx, c.key(id)).Bytes()
	if err != nil {
		atomic.AddUint64(&c.misses, 1)
		return nil, false
	}

	var policy types.Policy
	if err := json.Unmarshal(data, &policy); err != nil {
		atomic.AddUint64(&c.misses, 1)
		return nil, false
	}

	atomic.AddUint64(&c.hits, 1)
	return &policy, true
}

// Set stores a policy in Redis
func (c *RedisCache) Set(id int64, policy *types.Policy) {
	data, err := json.Marshal(policy)
	if err != nil {
		return
	}

	ctx, cancel := c.opContext()
	defer cancel()

	c.client.Set(ctx, c.key(id), data, c.config.TTL)
}

// Delete removes a policy from Redis
func (c *RedisCache) Delete(id int64) {
	ctx, cancel := c.opContext()
	defer cancel()

	c.client.Del(ctx, c.key(id))
}

// Clear removes all cached policies under the configured prefix
func (c *RedisCache) Clear() {
	ctx, cancel := c.opContext()
	defer cancel()

	iter := c.client.Scan(ctx, 0, c.config.KeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		c.client.Del(ctx, iter.Val())
	}
}

// Stats returns cache statistics. Size is not tracked for Redis.
func (c *RedisCache) Stats() Stats {
	hits := atomic.LoadUint64(&c.hits)
	misses := atomic.LoadUint64(&c.misses)

	var hitRate float64
	if total := hits + misses; total > 0 {
		hitRate = float64(hits) / float64(total)
	}

	return Stats{
		Hits:    hits,
		Misses:  misses,
		HitRate: hitRate,
	}
}

// Close releases the Redis connection
func (c *RedisCache) Close() error {
	return c.client.Close()
}
