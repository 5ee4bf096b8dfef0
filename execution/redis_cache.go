package execution

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/corelane/aipipeline/core"
)

const redisCacheKeyPrefix = "aipipeline:execution:cache:"

// RedisCache is the optional distributed backend for the response
// cache, mirroring MemoryCache's interface so the optimizer can swap
// backends without branching. TTL is delegated to Redis (`SET ... EX`)
// rather than tracked locally.
type RedisCache struct {
	client *redis.Client
	logger core.Logger

	hits      uint64
	misses    uint64
	evictions uint64
}

// NewRedisCache wires a RedisCache over an existing client. Redis
// expires keys on its own schedule and this type does not observe it,
// so Evictions in Stats() is always zero.
func NewRedisCache(client *redis.Client, logger core.Logger) *RedisCache {
	if logger == nil {
		logger = core.NoOpLogger{}
	}
	return &RedisCache{client: client, logger: logger}
}

func (c *RedisCache) Get(key string) (interface{}, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	raw, err := c.client.Get(ctx, redisCacheKeyPrefix+key).Bytes()
	if err == redis.Nil {
		atomic.AddUint64(&c.misses, 1)
		return nil, false
	}
	if err != nil {
		c.logger.Warn("execution: redis cache get failed", map[string]interface{}{"error": err.Error()})
		atomic.AddUint64(&c.misses, 1)
		return nil, false
	}

	var value interface{}
	if err := json.Unmarshal(raw, &value); err != nil {
		atomic.AddUint64(&c.misses, 1)
		return nil, false
	}
	atomic.AddUint64(&c.hits, 1)
	return value, true
}

func (c *RedisCache) Set(key string, value interface{}, ttl time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	payload, err := json.Marshal(value)
	if err != nil {
		c.logger.Warn("execution: redis cache marshal failed", map[string]interface{}{"error": err.Error()})
		return
	}
	if err := c.client.Set(ctx, redisCacheKeyPrefix+key, payload, ttl).Err(); err != nil {
		c.logger.Warn("execution: redis cache set failed", map[string]interface{}{"error": err.Error()})
	}
}

func (c *RedisCache) Stats() CacheStats {
	return CacheStats{
		Hits:      atomic.LoadUint64(&c.hits),
		Misses:    atomic.LoadUint64(&c.misses),
		Evictions: atomic.LoadUint64(&c.evictions),
	}
}

func (c *RedisCache) Stop() {}

var _ Cache = (*RedisCache)(nil)
