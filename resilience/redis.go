package resilience

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCache is a Cache backed by a Redis instance so multiple engine
// processes can share tool results. Values are stored as JSON; only
// JSON-serializable tool content can be cached through it.
//
// Redis errors degrade to a plain compute: a cache outage must not fail the
// tool call it was supposed to accelerate.
type RedisCache struct {
	rdb    redis.UniversalClient
	prefix string
}

// NewRedisCache constructs a RedisCache using the given client. prefix
// namespaces keys so unrelated deployments can share an instance.
func NewRedisCache(rdb redis.UniversalClient, prefix string) *RedisCache {
	if prefix == "" {
		prefix = "tradegraph:toolcache"
	}
	return &RedisCache{rdb: rdb, prefix: prefix}
}

// GetOrCompute implements Cache.
func (c *RedisCache) GetOrCompute(ctx context.Context, key string, ttl time.Duration, compute func(ctx context.Context) (any, error)) (any, bool, error) {
	full := c.prefix + ":" + key
	raw, err := c.rdb.Get(ctx, full).Bytes()
	if err == nil {
		var value any
		if jerr := json.Unmarshal(raw, &value); jerr == nil {
			return value, true, nil
		}
		// Corrupt entry; drop it and fall through to compute.
		_ = c.rdb.Del(ctx, full).Err()
	} else if !errors.Is(err, redis.Nil) && ctx.Err() != nil {
		return nil, false, Classify(ctx.Err())
	}

	value, cerr := compute(ctx)
	if cerr != nil {
		return value, false, cerr
	}
	if ttl > 0 {
		if data, jerr := json.Marshal(value); jerr == nil {
			_ = c.rdb.Set(ctx, full, data, ttl).Err()
		}
	}
	return value, false, nil
}

// Delete implements Cache.
func (c *RedisCache) Delete(ctx context.Context, key string) error {
	return c.rdb.Del(ctx, c.prefix+":"+key).Err()
}
