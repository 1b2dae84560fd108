package pricing

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rtcheap/call-manager/internal/models"
	"go.uber.org/zap"
)

// DefaultCacheTTL how long a resolved rate is reused.
const DefaultCacheTTL = 5 * time.Minute

// RedisCache RateCache backed by redis.
type RedisCache struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedisCache creates a RedisCache from a redis url or a plain host:port address.
func NewRedisCache(addr string, ttl time.Duration) *RedisCache {
	var rdb *redis.Client
	opt, err := redis.ParseURL(addr)
	if err != nil {
		rdb = redis.NewClient(&redis.Options{
			Addr: addr,
		})
	} else {
		rdb = redis.NewClient(opt)
	}

	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}

	return &RedisCache{
		rdb: rdb,
		ttl: ttl,
	}
}

// Get returns a cached rate. Misses and errors are both reported as not found.
func (c *RedisCache) Get(ctx context.Context, key string) (models.Rate, bool) {
	val, err := c.rdb.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return models.Rate{}, false
	} else if err != nil {
		log.Warn("failed to read cached rate", zap.String("key", key), zap.Error(err))
		return models.Rate{}, false
	}

	var rate models.Rate
	err = json.Unmarshal(val, &rate)
	if err != nil {
		log.Warn("failed to decode cached rate", zap.String("key", key), zap.Error(err))
		return models.Rate{}, false
	}

	return rate, true
}

// Set stores a rate. Failures are logged, the rate is simply resolved again next time.
func (c *RedisCache) Set(ctx context.Context, key string, rate models.Rate) {
	data, err := json.Marshal(rate)
	if err != nil {
		log.Warn("failed to encode rate", zap.String("key", key), zap.Error(err))
		return
	}

	err = c.rdb.Set(ctx, key, data, c.ttl).Err()
	if err != nil {
		log.Warn("failed to cache rate", zap.String("key", key), zap.Error(err))
	}
}

// Close closes the redis connection.
func (c *RedisCache) Close() error {
	return c.rdb.Close()
}
