package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/opensource-finance/heron/internal/domain"
)

// keyPrefix namespaces every Redis key written by heron.
const keyPrefix = "heron:"

// incrWindow increments a counter and starts its expiry on first use.
var incrWindow = redis.NewScript(`
	local current = redis.call('INCR', KEYS[1])
	if current == 1 then
		redis.call('PEXPIRE', KEYS[1], ARGV[1])
	end
	return current
`)

// RedisCache stores entries in Redis. It is the shared L2 of the two-phase
// cache in the pro tier.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache connects to Redis and verifies the connection.
func NewRedisCache(addr, password string, db int) (*RedisCache, error) {
	if addr == "" {
		addr = "localhost:6379"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return &RedisCache{client: client}, nil
}

func redisKey(tenantID, key string) (string, error) {
	full, err := tenantKey(tenantID, key)
	if err != nil {
		return "", err
	}
	return keyPrefix + full, nil
}

// Get returns the value for key, or nil when absent.
func (c *RedisCache) Get(ctx context.Context, tenantID string, key string) ([]byte, error) {
	full, err := redisKey(tenantID, key)
	if err != nil {
		return nil, err
	}
	val, err := c.client.Get(ctx, full).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}
	return val, nil
}

// Set stores value with a TTL.
func (c *RedisCache) Set(ctx context.Context, tenantID string, key string, value []byte, ttl time.Duration) error {
	full, err := redisKey(tenantID, key)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, full, value, ttl).Err()
}

// Delete removes key.
func (c *RedisCache) Delete(ctx context.Context, tenantID string, key string) error {
	full, err := redisKey(tenantID, key)
	if err != nil {
		return err
	}
	return c.client.Del(ctx, full).Err()
}

// GetResult returns the cached analysis result for an input hash.
func (c *RedisCache) GetResult(ctx context.Context, tenantID string, inputHash string) (*domain.AnalysisResult, error) {
	return getResult(ctx, c, tenantID, inputHash)
}

// SetResult caches an analysis result under its input hash.
func (c *RedisCache) SetResult(ctx context.Context, tenantID string, inputHash string, res *domain.AnalysisResult, ttl time.Duration) error {
	return setResult(ctx, c, tenantID, inputHash, res, ttl)
}

// IncrementCounter increments a fixed-window counter atomically.
func (c *RedisCache) IncrementCounter(ctx context.Context, tenantID string, key string, span time.Duration) (int64, error) {
	full, err := redisKey(tenantID, "counter:"+key)
	if err != nil {
		return 0, err
	}
	n, err := incrWindow.Run(ctx, c.client, []string{full}, span.Milliseconds()).Int64()
	if err != nil {
		return 0, fmt.Errorf("redis incr: %w", err)
	}
	return n, nil
}

// Ping checks Redis connectivity.
func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close closes the Redis client.
func (c *RedisCache) Close() error {
	return c.client.Close()
}
