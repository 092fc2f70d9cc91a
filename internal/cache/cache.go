package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/opensource-finance/heron/internal/domain"
)

// New builds the cache named by cfg.Type: "memory" for the LRU, "redis"
// for Redis alone or, with EnableTwoPhase, LRU in front of Redis.
func New(cfg domain.CacheConfig) (domain.Cache, error) {
	switch cfg.Type {
	case "", "memory":
		return NewLRUCache(cfg.LocalMaxSize), nil
	case "redis":
		remote, err := NewRedisCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			return nil, err
		}
		if !cfg.EnableTwoPhase {
			return remote, nil
		}
		return NewTwoPhaseCache(NewLRUCache(cfg.LocalMaxSize), remote, time.Duration(cfg.LocalTTL)*time.Second), nil
	default:
		return nil, fmt.Errorf("unsupported cache type: %s", cfg.Type)
	}
}

// TwoPhaseCache reads from a local LRU before falling back to Redis.
// A nil remote leaves it running on L1 alone.
type TwoPhaseCache struct {
	local  *LRUCache
	remote *RedisCache
	l1TTL  time.Duration
}

// NewTwoPhaseCache pairs a local L1 with a remote L2. l1TTL caps how long
// L1 may serve an entry without consulting L2.
func NewTwoPhaseCache(local *LRUCache, remote *RedisCache, l1TTL time.Duration) *TwoPhaseCache {
	if l1TTL <= 0 {
		l1TTL = 5 * time.Minute
	}
	return &TwoPhaseCache{local: local, remote: remote, l1TTL: l1TTL}
}

func (c *TwoPhaseCache) localTTL(ttl time.Duration) time.Duration {
	return min(ttl, c.l1TTL)
}

// Get reads L1, then L2, warming L1 on an L2 hit.
func (c *TwoPhaseCache) Get(ctx context.Context, tenantID string, key string) ([]byte, error) {
	val, err := c.local.Get(ctx, tenantID, key)
	if err != nil || val != nil || c.remote == nil {
		return val, err
	}
	val, err = c.remote.Get(ctx, tenantID, key)
	if err != nil {
		return nil, err
	}
	if val != nil {
		_ = c.local.Set(ctx, tenantID, key, val, c.l1TTL)
	}
	return val, nil
}

// Set writes through to both tiers.
func (c *TwoPhaseCache) Set(ctx context.Context, tenantID string, key string, value []byte, ttl time.Duration) error {
	if err := c.local.Set(ctx, tenantID, key, value, c.localTTL(ttl)); err != nil {
		return err
	}
	if c.remote == nil {
		return nil
	}
	return c.remote.Set(ctx, tenantID, key, value, ttl)
}

// Delete removes key from both tiers.
func (c *TwoPhaseCache) Delete(ctx context.Context, tenantID string, key string) error {
	if err := c.local.Delete(ctx, tenantID, key); err != nil {
		return err
	}
	if c.remote == nil {
		return nil
	}
	return c.remote.Delete(ctx, tenantID, key)
}

// GetResult returns the cached analysis result for an input hash.
func (c *TwoPhaseCache) GetResult(ctx context.Context, tenantID string, inputHash string) (*domain.AnalysisResult, error) {
	return getResult(ctx, c, tenantID, inputHash)
}

// SetResult caches an analysis result in both tiers.
func (c *TwoPhaseCache) SetResult(ctx context.Context, tenantID string, inputHash string, res *domain.AnalysisResult, ttl time.Duration) error {
	return setResult(ctx, c, tenantID, inputHash, res, ttl)
}

// IncrementCounter counts in L2 so quotas hold across nodes.
func (c *TwoPhaseCache) IncrementCounter(ctx context.Context, tenantID string, key string, span time.Duration) (int64, error) {
	if c.remote == nil {
		return c.local.IncrementCounter(ctx, tenantID, key, span)
	}
	return c.remote.IncrementCounter(ctx, tenantID, key, span)
}

// Ping checks both tiers.
func (c *TwoPhaseCache) Ping(ctx context.Context) error {
	if err := c.local.Ping(ctx); err != nil {
		return fmt.Errorf("L1 ping failed: %w", err)
	}
	if c.remote == nil {
		return nil
	}
	if err := c.remote.Ping(ctx); err != nil {
		return fmt.Errorf("L2 ping failed: %w", err)
	}
	return nil
}

// Close closes both tiers.
func (c *TwoPhaseCache) Close() error {
	_ = c.local.Close()
	if c.remote == nil {
		return nil
	}
	return c.remote.Close()
}

// Stats returns L1 statistics.
func (c *TwoPhaseCache) Stats() (size int, capacity int) {
	return c.local.Stats()
}
