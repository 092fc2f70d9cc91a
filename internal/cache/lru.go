// Package cache stores analysis results and quota counters per tenant.
package cache

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/opensource-finance/heron/internal/domain"
)

// LRUCache is an in-process, size-bounded cache with per-entry expiry.
// Used as the community tier cache and as L1 of the two-phase cache.
type LRUCache struct {
	mu       sync.Mutex
	capacity int
	entries  map[string]*list.Element
	recency  *list.List // front = most recently used
	windows  map[string]*window
	now      func() time.Time
}

type lruEntry struct {
	key       string
	value     []byte
	expiresAt time.Time
}

type window struct {
	count     int64
	expiresAt time.Time
}

// NewLRUCache creates an LRU cache holding at most capacity entries.
func NewLRUCache(capacity int) *LRUCache {
	if capacity <= 0 {
		capacity = 10000
	}
	return &LRUCache{
		capacity: capacity,
		entries:  make(map[string]*list.Element),
		recency:  list.New(),
		windows:  make(map[string]*window),
		now:      time.Now,
	}
}

func tenantKey(tenantID, key string) (string, error) {
	if tenantID == "" {
		return "", fmt.Errorf("tenantID is required")
	}
	return tenantID + ":" + key, nil
}

// Get returns the value for key, or nil when absent or expired.
func (c *LRUCache) Get(_ context.Context, tenantID string, key string) ([]byte, error) {
	full, err := tenantKey(tenantID, key)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[full]
	if !ok {
		return nil, nil
	}
	e := elem.Value.(*lruEntry)
	if c.now().After(e.expiresAt) {
		c.evict(elem)
		return nil, nil
	}
	c.recency.MoveToFront(elem)
	return e.value, nil
}

// Set stores value under key until ttl elapses, evicting the least recently
// used entries beyond capacity.
func (c *LRUCache) Set(_ context.Context, tenantID string, key string, value []byte, ttl time.Duration) error {
	full, err := tenantKey(tenantID, key)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	expires := c.now().Add(ttl)
	if elem, ok := c.entries[full]; ok {
		e := elem.Value.(*lruEntry)
		e.value, e.expiresAt = value, expires
		c.recency.MoveToFront(elem)
		return nil
	}

	c.entries[full] = c.recency.PushFront(&lruEntry{key: full, value: value, expiresAt: expires})
	for c.recency.Len() > c.capacity {
		c.evict(c.recency.Back())
	}
	return nil
}

// Delete removes key.
func (c *LRUCache) Delete(_ context.Context, tenantID string, key string) error {
	full, err := tenantKey(tenantID, key)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.entries[full]; ok {
		c.evict(elem)
	}
	return nil
}

// GetResult returns the cached analysis result for an input hash.
func (c *LRUCache) GetResult(ctx context.Context, tenantID string, inputHash string) (*domain.AnalysisResult, error) {
	return getResult(ctx, c, tenantID, inputHash)
}

// SetResult caches an analysis result under its input hash.
func (c *LRUCache) SetResult(ctx context.Context, tenantID string, inputHash string, res *domain.AnalysisResult, ttl time.Duration) error {
	return setResult(ctx, c, tenantID, inputHash, res, ttl)
}

// IncrementCounter counts events in a fixed window that starts with the
// first increment.
func (c *LRUCache) IncrementCounter(_ context.Context, tenantID string, key string, span time.Duration) (int64, error) {
	full, err := tenantKey(tenantID, "counter:"+key)
	if err != nil {
		return 0, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	w, ok := c.windows[full]
	if !ok || now.After(w.expiresAt) {
		c.windows[full] = &window{count: 1, expiresAt: now.Add(span)}
		return 1, nil
	}
	w.count++
	return w.count, nil
}

// Ping always succeeds.
func (c *LRUCache) Ping(context.Context) error { return nil }

// Close drops every entry.
func (c *LRUCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*list.Element)
	c.recency = list.New()
	c.windows = make(map[string]*window)
	return nil
}

// Stats returns the current size and capacity.
func (c *LRUCache) Stats() (size int, capacity int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.recency.Len(), c.capacity
}

func (c *LRUCache) evict(elem *list.Element) {
	if elem == nil {
		return
	}
	c.recency.Remove(elem)
	delete(c.entries, elem.Value.(*lruEntry).key)
}
