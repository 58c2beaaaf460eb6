package balance

import (
	"context"
	"sync"
	"time"

	"github.com/recomma/booksync/internal/clock"
)

const (
	DefaultTTL           = 30 * time.Second
	DefaultSweepInterval = 60 * time.Second
)

type entry[V any] struct {
	value     V
	expiresAt time.Time
}

// Cache is a time-based memoization cache. There is no size bound; entries
// leave only by expiry or invalidation.
type Cache[K comparable, V any] struct {
	mu    sync.Mutex
	items map[K]entry[V]

	ttl           time.Duration
	sweepInterval time.Duration
	clock         clock.Clock
}

type CacheOption func(*cacheConfig)

type cacheConfig struct {
	ttl           time.Duration
	sweepInterval time.Duration
	clock         clock.Clock
}

func WithTTL(d time.Duration) CacheOption {
	return func(c *cacheConfig) {
		if d > 0 {
			c.ttl = d
		}
	}
}

func WithSweepInterval(d time.Duration) CacheOption {
	return func(c *cacheConfig) {
		if d > 0 {
			c.sweepInterval = d
		}
	}
}

func WithCacheClock(clk clock.Clock) CacheOption {
	return func(c *cacheConfig) {
		if clk != nil {
			c.clock = clk
		}
	}
}

func NewCache[K comparable, V any](opts ...CacheOption) *Cache[K, V] {
	cfg := cacheConfig{
		ttl:           DefaultTTL,
		sweepInterval: DefaultSweepInterval,
		clock:         clock.Real{},
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Cache[K, V]{
		items:         make(map[K]entry[V]),
		ttl:           cfg.ttl,
		sweepInterval: cfg.sweepInterval,
		clock:         cfg.clock,
	}
}

// Get returns the value for k if it has not expired.
func (c *Cache[K, V]) Get(k K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.items[k]
	if !ok {
		var zero V
		return zero, false
	}
	if c.clock.Now().After(e.expiresAt) {
		delete(c.items, k)
		var zero V
		return zero, false
	}
	return e.value, true
}

func (c *Cache[K, V]) Put(k K, v V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[k] = entry[V]{value: v, expiresAt: c.clock.Now().Add(c.ttl)}
}

func (c *Cache[K, V]) Invalidate(k K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.items[k]
	delete(c.items, k)
	return ok
}

func (c *Cache[K, V]) InvalidateAll() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := len(c.items)
	c.items = make(map[K]entry[V])
	return n
}

// Sweep removes expired entries and reports how many were dropped.
func (c *Cache[K, V]) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.clock.Now()
	n := 0
	for k, e := range c.items {
		if now.After(e.expiresAt) {
			delete(c.items, k)
			n++
		}
	}
	return n
}

func (c *Cache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Run sweeps every sweep interval until ctx is done.
func (c *Cache[K, V]) Run(ctx context.Context) {
	for {
		fired := make(chan struct{})
		t := c.clock.AfterFunc(c.sweepInterval, func() { close(fired) })
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-fired:
			c.Sweep()
		}
	}
}
