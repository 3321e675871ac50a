package resilience

import (
	"context"
	"sync"
	"time"
)

// Cache is the read-through cache contract used by the tool invoker. Values
// are cached per key with a caller-supplied TTL; compute runs only on miss and
// its result is stored unless it fails.
type Cache interface {
	// GetOrCompute returns the cached value for key when present and fresh.
	// Otherwise it invokes compute, stores the result on success, and returns
	// it. The second return reports whether the value came from the cache.
	GetOrCompute(ctx context.Context, key string, ttl time.Duration, compute func(ctx context.Context) (any, error)) (any, bool, error)
	// Delete removes a cached entry.
	Delete(ctx context.Context, key string) error
}

// MemoryCache is a bounded in-memory Cache. When the size bound is reached the
// least-recently-inserted entry is evicted. Concurrent computes for the same
// key are collapsed into one.
type MemoryCache struct {
	mu       sync.Mutex
	entries  map[string]*memEntry
	order    []string // insertion order, oldest first
	maxSize  int
	inflight map[string]*inflightCompute
}

type memEntry struct {
	value      any
	insertedAt time.Time
	ttl        time.Duration
}

type inflightCompute struct {
	done  chan struct{}
	value any
	err   error
}

// NewMemoryCache constructs a MemoryCache holding at most maxSize entries.
// A non-positive maxSize defaults to 1024.
func NewMemoryCache(maxSize int) *MemoryCache {
	if maxSize <= 0 {
		maxSize = 1024
	}
	return &MemoryCache{
		entries:  make(map[string]*memEntry),
		maxSize:  maxSize,
		inflight: make(map[string]*inflightCompute),
	}
}

// GetOrCompute implements Cache.
func (c *MemoryCache) GetOrCompute(ctx context.Context, key string, ttl time.Duration, compute func(ctx context.Context) (any, error)) (any, bool, error) {
	c.mu.Lock()
	if e, ok := c.entries[key]; ok {
		if time.Since(e.insertedAt) < e.ttl {
			c.mu.Unlock()
			return e.value, true, nil
		}
		c.remove(key)
	}
	if fl, ok := c.inflight[key]; ok {
		c.mu.Unlock()
		select {
		case <-fl.done:
			return fl.value, true, fl.err
		case <-ctx.Done():
			return nil, false, Classify(ctx.Err())
		}
	}
	fl := &inflightCompute{done: make(chan struct{})}
	c.inflight[key] = fl
	c.mu.Unlock()

	value, err := compute(ctx)
	fl.value, fl.err = value, err
	close(fl.done)

	c.mu.Lock()
	delete(c.inflight, key)
	if err == nil && ttl > 0 {
		c.insert(key, value, ttl)
	}
	c.mu.Unlock()
	return value, false, err
}

// Delete implements Cache.
func (c *MemoryCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.remove(key)
	return nil
}

// Len returns the number of cached entries.
func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// insert stores an entry, evicting the oldest insertion when full.
// Callers hold c.mu.
func (c *MemoryCache) insert(key string, value any, ttl time.Duration) {
	if _, ok := c.entries[key]; ok {
		c.remove(key)
	}
	for len(c.entries) >= c.maxSize && len(c.order) > 0 {
		c.remove(c.order[0])
	}
	c.entries[key] = &memEntry{value: value, insertedAt: time.Now(), ttl: ttl}
	c.order = append(c.order, key)
}

// remove deletes an entry and its order slot. Callers hold c.mu.
func (c *MemoryCache) remove(key string) {
	if _, ok := c.entries[key]; !ok {
		return
	}
	delete(c.entries, key)
	for i, k := range c.order {
		if k == key {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}
