// Package cache provides a size- and time-bounded key/value store with
// least-recently-used eviction, used by loaders to memoize processed segments.
package cache

import (
	"container/list"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Config bounds a Cache.
type Config struct {
	// MaxSizeBytes is the total size budget across live entries.
	MaxSizeBytes int64
	// TTL is the maximum time since last access before an entry expires.
	// Zero disables expiration.
	TTL time.Duration
}

// Stats reports cache counters.
type Stats struct {
	Hits       int64
	Misses     int64
	HitRatio   float64
	BytesUsed  int64
	ItemCount  int
	Evictions  int64
	Rejections int64
}

// Option configures a Cache.
type Option func(*options)

type options struct {
	logger  *zap.Logger
	now     func() time.Time
	sizeOf  func(any) int64
	onEvict func(key, value any)
}

// WithOnEvict registers fn to be called whenever an entry leaves the cache, whether
// by eviction, expiry, replacement, Delete or Clear. fn runs with the cache lock held
// and must not call back into the cache.
func WithOnEvict[K comparable, V any](fn func(K, V)) Option {
	return func(o *options) {
		o.onEvict = func(k, v any) { fn(k.(K), v.(V)) }
	}
}

// WithLogger sets the logger used for eviction and rejection events.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithClock overrides the time source used for TTL and recency.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithSizer overrides the size estimate used by Put.
func WithSizer(sizeOf func(any) int64) Option {
	return func(o *options) { o.sizeOf = sizeOf }
}

type entry[K comparable, V any] struct {
	key        K
	value      V
	size       int64
	lastAccess time.Time
}

// Cache is a thread-safe bounded cache. The list is kept in recency order with the
// most recently accessed entry at the front, so eviction from the back always removes
// the entry with the oldest last access.
type Cache[K comparable, V any] struct {
	mu        sync.Mutex
	cfg       Config
	opts      options
	items     map[K]*list.Element
	evictList *list.List
	bytesUsed int64

	hits       int64
	misses     int64
	evictions  int64
	rejections int64
}

// New creates a cache bounded by cfg.
func New[K comparable, V any](cfg Config, opts ...Option) *Cache[K, V] {
	o := options{
		logger: zap.NewNop(),
		now:    time.Now,
		sizeOf: EstimateSize,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return &Cache[K, V]{
		cfg:       cfg,
		opts:      o,
		items:     make(map[K]*list.Element),
		evictList: list.New(),
	}
}

// Get returns the value for key. An entry idle for longer than the TTL is removed
// and reported as a miss; otherwise its last access time is refreshed.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	var out V
	ok := c.GetFunc(key, func(v V) { out = v })
	return out, ok
}

// GetFunc is Get, but hands the value to fn while the cache lock is held, so fn
// runs before any concurrent Put can evict the entry. fn must not call back into
// the cache.
func (c *Cache[K, V]) GetFunc(key K, fn func(V)) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		c.misses++
		return false
	}

	ent := el.Value.(*entry[K, V])
	now := c.opts.now()
	if c.expired(ent, now) {
		c.removeElement(el)
		c.misses++
		c.opts.logger.Debug("cache entry expired", zap.Any("key", key))
		return false
	}

	ent.lastAccess = now
	c.evictList.MoveToFront(el)
	c.hits++
	if fn != nil {
		fn(ent.value)
	}
	return true
}

// Peek returns the value for key without counting a hit or miss and without
// refreshing its last access time. Expired entries are reported as absent but
// left for the next Get to remove.
func (c *Cache[K, V]) Peek(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	el, ok := c.items[key]
	if !ok {
		return zero, false
	}
	ent := el.Value.(*entry[K, V])
	if c.expired(ent, c.opts.now()) {
		return zero, false
	}
	return ent.value, true
}

func (c *Cache[K, V]) expired(ent *entry[K, V], now time.Time) bool {
	return c.cfg.TTL > 0 && now.Sub(ent.lastAccess) > c.cfg.TTL
}

// Put stores value under key using an estimated size. It reports whether the value
// was accepted.
func (c *Cache[K, V]) Put(key K, value V) bool {
	return c.PutSized(key, value, c.opts.sizeOf(value))
}

// PutSized stores value under key with a caller-supplied size. A value larger than
// the whole budget is rejected and the cache is left unchanged.
func (c *Cache[K, V]) PutSized(key K, value V, size int64) bool {
	if size < 0 {
		size = 0
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if size > c.cfg.MaxSizeBytes {
		c.rejections++
		c.opts.logger.Warn("value exceeds cache capacity, not caching",
			zap.Any("key", key),
			zap.Int64("size_bytes", size),
			zap.Int64("max_size_bytes", c.cfg.MaxSizeBytes))
		return false
	}

	if el, ok := c.items[key]; ok {
		c.removeElement(el)
	}
	c.ensureSpace(size)

	ent := &entry[K, V]{
		key:        key,
		value:      value,
		size:       size,
		lastAccess: c.opts.now(),
	}
	c.items[key] = c.evictList.PushFront(ent)
	c.bytesUsed += size
	return true
}

// Delete removes key and reports whether it was present.
func (c *Cache[K, V]) Delete(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		return false
	}
	c.removeElement(el)
	return true
}

// Len returns the number of live entries, including expired ones not yet observed.
func (c *Cache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Clear removes every entry. Counters are preserved.
func (c *Cache[K, V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.opts.onEvict != nil {
		for el := c.evictList.Front(); el != nil; el = el.Next() {
			ent := el.Value.(*entry[K, V])
			c.opts.onEvict(ent.key, ent.value)
		}
	}
	c.items = make(map[K]*list.Element)
	c.evictList.Init()
	c.bytesUsed = 0
}

// Capacity returns the configured size budget in bytes.
func (c *Cache[K, V]) Capacity() int64 {
	return c.cfg.MaxSizeBytes
}

// Stats returns a snapshot of the cache counters.
func (c *Cache[K, V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Stats{
		Hits:       c.hits,
		Misses:     c.misses,
		BytesUsed:  c.bytesUsed,
		ItemCount:  len(c.items),
		Evictions:  c.evictions,
		Rejections: c.rejections,
	}
	if total := c.hits + c.misses; total > 0 {
		s.HitRatio = float64(c.hits) / float64(total)
	}
	return s
}

// ensureSpace evicts least recently accessed entries until size more bytes fit.
func (c *Cache[K, V]) ensureSpace(size int64) {
	for c.bytesUsed+size > c.cfg.MaxSizeBytes {
		el := c.evictList.Back()
		if el == nil {
			return
		}
		ent := el.Value.(*entry[K, V])
		c.removeElement(el)
		c.evictions++
		c.opts.logger.Debug("evicted cache entry",
			zap.Any("key", ent.key),
			zap.Int64("size_bytes", ent.size))
	}
}

func (c *Cache[K, V]) removeElement(el *list.Element) {
	c.evictList.Remove(el)
	ent := el.Value.(*entry[K, V])
	delete(c.items, ent.key)
	c.bytesUsed -= ent.size
	if c.opts.onEvict != nil {
		c.opts.onEvict(ent.key, ent.value)
	}
}
