// Package cache provides the in-process TTL memoizer that sits in front of
// read-heavy catalog fetches. Entries expire lazily: an expired entry is
// evicted by the first Get that observes it. There is no request coalescing;
// two concurrent misses for one key both fetch and the last Set wins.
package cache

import (
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultTTL applies when Set is called without an explicit ttl.
const DefaultTTL = 5 * time.Minute

// Observer receives cache outcomes, e.g. for metrics.
type Observer interface {
	Hit(key string)
	Miss(key string)
	Expired(key string)
	Evicted(key string)
}

type entry struct {
	value    any
	storedAt time.Time
	ttl      time.Duration
}

func (e entry) fresh(now time.Time) bool { return now.Sub(e.storedAt) < e.ttl }

// backend is a plain map, or an LRU when capacity is bounded.
type backend interface {
	get(key string) (entry, bool)
	put(key string, e entry)
	remove(key string)
	purge()
	len() int
}

// Cache is a keyed TTL cache. Build one per process and pass it to consumers.
type Cache struct {
	mu         sync.Mutex
	store      backend
	defaultTTL time.Duration
	maxEntries int
	now        func() time.Time
	observer   Observer
}

// Option configures a Cache.
type Option func(*Cache)

// WithDefaultTTL overrides DefaultTTL. Non-positive values are ignored.
func WithDefaultTTL(ttl time.Duration) Option {
	return func(c *Cache) {
		if ttl > 0 {
			c.defaultTTL = ttl
		}
	}
}

// WithClock sets the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		if now != nil {
			c.now = now
		}
	}
}

// WithMaxEntries bounds the cache with least-recently-used eviction on top of
// TTL expiry. Zero keeps it unbounded.
func WithMaxEntries(n int) Option { return func(c *Cache) { c.maxEntries = n } }

// WithObserver attaches an Observer.
func WithObserver(o Observer) Option { return func(c *Cache) { c.observer = o } }

// New builds a Cache.
func New(opts ...Option) *Cache {
	c := &Cache{defaultTTL: DefaultTTL, now: time.Now}
	for _, o := range opts {
		o(c)
	}
	if c.maxEntries > 0 {
		c.store = newLRUBackend(c.maxEntries, c.onEvict)
	} else {
		c.store = mapBackend{}
	}
	return c
}

// DefaultTTLValue reports the ttl used by Set.
func (c *Cache) DefaultTTLValue() time.Duration { return c.defaultTTL }

// Get returns the value stored under key if it has not expired.
func (c *Cache) Get(key string) (any, bool) {
	c.mu.Lock()
	e, ok := c.store.get(key)
	if !ok {
		c.mu.Unlock()
		c.notify(Observer.Miss, key)
		return nil, false
	}
	if !e.fresh(c.now()) {
		c.store.remove(key)
		c.mu.Unlock()
		c.notify(Observer.Expired, key)
		return nil, false
	}
	c.mu.Unlock()
	c.notify(Observer.Hit, key)
	return e.value, true
}

// Set stores value with the default ttl, replacing any previous entry.
func (c *Cache) Set(key string, value any) { c.SetWithTTL(key, value, c.defaultTTL) }

// SetWithTTL stores value with ttl; a non-positive ttl falls back to the default.
func (c *Cache) SetWithTTL(key string, value any, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	c.mu.Lock()
	c.store.put(key, entry{value: value, storedAt: c.now(), ttl: ttl})
	c.mu.Unlock()
}

// Clear drops key. Call it right after writing the collection the key caches.
func (c *Cache) Clear(key string) {
	c.mu.Lock()
	c.store.remove(key)
	c.mu.Unlock()
}

// ClearAll drops every entry.
func (c *Cache) ClearAll() {
	c.mu.Lock()
	c.store.purge()
	c.mu.Unlock()
}

// Len counts stored entries, including expired ones not yet observed.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.store.len()
}

func (c *Cache) notify(fn func(Observer, string), key string) {
	if c.observer != nil {
		fn(c.observer, key)
	}
}

// onEvict runs under c.mu from inside the LRU; only capacity evictions are reported.
func (c *Cache) onEvict(key string) { c.notify(Observer.Evicted, key) }

// Get is the typed form of (*Cache).Get. A value of another type is a miss.
func Get[T any](c *Cache, key string) (T, bool) {
	var zero T
	v, ok := c.Get(key)
	if !ok {
		return zero, false
	}
	t, ok := v.(T)
	if !ok {
		return zero, false
	}
	return t, true
}

// Fetch reads key through the cache, calling fetch on a miss and storing its
// result with ttl (0 means the default). Fetch errors are returned and not cached.
func Fetch[T any](ctx context.Context, c *Cache, key string, ttl time.Duration, fetch func(context.Context) (T, error)) (T, error) {
	if v, ok := Get[T](c, key); ok {
		return v, nil
	}
	v, err := fetch(ctx)
	if err != nil {
		var zero T
		return zero, err
	}
	c.SetWithTTL(key, v, ttl)
	return v, nil
}

type mapBackend map[string]entry

func (m mapBackend) get(key string) (entry, bool) {
	e, ok := m[key]
	return e, ok
}

func (m mapBackend) put(key string, e entry) { m[key] = e }
func (m mapBackend) remove(key string)       { delete(m, key) }
func (m mapBackend) len() int                { return len(m) }

func (m mapBackend) purge() {
	for k := range m {
		delete(m, k)
	}
}

type lruBackend struct {
	l *lru.Cache[string, entry]
	// removing is set while we delete on purpose so the eviction callback
	// only reports capacity evictions.
	removing bool
}

func newLRUBackend(size int, onEvict func(string)) *lruBackend {
	b := &lruBackend{}
	l, err := lru.NewWithEvict[string, entry](size, func(key string, _ entry) {
		if !b.removing {
			onEvict(key)
		}
	})
	if err != nil {
		// only returned for non-positive sizes, which New never passes
		panic(err)
	}
	b.l = l
	return b
}

func (b *lruBackend) get(key string) (entry, bool) { return b.l.Get(key) }
func (b *lruBackend) put(key string, e entry)      { b.l.Add(key, e) }
func (b *lruBackend) len() int                     { return b.l.Len() }

func (b *lruBackend) remove(key string) {
	b.removing = true
	b.l.Remove(key)
	b.removing = false
}

func (b *lruBackend) purge() {
	b.removing = true
	b.l.Purge()
	b.removing = false
}
