// Package cache implements a bounded, per-entry-TTL associative store
// shared by the session and upstream-client stores. Entries carry their
// own creation time and duration rather than relying on a single cache-wide
// TTL. An expired entry is hidden from Get at once and purged by a
// periodic sweep amortized across mutating operations, or earlier when an
// insert into a full cache needs its slot.
package cache

import (
	"container/list"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// DefaultCapacity bounds the number of live entries a cache will hold
// before it starts evicting the least recently inserted one.
const DefaultCapacity = 10000

// DefaultFlushInterval is the minimum time between expired-entry sweeps.
// Production deployments use this value; tests construct caches with
// WithFlushInterval to shrink it to something observable.
const DefaultFlushInterval = 600 * time.Second

// Clock returns the current instant. It exists so tests can substitute a
// fake clock without sleeping for real TTLs; the zero value uses
// time.Now.
type Clock func() time.Time

type entry[V any] struct {
	key       any
	value     V
	createdAt time.Time
	ttl       time.Duration
	elem      *list.Element
}

// expired treats the boundary itself as expired (>=, not >): a zero TTL
// must never be observable by a Get that lands on the same instant it was
// inserted at, which a frozen test clock makes exact rather than
// theoretical.
func (e *entry[V]) expired(now time.Time) bool {
	return !now.Before(e.createdAt.Add(e.ttl))
}

// ExpiringCache is a bounded map from K to V where every entry carries its
// own creation time and TTL. It is safe for concurrent use; all operations
// take a single mutex and never hold it across caller-supplied I/O (the
// Factory passed to GetOrInsertWith must be total and non-blocking on
// external calls of unbounded duration).
type ExpiringCache[K comparable, V any] struct {
	mu            sync.Mutex
	capacity      int
	flushInterval time.Duration
	clock         Clock
	lastFlush     time.Time

	entries map[K]*entry[V]
	order   *list.List // insertion order, front = oldest, for LRU eviction

	sf singleflight.Group // de-dupes concurrent factory calls for the same key
}

// Option configures an ExpiringCache at construction time.
type Option[K comparable, V any] func(*ExpiringCache[K, V])

// WithCapacity overrides DefaultCapacity.
func WithCapacity[K comparable, V any](n int) Option[K, V] {
	return func(c *ExpiringCache[K, V]) { c.capacity = n }
}

// WithFlushInterval overrides DefaultFlushInterval. Tests use this to make
// the periodic sweep observable without waiting ten minutes.
func WithFlushInterval[K comparable, V any](d time.Duration) Option[K, V] {
	return func(c *ExpiringCache[K, V]) { c.flushInterval = d }
}

// WithClock overrides the time source. Tests use this to simulate the
// passage of time deterministically.
func WithClock[K comparable, V any](clock Clock) Option[K, V] {
	return func(c *ExpiringCache[K, V]) { c.clock = clock }
}

// New constructs an empty ExpiringCache with DefaultCapacity and
// DefaultFlushInterval, both overridable via Option.
func New[K comparable, V any](opts ...Option[K, V]) *ExpiringCache[K, V] {
	c := &ExpiringCache[K, V]{
		capacity:      DefaultCapacity,
		flushInterval: DefaultFlushInterval,
		clock:         time.Now,
		entries:       make(map[K]*entry[V]),
		order:         list.New(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.lastFlush = c.clock()
	return c
}

// SetWithTTL inserts v under k with the given ttl, timestamped now, and
// returns the value it displaced (if any — including an already-expired
// one). A ttl of zero is permitted; the entry is immediately expired and
// will not be observed by Get.
func (c *ExpiringCache[K, V]) SetWithTTL(k K, v V, ttl time.Duration) (previous V, hadPrevious bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.sweepIfStaleLocked()

	if old, ok := c.entries[k]; ok {
		previous, hadPrevious = old.value, true
		c.order.Remove(old.elem)
		delete(c.entries, k)
	}

	c.evictForSpaceLocked(now)

	e := &entry[V]{key: k, value: v, createdAt: now, ttl: ttl}
	e.elem = c.order.PushBack(e)
	c.entries[k] = e

	return previous, hadPrevious
}

// Get returns the value for k if present and not expired. A non-expired
// hit does not refresh recency; an expired entry behaves identically to
// an absent one (it is not removed eagerly here — only swept).
func (c *ExpiringCache[K, V]) Get(k K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock()
	e, ok := c.entries[k]
	if !ok || e.expired(now) {
		var zero V
		return zero, false
	}
	return e.value, true
}

// Factory produces a value for a cache miss. It must be total: if failure
// is possible, encode the failure inside V rather than returning an error,
// since a cancelled GetOrInsertWith must never leave a half-constructed
// entry in the cache.
type Factory[V any] func() V

// GetOrInsertWith returns the existing entry for k if present, or calls
// factory to produce one, inserts it with the given ttl timestamped now,
// and returns it. If the entry already existed with a different ttl than
// the one supplied here, the entry's ttl is reset (the caller's ttl is
// treated as authoritative — see UpstreamClientStore.Acquire).
//
// factory runs outside the cache's own mutex: two goroutines racing on a
// miss for the same k share one factory call via singleflight rather than
// each constructing (and one of them discarding) a value, but a miss on
// one key never blocks a Get or insert on another.
func (c *ExpiringCache[K, V]) GetOrInsertWith(k K, factory Factory[V], ttl time.Duration) V {
	c.mu.Lock()
	now := c.sweepIfStaleLocked()
	if e, ok := c.entries[k]; ok && !e.expired(now) {
		if e.ttl != ttl {
			e.createdAt = now
			e.ttl = ttl
		}
		c.mu.Unlock()
		return e.value
	}
	c.mu.Unlock()

	sfKey := fmt.Sprintf("%v", k)
	result, _, _ := c.sf.Do(sfKey, func() (any, error) {
		// Re-check after winning the singleflight call: another caller
		// may have inserted (and the sweep since evicted space) between
		// our miss above and acquiring the right to call factory.
		if v, ok := c.tryGetLocked(k); ok {
			return v, nil
		}
		return factory(), nil
	})
	v := result.(V)

	c.mu.Lock()
	defer c.mu.Unlock()
	now = c.clock()
	if e, ok := c.entries[k]; ok && !e.expired(now) {
		if e.ttl != ttl {
			e.createdAt = now
			e.ttl = ttl
		}
		return e.value
	}
	c.evictForSpaceLocked(now)
	e := &entry[V]{key: k, value: v, createdAt: now, ttl: ttl}
	e.elem = c.order.PushBack(e)
	c.entries[k] = e
	return v
}

// tryGetLocked is Get's logic, refreshing ttl bookkeeping via the periodic
// sweep the same way GetOrInsertWith's caller would have.
func (c *ExpiringCache[K, V]) tryGetLocked(k K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.sweepIfStaleLocked()
	if e, ok := c.entries[k]; ok && !e.expired(now) {
		return e.value, true
	}
	var zero V
	return zero, false
}

// Len reports the number of entries currently tracked, including any not
// yet swept despite being expired.
func (c *ExpiringCache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// sweepIfStaleLocked evicts all expired entries if the flush interval has
// elapsed since the last sweep. Must be called with mu held. Returns now
// so callers don't need a second clock read.
func (c *ExpiringCache[K, V]) sweepIfStaleLocked() time.Time {
	now := c.clock()
	if now.Sub(c.lastFlush) <= c.flushInterval {
		return now
	}
	c.lastFlush = now

	for k, e := range c.entries {
		if e.expired(now) {
			c.order.Remove(e.elem)
			delete(c.entries, k)
		}
	}
	return now
}

// evictForSpaceLocked makes room for one new entry: first by dropping any
// expired entries (in case the periodic sweep hasn't run recently enough),
// then — if still full — by evicting the oldest-inserted entry.
func (c *ExpiringCache[K, V]) evictForSpaceLocked(now time.Time) {
	if len(c.entries) < c.capacity {
		return
	}

	for el := c.order.Front(); el != nil; {
		next := el.Next()
		e := el.Value.(*entry[V])
		if e.expired(now) {
			c.order.Remove(el)
			delete(c.entries, e.key.(K))
		}
		el = next
	}

	if len(c.entries) < c.capacity {
		return
	}

	oldest := c.order.Front()
	if oldest == nil {
		return
	}
	e := oldest.Value.(*entry[V])
	c.order.Remove(oldest)
	delete(c.entries, e.key.(K))
}
