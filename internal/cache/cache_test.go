package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock lets tests advance time deterministically instead of sleeping.
type fakeClock struct{ now time.Time }

func (f *fakeClock) Clock() time.Time  { return f.now }
func (f *fakeClock) Advance(d time.Duration) { f.now = f.now.Add(d) }

func newFakeCache[V any](clock *fakeClock, opts ...Option[string, V]) *ExpiringCache[string, V] {
	all := append([]Option[string, V]{WithClock[string, V](clock.Clock)}, opts...)
	return New(all...)
}

func TestSetWithTTL_LiveWithinTTL_ExpiredAfter(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	c := newFakeCache[string](clock)

	prev, had := c.SetWithTTL("k", "v1", 10*time.Second)
	require.False(t, had)
	require.Empty(t, prev)

	v, ok := c.Get("k")
	require.True(t, ok)
	require.Equal(t, "v1", v)

	clock.Advance(9 * time.Second)
	v, ok = c.Get("k")
	require.True(t, ok)
	require.Equal(t, "v1", v)

	clock.Advance(2 * time.Second) // now 11s in, ttl was 10s
	_, ok = c.Get("k")
	require.False(t, ok)
}

func TestSetWithTTL_ReturnsDisplacedValue(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	c := newFakeCache[string](clock)

	c.SetWithTTL("k", "first", time.Minute)
	prev, had := c.SetWithTTL("k", "second", time.Minute)
	require.True(t, had)
	require.Equal(t, "first", prev)

	v, ok := c.Get("k")
	require.True(t, ok)
	require.Equal(t, "second", v)
}

func TestZeroTTL_NeverObservable(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	c := newFakeCache[string](clock)

	c.SetWithTTL("k", "v", 0)
	_, ok := c.Get("k")
	require.False(t, ok)
}

func TestGet_AbsentKey(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	c := newFakeCache[string](clock)
	_, ok := c.Get("missing")
	require.False(t, ok)
}

func TestGetOrInsertWith_MissCallsFactoryOnce(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	c := newFakeCache[int](clock)

	calls := 0
	factory := func() int {
		calls++
		return 42
	}

	v1 := c.GetOrInsertWith("k", factory, time.Minute)
	v2 := c.GetOrInsertWith("k", factory, time.Minute)

	require.Equal(t, 42, v1)
	require.Equal(t, 42, v2)
	require.Equal(t, 1, calls, "factory should only run on the initial miss")
}

func TestGetOrInsertWith_ResetsTTLWhenDifferent(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	c := newFakeCache[int](clock)

	c.GetOrInsertWith("k", func() int { return 1 }, 5*time.Second)

	clock.Advance(4 * time.Second)
	// Still alive, but the new TTL (20s) should reset created_at so the
	// entry is observable for the full 20s starting now.
	c.GetOrInsertWith("k", func() int { return 99 }, 20*time.Second)

	clock.Advance(10 * time.Second) // 10s since reset; would've expired under the old 5s ttl
	v, ok := c.Get("k")
	require.True(t, ok)
	require.Equal(t, 1, v, "existing value is kept, only the ttl/created_at are reset")
}

func TestCapacity_LRUEviction(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	c := newFakeCache[int](clock, WithCapacity[string, int](2))

	c.SetWithTTL("a", 1, time.Hour)
	c.SetWithTTL("b", 2, time.Hour)
	c.SetWithTTL("c", 3, time.Hour) // should evict "a"

	_, ok := c.Get("a")
	require.False(t, ok, "oldest entry should have been evicted to make room")

	_, ok = c.Get("b")
	require.True(t, ok)
	_, ok = c.Get("c")
	require.True(t, ok)

	assert.LessOrEqual(t, c.Len(), 2)
}

func TestCapacity_ExpiredEntriesEvictedFirst(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	c := newFakeCache[int](clock, WithCapacity[string, int](2))

	c.SetWithTTL("a", 1, time.Second) // will expire soon
	clock.Advance(2 * time.Second)
	c.SetWithTTL("b", 2, time.Hour)
	c.SetWithTTL("c", 3, time.Hour) // "a" is expired, should be reaped instead of LRU-evicting "b"

	_, ok := c.Get("b")
	require.True(t, ok, "expired entry should be reclaimed before evicting a live one")
	_, ok = c.Get("c")
	require.True(t, ok)
}

func TestSweepIfStale_OnlyRunsAfterFlushInterval(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	c := newFakeCache[int](clock, WithFlushInterval[string, int](time.Minute))

	c.SetWithTTL("short", 1, time.Second)
	clock.Advance(2 * time.Second) // short is expired but sweep interval hasn't elapsed

	require.Equal(t, 1, c.Len(), "entry still present in the backing map until swept")

	clock.Advance(time.Minute) // now past the flush interval
	c.SetWithTTL("trigger", 2, time.Minute)

	require.Equal(t, 1, c.Len(), "stale entry should be gone after the sweep, leaving only 'trigger'")
	_, ok := c.Get("short")
	require.False(t, ok)
}
