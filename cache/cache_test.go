package cache

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 10, 12, 0, 0, 0, time.UTC)}
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

type countingObserver struct {
	mu                            sync.Mutex
	hits, misses, expired, evicts []string
}

func (o *countingObserver) record(list *[]string, k string) {
	o.mu.Lock()
	*list = append(*list, k)
	o.mu.Unlock()
}

func (o *countingObserver) Hit(k string)     { o.record(&o.hits, k) }
func (o *countingObserver) Miss(k string)    { o.record(&o.misses, k) }
func (o *countingObserver) Expired(k string) { o.record(&o.expired, k) }
func (o *countingObserver) Evicted(k string) { o.record(&o.evicts, k) }

func TestTTLBoundary(t *testing.T) {
	clock := newFakeClock()
	c := New(WithClock(clock.Now))
	data := []string{"go", "rust"}

	c.SetWithTTL("tracks", data, time.Second)

	clock.Advance(999 * time.Millisecond)
	got, ok := Get[[]string](c, "tracks")
	require.True(t, ok)
	assert.Equal(t, data, got)

	clock.Advance(2 * time.Millisecond) // +1001ms
	_, ok = c.Get("tracks")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len(), "expired entry is evicted on read")
}

func TestEntryExpiresExactlyAtTTL(t *testing.T) {
	clock := newFakeClock()
	c := New(WithClock(clock.Now))
	c.SetWithTTL("k", 1, time.Second)
	clock.Advance(time.Second)
	_, ok := c.Get("k")
	assert.False(t, ok)
}

func TestClear(t *testing.T) {
	c := New()
	c.Set("tracks", "A")
	c.Set("projects", "B")

	c.Clear("tracks")
	_, ok := c.Get("tracks")
	assert.False(t, ok)
	v, ok := c.Get("projects")
	require.True(t, ok)
	assert.Equal(t, "B", v)

	c.ClearAll()
	assert.Equal(t, 0, c.Len())
}

func TestSetOverwritesAndRestartsTTL(t *testing.T) {
	clock := newFakeClock()
	c := New(WithClock(clock.Now), WithDefaultTTL(time.Second))

	c.Set("k", "old")
	clock.Advance(900 * time.Millisecond)
	c.Set("k", "new")
	clock.Advance(900 * time.Millisecond)

	v, ok := Get[string](c, "k")
	require.True(t, ok)
	assert.Equal(t, "new", v)
}

func TestTypedGetMismatchIsMiss(t *testing.T) {
	c := New()
	c.Set("k", 42)
	_, ok := Get[string](c, "k")
	assert.False(t, ok)
	n, ok := Get[int](c, "k")
	assert.True(t, ok)
	assert.Equal(t, 42, n)
}

func TestNonPositiveTTLUsesDefault(t *testing.T) {
	clock := newFakeClock()
	c := New(WithClock(clock.Now), WithDefaultTTL(time.Minute))
	c.SetWithTTL("k", 1, 0)
	clock.Advance(30 * time.Second)
	_, ok := c.Get("k")
	assert.True(t, ok)
	assert.Equal(t, time.Minute, c.DefaultTTLValue())
}

func TestFetchCachesUntilExpiry(t *testing.T) {
	clock := newFakeClock()
	c := New(WithClock(clock.Now))
	calls := 0
	fetch := func(context.Context) ([]string, error) {
		calls++
		return []string{"a"}, nil
	}

	for i := 0; i < 3; i++ {
		v, err := Fetch(context.Background(), c, "tracks", time.Second, fetch)
		require.NoError(t, err)
		assert.Equal(t, []string{"a"}, v)
	}
	assert.Equal(t, 1, calls)

	clock.Advance(2 * time.Second)
	_, err := Fetch(context.Background(), c, "tracks", time.Second, fetch)
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestFetchDoesNotCacheErrors(t *testing.T) {
	c := New()
	boom := errors.New("store down")
	_, err := Fetch(context.Background(), c, "tracks", 0, func(context.Context) (int, error) { return 0, boom })
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 0, c.Len())
}

func TestObserver(t *testing.T) {
	clock := newFakeClock()
	obs := &countingObserver{}
	c := New(WithClock(clock.Now), WithObserver(obs))

	c.Get("a")
	c.SetWithTTL("a", 1, time.Second)
	c.Get("a")
	clock.Advance(time.Second)
	c.Get("a")

	assert.Equal(t, []string{"a"}, obs.misses)
	assert.Equal(t, []string{"a"}, obs.hits)
	assert.Equal(t, []string{"a"}, obs.expired)
	assert.Empty(t, obs.evicts)
}

func TestMaxEntriesEvictsLeastRecentlyUsed(t *testing.T) {
	obs := &countingObserver{}
	c := New(WithMaxEntries(2), WithObserver(obs))

	c.Set("a", 1)
	c.Set("b", 2)
	_, _ = c.Get("a") // a is now most recent
	c.Set("c", 3)

	_, ok := c.Get("b")
	assert.False(t, ok)
	_, ok = c.Get("a")
	assert.True(t, ok)
	assert.Equal(t, 2, c.Len())
	assert.Equal(t, []string{"b"}, obs.evicts)

	c.Clear("a")
	c.ClearAll()
	assert.Equal(t, []string{"b"}, obs.evicts, "explicit clears are not evictions")
}

func TestConcurrentAccess(t *testing.T) {
	c := New(WithMaxEntries(64))
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				key := string(rune('a' + (i+j)%26))
				c.Set(key, j)
				c.Get(key)
				if j%50 == 0 {
					c.Clear(key)
				}
			}
		}(i)
	}
	wg.Wait()
	assert.LessOrEqual(t, c.Len(), 26)
}
