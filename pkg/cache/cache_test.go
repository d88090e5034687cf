package cache_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/entitlements/pkg/cache"
	"github.com/dmitrymomot/entitlements/pkg/kvstore"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock {
	return &clock{now: time.Date(2025, 3, 15, 12, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type failingStore struct {
	kvstore.Store
	failWrites atomic.Bool
}

func (s *failingStore) Set(ctx context.Context, key, value string) error {
	if s.failWrites.Load() {
		return errors.New("disk full")
	}
	return s.Store.Set(ctx, key, value)
}

var errRemote = errors.New("remote unavailable")

func newCache(t *testing.T, store kvstore.Store, clk *clock, opts ...cache.Option) *cache.Cache[string] {
	t.Helper()
	opts = append([]cache.Option{cache.WithClock(clk.Now), cache.WithTTL(time.Minute)}, opts...)
	return cache.New[string]("subscription", store, opts...)
}

func TestNew(t *testing.T) {
	t.Parallel()

	assert.Panics(t, func() { cache.New[string]("x", nil) })
	assert.Panics(t, func() { cache.New[string]("", kvstore.NewMemoryStore()) })

	c := cache.New[string]("usage", kvstore.NewMemoryStore())
	assert.Equal(t, "usage", c.Name())
	assert.Equal(t, cache.DefaultTTL, c.TTL())
}

func TestCache_PutGet(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("fresh until ttl elapses", func(t *testing.T) {
		t.Parallel()
		clk := newClock()
		c := newCache(t, kvstore.NewMemoryStore(), clk)

		require.NoError(t, c.Put(ctx, "u1", "pro"))

		e, ok := c.Get(ctx, "u1")
		require.True(t, ok)
		assert.Equal(t, "pro", e.Data)
		assert.Equal(t, cache.DefaultVersion, e.Version)
		assert.Equal(t, clk.Now(), e.CachedAt)
		assert.True(t, e.Fresh(clk.Now()))

		clk.Advance(time.Minute)
		e, ok = c.Get(ctx, "u1")
		require.True(t, ok)
		assert.False(t, e.Fresh(clk.Now()))

		stats := c.Stats()
		assert.Equal(t, int64(1), stats.Hits)
		assert.Equal(t, int64(1), stats.Misses)
		assert.InDelta(t, 0.5, stats.HitRate, 0.001)
		assert.Equal(t, 1, stats.Expired)
	})

	t.Run("custom ttl", func(t *testing.T) {
		t.Parallel()
		clk := newClock()
		c := newCache(t, kvstore.NewMemoryStore(), clk)

		require.NoError(t, c.PutWithTTL(ctx, "u1", "pro", 10*time.Second))
		clk.Advance(11 * time.Second)

		e, ok := c.Get(ctx, "u1")
		require.True(t, ok)
		assert.False(t, e.Fresh(clk.Now()))
	})

	t.Run("missing key", func(t *testing.T) {
		t.Parallel()
		c := newCache(t, kvstore.NewMemoryStore(), newClock())

		_, ok := c.Get(ctx, "nobody")
		assert.False(t, ok)
		assert.Zero(t, c.Stats().HitRate)
	})

	t.Run("durable write failure keeps memory entry", func(t *testing.T) {
		t.Parallel()
		store := &failingStore{Store: kvstore.NewMemoryStore()}
		store.failWrites.Store(true)
		c := newCache(t, store, newClock())

		err := c.Put(ctx, "u1", "pro")
		require.ErrorIs(t, err, cache.ErrDurableWrite)

		e, ok := c.Get(ctx, "u1")
		require.True(t, ok)
		assert.Equal(t, "pro", e.Data)
		assert.Equal(t, int64(1), c.Stats().DurableErrors)
	})

	t.Run("invalidate removes both tiers", func(t *testing.T) {
		t.Parallel()
		store := kvstore.NewMemoryStore()
		c := newCache(t, store, newClock())

		require.NoError(t, c.Put(ctx, "u1", "pro"))
		require.Equal(t, 1, store.Len())
		require.NoError(t, c.Invalidate(ctx, "u1"))

		_, ok := c.Get(ctx, "u1")
		assert.False(t, ok)
		assert.Equal(t, 0, store.Len())
	})
}

func TestCache_Fetch(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("loads on miss and serves from memory afterwards", func(t *testing.T) {
		t.Parallel()
		c := newCache(t, kvstore.NewMemoryStore(), newClock())

		var calls atomic.Int32
		load := func(context.Context) (string, error) {
			calls.Add(1)
			return "pro", nil
		}

		res, err := c.Fetch(ctx, "u1", load)
		require.NoError(t, err)
		assert.Equal(t, "pro", res.Data)
		assert.Equal(t, cache.SourceRemote, res.Source)
		assert.False(t, res.Stale)

		res, err = c.Fetch(ctx, "u1", load)
		require.NoError(t, err)
		assert.Equal(t, cache.SourceMemory, res.Source)
		assert.Equal(t, int32(1), calls.Load())
	})

	t.Run("refreshes expired entries", func(t *testing.T) {
		t.Parallel()
		clk := newClock()
		c := newCache(t, kvstore.NewMemoryStore(), clk)
		require.NoError(t, c.Put(ctx, "u1", "free"))

		clk.Advance(2 * time.Minute)
		res, err := c.Fetch(ctx, "u1", func(context.Context) (string, error) { return "pro", nil })
		require.NoError(t, err)
		assert.Equal(t, "pro", res.Data)
		assert.Equal(t, cache.SourceRemote, res.Source)
		assert.True(t, res.Fresh(clk.Now()))
	})

	t.Run("serves stale entry when remote fails", func(t *testing.T) {
		t.Parallel()
		clk := newClock()
		c := newCache(t, kvstore.NewMemoryStore(), clk)
		require.NoError(t, c.Put(ctx, "u1", "pro"))

		clk.Advance(2 * time.Minute)
		res, err := c.Fetch(ctx, "u1", func(context.Context) (string, error) { return "", errRemote })
		require.NoError(t, err)
		assert.Equal(t, "pro", res.Data)
		assert.True(t, res.Stale)
		assert.ErrorIs(t, res.FetchErr, errRemote)

		stats := c.Stats()
		assert.Equal(t, int64(1), stats.StaleServed)
		assert.Equal(t, 1, stats.Retained)
	})

	t.Run("fails when nothing is cached", func(t *testing.T) {
		t.Parallel()
		c := newCache(t, kvstore.NewMemoryStore(), newClock())

		_, err := c.Fetch(ctx, "u1", func(context.Context) (string, error) { return "", errRemote })
		require.ErrorIs(t, err, cache.ErrFetchFailed)
		assert.ErrorIs(t, err, errRemote)
	})

	t.Run("concurrent fetches share one load", func(t *testing.T) {
		t.Parallel()
		c := newCache(t, kvstore.NewMemoryStore(), newClock())

		var calls atomic.Int32
		release := make(chan struct{})
		load := func(context.Context) (string, error) {
			calls.Add(1)
			<-release
			return "pro", nil
		}

		var wg sync.WaitGroup
		for range 8 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				res, err := c.Fetch(ctx, "u1", load)
				assert.NoError(t, err)
				assert.Equal(t, "pro", res.Data)
			}()
		}

		require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, time.Millisecond)
		time.Sleep(20 * time.Millisecond)
		close(release)
		wg.Wait()

		assert.LessOrEqual(t, calls.Load(), int32(2))
	})

	t.Run("shared load survives the first caller cancelling", func(t *testing.T) {
		t.Parallel()
		c := newCache(t, kvstore.NewMemoryStore(), newClock())

		var once sync.Once
		started := make(chan struct{})
		release := make(chan struct{})
		load := func(ctx context.Context) (string, error) {
			once.Do(func() { close(started) })
			select {
			case <-release:
				return "pro", nil
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}

		firstCtx, cancelFirst := context.WithCancel(ctx)
		first := make(chan error, 1)
		go func() {
			_, err := c.Fetch(firstCtx, "u1", load)
			first <- err
		}()
		<-started

		second := make(chan cache.Result[string], 1)
		go func() {
			res, err := c.Fetch(ctx, "u1", load)
			assert.NoError(t, err)
			second <- res
		}()

		time.Sleep(20 * time.Millisecond)
		cancelFirst()
		assert.ErrorIs(t, <-first, context.Canceled)

		close(release)
		select {
		case res := <-second:
			assert.Equal(t, "pro", res.Data)
			assert.Equal(t, cache.SourceRemote, res.Source)
		case <-time.After(time.Second):
			t.Fatal("second caller did not get the shared load")
		}
	})
}

func TestCache_Versioning(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	clk := newClock()
	store := kvstore.NewMemoryStore()

	old := newCache(t, store, clk, cache.WithVersion("v0.9.0"))
	require.NoError(t, old.Put(ctx, "u1", "pro"))
	require.Equal(t, 1, store.Len())

	current := newCache(t, store, clk)
	_, ok := current.Get(ctx, "u1")
	assert.False(t, ok)
	assert.Equal(t, 0, store.Len(), "mismatched entry must be deleted")
	assert.Equal(t, int64(1), current.Stats().VersionMismatches)

	t.Run("malformed durable entry is dropped", func(t *testing.T) {
		require.NoError(t, store.Set(ctx, cache.DefaultKeyPrefix+"subscription:u2", "{not json"))

		_, ok := current.Get(ctx, "u2")
		assert.False(t, ok)
		assert.Equal(t, 0, store.Len())
	})
}

func TestCache_LoadAndRebuild(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	clk := newClock()
	store := kvstore.NewMemoryStore()

	first := newCache(t, store, clk)
	require.NoError(t, first.Put(ctx, "u1", "pro"))
	require.NoError(t, first.Put(ctx, "u2", "starter"))

	other := cache.New[string]("usage", store, cache.WithClock(clk.Now))
	require.NoError(t, other.Put(ctx, "u1", "42"))

	restarted := newCache(t, store, clk)
	n, err := restarted.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	res, err := restarted.Fetch(ctx, "u1", func(context.Context) (string, error) {
		t.Fatal("loader must not be called for a fresh persisted entry")
		return "", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "pro", res.Data)
	assert.Equal(t, cache.SourceMemory, res.Source)

	n, err = restarted.Rebuild(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 2, restarted.Stats().Entries)
}

func TestCache_Cleanup(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("removes expired entries from both tiers", func(t *testing.T) {
		t.Parallel()
		clk := newClock()
		store := kvstore.NewMemoryStore()

		var hooked cache.CleanupReport
		c := newCache(t, store, clk, cache.WithCleanupHook(func(name string, r cache.CleanupReport) {
			assert.Equal(t, "subscription", name)
			hooked = r
		}))

		require.NoError(t, c.PutWithTTL(ctx, "short", "a", 30*time.Second))
		require.NoError(t, c.PutWithTTL(ctx, "long", "b", time.Hour))
		clk.Advance(time.Minute)

		report, err := c.Cleanup(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, report.Scanned)
		assert.Equal(t, 1, report.Removed)
		assert.Equal(t, report, hooked)
		assert.Equal(t, 1, store.Len())

		_, ok := c.Get(ctx, "short")
		assert.False(t, ok)
		assert.Equal(t, report, c.Stats().LastCleanup)
	})

	t.Run("keeps retained stale entries", func(t *testing.T) {
		t.Parallel()
		clk := newClock()
		store := kvstore.NewMemoryStore()
		c := newCache(t, store, clk)

		require.NoError(t, c.Put(ctx, "u1", "pro"))
		clk.Advance(2 * time.Minute)
		_, err := c.Fetch(ctx, "u1", func(context.Context) (string, error) { return "", errRemote })
		require.NoError(t, err)

		report, err := c.Cleanup(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, report.Removed)
		assert.Equal(t, 1, report.Retained)
		assert.Equal(t, 1, store.Len())

		// A successful write releases the key.
		require.NoError(t, c.PutWithTTL(ctx, "u1", "pro", time.Second))
		clk.Advance(2 * time.Second)
		report, err = c.Cleanup(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, report.Removed)
	})

	t.Run("skips keys being refreshed", func(t *testing.T) {
		t.Parallel()
		clk := newClock()
		store := kvstore.NewMemoryStore()
		c := newCache(t, store, clk)

		require.NoError(t, c.Put(ctx, "u1", "free"))
		clk.Advance(2 * time.Minute)

		started := make(chan struct{})
		release := make(chan struct{})
		done := make(chan struct{})
		go func() {
			defer close(done)
			_, _ = c.Fetch(ctx, "u1", func(context.Context) (string, error) {
				close(started)
				<-release
				return "pro", nil
			})
		}()
		<-started

		report, err := c.Cleanup(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, report.Removed)
		assert.Equal(t, 1, report.Retained)

		close(release)
		<-done

		e, ok := c.Get(ctx, "u1")
		require.True(t, ok)
		assert.Equal(t, "pro", e.Data)
	})
}

func TestCache_Eviction(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	clk := newClock()
	c := newCache(t, kvstore.NewMemoryStore(), clk, cache.WithCapacity(2))

	require.NoError(t, c.PutWithTTL(ctx, "a", "1", 30*time.Second))
	require.NoError(t, c.PutWithTTL(ctx, "b", "2", time.Hour))
	clk.Advance(time.Minute)

	// "a" becomes most recently used but is expired, so it goes first.
	_, ok := c.Get(ctx, "a")
	require.True(t, ok)
	require.NoError(t, c.Put(ctx, "c", "3"))

	stats := c.Stats()
	assert.Equal(t, int64(1), stats.Evictions)
	assert.Equal(t, 2, stats.Entries)
	assert.Equal(t, 0, stats.Expired)
}

func TestCache_Run(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	var runs atomic.Int32
	c := cache.New[string]("subscription", kvstore.NewMemoryStore(),
		cache.WithCleanupInterval(5*time.Millisecond),
		cache.WithCleanupHook(func(string, cache.CleanupReport) { runs.Add(1) }),
	)

	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	require.Eventually(t, func() bool { return runs.Load() >= 2 }, time.Second, time.Millisecond)
	cancel()
	assert.NoError(t, <-done)
}
