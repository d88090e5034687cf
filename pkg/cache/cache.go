package cache

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dmitrymomot/entitlements/pkg/async"
	"github.com/dmitrymomot/entitlements/pkg/kvstore"
	"github.com/dmitrymomot/entitlements/pkg/logger"
)

// Loader fetches a fresh value from the remote source of truth.
type Loader[T any] func(ctx context.Context) (T, error)

// Cache is a versioned, TTL-bound two-tier cache. The memory tier is
// authoritative; the durable tier lets entries survive restarts. Entries
// written under another schema version are treated as absent.
type Cache[T any] struct {
	name     string
	prefix   string
	version  string
	ttl      time.Duration
	interval time.Duration
	now      func() time.Time
	logger   *slog.Logger
	onClean  func(name string, r CleanupReport)

	durable kvstore.Store
	mem     *memoryTier[T]
	flight  async.Flight[T]

	mu          sync.Mutex
	inflight    map[string]int
	retained    map[string]struct{}
	lastCleanup CleanupReport

	hits              atomic.Int64
	misses            atomic.Int64
	staleServed       atomic.Int64
	durableErrors     atomic.Int64
	versionMismatches atomic.Int64
	evictions         atomic.Int64
}

// New creates a cache namespace backed by durable. Panics when durable is nil.
func New[T any](name string, durable kvstore.Store, opts ...Option) *Cache[T] {
	if durable == nil {
		panic("cache: durable store is required")
	}
	if name == "" {
		panic("cache: name is required")
	}

	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}

	return &Cache[T]{
		name:     name,
		prefix:   o.keyPrefix + name + ":",
		version:  o.version,
		ttl:      o.ttl,
		interval: o.cleanupInterval,
		now:      o.now,
		logger:   o.logger.With(logger.Component("cache"), slog.String("cache", name)),
		onClean:  o.onCleanup,
		durable:  durable,
		mem:      newMemoryTier[T](o.capacity),
		inflight: make(map[string]int),
		retained: make(map[string]struct{}),
	}
}

// Name returns the cache namespace.
func (c *Cache[T]) Name() string { return c.name }

// TTL returns the default time to live.
func (c *Cache[T]) TTL() time.Duration { return c.ttl }

// Get returns the live entry for key, checking memory first and then the
// durable tier. The entry may be expired; use Entry.Fresh to tell.
func (c *Cache[T]) Get(ctx context.Context, key string) (Entry[T], bool) {
	e, _, ok := c.lookup(ctx, key)
	if ok && e.Fresh(c.now()) {
		c.hits.Add(1)
	} else {
		c.misses.Add(1)
	}
	return e, ok
}

// Peek is Get without touching the hit and miss counters.
func (c *Cache[T]) Peek(ctx context.Context, key string) (Entry[T], bool) {
	e, _, ok := c.lookup(ctx, key)
	return e, ok
}

// Put stores value under key with the default TTL.
func (c *Cache[T]) Put(ctx context.Context, key string, value T) error {
	return c.PutWithTTL(ctx, key, value, c.ttl)
}

// PutWithTTL stores value in memory and then in the durable tier. A durable
// failure is returned but the memory entry stays in place and is served.
func (c *Cache[T]) PutWithTTL(ctx context.Context, key string, value T, ttl time.Duration) error {
	now := c.now()
	e := Entry[T]{
		Data:      value,
		CachedAt:  now,
		ExpiresAt: now.Add(ttl),
		Version:   c.version,
	}

	c.storeMemory(key, e, now)
	c.mu.Lock()
	delete(c.retained, key)
	c.mu.Unlock()

	data, err := json.Marshal(e)
	if err != nil {
		return errors.Join(ErrEncode, err)
	}
	if err := c.durable.Set(ctx, c.prefix+key, string(data)); err != nil {
		c.durableErrors.Add(1)
		c.logger.WarnContext(ctx, "durable cache write failed", logger.CacheKey(key), logger.Error(err))
		return errors.Join(ErrDurableWrite, err)
	}
	return nil
}

// Invalidate removes key from both tiers.
func (c *Cache[T]) Invalidate(ctx context.Context, key string) error {
	c.mem.remove(key)
	c.mu.Lock()
	delete(c.retained, key)
	c.mu.Unlock()

	if err := c.durable.Delete(ctx, c.prefix+key); err != nil {
		c.durableErrors.Add(1)
		return errors.Join(ErrDurableWrite, err)
	}
	return nil
}

// Fetch serves a fresh entry from cache or refreshes it through load.
// Concurrent refreshes of one key share a single load call, which keeps
// running when the caller that started it gives up. When load fails
// and any entry exists, even an expired one, it is returned with Stale set
// and a nil error; the failure only propagates when nothing is cached.
func (c *Cache[T]) Fetch(ctx context.Context, key string, load Loader[T]) (Result[T], error) {
	now := c.now()
	if e, src, ok := c.lookup(ctx, key); ok && e.Fresh(now) {
		c.hits.Add(1)
		return Result[T]{Entry: e, Source: src}, nil
	}
	c.misses.Add(1)

	c.beginRefresh(key)
	defer c.endRefresh(key)

	value, err := c.flight.Do(ctx, key, load)
	if err == nil {
		if perr := c.Put(ctx, key, value); perr != nil && !errors.Is(perr, ErrDurableWrite) {
			return Result[T]{}, perr
		}
		e, ok := c.mem.peek(key)
		if !ok {
			e = Entry[T]{Data: value, CachedAt: now, ExpiresAt: now.Add(c.ttl), Version: c.version}
		}
		return Result[T]{Entry: e, Source: SourceRemote}, nil
	}

	if e, src, ok := c.lookup(ctx, key); ok {
		c.mu.Lock()
		c.retained[key] = struct{}{}
		c.mu.Unlock()
		c.staleServed.Add(1)
		c.logger.InfoContext(ctx, "serving stale entry after refresh failure",
			logger.CacheKey(key), logger.Error(err))
		return Result[T]{Entry: e, Source: src, Stale: !e.Fresh(c.now()), FetchErr: err}, nil
	}
	return Result[T]{}, errors.Join(ErrFetchFailed, err)
}

// Load warms the memory tier from the durable tier and returns how many
// entries were loaded. Expired entries stay in the durable tier as stale
// fallbacks but are not loaded. Entries from another schema version or that
// cannot be decoded are deleted.
func (c *Cache[T]) Load(ctx context.Context) (int, error) {
	keys, err := c.durable.Keys(ctx, c.prefix)
	if err != nil {
		c.durableErrors.Add(1)
		return 0, errors.Join(ErrDurableRead, err)
	}

	now := c.now()
	loaded := 0
	for _, full := range keys {
		if err := ctx.Err(); err != nil {
			return loaded, err
		}
		key := strings.TrimPrefix(full, c.prefix)
		e, ok := c.readDurable(ctx, key)
		if !ok || !e.Fresh(now) {
			continue
		}
		if _, exists := c.mem.peek(key); exists {
			continue
		}
		c.storeMemory(key, e, now)
		loaded++
	}

	c.logger.DebugContext(ctx, "cache loaded from durable store", slog.Int("entries", loaded))
	return loaded, nil
}

// Rebuild drops the memory tier and reloads it from the durable tier.
func (c *Cache[T]) Rebuild(ctx context.Context) (int, error) {
	c.mem.clear()
	c.mu.Lock()
	clear(c.retained)
	c.mu.Unlock()
	return c.Load(ctx)
}

// Cleanup removes expired entries from both tiers, skipping keys that are
// being refreshed and stale entries retained after a failed refresh.
func (c *Cache[T]) Cleanup(ctx context.Context) (CleanupReport, error) {
	now := c.now()
	report := CleanupReport{At: now}

	keys, err := c.durable.Keys(ctx, c.prefix)
	if err != nil {
		c.durableErrors.Add(1)
		keys = nil
	}
	seen := make(map[string]struct{}, len(keys))
	for _, full := range keys {
		seen[strings.TrimPrefix(full, c.prefix)] = struct{}{}
	}
	for _, key := range c.mem.keys() {
		seen[key] = struct{}{}
	}

	var stale []string
	for key := range seen {
		report.Scanned++
		if c.pinned(key) {
			report.Retained++
			continue
		}

		e, ok := c.mem.peek(key)
		if !ok {
			if e, ok = c.readDurable(ctx, key); !ok {
				continue
			}
		}
		if e.Fresh(now) {
			continue
		}

		c.mem.removeIf(key, func(cur Entry[T]) bool { return !cur.Fresh(now) })
		stale = append(stale, c.prefix+key)
		report.Removed++
	}

	if len(stale) > 0 {
		if derr := c.durable.Delete(ctx, stale...); derr != nil {
			c.durableErrors.Add(1)
			err = errors.Join(err, derr)
		}
	}

	c.mu.Lock()
	c.lastCleanup = report
	c.mu.Unlock()

	if c.onClean != nil {
		c.onClean(c.name, report)
	}
	c.logger.DebugContext(ctx, "cache cleanup finished",
		slog.Int("scanned", report.Scanned),
		slog.Int("removed", report.Removed),
		slog.Int("retained", report.Retained))

	if err != nil {
		return report, errors.Join(ErrDurableRead, err)
	}
	return report, nil
}

// Run performs Cleanup on the configured interval until ctx is done.
func (c *Cache[T]) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := c.Cleanup(ctx); err != nil && ctx.Err() == nil {
				c.logger.WarnContext(ctx, "cache cleanup failed", logger.Error(err))
			}
		}
	}
}

// Stats returns a snapshot of the cache counters. HitRate covers the
// lifetime of the cache.
func (c *Cache[T]) Stats() Stats {
	total, expired := c.mem.counts(c.now())
	hits, misses := c.hits.Load(), c.misses.Load()

	rate := 1.0
	if hits+misses > 0 {
		rate = float64(hits) / float64(hits+misses)
	}

	c.mu.Lock()
	inflight, retained, last := len(c.inflight), len(c.retained), c.lastCleanup
	c.mu.Unlock()

	return Stats{
		Name:              c.name,
		Version:           c.version,
		Entries:           total,
		Expired:           expired,
		Hits:              hits,
		Misses:            misses,
		HitRate:           rate,
		StaleServed:       c.staleServed.Load(),
		DurableErrors:     c.durableErrors.Load(),
		VersionMismatches: c.versionMismatches.Load(),
		Evictions:         c.evictions.Load(),
		Inflight:          inflight,
		Retained:          retained,
		LastCleanup:       last,
	}
}

func (c *Cache[T]) lookup(ctx context.Context, key string) (Entry[T], Source, bool) {
	if e, ok := c.mem.get(key); ok {
		if e.Version == c.version {
			return e, SourceMemory, true
		}
		c.mem.remove(key)
	}

	e, ok := c.readDurable(ctx, key)
	if !ok {
		return Entry[T]{}, "", false
	}
	c.storeMemory(key, e, c.now())
	return e, SourceDurable, true
}

// readDurable decodes the durable entry for key. Undecodable and
// version-mismatched entries are deleted and reported as absent.
func (c *Cache[T]) readDurable(ctx context.Context, key string) (Entry[T], bool) {
	raw, err := c.durable.Get(ctx, c.prefix+key)
	if err != nil {
		if !errors.Is(err, kvstore.ErrNotFound) {
			c.durableErrors.Add(1)
			c.logger.WarnContext(ctx, "durable cache read failed", logger.CacheKey(key), logger.Error(err))
		}
		return Entry[T]{}, false
	}

	var e Entry[T]
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		c.logger.WarnContext(ctx, "dropping malformed cache entry", logger.CacheKey(key), logger.Error(err))
		_ = c.durable.Delete(ctx, c.prefix+key)
		return Entry[T]{}, false
	}
	if e.Version != c.version {
		c.versionMismatches.Add(1)
		c.logger.DebugContext(ctx, "dropping cache entry from another schema version",
			logger.CacheKey(key), slog.String("entry_version", e.Version))
		_ = c.durable.Delete(ctx, c.prefix+key)
		return Entry[T]{}, false
	}
	return e, true
}

func (c *Cache[T]) storeMemory(key string, e Entry[T], now time.Time) {
	if evicted := c.mem.put(key, e, now); len(evicted) > 0 {
		c.evictions.Add(int64(len(evicted)))
	}
}

func (c *Cache[T]) beginRefresh(key string) {
	c.mu.Lock()
	c.inflight[key]++
	c.mu.Unlock()
}

func (c *Cache[T]) endRefresh(key string) {
	c.mu.Lock()
	if c.inflight[key]--; c.inflight[key] <= 0 {
		delete(c.inflight, key)
	}
	c.mu.Unlock()
}

func (c *Cache[T]) pinned(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, refreshing := c.inflight[key]
	_, retained := c.retained[key]
	return refreshing || retained
}
