package entitlements_test

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
	"github.com/dmitrymomot/entitlements/pkg/health"
	"github.com/dmitrymomot/entitlements/pkg/kvstore"
	"github.com/dmitrymomot/entitlements/pkg/quota"
	"github.com/dmitrymomot/entitlements/pkg/reconciler"
	"github.com/dmitrymomot/entitlements/pkg/remotestore"
	"github.com/dmitrymomot/entitlements/pkg/subscription"
	"github.com/dmitrymomot/entitlements/svc/entitlements"
)

var (
	start          = time.Date(2025, 3, 14, 12, 0, 0, 0, time.UTC)
	errUnavailable = errors.New("unavailable")
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// remote is a memory store that can go offline or hang.
type remote struct {
	*remotestore.MemoryStore
	down  atomic.Bool
	block atomic.Bool

	mu   sync.Mutex
	gets map[string]int
	sets map[string]int
}

func (r *remote) Get(ctx context.Context, collection, id string, out any) error {
	r.mu.Lock()
	r.gets[collection]++
	r.mu.Unlock()
	if r.block.Load() {
		<-ctx.Done()
		return ctx.Err()
	}
	if r.down.Load() {
		return errUnavailable
	}
	return r.MemoryStore.Get(ctx, collection, id, out)
}

func (r *remote) Set(ctx context.Context, collection, id string, doc any) error {
	if r.down.Load() {
		return errUnavailable
	}
	r.mu.Lock()
	r.sets[collection]++
	r.mu.Unlock()
	return r.MemoryStore.Set(ctx, collection, id, doc)
}

func (r *remote) Merge(ctx context.Context, collection, id string, fields map[string]any) error {
	if r.down.Load() {
		return errUnavailable
	}
	return r.MemoryStore.Merge(ctx, collection, id, fields)
}

func (r *remote) getCount(collection string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.gets[collection]
}

func (r *remote) setCount(collection string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sets[collection]
}

type billing struct {
	result *subscription.PurchaseResult
	err    error
}

func (b *billing) Purchase(context.Context, string, string) (*subscription.PurchaseResult, error) {
	return b.result, b.err
}

func (b *billing) Restore(context.Context, string) (*subscription.PurchaseResult, error) {
	return b.result, b.err
}

type fixture struct {
	engine *entitlements.Engine
	remote *remote
	clock  *clock
}

func testConfig() entitlements.Config {
	cfg := entitlements.DefaultConfig()
	cfg.RetryAttempts = 2
	cfg.RetryBaseDelay = time.Millisecond
	cfg.RetryMaxDuration = time.Second
	cfg.DebounceWindow = 0
	cfg.HealthInterval = time.Hour
	cfg.SyncInterval = 0
	return cfg
}

func setup(t *testing.T, mutate ...func(*entitlements.Deps)) *fixture {
	t.Helper()

	clk := &clock{now: start}
	rem := &remote{
		MemoryStore: remotestore.NewMemoryStore(remotestore.WithMemoryClock(clk.Now)),
		gets:        map[string]int{},
		sets:        map[string]int{},
	}
	deps := entitlements.Deps{
		Durable: kvstore.NewMemoryStore(),
		Remote:  rem,
		Memory: func(context.Context) (health.MemorySample, error) {
			return health.MemorySample{UsedBytes: 10, LimitBytes: 100}, nil
		},
	}
	for _, m := range mutate {
		m(&deps)
	}

	e, err := entitlements.New(context.Background(), "u1", testConfig(), deps,
		entitlements.WithClock(clk.Now),
		entitlements.WithLocation(time.UTC))
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })

	return &fixture{engine: e, remote: rem, clock: clk}
}

func (f *fixture) seed(t *testing.T, rec subscription.Record) {
	t.Helper()
	require.NoError(t, f.remote.MemoryStore.Set(context.Background(), reconciler.CollectionSubscriptions, rec.UserID, rec))
}

func proRecord(userID string) subscription.Record {
	return subscription.Record{
		UserID:    userID,
		PlanID:    subscription.PlanPro,
		Status:    subscription.StatusActive,
		StartDate: start.Add(-24 * time.Hour),
		UpdatedAt: start.Add(-24 * time.Hour),
	}
}

func TestNew(t *testing.T) {
	t.Parallel()

	valid := entitlements.Deps{Durable: kvstore.NewMemoryStore(), Remote: remotestore.NewMemoryStore()}
	tests := []struct {
		name   string
		userID string
		deps   entitlements.Deps
		err    error
	}{
		{"missing user", "", valid, entitlements.ErrMissingUserID},
		{"missing durable", "u1", entitlements.Deps{Remote: valid.Remote}, entitlements.ErrMissingDurable},
		{"missing remote", "u1", entitlements.Deps{Durable: valid.Durable}, entitlements.ErrMissingRemote},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := entitlements.New(context.Background(), tt.userID, testConfig(), tt.deps)
			assert.ErrorIs(t, err, tt.err)
		})
	}
}

func TestGetSubscription_StaleOnError(t *testing.T) {
	t.Parallel()

	f := setup(t)
	f.seed(t, proRecord("u1"))
	ctx := context.Background()

	view, err := f.engine.GetSubscription(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, view.Record)
	assert.Equal(t, subscription.PlanPro, view.Record.PlanID)
	assert.False(t, view.Stale)

	f.clock.Advance(6 * time.Minute)
	f.remote.down.Store(true)

	view, err = f.engine.GetSubscription(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, view.Record)
	assert.Equal(t, subscription.PlanPro, view.Record.PlanID)
	assert.True(t, view.Stale)
	assert.Error(t, view.Err)
}

func TestGetSubscription_NoRecord(t *testing.T) {
	t.Parallel()

	f := setup(t)
	view, err := f.engine.GetSubscription(context.Background(), "nobody")
	require.NoError(t, err)
	assert.Nil(t, view.Record)
}

func TestGetSubscription_ExpiresLapsedRecord(t *testing.T) {
	t.Parallel()

	f := setup(t)
	rec := proRecord("u1")
	end := start.Add(-time.Hour)
	rec.EndDate = &end
	f.seed(t, rec)

	view, err := f.engine.GetSubscription(context.Background(), "u1")
	require.NoError(t, err)
	require.NotNil(t, view.Record)
	assert.Equal(t, subscription.StatusExpired, view.Record.Status)

	var stored subscription.Record
	require.NoError(t, f.remote.MemoryStore.Get(context.Background(), reconciler.CollectionSubscriptions, "u1", &stored))
	assert.Equal(t, subscription.StatusExpired, stored.Status)

	d, err := f.engine.CanPerformAction(context.Background(), "u1", quota.ActionProviderAccess, subscription.ProviderOpenAI)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
}

func TestCanPerformAction_CachesMissingRecord(t *testing.T) {
	t.Parallel()

	f := setup(t)
	ctx := context.Background()

	for range 20 {
		d, err := f.engine.CanPerformAction(ctx, "u1", quota.ActionGeneration, subscription.ProviderGemini)
		require.NoError(t, err)
		require.True(t, d.Allowed)
	}
	assert.Equal(t, 1, f.remote.getCount(reconciler.CollectionSubscriptions))

	var subs cache.Stats
	for _, s := range f.engine.CacheStats() {
		if s.Name == "subscriptions" {
			subs = s
		}
	}
	assert.Equal(t, int64(19), subs.Hits)
	assert.Equal(t, int64(1), subs.Misses)

	o := f.engine.ForceHealthCheck(ctx)
	for _, r := range o.Services {
		if r.Service == health.ServiceCache {
			assert.Equal(t, health.StatusHealthy, r.Status, r.Message)
		}
	}
}

func TestQuotaFlow(t *testing.T) {
	t.Parallel()

	f := setup(t)
	ctx := context.Background()

	for range 5 {
		d, err := f.engine.CanPerformAction(ctx, "u1", quota.ActionGeneration, subscription.ProviderGemini)
		require.NoError(t, err)
		require.True(t, d.Allowed)
		_, err = f.engine.RecordUsage(ctx, "u1", subscription.ProviderGemini, 1)
		require.NoError(t, err)
	}

	d, err := f.engine.CanPerformAction(ctx, "u1", quota.ActionGeneration, subscription.ProviderGemini)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, quota.ReasonDailyLimit, d.Reason)
	require.NotNil(t, d.ResetTime)
	assert.Equal(t, time.Date(2025, 3, 15, 0, 0, 0, 0, time.UTC), *d.ResetTime)

	d, err = f.engine.CanPerformAction(ctx, "u1", quota.ActionProviderAccess, subscription.ProviderOpenAI)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, quota.ReasonProviderNotAllowed, d.Reason)
	assert.Nil(t, d.ResetTime)

	usage, err := f.engine.GetUsageStats(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(5), usage.Usage.Generations.Today)

	stats, err := f.engine.GetRealTimeQuotaStats(ctx, "u1")
	require.NoError(t, err)
	assert.Zero(t, stats.Daily.Remaining)

	assert.Eventually(t, func() bool {
		return f.remote.setCount(entitlements.CollectionEvents) == 5
	}, time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool {
		var doc subscription.UsageDocument
		err := f.remote.MemoryStore.Get(ctx, reconciler.CollectionUsage, "u1", &doc)
		return err == nil && doc.Migrate().Generations.Today == 5
	}, time.Second, 5*time.Millisecond)
}

func TestSyncSubscription(t *testing.T) {
	t.Parallel()

	f := setup(t)
	ctx := context.Background()

	rec := proRecord("u1")
	rec.Status = subscription.StatusTrial
	rec.StartDate = start.Add(-10 * 24 * time.Hour)
	end := start.Add(-3 * 24 * time.Hour)
	rec.EndDate = &end
	f.seed(t, rec)

	changed, err := f.engine.SyncSubscription(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = f.engine.SyncSubscription(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, changed)

	view, err := f.engine.GetSubscription(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, view.Record)
	assert.Equal(t, subscription.StatusExpired, view.Record.Status)

	assert.Eventually(t, func() bool {
		return f.remote.setCount(entitlements.CollectionEvents) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestSubscribeSubscriptionChanges(t *testing.T) {
	t.Parallel()

	f := setup(t)
	ctx := context.Background()

	updates := make(chan *subscription.Record, 16)
	unsubscribe, err := f.engine.SubscribeSubscriptionChanges(ctx, "u1", func(rec *subscription.Record) {
		updates <- rec
	})
	require.NoError(t, err)
	defer unsubscribe()

	f.seed(t, proRecord("u1"))

	var got *subscription.Record
	require.Eventually(t, func() bool {
		select {
		case rec := <-updates:
			got = rec
		default:
		}
		return got != nil
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, subscription.PlanPro, got.PlanID)
	assert.Equal(t, 1, f.engine.ListenerStats().Groups)

	// The pushed record is served from cache while the remote store is down.
	f.remote.down.Store(true)
	view, err := f.engine.GetSubscription(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, view.Record)
	assert.Equal(t, subscription.PlanPro, view.Record.PlanID)
	assert.False(t, view.Stale)

	unsubscribe()
	assert.Eventually(t, func() bool {
		return f.engine.ListenerStats().Groups == 0
	}, time.Second, 5*time.Millisecond)
}

func TestSubscribeSubscriptionChanges_Validation(t *testing.T) {
	t.Parallel()

	f := setup(t)
	_, err := f.engine.SubscribeSubscriptionChanges(context.Background(), "", func(*subscription.Record) {})
	assert.ErrorIs(t, err, entitlements.ErrMissingUserID)
	_, err = f.engine.SubscribeSubscriptionChanges(context.Background(), "u1", nil)
	assert.Error(t, err)
}

func TestSubscribeSubscriptionChanges_ExpiresLapsedRecord(t *testing.T) {
	t.Parallel()

	f := setup(t)
	ctx := context.Background()

	updates := make(chan *subscription.Record, 16)
	unsubscribe, err := f.engine.SubscribeSubscriptionChanges(ctx, "u1", func(rec *subscription.Record) {
		if rec != nil {
			updates <- rec
		}
	})
	require.NoError(t, err)
	defer unsubscribe()

	rec := proRecord("u1")
	end := start.Add(-time.Hour)
	rec.EndDate = &end
	f.seed(t, rec)

	select {
	case got := <-updates:
		assert.Equal(t, subscription.StatusExpired, got.Status)
	case <-time.After(time.Second):
		t.Fatal("no update delivered")
	}

	view, err := f.engine.GetSubscription(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, view.Record)
	assert.Equal(t, subscription.StatusExpired, view.Record.Status)

	assert.Eventually(t, func() bool {
		var stored subscription.Record
		err := f.remote.MemoryStore.Get(ctx, reconciler.CollectionSubscriptions, "u1", &stored)
		return err == nil && stored.Status == subscription.StatusExpired
	}, time.Second, 5*time.Millisecond)
}

func TestExplicitWrites(t *testing.T) {
	t.Parallel()

	t.Run("purchase", func(t *testing.T) {
		t.Parallel()
		f := setup(t, func(d *entitlements.Deps) {
			d.Billing = &billing{result: &subscription.PurchaseResult{
				Success:            true,
				ActiveEntitlements: []subscription.Entitlement{{ID: "pro_features", StartedAt: start}},
			}}
		})

		out, err := f.engine.Purchase(context.Background(), "u1", "pro_monthly")
		require.NoError(t, err)
		require.NotNil(t, out.Record)
		assert.Equal(t, subscription.PlanPro, out.Record.PlanID)

		d, err := f.engine.CanPerformAction(context.Background(), "u1", quota.ActionProviderAccess, subscription.ProviderOpenAI)
		require.NoError(t, err)
		assert.True(t, d.Allowed)

		assert.Eventually(t, func() bool {
			return f.remote.setCount(entitlements.CollectionEvents) == 1
		}, time.Second, 5*time.Millisecond)
	})

	t.Run("purchase failure surfaces", func(t *testing.T) {
		t.Parallel()
		f := setup(t, func(d *entitlements.Deps) {
			d.Billing = &billing{err: errors.New("card declined")}
		})

		_, err := f.engine.Purchase(context.Background(), "u1", "pro_monthly")
		assert.Error(t, err)
		assert.Zero(t, f.remote.setCount(entitlements.CollectionEvents))
	})

	t.Run("cancel", func(t *testing.T) {
		t.Parallel()
		f := setup(t)
		f.seed(t, proRecord("u1"))

		rec, err := f.engine.Cancel(context.Background(), "u1")
		require.NoError(t, err)
		assert.Equal(t, subscription.StatusCancelled, rec.Status)
	})

	t.Run("cancel with remote down", func(t *testing.T) {
		t.Parallel()
		f := setup(t)
		f.seed(t, proRecord("u1"))
		f.remote.down.Store(true)

		_, err := f.engine.Cancel(context.Background(), "u1")
		assert.Error(t, err)
	})

	t.Run("trial", func(t *testing.T) {
		t.Parallel()
		f := setup(t)

		rec, err := f.engine.StartTrial(context.Background(), "u1", subscription.PlanStarter)
		require.NoError(t, err)
		assert.Equal(t, subscription.StatusTrial, rec.Status)
		require.NotNil(t, rec.EndDate)
		assert.Equal(t, start.Add(7*24*time.Hour), rec.EndDate.UTC())
	})
}

func TestHealth(t *testing.T) {
	t.Parallel()

	f := setup(t)
	ctx := context.Background()

	o := f.engine.ForceHealthCheck(ctx)
	assert.Equal(t, health.StatusHealthy, o.Status)
	assert.Len(t, o.Services, 5)

	f.remote.down.Store(true)
	o = f.engine.ForceHealthCheck(ctx)
	assert.Equal(t, health.StatusUnhealthy, o.Status)
	assert.Equal(t, health.StatusUnhealthy, f.engine.GetOverallHealth().Status)
	assert.Contains(t, o.Recommendations, "check network connectivity")
	assert.NotNil(t, f.engine.Gatherer())
}

func TestClose(t *testing.T) {
	t.Parallel()

	f := setup(t)
	ctx := context.Background()

	require.NoError(t, f.engine.Close())
	require.NoError(t, f.engine.Close())

	_, err := f.engine.GetSubscription(ctx, "u1")
	assert.ErrorIs(t, err, entitlements.ErrClosed)
	_, err = f.engine.RecordUsage(ctx, "u1", subscription.ProviderGemini, 1)
	assert.ErrorIs(t, err, entitlements.ErrClosed)
	_, err = f.engine.SubscribeSubscriptionChanges(ctx, "u1", func(*subscription.Record) {})
	assert.ErrorIs(t, err, entitlements.ErrClosed)
}

func TestCloseCancelsInflightCalls(t *testing.T) {
	t.Parallel()

	f := setup(t)
	f.remote.block.Store(true)

	done := make(chan error, 1)
	go func() {
		_, err := f.engine.GetSubscription(context.Background(), "u1")
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, f.engine.Close())

	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("call outlived the session")
	}
}
