package entitlements

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/dmitrymomot/entitlements/pkg/async"
	"github.com/dmitrymomot/entitlements/pkg/cache"
	"github.com/dmitrymomot/entitlements/pkg/health"
	"github.com/dmitrymomot/entitlements/pkg/kvstore"
	"github.com/dmitrymomot/entitlements/pkg/listener"
	"github.com/dmitrymomot/entitlements/pkg/logger"
	"github.com/dmitrymomot/entitlements/pkg/quota"
	"github.com/dmitrymomot/entitlements/pkg/reconciler"
	"github.com/dmitrymomot/entitlements/pkg/remotestore"
	"github.com/dmitrymomot/entitlements/pkg/requestid"
	"github.com/dmitrymomot/entitlements/pkg/retry"
	"github.com/dmitrymomot/entitlements/pkg/subscription"
)

// Deps are the collaborators an engine is built on. Durable and Remote are
// required.
type Deps struct {
	Durable kvstore.Store
	Remote  remotestore.Store
	Billing subscription.BillingProvider

	// Catalog defaults to the built-in plans.
	Catalog *subscription.Catalog
	// Entitlements defaults to subscription.DefaultEntitlementMap.
	Entitlements subscription.EntitlementMap
	// NetworkProbe defaults to a read from the remote store.
	NetworkProbe func(ctx context.Context) error
	// Memory defaults to health.ProcessMemory(cfg.MemoryLimit).
	Memory health.MemorySampler
	// Registerer defaults to a private registry.
	Registerer prometheus.Registerer
}

// Engine is the entitlements state of one logged-in user session. It owns
// the caches, the reconciler, the quota tracker, the listener optimizer and
// the health monitor, and runs their background loops until Close.
type Engine struct {
	id     string
	userID string
	cfg    Config
	now    func() time.Time
	logger *slog.Logger

	remote     remotestore.Store
	subs       *cache.Cache[*subscription.Record]
	usage      *cache.Cache[subscription.UsageStats]
	reconciler *reconciler.Reconciler
	tracker    *quota.Tracker
	listeners  *listener.Optimizer[subscription.Record]
	monitor    *health.Monitor
	queue      *async.Queue

	ctx       context.Context
	cancel    context.CancelFunc
	group     *errgroup.Group
	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// New builds the engine for userID and starts its background loops. The
// session ends when ctx is cancelled or Close is called.
func New(ctx context.Context, userID string, cfg Config, deps Deps, opts ...Option) (*Engine, error) {
	if userID == "" {
		return nil, ErrMissingUserID
	}
	if deps.Durable == nil {
		return nil, ErrMissingDurable
	}
	if deps.Remote == nil {
		return nil, ErrMissingRemote
	}

	o := &options{
		logger:   logger.Nop(),
		now:      time.Now,
		location: time.Local,
	}
	for _, opt := range opts {
		opt(o)
	}

	e := &Engine{
		id:     uuid.NewString(),
		userID: userID,
		cfg:    cfg,
		now:    o.now,
		logger: o.logger.With(logger.Component("entitlements")),
		remote: deps.Remote,
	}
	e.ctx, e.cancel = context.WithCancel(logger.ContextWithSession(ctx, e.id, userID))

	catalog := deps.Catalog
	if catalog == nil {
		catalog = defaultCatalog(cfg.TrialDays)
	}

	e.subs = cache.New[*subscription.Record]("subscriptions", deps.Durable, e.cacheOptions(cfg.SubscriptionTTL)...)
	e.usage = cache.New[subscription.UsageStats]("usage", deps.Durable, e.cacheOptions(cfg.UsageTTL)...)

	e.queue = async.NewQueue(
		async.WithSize(cfg.QueueSize),
		async.WithWorkers(cfg.QueueWorkers),
		async.WithLogger(e.logger),
	)

	recOpts := []reconciler.Option{
		reconciler.WithCatalog(catalog),
		reconciler.WithEntitlementMap(deps.Entitlements),
		reconciler.WithRetryPolicy(retry.Policy{
			Attempts:    cfg.RetryAttempts,
			BaseDelay:   cfg.RetryBaseDelay,
			MaxDuration: cfg.RetryMaxDuration,
		}),
		reconciler.WithClock(o.now),
		reconciler.WithLogger(e.logger),
	}
	if deps.Billing != nil {
		recOpts = append(recOpts, reconciler.WithBilling(deps.Billing))
	}
	e.reconciler = reconciler.New(deps.Remote, e.subs, e.usage, recOpts...)

	e.tracker = quota.NewTracker(e.reconciler, catalog,
		quota.WithClock(o.now),
		quota.WithLocation(o.location),
		quota.WithLogger(e.logger),
		quota.WithPublisher(e.reconciler.PushUsage, e.queue),
	)

	e.listeners = listener.New(deps.Remote, listener.JSONDecoder[subscription.Record](),
		listener.WithDebounce(cfg.DebounceWindow),
		listener.WithRetryDelay(cfg.ListenerRetryDelay),
		listener.WithLogger(e.logger),
	)

	probe := deps.NetworkProbe
	if probe == nil {
		probe = e.probeRemote
	}
	memory := deps.Memory
	if memory == nil {
		memory = health.ProcessMemory(cfg.MemoryLimit)
	}
	e.monitor = health.New(e.components(probe, memory),
		health.WithInterval(cfg.HealthInterval),
		health.WithClock(o.now),
		health.WithLogger(e.logger),
		health.WithRegisterer(deps.Registerer),
	)

	e.warm(e.ctx)
	e.start()

	e.logger.InfoContext(e.ctx, "entitlements session started")
	return e, nil
}

// SessionID identifies this engine instance in logs and analytics events.
func (e *Engine) SessionID() string { return e.id }

// UserID returns the user the session belongs to.
func (e *Engine) UserID() string { return e.userID }

// Close ends the session: background loops stop, realtime feeds close and
// in-flight remote retries are cancelled so nothing is written after logout.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		e.closed.Store(true)
		e.cancel()

		lerr := e.listeners.Close()
		if errors.Is(lerr, listener.ErrClosed) {
			lerr = nil
		}
		werr := e.group.Wait()
		if errors.Is(werr, context.Canceled) {
			werr = nil
		}
		e.closeErr = errors.Join(lerr, werr)
		e.logger.InfoContext(logger.ContextWithSession(context.Background(), e.id, e.userID), "entitlements session closed")
	})
	return e.closeErr
}

// GetSubscription returns the user's record cache-first. When the remote
// store is unreachable an expired cached record is returned with Stale set.
// View.Record is nil for a user without a record.
func (e *Engine) GetSubscription(ctx context.Context, userID string) (reconciler.SubscriptionView, error) {
	ctx, done, err := e.bind(ctx)
	if err != nil {
		return reconciler.SubscriptionView{}, err
	}
	defer done()
	return e.reconciler.FetchSubscription(ctx, userID)
}

// GetUsageStats returns the user's usage cache-first.
func (e *Engine) GetUsageStats(ctx context.Context, userID string) (reconciler.UsageView, error) {
	ctx, done, err := e.bind(ctx)
	if err != nil {
		return reconciler.UsageView{}, err
	}
	defer done()
	return e.reconciler.FetchUsage(ctx, userID)
}

// CanPerformAction decides whether the user may perform kind with provider.
// A denial is a Decision, not an error.
func (e *Engine) CanPerformAction(ctx context.Context, userID string, kind quota.ActionKind, provider subscription.Provider) (quota.Decision, error) {
	ctx, done, err := e.bind(ctx)
	if err != nil {
		return quota.Decision{}, err
	}
	defer done()
	return e.tracker.CanPerformAction(ctx, userID, kind, provider)
}

// RecordUsage counts amount generations against the user's windows.
func (e *Engine) RecordUsage(ctx context.Context, userID string, provider subscription.Provider, amount int64) (subscription.UsageStats, error) {
	ctx, done, err := e.bind(ctx)
	if err != nil {
		return subscription.UsageStats{}, err
	}
	defer done()

	u, err := e.tracker.RecordUsage(ctx, userID, provider, amount)
	if err != nil {
		return subscription.UsageStats{}, err
	}
	e.track(ctx, EventUsageRecorded, userID, map[string]any{
		"provider": string(provider),
		"amount":   amount,
		"today":    u.Generations.Today,
	})
	return u, nil
}

// GetRealTimeQuotaStats reports the user's windows without side effects.
func (e *Engine) GetRealTimeQuotaStats(ctx context.Context, userID string) (quota.Stats, error) {
	ctx, done, err := e.bind(ctx)
	if err != nil {
		return quota.Stats{}, err
	}
	defer done()
	return e.tracker.GetRealTimeQuotaStats(ctx, userID)
}

// SyncSubscription reconciles the user's record and reports whether the
// remote record was rewritten.
func (e *Engine) SyncSubscription(ctx context.Context, userID string) (bool, error) {
	ctx, done, err := e.bind(ctx)
	if err != nil {
		return false, err
	}
	defer done()

	changed, err := e.reconciler.SyncSubscription(ctx, userID)
	if err != nil {
		return false, err
	}
	if changed {
		e.track(ctx, EventSubscriptionSynced, userID, nil)
	}
	return changed, nil
}

// SubscribeSubscriptionChanges calls cb with the user's record whenever the
// remote copy changes, and with nil when it is absent. Records pushed by the
// feed refresh the cache before cb runs; a lapsed one is delivered as
// expired. Subscribers of the same user share
// one remote feed.
func (e *Engine) SubscribeSubscriptionChanges(ctx context.Context, userID string, cb func(*subscription.Record)) (func(), error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}
	if userID == "" {
		return nil, ErrMissingUserID
	}
	if cb == nil {
		return nil, listener.ErrNilCallback
	}

	q := remotestore.Where(reconciler.CollectionSubscriptions, remotestore.Eq("userId", userID))
	unsubscribe, err := e.listeners.Subscribe(ctx, q, "", func(items []subscription.Record) {
		var rec *subscription.Record
		for i := range items {
			if items[i].UserID == userID {
				r := items[i].Clone()
				rec = &r
				break
			}
		}
		if rec != nil {
			applied, err := e.reconciler.ApplyRemote(e.ctx, *rec)
			if err != nil {
				e.logger.WarnContext(e.ctx, "ignoring invalid pushed record",
					logger.UserID(userID),
					logger.Error(err))
				rec = nil
			} else {
				rec = &applied
			}
		}
		cb(rec)
	})
	if err != nil {
		return nil, errors.Join(ErrSubscribeFailed, err)
	}
	return unsubscribe, nil
}

// GetOverallHealth returns the result of the latest health sweep.
func (e *Engine) GetOverallHealth() health.Overall {
	return e.monitor.GetOverallHealth()
}

// ForceHealthCheck checks every component now.
func (e *Engine) ForceHealthCheck(ctx context.Context) health.Overall {
	return e.monitor.ForceCheck(logger.ContextWithSession(ctx, e.id, e.userID))
}

// Purchase buys productRef. Failures are returned to the caller.
func (e *Engine) Purchase(ctx context.Context, userID, productRef string) (reconciler.Outcome, error) {
	ctx, done, err := e.bind(ctx)
	if err != nil {
		return reconciler.Outcome{}, err
	}
	defer done()
	ctx, _ = requestid.Ensure(ctx)

	out, err := e.reconciler.Purchase(ctx, userID, productRef)
	if err != nil {
		e.logger.ErrorContext(ctx, "purchase failed", logger.UserID(userID), logger.Error(err))
		return reconciler.Outcome{}, err
	}
	props := map[string]any{"productRef": productRef}
	if out.Record != nil {
		props["planId"] = out.Record.PlanID
	}
	if out.CheckoutURL != "" {
		props["checkout"] = true
	}
	e.track(ctx, EventPurchaseCompleted, userID, props)
	return out, nil
}

// Restore re-applies the user's entitlements from the billing provider.
func (e *Engine) Restore(ctx context.Context, userID string) (reconciler.Outcome, error) {
	ctx, done, err := e.bind(ctx)
	if err != nil {
		return reconciler.Outcome{}, err
	}
	defer done()
	ctx, _ = requestid.Ensure(ctx)

	out, err := e.reconciler.Restore(ctx, userID)
	if err != nil {
		e.logger.ErrorContext(ctx, "restore failed", logger.UserID(userID), logger.Error(err))
		return reconciler.Outcome{}, err
	}
	props := map[string]any{}
	if out.Record != nil {
		props["planId"] = out.Record.PlanID
	}
	e.track(ctx, EventPurchasesRestored, userID, props)
	return out, nil
}

// Cancel cancels the user's subscription. Access continues until its end
// date.
func (e *Engine) Cancel(ctx context.Context, userID string) (*subscription.Record, error) {
	ctx, done, err := e.bind(ctx)
	if err != nil {
		return nil, err
	}
	defer done()
	ctx, _ = requestid.Ensure(ctx)

	rec, err := e.reconciler.Cancel(ctx, userID)
	if err != nil {
		e.logger.ErrorContext(ctx, "cancel failed", logger.UserID(userID), logger.Error(err))
		return nil, err
	}
	e.track(ctx, EventSubscriptionCancelled, userID, map[string]any{"planId": rec.PlanID})
	return rec, nil
}

// StartTrial starts the trial of planID.
func (e *Engine) StartTrial(ctx context.Context, userID, planID string) (*subscription.Record, error) {
	ctx, done, err := e.bind(ctx)
	if err != nil {
		return nil, err
	}
	defer done()
	ctx, _ = requestid.Ensure(ctx)

	rec, err := e.reconciler.StartTrial(ctx, userID, planID)
	if err != nil {
		return nil, err
	}
	e.track(ctx, EventTrialStarted, userID, map[string]any{"planId": rec.PlanID})
	return rec, nil
}

// CacheStats returns the statistics of both cache namespaces.
func (e *Engine) CacheStats() []cache.Stats {
	return []cache.Stats{e.subs.Stats(), e.usage.Stats()}
}

// ListenerStats returns the listener optimizer statistics.
func (e *Engine) ListenerStats() listener.Stats {
	return e.listeners.Stats()
}

// SyncMetrics returns counters of remote operations.
func (e *Engine) SyncMetrics() reconciler.Metrics {
	return e.reconciler.Metrics()
}

// QuotaSignals returns the quota tracker counters.
func (e *Engine) QuotaSignals() quota.Signals {
	return e.tracker.Signals()
}

// QueueStats returns the background task queue counters.
func (e *Engine) QueueStats() async.Stats {
	return e.queue.Stats()
}

// Gatherer exposes the health metrics when no Registerer was supplied.
func (e *Engine) Gatherer() prometheus.Gatherer {
	return e.monitor.Gatherer()
}

// bind derives a context that is cancelled when either ctx or the session
// ends, tagged with the session for logging.
func (e *Engine) bind(ctx context.Context) (context.Context, func(), error) {
	if e.closed.Load() {
		return nil, nil, ErrClosed
	}
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(e.ctx, cancel)
	ctx = logger.ContextWithSession(ctx, e.id, e.userID)
	return ctx, func() {
		stop()
		cancel()
	}, nil
}

func (e *Engine) cacheOptions(ttl time.Duration) []cache.Option {
	return []cache.Option{
		cache.WithTTL(ttl),
		cache.WithVersion(e.cfg.CacheVersion),
		cache.WithKeyPrefix(e.cfg.CacheKeyPrefix),
		cache.WithCapacity(e.cfg.CacheCapacity),
		cache.WithCleanupInterval(e.cfg.CleanupInterval),
		cache.WithClock(e.now),
		cache.WithLogger(e.logger),
		cache.WithCleanupHook(e.onCleanup),
	}
}

func (e *Engine) onCleanup(name string, r cache.CleanupReport) {
	if r.Removed == 0 {
		return
	}
	e.logger.DebugContext(e.ctx, "cache cleaned up",
		slog.String("cache", name),
		slog.Int("scanned", r.Scanned),
		slog.Int("removed", r.Removed),
		slog.Int("retained", r.Retained))
}

// warm loads unexpired entries persisted by a previous session.
func (e *Engine) warm(ctx context.Context) {
	for _, load := range []func(context.Context) (int, error){e.subs.Load, e.usage.Load} {
		if _, err := load(ctx); err != nil {
			e.logger.WarnContext(ctx, "cache warm-up failed", logger.Error(err))
		}
	}
}

func (e *Engine) start() {
	g, ctx := errgroup.WithContext(e.ctx)
	g.Go(e.queue.Run(ctx))
	g.Go(func() error { return e.subs.Run(ctx) })
	g.Go(func() error { return e.usage.Run(ctx) })
	g.Go(func() error { return e.monitor.Run(ctx) })
	if e.cfg.SyncInterval > 0 {
		g.Go(func() error { return e.syncLoop(ctx) })
	}
	e.group = g
}

// syncLoop reconciles the session user immediately and then every
// SyncInterval. Failures are logged; the next tick retries.
func (e *Engine) syncLoop(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.SyncInterval)
	defer ticker.Stop()

	for {
		changed, err := e.reconciler.SyncSubscription(ctx, e.userID)
		switch {
		case err != nil && ctx.Err() == nil:
			e.logger.WarnContext(ctx, "background sync failed", logger.Error(err))
		case changed:
			e.track(ctx, EventSubscriptionSynced, e.userID, map[string]any{"background": true})
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func defaultCatalog(trialDays int) *subscription.Catalog {
	plans := subscription.DefaultPlans()
	if trialDays > 0 {
		for i := range plans {
			if plans[i].HasTrial() {
				plans[i].TrialDays = trialDays
			}
		}
	}
	return subscription.NewCatalog(plans...)
}
