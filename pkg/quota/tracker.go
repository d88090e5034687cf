package quota

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/dmitrymomot/entitlements/pkg/async"
	"github.com/dmitrymomot/entitlements/pkg/logger"
	"github.com/dmitrymomot/entitlements/pkg/subscription"
)

// Tracker enforces plan quotas and records usage. Windows reset lazily: a
// counter labelled with a past day or month is read as zero.
type Tracker struct {
	source  Source
	catalog *subscription.Catalog
	publish Publisher
	queue   *async.Queue
	now     func() time.Time
	loc     *time.Location
	logger  *slog.Logger
	locks   *userLocker

	checks       atomic.Int64
	denials      atomic.Int64
	recorded     atomic.Int64
	inconsistent atomic.Int64
	publishDrops atomic.Int64
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) {
		if now != nil {
			t.now = now
		}
	}
}

// WithLocation sets the calendar the day and month windows follow.
// Defaults to time.Local.
func WithLocation(loc *time.Location) Option {
	return func(t *Tracker) {
		if loc != nil {
			t.loc = loc
		}
	}
}

// WithLogger sets the tracker logger. A nil logger is ignored.
func WithLogger(l *slog.Logger) Option {
	return func(t *Tracker) {
		if l != nil {
			t.logger = l
		}
	}
}

// WithPublisher pushes every recorded usage snapshot through fn. With a queue
// the push is fire-and-forget; without one it runs inline and failures are
// only logged.
func WithPublisher(fn Publisher, q *async.Queue) Option {
	return func(t *Tracker) {
		t.publish = fn
		t.queue = q
	}
}

// NewTracker creates a tracker reading state from src.
func NewTracker(src Source, catalog *subscription.Catalog, opts ...Option) *Tracker {
	if src == nil {
		panic("quota: source is required")
	}
	if catalog == nil {
		catalog = subscription.DefaultCatalog()
	}

	t := &Tracker{
		source:  src,
		catalog: catalog,
		now:     time.Now,
		loc:     time.Local,
		logger:  logger.Nop(),
		locks:   newUserLocker(),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = t.logger.With(logger.Component("quota"))
	return t
}

// CanPerformAction decides whether userID may perform kind, optionally routed
// to provider. Quota windows are checked daily first, then monthly; the
// provider gate comes last and carries no reset time.
func (t *Tracker) CanPerformAction(ctx context.Context, userID string, kind ActionKind, provider subscription.Provider) (Decision, error) {
	if userID == "" {
		return Decision{}, ErrMissingUserID
	}
	t.checks.Add(1)

	now := t.clock()
	plan, usage, err := t.load(ctx, userID, now)
	if err != nil {
		return Decision{}, err
	}

	if kind != ActionProviderAccess {
		if plan.HasDailyLimit() && usage.Generations.Today >= plan.DailyGenerations {
			return t.deny(ctx, userID, ReasonDailyLimit, ptr(nextMidnight(now))), nil
		}
		if plan.HasMonthlyLimit() && usage.Generations.ThisMonth >= plan.MonthlyGenerations {
			return t.deny(ctx, userID, ReasonMonthlyLimit, ptr(nextMonth(now))), nil
		}
	}
	if !plan.AllowsProvider(provider) {
		return t.deny(ctx, userID, ReasonProviderNotAllowed, nil), nil
	}
	return Decision{Allowed: true}, nil
}

// RecordUsage adds amount generations for provider. Concurrent calls for one
// user are serialized so that no increment is lost.
func (t *Tracker) RecordUsage(ctx context.Context, userID string, provider subscription.Provider, amount int64) (subscription.UsageStats, error) {
	if userID == "" {
		return subscription.UsageStats{}, ErrMissingUserID
	}
	if amount <= 0 {
		return subscription.UsageStats{}, ErrInvalidAmount
	}

	unlock := t.locks.lock(userID)
	now := t.clock()
	plan, usage, err := t.load(ctx, userID, now)
	if err != nil {
		unlock()
		return subscription.UsageStats{}, err
	}

	next := usage.Increment(provider, amount, now).WithLimits(plan)
	if err := t.source.StoreUsage(ctx, userID, next); err != nil {
		unlock()
		return subscription.UsageStats{}, errors.Join(ErrUsageWrite, err)
	}
	unlock()

	t.recorded.Add(amount)
	t.logger.DebugContext(ctx, "usage recorded",
		logger.UserID(userID),
		slog.String("provider", string(provider)),
		slog.Int64("amount", amount),
		slog.Int64("today", next.Generations.Today))

	t.publishUsage(ctx, userID, next)
	return next, nil
}

// GetRealTimeQuotaStats returns used, limit and remaining for both windows.
// It never writes.
func (t *Tracker) GetRealTimeQuotaStats(ctx context.Context, userID string) (Stats, error) {
	if userID == "" {
		return Stats{}, ErrMissingUserID
	}

	now := t.clock()
	plan, usage, err := t.load(ctx, userID, now)
	if err != nil {
		return Stats{}, err
	}

	return Stats{
		UserID:    userID,
		PlanID:    plan.ID,
		Daily:     window(usage.Generations.Today, plan.DailyGenerations, nextMidnight(now)),
		Monthly:   window(usage.Generations.ThisMonth, plan.MonthlyGenerations, nextMonth(now)),
		Total:     usage.Generations.Total,
		Providers: usage.Providers,
	}, nil
}

// Signals returns tracker counters.
func (t *Tracker) Signals() Signals {
	return Signals{
		Checks:       t.checks.Load(),
		Denials:      t.denials.Load(),
		Recorded:     t.recorded.Load(),
		Inconsistent: t.inconsistent.Load(),
		PublishDrops: t.publishDrops.Load(),
	}
}

func (t *Tracker) load(ctx context.Context, userID string, now time.Time) (subscription.Plan, subscription.UsageStats, error) {
	rec, err := t.source.Subscription(ctx, userID)
	if err != nil {
		// No subscription data at all: quota falls back to the free plan.
		t.logger.WarnContext(ctx, "subscription unavailable, using fallback plan",
			logger.UserID(userID), logger.Error(err))
		rec = nil
	}
	plan := t.catalog.Effective(rec, now)

	usage, err := t.source.Usage(ctx, userID)
	if err != nil {
		return plan, subscription.UsageStats{}, errors.Join(ErrUsageRead, err)
	}
	usage = usage.Rollover(now)
	if !usage.Consistent() {
		t.inconsistent.Add(1)
		t.logger.WarnContext(ctx, "usage counters out of order",
			logger.UserID(userID),
			slog.Int64("today", usage.Generations.Today),
			slog.Int64("this_month", usage.Generations.ThisMonth),
			slog.Int64("total", usage.Generations.Total))
	}
	return plan, usage, nil
}

func (t *Tracker) deny(ctx context.Context, userID string, reason Reason, reset *time.Time) Decision {
	t.denials.Add(1)
	t.logger.DebugContext(ctx, "action denied", logger.UserID(userID), slog.String("reason", string(reason)))
	return Decision{Reason: reason, ResetTime: reset}
}

func (t *Tracker) publishUsage(ctx context.Context, userID string, u subscription.UsageStats) {
	if t.publish == nil {
		return
	}
	if t.queue == nil {
		if err := t.publish(ctx, userID, u); err != nil {
			t.logger.WarnContext(ctx, "usage publish failed", logger.UserID(userID), logger.Error(err))
		}
		return
	}

	u = u.Clone()
	if !t.queue.Submit("usage.publish", func(ctx context.Context) error {
		return t.publish(ctx, userID, u)
	}) {
		t.publishDrops.Add(1)
	}
}

func (t *Tracker) clock() time.Time {
	return t.now().In(t.loc)
}

func window(used, limit int64, reset time.Time) WindowStats {
	if limit == subscription.Unlimited {
		return WindowStats{Used: used, Limit: limit, Unlimited: true, ResetAt: reset}
	}
	return WindowStats{Used: used, Limit: limit, Remaining: max(0, limit-used), ResetAt: reset}
}

func nextMidnight(now time.Time) time.Time {
	y, m, d := now.Date()
	return time.Date(y, m, d+1, 0, 0, 0, 0, now.Location())
}

func nextMonth(now time.Time) time.Time {
	y, m, _ := now.Date()
	return time.Date(y, m+1, 1, 0, 0, 0, 0, now.Location())
}

func ptr[T any](v T) *T { return &v }
