package quota

import (
	"context"
	"time"

	"github.com/dmitrymomot/entitlements/pkg/subscription"
)

// ActionKind names what the caller is about to do.
type ActionKind string

const (
	// ActionGeneration consumes quota and is checked against both windows.
	ActionGeneration ActionKind = "generation"
	// ActionProviderAccess only checks whether the plan allows the provider.
	ActionProviderAccess ActionKind = "provider_access"
)

// Reason is the machine-readable cause of a denial.
type Reason string

const (
	ReasonDailyLimit         Reason = "daily_limit_reached"
	ReasonMonthlyLimit       Reason = "monthly_limit_reached"
	ReasonProviderNotAllowed Reason = "provider_not_allowed"
)

// Decision is the outcome of CanPerformAction. A denial is a normal result,
// not an error. ResetTime is set for quota denials and nil for capability
// denials, which are not time-bound.
type Decision struct {
	Allowed   bool
	Reason    Reason
	ResetTime *time.Time
}

// WindowStats describes one quota window. Remaining is never negative; when
// Unlimited is set Limit is subscription.Unlimited and Remaining is zero.
type WindowStats struct {
	Used      int64
	Limit     int64
	Remaining int64
	Unlimited bool
	ResetAt   time.Time
}

// Stats is a read-only view of a user's quota.
type Stats struct {
	UserID    string
	PlanID    string
	Daily     WindowStats
	Monthly   WindowStats
	Total     int64
	Providers map[string]subscription.ProviderUsage
}

// Signals counts tracker events useful for monitoring.
type Signals struct {
	Checks       int64
	Denials      int64
	Recorded     int64
	Inconsistent int64
	PublishDrops int64
}

// Source supplies subscription and usage state, normally from the cache
// layer. Subscription returns nil when the user has no record.
type Source interface {
	Subscription(ctx context.Context, userID string) (*subscription.Record, error)
	Usage(ctx context.Context, userID string) (subscription.UsageStats, error)
	StoreUsage(ctx context.Context, userID string, u subscription.UsageStats) error
}

// Publisher pushes recorded usage to the remote store.
type Publisher func(ctx context.Context, userID string, u subscription.UsageStats) error
