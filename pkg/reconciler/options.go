package reconciler

import (
	"log/slog"
	"time"

	"github.com/dmitrymomot/entitlements/pkg/retry"
	"github.com/dmitrymomot/entitlements/pkg/subscription"
)

// Collection names in the remote store.
const (
	CollectionSubscriptions = "subscriptions"
	CollectionUsage         = "usage_stats"
	CollectionTrials        = "trial_history"
)

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithBilling sets the billing provider consulted on sync and used by
// Purchase and Restore.
func WithBilling(b subscription.BillingProvider) Option {
	return func(r *Reconciler) {
		r.billing = b
	}
}

// WithCatalog sets the plan catalog used to resolve entitlements.
func WithCatalog(c *subscription.Catalog) Option {
	return func(r *Reconciler) {
		if c != nil {
			r.catalog = c
		}
	}
}

// WithEntitlementMap sets the billing entitlement to plan table.
func WithEntitlementMap(m subscription.EntitlementMap) Option {
	return func(r *Reconciler) {
		if m != nil {
			r.entitlements = m
		}
	}
}

// WithRetryPolicy sets the policy applied to every remote call except
// Purchase, which is never retried.
func WithRetryPolicy(p retry.Policy) Option {
	return func(r *Reconciler) {
		r.policy = p
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) {
		if now != nil {
			r.now = now
		}
	}
}

// WithLogger sets the reconciler logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Reconciler) {
		if l != nil {
			r.logger = l
		}
	}
}
