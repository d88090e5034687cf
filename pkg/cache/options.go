package cache

import (
	"log/slog"
	"time"

	"github.com/dmitrymomot/entitlements/pkg/logger"
)

const (
	DefaultTTL             = 5 * time.Minute
	DefaultVersion         = "v1.0.0"
	DefaultKeyPrefix       = "subscription_cache_"
	DefaultCapacity        = 1000
	DefaultCleanupInterval = 5 * time.Minute
)

type options struct {
	ttl             time.Duration
	version         string
	keyPrefix       string
	capacity        int
	cleanupInterval time.Duration
	now             func() time.Time
	logger          *slog.Logger
	onCleanup       func(name string, r CleanupReport)
}

func defaultOptions() *options {
	return &options{
		ttl:             DefaultTTL,
		version:         DefaultVersion,
		keyPrefix:       DefaultKeyPrefix,
		capacity:        DefaultCapacity,
		cleanupInterval: DefaultCleanupInterval,
		now:             time.Now,
		logger:          logger.Nop(),
	}
}

// Option configures a Cache.
type Option func(*options)

// WithTTL sets the default time to live. Non-positive values are ignored.
func WithTTL(ttl time.Duration) Option {
	return func(o *options) {
		if ttl > 0 {
			o.ttl = ttl
		}
	}
}

// WithVersion sets the schema version stamped on every entry.
func WithVersion(v string) Option {
	return func(o *options) {
		if v != "" {
			o.version = v
		}
	}
}

// WithKeyPrefix sets the durable key prefix shared by all namespaces.
func WithKeyPrefix(prefix string) Option {
	return func(o *options) {
		o.keyPrefix = prefix
	}
}

// WithCapacity bounds the memory tier.
func WithCapacity(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.capacity = n
		}
	}
}

// WithCleanupInterval sets how often Run sweeps expired entries.
func WithCleanupInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.cleanupInterval = d
		}
	}
}

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithLogger sets the cache logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithCleanupHook registers fn to be called after every cleanup sweep.
func WithCleanupHook(fn func(name string, r CleanupReport)) Option {
	return func(o *options) {
		o.onCleanup = fn
	}
}
