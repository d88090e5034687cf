package entitlements

import (
	"time"

	"github.com/dmitrymomot/entitlements/pkg/config"
)

// EnvPrefix prefixes every Config variable.
const EnvPrefix = "ENTITLEMENTS_"

// Config tunes one engine session.
type Config struct {
	SubscriptionTTL    time.Duration `env:"SUBSCRIPTION_TTL" envDefault:"5m"`
	UsageTTL           time.Duration `env:"USAGE_TTL" envDefault:"2m"`
	CacheVersion       string        `env:"CACHE_VERSION" envDefault:"v1.0.0"`
	CacheKeyPrefix     string        `env:"CACHE_KEY_PREFIX" envDefault:"subscription_cache_"`
	CacheCapacity      int           `env:"CACHE_CAPACITY" envDefault:"1000"`
	CleanupInterval    time.Duration `env:"CLEANUP_INTERVAL" envDefault:"5m"`
	RetryAttempts      int           `env:"RETRY_ATTEMPTS" envDefault:"3"`
	RetryBaseDelay     time.Duration `env:"RETRY_BASE_DELAY" envDefault:"1s"`
	RetryMaxDuration   time.Duration `env:"RETRY_MAX_DURATION" envDefault:"30s"`
	DebounceWindow     time.Duration `env:"DEBOUNCE_WINDOW" envDefault:"250ms"`
	ListenerRetryDelay time.Duration `env:"LISTENER_RETRY_DELAY" envDefault:"5s"`
	HealthInterval     time.Duration `env:"HEALTH_INTERVAL" envDefault:"30s"`
	SyncInterval       time.Duration `env:"SYNC_INTERVAL" envDefault:"15m"` // 0 disables periodic sync
	TrialDays          int           `env:"TRIAL_DAYS" envDefault:"7"`
	QueueSize          int           `env:"QUEUE_SIZE" envDefault:"256"`
	QueueWorkers       int           `env:"QUEUE_WORKERS" envDefault:"2"`
	MemoryLimit        uint64        `env:"MEMORY_LIMIT_BYTES" envDefault:"0"` // 0 means total system memory
}

// DefaultConfig returns the values Config carries when no variable is set.
func DefaultConfig() Config {
	return Config{
		SubscriptionTTL:    5 * time.Minute,
		UsageTTL:           2 * time.Minute,
		CacheVersion:       "v1.0.0",
		CacheKeyPrefix:     "subscription_cache_",
		CacheCapacity:      1000,
		CleanupInterval:    5 * time.Minute,
		RetryAttempts:      3,
		RetryBaseDelay:     time.Second,
		RetryMaxDuration:   30 * time.Second,
		DebounceWindow:     250 * time.Millisecond,
		ListenerRetryDelay: 5 * time.Second,
		HealthInterval:     30 * time.Second,
		SyncInterval:       15 * time.Minute,
		TrialDays:          7,
		QueueSize:          256,
		QueueWorkers:       2,
	}
}

// LoadConfig reads Config from ENTITLEMENTS_* variables.
func LoadConfig(opts ...config.Option) (Config, error) {
	var cfg Config
	opts = append([]config.Option{config.WithPrefix(EnvPrefix)}, opts...)
	if err := config.Load(&cfg, opts...); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
