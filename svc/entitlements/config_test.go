package entitlements_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/entitlements/pkg/config"
	"github.com/dmitrymomot/entitlements/svc/entitlements"
)

func TestLoadConfig(t *testing.T) {
	t.Parallel()

	t.Run("defaults", func(t *testing.T) {
		t.Parallel()
		cfg, err := entitlements.LoadConfig(config.WithEnvironment(map[string]string{}))
		require.NoError(t, err)
		assert.Equal(t, entitlements.DefaultConfig(), cfg)
	})

	t.Run("overrides", func(t *testing.T) {
		t.Parallel()
		cfg, err := entitlements.LoadConfig(config.WithEnvironment(map[string]string{
			"ENTITLEMENTS_SUBSCRIPTION_TTL": "10m",
			"ENTITLEMENTS_SYNC_INTERVAL":    "0s",
			"ENTITLEMENTS_CACHE_VERSION":    "v2.0.0",
			"SUBSCRIPTION_TTL":              "1m",
		}))
		require.NoError(t, err)
		assert.Equal(t, 10*time.Minute, cfg.SubscriptionTTL)
		assert.Zero(t, cfg.SyncInterval)
		assert.Equal(t, "v2.0.0", cfg.CacheVersion)
	})

	t.Run("invalid value", func(t *testing.T) {
		t.Parallel()
		_, err := entitlements.LoadConfig(config.WithEnvironment(map[string]string{
			"ENTITLEMENTS_CACHE_CAPACITY": "lots",
		}))
		assert.ErrorIs(t, err, config.ErrParsingConfig)
	})
}
