package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/entitlements/pkg/config"
)

type appConfig struct {
	TTL       time.Duration `env:"TTL" envDefault:"5m"`
	Name      string        `env:"NAME" envDefault:"entitlements"`
	Providers []string      `env:"PROVIDERS" envSeparator:","`
	Attempts  int           `env:"ATTEMPTS" envDefault:"3"`
}

type requiredConfig struct {
	URL string `env:"URL,required"`
}

func TestLoad(t *testing.T) {
	t.Parallel()

	t.Run("defaults", func(t *testing.T) {
		var cfg appConfig
		err := config.Load(&cfg, config.WithEnvironment(map[string]string{}))
		require.NoError(t, err)
		assert.Equal(t, 5*time.Minute, cfg.TTL)
		assert.Equal(t, "entitlements", cfg.Name)
		assert.Equal(t, 3, cfg.Attempts)
	})

	t.Run("prefix", func(t *testing.T) {
		var cfg appConfig
		err := config.Load(&cfg,
			config.WithPrefix("ENTITLEMENTS_"),
			config.WithEnvironment(map[string]string{
				"ENTITLEMENTS_TTL":      "30s",
				"ENTITLEMENTS_ATTEMPTS": "5",
				"TTL":                   "1h",
			}),
		)
		require.NoError(t, err)
		assert.Equal(t, 30*time.Second, cfg.TTL)
		assert.Equal(t, 5, cfg.Attempts)
	})

	t.Run("env files overlay in order", func(t *testing.T) {
		var cfg appConfig
		err := config.Load(&cfg,
			config.WithPrefix("APP_"),
			config.WithEnvironment(map[string]string{"APP_ATTEMPTS": "7"}),
			config.WithEnvFiles("testdata/.env.base", "testdata/.env.override"),
		)
		require.NoError(t, err)
		assert.Equal(t, 2*time.Minute, cfg.TTL)
		assert.Equal(t, "quoted value", cfg.Name)
		assert.Equal(t, []string{"gemini", "mistral"}, cfg.Providers)
		assert.Equal(t, 7, cfg.Attempts)
	})

	t.Run("missing env file", func(t *testing.T) {
		var cfg appConfig
		err := config.Load(&cfg, config.WithEnvFiles("testdata/missing.env"))
		require.ErrorIs(t, err, config.ErrEnvFile)
	})

	t.Run("required field", func(t *testing.T) {
		var cfg requiredConfig
		err := config.Load(&cfg, config.WithEnvironment(map[string]string{}))
		require.ErrorIs(t, err, config.ErrParsingConfig)

		err = config.Load(&cfg, config.WithEnvironment(map[string]string{"URL": "redis://localhost"}))
		require.NoError(t, err)
		assert.Equal(t, "redis://localhost", cfg.URL)
	})

	t.Run("nil pointer", func(t *testing.T) {
		var cfg *appConfig
		require.ErrorIs(t, config.Load(cfg), config.ErrNilPointer)
	})
}

func TestMustLoad(t *testing.T) {
	t.Parallel()

	assert.Panics(t, func() {
		var cfg requiredConfig
		config.MustLoad(&cfg, config.WithEnvironment(map[string]string{}))
	})
}
