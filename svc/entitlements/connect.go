package entitlements

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/dmitrymomot/entitlements/pkg/config"
	"github.com/dmitrymomot/entitlements/pkg/kvstore"
	"github.com/dmitrymomot/entitlements/pkg/mongo"
	"github.com/dmitrymomot/entitlements/pkg/redis"
	"github.com/dmitrymomot/entitlements/pkg/remotestore"
	"github.com/dmitrymomot/entitlements/pkg/subscription"
)

// Durable backends.
const (
	BackendRedis  = "redis"
	BackendSQLite = "sqlite"
	BackendMemory = "memory"
)

// BillingPaddle selects Paddle as the billing provider.
const BillingPaddle = "paddle"

var (
	ErrUnknownBackend = errors.New("entitlements: unknown durable backend")
	ErrUnknownBilling = errors.New("entitlements: unknown billing provider")
)

// BackendConfig selects the collaborators Connect builds. The transports
// themselves are configured by redis.Config, kvstore.SQLiteConfig,
// mongo.Config and subscription.PaddleConfig.
type BackendConfig struct {
	Durable string `env:"DURABLE_BACKEND" envDefault:"sqlite"`
	Billing string `env:"BILLING_PROVIDER"` // empty disables billing
}

// Connect builds Deps from the environment: MongoDB as the remote store, the
// selected durable backend and, optionally, Paddle. The returned function
// releases every connection.
func Connect(ctx context.Context, opts ...config.Option) (Deps, func(context.Context) error, error) {
	var bc BackendConfig
	if err := config.Load(&bc, append([]config.Option{config.WithPrefix(EnvPrefix)}, opts...)...); err != nil {
		return Deps{}, nil, err
	}
	bc.Durable = strings.ToLower(bc.Durable)
	bc.Billing = strings.ToLower(bc.Billing)

	switch bc.Durable {
	case BackendRedis, BackendSQLite, BackendMemory:
	default:
		return Deps{}, nil, errors.Join(ErrUnknownBackend, fmt.Errorf("backend %q", bc.Durable))
	}
	if bc.Billing != "" && bc.Billing != BillingPaddle {
		return Deps{}, nil, errors.Join(ErrUnknownBilling, fmt.Errorf("provider %q", bc.Billing))
	}

	var mcfg mongo.Config
	if err := config.Load(&mcfg, opts...); err != nil {
		return Deps{}, nil, err
	}

	var closers []func(context.Context) error
	release := func(ctx context.Context) error {
		var errs []error
		for i := len(closers) - 1; i >= 0; i-- {
			errs = append(errs, closers[i](ctx))
		}
		return errors.Join(errs...)
	}
	fail := func(err error) (Deps, func(context.Context) error, error) {
		return Deps{}, nil, errors.Join(err, release(context.WithoutCancel(ctx)))
	}

	client, err := mongo.New(ctx, mcfg)
	if err != nil {
		return fail(err)
	}
	closers = append(closers, client.Disconnect)

	deps := Deps{
		Remote:       remotestore.NewMongoStore(client.Database(mcfg.Database)),
		NetworkProbe: mongo.Healthcheck(client),
	}

	switch bc.Durable {
	case BackendRedis:
		var rcfg redis.Config
		if err := config.Load(&rcfg, opts...); err != nil {
			return fail(err)
		}
		rdb, err := redis.Connect(ctx, rcfg)
		if err != nil {
			return fail(err)
		}
		closers = append(closers, func(context.Context) error { return rdb.Close() })
		deps.Durable = kvstore.NewRedisStore(rdb, rcfg.KeyPrefix)

		remoteProbe, durableProbe := deps.NetworkProbe, redis.Healthcheck(rdb)
		deps.NetworkProbe = func(ctx context.Context) error {
			return errors.Join(remoteProbe(ctx), durableProbe(ctx))
		}
	case BackendSQLite:
		var scfg kvstore.SQLiteConfig
		if err := config.Load(&scfg, opts...); err != nil {
			return fail(err)
		}
		store, err := kvstore.OpenSQLite(ctx, scfg)
		if err != nil {
			return fail(err)
		}
		closers = append(closers, func(context.Context) error { return store.Close() })
		deps.Durable = store
	case BackendMemory:
		deps.Durable = kvstore.NewMemoryStore()
	}

	if bc.Billing == BillingPaddle {
		var pcfg subscription.PaddleConfig
		if err := config.Load(&pcfg, opts...); err != nil {
			return fail(err)
		}
		provider, err := subscription.NewPaddleProvider(pcfg)
		if err != nil {
			return fail(err)
		}
		deps.Billing = provider
	}

	return deps, release, nil
}
