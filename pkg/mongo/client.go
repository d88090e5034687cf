package mongo

import (
	"context"
	"errors"

	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/dmitrymomot/entitlements/pkg/retry"
)

// New connects to MongoDB and pings the primary, retrying with exponential
// backoff until cfg.RetryAttempts is exhausted.
func New(ctx context.Context, cfg Config) (*mongo.Client, error) {
	opts := options.Client().
		ApplyURI(cfg.ConnectionURL).
		SetConnectTimeout(cfg.ConnectTimeout).
		SetMaxPoolSize(cfg.MaxPoolSize).
		SetMinPoolSize(cfg.MinPoolSize).
		SetMaxConnIdleTime(cfg.MaxConnIdleTime).
		SetRetryWrites(cfg.RetryWrites).
		SetRetryReads(cfg.RetryReads)

	policy := retry.Policy{Attempts: cfg.RetryAttempts, BaseDelay: cfg.RetryInterval}
	client, err := retry.DoValue(ctx, policy, nil, "mongo.connect", func(ctx context.Context) (*mongo.Client, error) {
		c, err := mongo.Connect(opts)
		if err != nil {
			return nil, err
		}
		if err := c.Ping(ctx, nil); err != nil {
			_ = c.Disconnect(context.WithoutCancel(ctx))
			return nil, err
		}
		return c, nil
	})
	if err != nil {
		return nil, errors.Join(ErrFailedToConnectToMongo, err)
	}
	return client, nil
}

// NewDatabase connects and returns the database named by cfg.Database.
func NewDatabase(ctx context.Context, cfg Config) (*mongo.Database, error) {
	client, err := New(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return client.Database(cfg.Database), nil
}
