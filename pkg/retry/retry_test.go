package retry_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/entitlements/pkg/retry"
)

var errTransient = errors.New("network unreachable")

func fastPolicy() retry.Policy {
	return retry.Policy{Attempts: 3, BaseDelay: time.Millisecond}
}

func TestDo(t *testing.T) {
	t.Parallel()

	t.Run("succeeds after transient failures", func(t *testing.T) {
		calls := 0
		err := retry.Do(context.Background(), fastPolicy(), nil, "get", func(ctx context.Context) error {
			calls++
			if calls < 3 {
				return errTransient
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("gives up after three attempts", func(t *testing.T) {
		calls := 0
		err := retry.Do(context.Background(), fastPolicy(), nil, "get", func(ctx context.Context) error {
			calls++
			return errTransient
		})
		require.ErrorIs(t, err, retry.ErrExhausted)
		require.ErrorIs(t, err, errTransient)
		assert.Equal(t, 3, calls)
	})

	t.Run("permanent errors are not retried", func(t *testing.T) {
		calls := 0
		errDenied := errors.New("permission denied")
		err := retry.Do(context.Background(), fastPolicy(), nil, "set", func(ctx context.Context) error {
			calls++
			return retry.Permanent(errDenied)
		})
		require.ErrorIs(t, err, errDenied)
		assert.NotErrorIs(t, err, retry.ErrExhausted)
		assert.Equal(t, 1, calls)
	})

	t.Run("cancelled context stops backoff", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		p := retry.Policy{Attempts: 3, BaseDelay: time.Hour}

		calls := 0
		done := make(chan error, 1)
		go func() {
			done <- retry.Do(ctx, p, nil, "sync", func(ctx context.Context) error {
				calls++
				return errTransient
			})
		}()

		time.Sleep(20 * time.Millisecond)
		cancel()

		select {
		case err := <-done:
			require.ErrorIs(t, err, context.Canceled)
			assert.Equal(t, 1, calls)
		case <-time.After(time.Second):
			t.Fatal("retry did not stop on cancellation")
		}
	})

	t.Run("max duration caps backoff", func(t *testing.T) {
		p := retry.Policy{Attempts: 10, BaseDelay: 5 * time.Millisecond, MaxDuration: 20 * time.Millisecond}
		start := time.Now()
		err := retry.Do(context.Background(), p, nil, "get", func(ctx context.Context) error {
			return errTransient
		})
		require.Error(t, err)
		assert.Less(t, time.Since(start), time.Second)
	})
}

func TestDoValue(t *testing.T) {
	t.Parallel()

	calls := 0
	v, err := retry.DoValue(context.Background(), fastPolicy(), nil, "fetch", func(ctx context.Context) (string, error) {
		calls++
		if calls == 1 {
			return "", errTransient
		}
		return "pro", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "pro", v)
	assert.Equal(t, 2, calls)
}

func TestDefaultPolicy(t *testing.T) {
	t.Parallel()

	p := retry.DefaultPolicy()
	assert.Equal(t, 3, p.Attempts)
	assert.Equal(t, time.Second, p.BaseDelay)
}

func TestIsPermanent(t *testing.T) {
	t.Parallel()

	assert.True(t, retry.IsPermanent(retry.Permanent(errTransient)))
	assert.False(t, retry.IsPermanent(errTransient))
	assert.NoError(t, retry.Permanent(nil))
}
