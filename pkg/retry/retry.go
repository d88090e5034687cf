package retry

import (
	"context"
	"errors"
	"log/slog"
	"time"

	goretry "github.com/sethvargo/go-retry"

	"github.com/dmitrymomot/entitlements/pkg/logger"
)

// Policy bounds a retried operation.
type Policy struct {
	// Attempts is the total number of tries including the first one.
	Attempts int
	// BaseDelay is the wait before the second attempt; it doubles afterwards.
	BaseDelay time.Duration
	// MaxDelay caps a single backoff step. Zero means uncapped.
	MaxDelay time.Duration
	// MaxDuration caps the total time spent backing off. Zero means uncapped.
	MaxDuration time.Duration
}

// DefaultPolicy is three attempts with a one second doubling backoff.
func DefaultPolicy() Policy {
	return Policy{Attempts: 3, BaseDelay: time.Second}
}

type permanentError struct{ err error }

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying. Do returns it on the first occurrence.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p permanentError
	return errors.As(err, &p)
}

// Do runs fn until it succeeds, returns a permanent error, the policy is
// exhausted or ctx is done. The last error is returned wrapped in
// ErrExhausted so callers can tell a give-up from a first-try failure.
func Do(ctx context.Context, p Policy, log *slog.Logger, op string, fn func(ctx context.Context) error) error {
	_, err := DoValue(ctx, p, log, op, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// DoValue is Do for operations that produce a value.
func DoValue[T any](ctx context.Context, p Policy, log *slog.Logger, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	if log == nil {
		log = logger.Nop()
	}

	attempt := 0
	var lastErr error
	v, err := goretry.DoValue(ctx, p.backoff(), func(ctx context.Context) (T, error) {
		attempt++
		v, err := fn(ctx)
		if err == nil {
			return v, nil
		}
		lastErr = err
		if IsPermanent(err) {
			return v, err
		}
		log.DebugContext(ctx, "operation failed, will retry",
			slog.String("op", op),
			logger.Attempt(attempt),
			logger.Error(err))
		return v, goretry.RetryableError(err)
	})
	if err == nil {
		return v, nil
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		return v, errors.Join(ctxErr, lastErr)
	}
	if IsPermanent(err) {
		return v, errors.Unwrap(err)
	}
	log.WarnContext(ctx, "operation failed after retries",
		slog.String("op", op),
		logger.Attempt(attempt),
		logger.Error(err))
	return v, errors.Join(ErrExhausted, err)
}

func (p Policy) backoff() goretry.Backoff {
	base := p.BaseDelay
	if base <= 0 {
		base = time.Second
	}
	b := goretry.NewExponential(base)
	if p.MaxDelay > 0 {
		b = goretry.WithCappedDuration(p.MaxDelay, b)
	}
	if p.MaxDuration > 0 {
		b = goretry.WithMaxDuration(p.MaxDuration, b)
	}
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	return goretry.WithMaxRetries(uint64(attempts-1), b)
}
