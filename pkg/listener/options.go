package listener

import (
	"log/slog"
	"time"
)

const (
	DefaultDebounce   = 250 * time.Millisecond
	DefaultRetryDelay = 5 * time.Second
)

// Option configures an Optimizer.
type Option func(*options)

type options struct {
	debounce   time.Duration
	retryDelay time.Duration
	logger     *slog.Logger
}

// WithDebounce sets the trailing debounce window. Zero delivers every update
// as it arrives.
func WithDebounce(d time.Duration) Option {
	return func(o *options) {
		if d >= 0 {
			o.debounce = d
		}
	}
}

// WithRetryDelay sets the fixed delay before a failed remote subscription is
// recreated.
func WithRetryDelay(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.retryDelay = d
		}
	}
}

// WithLogger sets the optimizer logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}
