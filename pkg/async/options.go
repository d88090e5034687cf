package async

import (
	"log/slog"
	"time"
)

// Option configures a Queue.
type Option func(*options)

type options struct {
	size    int
	workers int
	timeout time.Duration
	logger  *slog.Logger
}

// WithSize sets the buffer capacity. Submissions beyond it are dropped.
func WithSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.size = n
		}
	}
}

// WithWorkers sets how many tasks run at once.
func WithWorkers(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.workers = n
		}
	}
}

// WithTaskTimeout bounds every task's context.
func WithTaskTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// WithLogger sets the logger used for task failures.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}
