package entitlements

import (
	"log/slog"
	"time"
)

type Option func(*options)

type options struct {
	logger   *slog.Logger
	now      func() time.Time
	location *time.Location
}

// WithLogger sets the engine logger. Build it with logger.WithSessionContext
// to get session_id and user_id on every record.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithClock replaces time.Now in every component.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithLocation sets the time zone quota windows reset in.
func WithLocation(loc *time.Location) Option {
	return func(o *options) {
		if loc != nil {
			o.location = loc
		}
	}
}
