package health

import (
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// DefaultInterval is the time between sweeps.
const DefaultInterval = 30 * time.Second

type Option func(*Monitor)

// WithInterval sets the sweep interval used by Run.
func WithInterval(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.interval = d
		}
	}
}

// WithLogger sets the monitor logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Monitor) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithClock replaces time.Now for result timestamps.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) {
		if now != nil {
			m.now = now
		}
	}
}

// WithRegisterer registers the monitor's collectors with r instead of a
// private registry.
func WithRegisterer(r prometheus.Registerer) Option {
	return func(m *Monitor) {
		if r != nil {
			m.registerer = r
		}
	}
}
