package health

import (
	"context"
	"time"
)

// Status is the health of one component or of the whole system.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

func (s Status) rank() int {
	switch s {
	case StatusHealthy:
		return 0
	case StatusDegraded:
		return 1
	}
	return 2
}

// Worse returns the worse of s and o.
func (s Status) Worse(o Status) Status {
	if o.rank() > s.rank() {
		return o
	}
	return s
}

// Result is the outcome of checking one component.
type Result struct {
	Service         string
	Status          Status
	Message         string
	Metrics         map[string]float64
	Recommendations []string
	CheckedAt       time.Time
}

// Overall combines the latest results of every component.
type Overall struct {
	Status          Status
	Services        []Result
	Recommendations []string
	CheckedAt       time.Time
	Sweeps          int64
}

// Component is a monitored part of the system. Soft runs when the component
// is degraded and Structural when it is unhealthy; either may be nil.
type Component struct {
	Name       string
	Check      func(ctx context.Context) Result
	Soft       func(ctx context.Context) error
	Structural func(ctx context.Context) error
}

// Thresholds bound each check.
type Thresholds struct {
	MinCacheHitRate      float64
	MaxExpiredRatio      float64
	MaxCacheEntries      int
	MaxConnections       int
	MaxListenerErrorRate float64
	MaxSyncErrorRate     float64
	MaxSyncLatency       time.Duration
	MaxMemoryUsage       float64
	MaxNetworkLatency    time.Duration
}

// DefaultThresholds returns the limits used when none are configured.
func DefaultThresholds() Thresholds {
	return Thresholds{
		MinCacheHitRate:      0.7,
		MaxExpiredRatio:      0.5,
		MaxCacheEntries:      1000,
		MaxConnections:       50,
		MaxListenerErrorRate: 0.1,
		MaxSyncErrorRate:     0.05,
		MaxSyncLatency:       500 * time.Millisecond,
		MaxMemoryUsage:       0.8,
		MaxNetworkLatency:    200 * time.Millisecond,
	}
}
