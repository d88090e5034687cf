package health

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/dmitrymomot/entitlements/pkg/logger"
)

// Monitor periodically checks every component and runs at most one
// remediation per component per sweep.
type Monitor struct {
	components []Component
	interval   time.Duration
	now        func() time.Time
	logger     *slog.Logger
	registerer prometheus.Registerer
	gatherer   prometheus.Gatherer

	status       *prometheus.GaugeVec
	overall      prometheus.Gauge
	sweepsTotal  prometheus.Counter
	remediations *prometheus.CounterVec

	sweepMu sync.Mutex // serializes sweeps

	mu      sync.RWMutex
	results map[string]Result
	sweeps  int64
	last    time.Time
}

// New creates a monitor for components. It panics when two components share
// a name or the collectors cannot be registered.
func New(components []Component, opts ...Option) *Monitor {
	m := &Monitor{
		components: components,
		interval:   DefaultInterval,
		now:        time.Now,
		logger:     logger.Nop(),
		results:    make(map[string]Result, len(components)),
	}
	for _, opt := range opts {
		opt(m)
	}

	seen := make(map[string]struct{}, len(components))
	for _, c := range components {
		if c.Name == "" || c.Check == nil {
			panic("health: component needs a name and a check")
		}
		if _, dup := seen[c.Name]; dup {
			panic(fmt.Sprintf("health: duplicate component %q", c.Name))
		}
		seen[c.Name] = struct{}{}
	}

	if m.registerer == nil {
		reg := prometheus.NewRegistry()
		m.registerer, m.gatherer = reg, reg
	}

	m.status = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "entitlements",
		Subsystem: "health",
		Name:      "component_status",
		Help:      "Component health: 0 healthy, 1 degraded, 2 unhealthy",
	}, []string{"component"})
	m.overall = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "entitlements",
		Subsystem: "health",
		Name:      "overall_status",
		Help:      "Worst component health: 0 healthy, 1 degraded, 2 unhealthy",
	})
	m.sweepsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "entitlements",
		Subsystem: "health",
		Name:      "sweeps_total",
		Help:      "Total number of health sweeps",
	})
	m.remediations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "entitlements",
		Subsystem: "health",
		Name:      "remediations_total",
		Help:      "Remediations run by component, kind and outcome",
	}, []string{"component", "kind", "outcome"})

	m.registerer.MustRegister(m.status, m.overall, m.sweepsTotal, m.remediations)
	return m
}

// Gatherer returns the private registry, or nil when WithRegisterer was used.
func (m *Monitor) Gatherer() prometheus.Gatherer {
	return m.gatherer
}

// Interval returns the time between sweeps.
func (m *Monitor) Interval() time.Duration {
	return m.interval
}

// Run sweeps immediately and then every interval until ctx is done.
func (m *Monitor) Run(ctx context.Context) error {
	m.Sweep(ctx)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}

// Sweep checks every component, then remediates the ones that are not
// healthy: Soft for degraded and Structural for unhealthy.
func (m *Monitor) Sweep(ctx context.Context) Overall {
	m.sweepMu.Lock()
	defer m.sweepMu.Unlock()

	results := m.check(ctx)
	for _, r := range results {
		if ctx.Err() != nil {
			break
		}
		m.remediate(ctx, r)
	}

	m.sweepsTotal.Inc()
	m.mu.Lock()
	m.sweeps++
	m.mu.Unlock()

	return m.GetOverallHealth()
}

// ForceCheck checks every component now without remediating.
func (m *Monitor) ForceCheck(ctx context.Context) Overall {
	m.sweepMu.Lock()
	defer m.sweepMu.Unlock()

	m.check(ctx)
	return m.GetOverallHealth()
}

// GetOverallHealth combines the latest results. Components never checked are
// left out; with no results the system reports healthy.
func (m *Monitor) GetOverallHealth() Overall {
	m.mu.RLock()
	defer m.mu.RUnlock()

	o := Overall{
		Status:    StatusHealthy,
		Services:  make([]Result, 0, len(m.results)),
		CheckedAt: m.last,
		Sweeps:    m.sweeps,
	}
	for _, c := range m.components {
		r, ok := m.results[c.Name]
		if !ok {
			continue
		}
		o.Services = append(o.Services, r)
		o.Status = o.Status.Worse(r.Status)
		for _, rec := range r.Recommendations {
			if !slices.Contains(o.Recommendations, rec) {
				o.Recommendations = append(o.Recommendations, rec)
			}
		}
	}
	return o
}

// Result returns the latest result for one component.
func (m *Monitor) Result(name string) (Result, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.results[name]
	return r, ok
}

func (m *Monitor) check(ctx context.Context) []Result {
	results := make([]Result, 0, len(m.components))
	for _, c := range m.components {
		r := m.run(ctx, c)
		results = append(results, r)
		m.status.WithLabelValues(c.Name).Set(float64(r.Status.rank()))
	}

	now := m.now()
	worst := StatusHealthy

	m.mu.Lock()
	for _, r := range results {
		m.results[r.Service] = r
	}
	for _, r := range m.results {
		worst = worst.Worse(r.Status)
	}
	m.last = now
	m.mu.Unlock()

	m.overall.Set(float64(worst.rank()))
	return results
}

func (m *Monitor) run(ctx context.Context, c Component) (r Result) {
	defer func() {
		if p := recover(); p != nil {
			r = Result{
				Service: c.Name,
				Status:  StatusUnhealthy,
				Message: fmt.Sprintf("health check panicked: %v", p),
			}
		}
		r.Service = c.Name
		if r.Status == "" {
			r.Status = StatusHealthy
		}
		r.CheckedAt = m.now()

		if r.Status != StatusHealthy {
			m.logger.WarnContext(ctx, "component not healthy",
				logger.Component(c.Name),
				logger.Status(string(r.Status)),
				slog.String("message", r.Message))
		}
	}()
	return c.Check(ctx)
}

func (m *Monitor) remediate(ctx context.Context, r Result) {
	c := m.component(r.Service)

	var kind string
	var fn func(context.Context) error
	switch r.Status {
	case StatusDegraded:
		kind, fn = "soft", c.Soft
	case StatusUnhealthy:
		kind, fn = "structural", c.Structural
	}
	if fn == nil {
		return
	}

	outcome := "ok"
	if err := fn(ctx); err != nil {
		outcome = "error"
		m.logger.ErrorContext(ctx, "remediation failed",
			logger.Component(c.Name),
			slog.String("kind", kind),
			logger.Error(err))
	} else {
		m.logger.InfoContext(ctx, "remediation applied",
			logger.Component(c.Name),
			slog.String("kind", kind))
	}
	m.remediations.WithLabelValues(c.Name, kind, outcome).Inc()
}

func (m *Monitor) component(name string) Component {
	for _, c := range m.components {
		if c.Name == name {
			return c
		}
	}
	return Component{}
}
