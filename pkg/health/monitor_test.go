package health_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/entitlements/pkg/health"
)

type probe struct {
	status     atomic.Value
	soft       atomic.Int32
	structural atomic.Int32
	recs       []string
	fail       error
}

func newProbe(s health.Status, recs ...string) *probe {
	p := &probe{recs: recs}
	p.status.Store(s)
	return p
}

func (p *probe) component(name string) health.Component {
	return health.Component{
		Name: name,
		Check: func(context.Context) health.Result {
			return health.Result{Status: p.status.Load().(health.Status), Recommendations: p.recs}
		},
		Soft: func(context.Context) error {
			p.soft.Add(1)
			return p.fail
		},
		Structural: func(context.Context) error {
			p.structural.Add(1)
			return p.fail
		},
	}
}

func TestNewPanics(t *testing.T) {
	t.Parallel()

	check := func(context.Context) health.Result { return health.Result{} }
	assert.Panics(t, func() { health.New([]health.Component{{Name: "a"}}) })
	assert.Panics(t, func() { health.New([]health.Component{{Check: check}}) })
	assert.Panics(t, func() {
		health.New([]health.Component{{Name: "a", Check: check}, {Name: "a", Check: check}})
	})
}

func TestSweepRemediation(t *testing.T) {
	t.Parallel()

	healthy := newProbe(health.StatusHealthy)
	degraded := newProbe(health.StatusDegraded, "run cleanup", "review ttl")
	unhealthy := newProbe(health.StatusUnhealthy, "run cleanup", "check network")

	mon := health.New([]health.Component{
		healthy.component("a"),
		degraded.component("b"),
		unhealthy.component("c"),
	})

	o := mon.Sweep(context.Background())
	assert.Equal(t, health.StatusUnhealthy, o.Status)
	assert.Len(t, o.Services, 3)
	assert.Equal(t, []string{"run cleanup", "review ttl", "check network"}, o.Recommendations)
	assert.Equal(t, int64(1), o.Sweeps)
	assert.False(t, o.CheckedAt.IsZero())

	assert.Zero(t, healthy.soft.Load()+healthy.structural.Load())
	assert.Equal(t, int32(1), degraded.soft.Load())
	assert.Zero(t, degraded.structural.Load())
	assert.Zero(t, unhealthy.soft.Load())
	assert.Equal(t, int32(1), unhealthy.structural.Load())

	mon.Sweep(context.Background())
	assert.Equal(t, int32(2), degraded.soft.Load())
	assert.Equal(t, int32(2), unhealthy.structural.Load())
}

func TestSweepRemediationFailureIsContained(t *testing.T) {
	t.Parallel()

	p := newProbe(health.StatusUnhealthy)
	p.fail = errors.New("rebuild failed")
	other := newProbe(health.StatusDegraded)

	mon := health.New([]health.Component{p.component("a"), other.component("b")})
	o := mon.Sweep(context.Background())

	assert.Equal(t, health.StatusUnhealthy, o.Status)
	assert.Equal(t, int32(1), p.structural.Load())
	assert.Equal(t, int32(1), other.soft.Load())

	n, err := testutil.GatherAndCount(mon.Gatherer(), "entitlements_health_remediations_total")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestForceCheckDoesNotRemediate(t *testing.T) {
	t.Parallel()

	p := newProbe(health.StatusDegraded)
	mon := health.New([]health.Component{p.component("a")})

	o := mon.ForceCheck(context.Background())
	assert.Equal(t, health.StatusDegraded, o.Status)
	assert.Zero(t, o.Sweeps)
	assert.Zero(t, p.soft.Load())
}

func TestGetOverallHealth(t *testing.T) {
	t.Parallel()

	p := newProbe(health.StatusDegraded)
	mon := health.New([]health.Component{p.component("a")})

	o := mon.GetOverallHealth()
	assert.Equal(t, health.StatusHealthy, o.Status)
	assert.Empty(t, o.Services)

	mon.ForceCheck(context.Background())
	assert.Equal(t, health.StatusDegraded, mon.GetOverallHealth().Status)

	p.status.Store(health.StatusHealthy)
	mon.ForceCheck(context.Background())
	assert.Equal(t, health.StatusHealthy, mon.GetOverallHealth().Status)

	r, ok := mon.Result("a")
	require.True(t, ok)
	assert.Equal(t, "a", r.Service)
	_, ok = mon.Result("missing")
	assert.False(t, ok)
}

func TestCheckPanicIsUnhealthy(t *testing.T) {
	t.Parallel()

	mon := health.New([]health.Component{{
		Name:  "broken",
		Check: func(context.Context) health.Result { panic("boom") },
	}})

	o := mon.Sweep(context.Background())
	require.Len(t, o.Services, 1)
	assert.Equal(t, health.StatusUnhealthy, o.Services[0].Status)
	assert.Contains(t, o.Services[0].Message, "boom")
}

func TestMetricsExported(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	p := newProbe(health.StatusDegraded)
	mon := health.New([]health.Component{p.component("cache")}, health.WithRegisterer(reg))
	assert.Nil(t, mon.Gatherer())

	mon.Sweep(context.Background())

	families, err := reg.Gather()
	require.NoError(t, err)

	values := map[string]float64{}
	for _, f := range families {
		for _, m := range f.GetMetric() {
			switch {
			case m.GetGauge() != nil:
				values[f.GetName()] = m.GetGauge().GetValue()
			case m.GetCounter() != nil:
				values[f.GetName()] = m.GetCounter().GetValue()
			}
		}
	}
	assert.Equal(t, 1.0, values["entitlements_health_component_status"])
	assert.Equal(t, 1.0, values["entitlements_health_overall_status"])
	assert.Equal(t, 1.0, values["entitlements_health_sweeps_total"])
	assert.Equal(t, 1.0, values["entitlements_health_remediations_total"])
}

func TestRun(t *testing.T) {
	t.Parallel()

	p := newProbe(health.StatusDegraded)
	mon := health.New([]health.Component{p.component("a")}, health.WithInterval(5*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- mon.Run(ctx) }()

	assert.Eventually(t, func() bool { return p.soft.Load() >= 3 }, time.Second, time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("monitor did not stop")
	}
	assert.GreaterOrEqual(t, mon.GetOverallHealth().Sweeps, int64(3))
}
