package health

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/dmitrymomot/entitlements/pkg/cache"
	"github.com/dmitrymomot/entitlements/pkg/listener"
	"github.com/dmitrymomot/entitlements/pkg/reconciler"
)

// Component names.
const (
	ServiceCache         = "cache"
	ServiceListeners     = "listeners"
	ServiceSubscriptions = "subscriptions"
	ServiceMemory        = "memory"
	ServiceNetwork       = "network"
)

// window turns lifetime counters into deltas since the previous check, so a
// burst of errors or misses only counts against the check that saw it.
type window struct {
	mu   sync.Mutex
	prev []int64
}

func (w *window) delta(cur ...int64) []int64 {
	w.mu.Lock()
	defer w.mu.Unlock()

	out := make([]int64, len(cur))
	for i, c := range cur {
		out[i] = c
		// A counter below its previous value was reset.
		if i < len(w.prev) && w.prev[i] <= c {
			out[i] -= w.prev[i]
		}
	}
	w.prev = slices.Clone(cur)
	return out
}

// CacheCheck evaluates the combined statistics of every cache namespace. The
// hit rate covers the reads since the previous check.
func CacheCheck(stats func() []cache.Stats, th Thresholds) func(context.Context) Result {
	var w window
	return func(context.Context) Result {
		var hits, misses int64
		var entries, expired int
		for _, s := range stats() {
			hits += s.Hits
			misses += s.Misses
			entries += s.Entries
			expired += s.Expired
		}
		// Combined, not averaged per namespace.
		d := w.delta(hits, misses)
		hits, misses = d[0], d[1]

		hitRate := 1.0
		if hits+misses > 0 {
			hitRate = float64(hits) / float64(hits+misses)
		}
		expiredRatio := 0.0
		if entries > 0 {
			expiredRatio = float64(expired) / float64(entries)
		}

		r := Result{
			Service: ServiceCache,
			Status:  StatusHealthy,
			Message: "cache operating normally",
			Metrics: map[string]float64{
				"hit_rate":      hitRate,
				"expired_ratio": expiredRatio,
				"entries":       float64(entries),
				"requests":      float64(hits + misses),
			},
		}
		if hitRate < th.MinCacheHitRate {
			r.Status = StatusDegraded
			r.Message = fmt.Sprintf("cache hit rate %.2f is low", hitRate)
			r.Recommendations = append(r.Recommendations, "review cache TTLs", "prefetch frequently read users")
		}
		if expiredRatio > th.MaxExpiredRatio {
			r.Status = StatusDegraded
			r.Message = fmt.Sprintf("%.0f%% of cache entries are expired", expiredRatio*100)
			r.Recommendations = append(r.Recommendations, "review cache TTLs", "run cleanup more often")
		}
		if entries > th.MaxCacheEntries {
			r.Status = StatusDegraded
			r.Message = fmt.Sprintf("cache holds %d entries", entries)
			r.Recommendations = append(r.Recommendations, "lower cache capacity", "shorten cache TTLs")
		}
		return r
	}
}

// ListenerCheck evaluates the realtime listener optimizer. The error rate
// covers the feed events since the previous check.
func ListenerCheck(stats func() listener.Stats, th Thresholds) func(context.Context) Result {
	var w window
	return func(context.Context) Result {
		s := stats()
		d := w.delta(s.Updates, s.Errors)
		errorRate := listener.Stats{Updates: d[0], Errors: d[1]}.ErrorRate()

		r := Result{
			Service: ServiceListeners,
			Status:  StatusHealthy,
			Message: "listeners operating normally",
			Metrics: map[string]float64{
				"groups":      float64(s.Groups),
				"subscribers": float64(s.Subscribers),
				"connections": float64(s.Connections),
				"error_rate":  errorRate,
				"panics":      float64(s.Panics),
			},
		}
		if s.Connections > th.MaxConnections {
			r.Status = StatusDegraded
			r.Message = fmt.Sprintf("%d open remote feeds", s.Connections)
			r.Recommendations = append(r.Recommendations, "share listener groups between screens", "increase the debounce window")
		}
		if errorRate > th.MaxListenerErrorRate {
			r.Status = StatusUnhealthy
			r.Message = fmt.Sprintf("listener error rate %.2f", errorRate)
			r.Recommendations = append(r.Recommendations, "check network connectivity", "check remote store availability")
		}
		if down := s.Groups - s.Connections; down > 0 {
			r.Recommendations = append(r.Recommendations, fmt.Sprintf("%d listener groups are waiting to reconnect", down))
		}
		return r
	}
}

// SubscriptionCheck evaluates remote operations of the reconciler since the
// previous check. Latency is the lifetime average.
func SubscriptionCheck(metrics func() reconciler.Metrics, th Thresholds) func(context.Context) Result {
	var w window
	return func(context.Context) Result {
		m := metrics()
		d := w.delta(m.Operations, m.Failures)
		errorRate := reconciler.Metrics{Operations: d[0], Failures: d[1]}.ErrorRate()

		r := Result{
			Service: ServiceSubscriptions,
			Status:  StatusHealthy,
			Message: "subscription sync operating normally",
			Metrics: map[string]float64{
				"operations":     float64(d[0]),
				"error_rate":     errorRate,
				"avg_latency_ms": float64(m.AverageLatency.Milliseconds()),
				"syncs":          float64(m.Syncs),
			},
		}
		if errorRate > th.MaxSyncErrorRate {
			r.Status = StatusDegraded
			r.Message = fmt.Sprintf("remote error rate %.2f", errorRate)
			r.Recommendations = append(r.Recommendations, "investigate recurring remote errors")
		}
		if m.AverageLatency > th.MaxSyncLatency {
			r.Status = StatusDegraded
			r.Message = fmt.Sprintf("remote latency %s", m.AverageLatency.Round(time.Millisecond))
			r.Recommendations = append(r.Recommendations, "rely more on cached data", "review remote store indexes")
		}
		return r
	}
}

// NetworkCheck times probe. A failing probe is unhealthy, a slow one
// degraded.
func NetworkCheck(probe func(context.Context) error, th Thresholds) func(context.Context) Result {
	return func(ctx context.Context) Result {
		start := time.Now()
		err := probe(ctx)
		latency := time.Since(start)

		r := Result{
			Service: ServiceNetwork,
			Status:  StatusHealthy,
			Message: "network reachable",
			Metrics: map[string]float64{
				"online":     1,
				"latency_ms": float64(latency.Milliseconds()),
			},
		}
		switch {
		case err != nil:
			r.Status = StatusUnhealthy
			r.Message = "remote store unreachable: " + err.Error()
			r.Metrics["online"] = 0
			r.Recommendations = append(r.Recommendations, "check network connectivity", "serve cached data until the remote store is back")
		case latency > th.MaxNetworkLatency:
			r.Status = StatusDegraded
			r.Message = fmt.Sprintf("network latency %s", latency.Round(time.Millisecond))
			r.Recommendations = append(r.Recommendations, "rely more on cached data")
		}
		return r
	}
}
