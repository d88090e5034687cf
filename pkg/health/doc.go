// Package health periodically checks the components of the entitlements
// engine and applies corrective actions.
//
// Each Component pairs a check with optional remediations. A degraded
// component gets its Soft action (cleanup) and an unhealthy one its
// Structural action (rebuild). At most one action runs per component per
// sweep, and a failing action is logged, never propagated.
//
// Constructors for the stock checks take a Thresholds value:
//
//	th := health.DefaultThresholds()
//	mon := health.New([]health.Component{
//		{Name: health.ServiceCache, Check: health.CacheCheck(stats, th), Soft: cleanup, Structural: rebuild},
//		{Name: health.ServiceMemory, Check: health.MemoryCheck(health.ProcessMemory(0), th)},
//	}, health.WithInterval(30*time.Second))
//	go mon.Run(ctx)
//
// Status gauges and sweep counters are exported through Prometheus. Without
// WithRegisterer they live in a private registry available from Gatherer.
package health
