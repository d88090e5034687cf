package entitlements

import (
	"context"
	"errors"
	"time"

	"github.com/dmitrymomot/entitlements/pkg/health"
	"github.com/dmitrymomot/entitlements/pkg/reconciler"
	"github.com/dmitrymomot/entitlements/pkg/remotestore"
	"github.com/dmitrymomot/entitlements/pkg/subscription"
)

const probeTimeout = 5 * time.Second

func (e *Engine) components(probe func(context.Context) error, memory health.MemorySampler) []health.Component {
	th := health.DefaultThresholds()
	return []health.Component{
		{
			Name:       health.ServiceCache,
			Check:      health.CacheCheck(e.CacheStats, th),
			Soft:       e.cleanupCaches,
			Structural: e.rebuildCaches,
		},
		{
			Name:  health.ServiceListeners,
			Check: health.ListenerCheck(e.listeners.Stats, th),
			Soft: func(context.Context) error {
				e.listeners.CleanupEmpty()
				return nil
			},
			Structural: func(context.Context) error {
				_, err := e.listeners.Rebuild()
				return err
			},
		},
		{
			Name:  health.ServiceSubscriptions,
			Check: health.SubscriptionCheck(e.reconciler.Metrics, th),
		},
		{
			Name:  health.ServiceMemory,
			Check: health.MemoryCheck(memory, th),
			Soft:  e.cleanupCaches,
		},
		{
			Name:  health.ServiceNetwork,
			Check: health.NetworkCheck(probe, th),
		},
	}
}

func (e *Engine) cleanupCaches(ctx context.Context) error {
	_, serr := e.subs.Cleanup(ctx)
	_, uerr := e.usage.Cleanup(ctx)
	return errors.Join(serr, uerr)
}

func (e *Engine) rebuildCaches(ctx context.Context) error {
	_, serr := e.subs.Rebuild(ctx)
	_, uerr := e.usage.Rebuild(ctx)
	return errors.Join(serr, uerr)
}

// probeRemote reads the session user's record. A missing record still
// proves the store is reachable.
func (e *Engine) probeRemote(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	var rec subscription.Record
	err := e.remote.Get(ctx, reconciler.CollectionSubscriptions, e.userID, &rec)
	if err == nil || errors.Is(err, remotestore.ErrNotFound) {
		return nil
	}
	return err
}
