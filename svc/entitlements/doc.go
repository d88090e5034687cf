// Package entitlements wires the subscription cache, the quota tracker, the
// sync reconciler, the realtime listener optimizer and the health monitor
// into one Engine per logged-in user session.
//
// An engine needs a durable key-value store for the cache and a remote
// document store acting as the source of truth:
//
//	cfg, err := entitlements.LoadConfig()
//	if err != nil {
//		return err
//	}
//	deps, release, err := entitlements.Connect(ctx) // MongoDB plus Redis, SQLite or memory
//	if err != nil {
//		return err
//	}
//	defer release(ctx)
//
//	engine, err := entitlements.New(ctx, userID, cfg, deps, entitlements.WithLogger(log))
//	if err != nil {
//		return err
//	}
//	defer engine.Close()
//
//	decision, err := engine.CanPerformAction(ctx, userID, quota.ActionGeneration, subscription.ProviderOpenAI)
//
// Reads never fail because the remote store is down: they fall back to
// cached data and flag it as stale. Only Purchase, Restore, Cancel and
// StartTrial return remote failures. Close cancels pending retries so a
// session never writes on behalf of a user who has logged out.
//
// Analytics events are written to the subscription_events collection from a
// background queue and never delay or fail the operation they describe.
package entitlements
