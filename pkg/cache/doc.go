// Package cache provides a versioned, TTL-bound cache with a bounded memory
// tier in front of a durable key-value store.
//
// Every cache is a named namespace. Entries are stamped with the time they
// were cached, an expiry and a schema version. Entries written under another
// version are treated as absent and removed from the durable tier, so
// changing the version invalidates everything persisted before.
//
// # Usage
//
//	store := kvstore.NewMemoryStore()
//	subs := cache.New[subscription.Record]("subscription", store,
//		cache.WithTTL(5*time.Minute),
//		cache.WithVersion("v1.0.0"),
//	)
//
//	res, err := subs.Fetch(ctx, userID, func(ctx context.Context) (subscription.Record, error) {
//		return remote.FetchSubscription(ctx, userID)
//	})
//	if err != nil {
//		// nothing cached and the remote failed
//	}
//	if res.Stale {
//		// remote failed, last known value served
//	}
//
// # Stale on error
//
// Fetch returns a fresh entry when one exists. Otherwise it calls the loader,
// collapsing concurrent loads of the same key into one call. When the loader
// fails and an entry exists, even an expired one, that entry is returned with
// Stale set and the key is retained until the next successful write so that
// Cleanup does not remove the fallback.
//
// # Cleanup
//
// Cleanup removes expired entries from both tiers. Keys being refreshed and
// retained stale keys are skipped. Run calls Cleanup on an interval; Load and
// Rebuild warm the memory tier from the durable tier.
package cache
