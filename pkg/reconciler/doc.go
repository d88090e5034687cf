// Package reconciler keeps cached subscription state consistent with the
// remote store and the billing provider.
//
// Reads go through the cache layer and fall back to the remote store, so a
// remote outage degrades to stale data instead of failing the caller. Every
// remote call runs under a bounded retry policy (three attempts, doubling
// backoff by default) and is cancelled with its context.
//
// SyncSubscription resolves the cached record, the remote record and the
// record implied by the billing provider's entitlements with Resolve, marks
// lapsed records expired and writes only when the result differs from the
// remote copy. Calling it again without remote changes writes nothing.
//
// Purchase, Restore, Cancel and StartTrial are explicit writes. They have no
// safe fallback, so their failures are returned to the caller.
package reconciler
