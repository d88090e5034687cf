// Package kvstore is the local durable store used by the cache layer to
// survive process restarts: plain string keys mapped to string values, no
// transactions.
//
// Three implementations are provided:
//
//   - MemoryStore: process memory, for tests and throwaway sessions.
//   - RedisStore: a Redis database via github.com/redis/go-redis/v9, keys
//     namespaced by a prefix and listed with SCAN.
//   - SQLiteStore: a single-file database via modernc.org/sqlite (pure Go,
//     no cgo), the natural choice on devices.
//
// Get reports a missing key as ErrNotFound; transport failures wrap
// ErrReadFailed or ErrWriteFailed.
package kvstore
