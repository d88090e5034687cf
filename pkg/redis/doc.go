// Package redis connects to the Redis instance used as the durable tier of the
// subscription cache on server and desktop hosts.
//
// Connect retries the initial ping with exponential backoff (see pkg/retry) and
// Healthcheck exposes a ping probe for the health monitor. Key layout and
// value handling live in pkg/kvstore.RedisStore.
package redis
