// Package retry wraps github.com/sethvargo/go-retry with the bounded
// exponential policy used for every remote operation: a fixed number of
// attempts, a doubling delay and an optional cap on total backoff time.
//
// Backoff waits honour ctx, so cancelling a user session aborts pending
// retries immediately. Errors marked with Permanent stop the loop at once.
package retry
