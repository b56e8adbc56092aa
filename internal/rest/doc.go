// Package rest implements the rate-limited request dispatcher.
//
// The dispatcher:
//   - Maps each call onto a bucket keyed by method + route template +
//     major parameter and serves buckets strictly first-in-first-out
//   - Tracks server-reported limit/remaining/reset state per bucket and
//     sleeps proactively when a bucket is exhausted
//   - Honors 429 responses, locking every bucket when the limit is global
//   - Retries 5xx and transport failures with capped exponential backoff
//   - Surfaces auth failures and other 4xx immediately, with no retry
package rest
