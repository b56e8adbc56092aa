// Package shard implements the Shard Manager.
//
// The Shard Manager:
//   - Bootstraps via the dispatcher's /gateway/bot call (gateway URL,
//     recommended shard count, identify concurrency)
//   - Spaces Identify attempts across all shards with a shared limiter
//   - Supervises each shard, translating connection outcomes into
//     resume, re-identify, backoff, or fatal
//   - Detects crash loops with a bounded restart window
//   - Signals readiness exactly once when every shard is connected
package shard
