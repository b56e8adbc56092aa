// Package events implements the Event Bridge.
//
// The Event Bridge:
//   - Accepts decoded gateway dispatches from every shard's read loop
//   - Preserves per-shard arrival order through a single bounded queue
//   - Drains the queue from one consumer goroutine that invokes handlers
//   - Never blocks a producer: when the queue is full the incoming event
//     is dropped, counted, and logged
package events
