// Package gateway implements a single shard's websocket connection.
//
// Each Conn:
//   - Performs the Hello -> Identify/Resume -> Ready/Resumed handshake
//   - Runs a heartbeat loop with a jitter-delayed first beat
//   - Serializes all socket writes behind one mutex
//   - Tracks the dispatch sequence number echoed in heartbeats
//   - Classifies close codes into resume / re-identify / fatal
//   - Forwards dispatches to the event bridge in arrival order
package gateway
