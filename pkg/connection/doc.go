// Package connection manages the lifecycle of pvlink circuits.
//
// It provides:
//   - Exponential backoff with jitter, used for circuit reconnection and
//     for background search retries of unresolved channel names
//   - A circuit Manager that tracks state and reconnects automatically
//
// # Reconnection Strategy
//
// When a circuit is lost the manager retries immediately once, then
// backs off exponentially:
//
//  1. Initial delay: 500 milliseconds
//  2. Exponential increase: 1s, 2s, 4s, 8s, 16s
//  3. Maximum delay: 30 seconds
//  4. Continue at the maximum until successful
//  5. Reset on successful reconnection
//
// # Jitter
//
// To keep many clients from reconnecting to a restarted server in lockstep:
//
//	actual_delay = base_delay + random(0, base_delay * 0.25)
package connection
