// Package loop drives inbound transport events and background timers.
//
// A Loop runs in one of two modes, fixed at construction:
//
//   - Cooperative: nothing happens until the owner calls Pump or blocks in
//     Await. Events are dispatched on that goroutine, so handler execution
//     and caller logic never overlap. A cooperative loop is driven by one
//     goroutine at a time.
//   - Preemptive: Start runs a worker goroutine that dispatches events as
//     they arrive, concurrently with callers. Await waits on a broadcast
//     signal fired by the worker after each batch.
//
// Only one mode may be active in a process at a time. New fails with
// ErrModeConflict while a loop of the other mode is open.
//
// # Waking Waiters
//
// Await takes a condition and re-checks it after every wakeup. The signal
// carries no data: processors must store state before the loop broadcasts,
// and waiters must not assume a wakeup implies any specific change.
package loop
