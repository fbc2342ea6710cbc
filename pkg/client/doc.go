// Package client implements the client runtime for named process
// variables: a channel registry with batched name search, a value store,
// a subscription dispatcher and synchronous groups, all driven by one
// notification loop.
//
// # Channels
//
// Open registers interest in a name and returns at once. Searches are
// batched and go out at the next flush point: Flush, Pump, AwaitConnected,
// Read, Block, AwaitIO or WaitUntil. A name nobody hosts is not an error;
// the channel stays StateSearching and is retried with exponential
// backoff. A connected channel that loses its server becomes
// StateDisconnected and reconnects on its own.
//
// # Values
//
// Every value received, whether from Read, a subscription or a group,
// replaces the channel's stored snapshot. Latest returns a copy of it
// without blocking. A snapshot carries its severity; a value of INVALID
// severity or a stale one should not drive logic, see pv.Snapshot.Trusted.
//
// # Blocking writes
//
// A plain Write returns before the server has processed it. To write and
// then wait for the effect, put the write in a synchronous group:
//
//	gid := ctx.BeginGroup()
//	defer ctx.EndGroup(gid)
//	_ = ctx.EnqueueWrite(gid, set, pv.NewDouble(5))
//	res, err := ctx.Block(bg, gid, 5*time.Second)
//
// Group members are held until Block sends them. Block returns once the
// server acknowledged the write as complete. Since
// the acknowledgement travels behind the monitor updates the write caused,
// subscribed channels already show those updates when Block returns.
//
// # Dispatch modes
//
// In loop.Cooperative mode nothing happens between calls: handlers run
// inside the blocking calls and Pump, on the caller's goroutine. In
// loop.Preemptive mode a worker dispatches events as they arrive and
// handlers run on it concurrently with the caller.
package client
