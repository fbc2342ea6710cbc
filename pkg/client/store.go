package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pvlink/pvlink-go/pkg/pv"
	"github.com/pvlink/pvlink-go/pkg/transport"
	"github.com/pvlink/pvlink-go/pkg/wire"
)

// pendingRead is a read waiting for its reply. member is set for reads
// issued by a synchronous group.
type pendingRead struct {
	ch     *Channel
	rep    pv.Representation
	member *member

	done bool
	snap pv.Snapshot
	err  error
}

// pendingWrite is a write waiting for its acknowledgement.
type pendingWrite struct {
	ch     *Channel
	value  pv.Value
	member *member
}

// usableLocked checks that ch can carry a request right now.
func (c *Context) usableLocked(ch *Channel) error {
	switch {
	case c.closed:
		return ErrContextClosed
	case ch.state == StateClosed:
		return ErrChannelClosed
	case ch.state != StateConnected:
		return ErrDisconnected
	}
	return nil
}

// resolveRep fills in the native type when rep leaves it unset.
func resolveRep(ch *Channel, rep pv.Representation) (pv.Representation, error) {
	if rep.Type == pv.TypeNone {
		rep.Type = ch.nativeType
	}
	if err := rep.Validate(); err != nil {
		return rep, fmt.Errorf("%s: %w", ch.name, err)
	}
	return rep, nil
}

// Read fetches the channel value in rep and waits up to timeout for the
// reply. A rep with TypeNone asks for the native type. The channel must be
// connected when Read is called; otherwise it fails with ErrDisconnected
// and nothing is sent.
func (c *Context) Read(ctx context.Context, ch *Channel, rep pv.Representation, timeout time.Duration) (pv.Snapshot, error) {
	c.mu.Lock()
	if err := c.usableLocked(ch); err != nil {
		c.mu.Unlock()
		return pv.Snapshot{}, err
	}
	rep, err := resolveRep(ch, rep)
	if err != nil {
		c.mu.Unlock()
		return pv.Snapshot{}, err
	}
	corr := c.tr.SendRead(ch.server, ch.name, rep)
	pr := &pendingRead{ch: ch, rep: rep}
	c.reads[corr] = pr
	c.mu.Unlock()

	err = c.await(ctx, timeout, func() bool { return pr.done })

	c.mu.Lock()
	defer c.mu.Unlock()
	if pr.done {
		return pr.snap, pr.err
	}
	delete(c.reads, corr)
	if err == nil {
		err = ErrTimeout
	}
	return pv.Snapshot{}, err
}

// Write sends value to the channel without waiting. Completion is observed
// through AwaitIO, or by writing through a synchronous group instead.
func (c *Context) Write(ch *Channel, value pv.Value) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.usableLocked(ch); err != nil {
		return err
	}
	if value.IsZero() {
		return fmt.Errorf("write %s: %w", ch.name, wire.ErrMissingValue)
	}
	corr := c.tr.SendWrite(ch.server, ch.name, value, false)
	c.writes[corr] = &pendingWrite{ch: ch, value: value}
	c.ioPending++
	c.markDirtyLocked()
	return nil
}

// Latest returns the most recent snapshot from any source without touching
// the network. It never blocks on I/O and always returns a value: before
// anything arrived, or while the channel is not connected, the snapshot is
// marked Stale.
func (c *Context) Latest(ch *Channel) pv.Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return latestLocked(ch)
}

func latestLocked(ch *Channel) pv.Snapshot {
	snap := ch.slot.Clone()
	if ch.state != StateConnected {
		snap.Stale = true
	}
	return snap
}

// WaitUntil waits until cond accepts the channel's stored snapshot or
// timeout elapses. It only watches the store, so the channel needs a
// subscription for the value to change. cond runs with the context locked
// and must not call back into the Context.
func (c *Context) WaitUntil(ctx context.Context, ch *Channel, cond func(pv.Snapshot) bool, timeout time.Duration) (pv.Snapshot, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return pv.Snapshot{}, ErrContextClosed
	}
	if ch.state == StateClosed {
		c.mu.Unlock()
		return pv.Snapshot{}, ErrChannelClosed
	}
	c.mu.Unlock()

	err := c.await(ctx, timeout, func() bool {
		return ch.state == StateClosed || cond(latestLocked(ch))
	})

	c.mu.Lock()
	defer c.mu.Unlock()
	if ch.state == StateClosed {
		return latestLocked(ch), ErrChannelClosed
	}
	return latestLocked(ch), err
}

// AwaitIO flushes and waits until every plain write has been acknowledged.
// It returns ErrTimeout if some are still outstanding, otherwise the
// failures reported since the previous call, joined.
func (c *Context) AwaitIO(ctx context.Context, timeout time.Duration) error {
	err := c.await(ctx, timeout, func() bool { return c.ioPending == 0 })
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	errs := c.ioErrs
	c.ioErrs = nil
	return errors.Join(errs...)
}

func (c *Context) onReadReply(ev transport.Event) {
	pr, ok := c.reads[ev.Correlation]
	if !ok {
		c.logger.Debug("dropping late read reply", "corr", ev.Correlation, "status", ev.Status.String())
		return
	}
	delete(c.reads, ev.Correlation)
	ch := pr.ch

	switch {
	case ev.Status != wire.StatusOK:
		c.resolveReadLocked(pr, pv.Snapshot{}, statusError("read", ch.name, ev.Status))
	case ev.Payload == nil:
		c.logger.Warn("read reply without payload", "channel", ch.name, "corr", ev.Correlation)
		c.resolveReadLocked(pr, pv.Snapshot{}, ErrProtocolMismatch)
	case ev.Payload.Rep != pr.rep:
		c.logger.Warn("dropping read reply in unrequested representation",
			"channel", ch.name, "requested", pr.rep.String(), "got", ev.Payload.Rep.String())
		c.resolveReadLocked(pr, pv.Snapshot{},
			fmt.Errorf("%w: requested %s, got %s", ErrProtocolMismatch, pr.rep, ev.Payload.Rep))
	default:
		ch.slot = ch.slot.Merge(ev.Payload, time.Now())
		c.resolveReadLocked(pr, latestLocked(ch), nil)
	}
}

func (c *Context) resolveReadLocked(pr *pendingRead, snap pv.Snapshot, err error) {
	pr.done = true
	pr.snap = snap
	pr.err = err
	if pr.member != nil {
		c.resolveMemberLocked(pr.member, snap, err)
	}
}

func (c *Context) onWriteReply(ev transport.Event) {
	pw, ok := c.writes[ev.Correlation]
	if !ok {
		c.logger.Debug("dropping late write reply", "corr", ev.Correlation, "status", ev.Status.String())
		return
	}
	delete(c.writes, ev.Correlation)
	err := statusError("write", pw.ch.name, ev.Status)

	if pw.member != nil {
		c.resolveMemberLocked(pw.member, pv.Snapshot{}, err)
		return
	}
	c.ioPending--
	if err != nil {
		c.logger.Warn("write failed", "channel", pw.ch.name, "value", pw.value.String(), "error", err)
		c.ioErrs = append(c.ioErrs, err)
	}
}

// failPendingLocked resolves every read and write outstanding on ch.
func (c *Context) failPendingLocked(ch *Channel, err error) {
	for corr, pr := range c.reads {
		if pr.ch == ch {
			delete(c.reads, corr)
			c.resolveReadLocked(pr, pv.Snapshot{}, err)
		}
	}
	for corr, pw := range c.writes {
		if pw.ch != ch {
			continue
		}
		delete(c.writes, corr)
		if pw.member != nil {
			c.resolveMemberLocked(pw.member, pv.Snapshot{}, err)
			continue
		}
		c.ioPending--
		c.ioErrs = append(c.ioErrs, fmt.Errorf("write %s: %w", ch.name, err))
	}
}
