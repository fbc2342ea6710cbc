package client

import (
	"time"

	"github.com/pvlink/pvlink-go/pkg/pv"
	"github.com/pvlink/pvlink-go/pkg/transport"
	"github.com/pvlink/pvlink-go/pkg/wire"
)

// Update is one monitor delivery.
type Update struct {
	Channel  *Channel
	Snapshot pv.Snapshot
}

// Handler receives monitor updates. In cooperative mode it runs inside the
// call that pumps the loop; in preemptive mode it runs on the loop worker
// and must not wait on the same Context.
type Handler func(Update)

// Subscription is a monitor on one channel. It survives disconnects: the
// monitor is issued again each time the channel connects.
type Subscription struct {
	ch      *Channel
	rep     pv.Representation
	mask    pv.EventMask
	handler Handler

	// Guarded by ch.c.mu.
	corr      transport.Correlation
	cancelled bool
	last      pv.Snapshot
	delivered uint64
}

// Channel returns the monitored channel.
func (s *Subscription) Channel() *Channel { return s.ch }

// Rep returns the representation updates are delivered in. Its type is
// filled in once the channel's native type is known.
func (s *Subscription) Rep() pv.Representation {
	s.ch.c.mu.Lock()
	defer s.ch.c.mu.Unlock()
	return s.rep
}

// Mask returns the event mask.
func (s *Subscription) Mask() pv.EventMask { return s.mask }

// Last returns the most recent snapshot this subscription delivered.
func (s *Subscription) Last() pv.Snapshot {
	s.ch.c.mu.Lock()
	defer s.ch.c.mu.Unlock()
	return s.last.Clone()
}

// Delivered returns the number of updates handed to the handler.
func (s *Subscription) Delivered() uint64 {
	s.ch.c.mu.Lock()
	defer s.ch.c.mu.Unlock()
	return s.delivered
}

// Cancel stops the monitor. No update is delivered after Cancel returns,
// except one whose handler call had already begun.
func (s *Subscription) Cancel() error {
	c := s.ch.c
	c.mu.Lock()
	defer c.mu.Unlock()
	if s.cancelled {
		return nil
	}
	if c.closed {
		return ErrContextClosed
	}
	c.cancelSubLocked(s)
	c.markDirtyLocked()
	return nil
}

// Subscribe installs a monitor on ch. A zero mask selects value and alarm
// changes; a rep with TypeNone selects the native type once known. If the
// channel is not connected yet the monitor is issued when it connects.
// handler may be nil when only Latest is of interest.
func (c *Context) Subscribe(ch *Channel, rep pv.Representation, mask pv.EventMask, handler Handler) (*Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.closed:
		return nil, ErrContextClosed
	case ch.state == StateClosed:
		return nil, ErrChannelClosed
	}
	if rep.Type != pv.TypeNone {
		if err := rep.Validate(); err != nil {
			return nil, err
		}
	}
	if mask == 0 {
		mask = pv.MaskDefault
	}

	sub := &Subscription{
		ch:      ch,
		rep:     rep,
		mask:    mask,
		handler: handler,
		last:    pv.EmptySnapshot(),
	}
	ch.subs = append(ch.subs, sub)
	if ch.state == StateConnected {
		c.issueSubLocked(sub)
		c.markDirtyLocked()
	}
	c.logger.Debug("subscribed", "channel", ch.name, "rep", rep.String(), "mask", mask.String())
	return sub, nil
}

// issueSubLocked queues the subscribe request for a connected channel.
func (c *Context) issueSubLocked(sub *Subscription) {
	ch := sub.ch
	if sub.cancelled || ch.state != StateConnected {
		return
	}
	if sub.rep.Type == pv.TypeNone {
		sub.rep.Type = ch.nativeType
	}
	if sub.corr != 0 {
		delete(c.subs, sub.corr)
	}
	sub.corr = c.tr.SendSubscribe(ch.server, ch.name, sub.rep, sub.mask)
	c.subs[sub.corr] = sub
}

func (c *Context) cancelSubLocked(sub *Subscription) {
	ch := sub.ch
	sub.cancelled = true
	if sub.corr != 0 {
		delete(c.subs, sub.corr)
		if ch.state == StateConnected {
			c.tr.CancelSubscription(ch.server, sub.corr)
		}
		sub.corr = 0
	}
	for i, s := range ch.subs {
		if s == sub {
			ch.subs = append(ch.subs[:i], ch.subs[i+1:]...)
			break
		}
	}
}

func (c *Context) onUpdate(ev transport.Event, after *actions) {
	sub, ok := c.subs[ev.Correlation]
	if !ok {
		return
	}
	ch := sub.ch

	switch {
	case ev.Status == wire.StatusDisconnected:
		delete(c.subs, ev.Correlation)
		sub.corr = 0
		return
	case ev.Status != wire.StatusOK:
		c.logger.Warn("monitor refused", "channel", ch.name, "status", ev.Status.String())
		delete(c.subs, ev.Correlation)
		sub.corr = 0
		return
	case ev.Payload == nil:
		c.logger.Warn("dropping update without payload", "channel", ch.name, "corr", ev.Correlation)
		return
	case ev.Payload.Rep != sub.rep:
		c.logger.Warn("dropping update in unrequested representation",
			"channel", ch.name, "requested", sub.rep.String(), "got", ev.Payload.Rep.String())
		return
	}

	ch.slot = ch.slot.Merge(ev.Payload, time.Now())
	sub.last = ch.slot.Clone()
	sub.delivered++
	if sub.handler == nil {
		return
	}
	u := Update{Channel: ch, Snapshot: ch.slot.Clone()}
	h := sub.handler
	after.add(func() {
		if !sub.isCancelled() {
			h(u)
		}
	})
}

func (s *Subscription) isCancelled() bool {
	s.ch.c.mu.Lock()
	defer s.ch.c.mu.Unlock()
	return s.cancelled
}
