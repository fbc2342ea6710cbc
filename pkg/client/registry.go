package client

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/pvlink/pvlink-go/pkg/connection"
	"github.com/pvlink/pvlink-go/pkg/log"
	"github.com/pvlink/pvlink-go/pkg/pv"
	"github.com/pvlink/pvlink-go/pkg/transport"
)

// State is the connection state of a channel.
type State uint8

const (
	// StateSearching means the name has not been resolved yet.
	StateSearching State = iota

	// StateConnected means a server hosts the channel and the circuit is up.
	StateConnected

	// StateDisconnected means the channel was connected and is being
	// searched for again.
	StateDisconnected

	// StateClosed is terminal.
	StateClosed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateSearching:
		return "SEARCHING"
	case StateConnected:
		return "CONNECTED"
	case StateDisconnected:
		return "DISCONNECTED"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// ConnectOutcome is the per-channel result of AwaitConnected.
type ConnectOutcome uint8

const (
	// StillSearching means the channel did not connect before the deadline.
	StillSearching ConnectOutcome = iota

	// Connected means the channel is connected.
	Connected
)

// String returns the outcome name.
func (o ConnectOutcome) String() string {
	if o == Connected {
		return "Connected"
	}
	return "StillSearching"
}

// Channel is a handle on a named remote value. Opening the same name twice
// yields two independent handles.
type Channel struct {
	c       *Context
	id      uint64
	name    string
	onState StateHandler

	// Guarded by c.mu.
	state      State
	server     string
	nativeType pv.ValueType
	count      uint32
	searchCorr transport.Correlation
	queued     bool
	backoff    *connection.Backoff
	nextSearch time.Time
	slot       pv.Snapshot
	subs       []*Subscription
}

// Name returns the channel name.
func (ch *Channel) Name() string {
	return ch.name
}

// State returns the current connection state.
func (ch *Channel) State() State {
	ch.c.mu.Lock()
	defer ch.c.mu.Unlock()
	return ch.state
}

// NativeType returns the type the server holds the value in, or TypeNone
// before the channel first connected.
func (ch *Channel) NativeType() pv.ValueType {
	ch.c.mu.Lock()
	defer ch.c.mu.Unlock()
	return ch.nativeType
}

// Count returns the element count reported by the server.
func (ch *Channel) Count() uint32 {
	ch.c.mu.Lock()
	defer ch.c.mu.Unlock()
	return ch.count
}

// Server returns the address of the server the channel was last bound to.
func (ch *Channel) Server() string {
	ch.c.mu.Lock()
	defer ch.c.mu.Unlock()
	return ch.server
}

// Close releases the channel and cancels its subscriptions. Pending
// operations on it fail with ErrChannelClosed.
func (ch *Channel) Close() error {
	c := ch.c
	c.mu.Lock()
	if ch.state == StateClosed {
		c.mu.Unlock()
		return ErrChannelClosed
	}
	var after actions
	c.closeChannelLocked(ch, &after)
	c.mu.Unlock()

	after.run()
	c.loop.Broadcast()
	return nil
}

// Open registers interest in name. It never blocks and sends nothing: the
// search goes out, batched with every other unsent name, at the next flush
// point. On a closed context the returned channel is already closed.
func (c *Context) Open(name string, opts ...OpenOption) *Channel {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.nextChan++
	ch := &Channel{
		c:       c,
		id:      c.nextChan,
		name:    name,
		state:   StateSearching,
		backoff: connection.NewBackoffWithConfig(c.cfg.SearchBackoff),
		slot:    pv.EmptySnapshot(),
	}
	for _, opt := range opts {
		opt(ch)
	}
	if c.closed {
		ch.state = StateClosed
		return ch
	}

	c.channels[ch.id] = ch
	ch.queued = true
	c.unsent = append(c.unsent, ch)
	c.logState(log.StateEntityChannel, name, "", StateSearching.String(), "open")
	return ch
}

// Channels returns the open channels in the order they were opened.
func (c *Context) Channels() []*Channel {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sortedChannelsLocked()
}

func (c *Context) sortedChannelsLocked() []*Channel {
	out := make([]*Channel, 0, len(c.channels))
	for _, ch := range c.channels {
		out = append(out, ch)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// AwaitConnected flushes pending searches and waits until every channel in
// chans (all open channels if none are given) is connected or timeout
// elapses. A channel that is not found is reported as StillSearching, not
// as an error; the search continues in the background. The error is
// reserved for a closed channel or context and for ctx ending.
func (c *Context) AwaitConnected(ctx context.Context, timeout time.Duration, chans ...*Channel) ([]ConnectOutcome, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrContextClosed
	}
	if len(chans) == 0 {
		chans = c.sortedChannelsLocked()
	}
	for _, ch := range chans {
		if ch.state == StateClosed {
			c.mu.Unlock()
			return nil, ErrChannelClosed
		}
	}
	c.mu.Unlock()

	err := c.await(ctx, timeout, func() bool {
		for _, ch := range chans {
			if ch.state != StateConnected && ch.state != StateClosed {
				return false
			}
		}
		return true
	})
	if err != nil && !errors.Is(err, ErrTimeout) {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	outcomes := make([]ConnectOutcome, len(chans))
	for i, ch := range chans {
		switch ch.state {
		case StateConnected:
			outcomes[i] = Connected
		case StateClosed:
			return outcomes, ErrChannelClosed
		default:
			outcomes[i] = StillSearching
		}
	}
	return outcomes, nil
}

func (c *Context) setStateLocked(ch *Channel, state State, reason string, after *actions) {
	old := ch.state
	if old == state {
		return
	}
	ch.state = state
	c.logger.Debug("channel state", "channel", ch.name, "from", old.String(), "to", state.String(), "reason", reason)
	c.logState(log.StateEntityChannel, ch.name, old.String(), state.String(), reason)
	if h := ch.onState; h != nil {
		after.add(func() { h(ch, state) })
	}
}

// queueSearchesLocked hands every unsent name to the transport as one
// batch.
func (c *Context) queueSearchesLocked(now time.Time) {
	for _, ch := range c.unsent {
		ch.queued = false
		if ch.state != StateSearching && ch.state != StateDisconnected {
			continue
		}
		if ch.searchCorr != 0 {
			delete(c.searches, ch.searchCorr)
		}
		corr := c.tr.SearchByName(ch.name)
		c.searches[corr] = ch
		ch.searchCorr = corr
		ch.nextSearch = now.Add(ch.backoff.Next())
	}
	c.unsent = nil
}

// requeueLocked schedules ch for the next search batch.
func (c *Context) requeueLocked(ch *Channel) {
	if ch.queued {
		return
	}
	ch.queued = true
	c.unsent = append(c.unsent, ch)
}

// retrySearchesLocked re-sends searches whose backoff has expired and
// returns when the next one is due.
func (c *Context) retrySearchesLocked(now time.Time) time.Time {
	var next time.Time
	for _, ch := range c.sortedChannelsLocked() {
		if ch.state != StateSearching && ch.state != StateDisconnected {
			continue
		}
		if ch.queued || ch.nextSearch.IsZero() {
			continue
		}
		if !now.Before(ch.nextSearch) {
			c.requeueLocked(ch)
			continue
		}
		if next.IsZero() || ch.nextSearch.Before(next) {
			next = ch.nextSearch
		}
	}
	if len(c.unsent) == 0 || !c.anySentLocked() {
		return next
	}

	c.queueSearchesLocked(now)
	c.dirty = true
	for _, ch := range c.channels {
		if (ch.state == StateSearching || ch.state == StateDisconnected) && !ch.nextSearch.IsZero() {
			if next.IsZero() || ch.nextSearch.Before(next) {
				next = ch.nextSearch
			}
		}
	}
	return next
}

// anySentLocked reports whether an unsent channel has been searched for
// before. Names that never went out wait for a caller flush point.
func (c *Context) anySentLocked() bool {
	for _, ch := range c.unsent {
		if !ch.nextSearch.IsZero() {
			return true
		}
	}
	return false
}

func (c *Context) onSearchReply(ev transport.Event, after *actions) {
	ch, ok := c.searches[ev.Correlation]
	if !ok {
		c.logger.Debug("ignoring search reply", "corr", ev.Correlation, "name", ev.Name, "server", ev.Server)
		return
	}
	delete(c.searches, ev.Correlation)
	if ch.searchCorr == ev.Correlation {
		ch.searchCorr = 0
	}
	if ch.state == StateConnected {
		c.logger.Warn("channel found on more than one server",
			"channel", ch.name, "bound", ch.server, "ignored", ev.Server)
		return
	}

	ch.server = ev.Server
	ch.nativeType = ev.NativeType
	ch.count = ev.Count
	ch.nextSearch = time.Time{}
	ch.backoff.Reset()
	c.setStateLocked(ch, StateConnected, "found on "+ev.Server, after)

	for _, sub := range ch.subs {
		c.issueSubLocked(sub)
	}
	c.dirty = true
}

func (c *Context) onChannelLost(ev transport.Event, after *actions) {
	for _, ch := range c.sortedChannelsLocked() {
		if ch.state == StateConnected && ch.server == ev.Server && ch.name == ev.Name {
			c.disconnectLocked(ch, "channel gone", after)
			// The circuit is still up: look elsewhere right away.
			c.requeueLocked(ch)
			c.dirty = true
		}
	}
}

func (c *Context) onCircuitLost(ev transport.Event, after *actions) {
	for _, ch := range c.sortedChannelsLocked() {
		if ch.state == StateConnected && ch.server == ev.Server {
			c.disconnectLocked(ch, "circuit lost", after)
		}
	}
}

// onCircuitUp searches again for everything unresolved: the server that
// just came up may host it.
func (c *Context) onCircuitUp(ev transport.Event) {
	c.logger.Debug("circuit up", "server", ev.Server)
	for _, ch := range c.sortedChannelsLocked() {
		if (ch.state == StateSearching || ch.state == StateDisconnected) && !ch.nextSearch.IsZero() {
			ch.backoff.Reset()
			c.requeueLocked(ch)
			c.dirty = true
		}
	}
	if c.dirty {
		c.queueSearchesLocked(time.Now())
	}
}

func (c *Context) disconnectLocked(ch *Channel, reason string, after *actions) {
	for _, sub := range ch.subs {
		if sub.corr != 0 {
			delete(c.subs, sub.corr)
			sub.corr = 0
		}
	}
	ch.slot.Stale = true
	ch.backoff.Reset()
	ch.nextSearch = time.Now().Add(ch.backoff.Next())
	c.setStateLocked(ch, StateDisconnected, reason, after)
}

func (c *Context) closeChannelLocked(ch *Channel, after *actions) {
	if ch.state == StateClosed {
		return
	}
	if ch.searchCorr != 0 {
		delete(c.searches, ch.searchCorr)
		ch.searchCorr = 0
	}
	if ch.queued {
		kept := c.unsent[:0]
		for _, u := range c.unsent {
			if u != ch {
				kept = append(kept, u)
			}
		}
		c.unsent = kept
		ch.queued = false
	}
	for _, sub := range append([]*Subscription(nil), ch.subs...) {
		c.cancelSubLocked(sub)
	}
	c.failPendingLocked(ch, ErrChannelClosed)

	delete(c.channels, ch.id)
	ch.slot.Stale = true
	c.setStateLocked(ch, StateClosed, "closed", after)
	c.markDirtyLocked()
}
