package transport

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/pvlink/pvlink-go/pkg/connection"
	"github.com/pvlink/pvlink-go/pkg/log"
	"github.com/pvlink/pvlink-go/pkg/pv"
	"github.com/pvlink/pvlink-go/pkg/wire"
)

// NetConfig configures a NetTransport.
type NetConfig struct {
	// Servers are the host:port addresses to open circuits to.
	Servers []string

	// ConnectTimeout bounds a single dial.
	ConnectTimeout time.Duration

	// Backoff controls circuit reconnection.
	Backoff connection.BackoffConfig

	// KeepAlive controls dead-circuit detection.
	KeepAlive KeepAliveConfig

	// MaxMessageSize limits frame size (default DefaultMaxMessageSize).
	MaxMessageSize uint32

	// ContextID tags protocol capture events with the owning client context.
	ContextID string

	// Logger receives operational logs. Nil discards.
	Logger *slog.Logger

	// ProtocolLogger receives protocol capture events. Nil disables capture.
	ProtocolLogger log.Logger
}

// NetTransport is a Transport over TCP circuits, one per server.
type NetTransport struct {
	cfg    NetConfig
	logger *slog.Logger
	plog   log.Logger

	corr   Correlator
	outbox *Outbox

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.RWMutex
	handler  Handler
	circuits map[string]*circuit
	order    []string
	subs     map[Correlation]subscription
	started  bool
	closed   bool
}

type subscription struct {
	server string
	name   string
}

var (
	_ Transport = (*NetTransport)(nil)
	_ Starter   = (*NetTransport)(nil)
)

// NewNetTransport creates a transport for the configured servers. Circuits
// are dialled once Start is called.
func NewNetTransport(cfg NetConfig) *NetTransport {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = connection.DefaultConnectTimeout
	}
	if cfg.Backoff.Initial <= 0 {
		cfg.Backoff = connection.DefaultBackoffConfig()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &NetTransport{
		cfg:      cfg,
		logger:   logger,
		plog:     cfg.ProtocolLogger,
		outbox:   NewOutbox(),
		ctx:      ctx,
		cancel:   cancel,
		circuits: make(map[string]*circuit),
		subs:     make(map[Correlation]subscription),
	}
	for _, s := range cfg.Servers {
		t.addCircuit(s)
	}
	return t
}

// SetHandler installs the inbound event handler.
func (t *NetTransport) SetHandler(h Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = h
}

// Start begins connecting every known circuit.
func (t *NetTransport) Start() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	if t.started {
		t.mu.Unlock()
		return nil
	}
	t.started = true
	circuits := t.circuitsLocked()
	t.mu.Unlock()

	for _, c := range circuits {
		c.start()
	}
	return nil
}

// AddServer adds a server address, for example one found by mDNS. Adding a
// known address has no effect.
func (t *NetTransport) AddServer(addr string) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	c, added := t.addCircuitLocked(addr)
	started := t.started
	t.mu.Unlock()

	if added {
		t.logger.Info("server added", "server", addr)
		if started {
			c.start()
		}
	}
}

// Servers returns the known server addresses in the order they were added.
func (t *NetTransport) Servers() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]string(nil), t.order...)
}

func (t *NetTransport) addCircuit(addr string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.addCircuitLocked(addr)
}

func (t *NetTransport) addCircuitLocked(addr string) (*circuit, bool) {
	if c, ok := t.circuits[addr]; ok {
		return c, false
	}
	c := newCircuit(t, addr)
	t.circuits[addr] = c
	t.order = append(t.order, addr)
	return c, true
}

func (t *NetTransport) circuitsLocked() []*circuit {
	out := make([]*circuit, 0, len(t.order))
	for _, addr := range t.order {
		out = append(out, t.circuits[addr])
	}
	return out
}

// SearchByName queues name for the next batched search.
func (t *NetTransport) SearchByName(name string) Correlation {
	c := t.corr.Next()
	t.outbox.AddSearch(wire.SearchEntry{Correlation: uint32(c), Name: name})
	return c
}

// SendRead queues a read of name from server.
func (t *NetTransport) SendRead(server, name string, rep pv.Representation) Correlation {
	c := t.corr.Next()
	t.outbox.Enqueue(server, wire.NewRead(uint32(c), name, rep))
	return c
}

// SendWrite queues a write of value to name on server.
func (t *NetTransport) SendWrite(server, name string, value pv.Value, notify bool) Correlation {
	c := t.corr.Next()
	t.outbox.Enqueue(server, wire.NewWrite(uint32(c), name, value, notify))
	return c
}

// SendSubscribe queues a subscription to name on server.
func (t *NetTransport) SendSubscribe(server, name string, rep pv.Representation, mask pv.EventMask) Correlation {
	c := t.corr.Next()
	t.mu.Lock()
	t.subs[c] = subscription{server: server, name: name}
	t.mu.Unlock()
	t.outbox.Enqueue(server, wire.NewSubscribe(uint32(c), name, rep, mask))
	return c
}

// CancelSubscription queues the cancellation of subscription c on server.
// Unknown correlations are ignored.
func (t *NetTransport) CancelSubscription(server string, c Correlation) {
	t.mu.Lock()
	sub, ok := t.subs[c]
	delete(t.subs, c)
	t.mu.Unlock()
	if !ok {
		return
	}
	t.outbox.Enqueue(server, wire.NewCancel(uint32(c), sub.name))
}

// Flush writes everything queued since the last flush. Searches go to every
// circuit that is up; with none up they are dropped and left to the caller's
// retry. Requests for a server whose circuit is down are answered locally
// with StatusDisconnected.
func (t *NetTransport) Flush() error {
	t.mu.RLock()
	if t.closed {
		t.mu.RUnlock()
		return ErrClosed
	}
	circuits := t.circuitsLocked()
	t.mu.RUnlock()

	b := t.outbox.Drain()

	if len(b.Searches) > 0 {
		sent := 0
		for _, c := range circuits {
			if !c.up() {
				continue
			}
			if _, err := c.send(b.Searches); err == nil {
				sent++
			}
		}
		if sent == 0 {
			t.logger.Debug("no circuit up, search deferred", "batches", len(b.Searches))
		}
	}

	for _, server := range b.Servers {
		queue := b.Queues[server]
		t.mu.RLock()
		c := t.circuits[server]
		t.mu.RUnlock()

		unsent := queue
		if c != nil {
			var err error
			unsent, err = c.send(queue)
			if err != nil && !errors.Is(err, errCircuitDown) {
				t.logger.Warn("circuit write failed", "server", server, "error", err)
			}
		}
		for _, m := range unsent {
			if m.Kind == wire.KindSubscribe {
				// Dropped with the circuit; the subscriber re-issues it.
				t.forgetSub(Correlation(m.Correlation))
			}
			if ev, ok := DisconnectedReply(server, m); ok {
				t.deliver(ev)
			}
		}
	}
	return nil
}

func (t *NetTransport) forgetSub(c Correlation) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.subs, c)
}

// dropSubs forgets the subscriptions of a lost circuit.
func (t *NetTransport) dropSubs(server string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for c, sub := range t.subs {
		if sub.server == server {
			delete(t.subs, c)
		}
	}
}

// Close tears down every circuit. Events are no longer delivered afterwards.
func (t *NetTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	t.closed = true
	circuits := t.circuitsLocked()
	t.mu.Unlock()

	t.cancel()
	for _, c := range circuits {
		c.close()
	}
	t.logger.Debug("transport closed", "circuits", len(circuits))
	return nil
}

func (t *NetTransport) isClosed() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.closed
}

func (t *NetTransport) deliver(ev Event) {
	t.mu.RLock()
	h, closed := t.handler, t.closed
	t.mu.RUnlock()
	if h == nil || closed {
		return
	}
	h(ev)
}

func (t *NetTransport) logState(id, addr, oldState, newState, reason string) {
	if t.plog == nil {
		return
	}
	t.plog.Log(log.Event{
		Timestamp:  time.Now(),
		CircuitID:  id,
		Layer:      log.LayerTransport,
		Category:   log.CategoryState,
		LocalRole:  log.RoleClient,
		RemoteAddr: addr,
		ContextID:  t.cfg.ContextID,
		StateChange: &log.StateChangeEvent{
			Entity:   log.StateEntityCircuit,
			OldState: oldState,
			NewState: newState,
			Reason:   reason,
		},
	})
}

func (t *NetTransport) logMessage(id, addr string, dir log.Direction, m *wire.Message) {
	if t.plog == nil {
		return
	}
	t.plog.Log(log.Event{
		Timestamp:  time.Now(),
		CircuitID:  id,
		Direction:  dir,
		Layer:      log.LayerWire,
		Category:   log.CategoryMessage,
		LocalRole:  log.RoleClient,
		RemoteAddr: addr,
		ContextID:  t.cfg.ContextID,
		Channel:    m.Name,
		Message:    log.NewMessageEvent(m),
	})
}

func (t *NetTransport) logControl(id, addr string, dir log.Direction, m *wire.Message) {
	if t.plog == nil {
		return
	}
	t.plog.Log(controlEvent(id, addr, log.RoleClient, dir, m, t.cfg.ContextID))
}

func (t *NetTransport) logError(id, addr string, err error, context string) {
	if t.plog == nil {
		return
	}
	t.plog.Log(log.Event{
		Timestamp:  time.Now(),
		CircuitID:  id,
		Layer:      log.LayerWire,
		Category:   log.CategoryError,
		LocalRole:  log.RoleClient,
		RemoteAddr: addr,
		ContextID:  t.cfg.ContextID,
		Error: &log.ErrorEventData{
			Layer:   log.LayerWire,
			Message: err.Error(),
			Context: context,
		},
	})
}

func controlEvent(id, addr string, role log.Role, dir log.Direction, m *wire.Message, contextID string) log.Event {
	typ := log.ControlMsgPing
	if m.Kind == wire.KindPong {
		typ = log.ControlMsgPong
	}
	return log.Event{
		Timestamp:  time.Now(),
		CircuitID:  id,
		Direction:  dir,
		Layer:      log.LayerTransport,
		Category:   log.CategoryControl,
		LocalRole:  role,
		RemoteAddr: addr,
		ContextID:  contextID,
		ControlMsg: &log.ControlMsgEvent{Type: typ, Seq: m.Seq},
	}
}

func sortByCorrelation(msgs []*wire.Message) {
	sort.Slice(msgs, func(i, j int) bool {
		return msgs[i].Correlation < msgs[j].Correlation
	})
}
