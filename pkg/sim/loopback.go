package sim

import (
	"errors"
	"sort"
	"sync"

	"github.com/pvlink/pvlink-go/pkg/pv"
	"github.com/pvlink/pvlink-go/pkg/transport"
	"github.com/pvlink/pvlink-go/pkg/wire"
)

// ErrNotConnected is returned by a loopback session after Disconnect.
var ErrNotConnected = errors.New("loopback disconnected")

// LoopbackAddr is the server address a Loopback reports.
const LoopbackAddr = "loopback"

// Loopback is an in-memory transport.Transport connected directly to a
// Server. Flush hands queued requests to the server synchronously and
// replies are delivered as they are produced, so ordering is exactly that
// of one circuit.
type Loopback struct {
	srv *Server
	cor transport.Correlator

	mu       sync.Mutex
	handler  transport.Handler
	queue    []*wire.Message
	search   []wire.SearchEntry
	inflight map[uint32]*wire.Message
	subs     map[transport.Correlation]string
	session  *loopSession
	started  bool
	closed   bool

	flushMu sync.Mutex
}

// loopSession is one connection generation. Replies to an old generation
// are discarded.
type loopSession struct {
	lb *Loopback
}

// NewLoopback creates a loopback transport to srv. It connects on Start.
func NewLoopback(srv *Server) *Loopback {
	return &Loopback{
		srv:      srv,
		inflight: make(map[uint32]*wire.Message),
		subs:     make(map[transport.Correlation]string),
	}
}

// SetHandler installs the inbound handler.
func (l *Loopback) SetHandler(h transport.Handler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handler = h
}

// Start connects the circuit.
func (l *Loopback) Start() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return transport.ErrClosed
	}
	if l.started {
		l.mu.Unlock()
		return nil
	}
	l.started = true
	l.mu.Unlock()
	l.Reconnect()
	return nil
}

// Connected reports whether the circuit is up.
func (l *Loopback) Connected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.session != nil
}

// Disconnect drops the circuit: the server forgets the session, requests
// in flight are answered with StatusDisconnected and CircuitLost is
// delivered.
func (l *Loopback) Disconnect() {
	l.mu.Lock()
	sess := l.session
	if sess == nil {
		l.mu.Unlock()
		return
	}
	l.session = nil
	pending := make([]*wire.Message, 0, len(l.inflight))
	for _, m := range l.inflight {
		pending = append(pending, m)
	}
	l.inflight = make(map[uint32]*wire.Message)
	l.subs = make(map[transport.Correlation]string)
	h := l.handler
	l.mu.Unlock()

	l.srv.Detach(sess)
	if h == nil {
		return
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].Correlation < pending[j].Correlation })
	for _, m := range pending {
		if ev, ok := transport.DisconnectedReply(LoopbackAddr, m); ok {
			h(ev)
		}
	}
	h(transport.Event{Kind: transport.CircuitLost, Server: LoopbackAddr})
}

// Reconnect brings the circuit up with a fresh session and delivers
// CircuitUp.
func (l *Loopback) Reconnect() {
	l.mu.Lock()
	if l.closed || l.session != nil {
		l.mu.Unlock()
		return
	}
	sess := &loopSession{lb: l}
	l.session = sess
	h := l.handler
	l.mu.Unlock()

	l.srv.Attach(sess)
	if h != nil {
		h(transport.Event{Kind: transport.CircuitUp, Server: LoopbackAddr})
	}
}

// SearchByName queues a name for the next batched search.
func (l *Loopback) SearchByName(name string) transport.Correlation {
	c := l.cor.Next()
	l.mu.Lock()
	defer l.mu.Unlock()
	l.search = append(l.search, wire.SearchEntry{Correlation: uint32(c), Name: name})
	return c
}

// SendRead queues a read.
func (l *Loopback) SendRead(_ string, name string, rep pv.Representation) transport.Correlation {
	c := l.cor.Next()
	l.enqueue(wire.NewRead(uint32(c), name, rep))
	return c
}

// SendWrite queues a write.
func (l *Loopback) SendWrite(_ string, name string, value pv.Value, notify bool) transport.Correlation {
	c := l.cor.Next()
	l.enqueue(wire.NewWrite(uint32(c), name, value, notify))
	return c
}

// SendSubscribe queues a monitor request.
func (l *Loopback) SendSubscribe(_ string, name string, rep pv.Representation, mask pv.EventMask) transport.Correlation {
	c := l.cor.Next()
	l.mu.Lock()
	l.subs[c] = name
	l.mu.Unlock()
	l.enqueue(wire.NewSubscribe(uint32(c), name, rep, mask))
	return c
}

// CancelSubscription queues a monitor cancellation.
func (l *Loopback) CancelSubscription(_ string, c transport.Correlation) {
	l.mu.Lock()
	name, ok := l.subs[c]
	delete(l.subs, c)
	l.mu.Unlock()
	if ok {
		l.enqueue(wire.NewCancel(uint32(c), name))
	}
}

func (l *Loopback) enqueue(m *wire.Message) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.queue = append(l.queue, m)
}

// Flush hands everything queued to the server. While disconnected,
// searches are dropped and requests are answered with
// StatusDisconnected.
func (l *Loopback) Flush() error {
	l.flushMu.Lock()
	defer l.flushMu.Unlock()

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return transport.ErrClosed
	}
	search, queue := l.search, l.queue
	l.search, l.queue = nil, nil
	sess, h := l.session, l.handler

	if sess == nil {
		for _, m := range queue {
			if m.Kind == wire.KindSubscribe {
				delete(l.subs, transport.Correlation(m.Correlation))
			}
		}
		l.mu.Unlock()
		if h != nil {
			for _, m := range queue {
				if ev, ok := transport.DisconnectedReply(LoopbackAddr, m); ok {
					h(ev)
				}
			}
		}
		return nil
	}
	for _, m := range queue {
		if m.Kind == wire.KindRead || m.Kind == wire.KindWrite {
			l.inflight[m.Correlation] = m
		}
	}
	l.mu.Unlock()

	for len(search) > 0 {
		n := min(len(search), transport.MaxSearchBatch)
		l.srv.Handle(sess, wire.NewSearch(search[:n]...))
		search = search[n:]
	}
	for _, m := range queue {
		l.srv.Handle(sess, m)
	}
	return nil
}

// Close disconnects and rejects further use.
func (l *Loopback) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return transport.ErrClosed
	}
	l.mu.Unlock()

	l.Disconnect()
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	return nil
}

// Send delivers a server message to the client while the session is
// current.
func (s *loopSession) Send(m *wire.Message) error {
	l := s.lb
	l.mu.Lock()
	if l.session != s {
		l.mu.Unlock()
		return ErrNotConnected
	}
	if m.Kind == wire.KindReadReply || m.Kind == wire.KindWriteReply {
		delete(l.inflight, m.Correlation)
	}
	if m.Kind == wire.KindEvent && !m.Status.IsSuccess() {
		delete(l.subs, transport.Correlation(m.Correlation))
	}
	h := l.handler
	l.mu.Unlock()

	ev, ok := transport.EventFromMessage(LoopbackAddr, m)
	if ok && h != nil {
		h(ev)
	}
	return nil
}
