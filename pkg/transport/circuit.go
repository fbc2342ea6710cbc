package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pvlink/pvlink-go/pkg/connection"
	"github.com/pvlink/pvlink-go/pkg/log"
	"github.com/pvlink/pvlink-go/pkg/wire"
)

var errCircuitDown = errors.New("circuit down")

// circuit is the client side of one TCP connection to a server, kept up by
// a connection.Manager.
type circuit struct {
	t    *NetTransport
	addr string
	mgr  *connection.Manager

	mu       sync.Mutex
	id       string
	conn     net.Conn
	framer   *Framer
	ka       *KeepAlive
	inflight map[uint32]*wire.Message
}

func newCircuit(t *NetTransport, addr string) *circuit {
	c := &circuit{t: t, addr: addr}
	c.mgr = connection.NewManagerWithConfig(c.connect, connection.Config{
		Backoff:        t.cfg.Backoff,
		ConnectTimeout: t.cfg.ConnectTimeout,
	})
	c.mgr.OnConnected(c.established)
	c.mgr.OnReconnecting(func(attempt int, delay time.Duration) {
		t.logger.Debug("circuit reconnect scheduled", "server", addr, "attempt", attempt, "delay", delay)
	})
	return c
}

func (c *circuit) start() {
	c.mgr.Start()
}

// connect dials the server. Reading starts in established, once the
// manager has recorded the circuit as connected.
func (c *circuit) connect(ctx context.Context) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.addr, err)
	}

	id := uuid.New().String()
	framer := NewFramer(conn, c.t.cfg.MaxMessageSize)
	if c.t.plog != nil {
		framer.SetLogger(c.t.plog, id, c.addr, log.RoleClient)
	}

	c.mu.Lock()
	c.id = id
	c.conn = conn
	c.framer = framer
	c.inflight = make(map[uint32]*wire.Message)
	c.ka = NewKeepAlive(c.t.cfg.KeepAlive, func(seq uint32) error {
		return c.sendControl(conn, &wire.Message{Kind: wire.KindPing, Seq: seq})
	}, func() {
		c.t.logger.Warn("circuit keepalive timeout", "server", c.addr)
		conn.Close()
	})
	c.mu.Unlock()
	return nil
}

// established announces the circuit before any inbound message is read
// from it.
func (c *circuit) established() {
	c.mu.Lock()
	id, conn, framer, ka := c.id, c.conn, c.framer, c.ka
	c.mu.Unlock()
	if conn == nil {
		return
	}

	c.t.logger.Info("circuit up", "server", c.addr, "circuit", id)
	c.t.logState(id, c.addr, "", "UP", "")
	c.t.deliver(Event{Kind: CircuitUp, Server: c.addr})

	ka.Start(c.t.ctx)
	go c.readLoop(conn, framer, ka)
}

// up reports whether the circuit currently has a connection.
func (c *circuit) up() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// send writes msgs in order. Messages that could not be written are
// returned so the caller can answer them locally.
func (c *circuit) send(msgs []*wire.Message) ([]*wire.Message, error) {
	c.mu.Lock()
	conn, framer, id := c.conn, c.framer, c.id
	if conn == nil {
		c.mu.Unlock()
		return msgs, errCircuitDown
	}
	for _, m := range msgs {
		if m.Kind == wire.KindRead || m.Kind == wire.KindWrite {
			c.inflight[m.Correlation] = m
		}
	}
	c.mu.Unlock()

	for i, m := range msgs {
		data, err := wire.Encode(m)
		if err != nil {
			// A malformed request is a caller bug; drop it but keep the circuit.
			c.t.logger.Error("dropping unencodable message", "server", c.addr, "msg", m.String(), "error", err)
			c.forget(m)
			if ev, ok := DisconnectedReply(c.addr, m); ok {
				c.t.deliver(ev)
			}
			continue
		}
		if err := framer.WriteFrame(data); err != nil {
			conn.Close()
			for _, rest := range msgs[i:] {
				c.forget(rest)
			}
			return msgs[i:], err
		}
		c.t.logMessage(id, c.addr, log.DirectionOut, m)
	}
	return nil, nil
}

func (c *circuit) sendControl(conn net.Conn, m *wire.Message) error {
	c.mu.Lock()
	framer, id := c.framer, c.id
	current := c.conn == conn
	c.mu.Unlock()
	if !current {
		return errCircuitDown
	}
	data, err := wire.Encode(m)
	if err != nil {
		return err
	}
	if err := framer.WriteFrame(data); err != nil {
		return err
	}
	c.t.logControl(id, c.addr, log.DirectionOut, m)
	return nil
}

func (c *circuit) forget(m *wire.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inflight != nil {
		delete(c.inflight, m.Correlation)
	}
}

func (c *circuit) readLoop(conn net.Conn, framer *Framer, ka *KeepAlive) {
	for {
		data, err := framer.ReadFrame()
		if err != nil {
			c.down(conn, err)
			return
		}
		ka.Touch()

		m, err := wire.Decode(data)
		if err != nil {
			c.t.logger.Warn("dropping malformed message", "server", c.addr, "error", err)
			c.t.logError(c.id, c.addr, err, "decode")
			continue
		}

		switch m.Kind {
		case wire.KindPing:
			c.t.logControl(c.id, c.addr, log.DirectionIn, m)
			_ = c.sendControl(conn, m.Reply(wire.StatusOK))
			continue
		case wire.KindPong:
			c.t.logControl(c.id, c.addr, log.DirectionIn, m)
			ka.PongReceived(m.Seq)
			continue
		}

		c.t.logMessage(c.id, c.addr, log.DirectionIn, m)
		if m.Kind == wire.KindReadReply || m.Kind == wire.KindWriteReply {
			c.forget(m)
		}
		if ev, ok := EventFromMessage(c.addr, m); ok {
			c.t.deliver(ev)
		}
	}
}

// down tears down conn once: pending requests are answered with
// StatusDisconnected, then CircuitLost is raised and reconnection begins.
func (c *circuit) down(conn net.Conn, cause error) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	id := c.id
	c.conn = nil
	c.framer = nil
	ka := c.ka
	c.ka = nil
	pending := make([]*wire.Message, 0, len(c.inflight))
	for _, m := range c.inflight {
		pending = append(pending, m)
	}
	c.inflight = nil
	c.mu.Unlock()

	conn.Close()
	if ka != nil {
		ka.Stop()
	}

	reason := "closed by peer"
	if cause != nil && !errors.Is(cause, io.EOF) {
		reason = cause.Error()
	}
	if c.t.isClosed() {
		return
	}
	c.t.logger.Warn("circuit lost", "server", c.addr, "circuit", id, "reason", reason)
	c.t.logState(id, c.addr, "UP", "DOWN", reason)

	sortByCorrelation(pending)
	for _, m := range pending {
		if ev, ok := DisconnectedReply(c.addr, m); ok {
			c.t.deliver(ev)
		}
	}
	c.t.dropSubs(c.addr)
	c.t.deliver(Event{Kind: CircuitLost, Server: c.addr})
	c.mgr.NotifyConnectionLost()
}

func (c *circuit) close() {
	c.mgr.Close()
	c.mu.Lock()
	conn, ka := c.conn, c.ka
	c.mu.Unlock()
	if ka != nil {
		ka.Stop()
	}
	if conn != nil {
		conn.Close()
	}
}
