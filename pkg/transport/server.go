package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/pvlink/pvlink-go/pkg/log"
	"github.com/pvlink/pvlink-go/pkg/wire"
)

// DefaultPort is the default pvlink server port.
const DefaultPort = 5064

// ServerConfig configures a pvlink server.
type ServerConfig struct {
	// Address to listen on (e.g. ":5064" or "127.0.0.1:0").
	Address string

	// MaxMessageSize is the maximum message size (default: 64KB).
	MaxMessageSize uint32

	// Logger receives operational logs. Nil discards.
	Logger *slog.Logger

	// ProtocolLogger receives protocol capture events (optional).
	ProtocolLogger log.Logger

	// OnConnect is called when a client circuit is accepted.
	OnConnect func(conn *ServerConn)

	// OnDisconnect is called when a circuit is closed.
	OnDisconnect func(conn *ServerConn)

	// OnMessage is called for every request, in arrival order per circuit.
	// Keepalive messages are handled by the server and never passed on.
	OnMessage func(conn *ServerConn, m *wire.Message)

	// OnError is called when an error occurs.
	OnError func(conn *ServerConn, err error)
}

// Server accepts client circuits over TCP.
type Server struct {
	config   ServerConfig
	logger   *slog.Logger
	listener net.Listener

	conns   map[*ServerConn]struct{}
	connsMu sync.RWMutex

	running atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewServer creates a server. It does not listen until Start.
func NewServer(config ServerConfig) *Server {
	if config.Address == "" {
		config.Address = fmt.Sprintf(":%d", DefaultPort)
	}
	if config.MaxMessageSize == 0 {
		config.MaxMessageSize = DefaultMaxMessageSize
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Server{
		config: config,
		logger: logger,
		conns:  make(map[*ServerConn]struct{}),
	}
}

// Start listens and begins accepting circuits.
func (s *Server) Start(ctx context.Context) error {
	if s.running.Load() {
		return fmt.Errorf("server already running")
	}

	s.ctx, s.cancel = context.WithCancel(ctx)

	listener, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		s.cancel()
		return fmt.Errorf("listen %s: %w", s.config.Address, err)
	}
	s.listener = listener
	s.running.Store(true)
	s.logger.Info("server listening", "addr", listener.Addr().String())

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

// Stop closes the listener and every circuit, then waits for them to end.
func (s *Server) Stop() error {
	if !s.running.Swap(false) {
		return nil
	}
	s.cancel()
	s.listener.Close()

	s.connsMu.Lock()
	for conn := range s.conns {
		conn.Close()
	}
	s.connsMu.Unlock()

	s.wg.Wait()
	return nil
}

// Addr returns the listen address, or nil before Start.
func (s *Server) Addr() net.Addr {
	if s.listener != nil {
		return s.listener.Addr()
	}
	return nil
}

// ConnectionCount returns the number of open circuits.
func (s *Server) ConnectionCount() int {
	s.connsMu.RLock()
	defer s.connsMu.RUnlock()
	return len(s.conns)
}

// Connections returns a snapshot of the open circuits.
func (s *Server) Connections() []*ServerConn {
	s.connsMu.RLock()
	defer s.connsMu.RUnlock()
	out := make([]*ServerConn, 0, len(s.conns))
	for c := range s.conns {
		out = append(out, c)
	}
	return out
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if !s.running.Load() {
				return
			}
			if s.config.OnError != nil {
				s.config.OnError(nil, fmt.Errorf("accept: %w", err))
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			continue
		}

		s.wg.Add(1)
		go s.handleConnection(conn)
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	defer s.wg.Done()

	connID := uuid.New().String()
	remote := conn.RemoteAddr().String()

	framer := NewFramer(conn, s.config.MaxMessageSize)
	if s.config.ProtocolLogger != nil {
		framer.SetLogger(s.config.ProtocolLogger, connID, remote, log.RoleServer)
	}

	sconn := &ServerConn{
		conn:       conn,
		framer:     framer,
		server:     s,
		closeCh:    make(chan struct{}),
		remoteAddr: conn.RemoteAddr(),
		connID:     connID,
	}

	s.connsMu.Lock()
	if !s.running.Load() {
		s.connsMu.Unlock()
		conn.Close()
		return
	}
	s.conns[sconn] = struct{}{}
	s.connsMu.Unlock()

	s.logger.Debug("circuit accepted", "remote", remote, "circuit", connID)
	s.logState(sconn, "", "CONNECTED", "")
	if s.config.OnConnect != nil {
		s.config.OnConnect(sconn)
	}

	reason := sconn.readLoop()

	s.connsMu.Lock()
	delete(s.conns, sconn)
	s.connsMu.Unlock()

	s.logger.Debug("circuit closed", "remote", remote, "circuit", connID, "reason", reason)
	s.logState(sconn, "CONNECTED", "DISCONNECTED", reason)
	if s.config.OnDisconnect != nil {
		s.config.OnDisconnect(sconn)
	}
}

func (s *Server) logState(c *ServerConn, oldState, newState, reason string) {
	if s.config.ProtocolLogger == nil {
		return
	}
	s.config.ProtocolLogger.Log(log.Event{
		Timestamp:  time.Now(),
		CircuitID:  c.connID,
		Layer:      log.LayerTransport,
		Category:   log.CategoryState,
		LocalRole:  log.RoleServer,
		RemoteAddr: c.remoteAddr.String(),
		StateChange: &log.StateChangeEvent{
			Entity:   log.StateEntityCircuit,
			OldState: oldState,
			NewState: newState,
			Reason:   reason,
		},
	})
}

// ServerConn is the server side of one client circuit.
type ServerConn struct {
	conn       net.Conn
	framer     *Framer
	server     *Server
	closeCh    chan struct{}
	closeOnce  sync.Once
	remoteAddr net.Addr
	connID     string
}

// RemoteAddr returns the address of the client.
func (c *ServerConn) RemoteAddr() net.Addr {
	return c.remoteAddr
}

// ConnID returns the unique circuit identifier.
func (c *ServerConn) ConnID() string {
	return c.connID
}

// Send encodes and writes m to the client. It is safe for concurrent use.
func (c *ServerConn) Send(m *wire.Message) error {
	data, err := wire.Encode(m)
	if err != nil {
		return err
	}
	if err := c.framer.WriteFrame(data); err != nil {
		return err
	}
	c.logMessage(log.DirectionOut, m)
	return nil
}

// Close closes the circuit.
func (c *ServerConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closeCh)
		err = c.conn.Close()
	})
	return err
}

// Done is closed once Close has been called.
func (c *ServerConn) Done() <-chan struct{} {
	return c.closeCh
}

// readLoop serves the circuit until it fails and returns the reason.
func (c *ServerConn) readLoop() string {
	for {
		data, err := c.framer.ReadFrame()
		if err != nil {
			select {
			case <-c.closeCh:
				return "closed locally"
			default:
			}
			c.Close()
			if errors.Is(err, io.EOF) {
				return "closed by peer"
			}
			if c.server.config.OnError != nil && c.server.running.Load() {
				c.server.config.OnError(c, err)
			}
			return err.Error()
		}

		m, err := wire.Decode(data)
		if err != nil {
			if c.server.config.OnError != nil {
				c.server.config.OnError(c, fmt.Errorf("decode: %w", err))
			}
			continue
		}

		switch m.Kind {
		case wire.KindPing:
			c.logControl(log.DirectionIn, m)
			pong := m.Reply(wire.StatusOK)
			if data, err := wire.Encode(pong); err == nil && c.framer.WriteFrame(data) == nil {
				c.logControl(log.DirectionOut, pong)
			}
			continue
		case wire.KindPong:
			c.logControl(log.DirectionIn, m)
			continue
		}

		c.logMessage(log.DirectionIn, m)
		if c.server.config.OnMessage != nil {
			c.server.config.OnMessage(c, m)
		}
	}
}

func (c *ServerConn) logMessage(dir log.Direction, m *wire.Message) {
	pl := c.server.config.ProtocolLogger
	if pl == nil {
		return
	}
	pl.Log(log.Event{
		Timestamp:  time.Now(),
		CircuitID:  c.connID,
		Direction:  dir,
		Layer:      log.LayerWire,
		Category:   log.CategoryMessage,
		LocalRole:  log.RoleServer,
		RemoteAddr: c.remoteAddr.String(),
		Channel:    m.Name,
		Message:    log.NewMessageEvent(m),
	})
}

func (c *ServerConn) logControl(dir log.Direction, m *wire.Message) {
	pl := c.server.config.ProtocolLogger
	if pl == nil {
		return
	}
	pl.Log(controlEvent(c.connID, c.remoteAddr.String(), log.RoleServer, dir, m, ""))
}
