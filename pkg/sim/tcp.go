package sim

import (
	"log/slog"

	"github.com/pvlink/pvlink-go/pkg/log"
	"github.com/pvlink/pvlink-go/pkg/transport"
	"github.com/pvlink/pvlink-go/pkg/wire"
)

// ListenConfig configures serving a simulated server over TCP.
type ListenConfig struct {
	Address        string
	MaxMessageSize uint32
	Logger         *slog.Logger
	ProtocolLogger log.Logger
}

// NewTCPServer returns a transport.Server whose circuits are answered by
// s. Call Start on it to listen.
func NewTCPServer(s *Server, cfg ListenConfig) *transport.Server {
	logger := cfg.Logger
	if logger == nil {
		logger = s.logger
	}
	return transport.NewServer(transport.ServerConfig{
		Address:        cfg.Address,
		MaxMessageSize: cfg.MaxMessageSize,
		Logger:         logger,
		ProtocolLogger: cfg.ProtocolLogger,
		OnConnect: func(conn *transport.ServerConn) {
			s.Attach(conn)
		},
		OnDisconnect: func(conn *transport.ServerConn) {
			s.Detach(conn)
		},
		OnMessage: func(conn *transport.ServerConn, m *wire.Message) {
			s.Handle(conn, m)
		},
		OnError: func(conn *transport.ServerConn, err error) {
			if conn == nil {
				logger.Warn("listener error", "error", err)
				return
			}
			logger.Debug("circuit error", "conn", conn.ConnID(), "error", err)
		},
	})
}
