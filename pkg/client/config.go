package client

import (
	"log/slog"
	"time"

	"github.com/pvlink/pvlink-go/pkg/connection"
	"github.com/pvlink/pvlink-go/pkg/log"
	"github.com/pvlink/pvlink-go/pkg/loop"
	"github.com/pvlink/pvlink-go/pkg/transport"
)

// Search retry defaults. Unresolved names are searched again with
// exponential backoff for as long as the channel stays open.
const (
	DefaultSearchInitial = 100 * time.Millisecond
	DefaultSearchMax     = 5 * time.Second
)

// Config configures a Context.
type Config struct {
	// Mode selects cooperative or preemptive dispatch.
	Mode loop.Mode

	// Transport carries requests. It is owned by the Context and closed
	// with it.
	Transport transport.Transport

	// SearchBackoff schedules background search retries.
	SearchBackoff connection.BackoffConfig

	// ContextID tags protocol capture events. A random UUID if empty.
	ContextID string

	// Logger receives operational logs. Nil discards.
	Logger *slog.Logger

	// ProtocolLogger receives channel and group state events (optional).
	ProtocolLogger log.Logger
}

// DefaultSearchBackoff returns the search retry schedule.
func DefaultSearchBackoff() connection.BackoffConfig {
	return connection.BackoffConfig{
		Initial:    DefaultSearchInitial,
		Max:        DefaultSearchMax,
		Multiplier: 2,
		Jitter:     0.1,
	}
}

// OpenOption configures a channel at Open.
type OpenOption func(*Channel)

// StateHandler is called after every channel state change, on the
// goroutine that observed it.
type StateHandler func(ch *Channel, state State)

// WithStateHandler installs a connection state handler.
func WithStateHandler(h StateHandler) OpenOption {
	return func(ch *Channel) {
		ch.onState = h
	}
}
