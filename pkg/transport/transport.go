package transport

import (
	"errors"
	"sync/atomic"

	"github.com/pvlink/pvlink-go/pkg/pv"
	"github.com/pvlink/pvlink-go/pkg/wire"
)

// ErrClosed is returned by operations on a closed transport.
var ErrClosed = errors.New("transport closed")

// Correlation identifies a request and every reply or update belonging to it.
// Zero is never allocated.
type Correlation uint32

// Correlator allocates correlations. It is safe for concurrent use.
type Correlator struct {
	last atomic.Uint32
}

// Next returns a fresh non-zero correlation.
func (c *Correlator) Next() Correlation {
	for {
		if v := c.last.Add(1); v != 0 {
			return Correlation(v)
		}
	}
}

// EventKind classifies inbound transport events.
type EventKind uint8

const (
	// SearchReply resolves a name: Server, NativeType and Count are set.
	SearchReply EventKind = iota + 1

	// ReadReply answers SendRead. Payload is set when Status is OK.
	ReadReply

	// WriteReply answers SendWrite.
	WriteReply

	// Update is a monitor event for a subscription correlation.
	Update

	// ChannelLost reports that Server no longer hosts Name.
	ChannelLost

	// CircuitLost reports that the circuit to Server went down.
	CircuitLost

	// CircuitUp reports that the circuit to Server is established.
	CircuitUp
)

// String returns the kind name.
func (k EventKind) String() string {
	switch k {
	case SearchReply:
		return "SearchReply"
	case ReadReply:
		return "ReadReply"
	case WriteReply:
		return "WriteReply"
	case Update:
		return "Update"
	case ChannelLost:
		return "ChannelLost"
	case CircuitLost:
		return "CircuitLost"
	case CircuitUp:
		return "CircuitUp"
	default:
		return "Unknown"
	}
}

// Event is one inbound delivery from the transport.
type Event struct {
	Kind        EventKind
	Correlation Correlation
	Status      wire.Status
	Server      string
	Name        string
	NativeType  pv.ValueType
	Count       uint32
	Payload     *pv.Payload
}

// Handler receives inbound events. It is called from transport goroutines
// and must not block.
type Handler func(Event)

// Transport is the boundary between the client runtime and the network.
// Send methods only queue; nothing is written before Flush.
type Transport interface {
	SetHandler(h Handler)
	SearchByName(name string) Correlation
	SendRead(server, name string, rep pv.Representation) Correlation
	SendWrite(server, name string, value pv.Value, notify bool) Correlation
	SendSubscribe(server, name string, rep pv.Representation, mask pv.EventMask) Correlation
	CancelSubscription(server string, c Correlation)
	Flush() error
	Close() error
}

// Starter is implemented by transports that begin connecting only once a
// handler is installed.
type Starter interface {
	Start() error
}

// EventFromMessage converts a server message received from server into an
// event. Requests and keepalive messages yield false.
func EventFromMessage(server string, m *wire.Message) (Event, bool) {
	ev := Event{
		Correlation: Correlation(m.Correlation),
		Status:      m.Status,
		Server:      server,
		Name:        m.Name,
	}
	switch m.Kind {
	case wire.KindSearchReply:
		ev.Kind = SearchReply
		ev.NativeType = m.NativeType
		ev.Count = m.Count
	case wire.KindReadReply:
		ev.Kind = ReadReply
		ev.Payload = m.Payload
	case wire.KindWriteReply:
		ev.Kind = WriteReply
	case wire.KindEvent:
		ev.Kind = Update
		ev.Payload = m.Payload
	case wire.KindChannelGone:
		ev.Kind = ChannelLost
	default:
		return Event{}, false
	}
	return ev, true
}

// DisconnectedReply is the locally generated answer to a request that
// could not be delivered or answered because the circuit is down.
func DisconnectedReply(server string, m *wire.Message) (Event, bool) {
	ev := Event{
		Correlation: Correlation(m.Correlation),
		Status:      wire.StatusDisconnected,
		Server:      server,
		Name:        m.Name,
	}
	switch m.Kind {
	case wire.KindRead:
		ev.Kind = ReadReply
	case wire.KindWrite:
		ev.Kind = WriteReply
	case wire.KindSubscribe:
		ev.Kind = Update
	default:
		return Event{}, false
	}
	return ev, true
}
