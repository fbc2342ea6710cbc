package log

import (
	"strings"
	"time"

	"github.com/pvlink/pvlink-go/pkg/pv"
	"github.com/pvlink/pvlink-go/pkg/wire"
)

// Event represents a protocol log event captured at any layer.
// CBOR encoding uses integer keys for compactness.
type Event struct {
	// Timestamp when the event occurred (nanosecond precision).
	Timestamp time.Time `cbor:"1,keyasint"`

	// CircuitID uniquely identifies the circuit (UUID).
	CircuitID string `cbor:"2,keyasint,omitempty"`

	// Direction indicates message flow.
	Direction Direction `cbor:"3,keyasint"`

	// Layer where the event was captured.
	Layer Layer `cbor:"4,keyasint"`

	// Category classifies the event type.
	Category Category `cbor:"5,keyasint"`

	// LocalRole indicates whether this is a client or a server.
	LocalRole Role `cbor:"6,keyasint,omitempty"`

	// RemoteAddr is the peer address (host:port).
	RemoteAddr string `cbor:"7,keyasint,omitempty"`

	// ContextID identifies the client context (UUID).
	ContextID string `cbor:"8,keyasint,omitempty"`

	// Channel is the channel name the event concerns, if any.
	Channel string `cbor:"9,keyasint,omitempty"`

	// Type-specific payload (one of these will be set).
	Frame       *FrameEvent       `cbor:"10,keyasint,omitempty"`
	Message     *MessageEvent     `cbor:"11,keyasint,omitempty"`
	StateChange *StateChangeEvent `cbor:"12,keyasint,omitempty"`
	ControlMsg  *ControlMsgEvent  `cbor:"13,keyasint,omitempty"`
	Error       *ErrorEventData   `cbor:"14,keyasint,omitempty"`
}

// Direction indicates the direction of message flow.
type Direction uint8

const (
	// DirectionIn indicates an incoming message.
	DirectionIn Direction = 0
	// DirectionOut indicates an outgoing message.
	DirectionOut Direction = 1
)

// String returns the direction name.
func (d Direction) String() string {
	switch d {
	case DirectionIn:
		return "IN"
	case DirectionOut:
		return "OUT"
	default:
		return "UNKNOWN"
	}
}

// Layer indicates which protocol layer captured the event.
type Layer uint8

const (
	// LayerTransport is the framing layer (raw bytes).
	LayerTransport Layer = 0
	// LayerWire is the message encoding layer (decoded CBOR).
	LayerWire Layer = 1
	// LayerClient is the channel runtime.
	LayerClient Layer = 2
)

// String returns the layer name.
func (l Layer) String() string {
	switch l {
	case LayerTransport:
		return "TRANSPORT"
	case LayerWire:
		return "WIRE"
	case LayerClient:
		return "CLIENT"
	default:
		return "UNKNOWN"
	}
}

// ParseLayer parses a layer name, case-insensitive.
func ParseLayer(s string) (Layer, bool) {
	for _, l := range []Layer{LayerTransport, LayerWire, LayerClient} {
		if strings.EqualFold(s, l.String()) {
			return l, true
		}
	}
	return 0, false
}

// Category classifies the event type.
type Category uint8

const (
	// CategoryMessage indicates a protocol message.
	CategoryMessage Category = 0
	// CategoryControl indicates a keepalive message.
	CategoryControl Category = 1
	// CategoryState indicates a state change.
	CategoryState Category = 2
	// CategoryError indicates an error event.
	CategoryError Category = 3
)

// String returns the category name.
func (c Category) String() string {
	switch c {
	case CategoryMessage:
		return "MESSAGE"
	case CategoryControl:
		return "CONTROL"
	case CategoryState:
		return "STATE"
	case CategoryError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ParseCategory parses a category name, case-insensitive.
func ParseCategory(s string) (Category, bool) {
	for _, c := range []Category{CategoryMessage, CategoryControl, CategoryState, CategoryError} {
		if strings.EqualFold(s, c.String()) {
			return c, true
		}
	}
	return 0, false
}

// Role indicates whether the local endpoint is a client or a server.
type Role uint8

const (
	// RoleClient indicates a client runtime.
	RoleClient Role = 0
	// RoleServer indicates a server.
	RoleServer Role = 1
)

// String returns the role name.
func (r Role) String() string {
	switch r {
	case RoleClient:
		return "CLIENT"
	case RoleServer:
		return "SERVER"
	default:
		return "UNKNOWN"
	}
}

// FrameEvent captures raw frame data at the transport layer.
type FrameEvent struct {
	// Size is the frame size in bytes (including length prefix).
	Size int `cbor:"1,keyasint"`

	// Data is the raw frame bytes (may be truncated for large frames).
	Data []byte `cbor:"2,keyasint,omitempty"`

	// Truncated indicates if Data was truncated.
	Truncated bool `cbor:"3,keyasint,omitempty"`
}

// MaxFrameCapture is the number of frame bytes kept in a FrameEvent.
const MaxFrameCapture = 256

// NewFrameEvent captures frame, truncating it to MaxFrameCapture bytes.
func NewFrameEvent(frame []byte) *FrameEvent {
	fe := &FrameEvent{Size: len(frame) + 4}
	if len(frame) > MaxFrameCapture {
		fe.Data = append([]byte(nil), frame[:MaxFrameCapture]...)
		fe.Truncated = true
	} else {
		fe.Data = append([]byte(nil), frame...)
	}
	return fe
}

// MessageEvent captures a decoded protocol message at the wire layer.
type MessageEvent struct {
	// Kind of the message.
	Kind wire.Kind `cbor:"1,keyasint"`

	// Correlation ties requests, replies and monitor events together.
	Correlation uint32 `cbor:"2,keyasint,omitempty"`

	// Name is the channel name (empty for batched searches).
	Name string `cbor:"3,keyasint,omitempty"`

	// For replies and events: the status code.
	Status *wire.Status `cbor:"4,keyasint,omitempty"`

	// For reads, subscriptions and their answers: the representation.
	Rep *pv.Representation `cbor:"5,keyasint,omitempty"`

	// Value is the carried value rendered as text.
	Value string `cbor:"6,keyasint,omitempty"`

	// Names lists the names of a batched search.
	Names []string `cbor:"7,keyasint,omitempty"`

	// Notify is set on writes asking for completion notification.
	Notify bool `cbor:"8,keyasint,omitempty"`
}

// NewMessageEvent summarizes m for capture.
func NewMessageEvent(m *wire.Message) *MessageEvent {
	me := &MessageEvent{
		Kind:        m.Kind,
		Correlation: m.Correlation,
		Name:        m.Name,
		Notify:      m.Notify,
	}
	if m.Kind.IsReply() || m.Kind == wire.KindEvent {
		st := m.Status
		me.Status = &st
	}
	switch {
	case m.Payload != nil:
		rep := m.Payload.Rep
		me.Rep = &rep
		me.Value = m.Payload.Value.String()
	case m.Kind == wire.KindRead || m.Kind == wire.KindSubscribe:
		rep := m.Rep
		me.Rep = &rep
	}
	if m.Value != nil {
		me.Value = m.Value.String()
	}
	for _, e := range m.Entries {
		me.Names = append(me.Names, e.Name)
	}
	return me
}

// StateChangeEvent captures channel and circuit lifecycle events.
type StateChangeEvent struct {
	// Entity being changed.
	Entity StateEntity `cbor:"1,keyasint"`

	// OldState is the previous state (may be empty).
	OldState string `cbor:"2,keyasint,omitempty"`

	// NewState is the new state.
	NewState string `cbor:"3,keyasint"`

	// Reason for the change (if available).
	Reason string `cbor:"4,keyasint,omitempty"`
}

// StateEntity indicates what entity changed state.
type StateEntity uint8

const (
	// StateEntityChannel indicates a channel state change.
	StateEntityChannel StateEntity = 0
	// StateEntityCircuit indicates a circuit state change.
	StateEntityCircuit StateEntity = 1
	// StateEntityGroup indicates a synchronous group outcome.
	StateEntityGroup StateEntity = 2
)

// String returns the state entity name.
func (s StateEntity) String() string {
	switch s {
	case StateEntityChannel:
		return "CHANNEL"
	case StateEntityCircuit:
		return "CIRCUIT"
	case StateEntityGroup:
		return "GROUP"
	default:
		return "UNKNOWN"
	}
}

// ControlMsgEvent captures keepalive messages.
type ControlMsgEvent struct {
	// Type of control message.
	Type ControlMsgType `cbor:"1,keyasint"`

	// Seq is the keepalive sequence number.
	Seq uint32 `cbor:"2,keyasint,omitempty"`
}

// ControlMsgType indicates the type of control message.
type ControlMsgType uint8

const (
	// ControlMsgPing indicates a ping message.
	ControlMsgPing ControlMsgType = 0
	// ControlMsgPong indicates a pong message.
	ControlMsgPong ControlMsgType = 1
)

// String returns the control message type name.
func (c ControlMsgType) String() string {
	switch c {
	case ControlMsgPing:
		return "PING"
	case ControlMsgPong:
		return "PONG"
	default:
		return "UNKNOWN"
	}
}

// ErrorEventData captures errors at any layer.
type ErrorEventData struct {
	// Layer where the error occurred.
	Layer Layer `cbor:"1,keyasint"`

	// Message is the error message.
	Message string `cbor:"2,keyasint"`

	// Context describes what operation was being performed.
	Context string `cbor:"3,keyasint,omitempty"`
}
