package wire

import (
	"errors"
	"fmt"

	"github.com/pvlink/pvlink-go/pkg/pv"
)

// Kind identifies what a Message carries.
type Kind uint8

const (
	KindSearch      Kind = 1
	KindSearchReply Kind = 2
	KindRead        Kind = 3
	KindReadReply   Kind = 4
	KindWrite       Kind = 5
	KindWriteReply  Kind = 6
	KindSubscribe   Kind = 7
	KindCancel      Kind = 8
	KindEvent       Kind = 9
	KindChannelGone Kind = 10
	KindPing        Kind = 11
	KindPong        Kind = 12
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindSearch:
		return "SEARCH"
	case KindSearchReply:
		return "SEARCH_REPLY"
	case KindRead:
		return "READ"
	case KindReadReply:
		return "READ_REPLY"
	case KindWrite:
		return "WRITE"
	case KindWriteReply:
		return "WRITE_REPLY"
	case KindSubscribe:
		return "SUBSCRIBE"
	case KindCancel:
		return "CANCEL"
	case KindEvent:
		return "EVENT"
	case KindChannelGone:
		return "CHANNEL_GONE"
	case KindPing:
		return "PING"
	case KindPong:
		return "PONG"
	default:
		return "UNKNOWN"
	}
}

// IsValid returns true if the kind is known.
func (k Kind) IsValid() bool {
	return k >= KindSearch && k <= KindPong
}

// IsControl returns true for keepalive messages.
func (k Kind) IsControl() bool {
	return k == KindPing || k == KindPong
}

// IsReply returns true for kinds that answer a client request.
func (k Kind) IsReply() bool {
	return k == KindSearchReply || k == KindReadReply || k == KindWriteReply
}

// Validation errors.
var (
	ErrInvalidKind        = errors.New("invalid message kind")
	ErrMissingCorrelation = errors.New("missing correlation")
	ErrMissingName        = errors.New("missing channel name")
	ErrMissingValue       = errors.New("missing value")
	ErrMissingPayload     = errors.New("missing payload")
)

// SearchEntry is one name in a batched search request.
type SearchEntry struct {
	Correlation uint32 `cbor:"1,keyasint"`
	Name        string `cbor:"2,keyasint"`
}

// Message is the single pvlink envelope.
//
// CBOR encoding:
//
//	{
//	  1: kind,         // uint8
//	  2: correlation,  // uint32
//	  3: name,         // text
//	  4: status,       // uint8 (replies)
//	  5: rep,          // {1: type, 2: class} (read, subscribe)
//	  6: mask,         // uint8 (subscribe)
//	  7: value,        // pv.Value (write)
//	  8: notify,       // bool (write)
//	  9: payload,      // pv.Payload (read reply, event)
//	  10: nativeType,  // uint8 (search reply)
//	  11: count,       // uint32 (search reply)
//	  12: entries,     // [{1: corr, 2: name}] (search)
//	  13: seq          // uint32 (ping, pong)
//	}
type Message struct {
	Kind        Kind              `cbor:"1,keyasint"`
	Correlation uint32            `cbor:"2,keyasint,omitempty"`
	Name        string            `cbor:"3,keyasint,omitempty"`
	Status      Status            `cbor:"4,keyasint,omitempty"`
	Rep         pv.Representation `cbor:"5,keyasint,omitempty"`
	Mask        pv.EventMask      `cbor:"6,keyasint,omitempty"`
	Value       *pv.Value         `cbor:"7,keyasint,omitempty"`
	Notify      bool              `cbor:"8,keyasint,omitempty"`
	Payload     *pv.Payload       `cbor:"9,keyasint,omitempty"`
	NativeType  pv.ValueType      `cbor:"10,keyasint,omitempty"`
	Count       uint32            `cbor:"11,keyasint,omitempty"`
	Entries     []SearchEntry     `cbor:"12,keyasint,omitempty"`
	Seq         uint32            `cbor:"13,keyasint,omitempty"`
}

// Validate checks the fields each kind requires.
func (m *Message) Validate() error {
	if !m.Kind.IsValid() {
		return fmt.Errorf("%w: %d", ErrInvalidKind, m.Kind)
	}

	switch m.Kind {
	case KindSearch:
		if len(m.Entries) == 0 {
			return fmt.Errorf("search: %w", ErrMissingName)
		}
		for _, e := range m.Entries {
			if e.Correlation == 0 {
				return fmt.Errorf("search %q: %w", e.Name, ErrMissingCorrelation)
			}
			if e.Name == "" {
				return fmt.Errorf("search: %w", ErrMissingName)
			}
		}
		return nil
	case KindChannelGone:
		if m.Name == "" {
			return fmt.Errorf("%s: %w", m.Kind, ErrMissingName)
		}
		return nil
	case KindPing, KindPong:
		return nil
	}

	if m.Correlation == 0 {
		return fmt.Errorf("%s: %w", m.Kind, ErrMissingCorrelation)
	}

	switch m.Kind {
	case KindRead, KindSubscribe:
		if m.Name == "" {
			return fmt.Errorf("%s: %w", m.Kind, ErrMissingName)
		}
		if err := m.Rep.Validate(); err != nil {
			return fmt.Errorf("%s: %w", m.Kind, err)
		}
	case KindWrite:
		if m.Name == "" {
			return fmt.Errorf("%s: %w", m.Kind, ErrMissingName)
		}
		if m.Value == nil || m.Value.IsZero() {
			return fmt.Errorf("%s: %w", m.Kind, ErrMissingValue)
		}
	case KindCancel:
		if m.Name == "" {
			return fmt.Errorf("%s: %w", m.Kind, ErrMissingName)
		}
	case KindReadReply, KindEvent:
		if m.Status.IsSuccess() && m.Payload == nil {
			return fmt.Errorf("%s: %w", m.Kind, ErrMissingPayload)
		}
	}
	return nil
}

// String returns a short description for log lines.
func (m *Message) String() string {
	switch m.Kind {
	case KindSearch:
		return fmt.Sprintf("%s[%d names]", m.Kind, len(m.Entries))
	case KindPing, KindPong:
		return fmt.Sprintf("%s[seq=%d]", m.Kind, m.Seq)
	}
	s := fmt.Sprintf("%s[corr=%d", m.Kind, m.Correlation)
	if m.Name != "" {
		s += " name=" + m.Name
	}
	if m.Kind.IsReply() || m.Kind == KindEvent {
		s += " status=" + m.Status.String()
	}
	return s + "]"
}

// NewSearch builds a batched search request.
func NewSearch(entries ...SearchEntry) *Message {
	return &Message{Kind: KindSearch, Entries: entries}
}

// NewRead builds a read request.
func NewRead(corr uint32, name string, rep pv.Representation) *Message {
	return &Message{Kind: KindRead, Correlation: corr, Name: name, Rep: rep}
}

// NewWrite builds a write request. With notify set the server replies only
// after processing, including linked side effects, has completed.
func NewWrite(corr uint32, name string, v pv.Value, notify bool) *Message {
	return &Message{Kind: KindWrite, Correlation: corr, Name: name, Value: &v, Notify: notify}
}

// NewSubscribe builds a monitor request.
func NewSubscribe(corr uint32, name string, rep pv.Representation, mask pv.EventMask) *Message {
	return &Message{Kind: KindSubscribe, Correlation: corr, Name: name, Rep: rep, Mask: mask}
}

// NewCancel builds a monitor cancellation.
func NewCancel(corr uint32, name string) *Message {
	return &Message{Kind: KindCancel, Correlation: corr, Name: name}
}

// Reply builds a reply to m with the given status. The caller fills in any
// kind-specific fields.
func (m *Message) Reply(status Status) *Message {
	r := &Message{Correlation: m.Correlation, Name: m.Name, Status: status}
	switch m.Kind {
	case KindSearch:
		r.Kind = KindSearchReply
	case KindRead:
		r.Kind = KindReadReply
		r.Rep = m.Rep
	case KindWrite:
		r.Kind = KindWriteReply
	case KindSubscribe:
		r.Kind = KindEvent
		r.Rep = m.Rep
	case KindPing:
		r.Kind = KindPong
		r.Seq = m.Seq
	}
	return r
}
