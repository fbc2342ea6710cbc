package pv

import (
	"errors"
	"time"
)

// Errors returned by Snapshot.Trusted.
var (
	ErrInvalidSeverity = errors.New("value severity is INVALID")
	ErrStale           = errors.New("value is stale")
	ErrNoValue         = errors.New("no value received")
)

// Metadata is the static, descriptive part of a channel. It normally does
// not change and only needs to be read once (ClassControl).
type Metadata struct {
	Units     string `cbor:"1,keyasint,omitempty"`
	Precision int16  `cbor:"2,keyasint,omitempty"`

	DisplayLow  float64 `cbor:"3,keyasint,omitempty"`
	DisplayHigh float64 `cbor:"4,keyasint,omitempty"`
	ControlLow  float64 `cbor:"5,keyasint,omitempty"`
	ControlHigh float64 `cbor:"6,keyasint,omitempty"`

	AlarmLow    float64 `cbor:"7,keyasint,omitempty"`
	WarningLow  float64 `cbor:"8,keyasint,omitempty"`
	WarningHigh float64 `cbor:"9,keyasint,omitempty"`
	AlarmHigh   float64 `cbor:"10,keyasint,omitempty"`

	// EnumLabels holds one label per enum state.
	EnumLabels []string `cbor:"11,keyasint,omitempty"`
}

// Clone returns a deep copy. Cloning nil returns nil.
func (m *Metadata) Clone() *Metadata {
	if m == nil {
		return nil
	}
	c := *m
	if m.EnumLabels != nil {
		c.EnumLabels = append([]string(nil), m.EnumLabels...)
	}
	return &c
}

// Label returns the enum label for idx, checking bounds.
func (m *Metadata) Label(idx uint16) (string, bool) {
	if m == nil || int(idx) >= len(m.EnumLabels) {
		return "", false
	}
	return m.EnumLabels[idx], true
}

// HasControlLimits reports whether a usable control range is known.
func (m *Metadata) HasControlLimits() bool {
	return m != nil && m.ControlLow < m.ControlHigh
}

// labelIndex resolves an enum label to its index.
func (m *Metadata) labelIndex(label string) (int, bool) {
	if m == nil {
		return 0, false
	}
	for i, l := range m.EnumLabels {
		if l == label {
			return i, true
		}
	}
	return 0, false
}

// Payload is a value in a specific representation as carried on the wire.
// Fields not covered by Rep.Class are left zero.
type Payload struct {
	Rep       Representation `cbor:"1,keyasint"`
	Value     Value          `cbor:"2,keyasint"`
	Severity  Severity       `cbor:"3,keyasint,omitempty"`
	Status    AlarmStatus    `cbor:"4,keyasint,omitempty"`
	Timestamp time.Time      `cbor:"5,keyasint,omitempty"`
	Meta      *Metadata      `cbor:"6,keyasint,omitempty"`
}

// Snapshot is a point-in-time copy of a channel's value, quality and
// metadata. Snapshots handed to callers never alias stored state.
type Snapshot struct {
	Value     Value
	Severity  Severity
	Status    AlarmStatus
	Timestamp time.Time
	Meta      *Metadata

	// Stale is set when the channel is not connected or nothing has been
	// received yet.
	Stale bool

	// Received is the local time the value arrived.
	Received time.Time
}

// EmptySnapshot is what a channel holds before any value arrived:
// stale, undefined and invalid.
func EmptySnapshot() Snapshot {
	return Snapshot{
		Severity: SeverityInvalid,
		Status:   StatusUDF,
		Stale:    true,
	}
}

// Clone returns a deep copy of s.
func (s Snapshot) Clone() Snapshot {
	s.Meta = s.Meta.Clone()
	return s
}

// Merge applies p on top of s: the value always, quality and timestamp
// when the class carries them, metadata when it is a control payload.
func (s Snapshot) Merge(p *Payload, received time.Time) Snapshot {
	s.Value = p.Value
	if p.Rep.Class.HasStatus() {
		s.Severity = p.Severity
		s.Status = p.Status
	} else if s.Severity == SeverityInvalid && s.Status == StatusUDF {
		// A plain value says nothing about quality; it is at least defined now.
		s.Severity = SeverityNone
		s.Status = StatusNoAlarm
	}
	if p.Rep.Class == ClassTime {
		s.Timestamp = p.Timestamp
	}
	if p.Rep.Class == ClassControl && p.Meta != nil {
		s.Meta = p.Meta.Clone()
	}
	s.Stale = false
	s.Received = received
	return s
}

// Trusted returns the value only if it may be used by calling logic:
// not stale, present and not of INVALID severity.
func (s Snapshot) Trusted() (Value, error) {
	switch {
	case s.Value.IsZero():
		return Value{}, ErrNoValue
	case s.Stale:
		return s.Value, ErrStale
	case !s.Severity.IsTrustworthy():
		return s.Value, ErrInvalidSeverity
	}
	return s.Value, nil
}
