package pv

import (
	"fmt"
	"strings"
)

// ValueType is the scalar type of a channel or of a requested representation.
type ValueType uint8

const (
	// TypeNone means the type is not known yet.
	TypeNone ValueType = 0

	// TypeDouble is a 64-bit floating point value.
	TypeDouble ValueType = 1

	// TypeLong is a 32-bit signed integer.
	TypeLong ValueType = 2

	// TypeString is a short text value.
	TypeString ValueType = 3

	// TypeEnum is an index into a table of state labels.
	TypeEnum ValueType = 4
)

// String returns the type name.
func (t ValueType) String() string {
	switch t {
	case TypeNone:
		return "NONE"
	case TypeDouble:
		return "DOUBLE"
	case TypeLong:
		return "LONG"
	case TypeString:
		return "STRING"
	case TypeEnum:
		return "ENUM"
	default:
		return "UNKNOWN"
	}
}

// IsValid returns true for the four concrete value types.
func (t ValueType) IsValid() bool {
	return t >= TypeDouble && t <= TypeEnum
}

// IsNumeric returns true for types with a numeric magnitude.
func (t ValueType) IsNumeric() bool {
	return t == TypeDouble || t == TypeLong
}

// ParseValueType parses a type name such as "double" or "ENUM".
func ParseValueType(s string) (ValueType, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DOUBLE", "FLOAT", "AI", "AO":
		return TypeDouble, nil
	case "LONG", "INT", "LONGIN", "LONGOUT":
		return TypeLong, nil
	case "STRING", "STRINGIN", "STRINGOUT":
		return TypeString, nil
	case "ENUM", "BI", "BO", "MBBI", "MBBO":
		return TypeEnum, nil
	default:
		return TypeNone, fmt.Errorf("unknown value type %q", s)
	}
}

// Class selects how much context accompanies a value.
type Class uint8

const (
	// ClassPlain carries the bare value.
	ClassPlain Class = 0

	// ClassStatus adds severity and alarm condition.
	ClassStatus Class = 1

	// ClassTime adds the server timestamp to ClassStatus.
	ClassTime Class = 2

	// ClassControl adds static metadata to ClassStatus.
	ClassControl Class = 3
)

// String returns the class name.
func (c Class) String() string {
	switch c {
	case ClassPlain:
		return "PLAIN"
	case ClassStatus:
		return "STS"
	case ClassTime:
		return "TIME"
	case ClassControl:
		return "CTRL"
	default:
		return "UNKNOWN"
	}
}

// ParseClass parses a class name such as "ctrl" or "status".
func ParseClass(s string) (Class, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", "PLAIN":
		return ClassPlain, nil
	case "STS", "STATUS":
		return ClassStatus, nil
	case "TIME":
		return ClassTime, nil
	case "CTRL", "CONTROL":
		return ClassControl, nil
	default:
		return ClassPlain, fmt.Errorf("unknown class %q", s)
	}
}

// IsValid returns true if the class is known.
func (c Class) IsValid() bool {
	return c <= ClassControl
}

// HasStatus reports whether the class carries severity and alarm condition.
func (c Class) HasStatus() bool {
	return c != ClassPlain
}

// Representation is the (type, class) pair a value is requested in.
//
// CBOR encoding:
//
//	{
//	  1: type,   // uint8
//	  2: class   // uint8
//	}
type Representation struct {
	Type  ValueType `cbor:"1,keyasint"`
	Class Class     `cbor:"2,keyasint"`
}

// Rep builds a representation.
func Rep(t ValueType, c Class) Representation {
	return Representation{Type: t, Class: c}
}

// String returns names like "CTRL_DOUBLE" or "ENUM".
func (r Representation) String() string {
	if r.Class == ClassPlain {
		return r.Type.String()
	}
	return r.Class.String() + "_" + r.Type.String()
}

// Validate checks that both parts of the representation are known.
func (r Representation) Validate() error {
	if !r.Type.IsValid() {
		return fmt.Errorf("invalid value type: %d", r.Type)
	}
	if !r.Class.IsValid() {
		return fmt.Errorf("invalid class: %d", r.Class)
	}
	return nil
}

// EventMask selects which kinds of change trigger a subscription update.
type EventMask uint8

const (
	// MaskValue triggers on significant value changes (beyond the monitor deadband).
	MaskValue EventMask = 1 << 0

	// MaskLog triggers on changes beyond the archive deadband.
	MaskLog EventMask = 1 << 1

	// MaskAlarm triggers on severity or alarm condition changes.
	MaskAlarm EventMask = 1 << 2

	// MaskProperty triggers on metadata changes.
	MaskProperty EventMask = 1 << 3

	// MaskDefault is value and alarm changes, the usual monitor.
	MaskDefault = MaskValue | MaskAlarm
)

// Has returns true if any bit of o is set in m.
func (m EventMask) Has(o EventMask) bool {
	return m&o != 0
}

// String returns the set bits joined by "|".
func (m EventMask) String() string {
	if m == 0 {
		return "NONE"
	}
	var parts []string
	if m.Has(MaskValue) {
		parts = append(parts, "VALUE")
	}
	if m.Has(MaskLog) {
		parts = append(parts, "LOG")
	}
	if m.Has(MaskAlarm) {
		parts = append(parts, "ALARM")
	}
	if m.Has(MaskProperty) {
		parts = append(parts, "PROPERTY")
	}
	return strings.Join(parts, "|")
}

// ParseEventMask parses names such as "value|alarm" or "value,log". Both
// "|" and "," separate names.
func ParseEventMask(s string) (EventMask, error) {
	var m EventMask
	for _, part := range strings.FieldsFunc(s, func(r rune) bool { return r == '|' || r == ',' }) {
		switch strings.ToUpper(strings.TrimSpace(part)) {
		case "VALUE":
			m |= MaskValue
		case "LOG":
			m |= MaskLog
		case "ALARM":
			m |= MaskAlarm
		case "PROPERTY":
			m |= MaskProperty
		default:
			return 0, fmt.Errorf("unknown event mask %q", part)
		}
	}
	return m, nil
}
