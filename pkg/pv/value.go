package pv

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ErrConversion is returned when a value cannot be represented in the
// requested type.
var ErrConversion = errors.New("value conversion not possible")

// Value is a scalar process-variable value tagged with its type.
// Only the field matching Type is meaningful.
//
// CBOR encoding:
//
//	{
//	  1: type,     // uint8
//	  2: double,   // float64 (TypeDouble)
//	  3: long,     // int32 (TypeLong)
//	  4: string,   // text (TypeString)
//	  5: enum      // uint16 (TypeEnum)
//	}
type Value struct {
	Type ValueType `cbor:"1,keyasint"`
	D    float64   `cbor:"2,keyasint,omitempty"`
	L    int32     `cbor:"3,keyasint,omitempty"`
	S    string    `cbor:"4,keyasint,omitempty"`
	E    uint16    `cbor:"5,keyasint,omitempty"`
}

// NewDouble returns a double value.
func NewDouble(v float64) Value { return Value{Type: TypeDouble, D: v} }

// NewLong returns a long value.
func NewLong(v int32) Value { return Value{Type: TypeLong, L: v} }

// NewString returns a string value.
func NewString(v string) Value { return Value{Type: TypeString, S: v} }

// NewEnum returns an enum value.
func NewEnum(v uint16) Value { return Value{Type: TypeEnum, E: v} }

// IsZero returns true if no value has been set.
func (v Value) IsZero() bool {
	return v.Type == TypeNone
}

// Float returns the numeric magnitude of v. Strings report false.
func (v Value) Float() (float64, bool) {
	switch v.Type {
	case TypeDouble:
		return v.D, true
	case TypeLong:
		return float64(v.L), true
	case TypeEnum:
		return float64(v.E), true
	default:
		return 0, false
	}
}

// Equal reports whether both values have the same type and content.
func (v Value) Equal(o Value) bool {
	if v.Type != o.Type {
		return false
	}
	switch v.Type {
	case TypeDouble:
		return v.D == o.D || (math.IsNaN(v.D) && math.IsNaN(o.D))
	case TypeLong:
		return v.L == o.L
	case TypeString:
		return v.S == o.S
	case TypeEnum:
		return v.E == o.E
	default:
		return true
	}
}

// String returns the raw value as text without any formatting metadata.
func (v Value) String() string {
	switch v.Type {
	case TypeDouble:
		return strconv.FormatFloat(v.D, 'g', -1, 64)
	case TypeLong:
		return strconv.FormatInt(int64(v.L), 10)
	case TypeString:
		return v.S
	case TypeEnum:
		return strconv.FormatUint(uint64(v.E), 10)
	default:
		return "<none>"
	}
}

// Convert returns v expressed as type t. The metadata, when present,
// supplies enum labels and the display precision for string conversion.
func (v Value) Convert(t ValueType, meta *Metadata) (Value, error) {
	if v.Type == t {
		return v, nil
	}
	if v.Type == TypeNone || !t.IsValid() {
		return Value{}, fmt.Errorf("%w: %s to %s", ErrConversion, v.Type, t)
	}

	switch t {
	case TypeDouble:
		if f, ok := v.Float(); ok {
			return NewDouble(f), nil
		}
		if idx, ok := meta.labelIndex(v.S); ok {
			return NewDouble(float64(idx)), nil
		}
		f, err := strconv.ParseFloat(strings.TrimSpace(v.S), 64)
		if err != nil {
			return Value{}, fmt.Errorf("%w: %q is not a number", ErrConversion, v.S)
		}
		return NewDouble(f), nil

	case TypeLong:
		f, err := v.numeric(meta)
		if err != nil {
			return Value{}, err
		}
		r := math.Round(f)
		if r < math.MinInt32 || r > math.MaxInt32 || math.IsNaN(r) {
			return Value{}, fmt.Errorf("%w: %g out of LONG range", ErrConversion, f)
		}
		return NewLong(int32(r)), nil

	case TypeEnum:
		if v.Type == TypeString {
			if idx, ok := meta.labelIndex(v.S); ok {
				return NewEnum(uint16(idx)), nil
			}
		}
		f, err := v.numeric(meta)
		if err != nil {
			return Value{}, err
		}
		r := math.Round(f)
		if r < 0 || r > math.MaxUint16 || math.IsNaN(r) {
			return Value{}, fmt.Errorf("%w: %g out of ENUM range", ErrConversion, f)
		}
		return NewEnum(uint16(r)), nil

	case TypeString:
		switch v.Type {
		case TypeDouble:
			prec := -1
			if meta != nil && meta.Precision > 0 {
				prec = int(meta.Precision)
			}
			return NewString(strconv.FormatFloat(v.D, 'f', prec, 64)), nil
		case TypeEnum:
			if label, ok := meta.Label(v.E); ok {
				return NewString(label), nil
			}
		}
		return NewString(v.String()), nil
	}

	return Value{}, fmt.Errorf("%w: %s to %s", ErrConversion, v.Type, t)
}

// numeric returns the magnitude of v, parsing strings when needed.
func (v Value) numeric(meta *Metadata) (float64, error) {
	if f, ok := v.Float(); ok {
		return f, nil
	}
	if idx, ok := meta.labelIndex(v.S); ok {
		return float64(idx), nil
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v.S), 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q is not a number", ErrConversion, v.S)
	}
	return f, nil
}

// ParseValue parses text into a value of type t, resolving enum labels
// through meta when given.
func ParseValue(t ValueType, text string, meta *Metadata) (Value, error) {
	return NewString(text).Convert(t, meta)
}
