package sim

import (
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/pvlink/pvlink-go/pkg/pv"
)

// Database errors.
var (
	ErrUndefinedMacro = errors.New("undefined macro")
	ErrBadRecord      = errors.New("invalid record")
)

//go:embed device.yaml
var deviceYAML string

// Database is a set of record definitions.
type Database struct {
	Records []RecordConfig `yaml:"records"`
}

// RecordConfig defines one record. Field names follow the usual record
// field abbreviations.
type RecordConfig struct {
	Name  string `yaml:"name"`
	Type  string `yaml:"type"` // double, long, string or enum
	Value string `yaml:"value,omitempty"`

	Units     string   `yaml:"egu,omitempty"`
	Precision int16    `yaml:"prec,omitempty"`
	Labels    []string `yaml:"labels,omitempty"`

	DisplayLow  float64 `yaml:"lopr,omitempty"`
	DisplayHigh float64 `yaml:"hopr,omitempty"`
	ControlLow  float64 `yaml:"drvl,omitempty"`
	ControlHigh float64 `yaml:"drvh,omitempty"`

	// Alarm limits; unset limits are not checked.
	LoLo *float64 `yaml:"lolo,omitempty"`
	Low  *float64 `yaml:"low,omitempty"`
	High *float64 `yaml:"high,omitempty"`
	HiHi *float64 `yaml:"hihi,omitempty"`

	// Monitor and archive deadbands. Zero posts every change, a negative
	// deadband posts on every write.
	MDEL float64 `yaml:"mdel,omitempty"`
	ADEL float64 `yaml:"adel,omitempty"`

	ReadOnly bool `yaml:"readonly,omitempty"`

	// Drive makes the record a setpoint that moves a readback.
	Drive *DriveConfig `yaml:"drive,omitempty"`
}

// DriveConfig links a setpoint to a readback and a done flag. A write to
// the setpoint sets Done to 0 (active) before the write completes, then
// ramps Readback towards the setpoint at Rate units per second and sets
// Done to 1 when it arrives.
type DriveConfig struct {
	Readback string  `yaml:"readback"`
	Done     string  `yaml:"done"`
	Rate     float64 `yaml:"rate"`
}

// LoadDatabase parses a YAML record database, substituting $(NAME) and
// ${NAME} macros first.
func LoadDatabase(r io.Reader, macros map[string]string) (*Database, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read database: %w", err)
	}
	text, err := ExpandMacros(string(data), macros)
	if err != nil {
		return nil, err
	}

	var db Database
	if err := yaml.Unmarshal([]byte(text), &db); err != nil {
		return nil, fmt.Errorf("parse database: %w", err)
	}
	if err := db.Validate(); err != nil {
		return nil, err
	}
	return &db, nil
}

// LoadDatabaseFile loads a YAML record database from path.
func LoadDatabaseFile(path string, macros map[string]string) (*Database, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return LoadDatabase(f, macros)
}

// DeviceDatabase returns the built-in put-and-wait device with records
// P:SET, P:READ and P:DONE.
func DeviceDatabase(prefix string) *Database {
	db, err := LoadDatabase(strings.NewReader(deviceYAML), map[string]string{"P": prefix})
	if err != nil {
		panic(fmt.Sprintf("sim: built-in database: %v", err))
	}
	return db
}

// Validate checks record names, types, initial values and drive links.
func (db *Database) Validate() error {
	seen := make(map[string]bool, len(db.Records))
	for i := range db.Records {
		rc := &db.Records[i]
		if rc.Name == "" {
			return fmt.Errorf("%w: record %d has no name", ErrBadRecord, i)
		}
		if seen[rc.Name] {
			return fmt.Errorf("%w: duplicate record %q", ErrBadRecord, rc.Name)
		}
		seen[rc.Name] = true
		if _, err := rc.valueType(); err != nil {
			return err
		}
		if _, err := rc.initialValue(); err != nil {
			return err
		}
	}
	for _, rc := range db.Records {
		if rc.Drive == nil {
			continue
		}
		if !seen[rc.Drive.Readback] || !seen[rc.Drive.Done] {
			return fmt.Errorf("%w: %s drives unknown records", ErrBadRecord, rc.Name)
		}
		if rc.Drive.Rate <= 0 {
			return fmt.Errorf("%w: %s has no drive rate", ErrBadRecord, rc.Name)
		}
	}
	return nil
}

func (rc *RecordConfig) valueType() (pv.ValueType, error) {
	t, err := pv.ParseValueType(rc.Type)
	if err != nil {
		return pv.TypeNone, fmt.Errorf("%w: %s: %v", ErrBadRecord, rc.Name, err)
	}
	return t, nil
}

func (rc *RecordConfig) metadata() *pv.Metadata {
	return &pv.Metadata{
		Units:       rc.Units,
		Precision:   rc.Precision,
		DisplayLow:  rc.DisplayLow,
		DisplayHigh: rc.DisplayHigh,
		ControlLow:  rc.ControlLow,
		ControlHigh: rc.ControlHigh,
		AlarmLow:    deref(rc.LoLo),
		WarningLow:  deref(rc.Low),
		WarningHigh: deref(rc.High),
		AlarmHigh:   deref(rc.HiHi),
		EnumLabels:  append([]string(nil), rc.Labels...),
	}
}

// initialValue returns the configured value, or the zero of the record's
// type when none is set.
func (rc *RecordConfig) initialValue() (pv.Value, error) {
	t, err := rc.valueType()
	if err != nil {
		return pv.Value{}, err
	}
	if rc.Value == "" {
		return pv.Value{Type: t}, nil
	}
	v, err := pv.ParseValue(t, rc.Value, rc.metadata())
	if err != nil {
		return pv.Value{}, fmt.Errorf("%w: %s: %v", ErrBadRecord, rc.Name, err)
	}
	return v, nil
}

func deref(f *float64) float64 {
	if f == nil {
		return 0
	}
	return *f
}

// ExpandMacros substitutes $(NAME) and ${NAME} in text. A reference to a
// macro missing from macros is an error.
func ExpandMacros(text string, macros map[string]string) (string, error) {
	var b strings.Builder
	for {
		i := strings.IndexByte(text, '$')
		if i < 0 || i == len(text)-1 {
			b.WriteString(text)
			return b.String(), nil
		}
		b.WriteString(text[:i])

		var closer byte
		switch text[i+1] {
		case '(':
			closer = ')'
		case '{':
			closer = '}'
		default:
			b.WriteByte('$')
			text = text[i+1:]
			continue
		}
		end := strings.IndexByte(text[i+2:], closer)
		if end < 0 {
			return "", fmt.Errorf("%w: unterminated reference at %q", ErrUndefinedMacro, text[i:])
		}
		name := text[i+2 : i+2+end]
		val, ok := macros[name]
		if !ok {
			return "", fmt.Errorf("%w: %s", ErrUndefinedMacro, name)
		}
		b.WriteString(val)
		text = text[i+3+end:]
	}
}
