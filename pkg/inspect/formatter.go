// Package inspect formats channel values for terminal output.
package inspect

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/fatih/color"

	"github.com/pvlink/pvlink-go/pkg/client"
	"github.com/pvlink/pvlink-go/pkg/pv"
)

// DefaultTimeFormat is used when ShowTimestamp is set.
const DefaultTimeFormat = "2006-01-02 15:04:05.000000"

// Formatter formats snapshots as "NAME = VALUE UNITS <SEVERITY STATUS>".
type Formatter struct {
	// Color highlights alarm suffixes by severity.
	Color bool

	// ShowTimestamp prefixes lines with the server timestamp, when known.
	ShowTimestamp bool

	// ShowLimits appends display and control ranges, when known.
	ShowLimits bool

	// TimeFormat overrides DefaultTimeFormat.
	TimeFormat string
}

// NewFormatter creates a Formatter with default settings.
func NewFormatter() *Formatter {
	return &Formatter{TimeFormat: DefaultTimeFormat}
}

// StateString names a connection state for channels that have no value
// to show.
func StateString(s client.State) string {
	switch s {
	case client.StateSearching:
		return "not found"
	case client.StateDisconnected:
		return "connection lost"
	case client.StateConnected:
		return "connected"
	case client.StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Value formats v with the precision, units and enum labels from meta.
// Enum values without a label are printed as numbers.
func (f *Formatter) Value(v pv.Value, meta *pv.Metadata) string {
	var s string
	switch v.Type {
	case pv.TypeDouble:
		s = formatDouble(v.D, meta)
	case pv.TypeLong:
		s = strconv.FormatInt(int64(v.L), 10)
	case pv.TypeEnum:
		if label, ok := meta.Label(v.E); ok {
			return label
		}
		return strconv.FormatUint(uint64(v.E), 10)
	case pv.TypeString:
		return v.S
	default:
		return "<no value>"
	}
	if meta != nil && meta.Units != "" {
		s += " " + meta.Units
	}
	return s
}

func formatDouble(d float64, meta *pv.Metadata) string {
	if meta != nil && meta.Precision >= 0 {
		return strconv.FormatFloat(d, 'f', int(meta.Precision), 64)
	}
	return strconv.FormatFloat(d, 'g', -1, 64)
}

// Alarm returns " <SEVERITY STATUS>" for an alarmed snapshot, or "" when
// there is no alarm.
func (f *Formatter) Alarm(s pv.Snapshot) string {
	if s.Severity == pv.SeverityNone {
		return ""
	}
	text := fmt.Sprintf("<%s %s>", s.Severity, s.Status)
	return " " + f.paint(severityColor(s.Severity), text)
}

// Snapshot formats one line for name.
func (f *Formatter) Snapshot(name string, s pv.Snapshot) string {
	var b strings.Builder
	if f.ShowTimestamp && !s.Timestamp.IsZero() {
		layout := f.TimeFormat
		if layout == "" {
			layout = DefaultTimeFormat
		}
		b.WriteString(s.Timestamp.Local().Format(layout))
		b.WriteByte(' ')
	}
	b.WriteString(name)
	b.WriteString(" = ")
	b.WriteString(f.Value(s.Value, s.Meta))
	if f.ShowLimits && s.Meta != nil && s.Value.Type.IsNumeric() {
		b.WriteString(f.limits(s.Meta))
	}
	b.WriteString(f.Alarm(s))
	return b.String()
}

// Channel formats ch with its latest snapshot, or its state when it is not
// connected.
func (f *Formatter) Channel(ch *client.Channel, s pv.Snapshot) string {
	if state := ch.State(); state != client.StateConnected {
		return fmt.Sprintf("%s <%s>", ch.Name(), StateString(state))
	}
	return f.Snapshot(ch.Name(), s)
}

// Update formats a subscription update.
func (f *Formatter) Update(u client.Update) string {
	return f.Snapshot(u.Channel.Name(), u.Snapshot)
}

func (f *Formatter) limits(m *pv.Metadata) string {
	p := int(m.Precision)
	if p < 0 {
		p = 0
	}
	var b strings.Builder
	if m.DisplayLow < m.DisplayHigh {
		fmt.Fprintf(&b, " range:[%.*f,%.*f]", p, m.DisplayLow, p, m.DisplayHigh)
	}
	if m.HasControlLimits() {
		fmt.Fprintf(&b, " setrange:[%.*f,%.*f]", p, m.ControlLow, p, m.ControlHigh)
	}
	return b.String()
}

func severityColor(s pv.Severity) color.Attribute {
	switch s {
	case pv.SeverityMinor:
		return color.FgYellow
	case pv.SeverityMajor:
		return color.FgRed
	default:
		return color.FgMagenta
	}
}

func (f *Formatter) paint(attr color.Attribute, s string) string {
	c := color.New(attr, color.Bold)
	if f.Color {
		c.EnableColor()
	} else {
		c.DisableColor()
	}
	return c.Sprint(s)
}
