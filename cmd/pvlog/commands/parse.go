package commands

import (
	"fmt"
	"strings"
	"time"

	"github.com/pvlink/pvlink-go/pkg/log"
	"github.com/pvlink/pvlink-go/pkg/wire"
)

// FilterOptions holds the raw selection flags shared by the view, export
// and filter commands.
type FilterOptions struct {
	CircuitID string
	ContextID string
	Channel   string
	Kind      string
	TimeStart string
	TimeEnd   string
	Layer     string
	Direction string
	Category  string
}

// Build converts the options into a log.Filter.
func (o FilterOptions) Build() (log.Filter, error) {
	filter := log.Filter{
		CircuitID: o.CircuitID,
		ContextID: o.ContextID,
		Channel:   o.Channel,
	}

	if o.TimeStart != "" {
		t, err := time.Parse(time.RFC3339, o.TimeStart)
		if err != nil {
			return filter, fmt.Errorf("invalid time-start format: %w", err)
		}
		filter.TimeStart = &t
	}
	if o.TimeEnd != "" {
		t, err := time.Parse(time.RFC3339, o.TimeEnd)
		if err != nil {
			return filter, fmt.Errorf("invalid time-end format: %w", err)
		}
		filter.TimeEnd = &t
	}
	if o.Layer != "" {
		l, err := parseLayer(o.Layer)
		if err != nil {
			return filter, err
		}
		filter.Layer = &l
	}
	if o.Direction != "" {
		d, err := parseDirection(o.Direction)
		if err != nil {
			return filter, err
		}
		filter.Direction = &d
	}
	if o.Category != "" {
		c, err := parseCategory(o.Category)
		if err != nil {
			return filter, err
		}
		filter.Category = &c
	}
	if o.Kind != "" {
		k, err := parseKind(o.Kind)
		if err != nil {
			return filter, err
		}
		filter.Kind = &k
	}
	return filter, nil
}

func parseLayer(s string) (log.Layer, error) {
	l, ok := log.ParseLayer(s)
	if !ok {
		return 0, fmt.Errorf("invalid layer: %s (must be transport, wire, or client)", s)
	}
	return l, nil
}

func parseDirection(s string) (log.Direction, error) {
	switch strings.ToLower(s) {
	case "in":
		return log.DirectionIn, nil
	case "out":
		return log.DirectionOut, nil
	default:
		return 0, fmt.Errorf("invalid direction: %s (must be in or out)", s)
	}
}

func parseCategory(s string) (log.Category, error) {
	c, ok := log.ParseCategory(s)
	if !ok {
		return 0, fmt.Errorf("invalid category: %s (must be message, control, state, or error)", s)
	}
	return c, nil
}

// parseKind accepts wire kind names with either '-' or '_' separators,
// e.g. "read-reply".
func parseKind(s string) (wire.Kind, error) {
	name := strings.ReplaceAll(strings.ToUpper(s), "-", "_")
	for k := wire.KindSearch; k.IsValid(); k++ {
		if k.String() == name {
			return k, nil
		}
	}
	return 0, fmt.Errorf("invalid kind: %s", s)
}
