package log

import (
	"errors"
	"io"
	"os"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/pvlink/pvlink-go/pkg/wire"
)

// Filter specifies criteria for selecting log events.
// Empty/nil fields match all events for that criterion.
type Filter struct {
	CircuitID string
	ContextID string

	// Channel matches events about this channel name, including
	// messages naming it.
	Channel string

	Direction *Direction
	Layer     *Layer
	Category  *Category

	// Kind matches wire-layer messages of this kind.
	Kind *wire.Kind

	// TimeStart filters events at or after this time.
	TimeStart *time.Time

	// TimeEnd filters events before this time.
	TimeEnd *time.Time
}

// Matches returns true if the event matches all filter criteria.
func (f *Filter) Matches(event Event) bool {
	if f.CircuitID != "" && event.CircuitID != f.CircuitID {
		return false
	}
	if f.ContextID != "" && event.ContextID != f.ContextID {
		return false
	}
	if f.Channel != "" && !eventNames(event, f.Channel) {
		return false
	}
	if f.Direction != nil && event.Direction != *f.Direction {
		return false
	}
	if f.Layer != nil && event.Layer != *f.Layer {
		return false
	}
	if f.Category != nil && event.Category != *f.Category {
		return false
	}
	if f.Kind != nil && (event.Message == nil || event.Message.Kind != *f.Kind) {
		return false
	}
	if f.TimeStart != nil && event.Timestamp.Before(*f.TimeStart) {
		return false
	}
	if f.TimeEnd != nil && !event.Timestamp.Before(*f.TimeEnd) {
		return false
	}
	return true
}

func eventNames(event Event, name string) bool {
	if event.Channel == name {
		return true
	}
	if event.Message == nil {
		return false
	}
	if event.Message.Name == name {
		return true
	}
	for _, n := range event.Message.Names {
		if n == name {
			return true
		}
	}
	return false
}

// Reader streams protocol log events from a capture file.
type Reader struct {
	file    io.ReadCloser
	decoder *cbor.Decoder
	filter  Filter
}

// NewReader creates a Reader that reads all events from path.
func NewReader(path string) (*Reader, error) {
	return NewFilteredReader(path, Filter{})
}

// NewFilteredReader creates a Reader that returns events matching filter.
func NewFilteredReader(path string, filter Filter) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	return &Reader{
		file:    f,
		decoder: newEventDecoder(f),
		filter:  filter,
	}, nil
}

// Next returns the next event that matches the filter.
// Returns io.EOF when no more events are available.
func (r *Reader) Next() (Event, error) {
	for {
		var event Event
		if err := r.decoder.Decode(&event); err != nil {
			if errors.Is(err, io.EOF) {
				return Event{}, io.EOF
			}
			return Event{}, err
		}
		if r.filter.Matches(event) {
			return event, nil
		}
	}
}

// ReadAll drains the reader.
func (r *Reader) ReadAll() ([]Event, error) {
	var events []Event
	for {
		ev, err := r.Next()
		if errors.Is(err, io.EOF) {
			return events, nil
		}
		if err != nil {
			return events, err
		}
		events = append(events, ev)
	}
}

// Close closes the underlying file.
func (r *Reader) Close() error {
	return r.file.Close()
}
