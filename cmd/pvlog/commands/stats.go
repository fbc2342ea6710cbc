package commands

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/pvlink/pvlink-go/pkg/log"
	"github.com/pvlink/pvlink-go/pkg/wire"
)

// Stats holds aggregate statistics about a capture file.
type Stats struct {
	TotalEvents       int
	EventsByLayer     map[log.Layer]int
	EventsByCategory  map[log.Category]int
	EventsByDirection map[log.Direction]int
	MessagesByKind    map[wire.Kind]int
	Circuits          map[string]*CircuitStats
	Channels          map[string]int
	Errors            int
	TimeRange         struct {
		Start time.Time
		End   time.Time
	}
}

// CircuitStats holds statistics for a single circuit.
type CircuitStats struct {
	FirstSeen  time.Time
	LastSeen   time.Time
	Events     int
	RemoteAddr string
	Failures   int
}

func newStats() *Stats {
	return &Stats{
		EventsByLayer:     make(map[log.Layer]int),
		EventsByCategory:  make(map[log.Category]int),
		EventsByDirection: make(map[log.Direction]int),
		MessagesByKind:    make(map[wire.Kind]int),
		Circuits:          make(map[string]*CircuitStats),
		Channels:          make(map[string]int),
	}
}

func (s *Stats) add(event log.Event) {
	s.TotalEvents++
	s.EventsByLayer[event.Layer]++
	s.EventsByCategory[event.Category]++
	s.EventsByDirection[event.Direction]++

	if s.TimeRange.Start.IsZero() || event.Timestamp.Before(s.TimeRange.Start) {
		s.TimeRange.Start = event.Timestamp
	}
	if event.Timestamp.After(s.TimeRange.End) {
		s.TimeRange.End = event.Timestamp
	}

	if event.Channel != "" {
		s.Channels[event.Channel]++
	}
	if event.Error != nil {
		s.Errors++
	}
	if event.Message != nil {
		s.MessagesByKind[event.Message.Kind]++
	}

	if event.CircuitID == "" {
		return
	}
	circ, ok := s.Circuits[event.CircuitID]
	if !ok {
		circ = &CircuitStats{FirstSeen: event.Timestamp, LastSeen: event.Timestamp}
		s.Circuits[event.CircuitID] = circ
	}
	circ.Events++
	if event.Timestamp.After(circ.LastSeen) {
		circ.LastSeen = event.Timestamp
	}
	if event.RemoteAddr != "" && circ.RemoteAddr == "" {
		circ.RemoteAddr = event.RemoteAddr
	}
	if m := event.Message; m != nil && m.Status != nil && m.Status.IsError() {
		circ.Failures++
	}
}

// RunStats analyzes the capture file and prints statistics.
func RunStats(path string, w io.Writer) error {
	reader, err := log.NewReader(path)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	defer reader.Close()

	stats := newStats()
	for {
		event, err := reader.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("failed to read event: %w", err)
		}
		stats.add(event)
	}

	printStats(w, stats)
	return nil
}

func printStats(w io.Writer, stats *Stats) {
	fmt.Fprintln(w, "=== pvlink Protocol Log Statistics ===")
	fmt.Fprintln(w)

	if stats.TotalEvents > 0 {
		fmt.Fprintf(w, "Time Range: %s to %s\n",
			stats.TimeRange.Start.Format(time.RFC3339),
			stats.TimeRange.End.Format(time.RFC3339))
		fmt.Fprintf(w, "Duration:   %s\n", stats.TimeRange.End.Sub(stats.TimeRange.Start).Round(time.Second))
		fmt.Fprintln(w)
	}

	fmt.Fprintf(w, "Total Events: %d\n", stats.TotalEvents)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Events by Layer:")
	for _, layer := range []log.Layer{log.LayerTransport, log.LayerWire, log.LayerClient} {
		if count := stats.EventsByLayer[layer]; count > 0 {
			fmt.Fprintf(w, "  %-14s %d\n", layer.String()+":", count)
		}
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Events by Category:")
	for _, cat := range []log.Category{log.CategoryMessage, log.CategoryControl, log.CategoryState, log.CategoryError} {
		if count := stats.EventsByCategory[cat]; count > 0 {
			fmt.Fprintf(w, "  %-14s %d\n", cat.String()+":", count)
		}
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Events by Direction:")
	for _, dir := range []log.Direction{log.DirectionIn, log.DirectionOut} {
		if count := stats.EventsByDirection[dir]; count > 0 {
			fmt.Fprintf(w, "  %-14s %d\n", dir.String()+":", count)
		}
	}
	fmt.Fprintln(w)

	if len(stats.MessagesByKind) > 0 {
		fmt.Fprintln(w, "Messages by Kind:")
		for k := wire.KindSearch; k.IsValid(); k++ {
			if count := stats.MessagesByKind[k]; count > 0 {
				fmt.Fprintf(w, "  %-14s %d\n", k.String()+":", count)
			}
		}
		fmt.Fprintln(w)
	}

	fmt.Fprintf(w, "Channels: %d\n", len(stats.Channels))
	if len(stats.Channels) > 0 {
		names := make([]string, 0, len(stats.Channels))
		for name := range stats.Channels {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Fprintf(w, "  %s: %d events\n", name, stats.Channels[name])
		}
	}
	fmt.Fprintln(w)

	fmt.Fprintf(w, "Circuits: %d\n", len(stats.Circuits))
	if len(stats.Circuits) > 0 {
		type circuitInfo struct {
			id    string
			stats *CircuitStats
		}
		circuits := make([]circuitInfo, 0, len(stats.Circuits))
		for id, cs := range stats.Circuits {
			circuits = append(circuits, circuitInfo{id, cs})
		}
		sort.Slice(circuits, func(i, j int) bool {
			return circuits[i].stats.FirstSeen.Before(circuits[j].stats.FirstSeen)
		})

		fmt.Fprintln(w)
		for _, c := range circuits {
			duration := c.stats.LastSeen.Sub(c.stats.FirstSeen).Round(time.Millisecond)
			fmt.Fprintf(w, "  [%s] %d events, duration %s\n", shortID(c.id), c.stats.Events, duration)
			if c.stats.RemoteAddr != "" {
				fmt.Fprintf(w, "           Peer: %s\n", c.stats.RemoteAddr)
			}
			if c.stats.Failures > 0 {
				fmt.Fprintf(w, "           Failed replies: %d\n", c.stats.Failures)
			}
		}
	}

	if stats.Errors > 0 {
		fmt.Fprintln(w)
		fmt.Fprintf(w, "Errors: %d\n", stats.Errors)
	}
}
