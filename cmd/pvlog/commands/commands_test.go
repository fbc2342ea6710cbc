package commands

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pvlink/pvlink-go/pkg/log"
	"github.com/pvlink/pvlink-go/pkg/pv"
	"github.com/pvlink/pvlink-go/pkg/wire"
)

const (
	circuitA = "abc12345-6789-0123-4567-890abcdef012"
	circuitB = "def67890-1111-2222-3333-444455556666"
)

var base = time.Date(2026, 1, 28, 10, 15, 32, 123456000, time.UTC)

func createTestLogFile(t *testing.T, events []log.Event) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.plog")

	logger, err := log.NewFileLogger(path)
	require.NoError(t, err)
	for _, e := range events {
		logger.Log(e)
	}
	require.NoError(t, logger.Close())
	return path
}

func readAll(t *testing.T, path string) []log.Event {
	t.Helper()
	r, err := log.NewReader(path)
	require.NoError(t, err)
	defer r.Close()
	events, err := r.ReadAll()
	require.NoError(t, err)
	return events
}

func sampleEvents() []log.Event {
	ok := wire.StatusOK
	denied := wire.StatusNoWriteAccess
	rep := pv.Rep(pv.TypeDouble, pv.ClassControl)
	return []log.Event{
		{
			Timestamp: base,
			Direction: log.DirectionOut,
			Layer:     log.LayerTransport,
			Category:  log.CategoryState,
			StateChange: &log.StateChangeEvent{
				Entity:   log.StateEntityCircuit,
				NewState: "CONNECTED",
			},
			CircuitID:  circuitA,
			RemoteAddr: "10.0.0.1:5064",
		},
		{
			Timestamp: base.Add(time.Millisecond),
			CircuitID: circuitA,
			Direction: log.DirectionOut,
			Layer:     log.LayerWire,
			Category:  log.CategoryMessage,
			Channel:   "M:READ",
			Message:   &log.MessageEvent{Kind: wire.KindRead, Correlation: 7, Name: "M:READ", Rep: &rep},
		},
		{
			Timestamp: base.Add(2 * time.Millisecond),
			CircuitID: circuitA,
			Direction: log.DirectionIn,
			Layer:     log.LayerWire,
			Category:  log.CategoryMessage,
			Channel:   "M:READ",
			Message:   &log.MessageEvent{Kind: wire.KindReadReply, Correlation: 7, Status: &ok, Rep: &rep, Value: "1.5"},
		},
		{
			Timestamp: base.Add(3 * time.Millisecond),
			CircuitID: circuitB,
			Direction: log.DirectionIn,
			Layer:     log.LayerWire,
			Category:  log.CategoryMessage,
			Channel:   "M:DONE",
			Message:   &log.MessageEvent{Kind: wire.KindWriteReply, Correlation: 9, Status: &denied},
		},
		{
			Timestamp:  base.Add(4 * time.Millisecond),
			CircuitID:  circuitB,
			Direction:  log.DirectionOut,
			Layer:      log.LayerTransport,
			Category:   log.CategoryControl,
			ControlMsg: &log.ControlMsgEvent{Type: log.ControlMsgPing, Seq: 3},
		},
		{
			Timestamp: base.Add(5 * time.Second),
			ContextID: "ctx-1",
			Layer:     log.LayerClient,
			Category:  log.CategoryError,
			Error:     &log.ErrorEventData{Layer: log.LayerClient, Message: "late reply dropped", Context: "group 2"},
		},
	}
}

func TestFormatEvent(t *testing.T) {
	events := sampleEvents()

	tests := []struct {
		name  string
		event log.Event
		want  []string
	}{
		{"state", events[0], []string{
			"2026-01-28T10:15:32.123456Z [circuit:abc12345] OUT TRANSPORT State",
			"Entity: CIRCUIT", "-> CONNECTED", "Peer: 10.0.0.1:5064",
		}},
		{"request", events[1], []string{
			"WIRE READ M:READ", "Correlation: 7", "Rep: CTRL_DOUBLE",
		}},
		{"reply", events[2], []string{"IN  WIRE READ_REPLY", "Status: OK (0)", "Value: 1.5"}},
		{"failed reply", events[3], []string{"Status: NO_WRITE_ACCESS (3)"}},
		{"control", events[4], []string{"[circuit:def67890] OUT CTRL PING", "Seq: 3"}},
		{"error", events[5], []string{"[circuit:-]", "Message: late reply dropped", "Context: group 2"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			formatEvent(&buf, tt.event)
			for _, want := range tt.want {
				assert.Contains(t, buf.String(), want)
			}
		})
	}
}

func TestFormatFrameEvent(t *testing.T) {
	var buf bytes.Buffer
	formatEvent(&buf, log.Event{
		Timestamp: base,
		Layer:     log.LayerTransport,
		Frame:     &log.FrameEvent{Size: 128, Data: []byte{0xa1, 0x01}, Truncated: true},
	})
	assert.Contains(t, buf.String(), "Size: 128 bytes")
	assert.Contains(t, buf.String(), "Data: a101 (truncated)")
}

func TestRunViewFilters(t *testing.T) {
	path := createTestLogFile(t, sampleEvents())

	var buf bytes.Buffer
	require.NoError(t, RunView(path, FilterOptions{Layer: "wire", Channel: "M:READ"}, &buf))
	out := buf.String()
	assert.Equal(t, 2, strings.Count(out, "[circuit:"))
	assert.NotContains(t, out, "M:DONE")

	buf.Reset()
	require.NoError(t, RunView(path, FilterOptions{Direction: "IN", Kind: "write-reply"}, &buf))
	assert.Equal(t, 1, strings.Count(buf.String(), "[circuit:"))

	assert.Error(t, RunView(path, FilterOptions{Layer: "service"}, &buf))
	assert.Error(t, RunView(filepath.Join(t.TempDir(), "missing.plog"), FilterOptions{}, &buf))
}

func TestFilterOptionsBuild(t *testing.T) {
	f, err := FilterOptions{
		CircuitID: circuitA,
		Kind:      "read_reply",
		Category:  "Message",
		TimeStart: "2026-01-28T10:00:00Z",
		TimeEnd:   "2026-01-28T11:00:00Z",
	}.Build()
	require.NoError(t, err)
	assert.Equal(t, circuitA, f.CircuitID)
	require.NotNil(t, f.Kind)
	assert.Equal(t, wire.KindReadReply, *f.Kind)
	require.NotNil(t, f.Category)
	assert.Equal(t, log.CategoryMessage, *f.Category)
	assert.True(t, f.TimeEnd.After(*f.TimeStart))

	bad := []FilterOptions{
		{Kind: "bogus"},
		{Direction: "sideways"},
		{Category: "snapshot"},
		{TimeStart: "yesterday"},
		{TimeEnd: "10:00"},
	}
	for _, o := range bad {
		_, err := o.Build()
		assert.Error(t, err, "%+v", o)
	}
}

func TestRunFilter(t *testing.T) {
	path := createTestLogFile(t, sampleEvents())
	out := filepath.Join(t.TempDir(), "filtered.plog")

	var buf bytes.Buffer
	require.NoError(t, RunFilter(path, out, FilterOptions{CircuitID: circuitA}, &buf))
	assert.Contains(t, buf.String(), "Filtered 3 events")

	events := readAll(t, out)
	require.Len(t, events, 3)
	for _, e := range events {
		assert.Equal(t, circuitA, e.CircuitID)
	}
	assert.Equal(t, "1.5", events[2].Message.Value)
}

func TestRunFilterTimeRange(t *testing.T) {
	path := createTestLogFile(t, sampleEvents())
	out := filepath.Join(t.TempDir(), "late.plog")

	err := RunFilter(path, out, FilterOptions{TimeStart: base.Add(time.Second).Format(time.RFC3339)}, &bytes.Buffer{})
	require.NoError(t, err)

	events := readAll(t, out)
	require.Len(t, events, 1)
	assert.NotNil(t, events[0].Error)
}

func TestRunExportJSONL(t *testing.T) {
	path := createTestLogFile(t, sampleEvents())
	out := filepath.Join(t.TempDir(), "out.jsonl")

	require.NoError(t, RunExport(path, "jsonl", out, FilterOptions{Category: "message"}))

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 3)

	var first map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	assert.Equal(t, circuitA, first["CircuitID"])
	assert.Equal(t, "M:READ", first["Channel"])
}

func TestRunExportCSV(t *testing.T) {
	path := createTestLogFile(t, sampleEvents())
	out := filepath.Join(t.TempDir(), "out.csv")

	require.NoError(t, RunExport(path, "csv", out, FilterOptions{}))

	f, err := os.Open(out)
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 7)
	assert.Equal(t, csvHeader, rows[0])
	assert.Equal(t, []string{
		"2026-01-28T10:15:32.125456Z", circuitA, "", "IN", "WIRE", "MESSAGE",
		"M:READ", "READ_REPLY", "7", "OK", "1.5",
	}, rows[3])
	assert.Equal(t, "NO_WRITE_ACCESS", rows[4][9])
}

func TestRunExportUnknownFormat(t *testing.T) {
	path := createTestLogFile(t, sampleEvents())
	assert.ErrorContains(t, RunExport(path, "xml", "", FilterOptions{}), "unknown format")
}

func TestRunStats(t *testing.T) {
	path := createTestLogFile(t, sampleEvents())

	var buf bytes.Buffer
	require.NoError(t, RunStats(path, &buf))
	out := buf.String()

	for _, want := range []string{
		"Total Events: 6",
		"TRANSPORT:     2",
		"WIRE:          3",
		"CLIENT:        1",
		"READ_REPLY:    1",
		"Channels: 2",
		"M:READ: 2 events",
		"Circuits: 2",
		"[abc12345] 3 events",
		"Peer: 10.0.0.1:5064",
		"Failed replies: 1",
		"Errors: 1",
		"Duration:   5s",
	} {
		assert.Contains(t, out, want)
	}
}

func TestRunStatsEmpty(t *testing.T) {
	path := createTestLogFile(t, nil)

	var buf bytes.Buffer
	require.NoError(t, RunStats(path, &buf))
	assert.Contains(t, buf.String(), "Total Events: 0")
	assert.NotContains(t, buf.String(), "Time Range")
}
