package log

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pvlink/pvlink-go/pkg/pv"
	"github.com/pvlink/pvlink-go/pkg/wire"
)

func writeCapture(t *testing.T, events []Event) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.plog")

	logger, err := NewFileLogger(path)
	require.NoError(t, err)
	for _, e := range events {
		logger.Log(e)
	}
	assert.Equal(t, len(events), logger.Count())
	require.NoError(t, logger.Close())
	require.NoError(t, logger.Close())
	return path
}

func TestEventRoundTrip(t *testing.T) {
	msg := wire.NewRead(7, "DEMO:READ", pv.Rep(pv.TypeDouble, pv.ClassTime))
	ev := Event{
		Timestamp:  time.Date(2024, 1, 2, 3, 4, 5, 123456789, time.UTC),
		CircuitID:  "c-1",
		Direction:  DirectionOut,
		Layer:      LayerWire,
		Category:   CategoryMessage,
		RemoteAddr: "127.0.0.1:5064",
		Message:    NewMessageEvent(msg),
	}

	data, err := EncodeEvent(ev)
	require.NoError(t, err)

	got, err := DecodeEvent(data)
	require.NoError(t, err)
	assert.True(t, ev.Timestamp.Equal(got.Timestamp), "nanoseconds must survive")
	require.NotNil(t, got.Message)
	assert.Equal(t, wire.KindRead, got.Message.Kind)
	assert.Equal(t, uint32(7), got.Message.Correlation)
	require.NotNil(t, got.Message.Rep)
	assert.Equal(t, "TIME_DOUBLE", got.Message.Rep.String())
	assert.Nil(t, got.Message.Status)
}

func TestDecodeEventIgnoresUnknownFields(t *testing.T) {
	data, err := cbor.Marshal(map[int]any{2: "c-9", 5: int(CategoryError), 99: "from a newer capture"})
	require.NoError(t, err)

	got, err := DecodeEvent(data)
	require.NoError(t, err)
	assert.Equal(t, "c-9", got.CircuitID)
	assert.Equal(t, CategoryError, got.Category)

	_, err = DecodeEvent([]byte{0xff})
	assert.Error(t, err)
}

func TestNewMessageEvent(t *testing.T) {
	search := wire.NewSearch(
		wire.SearchEntry{Correlation: 1, Name: "A"},
		wire.SearchEntry{Correlation: 2, Name: "B"},
	)
	me := NewMessageEvent(search)
	assert.Equal(t, []string{"A", "B"}, me.Names)

	reply := &wire.Message{
		Kind:        wire.KindEvent,
		Correlation: 3,
		Payload:     &pv.Payload{Rep: pv.Rep(pv.TypeEnum, pv.ClassPlain), Value: pv.NewEnum(1)},
	}
	me = NewMessageEvent(reply)
	require.NotNil(t, me.Status)
	assert.Equal(t, wire.StatusOK, *me.Status)
	assert.Equal(t, "1", me.Value)
}

func TestNewFrameEventTruncates(t *testing.T) {
	fe := NewFrameEvent(make([]byte, MaxFrameCapture+10))
	assert.True(t, fe.Truncated)
	assert.Len(t, fe.Data, MaxFrameCapture)
	assert.Equal(t, MaxFrameCapture+14, fe.Size)
}

func TestReaderFilters(t *testing.T) {
	kindEvent := wire.KindEvent
	now := time.Now()
	events := []Event{
		{Timestamp: now, CircuitID: "c-1", Direction: DirectionOut, Layer: LayerWire, Category: CategoryMessage,
			Message: NewMessageEvent(wire.NewSearch(wire.SearchEntry{Correlation: 1, Name: "DEMO:SET"}))},
		{Timestamp: now.Add(time.Second), CircuitID: "c-1", Direction: DirectionIn, Layer: LayerWire, Category: CategoryMessage,
			Message: &MessageEvent{Kind: wire.KindEvent, Correlation: 2, Name: "DEMO:DONE"}},
		{Timestamp: now.Add(2 * time.Second), ContextID: "ctx", Channel: "DEMO:DONE", Layer: LayerClient, Category: CategoryState,
			StateChange: &StateChangeEvent{Entity: StateEntityChannel, OldState: "Searching", NewState: "Connected"}},
	}
	path := writeCapture(t, events)

	tests := []struct {
		name   string
		filter Filter
		want   int
	}{
		{"all", Filter{}, 3},
		{"circuit", Filter{CircuitID: "c-1"}, 2},
		{"channel in search batch", Filter{Channel: "DEMO:SET"}, 1},
		{"channel in message and state", Filter{Channel: "DEMO:DONE"}, 2},
		{"kind", Filter{Kind: &kindEvent}, 1},
		{"time window", Filter{TimeStart: ptr(now.Add(500 * time.Millisecond))}, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := NewFilteredReader(path, tt.filter)
			require.NoError(t, err)
			defer r.Close()

			got, err := r.ReadAll()
			require.NoError(t, err)
			assert.Len(t, got, tt.want)
		})
	}
}

func TestReaderEOF(t *testing.T) {
	path := writeCapture(t, nil)
	r, err := NewReader(path)
	require.NoError(t, err)
	defer r.Close()

	_, err = r.Next()
	assert.Equal(t, io.EOF, err)
}

func TestSlogAdapterLogsMessageEvent(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	status := wire.StatusNoSuchChannel
	NewSlogAdapter(logger).Log(Event{
		Timestamp: time.Now(),
		CircuitID: "c-9",
		Direction: DirectionIn,
		Layer:     LayerWire,
		Category:  CategoryMessage,
		Message:   &MessageEvent{Kind: wire.KindReadReply, Correlation: 4, Name: "X", Status: &status},
	})

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "protocol", entry["msg"])
	assert.Equal(t, "c-9", entry["circuit"])
	assert.Equal(t, "READ_REPLY", entry["kind"])
	assert.Equal(t, "NO_SUCH_CHANNEL", entry["status"])
	assert.Equal(t, float64(4), entry["corr"])
}

type recordingLogger struct{ events []Event }

func (r *recordingLogger) Log(e Event) { r.events = append(r.events, e) }

func TestMultiLoggerSkipsNil(t *testing.T) {
	a, b := &recordingLogger{}, &recordingLogger{}
	m := NewMultiLogger(a, nil, b)
	m.Log(Event{Category: CategoryError})

	assert.Len(t, a.events, 1)
	assert.Len(t, b.events, 1)
	assert.IsType(t, NoopLogger{}, OrNoop(nil))
}

func TestParseNames(t *testing.T) {
	l, ok := ParseLayer("wire")
	assert.True(t, ok)
	assert.Equal(t, LayerWire, l)

	c, ok := ParseCategory("State")
	assert.True(t, ok)
	assert.Equal(t, CategoryState, c)

	_, ok = ParseCategory("bogus")
	assert.False(t, ok)
}

func ptr[T any](v T) *T { return &v }
