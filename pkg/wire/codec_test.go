package wire

import (
	"errors"
	"testing"
	"time"

	"github.com/pvlink/pvlink-go/pkg/pv"
)

func TestMessageRoundTrip(t *testing.T) {
	stamp := time.Date(2024, 3, 1, 12, 0, 0, 500, time.UTC)

	tests := []struct {
		name string
		msg  *Message
	}{
		{
			name: "batched search",
			msg: NewSearch(
				SearchEntry{Correlation: 1, Name: "DEMO:SET"},
				SearchEntry{Correlation: 2, Name: "DEMO:READ"},
			),
		},
		{
			name: "read control double",
			msg:  NewRead(3, "DEMO:READ", pv.Rep(pv.TypeDouble, pv.ClassControl)),
		},
		{
			name: "notify write",
			msg:  NewWrite(4, "DEMO:SET", pv.NewDouble(12.5), true),
		},
		{
			name: "subscribe",
			msg:  NewSubscribe(5, "DEMO:DONE", pv.Rep(pv.TypeEnum, pv.ClassTime), pv.MaskDefault),
		},
		{
			name: "search reply",
			msg: &Message{
				Kind:        KindSearchReply,
				Correlation: 1,
				Name:        "DEMO:SET",
				NativeType:  pv.TypeDouble,
				Count:       1,
			},
		},
		{
			name: "event with metadata",
			msg: &Message{
				Kind:        KindEvent,
				Correlation: 5,
				Payload: &pv.Payload{
					Rep:       pv.Rep(pv.TypeEnum, pv.ClassControl),
					Value:     pv.NewEnum(1),
					Severity:  pv.SeverityMinor,
					Status:    pv.StatusState,
					Timestamp: stamp,
					Meta:      &pv.Metadata{EnumLabels: []string{"ACTIVE", "DONE"}},
				},
			},
		},
		{
			name: "channel gone",
			msg:  &Message{Kind: KindChannelGone, Name: "DEMO:SET"},
		},
		{
			name: "ping",
			msg:  &Message{Kind: KindPing, Seq: 9},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := Encode(tt.msg)
			if err != nil {
				t.Fatalf("Encode failed: %v", err)
			}

			kind, err := PeekKind(data)
			if err != nil {
				t.Fatalf("PeekKind failed: %v", err)
			}
			if kind != tt.msg.Kind {
				t.Errorf("PeekKind: got %v, want %v", kind, tt.msg.Kind)
			}

			decoded, err := Decode(data)
			if err != nil {
				t.Fatalf("Decode failed: %v", err)
			}
			if !Equal(tt.msg, decoded) {
				t.Errorf("round trip mismatch:\n got %+v\nwant %+v", decoded, tt.msg)
			}
		})
	}
}

func TestMessageValidate(t *testing.T) {
	tests := []struct {
		name    string
		msg     Message
		wantErr error
	}{
		{"unknown kind", Message{Kind: 99}, ErrInvalidKind},
		{"read without correlation", Message{Kind: KindRead, Name: "X", Rep: pv.Rep(pv.TypeDouble, pv.ClassPlain)}, ErrMissingCorrelation},
		{"read without name", Message{Kind: KindRead, Correlation: 1, Rep: pv.Rep(pv.TypeDouble, pv.ClassPlain)}, ErrMissingName},
		{"write without value", Message{Kind: KindWrite, Correlation: 1, Name: "X"}, ErrMissingValue},
		{"empty search", Message{Kind: KindSearch}, ErrMissingName},
		{"search entry without correlation", *NewSearch(SearchEntry{Name: "X"}), ErrMissingCorrelation},
		{"ok event without payload", Message{Kind: KindEvent, Correlation: 1}, ErrMissingPayload},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.msg.Validate()
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Validate: got %v, want %v", err, tt.wantErr)
			}
		})
	}

	// A failed read reply carries no payload.
	failed := Message{Kind: KindReadReply, Correlation: 1, Status: StatusNoSuchChannel}
	if err := failed.Validate(); err != nil {
		t.Errorf("failed reply should validate: %v", err)
	}
}

func TestReply(t *testing.T) {
	req := NewWrite(7, "DEMO:SET", pv.NewLong(3), true)
	r := req.Reply(StatusNoWriteAccess)
	if r.Kind != KindWriteReply || r.Correlation != 7 || r.Status != StatusNoWriteAccess {
		t.Errorf("unexpected reply: %+v", r)
	}

	ping := &Message{Kind: KindPing, Seq: 4}
	pong := ping.Reply(StatusOK)
	if pong.Kind != KindPong || pong.Seq != 4 {
		t.Errorf("unexpected pong: %+v", pong)
	}
}

func TestDecodeGarbage(t *testing.T) {
	if _, err := Decode([]byte{0xff, 0x00}); err == nil {
		t.Error("expected error decoding garbage")
	}
}

func TestStatusString(t *testing.T) {
	if StatusOK.String() != "OK" || !StatusOK.IsSuccess() {
		t.Error("StatusOK")
	}
	if StatusPutFailed.String() != "PUT_FAILED" || !StatusPutFailed.IsError() {
		t.Error("StatusPutFailed")
	}
	if Status(200).String() != "UNKNOWN" {
		t.Error("unknown status")
	}
}
