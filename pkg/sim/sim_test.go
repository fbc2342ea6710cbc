package sim

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pvlink/pvlink-go/pkg/pv"
	"github.com/pvlink/pvlink-go/pkg/transport"
)

type recorder struct {
	mu     sync.Mutex
	events []transport.Event
}

func (r *recorder) handle(ev transport.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) all() []transport.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]transport.Event(nil), r.events...)
}

func (r *recorder) find(kind transport.EventKind, corr transport.Correlation) (transport.Event, bool) {
	for _, ev := range r.all() {
		if ev.Kind == kind && ev.Correlation == corr {
			return ev, true
		}
	}
	return transport.Event{}, false
}

func newDevice(t *testing.T) (*Server, *Loopback, *recorder) {
	t.Helper()
	srv, err := New(Config{Database: DeviceDatabase("T"), RampStep: 5 * time.Millisecond})
	require.NoError(t, err)
	t.Cleanup(func() { srv.Close() })

	lb := NewLoopback(srv)
	rec := &recorder{}
	lb.SetHandler(rec.handle)
	require.NoError(t, lb.Start())
	t.Cleanup(func() { lb.Close() })
	return srv, lb, rec
}

func TestExpandMacros(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    string
		wantErr bool
	}{
		{"parens", "$(P):SET", "dev:SET", false},
		{"braces", "${P}:READ", "dev:READ", false},
		{"plain dollar", "cost $5", "cost $5", false},
		{"trailing dollar", "x$", "x$", false},
		{"undefined", "$(Q):SET", "", true},
		{"unterminated", "$(P", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ExpandMacros(tt.in, map[string]string{"P": "dev"})
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrUndefinedMacro)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestLoadDatabase(t *testing.T) {
	db := DeviceDatabase("lab")
	require.Len(t, db.Records, 3)
	assert.Equal(t, "lab:SET", db.Records[0].Name)
	assert.Equal(t, "lab:READ", db.Records[0].Drive.Readback)

	_, err := LoadDatabase(strings.NewReader(`
records:
  - name: A
    type: double
  - name: A
    type: long
`), nil)
	assert.ErrorIs(t, err, ErrBadRecord)

	_, err = LoadDatabase(strings.NewReader(`
records:
  - name: A
    type: float128
`), nil)
	assert.ErrorIs(t, err, ErrBadRecord)

	_, err = LoadDatabase(strings.NewReader(`
records:
  - name: A
    type: double
    drive: {readback: B, done: C, rate: 1}
`), nil)
	assert.ErrorIs(t, err, ErrBadRecord)
}

func TestSearchAnswersKnownNamesOnly(t *testing.T) {
	_, lb, rec := newDevice(t)

	known := lb.SearchByName("T:SET")
	unknown := lb.SearchByName("T:NOPE")
	require.NoError(t, lb.Flush())

	ev, ok := rec.find(transport.SearchReply, known)
	require.True(t, ok)
	assert.Equal(t, pv.TypeDouble, ev.NativeType)
	assert.Equal(t, uint32(1), ev.Count)
	assert.Equal(t, LoopbackAddr, ev.Server)

	_, ok = rec.find(transport.SearchReply, unknown)
	assert.False(t, ok, "unknown names get no reply")
}

func TestReadRepresentations(t *testing.T) {
	_, lb, rec := newDevice(t)

	ctrl := lb.SendRead(LoopbackAddr, "T:SET", pv.Rep(pv.TypeDouble, pv.ClassControl))
	label := lb.SendRead(LoopbackAddr, "T:DONE", pv.Rep(pv.TypeString, pv.ClassStatus))
	missing := lb.SendRead(LoopbackAddr, "T:NOPE", pv.Rep(pv.TypeDouble, pv.ClassPlain))
	require.NoError(t, lb.Flush())

	ev, ok := rec.find(transport.ReadReply, ctrl)
	require.True(t, ok)
	require.NotNil(t, ev.Payload.Meta)
	assert.Equal(t, "mm", ev.Payload.Meta.Units)
	assert.Equal(t, 10.0, ev.Payload.Meta.ControlHigh)

	ev, ok = rec.find(transport.ReadReply, label)
	require.True(t, ok)
	assert.Equal(t, "DONE", ev.Payload.Value.S)

	ev, ok = rec.find(transport.ReadReply, missing)
	require.True(t, ok)
	assert.Equal(t, "NO_SUCH_CHANNEL", ev.Status.String())
}

func TestWriteRules(t *testing.T) {
	srv, lb, rec := newDevice(t)

	ro := lb.SendWrite(LoopbackAddr, "T:READ", pv.NewDouble(1), true)
	bad := lb.SendWrite(LoopbackAddr, "T:SET", pv.NewString("far"), true)
	clamped := lb.SendWrite(LoopbackAddr, "T:SET", pv.NewDouble(99), true)
	require.NoError(t, lb.Flush())

	ev, _ := rec.find(transport.WriteReply, ro)
	assert.Equal(t, "NO_WRITE_ACCESS", ev.Status.String())
	ev, _ = rec.find(transport.WriteReply, bad)
	assert.Equal(t, "BAD_VALUE", ev.Status.String())
	ev, _ = rec.find(transport.WriteReply, clamped)
	assert.True(t, ev.Status.IsSuccess())

	snap, err := srv.Get("T:SET")
	require.NoError(t, err)
	assert.Equal(t, 10.0, snap.Value.D, "writes are clamped to the control range")
}

func TestNotifyWriteAckFollowsActive(t *testing.T) {
	_, lb, rec := newDevice(t)

	done := lb.SendSubscribe(LoopbackAddr, "T:DONE", pv.Rep(pv.TypeEnum, pv.ClassStatus), pv.MaskValue)
	put := lb.SendWrite(LoopbackAddr, "T:SET", pv.NewDouble(0.5), true)
	require.NoError(t, lb.Flush())

	// initial DONE event, ACTIVE event, then the write reply
	var order []string
	for _, ev := range rec.all() {
		switch {
		case ev.Kind == transport.Update && ev.Correlation == done:
			order = append(order, "done="+ev.Payload.Value.String())
		case ev.Kind == transport.WriteReply && ev.Correlation == put:
			order = append(order, "ack")
		}
	}
	assert.Equal(t, []string{"done=1", "done=0", "ack"}, order)

	require.Eventually(t, func() bool {
		evs := rec.all()
		last := evs[len(evs)-1]
		return last.Kind == transport.Update && last.Correlation == done && last.Payload.Value.E == DoneIdle
	}, 2*time.Second, 5*time.Millisecond)
}

func TestPlainWriteAckPrecedesProcessing(t *testing.T) {
	srv, lb, rec := newDevice(t)

	put := lb.SendWrite(LoopbackAddr, "T:SET", pv.NewDouble(2), false)
	require.NoError(t, lb.Flush())

	_, acked := rec.find(transport.WriteReply, put)
	assert.True(t, acked)
	snap, err := srv.Get("T:DONE")
	require.NoError(t, err)
	assert.Equal(t, DoneIdle, snap.Value.E, "not processed yet")

	require.Eventually(t, func() bool {
		snap, _ := srv.Get("T:SET")
		return snap.Value.D == 2
	}, time.Second, 2*time.Millisecond)
}

func TestMonitorDeadbands(t *testing.T) {
	srv, lb, rec := newDevice(t)

	val := lb.SendSubscribe(LoopbackAddr, "T:READ", pv.Rep(pv.TypeDouble, pv.ClassStatus), pv.MaskValue)
	logm := lb.SendSubscribe(LoopbackAddr, "T:READ", pv.Rep(pv.TypeDouble, pv.ClassStatus), pv.MaskLog)
	alarm := lb.SendSubscribe(LoopbackAddr, "T:READ", pv.Rep(pv.TypeDouble, pv.ClassStatus), pv.MaskAlarm)
	require.NoError(t, lb.Flush())

	count := func(c transport.Correlation) int {
		n := 0
		for _, ev := range rec.all() {
			if ev.Kind == transport.Update && ev.Correlation == c {
				n++
			}
		}
		return n
	}
	require.Equal(t, 1, count(val))

	require.NoError(t, srv.Put("T:READ", pv.NewDouble(0.005))) // inside MDEL
	assert.Equal(t, 1, count(val))
	require.NoError(t, srv.Put("T:READ", pv.NewDouble(0.1))) // beyond MDEL, inside ADEL
	assert.Equal(t, 2, count(val))
	assert.Equal(t, 1, count(logm))
	require.NoError(t, srv.Put("T:READ", pv.NewDouble(9.2))) // HIGH alarm
	assert.Equal(t, 3, count(val))
	assert.Equal(t, 2, count(logm))
	assert.Equal(t, 2, count(alarm))

	require.NoError(t, srv.ForceAlarm("T:READ", pv.SeverityInvalid, pv.StatusComm))
	assert.Equal(t, 3, count(alarm))
	evs := rec.all()
	last := evs[len(evs)-1]
	assert.Equal(t, pv.SeverityInvalid, last.Payload.Severity)

	lb.CancelSubscription(LoopbackAddr, val)
	require.NoError(t, lb.Flush())
	assert.Equal(t, 2, srv.MonitorCount())
}

func TestMuteAndRemove(t *testing.T) {
	srv, lb, rec := newDevice(t)

	srv.Mute(true)
	read := lb.SendRead(LoopbackAddr, "T:SET", pv.Rep(pv.TypeDouble, pv.ClassPlain))
	require.NoError(t, lb.Flush())
	_, ok := rec.find(transport.ReadReply, read)
	assert.False(t, ok, "a muted server never answers")

	lb.Disconnect()
	ev, ok := rec.find(transport.ReadReply, read)
	require.True(t, ok, "in-flight requests are answered on disconnect")
	assert.Equal(t, "DISCONNECTED", ev.Status.String())

	srv.Mute(false)
	lb.Reconnect()
	require.NoError(t, srv.RemoveRecord("T:SET"))
	var gone bool
	for _, ev := range rec.all() {
		if ev.Kind == transport.ChannelLost && ev.Name == "T:SET" {
			gone = true
		}
	}
	assert.True(t, gone)
	assert.ErrorIs(t, srv.RemoveRecord("T:SET"), ErrNoSuchRecord)
}
