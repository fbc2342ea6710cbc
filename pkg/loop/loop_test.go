package loop

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pvlink/pvlink-go/pkg/transport"
)

type fakeProc struct {
	mu     sync.Mutex
	events []transport.Correlation
	ticks  int
	every  time.Duration
}

func (p *fakeProc) Dispatch(ev transport.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev.Correlation)
}

func (p *fakeProc) Tick(now time.Time) time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ticks++
	if p.every == 0 {
		return time.Time{}
	}
	return now.Add(p.every)
}

func (p *fakeProc) seen() []transport.Correlation {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]transport.Correlation(nil), p.events...)
}

func (p *fakeProc) tickCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ticks
}

func newLoop(t *testing.T, mode Mode, proc Processor) *Loop {
	t.Helper()
	l, err := New(Config{Mode: mode}, proc)
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func update(c transport.Correlation) transport.Event {
	return transport.Event{Kind: transport.Update, Correlation: c}
}

func TestParseMode(t *testing.T) {
	tests := []struct {
		in      string
		want    Mode
		wantErr bool
	}{
		{"cooperative", Cooperative, false},
		{"Preemptive", Preemptive, false},
		{" preemptive ", Preemptive, false},
		{"threaded", 0, true},
		{"", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseMode(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidMode)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	var m Mode
	require.NoError(t, m.UnmarshalText([]byte("cooperative")))
	assert.Equal(t, Cooperative, m)
	assert.Error(t, m.UnmarshalText([]byte("bogus")))

	text, err := Preemptive.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "preemptive", string(text))
}

func TestModeLatch(t *testing.T) {
	a, err := New(Config{Mode: Cooperative}, &fakeProc{})
	require.NoError(t, err)
	b, err := New(Config{Mode: Cooperative}, &fakeProc{})
	require.NoError(t, err)
	assert.Equal(t, Cooperative, ActiveMode())

	_, err = New(Config{Mode: Preemptive}, &fakeProc{})
	assert.ErrorIs(t, err, ErrModeConflict)

	require.NoError(t, a.Close())
	_, err = New(Config{Mode: Preemptive}, &fakeProc{})
	assert.ErrorIs(t, err, ErrModeConflict, "one cooperative loop is still open")

	require.NoError(t, b.Close())
	assert.Equal(t, Mode(0), ActiveMode())

	c, err := New(Config{Mode: Preemptive}, &fakeProc{})
	require.NoError(t, err)
	require.NoError(t, c.Close())
	assert.ErrorIs(t, c.Close(), ErrClosed)

	_, err = New(Config{Mode: 9}, &fakeProc{})
	assert.ErrorIs(t, err, ErrInvalidMode)
}

func TestCooperativePumpDispatchesInOrder(t *testing.T) {
	proc := &fakeProc{}
	l := newLoop(t, Cooperative, proc)

	for c := transport.Correlation(1); c <= 4; c++ {
		l.Enqueue(update(c))
	}
	assert.Empty(t, proc.seen(), "nothing runs before the owner pumps")
	assert.Equal(t, 4, l.Pending())

	require.NoError(t, l.Pump(context.Background(), 0))
	assert.Equal(t, []transport.Correlation{1, 2, 3, 4}, proc.seen())
	assert.Equal(t, uint64(4), l.Dispatched())
	assert.Zero(t, l.Pending())
}

func TestCooperativeAwait(t *testing.T) {
	proc := &fakeProc{}
	l := newLoop(t, Cooperative, proc)

	go func() {
		time.Sleep(20 * time.Millisecond)
		l.Enqueue(update(7))
	}()

	err := l.Await(context.Background(), time.Now().Add(2*time.Second), func() bool {
		return len(proc.seen()) == 1
	})
	require.NoError(t, err)
	assert.Equal(t, []transport.Correlation{7}, proc.seen())
}

func TestAwaitTimeout(t *testing.T) {
	for _, mode := range []Mode{Cooperative, Preemptive} {
		t.Run(mode.String(), func(t *testing.T) {
			l := newLoop(t, mode, &fakeProc{})
			require.NoError(t, l.Start(context.Background()))

			start := time.Now()
			err := l.Await(context.Background(), start.Add(30*time.Millisecond), func() bool { return false })
			assert.ErrorIs(t, err, ErrTimeout)
			assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
		})
	}
}

func TestAwaitContextCancelled(t *testing.T) {
	for _, mode := range []Mode{Cooperative, Preemptive} {
		t.Run(mode.String(), func(t *testing.T) {
			l := newLoop(t, mode, &fakeProc{})
			require.NoError(t, l.Start(context.Background()))

			ctx, cancel := context.WithCancel(context.Background())
			time.AfterFunc(20*time.Millisecond, cancel)
			err := l.Await(ctx, time.Time{}, func() bool { return false })
			assert.ErrorIs(t, err, context.Canceled)
		})
	}
}

func TestPreemptiveWorkerDispatches(t *testing.T) {
	proc := &fakeProc{}
	l := newLoop(t, Preemptive, proc)
	require.NoError(t, l.Start(context.Background()))

	for c := transport.Correlation(1); c <= 4; c++ {
		l.Enqueue(update(c))
	}
	require.Eventually(t, func() bool { return len(proc.seen()) == 4 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []transport.Correlation{1, 2, 3, 4}, proc.seen())

	go func() {
		time.Sleep(10 * time.Millisecond)
		l.Enqueue(update(5))
	}()
	err := l.Await(context.Background(), time.Now().Add(time.Second), func() bool {
		return len(proc.seen()) == 5
	})
	require.NoError(t, err)

	// Pump only waits in preemptive mode.
	start := time.Now()
	require.NoError(t, l.Pump(context.Background(), 20*time.Millisecond))
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestPumpRunsTimers(t *testing.T) {
	proc := &fakeProc{every: 10 * time.Millisecond}
	l := newLoop(t, Cooperative, proc)

	require.NoError(t, l.Pump(context.Background(), 55*time.Millisecond))
	assert.GreaterOrEqual(t, proc.tickCount(), 3)
}

func TestCloseReleasesWaiters(t *testing.T) {
	l, err := New(Config{Mode: Preemptive}, &fakeProc{})
	require.NoError(t, err)
	require.NoError(t, l.Start(context.Background()))

	errCh := make(chan error, 1)
	go func() {
		errCh <- l.Await(context.Background(), time.Time{}, func() bool { return false })
	}()
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, l.Close())

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("Await did not return after Close")
	}

	l.Enqueue(update(1))
	assert.Zero(t, l.Pending(), "closed loop drops events")
	assert.ErrorIs(t, l.Start(context.Background()), ErrClosed)
}
