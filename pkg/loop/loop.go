package loop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eapache/queue"

	"github.com/pvlink/pvlink-go/pkg/transport"
)

// Loop errors.
var (
	ErrClosed  = errors.New("loop closed")
	ErrTimeout = errors.New("deadline reached")
)

// Forever makes Pump block until its context ends or the loop is closed.
const Forever time.Duration = -1

// Processor consumes what the loop drives. Its methods are only ever
// called from one goroutine at a time.
type Processor interface {
	// Dispatch handles one inbound event.
	Dispatch(ev transport.Event)

	// Tick runs due timers and returns when it next wants to run. A zero
	// time means no timer is pending.
	Tick(now time.Time) time.Time
}

// Config configures a Loop.
type Config struct {
	Mode Mode

	// Logger receives operational logs. Nil discards.
	Logger *slog.Logger
}

// Loop queues inbound events and dispatches them to a Processor.
type Loop struct {
	mode   Mode
	proc   Processor
	logger *slog.Logger

	mu      sync.Mutex
	inbound *queue.Queue
	signal  chan struct{}
	closed  bool

	wake chan struct{}
	done chan struct{}

	dispatched atomic.Uint64
	running    atomic.Bool
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	closeOnce  sync.Once
}

// New creates a loop, taking the process-wide mode latch until Close.
// Loops of the other mode are rejected with ErrModeConflict only while a
// loop holds the latch; once the last one closes, the next New may pick
// either mode.
func New(cfg Config, proc Processor) (*Loop, error) {
	if !cfg.Mode.IsValid() {
		return nil, fmt.Errorf("%w: %d", ErrInvalidMode, cfg.Mode)
	}
	if proc == nil {
		return nil, errors.New("loop: nil processor")
	}
	if err := acquireMode(cfg.Mode); err != nil {
		return nil, err
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Loop{
		mode:    cfg.Mode,
		proc:    proc,
		logger:  logger,
		inbound: queue.New(),
		signal:  make(chan struct{}),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}, nil
}

// Mode returns the dispatch mode.
func (l *Loop) Mode() Mode {
	return l.mode
}

// Enqueue queues an inbound event. It never blocks and is suitable as a
// transport.Handler.
func (l *Loop) Enqueue(ev transport.Event) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.inbound.Add(ev)
	l.mu.Unlock()
	l.Wake()
}

// Wake interrupts the current wait so timers are re-evaluated.
func (l *Loop) Wake() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Pending returns the number of queued events.
func (l *Loop) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.inbound.Length()
}

// Dispatched returns the number of events dispatched so far.
func (l *Loop) Dispatched() uint64 {
	return l.dispatched.Load()
}

// Broadcast wakes every goroutine waiting in Await. Call it after storing
// the state a waiter may be looking for.
func (l *Loop) Broadcast() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	close(l.signal)
	l.signal = make(chan struct{})
}

// Start runs the dispatch worker of a preemptive loop. It has no effect on
// a cooperative loop or when already started.
func (l *Loop) Start(ctx context.Context) error {
	if l.mode != Preemptive {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	if l.running.Swap(true) {
		return nil
	}

	ctx, l.cancel = context.WithCancel(ctx)
	l.wg.Add(1)
	go l.worker(ctx)
	l.logger.Debug("loop worker started")
	return nil
}

// Pump drives the loop for up to maxWait. In cooperative mode it
// dispatches pending events and due timers on the calling goroutine, then
// keeps doing so as events arrive until maxWait has elapsed; zero
// processes what is pending and returns at once. In preemptive mode the
// worker does the dispatching and Pump only waits.
func (l *Loop) Pump(ctx context.Context, maxWait time.Duration) error {
	var deadline time.Time
	if maxWait >= 0 {
		deadline = time.Now().Add(maxWait)
	}

	if l.mode == Preemptive {
		if maxWait == 0 {
			return ctx.Err()
		}
		err := l.sleep(ctx, nil, deadline)
		if errors.Is(err, ErrTimeout) {
			return nil
		}
		return err
	}

	for {
		next := l.process()
		if l.isClosed() {
			return ErrClosed
		}
		if maxWait == 0 || (!deadline.IsZero() && !time.Now().Before(deadline)) {
			return nil
		}
		if err := l.sleep(ctx, l.wake, earliest(next, deadline)); err != nil && !errors.Is(err, ErrTimeout) {
			return err
		}
	}
}

// Await blocks until cond reports true, the deadline passes (ErrTimeout),
// ctx ends or the loop is closed. A zero deadline waits without limit.
// cond is evaluated on the calling goroutine and must not block.
func (l *Loop) Await(ctx context.Context, deadline time.Time, cond func() bool) error {
	if l.mode == Preemptive {
		return l.awaitSignal(ctx, deadline, cond)
	}

	for {
		if cond() {
			return nil
		}
		next := l.process()
		if cond() {
			return nil
		}
		if l.isClosed() {
			return ErrClosed
		}
		if !deadline.IsZero() && !time.Now().Before(deadline) {
			return ErrTimeout
		}
		if err := l.sleep(ctx, l.wake, earliest(next, deadline)); err != nil && !errors.Is(err, ErrTimeout) {
			return err
		}
	}
}

func (l *Loop) awaitSignal(ctx context.Context, deadline time.Time, cond func() bool) error {
	for {
		// Take the signal before checking, so an update stored in between
		// still wakes us.
		l.mu.Lock()
		sig, closed := l.signal, l.closed
		l.mu.Unlock()

		if cond() {
			return nil
		}
		if closed {
			return ErrClosed
		}
		if err := l.sleep(ctx, sig, deadline); err != nil {
			return err
		}
	}
}

// Close stops the worker, drops queued events and releases the mode latch.
// Waiters return ErrClosed.
func (l *Loop) Close() error {
	err := ErrClosed
	l.closeOnce.Do(func() {
		err = nil
		l.mu.Lock()
		l.closed = true
		close(l.done)
		close(l.signal)
		dropped := l.inbound.Length()
		l.inbound = queue.New()
		cancel := l.cancel
		l.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		l.wg.Wait()
		releaseMode()
		l.logger.Debug("loop closed", "mode", l.mode.String(), "dropped", dropped)
	})
	return err
}

func (l *Loop) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

func (l *Loop) worker(ctx context.Context) {
	defer l.wg.Done()
	for {
		next := l.process()
		err := l.sleep(ctx, l.wake, next)
		if err != nil && !errors.Is(err, ErrTimeout) {
			return
		}
	}
}

func (l *Loop) pop() (transport.Event, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed || l.inbound.Length() == 0 {
		return transport.Event{}, false
	}
	return l.inbound.Remove().(transport.Event), true
}

// process dispatches every queued event in arrival order, then runs due
// timers, broadcasting after each step.
func (l *Loop) process() time.Time {
	for {
		ev, ok := l.pop()
		if !ok {
			break
		}
		l.proc.Dispatch(ev)
		l.dispatched.Add(1)
		l.Broadcast()
	}
	next := l.proc.Tick(time.Now())
	l.Broadcast()
	return next
}

// sleep waits for wake, until or the end of ctx. It returns ErrTimeout
// when until passes and nil on a wakeup.
func (l *Loop) sleep(ctx context.Context, wake <-chan struct{}, until time.Time) error {
	var timeout <-chan time.Time
	if !until.IsZero() {
		d := time.Until(until)
		if d <= 0 {
			return ErrTimeout
		}
		t := time.NewTimer(d)
		defer t.Stop()
		timeout = t.C
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-l.done:
		return ErrClosed
	case <-wake:
		return nil
	case <-timeout:
		return ErrTimeout
	}
}

func earliest(a, b time.Time) time.Time {
	switch {
	case a.IsZero():
		return b
	case b.IsZero():
		return a
	case a.Before(b):
		return a
	default:
		return b
	}
}
