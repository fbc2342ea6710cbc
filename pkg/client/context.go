package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pvlink/pvlink-go/pkg/log"
	"github.com/pvlink/pvlink-go/pkg/loop"
	"github.com/pvlink/pvlink-go/pkg/transport"
)

// Context is a client runtime: it owns the transport, the notification
// loop and every channel, subscription and group opened through it.
//
// All channel, store, subscription and group state is guarded by one
// mutex. It is never held while the transport writes or while a handler
// runs.
type Context struct {
	id     string
	cfg    Config
	logger *slog.Logger
	plog   log.Logger
	tr     transport.Transport
	loop   *loop.Loop

	mu        sync.Mutex
	closed    bool
	dirty     bool
	nextChan  uint64
	channels  map[uint64]*Channel
	unsent    []*Channel
	searches  map[transport.Correlation]*Channel
	reads     map[transport.Correlation]*pendingRead
	writes    map[transport.Correlation]*pendingWrite
	subs      map[transport.Correlation]*Subscription
	groups    map[GroupID]*group
	nextGroup GroupID
	ioPending int
	ioErrs    []error
}

// New creates a context, takes the loop mode latch and starts the
// transport. In preemptive mode the dispatch worker starts immediately.
func New(cfg Config) (*Context, error) {
	if cfg.Transport == nil {
		return nil, errors.New("client: transport is required")
	}
	if cfg.SearchBackoff.Initial <= 0 {
		cfg.SearchBackoff = DefaultSearchBackoff()
	}
	if cfg.ContextID == "" {
		cfg.ContextID = uuid.New().String()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	c := &Context{
		id:       cfg.ContextID,
		cfg:      cfg,
		logger:   logger.With("context", cfg.ContextID),
		plog:     cfg.ProtocolLogger,
		tr:       cfg.Transport,
		channels: make(map[uint64]*Channel),
		searches: make(map[transport.Correlation]*Channel),
		reads:    make(map[transport.Correlation]*pendingRead),
		writes:   make(map[transport.Correlation]*pendingWrite),
		subs:     make(map[transport.Correlation]*Subscription),
		groups:   make(map[GroupID]*group),
	}

	l, err := loop.New(loop.Config{Mode: cfg.Mode, Logger: logger}, processor{c})
	if err != nil {
		return nil, err
	}
	c.loop = l

	c.tr.SetHandler(l.Enqueue)
	if s, ok := c.tr.(transport.Starter); ok {
		if err := s.Start(); err != nil {
			l.Close()
			return nil, fmt.Errorf("start transport: %w", err)
		}
	}
	if err := l.Start(context.Background()); err != nil {
		l.Close()
		return nil, err
	}

	c.logger.Debug("context created", "mode", cfg.Mode.String())
	return c, nil
}

// ID returns the context identifier.
func (c *Context) ID() string {
	return c.id
}

// Mode returns the dispatch mode.
func (c *Context) Mode() loop.Mode {
	return c.loop.Mode()
}

// Flush hands every queued request and unsent search to the transport
// and writes it out.
func (c *Context) Flush() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrContextClosed
	}
	c.queueSearchesLocked(time.Now())
	c.dirty = false
	c.mu.Unlock()

	if err := c.tr.Flush(); err != nil {
		return fmt.Errorf("flush: %w", err)
	}
	return nil
}

// Pump flushes, then drives the loop for up to maxWait (loop.Forever to
// block until ctx ends). In cooperative mode handlers run inside Pump.
func (c *Context) Pump(ctx context.Context, maxWait time.Duration) error {
	if err := c.Flush(); err != nil {
		return err
	}
	return c.mapLoopErr(c.loop.Pump(ctx, maxWait))
}

// Close closes every channel, then the transport and the loop. Waiters
// return ErrContextClosed.
func (c *Context) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrContextClosed
	}
	var after actions
	for _, ch := range c.channels {
		c.closeChannelLocked(ch, &after)
	}
	c.closed = true
	c.mu.Unlock()

	after.run()
	_ = c.tr.Flush()
	err := c.tr.Close()
	c.loop.Close()
	c.logger.Debug("context closed")
	if err != nil && !errors.Is(err, transport.ErrClosed) {
		return fmt.Errorf("close transport: %w", err)
	}
	return nil
}

// await flushes and waits on the loop for cond.
func (c *Context) await(ctx context.Context, timeout time.Duration, cond func() bool) error {
	if err := c.Flush(); err != nil {
		return err
	}
	var deadline time.Time
	if timeout >= 0 {
		deadline = time.Now().Add(timeout)
	}
	return c.mapLoopErr(c.loop.Await(ctx, deadline, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return cond()
	}))
}

func (c *Context) mapLoopErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, loop.ErrTimeout):
		return ErrTimeout
	case errors.Is(err, loop.ErrClosed):
		return ErrContextClosed
	default:
		return err
	}
}

// markDirtyLocked notes that requests were queued outside a flush point;
// the loop flushes them at its next tick.
func (c *Context) markDirtyLocked() {
	c.dirty = true
	c.loop.Wake()
}

// processor adapts a Context to loop.Processor without exporting the
// dispatch entry points.
type processor struct {
	c *Context
}

func (p processor) Dispatch(ev transport.Event) {
	c := p.c
	var after actions

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	switch ev.Kind {
	case transport.SearchReply:
		c.onSearchReply(ev, &after)
	case transport.ReadReply:
		c.onReadReply(ev)
	case transport.WriteReply:
		c.onWriteReply(ev)
	case transport.Update:
		c.onUpdate(ev, &after)
	case transport.ChannelLost:
		c.onChannelLost(ev, &after)
	case transport.CircuitLost:
		c.onCircuitLost(ev, &after)
	case transport.CircuitUp:
		c.onCircuitUp(ev)
	default:
		c.logger.Warn("dropping unknown event", "kind", ev.Kind.String())
	}
	flush := c.dirty
	c.dirty = false
	c.mu.Unlock()

	after.run()
	if flush {
		c.flushQuiet()
	}
}

func (p processor) Tick(now time.Time) time.Time {
	c := p.c
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return time.Time{}
	}
	next := c.retrySearchesLocked(now)
	flush := c.dirty
	c.dirty = false
	c.mu.Unlock()

	if flush {
		c.flushQuiet()
	}
	return next
}

func (c *Context) flushQuiet() {
	if err := c.tr.Flush(); err != nil && !errors.Is(err, transport.ErrClosed) {
		c.logger.Warn("flush failed", "error", err)
	}
}

// actions collects callbacks to run once the state mutex is released.
type actions []func()

func (a *actions) add(fn func()) {
	*a = append(*a, fn)
}

func (a actions) run() {
	for _, fn := range a {
		fn()
	}
}

func (c *Context) logState(entity log.StateEntity, name, oldState, newState, reason string) {
	if c.plog == nil {
		return
	}
	c.plog.Log(log.Event{
		Timestamp: time.Now(),
		Layer:     log.LayerClient,
		Category:  log.CategoryState,
		ContextID: c.id,
		Channel:   name,
		StateChange: &log.StateChangeEvent{
			Entity:   entity,
			OldState: oldState,
			NewState: newState,
			Reason:   reason,
		},
	})
}
