package connection

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Connection errors.
var (
	ErrManagerClosed    = errors.New("circuit manager closed")
	ErrAlreadyConnected = errors.New("already connected")
)

// DefaultConnectTimeout bounds a single connection attempt.
const DefaultConnectTimeout = 5 * time.Second

// State represents the circuit state.
type State uint8

const (
	// StateDisconnected indicates no circuit and no pending reconnection.
	StateDisconnected State = iota

	// StateConnecting indicates a caller-initiated attempt is in progress.
	StateConnecting

	// StateConnected indicates an established circuit.
	StateConnected

	// StateReconnecting indicates background reconnection is in progress.
	StateReconnecting

	// StateClosed indicates the manager has been closed.
	StateClosed
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateReconnecting:
		return "RECONNECTING"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// ConnectFunc establishes the circuit. It returns nil on success.
type ConnectFunc func(ctx context.Context) error

// Config configures a Manager.
type Config struct {
	Backoff        BackoffConfig
	ConnectTimeout time.Duration

	// ManualReconnect disables automatic reconnection after a loss.
	ManualReconnect bool
}

// Manager owns the lifecycle of one circuit and reconnects it after loss.
type Manager struct {
	mu sync.RWMutex

	state         State
	backoff       *Backoff
	connectFn     ConnectFunc
	autoReconnect bool
	timeout       time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	reconnectCh chan struct{}
	loopStarted bool

	onStateChange  func(oldState, newState State)
	onConnected    func()
	onDisconnected func()
	onReconnecting func(attempt int, delay time.Duration)
}

// NewManager creates a circuit manager with default settings.
func NewManager(connectFn ConnectFunc) *Manager {
	return NewManagerWithConfig(connectFn, Config{Backoff: DefaultBackoffConfig()})
}

// NewManagerWithConfig creates a circuit manager.
func NewManagerWithConfig(connectFn ConnectFunc, cfg Config) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}

	return &Manager{
		state:         StateDisconnected,
		backoff:       NewBackoffWithConfig(cfg.Backoff),
		connectFn:     connectFn,
		autoReconnect: !cfg.ManualReconnect,
		timeout:       cfg.ConnectTimeout,
		ctx:           ctx,
		cancel:        cancel,
		reconnectCh:   make(chan struct{}, 1),
	}
}

// State returns the current circuit state.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// IsConnected returns true if the circuit is up.
func (m *Manager) IsConnected() bool {
	return m.State() == StateConnected
}

// SetAutoReconnect enables or disables automatic reconnection.
func (m *Manager) SetAutoReconnect(enabled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.autoReconnect = enabled
}

// Connect makes one synchronous connection attempt.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	switch m.state {
	case StateConnected:
		m.mu.Unlock()
		return ErrAlreadyConnected
	case StateClosed:
		m.mu.Unlock()
		return ErrManagerClosed
	}
	oldState := m.state
	m.state = StateConnecting
	m.mu.Unlock()

	m.notifyState(oldState, StateConnecting)

	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	err := m.connectFn(ctx)
	cancel()

	if err != nil {
		if m.transition(StateConnecting, StateDisconnected) {
			m.notifyState(StateConnecting, StateDisconnected)
		}
		return err
	}
	m.connected()
	return nil
}

// Start begins connecting in the background: an immediate attempt, then
// retries with backoff until the circuit is up or the manager is closed.
func (m *Manager) Start() {
	m.StartReconnectLoop()

	m.mu.Lock()
	if m.state != StateDisconnected {
		m.mu.Unlock()
		return
	}
	m.state = StateReconnecting
	m.mu.Unlock()

	m.notifyState(StateDisconnected, StateReconnecting)
	m.triggerReconnect()
}

// StartReconnectLoop starts the background reconnection goroutine.
// Calling it more than once has no effect.
func (m *Manager) StartReconnectLoop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.loopStarted || m.state == StateClosed {
		return
	}
	m.loopStarted = true
	m.wg.Add(1)
	go m.reconnectLoop()
}

// Disconnect drops the circuit on request. With auto-reconnect enabled a
// new circuit is established in the background.
func (m *Manager) Disconnect() {
	m.lost()
}

// NotifyConnectionLost reports that the circuit went down.
func (m *Manager) NotifyConnectionLost() {
	m.lost()
}

func (m *Manager) lost() {
	m.mu.Lock()
	if m.state != StateConnected {
		m.mu.Unlock()
		return
	}
	autoReconnect := m.autoReconnect
	newState := StateDisconnected
	if autoReconnect {
		newState = StateReconnecting
	}
	m.state = newState
	onDisconnected := m.onDisconnected
	m.mu.Unlock()

	m.notifyState(StateConnected, newState)
	if onDisconnected != nil {
		onDisconnected()
	}
	if autoReconnect {
		m.triggerReconnect()
	}
}

// Close stops reconnection and waits for the background goroutine.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.state == StateClosed {
		m.mu.Unlock()
		return
	}
	oldState := m.state
	m.state = StateClosed
	m.mu.Unlock()

	m.notifyState(oldState, StateClosed)
	m.cancel()
	m.wg.Wait()
}

func (m *Manager) triggerReconnect() {
	select {
	case m.reconnectCh <- struct{}{}:
	default:
	}
}

func (m *Manager) reconnectLoop() {
	defer m.wg.Done()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-m.reconnectCh:
			m.attemptReconnect()
		}
	}
}

// attemptReconnect tries once immediately, then with backoff.
func (m *Manager) attemptReconnect() {
	first := true
	for {
		if st := m.State(); st != StateReconnecting {
			return
		}

		if !first {
			delay := m.backoff.Next()
			m.mu.RLock()
			onReconnecting := m.onReconnecting
			m.mu.RUnlock()
			if onReconnecting != nil {
				onReconnecting(m.backoff.Attempts(), delay)
			}

			select {
			case <-m.ctx.Done():
				return
			case <-time.After(delay):
			}
			if m.State() != StateReconnecting {
				return
			}
		}
		first = false

		ctx, cancel := context.WithTimeout(m.ctx, m.timeout)
		err := m.connectFn(ctx)
		cancel()

		if err == nil {
			m.connected()
			return
		}
	}
}

func (m *Manager) connected() {
	m.mu.Lock()
	if m.state == StateClosed {
		m.mu.Unlock()
		return
	}
	oldState := m.state
	m.state = StateConnected
	m.backoff.Reset()
	onConnected := m.onConnected
	m.mu.Unlock()

	m.notifyState(oldState, StateConnected)
	if onConnected != nil {
		onConnected()
	}
}

func (m *Manager) transition(from, to State) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != from {
		return false
	}
	m.state = to
	return true
}

func (m *Manager) notifyState(oldState, newState State) {
	m.mu.RLock()
	fn := m.onStateChange
	m.mu.RUnlock()
	if fn != nil {
		fn(oldState, newState)
	}
}

// OnStateChange sets a callback for state changes.
func (m *Manager) OnStateChange(fn func(oldState, newState State)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onStateChange = fn
}

// OnConnected sets a callback for an established circuit.
func (m *Manager) OnConnected(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onConnected = fn
}

// OnDisconnected sets a callback for circuit loss.
func (m *Manager) OnDisconnected(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onDisconnected = fn
}

// OnReconnecting sets a callback invoked before each delayed attempt.
func (m *Manager) OnReconnecting(fn func(attempt int, delay time.Duration)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onReconnecting = fn
}

// BackoffAttempts returns the number of delayed reconnection attempts.
func (m *Manager) BackoffAttempts() int {
	return m.backoff.Attempts()
}
