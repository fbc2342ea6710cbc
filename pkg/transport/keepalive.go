package transport

import (
	"context"
	"sync"
	"time"
)

// Keep-alive defaults.
const (
	DefaultPingInterval   = 5 * time.Second
	DefaultPongTimeout    = 2 * time.Second
	DefaultMaxMissedPongs = 3
)

// KeepAliveConfig configures circuit liveness checks.
type KeepAliveConfig struct {
	PingInterval   time.Duration `yaml:"ping_interval" toml:"ping_interval"`
	PongTimeout    time.Duration `yaml:"pong_timeout" toml:"pong_timeout"`
	MaxMissedPongs int           `yaml:"max_missed_pongs" toml:"max_missed_pongs"`
}

// DefaultKeepAliveConfig returns the default keep-alive configuration.
func DefaultKeepAliveConfig() KeepAliveConfig {
	return KeepAliveConfig{
		PingInterval:   DefaultPingInterval,
		PongTimeout:    DefaultPongTimeout,
		MaxMissedPongs: DefaultMaxMissedPongs,
	}
}

// DetectionDelay is the longest time a dead circuit can go unnoticed.
func (c KeepAliveConfig) DetectionDelay() time.Duration {
	return c.PingInterval*time.Duration(c.MaxMissedPongs) + c.PongTimeout
}

func (c KeepAliveConfig) withDefaults() KeepAliveConfig {
	if c.PingInterval <= 0 {
		c.PingInterval = DefaultPingInterval
	}
	if c.PongTimeout <= 0 {
		c.PongTimeout = DefaultPongTimeout
	}
	if c.MaxMissedPongs <= 0 {
		c.MaxMissedPongs = DefaultMaxMissedPongs
	}
	return c
}

// KeepAlive pings a circuit and reports it dead after MaxMissedPongs
// unanswered pings. Any inbound traffic (Touch) counts as an answer, so a
// busy circuit is never declared dead while monitors are flowing.
type KeepAlive struct {
	config KeepAliveConfig

	sendPing  func(seq uint32) error
	onTimeout func()

	mu          sync.Mutex
	seq         uint32
	pending     bool
	pendingSeq  uint32
	sentAt      time.Time
	missed      int
	lastTraffic time.Time
	latency     time.Duration
	running     bool
	stopCh      chan struct{}
}

// NewKeepAlive creates a keep-alive monitor. sendPing transmits a ping with
// the given sequence; onTimeout is called once when the circuit is deemed dead.
func NewKeepAlive(config KeepAliveConfig, sendPing func(seq uint32) error, onTimeout func()) *KeepAlive {
	return &KeepAlive{
		config:    config.withDefaults(),
		sendPing:  sendPing,
		onTimeout: onTimeout,
	}
}

// Start begins monitoring until ctx ends or Stop is called.
func (ka *KeepAlive) Start(ctx context.Context) {
	ka.mu.Lock()
	if ka.running {
		ka.mu.Unlock()
		return
	}
	ka.running = true
	ka.stopCh = make(chan struct{})
	ka.lastTraffic = time.Now()
	stopCh := ka.stopCh
	ka.mu.Unlock()

	go ka.loop(ctx, stopCh)
}

// Stop ends monitoring. It is safe to call more than once.
func (ka *KeepAlive) Stop() {
	ka.mu.Lock()
	defer ka.mu.Unlock()
	if !ka.running {
		return
	}
	ka.running = false
	close(ka.stopCh)
}

// IsRunning returns true while monitoring is active.
func (ka *KeepAlive) IsRunning() bool {
	ka.mu.Lock()
	defer ka.mu.Unlock()
	return ka.running
}

// PongReceived records a pong. Pongs for older pings are ignored.
func (ka *KeepAlive) PongReceived(seq uint32) {
	ka.mu.Lock()
	defer ka.mu.Unlock()
	ka.lastTraffic = time.Now()
	if ka.pending && seq == ka.pendingSeq {
		ka.latency = ka.lastTraffic.Sub(ka.sentAt)
		ka.pending = false
		ka.missed = 0
	}
}

// Touch records inbound traffic of any kind.
func (ka *KeepAlive) Touch() {
	ka.mu.Lock()
	defer ka.mu.Unlock()
	ka.lastTraffic = time.Now()
	ka.pending = false
	ka.missed = 0
}

// KeepAliveStats contains keep-alive statistics.
type KeepAliveStats struct {
	LastTraffic time.Time
	Latency     time.Duration
	MissedPongs int
	CurrentSeq  uint32
}

// Stats returns current keep-alive statistics.
func (ka *KeepAlive) Stats() KeepAliveStats {
	ka.mu.Lock()
	defer ka.mu.Unlock()
	return KeepAliveStats{
		LastTraffic: ka.lastTraffic,
		Latency:     ka.latency,
		MissedPongs: ka.missed,
		CurrentSeq:  ka.seq,
	}
}

func (ka *KeepAlive) loop(ctx context.Context, stopCh chan struct{}) {
	ticker := time.NewTicker(ka.tickInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case now := <-ticker.C:
			if ka.check(now) {
				ka.Stop()
				if ka.onTimeout != nil {
					ka.onTimeout()
				}
				return
			}
		}
	}
}

// tickInterval is fine enough to notice pong timeouts without waiting a
// whole ping interval.
func (ka *KeepAlive) tickInterval() time.Duration {
	d := ka.config.PongTimeout / 2
	if d > ka.config.PingInterval {
		d = ka.config.PingInterval
	}
	if d <= 0 {
		d = time.Millisecond
	}
	return d
}

// check advances the state machine and reports whether the circuit is dead.
func (ka *KeepAlive) check(now time.Time) bool {
	ka.mu.Lock()

	if ka.pending && now.Sub(ka.sentAt) >= ka.config.PongTimeout {
		ka.pending = false
		ka.missed++
		if ka.missed >= ka.config.MaxMissedPongs {
			ka.mu.Unlock()
			return true
		}
	}

	idle := now.Sub(ka.lastTraffic)
	due := !ka.pending && (idle >= ka.config.PingInterval || ka.missed > 0) &&
		now.Sub(ka.sentAt) >= ka.config.PingInterval
	if !due {
		ka.mu.Unlock()
		return false
	}

	ka.seq++
	seq := ka.seq
	ka.pending = true
	ka.pendingSeq = seq
	ka.sentAt = now
	ka.mu.Unlock()

	// A failed send is counted as missed by the pong timeout.
	_ = ka.sendPing(seq)
	return false
}
