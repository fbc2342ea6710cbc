package connection

import (
	"math"
	"math/rand/v2"
	"sync"
	"time"
)

// Default circuit reconnection schedule. Searches use their own, faster
// schedule (see client.DefaultSearchBackoff).
const (
	InitialBackoff    = 500 * time.Millisecond
	MaxBackoff        = 30 * time.Second
	BackoffMultiplier = 2.0
	JitterFactor      = 0.25
)

// BackoffConfig is a retry schedule: Initial grows by Multiplier per
// attempt up to Max, plus up to Jitter times the delay at random. Zero
// fields take the defaults above, except Jitter, where zero means none.
type BackoffConfig struct {
	Initial    time.Duration `yaml:"initial" toml:"initial"`
	Max        time.Duration `yaml:"max" toml:"max"`
	Multiplier float64       `yaml:"multiplier" toml:"multiplier"`
	Jitter     float64       `yaml:"jitter" toml:"jitter"`
}

// DefaultBackoffConfig returns the circuit reconnection defaults.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		Initial:    InitialBackoff,
		Max:        MaxBackoff,
		Multiplier: BackoffMultiplier,
		Jitter:     JitterFactor,
	}
}

func (c BackoffConfig) normalized() BackoffConfig {
	if c.Initial <= 0 {
		c.Initial = InitialBackoff
	}
	if c.Max <= 0 {
		c.Max = MaxBackoff
	}
	c.Max = max(c.Max, c.Initial)
	if c.Multiplier <= 1 {
		c.Multiplier = BackoffMultiplier
	}
	c.Jitter = max(c.Jitter, 0)
	return c
}

// base is the delay before jitter for the given attempt, counting from 0.
func (c BackoffConfig) base(attempt int) time.Duration {
	d := float64(c.Initial) * math.Pow(c.Multiplier, float64(attempt))
	if d >= float64(c.Max) || math.IsInf(d, 1) {
		return c.Max
	}
	return time.Duration(d)
}

// Backoff counts retry attempts against a BackoffConfig. One Backoff is
// kept per circuit and per searching channel; it is safe for concurrent
// use.
type Backoff struct {
	cfg BackoffConfig

	mu       sync.Mutex
	attempts int
}

// NewBackoff creates a backoff with the circuit reconnection defaults.
func NewBackoff() *Backoff {
	return NewBackoffWithConfig(DefaultBackoffConfig())
}

// NewBackoffWithConfig creates a backoff following cfg.
func NewBackoffWithConfig(cfg BackoffConfig) *Backoff {
	return &Backoff{cfg: cfg.normalized()}
}

// Next returns the delay before the next attempt and counts the attempt.
func (b *Backoff) Next() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	d := b.jittered(b.cfg.base(b.attempts))
	b.attempts++
	return d
}

// Peek returns a jittered delay for the next attempt without counting it.
func (b *Backoff) Peek() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.jittered(b.cfg.base(b.attempts))
}

// Reset starts the schedule over, e.g. once a circuit is up again.
func (b *Backoff) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.attempts = 0
}

// Attempts returns the number of Next calls since the last Reset.
func (b *Backoff) Attempts() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempts
}

// Current returns the delay before jitter for the next attempt.
func (b *Backoff) Current() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cfg.base(b.attempts)
}

func (b *Backoff) jittered(d time.Duration) time.Duration {
	if b.cfg.Jitter == 0 {
		return d
	}
	return d + time.Duration(float64(d)*b.cfg.Jitter*rand.Float64())
}
