package loop

import (
	"errors"
	"fmt"
	"strings"
	"sync"
)

// Mode errors.
var (
	ErrInvalidMode  = errors.New("invalid loop mode")
	ErrModeConflict = errors.New("loop mode conflicts with an active loop")
)

// Mode selects how events are dispatched.
type Mode uint8

const (
	// Cooperative dispatches on the caller's goroutine inside Pump or Await.
	Cooperative Mode = iota + 1

	// Preemptive dispatches on a background worker.
	Preemptive
)

// String returns the mode name.
func (m Mode) String() string {
	switch m {
	case Cooperative:
		return "cooperative"
	case Preemptive:
		return "preemptive"
	default:
		return "unknown"
	}
}

// IsValid reports whether m is a known mode.
func (m Mode) IsValid() bool {
	return m == Cooperative || m == Preemptive
}

// ParseMode parses a mode name, case-insensitive.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "cooperative":
		return Cooperative, nil
	case "preemptive":
		return Preemptive, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrInvalidMode, s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (m Mode) MarshalText() ([]byte, error) {
	if !m.IsValid() {
		return nil, fmt.Errorf("%w: %d", ErrInvalidMode, m)
	}
	return []byte(m.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler, so configuration
// files reject unknown modes at load time.
func (m *Mode) UnmarshalText(text []byte) error {
	parsed, err := ParseMode(string(text))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// latch holds the mode of the open loops. It is reset when the last one
// closes.
var latch struct {
	mu   sync.Mutex
	mode Mode
	refs int
}

func acquireMode(m Mode) error {
	latch.mu.Lock()
	defer latch.mu.Unlock()
	if latch.refs > 0 && latch.mode != m {
		return fmt.Errorf("%w: %s is active, %s requested", ErrModeConflict, latch.mode, m)
	}
	latch.mode = m
	latch.refs++
	return nil
}

func releaseMode() {
	latch.mu.Lock()
	defer latch.mu.Unlock()
	if latch.refs > 0 {
		latch.refs--
	}
	if latch.refs == 0 {
		latch.mode = 0
	}
}

// ActiveMode returns the mode held by open loops, or zero if none is open.
func ActiveMode() Mode {
	latch.mu.Lock()
	defer latch.mu.Unlock()
	return latch.mode
}
