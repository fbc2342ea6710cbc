package transport

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestKeepAliveConfig(t *testing.T) {
	config := DefaultKeepAliveConfig()

	if config.PingInterval != DefaultPingInterval {
		t.Errorf("PingInterval = %v, want %v", config.PingInterval, DefaultPingInterval)
	}
	if got, want := config.DetectionDelay(), 17*time.Second; got != want {
		t.Errorf("DetectionDelay = %v, want %v", got, want)
	}

	zero := KeepAliveConfig{}.withDefaults()
	if zero != config {
		t.Errorf("withDefaults() = %+v, want %+v", zero, config)
	}
}

func TestKeepAliveAnsweredPings(t *testing.T) {
	var ka *KeepAlive
	var pings atomic.Int32
	var timedOut atomic.Bool

	ka = NewKeepAlive(KeepAliveConfig{
		PingInterval:   20 * time.Millisecond,
		PongTimeout:    10 * time.Millisecond,
		MaxMissedPongs: 2,
	}, func(seq uint32) error {
		pings.Add(1)
		go ka.PongReceived(seq)
		return nil
	}, func() {
		timedOut.Store(true)
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ka.Start(ctx)
	time.Sleep(150 * time.Millisecond)
	ka.Stop()

	if pings.Load() < 2 {
		t.Errorf("expected at least 2 pings, got %d", pings.Load())
	}
	if timedOut.Load() {
		t.Error("answered circuit must not time out")
	}
	if ka.Stats().MissedPongs != 0 {
		t.Errorf("MissedPongs = %d, want 0", ka.Stats().MissedPongs)
	}
}

func TestKeepAliveTimeout(t *testing.T) {
	timedOut := make(chan struct{})
	ka := NewKeepAlive(KeepAliveConfig{
		PingInterval:   20 * time.Millisecond,
		PongTimeout:    10 * time.Millisecond,
		MaxMissedPongs: 2,
	}, func(uint32) error { return nil }, func() { close(timedOut) })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ka.Start(ctx)

	select {
	case <-timedOut:
	case <-time.After(time.Second):
		t.Fatal("expected timeout")
	}
	if ka.IsRunning() {
		t.Error("keep-alive should stop after timeout")
	}
}

func TestKeepAliveTrafficSuppressesPings(t *testing.T) {
	var pings atomic.Int32
	ka := NewKeepAlive(KeepAliveConfig{
		PingInterval:   40 * time.Millisecond,
		PongTimeout:    10 * time.Millisecond,
		MaxMissedPongs: 1,
	}, func(uint32) error {
		pings.Add(1)
		return nil
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ka.Start(ctx)

	deadline := time.Now().Add(150 * time.Millisecond)
	for time.Now().Before(deadline) {
		ka.Touch()
		time.Sleep(5 * time.Millisecond)
	}
	ka.Stop()

	if pings.Load() != 0 {
		t.Errorf("busy circuit was pinged %d times", pings.Load())
	}
}

func TestKeepAliveStopIdempotent(t *testing.T) {
	ka := NewKeepAlive(KeepAliveConfig{}, func(uint32) error { return nil }, nil)
	ka.Start(context.Background())
	ka.Start(context.Background())
	if !ka.IsRunning() {
		t.Fatal("expected running")
	}
	ka.Stop()
	ka.Stop()
	if ka.IsRunning() {
		t.Error("expected stopped")
	}
}
