package main

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pvlink/pvlink-go/internal/cli"
	"github.com/pvlink/pvlink-go/pkg/pv"
	"github.com/pvlink/pvlink-go/pkg/sim"
)

func startSim(t *testing.T) (*sim.Server, string) {
	t.Helper()
	srv, err := sim.New(sim.Config{Database: sim.DeviceDatabase("T")})
	require.NoError(t, err)
	t.Cleanup(func() { srv.Close() })

	ts := sim.NewTCPServer(srv, sim.ListenConfig{Address: "127.0.0.1:0"})
	require.NoError(t, ts.Start(context.Background()))
	t.Cleanup(func() { ts.Stop() })
	return srv, ts.Addr().String()
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestMonitorPrintsUpdates(t *testing.T) {
	for _, mode := range []string{"cooperative", "preemptive"} {
		t.Run(mode, func(t *testing.T) {
			srv, addr := startSim(t)

			var out, errOut syncBuffer
			done := make(chan error, 1)
			go func() {
				done <- run(t.Context(), []string{"-servers", addr, "-mode", mode, "-timeout", "2s", "-n", "3", "T:SET"}, &out, &errOut)
			}()

			require.Eventually(t, func() bool { return srv.MonitorCount() == 1 }, 2*time.Second, 5*time.Millisecond)
			require.Eventually(t, func() bool { return out.String() != "" }, 2*time.Second, 5*time.Millisecond)
			require.NoError(t, srv.Put("T:SET", pv.NewDouble(1)))
			require.NoError(t, srv.Put("T:SET", pv.NewDouble(2.5)))

			select {
			case err := <-done:
				require.NoError(t, err, errOut.String())
			case <-time.After(3 * time.Second):
				t.Fatal("monitor did not stop after three updates")
			}
			assert.Equal(t, "T:SET = 0\nT:SET = 1\nT:SET = 2.5\n", out.String())
		})
	}
}

func TestMonitorReportsLostConnection(t *testing.T) {
	srv, err := sim.New(sim.Config{Database: sim.DeviceDatabase("T")})
	require.NoError(t, err)
	defer srv.Close()
	ts := sim.NewTCPServer(srv, sim.ListenConfig{Address: "127.0.0.1:0"})
	require.NoError(t, ts.Start(context.Background()))
	addr := ts.Addr().String()

	ctx, cancel := context.WithCancel(t.Context())
	var out, errOut syncBuffer
	done := make(chan error, 1)
	go func() {
		done <- run(ctx, []string{"-servers", addr, "-timeout", "300ms", "-color", "never", "-class", "ctrl", "T:DONE", "T:MISSING"}, &out, &errOut)
	}()

	require.Eventually(t, func() bool {
		s := out.String()
		return strings.Contains(s, "T:DONE = DONE") && strings.Contains(s, "T:MISSING <not found>")
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, ts.Stop())
	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), "T:DONE <connection lost>")
	}, 3*time.Second, 5*time.Millisecond)

	cancel()
	assert.NoError(t, <-done)
}

func TestMonitorUsage(t *testing.T) {
	var out, errOut bytes.Buffer
	assert.ErrorIs(t, run(t.Context(), []string{"-servers", "x:1"}, &out, &errOut), cli.ErrUsage)
	assert.ErrorIs(t, run(t.Context(), []string{"-mask", "value|sometimes", "A"}, &out, &errOut), cli.ErrUsage)
}
