package main

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pvlink/pvlink-go/internal/cli"
	"github.com/pvlink/pvlink-go/pkg/config"
	"github.com/pvlink/pvlink-go/pkg/inspect"
	"github.com/pvlink/pvlink-go/pkg/loop"
	"github.com/pvlink/pvlink-go/pkg/sim"
)

// syncBuffer is written by subscription handlers, which may run on the
// dispatch worker.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) take() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.buf.String()
	b.buf.Reset()
	return s
}

func startSim(t *testing.T) string {
	t.Helper()
	srv, err := sim.New(sim.Config{Database: sim.DeviceDatabase("T")})
	require.NoError(t, err)
	t.Cleanup(func() { srv.Close() })

	ts := sim.NewTCPServer(srv, sim.ListenConfig{Address: "127.0.0.1:0"})
	require.NoError(t, ts.Start(context.Background()))
	t.Cleanup(func() { ts.Stop() })
	return ts.Addr().String()
}

func newTestConsole(t *testing.T, mode loop.Mode, prefix string) (*console, *syncBuffer) {
	t.Helper()
	cfg := config.Default()
	cfg.Servers = []string{startSim(t)}
	cfg.IOTimeout = 2 * time.Second
	cfg.Mode = mode

	s, err := cli.Open(cfg, slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	out := &syncBuffer{}
	k := newConsole(s.Client, prefix, inspect.NewFormatter(), out, cfg.IOTimeout)
	require.NoError(t, k.connect(t.Context()))
	return k, out
}

func TestConsolePutWaitsForDone(t *testing.T) {
	for _, mode := range []loop.Mode{loop.Cooperative, loop.Preemptive} {
		t.Run(mode.String(), func(t *testing.T) {
			k, out := newTestConsole(t, mode, "T")
			assert.Empty(t, out.take(), "all channels found")

			assert.False(t, k.exec(t.Context(), "put 3"))
			got := out.take()
			assert.Contains(t, got, "put 3 completed after")
			assert.Contains(t, got, "T:DONE = DONE after")
			assert.Contains(t, got, "T:READ = 3.000 mm\n", "readback is at the setpoint once DONE")

			assert.False(t, k.exec(t.Context(), "get"))
			assert.Equal(t, "T:SET = 3.000 mm\nT:READ = 3.000 mm\nT:DONE = DONE\n", out.take())
		})
	}
}

func TestConsoleSetDoesNotWait(t *testing.T) {
	k, out := newTestConsole(t, loop.Cooperative, "T")

	assert.False(t, k.exec(t.Context(), "set -4"))
	got := out.take()
	require.True(t, strings.HasPrefix(got, "T:READ = "), got)
	assert.NotContains(t, got, "-4.000", "the move takes longer than the write")

	assert.False(t, k.exec(t.Context(), "put -4"))
	assert.Contains(t, out.take(), "T:READ = -4.000 mm\n")
}

func TestConsoleWatch(t *testing.T) {
	k, out := newTestConsole(t, loop.Cooperative, "T")

	assert.False(t, k.exec(t.Context(), "watch"))
	assert.Len(t, k.watches, 2)
	assert.False(t, k.exec(t.Context(), "pump 0.2"))
	got := out.take()
	assert.Contains(t, got, "watch on\n")
	assert.Contains(t, got, "  T:READ = 0.000 mm\n")
	assert.Contains(t, got, "  T:DONE = DONE\n")

	assert.False(t, k.exec(t.Context(), "watch off"))
	assert.Empty(t, k.watches)
	assert.Equal(t, "watch off\n", out.take())
}

func TestConsoleStatusAndErrors(t *testing.T) {
	k, out := newTestConsole(t, loop.Cooperative, "T")

	k.exec(t.Context(), "status")
	got := out.take()
	assert.Contains(t, got, "Mode: cooperative\n")
	assert.Contains(t, got, "T:SET")
	assert.Contains(t, got, "connected to 127.0.0.1:")
	assert.Contains(t, got, "watches: 0\n")

	k.exec(t.Context(), "put")
	assert.Equal(t, "Usage: put <value>\n", out.take())
	k.exec(t.Context(), "pump soon")
	assert.Equal(t, "Usage: pump [seconds]\n", out.take())
	k.exec(t.Context(), "watch maybe")
	assert.Equal(t, "Usage: watch [on|off]\n", out.take())
	k.exec(t.Context(), "jump")
	assert.Equal(t, "Unknown command: jump (type 'help' for commands)\n", out.take())
	assert.False(t, k.exec(t.Context(), "   "))

	k.exec(t.Context(), "put abc")
	assert.Contains(t, out.take(), "put: ")

	assert.True(t, k.exec(t.Context(), "quit"))
	assert.True(t, k.exec(t.Context(), "Q"))
}

func TestConsoleMissingDevice(t *testing.T) {
	cfg := config.Default()
	cfg.Servers = []string{startSim(t)}
	cfg.IOTimeout = 200 * time.Millisecond

	s, err := cli.Open(cfg, slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	out := &syncBuffer{}
	k := newConsole(s.Client, "X", inspect.NewFormatter(), out, cfg.IOTimeout)
	require.NoError(t, k.connect(t.Context()))
	assert.Equal(t, "X:SET <not found>\nX:READ <not found>\nX:DONE <not found>\n", out.take())

	k.exec(t.Context(), "get")
	assert.Equal(t, "X:SET <not found>\nX:READ <not found>\nX:DONE <not found>\n", out.take())
}
