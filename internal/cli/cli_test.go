package cli

import (
	"context"
	"flag"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pvlink/pvlink-go/pkg/client"
	"github.com/pvlink/pvlink-go/pkg/config"
	"github.com/pvlink/pvlink-go/pkg/discovery"
	"github.com/pvlink/pvlink-go/pkg/log"
	"github.com/pvlink/pvlink-go/pkg/loop"
	"github.com/pvlink/pvlink-go/pkg/pv"
	"github.com/pvlink/pvlink-go/pkg/sim"
)

func parse(t *testing.T, args ...string) (*Flags, *flag.FlagSet) {
	t.Helper()
	var f Flags
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	f.Register(fs)
	require.NoError(t, fs.Parse(args))
	return &f, fs
}

func TestFlagsOverrideEnvironment(t *testing.T) {
	t.Setenv(config.EnvServers, "env:5064")
	t.Setenv(config.EnvIOTimeout, "7")

	f, fs := parse(t, "-servers", "a:1, b:2", "-mode", "preemptive", "-log-level", "debug")
	cfg, err := f.Config(fs)
	require.NoError(t, err)
	assert.Equal(t, []string{"a:1", "b:2"}, cfg.Servers)
	assert.Equal(t, loop.Preemptive, cfg.Mode)
	assert.Equal(t, 7*time.Second, cfg.IOTimeout, "unset flags keep the environment value")
	assert.Equal(t, "debug", cfg.LogLevel)

	f, fs = parse(t, "-timeout", "250ms")
	cfg, err = f.Config(fs)
	require.NoError(t, err)
	assert.Equal(t, []string{"env:5064"}, cfg.Servers)
	assert.Equal(t, 250*time.Millisecond, cfg.IOTimeout)
	assert.Equal(t, loop.Cooperative, cfg.Mode)
}

func TestFlagsConfigErrors(t *testing.T) {
	t.Setenv(config.EnvServers, "")

	f, fs := parse(t)
	_, err := f.Config(fs)
	assert.ErrorIs(t, err, config.ErrInvalidConfig, "no servers and no mdns")

	f, fs = parse(t, "-mdns")
	_, err = f.Config(fs)
	assert.NoError(t, err)

	f, fs = parse(t, "-servers", "a:1", "-mode", "threaded")
	_, err = f.Config(fs)
	assert.ErrorIs(t, err, ErrUsage)

	f, fs = parse(t, "-config", filepath.Join(t.TempDir(), "pv.ini"))
	_, err = f.Config(fs)
	assert.Error(t, err)
}

func TestConfigFileThenFlags(t *testing.T) {
	t.Setenv(config.EnvServers, "")
	path := filepath.Join(t.TempDir(), "pv.toml")
	require.NoError(t, os.WriteFile(path, []byte("servers = [\"file:1\"]\nmode = \"preemptive\"\n"), 0o644))

	f, fs := parse(t, "-config", path, "-mode", "cooperative")
	cfg, err := f.Config(fs)
	require.NoError(t, err)
	assert.Equal(t, []string{"file:1"}, cfg.Servers)
	assert.Equal(t, loop.Cooperative, cfg.Mode)
}

func TestColorEnabled(t *testing.T) {
	file, err := os.Create(filepath.Join(t.TempDir(), "out"))
	require.NoError(t, err)
	defer file.Close()

	on, err := ColorEnabled(ColorAlways, file)
	require.NoError(t, err)
	assert.True(t, on)

	on, err = ColorEnabled(ColorAuto, file)
	require.NoError(t, err)
	assert.False(t, on, "a regular file is not a terminal")

	_, err = ColorEnabled("sometimes", file)
	assert.ErrorIs(t, err, ErrUsage)
}

func TestProtocolLogger(t *testing.T) {
	quiet := slog.New(slog.DiscardHandler)
	cfg := config.Default()

	pl, closer, err := ProtocolLogger(cfg, quiet)
	require.NoError(t, err)
	assert.Nil(t, pl)
	assert.NoError(t, closer.Close())

	cfg.ProtocolLog = filepath.Join(t.TempDir(), "cap.plog")
	debug := slog.New(slog.NewTextHandler(&discard{}, &slog.HandlerOptions{Level: slog.LevelDebug}))
	pl, closer, err = ProtocolLogger(cfg, debug)
	require.NoError(t, err)
	assert.IsType(t, &log.MultiLogger{}, pl)
	pl.Log(log.Event{Timestamp: time.Now(), Channel: "X"})
	require.NoError(t, closer.Close())

	r, err := log.NewReader(cfg.ProtocolLog)
	require.NoError(t, err)
	defer r.Close()
	events, err := r.ReadAll()
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "X", events[0].Channel)
}

type discard struct{}

func (*discard) Write(p []byte) (int, error) { return len(p), nil }

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

func testConfig(servers ...string) config.Config {
	cfg := config.Default()
	cfg.Servers = servers
	cfg.IOTimeout = 2 * time.Second
	return cfg
}

func TestSessionReadsFromServer(t *testing.T) {
	addr := startSim(t)
	cfg := testConfig(addr)
	cfg.ProtocolLog = filepath.Join(t.TempDir(), "session.plog")

	s, err := Open(cfg, slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	chans, err := s.Connect(t.Context(), "T:SET", "T:NOPE")
	require.NoError(t, err)
	assert.Equal(t, client.StateConnected, chans[0].State())
	assert.Equal(t, client.StateSearching, chans[1].State())

	require.NoError(t, s.Client.Write(chans[0], pv.NewDouble(3)))
	require.NoError(t, s.Client.AwaitIO(t.Context(), cfg.IOTimeout))
	snap, err := s.Client.Read(t.Context(), chans[0], pv.Rep(pv.TypeDouble, pv.ClassPlain), cfg.IOTimeout)
	require.NoError(t, err)
	assert.InDelta(t, 3.0, snap.Value.D, 1e-9)
	require.NoError(t, s.Close())

	r, err := log.NewFilteredReader(cfg.ProtocolLog, log.Filter{Channel: "T:SET"})
	require.NoError(t, err)
	defer r.Close()
	events, err := r.ReadAll()
	require.NoError(t, err)
	assert.NotEmpty(t, events)
	for _, e := range events {
		assert.Equal(t, s.Client.ID(), e.ContextID)
	}
}

// staticBrowser reports a fixed server list once.
type staticBrowser struct {
	servers []*discovery.Server
	stopped chan struct{}
}

func (b *staticBrowser) Browse(ctx context.Context) (<-chan *discovery.Server, <-chan *discovery.Server, error) {
	added, removed := make(chan *discovery.Server), make(chan *discovery.Server)
	go func() {
		defer close(added)
		defer close(removed)
		for _, svc := range b.servers {
			select {
			case added <- svc:
			case <-ctx.Done():
				return
			}
		}
		<-ctx.Done()
	}()
	return added, removed, nil
}

func (b *staticBrowser) Stop() { close(b.stopped) }

func TestSessionUsesDiscoveredServers(t *testing.T) {
	addr := startSim(t)
	host, portText, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	port, err := strconv.Atoi(portText)
	require.NoError(t, err)

	s, err := Open(testConfig(), slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	b := &staticBrowser{
		servers: []*discovery.Server{{InstanceName: "sim", Host: host, Port: uint16(port)}},
		stopped: make(chan struct{}),
	}
	s.browse(b)

	chans, err := s.Connect(t.Context(), "T:DONE")
	require.NoError(t, err)
	assert.Equal(t, client.StateConnected, chans[0].State())
	assert.Equal(t, []string{addr}, s.Transport.Servers())

	require.NoError(t, s.Close())
	select {
	case <-b.stopped:
	default:
		t.Fatal("browser not stopped")
	}
}

func TestSplitServers(t *testing.T) {
	assert.Equal(t, []string{"a:1", "b:2", "c:3"}, SplitServers(" a:1,b:2\tc:3 "))
	assert.Empty(t, SplitServers(""))
}

func TestFormatterColor(t *testing.T) {
	f, _ := parse(t, "-color", "always")
	fm, err := f.Formatter(&discard{})
	require.NoError(t, err)
	assert.True(t, fm.Color)

	f, _ = parse(t)
	fm, err = f.Formatter(&discard{})
	require.NoError(t, err)
	assert.False(t, fm.Color, "auto never colors a non-file writer")
}
