package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pvlink/pvlink-go/pkg/loop"
)

func env(vars map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := vars[k]
		return v, ok
	}
}

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.Equal(t, loop.Cooperative, cfg.Mode)
	assert.Equal(t, DefaultIOTimeout, cfg.IOTimeout)
	assert.Positive(t, cfg.SearchBackoff.Initial)

	err := cfg.Validate()
	assert.ErrorIs(t, err, ErrInvalidConfig, "no servers and no mdns")

	cfg.MDNS = true
	assert.NoError(t, cfg.Validate())
}

func TestDecodeYAML(t *testing.T) {
	cfg := Default()
	err := cfg.DecodeYAML(strings.NewReader(`
mode: preemptive
servers: [ "ioc1:5064", "ioc2:5064" ]
io_timeout: 500ms
search_backoff:
  initial: 50ms
keepalive:
  ping_interval: 1s
log_level: debug
`))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, loop.Preemptive, cfg.Mode)
	assert.Equal(t, []string{"ioc1:5064", "ioc2:5064"}, cfg.Servers)
	assert.Equal(t, 500*time.Millisecond, cfg.IOTimeout)
	assert.Equal(t, 50*time.Millisecond, cfg.SearchBackoff.Initial)
	assert.Equal(t, Default().SearchBackoff.Max, cfg.SearchBackoff.Max, "unset keys keep defaults")
	assert.Equal(t, time.Second, cfg.KeepAlive.PingInterval)

	level, err := cfg.Level()
	require.NoError(t, err)
	assert.Equal(t, slog.LevelDebug, level)
}

func TestDecodeTOML(t *testing.T) {
	cfg := Default()
	err := cfg.DecodeTOML(strings.NewReader(`
mode = "cooperative"
servers = ["localhost:5064"]
connect_timeout = "2s"

[circuit_backoff]
initial = "100ms"
max = "3s"
`))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, loop.Cooperative, cfg.Mode)
	assert.Equal(t, 2*time.Second, cfg.ConnectTimeout)
	assert.Equal(t, 100*time.Millisecond, cfg.CircuitBackoff.Initial)
	assert.Equal(t, 3*time.Second, cfg.CircuitBackoff.Max)
}

func TestUnknownKeysRejected(t *testing.T) {
	cfg := Default()
	assert.Error(t, cfg.DecodeYAML(strings.NewReader("srevers: [a:1]\n")))

	err := cfg.DecodeTOML(strings.NewReader("srevers = [\"a:1\"]\n"))
	assert.ErrorIs(t, err, ErrInvalidConfig)
	assert.Contains(t, err.Error(), "srevers")

	assert.Error(t, cfg.DecodeYAML(strings.NewReader("mode: sometimes\n")), "modes are checked at load time")
}

func TestApplyEnv(t *testing.T) {
	tests := []struct {
		name    string
		vars    map[string]string
		check   func(t *testing.T, cfg Config)
		wantErr bool
	}{
		{
			name: "servers are space separated",
			vars: map[string]string{EnvServers: " a:1  b:2 "},
			check: func(t *testing.T, cfg Config) {
				assert.Equal(t, []string{"a:1", "b:2"}, cfg.Servers)
			},
		},
		{
			name: "mode",
			vars: map[string]string{EnvMode: "Preemptive"},
			check: func(t *testing.T, cfg Config) {
				assert.Equal(t, loop.Preemptive, cfg.Mode)
			},
		},
		{
			name: "timeout in seconds",
			vars: map[string]string{EnvIOTimeout: "2.5", EnvMDNS: "true"},
			check: func(t *testing.T, cfg Config) {
				assert.Equal(t, 2500*time.Millisecond, cfg.IOTimeout)
				assert.True(t, cfg.MDNS)
			},
		},
		{
			name: "timeout as duration",
			vars: map[string]string{EnvIOTimeout: "750ms"},
			check: func(t *testing.T, cfg Config) {
				assert.Equal(t, 750*time.Millisecond, cfg.IOTimeout)
			},
		},
		{name: "bad mode", vars: map[string]string{EnvMode: "eager"}, wantErr: true},
		{name: "bad bool", vars: map[string]string{EnvMDNS: "perhaps"}, wantErr: true},
		{name: "bad timeout", vars: map[string]string{EnvIOTimeout: "soon"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			err := cfg.ApplyEnv(env(tt.vars))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			tt.check(t, cfg)
		})
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pvlink.toml")
	require.NoError(t, os.WriteFile(path, []byte("servers = [\"file:5064\"]\n"), 0o600))

	t.Setenv(EnvServers, "env:5064")
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"env:5064"}, cfg.Servers, "environment wins over the file")

	_, err = Load(filepath.Join(dir, "pvlink.ini"))
	assert.Error(t, err)

	ini := filepath.Join(dir, "other.ini")
	require.NoError(t, os.WriteFile(ini, nil, 0o600))
	_, err = Load(ini)
	assert.ErrorIs(t, err, ErrUnknownFormat)
}

func TestConverters(t *testing.T) {
	cfg := Default()
	cfg.Servers = []string{"a:1"}
	cfg.Mode = loop.Preemptive

	nc := cfg.NetConfig(nil, nil)
	assert.Equal(t, []string{"a:1"}, nc.Servers)
	assert.Equal(t, cfg.CircuitBackoff, nc.Backoff)
	nc.Servers[0] = "changed"
	assert.Equal(t, "a:1", cfg.Servers[0])

	cc := cfg.ClientConfig(nil, nil, nil)
	assert.Equal(t, loop.Preemptive, cc.Mode)
	assert.Equal(t, cfg.SearchBackoff, cc.SearchBackoff)
}
