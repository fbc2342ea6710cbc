// Package config loads client settings from YAML or TOML files and the
// PVLINK_* environment variables.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/pvlink/pvlink-go/pkg/client"
	"github.com/pvlink/pvlink-go/pkg/connection"
	"github.com/pvlink/pvlink-go/pkg/log"
	"github.com/pvlink/pvlink-go/pkg/loop"
	"github.com/pvlink/pvlink-go/pkg/transport"
)

// Environment variables that override file settings.
const (
	EnvServers   = "PVLINK_SERVERS"
	EnvMode      = "PVLINK_MODE"
	EnvMDNS      = "PVLINK_MDNS"
	EnvIOTimeout = "PVLINK_IO_TIMEOUT"
)

// Defaults.
const (
	DefaultIOTimeout      = 3 * time.Second
	DefaultConnectTimeout = connection.DefaultConnectTimeout
	DefaultLogLevel       = "info"
)

// Configuration errors.
var (
	ErrInvalidConfig = errors.New("invalid configuration")
	ErrUnknownFormat = errors.New("unknown configuration format")
)

// Config holds the settings shared by the pvlink commands.
type Config struct {
	// Mode selects cooperative or preemptive dispatch.
	Mode loop.Mode `yaml:"mode" toml:"mode"`

	// Servers are host:port addresses searched for channels.
	Servers []string `yaml:"servers" toml:"servers"`

	// MDNS adds servers found by mDNS browsing.
	MDNS bool `yaml:"mdns" toml:"mdns"`

	ConnectTimeout time.Duration `yaml:"connect_timeout" toml:"connect_timeout"`

	// IOTimeout bounds connect waits, reads and blocking writes in the
	// commands.
	IOTimeout time.Duration `yaml:"io_timeout" toml:"io_timeout"`

	SearchBackoff  connection.BackoffConfig  `yaml:"search_backoff" toml:"search_backoff"`
	CircuitBackoff connection.BackoffConfig  `yaml:"circuit_backoff" toml:"circuit_backoff"`
	KeepAlive      transport.KeepAliveConfig `yaml:"keepalive" toml:"keepalive"`

	// LogLevel is a slog level name: debug, info, warn or error.
	LogLevel string `yaml:"log_level" toml:"log_level"`

	// ProtocolLog is a .plog capture file. Empty disables capture.
	ProtocolLog string `yaml:"protocol_log" toml:"protocol_log"`
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		Mode:           loop.Cooperative,
		ConnectTimeout: DefaultConnectTimeout,
		IOTimeout:      DefaultIOTimeout,
		SearchBackoff:  client.DefaultSearchBackoff(),
		CircuitBackoff: connection.DefaultBackoffConfig(),
		KeepAlive:      transport.DefaultKeepAliveConfig(),
		LogLevel:       DefaultLogLevel,
	}
}

// Load returns the defaults overlaid with the file at path (if path is not
// empty) and then the environment.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		if err := cfg.LoadFile(path); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadFile overlays the file at path. The format follows the extension:
// .yaml/.yml or .toml.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = c.DecodeYAML(bytes.NewReader(data))
	case ".toml":
		err = c.DecodeTOML(bytes.NewReader(data))
	default:
		return fmt.Errorf("%w: %s", ErrUnknownFormat, path)
	}
	if err != nil {
		return fmt.Errorf("load config %s: %w", path, err)
	}
	return nil
}

// DecodeYAML overlays YAML settings. Unknown keys are rejected.
func (c *Config) DecodeYAML(r io.Reader) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// DecodeTOML overlays TOML settings. Unknown keys are rejected.
func (c *Config) DecodeTOML(r io.Reader) error {
	meta, err := toml.NewDecoder(r).Decode(c)
	if err != nil {
		return err
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		sort.Strings(keys)
		return fmt.Errorf("%w: unknown keys %s", ErrInvalidConfig, strings.Join(keys, ", "))
	}
	return nil
}

// ApplyEnv overlays the PVLINK_* variables found by lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup(EnvServers); ok {
		c.Servers = strings.Fields(v)
	}
	if v, ok := lookup(EnvMode); ok {
		m, err := loop.ParseMode(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvMode, err)
		}
		c.Mode = m
	}
	if v, ok := lookup(EnvMDNS); ok {
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%w: %s=%q", ErrInvalidConfig, EnvMDNS, v)
		}
		c.MDNS = b
	}
	if v, ok := lookup(EnvIOTimeout); ok {
		d, err := parseTimeout(v)
		if err != nil {
			return fmt.Errorf("%w: %s=%q", ErrInvalidConfig, EnvIOTimeout, v)
		}
		c.IOTimeout = d
	}
	return nil
}

// parseTimeout accepts a Go duration or plain seconds ("2.5").
func parseTimeout(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if d, err := time.ParseDuration(s); err == nil {
		return d, nil
	}
	secs, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, err
	}
	return time.Duration(secs * float64(time.Second)), nil
}

// Validate checks the settings.
func (c *Config) Validate() error {
	if !c.Mode.IsValid() {
		return fmt.Errorf("%w: mode %d", ErrInvalidConfig, c.Mode)
	}
	if c.IOTimeout <= 0 {
		return fmt.Errorf("%w: io_timeout must be positive", ErrInvalidConfig)
	}
	if c.ConnectTimeout <= 0 {
		return fmt.Errorf("%w: connect_timeout must be positive", ErrInvalidConfig)
	}
	if len(c.Servers) == 0 && !c.MDNS {
		return fmt.Errorf("%w: no servers configured and mdns disabled", ErrInvalidConfig)
	}
	for _, s := range c.Servers {
		if !strings.Contains(s, ":") {
			return fmt.Errorf("%w: server %q needs host:port", ErrInvalidConfig, s)
		}
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	return nil
}

// Level parses LogLevel.
func (c *Config) Level() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("%w: log_level %q", ErrInvalidConfig, c.LogLevel)
	}
	return l, nil
}

// NetConfig returns the transport settings.
func (c *Config) NetConfig(logger *slog.Logger, plog log.Logger) transport.NetConfig {
	return transport.NetConfig{
		Servers:        append([]string(nil), c.Servers...),
		ConnectTimeout: c.ConnectTimeout,
		Backoff:        c.CircuitBackoff,
		KeepAlive:      c.KeepAlive,
		Logger:         logger,
		ProtocolLogger: plog,
	}
}

// ClientConfig returns the context settings for tr.
func (c *Config) ClientConfig(tr transport.Transport, logger *slog.Logger, plog log.Logger) client.Config {
	return client.Config{
		Mode:           c.Mode,
		Transport:      tr,
		SearchBackoff:  c.SearchBackoff,
		Logger:         logger,
		ProtocolLogger: plog,
	}
}
