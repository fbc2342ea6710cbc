// Package cli holds the flag, configuration and client setup shared by the
// pvlink commands.
package cli

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-isatty"

	"github.com/pvlink/pvlink-go/pkg/client"
	"github.com/pvlink/pvlink-go/pkg/config"
	"github.com/pvlink/pvlink-go/pkg/discovery"
	"github.com/pvlink/pvlink-go/pkg/inspect"
	"github.com/pvlink/pvlink-go/pkg/log"
	"github.com/pvlink/pvlink-go/pkg/loop"
	"github.com/pvlink/pvlink-go/pkg/transport"
)

// Color modes accepted by -color.
const (
	ColorAuto   = "auto"
	ColorAlways = "always"
	ColorNever  = "never"
)

// ErrUsage reports a bad command line.
var ErrUsage = errors.New("usage")

// Flags holds the command-line settings common to the client commands.
// Flags that are not given on the command line leave the file and
// environment settings alone.
type Flags struct {
	ConfigFile  string
	Servers     string
	MDNS        bool
	Mode        string
	Timeout     time.Duration
	LogLevel    string
	ProtocolLog string
	Color       string
}

// Register adds the common flags to fs.
func (f *Flags) Register(fs *flag.FlagSet) {
	fs.StringVar(&f.ConfigFile, "config", "", "Configuration file (.yaml or .toml)")
	fs.StringVar(&f.Servers, "servers", "", "Server addresses, host:port separated by spaces or commas")
	fs.BoolVar(&f.MDNS, "mdns", false, "Also use servers found by mDNS")
	fs.StringVar(&f.Mode, "mode", "", "Dispatch mode: cooperative or preemptive")
	fs.DurationVar(&f.Timeout, "timeout", config.DefaultIOTimeout, "Connect and I/O timeout")
	fs.StringVar(&f.LogLevel, "log-level", "", "Log level: debug, info, warn, error")
	fs.StringVar(&f.ProtocolLog, "protocol-log", "", "Write a protocol capture (.plog) to this file")
	fs.StringVar(&f.Color, "color", ColorAuto, "Highlight alarms: auto, always, never")
}

// Config loads the configuration file and environment, then applies the
// flags that were set on fs, and validates the result.
func (f *Flags) Config(fs *flag.FlagSet) (config.Config, error) {
	cfg := config.Default()
	if f.ConfigFile != "" {
		if err := cfg.LoadFile(f.ConfigFile); err != nil {
			return cfg, err
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return cfg, err
	}

	var err error
	fs.Visit(func(fl *flag.Flag) {
		if err != nil {
			return
		}
		switch fl.Name {
		case "servers":
			cfg.Servers = SplitServers(f.Servers)
		case "mdns":
			cfg.MDNS = f.MDNS
		case "mode":
			cfg.Mode, err = loop.ParseMode(f.Mode)
		case "timeout":
			cfg.IOTimeout = f.Timeout
		case "log-level":
			cfg.LogLevel = f.LogLevel
		case "protocol-log":
			cfg.ProtocolLog = f.ProtocolLog
		}
	})
	if err != nil {
		return cfg, fmt.Errorf("%w: %v", ErrUsage, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// SplitServers splits a server list on spaces and commas.
func SplitServers(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t'
	})
}

// ColorEnabled resolves a -color setting for out. In auto mode only a
// terminal gets color.
func ColorEnabled(mode string, out io.Writer) (bool, error) {
	switch mode {
	case ColorAlways:
		return true, nil
	case ColorNever:
		return false, nil
	case ColorAuto, "":
		if os.Getenv("NO_COLOR") != "" {
			return false, nil
		}
		f, ok := out.(*os.File)
		if !ok {
			return false, nil
		}
		return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd()), nil
	default:
		return false, fmt.Errorf("%w: -color must be auto, always or never", ErrUsage)
	}
}

// Formatter builds an inspect.Formatter for out from the -color flag.
func (f *Flags) Formatter(out io.Writer) (*inspect.Formatter, error) {
	color, err := ColorEnabled(f.Color, out)
	if err != nil {
		return nil, err
	}
	fm := inspect.NewFormatter()
	fm.Color = color
	return fm, nil
}

// NewLogger returns a text slog logger on w at the configured level.
func NewLogger(w io.Writer, cfg config.Config) *slog.Logger {
	level, err := cfg.Level()
	if err != nil {
		level = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// ProtocolLogger opens the capture file named by cfg. At debug level
// capture events are also written to logger. The returned closer is never
// nil.
func ProtocolLogger(cfg config.Config, logger *slog.Logger) (log.Logger, io.Closer, error) {
	var sinks []log.Logger
	var closer io.Closer = nopCloser{}

	if cfg.ProtocolLog != "" {
		fl, err := log.NewFileLogger(cfg.ProtocolLog)
		if err != nil {
			return nil, closer, fmt.Errorf("protocol log: %w", err)
		}
		sinks = append(sinks, fl)
		closer = fl
	}
	if logger.Enabled(context.Background(), slog.LevelDebug) {
		sinks = append(sinks, log.NewSlogAdapter(logger))
	}

	switch len(sinks) {
	case 0:
		return nil, closer, nil
	case 1:
		return sinks[0], closer, nil
	default:
		return log.NewMultiLogger(sinks...), closer, nil
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// Session is a client context over TCP circuits to the configured servers,
// plus mDNS browsing when enabled.
type Session struct {
	Config    config.Config
	Logger    *slog.Logger
	Client    *client.Context
	Transport *transport.NetTransport

	plog    io.Closer
	browser discovery.Browser
	cancel  context.CancelFunc
}

// Open creates a Session.
func Open(cfg config.Config, logger *slog.Logger) (*Session, error) {
	plog, closer, err := ProtocolLogger(cfg, logger)
	if err != nil {
		return nil, err
	}

	contextID := uuid.New().String()
	nc := cfg.NetConfig(logger, plog)
	nc.ContextID = contextID
	tr := transport.NewNetTransport(nc)

	cc := cfg.ClientConfig(tr, logger, plog)
	cc.ContextID = contextID
	c, err := client.New(cc)
	if err != nil {
		_ = tr.Close()
		_ = closer.Close()
		return nil, err
	}

	s := &Session{
		Config:    cfg,
		Logger:    logger,
		Client:    c,
		Transport: tr,
		plog:      closer,
	}
	if cfg.MDNS {
		s.browse(discovery.NewMDNSBrowser(discovery.DefaultBrowserConfig()))
	}
	return s, nil
}

// browse feeds every server b finds into the transport until Close.
func (s *Session) browse(b discovery.Browser) {
	ctx, cancel := context.WithCancel(context.Background())
	s.browser = b
	s.cancel = cancel
	go func() {
		err := discovery.Watch(ctx, b, func(addr string) {
			s.Logger.Info("server discovered", "server", addr)
			s.Transport.AddServer(addr)
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			s.Logger.Warn("mdns browse stopped", "error", err)
		}
	}()
}

// Close stops browsing and closes the client context and the capture
// file. Closing twice returns client.ErrContextClosed.
func (s *Session) Close() error {
	if s.cancel != nil {
		s.cancel()
		s.browser.Stop()
		s.cancel = nil
	}
	err := s.Client.Close()
	if cerr := s.plog.Close(); err == nil {
		err = cerr
	}
	return err
}

// Connect opens names and waits up to the I/O timeout for them to
// connect. Channels that did not connect are returned too; callers report
// them by state.
func (s *Session) Connect(ctx context.Context, names ...string) ([]*client.Channel, error) {
	chans := make([]*client.Channel, len(names))
	for i, name := range names {
		chans[i] = s.Client.Open(name)
	}
	if _, err := s.Client.AwaitConnected(ctx, s.Config.IOTimeout, chans...); err != nil {
		return chans, err
	}
	return chans, nil
}
