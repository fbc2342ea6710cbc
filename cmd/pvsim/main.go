// Command pvsim serves a simulated record database over TCP.
//
// Without -db it serves the built-in put-and-wait device: PREFIX:SET,
// PREFIX:READ and PREFIX:DONE. Writing SET drives READ towards it and
// flips DONE to ACTIVE until READ arrives.
//
// Usage:
//
//	pvsim [flags]
//
// Examples:
//
//	# Built-in device M:SET, M:READ, M:DONE on the default port
//	pvsim -prefix M
//
//	# A YAML database with macros, advertised over mDNS
//	pvsim -db beamline.yaml -macro P=BL1 -macro AXIS=X -mdns
//
//	# Print the records a database defines
//	pvsim -db beamline.yaml -macro P=BL1 -list
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/pvlink/pvlink-go/internal/cli"
	"github.com/pvlink/pvlink-go/pkg/config"
	"github.com/pvlink/pvlink-go/pkg/discovery"
	"github.com/pvlink/pvlink-go/pkg/sim"
)

// options holds the parsed command line.
type options struct {
	listen      string
	dbFile      string
	macros      map[string]string
	prefix      string
	writeDelay  time.Duration
	rampStep    time.Duration
	maxMonitors int
	mdns        bool
	instance    string
	name        string
	list        bool
	logLevel    string
	protocolLog string
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr, nil); err != nil && !errors.Is(err, flag.ErrHelp) {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags(args []string, stderr io.Writer) (*options, error) {
	opts := &options{macros: make(map[string]string)}

	fs := flag.NewFlagSet("pvsim", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&opts.listen, "listen", fmt.Sprintf(":%d", discovery.DefaultPort), "Listen address")
	fs.StringVar(&opts.dbFile, "db", "", "YAML record database (default: built-in device)")
	fs.Func("macro", "Macro substitution NAME=VALUE for -db (repeatable)", func(s string) error {
		name, value, ok := strings.Cut(s, "=")
		if !ok || name == "" {
			return fmt.Errorf("macro %q: want NAME=VALUE", s)
		}
		opts.macros[name] = value
		return nil
	})
	fs.StringVar(&opts.prefix, "prefix", "SIM", "Record prefix of the built-in device")
	fs.DurationVar(&opts.writeDelay, "write-delay", sim.DefaultWriteDelay, "Delay before a plain write is processed")
	fs.DurationVar(&opts.rampStep, "ramp-step", sim.DefaultRampStep, "Drive update interval")
	fs.IntVar(&opts.maxMonitors, "max-monitors", 0, "Monitors allowed per circuit (0: unlimited)")
	fs.BoolVar(&opts.mdns, "mdns", false, "Advertise the server over mDNS")
	fs.StringVar(&opts.instance, "instance", "", "mDNS instance name (default: host name)")
	fs.StringVar(&opts.name, "name", "pvsim", "Server name announced over mDNS")
	fs.BoolVar(&opts.list, "list", false, "Print the record names and exit")
	fs.StringVar(&opts.logLevel, "log-level", "info", "Log level: debug, info, warn, error")
	fs.StringVar(&opts.protocolLog, "protocol-log", "", "Write a protocol capture to this file")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() > 0 {
		return nil, fmt.Errorf("%w: unexpected argument %q", cli.ErrUsage, fs.Arg(0))
	}
	if opts.dbFile == "" && len(opts.macros) > 0 {
		return nil, fmt.Errorf("%w: -macro needs -db", cli.ErrUsage)
	}
	return opts, nil
}

func (o *options) database() (*sim.Database, error) {
	if o.dbFile == "" {
		return sim.DeviceDatabase(strings.TrimSuffix(o.prefix, ":")), nil
	}
	return sim.LoadDatabaseFile(o.dbFile, o.macros)
}

// run serves until ctx ends. ready, if set, is called with the bound
// listen address.
func run(ctx context.Context, args []string, stdout, stderr io.Writer, ready func(net.Addr)) error {
	opts, err := parseFlags(args, stderr)
	if err != nil {
		return err
	}
	db, err := opts.database()
	if err != nil {
		return err
	}

	cfg := config.Default()
	cfg.LogLevel = opts.logLevel
	cfg.ProtocolLog = opts.protocolLog
	if _, err := cfg.Level(); err != nil {
		return fmt.Errorf("%w: %v", cli.ErrUsage, err)
	}
	logger := cli.NewLogger(stderr, cfg)

	srv, err := sim.New(sim.Config{
		Database:    db,
		WriteDelay:  opts.writeDelay,
		RampStep:    opts.rampStep,
		MaxMonitors: opts.maxMonitors,
		Logger:      logger,
	})
	if err != nil {
		return err
	}
	defer srv.Close()

	if opts.list {
		for _, name := range srv.Names() {
			fmt.Fprintln(stdout, name)
		}
		return nil
	}

	plog, closer, err := cli.ProtocolLogger(cfg, logger)
	if err != nil {
		return err
	}
	defer closer.Close()

	ts := sim.NewTCPServer(srv, sim.ListenConfig{
		Address:        opts.listen,
		Logger:         logger,
		ProtocolLogger: plog,
	})
	if err := ts.Start(ctx); err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	defer ts.Stop()

	addr := ts.Addr()
	logger.Info("serving", slog.String("addr", addr.String()), slog.Int("records", len(db.Records)))

	if opts.mdns {
		adv := discovery.NewMDNSAdvertiser(discovery.DefaultAdvertiserConfig())
		info := &discovery.ServerInfo{
			InstanceName: opts.instance,
			Port:         listenPort(addr),
			Name:         opts.name,
			Records:      len(db.Records),
		}
		if err := adv.Advertise(info); err != nil {
			logger.Warn("mDNS advertisement failed", slog.Any("error", err))
		} else {
			logger.Info("advertising", slog.String("service", discovery.ServiceType))
			defer adv.Stop()
		}
	}

	if ready != nil {
		ready(addr)
	}

	<-ctx.Done()
	logger.Info("shutting down", slog.Int("monitors", srv.MonitorCount()))
	return nil
}

func listenPort(addr net.Addr) uint16 {
	if tcp, ok := addr.(*net.TCPAddr); ok {
		return uint16(tcp.Port)
	}
	return 0
}
