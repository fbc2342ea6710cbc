// Command pvmonitor subscribes to channels and prints every update until
// interrupted.
//
// Connection changes are printed as they happen, so a channel that is not
// found or loses its server shows up as "NAME <not found>" or
// "NAME <connection lost>". Monitors are restored when the channel
// reconnects.
//
// Usage:
//
//	pvmonitor [flags] NAME...
//
// Examples:
//
//	# Watch a readback and its done flag
//	pvmonitor -servers 127.0.0.1:5064 M:READ M:DONE
//
//	# Archive-deadband updates with timestamps, handled on a worker
//	pvmonitor -mask log -t -mode preemptive M:READ
//
//	# Stop after ten updates
//	pvmonitor -n 10 M:READ
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/pvlink/pvlink-go/internal/cli"
	"github.com/pvlink/pvlink-go/pkg/client"
	"github.com/pvlink/pvlink-go/pkg/loop"
	"github.com/pvlink/pvlink-go/pkg/pv"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil && !errors.Is(err, flag.ErrHelp) {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// lineWriter serializes lines from the loop worker and from connection
// handlers.
type lineWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lineWriter) println(s string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintln(l.w, s)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("pvmonitor", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {
		fmt.Fprint(stderr, "pvmonitor - Print channel updates\n\nUsage:\n  pvmonitor [flags] NAME...\n\nFlags:\n")
		fs.PrintDefaults()
	}

	var common cli.Flags
	common.Register(fs)
	class := fs.String("class", "sts", "Representation class: plain, sts, time, ctrl")
	maskFlag := fs.String("mask", "value|alarm", "Events to monitor: value, log, alarm, property")
	stamps := fs.Bool("t", false, "Show server timestamps (implies -class time unless ctrl)")
	count := fs.Int("n", 0, "Exit after this many updates (0 runs until interrupted)")

	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return fmt.Errorf("%w: channel name required", cli.ErrUsage)
	}

	cls, err := pv.ParseClass(*class)
	if err != nil {
		return fmt.Errorf("%w: %v", cli.ErrUsage, err)
	}
	if *stamps && cls != pv.ClassControl {
		cls = pv.ClassTime
	}
	mask, err := pv.ParseEventMask(*maskFlag)
	if err != nil {
		return fmt.Errorf("%w: %v", cli.ErrUsage, err)
	}
	cfg, err := common.Config(fs)
	if err != nil {
		return err
	}
	fm, err := common.Formatter(stdout)
	if err != nil {
		return err
	}
	fm.ShowTimestamp = *stamps

	s, err := cli.Open(cfg, cli.NewLogger(stderr, cfg))
	if err != nil {
		return err
	}
	defer s.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	out := &lineWriter{w: stdout}
	var mu sync.Mutex
	seen := 0
	onUpdate := func(u client.Update) {
		out.println(fm.Update(u))
		if *count <= 0 {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		if seen++; seen >= *count {
			cancel()
		}
	}
	onState := func(ch *client.Channel, state client.State) {
		if state == client.StateDisconnected {
			out.println(fm.Channel(ch, s.Client.Latest(ch)))
		}
	}

	chans := make([]*client.Channel, fs.NArg())
	for i, name := range fs.Args() {
		chans[i] = s.Client.Open(name, client.WithStateHandler(onState))
		if _, err := s.Client.Subscribe(chans[i], pv.Rep(pv.TypeNone, cls), mask, onUpdate); err != nil {
			return err
		}
	}

	// Report names that are still unresolved after the connect timeout;
	// their monitors start whenever they connect.
	outcomes, err := s.Client.AwaitConnected(ctx, cfg.IOTimeout, chans...)
	if err != nil {
		return ignoreDone(err)
	}
	for i, o := range outcomes {
		if o == client.StillSearching {
			out.println(fm.Channel(chans[i], s.Client.Latest(chans[i])))
		}
	}

	// Cooperative mode runs the handlers here; preemptive mode only waits.
	return ignoreDone(s.Client.Pump(ctx, loop.Forever))
}

func ignoreDone(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}
