// Command pvget reads one or more channels and prints their values.
//
// All reads are issued together as one synchronous group and printed in
// argument order. Channels that do not connect within the timeout are
// printed with their connection state.
//
// Usage:
//
//	pvget [flags] NAME...
//
// Examples:
//
//	# Read with alarm status
//	pvget -servers 127.0.0.1:5064 M:SET M:READ M:DONE
//
//	# Read with units, precision and limits
//	pvget -class ctrl -limits M:READ
//
//	# Read as a string with server timestamps
//	pvget -type string -t M:DONE
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/pvlink/pvlink-go/internal/cli"
	"github.com/pvlink/pvlink-go/pkg/client"
	"github.com/pvlink/pvlink-go/pkg/pv"
)

// errFailed means at least one channel could not be read; details were
// already printed.
var errFailed = errors.New("not all channels were read")

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	switch {
	case err == nil:
	case errors.Is(err, flag.ErrHelp):
	case errors.Is(err, errFailed):
		os.Exit(1)
	default:
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("pvget", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {
		fmt.Fprint(stderr, "pvget - Read channel values\n\nUsage:\n  pvget [flags] NAME...\n\nFlags:\n")
		fs.PrintDefaults()
	}

	var common cli.Flags
	common.Register(fs)
	class := fs.String("class", "sts", "Representation class: plain, sts, time, ctrl")
	typ := fs.String("type", "", "Request type: double, long, string, enum (default native)")
	stamps := fs.Bool("t", false, "Show server timestamps (implies -class time unless ctrl)")
	limits := fs.Bool("limits", false, "Show display and control limits (with -class ctrl)")

	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return fmt.Errorf("%w: channel name required", cli.ErrUsage)
	}

	rep, err := representation(*typ, *class, *stamps)
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
	fm.ShowLimits = *limits

	s, err := cli.Open(cfg, cli.NewLogger(stderr, cfg))
	if err != nil {
		return err
	}
	defer s.Close()

	chans, err := s.Connect(ctx, fs.Args()...)
	if err != nil {
		return err
	}

	c := s.Client
	gid := c.BeginGroup()
	defer c.EndGroup(gid)

	failed := false
	queued := make(map[*client.Channel]bool)
	for _, ch := range chans {
		if ch.State() != client.StateConnected {
			continue
		}
		if err := c.EnqueueRead(gid, ch, rep); err != nil {
			fmt.Fprintf(stderr, "%s: %v\n", ch.Name(), err)
			failed = true
			continue
		}
		queued[ch] = true
	}

	res, err := c.Block(ctx, gid, cfg.IOTimeout)
	if err != nil {
		return err
	}
	results := make(map[*client.Channel]client.MemberResult, len(res.Members))
	for _, m := range res.Members {
		results[m.Channel] = m
	}

	for _, ch := range chans {
		if !queued[ch] {
			if ch.State() != client.StateConnected {
				fmt.Fprintln(stdout, fm.Channel(ch, c.Latest(ch)))
				failed = true
			}
			continue
		}
		switch m := results[ch]; {
		case !m.Done:
			fmt.Fprintf(stdout, "%s <%v>\n", ch.Name(), client.ErrTimeout)
			failed = true
		case m.Err != nil:
			fmt.Fprintf(stderr, "%s: %v\n", ch.Name(), m.Err)
			failed = true
		default:
			fmt.Fprintln(stdout, fm.Snapshot(ch.Name(), m.Snapshot))
		}
	}

	if failed {
		return errFailed
	}
	return nil
}

// representation builds the requested representation. A zero type asks
// for the channel's native type.
func representation(typ, class string, stamps bool) (pv.Representation, error) {
	var rep pv.Representation
	var err error
	if typ != "" {
		if rep.Type, err = pv.ParseValueType(typ); err != nil {
			return rep, err
		}
	}
	if rep.Class, err = pv.ParseClass(class); err != nil {
		return rep, err
	}
	if stamps && rep.Class != pv.ClassControl {
		rep.Class = pv.ClassTime
	}
	return rep, nil
}
