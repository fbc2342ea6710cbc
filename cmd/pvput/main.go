// Command pvput is an interactive put-and-wait console for a device made
// of three channels: PREFIX:SET (setpoint), PREFIX:READ (readback) and
// PREFIX:DONE (ACTIVE while moving, DONE when finished).
//
// "put" writes the setpoint with a completion request, waits for the
// write to complete and for DONE, then reads the readback. "set" writes
// without waiting, for comparison.
//
// Usage:
//
//	pvput [flags] PREFIX
//
// Examples:
//
//	# Against a local simulator
//	pvsim -prefix M &
//	pvput -servers 127.0.0.1:5064 M
//
//	# Deliver monitor updates on a worker instead of during calls
//	pvput -preemptive M
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/chzyer/readline"

	"github.com/pvlink/pvlink-go/internal/cli"
	"github.com/pvlink/pvlink-go/pkg/loop"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := run(ctx, cancel, os.Args[1:]); err != nil && !errors.Is(err, flag.ErrHelp) {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cancel context.CancelFunc, args []string) error {
	fs := flag.NewFlagSet("pvput", flag.ContinueOnError)
	fs.Usage = func() {
		fmt.Fprint(os.Stderr, "pvput - Interactive put-and-wait console\n\nUsage:\n  pvput [flags] PREFIX\n\nFlags:\n")
		fs.PrintDefaults()
	}

	var common cli.Flags
	common.Register(fs)
	preemptive := fs.Bool("preemptive", false, "Use preemptive dispatch (same as -mode preemptive)")

	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		fs.Usage()
		return fmt.Errorf("%w: device prefix required", cli.ErrUsage)
	}
	prefix := strings.TrimSuffix(fs.Arg(0), ":")

	cfg, err := common.Config(fs)
	if err != nil {
		return err
	}
	if *preemptive {
		cfg.Mode = loop.Preemptive
	}
	fm, err := common.Formatter(os.Stdout)
	if err != nil {
		return err
	}

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          prefix + "> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
		HistoryFile:     historyFile(),
		AutoComplete: readline.NewPrefixCompleter(
			readline.PcItem("put"),
			readline.PcItem("set"),
			readline.PcItem("get"),
			readline.PcItem("watch", readline.PcItem("on"), readline.PcItem("off")),
			readline.PcItem("pump"),
			readline.PcItem("status"),
			readline.PcItem("help"),
			readline.PcItem("quit"),
		),
	})
	if err != nil {
		return fmt.Errorf("failed to create readline: %w", err)
	}
	defer rl.Close()

	// Log output goes through readline so it does not break the prompt.
	logger := cli.NewLogger(rl.Stderr(), cfg)
	s, err := cli.Open(cfg, logger)
	if err != nil {
		return err
	}
	defer s.Close()

	k := newConsole(s.Client, prefix, fm, rl.Stdout(), cfg.IOTimeout)
	fmt.Fprintf(rl.Stdout(), "pvput %s (%s mode)\n", prefix, s.Client.Mode())
	if err := k.connect(ctx); err != nil {
		return err
	}
	k.printHelp()

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGTERM)
		select {
		case sig := <-sigCh:
			logger.Info("received signal", slog.String("signal", sig.String()))
			cancel()
			rl.Close()
		case <-ctx.Done():
		}
	}()

	return repl(ctx, rl, k)
}

func repl(ctx context.Context, rl *readline.Instance, k *console) error {
	for ctx.Err() == nil {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			continue
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if k.exec(ctx, line) {
			fmt.Fprintln(rl.Stdout(), "Exiting...")
			return nil
		}
	}
	return nil
}

func historyFile() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		return ""
	}
	return dir + string(os.PathSeparator) + "pvput_history"
}
