package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pvlink/pvlink-go/pkg/client"
	"github.com/pvlink/pvlink-go/pkg/inspect"
	"github.com/pvlink/pvlink-go/pkg/pv"
)

// doneIdle is the DONE record's "move finished" state.
const doneIdle = 1

var ctrl = pv.Rep(pv.TypeNone, pv.ClassControl)

// console runs put-and-wait commands against one SET/READ/DONE device.
type console struct {
	c       *client.Context
	fm      *inspect.Formatter
	timeout time.Duration

	set, read, done *client.Channel

	mu      sync.Mutex
	out     io.Writer
	watches []*client.Subscription
}

func newConsole(c *client.Context, prefix string, fm *inspect.Formatter, out io.Writer, timeout time.Duration) *console {
	return &console{
		c:       c,
		fm:      fm,
		timeout: timeout,
		set:     c.Open(prefix + ":SET"),
		read:    c.Open(prefix + ":READ"),
		done:    c.Open(prefix + ":DONE"),
		out:     out,
	}
}

func (k *console) printf(format string, args ...any) {
	k.mu.Lock()
	defer k.mu.Unlock()
	fmt.Fprintf(k.out, format, args...)
}

// connect subscribes to DONE so put can wait on it, then waits for the
// three channels.
func (k *console) connect(ctx context.Context) error {
	if _, err := k.c.Subscribe(k.done, ctrl, pv.MaskValue, nil); err != nil {
		return err
	}
	chans := []*client.Channel{k.set, k.read, k.done}
	outcomes, err := k.c.AwaitConnected(ctx, k.timeout, chans...)
	if err != nil {
		return err
	}
	for i, o := range outcomes {
		if o == client.StillSearching {
			k.printf("%s\n", k.fm.Channel(chans[i], k.c.Latest(chans[i])))
		}
	}
	return nil
}

// exec runs one command line and reports whether the console should exit.
func (k *console) exec(ctx context.Context, line string) bool {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return false
	}
	cmd := strings.ToLower(parts[0])
	args := parts[1:]

	switch cmd {
	case "help", "?":
		k.printHelp()
	case "put", "p":
		k.cmdPut(ctx, args)
	case "set", "s":
		k.cmdSet(ctx, args)
	case "get", "g":
		k.cmdGet(ctx)
	case "watch", "w":
		k.cmdWatch(args)
	case "pump":
		k.cmdPump(ctx, args)
	case "status":
		k.cmdStatus()
	case "quit", "exit", "q":
		return true
	default:
		k.printf("Unknown command: %s (type 'help' for commands)\n", cmd)
	}
	return false
}

func (k *console) printHelp() {
	k.printf(`
Commands:
  put <value>     - Write SET, wait for the write to complete and DONE, then read READ
  set <value>     - Write SET without waiting for the move (may read a stale READ)
  get             - Read SET, READ and DONE
  watch [on|off]  - Print READ and DONE updates as they arrive
  pump [seconds]  - Run the notification loop (cooperative mode delivers updates here)
  status          - Show mode and channel states
  help            - Show this help
  quit            - Exit
`)
}

// cmdPut is the put-and-wait sequence: the write completes only after the
// device has marked DONE active, so waiting for DONE afterwards cannot
// return early.
func (k *console) cmdPut(ctx context.Context, args []string) {
	if len(args) != 1 {
		k.printf("Usage: put <value>\n")
		return
	}
	start := time.Now()

	gid := k.c.BeginGroup()
	defer k.c.EndGroup(gid)
	if err := k.c.EnqueueWrite(gid, k.set, pv.NewString(args[0])); err != nil {
		k.printf("put: %v\n", err)
		return
	}
	res, err := k.c.Block(ctx, gid, k.timeout)
	if err != nil {
		k.printf("put: %v\n", err)
		return
	}
	if err := res.Err(); err != nil {
		k.printf("put: %v\n", err)
		return
	}
	k.printf("put %s completed after %s\n", args[0], since(start))

	if _, err := k.c.WaitUntil(ctx, k.done, isDone, k.timeout); err != nil {
		k.printf("waiting for %s: %v\n", k.done.Name(), err)
		return
	}
	k.printf("%s after %s\n", k.fm.Snapshot(k.done.Name(), k.c.Latest(k.done)), since(start))

	snap, err := k.c.Read(ctx, k.read, ctrl, k.timeout)
	if err != nil {
		k.printf("read: %v\n", err)
		return
	}
	k.printf("%s\n", k.fm.Snapshot(k.read.Name(), snap))
}

func isDone(s pv.Snapshot) bool {
	return s.Value.Type == pv.TypeEnum && s.Value.E == doneIdle
}

func since(t time.Time) time.Duration {
	return time.Since(t).Round(time.Millisecond)
}

// cmdSet writes without a completion request and reads READ straight
// away, which usually shows the old position.
func (k *console) cmdSet(ctx context.Context, args []string) {
	if len(args) != 1 {
		k.printf("Usage: set <value>\n")
		return
	}
	if err := k.c.Write(k.set, pv.NewString(args[0])); err != nil {
		k.printf("set: %v\n", err)
		return
	}
	if err := k.c.AwaitIO(ctx, k.timeout); err != nil {
		k.printf("set: %v\n", err)
		return
	}
	snap, err := k.c.Read(ctx, k.read, ctrl, k.timeout)
	if err != nil {
		k.printf("read: %v\n", err)
		return
	}
	k.printf("%s\n", k.fm.Snapshot(k.read.Name(), snap))
}

func (k *console) cmdGet(ctx context.Context) {
	for _, ch := range []*client.Channel{k.set, k.read, k.done} {
		if ch.State() != client.StateConnected {
			k.printf("%s\n", k.fm.Channel(ch, k.c.Latest(ch)))
			continue
		}
		snap, err := k.c.Read(ctx, ch, ctrl, k.timeout)
		if err != nil {
			k.printf("%s: %v\n", ch.Name(), err)
			continue
		}
		k.printf("%s\n", k.fm.Snapshot(ch.Name(), snap))
	}
}

func (k *console) cmdWatch(args []string) {
	on := len(k.watches) == 0
	if len(args) > 0 {
		switch strings.ToLower(args[0]) {
		case "on":
			on = true
		case "off":
			on = false
		default:
			k.printf("Usage: watch [on|off]\n")
			return
		}
	}

	if !on {
		for _, sub := range k.watches {
			_ = sub.Cancel()
		}
		k.watches = nil
		k.printf("watch off\n")
		return
	}
	if len(k.watches) > 0 {
		return
	}
	for _, ch := range []*client.Channel{k.read, k.done} {
		sub, err := k.c.Subscribe(ch, ctrl, 0, func(u client.Update) {
			k.printf("  %s\n", k.fm.Update(u))
		})
		if err != nil {
			k.printf("watch %s: %v\n", ch.Name(), err)
			continue
		}
		k.watches = append(k.watches, sub)
	}
	k.printf("watch on\n")
}

func (k *console) cmdPump(ctx context.Context, args []string) {
	d := time.Second
	if len(args) > 0 {
		secs, err := strconv.ParseFloat(args[0], 64)
		if err != nil || secs < 0 {
			k.printf("Usage: pump [seconds]\n")
			return
		}
		d = time.Duration(secs * float64(time.Second))
	}
	if err := k.c.Pump(ctx, d); err != nil && !errors.Is(err, context.Canceled) {
		k.printf("pump: %v\n", err)
	}
}

func (k *console) cmdStatus() {
	k.printf("Mode: %s\n", k.c.Mode())
	for _, ch := range []*client.Channel{k.set, k.read, k.done} {
		state := inspect.StateString(ch.State())
		if server := ch.Server(); server != "" && ch.State() == client.StateConnected {
			state += " to " + server
		}
		k.printf("  %-16s %s\n", ch.Name(), state)
	}
	k.printf("  watches: %d\n", len(k.watches))
}
