// Command pvlog is a tool for viewing and analyzing pvlink protocol
// capture files.
//
// Capture files are written by pvget, pvmonitor, pvput and pvsim when run
// with the -protocol-log flag.
//
// Usage:
//
//	pvlog <command> [flags] <file.plog>
//
// Commands:
//
//	view     View capture file in human-readable format
//	export   Export capture file to JSON or CSV format
//	filter   Filter capture file and write to new file
//	stats    Show statistics about the capture file
//
// Examples:
//
//	# View all events
//	pvlog view client.plog
//
//	# View only wire-layer events for one channel
//	pvlog view -layer wire -channel M:READ client.plog
//
//	# Export write replies to CSV
//	pvlog export -format csv -kind write-reply client.plog
//
//	# Filter by circuit and save to new file
//	pvlog filter -circuit-id abc12345-... -o circuit.plog client.plog
//
//	# Show statistics
//	pvlog stats client.plog
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/pvlink/pvlink-go/cmd/pvlog/commands"
)

const usage = `pvlog - pvlink Protocol Log Analyzer

Usage:
  pvlog <command> [flags] <file.plog>

Commands:
  view     View capture file in human-readable format
  export   Export capture file to JSON or CSV format
  filter   Filter capture file and write to new file
  stats    Show statistics about the capture file

Use "pvlog <command> -help" for more information about a command.
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "view":
		runView(args)
	case "export":
		runExport(args)
	case "filter":
		runFilter(args)
	case "stats":
		runStats(args)
	case "-h", "-help", "--help", "help":
		fmt.Print(usage)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		fmt.Fprint(os.Stderr, usage)
		os.Exit(1)
	}
}

func newFlagSet(name, summary string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "pvlog %s - %s\n\nUsage:\n  pvlog %s [flags] <file.plog>\n\nFlags:\n", name, summary, name)
		fs.PrintDefaults()
	}
	return fs
}

// filterFlags registers the selection flags shared by view, export and
// filter.
func filterFlags(fs *flag.FlagSet) *commands.FilterOptions {
	var opts commands.FilterOptions
	fs.StringVar(&opts.CircuitID, "circuit-id", "", "Filter by circuit ID")
	fs.StringVar(&opts.ContextID, "context-id", "", "Filter by client context ID")
	fs.StringVar(&opts.Channel, "channel", "", "Filter by channel name")
	fs.StringVar(&opts.Kind, "kind", "", "Filter by message kind (e.g. read, write-reply, event)")
	fs.StringVar(&opts.TimeStart, "time-start", "", "Filter by start time (RFC3339)")
	fs.StringVar(&opts.TimeEnd, "time-end", "", "Filter by end time (RFC3339)")
	fs.StringVar(&opts.Layer, "layer", "", "Filter by layer (transport, wire, client)")
	fs.StringVar(&opts.Direction, "direction", "", "Filter by direction (in, out)")
	fs.StringVar(&opts.Category, "category", "", "Filter by category (message, control, state, error)")
	return &opts
}

// pathArg parses args and returns the capture file argument.
func pathArg(fs *flag.FlagSet, args []string) string {
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "Error: log file path required")
		fs.Usage()
		os.Exit(1)
	}
	return fs.Arg(0)
}

func fail(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}

func runView(args []string) {
	fs := newFlagSet("view", "View capture file in human-readable format")
	opts := filterFlags(fs)
	path := pathArg(fs, args)

	if err := commands.RunView(path, *opts, os.Stdout); err != nil {
		fail(err)
	}
}

func runExport(args []string) {
	fs := newFlagSet("export", "Export capture file to JSON or CSV format")
	format := fs.String("format", "jsonl", "Output format (jsonl, csv)")
	output := fs.String("o", "", "Output file (default: stdout)")
	opts := filterFlags(fs)
	path := pathArg(fs, args)

	if err := commands.RunExport(path, *format, *output, *opts); err != nil {
		fail(err)
	}
}

func runFilter(args []string) {
	fs := newFlagSet("filter", "Filter capture file and write to new file")
	output := fs.String("o", "", "Output file (required)")
	opts := filterFlags(fs)
	path := pathArg(fs, args)

	if *output == "" {
		fmt.Fprintln(os.Stderr, "Error: output file (-o) required")
		fs.Usage()
		os.Exit(1)
	}

	if err := commands.RunFilter(path, *output, *opts, os.Stdout); err != nil {
		fail(err)
	}
}

func runStats(args []string) {
	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	fs.Usage = func() {
		fmt.Fprint(os.Stderr, "pvlog stats - Show statistics about the capture file\n\nUsage:\n  pvlog stats <file.plog>\n\n")
	}
	path := pathArg(fs, args)

	if err := commands.RunStats(path, os.Stdout); err != nil {
		fail(err)
	}
}
