package commands

import (
	"errors"
	"fmt"
	"io"

	"github.com/pvlink/pvlink-go/pkg/log"
)

// RunFilter copies the events matching opts from path into a new capture
// file at output and reports the count on w.
func RunFilter(path, output string, opts FilterOptions, w io.Writer) error {
	filter, err := opts.Build()
	if err != nil {
		return err
	}

	reader, err := log.NewFilteredReader(path, filter)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	defer reader.Close()

	logger, err := log.NewFileLogger(output)
	if err != nil {
		return fmt.Errorf("failed to create output logger: %w", err)
	}
	defer logger.Close()

	count := 0
	for {
		event, err := reader.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("failed to read event: %w", err)
		}
		logger.Log(event)
		count++
	}
	if err := logger.Flush(); err != nil {
		return fmt.Errorf("failed to write output: %w", err)
	}

	fmt.Fprintf(w, "Filtered %d events to %s\n", count, output)
	return nil
}
