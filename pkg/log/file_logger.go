package log

import (
	"bufio"
	"io"
	"os"
	"sync"

	"github.com/fxamacker/cbor/v2"
)

// FileLogger appends protocol events to a capture file in CBOR format.
// It is safe for concurrent use from multiple goroutines.
type FileLogger struct {
	mu      sync.Mutex
	out     io.WriteCloser
	buf     *bufio.Writer
	encoder *cbor.Encoder
	count   int
	closed  bool
}

// NewFileLogger opens path for appending, creating it with mode 0644.
func NewFileLogger(path string) (*FileLogger, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}
	return NewStreamLogger(f), nil
}

// NewStreamLogger writes events to w. Close closes w.
func NewStreamLogger(w io.WriteCloser) *FileLogger {
	buf := bufio.NewWriter(w)
	return &FileLogger{
		out:     w,
		buf:     buf,
		encoder: newEventEncoder(buf),
	}
}

// Log writes an event. Encoding errors are dropped; capture never
// disrupts the caller.
func (l *FileLogger) Log(event Event) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return
	}
	if err := l.encoder.Encode(event); err == nil {
		l.count++
	}
}

// Flush writes buffered events to the underlying file.
func (l *FileLogger) Flush() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	return l.buf.Flush()
}

// Count returns the number of events written.
func (l *FileLogger) Count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.count
}

// Close flushes and closes the file. It is safe to call Close multiple
// times; later Log calls are ignored.
func (l *FileLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true
	ferr := l.buf.Flush()
	if err := l.out.Close(); err != nil {
		return err
	}
	return ferr
}

var _ Logger = (*FileLogger)(nil)
