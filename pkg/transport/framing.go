package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/pvlink/pvlink-go/pkg/log"
)

// Framing constants.
const (
	// LengthPrefixSize is the size of the length prefix in bytes.
	LengthPrefixSize = 4

	// DefaultMaxMessageSize is the default maximum message size (64 KB).
	DefaultMaxMessageSize = 65536
)

// Framing errors.
var (
	ErrMessageTooLarge = errors.New("message too large")
	ErrMessageEmpty    = errors.New("message is empty")
	ErrFrameTruncated  = errors.New("frame truncated")
)

// frameLog tags frame capture events with the circuit they belong to.
type frameLog struct {
	logger    log.Logger
	circuitID string
	remote    string
	role      log.Role
}

func (fl *frameLog) emit(data []byte, dir log.Direction) {
	if fl == nil || fl.logger == nil {
		return
	}
	fl.logger.Log(log.Event{
		Timestamp:  time.Now(),
		CircuitID:  fl.circuitID,
		Direction:  dir,
		Layer:      log.LayerTransport,
		Category:   log.CategoryMessage,
		LocalRole:  fl.role,
		RemoteAddr: fl.remote,
		Frame:      log.NewFrameEvent(data),
	})
}

// FrameWriter writes length-prefixed frames to an underlying writer.
// It is safe for concurrent use.
type FrameWriter struct {
	w              io.Writer
	maxMessageSize uint32
	mu             sync.Mutex
	log            *frameLog
}

// NewFrameWriter creates a frame writer with a maximum message size.
// A zero maxSize selects DefaultMaxMessageSize.
func NewFrameWriter(w io.Writer, maxSize uint32) *FrameWriter {
	if maxSize == 0 {
		maxSize = DefaultMaxMessageSize
	}
	return &FrameWriter{w: w, maxMessageSize: maxSize}
}

// WriteFrame writes one length-prefixed frame.
func (fw *FrameWriter) WriteFrame(data []byte) error {
	if len(data) == 0 {
		return ErrMessageEmpty
	}
	if uint32(len(data)) > fw.maxMessageSize {
		return fmt.Errorf("%w: %d > %d", ErrMessageTooLarge, len(data), fw.maxMessageSize)
	}

	// One write per frame.
	buf := make([]byte, LengthPrefixSize+len(data))
	binary.BigEndian.PutUint32(buf, uint32(len(data)))
	copy(buf[LengthPrefixSize:], data)

	fw.mu.Lock()
	defer fw.mu.Unlock()
	if _, err := fw.w.Write(buf); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	fw.log.emit(data, log.DirectionOut)
	return nil
}

// FrameReader reads length-prefixed frames from an underlying reader.
// It is not safe for concurrent use.
type FrameReader struct {
	r              io.Reader
	maxMessageSize uint32
	lengthBuf      [LengthPrefixSize]byte
	log            *frameLog
}

// NewFrameReader creates a frame reader with a maximum message size.
// A zero maxSize selects DefaultMaxMessageSize.
func NewFrameReader(r io.Reader, maxSize uint32) *FrameReader {
	if maxSize == 0 {
		maxSize = DefaultMaxMessageSize
	}
	return &FrameReader{r: r, maxMessageSize: maxSize}
}

// ReadFrame reads one frame and returns its payload. A clean close
// between frames returns io.EOF.
func (fr *FrameReader) ReadFrame() ([]byte, error) {
	if _, err := io.ReadFull(fr.r, fr.lengthBuf[:]); err != nil {
		if err == io.EOF {
			return nil, err
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ErrFrameTruncated
		}
		return nil, fmt.Errorf("failed to read length prefix: %w", err)
	}

	length := binary.BigEndian.Uint32(fr.lengthBuf[:])
	if length == 0 {
		return nil, ErrMessageEmpty
	}
	if length > fr.maxMessageSize {
		return nil, fmt.Errorf("%w: %d > %d", ErrMessageTooLarge, length, fr.maxMessageSize)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(fr.r, payload); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || err == io.EOF {
			return nil, ErrFrameTruncated
		}
		return nil, fmt.Errorf("failed to read payload: %w", err)
	}

	fr.log.emit(payload, log.DirectionIn)
	return payload, nil
}

// Framer combines frame reading and writing on one stream.
type Framer struct {
	*FrameReader
	*FrameWriter
}

// NewFramer creates a framer for bidirectional communication.
func NewFramer(rw io.ReadWriter, maxSize uint32) *Framer {
	return &Framer{
		FrameReader: NewFrameReader(rw, maxSize),
		FrameWriter: NewFrameWriter(rw, maxSize),
	}
}

// SetLogger enables frame capture for both directions. Pass nil to disable.
func (f *Framer) SetLogger(logger log.Logger, circuitID, remote string, role log.Role) {
	var fl *frameLog
	if logger != nil {
		fl = &frameLog{logger: logger, circuitID: circuitID, remote: remote, role: role}
	}
	f.FrameReader.log = fl
	f.FrameWriter.log = fl
}
