package client

import (
	"errors"
	"fmt"

	"github.com/pvlink/pvlink-go/pkg/wire"
)

// Client errors.
var (
	ErrNotFound         = errors.New("channel not found")
	ErrDisconnected     = errors.New("channel disconnected")
	ErrTimeout          = errors.New("timed out")
	ErrProtocolMismatch = errors.New("reply does not match requested representation")
	ErrChannelClosed    = errors.New("channel closed")
	ErrContextClosed    = errors.New("client context closed")
	ErrUnknownGroup     = errors.New("unknown synchronous group")
)

// StatusError is a failure reported by the server for one request.
type StatusError struct {
	Op      string
	Channel string
	Status  wire.Status
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: %s", e.Op, e.Channel, e.Status)
}

// Unwrap maps statuses with a client meaning onto the matching sentinel,
// so errors.Is(err, ErrNotFound) works for a NO_SUCH_CHANNEL reply.
func (e *StatusError) Unwrap() error {
	switch e.Status {
	case wire.StatusNoSuchChannel:
		return ErrNotFound
	case wire.StatusDisconnected:
		return ErrDisconnected
	default:
		return nil
	}
}

// statusError returns nil for a successful status.
func statusError(op, channel string, st wire.Status) error {
	if st.IsSuccess() {
		return nil
	}
	return &StatusError{Op: op, Channel: channel, Status: st}
}
