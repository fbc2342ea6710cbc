package wire

// Status represents a reply status code.
type Status uint8

const (
	// StatusOK indicates the operation completed successfully.
	StatusOK Status = 0

	// StatusNoSuchChannel indicates the server does not host the channel.
	StatusNoSuchChannel Status = 1

	// StatusBadType indicates the requested representation is not supported.
	StatusBadType Status = 2

	// StatusNoWriteAccess indicates the channel is read-only.
	StatusNoWriteAccess Status = 3

	// StatusBadValue indicates the value could not be converted or is out of range.
	StatusBadValue Status = 4

	// StatusDisconnected indicates the circuit went down before a reply arrived.
	// It is generated locally by the transport, never sent by a server.
	StatusDisconnected Status = 5

	// StatusPutFailed indicates the server accepted a write but processing failed.
	StatusPutFailed Status = 6
)

// String returns the status name.
func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusNoSuchChannel:
		return "NO_SUCH_CHANNEL"
	case StatusBadType:
		return "BAD_TYPE"
	case StatusNoWriteAccess:
		return "NO_WRITE_ACCESS"
	case StatusBadValue:
		return "BAD_VALUE"
	case StatusDisconnected:
		return "DISCONNECTED"
	case StatusPutFailed:
		return "PUT_FAILED"
	default:
		return "UNKNOWN"
	}
}

// IsSuccess returns true if the status indicates success.
func (s Status) IsSuccess() bool {
	return s == StatusOK
}

// IsError returns true if the status indicates an error.
func (s Status) IsError() bool {
	return s != StatusOK
}
