// Package pv defines the process-variable value model shared by the wire
// codec, the client runtime and the simulated server.
//
// # Representations
//
// A value is requested in a representation: a value type (Double, Long,
// String, Enum) combined with a class that selects how much context comes
// along with it:
//
//   - ClassPlain: the bare value
//   - ClassStatus: value plus severity and alarm condition
//   - ClassTime: status plus the server timestamp
//   - ClassControl: status plus static metadata (limits, precision, units,
//     enum labels)
//
// The server converts its native type to the requested type. A client should
// always request at least ClassStatus, because the severity tells whether the
// value can be trusted at all.
//
// # Severity
//
// A value with SeverityInvalid must never be used as if it were valid. The
// server could not obtain it (for example the hardware did not answer).
// Snapshot.Trusted enforces this for callers.
package pv
