// Package log provides structured protocol capture for pvlink.
//
// This package defines the Logger interface and Event types for capturing
// protocol-level events at multiple layers (transport, wire, client).
// It is separate from operational logging (slog): protocol capture provides
// a complete machine-readable event trace for debugging and analysis.
//
// # Basic Usage
//
// Applications configure capture by providing a Logger implementation:
//
//	// For development: log to console via slog
//	cfg.ProtocolLogger = log.NewSlogAdapter(slog.Default())
//
//	// For production: write to binary file
//	cfg.ProtocolLogger, _ = log.NewFileLogger("/var/log/pvlink/client.plog")
//
//	// Both: use MultiLogger
//	cfg.ProtocolLogger = log.NewMultiLogger(
//	    log.NewSlogAdapter(slog.Default()),
//	    fileLogger,
//	)
//
// # Event Types
//
// Events are captured at multiple layers:
//   - Transport: Raw frame bytes (FrameEvent)
//   - Wire: Decoded messages (MessageEvent)
//   - Client: Channel and circuit state changes (StateChangeEvent)
//
// Keepalive messages and errors have dedicated event types.
//
// # File Format
//
// Log files are a stream of CBOR-encoded events with the .plog extension.
// The pvlog CLI tool provides viewing, filtering and statistics.
package log
