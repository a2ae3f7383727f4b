// Package log provides structured protocol logging for meshsec nodes.
//
// This package defines the Logger interface and Event types for capturing
// protocol-level events at multiple layers (transport, wire, session,
// security). It is separate from operational logging (slog): protocol
// capture provides a complete machine-readable event trace for debugging
// and analysis.
//
// # Basic Usage
//
// Applications configure logging by providing a Logger implementation:
//
//	// For development: log to console via slog
//	cfg.ProtocolLogger = log.NewSlogAdapter(slog.Default())
//
//	// For production: write to a size-rotated binary file
//	cfg.ProtocolLogger = log.NewRotatingFileLogger(log.RotationConfig{
//	    Path: "/var/log/meshsec/node.mlog",
//	})
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
//   - Transport: Raw packet sizes and bytes (FrameEvent)
//   - Wire: Handshakes and decoded frame headers (HandshakeEvent, FrameEvent)
//   - Session: Client state changes and key rotation (StateChangeEvent, RotationEvent)
//   - Security: Rejected frames and failed verifications (SecurityEvent)
//
// Key material is never written to any event.
//
// # File Format
//
// Log files use CBOR encoding with .mlog extension. The meshsec-log CLI
// tool provides viewing, filtering, export and statistics.
package log
