// Package logging provides structured logging built on uber/zap.
//
// Two modes cover the deployment spectrum:
//   - Production: JSON lines for machine parsing
//   - Development: colored console output for humans
//
// Channel-layer code logs dropped messages, handshake transitions, and call
// failures here; nothing in the protocol path ever writes to stderr directly.
//
// Example Usage:
//
//	logger := logging.NewDefault()
//	logger.Info("Guest attached", zap.String("guest", name))
//	logger.Error("Send failed", zap.Error(err))
package logging
