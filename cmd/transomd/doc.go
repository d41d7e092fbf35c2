// Package main is the entry point for the transomd gateway daemon.
//
// transomd accepts remote guest attachments and binds them to hosted
// frames. Guests dial the WebSocket endpoint (or the optional gRPC
// listener) under their frame name; the gateway verifies the attach
// token and hands the channel to the frame waiting for it.
//
// Architecture:
//
//	Guest process → ws://host:port/channel/<name> → gateway → host.Frame
//	              → grpc host:grpc-port (optional) ↗
//
// The daemon provides:
//   - WebSocket channel attachment with bcrypt-checked tokens
//   - Optional gRPC channel attachment
//   - Manifest discovery under a guest root, one hosted frame per manifest
//   - Prometheus metrics (/metrics), a JSON counter snapshot (/stats)
//     and a health probe (/healthz)
//   - CORS and per-IP rate limiting
//
// Configuration:
//   - TRANSOM_* environment variables (12-factor)
//   - CLI flags (override env vars)
//   - Defaults for development
//
// Usage:
//
//	# Serve the gateway and host every manifest under ./guests
//	transomd serve --guest-root ./guests --token s3cret
//
//	# List the manifests a root would host
//	transomd scan ./guests
//
// Signals:
//   - SIGINT, SIGTERM: graceful shutdown
package main
