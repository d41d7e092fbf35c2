// Package channel provides the duplex message transports that connect a
// host frame to an embedded guest.
//
// # Overview
//
// Every transport implements the Conn interface: ordered, bidirectional
// delivery of an opaque payload plus zero or more transfer buffers that
// move by reference instead of being copied into the payload encoding.
//
// Byte-stream transports (stdio, WebSocket, gRPC) share a small binary
// framing: each frame starts with a one-byte kind, an envelope frame
// announces how many buffer frames follow it, and payloads above a size
// threshold are deflate-compressed. The in-process Pipe skips framing
// entirely and hands slices across untouched.
//
// # Transports
//
//   - Pipe: in-process pair for tests and same-process embedding
//   - Stdio: length-prefixed frames over a subprocess's stdin/stdout
//   - WebSocket: binary messages over a gorilla/websocket connection
//   - grpcchan: bidirectional gRPC stream (subpackage)
//
// # Usage
//
//	hostConn, guestConn := channel.Pipe("app://host", "app://guest")
//	err := hostConn.Send(ctx, payload, buffers)
//	payload, buffers, err := guestConn.Recv(ctx)
package channel
