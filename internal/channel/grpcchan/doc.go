// Package grpcchan carries the channel over a bidirectional gRPC stream.
//
// Each stream message is a Frame with a single bytes field holding one
// channel frame, hand-encoded with protowire so no generated code is
// needed. The service shape is:
//
//	service Channel {
//	  rpc Attach(stream Frame) returns (stream Frame);
//	}
//
// Hosts install the service with Register and receive one Conn per
// attaching guest. Guests connect with Dial.
package grpcchan
