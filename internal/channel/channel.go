package channel

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/transomlabs/transom/internal/infrastructure/monitoring"
)

// Frame kinds. The first byte of every frame on a byte-stream transport.
const (
	frameEnvelope   byte = 0x00 // payload, stored verbatim
	frameCompressed byte = 0x01 // payload, deflate-compressed
	frameBuffer     byte = 0x02 // one transfer buffer
)

const (
	// CompressThreshold is the payload size above which envelopes are
	// deflate-compressed before transmission.
	CompressThreshold = 4 * 1024

	// envelopeHeader is the frame kind byte plus the 4-byte buffer count.
	envelopeHeader = 5

	// maxBuffers bounds the buffer count an envelope may announce, so a
	// corrupt header cannot stall Recv waiting for frames that never come.
	maxBuffers = 256

	// maxFrameSize bounds a single frame on length-prefixed transports.
	maxFrameSize = 64 << 20
)

var (
	// ErrClosed is returned by Send and Recv after the channel is torn down.
	ErrClosed = errors.New("channel: closed")
)

// Conn is a duplex message channel between a host and one guest.
//
// Implementations guarantee FIFO ordering per direction: payloads are
// received in the order they were sent. Send and Recv are each safe for
// concurrent use, though the protocol expects a single reader.
type Conn interface {
	// Send transmits one payload together with its transfer buffers.
	// Buffers travel by reference where the transport allows it and are
	// reattached in order on the receiving side.
	Send(ctx context.Context, payload []byte, buffers [][]byte) error

	// Recv blocks until the next payload arrives and returns it with any
	// transfer buffers that accompanied it.
	Recv(ctx context.Context) (payload []byte, buffers [][]byte, err error)

	// Origin identifies the remote peer, typically a URL-like string such
	// as "app://host". Guests compare it against their expected origin
	// before completing the handshake.
	Origin() string

	// Close tears the channel down. Idempotent; pending and subsequent
	// Send and Recv calls fail with ErrClosed.
	Close() error
}

// EncodeEnvelope builds the leading frame for one send. Payloads above
// CompressThreshold are deflated; compression is kept only when it wins.
func EncodeEnvelope(payload []byte, buffers int) ([]byte, error) {
	if buffers > maxBuffers {
		return nil, fmt.Errorf("channel: %d transfer buffers exceeds limit %d", buffers, maxBuffers)
	}
	kind := frameEnvelope
	body := payload
	if len(payload) > CompressThreshold {
		compressed, err := compress(payload)
		if err != nil {
			return nil, fmt.Errorf("channel: compress envelope: %w", err)
		}
		if len(compressed) < len(payload) {
			kind = frameCompressed
			body = compressed
			monitoring.Default().RecordCompressedFrame("out")
		}
	}
	frame := make([]byte, envelopeHeader, envelopeHeader+len(body))
	frame[0] = kind
	binary.BigEndian.PutUint32(frame[1:5], uint32(buffers))
	return append(frame, body...), nil
}

// DecodeEnvelope parses the leading frame of a message, returning the
// payload and the number of buffer frames that follow.
func DecodeEnvelope(frame []byte) (payload []byte, buffers int, err error) {
	if len(frame) < envelopeHeader {
		return nil, 0, fmt.Errorf("channel: envelope frame truncated at %d bytes", len(frame))
	}
	count := int(binary.BigEndian.Uint32(frame[1:5]))
	if count > maxBuffers {
		return nil, 0, fmt.Errorf("channel: envelope announces %d buffers, limit is %d", count, maxBuffers)
	}
	body := frame[envelopeHeader:]
	switch frame[0] {
	case frameEnvelope:
		return body, count, nil
	case frameCompressed:
		payload, err = decompress(body)
		if err != nil {
			return nil, 0, fmt.Errorf("channel: decompress envelope: %w", err)
		}
		monitoring.Default().RecordCompressedFrame("in")
		return payload, count, nil
	default:
		return nil, 0, fmt.Errorf("channel: unexpected frame kind 0x%02x, want envelope", frame[0])
	}
}

// EncodeBuffer wraps one transfer buffer in a frame.
func EncodeBuffer(buf []byte) []byte {
	frame := make([]byte, 1, 1+len(buf))
	frame[0] = frameBuffer
	return append(frame, buf...)
}

// DecodeBuffer unwraps a buffer frame.
func DecodeBuffer(frame []byte) ([]byte, error) {
	if len(frame) < 1 || frame[0] != frameBuffer {
		return nil, fmt.Errorf("channel: expected buffer frame, got %d bytes", len(frame))
	}
	return frame[1:], nil
}
