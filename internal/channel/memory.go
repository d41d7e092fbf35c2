package channel

import (
	"context"
	"sync"
)

// pipeBacklog is the per-direction queue depth of an in-process pipe.
const pipeBacklog = 64

type pipeMessage struct {
	payload []byte
	buffers [][]byte
}

// PipeConn is one end of an in-process channel pair. Payloads and transfer
// buffers cross without copying or re-encoding, so slices keep their
// identity on the far side.
type PipeConn struct {
	origin string
	in     <-chan pipeMessage
	out    chan<- pipeMessage
	done   chan struct{}
	once   *sync.Once
}

// Pipe returns two connected in-process ends. The first end belongs to the
// peer named originA and reports originB as its remote origin; the second
// is the mirror. Closing either end tears down both directions.
func Pipe(originA, originB string) (*PipeConn, *PipeConn) {
	aToB := make(chan pipeMessage, pipeBacklog)
	bToA := make(chan pipeMessage, pipeBacklog)
	done := make(chan struct{})
	once := &sync.Once{}
	a := &PipeConn{origin: originB, in: bToA, out: aToB, done: done, once: once}
	b := &PipeConn{origin: originA, in: aToB, out: bToA, done: done, once: once}
	return a, b
}

func (p *PipeConn) Send(ctx context.Context, payload []byte, buffers [][]byte) error {
	select {
	case <-p.done:
		return ErrClosed
	default:
	}
	select {
	case p.out <- pipeMessage{payload: payload, buffers: buffers}:
		return nil
	case <-p.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *PipeConn) Recv(ctx context.Context) ([]byte, [][]byte, error) {
	select {
	case msg := <-p.in:
		return msg.payload, msg.buffers, nil
	case <-p.done:
		// Drain anything the peer queued before teardown.
		select {
		case msg := <-p.in:
			return msg.payload, msg.buffers, nil
		default:
			return nil, nil, ErrClosed
		}
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}
}

func (p *PipeConn) Origin() string { return p.origin }

func (p *PipeConn) Close() error {
	p.once.Do(func() { close(p.done) })
	return nil
}
