package channel

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"sync"
)

// StdioConn frames the channel over a byte-stream pair, typically a spawned
// guest's stdin and stdout. Every frame is prefixed with a 4-byte big-endian
// length; an envelope frame is written back to back with its buffer frames
// in a single flush so interleaving cannot split a message.
type StdioConn struct {
	origin  string
	r       *bufio.Reader
	w       io.Writer
	sendMu  sync.Mutex
	recvMu  sync.Mutex
	once    sync.Once
	done    chan struct{}
	closers []io.Closer
}

// NewStdio wraps a reader/writer pair as a channel end. origin names the
// remote peer. If the reader or writer also implements io.Closer it is
// closed on Close, which unblocks a pending Recv.
func NewStdio(r io.Reader, w io.Writer, origin string) *StdioConn {
	c := &StdioConn{
		origin: origin,
		r:      bufio.NewReader(r),
		w:      w,
		done:   make(chan struct{}),
	}
	if rc, ok := r.(io.Closer); ok {
		c.closers = append(c.closers, rc)
	}
	if wc, ok := w.(io.Closer); ok {
		c.closers = append(c.closers, wc)
	}
	return c
}

func (c *StdioConn) Send(ctx context.Context, payload []byte, buffers [][]byte) error {
	if c.isClosed() {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	envelope, err := EncodeEnvelope(payload, len(buffers))
	if err != nil {
		return err
	}
	var out bytes.Buffer
	writeFrame(&out, envelope)
	for _, buf := range buffers {
		writeFrame(&out, EncodeBuffer(buf))
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.isClosed() {
		return ErrClosed
	}
	if _, err := c.w.Write(out.Bytes()); err != nil {
		return fmt.Errorf("channel: stdio write: %w", err)
	}
	return nil
}

func (c *StdioConn) Recv(ctx context.Context) ([]byte, [][]byte, error) {
	c.recvMu.Lock()
	defer c.recvMu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	frame, err := c.readFrame()
	if err != nil {
		return nil, nil, c.recvErr(err)
	}
	payload, count, err := DecodeEnvelope(frame)
	if err != nil {
		return nil, nil, err
	}
	var buffers [][]byte
	for i := 0; i < count; i++ {
		frame, err := c.readFrame()
		if err != nil {
			return nil, nil, c.recvErr(err)
		}
		buf, err := DecodeBuffer(frame)
		if err != nil {
			return nil, nil, err
		}
		buffers = append(buffers, buf)
	}
	return payload, buffers, nil
}

func (c *StdioConn) Origin() string { return c.origin }

func (c *StdioConn) Close() error {
	c.once.Do(func() {
		close(c.done)
		for _, cl := range c.closers {
			cl.Close()
		}
	})
	return nil
}

// readFrame reads one length-prefixed frame. Blocking reads are only
// interruptible by closing the underlying reader, which Close does.
func (c *StdioConn) readFrame() ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(c.r, header[:]); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(header[:])
	if size > maxFrameSize {
		return nil, fmt.Errorf("channel: frame of %d bytes exceeds limit %d", size, maxFrameSize)
	}
	frame := make([]byte, size)
	if _, err := io.ReadFull(c.r, frame); err != nil {
		return nil, err
	}
	return frame, nil
}

func (c *StdioConn) recvErr(err error) error {
	if c.isClosed() {
		return ErrClosed
	}
	if err == io.EOF {
		return fmt.Errorf("channel: peer closed stream: %w", ErrClosed)
	}
	return fmt.Errorf("channel: stdio read: %w", err)
}

func (c *StdioConn) isClosed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func writeFrame(out *bytes.Buffer, frame []byte) {
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(frame)))
	out.Write(header[:])
	out.Write(frame)
}
