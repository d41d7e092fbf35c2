package channel

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// closeGrace bounds how long Close waits for the close handshake write.
const closeGrace = time.Second

// WSConn carries channel frames as binary WebSocket messages, one message
// per frame.
type WSConn struct {
	conn   *websocket.Conn
	origin string
	sendMu sync.Mutex
	recvMu sync.Mutex
	once   sync.Once
	done   chan struct{}
}

// NewWebSocket wraps an established WebSocket connection. For server-side
// connections the origin is taken from the upgrade request by the caller.
func NewWebSocket(conn *websocket.Conn, origin string) *WSConn {
	return &WSConn{conn: conn, origin: origin, done: make(chan struct{})}
}

// DialWebSocket connects to a host gateway endpoint such as
// "ws://127.0.0.1:8090/channel/editor". The remote origin defaults to the
// scheme and host of the dialed URL.
func DialWebSocket(ctx context.Context, rawURL string) (*WSConn, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("channel: parse websocket url: %w", err)
	}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, rawURL, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("channel: websocket dial %s: %w (status %d)", rawURL, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("channel: websocket dial %s: %w", rawURL, err)
	}
	return NewWebSocket(conn, u.Scheme+"://"+u.Host), nil
}

func (c *WSConn) Send(ctx context.Context, payload []byte, buffers [][]byte) error {
	if c.isClosed() {
		return ErrClosed
	}
	envelope, err := EncodeEnvelope(payload, len(buffers))
	if err != nil {
		return err
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.isClosed() {
		return ErrClosed
	}
	deadline, _ := ctx.Deadline()
	c.conn.SetWriteDeadline(deadline)
	if err := c.conn.WriteMessage(websocket.BinaryMessage, envelope); err != nil {
		return c.sendErr(err)
	}
	for _, buf := range buffers {
		if err := c.conn.WriteMessage(websocket.BinaryMessage, EncodeBuffer(buf)); err != nil {
			return c.sendErr(err)
		}
	}
	return nil
}

func (c *WSConn) Recv(ctx context.Context) ([]byte, [][]byte, error) {
	c.recvMu.Lock()
	defer c.recvMu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	deadline, _ := ctx.Deadline()
	c.conn.SetReadDeadline(deadline)

	frame, err := c.readBinary()
	if err != nil {
		// A read cut short by the deadline surfaces as the ctx error so
		// callers see their own timeout, not a transport artifact.
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, nil, ctxErr
		}
		return nil, nil, err
	}
	payload, count, err := DecodeEnvelope(frame)
	if err != nil {
		return nil, nil, err
	}
	var buffers [][]byte
	for i := 0; i < count; i++ {
		frame, err := c.readBinary()
		if err != nil {
			return nil, nil, err
		}
		buf, err := DecodeBuffer(frame)
		if err != nil {
			return nil, nil, err
		}
		buffers = append(buffers, buf)
	}
	return payload, buffers, nil
}

func (c *WSConn) Origin() string { return c.origin }

func (c *WSConn) Close() error {
	c.once.Do(func() {
		close(c.done)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGrace))
		c.conn.Close()
	})
	return nil
}

func (c *WSConn) readBinary() ([]byte, error) {
	mt, data, err := c.conn.ReadMessage()
	if err != nil {
		if c.isClosed() || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			return nil, ErrClosed
		}
		return nil, fmt.Errorf("channel: websocket read: %w", err)
	}
	if mt != websocket.BinaryMessage {
		return nil, fmt.Errorf("channel: unexpected websocket message type %d", mt)
	}
	return data, nil
}

func (c *WSConn) sendErr(err error) error {
	if c.isClosed() {
		return ErrClosed
	}
	return fmt.Errorf("channel: websocket write: %w", err)
}

func (c *WSConn) isClosed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}
