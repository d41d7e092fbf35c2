package grpcchan

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/transomlabs/transom/internal/channel"
)

const (
	serviceName  = "transom.v1.Channel"
	attachMethod = "/transom.v1.Channel/Attach"
	originHeader = "x-transom-origin"

	// maxMessageSize leaves headroom above the channel frame limit for the
	// protobuf field header.
	maxMessageSize = 64<<20 + 1024
)

// Handler receives one Conn per attaching guest. It runs on the stream's
// goroutine; returning ends the stream.
type Handler func(conn channel.Conn)

var attachDesc = grpc.StreamDesc{
	StreamName:    "Attach",
	ServerStreams: true,
	ClientStreams: true,
}

// Register installs the channel service on a gRPC server.
func Register(s *grpc.Server, handler Handler) {
	s.RegisterService(&grpc.ServiceDesc{
		ServiceName: serviceName,
		HandlerType: (*any)(nil),
		Streams: []grpc.StreamDesc{{
			StreamName:    attachDesc.StreamName,
			ServerStreams: true,
			ClientStreams: true,
			Handler: func(_ any, stream grpc.ServerStream) error {
				return serveAttach(stream, handler)
			},
		}},
	}, nil)
}

func serveAttach(stream grpc.ServerStream, handler Handler) error {
	origin := ""
	if md, ok := metadata.FromIncomingContext(stream.Context()); ok {
		if vals := md.Get(originHeader); len(vals) > 0 {
			origin = vals[0]
		}
	}
	conn := &grpcConn{stream: stream, origin: origin, done: make(chan struct{})}
	defer conn.Close()
	handler(conn)
	return nil
}

// Dial attaches to a channel service. localOrigin is advertised to the
// server in stream metadata; the returned Conn reports the remote origin as
// grpc://<target>. The context bounds the attach only, not the stream's
// lifetime.
func Dial(ctx context.Context, target, localOrigin string, extra ...grpc.DialOption) (channel.Conn, error) {
	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:    60 * time.Second,
			Timeout: 20 * time.Second,
		}),
		grpc.WithDefaultCallOptions(
			grpc.ForceCodec(frameCodec{}),
			grpc.MaxCallRecvMsgSize(maxMessageSize),
			grpc.MaxCallSendMsgSize(maxMessageSize),
		),
	}
	opts = append(opts, extra...)
	cc, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("grpcchan: dial %s: %w", target, err)
	}

	streamCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	streamCtx = metadata.AppendToOutgoingContext(streamCtx, originHeader, localOrigin)
	stream, err := cc.NewStream(streamCtx, &attachDesc, attachMethod)
	if err != nil {
		cancel()
		cc.Close()
		return nil, fmt.Errorf("grpcchan: attach %s: %w", target, err)
	}
	return &grpcConn{
		stream: stream,
		origin: "grpc://" + target,
		cancel: cancel,
		cc:     cc,
		done:   make(chan struct{}),
	}, nil
}

// stream covers both ends of a bidirectional stream.
type stream interface {
	SendMsg(m any) error
	RecvMsg(m any) error
}

type grpcConn struct {
	stream stream
	origin string
	cancel context.CancelFunc // client side only
	cc     io.Closer          // client side only
	sendMu sync.Mutex
	recvMu sync.Mutex
	once   sync.Once
	done   chan struct{}
}

func (c *grpcConn) Send(ctx context.Context, payload []byte, buffers [][]byte) error {
	if c.isClosed() {
		return channel.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	envelope, err := channel.EncodeEnvelope(payload, len(buffers))
	if err != nil {
		return err
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.isClosed() {
		return channel.ErrClosed
	}
	if err := c.stream.SendMsg(&frame{data: envelope}); err != nil {
		return c.ioErr("send", err)
	}
	for _, buf := range buffers {
		if err := c.stream.SendMsg(&frame{data: channel.EncodeBuffer(buf)}); err != nil {
			return c.ioErr("send", err)
		}
	}
	return nil
}

func (c *grpcConn) Recv(ctx context.Context) ([]byte, [][]byte, error) {
	c.recvMu.Lock()
	defer c.recvMu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	var f frame
	if err := c.stream.RecvMsg(&f); err != nil {
		return nil, nil, c.ioErr("recv", err)
	}
	payload, count, err := channel.DecodeEnvelope(f.data)
	if err != nil {
		return nil, nil, err
	}
	var buffers [][]byte
	for i := 0; i < count; i++ {
		var bf frame
		if err := c.stream.RecvMsg(&bf); err != nil {
			return nil, nil, c.ioErr("recv", err)
		}
		buf, err := channel.DecodeBuffer(bf.data)
		if err != nil {
			return nil, nil, err
		}
		buffers = append(buffers, buf)
	}
	return payload, buffers, nil
}

func (c *grpcConn) Origin() string { return c.origin }

func (c *grpcConn) Close() error {
	c.once.Do(func() {
		close(c.done)
		if cs, ok := c.stream.(grpc.ClientStream); ok {
			cs.CloseSend()
		}
		if c.cancel != nil {
			c.cancel()
		}
		if c.cc != nil {
			c.cc.Close()
		}
	})
	return nil
}

func (c *grpcConn) ioErr(op string, err error) error {
	if c.isClosed() || err == io.EOF {
		return channel.ErrClosed
	}
	switch status.Code(err) {
	case codes.Canceled, codes.Unavailable:
		return channel.ErrClosed
	}
	return fmt.Errorf("grpcchan: %s: %w", op, err)
}

func (c *grpcConn) isClosed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}
