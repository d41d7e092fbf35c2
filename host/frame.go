// Package host implements the host side of a guest embedding: the Frame
// lifecycle, sandbox policy, guest launchers and the observable property
// surface that synchronizes into the guest.
package host

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/transomlabs/transom/internal/channel"
	"github.com/transomlabs/transom/internal/funcs"
	"github.com/transomlabs/transom/internal/infrastructure/monitoring"
	"github.com/transomlabs/transom/internal/infrastructure/tracing"
	"github.com/transomlabs/transom/internal/manifest"
	"github.com/transomlabs/transom/internal/props"
	"github.com/transomlabs/transom/internal/protocol"
)

// State is a frame's lifecycle position.
type State string

// Change is one observed property or attribute transition.
type Change = props.Change

// Func is a callable guest function proxy.
type Func = funcs.Func

const (
	StateUnconfigured State = "unconfigured"
	StateConnecting   State = "connecting"
	StateReady        State = "ready"
	StateTornDown     State = "torn-down"
)

var (
	// ErrAlreadyConnected is returned by Connect on a ready frame.
	ErrAlreadyConnected = errors.New("host: frame already connected")
	// ErrTornDown is returned by operations on a closed frame.
	ErrTornDown = errors.New("host: frame torn down")
	// ErrNotConnected is returned when an operation needs a live channel.
	ErrNotConnected = errors.New("host: frame not connected")
	// ErrNoSuchFunction is returned by Call for names the guest never
	// registered or has since unregistered.
	ErrNoSuchFunction = errors.New("host: guest function not registered")
)

// Frame is the host-side stand-in for one embedded guest. It owns the
// guest's channel exclusively, drives the handshake, forwards property
// changes, re-dispatches guest events locally and tears everything down
// exactly once.
type Frame struct {
	name   string
	src    string
	base   string
	origin string

	sandboxRaw string
	policy     Policy

	logger    *zap.Logger
	metrics   *monitoring.Metrics
	tracer    *tracing.Tracer
	validator *protocol.Validator

	loadTimeout time.Duration
	callTimeout time.Duration

	initialProps    map[string]any
	initialAttrs    map[string]string
	initialHandlers map[string]Handler

	props  *props.Store
	attrs  *props.Store
	events *handlerTable

	mu         sync.Mutex
	state      State
	conn       channel.Conn
	manager    *funcs.Manager
	remote     map[string]funcs.Func
	loopCancel context.CancelFunc

	readyOnce sync.Once
	readyCh   chan struct{}
	closeOnce sync.Once
	closedCh  chan struct{}
}

// New builds an unconfigured frame. name identifies the instance; src
// locates the guest entry. Both are required.
func New(name, src string, opts ...Option) (*Frame, error) {
	if name == "" {
		return nil, errors.New("host: name is required")
	}
	if src == "" {
		return nil, errors.New("host: src is required")
	}
	f := &Frame{
		name:        name,
		src:         src,
		origin:      DefaultOrigin,
		logger:      zap.NewNop(),
		loadTimeout: DefaultLoadTimeout,
		callTimeout: funcs.DefaultCallTimeout,
		state:       StateUnconfigured,
		remote:      make(map[string]funcs.Func),
		readyCh:     make(chan struct{}),
		closedCh:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.base == "" {
		f.base = "/" + name
	}
	if f.metrics == nil {
		f.metrics = monitoring.Default()
	}
	policy, err := ParsePolicy(f.sandboxRaw)
	if err != nil {
		return nil, err
	}
	f.policy = policy
	f.validator = protocol.NewValidator(f.logger)
	f.props = props.NewStore(f.logger)
	f.attrs = props.NewStore(f.logger)
	f.events = newHandlerTable(f.logger)

	for key, value := range f.initialAttrs {
		if _, err := f.attrs.Set(key, value); err != nil {
			return nil, err
		}
	}
	if _, err := f.props.Apply(f.initialProps); err != nil {
		return nil, err
	}
	for name, h := range f.initialHandlers {
		f.events.on(name, h)
	}
	f.tracer = tracing.New("host", f.logger)
	return f, nil
}

// NewFromManifest builds a frame from a loaded manifest. Explicit options
// override manifest values.
func NewFromManifest(m *manifest.Manifest, opts ...Option) (*Frame, error) {
	base := []Option{
		WithBase(m.Base),
		WithSandbox(m.Sandbox),
		WithProps(m.Props),
	}
	return New(m.Name, m.Src, append(base, opts...)...)
}

func (f *Frame) Name() string   { return f.name }
func (f *Frame) Src() string    { return f.src }
func (f *Frame) Base() string   { return f.base }
func (f *Frame) Origin() string { return f.origin }
func (f *Frame) Policy() Policy { return f.policy }

// State reports the current lifecycle position.
func (f *Frame) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// Connect launches the guest and sends the handshake-init carrying the
// current attribute/property snapshot. It returns once the init is on the
// wire; WaitReady blocks until the guest answers. A failed launch leaves
// the frame in connecting so Connect may be retried.
func (f *Frame) Connect(ctx context.Context, launcher Launcher) (err error) {
	f.mu.Lock()
	switch f.state {
	case StateReady:
		f.mu.Unlock()
		return ErrAlreadyConnected
	case StateTornDown:
		f.mu.Unlock()
		return ErrTornDown
	}
	f.state = StateConnecting
	f.mu.Unlock()

	span, ctx := f.tracer.StartSpan(ctx, "handshake")
	span.SetTag("frame", f.name)
	defer func() {
		if err != nil {
			span.SetError(err)
		}
		span.Finish()
		f.tracer.Submit(span)
	}()

	launchCtx, cancel := context.WithTimeout(ctx, f.loadTimeout)
	defer cancel()
	conn, err := launcher.Launch(launchCtx, LaunchSpec{
		Name:   f.name,
		Src:    f.src,
		Base:   f.base,
		Policy: f.policy,
		Origin: f.origin,
	})
	if err != nil {
		f.metrics.RecordHandshake("launch-failed")
		f.events.emit(EventError, err)
		return fmt.Errorf("host: launch %s: %w", f.name, err)
	}

	f.mu.Lock()
	if f.state == StateTornDown {
		f.mu.Unlock()
		conn.Close()
		return ErrTornDown
	}
	f.conn = conn
	f.manager = funcs.NewManager(f.send, f.logger, funcs.Config{
		Timeout: f.callTimeout,
		Metrics: f.metrics,
	})
	loopCtx, loopCancel := context.WithCancel(context.Background())
	f.loopCancel = loopCancel
	f.mu.Unlock()

	f.metrics.IncChannels()
	go f.readLoop(loopCtx, conn)

	if err := f.sendInit(ctx); err != nil {
		return err
	}
	f.logger.Info("handshake-init sent",
		zap.String("frame", f.name),
		zap.String("origin", f.origin))
	return nil
}

func (f *Frame) sendInit(ctx context.Context) error {
	enc, err := f.manager.Serialize(f.snapshot())
	if err != nil {
		f.metrics.RecordHandshake("serialize-failed")
		f.events.emit(EventError, err)
		return fmt.Errorf("host: serialize handshake props: %w", err)
	}
	snapshot, _ := enc.Value.(map[string]any)
	init := protocol.NewHandshakeInit(f.name, f.base, f.policy.String(), snapshot)
	if err := f.send(ctx, init, enc.Buffers); err != nil {
		f.metrics.RecordHandshake("send-failed")
		return err
	}
	return nil
}

// snapshot merges attributes and properties; a property wins over a
// same-named attribute.
func (f *Frame) snapshot() map[string]any {
	merged := f.attrs.Snapshot()
	for key, value := range f.props.Snapshot() {
		merged[key] = value
	}
	return merged
}

// WaitReady blocks until the guest's handshake-ready arrives. On a frame
// that is already torn down it reports ErrTornDown even if the handshake
// had completed earlier.
func (f *Frame) WaitReady(ctx context.Context) error {
	select {
	case <-f.closedCh:
		return ErrTornDown
	default:
	}
	select {
	case <-f.readyCh:
		return nil
	case <-f.closedCh:
		return ErrTornDown
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Set writes an application property. While ready, an actual change is
// serialized and forwarded as attribute-change; functions become callable
// proxies on the guest side.
func (f *Frame) Set(key string, value any) error {
	if f.State() == StateTornDown {
		return ErrTornDown
	}
	changed, err := f.props.Set(key, value)
	if err != nil || !changed {
		return err
	}
	return f.forward(key, value)
}

// SetAttr writes a string attribute. A same-named property shadows it in
// the snapshot and suppresses forwarding.
func (f *Frame) SetAttr(key, value string) error {
	if f.State() == StateTornDown {
		return ErrTornDown
	}
	changed, err := f.attrs.Set(key, value)
	if err != nil || !changed {
		return err
	}
	if _, shadowed := f.props.Get(key); shadowed {
		return nil
	}
	return f.forward(key, value)
}

// Get reads the merged view, properties first.
func (f *Frame) Get(key string) (any, bool) {
	if v, ok := f.props.Get(key); ok {
		return v, true
	}
	return f.attrs.Get(key)
}

// OnChange observes local writes to one key across both surfaces. The
// explicit registration replaces ambient property interception.
func (f *Frame) OnChange(key string, fn func(change Change)) func() {
	watch := func(changes map[string]Change) {
		if c, ok := changes[key]; ok {
			fn(c)
		}
	}
	cancelProps := f.props.WatchKeys(watch, key)
	cancelAttrs := f.attrs.WatchKeys(watch, key)
	return func() {
		cancelProps()
		cancelAttrs()
	}
}

func (f *Frame) forward(key string, value any) error {
	f.mu.Lock()
	ready := f.state == StateReady
	mgr := f.manager
	f.mu.Unlock()
	if !ready || mgr == nil {
		// The handshake snapshot carries everything set before ready.
		return nil
	}
	enc, err := mgr.Serialize(value)
	if err != nil {
		f.events.emit(EventError, err)
		return fmt.Errorf("host: serialize prop %q: %w", key, err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), f.callTimeout)
	defer cancel()
	return f.send(ctx, protocol.NewAttributeChange(key, enc.Value), enc.Buffers)
}

// Emit sends an application event to the guest.
func (f *Frame) Emit(name string, data any) error {
	if !protocol.ValidEventName(name) {
		return fmt.Errorf("host: invalid event name %q", name)
	}
	f.mu.Lock()
	state := f.state
	mgr := f.manager
	f.mu.Unlock()
	if state == StateTornDown {
		return ErrTornDown
	}
	if mgr == nil {
		return ErrNotConnected
	}
	enc, err := mgr.Serialize(data)
	if err != nil {
		return fmt.Errorf("host: serialize event %q: %w", name, err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), f.callTimeout)
	defer cancel()
	return f.send(ctx, protocol.NewCustomEvent(name, enc.Value), enc.Buffers)
}

// OnEvent registers a handler for a local event name: lifecycle events,
// guest application events, or the register/unregister notifications.
func (f *Frame) OnEvent(name string, h Handler) func() {
	return f.events.on(name, h)
}

// Func returns the proxy for a guest-registered function.
func (f *Frame) Func(name string) (Func, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn, ok := f.remote[name]
	return fn, ok
}

// Funcs lists the names the guest currently has registered.
func (f *Frame) Funcs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	names := make([]string, 0, len(f.remote))
	for name := range f.remote {
		names = append(names, name)
	}
	return names
}

// Call invokes a guest-registered function by name.
func (f *Frame) Call(ctx context.Context, name string, args ...any) (result any, err error) {
	fn, ok := f.Func(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoSuchFunction, name)
	}
	span, ctx := f.tracer.StartSpan(ctx, "call")
	span.SetTag("function", name)
	defer func() {
		if err != nil {
			span.SetError(err)
		}
		span.Finish()
		f.tracer.Submit(span)
	}()
	return fn(ctx, args...)
}

// Close tears the frame down: releases every tracked function over the
// channel, stops the reader, closes the channel and discards registries.
// Safe to call any number of times.
func (f *Frame) Close() error {
	f.closeOnce.Do(func() {
		f.mu.Lock()
		f.state = StateTornDown
		conn := f.conn
		mgr := f.manager
		cancel := f.loopCancel
		f.remote = make(map[string]funcs.Func)
		f.mu.Unlock()

		close(f.closedCh)
		if mgr != nil {
			ctx, cancelT := context.WithTimeout(context.Background(), time.Second)
			mgr.Cleanup(ctx)
			cancelT()
		}
		if cancel != nil {
			cancel()
		}
		if conn != nil {
			conn.Close()
			f.metrics.DecChannels()
		}
		f.events.clear()
		f.tracer.Stop()
		f.logger.Info("frame torn down", zap.String("frame", f.name))
	})
	return nil
}

// send encodes and writes one message. Failures surface both as the return
// error and as a local message-send-failed event, so fire-and-forget call
// sites still get visibility.
func (f *Frame) send(ctx context.Context, msg *protocol.Message, buffers [][]byte) error {
	payload, err := msg.Encode()
	if err != nil {
		f.events.emit(EventSendFailed, err)
		return fmt.Errorf("host: encode %s: %w", msg.Type, err)
	}
	f.mu.Lock()
	conn := f.conn
	f.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	if err := conn.Send(ctx, payload, buffers); err != nil {
		f.metrics.RecordDropped("send-failed")
		f.events.emit(EventSendFailed, err)
		return fmt.Errorf("host: send %s: %w", msg.Type, err)
	}
	f.metrics.RecordMessage("out", msg.Type, len(payload))
	if len(buffers) > 0 {
		f.metrics.RecordTransferBuffers("out", len(buffers))
	}
	return nil
}

func (f *Frame) readLoop(ctx context.Context, conn channel.Conn) {
	for {
		payload, buffers, err := conn.Recv(ctx)
		if err != nil {
			if !errors.Is(err, channel.ErrClosed) && ctx.Err() == nil {
				f.logger.Warn("channel receive failed",
					zap.String("frame", f.name),
					zap.Error(err))
				f.events.emit(EventError, err)
			}
			return
		}
		f.dispatch(ctx, payload, buffers)
	}
}

func (f *Frame) dispatch(ctx context.Context, payload []byte, buffers [][]byte) {
	msg, ok := f.validator.Validate(payload)
	if !ok {
		f.metrics.RecordDropped("invalid")
		return
	}
	f.metrics.RecordMessage("in", msg.Type, len(payload))
	if len(buffers) > 0 {
		f.metrics.RecordTransferBuffers("in", len(buffers))
	}

	switch msg.Type {
	case protocol.TypeHandshakeReady:
		f.onReady(msg)
	case protocol.TypeEvent:
		f.onProtocolEvent(msg, buffers)
	case protocol.TypeCustomEvent:
		f.onCustomEvent(msg, buffers)
	case protocol.TypeFunctionCall:
		f.manager.HandleCall(ctx, msg, buffers)
	case protocol.TypeFunctionResponse:
		f.manager.HandleResponse(msg, buffers)
	case protocol.TypeFunctionRelease:
		f.manager.HandleRelease(msg.FnID)
	case protocol.TypeFunctionReleaseBatch:
		f.manager.HandleRelease(msg.FnIDs...)
	default:
		// handshake-init and attribute-change only flow host to guest.
		f.metrics.RecordDropped("misdirected")
		f.logger.Warn("dropping misdirected message",
			zap.String("frame", f.name),
			zap.String("type", msg.Type))
	}
}

func (f *Frame) onReady(msg *protocol.Message) {
	f.mu.Lock()
	if f.state != StateConnecting {
		f.mu.Unlock()
		return
	}
	f.state = StateReady
	f.mu.Unlock()

	f.metrics.RecordHandshake("ok")
	f.readyOnce.Do(func() { close(f.readyCh) })
	f.logger.Info("guest ready", zap.String("frame", f.name))
	f.events.emit(EventReady, msg.Name)
}

// onProtocolEvent consumes the conventional register/unregister events that
// maintain the remote function table.
func (f *Frame) onProtocolEvent(msg *protocol.Message, buffers [][]byte) {
	data, err := f.manager.Deserialize(msg.Data, buffers)
	if err != nil {
		f.metrics.RecordDropped("deserialize-failed")
		f.logger.Warn("dropping undecodable event",
			zap.String("name", msg.Name),
			zap.Error(err))
		return
	}

	switch msg.Name {
	case protocol.EventRegister:
		fns, ok := data.(map[string]any)
		if !ok {
			f.logger.Warn("register event without function map")
			return
		}
		names := make([]string, 0, len(fns))
		f.mu.Lock()
		for name, v := range fns {
			if fn, isFn := v.(funcs.Func); isFn {
				f.remote[name] = fn
				names = append(names, name)
			}
		}
		f.mu.Unlock()
		f.events.emit(protocol.EventRegister, names)
	case protocol.EventUnregister:
		items, ok := data.([]any)
		if !ok {
			f.logger.Warn("unregister event without name list")
			return
		}
		names := make([]string, 0, len(items))
		f.mu.Lock()
		for _, item := range items {
			if name, isStr := item.(string); isStr {
				delete(f.remote, name)
				names = append(names, name)
			}
		}
		f.mu.Unlock()
		f.events.emit(protocol.EventUnregister, names)
	default:
		f.logger.Debug("unhandled protocol event", zap.String("name", msg.Name))
	}
}

func (f *Frame) onCustomEvent(msg *protocol.Message, buffers [][]byte) {
	data, err := f.manager.Deserialize(msg.Data, buffers)
	if err != nil {
		f.metrics.RecordDropped("deserialize-failed")
		f.logger.Warn("dropping undecodable custom event",
			zap.String("name", msg.Name),
			zap.Error(err))
		return
	}
	f.events.emit(msg.Name, data)
}
