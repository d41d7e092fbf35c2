// Package guest implements the sandboxed side of an embedding: a Runtime
// that handshakes with its host over a dedicated channel, mirrors the
// host's properties, exchanges events and serves cross-boundary function
// calls.
package guest

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
	"github.com/transomlabs/transom/internal/props"
	"github.com/transomlabs/transom/internal/protocol"
)

// Change is one observed property transition.
type Change = props.Change

// Func is a callable host function proxy.
type Func = funcs.Func

var (
	// ErrOriginMismatch is returned by Initialize when the channel's
	// remote origin is not the expected one. No handshake is consumed and
	// no props are applied.
	ErrOriginMismatch = errors.New("guest: origin mismatch")
	// ErrHandshakeTimeout is returned by Initialize when no handshake-init
	// arrives in time.
	ErrHandshakeTimeout = errors.New("guest: handshake timed out")
	// ErrNotInitialized is returned by operations that need a completed
	// handshake.
	ErrNotInitialized = errors.New("guest: not initialized")
	// ErrTornDown is returned by operations after Cleanup.
	ErrTornDown = errors.New("guest: runtime torn down")
)

type runState int

const (
	stateIdle runState = iota
	stateReady
	stateTornDown
)

// DefaultInitTimeout bounds the wait for the host's handshake-init.
const DefaultInitTimeout = 10 * time.Second

// Runtime is one guest's connection to its host. Construct with New or
// FromEnv, complete the handshake with Initialize, then use the property,
// event and function surfaces. All methods are safe for concurrent use.
type Runtime struct {
	conn      channel.Conn
	logger    *zap.Logger
	metrics   *monitoring.Metrics
	validator *protocol.Validator

	initTimeout time.Duration
	callTimeout time.Duration

	props     *props.Store
	listeners *listenerTable

	mu         sync.Mutex
	state      runState
	manager    *funcs.Manager
	name       string
	base       string
	policy     string
	loopCancel context.CancelFunc

	cleanupOnce sync.Once
}

// New wraps an existing channel end. The runtime owns the conn and closes
// it on Cleanup.
func New(conn channel.Conn, opts ...Option) (*Runtime, error) {
	if conn == nil {
		return nil, errors.New("guest: conn is required")
	}
	r := &Runtime{
		conn:        conn,
		logger:      zap.NewNop(),
		initTimeout: DefaultInitTimeout,
		callTimeout: funcs.DefaultCallTimeout,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.metrics == nil {
		r.metrics = monitoring.Default()
	}
	r.validator = protocol.NewValidator(r.logger)
	r.props = props.NewStore(r.logger)
	r.listeners = newListenerTable(r.logger)
	return r, nil
}

// Initialize performs the guest half of the handshake: verify the remote
// origin, wait for handshake-init, apply its property snapshot, answer
// handshake-ready and start the dispatch loop. A non-empty expectedOrigin
// must match the channel's remote origin exactly; on mismatch nothing is
// consumed or applied, so a corrected retry still sees the handshake.
// Calling Initialize on an initialized runtime is a no-op.
func (r *Runtime) Initialize(ctx context.Context, expectedOrigin string) error {
	r.mu.Lock()
	switch r.state {
	case stateReady:
		r.mu.Unlock()
		return nil
	case stateTornDown:
		r.mu.Unlock()
		return ErrTornDown
	}
	r.mu.Unlock()

	if expectedOrigin != "" && r.conn.Origin() != expectedOrigin {
		r.metrics.RecordHandshake("origin-mismatch")
		return fmt.Errorf("%w: got %q, expected %q",
			ErrOriginMismatch, r.conn.Origin(), expectedOrigin)
	}

	hctx, cancel := context.WithTimeout(ctx, r.initTimeout)
	defer cancel()

	for {
		payload, buffers, err := r.conn.Recv(hctx)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				r.metrics.RecordHandshake("timeout")
				return fmt.Errorf("%w after %s", ErrHandshakeTimeout, r.initTimeout)
			}
			r.metrics.RecordHandshake("recv-failed")
			return fmt.Errorf("guest: receive handshake: %w", err)
		}
		msg, ok := r.validator.Validate(payload)
		if !ok {
			r.metrics.RecordDropped("invalid")
			continue
		}
		if msg.Type != protocol.TypeHandshakeInit {
			r.metrics.RecordDropped("pre-handshake")
			r.logger.Warn("dropping message before handshake",
				zap.String("type", msg.Type))
			continue
		}
		r.metrics.RecordMessage("in", msg.Type, len(payload))
		return r.finishHandshake(hctx, msg, buffers)
	}
}

func (r *Runtime) finishHandshake(ctx context.Context, init *protocol.Message, buffers [][]byte) error {
	mgr := funcs.NewManager(r.send, r.logger, funcs.Config{
		Timeout: r.callTimeout,
		Metrics: r.metrics,
	})

	snapshot := scrubReserved(init.Props, r.logger)
	decoded, err := mgr.Deserialize(snapshot, buffers)
	if err != nil {
		r.metrics.RecordHandshake("deserialize-failed")
		return fmt.Errorf("guest: decode handshake props: %w", err)
	}
	values, _ := decoded.(map[string]any)
	if _, err := r.props.Apply(values); err != nil {
		r.metrics.RecordHandshake("apply-failed")
		return fmt.Errorf("guest: apply handshake props: %w", err)
	}

	r.mu.Lock()
	r.manager = mgr
	r.name = init.Name
	r.base = init.Base
	r.policy = init.Policy
	r.mu.Unlock()

	if err := r.send(ctx, protocol.NewHandshakeReady(init.Name), nil); err != nil {
		r.mu.Lock()
		r.manager = nil
		r.mu.Unlock()
		r.metrics.RecordHandshake("send-failed")
		return err
	}

	loopCtx, loopCancel := context.WithCancel(context.Background())
	r.mu.Lock()
	r.state = stateReady
	r.loopCancel = loopCancel
	r.mu.Unlock()

	r.metrics.IncChannels()
	go r.readLoop(loopCtx)
	r.logger.Info("handshake complete",
		zap.String("guest", init.Name),
		zap.String("origin", r.conn.Origin()))
	return nil
}

// scrubReserved drops prototype-pollution keys a misbehaving host could
// smuggle into the snapshot.
func scrubReserved(values map[string]any, logger *zap.Logger) map[string]any {
	out := make(map[string]any, len(values))
	for key, value := range values {
		if props.Reserved(key) {
			logger.Warn("dropping reserved key from host snapshot",
				zap.String("key", key))
			continue
		}
		out[key] = value
	}
	return out
}

// Name reports the instance name assigned by the host, empty before
// Initialize.
func (r *Runtime) Name() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.name
}

// Base reports the base path assigned by the host.
func (r *Runtime) Base() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.base
}

// Policy reports the sandbox policy string the host granted.
func (r *Runtime) Policy() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.policy
}

// Prop reads one synchronized property.
func (r *Runtime) Prop(key string) (any, bool) {
	return r.props.Get(key)
}

// Props snapshots the synchronized property bag.
func (r *Runtime) Props() map[string]any {
	return r.props.Snapshot()
}

// Watch observes every inbound property change.
func (r *Runtime) Watch(fn func(changes map[string]Change)) func() {
	return r.props.Watch(fn)
}

// WatchKeys observes inbound changes to the named keys only.
func (r *Runtime) WatchKeys(fn func(changes map[string]Change), keys ...string) func() {
	return r.props.WatchKeys(fn, keys...)
}

// On subscribes to a host event. Events that arrived before any listener
// are replayed, in order, to the first subscriber for that name.
func (r *Runtime) On(name string, fn EventHandler) func() {
	return r.listeners.on(name, fn)
}

// Emit sends an application event to the host.
func (r *Runtime) Emit(name string, data any) error {
	if !protocol.ValidEventName(name) {
		return fmt.Errorf("guest: invalid event name %q", name)
	}
	mgr, err := r.readyManager()
	if err != nil {
		return err
	}
	enc, err := mgr.Serialize(data)
	if err != nil {
		return fmt.Errorf("guest: serialize event %q: %w", name, err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.callTimeout)
	defer cancel()
	return r.send(ctx, protocol.NewCustomEvent(name, enc.Value), enc.Buffers)
}

// Register exposes one function to the host under name. The returned
// unregister tells the host to drop it and releases its wire id. Values
// that cannot be adapted to a callable error immediately, before anything
// reaches the wire.
func (r *Runtime) Register(name string, fn any) (func() error, error) {
	return r.RegisterMap(map[string]any{name: fn})
}

// RegisterMap exposes several functions at once with a single register
// event. The returned unregister covers all of them.
func (r *Runtime) RegisterMap(fns map[string]any) (func() error, error) {
	if len(fns) == 0 {
		return nil, errors.New("guest: no functions to register")
	}
	for name, fn := range fns {
		if _, err := funcs.Adapt(fn); err != nil {
			return nil, fmt.Errorf("guest: register %q: %w", name, err)
		}
	}
	mgr, err := r.readyManager()
	if err != nil {
		return nil, err
	}

	enc, minted, err := mgr.SerializeTracked(fns)
	if err != nil {
		return nil, fmt.Errorf("guest: serialize functions: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.callTimeout)
	defer cancel()
	if err := r.send(ctx, protocol.NewEvent(protocol.EventRegister, enc.Value), enc.Buffers); err != nil {
		mgr.HandleRelease(minted...)
		return nil, err
	}

	names := make([]any, 0, len(fns))
	for name := range fns {
		names = append(names, name)
	}

	var once sync.Once
	unregister := func() error {
		var err error
		once.Do(func() {
			ctx, cancel := context.WithTimeout(context.Background(), r.callTimeout)
			defer cancel()
			if sendErr := r.send(ctx, protocol.NewEvent(protocol.EventUnregister, names), nil); sendErr != nil {
				err = sendErr
			}
			if relErr := mgr.ReleaseBatch(ctx, minted); relErr != nil && err == nil {
				err = relErr
			}
		})
		return err
	}
	return unregister, nil
}

// readyManager returns the function manager iff the handshake completed.
func (r *Runtime) readyManager() (*funcs.Manager, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch r.state {
	case stateTornDown:
		return nil, ErrTornDown
	case stateReady:
		return r.manager, nil
	}
	return nil, ErrNotInitialized
}

// Cleanup releases every registered function over the channel, stops the
// dispatch loop, closes the channel and clears listeners. Safe to call any
// number of times.
func (r *Runtime) Cleanup() {
	r.cleanupOnce.Do(func() {
		r.mu.Lock()
		r.state = stateTornDown
		mgr := r.manager
		cancel := r.loopCancel
		r.mu.Unlock()

		if mgr != nil {
			ctx, cancelT := context.WithTimeout(context.Background(), time.Second)
			mgr.Cleanup(ctx)
			cancelT()
		}
		if cancel != nil {
			cancel()
			r.metrics.DecChannels()
		}
		r.conn.Close()
		r.listeners.clear()
		r.logger.Info("guest torn down", zap.String("guest", r.name))
	})
}

func (r *Runtime) send(ctx context.Context, msg *protocol.Message, buffers [][]byte) error {
	payload, err := msg.Encode()
	if err != nil {
		r.listeners.dispatch(EventSendFailed, err.Error())
		return fmt.Errorf("guest: encode %s: %w", msg.Type, err)
	}
	if err := r.conn.Send(ctx, payload, buffers); err != nil {
		r.metrics.RecordDropped("send-failed")
		r.listeners.dispatch(EventSendFailed, err.Error())
		return fmt.Errorf("guest: send %s: %w", msg.Type, err)
	}
	r.metrics.RecordMessage("out", msg.Type, len(payload))
	if len(buffers) > 0 {
		r.metrics.RecordTransferBuffers("out", len(buffers))
	}
	return nil
}

func (r *Runtime) readLoop(ctx context.Context) {
	for {
		payload, buffers, err := r.conn.Recv(ctx)
		if err != nil {
			if !errors.Is(err, channel.ErrClosed) && ctx.Err() == nil {
				r.logger.Warn("channel receive failed", zap.Error(err))
				r.listeners.dispatch(EventError, err.Error())
			}
			return
		}
		r.dispatch(ctx, payload, buffers)
	}
}

func (r *Runtime) dispatch(ctx context.Context, payload []byte, buffers [][]byte) {
	msg, ok := r.validator.Validate(payload)
	if !ok {
		r.metrics.RecordDropped("invalid")
		return
	}
	r.metrics.RecordMessage("in", msg.Type, len(payload))
	if len(buffers) > 0 {
		r.metrics.RecordTransferBuffers("in", len(buffers))
	}

	switch msg.Type {
	case protocol.TypeHandshakeInit:
		// Already initialized; a duplicate init must not clobber state.
		r.metrics.RecordDropped("duplicate-handshake")
		r.logger.Debug("ignoring duplicate handshake-init")
	case protocol.TypeAttributeChange:
		r.onAttributeChange(msg, buffers)
	case protocol.TypeCustomEvent:
		r.onCustomEvent(msg, buffers)
	case protocol.TypeFunctionCall:
		r.manager.HandleCall(ctx, msg, buffers)
	case protocol.TypeFunctionResponse:
		r.manager.HandleResponse(msg, buffers)
	case protocol.TypeFunctionRelease:
		r.manager.HandleRelease(msg.FnID)
	case protocol.TypeFunctionReleaseBatch:
		r.manager.HandleRelease(msg.FnIDs...)
	default:
		// handshake-ready and register/unregister events flow guest to
		// host only.
		r.metrics.RecordDropped("misdirected")
		r.logger.Warn("dropping misdirected message", zap.String("type", msg.Type))
	}
}

func (r *Runtime) onAttributeChange(msg *protocol.Message, buffers [][]byte) {
	if props.Reserved(msg.Attribute) {
		r.metrics.RecordDropped("reserved-key")
		r.logger.Warn("dropping reserved attribute",
			zap.String("attribute", msg.Attribute))
		return
	}
	value, err := r.manager.Deserialize(msg.Value, buffers)
	if err != nil {
		r.metrics.RecordDropped("deserialize-failed")
		r.logger.Warn("dropping undecodable attribute change",
			zap.String("attribute", msg.Attribute),
			zap.Error(err))
		return
	}
	if _, err := r.props.Apply(map[string]any{msg.Attribute: value}); err != nil {
		r.logger.Warn("attribute change rejected",
			zap.String("attribute", msg.Attribute),
			zap.Error(err))
	}
}

func (r *Runtime) onCustomEvent(msg *protocol.Message, buffers [][]byte) {
	data, err := r.manager.Deserialize(msg.Data, buffers)
	if err != nil {
		r.metrics.RecordDropped("deserialize-failed")
		r.logger.Warn("dropping undecodable event",
			zap.String("name", msg.Name),
			zap.Error(err))
		return
	}
	r.listeners.dispatch(msg.Name, data)
}
