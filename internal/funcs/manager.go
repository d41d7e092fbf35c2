package funcs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/transomlabs/transom/internal/infrastructure/monitoring"
	"github.com/transomlabs/transom/internal/protocol"
	"github.com/transomlabs/transom/internal/shared/id"
	"github.com/transomlabs/transom/internal/wire"
)

// Func is the canonical cross-boundary function signature.
type Func = wire.Func

// Defaults applied when Config fields are zero.
const (
	DefaultCallTimeout = 5 * time.Second
	DefaultCapacity    = 1000
)

// SendFunc transmits one protocol message and its transfer buffers on the
// instance's channel.
type SendFunc func(ctx context.Context, msg *protocol.Message, buffers [][]byte) error

// Config tunes one manager.
type Config struct {
	Timeout  time.Duration       // per-call timeout
	Capacity int                 // exported-function registry cap
	Codec    *wire.Codec         // custom codec, e.g. with a different depth cap
	Metrics  *monitoring.Metrics // optional
}

// registered is one exported function.
type registered struct {
	fn   Func
	name string
}

// Manager owns one side's function registry, tracked exports, live remote
// proxies, and in-flight outbound calls. Safe for concurrent use.
type Manager struct {
	codec   *wire.Codec
	send    SendFunc
	logger  *zap.Logger
	metrics *monitoring.Metrics

	timeout  time.Duration
	capacity int

	mu       sync.Mutex
	registry map[string]registered // exported id -> function
	tracked  map[string]struct{}   // ids this side exported, for bulk release
	remote   map[string]struct{}   // ids this side holds live proxies for
	pending  map[string]*pendingCall
	tornDown bool
}

// NewManager creates a manager bound to one channel's send primitive.
func NewManager(send SendFunc, logger *zap.Logger, cfg Config) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultCallTimeout
	}
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultCapacity
	}
	if cfg.Codec == nil {
		cfg.Codec = wire.NewCodec()
	}

	return &Manager{
		codec:    cfg.Codec,
		send:     send,
		logger:   logger,
		metrics:  cfg.Metrics,
		timeout:  cfg.Timeout,
		capacity: cfg.Capacity,
		registry: make(map[string]registered),
		tracked:  make(map[string]struct{}),
		remote:   make(map[string]struct{}),
		pending:  make(map[string]*pendingCall),
	}
}

// exportTx collects ids minted during one serialize so a failed walk can
// roll its exports back.
type exportTx struct {
	m      *Manager
	minted []string
}

func (tx *exportTx) Export(name string, fn any) (string, error) {
	f, err := Adapt(fn)
	if err != nil {
		return "", err
	}

	tx.m.mu.Lock()
	defer tx.m.mu.Unlock()

	if tx.m.tornDown {
		return "", ErrTornDown
	}
	if len(tx.m.registry) >= tx.m.capacity {
		return "", wire.ErrRegistryFull
	}

	fid := id.NewFuncID().String()
	tx.m.registry[fid] = registered{fn: f, name: name}
	tx.m.tracked[fid] = struct{}{}
	tx.minted = append(tx.minted, fid)
	tx.m.recordRegistrySize()
	return fid, nil
}

func (tx *exportTx) rollback() {
	tx.m.mu.Lock()
	defer tx.m.mu.Unlock()
	for _, fid := range tx.minted {
		delete(tx.m.registry, fid)
		delete(tx.m.tracked, fid)
	}
	tx.m.recordRegistrySize()
}

// Serialize converts v to its wire shape, exporting any functions it
// contains into this manager's registry.
func (m *Manager) Serialize(v any) (*wire.Encoded, error) {
	enc, _, err := m.SerializeTracked(v)
	return enc, err
}

// SerializeTracked additionally reports the token ids minted during this
// serialize, letting callers release them when the slot that carried the
// value is overwritten. A failed serialize exports nothing.
func (m *Manager) SerializeTracked(v any) (*wire.Encoded, []string, error) {
	tx := &exportTx{m: m}
	enc, err := m.codec.Serialize(v, tx)
	if err != nil {
		tx.rollback()
		return nil, nil, err
	}
	return enc, tx.minted, nil
}

// Deserialize rebuilds a wire value; function tokens become proxies that
// dispatch through this manager.
func (m *Manager) Deserialize(v any, buffers [][]byte) (any, error) {
	return m.codec.Deserialize(v, buffers, m.proxyFor)
}

// proxyFor builds the callable stand-in for a remote token and marks the
// id live so a later release can invalidate it.
func (m *Manager) proxyFor(fid, name string) wire.Func {
	m.mu.Lock()
	m.remote[fid] = struct{}{}
	m.mu.Unlock()

	return func(ctx context.Context, args ...any) (any, error) {
		return m.Call(ctx, fid, args...)
	}
}

// HandleCall services an inbound function-call. The function runs in its
// own goroutine so slow handlers never stall the channel reader.
func (m *Manager) HandleCall(ctx context.Context, msg *protocol.Message, buffers [][]byte) {
	go m.invoke(ctx, msg, buffers)
}

func (m *Manager) invoke(ctx context.Context, msg *protocol.Message, buffers [][]byte) {
	m.mu.Lock()
	reg, ok := m.registry[msg.FnID]
	m.mu.Unlock()

	if !ok {
		m.respondError(ctx, msg.CallID, fmt.Sprintf("%s: %s", notFoundPrefix, msg.FnID))
		return
	}

	raw, err := m.Deserialize([]any(msg.Params), buffers)
	if err != nil {
		m.respondError(ctx, msg.CallID, err.Error())
		return
	}
	args, _ := raw.([]any)

	result, err := safeInvoke(ctx, reg.fn, args)
	if err != nil {
		m.respondError(ctx, msg.CallID, err.Error())
		return
	}

	enc, err := m.Serialize(result)
	if err != nil {
		m.respondError(ctx, msg.CallID, err.Error())
		return
	}

	if err := m.send(ctx, protocol.NewResponse(msg.CallID, enc.Value), enc.Buffers); err != nil {
		m.logger.Warn("function response send failed",
			zap.String("call_id", msg.CallID),
			zap.Error(err),
		)
	}
}

// safeInvoke runs fn with panic recovery so a misbehaving function fails
// its call instead of the process.
func safeInvoke(ctx context.Context, fn Func, args []any) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(ctx, args...)
}

func (m *Manager) respondError(ctx context.Context, callID, message string) {
	if err := m.send(ctx, protocol.NewErrorResponse(callID, message), nil); err != nil {
		m.logger.Warn("error response send failed",
			zap.String("call_id", callID),
			zap.Error(err),
		)
	}
}

// HandleRelease processes an inbound release of one or more ids: registry
// entries go away (the peer dropped its proxies for our exports) and local
// proxies for those ids start failing fast. Unknown ids are a counted
// no-op.
func (m *Manager) HandleRelease(fnIDs ...string) {
	m.mu.Lock()
	released := 0
	for _, fid := range fnIDs {
		known := false
		if _, ok := m.registry[fid]; ok {
			delete(m.registry, fid)
			delete(m.tracked, fid)
			known = true
		}
		if _, ok := m.remote[fid]; ok {
			delete(m.remote, fid)
			known = true
		}
		if known {
			released++
		} else if m.metrics != nil {
			m.metrics.IncReleasesUnknown()
		}
	}
	m.recordRegistrySize()
	m.mu.Unlock()

	if m.metrics != nil && released > 0 {
		m.metrics.IncFunctionsReleased(released)
	}
}

// Release drops one id locally and notifies the peer. Safe on unknown ids.
func (m *Manager) Release(ctx context.Context, fnID string) error {
	return m.ReleaseBatch(ctx, []string{fnID})
}

// ReleaseBatch drops many ids locally and notifies the peer with a single
// message. Ids unknown on this side are skipped.
func (m *Manager) ReleaseBatch(ctx context.Context, fnIDs []string) error {
	m.mu.Lock()
	known := make([]string, 0, len(fnIDs))
	for _, fid := range fnIDs {
		_, inRegistry := m.registry[fid]
		_, inRemote := m.remote[fid]
		if !inRegistry && !inRemote {
			continue
		}
		delete(m.registry, fid)
		delete(m.tracked, fid)
		delete(m.remote, fid)
		known = append(known, fid)
	}
	m.recordRegistrySize()
	m.mu.Unlock()

	if len(known) == 0 {
		return nil
	}

	var msg *protocol.Message
	if len(known) == 1 {
		msg = protocol.NewRelease(known[0])
	} else {
		msg = protocol.NewReleaseBatch(known)
	}
	return m.send(ctx, msg, nil)
}

// Cleanup releases every tracked export, fails all in-flight calls, and
// clears local state. Idempotent.
func (m *Manager) Cleanup(ctx context.Context) {
	m.mu.Lock()
	if m.tornDown {
		m.mu.Unlock()
		return
	}
	m.tornDown = true

	tracked := make([]string, 0, len(m.tracked))
	for fid := range m.tracked {
		tracked = append(tracked, fid)
	}

	pending := m.pending
	m.pending = make(map[string]*pendingCall)
	m.registry = make(map[string]registered)
	m.tracked = make(map[string]struct{})
	m.remote = make(map[string]struct{})
	m.recordRegistrySize()
	m.mu.Unlock()

	for _, p := range pending {
		p.settle(nil, ErrTornDown)
	}

	if len(tracked) > 0 {
		if err := m.send(ctx, protocol.NewReleaseBatch(tracked), nil); err != nil {
			m.logger.Debug("release batch send failed during cleanup", zap.Error(err))
		}
	}
}

// RegistrySize reports the number of currently exported functions.
func (m *Manager) RegistrySize() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.registry)
}

// PendingCalls reports the number of in-flight outbound calls.
func (m *Manager) PendingCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// recordRegistrySize publishes the registry gauge. Caller holds m.mu.
func (m *Manager) recordRegistrySize() {
	if m.metrics != nil {
		m.metrics.SetFunctionsRegistered(len(m.registry))
	}
}
