package jsguest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dop251/goja"
	"go.uber.org/zap"

	"github.com/transomlabs/transom/guest"
)

const (
	// DefaultRunTimeout bounds a single synchronous VM entry: the top-level
	// script, one callback, or one inbound call.
	DefaultRunTimeout = 30 * time.Second

	// jobBacklog is the queued-callback budget; posts beyond it are dropped.
	jobBacklog = 64

	maxCallStack = 1024
)

// ErrClosed is returned for work submitted after Close.
var ErrClosed = errors.New("jsguest: vm closed")

// VM hosts a JavaScript guest program wired to a guest.Runtime through the
// transom global. The underlying engine is single-threaded, so every entry
// into JavaScript (the main script, watch/on callbacks, inbound function
// calls, timers) is serialized onto one executor goroutine.
type VM struct {
	rt     *guest.Runtime
	logger *zap.Logger

	vm         *goja.Runtime
	runTimeout time.Duration

	jobs   chan vmJob
	quit   chan struct{}
	closed sync.Once

	timers *timerTable
}

// vmJob is one serialized VM entry. done is nil for fire-and-forget posts.
type vmJob struct {
	ctx  context.Context
	fn   func()
	done chan struct{}
}

// New wires a VM to an initialized runtime. The transom identity fields
// (name, base, policy) are read once, so the runtime's handshake must have
// completed.
func New(rt *guest.Runtime, opts ...Option) (*VM, error) {
	if rt == nil {
		return nil, errors.New("jsguest: runtime is required")
	}
	m := &VM{
		rt:         rt,
		logger:     zap.NewNop(),
		vm:         goja.New(),
		runTimeout: DefaultRunTimeout,
		jobs:       make(chan vmJob, jobBacklog),
		quit:       make(chan struct{}),
		timers:     newTimerTable(),
	}
	for _, opt := range opts {
		opt(m)
	}

	m.vm.SetMaxCallStackSize(maxCallStack)
	if err := m.setupGlobals(); err != nil {
		return nil, err
	}

	go m.loop()
	return m, nil
}

// Run compiles and executes a script on the executor and returns its
// completion value. Callbacks the script registered keep firing after Run
// returns, until Close.
func (m *VM) Run(ctx context.Context, name, src string) (any, error) {
	prog, err := goja.Compile(name, src, false)
	if err != nil {
		return nil, fmt.Errorf("jsguest: compile %s: %w", name, err)
	}

	var value any
	var runErr error
	if err := m.do(ctx, func() {
		val, err := m.vm.RunProgram(prog)
		if err != nil {
			runErr = err
			return
		}
		value = export(val)
	}); err != nil {
		return nil, err
	}
	if runErr != nil {
		return nil, fmt.Errorf("jsguest: %s: %w", name, runErr)
	}
	return value, nil
}

// Close stops the executor, cancels live timers and interrupts a running
// script. It does not touch the runtime; that stays the caller's.
func (m *VM) Close() {
	m.closed.Do(func() {
		close(m.quit)
		m.timers.stopAll()
		m.vm.Interrupt("vm closed")
	})
}

// do queues fn and waits for it to finish.
func (m *VM) do(ctx context.Context, fn func()) error {
	if ctx == nil {
		ctx = context.Background()
	}
	j := vmJob{ctx: ctx, fn: fn, done: make(chan struct{})}
	select {
	case m.jobs <- j:
	case <-m.quit:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-j.done:
		return nil
	case <-m.quit:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// post queues fn without waiting. Posts never block a runtime dispatch
// goroutine; when the queue is full the callback is dropped.
func (m *VM) post(fn func()) {
	select {
	case m.jobs <- vmJob{ctx: context.Background(), fn: fn}:
	case <-m.quit:
	default:
		m.logger.Warn("javascript callback dropped, queue full")
	}
}

func (m *VM) loop() {
	for {
		select {
		case j := <-m.jobs:
			m.execute(j)
		case <-m.quit:
			return
		}
	}
}

func (m *VM) execute(j vmJob) {
	if j.done != nil {
		defer close(j.done)
	}
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("javascript execution panicked", zap.Any("panic", r))
		}
	}()
	stop := m.armInterrupt(j.ctx)
	defer stop()
	j.fn()
}

// armInterrupt bounds one VM entry with the run timeout and the job's
// context, using the engine's interrupt to break loops.
func (m *VM) armInterrupt(ctx context.Context) func() {
	timer := time.NewTimer(m.runTimeout)
	cleared := make(chan struct{})
	go func() {
		select {
		case <-timer.C:
			m.vm.Interrupt("execution timeout exceeded")
		case <-ctx.Done():
			m.vm.Interrupt("context cancelled")
		case <-cleared:
		}
	}()
	return func() {
		timer.Stop()
		close(cleared)
		m.vm.ClearInterrupt()
	}
}

// export converts an engine value to a plain Go value for the wire.
func export(val goja.Value) any {
	if val == nil || goja.IsUndefined(val) || goja.IsNull(val) {
		return nil
	}
	return val.Export()
}
