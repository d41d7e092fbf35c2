package funcs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/transomlabs/transom/internal/infrastructure/monitoring"
	"github.com/transomlabs/transom/internal/protocol"
	"github.com/transomlabs/transom/internal/shared/id"
)

// pendingCall parks one outbound call until its response, timeout, or
// teardown. settle delivers exactly once.
type pendingCall struct {
	once sync.Once
	done chan callResult
}

type callResult struct {
	value any
	err   error
}

func newPendingCall() *pendingCall {
	return &pendingCall{done: make(chan callResult, 1)}
}

func (p *pendingCall) settle(value any, err error) {
	p.once.Do(func() {
		p.done <- callResult{value: value, err: err}
	})
}

// Call invokes the remote function behind fnID and blocks until its
// response, the per-call timeout, or ctx cancellation. Multiple calls may
// be in flight concurrently; each settles independently.
func (m *Manager) Call(ctx context.Context, fnID string, args ...any) (any, error) {
	m.mu.Lock()
	if m.tornDown {
		m.mu.Unlock()
		return nil, ErrTornDown
	}
	if _, live := m.remote[fnID]; !live {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrFunctionNotFound, fnID)
	}
	m.mu.Unlock()

	enc, err := m.Serialize(sliceOf(args))
	if err != nil {
		return nil, err
	}
	params, _ := enc.Value.([]any)

	callID := id.NewCallID().String()
	p := newPendingCall()

	m.mu.Lock()
	if m.tornDown {
		m.mu.Unlock()
		return nil, ErrTornDown
	}
	m.pending[callID] = p
	m.mu.Unlock()

	var timer *monitoring.CallTimer
	if m.metrics != nil {
		timer = monitoring.NewCallTimer(m.metrics, "out")
	}

	if err := m.send(ctx, protocol.NewCall(callID, fnID, params), enc.Buffers); err != nil {
		m.removePending(callID)
		stopTimer(timer, "error")
		return nil, fmt.Errorf("funcs: call send failed: %w", err)
	}

	deadline := time.NewTimer(m.timeout)
	defer deadline.Stop()

	select {
	case res := <-p.done:
		if res.err != nil {
			stopTimer(timer, "error")
			return nil, res.err
		}
		stopTimer(timer, "ok")
		return res.value, nil

	case <-deadline.C:
		m.removePending(callID)
		stopTimer(timer, "timeout")
		return nil, fmt.Errorf("%w: %s", ErrCallTimeout, callID)

	case <-ctx.Done():
		m.removePending(callID)
		stopTimer(timer, "canceled")
		return nil, ctx.Err()
	}
}

// HandleResponse settles the pending call matching an inbound
// function-response. Responses for unknown call ids (already timed out, or
// duplicates) are dropped silently.
func (m *Manager) HandleResponse(msg *protocol.Message, buffers [][]byte) {
	m.mu.Lock()
	p, ok := m.pending[msg.CallID]
	if ok {
		delete(m.pending, msg.CallID)
	}
	m.mu.Unlock()

	if !ok {
		return
	}

	if !msg.Success {
		p.settle(nil, remoteError(msg.Error))
		return
	}

	result, err := m.Deserialize(msg.Result, buffers)
	if err != nil {
		p.settle(nil, err)
		return
	}
	p.settle(result, nil)
}

func (m *Manager) removePending(callID string) {
	m.mu.Lock()
	delete(m.pending, callID)
	m.mu.Unlock()
}

// sliceOf keeps nil args serializable as an empty params array.
func sliceOf(args []any) []any {
	if args == nil {
		return []any{}
	}
	return args
}

func stopTimer(t *monitoring.CallTimer, status string) {
	if t != nil {
		t.Stop(status)
	}
}
