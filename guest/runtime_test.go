package guest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/transomlabs/transom/internal/channel"
	"github.com/transomlabs/transom/internal/protocol"
)

// hostHarness scripts the host side of a pipe so tests control every wire
// message explicitly.
type hostHarness struct {
	t    *testing.T
	conn channel.Conn
	v    *protocol.Validator
}

func newPair(t *testing.T, opts ...Option) (*Runtime, *hostHarness) {
	t.Helper()
	hostEnd, guestEnd := channel.Pipe("app://host", "app://guest")
	rt, err := New(guestEnd, opts...)
	require.NoError(t, err)
	t.Cleanup(rt.Cleanup)
	return rt, &hostHarness{t: t, conn: hostEnd, v: protocol.NewValidator(nil)}
}

func (h *hostHarness) recv() (*protocol.Message, [][]byte) {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	payload, buffers, err := h.conn.Recv(ctx)
	require.NoError(h.t, err)
	msg, ok := h.v.Validate(payload)
	require.True(h.t, ok, "guest sent an invalid message: %s", payload)
	return msg, buffers
}

func (h *hostHarness) recvNothing() {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	payload, _, err := h.conn.Recv(ctx)
	require.ErrorIs(h.t, err, context.DeadlineExceeded, "unexpected message: %s", payload)
}

func (h *hostHarness) send(msg *protocol.Message, buffers [][]byte) {
	h.t.Helper()
	payload, err := msg.Encode()
	require.NoError(h.t, err)
	require.NoError(h.t, h.conn.Send(context.Background(), payload, buffers))
}

func (h *hostHarness) sendRaw(payload []byte) {
	h.t.Helper()
	require.NoError(h.t, h.conn.Send(context.Background(), payload, nil))
}

// initialize queues a handshake-init, completes Initialize and consumes the
// guest's handshake-ready.
func (h *hostHarness) initialize(rt *Runtime, props map[string]any) {
	h.t.Helper()
	h.send(protocol.NewHandshakeInit("editor", "/editor", "scripts", props), nil)
	require.NoError(h.t, rt.Initialize(context.Background(), "app://host"))
	ready, _ := h.recv()
	require.Equal(h.t, protocol.TypeHandshakeReady, ready.Type)
}

// syncProp round-trips one attribute change, proving every earlier message
// was already dispatched.
func (h *hostHarness) syncProp(rt *Runtime, key string, value any) {
	h.t.Helper()
	h.send(protocol.NewAttributeChange(key, value), nil)
	require.Eventually(h.t, func() bool {
		v, ok := rt.Prop(key)
		return ok && assert.ObjectsAreEqual(value, v)
	}, 2*time.Second, 10*time.Millisecond)
}

func TestInitializeAppliesSnapshot(t *testing.T) {
	rt, h := newPair(t)
	h.initialize(rt, map[string]any{"theme": "dark", "count": float64(2)})

	assert.Equal(t, "editor", rt.Name())
	assert.Equal(t, "/editor", rt.Base())
	assert.Equal(t, "scripts", rt.Policy())

	v, ok := rt.Prop("theme")
	require.True(t, ok)
	assert.Equal(t, "dark", v)
	assert.Len(t, rt.Props(), 2)
}

func TestInitializeOriginMismatch(t *testing.T) {
	rt, h := newPair(t)
	h.send(protocol.NewHandshakeInit("editor", "/editor", "", map[string]any{"theme": "dark"}), nil)

	err := rt.Initialize(context.Background(), "app://other")
	require.ErrorIs(t, err, ErrOriginMismatch)
	assert.Empty(t, rt.Props(), "mismatch must not apply the snapshot")

	// The handshake was not consumed; a corrected retry completes.
	require.NoError(t, rt.Initialize(context.Background(), "app://host"))
	ready, _ := h.recv()
	assert.Equal(t, protocol.TypeHandshakeReady, ready.Type)
	assert.Len(t, rt.Props(), 1)
}

func TestInitializeTimeout(t *testing.T) {
	rt, h := newPair(t, WithInitTimeout(80*time.Millisecond))

	// Garbage and non-handshake traffic is dropped, never mistaken for
	// the handshake.
	h.sendRaw([]byte(`not json`))
	h.send(protocol.NewCustomEvent("early", nil), nil)

	err := rt.Initialize(context.Background(), "")
	assert.ErrorIs(t, err, ErrHandshakeTimeout)

	// Still retriable once the init shows up.
	h.send(protocol.NewHandshakeInit("editor", "", "", nil), nil)
	require.NoError(t, rt.Initialize(context.Background(), ""))
}

func TestInitializeIdempotent(t *testing.T) {
	rt, h := newPair(t)
	h.initialize(rt, nil)

	require.NoError(t, rt.Initialize(context.Background(), "app://host"))
	h.recvNothing()
}

func TestHostFunctionBecomesProxy(t *testing.T) {
	rt, h := newPair(t)
	h.initialize(rt, map[string]any{
		"onSave": map[string]any{"$fn": "fn_h1", "name": "onSave"},
	})

	raw, ok := rt.Prop("onSave")
	require.True(t, ok)
	fn, ok := raw.(Func)
	require.True(t, ok, "function prop must decode to a callable proxy")

	type outcome struct {
		result any
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := fn(context.Background(), map[string]any{"id": 1})
		done <- outcome{res, err}
	}()

	call, _ := h.recv()
	assert.Equal(t, protocol.TypeFunctionCall, call.Type)
	assert.Equal(t, "fn_h1", call.FnID)
	require.Len(t, call.Params, 1)
	doc, ok := call.Params[0].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(1), doc["id"])

	h.send(protocol.NewResponse(call.CallID, map[string]any{"success": true}), nil)

	select {
	case out := <-done:
		require.NoError(t, out.err)
		result, ok := out.result.(map[string]any)
		require.True(t, ok)
		assert.Equal(t, true, result["success"])
	case <-time.After(2 * time.Second):
		t.Fatal("proxy call never settled")
	}
}

func TestEmit(t *testing.T) {
	rt, h := newPair(t)

	assert.ErrorIs(t, rt.Emit("early", nil), ErrNotInitialized)

	h.initialize(rt, nil)

	require.NoError(t, rt.Emit("doc:saved", map[string]any{"ok": true}))
	msg, _ := h.recv()
	assert.Equal(t, protocol.TypeCustomEvent, msg.Type)
	assert.Equal(t, "doc:saved", msg.Name)
	data, ok := msg.Data.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, true, data["ok"])

	assert.Error(t, rt.Emit("bad name!", nil))
}

// recorder collects event payloads across goroutines.
type recorder struct {
	mu  sync.Mutex
	got []any
}

func (r *recorder) add(data any) {
	r.mu.Lock()
	r.got = append(r.got, data)
	r.mu.Unlock()
}

func (r *recorder) snapshot() []any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]any(nil), r.got...)
}

func TestOnBuffersEarlyEvents(t *testing.T) {
	rt, h := newPair(t)
	h.initialize(rt, nil)

	h.send(protocol.NewCustomEvent("navigate", "/a"), nil)
	h.send(protocol.NewCustomEvent("navigate", "/b"), nil)
	h.syncProp(rt, "sync", float64(1))

	// First subscriber drains the buffer in arrival order.
	var first recorder
	cancel := rt.On("navigate", first.add)
	defer cancel()
	assert.Equal(t, []any{"/a", "/b"}, first.snapshot())

	// The buffer cleared; a second subscriber sees nothing.
	var second recorder
	cancel2 := rt.On("navigate", second.add)
	defer cancel2()
	assert.Empty(t, second.snapshot())

	// Live events reach both.
	h.send(protocol.NewCustomEvent("navigate", "/c"), nil)
	require.Eventually(t, func() bool {
		return len(second.snapshot()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []any{"/a", "/b", "/c"}, first.snapshot())
	assert.Equal(t, []any{"/c"}, second.snapshot())
}

func TestRegisterRoundTrip(t *testing.T) {
	rt, h := newPair(t)
	h.initialize(rt, nil)

	unregister, err := rt.Register("save", func(ctx context.Context, doc map[string]any) (string, error) {
		return "saved", nil
	})
	require.NoError(t, err)

	reg, _ := h.recv()
	assert.Equal(t, protocol.TypeEvent, reg.Type)
	assert.Equal(t, protocol.EventRegister, reg.Name)
	fns, ok := reg.Data.(map[string]any)
	require.True(t, ok)
	token, ok := fns["save"].(map[string]any)
	require.True(t, ok)
	fnID, _ := token["$fn"].(string)
	require.NotEmpty(t, fnID)
	assert.Equal(t, "save", token["name"])

	h.send(protocol.NewCall("call_1", fnID, []any{map[string]any{"v": float64(7)}}), nil)
	resp, _ := h.recv()
	assert.Equal(t, protocol.TypeFunctionResponse, resp.Type)
	assert.Equal(t, "call_1", resp.CallID)
	assert.True(t, resp.Success)
	assert.Equal(t, "saved", resp.Result)

	require.NoError(t, unregister())
	unreg, _ := h.recv()
	assert.Equal(t, protocol.TypeEvent, unreg.Type)
	assert.Equal(t, protocol.EventUnregister, unreg.Name)
	assert.Equal(t, []any{"save"}, unreg.Data)

	release, _ := h.recv()
	assert.Equal(t, protocol.TypeFunctionRelease, release.Type)
	assert.Equal(t, fnID, release.FnID)

	// A released id no longer serves calls.
	h.send(protocol.NewCall("call_2", fnID, []any{}), nil)
	resp2, _ := h.recv()
	assert.False(t, resp2.Success)
	assert.Contains(t, resp2.Error, "function not found")

	// Unregister is settled once.
	require.NoError(t, unregister())
	h.recvNothing()
}

func TestRegisterRejectsNonCallable(t *testing.T) {
	rt, h := newPair(t)
	h.initialize(rt, nil)

	_, err := rt.Register("answer", 42)
	require.Error(t, err)
	h.recvNothing()
}

func TestRegisterBeforeInitialize(t *testing.T) {
	rt, _ := newPair(t)
	_, err := rt.Register("save", func() {})
	assert.ErrorIs(t, err, ErrNotInitialized)
}

func TestWatchAttributeChanges(t *testing.T) {
	rt, h := newPair(t)
	h.initialize(rt, map[string]any{"theme": "dark"})

	changes := make(chan map[string]Change, 4)
	cancel := rt.WatchKeys(func(c map[string]Change) { changes <- c }, "theme")
	defer cancel()

	h.send(protocol.NewAttributeChange("theme", "light"), nil)

	select {
	case c := <-changes:
		require.Contains(t, c, "theme")
		assert.Equal(t, "dark", c["theme"].Old)
		assert.Equal(t, "light", c["theme"].New)
	case <-time.After(2 * time.Second):
		t.Fatal("watcher never fired")
	}

	v, _ := rt.Prop("theme")
	assert.Equal(t, "light", v)
}

func TestReservedAttributeDropped(t *testing.T) {
	rt, h := newPair(t)
	h.initialize(rt, nil)

	h.send(protocol.NewAttributeChange("__proto__", "polluted"), nil)
	h.syncProp(rt, "sync", float64(1))

	_, ok := rt.Prop("__proto__")
	assert.False(t, ok)
}

func TestReservedSnapshotKeysScrubbed(t *testing.T) {
	rt, h := newPair(t)
	h.initialize(rt, map[string]any{
		"theme":     "dark",
		"__proto__": map[string]any{"polluted": true},
	})

	_, ok := rt.Prop("__proto__")
	assert.False(t, ok)
	v, _ := rt.Prop("theme")
	assert.Equal(t, "dark", v)
}

func TestDuplicateInitIgnored(t *testing.T) {
	rt, h := newPair(t)
	h.initialize(rt, map[string]any{"theme": "dark"})

	h.send(protocol.NewHandshakeInit("editor", "/editor", "", map[string]any{"theme": "evil"}), nil)
	h.syncProp(rt, "sync", float64(1))

	v, _ := rt.Prop("theme")
	assert.Equal(t, "dark", v)
}

func TestCleanupReleasesRegisteredFunctions(t *testing.T) {
	rt, h := newPair(t)
	h.initialize(rt, nil)

	_, err := rt.Register("save", func() {})
	require.NoError(t, err)
	reg, _ := h.recv()
	token := reg.Data.(map[string]any)["save"].(map[string]any)
	fnID := token["$fn"].(string)

	rt.Cleanup()

	release, _ := h.recv()
	assert.Equal(t, protocol.TypeFunctionReleaseBatch, release.Type)
	assert.Contains(t, release.FnIDs, fnID)

	rt.Cleanup()
	assert.ErrorIs(t, rt.Emit("late", nil), ErrTornDown)
	assert.ErrorIs(t, rt.Initialize(context.Background(), ""), ErrTornDown)
}

func TestAttachToken(t *testing.T) {
	out, err := attachToken("ws://gw:7300/channel/editor", "s3cr3t")
	require.NoError(t, err)
	assert.Equal(t, "ws://gw:7300/channel/editor?token=s3cr3t", out)

	out, err = attachToken("ws://gw:7300/channel/editor", "")
	require.NoError(t, err)
	assert.Equal(t, "ws://gw:7300/channel/editor", out)
}
