package jsguest

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/transomlabs/transom/guest"
	"github.com/transomlabs/transom/internal/channel"
	"github.com/transomlabs/transom/internal/protocol"
)

// hostSide scripts the host half of the pipe.
type hostSide struct {
	t    *testing.T
	conn channel.Conn
	v    *protocol.Validator
}

func newVM(t *testing.T, props map[string]any, opts ...Option) (*VM, *hostSide) {
	t.Helper()
	hostEnd, guestEnd := channel.Pipe("app://host", "app://guest")
	rt, err := guest.New(guestEnd)
	if err != nil {
		t.Fatalf("guest.New: %v", err)
	}
	h := &hostSide{t: t, conn: hostEnd, v: protocol.NewValidator(nil)}
	h.send(protocol.NewHandshakeInit("editor", "/editor", "scripts", props))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := rt.Initialize(ctx, "app://host"); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if msg := h.recv(); msg.Type != protocol.TypeHandshakeReady {
		t.Fatalf("expected handshake-ready, got %s", msg.Type)
	}

	vm, err := New(rt, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		vm.Close()
		rt.Cleanup()
	})
	return vm, h
}

func (h *hostSide) send(msg *protocol.Message) {
	h.t.Helper()
	payload, err := msg.Encode()
	if err != nil {
		h.t.Fatalf("encode: %v", err)
	}
	if err := h.conn.Send(context.Background(), payload, nil); err != nil {
		h.t.Fatalf("send: %v", err)
	}
}

func (h *hostSide) recv() *protocol.Message {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	payload, _, err := h.conn.Recv(ctx)
	if err != nil {
		h.t.Fatalf("recv: %v", err)
	}
	msg, ok := h.v.Validate(payload)
	if !ok {
		h.t.Fatalf("guest sent an invalid message: %s", payload)
	}
	return msg
}

func (h *hostSide) recvNothing() {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	payload, _, err := h.conn.Recv(ctx)
	if err == nil {
		h.t.Fatalf("unexpected message: %s", payload)
	}
}

func run(t *testing.T, vm *VM, src string) any {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	val, err := vm.Run(ctx, "test.js", src)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	return val
}

// fnToken digs the wire reference id for name out of a register event.
func fnToken(t *testing.T, msg *protocol.Message, name string) string {
	t.Helper()
	if msg.Type != protocol.TypeEvent || msg.Name != protocol.EventRegister {
		t.Fatalf("expected register event, got %s %q", msg.Type, msg.Name)
	}
	data, ok := msg.Data.(map[string]any)
	if !ok {
		t.Fatalf("register data is %T", msg.Data)
	}
	token, ok := data[name].(map[string]any)
	if !ok {
		t.Fatalf("no function token for %q in %v", name, data)
	}
	id, ok := token["$fn"].(string)
	if !ok {
		t.Fatalf("token for %q has no $fn: %v", name, token)
	}
	return id
}

func TestRunScript(t *testing.T) {
	vm, _ := newVM(t, nil)

	if val := run(t, vm, "6 * 7"); val != int64(42) {
		t.Errorf("expected 42, got %v (%T)", val, val)
	}
	if val := run(t, vm, "'hello'.toUpperCase()"); val != "HELLO" {
		t.Errorf("expected HELLO, got %v", val)
	}
}

func TestRunReportsScriptErrors(t *testing.T) {
	vm, _ := newVM(t, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := vm.Run(ctx, "boom.js", "throw new Error('broken')"); err == nil || !strings.Contains(err.Error(), "broken") {
		t.Fatalf("expected thrown error, got %v", err)
	}
	if _, err := vm.Run(ctx, "syntax.js", "function ("); err == nil {
		t.Fatal("expected compile error")
	}
}

func TestRunTimeout(t *testing.T) {
	vm, _ := newVM(t, nil, WithRunTimeout(100*time.Millisecond))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := vm.Run(ctx, "spin.js", "for(;;){}")
	if err == nil {
		t.Fatal("expected interrupt error")
	}
	if !strings.Contains(err.Error(), "timeout") {
		t.Errorf("expected timeout in error, got %v", err)
	}
}

func TestScrubbedGlobals(t *testing.T) {
	vm, _ := newVM(t, nil)

	val := run(t, vm, `[typeof require, typeof process, typeof module, typeof exports].join(",")`)
	if val != "undefined,undefined,undefined,undefined" {
		t.Errorf("node globals leaked: %v", val)
	}
}

func TestConsoleWritesToLogger(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	vm, _ := newVM(t, nil, WithLogger(zap.New(core)))

	run(t, vm, `console.log("hello", 42); console.warn("careful"); console.error("broken")`)

	entries := logs.All()
	if len(entries) != 3 {
		t.Fatalf("expected 3 log entries, got %d", len(entries))
	}
	want := []struct {
		level zapcore.Level
		msg   string
	}{
		{zapcore.InfoLevel, "hello 42"},
		{zapcore.WarnLevel, "careful"},
		{zapcore.ErrorLevel, "broken"},
	}
	for i, w := range want {
		if entries[i].Level != w.level || entries[i].Message != w.msg {
			t.Errorf("entry %d: got %s %q, want %s %q",
				i, entries[i].Level, entries[i].Message, w.level, w.msg)
		}
	}
}

func TestTransomIdentity(t *testing.T) {
	vm, _ := newVM(t, map[string]any{"theme": "dark"})

	val := run(t, vm, `[transom.name, transom.base, transom.policy, transom.prop("theme"), transom.props().theme].join("|")`)
	if val != "editor|/editor|scripts|dark|dark" {
		t.Errorf("identity mismatch: %v", val)
	}
	if val := run(t, vm, `typeof transom.prop("missing")`); val != "undefined" {
		t.Errorf("missing prop should be undefined, got %v", val)
	}
}

func TestEmitFromScript(t *testing.T) {
	vm, h := newVM(t, nil)

	run(t, vm, `transom.emit("doc:saved", {count: 3})`)

	msg := h.recv()
	if msg.Type != protocol.TypeCustomEvent || msg.Name != "doc:saved" {
		t.Fatalf("expected custom-event doc:saved, got %s %q", msg.Type, msg.Name)
	}
	data, ok := msg.Data.(map[string]any)
	if !ok || data["count"] != float64(3) {
		t.Errorf("unexpected event data: %v", msg.Data)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := vm.Run(ctx, "bad.js", `transom.emit("bad name!", 1)`); err == nil || !strings.Contains(err.Error(), "invalid event name") {
		t.Errorf("expected invalid event name error, got %v", err)
	}
}

func TestWatchFromScript(t *testing.T) {
	vm, h := newVM(t, nil)

	run(t, vm, `transom.watch(function(changes) {
		transom.emit("theme-watched", changes.theme["new"]);
	})`)

	h.send(protocol.NewAttributeChange("theme", "light"))

	msg := h.recv()
	if msg.Type != protocol.TypeCustomEvent || msg.Name != "theme-watched" {
		t.Fatalf("expected theme-watched, got %s %q", msg.Type, msg.Name)
	}
	if msg.Data != "light" {
		t.Errorf("expected light, got %v", msg.Data)
	}
}

func TestWatchStopFromScript(t *testing.T) {
	vm, h := newVM(t, nil)

	run(t, vm, `var stop = transom.watch(function() {
		transom.emit("never", 1);
	}); stop();`)

	h.send(protocol.NewAttributeChange("theme", "light"))
	h.recvNothing()
}

func TestOnFromScript(t *testing.T) {
	vm, h := newVM(t, nil)

	run(t, vm, `transom.on("ping", function(data) {
		transom.emit("pong", data);
	})`)

	h.send(protocol.NewCustomEvent("ping", "x"))

	msg := h.recv()
	if msg.Type != protocol.TypeCustomEvent || msg.Name != "pong" {
		t.Fatalf("expected pong, got %s %q", msg.Type, msg.Name)
	}
	if msg.Data != "x" {
		t.Errorf("expected x, got %v", msg.Data)
	}
}

func TestRegisterFromScript(t *testing.T) {
	vm, h := newVM(t, nil)

	run(t, vm, `transom.register("sum", function(a, b) { return a + b; })`)
	fnID := fnToken(t, h.recv(), "sum")

	h.send(protocol.NewCall("call_1", fnID, []any{2, 3}))

	resp := h.recv()
	if resp.Type != protocol.TypeFunctionResponse || resp.CallID != "call_1" {
		t.Fatalf("expected response for call_1, got %s %q", resp.Type, resp.CallID)
	}
	if !resp.Success {
		t.Fatalf("call failed: %s", resp.Error)
	}
	if resp.Result != float64(5) {
		t.Errorf("expected 5, got %v (%T)", resp.Result, resp.Result)
	}
}

func TestRegisteredFunctionThrow(t *testing.T) {
	vm, h := newVM(t, nil)

	run(t, vm, `transom.register("boom", function() { throw new Error("kaput"); })`)
	fnID := fnToken(t, h.recv(), "boom")

	h.send(protocol.NewCall("call_2", fnID, nil))

	resp := h.recv()
	if resp.Type != protocol.TypeFunctionResponse || resp.Success {
		t.Fatalf("expected failed response, got %+v", resp)
	}
	if !strings.Contains(resp.Error, "kaput") {
		t.Errorf("expected kaput in error, got %q", resp.Error)
	}
}

func TestRegisterRejectsNonFunction(t *testing.T) {
	vm, _ := newVM(t, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := vm.Run(ctx, "bad.js", `transom.register("x", 42)`); err == nil || !strings.Contains(err.Error(), "expects a function") {
		t.Errorf("expected type error, got %v", err)
	}
}

func TestUnregisterFromScript(t *testing.T) {
	vm, h := newVM(t, nil)

	run(t, vm, `var un = transom.register("once", function() { return 1; }); un();`)
	fnID := fnToken(t, h.recv(), "once")

	unreg := h.recv()
	if unreg.Type != protocol.TypeEvent || unreg.Name != protocol.EventUnregister {
		t.Fatalf("expected unregister event, got %s %q", unreg.Type, unreg.Name)
	}

	rel := h.recv()
	if rel.Type != protocol.TypeFunctionRelease || rel.FnID != fnID {
		t.Fatalf("expected release of %s, got %+v", fnID, rel)
	}
}

func TestSetTimeoutFires(t *testing.T) {
	vm, h := newVM(t, nil)

	run(t, vm, `setTimeout(function(tag) { transom.emit("timer:fired", tag); }, 10, "later")`)

	msg := h.recv()
	if msg.Type != protocol.TypeCustomEvent || msg.Name != "timer:fired" {
		t.Fatalf("expected timer:fired, got %s %q", msg.Type, msg.Name)
	}
	if msg.Data != "later" {
		t.Errorf("expected later, got %v", msg.Data)
	}
}

func TestClearTimeout(t *testing.T) {
	vm, h := newVM(t, nil)

	run(t, vm, `var id = setTimeout(function() { transom.emit("never", 1); }, 30); clearTimeout(id);`)
	h.recvNothing()
}

func TestSetIntervalRepeats(t *testing.T) {
	vm, h := newVM(t, nil)

	run(t, vm, `var n = 0;
	var id = setInterval(function() {
		n++;
		if (n > 2) { clearInterval(id); return; }
		transom.emit("tick", n);
	}, 20)`)

	for want := 1; want <= 2; want++ {
		msg := h.recv()
		if msg.Type != protocol.TypeCustomEvent || msg.Name != "tick" {
			t.Fatalf("expected tick, got %s %q", msg.Type, msg.Name)
		}
		if msg.Data != float64(want) {
			t.Errorf("expected tick %d, got %v", want, msg.Data)
		}
	}
}

func TestClearInterval(t *testing.T) {
	vm, h := newVM(t, nil)

	run(t, vm, `var id = setInterval(function() { transom.emit("never", 1); }, 50); clearInterval(id);`)
	h.recvNothing()
}

func TestCloseRejectsWork(t *testing.T) {
	vm, _ := newVM(t, nil)

	vm.Close()
	if _, err := vm.Run(context.Background(), "late.js", "1"); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}
