package integration

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/transomlabs/transom/guest"
	"github.com/transomlabs/transom/host"
	"github.com/transomlabs/transom/internal/channel"
	"github.com/transomlabs/transom/internal/gateway"
	"github.com/transomlabs/transom/internal/infrastructure/config"
	"github.com/transomlabs/transom/jsguest"
)

// TestWebSocketGuestEndToEnd runs the full embedding path: a frame waits
// on the gateway, a JavaScript guest dials the WebSocket endpoint with
// the attach token, the script completes the handshake and the two sides
// trade properties, events and function calls over the live channel.
func TestWebSocketGuestEndToEnd(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping end-to-end test in short mode")
	}

	cfg := config.Default()
	cfg.RateLimit.Enabled = false
	gw := gateway.New(cfg, zaptest.NewLogger(t))
	ts := httptest.NewServer(gw.Handler())
	defer ts.Close()

	frame, err := host.New("editor", "/guests/editor/main.js",
		host.WithProps(map[string]any{"theme": "dark"}))
	require.NoError(t, err)
	defer frame.Close()

	connectErr := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		connectErr <- frame.Connect(ctx, gw.Launcher("s3cret"))
	}()

	// The expectation registers on the Connect goroutine, so early dials
	// can race it and 404.
	attachURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/channel/editor?token=s3cret"
	var conn channel.Conn
	require.Eventually(t, func() bool {
		c, err := channel.DialWebSocket(context.Background(), attachURL)
		if err != nil {
			return false
		}
		conn = c
		return true
	}, 5*time.Second, 50*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	rt, err := guest.New(conn)
	require.NoError(t, err)
	defer rt.Cleanup()
	require.NoError(t, rt.Initialize(ctx, ""))

	vm, err := jsguest.New(rt)
	require.NoError(t, err)
	defer vm.Close()

	_, err = vm.Run(ctx, "main.js", `
		transom.register("sum", function(a, b) { return a + b; });
		transom.watch(function(changes) {
			if (changes.theme) {
				transom.emit("theme:seen", changes.theme["new"]);
			}
		});
	`)
	require.NoError(t, err)

	require.NoError(t, <-connectErr)
	require.NoError(t, frame.WaitReady(ctx))
	assert.Equal(t, host.StateReady, frame.State())

	t.Run("handshake carried the props", func(t *testing.T) {
		assert.Equal(t, "editor", rt.Name())
		theme, ok := rt.Prop("theme")
		require.True(t, ok)
		assert.Equal(t, "dark", theme)
	})

	t.Run("script function callable from the frame", func(t *testing.T) {
		// Registration travels as an event after the handshake; wait for
		// the proxy to land.
		require.Eventually(t, func() bool {
			_, ok := frame.Func("sum")
			return ok
		}, 5*time.Second, 20*time.Millisecond)

		got, err := frame.Call(ctx, "sum", 2, 3)
		require.NoError(t, err)
		assert.EqualValues(t, 5, got)
	})

	t.Run("property change round trip", func(t *testing.T) {
		seen := make(chan any, 1)
		off := frame.OnEvent("theme:seen", func(evt host.Event) {
			select {
			case seen <- evt.Data:
			default:
			}
		})
		defer off()

		require.NoError(t, frame.Set("theme", "light"))

		select {
		case v := <-seen:
			assert.Equal(t, "light", v)
		case <-time.After(5 * time.Second):
			t.Fatal("watcher event never came back")
		}
	})
}
