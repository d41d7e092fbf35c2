package gateway

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/transomlabs/transom/guest"
	"github.com/transomlabs/transom/host"
	"github.com/transomlabs/transom/internal/channel"
	"github.com/transomlabs/transom/internal/infrastructure/config"
)

func testServer(t *testing.T, mutate func(*config.Config)) (*Server, *httptest.Server) {
	t.Helper()
	cfg := config.Default()
	cfg.RateLimit.Enabled = false
	if mutate != nil {
		mutate(cfg)
	}
	s := New(cfg, nil)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return s, ts
}

func wsURL(ts *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + path
}

func pendingFor(s *Server, name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.pending[name]
	return ok
}

// TestAttachBindsWaitingFrame runs the whole path: a frame launches through
// the gateway, a guest dials the websocket endpoint, the handshake completes
// and a property update reaches the guest.
func TestAttachBindsWaitingFrame(t *testing.T) {
	s, ts := testServer(t, nil)

	f, err := host.New("editor", "/guests/editor/main",
		host.WithProps(map[string]any{"theme": "dark"}))
	require.NoError(t, err)
	defer f.Close()

	connectErr := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		connectErr <- f.Connect(ctx, s.Launcher(""))
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// The expectation registers on the Connect goroutine, so early dials
	// can race it and 404.
	var conn *channel.WSConn
	require.Eventually(t, func() bool {
		c, err := channel.DialWebSocket(ctx, wsURL(ts, "/channel/editor"))
		if err != nil {
			return false
		}
		conn = c
		return true
	}, 2*time.Second, 20*time.Millisecond, "guest never attached")

	rt, err := guest.New(conn)
	require.NoError(t, err)
	defer rt.Cleanup()

	require.NoError(t, rt.Initialize(ctx, ""))
	assert.Equal(t, "editor", rt.Name())
	theme, ok := rt.Prop("theme")
	require.True(t, ok)
	assert.Equal(t, "dark", theme)

	select {
	case err := <-connectErr:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Connect never returned")
	}
	require.NoError(t, f.WaitReady(ctx))

	changes := make(chan map[string]guest.Change, 1)
	stop := rt.Watch(func(cs map[string]guest.Change) {
		select {
		case changes <- cs:
		default:
		}
	})
	defer stop()

	require.NoError(t, f.Set("theme", "light"))
	select {
	case cs := <-changes:
		require.Contains(t, cs, "theme")
		assert.Equal(t, "dark", cs["theme"].Old)
		assert.Equal(t, "light", cs["theme"].New)
	case <-time.After(2 * time.Second):
		t.Fatal("property change never reached the guest")
	}
}

func TestAttachUnknownName(t *testing.T) {
	_, ts := testServer(t, nil)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := channel.DialWebSocket(ctx, wsURL(ts, "/channel/ghost"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 404")
}

func TestAttachTokenChecked(t *testing.T) {
	s, ts := testServer(t, nil)

	f, err := host.New("editor", "/guests/editor/main")
	require.NoError(t, err)
	defer f.Close()

	connectErr := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		connectErr <- f.Connect(ctx, s.Launcher("s3cret"))
	}()

	require.Eventually(t, func() bool { return pendingFor(s, "editor") },
		2*time.Second, 10*time.Millisecond, "expectation never registered")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err = channel.DialWebSocket(ctx, wsURL(ts, "/channel/editor"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 401")

	_, err = channel.DialWebSocket(ctx, wsURL(ts, "/channel/editor?token=wrong"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 401")

	// A rejected attach leaves the frame waiting.
	assert.True(t, pendingFor(s, "editor"))

	conn, err := channel.DialWebSocket(ctx, wsURL(ts, "/channel/editor?token=s3cret"))
	require.NoError(t, err)
	defer conn.Close()

	select {
	case err := <-connectErr:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Connect never returned")
	}
}

func TestDuplicateExpectation(t *testing.T) {
	s, _ := testServer(t, nil)

	_, err := s.expect("editor", "")
	require.NoError(t, err)
	_, err = s.expect("editor", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already waiting")
}

func TestLaunchTimeoutClearsExpectation(t *testing.T) {
	s, _ := testServer(t, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := s.Launcher("").Launch(ctx, host.LaunchSpec{Name: "editor", Src: "/e"})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, pendingFor(s, "editor"))

	// The slot frees for the next launch.
	_, err = s.expect("editor", "")
	require.NoError(t, err)
}

func TestAbandonedExpectationDropsLateAttach(t *testing.T) {
	s, _ := testServer(t, nil)

	p, err := s.expect("editor", "")
	require.NoError(t, err)
	taken, ok := s.take("editor")
	require.True(t, ok)
	require.Same(t, p, taken)

	s.abandon(p)

	a, b := channel.Pipe("gateway://local", "guest://editor")
	defer a.Close()
	defer b.Close()
	assert.False(t, s.deliver(p, a), "delivery after abandon must be refused")

	s.restore("editor", p)
	assert.False(t, pendingFor(s, "editor"), "restore must not resurrect an abandoned slot")
}

func TestGRPCAttachBindsFrame(t *testing.T) {
	s, _ := testServer(t, nil)

	p, err := s.expect("editor", "")
	require.NoError(t, err)

	gw, guestEnd := channel.Pipe("gateway://local", "guest://editor")
	defer guestEnd.Close()

	done := make(chan struct{})
	go func() {
		s.attachGRPC(gw)
		close(done)
	}()

	var conn channel.Conn
	select {
	case conn = <-p.ch:
	case <-time.After(2 * time.Second):
		t.Fatal("conn never delivered")
	}

	require.NoError(t, guestEnd.Send(context.Background(), []byte("ping"), nil))
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	payload, _, err := conn.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(payload))

	// Closing the delivered conn releases the stream handler.
	require.NoError(t, conn.Close())
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("grpc handler never released")
	}
}

func TestGRPCAttachNoWaitingFrame(t *testing.T) {
	s, _ := testServer(t, nil)

	gw, guestEnd := channel.Pipe("gateway://local", "guest://ghost")
	s.attachGRPC(gw)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, _, err := guestEnd.Recv(ctx)
	require.ErrorIs(t, err, channel.ErrClosed)
}

func TestGRPCAttachRequiresGuestOrigin(t *testing.T) {
	s, _ := testServer(t, nil)

	gw, guestEnd := channel.Pipe("gateway://local", "app://not-a-guest")
	s.attachGRPC(gw)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, _, err := guestEnd.Recv(ctx)
	require.ErrorIs(t, err, channel.ErrClosed)
}

func TestGRPCAttachRejectsTokenedFrame(t *testing.T) {
	s, _ := testServer(t, nil)

	_, err := s.expect("editor", "s3cret")
	require.NoError(t, err)

	gw, guestEnd := channel.Pipe("gateway://local", "guest://editor")
	s.attachGRPC(gw)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, _, err = guestEnd.Recv(ctx)
	require.ErrorIs(t, err, channel.ErrClosed)

	// The frame keeps waiting for a websocket attach.
	assert.True(t, pendingFor(s, "editor"))
}

func TestHealthz(t *testing.T) {
	_, ts := testServer(t, nil)

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `"status":"ok"`)
}

func TestMetricsEndpoint(t *testing.T) {
	_, ts := testServer(t, nil)

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "transom_")
}

func TestStatsEndpoint(t *testing.T) {
	s, ts := testServer(t, nil)
	s.metrics.RecordMessage("in", "attribute-change", 64)

	resp, err := http.Get(ts.URL + "/stats")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var snap map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&snap))
	assert.GreaterOrEqual(t, snap["total_messages"], float64(1))
	assert.Contains(t, snap, "active_channels")
}

func TestCORSAllowsAnyOriginByDefault(t *testing.T) {
	_, ts := testServer(t, nil)

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/healthz", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://apps.example.com")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestRateLimit(t *testing.T) {
	_, ts := testServer(t, func(cfg *config.Config) {
		cfg.RateLimit = config.RateLimitConfig{RequestsPerSecond: 1, Burst: 1, Enabled: true}
	})

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}
