// Package gateway runs the attachment surface for out-of-process guests:
// an HTTP server upgrading /channel/:name to a WebSocket channel, and an
// optional gRPC listener serving the same attach semantics. Inbound
// connections are bound to frames waiting under the matching name.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"google.golang.org/grpc"

	"github.com/transomlabs/transom/host"
	"github.com/transomlabs/transom/internal/channel"
	"github.com/transomlabs/transom/internal/channel/grpcchan"
	"github.com/transomlabs/transom/internal/infrastructure/config"
	"github.com/transomlabs/transom/internal/infrastructure/monitoring"
	"github.com/transomlabs/transom/internal/infrastructure/tracing"
)

const shutdownGrace = 5 * time.Second

// pending is one frame waiting for its guest to attach.
type pending struct {
	tokenHash []byte
	ch        chan channel.Conn

	// abandoned is guarded by Server.mu and set once the launch gives up.
	abandoned bool
}

// Server accepts guest attachments and hands them to waiting frames.
type Server struct {
	cfg     *config.Config
	logger  *zap.Logger
	metrics *monitoring.Metrics
	tracer  *tracing.Tracer
	router  *gin.Engine

	mu      sync.Mutex
	pending map[string]*pending
}

// New assembles the gateway router with the teacher middleware chain:
// recovery, tracing, metrics, CORS and optional per-IP rate limiting.
func New(cfg *config.Config, logger *zap.Logger) *Server {
	if cfg == nil {
		cfg = config.Default()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	if !cfg.Logging.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()

	s := &Server{
		cfg:     cfg,
		logger:  logger,
		metrics: monitoring.Default(),
		tracer:  tracing.New("gateway", logger),
		router:  router,
		pending: make(map[string]*pending),
	}

	router.Use(gin.Recovery())
	router.Use(tracing.HTTPMiddleware(s.tracer))
	router.Use(monitoring.Middleware(s.metrics))
	router.Use(corsMiddleware(cfg.Gateway.AllowOrigins))
	if cfg.RateLimit.Enabled {
		logger.Info("rate limiting enabled",
			zap.Int("rps", cfg.RateLimit.RequestsPerSecond),
			zap.Int("burst", cfg.RateLimit.Burst))
		router.Use(rateLimit(cfg.RateLimit))
	}

	router.GET("/healthz", s.health)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/stats", s.stats)
	router.GET("/channel/:name", s.attach)

	return s
}

// Handler exposes the HTTP surface, mainly for tests.
func (s *Server) Handler() http.Handler { return s.router }

// Launcher adapts the gateway into a frame launcher: Launch blocks until a
// guest attaches under the frame's name or the context expires. A non-empty
// token must be presented by the attaching guest.
func (s *Server) Launcher(token string) host.Launcher {
	return host.LauncherFunc(func(ctx context.Context, spec host.LaunchSpec) (channel.Conn, error) {
		p, err := s.expect(spec.Name, token)
		if err != nil {
			return nil, err
		}
		defer s.forget(spec.Name, p)

		select {
		case conn := <-p.ch:
			return conn, nil
		case <-ctx.Done():
			s.abandon(p)
			// An attachment racing with the deadline still wins.
			select {
			case conn := <-p.ch:
				return conn, nil
			default:
			}
			return nil, fmt.Errorf("gateway: no guest attached for %s: %w", spec.Name, ctx.Err())
		}
	})
}

// expect registers a waiting frame. One expectation per name at a time.
func (s *Server) expect(name, token string) (*pending, error) {
	var hash []byte
	if token != "" {
		h, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
		if err != nil {
			return nil, fmt.Errorf("gateway: hash attach token: %w", err)
		}
		hash = h
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.pending[name]; exists {
		return nil, fmt.Errorf("gateway: a frame is already waiting for %q", name)
	}
	p := &pending{tokenHash: hash, ch: make(chan channel.Conn, 1)}
	s.pending[name] = p
	return p, nil
}

// forget clears an expectation, but only the one that registered p, so a
// timed-out launch cannot delete a successor's slot.
func (s *Server) forget(name string, p *pending) {
	s.mu.Lock()
	if cur, ok := s.pending[name]; ok && cur == p {
		delete(s.pending, name)
	}
	s.mu.Unlock()
}

// take atomically claims the expectation for name, so exactly one
// attachment can be delivered.
func (s *Server) take(name string) (*pending, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pending[name]
	if ok {
		delete(s.pending, name)
	}
	return p, ok
}

// restore puts a taken expectation back after a failed attach, unless the
// launch gave up or a new expectation appeared meanwhile.
func (s *Server) restore(name string, p *pending) {
	s.mu.Lock()
	if _, exists := s.pending[name]; !exists && !p.abandoned {
		s.pending[name] = p
	}
	s.mu.Unlock()
}

// abandon marks a launch as given up so a late attachment closes its conn
// instead of stranding it in the handoff buffer.
func (s *Server) abandon(p *pending) {
	s.mu.Lock()
	p.abandoned = true
	s.mu.Unlock()
}

// deliver hands the conn to the waiting launch. The send never blocks: take
// guarantees a single deliverer per expectation and the buffer holds one.
func (s *Server) deliver(p *pending, conn channel.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.abandoned {
		return false
	}
	p.ch <- conn
	return true
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// stats serves the JSON counterpart of /metrics for dashboards that do not
// scrape prometheus.
func (s *Server) stats(c *gin.Context) {
	c.JSON(http.StatusOK, s.metrics.GetSnapshot())
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Browser origins are vetted here; non-browser guests send no Origin.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// attach upgrades an inbound guest connection and binds it to the waiting
// frame. 404 when no frame waits under the name, 401 on a bad token.
func (s *Server) attach(c *gin.Context) {
	name := c.Param("name")

	p, ok := s.take(name)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no frame waiting for " + name})
		return
	}
	if len(p.tokenHash) > 0 {
		token := c.Query("token")
		if bcrypt.CompareHashAndPassword(p.tokenHash, []byte(token)) != nil {
			s.restore(name, p)
			s.metrics.RecordDropped("bad-token")
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid attach token"})
			return
		}
	}

	raw, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.restore(name, p)
		s.logger.Warn("websocket upgrade failed",
			zap.String("name", name),
			zap.Error(err))
		return
	}

	origin := c.Request.Header.Get("Origin")
	if origin == "" {
		origin = "guest://" + name
	}
	conn := channel.NewWebSocket(raw, origin)
	if !s.deliver(p, conn) {
		// The frame gave up while the upgrade was in flight.
		conn.Close()
		return
	}

	s.logger.Info("guest attached",
		zap.String("name", name),
		zap.String("session", uuid.NewString()),
		zap.String("origin", origin),
		zap.String("transport", "websocket"))
}

// attachGRPC serves the same binding for gRPC attachments. The guest's
// advertised origin carries the frame name (guest://<name>). The handler
// blocks for the channel's lifetime; returning would tear the stream down.
func (s *Server) attachGRPC(conn channel.Conn) {
	name := strings.TrimPrefix(conn.Origin(), "guest://")
	if name == "" || name == conn.Origin() {
		s.logger.Warn("grpc attach without guest origin",
			zap.String("origin", conn.Origin()))
		conn.Close()
		return
	}

	p, ok := s.take(name)
	if !ok {
		s.logger.Warn("grpc attach with no waiting frame", zap.String("name", name))
		conn.Close()
		return
	}
	if len(p.tokenHash) > 0 {
		// Token verification is a WebSocket query concern; a tokened frame
		// cannot be attached over gRPC.
		s.restore(name, p)
		s.logger.Warn("rejecting grpc attach for tokened frame", zap.String("name", name))
		s.metrics.RecordDropped("bad-token")
		conn.Close()
		return
	}

	tracked := &trackedConn{Conn: conn, done: make(chan struct{})}
	if !s.deliver(p, tracked) {
		conn.Close()
		return
	}

	s.logger.Info("guest attached",
		zap.String("name", name),
		zap.String("session", uuid.NewString()),
		zap.String("origin", conn.Origin()),
		zap.String("transport", "grpc"))

	<-tracked.done
}

// trackedConn signals when the conn stops serving, releasing the gRPC
// stream handler that carries it.
type trackedConn struct {
	channel.Conn
	once sync.Once
	done chan struct{}
}

func (c *trackedConn) Recv(ctx context.Context) ([]byte, [][]byte, error) {
	payload, buffers, err := c.Conn.Recv(ctx)
	if err != nil && errors.Is(err, channel.ErrClosed) {
		c.once.Do(func() { close(c.done) })
	}
	return payload, buffers, err
}

func (c *trackedConn) Close() error {
	err := c.Conn.Close()
	c.once.Do(func() { close(c.done) })
	return err
}

// Run serves HTTP (and gRPC when configured) until ctx is canceled, then
// shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	defer s.tracer.Stop()

	addr := net.JoinHostPort(s.cfg.Gateway.Host, s.cfg.Gateway.Port)
	httpSrv := &http.Server{Addr: addr, Handler: s.router}

	errCh := make(chan error, 2)
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var grpcSrv *grpc.Server
	if s.cfg.Gateway.GRPCPort != "" {
		grpcAddr := net.JoinHostPort(s.cfg.Gateway.Host, s.cfg.Gateway.GRPCPort)
		lis, err := net.Listen("tcp", grpcAddr)
		if err != nil {
			return fmt.Errorf("gateway: listen grpc: %w", err)
		}
		grpcSrv = grpc.NewServer(
			grpc.ChainStreamInterceptor(tracing.GRPCStreamInterceptor(s.tracer)),
		)
		grpcchan.Register(grpcSrv, s.attachGRPC)
		go func() {
			if err := grpcSrv.Serve(lis); err != nil {
				errCh <- err
			}
		}()
		s.logger.Info("gateway grpc listening", zap.String("addr", grpcAddr))
	}

	s.logger.Info("gateway listening", zap.String("addr", addr))

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("gateway shutting down")
	if grpcSrv != nil {
		// Attached channels are long-lived streams; GracefulStop would
		// never return while one is bound.
		grpcSrv.Stop()
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	return httpSrv.Shutdown(shutdownCtx)
}
