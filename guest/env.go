package guest

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"syscall"

	"github.com/transomlabs/transom/internal/channel"
	"github.com/transomlabs/transom/internal/channel/grpcchan"
	"github.com/transomlabs/transom/internal/infrastructure/config"
	"github.com/transomlabs/transom/internal/infrastructure/logging"
)

// FromEnv builds and initializes a runtime from the TRANSOM_* environment a
// launcher injects. The channel kind selects the transport: stdio inherits
// the process pipes, ws/grpc dial TRANSOM_ENDPOINT. The handshake origin
// check applies to the stdio channel; dialed transports pin the endpoint
// they were given instead.
func FromEnv(ctx context.Context, opts ...Option) (*Runtime, error) {
	cfg, err := config.LoadGuest()
	if err != nil {
		return nil, err
	}
	if cfg.Name == "" {
		return nil, errors.New("guest: TRANSOM_NAME not set, not launched by a host")
	}

	logger := logging.NewNop().Logger
	if cfg.LogLevel != "" {
		lg, err := logging.New(logging.Config{
			Level:       cfg.LogLevel,
			OutputPaths: []string{"stderr"},
		})
		if err != nil {
			return nil, fmt.Errorf("guest: logger: %w", err)
		}
		logger = lg.Logger
	}

	expectedOrigin := ""
	var conn channel.Conn
	switch cfg.Channel {
	case "stdio":
		conn = channel.NewStdio(os.Stdin, os.Stdout, cfg.Origin)
		expectedOrigin = cfg.Origin
	case "ws", "websocket":
		if cfg.Endpoint == "" {
			return nil, errors.New("guest: ws channel needs TRANSOM_ENDPOINT")
		}
		endpoint, err := attachToken(cfg.Endpoint, cfg.Token)
		if err != nil {
			return nil, err
		}
		conn, err = channel.DialWebSocket(ctx, endpoint)
		if err != nil {
			return nil, err
		}
	case "grpc":
		if cfg.Endpoint == "" {
			return nil, errors.New("guest: grpc channel needs TRANSOM_ENDPOINT")
		}
		conn, err = grpcchan.Dial(ctx, cfg.Endpoint, "guest://"+cfg.Name)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("guest: unknown channel kind %q", cfg.Channel)
	}

	base := []Option{
		WithLogger(logger),
		WithInitTimeout(cfg.InitTimeout),
	}
	rt, err := New(conn, append(base, opts...)...)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := rt.Initialize(ctx, expectedOrigin); err != nil {
		conn.Close()
		return nil, err
	}
	return rt, nil
}

// attachToken adds the gateway attach token as a query parameter.
func attachToken(endpoint, token string) (string, error) {
	if token == "" {
		return endpoint, nil
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("guest: parse endpoint: %w", err)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Main wraps a guest program: build the runtime from the environment, run
// the program under a signal-aware context and tear down on the way out.
// Typical use:
//
//	func main() {
//		if err := guest.Main(run); err != nil {
//			fmt.Fprintln(os.Stderr, err)
//			os.Exit(1)
//		}
//	}
func Main(run func(ctx context.Context, rt *Runtime) error) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := FromEnv(ctx)
	if err != nil {
		return err
	}
	defer rt.Cleanup()
	return run(ctx, rt)
}
