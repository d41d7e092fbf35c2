package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/transomlabs/transom/host"
	"github.com/transomlabs/transom/internal/gateway"
	"github.com/transomlabs/transom/internal/infrastructure/config"
	"github.com/transomlabs/transom/internal/infrastructure/logging"
	"github.com/transomlabs/transom/internal/manifest"
)

// serveOptions holds flags for the serve command.
type serveOptions struct {
	*rootOptions
	Host      string
	Port      string
	GRPCPort  string
	GuestRoot string
	Token     string
}

// newServeCommand creates the serve command.
func newServeCommand(rootOpts *rootOptions) *cobra.Command {
	opts := &serveOptions{rootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the channel gateway",
		Long: `Run the gateway daemon.

The gateway serves GET /channel/:name WebSocket upgrades (plus an
optional gRPC listener), /healthz and prometheus /metrics. With a
guest root it also scans for manifests and hosts one frame per
manifest, so guests attaching under those names bind immediately.

Configuration comes from TRANSOM_* environment variables; flags
override the environment.

Example:
  transomd serve --port 7300 --guest-root ./guests --token s3cret
  transomd serve --grpc-port 7301 --verbose`,
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Host, "host", "", "bind address (default from TRANSOM_HOST)")
	cmd.Flags().StringVar(&opts.Port, "port", "", "HTTP port (default from TRANSOM_PORT)")
	cmd.Flags().StringVar(&opts.GRPCPort, "grpc-port", "", "gRPC port, empty disables gRPC attachment")
	cmd.Flags().StringVar(&opts.GuestRoot, "guest-root", "", "directory scanned for guest manifests")
	cmd.Flags().StringVar(&opts.Token, "token", "", "attach token guests must present")

	return cmd
}

func runServe(opts *serveOptions, cmd *cobra.Command) error {
	cfg := config.LoadOrDefault()
	if opts.Host != "" {
		cfg.Gateway.Host = opts.Host
	}
	if opts.Port != "" {
		cfg.Gateway.Port = opts.Port
	}
	if opts.GRPCPort != "" {
		cfg.Gateway.GRPCPort = opts.GRPCPort
	}
	if opts.GuestRoot != "" {
		cfg.Host.GuestRoot = opts.GuestRoot
	}
	if opts.Verbose {
		cfg.Logging.Level = "debug"
		cfg.Logging.Development = true
	}

	lg, err := logging.New(logging.Config{
		Level:       cfg.Logging.Level,
		Development: cfg.Logging.Development,
		OutputPaths: []string{"stderr"},
	})
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer func() { _ = lg.Sync() }()
	logger := lg.Logger

	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	gw := gateway.New(cfg, logger)

	var hosted sync.WaitGroup
	if cfg.Host.GuestRoot != "" {
		manifests, err := manifest.NewScanner(logger).Scan(ctx, cfg.Host.GuestRoot)
		if err != nil {
			return err
		}
		logger.Info("hosting discovered guests",
			zap.String("root", cfg.Host.GuestRoot),
			zap.Int("count", len(manifests)))
		for _, m := range manifests {
			hosted.Add(1)
			go func(m *manifest.Manifest) {
				defer hosted.Done()
				hostGuest(ctx, logger, cfg, gw, m, opts.Token)
			}(m)
		}
	}

	err = gw.Run(ctx)
	stop()
	hosted.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("gateway: %w", err)
	}
	logger.Info("transomd stopped")
	return nil
}

// hostGuest keeps one manifest hosted for the life of the daemon. Each
// session arms a fresh frame; when a guest attaches but never completes
// the handshake the session ends and the next one re-arms the name.
func hostGuest(ctx context.Context, logger *zap.Logger, cfg *config.Config, gw *gateway.Server, m *manifest.Manifest, token string) {
	launcher := gw.Launcher(token)
	for ctx.Err() == nil {
		frame, err := host.NewFromManifest(m,
			host.WithLogger(logger),
			host.WithLoadTimeout(cfg.Host.LoadTimeout),
			host.WithCallTimeout(cfg.Host.CallTimeout),
		)
		if err != nil {
			logger.Error("frame construction failed",
				zap.String("name", m.Name),
				zap.Error(err))
			return
		}
		err = serveFrame(ctx, logger, cfg, frame, launcher)
		frame.Close()
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			logger.Warn("frame session ended",
				zap.String("frame", m.Name),
				zap.Error(err))
		}
	}
}

// serveFrame runs one attach-and-hold session: wait for the guest to
// attach, confirm the handshake, then hold the channel until shutdown.
// Connect is retried while no guest shows up; each attempt re-arms the
// gateway expectation for the frame's name.
func serveFrame(ctx context.Context, logger *zap.Logger, cfg *config.Config, frame *host.Frame, launcher host.Launcher) error {
	logger.Info("waiting for guest",
		zap.String("frame", frame.Name()),
		zap.String("base", frame.Base()))
	for {
		err := frame.Connect(ctx, launcher)
		if err == nil {
			break
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		logger.Debug("no guest yet",
			zap.String("frame", frame.Name()),
			zap.Error(err))
		select {
		case <-time.After(time.Second):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	readyCtx, cancel := context.WithTimeout(ctx, cfg.Host.LoadTimeout)
	defer cancel()
	if err := frame.WaitReady(readyCtx); err != nil {
		return fmt.Errorf("guest attached but never became ready: %w", err)
	}
	logger.Info("guest ready",
		zap.String("frame", frame.Name()),
		zap.String("src", frame.Src()),
		zap.String("policy", frame.Policy().String()))

	<-ctx.Done()
	return nil
}
