package host

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/exec"
	"sync"

	"go.uber.org/zap"

	"github.com/transomlabs/transom/internal/channel"
	"github.com/transomlabs/transom/internal/channel/grpcchan"
	"github.com/transomlabs/transom/internal/manifest"
)

// LaunchSpec carries what a launcher needs to start or reach one guest.
type LaunchSpec struct {
	Name   string
	Src    string
	Base   string
	Policy Policy
	Origin string
}

// Launcher turns a launch spec into a live channel end. The frame owns the
// returned conn and closes it on teardown.
type Launcher interface {
	Launch(ctx context.Context, spec LaunchSpec) (channel.Conn, error)
}

// LauncherFunc adapts a function to the Launcher interface.
type LauncherFunc func(ctx context.Context, spec LaunchSpec) (channel.Conn, error)

func (f LauncherFunc) Launch(ctx context.Context, spec LaunchSpec) (channel.Conn, error) {
	return f(ctx, spec)
}

// PipeLauncher runs the guest in-process: Run receives the guest end of a
// pipe pair on its own goroutine. Used by tests and same-process embedding.
type PipeLauncher struct {
	Run func(conn channel.Conn)
}

func (l *PipeLauncher) Launch(_ context.Context, spec LaunchSpec) (channel.Conn, error) {
	if l.Run == nil {
		return nil, fmt.Errorf("host: pipe launcher for %s has no guest", spec.Name)
	}
	hostEnd, guestEnd := channel.Pipe(spec.Origin, "pipe://"+spec.Name)
	go l.Run(guestEnd)
	return hostEnd, nil
}

// ProcessLauncher spawns the guest as a subprocess speaking the stdio
// channel. The child's environment is scrubbed: nothing is inherited except
// PATH, plus the TRANSOM_* variables describing the session.
type ProcessLauncher struct {
	// Command is the argv prefix; the guest source path is appended.
	Command []string
	// Dir is the child's working directory.
	Dir string
	// Logger receives the child's stderr lines.
	Logger *zap.Logger
}

func (l *ProcessLauncher) Launch(ctx context.Context, spec LaunchSpec) (channel.Conn, error) {
	if len(l.Command) == 0 {
		return nil, fmt.Errorf("host: process launcher for %s has no command", spec.Name)
	}
	if !spec.Policy.Allows(CapScripts) {
		return nil, fmt.Errorf("host: policy %q denies scripts, cannot spawn %s", spec.Policy, spec.Name)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	logger := l.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	// The launch context bounds the spawn only. The child outlives it and
	// is reaped by the conn's Close.
	args := append(append([]string{}, l.Command[1:]...), spec.Src)
	cmd := exec.Command(l.Command[0], args...)
	cmd.Dir = l.Dir
	cmd.Env = guestEnv(spec)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("host: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("host: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("host: stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("host: start %s: %w", l.Command[0], err)
	}

	go forwardStderr(stderr, spec.Name, logger)
	conn := channel.NewStdio(stdout, stdin, "process://"+spec.Name)
	return &processConn{StdioConn: conn, cmd: cmd, logger: logger, name: spec.Name}, nil
}

// guestEnv builds the scrubbed child environment. The origin is only handed
// over when the policy grants same-origin; otherwise the guest sees an
// opaque sandbox origin, mirroring how an isolated document gets a null
// origin.
func guestEnv(spec LaunchSpec) []string {
	origin := spec.Origin
	if !spec.Policy.Allows(CapSameOrigin) {
		origin = "sandbox://" + spec.Name
	}
	return []string{
		"PATH=" + os.Getenv("PATH"),
		"TRANSOM_NAME=" + spec.Name,
		"TRANSOM_BASE=" + spec.Base,
		"TRANSOM_CHANNEL=stdio",
		"TRANSOM_ORIGIN=" + origin,
		"TRANSOM_POLICY=" + spec.Policy.String(),
	}
}

func forwardStderr(r io.Reader, name string, logger *zap.Logger) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		logger.Info("guest stderr",
			zap.String("frame", name),
			zap.String("line", scanner.Text()))
	}
}

// processConn ties the stdio channel to the child's lifetime: closing the
// channel also reaps the process.
type processConn struct {
	*channel.StdioConn
	cmd    *exec.Cmd
	logger *zap.Logger
	name   string
	once   sync.Once
}

func (c *processConn) Close() error {
	c.once.Do(func() {
		c.StdioConn.Close()
		if c.cmd.Process != nil {
			c.cmd.Process.Kill()
		}
		err := c.cmd.Wait()
		c.logger.Debug("guest process exited",
			zap.String("frame", c.name),
			zap.Error(err))
	})
	return nil
}

// DialLauncher reaches a guest that is already running: ws:// and wss://
// dial the endpoint directly, grpc:// attaches a stream, and http(s)://
// resolves a manifest first and dials whatever its src points at.
type DialLauncher struct {
	// Fetcher resolves http(s) manifest URLs. Nil uses a default client.
	Fetcher *manifest.Fetcher
}

func (l *DialLauncher) Launch(ctx context.Context, spec LaunchSpec) (channel.Conn, error) {
	return l.dial(ctx, spec, spec.Src, true)
}

func (l *DialLauncher) dial(ctx context.Context, spec LaunchSpec, src string, allowManifest bool) (channel.Conn, error) {
	u, err := url.Parse(src)
	if err != nil {
		return nil, fmt.Errorf("host: parse guest src %q: %w", src, err)
	}
	switch u.Scheme {
	case "ws", "wss":
		return channel.DialWebSocket(ctx, src)
	case "grpc":
		return grpcchan.Dial(ctx, u.Host, spec.Origin)
	case "http", "https":
		if !allowManifest {
			return nil, fmt.Errorf("host: manifest at %s points at another manifest", src)
		}
		fetcher := l.Fetcher
		if fetcher == nil {
			fetcher = manifest.NewFetcher(0)
		}
		m, err := fetcher.Manifest(ctx, src)
		if err != nil {
			return nil, err
		}
		return l.dial(ctx, spec, m.Src, false)
	default:
		return nil, fmt.Errorf("host: cannot dial guest src %q", src)
	}
}
