package host

import (
	"time"

	"go.uber.org/zap"

	"github.com/transomlabs/transom/internal/infrastructure/monitoring"
)

const (
	// DefaultLoadTimeout bounds guest launch plus load.
	DefaultLoadTimeout = 10 * time.Second
	// DefaultOrigin identifies the host when no explicit origin is set.
	DefaultOrigin = "app://host"
)

// Option configures a Frame at construction.
type Option func(*Frame)

// WithBase overrides the routing prefix, which defaults to "/"+name.
func WithBase(base string) Option {
	return func(f *Frame) { f.base = base }
}

// WithSandbox sets the sandbox policy string. Empty keeps the default.
func WithSandbox(policy string) Option {
	return func(f *Frame) { f.sandboxRaw = policy }
}

// WithOrigin sets the origin advertised to the guest during launch.
func WithOrigin(origin string) Option {
	return func(f *Frame) { f.origin = origin }
}

// WithLogger attaches a logger. Nil keeps the no-op default.
func WithLogger(logger *zap.Logger) Option {
	return func(f *Frame) {
		if logger != nil {
			f.logger = logger
		}
	}
}

// WithMetrics overrides the process-wide metrics collector.
func WithMetrics(m *monitoring.Metrics) Option {
	return func(f *Frame) {
		if m != nil {
			f.metrics = m
		}
	}
}

// WithLoadTimeout bounds Connect's launch phase.
func WithLoadTimeout(d time.Duration) Option {
	return func(f *Frame) {
		if d > 0 {
			f.loadTimeout = d
		}
	}
}

// WithCallTimeout bounds outbound function calls and forwarded sends.
func WithCallTimeout(d time.Duration) Option {
	return func(f *Frame) {
		if d > 0 {
			f.callTimeout = d
		}
	}
}

// WithProps seeds application properties before the handshake snapshot.
func WithProps(values map[string]any) Option {
	return func(f *Frame) { f.initialProps = values }
}

// WithAttrs seeds string attributes before the handshake snapshot.
func WithAttrs(values map[string]string) Option {
	return func(f *Frame) { f.initialAttrs = values }
}

// WithHandlers registers event handlers at construction, the explicit
// replacement for name-derived dispatch.
func WithHandlers(handlers map[string]Handler) Option {
	return func(f *Frame) { f.initialHandlers = handlers }
}
