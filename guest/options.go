package guest

import (
	"time"

	"go.uber.org/zap"

	"github.com/transomlabs/transom/internal/infrastructure/monitoring"
)

// Option configures a Runtime at construction.
type Option func(*Runtime)

// WithLogger sets the runtime's logger. Guests speaking over stdio must
// log to stderr; stdout carries the channel frames.
func WithLogger(logger *zap.Logger) Option {
	return func(r *Runtime) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *monitoring.Metrics) Option {
	return func(r *Runtime) { r.metrics = m }
}

// WithInitTimeout bounds how long Initialize waits for handshake-init.
func WithInitTimeout(d time.Duration) Option {
	return func(r *Runtime) {
		if d > 0 {
			r.initTimeout = d
		}
	}
}

// WithCallTimeout bounds outbound function calls and sends.
func WithCallTimeout(d time.Duration) Option {
	return func(r *Runtime) {
		if d > 0 {
			r.callTimeout = d
		}
	}
}
