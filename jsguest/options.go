package jsguest

import (
	"time"

	"go.uber.org/zap"
)

// Option configures a VM.
type Option func(*VM)

// WithLogger routes console output and callback diagnostics to l.
func WithLogger(l *zap.Logger) Option {
	return func(m *VM) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithRunTimeout bounds each synchronous VM entry.
func WithRunTimeout(d time.Duration) Option {
	return func(m *VM) {
		if d > 0 {
			m.runTimeout = d
		}
	}
}
