package tracing

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/transomlabs/transom/internal/shared/id"
)

// TraceID identifies one request flow across the host/guest boundary.
type TraceID string

// SpanID identifies a single operation within a trace.
type SpanID string

// Span records one timed operation. Callers tag it while the operation
// runs, then Finish and Submit it.
type Span struct {
	TraceID   TraceID
	SpanID    SpanID
	ParentID  SpanID
	Name      string
	Service   string
	StartTime time.Time
	EndTime   time.Time
	Duration  time.Duration
	Tags      map[string]string
	Error     error
}

// Tracer collects spans for one side of the channel and emits them through
// the structured logger. Spans are processed on a background goroutine so
// Submit never blocks the path being traced.
type Tracer struct {
	service string
	logger  *zap.Logger
	done    chan struct{}

	mu      sync.Mutex
	spans   chan *Span
	stopped bool
}

// New creates a tracer for the named service and starts its collector.
// The caller owns the tracer and stops it when the service winds down.
func New(service string, logger *zap.Logger) *Tracer {
	t := &Tracer{
		service: service,
		logger:  logger,
		done:    make(chan struct{}),
		spans:   make(chan *Span, 1000),
	}
	go t.collect()
	return t
}

// StartSpan opens a span under the trace carried by ctx, minting a fresh
// trace when ctx has none. The returned context carries the new span so
// child operations nest under it.
func (t *Tracer) StartSpan(ctx context.Context, name string) (*Span, context.Context) {
	traceID, _ := ctx.Value(traceIDKey).(TraceID)
	if traceID == "" {
		traceID = TraceID(id.Default().GenerateWithPrefix("trace"))
	}
	parentID, _ := ctx.Value(spanIDKey).(SpanID)

	span := &Span{
		TraceID:   traceID,
		SpanID:    SpanID(id.Default().GenerateWithPrefix("span")),
		ParentID:  parentID,
		Name:      name,
		Service:   t.service,
		StartTime: time.Now(),
		Tags:      make(map[string]string),
	}
	return span, withTrace(ctx, traceID, span.SpanID)
}

// Finish stamps the end time and duration.
func (s *Span) Finish() {
	s.EndTime = time.Now()
	s.Duration = s.EndTime.Sub(s.StartTime)
}

// SetTag annotates the span.
func (s *Span) SetTag(key, value string) {
	s.Tags[key] = value
}

// SetError marks the span failed. Failed spans log at error level.
func (s *Span) SetError(err error) {
	s.Error = err
}

// Submit hands a finished span to the collector. When the buffer is full
// the span is dropped rather than stalling the traced path; after Stop it
// is discarded.
func (t *Tracer) Submit(span *Span) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return
	}
	select {
	case t.spans <- span:
	default:
		t.logger.Warn("span buffer full, dropping span",
			zap.String("trace_id", string(span.TraceID)),
			zap.String("span_id", string(span.SpanID)),
		)
	}
}

// Stop shuts the collector down after draining buffered spans. Idempotent;
// spans submitted afterwards are discarded.
func (t *Tracer) Stop() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.stopped = true
	close(t.spans)
	t.mu.Unlock()
	<-t.done
}

func (t *Tracer) collect() {
	defer close(t.done)
	for span := range t.spans {
		t.process(span)
	}
}

func (t *Tracer) process(span *Span) {
	fields := []zap.Field{
		zap.String("trace_id", string(span.TraceID)),
		zap.String("span_id", string(span.SpanID)),
		zap.String("operation", span.Name),
		zap.Duration("duration", span.Duration),
		zap.String("service", span.Service),
	}
	if span.ParentID != "" {
		fields = append(fields, zap.String("parent_id", string(span.ParentID)))
	}
	for key, value := range span.Tags {
		fields = append(fields, zap.String(key, value))
	}
	if span.Error != nil {
		fields = append(fields, zap.Error(span.Error))
		t.logger.Error("span completed with error", fields...)
		return
	}
	t.logger.Debug("span completed", fields...)
}

type contextKey string

const (
	traceIDKey contextKey = "trace_id"
	spanIDKey  contextKey = "span_id"
)

// withTrace returns ctx carrying the given identifiers, skipping empty
// ones so absent headers do not shadow inherited values.
func withTrace(ctx context.Context, traceID TraceID, spanID SpanID) context.Context {
	if traceID != "" {
		ctx = context.WithValue(ctx, traceIDKey, traceID)
	}
	if spanID != "" {
		ctx = context.WithValue(ctx, spanIDKey, spanID)
	}
	return ctx
}

// ExtractTraceContext reads propagated identifiers from transport headers.
// Missing headers yield empty values.
func ExtractTraceContext(headers map[string]string) (TraceID, SpanID) {
	return TraceID(headers["X-Trace-ID"]), SpanID(headers["X-Span-ID"])
}
