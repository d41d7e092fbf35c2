package monitoring

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// Message metrics
	MessagesTotal   *prometheus.CounterVec
	MessagesDropped *prometheus.CounterVec
	MessageSize     *prometheus.HistogramVec

	// Call metrics
	CallsTotal    *prometheus.CounterVec
	CallDuration  *prometheus.HistogramVec
	CallsInFlight prometheus.Gauge
	CallTimeouts  prometheus.Counter

	// Channel metrics
	ChannelsActive   prometheus.Gauge
	ChannelsTotal    prometheus.Counter
	CompressedFrames *prometheus.CounterVec
	TransferBuffers  *prometheus.CounterVec

	// Function registry metrics
	FunctionsRegistered prometheus.Gauge
	FunctionsReleased   prometheus.Counter
	ReleasesUnknown     prometheus.Counter

	// Handshake metrics
	Handshakes *prometheus.CounterVec

	// Gateway HTTP metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	// System metrics
	Uptime    prometheus.Gauge
	startTime time.Time

	// Snapshot for JSON API - track current values
	snapshot MetricsSnapshot

	mu sync.RWMutex
}

// MetricsSnapshot holds current metric values for the JSON stats endpoint.
type MetricsSnapshot struct {
	TotalMessages  int64   `json:"total_messages"`
	TotalCalls     int64   `json:"total_calls"`
	TotalErrors    int64   `json:"total_errors"`
	ActiveChannels int64   `json:"active_channels"`
	InFlightCalls  int64   `json:"in_flight_calls"`
	TotalDuration  float64 `json:"total_call_seconds"`
	CallCount      int64   `json:"call_count"`
}

var (
	defaultMetrics *Metrics
	defaultOnce    sync.Once
)

// Default returns the process-wide metrics collector.
//
// Prometheus collectors register against the default registry, so the
// collector must be created exactly once per process.
func Default() *Metrics {
	defaultOnce.Do(func() {
		defaultMetrics = NewMetrics()
	})
	return defaultMetrics
}

// NewMetrics creates a new metrics collector
func NewMetrics() *Metrics {
	m := &Metrics{
		startTime: time.Now(),

		// Message metrics
		MessagesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "transom_messages_total",
				Help: "Total number of channel messages",
			},
			[]string{"direction", "type"},
		),
		MessagesDropped: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "transom_messages_dropped_total",
				Help: "Total number of messages dropped before dispatch",
			},
			[]string{"reason"},
		),
		MessageSize: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "transom_message_size_bytes",
				Help:    "Channel message payload size in bytes",
				Buckets: []float64{100, 1000, 4096, 10000, 100000, 1000000, 10000000},
			},
			[]string{"direction"},
		),

		// Call metrics
		CallsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "transom_calls_total",
				Help: "Total number of cross-boundary function calls",
			},
			[]string{"direction", "status"},
		),
		CallDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "transom_call_duration_seconds",
				Help:    "Cross-boundary call duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
			},
			[]string{"direction"},
		),
		CallsInFlight: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "transom_calls_in_flight",
				Help: "Number of calls awaiting a response",
			},
		),
		CallTimeouts: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "transom_call_timeouts_total",
				Help: "Total number of calls that timed out",
			},
		),

		// Channel metrics
		ChannelsActive: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "transom_channels_active",
				Help: "Number of active channels",
			},
		),
		ChannelsTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "transom_channels_total",
				Help: "Total number of channels opened",
			},
		),
		CompressedFrames: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "transom_compressed_frames_total",
				Help: "Total number of deflate-compressed frames",
			},
			[]string{"direction"},
		),
		TransferBuffers: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "transom_transfer_buffers_total",
				Help: "Total number of binary buffers moved across the channel",
			},
			[]string{"direction"},
		),

		// Function registry metrics
		FunctionsRegistered: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "transom_functions_registered",
				Help: "Number of functions currently exported to the peer",
			},
		),
		FunctionsReleased: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "transom_functions_released_total",
				Help: "Total number of function references released by the peer",
			},
		),
		ReleasesUnknown: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "transom_releases_unknown_total",
				Help: "Total number of release requests for unknown function ids",
			},
		),

		// Handshake metrics
		Handshakes: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "transom_handshakes_total",
				Help: "Total number of handshake attempts",
			},
			[]string{"status"},
		),

		// Gateway HTTP metrics
		RequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "transom_http_requests_total",
				Help: "Total number of gateway HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		RequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "transom_http_request_duration_seconds",
				Help:    "Gateway HTTP request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),

		// System metrics
		Uptime: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "transom_uptime_seconds",
				Help: "Process uptime in seconds",
			},
		),
	}

	// Start uptime updater
	go m.updateUptime()

	return m
}

// updateUptime continuously updates the uptime metric
func (m *Metrics) updateUptime() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for range ticker.C {
		m.Uptime.Set(time.Since(m.startTime).Seconds())
	}
}

// RecordMessage records a channel message
func (m *Metrics) RecordMessage(direction, msgType string, size int) {
	m.MessagesTotal.WithLabelValues(direction, msgType).Inc()
	m.MessageSize.WithLabelValues(direction).Observe(float64(size))

	// Update snapshot
	m.mu.Lock()
	m.snapshot.TotalMessages++
	m.mu.Unlock()
}

// RecordDropped records a message dropped before dispatch
func (m *Metrics) RecordDropped(reason string) {
	m.MessagesDropped.WithLabelValues(reason).Inc()

	m.mu.Lock()
	m.snapshot.TotalErrors++
	m.mu.Unlock()
}

// CallStarted records the start of a cross-boundary call
func (m *Metrics) CallStarted() {
	m.CallsInFlight.Inc()

	m.mu.Lock()
	m.snapshot.InFlightCalls++
	m.mu.Unlock()
}

// CallFinished records the completion of a cross-boundary call
func (m *Metrics) CallFinished(direction, status string, duration time.Duration) {
	m.CallsInFlight.Dec()
	m.CallsTotal.WithLabelValues(direction, status).Inc()
	m.CallDuration.WithLabelValues(direction).Observe(duration.Seconds())
	if status == "timeout" {
		m.CallTimeouts.Inc()
	}

	// Update snapshot
	m.mu.Lock()
	m.snapshot.InFlightCalls--
	m.snapshot.TotalCalls++
	m.snapshot.TotalDuration += duration.Seconds()
	m.snapshot.CallCount++
	if status != "ok" {
		m.snapshot.TotalErrors++
	}
	m.mu.Unlock()
}

// RecordHandshake records a handshake attempt
func (m *Metrics) RecordHandshake(status string) {
	m.Handshakes.WithLabelValues(status).Inc()
}

// RecordCompressedFrame records a deflate-compressed frame
func (m *Metrics) RecordCompressedFrame(direction string) {
	m.CompressedFrames.WithLabelValues(direction).Inc()
}

// RecordTransferBuffers records binary buffers moved across the channel
func (m *Metrics) RecordTransferBuffers(direction string, count int) {
	m.TransferBuffers.WithLabelValues(direction).Add(float64(count))
}

// RecordHTTPRequest records a gateway HTTP request
func (m *Metrics) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	m.RequestsTotal.WithLabelValues(method, path, status).Inc()
	m.RequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// IncChannels increments active channels
func (m *Metrics) IncChannels() {
	m.ChannelsActive.Inc()
	m.ChannelsTotal.Inc()

	m.mu.Lock()
	m.snapshot.ActiveChannels++
	m.mu.Unlock()
}

// DecChannels decrements active channels
func (m *Metrics) DecChannels() {
	m.ChannelsActive.Dec()

	m.mu.Lock()
	m.snapshot.ActiveChannels--
	m.mu.Unlock()
}

// SetFunctionsRegistered sets the number of exported functions
func (m *Metrics) SetFunctionsRegistered(count int) {
	m.FunctionsRegistered.Set(float64(count))
}

// IncFunctionsReleased adds to the released functions counter
func (m *Metrics) IncFunctionsReleased(count int) {
	m.FunctionsReleased.Add(float64(count))
}

// IncReleasesUnknown increments the unknown-release counter
func (m *Metrics) IncReleasesUnknown() {
	m.ReleasesUnknown.Inc()
}

// GetSnapshot returns the current metric values for the JSON API
func (m *Metrics) GetSnapshot() MetricsSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapshot
}
