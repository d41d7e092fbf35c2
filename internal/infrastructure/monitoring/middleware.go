package monitoring

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
)

// Middleware creates a Gin middleware for metrics collection
func Middleware(metrics *Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		method := c.Request.Method

		// Process request
		c.Next()

		// Record metrics
		duration := time.Since(start)
		status := strconv.Itoa(c.Writer.Status())
		metrics.RecordHTTPRequest(method, path, status, duration)
	}
}

// CallTimer measures cross-boundary call duration
type CallTimer struct {
	start     time.Time
	metrics   *Metrics
	direction string
}

// NewCallTimer creates a timer and marks the call in flight
func NewCallTimer(metrics *Metrics, direction string) *CallTimer {
	metrics.CallStarted()
	return &CallTimer{
		start:     time.Now(),
		metrics:   metrics,
		direction: direction,
	}
}

// Stop stops the timer and records the call outcome
func (t *CallTimer) Stop(status string) {
	duration := time.Since(t.start)
	t.metrics.CallFinished(t.direction, status, duration)
}
