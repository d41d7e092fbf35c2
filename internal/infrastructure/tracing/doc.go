/*
Package tracing provides lightweight tracing for debugging channel issues.

# Overview

This package implements minimal span-based tracing to follow a message or
call across the host/guest boundary. It follows OpenTelemetry concepts but
with a small implementation tailored to channel traffic: spans are emitted
through the structured logger rather than exported to a backend.

# Features

- Trace context propagation via HTTP headers and gRPC metadata
- Span creation and management with parent-child relationships
- Automatic trace ID generation
- Gin middleware and gRPC stream interceptor for the gateway
- Low overhead with buffered asynchronous span collection

# Usage

	// Create tracer
	tracer := tracing.New("host", logger)
	defer tracer.Stop()

	// Gateway HTTP middleware
	router.Use(tracing.HTTPMiddleware(tracer))

	// Manual span creation
	span, ctx := tracer.StartSpan(ctx, "handshake")
	span.SetTag("guest", guestID)
	defer func() {
		span.Finish()
		tracer.Submit(span)
	}()

# Trace Format

Traces use standard HTTP headers for propagation:
- X-Trace-ID: Unique identifier for entire request flow
- X-Span-ID: Identifier for current operation
*/
package tracing
