/*
Package monitoring provides performance monitoring and metrics collection.

# Overview

This package implements Prometheus-based metrics collection for the transom
runtime, tracking channel traffic, cross-boundary calls, function registries,
and gateway HTTP requests.

# Features

- Message metrics (per type and direction, dropped, payload size)
- Call metrics (duration, in-flight, timeouts)
- Channel lifecycle metrics (active, compressed frames, transfer buffers)
- Function registry metrics (exported, released, unknown releases)
- Gateway HTTP metrics (latency, throughput)
- System metrics (uptime)

# Usage

	// Create metrics collector (one per process)
	metrics := monitoring.Default()

	// Add middleware to Gin router
	router.Use(monitoring.Middleware(metrics))

	// Record channel traffic
	metrics.RecordMessage("in", "function-call", len(payload))

	// Time cross-boundary calls
	timer := monitoring.NewCallTimer(metrics, "out")
	// ... perform call ...
	timer.Stop("ok")

# Metrics Endpoint

Expose metrics via the standard Prometheus endpoint:

	import "github.com/prometheus/client_golang/prometheus/promhttp"
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
*/
package monitoring
