// Package observability provides the telemetry stack for the agent loop:
// structured logging with secret redaction, Prometheus metrics, OpenTelemetry
// tracing, and an in-memory run timeline for post-hoc debugging.
//
// The three subsystems are independent; a binary may wire any subset.
// Metrics use the Prometheus default registry and surface through the
// standard /metrics handler. Tracing is a no-op unless an OTLP endpoint is
// configured.
package observability
