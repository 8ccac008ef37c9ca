// Package telemetry wires OpenTelemetry tracing and metrics for readyd.
//
// Telemetry is optional. When disabled or when an exporter fails to start,
// Tracer and Meter fall back to the global no-op providers and the service
// keeps running in a degraded state.
package telemetry
