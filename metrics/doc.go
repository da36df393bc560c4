// Package metrics provides the Prometheus collectors and OpenTelemetry
// tracer shared by the engine, cache and migration packages.
package metrics
