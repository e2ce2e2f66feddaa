// Package observability provides structured logging, Prometheus metrics and
// optional OpenTelemetry tracing for the opsdeck services.
//
// The Logger is a thin wrapper over stdlib slog with a JSON handler; handlers
// and long-lived servers receive it via constructor injection. Metrics are
// registered on a caller-owned prometheus.Registry so tests can register
// freely without global-registry collisions.
package observability
