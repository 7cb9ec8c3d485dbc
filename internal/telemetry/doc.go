// Package telemetry обеспечивает наблюдаемость.
//
// Включает:
//   - logging.go — structured logging через slog
//   - metrics.go — HTTP сервер /healthz и /metrics (Prometheus)
package telemetry
