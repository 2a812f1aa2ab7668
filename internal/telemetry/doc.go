// Package telemetry обеспечивает наблюдаемость Conveyor.
//
// Включает:
//   - logging.go — structured logging через slog
//   - metrics.go — Prometheus метрики очереди и pipeline
//   - tracing.go — OpenTelemetry трейсинг выполнения стадий
//
// Все бинарники используют единый формат логирования
// и экспортируют метрики на /metrics endpoint.
package telemetry
