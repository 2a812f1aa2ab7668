// Package api содержит HTTP API сервер.
//
// Структура:
//   - handler.go          — Handler с DI (сервис pipeline, очередь, события, logger)
//   - routes.go           — регистрация маршрутов
//   - middleware.go       — middleware (logging, recovery, metrics)
//   - response.go         — унифицированные JSON-ответы и обработка ошибок
//   - dto.go              — Data Transfer Objects (request/response)
//   - pipeline_handler.go — обработчики для /pipelines
//   - job_handler.go      — обработчики для /jobs и /queue
//   - events_handler.go   — поток событий pipeline (Server-Sent Events)
//
// API предоставляет REST endpoints для запуска, отмены и наблюдения
// за pipelines и отправки отдельных стадий в очередь.
package api
