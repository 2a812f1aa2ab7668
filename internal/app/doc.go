// Package app собирает компоненты Conveyor для процессов conveyor-server
// и conveyor-worker: хранилища по database.driver, соединение с RabbitMQ,
// Runner, Queue, задачи обслуживания и HTTP-сервер с /healthz и /metrics.
package app
