// Package mq предоставляет инфраструктуру для работы с RabbitMQ.
//
// RabbitMQ не хранит состояние jobs: источник истины — Store очереди.
// Брокер используется для трёх вещей:
//   - job.ready      — пробуждение воркеров других процессов (priority queue)
//   - job.event      — события жизненного цикла jobs от conveyor-worker к серверу
//   - progress.event — ретрансляция ProgressEvent между экземплярами сервера
//
// Структура:
//   - connection.go — управление соединением с RabbitMQ (reconnect, graceful shutdown)
//   - topology.go   — объявление exchanges, queues, bindings
//   - publisher.go  — публикация сообщений
//   - consumer.go   — потребление сообщений из очередей
//   - relay.go      — адаптеры для queue.Listener и обработчики входящих сообщений
//
// Exchanges:
//   - conveyor.jobs   — wake-ups и события jobs
//   - conveyor.events — события прогресса (topic, routing key pipeline.<id>)
//   - conveyor.dlq    — dead letter queue
package mq
