package mq

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Exchange — тип для имени обменника.
type Exchange string

// Queue — тип для имени очереди.
type Queue string

// RoutingKey — тип для ключа маршрутизации.
type RoutingKey string

// Exchanges — имена обменников.
const (
	ExchangeJobs   Exchange = "conveyor.jobs"
	ExchangeEvents Exchange = "conveyor.events"
	ExchangeDLQ    Exchange = "conveyor.dlq"
)

// Queues — имена очередей.
const (
	QueueJobsReady  Queue = "jobs.ready"
	QueueJobsEvents Queue = "jobs.events"
	QueueDLQJobs    Queue = "dlq.jobs"
)

// Routing keys.
const (
	RoutingKeyReady    RoutingKey = "ready"
	RoutingKeyJobEvent RoutingKey = "event"
	RoutingKeyDLQJobs  RoutingKey = "jobs"

	// RoutingKeyAllPipelines — привязка ко всем событиям прогресса.
	RoutingKeyAllPipelines RoutingKey = "pipeline.#"
)

// MaxPriority — значение x-max-priority очереди jobs.ready.
const MaxPriority = 9

// PipelineRoutingKey возвращает ключ маршрутизации событий pipeline.
func PipelineRoutingKey(pipelineID string) RoutingKey {
	return RoutingKey("pipeline." + pipelineID)
}

// EventsQueue возвращает имя временной очереди событий процесса origin.
func EventsQueue(origin string) Queue {
	return Queue("events." + origin)
}

// SetupTopology объявляет постоянные exchanges, очереди и привязки.
func SetupTopology(ctx context.Context, conn *Connection) error {
	return conn.WithChannel(ctx, DeclareTopology)
}

// DeclareTopology объявляет топологию на канале ch.
// Подходит как onReconnect для NewConnection.
func DeclareTopology(ch *amqp.Channel) error {
	if err := declareExchanges(ch); err != nil {
		return err
	}
	if err := declareQueues(ch); err != nil {
		return err
	}
	return bindQueues(ch)
}

// declareExchanges создаёт обменники.
func declareExchanges(ch *amqp.Channel) error {
	exchanges := []struct {
		name Exchange
		kind string
	}{
		{ExchangeJobs, amqp.ExchangeDirect},
		{ExchangeEvents, amqp.ExchangeTopic},
		{ExchangeDLQ, amqp.ExchangeDirect},
	}

	for _, ex := range exchanges {
		err := ch.ExchangeDeclare(
			string(ex.name), // name
			ex.kind,         // type
			true,            // durable
			false,           // auto-deleted
			false,           // internal
			false,           // no-wait
			nil,             // arguments
		)
		if err != nil {
			return fmt.Errorf("declare exchange %s: %w", ex.name, err)
		}
	}

	return nil
}

// declareQueues создаёт очереди.
func declareQueues(ch *amqp.Channel) error {
	queues := []struct {
		name Queue
		args amqp.Table
	}{
		// jobs.ready — приоритетная, с DLQ для неразбираемых сообщений
		{QueueJobsReady, amqp.Table{
			"x-max-priority":            MaxPriority,
			"x-dead-letter-exchange":    string(ExchangeDLQ),
			"x-dead-letter-routing-key": string(RoutingKeyDLQJobs),
		}},

		// jobs.events — события jobs для оркестратора
		{QueueJobsEvents, amqp.Table{
			"x-dead-letter-exchange":    string(ExchangeDLQ),
			"x-dead-letter-routing-key": string(RoutingKeyDLQJobs),
		}},

		{QueueDLQJobs, nil},
	}

	for _, q := range queues {
		_, err := ch.QueueDeclare(
			string(q.name), // name
			true,           // durable
			false,          // delete when unused
			false,          // exclusive
			false,          // no-wait
			q.args,         // arguments
		)
		if err != nil {
			return fmt.Errorf("declare queue %s: %w", q.name, err)
		}
	}

	return nil
}

// bindQueues привязывает очереди к обменникам.
func bindQueues(ch *amqp.Channel) error {
	bindings := []struct {
		queue      Queue
		routingKey RoutingKey
		exchange   Exchange
	}{
		{QueueJobsReady, RoutingKeyReady, ExchangeJobs},
		{QueueJobsEvents, RoutingKeyJobEvent, ExchangeJobs},
		{QueueDLQJobs, RoutingKeyDLQJobs, ExchangeDLQ},
	}

	for _, b := range bindings {
		if err := bind(ch, b.queue, b.routingKey, b.exchange); err != nil {
			return err
		}
	}

	return nil
}

// DeclareEventsQueue объявляет временную очередь событий прогресса процесса.
// Очередь удаляется брокером, когда у неё не остаётся потребителей.
func DeclareEventsQueue(ch *amqp.Channel, origin string) error {
	name := EventsQueue(origin)
	_, err := ch.QueueDeclare(
		string(name), // name
		false,        // durable
		true,         // delete when unused
		false,        // exclusive
		false,        // no-wait
		nil,          // arguments
	)
	if err != nil {
		return fmt.Errorf("declare queue %s: %w", name, err)
	}
	return bind(ch, name, RoutingKeyAllPipelines, ExchangeEvents)
}

func bind(ch *amqp.Channel, queue Queue, key RoutingKey, exchange Exchange) error {
	err := ch.QueueBind(
		string(queue),    // queue name
		string(key),      // routing key
		string(exchange), // exchange
		false,            // no-wait
		nil,              // arguments
	)
	if err != nil {
		return fmt.Errorf("bind queue %s to %s: %w", queue, exchange, err)
	}
	return nil
}

// TopologyInfo возвращает описание топологии для логирования.
func TopologyInfo() string {
	return `
  Conveyor RabbitMQ Topology:

    conveyor.jobs (direct)
    ├── jobs.ready [routing: ready, x-max-priority: 9]
    │       Consumer: queue workers (wake-up)
    │       DLQ: dlq.jobs
    └── jobs.events [routing: event]
            Consumer: orchestrator (conveyor-server)

    conveyor.events (topic)
    └── events.<origin> [routing: pipeline.#, auto-delete]
            Consumer: event hub of each server instance

    conveyor.dlq (direct)
    └── dlq.jobs [routing: jobs]
            Manual processing
  `
}
