package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/shaiso/Conveyor/internal/domain"
	"github.com/shaiso/Conveyor/internal/queue"
)

// MessageType — тип сообщения.
type MessageType string

// Типы сообщений.
const (
	MessageTypeJobReady      MessageType = "job.ready"
	MessageTypeJobEvent      MessageType = "job.event"
	MessageTypeProgressEvent MessageType = "progress.event"
)

// Message — конверт сообщения.
type Message struct {
	// ID — уникальный идентификатор сообщения.
	ID string `json:"id"`

	// Type — тип сообщения.
	Type MessageType `json:"type"`

	// Origin — идентификатор процесса-отправителя.
	Origin string `json:"origin,omitempty"`

	// Payload — полезная нагрузка.
	Payload json.RawMessage `json:"payload"`

	// Timestamp — время создания.
	Timestamp time.Time `json:"timestamp"`
}

// JobReadyPayload — payload сообщения о новом job.
type JobReadyPayload struct {
	JobID      uuid.UUID `json:"job_id"`
	PipelineID string    `json:"pipeline_id"`
	StageID    string    `json:"stage_id"`
	Priority   int       `json:"priority"`
}

// Publisher публикует сообщения в RabbitMQ.
//
// Реализует queue.Notifier (NotifyEnqueued) и events.Sink (PublishEvent).
type Publisher struct {
	conn   *Connection
	origin string
	logger *slog.Logger
}

// NewPublisher создаёт Publisher. origin помечает все сообщения процесса.
func NewPublisher(conn *Connection, origin string, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		conn:   conn,
		origin: origin,
		logger: logger,
	}
}

// Origin возвращает идентификатор процесса.
func (p *Publisher) Origin() string {
	return p.origin
}

// Publish публикует payload в exchange с routing key.
func (p *Publisher) Publish(ctx context.Context, exchange Exchange, routingKey RoutingKey, msgType MessageType, payload any, priority uint8) error {
	msg, err := newMessage(msgType, p.origin, payload)
	if err != nil {
		return err
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	return p.conn.WithChannel(ctx, func(ch *amqp.Channel) error {
		err := ch.PublishWithContext(
			ctx,
			string(exchange),   // exchange
			string(routingKey), // routing key
			false,              // mandatory
			false,              // immediate
			amqp.Publishing{
				ContentType:  "application/json",
				DeliveryMode: amqp.Persistent,
				Priority:     priority,
				MessageId:    msg.ID,
				Timestamp:    msg.Timestamp,
				Body:         body,
			},
		)
		if err != nil {
			return fmt.Errorf("publish to %s/%s: %w", exchange, routingKey, err)
		}

		p.logger.Debug("published message",
			"exchange", exchange,
			"routing_key", routingKey,
			"message_id", msg.ID,
			"type", msg.Type,
		)
		return nil
	})
}

// NotifyEnqueued публикует job.ready для пробуждения воркеров.
func (p *Publisher) NotifyEnqueued(ctx context.Context, job *domain.StageJob) error {
	payload := JobReadyPayload{
		JobID:      job.ID,
		PipelineID: job.PipelineID,
		StageID:    job.StageID,
		Priority:   job.Priority,
	}
	return p.Publish(ctx, ExchangeJobs, RoutingKeyReady, MessageTypeJobReady, payload, ClampPriority(job.Priority))
}

// PublishJobEvent публикует событие жизненного цикла job для оркестратора.
func (p *Publisher) PublishJobEvent(ctx context.Context, ev *queue.JobEvent) error {
	return p.Publish(ctx, ExchangeJobs, RoutingKeyJobEvent, MessageTypeJobEvent, ev, 0)
}

// PublishEvent ретранслирует событие прогресса другим экземплярам сервера.
func (p *Publisher) PublishEvent(ctx context.Context, ev *domain.ProgressEvent) error {
	return p.Publish(ctx, ExchangeEvents, PipelineRoutingKey(ev.PipelineID), MessageTypeProgressEvent, ev, 0)
}

// ClampPriority приводит приоритет job к диапазону AMQP 0..MaxPriority.
func ClampPriority(priority int) uint8 {
	switch {
	case priority <= 0:
		return 0
	case priority >= MaxPriority:
		return MaxPriority
	default:
		return uint8(priority)
	}
}

func newMessage(msgType MessageType, origin string, payload any) (*Message, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return &Message{
		ID:        uuid.New().String(),
		Type:      msgType,
		Origin:    origin,
		Payload:   raw,
		Timestamp: time.Now().UTC(),
	}, nil
}
