// Package events — широковещательная рассылка ProgressEvent подписчикам pipeline.
//
// Доставка at-most-once и упорядочена в рамках pipeline: события публикуются
// под блокировкой, подписчику с заполненным буфером событие не доставляется.
// Отключившийся подписчик просто перестаёт получать события, replay нет.
package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/shaiso/Conveyor/internal/domain"
	"github.com/shaiso/Conveyor/internal/telemetry"
)

// Default configuration values.
const (
	defaultBuffer      = 64
	defaultOutboxSize  = 1024
	defaultSinkTimeout = 5 * time.Second
)

// AllPipelines — ключ подписки на события всех pipeline.
const AllPipelines = ""

// Sink получает все события, опубликованные в этом процессе
// (например, для пересылки в RabbitMQ).
type Sink interface {
	PublishEvent(ctx context.Context, ev *domain.ProgressEvent) error
}

// Config — конфигурация Hub.
type Config struct {
	Buffer      int           // буфер канала подписчика (default: 64)
	OutboxSize  int           // очередь событий для sinks (default: 1024)
	SinkTimeout time.Duration // таймаут одного вызова Sink (default: 5s)
	Logger      *slog.Logger
}

// Hub — брокер событий прогресса по pipeline id.
type Hub struct {
	buffer      int
	sinkTimeout time.Duration
	logger      *slog.Logger

	mu     sync.RWMutex
	subs   map[string]map[*Subscription]struct{}
	sinks  []Sink
	closed bool

	outbox chan domain.ProgressEvent
	done   chan struct{}
}

// Subscription — подписка на события одного pipeline (или всех).
type Subscription struct {
	pipelineID string
	ch         chan domain.ProgressEvent
	hub        *Hub
	once       sync.Once
}

// New создаёт Hub и запускает доставку в sinks.
func New(cfg Config) *Hub {
	buffer := cfg.Buffer
	if buffer <= 0 {
		buffer = defaultBuffer
	}

	outboxSize := cfg.OutboxSize
	if outboxSize <= 0 {
		outboxSize = defaultOutboxSize
	}

	sinkTimeout := cfg.SinkTimeout
	if sinkTimeout <= 0 {
		sinkTimeout = defaultSinkTimeout
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	h := &Hub{
		buffer:      buffer,
		sinkTimeout: sinkTimeout,
		logger:      logger,
		subs:        make(map[string]map[*Subscription]struct{}),
		outbox:      make(chan domain.ProgressEvent, outboxSize),
		done:        make(chan struct{}),
	}
	go h.drainOutbox()

	return h
}

// AddSink регистрирует получателя всех локально опубликованных событий.
func (h *Hub) AddSink(s Sink) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sinks = append(h.sinks, s)
}

// Subscribe подписывается на события pipelineID.
// AllPipelines подписывает на все pipeline.
func (h *Hub) Subscribe(pipelineID string) *Subscription {
	sub := &Subscription{
		pipelineID: pipelineID,
		ch:         make(chan domain.ProgressEvent, h.buffer),
		hub:        h,
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		close(sub.ch)
		return sub
	}

	set, ok := h.subs[pipelineID]
	if !ok {
		set = make(map[*Subscription]struct{})
		h.subs[pipelineID] = set
	}
	set[sub] = struct{}{}

	return sub
}

// Publish доставляет событие локальным подписчикам и ставит его в очередь sinks.
func (h *Hub) Publish(ev domain.ProgressEvent) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.closed {
		return
	}
	h.deliverLocked(ev)

	if len(h.sinks) == 0 {
		return
	}
	select {
	case h.outbox <- ev:
	default:
		h.logger.Warn("event outbox full, dropping event",
			"pipeline_id", ev.PipelineID,
			"type", ev.Type,
		)
	}
}

// Deliver доставляет событие только локальным подписчикам.
// Используется для событий, пришедших из других процессов.
func (h *Hub) Deliver(ev domain.ProgressEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.closed {
		return
	}
	h.deliverLocked(ev)
}

// SubscriberCount возвращает число подписчиков pipelineID.
func (h *Hub) SubscriberCount(pipelineID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[pipelineID])
}

// Close закрывает все подписки и останавливает доставку в sinks.
// Уже поставленные в очередь события доставляются до возврата.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	for _, set := range h.subs {
		for sub := range set {
			close(sub.ch)
		}
	}
	h.subs = make(map[string]map[*Subscription]struct{})
	close(h.outbox)
	h.mu.Unlock()

	<-h.done
}

func (h *Hub) deliverLocked(ev domain.ProgressEvent) {
	h.sendLocked(h.subs[ev.PipelineID], ev)
	if ev.PipelineID != AllPipelines {
		h.sendLocked(h.subs[AllPipelines], ev)
	}
}

func (h *Hub) sendLocked(set map[*Subscription]struct{}, ev domain.ProgressEvent) {
	for sub := range set {
		select {
		case sub.ch <- ev:
		default:
			telemetry.EventsDropped.Inc()
			h.logger.Debug("subscriber buffer full, dropping event",
				"pipeline_id", ev.PipelineID,
				"type", ev.Type,
			)
		}
	}
}

func (h *Hub) drainOutbox() {
	defer close(h.done)

	for ev := range h.outbox {
		h.mu.RLock()
		sinks := h.sinks
		h.mu.RUnlock()

		for _, s := range sinks {
			ctx, cancel := context.WithTimeout(context.Background(), h.sinkTimeout)
			if err := s.PublishEvent(ctx, &ev); err != nil {
				h.logger.Warn("event sink failed",
					"pipeline_id", ev.PipelineID,
					"type", ev.Type,
					"error", err,
				)
			}
			cancel()
		}
	}
}

func (h *Hub) unsubscribe(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()

	set, ok := h.subs[sub.pipelineID]
	if !ok {
		return
	}
	if _, ok := set[sub]; !ok {
		return
	}
	delete(set, sub)
	if len(set) == 0 {
		delete(h.subs, sub.pipelineID)
	}
	close(sub.ch)
}

// Events возвращает канал событий. Закрывается после Close() подписки или Hub.
func (s *Subscription) Events() <-chan domain.ProgressEvent {
	return s.ch
}

// PipelineID возвращает ключ подписки.
func (s *Subscription) PipelineID() string {
	return s.pipelineID
}

// Close отменяет подписку. Повторный вызов безопасен.
func (s *Subscription) Close() {
	s.once.Do(func() { s.hub.unsubscribe(s) })
}
