package mq

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shaiso/Conveyor/internal/domain"
	"github.com/shaiso/Conveyor/internal/queue"
	"github.com/shaiso/Conveyor/internal/runner"
)

// JobEventPublisher — публикация событий jobs (реализует Publisher).
type JobEventPublisher interface {
	PublishJobEvent(ctx context.Context, ev *queue.JobEvent) error
}

// JobRelay — queue.Listener процесса conveyor-worker: пересылает события
// jobs оркестратору через RabbitMQ.
type JobRelay struct {
	pub        JobEventPublisher
	withOutput bool
	logger     *slog.Logger
}

// NewJobRelay создаёт JobRelay. withOutput включает пересылку строк вывода.
func NewJobRelay(pub JobEventPublisher, withOutput bool, logger *slog.Logger) *JobRelay {
	if logger == nil {
		logger = slog.Default()
	}
	return &JobRelay{pub: pub, withOutput: withOutput, logger: logger}
}

func (r *JobRelay) JobActive(ctx context.Context, job *domain.StageJob) {
	r.send(ctx, &queue.JobEvent{Kind: queue.EventActive, Job: *job})
}

func (r *JobRelay) JobProgress(ctx context.Context, job *domain.StageJob, percent int) {
	r.send(ctx, &queue.JobEvent{Kind: queue.EventProgress, Job: *job, Percent: percent})
}

func (r *JobRelay) JobOutput(ctx context.Context, job *domain.StageJob, stream runner.Stream, line string) {
	if !r.withOutput {
		return
	}
	r.send(ctx, &queue.JobEvent{Kind: queue.EventOutput, Job: *job, Stream: stream, Line: line})
}

func (r *JobRelay) JobRetrying(ctx context.Context, job *domain.StageJob, delay time.Duration) {
	r.send(ctx, &queue.JobEvent{Kind: queue.EventRetrying, Job: *job, Delay: delay})
}

func (r *JobRelay) JobCompleted(ctx context.Context, job *domain.StageJob) {
	r.send(ctx, &queue.JobEvent{Kind: queue.EventCompleted, Job: *job})
}

func (r *JobRelay) JobFailed(ctx context.Context, job *domain.StageJob) {
	r.send(ctx, &queue.JobEvent{Kind: queue.EventFailed, Job: *job})
}

func (r *JobRelay) send(ctx context.Context, ev *queue.JobEvent) {
	if err := r.pub.PublishJobEvent(ctx, ev); err != nil {
		r.logger.Warn("failed to relay job event",
			"job_id", ev.Job.ID,
			"kind", ev.Kind,
			"error", err,
		)
	}
}

// Waker — получатель пробуждений (queue.Queue).
type Waker interface {
	Wake()
}

// WakeHandler будит локальные воркеры по сообщению job.ready.
func WakeHandler(w Waker) Handler {
	return func(_ context.Context, d *Delivery) error {
		if d.Message.Type != MessageTypeJobReady {
			return nil
		}
		w.Wake()
		return nil
	}
}

// JobEventDeliverer — получатель событий jobs (queue.Queue).
type JobEventDeliverer interface {
	Deliver(ctx context.Context, ev *queue.JobEvent)
}

// JobEventHandler передаёт события jobs из других процессов локальным слушателям.
func JobEventHandler(d JobEventDeliverer) Handler {
	return func(ctx context.Context, msg *Delivery) error {
		if msg.Message.Type != MessageTypeJobEvent {
			return nil
		}
		ev, err := ParsePayload[queue.JobEvent](&msg.Message)
		if err != nil {
			return fmt.Errorf("parse job event: %w", err)
		}
		d.Deliver(ctx, &ev)
		return nil
	}
}

// EventDeliverer — локальная доставка событий прогресса (events.Hub).
type EventDeliverer interface {
	Deliver(ev domain.ProgressEvent)
}

// ProgressEventHandler доставляет события прогресса других экземпляров
// локальным подписчикам. Собственные события (origin) пропускаются.
func ProgressEventHandler(origin string, d EventDeliverer) Handler {
	return func(_ context.Context, msg *Delivery) error {
		if msg.Message.Type != MessageTypeProgressEvent || msg.Message.Origin == origin {
			return nil
		}
		ev, err := ParsePayload[domain.ProgressEvent](&msg.Message)
		if err != nil {
			return fmt.Errorf("parse progress event: %w", err)
		}
		d.Deliver(ev)
		return nil
	}
}
