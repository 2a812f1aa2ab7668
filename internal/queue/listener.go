package queue

import (
	"context"
	"time"

	"github.com/shaiso/Conveyor/internal/domain"
	"github.com/shaiso/Conveyor/internal/runner"
)

// Listener получает события жизненного цикла jobs.
//
// Методы вызываются синхронно из горутины воркера. Job передаётся по указателю
// только на время вызова: сохранять его нельзя, нужно копировать.
type Listener interface {
	JobActive(ctx context.Context, job *domain.StageJob)
	JobProgress(ctx context.Context, job *domain.StageJob, percent int)
	JobOutput(ctx context.Context, job *domain.StageJob, stream runner.Stream, line string)
	JobRetrying(ctx context.Context, job *domain.StageJob, delay time.Duration)
	JobCompleted(ctx context.Context, job *domain.StageJob)
	JobFailed(ctx context.Context, job *domain.StageJob)
}

// EventKind — тип события жизненного цикла job.
type EventKind string

const (
	EventActive    EventKind = "active"
	EventProgress  EventKind = "progress"
	EventOutput    EventKind = "output"
	EventRetrying  EventKind = "retrying"
	EventCompleted EventKind = "completed"
	EventFailed    EventKind = "failed"
)

// JobEvent — сериализуемое событие jobs для передачи между процессами.
type JobEvent struct {
	Kind    EventKind       `json:"kind"`
	Job     domain.StageJob `json:"job"`
	Percent int             `json:"percent,omitempty"`
	Stream  runner.Stream   `json:"stream,omitempty"`
	Line    string          `json:"line,omitempty"`
	Delay   time.Duration   `json:"delay,omitempty"`
}

// Dispatch вызывает метод l, соответствующий ev.Kind.
// Возвращает false для неизвестного типа события.
func Dispatch(ctx context.Context, l Listener, ev *JobEvent) bool {
	switch ev.Kind {
	case EventActive:
		l.JobActive(ctx, &ev.Job)
	case EventProgress:
		l.JobProgress(ctx, &ev.Job, ev.Percent)
	case EventOutput:
		l.JobOutput(ctx, &ev.Job, ev.Stream, ev.Line)
	case EventRetrying:
		l.JobRetrying(ctx, &ev.Job, ev.Delay)
	case EventCompleted:
		l.JobCompleted(ctx, &ev.Job)
	case EventFailed:
		l.JobFailed(ctx, &ev.Job)
	default:
		return false
	}
	return true
}

// NopListener — Listener без действий. Удобен для встраивания.
type NopListener struct{}

func (NopListener) JobActive(context.Context, *domain.StageJob) {}
func (NopListener) JobProgress(context.Context, *domain.StageJob, int) {}
func (NopListener) JobOutput(context.Context, *domain.StageJob, runner.Stream, string) {}
func (NopListener) JobRetrying(context.Context, *domain.StageJob, time.Duration) {}
func (NopListener) JobCompleted(context.Context, *domain.StageJob) {}
func (NopListener) JobFailed(context.Context, *domain.StageJob) {}
