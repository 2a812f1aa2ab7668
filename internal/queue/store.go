package queue

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/Conveyor/internal/domain"
)

// Store — персистентное хранилище jobs.
//
// Реализации: repo.JobRepo (PostgreSQL), sqlite.JobRepo, memory.JobStore.
// Отсутствие записи сообщается через repo.ErrNotFound,
// нарушение уникальности незавершённого job стадии — через repo.ErrAlreadyExists.
type Store interface {
	Create(ctx context.Context, job *domain.StageJob) error

	// ClaimNext атомарно переводит самый приоритетный готовый waiting job
	// в active с арендой lease. repo.ErrNotFound — готовых jobs нет.
	ClaimNext(ctx context.Context, now time.Time, lease time.Duration) (*domain.StageJob, error)

	// Heartbeat продлевает аренду активного job и возвращает флаг отмены.
	Heartbeat(ctx context.Context, id uuid.UUID, until time.Time) (bool, error)

	// Update сохраняет состояние job. Флаг отмены не перезаписывается.
	Update(ctx context.Context, job *domain.StageJob) error

	GetByID(ctx context.Context, id uuid.UUID) (*domain.StageJob, error)
	ListByPipeline(ctx context.Context, pipelineID string) ([]domain.StageJob, error)

	// RequestCancel завершает waiting jobs pipeline со статусом failed
	// (возвращая их) и выставляет флаг отмены активным.
	RequestCancel(ctx context.Context, pipelineID, reason string, now time.Time) ([]domain.StageJob, error)

	// ListStalled возвращает активные jobs с истёкшей арендой.
	ListStalled(ctx context.Context, now time.Time, limit int) ([]domain.StageJob, error)

	Stats(ctx context.Context) (domain.QueueStats, error)

	// Purge оставляет только keepCompleted последних completed
	// и keepFailed последних failed jobs.
	Purge(ctx context.Context, keepCompleted, keepFailed int) (int64, error)
}

// Notifier сообщает другим процессам о новом job (например, через RabbitMQ).
type Notifier interface {
	NotifyEnqueued(ctx context.Context, job *domain.StageJob) error
}
