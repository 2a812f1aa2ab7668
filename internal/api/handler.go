package api

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/Conveyor/internal/domain"
	"github.com/shaiso/Conveyor/internal/events"
)

const defaultHeartbeat = 15 * time.Second

// PipelineService — операции над pipelines (реализует orchestrator.Orchestrator).
type PipelineService interface {
	StartPipeline(ctx context.Context, spec domain.PipelineSpec) (*domain.PipelineExecution, error)
	SubmitStage(ctx context.Context, sub domain.StageSubmission) (uuid.UUID, error)
	CancelPipeline(ctx context.Context, id string) (*domain.PipelineExecution, error)
	GetPipelineStatus(ctx context.Context, id string) (*domain.PipelineExecution, error)
	ListPipelines(ctx context.Context, status domain.ExecutionStatus, limit int) ([]domain.PipelineExecution, error)
	ListJobs(ctx context.Context, id string) ([]domain.StageJob, error)
	GetQueueStats(ctx context.Context) (domain.QueueStats, error)
}

// JobReader — чтение jobs по ID (реализует queue.Queue).
type JobReader interface {
	Get(ctx context.Context, id uuid.UUID) (*domain.StageJob, error)
}

// EventSource — подписка на события pipeline (реализует events.Hub).
type EventSource interface {
	Subscribe(pipelineID string) *events.Subscription
}

// Handler — главный обработчик API с зависимостями.
type Handler struct {
	pipelines PipelineService
	jobs      JobReader
	events    EventSource
	heartbeat time.Duration
	logger    *slog.Logger
}

// Config — конфигурация для создания Handler.
type Config struct {
	Pipelines PipelineService
	Jobs      JobReader
	Events    EventSource

	// Heartbeat — интервал keep-alive комментариев SSE (default: 15s).
	Heartbeat time.Duration

	Logger *slog.Logger
}

// NewHandler создаёт новый Handler.
func NewHandler(cfg Config) *Handler {
	heartbeat := cfg.Heartbeat
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeat
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Handler{
		pipelines: cfg.Pipelines,
		jobs:      cfg.Jobs,
		events:    cfg.Events,
		heartbeat: heartbeat,
		logger:    logger,
	}
}
