package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/shaiso/Conveyor/internal/domain"
	"github.com/shaiso/Conveyor/internal/engine"
	"github.com/shaiso/Conveyor/internal/queue"
	"github.com/shaiso/Conveyor/internal/repo"
	"github.com/shaiso/Conveyor/internal/telemetry"
)

// Default configuration values.
const (
	defaultKeepFinished = 100
	defaultListLimit    = 50
	resumeBatchSize     = 1000
)

// JobQueue — операции очереди, нужные оркестратору (реализует queue.Queue).
type JobQueue interface {
	Enqueue(ctx context.Context, sub domain.StageSubmission, priority int) (*domain.StageJob, error)
	CancelPipeline(ctx context.Context, pipelineID string) (int, error)
	ListByPipeline(ctx context.Context, pipelineID string) ([]domain.StageJob, error)
	Stats(ctx context.Context) (domain.QueueStats, error)
}

// ExecutionStore — персистентные снимки executions.
// Реализации: repo.ExecutionRepo, sqlite.ExecutionRepo, memory.ExecutionStore.
type ExecutionStore interface {
	Save(ctx context.Context, exec *domain.PipelineExecution) error
	GetByID(ctx context.Context, id string) (*domain.PipelineExecution, error)
	List(ctx context.Context, status domain.ExecutionStatus, limit int) ([]domain.PipelineExecution, error)
}

// EventPublisher — получатель ProgressEvent (events.Hub).
type EventPublisher interface {
	Publish(ev domain.ProgressEvent)
}

// Orchestrator управляет выполнением pipeline.
type Orchestrator struct {
	queue  JobQueue
	store  ExecutionStore
	events EventPublisher
	logger *slog.Logger

	mu    sync.Mutex
	cache *executionCache
}

var _ queue.Listener = (*Orchestrator)(nil)

// Config — конфигурация Orchestrator.
type Config struct {
	Queue  JobQueue
	Store  ExecutionStore
	Events EventPublisher

	// KeepFinished — сколько завершённых executions держать в памяти (default: 100).
	KeepFinished int

	Logger *slog.Logger
}

// New создаёт новый Orchestrator.
func New(cfg Config) *Orchestrator {
	keepFinished := cfg.KeepFinished
	if keepFinished <= 0 {
		keepFinished = defaultKeepFinished
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Orchestrator{
		queue:  cfg.Queue,
		store:  cfg.Store,
		events: cfg.Events,
		logger: logger,
		cache:  newExecutionCache(keepFinished),
	}
}

// StartPipeline валидирует описание, создаёт execution и отправляет
// в очередь первую стадию (idle → running).
func (o *Orchestrator) StartPipeline(ctx context.Context, spec domain.PipelineSpec) (*domain.PipelineExecution, error) {
	if err := engine.Validate(&spec); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidSpec, err)
	}
	engine.Normalize(&spec)
	if spec.ID == "" {
		spec.ID = uuid.NewString()
		if spec.Name == "" {
			spec.Name = spec.ID
		}
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	existing, err := o.loadLocked(ctx, spec.ID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, fmt.Errorf("%w: %s", ErrPipelineExists, spec.ID)
	}

	exec := domain.NewPipelineExecution(spec.ID, spec.Name, spec.Stages, spec.Priority)
	first, _ := exec.NextStage()

	sub := first.Submission(exec.ID, exec.Priority)
	job, err := o.queue.Enqueue(ctx, sub, sub.Priority)
	if err != nil {
		return nil, fmt.Errorf("dispatch stage %s: %w", first.ID, err)
	}
	exec.MarkStageRunning(first.ID)

	if err := o.store.Save(ctx, exec); err != nil {
		// Job уже в очереди: execution остаётся в кэше и будет сохранён
		// при следующем переходе.
		o.logger.Error("failed to save execution", "pipeline_id", exec.ID, "error", err)
	}
	o.cache.put(exec)

	telemetry.WithPipelineID(o.logger, exec.ID).Info("pipeline started",
		"name", exec.Name,
		"stages", len(exec.Stages),
		"first_stage", first.ID,
		"job_id", job.ID,
	)

	return exec.Clone(), nil
}

// SubmitStage ставит в очередь одну стадию pipeline и возвращает ID job.
//
// Если execution для PipelineID нет, он создаётся. Новая стадия добавляется
// в конец списка стадий: если впереди есть незавершённые стадии, job получает
// ID сразу, а в очередь попадает после них. Уже объявленную стадию можно
// отправить, только если её очередь подошла.
func (o *Orchestrator) SubmitStage(ctx context.Context, sub domain.StageSubmission) (uuid.UUID, error) {
	if !engine.ValidID(sub.PipelineID) {
		return uuid.Nil, fmt.Errorf("%w: %w: %q", ErrInvalidSpec, engine.ErrInvalidPipelineID, sub.PipelineID)
	}
	if sub.StageName == "" {
		sub.StageName = sub.StageID
	}
	def := domain.StageDef{
		ID:          sub.StageID,
		Name:        sub.StageName,
		Executable:  sub.ExecutablePath,
		ConfigFile:  sub.ConfigFile,
		Arguments:   sub.Arguments,
		MaxAttempts: sub.MaxAttempts,
		Priority:    sub.Priority,
	}
	if err := engine.ValidateStage(&def, "", nil); err != nil {
		return uuid.Nil, fmt.Errorf("%w: %w", ErrInvalidSpec, err)
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	exec, err := o.loadLocked(ctx, sub.PipelineID)
	if err != nil {
		return uuid.Nil, err
	}
	if exec == nil {
		exec = domain.NewPipelineExecution(sub.PipelineID, sub.PipelineID, nil, sub.Priority)
	}
	// Завершённый pipeline принимает новую стадию: ad hoc pipeline
	// завершается вместе с последней известной ему стадией.
	reopen := exec.Status == domain.ExecutionStatusCompleted && exec.StageIndex(sub.StageID) < 0
	if exec.IsFinished() && !reopen {
		return uuid.Nil, fmt.Errorf("%w: %s is %s", ErrPipelineFinished, exec.ID, exec.Status)
	}

	logger := telemetry.WithPipelineID(o.logger, exec.ID)
	next, pending := exec.NextStage()

	if exec.StageIndex(sub.StageID) >= 0 {
		if exec.Result(sub.StageID) != nil {
			return uuid.Nil, fmt.Errorf("%w: %s", ErrStageCompleted, sub.StageID)
		}
		if next.ID != sub.StageID {
			return uuid.Nil, fmt.Errorf("%w: %s", ErrStageOutOfOrder, sub.StageID)
		}
		sub.JobID = next.JobID
		if def.Priority == 0 {
			def.Priority = next.Priority
		}
	} else if pending {
		def.JobID = uuid.New()
		exec.AddStage(def)
		o.saveLocked(ctx, exec)
		o.cache.put(exec)

		logger.Info("stage deferred",
			"stage_id", sub.StageID,
			"job_id", def.JobID,
			"after", next.ID,
		)
		return def.JobID, nil
	}

	priority := exec.Priority
	if def.Priority > 0 {
		priority = def.Priority
	}
	job, err := o.queue.Enqueue(ctx, sub, priority)
	if err != nil {
		return uuid.Nil, err
	}

	def.JobID = job.ID
	if reopen {
		exec.Reopen()
		logger.Info("pipeline reopened", "stage_id", sub.StageID)
	}
	if i := exec.StageIndex(sub.StageID); i >= 0 {
		exec.Stages[i].JobID = job.ID
	} else {
		exec.AddStage(def)
	}
	exec.MarkStageRunning(sub.StageID)
	o.saveLocked(ctx, exec)
	o.cache.put(exec)

	logger.Info("stage submitted",
		"stage_id", sub.StageID,
		"job_id", job.ID,
		"priority", priority,
	)

	return job.ID, nil
}

// CancelPipeline переводит execution в cancelled и отменяет его jobs.
// Уже запущенный процесс получает SIGTERM (best effort).
func (o *Orchestrator) CancelPipeline(ctx context.Context, id string) (*domain.PipelineExecution, error) {
	o.mu.Lock()
	exec, err := o.loadLocked(ctx, id)
	if err != nil {
		o.mu.Unlock()
		return nil, err
	}
	if exec == nil {
		o.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrPipelineNotFound, id)
	}
	if exec.IsFinished() {
		o.mu.Unlock()
		return nil, fmt.Errorf("%w: %s is %s", ErrPipelineFinished, id, exec.Status)
	}

	exec.MarkCancelled()
	if err := o.store.Save(ctx, exec); err != nil {
		o.mu.Unlock()
		return nil, fmt.Errorf("save execution: %w", err)
	}
	o.cache.put(exec)
	o.finishedLocked(exec)
	snapshot := exec.Clone()
	o.mu.Unlock()

	// Очередь синхронно уведомляет слушателей (JobFailed),
	// поэтому вызывается без блокировки.
	n, err := o.queue.CancelPipeline(ctx, id)
	if err != nil {
		return snapshot, fmt.Errorf("cancel jobs: %w", err)
	}

	telemetry.WithPipelineID(o.logger, id).Info("pipeline cancelled", "jobs", n)
	return snapshot, nil
}

// GetPipelineStatus возвращает снимок execution: сначала из Store,
// затем из кэша.
func (o *Orchestrator) GetPipelineStatus(ctx context.Context, id string) (*domain.PipelineExecution, error) {
	exec, err := o.store.GetByID(ctx, id)
	if err == nil {
		return exec, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		o.logger.Warn("failed to read execution, falling back to cache", "pipeline_id", id, "error", err)
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if cached := o.cache.get(id); cached != nil {
		return cached.Clone(), nil
	}
	return nil, fmt.Errorf("%w: %s", ErrPipelineNotFound, id)
}

// ListPipelines возвращает последние executions (status пустой — любые).
func (o *Orchestrator) ListPipelines(ctx context.Context, status domain.ExecutionStatus, limit int) ([]domain.PipelineExecution, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	execs, err := o.store.List(ctx, status, limit)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	return execs, nil
}

// ListJobs возвращает историю jobs pipeline.
func (o *Orchestrator) ListJobs(ctx context.Context, id string) ([]domain.StageJob, error) {
	return o.queue.ListByPipeline(ctx, id)
}

// GetQueueStats возвращает счётчики очереди.
func (o *Orchestrator) GetQueueStats(ctx context.Context) (domain.QueueStats, error) {
	return o.queue.Stats(ctx)
}

// ActivePipelines возвращает число незавершённых executions в кэше.
func (o *Orchestrator) ActivePipelines() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.cache.active()
}

// Resume загружает running executions из Store после перезапуска
// и продолжает те, у которых нет ни одного job в очереди.
func (o *Orchestrator) Resume(ctx context.Context) (int, error) {
	execs, err := o.store.List(ctx, domain.ExecutionStatusRunning, resumeBatchSize)
	if err != nil {
		return 0, fmt.Errorf("list running executions: %w", err)
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	resumed := 0
	for i := range execs {
		id := execs[i].ID
		o.cache.remove(id)

		exec, err := o.loadLocked(ctx, id)
		if err != nil || exec == nil || exec.IsFinished() {
			continue
		}

		jobs, err := o.queue.ListByPipeline(ctx, id)
		if err != nil {
			o.logger.Warn("failed to list pipeline jobs", "pipeline_id", id, "error", err)
			continue
		}
		if inFlight(jobs) {
			continue
		}

		o.advanceLocked(ctx, exec, jobs)
		resumed++
	}

	if resumed > 0 {
		o.logger.Info("pipelines resumed", "count", resumed)
	}
	return resumed, nil
}

// advanceLocked продвигает execution без jobs в очереди: завершает его
// или отправляет следующую стадию.
func (o *Orchestrator) advanceLocked(ctx context.Context, exec *domain.PipelineExecution, jobs []domain.StageJob) {
	if exec.AllStagesCompleted() {
		exec.MarkCompleted()
		o.saveLocked(ctx, exec)
		o.cache.put(exec)
		o.finishedLocked(exec)
		return
	}

	next, ok := exec.NextStage()
	if !ok {
		return
	}

	// Последняя попытка стадии завершилась неудачей: pipeline останавливается.
	for i := len(jobs) - 1; i >= 0; i-- {
		if jobs[i].StageID == next.ID {
			if jobs[i].Status == domain.JobStatusFailed {
				exec.MarkError(fmt.Sprintf("stage %s failed: %s", next.ID, jobs[i].Error))
				o.saveLocked(ctx, exec)
				o.cache.put(exec)
				o.finishedLocked(exec)
				return
			}
			break
		}
	}

	o.dispatchLocked(ctx, exec, next)
}

// dispatchLocked отправляет стадию в очередь. Ошибка постановки
// переводит execution в error.
func (o *Orchestrator) dispatchLocked(ctx context.Context, exec *domain.PipelineExecution, stage domain.StageDef) {
	logger := telemetry.WithPipelineID(o.logger, exec.ID)

	sub := stage.Submission(exec.ID, exec.Priority)
	job, err := o.queue.Enqueue(ctx, sub, sub.Priority)
	switch {
	case err == nil:
		logger.Info("stage dispatched", "stage_id", stage.ID, "job_id", job.ID)
	case errors.Is(err, queue.ErrJobInFlight):
		logger.Debug("stage already in flight", "stage_id", stage.ID)
	default:
		logger.Error("failed to dispatch stage", "stage_id", stage.ID, "error", err)
		exec.MarkError(fmt.Sprintf("dispatch stage %s: %v", stage.ID, err))
		o.saveLocked(ctx, exec)
		o.cache.put(exec)
		o.finishedLocked(exec)
		return
	}

	exec.MarkStageRunning(stage.ID)
	o.saveLocked(ctx, exec)
	o.cache.put(exec)
}

// loadLocked возвращает execution из кэша или Store (nil, если его нет).
// Загруженный из Store execution сверяется с историей jobs.
func (o *Orchestrator) loadLocked(ctx context.Context, id string) (*domain.PipelineExecution, error) {
	if exec := o.cache.get(id); exec != nil {
		return exec, nil
	}

	exec, err := o.store.GetByID(ctx, id)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get execution: %w", err)
	}

	if !exec.IsFinished() {
		jobs, err := o.queue.ListByPipeline(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("list jobs: %w", err)
		}
		if reconcile(exec, jobs) {
			o.saveLocked(ctx, exec)
		}
	}

	o.cache.put(exec)
	return exec, nil
}

// refreshLocked подтягивает финальный статус, выставленный другим
// процессом (например, отмену). Возвращает true, если execution завершён.
func (o *Orchestrator) refreshLocked(ctx context.Context, exec *domain.PipelineExecution) bool {
	if exec.IsFinished() {
		return true
	}

	persisted, err := o.store.GetByID(ctx, exec.ID)
	if err != nil || !persisted.IsFinished() {
		return false
	}

	*exec = *persisted
	o.cache.put(exec)
	return true
}

func (o *Orchestrator) saveLocked(ctx context.Context, exec *domain.PipelineExecution) {
	if err := o.store.Save(ctx, exec); err != nil {
		o.logger.Error("failed to save execution",
			"pipeline_id", exec.ID,
			"status", exec.Status,
			"error", err,
		)
	}
}

// finishedLocked публикует pipeline_complete и обновляет метрики.
func (o *Orchestrator) finishedLocked(exec *domain.PipelineExecution) {
	telemetry.PipelinesFinished.WithLabelValues(string(exec.Status)).Inc()

	payload := map[string]any{
		"status":   string(exec.Status),
		"progress": exec.Progress,
		"stages":   len(exec.Stages),
		"results":  len(exec.Results),
	}
	if exec.Error != "" {
		payload["error"] = exec.Error
	}
	o.abandonDeferred(exec)
	o.publish(domain.NewEvent(domain.EventPipelineComplete, exec.ID, "", payload))

	telemetry.WithPipelineID(o.logger, exec.ID).Info("pipeline finished",
		"status", exec.Status,
		"duration", exec.Duration(),
		"error", exec.Error,
	)
}

// abandonDeferred публикует stage_failed для стадий, которым SubmitStage
// выдал ID job, но которые так и не попали в очередь.
func (o *Orchestrator) abandonDeferred(exec *domain.PipelineExecution) {
	if exec.Status == domain.ExecutionStatusCompleted {
		return
	}
	frontier, ok := exec.NextStage()
	if !ok {
		return
	}

	for _, stage := range exec.Stages[exec.StageIndex(frontier.ID)+1:] {
		if stage.JobID == uuid.Nil || exec.Result(stage.ID) != nil {
			continue
		}
		ev := domain.NewEvent(domain.EventStageFailed, exec.ID, stage.ID, map[string]any{
			"attempt": 0,
			"error":   fmt.Sprintf("pipeline %s", exec.Status),
		})
		ev.JobID = stage.JobID.String()
		o.publish(ev)
	}
}

func (o *Orchestrator) publish(ev domain.ProgressEvent) {
	if o.events != nil {
		o.events.Publish(ev)
	}
}
