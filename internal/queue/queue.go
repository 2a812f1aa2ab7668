package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/shaiso/Conveyor/internal/domain"
	"github.com/shaiso/Conveyor/internal/repo"
	"github.com/shaiso/Conveyor/internal/runner"
	"github.com/shaiso/Conveyor/internal/telemetry"
)

// Default configuration values.
const (
	defaultConcurrency   = 1
	defaultMaxAttempts   = 3
	defaultBackoffBase   = 5 * time.Second
	defaultBackoffMax    = 5 * time.Minute
	defaultPollInterval  = time.Second
	defaultLease         = 30 * time.Second
	defaultKeepCompleted = 10
	defaultKeepFailed    = 5
	stalledBatchSize     = 100
)

// Runner выполняет одну попытку job.
type Runner interface {
	Run(ctx context.Context, job *domain.StageJob, obs runner.Observer) *domain.StageResult
}

// Heuristic преобразует строку вывода в процент прогресса.
type Heuristic interface {
	MapOutputChunk(chunk string) (int, bool)
}

// Config — конфигурация Queue.
type Config struct {
	Store Store

	// Runner выполняет jobs. Если nil, очередь только принимает jobs
	// (их выполняют воркеры другого процесса).
	Runner Runner

	// Notifier (опционально) — уведомление других процессов о новых jobs.
	Notifier Notifier

	// Heuristic (опционально) — прогресс по выводу стадии.
	Heuristic Heuristic

	Concurrency  int           // число воркеров (default: 1)
	MaxAttempts  int           // попыток на job (default: 3)
	BackoffBase  time.Duration // default: 5s
	BackoffMax   time.Duration // default: 5m
	PollInterval time.Duration // интервал опроса Store (default: 1s)
	Lease        time.Duration // аренда активного job (default: 30s)

	KeepCompleted int // хранить последних completed jobs (default: 10)
	KeepFailed    int // хранить последних failed jobs (default: 5)

	Logger *slog.Logger
}

// Queue — персистентная приоритетная очередь стадий с пулом воркеров.
type Queue struct {
	store     Store
	runner    Runner
	notifier  Notifier
	heuristic Heuristic
	backoff   Backoff
	tracer    trace.Tracer
	logger    *slog.Logger

	concurrency   int
	maxAttempts   int
	pollInterval  time.Duration
	lease         time.Duration
	keepCompleted int
	keepFailed    int

	listenersMu sync.RWMutex
	listeners   []Listener

	wake chan struct{}

	mu        sync.Mutex
	started   bool
	closed    bool
	stopClaim context.CancelFunc
	active    map[uuid.UUID]*activeJob
	wg        sync.WaitGroup
}

type activeJob struct {
	pipelineID string
	cancel     context.CancelCauseFunc
}

// New создаёт Queue.
func New(cfg Config) *Queue {
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}

	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}

	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}

	lease := cfg.Lease
	if lease <= 0 {
		lease = defaultLease
	}

	keepCompleted := cfg.KeepCompleted
	if keepCompleted <= 0 {
		keepCompleted = defaultKeepCompleted
	}

	keepFailed := cfg.KeepFailed
	if keepFailed <= 0 {
		keepFailed = defaultKeepFailed
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Queue{
		store:         cfg.Store,
		runner:        cfg.Runner,
		notifier:      cfg.Notifier,
		heuristic:     cfg.Heuristic,
		backoff:       Backoff{Base: cfg.BackoffBase, Max: cfg.BackoffMax},
		tracer:        otel.Tracer(telemetry.TracerName),
		logger:        logger,
		concurrency:   concurrency,
		maxAttempts:   maxAttempts,
		pollInterval:  pollInterval,
		lease:         lease,
		keepCompleted: keepCompleted,
		keepFailed:    keepFailed,
		wake:          make(chan struct{}, concurrency),
		active:        make(map[uuid.UUID]*activeJob),
	}
}

// Subscribe регистрирует слушателя событий jobs.
func (q *Queue) Subscribe(l Listener) {
	q.listenersMu.Lock()
	defer q.listenersMu.Unlock()

	listeners := make([]Listener, 0, len(q.listeners)+1)
	listeners = append(listeners, q.listeners...)
	q.listeners = append(listeners, l)
}

// Enqueue сохраняет job для стадии с указанным приоритетом.
//
// Ошибки: ErrQueueClosed, ErrInvalidJob, ErrJobInFlight.
func (q *Queue) Enqueue(ctx context.Context, sub domain.StageSubmission, priority int) (*domain.StageJob, error) {
	if q.isClosed() {
		return nil, ErrQueueClosed
	}
	if sub.PipelineID == "" || sub.StageID == "" || sub.ExecutablePath == "" {
		return nil, fmt.Errorf("%w: pipeline_id, stage_id and executable_path are required", ErrInvalidJob)
	}

	sub.Priority = priority
	job := domain.NewStageJob(sub, q.maxAttempts)

	if err := q.store.Create(ctx, job); err != nil {
		if errors.Is(err, repo.ErrAlreadyExists) {
			return nil, fmt.Errorf("%w: %s/%s", ErrJobInFlight, sub.PipelineID, sub.StageID)
		}
		return nil, fmt.Errorf("enqueue job: %w", err)
	}

	telemetry.JobsEnqueued.Inc()
	q.logger.Debug("job enqueued",
		"job_id", job.ID,
		"pipeline_id", job.PipelineID,
		"stage_id", job.StageID,
		"priority", job.Priority,
	)

	q.Wake()
	if q.notifier != nil {
		if err := q.notifier.NotifyEnqueued(ctx, job); err != nil {
			q.logger.Warn("failed to notify about enqueued job", "job_id", job.ID, "error", err)
		}
	}

	return job, nil
}

// Wake будит один простаивающий воркер.
func (q *Queue) Wake() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Get возвращает job по ID.
func (q *Queue) Get(ctx context.Context, id uuid.UUID) (*domain.StageJob, error) {
	job, err := q.store.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// ListByPipeline возвращает все jobs pipeline в порядке создания.
func (q *Queue) ListByPipeline(ctx context.Context, pipelineID string) ([]domain.StageJob, error) {
	jobs, err := q.store.ListByPipeline(ctx, pipelineID)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return jobs, nil
}

// Stats возвращает счётчики jobs по статусам.
func (q *Queue) Stats(ctx context.Context) (domain.QueueStats, error) {
	stats, err := q.store.Stats(ctx)
	if err != nil {
		return domain.QueueStats{}, fmt.Errorf("queue stats: %w", err)
	}

	telemetry.QueueDepth.WithLabelValues(string(domain.JobStatusWaiting)).Set(float64(stats.Waiting))
	telemetry.QueueDepth.WithLabelValues(string(domain.JobStatusActive)).Set(float64(stats.Active))
	telemetry.QueueDepth.WithLabelValues(string(domain.JobStatusCompleted)).Set(float64(stats.Completed))
	telemetry.QueueDepth.WithLabelValues(string(domain.JobStatusFailed)).Set(float64(stats.Failed))

	return stats, nil
}

// CancelPipeline отменяет jobs pipeline.
//
// Waiting jobs сразу становятся failed (с уведомлением JobFailed).
// Активным выставляется флаг отмены: локальные прерываются немедленно,
// воркеры других процессов увидят флаг при следующем heartbeat.
// Возвращает число затронутых jobs этого процесса.
func (q *Queue) CancelPipeline(ctx context.Context, pipelineID string) (int, error) {
	cancelled, err := q.store.RequestCancel(ctx, pipelineID, ErrJobCancelled.Error(), time.Now())
	if err != nil {
		return 0, fmt.Errorf("cancel pipeline jobs: %w", err)
	}

	for i := range cancelled {
		telemetry.JobsFinished.WithLabelValues(string(domain.JobStatusFailed)).Inc()
		q.notify(func(l Listener) { l.JobFailed(ctx, &cancelled[i]) })
	}

	interrupted := 0
	q.mu.Lock()
	for _, a := range q.active {
		if a.pipelineID == pipelineID {
			a.cancel(ErrJobCancelled)
			interrupted++
		}
	}
	q.mu.Unlock()

	q.logger.Info("pipeline jobs cancelled",
		"pipeline_id", pipelineID,
		"waiting", len(cancelled),
		"interrupted", interrupted,
	)

	return len(cancelled) + interrupted, nil
}

// Deliver передаёт локальным слушателям событие, полученное из другого процесса.
func (q *Queue) Deliver(ctx context.Context, ev *JobEvent) {
	q.notify(func(l Listener) {
		if !Dispatch(ctx, l, ev) {
			q.logger.Warn("unknown job event kind", "kind", ev.Kind)
		}
	})
}

// Start запускает пул воркеров.
//
// Отмена ctx прекращает захват новых jobs, но не прерывает выполняющиеся:
// для этого используется Shutdown с дедлайном.
func (q *Queue) Start(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrQueueClosed
	}
	if q.started {
		return ErrAlreadyStarted
	}
	q.started = true

	if q.runner == nil {
		q.logger.Info("queue started without local workers")
		return nil
	}

	claimCtx, cancel := context.WithCancel(ctx)
	q.stopClaim = cancel
	runCtx := context.WithoutCancel(ctx)

	for i := 0; i < q.concurrency; i++ {
		q.wg.Add(1)
		go func(id int) {
			defer q.wg.Done()
			q.workerLoop(claimCtx, runCtx, id)
		}(i)
	}

	q.logger.Info("queue started",
		"concurrency", q.concurrency,
		"max_attempts", q.maxAttempts,
		"lease", q.lease,
	)
	return nil
}

// Shutdown прекращает приём и захват jobs и ждёт завершения активных.
//
// Если ctx истекает раньше, активные jobs прерываются и возвращаются
// в очередь без расхода попытки. Повторный вызов ничего не делает.
func (q *Queue) Shutdown(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	stop := q.stopClaim
	q.mu.Unlock()

	q.logger.Info("stopping queue...")
	if stop != nil {
		stop()
	}

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		q.logger.Info("queue stopped")
		return nil
	case <-ctx.Done():
		q.logger.Warn("drain deadline exceeded, interrupting active jobs")
		q.mu.Lock()
		for _, a := range q.active {
			a.cancel(ErrShutdown)
		}
		q.mu.Unlock()
		<-done
		return ctx.Err()
	}
}

// Maintain восстанавливает зависшие jobs, применяет правила хранения
// и обновляет метрики глубины очереди.
func (q *Queue) Maintain(ctx context.Context) error {
	var errs []error

	if _, err := q.RecoverStalled(ctx); err != nil {
		errs = append(errs, err)
	}
	if _, err := q.Purge(ctx); err != nil {
		errs = append(errs, err)
	}
	if _, err := q.Stats(ctx); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// RecoverStalled обрабатывает активные jobs с истёкшей арендой:
// возвращает в очередь, если остались попытки, иначе помечает failed.
func (q *Queue) RecoverStalled(ctx context.Context) (int, error) {
	now := time.Now()
	stalled, err := q.store.ListStalled(ctx, now, stalledBatchSize)
	if err != nil {
		return 0, fmt.Errorf("list stalled jobs: %w", err)
	}

	recovered := 0
	for i := range stalled {
		job := &stalled[i]
		if q.isActive(job.ID) {
			continue
		}

		logger := telemetry.WithJobID(q.logger, job.ID.String(), job.StageID)
		switch {
		case job.CancelRequested:
			job.MarkFailed(job.Result, ErrJobCancelled.Error())
		case job.CanRetry():
			job.ScheduleRetry(job.Result, "lease expired", now)
		default:
			job.MarkFailed(job.Result, "lease expired, attempts exhausted")
		}

		if err := q.store.Update(ctx, job); err != nil {
			logger.Error("failed to recover stalled job", "error", err)
			continue
		}
		recovered++

		logger.Warn("stalled job recovered", "status", job.Status, "attempt", job.Attempt)
		if job.Status == domain.JobStatusWaiting {
			telemetry.JobRetries.Inc()
			q.notify(func(l Listener) { l.JobRetrying(ctx, job, 0) })
			q.Wake()
			continue
		}
		telemetry.JobsFinished.WithLabelValues(string(job.Status)).Inc()
		q.notify(func(l Listener) { l.JobFailed(ctx, job) })
	}

	return recovered, nil
}

// Purge удаляет старые завершённые jobs сверх лимитов хранения.
func (q *Queue) Purge(ctx context.Context) (int64, error) {
	n, err := q.store.Purge(ctx, q.keepCompleted, q.keepFailed)
	if err != nil {
		return 0, fmt.Errorf("purge jobs: %w", err)
	}
	if n > 0 {
		q.logger.Debug("finished jobs purged", "count", n)
	}
	return n, nil
}

func (q *Queue) notify(fn func(Listener)) {
	q.listenersMu.RLock()
	listeners := q.listeners
	q.listenersMu.RUnlock()

	for _, l := range listeners {
		q.safeCall(l, fn)
	}
}

func (q *Queue) safeCall(l Listener, fn func(Listener)) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("listener panic", "panic", r)
		}
	}()
	fn(l)
}

func (q *Queue) isClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

func (q *Queue) isActive(id uuid.UUID) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.active[id]
	return ok
}

func (q *Queue) track(job *domain.StageJob, cancel context.CancelCauseFunc) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.active[job.ID] = &activeJob{pipelineID: job.PipelineID, cancel: cancel}
}

func (q *Queue) untrack(id uuid.UUID) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.active, id)
}
