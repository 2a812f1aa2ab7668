package domain

import (
	"time"

	"github.com/google/uuid"
)

// StageJob — запрос на выполнение одной стадии pipeline.
//
// Job создаётся при отправке стадии в очередь (Orchestrator или SubmitStage)
// и выполняется воркером ровно один раз, если не требуется retry.
// Поля запроса (PipelineID … Priority) неизменяемы после постановки в очередь,
// остальные поля — метаданные очереди.
type StageJob struct {
	// ID — идентификатор, назначенный очередью.
	ID uuid.UUID `json:"id"`

	// PipelineID — execution, к которому относится стадия.
	PipelineID string `json:"pipeline_id"`

	// StageID — ID стадии из определения pipeline.
	StageID string `json:"stage_id"`

	// StageName — человекочитаемое имя стадии.
	StageName string `json:"stage_name,omitempty"`

	// ExecutablePath — исполняемый файл стадии (абсолютный или относительно scripts root).
	ExecutablePath string `json:"executable_path"`

	// ConfigFile — ссылка на конфигурацию, передаётся первым позиционным аргументом.
	ConfigFile string `json:"config_file"`

	// Arguments — ведущие аргументы перед <config> <stage>
	// (например, путь к скрипту для интерпретатора).
	Arguments []string `json:"arguments,omitempty"`

	// Priority — приоритет: больше значение — раньше выполнение.
	Priority int `json:"priority"`

	// Status — текущий статус job.
	Status JobStatus `json:"status"`

	// Attempt — номер текущей попытки (начиная с 1, увеличивается при захвате).
	Attempt int `json:"attempt"`

	// MaxAttempts — максимальное число попыток.
	MaxAttempts int `json:"max_attempts"`

	// RunAt — не раньше этого момента job может быть захвачен (backoff).
	RunAt time.Time `json:"run_at"`

	// LockedUntil — срок аренды активного job. Просроченная аренда означает,
	// что воркер упал, и job подлежит восстановлению.
	LockedUntil *time.Time `json:"locked_until,omitempty"`

	// CancelRequested — запрошена отмена (проверяется heartbeat'ом воркера).
	CancelRequested bool `json:"cancel_requested,omitempty"`

	// Progress — последний известный прогресс стадии (0–100).
	Progress int `json:"progress"`

	// Result — результат последней попытки.
	Result *StageResult `json:"result,omitempty"`

	// Error — текст ошибки последней неудачной попытки.
	Error string `json:"error,omitempty"`

	// CreatedAt — время постановки в очередь.
	CreatedAt time.Time `json:"created_at"`

	// StartedAt — время начала последней попытки.
	StartedAt *time.Time `json:"started_at,omitempty"`

	// FinishedAt — время перехода в финальный статус.
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// NewStageJob создаёт job в статусе waiting.
func NewStageJob(sub StageSubmission, maxAttempts int) *StageJob {
	now := time.Now()
	if sub.MaxAttempts > 0 {
		maxAttempts = sub.MaxAttempts
	}
	id := sub.JobID
	if id == uuid.Nil {
		id = uuid.New()
	}
	return &StageJob{
		ID:             id,
		PipelineID:     sub.PipelineID,
		StageID:        sub.StageID,
		StageName:      sub.StageName,
		ExecutablePath: sub.ExecutablePath,
		ConfigFile:     sub.ConfigFile,
		Arguments:      append([]string(nil), sub.Arguments...),
		Priority:       sub.Priority,
		Status:         JobStatusWaiting,
		MaxAttempts:    maxAttempts,
		RunAt:          now,
		CreatedAt:      now,
	}
}

// Duration возвращает продолжительность последней попытки.
func (j *StageJob) Duration() time.Duration {
	if j.StartedAt == nil || j.FinishedAt == nil {
		return 0
	}
	return j.FinishedAt.Sub(*j.StartedAt)
}

// IsFinished возвращает true, если job завершён.
func (j *StageJob) IsFinished() bool {
	return j.Status.IsTerminal()
}

// MarkActive переводит job в статус active и берёт аренду до until.
func (j *StageJob) MarkActive(now, until time.Time) {
	j.Status = JobStatusActive
	j.StartedAt = &now
	j.FinishedAt = nil
	j.LockedUntil = &until
	j.Progress = 0
	j.Attempt++
}

// MarkCompleted переводит job в статус completed с результатом.
func (j *StageJob) MarkCompleted(result *StageResult) {
	now := time.Now()
	j.Status = JobStatusCompleted
	j.FinishedAt = &now
	j.LockedUntil = nil
	j.Result = result
	j.Error = ""
	j.Progress = 100
}

// MarkFailed переводит job в статус failed.
func (j *StageJob) MarkFailed(result *StageResult, err string) {
	now := time.Now()
	j.Status = JobStatusFailed
	j.FinishedAt = &now
	j.LockedUntil = nil
	j.Result = result
	j.Error = err
}

// ScheduleRetry возвращает job в очередь с отложенным запуском.
// Attempt увеличится при следующем MarkActive().
func (j *StageJob) ScheduleRetry(result *StageResult, err string, runAt time.Time) {
	j.Status = JobStatusWaiting
	j.RunAt = runAt
	j.LockedUntil = nil
	j.Result = result
	j.Error = err
}

// Release возвращает прерванный job в очередь без расхода попытки.
func (j *StageJob) Release(reason string, now time.Time) {
	j.Status = JobStatusWaiting
	j.RunAt = now
	j.LockedUntil = nil
	j.Error = reason
	if j.Attempt > 0 {
		j.Attempt--
	}
}

// CanRetry проверяет, осталась ли ещё попытка.
func (j *StageJob) CanRetry() bool {
	return j.Attempt < j.MaxAttempts
}

// StageSubmission — параметры SubmitStage.
type StageSubmission struct {
	PipelineID     string   `json:"pipeline_id"`
	StageID        string   `json:"stage_id"`
	StageName      string   `json:"stage_name,omitempty"`
	ExecutablePath string   `json:"executable_path"`
	ConfigFile     string   `json:"config_file"`
	Arguments      []string `json:"arguments,omitempty"`
	Priority       int      `json:"priority"`

	// MaxAttempts переопределяет значение очереди, если > 0.
	MaxAttempts int `json:"max_attempts,omitempty"`

	// JobID — заранее выданный ID job (для стадий, ожидающих своей очереди).
	JobID uuid.UUID `json:"job_id,omitempty"`
}

// QueueStats — счётчики очереди по статусам.
type QueueStats struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}
