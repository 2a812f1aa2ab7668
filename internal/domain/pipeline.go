package domain

import "github.com/google/uuid"

// PipelineSpec — декларативное описание pipeline.
//
// Загружается из YAML/JSON (см. engine.ParseSpec) или приходит через API.
// Стадии выполняются строго в порядке объявления.
type PipelineSpec struct {
	// ID — идентификатор execution. Если пустой, генерируется при запуске.
	ID string `json:"id,omitempty" yaml:"id,omitempty"`

	// Name — человекочитаемое имя pipeline.
	Name string `json:"name,omitempty" yaml:"name,omitempty"`

	// ConfigFile — конфигурация по умолчанию для стадий без собственной.
	ConfigFile string `json:"config_file,omitempty" yaml:"config_file,omitempty"`

	// Priority — приоритет всех jobs этого pipeline.
	Priority int `json:"priority,omitempty" yaml:"priority,omitempty"`

	// Stages — упорядоченный список стадий.
	Stages []StageDef `json:"stages" yaml:"stages"`
}

// StageDef — описание одной стадии.
type StageDef struct {
	// ID — уникальный в рамках pipeline идентификатор,
	// передаётся процессу вторым позиционным аргументом.
	ID string `json:"id" yaml:"id"`

	// Name — человекочитаемое имя.
	Name string `json:"name,omitempty" yaml:"name,omitempty"`

	// Executable — исполняемый файл стадии.
	Executable string `json:"executable" yaml:"executable"`

	// ConfigFile — конфигурация стадии (по умолчанию PipelineSpec.ConfigFile).
	ConfigFile string `json:"config_file,omitempty" yaml:"config_file,omitempty"`

	// Arguments — ведущие аргументы (например, путь к скрипту).
	Arguments []string `json:"arguments,omitempty" yaml:"arguments,omitempty"`

	// MaxAttempts переопределяет число попыток очереди, если > 0.
	MaxAttempts int `json:"max_attempts,omitempty" yaml:"max_attempts,omitempty"`

	// Priority переопределяет приоритет pipeline для этой стадии, если > 0.
	Priority int `json:"priority,omitempty" yaml:"priority,omitempty"`

	// JobID — ID job, выданный SubmitStage до постановки стадии в очередь.
	JobID uuid.UUID `json:"job_id,omitempty" yaml:"-"`
}

// Submission строит параметры постановки стадии в очередь.
// priority используется, если у стадии нет собственного.
func (s StageDef) Submission(pipelineID string, priority int) StageSubmission {
	if s.Priority > 0 {
		priority = s.Priority
	}
	return StageSubmission{
		PipelineID:     pipelineID,
		StageID:        s.ID,
		StageName:      s.Name,
		ExecutablePath: s.Executable,
		ConfigFile:     s.ConfigFile,
		Arguments:      s.Arguments,
		Priority:       priority,
		MaxAttempts:    s.MaxAttempts,
		JobID:          s.JobID,
	}
}

// StageDefFromJob восстанавливает описание стадии из job.
// Используется, когда стадия была отправлена напрямую через SubmitStage.
func StageDefFromJob(job *StageJob) StageDef {
	return StageDef{
		ID:          job.StageID,
		Name:        job.StageName,
		Executable:  job.ExecutablePath,
		ConfigFile:  job.ConfigFile,
		Arguments:   append([]string(nil), job.Arguments...),
		MaxAttempts: job.MaxAttempts,
		Priority:    job.Priority,
		JobID:       job.ID,
	}
}
