package api

import (
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/Conveyor/internal/domain"
)

// Pipeline DTOs

// StageResponse — стадия pipeline с её состоянием.
type StageResponse struct {
	ID         string    `json:"id"`
	Name       string    `json:"name,omitempty"`
	Executable string    `json:"executable"`
	ConfigFile string    `json:"config_file,omitempty"`
	Arguments  []string  `json:"arguments,omitempty"`
	Priority   int       `json:"priority,omitempty"`
	JobID      uuid.UUID `json:"job_id,omitempty"`
	Completed  bool      `json:"completed"`
}

// StageResultResponse — результат стадии в accumulated_results.
type StageResultResponse struct {
	StageID           string         `json:"stage_id"`
	Success           bool           `json:"success"`
	ExitCode          int            `json:"exit_code"`
	Stdout            string         `json:"stdout,omitempty"`
	Stderr            string         `json:"stderr,omitempty"`
	StructuredOutputs map[string]any `json:"structured_outputs"`
	Artifacts         []string       `json:"artifacts"`
	ErrorMessage      string         `json:"error_message,omitempty"`
}

// PipelineResponse — ответ с execution.
type PipelineResponse struct {
	ID                 string                 `json:"id"`
	Name               string                 `json:"name,omitempty"`
	Status             domain.ExecutionStatus `json:"status"`
	CurrentStageID     string                 `json:"current_stage_id,omitempty"`
	Progress           int                    `json:"progress"`
	Priority           int                    `json:"priority"`
	Stages             []StageResponse        `json:"stages"`
	AccumulatedResults []StageResultResponse  `json:"accumulated_results"`
	Error              string                 `json:"error,omitempty"`
	StartTime          time.Time              `json:"start_time"`
	EndTime            *time.Time             `json:"end_time,omitempty"`
	DurationMs         int64                  `json:"duration_ms,omitempty"`
}

// PipelineFromDomain конвертирует domain.PipelineExecution в PipelineResponse.
// Stdout и stderr включаются только при withOutput.
func PipelineFromDomain(e *domain.PipelineExecution, withOutput bool) PipelineResponse {
	stages := make([]StageResponse, len(e.Stages))
	for i, s := range e.Stages {
		stages[i] = StageResponse{
			ID:         s.ID,
			Name:       s.Name,
			Executable: s.Executable,
			ConfigFile: s.ConfigFile,
			Arguments:  s.Arguments,
			Priority:   s.Priority,
			JobID:      s.JobID,
			Completed:  e.Result(s.ID) != nil,
		}
	}

	results := make([]StageResultResponse, 0, len(e.Results))
	for _, rec := range e.Results {
		if rec.Result == nil {
			continue
		}
		res := StageResultResponse{
			StageID:           rec.StageID,
			Success:           rec.Result.Success,
			ExitCode:          rec.Result.ExitCode,
			StructuredOutputs: rec.Result.StructuredOutputs,
			Artifacts:         rec.Result.Artifacts,
			ErrorMessage:      rec.Result.ErrorMessage,
		}
		if withOutput {
			res.Stdout = rec.Result.Stdout
			res.Stderr = rec.Result.Stderr
		}
		results = append(results, res)
	}

	return PipelineResponse{
		ID:                 e.ID,
		Name:               e.Name,
		Status:             e.Status,
		CurrentStageID:     e.CurrentStageID,
		Progress:           e.Progress,
		Priority:           e.Priority,
		Stages:             stages,
		AccumulatedResults: results,
		Error:              e.Error,
		StartTime:          e.StartTime,
		EndTime:            e.EndTime,
		DurationMs:         e.Duration().Milliseconds(),
	}
}

// PipelineSummaryResponse — краткая информация для списка.
type PipelineSummaryResponse struct {
	ID             string                 `json:"id"`
	Name           string                 `json:"name,omitempty"`
	Status         domain.ExecutionStatus `json:"status"`
	CurrentStageID string                 `json:"current_stage_id,omitempty"`
	Progress       int                    `json:"progress"`
	Stages         int                    `json:"stages"`
	StartTime      time.Time              `json:"start_time"`
	EndTime        *time.Time             `json:"end_time,omitempty"`
}

// PipelineSummaryFromDomain конвертирует execution в краткий ответ.
func PipelineSummaryFromDomain(e domain.PipelineExecution) PipelineSummaryResponse {
	return PipelineSummaryResponse{
		ID:             e.ID,
		Name:           e.Name,
		Status:         e.Status,
		CurrentStageID: e.CurrentStageID,
		Progress:       e.Progress,
		Stages:         len(e.Stages),
		StartTime:      e.StartTime,
		EndTime:        e.EndTime,
	}
}

// Stage DTOs

// SubmitStageRequest — запрос на постановку стадии в очередь.
type SubmitStageRequest struct {
	StageID        string   `json:"stage_id"`
	StageName      string   `json:"stage_name,omitempty"`
	ExecutablePath string   `json:"executable_path"`
	ConfigFile     string   `json:"config_file"`
	Arguments      []string `json:"arguments,omitempty"`
	Priority       int      `json:"priority,omitempty"`
	MaxAttempts    int      `json:"max_attempts,omitempty"`
}

// ToDomain строит domain.StageSubmission для pipeline.
func (r SubmitStageRequest) ToDomain(pipelineID string) domain.StageSubmission {
	return domain.StageSubmission{
		PipelineID:     pipelineID,
		StageID:        r.StageID,
		StageName:      r.StageName,
		ExecutablePath: r.ExecutablePath,
		ConfigFile:     r.ConfigFile,
		Arguments:      r.Arguments,
		Priority:       r.Priority,
		MaxAttempts:    r.MaxAttempts,
	}
}

// SubmitStageResponse — ответ на постановку стадии.
type SubmitStageResponse struct {
	JobID      uuid.UUID `json:"job_id"`
	PipelineID string    `json:"pipeline_id"`
	StageID    string    `json:"stage_id"`
}

// Job DTOs

// JobResponse — ответ с job.
type JobResponse struct {
	ID              uuid.UUID           `json:"id"`
	PipelineID      string              `json:"pipeline_id"`
	StageID         string              `json:"stage_id"`
	StageName       string              `json:"stage_name,omitempty"`
	ExecutablePath  string              `json:"executable_path"`
	ConfigFile      string              `json:"config_file"`
	Arguments       []string            `json:"arguments,omitempty"`
	Priority        int                 `json:"priority"`
	Status          domain.JobStatus    `json:"status"`
	Attempt         int                 `json:"attempt"`
	MaxAttempts     int                 `json:"max_attempts"`
	Progress        int                 `json:"progress"`
	CancelRequested bool                `json:"cancel_requested,omitempty"`
	Error           string              `json:"error,omitempty"`
	Result          *domain.StageResult `json:"result,omitempty"`
	RunAt           time.Time           `json:"run_at"`
	CreatedAt       time.Time           `json:"created_at"`
	StartedAt       *time.Time          `json:"started_at,omitempty"`
	FinishedAt      *time.Time          `json:"finished_at,omitempty"`
	DurationMs      int64               `json:"duration_ms,omitempty"`
}

// JobFromDomain конвертирует domain.StageJob в JobResponse.
func JobFromDomain(j domain.StageJob) JobResponse {
	return JobResponse{
		ID:              j.ID,
		PipelineID:      j.PipelineID,
		StageID:         j.StageID,
		StageName:       j.StageName,
		ExecutablePath:  j.ExecutablePath,
		ConfigFile:      j.ConfigFile,
		Arguments:       j.Arguments,
		Priority:        j.Priority,
		Status:          j.Status,
		Attempt:         j.Attempt,
		MaxAttempts:     j.MaxAttempts,
		Progress:        j.Progress,
		CancelRequested: j.CancelRequested,
		Error:           j.Error,
		Result:          j.Result,
		RunAt:           j.RunAt,
		CreatedAt:       j.CreatedAt,
		StartedAt:       j.StartedAt,
		FinishedAt:      j.FinishedAt,
		DurationMs:      j.Duration().Milliseconds(),
	}
}

// Queue DTOs

// QueueStatsResponse — счётчики очереди.
type QueueStatsResponse struct {
	domain.QueueStats
	Total int64 `json:"total"`
}

// QueueStatsFromDomain конвертирует domain.QueueStats в ответ.
func QueueStatsFromDomain(s domain.QueueStats) QueueStatsResponse {
	return QueueStatsResponse{
		QueueStats: s,
		Total:      s.Waiting + s.Active + s.Completed + s.Failed,
	}
}
