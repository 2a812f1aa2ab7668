package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/shaiso/Conveyor/internal/domain"
	"github.com/shaiso/Conveyor/internal/runner"
	"github.com/shaiso/Conveyor/internal/telemetry"
)

// JobActive фиксирует текущую стадию и публикует stage_start.
func (o *Orchestrator) JobActive(ctx context.Context, job *domain.StageJob) {
	o.publish(jobEvent(domain.EventStageStart, job, map[string]any{
		"attempt":      job.Attempt,
		"max_attempts": job.MaxAttempts,
		"stage_name":   job.StageName,
	}))

	o.mu.Lock()
	defer o.mu.Unlock()

	exec, err := o.loadLocked(ctx, job.PipelineID)
	if err != nil || exec == nil || exec.IsFinished() {
		return
	}
	if exec.CurrentStageID != job.StageID {
		exec.MarkStageRunning(job.StageID)
		o.saveLocked(ctx, exec)
	}
}

// JobProgress публикует stage_progress.
func (o *Orchestrator) JobProgress(_ context.Context, job *domain.StageJob, percent int) {
	o.publish(jobEvent(domain.EventStageProgress, job, map[string]any{
		"progress": percent,
	}))
}

// JobOutput публикует строку вывода стадии как log.
func (o *Orchestrator) JobOutput(_ context.Context, job *domain.StageJob, stream runner.Stream, line string) {
	o.publish(jobEvent(domain.EventLog, job, map[string]any{
		"stream": string(stream),
		"line":   line,
	}))
}

// JobRetrying публикует log о повторной попытке.
func (o *Orchestrator) JobRetrying(_ context.Context, job *domain.StageJob, delay time.Duration) {
	telemetry.WithJobID(o.logger, job.ID.String(), job.StageID).Warn("stage will be retried",
		"pipeline_id", job.PipelineID,
		"attempt", job.Attempt,
		"delay", delay,
		"error", job.Error,
	)

	o.publish(jobEvent(domain.EventLog, job, map[string]any{
		"message": fmt.Sprintf("attempt %d/%d failed, retrying in %s", job.Attempt, job.MaxAttempts, delay),
		"attempt": job.Attempt,
		"delay":   delay.String(),
		"error":   job.Error,
	}))
}

// JobCompleted публикует stage_complete, записывает результат и
// отправляет следующую стадию либо завершает pipeline.
func (o *Orchestrator) JobCompleted(ctx context.Context, job *domain.StageJob) {
	result := job.Result
	if result == nil {
		result = &domain.StageResult{Success: true, StructuredOutputs: map[string]any{}, Artifacts: []string{}}
	}

	o.publish(jobEvent(domain.EventStageComplete, job, map[string]any{
		"attempt":   job.Attempt,
		"exit_code": result.ExitCode,
		"outputs":   result.StructuredOutputs,
		"artifacts": result.Artifacts,
		"duration":  job.Duration().String(),
	}))

	o.mu.Lock()
	defer o.mu.Unlock()

	exec, err := o.loadLocked(ctx, job.PipelineID)
	if err != nil {
		o.logger.Error("failed to load execution", "pipeline_id", job.PipelineID, "error", err)
		return
	}
	if exec == nil || o.refreshLocked(ctx, exec) {
		return
	}

	if exec.StageIndex(job.StageID) < 0 {
		exec.AddStage(domain.StageDefFromJob(job))
	}
	exec.RecordResult(job.StageID, result)
	if exec.CurrentStageID == job.StageID {
		exec.CurrentStageID = ""
	}

	if exec.AllStagesCompleted() {
		exec.MarkCompleted()
		o.saveLocked(ctx, exec)
		o.cache.put(exec)
		o.finishedLocked(exec)
		return
	}

	next, _ := exec.NextStage()
	o.dispatchLocked(ctx, exec, next)
}

// JobFailed публикует stage_failed и останавливает pipeline (fail-fast).
func (o *Orchestrator) JobFailed(ctx context.Context, job *domain.StageJob) {
	payload := map[string]any{
		"attempt": job.Attempt,
		"error":   job.Error,
	}
	if job.Result != nil {
		payload["exit_code"] = job.Result.ExitCode
		payload["stderr"] = job.Result.Stderr
	}
	o.publish(jobEvent(domain.EventStageFailed, job, payload))

	o.mu.Lock()
	defer o.mu.Unlock()

	exec, err := o.loadLocked(ctx, job.PipelineID)
	if err != nil {
		o.logger.Error("failed to load execution", "pipeline_id", job.PipelineID, "error", err)
		return
	}
	if exec == nil || o.refreshLocked(ctx, exec) {
		return
	}

	exec.MarkError(fmt.Sprintf("stage %s failed: %s", job.StageID, job.Error))
	o.saveLocked(ctx, exec)
	o.cache.put(exec)
	o.finishedLocked(exec)
}

func jobEvent(typ domain.EventType, job *domain.StageJob, payload map[string]any) domain.ProgressEvent {
	ev := domain.NewEvent(typ, job.PipelineID, job.StageID, payload)
	ev.JobID = job.ID.String()
	return ev
}
