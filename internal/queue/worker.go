package queue

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/shaiso/Conveyor/internal/domain"
	"github.com/shaiso/Conveyor/internal/repo"
	"github.com/shaiso/Conveyor/internal/runner"
	"github.com/shaiso/Conveyor/internal/telemetry"
)

// workerLoop захватывает и выполняет jobs, пока не отменён claimCtx.
func (q *Queue) workerLoop(claimCtx, runCtx context.Context, id int) {
	logger := q.logger.With("worker", id)
	timer := time.NewTimer(q.pollInterval)
	defer timer.Stop()

	for {
		job, err := q.store.ClaimNext(claimCtx, time.Now(), q.lease)
		switch {
		case err == nil:
			q.process(runCtx, job)
			continue
		case claimCtx.Err() != nil:
			return
		case !errors.Is(err, repo.ErrNotFound):
			logger.Error("failed to claim job", "error", err)
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(q.pollInterval)

		select {
		case <-claimCtx.Done():
			return
		case <-q.wake:
		case <-timer.C:
		}
	}
}

// process выполняет одну попытку захваченного job.
func (q *Queue) process(runCtx context.Context, job *domain.StageJob) {
	jobCtx, cancel := context.WithCancelCause(runCtx)
	defer cancel(nil)

	q.track(job, cancel)
	defer q.untrack(job.ID)

	logger := telemetry.WithJobID(telemetry.WithPipelineID(q.logger, job.PipelineID), job.ID.String(), job.StageID)

	ctx, span := q.tracer.Start(jobCtx, "stage.execute", trace.WithAttributes(
		attribute.String("conveyor.pipeline_id", job.PipelineID),
		attribute.String("conveyor.stage_id", job.StageID),
		attribute.String("conveyor.job_id", job.ID.String()),
		attribute.Int("conveyor.attempt", job.Attempt),
	))
	defer span.End()

	// Слушатели и запись результата не должны зависеть от отмены job.
	bg := context.WithoutCancel(ctx)

	// Отмена могла быть запрошена между захватом и регистрацией job.
	if flag, err := q.store.Heartbeat(bg, job.ID, time.Now().Add(q.lease)); err == nil && flag {
		cancel(ErrJobCancelled)
	}
	if errors.Is(context.Cause(jobCtx), ErrJobCancelled) {
		logger.Info("job cancelled before start")
		q.finish(bg, logger, span, job, domain.FailedResult(-1, ErrJobCancelled.Error()), ErrJobCancelled)
		return
	}

	logger.Info("stage started", "attempt", job.Attempt, "max_attempts", job.MaxAttempts)
	q.notify(func(l Listener) { l.JobActive(bg, job) })

	var hb sync.WaitGroup
	hbCtx, stopHeartbeat := context.WithCancel(jobCtx)
	hb.Add(1)
	go func() {
		defer hb.Done()
		q.heartbeat(hbCtx, job, cancel, logger)
	}()

	telemetry.JobsActive.Inc()
	start := time.Now()
	obs := &jobObserver{q: q, ctx: bg, job: job}
	result := q.runner.Run(jobCtx, job, obs)
	elapsed := time.Since(start)
	telemetry.JobsActive.Dec()
	telemetry.StageDuration.Observe(elapsed.Seconds())

	stopHeartbeat()
	hb.Wait()

	q.finish(bg, logger, span, job, result, context.Cause(jobCtx))
}

// finish переводит job в следующий статус по результату попытки.
func (q *Queue) finish(ctx context.Context, logger *slog.Logger, span trace.Span, job *domain.StageJob, result *domain.StageResult, cause error) {
	now := time.Now()
	var delay time.Duration

	switch {
	case result.Success:
		job.MarkCompleted(result)
	case errors.Is(cause, ErrShutdown):
		job.Release("interrupted by shutdown", now)
	case errors.Is(cause, ErrJobCancelled):
		job.MarkFailed(result, ErrJobCancelled.Error())
	case job.CanRetry():
		delay = q.backoff.Delay(job.Attempt)
		job.ScheduleRetry(result, result.ErrorMessage, now.Add(delay))
	default:
		job.MarkFailed(result, result.ErrorMessage)
	}

	if err := q.store.Update(ctx, job); err != nil {
		// Аренда истечёт, и job подберёт RecoverStalled.
		logger.Error("failed to save job result", "status", job.Status, "error", err)
		span.RecordError(err)
		return
	}

	span.SetAttributes(attribute.String("conveyor.status", string(job.Status)))

	switch job.Status {
	case domain.JobStatusCompleted:
		span.SetStatus(codes.Ok, "")
		logger.Info("stage completed", "duration", job.Duration())
		telemetry.JobsFinished.WithLabelValues(string(job.Status)).Inc()
		q.notify(func(l Listener) { l.JobCompleted(ctx, job) })
		q.purge(ctx, logger)

	case domain.JobStatusFailed:
		span.SetStatus(codes.Error, job.Error)
		logger.Warn("stage failed", "attempt", job.Attempt, "error", job.Error)
		telemetry.JobsFinished.WithLabelValues(string(job.Status)).Inc()
		q.notify(func(l Listener) { l.JobFailed(ctx, job) })
		q.purge(ctx, logger)

	case domain.JobStatusWaiting:
		if errors.Is(cause, ErrShutdown) {
			logger.Info("job released back to queue")
			return
		}
		span.SetStatus(codes.Error, job.Error)
		logger.Warn("stage attempt failed, retrying",
			"attempt", job.Attempt,
			"max_attempts", job.MaxAttempts,
			"delay", delay,
			"error", job.Error,
		)
		telemetry.JobRetries.Inc()
		q.notify(func(l Listener) { l.JobRetrying(ctx, job, delay) })
		time.AfterFunc(delay, q.Wake)
	}
}

func (q *Queue) purge(ctx context.Context, logger *slog.Logger) {
	if _, err := q.Purge(ctx); err != nil {
		logger.Warn("failed to purge finished jobs", "error", err)
	}
}

// heartbeat продлевает аренду job и прерывает его при запросе отмены.
func (q *Queue) heartbeat(ctx context.Context, job *domain.StageJob, cancel context.CancelCauseFunc, logger *slog.Logger) {
	interval := q.lease / 3
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			flag, err := q.store.Heartbeat(ctx, job.ID, time.Now().Add(q.lease))
			if err != nil {
				if ctx.Err() == nil {
					logger.Warn("heartbeat failed", "error", err)
				}
				continue
			}
			if flag {
				logger.Info("cancel requested, interrupting stage")
				cancel(ErrJobCancelled)
				return
			}
		}
	}
}

// jobObserver транслирует вывод стадии слушателям и вычисляет прогресс.
// Runner вызывает OnOutput последовательно.
type jobObserver struct {
	q    *Queue
	ctx  context.Context
	job  *domain.StageJob
	last int
}

func (o *jobObserver) OnOutput(stream runner.Stream, line string) {
	o.q.notify(func(l Listener) { l.JobOutput(o.ctx, o.job, stream, line) })

	if o.q.heuristic == nil {
		return
	}
	percent, ok := o.q.heuristic.MapOutputChunk(line)
	if !ok || percent <= o.last {
		return
	}
	o.last = percent
	o.job.Progress = percent
	o.q.notify(func(l Listener) { l.JobProgress(o.ctx, o.job, percent) })
}
