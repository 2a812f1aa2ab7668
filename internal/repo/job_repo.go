package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shaiso/Conveyor/internal/domain"
)

// pgUniqueViolation — SQLSTATE нарушения уникального индекса.
const pgUniqueViolation = "23505"

const jobColumns = `
	id, pipeline_id, stage_id, stage_name, executable_path, config_file, arguments,
	priority, status, attempt, max_attempts, run_at, locked_until, cancel_requested,
	progress, result, error, created_at, started_at, finished_at`

// JobRepo — хранилище stage jobs в PostgreSQL.
//
// Таблица stage_jobs — источник истины очереди: воркеры разных процессов
// захватывают jobs через FOR UPDATE SKIP LOCKED.
type JobRepo struct {
	pool *pgxpool.Pool
}

// NewJobRepo создаёт новый JobRepo.
func NewJobRepo(pool *pgxpool.Pool) *JobRepo {
	return &JobRepo{pool: pool}
}

// Create сохраняет новый job.
// Возвращает ErrAlreadyExists, если у стадии уже есть незавершённый job.
func (r *JobRepo) Create(ctx context.Context, job *domain.StageJob) error {
	argsJSON, err := json.Marshal(nonNilStrings(job.Arguments))
	if err != nil {
		return fmt.Errorf("marshal arguments: %w", err)
	}

	query := `
		INSERT INTO stage_jobs (id, pipeline_id, stage_id, stage_name, executable_path,
		                        config_file, arguments, priority, status, attempt,
		                        max_attempts, run_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`
	_, err = r.pool.Exec(ctx, query,
		job.ID,
		job.PipelineID,
		job.StageID,
		job.StageName,
		job.ExecutablePath,
		job.ConfigFile,
		argsJSON,
		job.Priority,
		job.Status,
		job.Attempt,
		job.MaxAttempts,
		job.RunAt,
		job.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return ErrAlreadyExists
		}
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// ClaimNext атомарно захватывает waiting job с наибольшим приоритетом,
// у которого наступил run_at. Возвращает ErrNotFound, если очередь пуста.
func (r *JobRepo) ClaimNext(ctx context.Context, now time.Time, lease time.Duration) (*domain.StageJob, error) {
	query := `
		UPDATE stage_jobs
		SET status = 'active', attempt = attempt + 1, started_at = $1,
		    finished_at = NULL, locked_until = $2, progress = 0
		WHERE id = (
			SELECT id FROM stage_jobs
			WHERE status = 'waiting' AND run_at <= $1
			ORDER BY priority DESC, created_at ASC
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING ` + jobColumns
	return scanJob(r.pool.QueryRow(ctx, query, now, now.Add(lease)))
}

// Heartbeat продлевает аренду активного job и возвращает флаг отмены.
func (r *JobRepo) Heartbeat(ctx context.Context, id uuid.UUID, until time.Time) (bool, error) {
	var cancelRequested bool
	err := r.pool.QueryRow(ctx, `
		UPDATE stage_jobs SET locked_until = $2
		WHERE id = $1 AND status = 'active'
		RETURNING cancel_requested
	`, id, until).Scan(&cancelRequested)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("heartbeat job: %w", err)
	}
	return cancelRequested, nil
}

// Update сохраняет изменяемые поля job. Флаг отмены не перезаписывается.
func (r *JobRepo) Update(ctx context.Context, job *domain.StageJob) error {
	resultJSON, err := marshalResult(job.Result)
	if err != nil {
		return err
	}

	query := `
		UPDATE stage_jobs
		SET status = $2, attempt = $3, run_at = $4, locked_until = $5, progress = $6,
		    result = $7, error = $8, started_at = $9, finished_at = $10
		WHERE id = $1
	`
	tag, err := r.pool.Exec(ctx, query,
		job.ID,
		job.Status,
		job.Attempt,
		job.RunAt,
		job.LockedUntil,
		job.Progress,
		resultJSON,
		nullString(job.Error),
		job.StartedAt,
		job.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// GetByID возвращает job по ID.
func (r *JobRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.StageJob, error) {
	query := `SELECT ` + jobColumns + ` FROM stage_jobs WHERE id = $1`
	return scanJob(r.pool.QueryRow(ctx, query, id))
}

// ListByPipeline возвращает историю jobs pipeline в порядке создания.
func (r *JobRepo) ListByPipeline(ctx context.Context, pipelineID string) ([]domain.StageJob, error) {
	query := `SELECT ` + jobColumns + ` FROM stage_jobs WHERE pipeline_id = $1 ORDER BY created_at ASC`
	rows, err := r.pool.Query(ctx, query, pipelineID)
	if err != nil {
		return nil, fmt.Errorf("list jobs by pipeline: %w", err)
	}
	return collectJobs(rows)
}

// RequestCancel отменяет незавершённые jobs pipeline.
// Waiting jobs сразу переходят в failed и возвращаются; активным ставится
// флаг cancel_requested, его подхватит heartbeat воркера.
func (r *JobRepo) RequestCancel(ctx context.Context, pipelineID, reason string, now time.Time) ([]domain.StageJob, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		UPDATE stage_jobs
		SET status = 'failed', cancel_requested = TRUE, error = $3, finished_at = $2
		WHERE pipeline_id = $1 AND status = 'waiting'
		RETURNING `+jobColumns, pipelineID, now, reason)
	if err != nil {
		return nil, fmt.Errorf("cancel waiting jobs: %w", err)
	}
	cancelled, err := collectJobs(rows)
	if err != nil {
		return nil, err
	}

	if _, err := tx.Exec(ctx, `
		UPDATE stage_jobs SET cancel_requested = TRUE
		WHERE pipeline_id = $1 AND status = 'active'
	`, pipelineID); err != nil {
		return nil, fmt.Errorf("flag active jobs: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}
	return cancelled, nil
}

// ListStalled возвращает активные jobs с истёкшей арендой.
func (r *JobRepo) ListStalled(ctx context.Context, now time.Time, limit int) ([]domain.StageJob, error) {
	query := `SELECT ` + jobColumns + `
		FROM stage_jobs
		WHERE status = 'active' AND locked_until < $1
		ORDER BY locked_until ASC
		LIMIT $2`
	rows, err := r.pool.Query(ctx, query, now, limit)
	if err != nil {
		return nil, fmt.Errorf("list stalled jobs: %w", err)
	}
	return collectJobs(rows)
}

// Stats возвращает количество jobs по статусам.
func (r *JobRepo) Stats(ctx context.Context) (domain.QueueStats, error) {
	var stats domain.QueueStats

	rows, err := r.pool.Query(ctx, `SELECT status, COUNT(*) FROM stage_jobs GROUP BY status`)
	if err != nil {
		return stats, fmt.Errorf("count jobs: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return stats, fmt.Errorf("scan stats: %w", err)
		}
		addStat(&stats, domain.JobStatus(status), count)
	}
	return stats, rows.Err()
}

// Purge удаляет завершённые jobs сверх лимитов хранения.
func (r *JobRepo) Purge(ctx context.Context, keepCompleted, keepFailed int) (int64, error) {
	var total int64
	for status, keep := range map[domain.JobStatus]int{
		domain.JobStatusCompleted: keepCompleted,
		domain.JobStatusFailed:    keepFailed,
	} {
		tag, err := r.pool.Exec(ctx, `
			DELETE FROM stage_jobs WHERE id IN (
				SELECT id FROM stage_jobs
				WHERE status = $1
				ORDER BY finished_at DESC, created_at DESC
				OFFSET $2
			)
		`, status, keep)
		if err != nil {
			return total, fmt.Errorf("purge %s jobs: %w", status, err)
		}
		total += tag.RowsAffected()
	}
	return total, nil
}

// --- Helpers ---

func scanJob(row pgx.Row) (*domain.StageJob, error) {
	var job domain.StageJob
	var argsJSON, resultJSON []byte
	var jobError *string

	err := row.Scan(
		&job.ID,
		&job.PipelineID,
		&job.StageID,
		&job.StageName,
		&job.ExecutablePath,
		&job.ConfigFile,
		&argsJSON,
		&job.Priority,
		&job.Status,
		&job.Attempt,
		&job.MaxAttempts,
		&job.RunAt,
		&job.LockedUntil,
		&job.CancelRequested,
		&job.Progress,
		&resultJSON,
		&jobError,
		&job.CreatedAt,
		&job.StartedAt,
		&job.FinishedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan job: %w", err)
	}

	if err := unmarshalJobJSON(&job, argsJSON, resultJSON); err != nil {
		return nil, err
	}
	if jobError != nil {
		job.Error = *jobError
	}
	return &job, nil
}

func collectJobs(rows pgx.Rows) ([]domain.StageJob, error) {
	defer rows.Close()

	var jobs []domain.StageJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

func unmarshalJobJSON(job *domain.StageJob, argsJSON, resultJSON []byte) error {
	if len(argsJSON) > 0 {
		if err := json.Unmarshal(argsJSON, &job.Arguments); err != nil {
			return fmt.Errorf("unmarshal arguments: %w", err)
		}
	}
	if len(resultJSON) > 0 && string(resultJSON) != "null" {
		job.Result = &domain.StageResult{}
		if err := json.Unmarshal(resultJSON, job.Result); err != nil {
			return fmt.Errorf("unmarshal result: %w", err)
		}
	}
	return nil
}

func marshalResult(result *domain.StageResult) ([]byte, error) {
	if result == nil {
		return nil, nil
	}
	data, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	return data, nil
}

func addStat(stats *domain.QueueStats, status domain.JobStatus, count int64) {
	switch status {
	case domain.JobStatusWaiting:
		stats.Waiting += count
	case domain.JobStatusActive:
		stats.Active += count
	case domain.JobStatusCompleted:
		stats.Completed += count
	case domain.JobStatusFailed:
		stats.Failed += count
	}
}

// nullString возвращает nil для пустой строки (для nullable полей).
func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nonNilStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
