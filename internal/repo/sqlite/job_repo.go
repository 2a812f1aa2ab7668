package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/Conveyor/internal/domain"
	"github.com/shaiso/Conveyor/internal/repo"
)

const jobColumns = `
	id, pipeline_id, stage_id, stage_name, executable_path, config_file, arguments,
	priority, status, attempt, max_attempts, run_at, locked_until, cancel_requested,
	progress, result, error, created_at, started_at, finished_at`

// JobRepo — хранилище stage jobs в SQLite.
type JobRepo struct {
	db *sql.DB
}

// NewJobRepo создаёт JobRepo поверх открытой базы.
func NewJobRepo(db *sql.DB) *JobRepo {
	return &JobRepo{db: db}
}

// Create сохраняет новый job.
func (r *JobRepo) Create(ctx context.Context, job *domain.StageJob) error {
	args := job.Arguments
	if args == nil {
		args = []string{}
	}
	argsJSON, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("marshal arguments: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO stage_jobs (id, pipeline_id, stage_id, stage_name, executable_path,
		                        config_file, arguments, priority, status, attempt,
		                        max_attempts, run_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID.String(),
		job.PipelineID,
		job.StageID,
		job.StageName,
		job.ExecutablePath,
		job.ConfigFile,
		string(argsJSON),
		job.Priority,
		string(job.Status),
		job.Attempt,
		job.MaxAttempts,
		toNanos(job.RunAt),
		toNanos(job.CreatedAt),
	)
	if isUniqueViolation(err) {
		return repo.ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// ClaimNext атомарно захватывает следующий waiting job.
func (r *JobRepo) ClaimNext(ctx context.Context, now time.Time, lease time.Duration) (*domain.StageJob, error) {
	row := r.db.QueryRowContext(ctx, `
		UPDATE stage_jobs
		SET status = 'active', attempt = attempt + 1, started_at = ?1,
		    finished_at = NULL, locked_until = ?2, progress = 0
		WHERE id = (
			SELECT id FROM stage_jobs
			WHERE status = 'waiting' AND run_at <= ?1
			ORDER BY priority DESC, created_at ASC
			LIMIT 1
		)
		RETURNING `+jobColumns,
		toNanos(now), toNanos(now.Add(lease)))
	return scanJob(row)
}

// Heartbeat продлевает аренду и возвращает флаг отмены.
func (r *JobRepo) Heartbeat(ctx context.Context, id uuid.UUID, until time.Time) (bool, error) {
	var cancelRequested bool
	err := r.db.QueryRowContext(ctx, `
		UPDATE stage_jobs SET locked_until = ?
		WHERE id = ? AND status = 'active'
		RETURNING cancel_requested`,
		toNanos(until), id.String()).Scan(&cancelRequested)
	if errors.Is(err, sql.ErrNoRows) {
		return false, repo.ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("heartbeat job: %w", err)
	}
	return cancelRequested, nil
}

// Update сохраняет изменяемые поля job.
func (r *JobRepo) Update(ctx context.Context, job *domain.StageJob) error {
	var resultJSON sql.NullString
	if job.Result != nil {
		data, err := json.Marshal(job.Result)
		if err != nil {
			return fmt.Errorf("marshal result: %w", err)
		}
		resultJSON = sql.NullString{String: string(data), Valid: true}
	}

	res, err := r.db.ExecContext(ctx, `
		UPDATE stage_jobs
		SET status = ?, attempt = ?, run_at = ?, locked_until = ?, progress = ?,
		    result = ?, error = ?, started_at = ?, finished_at = ?
		WHERE id = ?`,
		string(job.Status),
		job.Attempt,
		toNanos(job.RunAt),
		toNullNanos(job.LockedUntil),
		job.Progress,
		resultJSON,
		nullString(job.Error),
		toNullNanos(job.StartedAt),
		toNullNanos(job.FinishedAt),
		job.ID.String(),
	)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return repo.ErrNotFound
	}
	return nil
}

// GetByID возвращает job по ID.
func (r *JobRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.StageJob, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM stage_jobs WHERE id = ?`, id.String())
	return scanJob(row)
}

// ListByPipeline возвращает jobs pipeline в порядке создания.
func (r *JobRepo) ListByPipeline(ctx context.Context, pipelineID string) ([]domain.StageJob, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM stage_jobs WHERE pipeline_id = ? ORDER BY created_at ASC`, pipelineID)
	if err != nil {
		return nil, fmt.Errorf("list jobs by pipeline: %w", err)
	}
	return collectJobs(rows)
}

// RequestCancel переводит waiting jobs в failed и помечает активные.
func (r *JobRepo) RequestCancel(ctx context.Context, pipelineID, reason string, now time.Time) ([]domain.StageJob, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		UPDATE stage_jobs
		SET status = 'failed', cancel_requested = 1, error = ?, finished_at = ?
		WHERE pipeline_id = ? AND status = 'waiting'
		RETURNING `+jobColumns,
		reason, toNanos(now), pipelineID)
	if err != nil {
		return nil, fmt.Errorf("cancel waiting jobs: %w", err)
	}
	cancelled, err := collectJobs(rows)
	if err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE stage_jobs SET cancel_requested = 1
		WHERE pipeline_id = ? AND status = 'active'`, pipelineID); err != nil {
		return nil, fmt.Errorf("flag active jobs: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}
	return cancelled, nil
}

// ListStalled возвращает активные jobs с истёкшей арендой.
func (r *JobRepo) ListStalled(ctx context.Context, now time.Time, limit int) ([]domain.StageJob, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+jobColumns+` FROM stage_jobs
		WHERE status = 'active' AND locked_until < ?
		ORDER BY locked_until ASC
		LIMIT ?`, toNanos(now), limit)
	if err != nil {
		return nil, fmt.Errorf("list stalled jobs: %w", err)
	}
	return collectJobs(rows)
}

// Stats возвращает количество jobs по статусам.
func (r *JobRepo) Stats(ctx context.Context) (domain.QueueStats, error) {
	var stats domain.QueueStats

	rows, err := r.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM stage_jobs GROUP BY status`)
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
		switch domain.JobStatus(status) {
		case domain.JobStatusWaiting:
			stats.Waiting = count
		case domain.JobStatusActive:
			stats.Active = count
		case domain.JobStatusCompleted:
			stats.Completed = count
		case domain.JobStatusFailed:
			stats.Failed = count
		}
	}
	return stats, rows.Err()
}

// Purge удаляет завершённые jobs сверх лимитов хранения.
func (r *JobRepo) Purge(ctx context.Context, keepCompleted, keepFailed int) (int64, error) {
	var total int64
	for _, p := range []struct {
		status domain.JobStatus
		keep   int
	}{
		{domain.JobStatusCompleted, keepCompleted},
		{domain.JobStatusFailed, keepFailed},
	} {
		res, err := r.db.ExecContext(ctx, `
			DELETE FROM stage_jobs WHERE id IN (
				SELECT id FROM stage_jobs
				WHERE status = ?
				ORDER BY finished_at DESC, created_at DESC
				LIMIT -1 OFFSET ?
			)`, string(p.status), p.keep)
		if err != nil {
			return total, fmt.Errorf("purge %s jobs: %w", p.status, err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}

// --- Helpers ---

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (*domain.StageJob, error) {
	var (
		job                         domain.StageJob
		id, status, argsJSON        string
		resultJSON, jobError        sql.NullString
		runAt, createdAt            int64
		lockedUntil, started, ended sql.NullInt64
	)

	err := row.Scan(
		&id,
		&job.PipelineID,
		&job.StageID,
		&job.StageName,
		&job.ExecutablePath,
		&job.ConfigFile,
		&argsJSON,
		&job.Priority,
		&status,
		&job.Attempt,
		&job.MaxAttempts,
		&runAt,
		&lockedUntil,
		&job.CancelRequested,
		&job.Progress,
		&resultJSON,
		&jobError,
		&createdAt,
		&started,
		&ended,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, repo.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan job: %w", err)
	}

	if job.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("parse job id: %w", err)
	}
	job.Status = domain.JobStatus(status)
	job.RunAt = fromNanos(runAt)
	job.CreatedAt = fromNanos(createdAt)
	job.LockedUntil = fromNullNanos(lockedUntil)
	job.StartedAt = fromNullNanos(started)
	job.FinishedAt = fromNullNanos(ended)
	job.Error = jobError.String

	if err := json.Unmarshal([]byte(argsJSON), &job.Arguments); err != nil {
		return nil, fmt.Errorf("unmarshal arguments: %w", err)
	}
	if resultJSON.Valid {
		job.Result = &domain.StageResult{}
		if err := json.Unmarshal([]byte(resultJSON.String), job.Result); err != nil {
			return nil, fmt.Errorf("unmarshal result: %w", err)
		}
	}
	return &job, nil
}

func collectJobs(rows *sql.Rows) ([]domain.StageJob, error) {
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
