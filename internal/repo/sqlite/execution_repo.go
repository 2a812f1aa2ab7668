package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/shaiso/Conveyor/internal/domain"
	"github.com/shaiso/Conveyor/internal/repo"
)

const executionColumns = `
	id, name, stages, priority, status, current_stage_id, progress, results,
	error, start_time, end_time`

// ExecutionRepo — снимки PipelineExecution в SQLite.
type ExecutionRepo struct {
	db *sql.DB
}

// NewExecutionRepo создаёт ExecutionRepo поверх открытой базы.
func NewExecutionRepo(db *sql.DB) *ExecutionRepo {
	return &ExecutionRepo{db: db}
}

// Save создаёт или обновляет снимок execution.
func (r *ExecutionRepo) Save(ctx context.Context, exec *domain.PipelineExecution) error {
	stagesJSON, err := json.Marshal(exec.Stages)
	if err != nil {
		return fmt.Errorf("marshal stages: %w", err)
	}
	resultsJSON, err := json.Marshal(exec.Results)
	if err != nil {
		return fmt.Errorf("marshal results: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO pipeline_executions (id, name, stages, priority, status, current_stage_id,
		                                 progress, results, error, start_time, end_time)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE
		SET name = excluded.name, stages = excluded.stages, priority = excluded.priority,
		    status = excluded.status, current_stage_id = excluded.current_stage_id,
		    progress = excluded.progress, results = excluded.results, error = excluded.error,
		    end_time = excluded.end_time`,
		exec.ID,
		exec.Name,
		string(stagesJSON),
		exec.Priority,
		string(exec.Status),
		nullString(exec.CurrentStageID),
		exec.Progress,
		string(resultsJSON),
		nullString(exec.Error),
		toNanos(exec.StartTime),
		toNullNanos(exec.EndTime),
	)
	if err != nil {
		return fmt.Errorf("save execution: %w", err)
	}
	return nil
}

// GetByID возвращает execution по ID.
func (r *ExecutionRepo) GetByID(ctx context.Context, id string) (*domain.PipelineExecution, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM pipeline_executions WHERE id = ?`, id)
	return scanExecution(row)
}

// List возвращает последние executions.
func (r *ExecutionRepo) List(ctx context.Context, status domain.ExecutionStatus, limit int) ([]domain.PipelineExecution, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT ` + executionColumns + ` FROM pipeline_executions`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY start_time DESC LIMIT ?`
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()

	var execs []domain.PipelineExecution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		execs = append(execs, *exec)
	}
	return execs, rows.Err()
}

func scanExecution(row scanner) (*domain.PipelineExecution, error) {
	var (
		exec                    domain.PipelineExecution
		status, stages, results string
		currentStage, execError sql.NullString
		startTime               int64
		endTime                 sql.NullInt64
	)

	err := row.Scan(
		&exec.ID,
		&exec.Name,
		&stages,
		&exec.Priority,
		&status,
		&currentStage,
		&exec.Progress,
		&results,
		&execError,
		&startTime,
		&endTime,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, repo.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan execution: %w", err)
	}

	exec.Status = domain.ExecutionStatus(status)
	exec.CurrentStageID = currentStage.String
	exec.Error = execError.String
	exec.StartTime = fromNanos(startTime)
	exec.EndTime = fromNullNanos(endTime)

	if err := json.Unmarshal([]byte(stages), &exec.Stages); err != nil {
		return nil, fmt.Errorf("unmarshal stages: %w", err)
	}
	if err := json.Unmarshal([]byte(results), &exec.Results); err != nil {
		return nil, fmt.Errorf("unmarshal results: %w", err)
	}
	if exec.Results == nil {
		exec.Results = []domain.StageRecord{}
	}
	return &exec, nil
}
