package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shaiso/Conveyor/internal/domain"
)

const executionColumns = `
	id, name, stages, priority, status, current_stage_id, progress, results,
	error, start_time, end_time`

// ExecutionRepo — снимки PipelineExecution в PostgreSQL.
//
// Orchestrator сохраняет снимок после каждого перехода, поэтому любой
// процесс может восстановить состояние pipeline.
type ExecutionRepo struct {
	pool *pgxpool.Pool
}

// NewExecutionRepo создаёт новый ExecutionRepo.
func NewExecutionRepo(pool *pgxpool.Pool) *ExecutionRepo {
	return &ExecutionRepo{pool: pool}
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

	query := `
		INSERT INTO pipeline_executions (id, name, stages, priority, status, current_stage_id,
		                                 progress, results, error, start_time, end_time, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, now())
		ON CONFLICT (id) DO UPDATE
		SET name = EXCLUDED.name, stages = EXCLUDED.stages, priority = EXCLUDED.priority,
		    status = EXCLUDED.status, current_stage_id = EXCLUDED.current_stage_id,
		    progress = EXCLUDED.progress, results = EXCLUDED.results, error = EXCLUDED.error,
		    end_time = EXCLUDED.end_time, updated_at = now()
	`
	_, err = r.pool.Exec(ctx, query,
		exec.ID,
		exec.Name,
		stagesJSON,
		exec.Priority,
		exec.Status,
		nullString(exec.CurrentStageID),
		exec.Progress,
		resultsJSON,
		nullString(exec.Error),
		exec.StartTime,
		exec.EndTime,
	)
	if err != nil {
		return fmt.Errorf("save execution: %w", err)
	}
	return nil
}

// GetByID возвращает execution по ID.
func (r *ExecutionRepo) GetByID(ctx context.Context, id string) (*domain.PipelineExecution, error) {
	query := `SELECT ` + executionColumns + ` FROM pipeline_executions WHERE id = $1`
	return scanExecution(r.pool.QueryRow(ctx, query, id))
}

// List возвращает последние executions, опционально с фильтром по статусу.
func (r *ExecutionRepo) List(ctx context.Context, status domain.ExecutionStatus, limit int) ([]domain.PipelineExecution, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT ` + executionColumns + ` FROM pipeline_executions`
	args := []any{limit}
	if status != "" {
		query += ` WHERE status = $2`
		args = append(args, status)
	}
	query += ` ORDER BY start_time DESC LIMIT $1`

	rows, err := r.pool.Query(ctx, query, args...)
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

func scanExecution(row pgx.Row) (*domain.PipelineExecution, error) {
	var exec domain.PipelineExecution
	var stagesJSON, resultsJSON []byte
	var currentStage, execError *string

	err := row.Scan(
		&exec.ID,
		&exec.Name,
		&stagesJSON,
		&exec.Priority,
		&exec.Status,
		&currentStage,
		&exec.Progress,
		&resultsJSON,
		&execError,
		&exec.StartTime,
		&exec.EndTime,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan execution: %w", err)
	}

	if err := json.Unmarshal(stagesJSON, &exec.Stages); err != nil {
		return nil, fmt.Errorf("unmarshal stages: %w", err)
	}
	if err := json.Unmarshal(resultsJSON, &exec.Results); err != nil {
		return nil, fmt.Errorf("unmarshal results: %w", err)
	}
	if exec.Results == nil {
		exec.Results = []domain.StageRecord{}
	}
	if currentStage != nil {
		exec.CurrentStageID = *currentStage
	}
	if execError != nil {
		exec.Error = *execError
	}
	return &exec, nil
}
