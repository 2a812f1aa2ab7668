// Package memory — хранилища jobs и executions в памяти процесса.
//
// Используются для локального запуска (database.driver=memory) и в тестах.
// Данные не переживают перезапуск.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/Conveyor/internal/domain"
	"github.com/shaiso/Conveyor/internal/repo"
)

// JobStore хранит jobs в map. Потокобезопасен.
type JobStore struct {
	mu   sync.RWMutex
	jobs map[uuid.UUID]*domain.StageJob
}

// NewJobStore создаёт пустой JobStore.
func NewJobStore() *JobStore {
	return &JobStore{jobs: make(map[uuid.UUID]*domain.StageJob)}
}

// Create сохраняет job. ErrAlreadyExists — у стадии уже есть незавершённый job.
func (s *JobStore) Create(_ context.Context, job *domain.StageJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[job.ID]; ok {
		return repo.ErrAlreadyExists
	}
	for _, j := range s.jobs {
		if j.PipelineID == job.PipelineID && j.StageID == job.StageID && j.Status.InFlight() {
			return repo.ErrAlreadyExists
		}
	}
	s.jobs[job.ID] = cloneJob(job)
	return nil
}

// ClaimNext захватывает waiting job с наибольшим приоритетом.
func (s *JobStore) ClaimNext(_ context.Context, now time.Time, lease time.Duration) (*domain.StageJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var best *domain.StageJob
	for _, j := range s.jobs {
		if j.Status != domain.JobStatusWaiting || j.RunAt.After(now) {
			continue
		}
		if best == nil || j.Priority > best.Priority ||
			(j.Priority == best.Priority && j.CreatedAt.Before(best.CreatedAt)) {
			best = j
		}
	}
	if best == nil {
		return nil, repo.ErrNotFound
	}

	best.MarkActive(now, now.Add(lease))
	return cloneJob(best), nil
}

// Heartbeat продлевает аренду и возвращает флаг отмены.
func (s *JobStore) Heartbeat(_ context.Context, id uuid.UUID, until time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok || j.Status != domain.JobStatusActive {
		return false, repo.ErrNotFound
	}
	j.LockedUntil = &until
	return j.CancelRequested, nil
}

// Update сохраняет изменяемые поля job, не трогая флаг отмены.
func (s *JobStore) Update(_ context.Context, job *domain.StageJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[job.ID]
	if !ok {
		return repo.ErrNotFound
	}
	cancelRequested := j.CancelRequested
	updated := cloneJob(job)
	updated.CancelRequested = cancelRequested
	s.jobs[job.ID] = updated
	return nil
}

// GetByID возвращает job по ID.
func (s *JobStore) GetByID(_ context.Context, id uuid.UUID) (*domain.StageJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	j, ok := s.jobs[id]
	if !ok {
		return nil, repo.ErrNotFound
	}
	return cloneJob(j), nil
}

// ListByPipeline возвращает jobs pipeline в порядке создания.
func (s *JobStore) ListByPipeline(_ context.Context, pipelineID string) ([]domain.StageJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var jobs []domain.StageJob
	for _, j := range s.jobs {
		if j.PipelineID == pipelineID {
			jobs = append(jobs, *cloneJob(j))
		}
	}
	sort.Slice(jobs, func(a, b int) bool { return jobs[a].CreatedAt.Before(jobs[b].CreatedAt) })
	return jobs, nil
}

// RequestCancel переводит waiting jobs pipeline в failed и помечает активные.
func (s *JobStore) RequestCancel(_ context.Context, pipelineID, reason string, now time.Time) ([]domain.StageJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var cancelled []domain.StageJob
	for _, j := range s.jobs {
		if j.PipelineID != pipelineID {
			continue
		}
		switch j.Status {
		case domain.JobStatusWaiting:
			j.Status = domain.JobStatusFailed
			j.CancelRequested = true
			j.Error = reason
			j.FinishedAt = &now
			cancelled = append(cancelled, *cloneJob(j))
		case domain.JobStatusActive:
			j.CancelRequested = true
		}
	}
	return cancelled, nil
}

// ListStalled возвращает активные jobs с истёкшей арендой.
func (s *JobStore) ListStalled(_ context.Context, now time.Time, limit int) ([]domain.StageJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var jobs []domain.StageJob
	for _, j := range s.jobs {
		if j.Status == domain.JobStatusActive && j.LockedUntil != nil && j.LockedUntil.Before(now) {
			jobs = append(jobs, *cloneJob(j))
		}
	}
	sort.Slice(jobs, func(a, b int) bool { return jobs[a].LockedUntil.Before(*jobs[b].LockedUntil) })
	if limit > 0 && len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

// Stats считает jobs по статусам.
func (s *JobStore) Stats(_ context.Context) (domain.QueueStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var stats domain.QueueStats
	for _, j := range s.jobs {
		switch j.Status {
		case domain.JobStatusWaiting:
			stats.Waiting++
		case domain.JobStatusActive:
			stats.Active++
		case domain.JobStatusCompleted:
			stats.Completed++
		case domain.JobStatusFailed:
			stats.Failed++
		}
	}
	return stats, nil
}

// Purge оставляет только последние keepCompleted/keepFailed завершённых jobs.
func (s *JobStore) Purge(_ context.Context, keepCompleted, keepFailed int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed int64
	for status, keep := range map[domain.JobStatus]int{
		domain.JobStatusCompleted: keepCompleted,
		domain.JobStatusFailed:    keepFailed,
	} {
		var finished []*domain.StageJob
		for _, j := range s.jobs {
			if j.Status == status {
				finished = append(finished, j)
			}
		}
		if len(finished) <= keep {
			continue
		}
		sort.Slice(finished, func(a, b int) bool {
			return finishedAt(finished[a]).After(finishedAt(finished[b]))
		})
		for _, j := range finished[keep:] {
			delete(s.jobs, j.ID)
			removed++
		}
	}
	return removed, nil
}

// ExecutionStore хранит снимки executions в map.
type ExecutionStore struct {
	mu    sync.RWMutex
	execs map[string]*domain.PipelineExecution
}

// NewExecutionStore создаёт пустой ExecutionStore.
func NewExecutionStore() *ExecutionStore {
	return &ExecutionStore{execs: make(map[string]*domain.PipelineExecution)}
}

// Save создаёт или заменяет снимок execution.
func (s *ExecutionStore) Save(_ context.Context, exec *domain.PipelineExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.execs[exec.ID] = exec.Clone()
	return nil
}

// GetByID возвращает снимок по ID.
func (s *ExecutionStore) GetByID(_ context.Context, id string) (*domain.PipelineExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	exec, ok := s.execs[id]
	if !ok {
		return nil, repo.ErrNotFound
	}
	return exec.Clone(), nil
}

// List возвращает последние executions.
func (s *ExecutionStore) List(_ context.Context, status domain.ExecutionStatus, limit int) ([]domain.PipelineExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var execs []domain.PipelineExecution
	for _, e := range s.execs {
		if status == "" || e.Status == status {
			execs = append(execs, *e.Clone())
		}
	}
	sort.Slice(execs, func(a, b int) bool { return execs[a].StartTime.After(execs[b].StartTime) })
	if limit > 0 && len(execs) > limit {
		execs = execs[:limit]
	}
	return execs, nil
}

func finishedAt(j *domain.StageJob) time.Time {
	if j.FinishedAt != nil {
		return *j.FinishedAt
	}
	return j.CreatedAt
}

func cloneJob(j *domain.StageJob) *domain.StageJob {
	c := *j
	c.Arguments = append([]string(nil), j.Arguments...)
	if j.LockedUntil != nil {
		t := *j.LockedUntil
		c.LockedUntil = &t
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.FinishedAt != nil {
		t := *j.FinishedAt
		c.FinishedAt = &t
	}
	return &c
}
