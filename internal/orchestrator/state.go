package orchestrator

import (
	"sort"

	"github.com/shaiso/Conveyor/internal/domain"
)

// executionCache — кэш executions в памяти (pipelineID → execution).
//
// Активные executions хранятся всегда, завершённые — не больше keepFinished
// последних: их снимки доступны в ExecutionStore.
// Не потокобезопасен: доступ под Orchestrator.mu.
type executionCache struct {
	items        map[string]*domain.PipelineExecution
	keepFinished int
}

func newExecutionCache(keepFinished int) *executionCache {
	return &executionCache{
		items:        make(map[string]*domain.PipelineExecution),
		keepFinished: keepFinished,
	}
}

func (c *executionCache) get(id string) *domain.PipelineExecution {
	return c.items[id]
}

func (c *executionCache) put(exec *domain.PipelineExecution) {
	c.items[exec.ID] = exec
	if exec.IsFinished() {
		c.evictFinished()
	}
}

func (c *executionCache) remove(id string) {
	delete(c.items, id)
}

// active возвращает число незавершённых executions.
func (c *executionCache) active() int {
	n := 0
	for _, e := range c.items {
		if !e.IsFinished() {
			n++
		}
	}
	return n
}

// evictFinished удаляет самые старые завершённые executions сверх лимита.
func (c *executionCache) evictFinished() {
	var finished []*domain.PipelineExecution
	for _, e := range c.items {
		if e.IsFinished() {
			finished = append(finished, e)
		}
	}
	if len(finished) <= c.keepFinished {
		return
	}

	sort.Slice(finished, func(a, b int) bool {
		return finished[a].EndTime.After(*finished[b].EndTime)
	})
	for _, e := range finished[c.keepFinished:] {
		delete(c.items, e.ID)
	}
}

// reconcile дополняет execution результатами завершённых jobs,
// которые не успели попасть в снимок.
func reconcile(exec *domain.PipelineExecution, jobs []domain.StageJob) bool {
	if exec.IsFinished() {
		return false
	}

	changed := false
	for i := range jobs {
		job := &jobs[i]
		if job.Status != domain.JobStatusCompleted || job.Result == nil {
			continue
		}
		if exec.StageIndex(job.StageID) < 0 {
			changed = exec.AddStage(domain.StageDefFromJob(job)) || changed
		}
		changed = exec.RecordResult(job.StageID, job.Result) || changed
	}
	return changed
}

// inFlight возвращает true, если у pipeline есть waiting или active job.
func inFlight(jobs []domain.StageJob) bool {
	for i := range jobs {
		if jobs[i].Status.InFlight() {
			return true
		}
	}
	return false
}
