package domain

import (
	"time"
)

// PipelineExecution — состояние одного запуска pipeline.
//
// Создаётся при старте pipeline, изменяется только обработчиком
// активной стадии и становится неизменяемым после финального статуса.
type PipelineExecution struct {
	// ID — идентификатор execution (он же pipelineId для jobs).
	ID string `json:"id"`

	// Name — имя pipeline.
	Name string `json:"name,omitempty"`

	// Stages — упорядоченный список стадий.
	Stages []StageDef `json:"stages"`

	// Priority — приоритет jobs этого execution.
	Priority int `json:"priority"`

	// Status — текущий статус.
	Status ExecutionStatus `json:"status"`

	// CurrentStageID — стадия, выполняемая сейчас (пусто вне running).
	CurrentStageID string `json:"current_stage_id,omitempty"`

	// Progress — completedStages / totalStages * 100, не убывает
	// (кроме Reopen).
	Progress int `json:"progress"`

	// StartTime — время создания execution.
	StartTime time.Time `json:"start_time"`

	// EndTime — время перехода в финальный статус.
	EndTime *time.Time `json:"end_time,omitempty"`

	// Results — результаты завершённых стадий в порядке объявления.
	Results []StageRecord `json:"accumulated_results"`

	// Error — причина перехода в error.
	Error string `json:"error,omitempty"`
}

// StageRecord — результат стадии в accumulatedResults.
type StageRecord struct {
	StageID string       `json:"stage_id"`
	Result  *StageResult `json:"result"`
}

// NewPipelineExecution создаёт execution в статусе idle.
func NewPipelineExecution(id, name string, stages []StageDef, priority int) *PipelineExecution {
	return &PipelineExecution{
		ID:        id,
		Name:      name,
		Stages:    append([]StageDef(nil), stages...),
		Priority:  priority,
		Status:    ExecutionStatusIdle,
		StartTime: time.Now(),
		Results:   []StageRecord{},
	}
}

// Duration возвращает продолжительность выполнения.
// Возвращает 0, если execution ещё не завершён.
func (e *PipelineExecution) Duration() time.Duration {
	if e.EndTime == nil {
		return 0
	}
	return e.EndTime.Sub(e.StartTime)
}

// IsFinished возвращает true, если execution в финальном статусе.
func (e *PipelineExecution) IsFinished() bool {
	return e.Status.IsTerminal()
}

// StageIndex возвращает позицию стадии или -1.
func (e *PipelineExecution) StageIndex(stageID string) int {
	for i := range e.Stages {
		if e.Stages[i].ID == stageID {
			return i
		}
	}
	return -1
}

// Stage возвращает описание стадии по ID.
func (e *PipelineExecution) Stage(stageID string) (StageDef, bool) {
	if i := e.StageIndex(stageID); i >= 0 {
		return e.Stages[i], true
	}
	return StageDef{}, false
}

// AddStage добавляет стадию в конец списка (для SubmitStage).
// Ничего не делает, если стадия уже объявлена или execution завершён.
func (e *PipelineExecution) AddStage(def StageDef) bool {
	if e.IsFinished() || e.StageIndex(def.ID) >= 0 {
		return false
	}
	e.Stages = append(e.Stages, def)
	e.recomputeProgress()
	return true
}

// Reopen возвращает completed execution в running перед добавлением
// новой стадии. Progress отсчитывается заново по новому числу стадий.
func (e *PipelineExecution) Reopen() bool {
	if e.Status != ExecutionStatusCompleted {
		return false
	}
	e.Status = ExecutionStatusRunning
	e.EndTime = nil
	e.Progress = 0
	return true
}

// MarkStageRunning фиксирует начало стадии: idle→running или running→running.
func (e *PipelineExecution) MarkStageRunning(stageID string) {
	if e.IsFinished() {
		return
	}
	e.Status = ExecutionStatusRunning
	e.CurrentStageID = stageID
}

// RecordResult сохраняет результат стадии и пересчитывает progress.
// Повторная запись той же стадии игнорируется.
func (e *PipelineExecution) RecordResult(stageID string, result *StageResult) bool {
	if e.IsFinished() || e.StageIndex(stageID) < 0 || e.Result(stageID) != nil {
		return false
	}
	e.Results = append(e.Results, StageRecord{StageID: stageID, Result: result})
	e.sortResults()
	e.recomputeProgress()
	return true
}

// Result возвращает результат стадии или nil.
func (e *PipelineExecution) Result(stageID string) *StageResult {
	for _, r := range e.Results {
		if r.StageID == stageID {
			return r.Result
		}
	}
	return nil
}

// NextStage возвращает первую объявленную стадию без результата.
func (e *PipelineExecution) NextStage() (StageDef, bool) {
	for _, s := range e.Stages {
		if e.Result(s.ID) == nil {
			return s, true
		}
	}
	return StageDef{}, false
}

// AllStagesCompleted возвращает true, если у каждой стадии есть результат.
func (e *PipelineExecution) AllStagesCompleted() bool {
	return len(e.Stages) > 0 && len(e.Results) == len(e.Stages)
}

// MarkCompleted переводит execution в completed.
func (e *PipelineExecution) MarkCompleted() {
	now := time.Now()
	e.Status = ExecutionStatusCompleted
	e.CurrentStageID = ""
	e.Progress = 100
	e.EndTime = &now
}

// MarkError переводит execution в error (fail-fast).
func (e *PipelineExecution) MarkError(err string) {
	now := time.Now()
	e.Status = ExecutionStatusError
	e.Error = err
	e.EndTime = &now
}

// MarkCancelled переводит execution в cancelled.
func (e *PipelineExecution) MarkCancelled() {
	now := time.Now()
	e.Status = ExecutionStatusCancelled
	e.EndTime = &now
}

// Clone возвращает копию для отдачи наружу.
// StageResult неизменяемы, поэтому копируются только срезы.
func (e *PipelineExecution) Clone() *PipelineExecution {
	c := *e
	c.Stages = append([]StageDef(nil), e.Stages...)
	c.Results = append([]StageRecord{}, e.Results...)
	if e.EndTime != nil {
		t := *e.EndTime
		c.EndTime = &t
	}
	return &c
}

func (e *PipelineExecution) recomputeProgress() {
	if len(e.Stages) == 0 {
		return
	}
	p := len(e.Results) * 100 / len(e.Stages)
	if p > e.Progress {
		e.Progress = p
	}
}

// sortResults держит Results в порядке объявления стадий.
func (e *PipelineExecution) sortResults() {
	for i := len(e.Results) - 1; i > 0; i-- {
		if e.StageIndex(e.Results[i].StageID) >= e.StageIndex(e.Results[i-1].StageID) {
			break
		}
		e.Results[i], e.Results[i-1] = e.Results[i-1], e.Results[i]
	}
}
