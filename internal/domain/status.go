package domain

// JobStatus — статус stage job в очереди.
//
// Жизненный цикл:
//
//	waiting → active → completed
//	                 ↘ failed
//	        (retry) active → waiting (с отложенным RunAt)
type JobStatus string

const (
	// JobStatusWaiting — job в очереди, ожидает воркера (в том числе отложенный retry).
	JobStatusWaiting JobStatus = "waiting"

	// JobStatusActive — job захвачен воркером, процесс стадии запущен.
	JobStatusActive JobStatus = "active"

	// JobStatusCompleted — процесс стадии завершился с кодом 0.
	JobStatusCompleted JobStatus = "completed"

	// JobStatusFailed — все попытки исчерпаны или job отменён.
	JobStatusFailed JobStatus = "failed"
)

// IsTerminal возвращает true, если статус финальный.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed:
		return true
	default:
		return false
	}
}

// InFlight возвращает true, если job ещё не завершён.
// Для пары (pipeline, stage) допускается не более одного такого job.
func (s JobStatus) InFlight() bool {
	return s == JobStatusWaiting || s == JobStatusActive
}

// ExecutionStatus — статус выполнения pipeline.
//
// Жизненный цикл:
//
//	idle → running → completed
//	               ↘ error
//	       (или) → cancelled (явная отмена, из idle или running)
type ExecutionStatus string

const (
	// ExecutionStatusIdle — execution создан, ни одна стадия ещё не отправлена.
	ExecutionStatusIdle ExecutionStatus = "idle"

	// ExecutionStatusRunning — выполняется одна из стадий.
	ExecutionStatusRunning ExecutionStatus = "running"

	// ExecutionStatusCompleted — последняя стадия успешно завершена.
	ExecutionStatusCompleted ExecutionStatus = "completed"

	// ExecutionStatusError — стадия исчерпала попытки, остальные не запускались.
	ExecutionStatusError ExecutionStatus = "error"

	// ExecutionStatusCancelled — execution отменён по запросу.
	ExecutionStatusCancelled ExecutionStatus = "cancelled"
)

// IsTerminal возвращает true, если статус финальный (execution неизменяем).
func (s ExecutionStatus) IsTerminal() bool {
	switch s {
	case ExecutionStatusCompleted, ExecutionStatusError, ExecutionStatusCancelled:
		return true
	default:
		return false
	}
}

// Valid проверяет, что статус известен.
func (s ExecutionStatus) Valid() bool {
	switch s {
	case ExecutionStatusIdle, ExecutionStatusRunning,
		ExecutionStatusCompleted, ExecutionStatusError, ExecutionStatusCancelled:
		return true
	default:
		return false
	}
}

// ParseJobStatus парсит строку в JobStatus.
// Неизвестные значения возвращают пустой статус.
func ParseJobStatus(s string) JobStatus {
	switch JobStatus(s) {
	case JobStatusWaiting, JobStatusActive, JobStatusCompleted, JobStatusFailed:
		return JobStatus(s)
	default:
		return ""
	}
}
