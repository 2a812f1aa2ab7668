package orchestrator

import "errors"

// Ошибки оркестратора.
var (
	// ErrPipelineNotFound — execution не найден ни в кэше, ни в Store.
	ErrPipelineNotFound = errors.New("pipeline not found")

	// ErrPipelineExists — execution с таким ID уже существует.
	ErrPipelineExists = errors.New("pipeline already exists")

	// ErrPipelineFinished — execution уже в финальном статусе.
	ErrPipelineFinished = errors.New("pipeline already finished")

	// ErrInvalidSpec — PipelineSpec или стадия не прошли валидацию.
	ErrInvalidSpec = errors.New("invalid pipeline spec")

	// ErrStageOutOfOrder — стадия объявлена, но её очередь ещё не подошла.
	ErrStageOutOfOrder = errors.New("stage is not the next one to run")

	// ErrStageCompleted — у стадии уже есть результат.
	ErrStageCompleted = errors.New("stage already completed")
)
