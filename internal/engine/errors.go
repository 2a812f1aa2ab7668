package engine

import "errors"

// Ошибки валидации PipelineSpec.
var (
	// ErrEmptyStages — pipeline не содержит стадий.
	ErrEmptyStages = errors.New("pipeline spec has no stages")

	// ErrEmptyStageID — стадия не имеет ID.
	ErrEmptyStageID = errors.New("stage has empty ID")

	// ErrInvalidStageID — ID стадии нельзя использовать как аргумент и имя каталога.
	ErrInvalidStageID = errors.New("invalid stage ID")

	// ErrDuplicateStageID — несколько стадий с одинаковым ID.
	ErrDuplicateStageID = errors.New("duplicate stage ID")

	// ErrMissingExecutable — у стадии не указан исполняемый файл.
	ErrMissingExecutable = errors.New("stage has no executable")

	// ErrMissingConfig — нет ни конфигурации стадии, ни конфигурации pipeline.
	ErrMissingConfig = errors.New("stage has no config file")

	// ErrInvalidMaxAttempts — отрицательное число попыток.
	ErrInvalidMaxAttempts = errors.New("max_attempts must not be negative")

	// ErrInvalidPipelineID — ID pipeline нельзя использовать как имя каталога.
	ErrInvalidPipelineID = errors.New("invalid pipeline ID")
)

// Ошибки разбора.
var (
	// ErrUnsupportedFormat — неизвестный формат файла описания.
	ErrUnsupportedFormat = errors.New("unsupported spec format")

	// ErrParse — файл описания не удалось разобрать.
	ErrParse = errors.New("spec parse failed")
)

// ValidationError — ошибка валидации с контекстом.
type ValidationError struct {
	StageID string // ID стадии, где произошла ошибка
	Field   string // поле, вызвавшее ошибку
	Message string // описание ошибки
	Err     error  // базовая ошибка
}

// Error реализует интерфейс error.
func (e *ValidationError) Error() string {
	if e.StageID != "" {
		return "stage " + e.StageID + ": " + e.Message
	}
	return e.Message
}

// Unwrap возвращает базовую ошибку.
func (e *ValidationError) Unwrap() error {
	return e.Err
}

// NewValidationError создаёт новую ошибку валидации.
func NewValidationError(stageID, field, message string, err error) *ValidationError {
	return &ValidationError{
		StageID: stageID,
		Field:   field,
		Message: message,
		Err:     err,
	}
}
