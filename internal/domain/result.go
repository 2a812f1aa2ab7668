package domain

// StageResult — результат одного запуска процесса стадии.
//
// Строится Runner'ом детерминированно из завершённого процесса
// и не изменяется после создания.
type StageResult struct {
	// Success — процесс завершился с кодом 0.
	Success bool `json:"success"`

	// ExitCode — код выхода процесса, -1 если процесс не был запущен.
	ExitCode int `json:"exit_code"`

	Stdout string `json:"stdout"`
	Stderr string `json:"stderr"`

	// StructuredOutputs — outputs из финального JSON-объекта стадии.
	// Пустой map, если объект не найден или не разобран.
	StructuredOutputs map[string]any `json:"structured_outputs"`

	// Artifacts — файлы из outputs/<pipeline>/<stage>/, отсортированные по пути.
	Artifacts []string `json:"artifacts"`

	// ErrorMessage — причина неудачи (код выхода или ошибка запуска).
	ErrorMessage string `json:"error_message,omitempty"`
}

// FailedResult создаёт результат для неудачного запуска.
func FailedResult(exitCode int, message string) *StageResult {
	return &StageResult{
		Success:           false,
		ExitCode:          exitCode,
		StructuredOutputs: map[string]any{},
		Artifacts:         []string{},
		ErrorMessage:      message,
	}
}
