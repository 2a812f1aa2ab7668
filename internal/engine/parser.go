package engine

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/shaiso/Conveyor/internal/domain"
)

// Format — формат файла описания pipeline.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatJSON Format = "json"
)

// idPattern — допустимые ID pipeline и стадий: они становятся
// позиционным аргументом процесса и каталогом outputs/<pipeline>/<stage>.
var idPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// Validate выполняет полную валидацию PipelineSpec.
//
// Проверяет:
// - Наличие стадий
// - Корректность и уникальность ID стадий
// - Наличие исполняемого файла и конфигурации
// - Корректность max_attempts
func Validate(spec *domain.PipelineSpec) error {
	if spec == nil || len(spec.Stages) == 0 {
		return ErrEmptyStages
	}

	if spec.ID != "" && !ValidID(spec.ID) {
		return NewValidationError("", "id",
			fmt.Sprintf("invalid pipeline ID: %q", spec.ID), ErrInvalidPipelineID)
	}

	stageIDs := make(map[string]bool, len(spec.Stages))
	for i := range spec.Stages {
		if err := ValidateStage(&spec.Stages[i], spec.ConfigFile, stageIDs); err != nil {
			return err
		}
	}

	return nil
}

// ValidateStage валидирует одну стадию.
// stageIDs — уже встреченные ID (для проверки уникальности), может быть nil.
func ValidateStage(stage *domain.StageDef, defaultConfig string, stageIDs map[string]bool) error {
	if stage.ID == "" {
		return NewValidationError("", "id", "stage has empty ID", ErrEmptyStageID)
	}

	if !ValidID(stage.ID) {
		return NewValidationError(stage.ID, "id",
			fmt.Sprintf("invalid stage ID: %q", stage.ID), ErrInvalidStageID)
	}

	if stageIDs != nil {
		if stageIDs[stage.ID] {
			return NewValidationError(stage.ID, "id",
				fmt.Sprintf("duplicate stage ID: %s", stage.ID), ErrDuplicateStageID)
		}
		stageIDs[stage.ID] = true
	}

	if strings.TrimSpace(stage.Executable) == "" {
		return NewValidationError(stage.ID, "executable",
			"stage has no executable", ErrMissingExecutable)
	}

	if stage.ConfigFile == "" && defaultConfig == "" {
		return NewValidationError(stage.ID, "config_file",
			"stage has no config file and pipeline has no default", ErrMissingConfig)
	}

	if stage.MaxAttempts < 0 {
		return NewValidationError(stage.ID, "max_attempts",
			fmt.Sprintf("max_attempts is %d", stage.MaxAttempts), ErrInvalidMaxAttempts)
	}

	return nil
}

// ValidID проверяет, что id можно использовать как ID pipeline или стадии.
func ValidID(id string) bool {
	return idPattern.MatchString(id) && !strings.Contains(id, "..")
}

// Normalize применяет значения по умолчанию: конфигурацию pipeline
// для стадий без собственной и ID в качестве имени.
func Normalize(spec *domain.PipelineSpec) {
	for i := range spec.Stages {
		stage := &spec.Stages[i]
		if stage.ConfigFile == "" {
			stage.ConfigFile = spec.ConfigFile
		}
		if stage.Name == "" {
			stage.Name = stage.ID
		}
		stage.JobID = uuid.Nil
	}
	if spec.Name == "" {
		spec.Name = spec.ID
	}
}

// ParseSpec разбирает описание pipeline, валидирует и нормализует его.
func ParseSpec(data []byte, format Format) (*domain.PipelineSpec, error) {
	var spec domain.PipelineSpec

	switch format {
	case FormatYAML:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&spec); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrParse, err)
		}
	case FormatJSON:
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&spec); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrParse, err)
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}

	if err := Validate(&spec); err != nil {
		return nil, err
	}
	Normalize(&spec)

	return &spec, nil
}

// LoadSpec читает описание pipeline из файла. Формат определяется по расширению.
func LoadSpec(path string) (*domain.PipelineSpec, error) {
	format, err := FormatFromPath(path)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read spec: %w", err)
	}

	return ParseSpec(data, format)
}

// FormatFromPath определяет формат по расширению файла.
func FormatFromPath(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".json":
		return FormatJSON, nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedFormat, path)
	}
}
