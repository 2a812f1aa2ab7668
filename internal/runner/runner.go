package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/shaiso/Conveyor/internal/domain"
)

const (
	defaultKillGrace = 10 * time.Second
	defaultScripts   = "."
)

// Stream — поток вывода процесса.
type Stream string

const (
	Stdout Stream = "stdout"
	Stderr Stream = "stderr"
)

// Observer получает строки вывода по мере их появления.
// Вызовы сериализованы в рамках одного Run.
type Observer interface {
	OnOutput(stream Stream, line string)
}

// ObserverFunc — адаптер функции к Observer.
type ObserverFunc func(stream Stream, line string)

// OnOutput реализует Observer.
func (f ObserverFunc) OnOutput(stream Stream, line string) { f(stream, line) }

// Config — конфигурация Runner.
type Config struct {
	// ScriptsRoot — рабочая директория процессов стадий.
	ScriptsRoot string

	// OutputsRoot — корень директорий артефактов.
	// Относительный путь считается от ScriptsRoot. По умолчанию "outputs".
	OutputsRoot string

	// Timeout — ограничение на одну попытку (0 — без ограничения).
	Timeout time.Duration

	// KillGrace — пауза между SIGTERM и SIGKILL.
	KillGrace time.Duration

	// Env — дополнительные переменные окружения KEY=VALUE.
	Env []string

	Logger *slog.Logger
}

// Runner запускает процессы стадий.
type Runner struct {
	scriptsRoot string
	outputsRoot string
	timeout     time.Duration
	killGrace   time.Duration
	env         []string
	logger      *slog.Logger
}

// New создаёт Runner.
func New(cfg Config) *Runner {
	if cfg.ScriptsRoot == "" {
		cfg.ScriptsRoot = defaultScripts
	}
	if cfg.OutputsRoot == "" {
		cfg.OutputsRoot = "outputs"
	}
	if !filepath.IsAbs(cfg.OutputsRoot) {
		cfg.OutputsRoot = filepath.Join(cfg.ScriptsRoot, cfg.OutputsRoot)
	}
	if cfg.KillGrace <= 0 {
		cfg.KillGrace = defaultKillGrace
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Runner{
		scriptsRoot: cfg.ScriptsRoot,
		outputsRoot: cfg.OutputsRoot,
		timeout:     cfg.Timeout,
		killGrace:   cfg.KillGrace,
		env:         cfg.Env,
		logger:      cfg.Logger,
	}
}

// OutputDir возвращает директорию артефактов стадии.
func (r *Runner) OutputDir(pipelineID, stageID string) string {
	return filepath.Join(r.outputsRoot, pipelineID, stageID)
}

// Run запускает процесс стадии и дожидается его завершения.
// obs может быть nil.
func (r *Runner) Run(ctx context.Context, job *domain.StageJob, obs Observer) *domain.StageResult {
	logger := r.logger.With(
		"job_id", job.ID,
		"pipeline_id", job.PipelineID,
		"stage_id", job.StageID,
	)

	runCtx := ctx
	if r.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	args := make([]string, 0, len(job.Arguments)+2)
	args = append(args, job.Arguments...)
	args = append(args, job.ConfigFile, job.StageID)

	cmd := exec.CommandContext(runCtx, r.resolveExecutable(job.ExecutablePath), args...)
	cmd.Dir = r.scriptsRoot
	cmd.Stdin = nil
	cmd.Env = r.environment(job)
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = r.killGrace

	var mu sync.Mutex
	emit := func(stream Stream, line string) {
		if obs == nil {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		obs.OnOutput(stream, line)
	}

	stdout := newStreamWriter(Stdout, emit)
	stderr := newStreamWriter(Stderr, emit)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	logger.Debug("spawning stage process", "path", cmd.Path, "args", args, "dir", cmd.Dir)

	if err := cmd.Start(); err != nil {
		logger.Warn("stage process spawn failed", "error", err)
		return domain.FailedResult(-1, fmt.Sprintf("spawn %s: %v", job.ExecutablePath, err))
	}

	waitErr := cmd.Wait()
	if errors.Is(waitErr, exec.ErrWaitDelay) && cmd.ProcessState.Success() {
		// Процесс завершился, но его потомки держали pipe.
		waitErr = nil
	}
	stdout.flush()
	stderr.flush()

	result := &domain.StageResult{
		ExitCode:          cmd.ProcessState.ExitCode(),
		Stdout:            stdout.String(),
		Stderr:            stderr.String(),
		StructuredOutputs: map[string]any{},
		Artifacts:         []string{},
	}

	switch {
	case runCtx.Err() != nil && ctx.Err() == nil:
		result.ErrorMessage = fmt.Sprintf("stage timed out after %s", r.timeout)
	case ctx.Err() != nil:
		result.ErrorMessage = fmt.Sprintf("stage cancelled: %v", ctx.Err())
	case waitErr != nil:
		result.ErrorMessage = exitMessage(waitErr, result.Stderr)
	}

	if result.ErrorMessage != "" {
		logger.Info("stage process failed",
			"exit_code", result.ExitCode,
			"error", result.ErrorMessage,
		)
		return result
	}

	result.Success = true

	if obj, ok := ParseResult(result.Stdout); ok {
		result.StructuredOutputs = StructuredOutputs(obj)
	} else {
		logger.Warn("stage output has no result object, structured outputs left empty")
	}

	artifacts, err := CollectArtifacts(r.OutputDir(job.PipelineID, job.StageID))
	if err != nil {
		logger.Warn("collect artifacts failed", "error", err)
	}
	result.Artifacts = artifacts

	logger.Info("stage process finished",
		"exit_code", result.ExitCode,
		"artifacts", len(result.Artifacts),
	)

	return result
}

// resolveExecutable разрешает относительные пути от ScriptsRoot.
// Имена без разделителя ищутся в PATH.
func (r *Runner) resolveExecutable(path string) string {
	if filepath.IsAbs(path) || !strings.ContainsRune(path, filepath.Separator) {
		return path
	}
	return filepath.Join(r.scriptsRoot, path)
}

func (r *Runner) environment(job *domain.StageJob) []string {
	env := os.Environ()
	env = append(env, r.env...)
	env = append(env,
		"CONVEYOR_PIPELINE_ID="+job.PipelineID,
		"CONVEYOR_STAGE_ID="+job.StageID,
		"CONVEYOR_JOB_ID="+job.ID.String(),
		fmt.Sprintf("CONVEYOR_ATTEMPT=%d", job.Attempt),
		"CONVEYOR_OUTPUT_DIR="+r.OutputDir(job.PipelineID, job.StageID),
	)
	return env
}

// exitMessage формирует ErrorMessage для ненулевого кода выхода.
func exitMessage(waitErr error, stderr string) string {
	var exitErr *exec.ExitError
	if !errors.As(waitErr, &exitErr) {
		return waitErr.Error()
	}

	msg := fmt.Sprintf("exit code %d", exitErr.ExitCode())
	if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
		msg = fmt.Sprintf("terminated by signal %s", status.Signal())
	}

	if detail := ErrorDetail(stderr); detail != "" {
		msg += ": " + detail
	}
	return msg
}
