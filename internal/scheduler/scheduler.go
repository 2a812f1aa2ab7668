package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

const (
	defaultSchedule = "@every 30s"
	defaultTimeout  = time.Minute
)

var ErrAlreadyStarted = errors.New("scheduler already started")

// Task — периодическая задача обслуживания.
type Task struct {
	Name string
	Run  func(ctx context.Context) error
}

// Scheduler запускает задачи обслуживания по cron-расписанию.
type Scheduler struct {
	schedule string
	timeout  time.Duration
	tasks    []Task
	logger   *slog.Logger

	mu   sync.Mutex
	cron *cron.Cron
}

// Config — конфигурация Scheduler.
type Config struct {
	// Schedule — cron-выражение или дескриптор (default: "@every 30s").
	Schedule string

	// Timeout — ограничение на один тик (default: 1m).
	Timeout time.Duration

	Tasks  []Task
	Logger *slog.Logger
}

// New создаёт Scheduler. Ошибка — невалидное расписание.
func New(cfg Config) (*Scheduler, error) {
	schedule := cfg.Schedule
	if schedule == "" {
		schedule = defaultSchedule
	}
	if err := ValidateSchedule(schedule); err != nil {
		return nil, err
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Scheduler{
		schedule: schedule,
		timeout:  timeout,
		tasks:    cfg.Tasks,
		logger:   logger,
	}, nil
}

// Start регистрирует тик в cron и запускает его.
// Пропускает тик, если предыдущий ещё выполняется.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cron != nil {
		return ErrAlreadyStarted
	}

	clog := cronLogger{logger: s.logger}
	c := cron.New(
		cron.WithParser(cronParser),
		cron.WithLogger(clog),
		cron.WithChain(cron.Recover(clog), cron.SkipIfStillRunning(clog)),
	)
	if _, err := c.AddFunc(s.schedule, func() { _ = s.Tick(ctx) }); err != nil {
		return err
	}

	s.cron = c
	c.Start()

	next, _ := NextRun(s.schedule, time.Now())
	s.logger.Info("maintenance scheduler started",
		"schedule", s.schedule,
		"tasks", len(s.tasks),
		"next_run", next,
	)
	return nil
}

// Stop останавливает cron и ждёт завершения текущего тика.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()

	if c == nil {
		return nil
	}

	select {
	case <-c.Stop().Done():
		s.logger.Info("maintenance scheduler stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Tick выполняет все задачи один раз.
//
// Ошибка одной задачи не блокирует остальные.
func (s *Scheduler) Tick(ctx context.Context) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := time.Now()
	var errs []error
	for _, task := range s.tasks {
		if err := task.Run(ctx); err != nil {
			s.logger.Error("maintenance task failed", "task", task.Name, "error", err)
			errs = append(errs, err)
		}
	}

	s.logger.Debug("maintenance tick completed",
		"tasks", len(s.tasks),
		"failed", len(errs),
		"duration", time.Since(start),
	)

	return errors.Join(errs...)
}
