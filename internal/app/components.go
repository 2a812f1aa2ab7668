package app

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/shaiso/Conveyor/internal/config"
	"github.com/shaiso/Conveyor/internal/mq"
	"github.com/shaiso/Conveyor/internal/progress"
	"github.com/shaiso/Conveyor/internal/queue"
	"github.com/shaiso/Conveyor/internal/runner"
	"github.com/shaiso/Conveyor/internal/scheduler"
)

// ConnectMQ подключается к RabbitMQ и объявляет топологию.
// Возвращает nil, если RabbitMQ выключен или недоступен:
// процесс продолжает работу в режиме опроса хранилища.
func ConnectMQ(ctx context.Context, cfg config.RabbitMQConfig, logger *slog.Logger) *mq.Connection {
	if !cfg.Enabled {
		logger.Info("RabbitMQ disabled, running in polling-only mode")
		return nil
	}

	conn, err := mq.NewConnection(cfg.URL, logger, mq.DeclareTopology)
	if err != nil {
		logger.Warn("RabbitMQ not available, running in polling-only mode", "error", err)
		return nil
	}

	if err := mq.SetupTopology(ctx, conn); err != nil {
		logger.Warn("failed to setup topology", "error", err)
	}
	logger.Info("RabbitMQ connected")
	logger.Debug(mq.TopologyInfo())

	return conn
}

// NewRunner создаёт Runner по секции runner.
func NewRunner(cfg *config.Config, logger *slog.Logger) *runner.Runner {
	return runner.New(runner.Config{
		ScriptsRoot: cfg.Runner.ScriptsRoot,
		OutputsRoot: cfg.Runner.OutputsRoot,
		Timeout:     cfg.Runner.Timeout,
		KillGrace:   cfg.Runner.KillGrace,
		Logger:      logger,
	})
}

// NewQueue создаёт Queue по секции queue. r == nil — очередь без локальных воркеров.
func NewQueue(cfg *config.Config, store queue.Store, r queue.Runner, notifier queue.Notifier, logger *slog.Logger) *queue.Queue {
	return queue.New(queue.Config{
		Store:         store,
		Runner:        r,
		Notifier:      notifier,
		Heuristic:     progress.New(cfg.Progress.Markers),
		Concurrency:   cfg.Queue.Concurrency,
		MaxAttempts:   cfg.Queue.MaxAttempts,
		BackoffBase:   cfg.Queue.BackoffBase,
		BackoffMax:    cfg.Queue.BackoffMax,
		PollInterval:  cfg.Queue.PollInterval,
		Lease:         cfg.Queue.Lease,
		KeepCompleted: cfg.Queue.KeepCompleted,
		KeepFailed:    cfg.Queue.KeepFailed,
		Logger:        logger,
	})
}

// NewMaintenance создаёт планировщик обслуживания с задачами tasks.
func NewMaintenance(cfg *config.Config, logger *slog.Logger, tasks ...scheduler.Task) (*scheduler.Scheduler, error) {
	return scheduler.New(scheduler.Config{
		Schedule: cfg.Queue.MaintenanceSchedule,
		Tasks:    tasks,
		Logger:   logger,
	})
}

// RunConsumer запускает consumer до отмены ctx. Отмена не считается ошибкой.
func RunConsumer(ctx context.Context, c *mq.Consumer) error {
	if err := c.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// Serve запускает srv и останавливает его при отмене ctx
// с ожиданием активных запросов не дольше timeout.
func Serve(ctx context.Context, srv *http.Server, timeout time.Duration, logger *slog.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
		return err
	}
	return nil
}
