package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/shaiso/Conveyor/internal/config"
	"github.com/shaiso/Conveyor/internal/orchestrator"
	"github.com/shaiso/Conveyor/internal/queue"
	"github.com/shaiso/Conveyor/internal/repo"
	"github.com/shaiso/Conveyor/internal/repo/memory"
	"github.com/shaiso/Conveyor/internal/repo/sqlite"
)

var (
	_ queue.Store = (*repo.JobRepo)(nil)
	_ queue.Store = (*sqlite.JobRepo)(nil)
	_ queue.Store = (*memory.JobStore)(nil)

	_ orchestrator.ExecutionStore = (*repo.ExecutionRepo)(nil)
	_ orchestrator.ExecutionStore = (*sqlite.ExecutionRepo)(nil)
	_ orchestrator.ExecutionStore = (*memory.ExecutionStore)(nil)
)

// Stores — хранилища jobs и executions одного драйвера.
type Stores struct {
	Driver     string
	Jobs       queue.Store
	Executions orchestrator.ExecutionStore

	close func()
}

// Shared сообщает, видят ли хранилище другие процессы.
func (s *Stores) Shared() bool {
	return s.Driver == config.DriverPostgres
}

// Close освобождает соединения с базой.
func (s *Stores) Close() {
	if s.close != nil {
		s.close()
	}
}

// OpenStores открывает хранилища по cfg.Driver.
// Для postgres применяется встроенная схема.
func OpenStores(ctx context.Context, cfg config.DatabaseConfig, logger *slog.Logger) (*Stores, error) {
	if logger == nil {
		logger = slog.Default()
	}

	switch cfg.Driver {
	case config.DriverPostgres:
		pool, err := repo.NewPool(ctx, cfg.DSN, cfg.MaxConns)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		if err := repo.Migrate(ctx, pool); err != nil {
			pool.Close()
			return nil, fmt.Errorf("migrate postgres: %w", err)
		}
		logger.Info("connected to database", "driver", cfg.Driver)
		return &Stores{
			Driver:     cfg.Driver,
			Jobs:       repo.NewJobRepo(pool),
			Executions: repo.NewExecutionRepo(pool),
			close:      pool.Close,
		}, nil

	case config.DriverSQLite:
		db, err := sqlite.Open(ctx, cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		logger.Info("opened database", "driver", cfg.Driver, "path", cfg.DSN)
		return &Stores{
			Driver:     cfg.Driver,
			Jobs:       sqlite.NewJobRepo(db),
			Executions: sqlite.NewExecutionRepo(db),
			close: func() {
				if err := db.Close(); err != nil {
					logger.Warn("failed to close database", "error", err)
				}
			},
		}, nil

	case config.DriverMemory:
		logger.Warn("using in-memory store, state is lost on restart")
		return &Stores{
			Driver:     cfg.Driver,
			Jobs:       memory.NewJobStore(),
			Executions: memory.NewExecutionStore(),
		}, nil

	default:
		return nil, fmt.Errorf("%w: unknown database.driver %q", config.ErrInvalidConfig, cfg.Driver)
	}
}
