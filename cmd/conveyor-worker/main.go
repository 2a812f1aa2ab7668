// Conveyor Worker — выполняет стадии pipelines.
//
// Worker:
//   - Захватывает jobs из общего хранилища (PostgreSQL) по приоритету
//   - Просыпается по сообщениям job.ready из RabbitMQ
//   - Запускает процессы стадий с retry и backoff
//   - Пересылает события jobs серверу через RabbitMQ
//
// Workers масштабируются горизонтально.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/shaiso/Conveyor/internal/app"
	"github.com/shaiso/Conveyor/internal/config"
	"github.com/shaiso/Conveyor/internal/mq"
	"github.com/shaiso/Conveyor/internal/scheduler"
	"github.com/shaiso/Conveyor/internal/telemetry"
)

var (
	startTime = time.Now()

	errLocalStore = errors.New("conveyor-worker requires database.driver=postgres")
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load(os.Getenv("CONVEYOR_CONFIG"))
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := telemetry.SetupLogger(cfg.Log.Level, cfg.Log.Format)
	slog.SetDefault(logger)
	logger.Info("starting conveyor-worker")

	if err := run(cfg, logger); err != nil {
		logger.Error("conveyor-worker failed", "error", err)
		os.Exit(1)
	}
	logger.Info("conveyor-worker stopped")
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownTracer, err := telemetry.InitTracer(cfg.Tracing.ServiceName+"-worker", cfg.Tracing.Enabled, os.Stderr, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			logger.Warn("failed to shutdown tracer", "error", err)
		}
	}()

	stores, err := app.OpenStores(ctx, cfg.Database, logger)
	if err != nil {
		return err
	}
	defer stores.Close()
	if !stores.Shared() {
		return errLocalStore
	}

	conn := app.ConnectMQ(ctx, cfg.RabbitMQ, logger)
	if conn != nil {
		defer conn.Close()
	} else {
		logger.Warn("job events are not relayed, the server reconciles from the store")
	}

	q := app.NewQueue(cfg, stores.Jobs, app.NewRunner(cfg, logger), nil, logger)
	if conn != nil {
		publisher := mq.NewPublisher(conn, cfg.Origin("worker"), logger)
		q.Subscribe(mq.NewJobRelay(publisher, true, logger))
	}

	maintenance, err := app.NewMaintenance(cfg, logger,
		scheduler.Task{Name: "queue-maintenance", Run: q.Maintain},
	)
	if err != nil {
		return err
	}

	// HTTP mux: /healthz + /metrics
	mux := http.NewServeMux()
	app.RegisterHealth(mux, startTime)
	server := &http.Server{
		Addr:              cfg.Worker.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	if err := q.Start(ctx); err != nil {
		return err
	}
	if err := maintenance.Start(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return app.Serve(gctx, server, cfg.Server.ShutdownTimeout, logger)
	})
	if conn != nil {
		wake := mq.NewConsumer(conn, logger, mq.ConsumerConfig{
			Queue:   mq.QueueJobsReady,
			Handler: mq.WakeHandler(q),
		})
		g.Go(func() error { return app.RunConsumer(gctx, wake) })
	}

	<-gctx.Done()
	logger.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := maintenance.Stop(shutdownCtx); err != nil {
		logger.Warn("failed to stop maintenance", "error", err)
	}
	if err := q.Shutdown(shutdownCtx); err != nil {
		logger.Warn("queue shutdown incomplete", "error", err)
	}

	return g.Wait()
}
