// Conveyor Server — HTTP API и движок выполнения pipelines.
//
// Сервер:
//   - Принимает определения pipelines и ручные стадии через HTTP API
//   - Ведёт PipelineExecution и публикует события прогресса (SSE)
//   - Выполняет стадии локальным пулом воркеров (queue.concurrency)
//   - Принимает события jobs от conveyor-worker через RabbitMQ
//   - По расписанию восстанавливает зависшие jobs и продолжает executions
//
// Конфигурация: conveyor.yaml (или файл из CONVEYOR_CONFIG)
// и переменные окружения CONVEYOR_*.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"

	"github.com/shaiso/Conveyor/internal/api"
	"github.com/shaiso/Conveyor/internal/app"
	"github.com/shaiso/Conveyor/internal/config"
	"github.com/shaiso/Conveyor/internal/events"
	"github.com/shaiso/Conveyor/internal/mq"
	"github.com/shaiso/Conveyor/internal/orchestrator"
	"github.com/shaiso/Conveyor/internal/queue"
	"github.com/shaiso/Conveyor/internal/scheduler"
	"github.com/shaiso/Conveyor/internal/telemetry"
)

var startTime = time.Now()

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load(os.Getenv("CONVEYOR_CONFIG"))
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := telemetry.SetupLogger(cfg.Log.Level, cfg.Log.Format)
	slog.SetDefault(logger)
	logger.Info("starting conveyor-server")

	if err := run(cfg, logger); err != nil {
		logger.Error("conveyor-server failed", "error", err)
		os.Exit(1)
	}
	logger.Info("stopped")
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownTracer, err := telemetry.InitTracer(cfg.Tracing.ServiceName, cfg.Tracing.Enabled, os.Stderr, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			logger.Warn("failed to shutdown tracer", "error", err)
		}
	}()

	// Хранилища
	stores, err := app.OpenStores(ctx, cfg.Database, logger)
	if err != nil {
		return err
	}
	defer stores.Close()

	// RabbitMQ (опционально)
	origin := cfg.Origin("server")
	conn := app.ConnectMQ(ctx, cfg.RabbitMQ, logger)
	if conn != nil {
		defer conn.Close()
	}

	hub := events.New(events.Config{Logger: logger})
	defer hub.Close()

	var notifier queue.Notifier
	if conn != nil {
		publisher := mq.NewPublisher(conn, origin, logger)
		hub.AddSink(publisher)
		notifier = publisher
	}

	// Очередь и оркестратор
	q := app.NewQueue(cfg, stores.Jobs, app.NewRunner(cfg, logger), notifier, logger)
	orch := orchestrator.New(orchestrator.Config{
		Queue:        q,
		Store:        stores.Executions,
		Events:       hub,
		KeepFinished: cfg.Server.KeepFinished,
		Logger:       logger,
	})
	q.Subscribe(orch)

	maintenance, err := app.NewMaintenance(cfg, logger,
		scheduler.Task{Name: "queue-maintenance", Run: q.Maintain},
		scheduler.Task{Name: "resume-pipelines", Run: func(ctx context.Context) error {
			_, err := orch.Resume(ctx)
			return err
		}},
	)
	if err != nil {
		return err
	}

	// HTTP
	handler := api.NewHandler(api.Config{
		Pipelines: orch,
		Jobs:      q,
		Events:    hub,
		Logger:    logger,
	})
	mux := http.NewServeMux()
	app.RegisterHealth(mux, startTime)
	handler.RegisterRoutes(mux)
	server := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           otelhttp.NewHandler(mux, "conveyor-server"),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if err := q.Start(ctx); err != nil {
		return err
	}
	if n, err := orch.Resume(ctx); err != nil {
		logger.Warn("failed to resume pipelines", "error", err)
	} else if n > 0 {
		logger.Info("resumed pipelines", "count", n)
	}
	if err := maintenance.Start(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return app.Serve(gctx, server, cfg.Server.ShutdownTimeout, logger)
	})

	if conn != nil {
		consumers := []*mq.Consumer{
			mq.NewConsumer(conn, logger, mq.ConsumerConfig{
				Queue:    mq.QueueJobsEvents,
				Handler:  mq.JobEventHandler(q),
				Prefetch: 16,
			}),
			mq.NewConsumer(conn, logger, mq.ConsumerConfig{
				Queue:    mq.EventsQueue(origin),
				Handler:  mq.ProgressEventHandler(origin, hub),
				Prefetch: 64,
				Setup: func(ch *amqp.Channel) error {
					return mq.DeclareEventsQueue(ch, origin)
				},
			}),
			mq.NewConsumer(conn, logger, mq.ConsumerConfig{
				Queue:   mq.QueueJobsReady,
				Handler: mq.WakeHandler(q),
			}),
		}
		for _, c := range consumers {
			g.Go(func() error { return app.RunConsumer(gctx, c) })
		}
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
