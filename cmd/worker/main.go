package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"

	"github.com/kirillkom/workspace-retrieval/internal/bootstrap"
	"github.com/kirillkom/workspace-retrieval/internal/config"
	"github.com/kirillkom/workspace-retrieval/internal/observability/logging"
	"github.com/kirillkom/workspace-retrieval/internal/observability/metrics"
)

const serviceName = "retrieval-worker"

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	logger := logging.NewJSONLogger(serviceName, cfg.LogLevel)
	if err != nil {
		logger.Error("config_invalid", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	workerMetrics := metrics.NewWorkerMetrics()
	app, err := bootstrap.New(ctx, cfg, logger, workerMetrics.Resilience)
	if err != nil {
		logger.Error("bootstrap_failed", "error", err)
		os.Exit(1)
	}
	defer app.Close()

	runner := newSyncRunner(app.Syncer, workerMetrics, cfg.WorkerSyncTimeout, logging.Component(logger, "runner"))

	metricsMux := http.NewServeMux()
	metricsMux.Handle("GET /metrics", workerMetrics.Handler())
	metricsServer := &http.Server{
		Addr:              ":" + cfg.WorkerMetricsPort,
		Handler:           metricsMux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("worker_metrics_listening", "port", cfg.WorkerMetricsPort)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("worker_metrics_server_failed", "error", err)
		}
	}()

	scheduler := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DefaultLogger)))
	if _, err := scheduler.AddFunc(cfg.SyncSchedule, func() { runner.runAll(ctx, "cron") }); err != nil {
		logger.Error("sync_schedule_invalid", "schedule", cfg.SyncSchedule, "error", err)
		os.Exit(1)
	}
	scheduler.Start()
	logger.Info("sync_scheduled", "schedule", cfg.SyncSchedule)

	var subscription <-chan error
	if app.Trigger != nil {
		subscription = runner.listen(ctx, app.Trigger, cfg.SyncSettleWindow)
		logger.Info("sync_subscription_started", "subject", cfg.SyncSubject)
	}

	runner.runAll(ctx, "startup")

	<-ctx.Done()
	<-scheduler.Stop().Done()
	if subscription != nil {
		if err := <-subscription; err != nil {
			logger.Error("sync_subscription_failed", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("worker_metrics_shutdown_failed", "error", err)
	}
}
