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

	httpadapter "github.com/kirillkom/workspace-retrieval/internal/adapters/http"
	"github.com/kirillkom/workspace-retrieval/internal/bootstrap"
	"github.com/kirillkom/workspace-retrieval/internal/config"
	"github.com/kirillkom/workspace-retrieval/internal/observability/logging"
	"github.com/kirillkom/workspace-retrieval/internal/observability/metrics"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	logger := logging.NewJSONLogger("retrieval-api", cfg.LogLevel)
	if err != nil {
		logger.Error("config_invalid", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	httpMetrics := metrics.NewHTTPServerMetrics("retrieval-api")
	app, err := bootstrap.New(ctx, cfg, logger, httpMetrics.Resilience)
	if err != nil {
		logger.Error("bootstrap_failed", "error", err)
		os.Exit(1)
	}
	defer app.Close()

	router := httpadapter.NewRouter(
		cfg,
		app.Retriever,
		app.Syncer,
		httpMetrics,
		logging.Component(logger, "http"),
	).
		WithIngestor(app.Ingestor).
		WithScopeGroups(app.Scopes)
	if app.Trigger != nil {
		router = router.WithSyncPublisher(app.Trigger)
	}

	server := &http.Server{
		Addr:         ":" + cfg.APIPort,
		Handler:      router.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: cfg.WorkerSyncTimeout + 30*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("api_listening", "port", cfg.APIPort, "index_backend", cfg.IndexBackend, "embed_provider", cfg.EmbedProvider)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("api_server_failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("api_shutdown_failed", "error", err)
	}
}
