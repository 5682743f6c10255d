package bootstrap

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"

	"github.com/kirillkom/workspace-retrieval/internal/config"
	"github.com/kirillkom/workspace-retrieval/internal/core/ports"
	"github.com/kirillkom/workspace-retrieval/internal/core/usecase"
	"github.com/kirillkom/workspace-retrieval/internal/infrastructure/chunking"
	"github.com/kirillkom/workspace-retrieval/internal/infrastructure/llm/ollama"
	"github.com/kirillkom/workspace-retrieval/internal/infrastructure/llm/openai"
	"github.com/kirillkom/workspace-retrieval/internal/infrastructure/normalizer"
	"github.com/kirillkom/workspace-retrieval/internal/infrastructure/queue/nats"
	"github.com/kirillkom/workspace-retrieval/internal/infrastructure/repository/postgres"
	"github.com/kirillkom/workspace-retrieval/internal/infrastructure/rerank"
	"github.com/kirillkom/workspace-retrieval/internal/infrastructure/resilience"
	"github.com/kirillkom/workspace-retrieval/internal/infrastructure/vector/qdrant"
	"github.com/kirillkom/workspace-retrieval/internal/observability/logging"
)

type App struct {
	Config config.Config

	Retriever *usecase.HybridRetrievalUseCase
	Syncer    *usecase.SyncUseCase
	Scopes    *usecase.ScopeGroupUseCase
	Ingestor  *usecase.IngestSourceItemUseCase
	// Trigger is nil when NATS_URL is empty.
	Trigger *nats.SyncTrigger

	closers []func()
}

// New wires every adapter for cfg. observer receives retry and breaker
// events of outbound calls and may be nil.
func New(ctx context.Context, cfg config.Config, logger *slog.Logger, observer resilience.Observer) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	app := &App{Config: cfg}

	db, err := postgres.OpenDB(ctx, cfg.PostgresDSN, logging.Component(logger, "postgres"))
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	app.closers = append(app.closers, func() { _ = db.Close() })

	if err := postgres.EnsureSchema(ctx, db, cfg.EmbedDimensions); err != nil {
		app.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}

	store, err := app.openIndexStore(ctx, db, logger)
	if err != nil {
		app.Close()
		return nil, err
	}

	executor := resilience.NewExecutor(
		cfg.Resilience,
		logging.Component(logger, "resilience"),
		resilience.WithObserver(observer),
	)
	embedder := newEmbedder(cfg, executor)
	reranker := newReranker(cfg, executor)

	feed := postgres.NewSourceFeedRepository(db, cfg.SyncSettleWindow)
	app.Scopes = usecase.NewScopeGroupUseCase(postgres.NewScopeRepository(db))
	app.Retriever = usecase.NewHybridRetrievalUseCase(
		app.Scopes,
		store,
		embedder,
		reranker,
		usecase.RetrievalOptions{
			DefaultTopK:      cfg.RAGTopK,
			MaxTopK:          cfg.RAGMaxTopK,
			HybridCandidates: cfg.RAGHybridCandidates,
			RRFK:             cfg.RAGFusionRRFK,
			RerankTopN:       cfg.RAGRerankTopN,
			Timeout:          cfg.RetrievalTimeout,
		},
		logging.Component(logger, "retrieval"),
	)
	app.Syncer = usecase.NewSyncUseCase(
		feed,
		normalizer.New(),
		chunking.NewSplitter(cfg.ChunkMaxChars, cfg.ChunkSingleMaxChars, cfg.ChunkOverlap),
		embedder,
		store,
		postgres.NewWatermarkRepository(db),
		postgres.NewRunLocker(db, logging.Component(logger, "run_lock")),
		usecase.SyncOptions{
			BatchSize:      cfg.SyncBatchSize,
			EmbedBatchSize: cfg.EmbedBatchSize,
		},
		logging.Component(logger, "sync"),
	)

	if strings.TrimSpace(cfg.NATSURL) != "" {
		trigger, err := nats.New(cfg.NATSURL, cfg.SyncSubject, nats.Options{
			ResilienceExecutor: executor,
			Logger:             logging.Component(logger, "nats"),
		})
		if err != nil {
			app.Close()
			return nil, fmt.Errorf("init sync trigger: %w", err)
		}
		app.Trigger = trigger
		app.closers = append(app.closers, trigger.Close)
	}

	var publisher ports.SyncTriggerPublisher
	if app.Trigger != nil {
		publisher = app.Trigger
	}
	app.Ingestor = usecase.NewIngestSourceItemUseCase(feed, publisher, logging.Component(logger, "ingest"))

	return app, nil
}

func (a *App) openIndexStore(ctx context.Context, db *sql.DB, logger *slog.Logger) (ports.IndexStore, error) {
	cfg := a.Config
	if cfg.IndexBackend != "qdrant" {
		return postgres.NewChunkRepository(db), nil
	}
	store, err := qdrant.Open(ctx, qdrant.Config{
		Host:       cfg.QdrantHost,
		Port:       cfg.QdrantPort,
		APIKey:     cfg.QdrantAPIKey,
		Collection: cfg.QdrantCollection,
		Dimensions: cfg.EmbedDimensions,
	}, logging.Component(logger, "qdrant"))
	if err != nil {
		return nil, fmt.Errorf("open qdrant: %w", err)
	}
	a.closers = append(a.closers, func() { _ = store.Close() })
	return store, nil
}

func newEmbedder(cfg config.Config, executor *resilience.Executor) ports.Embedder {
	if cfg.EmbedProvider == "openai" {
		return openai.NewEmbedder(openai.Config{
			APIKey:     cfg.OpenAIAPIKey,
			BaseURL:    cfg.OpenAIBaseURL,
			Model:      cfg.OpenAIEmbedModel,
			Dimensions: cfg.EmbedDimensions,
			BatchSize:  cfg.EmbedBatchSize,
		}, executor)
	}
	return ollama.NewEmbedder(ollama.New(cfg.OllamaURL, cfg.OllamaEmbedModel, executor), cfg.EmbedBatchSize)
}

// newReranker falls back to term overlap scoring when no cross-encoder
// endpoint is configured.
func newReranker(cfg config.Config, executor *resilience.Executor) ports.Reranker {
	if strings.TrimSpace(cfg.RerankURL) == "" {
		return rerank.NewLexicalOverlap()
	}
	return rerank.NewCrossEncoder(cfg.RerankURL, cfg.RerankModel, executor)
}

// Close releases resources in reverse order of acquisition.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
