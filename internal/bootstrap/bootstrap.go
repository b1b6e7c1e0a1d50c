package bootstrap

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/kirillkom/grc-retrieval/internal/config"
	"github.com/kirillkom/grc-retrieval/internal/core/domain"
	"github.com/kirillkom/grc-retrieval/internal/core/ports"
	"github.com/kirillkom/grc-retrieval/internal/core/usecase"
	"github.com/kirillkom/grc-retrieval/internal/infrastructure/cache/badger"
	"github.com/kirillkom/grc-retrieval/internal/infrastructure/chunking"
	"github.com/kirillkom/grc-retrieval/internal/infrastructure/embedding"
	"github.com/kirillkom/grc-retrieval/internal/infrastructure/llm/ollama"
	"github.com/kirillkom/grc-retrieval/internal/infrastructure/queue/nats"
	"github.com/kirillkom/grc-retrieval/internal/infrastructure/repository/postgres"
	"github.com/kirillkom/grc-retrieval/internal/infrastructure/resilience"
	"github.com/kirillkom/grc-retrieval/internal/infrastructure/vector/qdrant"
	"github.com/kirillkom/grc-retrieval/internal/observability/metrics"
)

// Options selects optional infrastructure for a binary.
type Options struct {
	// Metrics receives pipeline observations. Nil disables them.
	Metrics *metrics.PipelineMetrics
	// ConnectBus opens the NATS change bus.
	ConnectBus bool
	Logger     *slog.Logger
}

type App struct {
	Config  config.Config
	Catalog *domain.NamespaceCatalog
	Logger  *slog.Logger

	Bus        *nats.ChangeBus
	QueryCache *usecase.QueryCache
	SearchUC   *usecase.HybridSearchUseCase
	IndexingUC *usecase.IndexingUseCase
	RAGUC      *usecase.RAGUseCase

	closeFns []func()
}

func New(ctx context.Context, cfg config.Config, opts Options) (*App, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	app := &App{Config: cfg, Logger: logger}

	catalog, err := config.LoadNamespaces(cfg.NamespacesFile)
	if err != nil {
		return nil, fmt.Errorf("load namespaces: %w", err)
	}
	app.Catalog = catalog

	var (
		searchObserver   ports.SearchObserver
		ragObserver      ports.RAGObserver
		indexingObserver ports.IndexingObserver
		executorOpts     = []resilience.Option{resilience.WithLogger(logger)}
	)
	if opts.Metrics != nil {
		searchObserver = opts.Metrics
		ragObserver = opts.Metrics
		indexingObserver = opts.Metrics
		executorOpts = append(executorOpts, resilience.WithObserver(opts.Metrics))
	}
	executor := resilience.NewExecutor(resilienceConfig(cfg), executorOpts...)

	db, err := postgres.OpenDB(cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	app.onClose(func() { _ = db.Close() })

	records := postgres.NewRecordRepository(db, catalog)
	keywords := postgres.NewKeywordRepository(db, catalog)
	jobs := postgres.NewJobRepository(db)
	if err := jobs.EnsureSchema(ctx); err != nil {
		app.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}

	cacheStore, err := badger.Open(cfg.CachePath)
	if err != nil {
		app.Close()
		return nil, fmt.Errorf("open cache store: %w", err)
	}
	app.onClose(func() { _ = cacheStore.Close() })

	ollamaClient := ollama.New(cfg.OllamaURL, cfg.OllamaGenModel, cfg.OllamaEmbedModel, executor)
	embedder := embedding.NewCachedEmbedder(ollama.NewEmbedder(ollamaClient, cfg.EmbeddingDimension), embedding.Config{
		CacheSize:     cfg.EmbeddingCacheSize,
		RatePerSecond: cfg.EmbeddingRateLimit,
		Burst:         cfg.EmbeddingBurst,
	})
	generator := ollama.NewGenerator(ollamaClient)

	vectors := qdrant.New(cfg.QdrantURL, cfg.QdrantCollection, executor)
	chunker := chunking.New(chunking.Config{
		ChunkSize:       cfg.ChunkSize,
		ChunkOverlap:    cfg.ChunkOverlap,
		Strategy:        chunking.Strategy(cfg.ChunkStrategy),
		PreserveContext: cfg.ChunkPreserveContext,
	})

	app.QueryCache = usecase.NewQueryCache(cacheStore, catalog, cfg.CacheDefaultTTL, nil, logger)

	app.SearchUC = usecase.NewHybridSearchUseCase(
		embedder,
		vectors,
		keywords,
		catalog,
		app.QueryCache,
		searchObserver,
		usecase.HybridSearchConfig{
			DefaultTopK:         cfg.SearchDefaultTopK,
			MaxTopK:             cfg.SearchMaxTopK,
			CandidateMultiplier: cfg.SearchCandidateMultiplier,
			BranchTimeout:       cfg.SearchBranchTimeout,
			Fusion:              fusionConfig(cfg),
		},
		logger,
	)

	app.IndexingUC = usecase.NewIndexingUseCase(
		catalog,
		records,
		jobs,
		embedder,
		chunker,
		vectors,
		app.QueryCache,
		indexingObserver,
		usecase.IndexingConfig{
			MaxRetries:      cfg.IndexingMaxRetries,
			SweepBatchSize:  cfg.IndexingSweepBatchSize,
			RetryBatchSize:  cfg.IndexingSweepBatchSize,
			ProcessingLease: cfg.IndexingJobLease,
		},
		logger,
	)

	ragDefaults := usecase.DefaultRAGConfig()
	ragDefaults.TopK = cfg.RAGTopK
	ragDefaults.MaxContextTokens = cfg.RAGMaxContextTokens
	minRelevance := cfg.RAGMinRelevance
	ragDefaults.MinRelevanceScore = &minRelevance
	ragDefaults.Temperature = cfg.RAGTemperature
	app.RAGUC = usecase.NewRAGUseCase(app.SearchUC, records, generator, catalog, ragObserver, ragDefaults, logger)

	if opts.ConnectBus {
		bus, err := nats.NewWithOptions(cfg.NATSURL, cfg.NATSSubject, nats.Options{
			QueueGroup:         cfg.NATSQueueGroup,
			ResilienceExecutor: executor,
			Logger:             logger,
		})
		if err != nil {
			app.Close()
			return nil, fmt.Errorf("init change bus: %w", err)
		}
		app.Bus = bus
		app.onClose(bus.Close)
	}

	return app, nil
}

// Publisher returns the change bus as a publisher, or nil when it is not connected.
func (a *App) Publisher() ports.ChangePublisher {
	if a.Bus == nil {
		return nil
	}
	return a.Bus
}

func (a *App) onClose(fn func()) {
	a.closeFns = append(a.closeFns, fn)
}

// Close releases resources in reverse order of acquisition.
func (a *App) Close() {
	for i := len(a.closeFns) - 1; i >= 0; i-- {
		a.closeFns[i]()
	}
	a.closeFns = nil
}

func resilienceConfig(cfg config.Config) resilience.Config {
	out := resilience.DefaultConfig()
	out.RetryMaxAttempts = cfg.RetryMaxAttempts
	out.RetryInitialBackoff = cfg.RetryInitialBackoff
	out.RetryMaxBackoff = cfg.RetryMaxBackoff
	out.RetryJitter = cfg.RetryJitter
	out.BreakerEnabled = cfg.BreakerEnabled
	return out
}

func fusionConfig(cfg config.Config) domain.FusionConfig {
	return domain.FusionConfig{
		Method:         domain.FusionMethod(cfg.FusionMethod),
		RRFK:           cfg.FusionRRFK,
		SemanticWeight: cfg.FusionSemanticWeight,
		KeywordWeight:  cfg.FusionKeywordWeight,
	}.Normalize()
}
