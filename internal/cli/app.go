package cli

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ragindex/internal/chunker"
	"ragindex/internal/config"
	"ragindex/internal/domain"
	"ragindex/internal/embedding/hashing"
	"ragindex/internal/embedding/openai"
	"ragindex/internal/extract"
	"ragindex/internal/metrics"
	"ragindex/internal/service"
	"ragindex/internal/vectorstore/memory"
	"ragindex/internal/vectorstore/postgres"
	"ragindex/internal/vectorstore/sqlite"
)

// App holds the services one command invocation works with.
type App struct {
	Config    *config.AppConfig
	Metrics   *metrics.Metrics
	Store     domain.Store
	Ingestion *service.IngestionService
	Search    *service.SearchService
}

// Build assembles the store, embedder and services described by cfg.
func Build(ctx context.Context, cfg *config.AppConfig, m *metrics.Metrics) (*App, error) {
	emb, err := newEmbedder(cfg.Embedder)
	if err != nil {
		return nil, err
	}
	store, err := newStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	splitter, err := chunker.New(chunker.Options{
		ChunkSize:      cfg.Chunker.ChunkSize,
		OverlapRatio:   cfg.Chunker.OverlapRatio,
		MaxHeaderLevel: cfg.Chunker.MaxHeaderLevel,
		Strategy:       cfg.Chunker.Strategy,
	})
	if err != nil {
		return nil, errors.Join(err, store.Close())
	}
	ns := domain.Namespace(cfg.Ingest.Namespace)
	ing, err := service.NewIngestionService(store, emb, extract.New(), splitter, service.IngestionOptions{
		Namespace:      ns,
		MaxConcurrency: cfg.Ingest.MaxConcurrency,
		CallTimeout:    cfg.Ingest.CallTimeout(),
		RetryAttempts:  cfg.Ingest.Retry.Attempts,
		RetryBackoff:   cfg.Ingest.Retry.Backoff(),
		AllowPartial:   cfg.Ingest.AllowPartial,
		StoreTimeout:   cfg.VectorStore.Timeout(),
	}, m)
	if err != nil {
		return nil, errors.Join(err, store.Close())
	}
	search, err := service.NewSearchService(store, emb, service.SearchOptions{
		Namespace:    ns,
		DefaultLimit: cfg.Search.DefaultLimit,
		MaxLimit:     cfg.Search.MaxLimit,
		CacheSize:    cfg.Search.QueryCacheSize,
		StoreTimeout: cfg.VectorStore.Timeout(),
	}, m)
	if err != nil {
		return nil, errors.Join(err, store.Close())
	}
	return &App{Config: cfg, Metrics: m, Store: store, Ingestion: ing, Search: search}, nil
}

// Close releases the store.
func (a *App) Close() error {
	if a == nil || a.Store == nil {
		return nil
	}
	return a.Store.Close()
}

func newEmbedder(cfg config.EmbedderConfig) (domain.Embedder, error) {
	switch cfg.Type {
	case config.EmbedderHashing:
		return hashing.NewEmbedder(cfg.Dimension)
	case config.EmbedderOpenAI, config.EmbedderOllama:
		return openai.NewClient(openai.Config{
			Provider:          cfg.Type,
			BaseURL:           cfg.BaseURL,
			APIKeyEnv:         cfg.APIKeyEnv,
			Model:             cfg.Model,
			Dimension:         cfg.Dimension,
			Timeout:           time.Duration(cfg.TimeoutSecs) * time.Second,
			RequestsPerSecond: cfg.RequestsPerSecond,
			Burst:             cfg.Burst,
		})
	default:
		return nil, fmt.Errorf("%w: unknown embedder %q", domain.ErrInvalidConfig, cfg.Type)
	}
}

func newStore(ctx context.Context, cfg *config.AppConfig) (domain.Store, error) {
	dim := cfg.Embedder.Dimension
	switch cfg.VectorStore.Type {
	case config.StoreMemory:
		return memory.NewStorage(dim)
	case config.StoreSQLite:
		path := ""
		if cfg.VectorStore.SQLite != nil {
			path = cfg.VectorStore.SQLite.Path
		}
		return sqlite.Open(ctx, path, dim)
	case config.StorePostgres:
		pg := cfg.VectorStore.Postgres
		if pg == nil {
			return nil, fmt.Errorf("%w: postgres store config missing", domain.ErrInvalidConfig)
		}
		return postgres.Open(ctx, postgres.Config{
			DSN:         pg.DSN,
			TablePrefix: pg.TablePrefix,
			Dimension:   dim,
			EnsureIndex: pg.EnsureIndex,
			MaxConns:    pg.MaxConns,
		})
	default:
		return nil, fmt.Errorf("%w: unknown vector store %q", domain.ErrInvalidConfig, cfg.VectorStore.Type)
	}
}
