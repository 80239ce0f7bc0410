package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/knoguchi/medrag/internal/auth"
	"github.com/knoguchi/medrag/internal/config"
	"github.com/knoguchi/medrag/internal/embedder"
	"github.com/knoguchi/medrag/internal/ingestion"
	"github.com/knoguchi/medrag/internal/repository"
	"github.com/knoguchi/medrag/internal/repository/postgres"
	"github.com/knoguchi/medrag/internal/reranker"
	"github.com/knoguchi/medrag/internal/retrieval"
	"github.com/knoguchi/medrag/internal/server"
	"github.com/knoguchi/medrag/internal/service"
	"github.com/knoguchi/medrag/internal/vectorstore"
)

func main() {
	// Set up structured logging
	logLevel := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("failed to run server", "error", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	slog.Info("starting retrieval service",
		"http_port", cfg.HTTPPort,
		"environment", cfg.Environment,
		"vector_backend", cfg.VectorBackend,
		"summary_collection", cfg.SummaryCollection,
		"namespace", cfg.CollectionNS,
		"mode", cfg.CollectionMode,
	)

	store, err := vectorstore.NewStore(ctx, cfg, slog.Default())
	if err != nil {
		return fmt.Errorf("failed to open vector store: %w", err)
	}
	defer store.Close()
	slog.Info("connected to vector store", "backend", cfg.VectorBackend)

	summaryCfg, err := vectorstore.CollectionDefaults(cfg, cfg.SummaryCollection)
	if err != nil {
		return err
	}
	if err := store.EnsureCollection(ctx, summaryCfg); err != nil {
		return fmt.Errorf("failed to ensure summary collection: %w", err)
	}

	ready := map[string]server.ReadinessCheck{
		"vectorstore": func(ctx context.Context) error {
			_, err := store.ListCollections(ctx)
			return err
		},
	}

	// Optional ingestion ledger
	var ledger repository.IngestionRepository
	if cfg.DatabaseURL != "" {
		db, err := postgres.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		defer db.Close()
		if err := db.Migrate(ctx); err != nil {
			return err
		}
		ledger = postgres.NewIngestionRepo(db)
		ready["database"] = db.Ping
		slog.Info("connected to PostgreSQL")
	}

	embed := embedder.NewCachingEmbedder(
		embedder.NewOpenAIEmbedder(embedder.OpenAIConfig{
			BaseURL:   cfg.ModelURL,
			APIKey:    cfg.APIKey,
			Model:     cfg.EmbeddingModel,
			Dimension: cfg.VectorSize,
			Timeout:   cfg.RequestTimeout,
		}),
		cfg.EmbeddingCacheSize,
		cfg.EmbeddingCacheTTL,
		embedder.WithFetchTimeout(cfg.RequestTimeout),
	)
	slog.Info("initialized embedder", "model", cfg.EmbeddingModel, "dimension", embed.Dimension())

	naming := retrieval.Naming{Namespace: cfg.CollectionNS, Mode: cfg.CollectionMode}

	retriever, err := retrieval.New(store, embed, retrieval.Options{
		SummaryCollection: cfg.SummaryCollection,
		Naming:            naming,
		SummaryTopK:       cfg.SummaryTopK,
		ChunkTopK:         cfg.ChunkTopK,
		MaxConcurrency:    cfg.FanoutConcurrency,
		BranchTimeout:     cfg.BranchTimeout,
		DedupeByID:        cfg.DedupeResults,
		Logger:            slog.Default(),
		Metrics:           retrieval.NewMetrics(prometheus.DefaultRegisterer),
	})
	if err != nil {
		return fmt.Errorf("failed to create retriever: %w", err)
	}

	rerank := reranker.NewHTTPReranker(cfg.RerankBaseURL(), cfg.APIKey,
		reranker.WithModel(cfg.RerankModel),
		reranker.WithDefaultTopN(cfg.RerankTopN),
		reranker.WithTimeout(cfg.RequestTimeout),
		reranker.WithLogger(slog.Default()),
		reranker.WithMetrics(reranker.NewMetrics(prometheus.DefaultRegisterer)),
	)
	slog.Info("initialized reranker", "model", rerank.Model())

	indexer, err := ingestion.NewIndexer(store, embed, ingestion.Config{
		SummaryCollection: cfg.SummaryCollection,
		Naming:            naming,
		VectorSize:        summaryCfg.VectorSize,
		Distance:          summaryCfg.Distance,
		Ledger:            ledger,
		Logger:            slog.Default(),
	})
	if err != nil {
		return fmt.Errorf("failed to create indexer: %w", err)
	}

	api := &server.API{
		Knowledge: service.NewKnowledgeService(retriever,
			service.WithReranker(rerank),
			service.WithNearDuplicateThreshold(cfg.NearDuplicateThreshold),
			service.WithLogger(slog.Default()),
		),
		Documents:          service.NewDocumentService(indexer, ledger),
		Collections:        store,
		Auth:               auth.NewAPIKeyAuthenticator(cfg.AdminAPIKey),
		CollectionDefaults: summaryCfg,
		Ready:              ready,
		Metrics:            server.NewMetrics(prometheus.DefaultRegisterer),
		Logger:             slog.Default(),
	}
	httpServer := server.NewHTTPServer(server.HTTPServerConfig{
		Port:           cfg.HTTPPort,
		Logger:         slog.Default(),
		AllowedOrigins: cfg.AllowedOrigins,
		WriteTimeout:   cfg.RequestTimeout * 4,
	}, api)

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.Start(); err != nil {
			errCh <- err
		}
	}()

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		slog.Info("received shutdown signal", "signal", sig)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("failed to shutdown HTTP server", "error", err)
	}

	slog.Info("server stopped")
	return nil
}

// Ensure interfaces are satisfied at compile time
var (
	_ repository.IngestionRepository = (*postgres.IngestionRepo)(nil)
	_ vectorstore.Store              = (*vectorstore.QdrantStore)(nil)
	_ vectorstore.Store              = (*vectorstore.MemoryStore)(nil)
	_ embedder.Embedder              = (*embedder.CachingEmbedder)(nil)
	_ reranker.Reranker              = (*reranker.HTTPReranker)(nil)
)
