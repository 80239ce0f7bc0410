// Package config loads configuration from environment variables and .env files.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
)

// ErrInvalidConfig is returned by Validate for out-of-range settings.
var ErrInvalidConfig = errors.New("invalid config")

// Config holds all configuration for the retrieval service
type Config struct {
	// Server
	HTTPPort    int    `env:"HTTP_PORT" envDefault:"8080"`
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
	AdminAPIKey string `env:"ADMIN_API_KEY"`

	// CORS; empty allows any origin
	AllowedOrigins []string `env:"CORS_ALLOWED_ORIGINS" envSeparator:","`

	// Optional ingestion ledger; empty disables it
	DatabaseURL string `env:"DATABASE_URL"`

	// Vector store
	VectorBackend      string        `env:"VECTOR_BACKEND" envDefault:"qdrant"`
	QdrantHost         string        `env:"QDRANT_HOST" envDefault:"localhost"`
	QdrantPort         int           `env:"QDRANT_PORT" envDefault:"6334"`
	QdrantAPIKey       string        `env:"QDRANT_API_KEY"`
	QdrantUseTLS       bool          `env:"QDRANT_USE_TLS" envDefault:"false"`
	VectorSize         int           `env:"VECTOR_SIZE" envDefault:"4096"`
	VectorDistance     string        `env:"VECTOR_DISTANCE" envDefault:"cosine"`
	StrictCollections  bool          `env:"VECTOR_STRICT_COLLECTIONS" envDefault:"false"`
	RequestTimeout     time.Duration `env:"REQUEST_TIMEOUT" envDefault:"15s"`
	SummaryCollection  string        `env:"QDRANT_COLLECTION" envDefault:"medical_document_summaries"`
	CollectionNS       string        `env:"RAG" envDefault:"NRAG"`
	CollectionMode     string        `env:"MODE" envDefault:"dev"`
	SummaryTopK        int           `env:"SUMMARY_TOP_K" envDefault:"5"`
	ChunkTopK          int           `env:"CHUNK_TOP_K" envDefault:"5"`
	FanoutConcurrency  int           `env:"FANOUT_MAX_CONCURRENCY" envDefault:"0"`
	BranchTimeout      time.Duration `env:"FANOUT_BRANCH_TIMEOUT" envDefault:"0s"`
	DedupeResults      bool          `env:"FANOUT_DEDUPE" envDefault:"false"`
	EmbeddingCacheSize int           `env:"EMBEDDING_CACHE_SIZE" envDefault:"1024"`
	EmbeddingCacheTTL  time.Duration `env:"EMBEDDING_CACHE_TTL" envDefault:"10m"`

	// Model endpoints (OpenAI-compatible)
	ModelURL       string `env:"MODEL_URL" envDefault:"https://api.siliconflow.cn/v1"`
	APIKey         string `env:"API_KEY"`
	EmbeddingModel string `env:"EMBEDDING_MODEL" envDefault:"Qwen/Qwen3-Embedding-8B"`

	// Reranking; RerankURL falls back to ModelURL
	RerankURL   string `env:"RERANK_URL"`
	RerankModel string `env:"RERANK_MODEL" envDefault:"Qwen/Qwen3-Reranker-8B"`
	RerankTopN  int    `env:"RERANK_TOP_N" envDefault:"5"`

	// Jaccard overlap at which a lower-scored chunk is dropped; 0 disables
	NearDuplicateThreshold float64 `env:"NEAR_DUPLICATE_THRESHOLD" envDefault:"0"`
}

// Load loads configuration from .env file (if present) and environment variables
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not found)
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that numeric settings are in range and enums are known.
func (c *Config) Validate() error {
	switch strings.ToLower(c.VectorBackend) {
	case "qdrant", "memory":
	default:
		return fmt.Errorf("%w: unknown VECTOR_BACKEND %q", ErrInvalidConfig, c.VectorBackend)
	}
	if c.QdrantPort <= 0 || c.QdrantPort > 65535 {
		return fmt.Errorf("%w: invalid QDRANT_PORT %d", ErrInvalidConfig, c.QdrantPort)
	}
	if c.VectorSize <= 0 {
		return fmt.Errorf("%w: VECTOR_SIZE must be positive", ErrInvalidConfig)
	}
	if c.SummaryTopK <= 0 || c.ChunkTopK <= 0 {
		return fmt.Errorf("%w: SUMMARY_TOP_K and CHUNK_TOP_K must be positive", ErrInvalidConfig)
	}
	if c.FanoutConcurrency < 0 {
		return fmt.Errorf("%w: FANOUT_MAX_CONCURRENCY cannot be negative", ErrInvalidConfig)
	}
	if c.BranchTimeout < 0 {
		return fmt.Errorf("%w: FANOUT_BRANCH_TIMEOUT cannot be negative", ErrInvalidConfig)
	}
	if c.NearDuplicateThreshold < 0 || c.NearDuplicateThreshold > 1 {
		return fmt.Errorf("%w: NEAR_DUPLICATE_THRESHOLD must be within [0, 1]", ErrInvalidConfig)
	}
	if c.RerankTopN <= 0 {
		return fmt.Errorf("%w: RERANK_TOP_N must be positive", ErrInvalidConfig)
	}
	if c.SummaryCollection == "" {
		return fmt.Errorf("%w: QDRANT_COLLECTION is required", ErrInvalidConfig)
	}
	return nil
}

// RerankBaseURL returns the reranking endpoint base, defaulting to the model URL.
func (c *Config) RerankBaseURL() string {
	if c.RerankURL != "" {
		return c.RerankURL
	}
	return c.ModelURL
}
