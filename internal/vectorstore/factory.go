package vectorstore

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/knoguchi/medrag/internal/config"
)

// Backend names accepted by NewStore.
const (
	BackendQdrant = "qdrant"
	BackendMemory = "memory"
)

// NewStore builds the backend selected by cfg.VectorBackend.
func NewStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (Store, error) {
	switch strings.ToLower(cfg.VectorBackend) {
	case BackendMemory:
		return NewMemoryStore(logger, WithStrictSchema(cfg.StrictCollections)), nil
	case BackendQdrant, "":
		return NewQdrantStore(ctx, QdrantConfig{
			Host:    cfg.QdrantHost,
			Port:    cfg.QdrantPort,
			APIKey:  cfg.QdrantAPIKey,
			UseTLS:  cfg.QdrantUseTLS,
			Timeout: cfg.RequestTimeout,
			Strict:  cfg.StrictCollections,
			Logger:  logger,
		})
	default:
		return nil, fmt.Errorf("%w: unknown vector backend %q", ErrInvalidArgument, cfg.VectorBackend)
	}
}

// CollectionDefaults returns the vector parameters for collections created
// under cfg.
func CollectionDefaults(cfg *config.Config, name string) (CollectionConfig, error) {
	dist, err := ParseDistance(cfg.VectorDistance)
	if err != nil {
		return CollectionConfig{}, err
	}
	return CollectionConfig{Name: name, VectorSize: cfg.VectorSize, Distance: dist}, nil
}
