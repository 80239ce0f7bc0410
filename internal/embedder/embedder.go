// Package embedder provides interfaces and implementations for text embedding.
package embedder

import (
	"context"
	"errors"
)

// ErrEmbeddingFailed wraps any failure to obtain an embedding.
var ErrEmbeddingFailed = errors.New("embedding failed")

// Embedder defines the interface for text embedding services.
type Embedder interface {
	// Embed generates an embedding vector for a single text input.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates embedding vectors for multiple text inputs.
	// Returns a slice of embeddings in the same order as the input texts.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimension returns the dimensionality of the embedding vectors.
	Dimension() int

	// ModelName returns the name of the embedding model being used.
	ModelName() string
}

// KnownDimensions maps embedding model names to their output size.
var KnownDimensions = map[string]int{
	"Qwen/Qwen3-Embedding-8B":   4096,
	"Qwen/Qwen3-Embedding-4B":   2560,
	"Qwen/Qwen3-Embedding-0.6B": 1024,
	"BAAI/bge-m3":               1024,
	"text-embedding-3-small":    1536,
	"text-embedding-3-large":    3072,
	"nomic-embed-text":          768,
}

// DimensionFor returns the known dimension of model, or fallback if unknown.
func DimensionFor(model string, fallback int) int {
	if d, ok := KnownDimensions[model]; ok {
		return d
	}
	return fallback
}
