// Package vectorstore provides interfaces and implementations for vector similarity search.
package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/knoguchi/medrag/internal/document"
)

// Error taxonomy shared by all backends. Callers classify with errors.Is.
var (
	// ErrConnectionFailure is a transport-level failure reaching the store.
	// Retryable by the caller; never retried internally.
	ErrConnectionFailure = errors.New("vector store connection failure")

	// ErrCollectionNotFound means the referenced collection does not exist.
	ErrCollectionNotFound = errors.New("collection not found")

	// ErrServerRejected is a malformed request or server-side validation
	// failure such as a vector size mismatch.
	ErrServerRejected = errors.New("request rejected by vector store")

	// ErrSchemaMismatch is returned in strict mode when an existing
	// collection's vector size or distance differs from the request.
	ErrSchemaMismatch = errors.New("collection schema mismatch")

	// ErrInvalidArgument is a caller error detected before any I/O.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrUnauthorized means the store refused this service's credentials.
	ErrUnauthorized = errors.New("vector store refused credentials")
)

// Distance is the similarity metric of a collection.
type Distance int

const (
	Cosine Distance = iota + 1
	Euclidean
	DotProduct
)

func (d Distance) String() string {
	switch d {
	case Cosine:
		return "cosine"
	case Euclidean:
		return "euclidean"
	case DotProduct:
		return "dot"
	default:
		return fmt.Sprintf("distance(%d)", int(d))
	}
}

// ParseDistance accepts cosine, euclid/euclidean/l2 and dot/dotproduct, case-insensitively.
func ParseDistance(s string) (Distance, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "cosine":
		return Cosine, nil
	case "euclid", "euclidean", "l2":
		return Euclidean, nil
	case "dot", "dotproduct", "dot_product":
		return DotProduct, nil
	default:
		return 0, fmt.Errorf("%w: unknown distance %q", ErrInvalidArgument, s)
	}
}

// CollectionConfig describes a homogeneous vector index.
type CollectionConfig struct {
	Name       string
	VectorSize int
	Distance   Distance
}

func (c CollectionConfig) validate() error {
	if c.Name == "" {
		return fmt.Errorf("%w: collection name required", ErrInvalidArgument)
	}
	if c.VectorSize <= 0 {
		return fmt.Errorf("%w: vector size must be positive, got %d", ErrInvalidArgument, c.VectorSize)
	}
	switch c.Distance {
	case Cosine, Euclidean, DotProduct:
	default:
		return fmt.Errorf("%w: unsupported distance %s", ErrInvalidArgument, c.Distance)
	}
	return nil
}

// Point is one indexed item. Content is stored in the payload under the
// reserved "content" key.
type Point struct {
	ID      string
	Vector  []float32
	Content string
	Payload document.Metadata
}

// NewPoint builds a point whose ID is derived from the document.
func NewPoint(doc document.Document, vector []float32) (Point, error) {
	id, err := doc.ID()
	if err != nil {
		return Point{}, err
	}
	return Point{ID: id, Vector: vector, Content: doc.Content, Payload: doc.Metadata}, nil
}

// SearchResult represents a search result from the vector store. Higher
// scores are more relevant.
type SearchResult struct {
	ID       string
	Content  string
	Metadata document.Metadata
	Score    float32
}

// Document returns the result's content and metadata.
func (r SearchResult) Document() document.Document {
	return document.Document{Content: r.Content, Metadata: r.Metadata}
}

// Filter restricts a search to points whose payload fields equal the given
// values. All entries must match.
type Filter map[string]any

// Store defines the interface for vector storage operations. Implementations
// are safe for concurrent use.
type Store interface {
	// EnsureCollection creates the collection if it does not exist. It is a
	// no-op for an existing collection unless the store runs in strict mode.
	EnsureCollection(ctx context.Context, cfg CollectionConfig) error

	// CollectionExists checks if a collection exists
	CollectionExists(ctx context.Context, name string) (bool, error)

	// ListCollections returns the names of all collections
	ListCollections(ctx context.Context) ([]string, error)

	// Upsert inserts or overwrites points by id
	Upsert(ctx context.Context, collection string, points []Point) error

	// Search returns at most topK results ordered by descending score
	Search(ctx context.Context, collection string, vector []float32, topK int, filter Filter) ([]SearchResult, error)

	// DeleteCollection irreversibly removes a collection
	DeleteCollection(ctx context.Context, name string) error

	// Close releases network resources
	Close() error
}

// Searcher is the read-only subset of Store used by retrieval.
type Searcher interface {
	Search(ctx context.Context, collection string, vector []float32, topK int, filter Filter) ([]SearchResult, error)
}

func validatePoints(points []Point) error {
	for i, p := range points {
		if p.ID == "" {
			return fmt.Errorf("%w: point %d has no id", ErrInvalidArgument, i)
		}
		if len(p.Vector) == 0 {
			return fmt.Errorf("%w: point %d has no vector", ErrInvalidArgument, i)
		}
		if _, reserved := p.Payload[contentKey]; reserved {
			return fmt.Errorf("%w: point %d uses reserved payload key %q", ErrInvalidArgument, i, contentKey)
		}
		if err := p.Payload.Validate(); err != nil {
			return fmt.Errorf("point %d: %w", i, err)
		}
	}
	return nil
}

func validateSearch(collection string, vector []float32, topK int) error {
	if collection == "" {
		return fmt.Errorf("%w: collection name required", ErrInvalidArgument)
	}
	if len(vector) == 0 {
		return fmt.Errorf("%w: query vector is empty", ErrInvalidArgument)
	}
	if topK <= 0 {
		return fmt.Errorf("%w: topK must be positive, got %d", ErrInvalidArgument, topK)
	}
	return nil
}
