// Package reranker reorders retrieval candidates with a remote relevance
// scoring model.
//
// Reranking is a second pass over the fan-out results. The remote service
// scores every query-document pair together, which is slower than vector
// similarity but separates candidates whose vector scores are close.
//
// # Trade-offs
//
//   - Latency: one extra HTTP round trip per query
//   - Quality: better ordering when many chunks score alike
//   - Failure: a rerank error is always returned, never replaced by the
//     unranked input
package reranker

import (
	"context"
	"errors"
	"fmt"

	"github.com/knoguchi/medrag/internal/document"
)

var (
	// ErrRerankFailed is wrapped by every *StatusError.
	ErrRerankFailed = errors.New("rerank failed")

	// ErrConnectionFailure is a transport failure reaching the rerank endpoint.
	ErrConnectionFailure = errors.New("rerank connection failure")

	// ErrInvalidResponse means the service answered 2xx with an unusable body.
	ErrInvalidResponse = errors.New("invalid rerank response")
)

// StatusError is returned for any non-2xx response.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("rerank API error (status %d): %s", e.StatusCode, e.Body)
}

func (e *StatusError) Unwrap() error { return ErrRerankFailed }

// ScoredDocument is one of the submitted documents with its relevance score.
// Index is its position in the submitted slice.
type ScoredDocument struct {
	document.Document
	Index          int
	RelevanceScore float32
}

// Reranker defines the interface for re-ranking documents.
type Reranker interface {
	// Rerank returns at most topN of docs, most relevant first. Each result
	// is the original Document, metadata included. Empty docs yield an empty
	// result without contacting the service.
	Rerank(ctx context.Context, query string, docs []document.Document, topN int) ([]ScoredDocument, error)
}

