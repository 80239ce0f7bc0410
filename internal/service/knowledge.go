// Package service composes retrieval, reranking and ingestion into the
// operations exposed by the API.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/knoguchi/medrag/internal/document"
	"github.com/knoguchi/medrag/internal/reranker"
	"github.com/knoguchi/medrag/internal/retrieval"
	"github.com/knoguchi/medrag/internal/vectorstore"
)

var (
	// ErrInvalidQuery is returned for an empty query.
	ErrInvalidQuery = errors.New("invalid query")

	// ErrRerankerUnavailable is returned when reranking is requested but no
	// reranker is configured.
	ErrRerankerUnavailable = errors.New("reranker not configured")
)

// Retriever is the part of retrieval.Retriever used by KnowledgeService.
type Retriever interface {
	RetrieveWithStats(ctx context.Context, query string) ([]vectorstore.SearchResult, retrieval.Stats, error)
}

// KnowledgeQuery is one knowledge lookup.
type KnowledgeQuery struct {
	Query  string
	Rerank bool

	// TopN caps the returned documents. Zero returns every retrieved
	// document, or the reranker's default when reranking.
	TopN int
}

// KnowledgeDocument is one returned chunk. Score is the reranker relevance
// when Reranked is set on the result, otherwise the vector similarity.
type KnowledgeDocument struct {
	ID       string
	Content  string
	Metadata document.Metadata
	Score    float32
}

// Timing is the metadata returned alongside the documents.
type Timing struct {
	RetrievalMS int64
	RerankMS    int64
	TotalMS     int64
	Retrieved   int
	Returned    int
}

// KnowledgeResult is the answer to a KnowledgeQuery.
type KnowledgeResult struct {
	Documents []KnowledgeDocument
	Reranked  bool
	Timing    Timing
	Stats     retrieval.Stats
}

// KnowledgeService retrieves context for the diagnostic agents.
type KnowledgeService struct {
	retriever Retriever
	reranker  reranker.Reranker

	// nearDuplicate is the Jaccard threshold above which a lower-ranked
	// chunk is dropped. Zero disables it.
	nearDuplicate float64

	logger *slog.Logger
}

// KnowledgeOption is a functional option for configuring KnowledgeService.
type KnowledgeOption func(*KnowledgeService)

// WithReranker sets a reranker for the knowledge service.
func WithReranker(r reranker.Reranker) KnowledgeOption {
	return func(s *KnowledgeService) {
		s.reranker = r
	}
}

// WithNearDuplicateThreshold drops retrieved chunks whose word sets overlap a
// higher-scored chunk by at least threshold. Values outside (0, 1] disable it.
func WithNearDuplicateThreshold(threshold float64) KnowledgeOption {
	return func(s *KnowledgeService) {
		if threshold > 0 && threshold <= 1 {
			s.nearDuplicate = threshold
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) KnowledgeOption {
	return func(s *KnowledgeService) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewKnowledgeService creates a new KnowledgeService
func NewKnowledgeService(retriever Retriever, opts ...KnowledgeOption) *KnowledgeService {
	s := &KnowledgeService{
		retriever: retriever,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "knowledge")
	return s
}

// Query retrieves chunks for q.Query and optionally reranks them. A rerank
// failure is returned as an error; the unranked results are not substituted.
// When retrieval is canceled the partial result is returned with the error.
func (s *KnowledgeService) Query(ctx context.Context, q KnowledgeQuery) (*KnowledgeResult, error) {
	start := time.Now()

	if strings.TrimSpace(q.Query) == "" {
		return nil, fmt.Errorf("%w: query is required", ErrInvalidQuery)
	}
	if q.TopN < 0 {
		return nil, fmt.Errorf("%w: top_n must not be negative", ErrInvalidQuery)
	}
	if q.Rerank && s.reranker == nil {
		return nil, ErrRerankerUnavailable
	}

	results, stats, err := s.retriever.RetrieveWithStats(ctx, q.Query)
	retrievalTime := time.Since(start)
	if err != nil && !errors.Is(err, retrieval.ErrCanceled) {
		return nil, err
	}
	retrieveErr := err

	sortByScore(results)
	if s.nearDuplicate > 0 {
		before := len(results)
		results = suppressNearDuplicates(results, s.nearDuplicate)
		if dropped := before - len(results); dropped > 0 {
			s.logger.Debug("dropped near-duplicate chunks", "dropped", dropped, "threshold", s.nearDuplicate)
		}
	}

	out := &KnowledgeResult{Stats: stats}
	out.Timing.RetrievalMS = retrievalTime.Milliseconds()
	out.Timing.Retrieved = len(results)

	if q.Rerank && retrieveErr == nil && len(results) > 0 {
		rerankStart := time.Now()
		docs := make([]document.Document, len(results))
		for i, r := range results {
			docs[i] = r.Document()
		}

		scored, err := s.reranker.Rerank(ctx, q.Query, docs, q.TopN)
		out.Timing.RerankMS = time.Since(rerankStart).Milliseconds()
		if err != nil {
			return nil, fmt.Errorf("failed to rerank %d documents: %w", len(docs), err)
		}

		out.Reranked = true
		out.Documents = make([]KnowledgeDocument, len(scored))
		for i, sd := range scored {
			out.Documents[i] = KnowledgeDocument{
				ID:       results[sd.Index].ID,
				Content:  sd.Content,
				Metadata: sd.Metadata,
				Score:    sd.RelevanceScore,
			}
		}
	} else {
		if q.TopN > 0 && len(results) > q.TopN {
			results = results[:q.TopN]
		}
		out.Documents = make([]KnowledgeDocument, len(results))
		for i, r := range results {
			out.Documents[i] = KnowledgeDocument{
				ID:       r.ID,
				Content:  r.Content,
				Metadata: r.Metadata,
				Score:    r.Score,
			}
		}
	}

	out.Timing.Returned = len(out.Documents)
	out.Timing.TotalMS = time.Since(start).Milliseconds()

	s.logger.Info("knowledge query",
		"collections", len(stats.Collections),
		"failed_branches", stats.Failed,
		"retrieved", out.Timing.Retrieved,
		"returned", out.Timing.Returned,
		"reranked", out.Reranked,
		"retrieval_ms", out.Timing.RetrievalMS,
		"rerank_ms", out.Timing.RerankMS,
	)
	return out, retrieveErr
}

// Rerank passes documents straight to the configured reranker.
func (s *KnowledgeService) Rerank(ctx context.Context, query string, docs []document.Document, topN int) ([]reranker.ScoredDocument, error) {
	if s.reranker == nil {
		return nil, ErrRerankerUnavailable
	}
	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("%w: query is required", ErrInvalidQuery)
	}
	return s.reranker.Rerank(ctx, query, docs, topN)
}

// sortByScore orders results by descending score, keeping fan-out order
// among equal scores.
func sortByScore(results []vectorstore.SearchResult) {
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})
}
