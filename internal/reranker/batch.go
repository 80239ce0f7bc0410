package reranker

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/knoguchi/medrag/internal/document"
)

// DefaultBatchConcurrency bounds in-flight requests in RerankBatch.
const DefaultBatchConcurrency = 8

// Request is one independent rerank call.
type Request struct {
	Query     string
	Documents []document.Document
	TopN      int
}

// Response holds the outcome of the Request at the same position.
type Response struct {
	Results []ScoredDocument
	Err     error
}

// RerankBatch issues every request in parallel through r. A failed request
// only sets its own Response.Err. The returned error is non-nil only when
// ctx ended before all requests were issued; requests already in flight
// report a later cancellation in their own Response.Err.
func RerankBatch(ctx context.Context, r Reranker, reqs []Request, concurrency int) ([]Response, error) {
	out := make([]Response, len(reqs))
	if len(reqs) == 0 {
		return out, nil
	}
	if concurrency <= 0 {
		concurrency = DefaultBatchConcurrency
	}

	var g errgroup.Group
	g.SetLimit(concurrency)

	var notIssued error
	for i, req := range reqs {
		if err := ctx.Err(); err != nil {
			out[i].Err = err
			notIssued = err
			continue
		}
		g.Go(func() error {
			results, err := r.Rerank(ctx, req.Query, req.Documents, req.TopN)
			out[i] = Response{Results: results, Err: err}
			return nil
		})
	}

	_ = g.Wait()
	return out, notIssued
}

// RerankBatch is the package-level RerankBatch bound to this reranker.
func (r *HTTPReranker) RerankBatch(ctx context.Context, reqs []Request) ([]Response, error) {
	return RerankBatch(ctx, r, reqs, DefaultBatchConcurrency)
}
