package retrieval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/knoguchi/medrag/internal/document"
	"github.com/knoguchi/medrag/internal/embedder"
	"github.com/knoguchi/medrag/internal/vectorstore"
)

// ErrCanceled is returned together with the partial aggregate when the
// caller's context ends during a retrieval.
var ErrCanceled = errors.New("retrieval canceled")

const (
	DefaultSummaryTopK = 5
	DefaultChunkTopK   = 5
)

// QueryEmbedder is the part of embedder.Embedder used by the retriever.
type QueryEmbedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

var _ QueryEmbedder = (embedder.Embedder)(nil)

// Options configures a Retriever.
type Options struct {
	// SummaryCollection holds one summary point per source document.
	SummaryCollection string

	Naming Naming

	// StemKey is the summary metadata field naming the source document.
	// Defaults to document.KeyFileStem.
	StemKey string

	SummaryTopK int
	ChunkTopK   int

	// MaxConcurrency bounds in-flight chunk searches. Zero is unbounded.
	MaxConcurrency int

	// BranchTimeout bounds each chunk search. Zero relies on the store's own
	// per-call timeout.
	BranchTimeout time.Duration

	// DedupeByID collapses results with the same point id, keeping the
	// highest score. Off by default so copies from different collections
	// are returned as-is.
	DedupeByID bool

	Logger  *slog.Logger
	Metrics *Metrics
}

// Stats describes one retrieval.
type Stats struct {
	SummaryHits int
	Collections []string
	Succeeded   int
	Failed      int
	Skipped     int
	Results     int
}

// Retriever runs fan-out retrieval. It holds no per-call state and is safe
// for concurrent use.
type Retriever struct {
	store    vectorstore.Searcher
	embedder QueryEmbedder
	opts     Options
	logger   *slog.Logger
}

// New creates a Retriever over store and embedder.
func New(store vectorstore.Searcher, embedder QueryEmbedder, opts Options) (*Retriever, error) {
	if store == nil {
		return nil, errors.New("retriever requires a vector store")
	}
	if embedder == nil {
		return nil, errors.New("retriever requires an embedder")
	}
	if opts.SummaryCollection == "" {
		return nil, errors.New("retriever requires a summary collection")
	}
	if err := opts.Naming.Validate(); err != nil {
		return nil, err
	}
	if opts.StemKey == "" {
		opts.StemKey = document.KeyFileStem
	}
	if opts.SummaryTopK <= 0 {
		opts.SummaryTopK = DefaultSummaryTopK
	}
	if opts.ChunkTopK <= 0 {
		opts.ChunkTopK = DefaultChunkTopK
	}
	if opts.MaxConcurrency < 0 {
		opts.MaxConcurrency = 0
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Retriever{
		store:    store,
		embedder: embedder,
		opts:     opts,
		logger:   logger.With("component", "retriever"),
	}, nil
}

// Retrieve embeds query once and returns the flattened chunk results of
// every document the summary stage routed to.
func (r *Retriever) Retrieve(ctx context.Context, query string) ([]vectorstore.SearchResult, error) {
	results, _, err := r.RetrieveWithStats(ctx, query)
	return results, err
}

// RetrieveWithStats is Retrieve with a breakdown of the fan-out.
func (r *Retriever) RetrieveWithStats(ctx context.Context, query string) ([]vectorstore.SearchResult, Stats, error) {
	vector, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return nil, Stats{}, fmt.Errorf("failed to embed query: %w", err)
	}
	return r.RetrieveByVector(ctx, vector)
}

// RetrieveByVector runs both stages with a precomputed query vector.
//
// A failing summary search is returned to the caller. Failures of individual
// chunk searches are logged and excluded; if all of them fail the result is
// empty with a nil error. When ctx ends, the results gathered so far are
// returned with an error wrapping ErrCanceled and ctx.Err().
func (r *Retriever) RetrieveByVector(ctx context.Context, vector []float32) ([]vectorstore.SearchResult, Stats, error) {
	start := time.Now()
	var stats Stats

	summaries, err := r.store.Search(ctx, r.opts.SummaryCollection, vector, r.opts.SummaryTopK, nil)
	r.opts.Metrics.observe("summary", time.Since(start).Seconds())
	if err != nil {
		return nil, stats, fmt.Errorf("failed to search summary collection %s: %w", r.opts.SummaryCollection, err)
	}
	stats.SummaryHits = len(summaries)

	targets, skipped := r.targets(summaries)
	stats.Collections = targets
	stats.Skipped = skipped

	if len(targets) == 0 {
		r.opts.Metrics.results(0)
		return []vectorstore.SearchResult{}, stats, nil
	}

	fanoutStart := time.Now()
	branches := r.fanout(ctx, targets, vector)
	r.opts.Metrics.observe("fanout", time.Since(fanoutStart).Seconds())

	var aggregate []vectorstore.SearchResult
	for i, b := range branches {
		if b.err != nil {
			stats.Failed++
			outcome := outcomeError
			if errors.Is(b.err, context.Canceled) || errors.Is(b.err, context.DeadlineExceeded) {
				outcome = outcomeCanceled
			}
			r.opts.Metrics.branch(outcome)
			r.logger.Warn("chunk collection search failed",
				"collection", targets[i],
				"error", b.err,
			)
			continue
		}
		stats.Succeeded++
		r.opts.Metrics.branch(outcomeSuccess)
		aggregate = append(aggregate, b.results...)
	}

	if r.opts.DedupeByID {
		aggregate = dedupe(aggregate)
	}
	if aggregate == nil {
		aggregate = []vectorstore.SearchResult{}
	}
	stats.Results = len(aggregate)

	r.opts.Metrics.results(len(aggregate))
	r.opts.Metrics.observe("total", time.Since(start).Seconds())
	r.logger.Debug("retrieval complete",
		"summary_hits", stats.SummaryHits,
		"collections", len(targets),
		"succeeded", stats.Succeeded,
		"failed", stats.Failed,
		"results", stats.Results,
	)

	if err := ctx.Err(); err != nil {
		return aggregate, stats, fmt.Errorf("%w: %w", ErrCanceled, err)
	}
	return aggregate, stats, nil
}

// targets maps summary hits to chunk collections, first occurrence first.
func (r *Retriever) targets(summaries []vectorstore.SearchResult) ([]string, int) {
	seen := make(map[string]struct{}, len(summaries))
	targets := make([]string, 0, len(summaries))
	skipped := 0

	for _, s := range summaries {
		stem, ok := s.Metadata.String(r.opts.StemKey)
		if !ok || stem == "" {
			skipped++
			r.logger.Warn("summary result has no document stem",
				"id", s.ID,
				"stem_key", r.opts.StemKey,
			)
			continue
		}
		name := r.opts.Naming.Collection(stem)
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		targets = append(targets, name)
	}
	return targets, skipped
}

type branchResult struct {
	results []vectorstore.SearchResult
	err     error
}

// fanout searches every target concurrently. Branches never cancel each
// other; each writes only its own slot.
func (r *Retriever) fanout(ctx context.Context, targets []string, vector []float32) []branchResult {
	out := make([]branchResult, len(targets))

	var g errgroup.Group
	if r.opts.MaxConcurrency > 0 {
		g.SetLimit(r.opts.MaxConcurrency)
	}

	for i, collection := range targets {
		if err := ctx.Err(); err != nil {
			out[i].err = err
			continue
		}
		g.Go(func() error {
			bctx := ctx
			if r.opts.BranchTimeout > 0 {
				var cancel context.CancelFunc
				bctx, cancel = context.WithTimeout(ctx, r.opts.BranchTimeout)
				defer cancel()
			}
			results, err := r.store.Search(bctx, collection, vector, r.opts.ChunkTopK, nil)
			out[i] = branchResult{results: results, err: err}
			return nil
		})
	}

	_ = g.Wait()
	return out
}

func dedupe(results []vectorstore.SearchResult) []vectorstore.SearchResult {
	index := make(map[string]int, len(results))
	out := make([]vectorstore.SearchResult, 0, len(results))
	for _, res := range results {
		if j, ok := index[res.ID]; ok {
			if res.Score > out[j].Score {
				out[j] = res
			}
			continue
		}
		index[res.ID] = len(out)
		out = append(out, res)
	}
	return out
}
