package service

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/knoguchi/medrag/internal/document"
	"github.com/knoguchi/medrag/internal/ingestion"
	"github.com/knoguchi/medrag/internal/repository"
	"github.com/knoguchi/medrag/internal/reranker"
	"github.com/knoguchi/medrag/internal/retrieval"
	"github.com/knoguchi/medrag/internal/vectorstore"
)

type fakeRetriever struct {
	results []vectorstore.SearchResult
	stats   retrieval.Stats
	err     error
	queries []string
}

func (f *fakeRetriever) RetrieveWithStats(_ context.Context, query string) ([]vectorstore.SearchResult, retrieval.Stats, error) {
	f.queries = append(f.queries, query)
	out := make([]vectorstore.SearchResult, len(f.results))
	copy(out, f.results)
	return out, f.stats, f.err
}

type fakeReranker struct {
	calls int
	docs  []document.Document
	topN  int
	order []int
	err   error
}

func (f *fakeReranker) Rerank(_ context.Context, _ string, docs []document.Document, topN int) ([]reranker.ScoredDocument, error) {
	f.calls++
	f.docs = docs
	f.topN = topN
	if f.err != nil {
		return nil, f.err
	}
	out := make([]reranker.ScoredDocument, 0, len(f.order))
	for rank, idx := range f.order {
		out = append(out, reranker.ScoredDocument{
			Document:       docs[idx],
			Index:          idx,
			RelevanceScore: 1 - float32(rank)*0.1,
		})
	}
	return out, nil
}

func result(id, content string, score float32) vectorstore.SearchResult {
	return vectorstore.SearchResult{
		ID:       id,
		Content:  content,
		Metadata: document.Metadata{"file_stem": "report_" + id},
		Score:    score,
	}
}

func TestQuery_WithoutRerank(t *testing.T) {
	r := &fakeRetriever{
		results: []vectorstore.SearchResult{
			result("a", "alpha finding", 0.5),
			result("b", "beta finding", 0.9),
			result("c", "gamma finding", 0.7),
		},
		stats: retrieval.Stats{Collections: []string{"NRAG_a_dev", "NRAG_b_dev"}},
	}
	svc := NewKnowledgeService(r)

	res, err := svc.Query(context.Background(), KnowledgeQuery{Query: "finding", TopN: 2})
	require.NoError(t, err)

	assert.False(t, res.Reranked)
	require.Len(t, res.Documents, 2)
	assert.Equal(t, "b", res.Documents[0].ID)
	assert.Equal(t, "c", res.Documents[1].ID)
	assert.Equal(t, 3, res.Timing.Retrieved)
	assert.Equal(t, 2, res.Timing.Returned)
	assert.Equal(t, []string{"NRAG_a_dev", "NRAG_b_dev"}, res.Stats.Collections)
}

func TestQuery_Rerank(t *testing.T) {
	r := &fakeRetriever{results: []vectorstore.SearchResult{
		result("a", "alpha", 0.9),
		result("b", "beta", 0.8),
		result("c", "gamma", 0.7),
	}}
	rr := &fakeReranker{order: []int{2, 0}}
	svc := NewKnowledgeService(r, WithReranker(rr))

	res, err := svc.Query(context.Background(), KnowledgeQuery{Query: "q", Rerank: true, TopN: 2})
	require.NoError(t, err)

	assert.True(t, res.Reranked)
	assert.Equal(t, 1, rr.calls)
	assert.Equal(t, 2, rr.topN)
	assert.Len(t, rr.docs, 3)

	require.Len(t, res.Documents, 2)
	assert.Equal(t, "c", res.Documents[0].ID)
	assert.Equal(t, "gamma", res.Documents[0].Content)
	assert.Equal(t, "report_c", res.Documents[0].Metadata["file_stem"])
	assert.Equal(t, float32(1), res.Documents[0].Score)
	assert.Equal(t, "a", res.Documents[1].ID)
}

func TestQuery_RerankFailureSurfaced(t *testing.T) {
	r := &fakeRetriever{results: []vectorstore.SearchResult{result("a", "alpha", 0.9)}}
	boom := &reranker.StatusError{StatusCode: 500, Body: "internal"}
	svc := NewKnowledgeService(r, WithReranker(&fakeReranker{err: boom}))

	res, err := svc.Query(context.Background(), KnowledgeQuery{Query: "q", Rerank: true})
	assert.Nil(t, res)
	assert.ErrorIs(t, err, reranker.ErrRerankFailed)
}

func TestQuery_RerankSkippedForEmptyRetrieval(t *testing.T) {
	rr := &fakeReranker{}
	svc := NewKnowledgeService(&fakeRetriever{}, WithReranker(rr))

	res, err := svc.Query(context.Background(), KnowledgeQuery{Query: "q", Rerank: true})
	require.NoError(t, err)
	assert.Empty(t, res.Documents)
	assert.NotNil(t, res.Documents)
	assert.Equal(t, 0, rr.calls)
}

func TestQuery_Errors(t *testing.T) {
	svc := NewKnowledgeService(&fakeRetriever{})

	_, err := svc.Query(context.Background(), KnowledgeQuery{Query: "  "})
	assert.ErrorIs(t, err, ErrInvalidQuery)

	_, err = svc.Query(context.Background(), KnowledgeQuery{Query: "q", TopN: -1})
	assert.ErrorIs(t, err, ErrInvalidQuery)

	_, err = svc.Query(context.Background(), KnowledgeQuery{Query: "q", Rerank: true})
	assert.ErrorIs(t, err, ErrRerankerUnavailable)

	summaryErr := fmt.Errorf("failed to search summary collection: %w", vectorstore.ErrConnectionFailure)
	svc = NewKnowledgeService(&fakeRetriever{err: summaryErr})
	res, err := svc.Query(context.Background(), KnowledgeQuery{Query: "q"})
	assert.Nil(t, res)
	assert.ErrorIs(t, err, vectorstore.ErrConnectionFailure)
}

func TestQuery_CanceledReturnsPartial(t *testing.T) {
	r := &fakeRetriever{
		results: []vectorstore.SearchResult{result("a", "alpha", 0.9)},
		err:     fmt.Errorf("%w: %w", retrieval.ErrCanceled, context.Canceled),
	}
	rr := &fakeReranker{order: []int{0}}
	svc := NewKnowledgeService(r, WithReranker(rr))

	res, err := svc.Query(context.Background(), KnowledgeQuery{Query: "q", Rerank: true})
	assert.ErrorIs(t, err, retrieval.ErrCanceled)
	require.NotNil(t, res)
	assert.Len(t, res.Documents, 1)
	assert.False(t, res.Reranked)
	assert.Equal(t, 0, rr.calls)
}

func TestQuery_NearDuplicates(t *testing.T) {
	r := &fakeRetriever{results: []vectorstore.SearchResult{
		result("a", "Right lower lobe consolidation consistent with pneumonia", 0.9),
		result("b", "right lower lobe consolidation, consistent with pneumonia.", 0.8),
		result("c", "Cardiac silhouette within normal limits", 0.7),
	}}
	svc := NewKnowledgeService(r, WithNearDuplicateThreshold(0.7))

	res, err := svc.Query(context.Background(), KnowledgeQuery{Query: "q"})
	require.NoError(t, err)
	require.Len(t, res.Documents, 2)
	assert.Equal(t, "a", res.Documents[0].ID)
	assert.Equal(t, "c", res.Documents[1].ID)
}

func TestKnowledgeService_Rerank(t *testing.T) {
	_, err := NewKnowledgeService(&fakeRetriever{}).Rerank(context.Background(), "q", nil, 1)
	assert.ErrorIs(t, err, ErrRerankerUnavailable)

	rr := &fakeReranker{order: []int{1}}
	svc := NewKnowledgeService(&fakeRetriever{}, WithReranker(rr))
	out, err := svc.Rerank(context.Background(), "q", []document.Document{{Content: "x"}, {Content: "y"}}, 1)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "y", out[0].Content)

	_, err = svc.Rerank(context.Background(), "", nil, 1)
	assert.ErrorIs(t, err, ErrInvalidQuery)
}

func TestJaccard(t *testing.T) {
	tests := []struct {
		name string
		a, b string
		want float64
	}{
		{name: "case and punctuation ignored", a: "the quick brown fox", b: "The quick, brown fox!", want: 1},
		{name: "disjoint", a: "the quick brown fox", b: "lazy dog sleeps", want: 0},
		{name: "partial overlap", a: "lung nodule right", b: "lung nodule left", want: 0.5},
		{name: "short tokens dropped", a: "a 4mm nodule", b: "nodule", want: 0.5},
		{name: "both empty", a: "", b: "a b", want: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, jaccard(contentWords(tt.a), contentWords(tt.b)), 1e-9)
		})
	}
}

func TestSuppressNearDuplicates_ComparesAgainstKeptOnly(t *testing.T) {
	// b duplicates a and is dropped; c resembles b but not a, so it stays.
	in := []vectorstore.SearchResult{
		result("a", "alpha beta gamma delta", 0.9),
		result("b", "alpha beta gamma epsilon", 0.8),
		result("c", "zeta beta gamma epsilon", 0.7),
	}
	out := suppressNearDuplicates(in, 0.6)
	require.Len(t, out, 2)
	assert.Equal(t, "a", out[0].ID)
	assert.Equal(t, "c", out[1].ID)

	assert.Len(t, suppressNearDuplicates(in, 0), 3)
}

func TestWithNearDuplicateThreshold_OutOfRange(t *testing.T) {
	for _, v := range []float64{-0.5, 0, 1.5} {
		svc := NewKnowledgeService(&fakeRetriever{}, WithNearDuplicateThreshold(v))
		assert.Zero(t, svc.nearDuplicate, v)
	}
	svc := NewKnowledgeService(&fakeRetriever{}, WithNearDuplicateThreshold(1))
	assert.Equal(t, 1.0, svc.nearDuplicate)
}

type fakeIndexer struct {
	indexed []ingestion.SourceDocument
	deleted []string
}

func (f *fakeIndexer) IndexDocument(_ context.Context, doc ingestion.SourceDocument) (*ingestion.Result, error) {
	f.indexed = append(f.indexed, doc)
	return &ingestion.Result{FileStem: doc.FileStem}, nil
}

func (f *fakeIndexer) DeleteDocument(_ context.Context, stem string) error {
	f.deleted = append(f.deleted, stem)
	return nil
}

type fakeLedger struct {
	limit, offset int
}

func (f *fakeLedger) Upsert(context.Context, *repository.IngestionRecord) error { return nil }

func (f *fakeLedger) GetByStem(_ context.Context, stem string) (*repository.IngestionRecord, error) {
	if stem == "missing" {
		return nil, repository.ErrNotFound
	}
	return &repository.IngestionRecord{FileStem: stem}, nil
}

func (f *fakeLedger) List(_ context.Context, limit, offset int) ([]*repository.IngestionRecord, int, error) {
	f.limit, f.offset = limit, offset
	return nil, 0, nil
}

func (f *fakeLedger) Delete(context.Context, string) error { return nil }

func TestDocumentService(t *testing.T) {
	ctx := context.Background()
	ix := &fakeIndexer{}

	svc := NewDocumentService(ix, nil)
	_, err := svc.Ingest(ctx, ingestion.SourceDocument{FileStem: "a"})
	require.NoError(t, err)
	require.NoError(t, svc.Delete(ctx, "a"))
	assert.Len(t, ix.indexed, 1)
	assert.Equal(t, []string{"a"}, ix.deleted)

	_, _, err = svc.List(ctx, 10, 0)
	assert.ErrorIs(t, err, ErrLedgerUnavailable)
	_, err = svc.Get(ctx, "a")
	assert.ErrorIs(t, err, ErrLedgerUnavailable)

	ledger := &fakeLedger{}
	svc = NewDocumentService(ix, ledger)
	_, _, err = svc.List(ctx, 1000, -5)
	require.NoError(t, err)
	assert.Equal(t, 20, ledger.limit)
	assert.Equal(t, 0, ledger.offset)

	_, err = svc.Get(ctx, "missing")
	assert.True(t, errors.Is(err, repository.ErrNotFound))
}
