package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/knoguchi/medrag/internal/auth"
	"github.com/knoguchi/medrag/internal/document"
	"github.com/knoguchi/medrag/internal/ingestion"
	"github.com/knoguchi/medrag/internal/reranker"
	"github.com/knoguchi/medrag/internal/retrieval"
	"github.com/knoguchi/medrag/internal/service"
	"github.com/knoguchi/medrag/internal/vectorstore"
)

const adminKey = "admin-secret"

// keywordEmbedder maps texts onto three axes by keyword.
type keywordEmbedder struct{}

func (keywordEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	v := []float32{0.01, 0.01, 0.01}
	lower := strings.ToLower(text)
	for i, kw := range []string{"lung", "heart", "bone"} {
		if strings.Contains(lower, kw) {
			v[i] = 1
		}
	}
	return v, nil
}

func (e keywordEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i], _ = e.Embed(ctx, t)
	}
	return out, nil
}

func (keywordEmbedder) Dimension() int    { return 3 }
func (keywordEmbedder) ModelName() string { return "keyword" }

// reverseReranker returns documents in reverse order.
type reverseReranker struct {
	err error
}

func (r *reverseReranker) Rerank(_ context.Context, _ string, docs []document.Document, topN int) ([]reranker.ScoredDocument, error) {
	if r.err != nil {
		return nil, r.err
	}
	if topN <= 0 || topN > len(docs) {
		topN = len(docs)
	}
	out := make([]reranker.ScoredDocument, 0, topN)
	for i := len(docs) - 1; i >= 0 && len(out) < topN; i-- {
		out = append(out, reranker.ScoredDocument{
			Document:       docs[i],
			Index:          i,
			RelevanceScore: float32(i+1) / float32(len(docs)+1),
		})
	}
	return out, nil
}

type fixture struct {
	handler  http.Handler
	store    *vectorstore.MemoryStore
	reranker *reverseReranker
	metrics  *Metrics
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := vectorstore.NewMemoryStore(nil)
	naming := retrieval.Naming{Namespace: "NRAG", Mode: "test"}

	indexer, err := ingestion.NewIndexer(store, keywordEmbedder{}, ingestion.Config{
		SummaryCollection: "summaries",
		Naming:            naming,
	})
	require.NoError(t, err)

	retriever, err := retrieval.New(store, keywordEmbedder{}, retrieval.Options{
		SummaryCollection: "summaries",
		Naming:            naming,
		SummaryTopK:       1,
		ChunkTopK:         5,
	})
	require.NoError(t, err)

	rr := &reverseReranker{}
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	api := &API{
		Knowledge:          service.NewKnowledgeService(retriever, service.WithReranker(rr)),
		Documents:          service.NewDocumentService(indexer, nil),
		Collections:        store,
		Auth:               auth.NewAPIKeyAuthenticator(adminKey),
		CollectionDefaults: vectorstore.CollectionConfig{VectorSize: 3, Distance: vectorstore.Cosine},
		Ready: map[string]ReadinessCheck{
			"vectorstore": func(ctx context.Context) error {
				_, err := store.ListCollections(ctx)
				return err
			},
		},
		Gatherer: reg,
		Metrics:  metrics,
	}
	return &fixture{handler: api.Router(), store: store, reranker: rr, metrics: metrics}
}

func (f *fixture) do(t *testing.T, method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func (f *fixture) ingestSamples(t *testing.T) {
	t.Helper()
	rec := f.do(t, http.MethodPost, "/v1/documents", map[string]any{
		"file_stem": "report_a",
		"source":    "report_a.pdf",
		"summary":   "Chest CT with lung nodules",
		"chunks":    []string{"Right lung nodule 4mm", "Left lung clear", "Heart normal"},
		"metadata":  map[string]any{"page": 3, "ward": "pulmonology"},
	}, "X-API-Key", adminKey)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = f.do(t, http.MethodPost, "/v1/documents", map[string]any{
		"file_stem": "report_b",
		"summary":   "Skeletal bone survey",
		"chunks":    []string{"Femur bone intact"},
	}, "X-API-Key", adminKey)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	return v
}

func TestHealthAndReady(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/readyz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"vectorstore":"ok"`)
}

func TestReady_Failing(t *testing.T) {
	api := &API{
		Ready: map[string]ReadinessCheck{
			"vectorstore": func(context.Context) error { return errors.New("qdrant unreachable") },
		},
		Gatherer: prometheus.NewRegistry(),
	}
	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rec := httptest.NewRecorder()
	api.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "qdrant unreachable")
}

func TestIngestResponse(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/v1/documents", map[string]any{
		"file_stem": "report_a",
		"summary":   "Chest CT with lung nodules",
		"chunks":    []string{"Right lung nodule 4mm"},
	}, "X-API-Key", adminKey)
	require.Equal(t, http.StatusCreated, rec.Code)

	got := decode[ingestResponse](t, rec)
	assert.Equal(t, "NRAG_report_a_test", got.ChunkCollection)
	assert.Len(t, got.SummaryID, document.IDLength)
	assert.Len(t, got.ChunkIDs, 1)
}

func TestRetrieve(t *testing.T) {
	f := newFixture(t)
	f.ingestSamples(t)

	rec := f.do(t, http.MethodPost, "/v1/retrieve", map[string]any{"query": "lung findings"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	got := decode[retrieveResponse](t, rec)
	assert.Equal(t, []string{"NRAG_report_a_test"}, got.Metadata.Collections)
	assert.False(t, got.Metadata.Reranked)
	require.Len(t, got.Documents, 3)
	assert.Contains(t, got.Documents[0].Content, "lung")
	assert.Equal(t, float64(3), got.Documents[0].Metadata["page"])
	assert.Equal(t, "report_a", got.Documents[0].Metadata["file_stem"])
	assert.GreaterOrEqual(t, got.Documents[0].Score, got.Documents[1].Score)
}

func TestRetrieve_Rerank(t *testing.T) {
	f := newFixture(t)
	f.ingestSamples(t)

	rec := f.do(t, http.MethodPost, "/v1/retrieve", map[string]any{
		"query": "lung findings", "rerank": true, "top_n": 2,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	got := decode[retrieveResponse](t, rec)
	assert.True(t, got.Metadata.Reranked)
	assert.Equal(t, 3, got.Metadata.Retrieved)
	assert.Equal(t, 2, got.Metadata.Returned)
	require.Len(t, got.Documents, 2)
	assert.Equal(t, "Heart normal", got.Documents[0].Content)
	assert.NotEmpty(t, got.Documents[0].ID)
}

func TestRetrieve_RerankFailure(t *testing.T) {
	f := newFixture(t)
	f.ingestSamples(t)
	f.reranker.err = &reranker.StatusError{StatusCode: 503, Body: "overloaded"}

	rec := f.do(t, http.MethodPost, "/v1/retrieve", map[string]any{"query": "lung", "rerank": true})
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Contains(t, rec.Body.String(), "overloaded")
}

func TestRetrieve_BadRequests(t *testing.T) {
	f := newFixture(t)

	req := httptest.NewRequest(http.MethodPost, "/v1/retrieve", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/v1/retrieve", map[string]any{"query": ""})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), `"error"`)
}

func TestRetrieve_MissingSummaryCollection(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/v1/retrieve", map[string]any{"query": "lung"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRerankEndpoint(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/v1/rerank", map[string]any{
		"query": "which language is compiled",
		"documents": []map[string]any{
			{"content": "Python is interpreted", "metadata": map[string]any{"lang": "py"}},
			{"content": "Java runs on the JVM"},
			{"content": "C++ is compiled", "metadata": map[string]any{"lang": "cpp", "year": 1985}},
		},
		"top_n": 1,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	got := decode[struct {
		Results []rerankResult `json:"results"`
	}](t, rec)
	require.Len(t, got.Results, 1)
	assert.Equal(t, 2, got.Results[0].Index)
	assert.Equal(t, "C++ is compiled", got.Results[0].Content)
	assert.Equal(t, "cpp", got.Results[0].Metadata["lang"])
	assert.Equal(t, float64(1985), got.Results[0].Metadata["year"])
	wantID, err := document.DeriveID("C++ is compiled", document.Metadata{"lang": "cpp", "year": 1985})
	require.NoError(t, err)
	assert.Equal(t, wantID, got.Results[0].ID)

	rec = f.do(t, http.MethodPost, "/v1/rerank", map[string]any{
		"query":     "q",
		"documents": []map[string]any{{"content": "x", "metadata": map[string]any{"bad": []int{1}}}},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDocuments_DeleteAndLedgerUnavailable(t *testing.T) {
	f := newFixture(t)
	f.ingestSamples(t)

	rec := f.do(t, http.MethodDelete, "/v1/documents/report_a", nil, "X-API-Key", adminKey)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = f.do(t, http.MethodDelete, "/v1/documents/report_a", nil, "X-API-Key", adminKey)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// Retrieval still succeeds with the chunk collection gone.
	rec = f.do(t, http.MethodPost, "/v1/retrieve", map[string]any{"query": "lung"})
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[retrieveResponse](t, rec)
	assert.Empty(t, got.Documents)
	assert.Equal(t, 1, got.Metadata.FailedBranches)

	rec = f.do(t, http.MethodGet, "/v1/documents", nil)
	assert.Equal(t, http.StatusNotImplemented, rec.Code)
}

func TestDocuments_MutationsRequireAPIKey(t *testing.T) {
	f := newFixture(t)
	f.ingestSamples(t)

	tests := []struct {
		name    string
		method  string
		path    string
		body    any
		headers []string
		want    int
	}{
		{name: "delete without key", method: http.MethodDelete, path: "/v1/documents/report_a", want: http.StatusUnauthorized},
		{name: "delete with wrong key", method: http.MethodDelete, path: "/v1/documents/report_a", headers: []string{"X-API-Key", "nope"}, want: http.StatusForbidden},
		{
			name:   "ingest without key",
			method: http.MethodPost,
			path:   "/v1/documents",
			body:   map[string]any{"file_stem": "report_c", "summary": "Lung scan", "chunks": []string{"lung ok"}},
			want:   http.StatusUnauthorized,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(t, tt.method, tt.path, tt.body, tt.headers...)
			assert.Equal(t, tt.want, rec.Code)
		})
	}

	names, err := f.store.ListCollections(context.Background())
	require.NoError(t, err)
	assert.Contains(t, names, "NRAG_report_a_test")
	assert.NotContains(t, names, "NRAG_report_c_test")
}

func TestCollections_Admin(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/v1/collections", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(t, http.MethodPut, "/v1/collections/extra", nil, "X-API-Key", adminKey)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `"distance":"cosine"`)

	rec = f.do(t, http.MethodPut, "/v1/collections/euclid", map[string]any{"distance": "euclid"}, "X-API-Key", adminKey)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodGet, "/v1/collections", nil, "Authorization", "Bearer "+adminKey)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, `{"collections":["extra"]}`, strings.TrimSpace(rec.Body.String()))

	rec = f.do(t, http.MethodDelete, "/v1/collections/extra", nil, "X-API-Key", adminKey)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = f.do(t, http.MethodDelete, "/v1/collections/extra", nil, "X-API-Key", adminKey)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t)
	f.do(t, http.MethodGet, "/healthz", nil)

	assert.Equal(t, float64(1), testutil.ToFloat64(
		f.metrics.Requests.WithLabelValues("/healthz", http.MethodGet, "200"),
	))

	rec := f.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "medrag_http_requests_total")
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("x: %w", vectorstore.ErrCollectionNotFound), http.StatusNotFound},
		{vectorstore.ErrServerRejected, http.StatusBadRequest},
		{vectorstore.ErrConnectionFailure, http.StatusBadGateway},
		{fmt.Errorf("search: %w", vectorstore.ErrUnauthorized), http.StatusBadGateway},
		{fmt.Errorf("%w: %w", vectorstore.ErrConnectionFailure, context.DeadlineExceeded), http.StatusGatewayTimeout},
		{fmt.Errorf("%w: %w", retrieval.ErrCanceled, context.Canceled), StatusClientClosedRequest},
		{&reranker.StatusError{StatusCode: 500}, http.StatusBadGateway},
		{service.ErrRerankerUnavailable, http.StatusNotImplemented},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), tt.err.Error())
	}
}
