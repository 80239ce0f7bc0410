package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/knoguchi/medrag/internal/auth"
	"github.com/knoguchi/medrag/internal/document"
	"github.com/knoguchi/medrag/internal/ingestion"
	"github.com/knoguchi/medrag/internal/repository"
	"github.com/knoguchi/medrag/internal/reranker"
	"github.com/knoguchi/medrag/internal/service"
	"github.com/knoguchi/medrag/internal/vectorstore"
)

const maxBodyBytes = 8 << 20

// Knowledge answers retrieval and rerank requests.
type Knowledge interface {
	Query(ctx context.Context, q service.KnowledgeQuery) (*service.KnowledgeResult, error)
	Rerank(ctx context.Context, query string, docs []document.Document, topN int) ([]reranker.ScoredDocument, error)
}

// Documents manages indexed source documents.
type Documents interface {
	Ingest(ctx context.Context, doc ingestion.SourceDocument) (*ingestion.Result, error)
	Delete(ctx context.Context, stem string) error
	List(ctx context.Context, limit, offset int) ([]*repository.IngestionRecord, int, error)
	Get(ctx context.Context, stem string) (*repository.IngestionRecord, error)
}

// Collections is the administrative subset of vectorstore.Store.
type Collections interface {
	EnsureCollection(ctx context.Context, cfg vectorstore.CollectionConfig) error
	ListCollections(ctx context.Context) ([]string, error)
	DeleteCollection(ctx context.Context, name string) error
}

// ReadinessCheck reports whether a dependency is usable.
type ReadinessCheck func(ctx context.Context) error

// API holds the handlers' dependencies.
type API struct {
	Knowledge   Knowledge
	Documents   Documents
	Collections Collections
	Auth        *auth.APIKeyAuthenticator

	// CollectionDefaults supplies vector size and distance for
	// PUT /v1/collections/{name} when the body omits them.
	CollectionDefaults vectorstore.CollectionConfig

	// Ready maps dependency names to checks run by /readyz.
	Ready map[string]ReadinessCheck

	// Gatherer backs /metrics. Defaults to prometheus.DefaultGatherer.
	Gatherer prometheus.Gatherer
	Metrics  *Metrics

	Logger *slog.Logger

	logger *slog.Logger
}

// Router builds the chi router. extra middleware runs after the standard stack.
func (a *API) Router(extra ...func(http.Handler) http.Handler) chi.Router {
	a.logger = a.Logger
	if a.logger == nil {
		a.logger = slog.Default()
	}
	gatherer := a.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	authn := a.Auth
	if authn == nil {
		authn = auth.NewAPIKeyAuthenticator("")
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLoggingMiddleware(a.logger))
	r.Use(middleware.Recoverer)
	r.Use(a.Metrics.middleware)
	for _, mw := range extra {
		r.Use(mw)
	}

	r.Get("/healthz", a.handleHealth)
	r.Get("/readyz", a.handleReady)
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	r.Route("/v1", func(r chi.Router) {
		r.Post("/retrieve", a.handleRetrieve)
		r.Post("/rerank", a.handleRerank)

		r.Route("/documents", func(r chi.Router) {
			r.Get("/", a.handleListDocuments)
			r.Get("/{stem}", a.handleGetDocument)

			// Ingest and delete create and drop collections.
			r.Group(func(r chi.Router) {
				r.Use(authn.Middleware)
				r.Post("/", a.handleIngest)
				r.Delete("/{stem}", a.handleDeleteDocument)
			})
		})

		r.Route("/collections", func(r chi.Router) {
			r.Use(authn.Middleware)
			r.Get("/", a.handleListCollections)
			r.Put("/{name}", a.handleEnsureCollection)
			r.Delete("/{name}", a.handleDeleteCollection)
		})
	})

	return r
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (a *API) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	checks := make(map[string]string, len(a.Ready))
	ready := true
	for name, check := range a.Ready {
		if err := check(ctx); err != nil {
			ready = false
			checks[name] = err.Error()
			a.logger.Warn("readiness check failed", "check", name, "error", err)
			continue
		}
		checks[name] = "ok"
	}

	status := http.StatusOK
	state := "ready"
	if !ready {
		status = http.StatusServiceUnavailable
		state = "not ready"
	}
	writeJSON(w, status, map[string]any{"status": state, "checks": checks})
}

type retrieveRequest struct {
	Query  string `json:"query"`
	Rerank bool   `json:"rerank"`
	TopN   int    `json:"top_n"`
}

type documentJSON struct {
	ID       string         `json:"id,omitempty"`
	Content  string         `json:"content"`
	Metadata map[string]any `json:"metadata"`
	Score    float32        `json:"score"`
}

type retrieveMetadata struct {
	RetrievalMS    int64    `json:"retrieval_ms"`
	RerankMS       int64    `json:"rerank_ms"`
	TotalMS        int64    `json:"total_ms"`
	Retrieved      int      `json:"retrieved"`
	Returned       int      `json:"returned"`
	Reranked       bool     `json:"reranked"`
	Collections    []string `json:"collections"`
	FailedBranches int      `json:"failed_branches"`
}

type retrieveResponse struct {
	Documents []documentJSON   `json:"documents"`
	Metadata  retrieveMetadata `json:"metadata"`
}

func (a *API) handleRetrieve(w http.ResponseWriter, r *http.Request) {
	var req retrieveRequest
	if err := decodeJSON(w, r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}

	res, err := a.Knowledge.Query(r.Context(), service.KnowledgeQuery{
		Query:  req.Query,
		Rerank: req.Rerank,
		TopN:   req.TopN,
	})
	if err != nil {
		a.writeError(w, r, err)
		return
	}

	docs := make([]documentJSON, len(res.Documents))
	for i, d := range res.Documents {
		docs[i] = documentJSON{ID: d.ID, Content: d.Content, Metadata: metadataJSON(d.Metadata), Score: d.Score}
	}
	collections := res.Stats.Collections
	if collections == nil {
		collections = []string{}
	}
	writeJSON(w, http.StatusOK, retrieveResponse{
		Documents: docs,
		Metadata: retrieveMetadata{
			RetrievalMS:    res.Timing.RetrievalMS,
			RerankMS:       res.Timing.RerankMS,
			TotalMS:        res.Timing.TotalMS,
			Retrieved:      res.Timing.Retrieved,
			Returned:       res.Timing.Returned,
			Reranked:       res.Reranked,
			Collections:    collections,
			FailedBranches: res.Stats.Failed,
		},
	})
}

type rerankDocument struct {
	Content  string         `json:"content"`
	Metadata map[string]any `json:"metadata"`
}

type rerankRequest struct {
	Query     string           `json:"query"`
	Documents []rerankDocument `json:"documents"`
	TopN      int              `json:"top_n"`
}

type rerankResult struct {
	ID             string         `json:"id"`
	Index          int            `json:"index"`
	RelevanceScore float32        `json:"relevance_score"`
	Content        string         `json:"content"`
	Metadata       map[string]any `json:"metadata"`
}

func (a *API) handleRerank(w http.ResponseWriter, r *http.Request) {
	var req rerankRequest
	if err := decodeJSON(w, r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}

	docs := make([]document.Document, len(req.Documents))
	for i, d := range req.Documents {
		md, err := document.FromJSON(d.Metadata)
		if err != nil {
			a.writeError(w, r, fmt.Errorf("document %d: %w", i, err))
			return
		}
		docs[i] = document.Document{Content: d.Content, Metadata: md}
	}

	scored, err := a.Knowledge.Rerank(r.Context(), req.Query, docs, req.TopN)
	if err != nil {
		a.writeError(w, r, err)
		return
	}

	results := make([]rerankResult, len(scored))
	for i, s := range scored {
		results[i] = rerankResult{
			// Metadata was validated by FromJSON above.
			ID:             document.MustDeriveID(s.Content, s.Metadata),
			Index:          s.Index,
			RelevanceScore: s.RelevanceScore,
			Content:        s.Content,
			Metadata:       metadataJSON(s.Metadata),
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

type ingestRequest struct {
	FileStem string         `json:"file_stem"`
	Source   string         `json:"source"`
	Summary  string         `json:"summary"`
	Chunks   []string       `json:"chunks"`
	Metadata map[string]any `json:"metadata"`
}

type ingestResponse struct {
	FileStem        string   `json:"file_stem"`
	SummaryID       string   `json:"summary_id"`
	ChunkCollection string   `json:"chunk_collection"`
	ChunkIDs        []string `json:"chunk_ids"`
	ContentHash     string   `json:"content_hash"`
	DurationMS      int64    `json:"duration_ms"`
}

func (a *API) handleIngest(w http.ResponseWriter, r *http.Request) {
	var req ingestRequest
	if err := decodeJSON(w, r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}
	md, err := document.FromJSON(req.Metadata)
	if err != nil {
		a.writeError(w, r, err)
		return
	}

	res, err := a.Documents.Ingest(r.Context(), ingestion.SourceDocument{
		FileStem: req.FileStem,
		Source:   req.Source,
		Summary:  req.Summary,
		Chunks:   req.Chunks,
		Metadata: md,
	})
	if err != nil {
		a.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, ingestResponse{
		FileStem:        res.FileStem,
		SummaryID:       res.SummaryID,
		ChunkCollection: res.ChunkCollection,
		ChunkIDs:        res.ChunkIDs,
		ContentHash:     res.ContentHash,
		DurationMS:      res.Duration.Milliseconds(),
	})
}

type recordJSON struct {
	FileStem          string         `json:"file_stem"`
	Source            string         `json:"source"`
	SummaryCollection string         `json:"summary_collection"`
	ChunkCollection   string         `json:"chunk_collection"`
	SummaryID         string         `json:"summary_id"`
	ChunkCount        int            `json:"chunk_count"`
	ContentHash       string         `json:"content_hash"`
	Metadata          map[string]any `json:"metadata"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
}

func toRecordJSON(rec *repository.IngestionRecord) recordJSON {
	md := rec.Metadata
	if md == nil {
		md = map[string]any{}
	}
	return recordJSON{
		FileStem:          rec.FileStem,
		Source:            rec.Source,
		SummaryCollection: rec.SummaryCollection,
		ChunkCollection:   rec.ChunkCollection,
		SummaryID:         rec.SummaryID,
		ChunkCount:        rec.ChunkCount,
		ContentHash:       rec.ContentHash,
		Metadata:          md,
		CreatedAt:         rec.CreatedAt,
		UpdatedAt:         rec.UpdatedAt,
	}
}

func (a *API) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 20)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		a.writeError(w, r, err)
		return
	}

	recs, total, err := a.Documents.List(r.Context(), limit, offset)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	out := make([]recordJSON, len(recs))
	for i, rec := range recs {
		out[i] = toRecordJSON(rec)
	}
	writeJSON(w, http.StatusOK, map[string]any{"documents": out, "total": total})
}

func (a *API) handleGetDocument(w http.ResponseWriter, r *http.Request) {
	rec, err := a.Documents.Get(r.Context(), chi.URLParam(r, "stem"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toRecordJSON(rec))
}

func (a *API) handleDeleteDocument(w http.ResponseWriter, r *http.Request) {
	if err := a.Documents.Delete(r.Context(), chi.URLParam(r, "stem")); err != nil {
		a.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleListCollections(w http.ResponseWriter, r *http.Request) {
	names, err := a.Collections.ListCollections(r.Context())
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if names == nil {
		names = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"collections": names})
}

type collectionRequest struct {
	VectorSize int    `json:"vector_size"`
	Distance   string `json:"distance"`
}

func (a *API) handleEnsureCollection(w http.ResponseWriter, r *http.Request) {
	var req collectionRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &req); err != nil {
			a.writeError(w, r, err)
			return
		}
	}

	cfg := a.CollectionDefaults
	cfg.Name = chi.URLParam(r, "name")
	if req.VectorSize != 0 {
		cfg.VectorSize = req.VectorSize
	}
	if req.Distance != "" {
		dist, err := vectorstore.ParseDistance(req.Distance)
		if err != nil {
			a.writeError(w, r, err)
			return
		}
		cfg.Distance = dist
	}

	if err := a.Collections.EnsureCollection(r.Context(), cfg); err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"name":        cfg.Name,
		"vector_size": cfg.VectorSize,
		"distance":    cfg.Distance.String(),
	})
}

func (a *API) handleDeleteCollection(w http.ResponseWriter, r *http.Request) {
	if err := a.Collections.DeleteCollection(r.Context(), chi.URLParam(r, "name")); err != nil {
		a.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// decodeJSON decodes a single JSON object, keeping numbers as json.Number so
// integer metadata stays integral.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("%w: request body is empty", errBadRequest)
		}
		return fmt.Errorf("%w: invalid JSON: %v", errBadRequest, err)
	}
	return nil
}

func metadataJSON(md document.Metadata) map[string]any {
	if md == nil {
		return map[string]any{}
	}
	return md
}

func queryInt(r *http.Request, key string, fallback int) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: %s must be an integer", errBadRequest, key)
	}
	return v, nil
}
