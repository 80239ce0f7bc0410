package reranker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/knoguchi/medrag/internal/document"
)

const (
	// DefaultModel is the default reranking model.
	DefaultModel = "Qwen/Qwen3-Reranker-8B"

	// DefaultTopN is used when Rerank is called with topN <= 0.
	DefaultTopN = 5

	defaultTimeout = 30 * time.Second
	maxErrorBody   = 4096
)

// HTTPReranker calls an OpenAI-style POST {baseURL}/rerank endpoint. It keeps
// no per-call state, so one instance serves any number of concurrent calls.
type HTTPReranker struct {
	baseURL     string
	apiKey      string
	model       string
	defaultTopN int
	client      *http.Client
	logger      *slog.Logger
	metrics     *Metrics
}

// Option is a functional option for configuring HTTPReranker.
type Option func(*HTTPReranker)

// WithModel sets the model to use for reranking.
func WithModel(model string) Option {
	return func(r *HTTPReranker) {
		if model != "" {
			r.model = model
		}
	}
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(r *HTTPReranker) {
		if client != nil {
			r.client = client
		}
	}
}

// WithTimeout bounds each request.
func WithTimeout(d time.Duration) Option {
	return func(r *HTTPReranker) {
		if d > 0 {
			r.client = &http.Client{Timeout: d, Transport: r.client.Transport}
		}
	}
}

// WithDefaultTopN sets the result count used when Rerank is given topN <= 0.
func WithDefaultTopN(n int) Option {
	return func(r *HTTPReranker) {
		if n > 0 {
			r.defaultTopN = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *HTTPReranker) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithMetrics records request outcomes and latency.
func WithMetrics(m *Metrics) Option {
	return func(r *HTTPReranker) {
		r.metrics = m
	}
}

// NewHTTPReranker creates a reranker for the service at baseURL.
func NewHTTPReranker(baseURL, apiKey string, opts ...Option) *HTTPReranker {
	r := &HTTPReranker{
		baseURL:     strings.TrimRight(baseURL, "/"),
		apiKey:      apiKey,
		model:       DefaultModel,
		defaultTopN: DefaultTopN,
		client:      &http.Client{Timeout: defaultTimeout},
		logger:      slog.Default(),
	}

	for _, opt := range opts {
		opt(r)
	}

	r.logger = r.logger.With("component", "reranker")
	return r
}

// Model returns the configured model name.
func (r *HTTPReranker) Model() string {
	return r.model
}

type rerankRequest struct {
	Model     string   `json:"model"`
	Query     string   `json:"query"`
	Documents []string `json:"documents"`
	TopN      int      `json:"top_n"`
}

type rerankResponse struct {
	Results []struct {
		Index          *int    `json:"index"`
		RelevanceScore float32 `json:"relevance_score"`
	} `json:"results"`
}

// Rerank sends the document contents to the service and maps the returned
// indices back to docs, in the order the service ranked them.
func (r *HTTPReranker) Rerank(ctx context.Context, query string, docs []document.Document, topN int) ([]ScoredDocument, error) {
	if len(docs) == 0 {
		return []ScoredDocument{}, nil
	}
	if topN <= 0 {
		topN = r.defaultTopN
	}
	topN = min(topN, len(docs))

	contents := make([]string, len(docs))
	for i, d := range docs {
		contents[i] = d.Content
	}

	start := time.Now()
	parsed, err := r.send(ctx, rerankRequest{
		Model:     r.model,
		Query:     query,
		Documents: contents,
		TopN:      topN,
	})
	r.metrics.observe(time.Since(start).Seconds())
	if err != nil {
		r.metrics.request(outcomeOf(err))
		return nil, err
	}

	scored := make([]ScoredDocument, 0, min(topN, len(parsed.Results)))
	seen := make(map[int]struct{}, len(parsed.Results))
	for _, res := range parsed.Results {
		if res.Index == nil {
			r.metrics.request(outcomeInvalid)
			return nil, fmt.Errorf("%w: result without index", ErrInvalidResponse)
		}
		idx := *res.Index
		if idx < 0 || idx >= len(docs) {
			r.metrics.request(outcomeInvalid)
			return nil, fmt.Errorf("%w: index %d out of range for %d documents", ErrInvalidResponse, idx, len(docs))
		}
		if _, dup := seen[idx]; dup {
			continue
		}
		seen[idx] = struct{}{}
		scored = append(scored, ScoredDocument{
			Document:       docs[idx],
			Index:          idx,
			RelevanceScore: res.RelevanceScore,
		})
		if len(scored) == topN {
			break
		}
	}

	r.metrics.request(outcomeSuccess)
	r.logger.Debug("reranked documents",
		"model", r.model,
		"documents", len(docs),
		"returned", len(scored),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return scored, nil
}

func (r *HTTPReranker) send(ctx context.Context, body rerankRequest) (*rerankResponse, error) {
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/rerank", bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+r.apiKey)

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailure, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}

	var parsed rerankResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("%w: failed to decode response: %v", ErrInvalidResponse, err)
	}
	return &parsed, nil
}

func outcomeOf(err error) string {
	var se *StatusError
	switch {
	case errors.As(err, &se):
		return strconv.Itoa(se.StatusCode)
	case errors.Is(err, ErrInvalidResponse):
		return outcomeInvalid
	default:
		return outcomeConnection
	}
}

// Ensure HTTPReranker implements Reranker
var _ Reranker = (*HTTPReranker)(nil)
