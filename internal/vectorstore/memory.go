package vectorstore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"

	"github.com/philippgille/chromem-go"

	"github.com/knoguchi/medrag/internal/document"
)

// payloadKey holds the typed metadata as JSON. The remaining chromem
// metadata entries are string renderings used for where-filters.
const payloadKey = "_payload"

// MemoryStore is an in-process Store backed by chromem-go. It supports cosine
// distance only and is intended for local development and tests.
type MemoryStore struct {
	db     *chromem.DB
	logger *slog.Logger

	// strict makes EnsureCollection reject an existing collection whose
	// parameters differ from the request.
	strict bool

	mu      sync.RWMutex
	configs map[string]CollectionConfig
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithStrictSchema enables the same existing-collection check as
// QdrantConfig.Strict.
func WithStrictSchema(strict bool) MemoryOption {
	return func(s *MemoryStore) {
		s.strict = strict
	}
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(logger *slog.Logger, opts ...MemoryOption) *MemoryStore {
	if logger == nil {
		logger = slog.Default()
	}
	s := &MemoryStore{
		db:      chromem.NewDB(),
		logger:  logger.With("component", "memory_store"),
		configs: make(map[string]CollectionConfig),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Vectors are always supplied by the caller.
func noEmbedding(context.Context, string) ([]float32, error) {
	return nil, fmt.Errorf("%w: memory store requires precomputed vectors", ErrInvalidArgument)
}

func (s *MemoryStore) EnsureCollection(ctx context.Context, cfg CollectionConfig) error {
	if err := cfg.validate(); err != nil {
		return err
	}
	if cfg.Distance != Cosine {
		return fmt.Errorf("%w: memory store supports cosine distance only, got %s", ErrServerRejected, cfg.Distance)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.configs[cfg.Name]; ok {
		if existing == cfg {
			return nil
		}
		if s.strict {
			return fmt.Errorf("%w: collection %s has size=%d distance=%s, requested size=%d distance=%s",
				ErrSchemaMismatch, cfg.Name,
				existing.VectorSize, existing.Distance, cfg.VectorSize, cfg.Distance)
		}
		s.logger.Warn("collection exists with different parameters",
			"collection", cfg.Name,
			"vector_size", existing.VectorSize,
			"requested_size", cfg.VectorSize,
		)
		return nil
	}

	_, err := s.db.CreateCollection(cfg.Name, map[string]string{
		"vector_size": strconv.Itoa(cfg.VectorSize),
		"distance":    cfg.Distance.String(),
	}, noEmbedding)
	if err != nil {
		return fmt.Errorf("%w: creating collection %s: %v", ErrServerRejected, cfg.Name, err)
	}
	s.configs[cfg.Name] = cfg
	return nil
}

func (s *MemoryStore) CollectionExists(_ context.Context, name string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.configs[name]
	return ok, nil
}

func (s *MemoryStore) ListCollections(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.configs))
	for name := range s.configs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (s *MemoryStore) collection(name string) (*chromem.Collection, CollectionConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cfg, ok := s.configs[name]
	if !ok {
		return nil, CollectionConfig{}, fmt.Errorf("collection %s: %w", name, ErrCollectionNotFound)
	}
	c := s.db.GetCollection(name, noEmbedding)
	if c == nil {
		return nil, CollectionConfig{}, fmt.Errorf("collection %s: %w", name, ErrCollectionNotFound)
	}
	return c, cfg, nil
}

func (s *MemoryStore) Upsert(ctx context.Context, collection string, points []Point) error {
	if len(points) == 0 {
		return nil
	}
	if err := validatePoints(points); err != nil {
		return err
	}

	c, cfg, err := s.collection(collection)
	if err != nil {
		return err
	}

	for i, p := range points {
		if _, reserved := p.Payload[payloadKey]; reserved {
			return fmt.Errorf("%w: point %d uses reserved payload key %q", ErrInvalidArgument, i, payloadKey)
		}
		if len(p.Vector) != cfg.VectorSize {
			return fmt.Errorf("%w: point %d has dimension %d, collection %s expects %d",
				ErrServerRejected, i, len(p.Vector), collection, cfg.VectorSize)
		}
		md, err := encodeStringMetadata(p.Payload)
		if err != nil {
			return fmt.Errorf("%w: point %d: %v", ErrInvalidArgument, i, err)
		}

		// chromem normalizes the vector in place.
		vec := make([]float32, len(p.Vector))
		copy(vec, p.Vector)

		err = c.AddDocument(ctx, chromem.Document{
			ID:        p.ID,
			Content:   p.Content,
			Metadata:  md,
			Embedding: vec,
		})
		if err != nil {
			return fmt.Errorf("%w: adding point %s to %s: %v", ErrServerRejected, p.ID, collection, err)
		}
	}
	return nil
}

func (s *MemoryStore) Search(ctx context.Context, collection string, vector []float32, topK int, filter Filter) ([]SearchResult, error) {
	if err := validateSearch(collection, vector, topK); err != nil {
		return nil, err
	}

	c, cfg, err := s.collection(collection)
	if err != nil {
		return nil, err
	}
	if len(vector) != cfg.VectorSize {
		return nil, fmt.Errorf("%w: query has dimension %d, collection %s expects %d",
			ErrServerRejected, len(vector), collection, cfg.VectorSize)
	}

	where, err := whereFilter(filter)
	if err != nil {
		return nil, err
	}

	// chromem requires nResults <= document count
	count := c.Count()
	if count == 0 {
		return []SearchResult{}, nil
	}
	if topK > count {
		topK = count
	}

	query := make([]float32, len(vector))
	copy(query, vector)

	found, err := c.QueryEmbedding(ctx, query, topK, where, nil)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("searching %s: %w: %w", collection, ErrConnectionFailure, ctx.Err())
		}
		return nil, fmt.Errorf("%w: searching %s: %v", ErrServerRejected, collection, err)
	}

	results := make([]SearchResult, 0, len(found))
	for _, r := range found {
		results = append(results, SearchResult{
			ID:       r.ID,
			Content:  r.Content,
			Metadata: decodeStringMetadata(r.Metadata),
			Score:    r.Similarity,
		})
	}
	return results, nil
}

func (s *MemoryStore) DeleteCollection(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.configs[name]; !ok {
		return fmt.Errorf("deleting collection %s: %w", name, ErrCollectionNotFound)
	}
	if err := s.db.DeleteCollection(name); err != nil {
		return fmt.Errorf("%w: deleting collection %s: %v", ErrServerRejected, name, err)
	}
	delete(s.configs, name)
	return nil
}

func (s *MemoryStore) Close() error { return nil }

func encodeStringMetadata(md document.Metadata) (map[string]string, error) {
	normalized, err := md.Normalize()
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(map[string]any(normalized))
	if err != nil {
		return nil, err
	}

	out := make(map[string]string, len(normalized)+1)
	for k, v := range normalized {
		out[k] = formatScalar(v)
	}
	out[payloadKey] = string(raw)
	return out, nil
}

func decodeStringMetadata(md map[string]string) document.Metadata {
	raw, ok := md[payloadKey]
	if !ok {
		out := make(document.Metadata, len(md))
		for k, v := range md {
			out[k] = v
		}
		return out
	}

	var typed map[string]any
	if err := json.Unmarshal([]byte(raw), &typed); err != nil {
		return document.Metadata{}
	}
	out := make(document.Metadata, len(typed))
	for k, v := range typed {
		if f, ok := v.(float64); ok && isIntegral(f) {
			out[k] = int64(f)
			continue
		}
		out[k] = v
	}
	return out
}

func whereFilter(f Filter) (map[string]string, error) {
	if len(f) == 0 {
		return nil, nil
	}
	normalized, err := document.Metadata(f).Normalize()
	if err != nil {
		return nil, fmt.Errorf("%w: filter: %v", ErrInvalidArgument, err)
	}
	where := make(map[string]string, len(normalized))
	for k, v := range normalized {
		where[k] = formatScalar(v)
	}
	return where, nil
}

// formatScalar renders integral floats like ints so 3 and 3.0 filter alike.
func formatScalar(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case float64:
		if isIntegral(val) {
			return strconv.FormatInt(int64(val), 10)
		}
		return strconv.FormatFloat(val, 'g', -1, 64)
	default:
		return fmt.Sprint(val)
	}
}

var _ Store = (*MemoryStore)(nil)
