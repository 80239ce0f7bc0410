package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	// DefaultQdrantPort is the Qdrant gRPC port (not the 6333 REST port).
	DefaultQdrantPort = 6334

	defaultQdrantTimeout  = 15 * time.Second
	defaultMaxMessageSize = 64 * 1024 * 1024
)

// QdrantConfig holds connection settings for the Qdrant gRPC client.
type QdrantConfig struct {
	Host   string
	Port   int
	APIKey string
	UseTLS bool

	// Timeout bounds every individual call. Zero means 15s.
	Timeout time.Duration

	// Strict makes EnsureCollection verify the vector size and distance of an
	// existing collection instead of accepting it as is.
	Strict bool

	// MaxMessageSize caps gRPC send and receive sizes. Zero means 64MB.
	MaxMessageSize int

	Logger *slog.Logger
}

// qdrantAPI is the subset of *qdrant.Client used by QdrantStore.
type qdrantAPI interface {
	HealthCheck(ctx context.Context) (*qdrant.HealthCheckReply, error)
	CollectionExists(ctx context.Context, collectionName string) (bool, error)
	GetCollectionInfo(ctx context.Context, collectionName string) (*qdrant.CollectionInfo, error)
	CreateCollection(ctx context.Context, request *qdrant.CreateCollection) error
	ListCollections(ctx context.Context) ([]string, error)
	DeleteCollection(ctx context.Context, collectionName string) error
	Upsert(ctx context.Context, request *qdrant.UpsertPoints) (*qdrant.UpdateResult, error)
	Query(ctx context.Context, request *qdrant.QueryPoints) ([]*qdrant.ScoredPoint, error)
	Close() error
}

// QdrantStore implements Store using Qdrant. A single store is meant to be
// constructed per process and shared; the underlying gRPC connection is safe
// for concurrent use. Call Close on shutdown.
type QdrantStore struct {
	client  qdrantAPI
	timeout time.Duration
	strict  bool
	logger  *slog.Logger

	// known caches collections confirmed to exist.
	known sync.Map
}

// NewQdrantStore connects to Qdrant and verifies the connection with a health check.
func NewQdrantStore(ctx context.Context, cfg QdrantConfig) (*QdrantStore, error) {
	if cfg.Host == "" {
		cfg.Host = "localhost"
	}
	if cfg.Port == 0 {
		cfg.Port = DefaultQdrantPort
	}
	if cfg.MaxMessageSize == 0 {
		cfg.MaxMessageSize = defaultMaxMessageSize
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.UseTLS,
		GrpcOptions: []grpc.DialOption{
			grpc.WithDefaultCallOptions(
				grpc.MaxCallRecvMsgSize(cfg.MaxMessageSize),
				grpc.MaxCallSendMsgSize(cfg.MaxMessageSize),
			),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: creating qdrant client: %v", ErrConnectionFailure, err)
	}

	s := newQdrantStore(client, cfg)
	if err := s.Ping(ctx); err != nil {
		_ = client.Close()
		return nil, err
	}
	return s, nil
}

func newQdrantStore(client qdrantAPI, cfg QdrantConfig) *QdrantStore {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultQdrantTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &QdrantStore{
		client:  client,
		timeout: timeout,
		strict:  cfg.Strict,
		logger:  logger.With("component", "qdrant"),
	}
}

// Close closes the Qdrant client connection
func (s *QdrantStore) Close() error {
	return s.client.Close()
}

// Ping performs a health check against the server.
func (s *QdrantStore) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if _, err := s.client.HealthCheck(ctx); err != nil {
		return classify("health check", err)
	}
	return nil
}

// EnsureCollection creates the collection if it is absent.
func (s *QdrantStore) EnsureCollection(ctx context.Context, cfg CollectionConfig) error {
	if err := cfg.validate(); err != nil {
		return err
	}
	if _, ok := s.known.Load(cfg.Name); ok && !s.strict {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	exists, err := s.client.CollectionExists(ctx, cfg.Name)
	if err != nil {
		return classify(fmt.Sprintf("checking collection %s", cfg.Name), err)
	}

	if exists {
		if s.strict {
			if err := s.verifySchema(ctx, cfg); err != nil {
				return err
			}
		}
		s.known.Store(cfg.Name, struct{}{})
		return nil
	}

	err = s.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: cfg.Name,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(cfg.VectorSize),
			Distance: toQdrantDistance(cfg.Distance),
		}),
	})
	if err != nil {
		// Another writer may have created it between the check and the create.
		if again, checkErr := s.client.CollectionExists(ctx, cfg.Name); checkErr == nil && again {
			s.known.Store(cfg.Name, struct{}{})
			return nil
		}
		return classify(fmt.Sprintf("creating collection %s", cfg.Name), err)
	}

	s.known.Store(cfg.Name, struct{}{})
	s.logger.Info("created collection",
		"collection", cfg.Name,
		"vector_size", cfg.VectorSize,
		"distance", cfg.Distance.String(),
	)
	return nil
}

func (s *QdrantStore) verifySchema(ctx context.Context, want CollectionConfig) error {
	info, err := s.client.GetCollectionInfo(ctx, want.Name)
	if err != nil {
		return classify(fmt.Sprintf("getting collection info %s", want.Name), err)
	}

	params := info.GetConfig().GetParams().GetVectorsConfig().GetParams()
	if params == nil {
		return fmt.Errorf("%w: collection %s does not use a single unnamed vector", ErrSchemaMismatch, want.Name)
	}
	if int(params.GetSize()) != want.VectorSize || fromQdrantDistance(params.GetDistance()) != want.Distance {
		return fmt.Errorf("%w: collection %s has size=%d distance=%s, requested size=%d distance=%s",
			ErrSchemaMismatch, want.Name,
			params.GetSize(), fromQdrantDistance(params.GetDistance()),
			want.VectorSize, want.Distance)
	}
	return nil
}

// CollectionExists checks if a collection exists
func (s *QdrantStore) CollectionExists(ctx context.Context, name string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	exists, err := s.client.CollectionExists(ctx, name)
	if err != nil {
		return false, classify(fmt.Sprintf("checking collection %s", name), err)
	}
	if exists {
		s.known.Store(name, struct{}{})
	} else {
		s.known.Delete(name)
	}
	return exists, nil
}

// ListCollections returns all collection names.
func (s *QdrantStore) ListCollections(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	names, err := s.client.ListCollections(ctx)
	if err != nil {
		return nil, classify("listing collections", err)
	}
	return names, nil
}

// Upsert inserts or overwrites points in the collection.
func (s *QdrantStore) Upsert(ctx context.Context, collection string, points []Point) error {
	if len(points) == 0 {
		return nil
	}
	if err := validatePoints(points); err != nil {
		return err
	}

	qpoints := make([]*qdrant.PointStruct, len(points))
	for i, p := range points {
		id, err := toPointID(p.ID)
		if err != nil {
			return err
		}
		payload, err := encodePayload(p.Content, p.Payload)
		if err != nil {
			return fmt.Errorf("%w: point %d: %v", ErrInvalidArgument, i, err)
		}
		qpoints[i] = &qdrant.PointStruct{
			Id:      id,
			Vectors: qdrant.NewVectors(p.Vector...),
			Payload: payload,
		}
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: collection,
		Wait:           qdrant.PtrOf(true),
		Points:         qpoints,
	})
	if err != nil {
		return classify(fmt.Sprintf("upserting %d points into %s", len(points), collection), err)
	}
	return nil
}

// Search performs similarity search
func (s *QdrantStore) Search(ctx context.Context, collection string, vector []float32, topK int, filter Filter) ([]SearchResult, error) {
	if err := validateSearch(collection, vector, topK); err != nil {
		return nil, err
	}
	qfilter, err := buildFilter(filter)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	response, err := s.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: collection,
		Query:          qdrant.NewQuery(vector...),
		Limit:          qdrant.PtrOf(uint64(topK)),
		Filter:         qfilter,
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, classify(fmt.Sprintf("searching %s", collection), err)
	}

	results := make([]SearchResult, 0, len(response))
	for _, point := range response {
		content, md := decodePayload(point.GetPayload())
		results = append(results, SearchResult{
			ID:       fromPointID(point.GetId()),
			Content:  content,
			Metadata: md,
			Score:    point.GetScore(),
		})
	}
	return results, nil
}

// DeleteCollection deletes a collection and all its points.
func (s *QdrantStore) DeleteCollection(ctx context.Context, name string) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	exists, err := s.client.CollectionExists(ctx, name)
	if err != nil {
		return classify(fmt.Sprintf("checking collection %s", name), err)
	}
	if !exists {
		s.known.Delete(name)
		return fmt.Errorf("deleting collection %s: %w", name, ErrCollectionNotFound)
	}

	if err := s.client.DeleteCollection(ctx, name); err != nil {
		return classify(fmt.Sprintf("deleting collection %s", name), err)
	}
	s.known.Delete(name)
	s.logger.Info("deleted collection", "collection", name)
	return nil
}

// classify maps a client error onto the store's error taxonomy while keeping
// the original error in the chain.
func classify(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w: %w", op, ErrConnectionFailure, err)
	}

	st, ok := status.FromError(err)
	if !ok {
		return fmt.Errorf("%s: %w: %w", op, ErrConnectionFailure, err)
	}

	switch st.Code() {
	case codes.NotFound:
		return fmt.Errorf("%s: %w: %w", op, ErrCollectionNotFound, err)
	case codes.InvalidArgument, codes.FailedPrecondition, codes.AlreadyExists,
		codes.OutOfRange, codes.Unimplemented:
		return fmt.Errorf("%s: %w: %w", op, ErrServerRejected, err)
	case codes.Unauthenticated, codes.PermissionDenied:
		return fmt.Errorf("%s: %w: %w", op, ErrUnauthorized, err)
	case codes.Canceled:
		return fmt.Errorf("%s: %w: %w", op, ErrConnectionFailure, context.Canceled)
	case codes.DeadlineExceeded:
		return fmt.Errorf("%s: %w: %w", op, ErrConnectionFailure, context.DeadlineExceeded)
	default:
		return fmt.Errorf("%s: %w: %w", op, ErrConnectionFailure, err)
	}
}

// Ensure QdrantStore implements Store
var _ Store = (*QdrantStore)(nil)
