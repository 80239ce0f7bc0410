package vectorstore

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/qdrant/go-client/qdrant"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/knoguchi/medrag/internal/document"
)

// fakeQdrant records requests and returns canned responses.
type fakeQdrant struct {
	mu          sync.Mutex
	collections map[string]*qdrant.VectorParams
	creates     int
	upserts     []*qdrant.UpsertPoints
	queries     []*qdrant.QueryPoints
	queryResult []*qdrant.ScoredPoint
	queryErr    error
	createErr   error
	healthErr   error
	closed      bool
}

func newFakeQdrant() *fakeQdrant {
	return &fakeQdrant{collections: make(map[string]*qdrant.VectorParams)}
}

func (f *fakeQdrant) HealthCheck(context.Context) (*qdrant.HealthCheckReply, error) {
	if f.healthErr != nil {
		return nil, f.healthErr
	}
	return &qdrant.HealthCheckReply{Title: "qdrant"}, nil
}

func (f *fakeQdrant) CollectionExists(_ context.Context, name string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.collections[name]
	return ok, nil
}

func (f *fakeQdrant) GetCollectionInfo(_ context.Context, name string) (*qdrant.CollectionInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	params, ok := f.collections[name]
	if !ok {
		return nil, status.Error(codes.NotFound, "collection not found")
	}
	return &qdrant.CollectionInfo{
		Config: &qdrant.CollectionConfig{
			Params: &qdrant.CollectionParams{VectorsConfig: qdrant.NewVectorsConfig(params)},
		},
	}, nil
}

func (f *fakeQdrant) CreateCollection(_ context.Context, req *qdrant.CreateCollection) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return f.createErr
	}
	f.creates++
	f.collections[req.GetCollectionName()] = req.GetVectorsConfig().GetParams()
	return nil
}

func (f *fakeQdrant) ListCollections(context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	names := make([]string, 0, len(f.collections))
	for name := range f.collections {
		names = append(names, name)
	}
	return names, nil
}

func (f *fakeQdrant) DeleteCollection(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.collections, name)
	return nil
}

func (f *fakeQdrant) Upsert(_ context.Context, req *qdrant.UpsertPoints) (*qdrant.UpdateResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.collections[req.GetCollectionName()]; !ok {
		return nil, status.Error(codes.NotFound, "Collection doesn't exist")
	}
	f.upserts = append(f.upserts, req)
	return &qdrant.UpdateResult{}, nil
}

func (f *fakeQdrant) Query(_ context.Context, req *qdrant.QueryPoints) ([]*qdrant.ScoredPoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, req)
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	return f.queryResult, nil
}

func (f *fakeQdrant) Close() error {
	f.closed = true
	return nil
}

func TestQdrantStore_EnsureCollection(t *testing.T) {
	ctx := context.Background()
	fake := newFakeQdrant()
	s := newQdrantStore(fake, QdrantConfig{})
	cfg := CollectionConfig{Name: "medical_document_summaries", VectorSize: 4096, Distance: Cosine}

	require.NoError(t, s.EnsureCollection(ctx, cfg))
	require.NoError(t, s.EnsureCollection(ctx, cfg))
	assert.Equal(t, 1, fake.creates)

	params := fake.collections[cfg.Name]
	require.NotNil(t, params)
	assert.Equal(t, uint64(4096), params.GetSize())
	assert.Equal(t, qdrant.Distance_Cosine, params.GetDistance())

	// Different parameters on an existing collection are accepted unless strict.
	require.NoError(t, s.EnsureCollection(ctx, CollectionConfig{Name: cfg.Name, VectorSize: 8, Distance: DotProduct}))
}

func TestQdrantStore_EnsureCollectionStrict(t *testing.T) {
	ctx := context.Background()
	fake := newFakeQdrant()
	fake.collections["c"] = &qdrant.VectorParams{Size: 8, Distance: qdrant.Distance_Dot}
	s := newQdrantStore(fake, QdrantConfig{Strict: true})

	err := s.EnsureCollection(ctx, CollectionConfig{Name: "c", VectorSize: 4, Distance: Cosine})
	assert.ErrorIs(t, err, ErrSchemaMismatch)

	require.NoError(t, s.EnsureCollection(ctx, CollectionConfig{Name: "c", VectorSize: 8, Distance: DotProduct}))
	assert.Equal(t, 0, fake.creates)
}

func TestQdrantStore_EnsureCollectionCreateError(t *testing.T) {
	fake := newFakeQdrant()
	fake.createErr = status.Error(codes.InvalidArgument, "bad size")
	s := newQdrantStore(fake, QdrantConfig{})

	err := s.EnsureCollection(context.Background(), CollectionConfig{Name: "c", VectorSize: 4, Distance: Cosine})
	assert.ErrorIs(t, err, ErrServerRejected)
}

func TestQdrantStore_Upsert(t *testing.T) {
	ctx := context.Background()
	fake := newFakeQdrant()
	s := newQdrantStore(fake, QdrantConfig{})
	require.NoError(t, s.EnsureCollection(ctx, CollectionConfig{Name: "c", VectorSize: 3, Distance: Cosine}))

	doc := document.Document{Content: "mass in right lung", Metadata: document.Metadata{"file_stem": "r1", "page": 4}}
	p, err := NewPoint(doc, []float32{0.1, 0.2, 0.3})
	require.NoError(t, err)
	require.NoError(t, s.Upsert(ctx, "c", []Point{p}))

	require.Len(t, fake.upserts, 1)
	req := fake.upserts[0]
	assert.True(t, req.GetWait())
	require.Len(t, req.GetPoints(), 1)

	point := req.GetPoints()[0]
	assert.Equal(t, p.ID, fromPointID(point.GetId()))
	assert.Equal(t, "mass in right lung", point.GetPayload()[contentKey].GetStringValue())
	assert.Equal(t, "r1", point.GetPayload()["file_stem"].GetStringValue())
	assert.Equal(t, int64(4), point.GetPayload()["page"].GetIntegerValue())

	err = s.Upsert(ctx, "missing", []Point{p})
	assert.ErrorIs(t, err, ErrCollectionNotFound)

	err = s.Upsert(ctx, "c", []Point{{ID: "not-a-uuid", Vector: []float32{1}}})
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestQdrantStore_Search(t *testing.T) {
	ctx := context.Background()
	fake := newFakeQdrant()
	id := document.MustDeriveID("chunk", nil)
	pid, err := toPointID(id)
	require.NoError(t, err)

	fake.queryResult = []*qdrant.ScoredPoint{
		{
			Id:    pid,
			Score: 0.93,
			Payload: map[string]*qdrant.Value{
				contentKey:  qdrant.NewValueString("chunk"),
				"file_stem": qdrant.NewValueString("r1"),
			},
		},
	}
	s := newQdrantStore(fake, QdrantConfig{})

	results, err := s.Search(ctx, "c", []float32{1, 2, 3}, 7, Filter{"file_stem": "r1"})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, id, results[0].ID)
	assert.Equal(t, "chunk", results[0].Content)
	assert.Equal(t, float32(0.93), results[0].Score)
	assert.Equal(t, document.Metadata{"file_stem": "r1"}, results[0].Metadata)

	require.Len(t, fake.queries, 1)
	q := fake.queries[0]
	assert.Equal(t, "c", q.GetCollectionName())
	assert.Equal(t, uint64(7), q.GetLimit())
	require.NotNil(t, q.GetFilter())
	assert.Len(t, q.GetFilter().GetMust(), 1)
}

func TestQdrantStore_SearchErrorMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{name: "not found", err: status.Error(codes.NotFound, "no collection"), want: ErrCollectionNotFound},
		{name: "invalid argument", err: status.Error(codes.InvalidArgument, "wrong dim"), want: ErrServerRejected},
		{name: "unavailable", err: status.Error(codes.Unavailable, "down"), want: ErrConnectionFailure},
		{name: "internal", err: status.Error(codes.Internal, "segment corrupted"), want: ErrConnectionFailure},
		{name: "unauthenticated", err: status.Error(codes.Unauthenticated, "bad api key"), want: ErrUnauthorized},
		{name: "permission denied", err: status.Error(codes.PermissionDenied, "read only key"), want: ErrUnauthorized},
		{name: "deadline", err: status.Error(codes.DeadlineExceeded, "slow"), want: context.DeadlineExceeded},
		{name: "plain error", err: errors.New("dial tcp: refused"), want: ErrConnectionFailure},
		{name: "context canceled", err: context.Canceled, want: context.Canceled},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := newFakeQdrant()
			fake.queryErr = tt.err
			s := newQdrantStore(fake, QdrantConfig{})

			_, err := s.Search(context.Background(), "c", []float32{1}, 1, nil)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestQdrantStore_DeleteCollection(t *testing.T) {
	ctx := context.Background()
	fake := newFakeQdrant()
	fake.collections["c"] = &qdrant.VectorParams{Size: 3, Distance: qdrant.Distance_Cosine}
	s := newQdrantStore(fake, QdrantConfig{})

	require.NoError(t, s.DeleteCollection(ctx, "c"))
	assert.ErrorIs(t, s.DeleteCollection(ctx, "c"), ErrCollectionNotFound)
}

func TestQdrantStore_PingAndClose(t *testing.T) {
	fake := newFakeQdrant()
	s := newQdrantStore(fake, QdrantConfig{})
	require.NoError(t, s.Ping(context.Background()))

	fake.healthErr = status.Error(codes.Unavailable, "down")
	assert.ErrorIs(t, s.Ping(context.Background()), ErrConnectionFailure)

	require.NoError(t, s.Close())
	assert.True(t, fake.closed)
}
