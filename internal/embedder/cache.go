package embedder

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"
)

const (
	// DefaultCacheSize is the default maximum number of cached embeddings.
	DefaultCacheSize = 1024

	// DefaultCacheTTL is how long an embedding stays cached.
	DefaultCacheTTL = 10 * time.Minute

	// DefaultFetchTimeout bounds a shared upstream call.
	DefaultFetchTimeout = 30 * time.Second
)

// CachingEmbedder memoizes embeddings of repeated texts. Entries expire after
// the TTL and the least recently used entry is evicted once the cache is full.
// Concurrent requests for the same uncached text share one upstream call.
type CachingEmbedder struct {
	next         Embedder
	cache        *expirable.LRU[string, []float32]
	group        singleflight.Group
	fetchTimeout time.Duration
}

// CacheOption configures a CachingEmbedder.
type CacheOption func(*CachingEmbedder)

// WithFetchTimeout bounds the upstream call shared by concurrent callers.
func WithFetchTimeout(d time.Duration) CacheOption {
	return func(c *CachingEmbedder) {
		if d > 0 {
			c.fetchTimeout = d
		}
	}
}

// NewCachingEmbedder wraps next. Non-positive size or ttl use the defaults.
func NewCachingEmbedder(next Embedder, size int, ttl time.Duration, opts ...CacheOption) *CachingEmbedder {
	if size <= 0 {
		size = DefaultCacheSize
	}
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	c := &CachingEmbedder{
		next:         next,
		cache:        expirable.NewLRU[string, []float32](size, nil, ttl),
		fetchTimeout: DefaultFetchTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Embed returns the cached vector for text or fetches it from the wrapped
// embedder. The fetch is detached from any single caller's cancellation, so
// one caller giving up does not fail the others waiting on the same text.
func (c *CachingEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if v, ok := c.cache.Get(text); ok {
		return v, nil
	}

	ch := c.group.DoChan(text, func() (any, error) {
		if v, ok := c.cache.Get(text); ok {
			return v, nil
		}
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.fetchTimeout)
		defer cancel()

		v, err := c.next.Embed(fetchCtx, text)
		if err != nil {
			return nil, err
		}
		c.cache.Add(text, v)
		return v, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]float32), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// EmbedBatch serves cached texts locally and forwards only the misses.
func (c *CachingEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	results := make([][]float32, len(texts))
	var missing []string
	var missingIdx []int

	for i, t := range texts {
		if v, ok := c.cache.Get(t); ok {
			results[i] = v
			continue
		}
		missing = append(missing, t)
		missingIdx = append(missingIdx, i)
	}
	if len(missing) == 0 {
		return results, nil
	}

	vectors, err := c.next.EmbedBatch(ctx, missing)
	if err != nil {
		return nil, err
	}
	for j, v := range vectors {
		results[missingIdx[j]] = v
		c.cache.Add(missing[j], v)
	}
	return results, nil
}

// Len returns the number of cached embeddings.
func (c *CachingEmbedder) Len() int {
	return c.cache.Len()
}

func (c *CachingEmbedder) Dimension() int {
	return c.next.Dimension()
}

func (c *CachingEmbedder) ModelName() string {
	return c.next.ModelName()
}

var _ Embedder = (*CachingEmbedder)(nil)
