package service

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/raaihank/bertify/internal/embeddings"
	"github.com/raaihank/bertify/internal/embeddings/embeddingstest"
	"github.com/raaihank/bertify/internal/websocket"
)

type mapCache struct {
	mu      sync.Mutex
	data    map[string][]float32
	setErr  error
	lookups int
}

func newMapCache() *mapCache { return &mapCache{data: map[string][]float32{}} }

func (c *mapCache) GetMany(ctx context.Context, texts []string) map[int][]float32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lookups++
	hits := map[int][]float32{}
	for i, t := range texts {
		if v, ok := c.data[t]; ok {
			hits[i] = v
		}
	}
	return hits
}

func (c *mapCache) SetMany(ctx context.Context, texts []string, vectors [][]float32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.setErr != nil {
		return c.setErr
	}
	for i, t := range texts {
		c.data[t] = vectors[i]
	}
	return nil
}

type recordingSink struct {
	mu     sync.Mutex
	events []websocket.Event
}

func (r *recordingSink) BroadcastEvent(e websocket.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recordingSink) types() []websocket.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]websocket.EventType, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}

func newEmbedder(t *testing.T, p *embeddingstest.Provider, opts ...embeddings.Option) *embeddings.Embedder {
	t.Helper()
	opts = append([]embeddings.Option{embeddings.WithProvider(p)}, opts...)
	e, err := embeddings.New(context.Background(), embeddings.English, false, opts...)
	require.NoError(t, err)
	return e
}

func TestEmbedWithoutCache(t *testing.T) {
	p := embeddingstest.NewProvider()
	emb := newEmbedder(t, p)
	svc := New(emb, zap.NewNop())

	res, err := svc.Embed(context.Background(), "test", []string{"a", "b"})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Matrix.Rows)
	assert.Equal(t, 8, res.Matrix.Cols)
	assert.Zero(t, res.CacheHits)
}

func TestEmbedReassemblesCachedRows(t *testing.T) {
	p := embeddingstest.NewProvider()
	emb := newEmbedder(t, p)
	cache := newMapCache()
	svc := New(emb, zap.NewNop(), WithCache(cache))
	ctx := context.Background()

	direct, err := emb.Embed(ctx, []string{"alpha", "beta gamma", "delta"})
	require.NoError(t, err)

	_, err = svc.Embed(ctx, "test", []string{"beta gamma"})
	require.NoError(t, err)
	require.Contains(t, cache.data, "beta gamma")

	before := len(p.Encoder.CallShapes())
	res, err := svc.Embed(ctx, "test", []string{"alpha", "beta gamma", "delta"})
	require.NoError(t, err)
	assert.Equal(t, 1, res.CacheHits)

	for i := 0; i < 3; i++ {
		assert.InDeltaSlice(t, direct.Row(i), res.Matrix.Row(i), 1e-6, "row %d", i)
	}

	calls := p.Encoder.CallShapes()[before:]
	require.Len(t, calls, 1)
	assert.Equal(t, 2, calls[0].Size, "only misses reach the encoder")
}

func TestEmbedAllCachedSkipsEncoder(t *testing.T) {
	p := embeddingstest.NewProvider()
	emb := newEmbedder(t, p)
	cache := newMapCache()
	svc := New(emb, zap.NewNop(), WithCache(cache))
	ctx := context.Background()

	_, err := svc.Embed(ctx, "test", []string{"x", "y"})
	require.NoError(t, err)
	before := len(p.Encoder.CallShapes())

	res, err := svc.Embed(ctx, "test", []string{"y", "x"})
	require.NoError(t, err)
	assert.Equal(t, 2, res.CacheHits)
	assert.Len(t, p.Encoder.CallShapes(), before)
}

func TestEmbedIgnoresWrongWidthHits(t *testing.T) {
	p := embeddingstest.NewProvider()
	emb := newEmbedder(t, p)
	cache := newMapCache()
	cache.data["stale"] = []float32{1, 2}
	svc := New(emb, zap.NewNop(), WithCache(cache))

	res, err := svc.Embed(context.Background(), "test", []string{"stale"})
	require.NoError(t, err)
	assert.Zero(t, res.CacheHits)
	assert.Len(t, cache.data["stale"], 8)
}

func TestUnmaskedEmbedderBypassesSharedCache(t *testing.T) {
	ctx := context.Background()
	texts := []string{"a", "a considerably longer text that pads its neighbour"}
	cache := newMapCache()

	masked := New(newEmbedder(t, embeddingstest.NewProvider()), zap.NewNop(), WithCache(cache))
	_, err := masked.Embed(ctx, "test", texts)
	require.NoError(t, err)
	require.Len(t, cache.data, 2)

	direct, err := newEmbedder(t, embeddingstest.NewProvider(), embeddings.WithUnmaskedMean()).Embed(ctx, texts)
	require.NoError(t, err)

	lookups := cache.lookups
	unmasked := New(newEmbedder(t, embeddingstest.NewProvider(), embeddings.WithUnmaskedMean()), zap.NewNop(), WithCache(cache))
	res, err := unmasked.Embed(ctx, "test", texts)
	require.NoError(t, err)
	assert.Zero(t, res.CacheHits)
	assert.Equal(t, lookups, cache.lookups, "unmasked calls must not read the cache")
	for i := range texts {
		assert.InDeltaSlice(t, direct.Row(i), res.Matrix.Row(i), 1e-6, "row %d", i)
	}

	maskedRow := cache.data["a"]
	assert.NotEqual(t, maskedRow, res.Matrix.Row(0), "masked and unmasked rows differ once padded")
}

func TestEmbedCacheWriteFailureIsNotFatal(t *testing.T) {
	cache := newMapCache()
	cache.setErr = errors.New("redis down")
	svc := New(newEmbedder(t, embeddingstest.NewProvider()), zap.NewNop(), WithCache(cache))

	res, err := svc.Embed(context.Background(), "test", []string{"a"})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Matrix.Rows)
}

func TestEmbedEvents(t *testing.T) {
	t.Run("Success", func(t *testing.T) {
		sink := &recordingSink{}
		emb := newEmbedder(t, embeddingstest.NewProvider(), embeddings.WithBatchSize(1))
		svc := New(emb, zap.NewNop(), WithEvents(sink))

		_, err := svc.Embed(context.Background(), "http", []string{"a", "b"})
		require.NoError(t, err)
		assert.Equal(t, []websocket.EventType{
			websocket.EventTypeEmbeddingStarted,
			websocket.EventTypeEmbeddingProgress,
			websocket.EventTypeEmbeddingProgress,
			websocket.EventTypeEmbeddingCompleted,
		}, sink.types())

		started := sink.events[0].Data.(websocket.EmbeddingStartedEvent)
		assert.Equal(t, "http", started.Source)
		last := sink.events[2].Data.(websocket.EmbeddingProgressEvent)
		assert.Equal(t, 2, last.Done)
		assert.Equal(t, 2, last.Total)
	})

	t.Run("Failure", func(t *testing.T) {
		sink := &recordingSink{}
		p := embeddingstest.NewProvider()
		p.Encoder.FailAt = 1
		svc := New(newEmbedder(t, p), zap.NewNop(), WithEvents(sink))

		res, err := svc.Embed(context.Background(), "http", []string{"a"})
		assert.Nil(t, res)
		assert.ErrorIs(t, err, embeddings.ErrInferenceFailure)
		assert.Equal(t, []websocket.EventType{
			websocket.EventTypeEmbeddingStarted,
			websocket.EventTypeEmbeddingFailed,
		}, sink.types())
		assert.Equal(t, int64(1), svc.Stats().Failures)
	})
}

func TestEmbedEmptyInput(t *testing.T) {
	cache := newMapCache()
	svc := New(newEmbedder(t, embeddingstest.NewProvider()), zap.NewNop(), WithCache(cache))

	res, err := svc.Embed(context.Background(), "test", nil)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Matrix.Rows)
	assert.Equal(t, 8, res.Matrix.Cols)
	assert.Zero(t, cache.lookups)
}

func TestConcurrentCallsAreSerialized(t *testing.T) {
	p := embeddingstest.NewProvider()
	svc := New(newEmbedder(t, p), zap.NewNop())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := svc.Embed(context.Background(), "test", []string{"one", "two three"})
			assert.NoError(t, err)
			assert.Equal(t, 2, res.Matrix.Rows)
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(8), svc.Stats().Requests)
	assert.Equal(t, int64(16), svc.Stats().Texts)
}
