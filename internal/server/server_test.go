package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	gws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/raaihank/bertify/internal/cache"
	"github.com/raaihank/bertify/internal/config"
	"github.com/raaihank/bertify/internal/embeddings"
	"github.com/raaihank/bertify/internal/embeddings/embeddingstest"
	"github.com/raaihank/bertify/internal/logger"
	"github.com/raaihank/bertify/internal/service"
	"github.com/raaihank/bertify/internal/vector"
)

type fakeStore struct {
	query   []float32
	options *vector.SearchOptions
	results []*vector.SimilarityResult
	err     error
}

func (s *fakeStore) FindSimilar(ctx context.Context, embedding []float32, options *vector.SearchOptions) ([]*vector.SimilarityResult, error) {
	s.query = embedding
	s.options = options
	return s.results, s.err
}

type fakeCacheStats struct{}

func (fakeCacheStats) GetStats(ctx context.Context) *cache.CacheStats {
	return &cache.CacheStats{Hits: 3, Misses: 1, HitRate: 0.75}
}

type fixture struct {
	server   *Server
	service  *service.Service
	provider *embeddingstest.Provider
}

func newFixture(t *testing.T, mutate func(*config.Config), opts ...Option) *fixture {
	t.Helper()
	cfg := config.GetDefaults()
	cfg.WebSocket.Enabled = false
	cfg.RateLimit.Enabled = false
	if mutate != nil {
		mutate(cfg)
	}

	p := embeddingstest.NewProvider()
	emb, err := embeddings.New(context.Background(), embeddings.English, false,
		embeddings.WithProvider(p), embeddings.WithLogger(zap.NewNop()))
	require.NoError(t, err)

	hub := NewHub(cfg, logger.NewNop())
	var svcOpts []service.Option
	if hub != nil {
		svcOpts = append(svcOpts, service.WithEvents(hub))
		ctx, cancel := context.WithCancel(context.Background())
		t.Cleanup(cancel)
		go hub.Run(ctx)
	}
	svc := service.New(emb, zap.NewNop(), svcOpts...)
	t.Cleanup(func() { _ = svc.Close() })

	return &fixture{
		server:   New(cfg, svc, hub, logger.NewNop(), opts...),
		service:  svc,
		provider: p,
	}
}

func (f *fixture) do(method, path, body string, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.RemoteAddr = "192.0.2.10:40000"
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestHealth(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(http.MethodGet, "/health", "", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.NotEmpty(t, rec.Header().Get(RequestIDHeader))
	body := decode[map[string]string](t, rec)
	assert.Equal(t, "healthy", body["status"])
}

func TestRequestIDIsEchoed(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(http.MethodGet, "/health", "", http.Header{RequestIDHeader: {"req-42"}})

	assert.Equal(t, "req-42", rec.Header().Get(RequestIDHeader))
}

func TestEmbeddings(t *testing.T) {
	f := newFixture(t, nil)
	texts := []string{"hello world", "the quick brown fox", "x"}

	rec := f.do(http.MethodPost, "/v1/embeddings", `{"texts":["hello world","the quick brown fox","x"]}`, nil)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[EmbeddingsResponse](t, rec)
	assert.Equal(t, "en", resp.Language)
	assert.Equal(t, string(embeddings.PoolingLastLayerMean), resp.Pooling)
	assert.Equal(t, 3, resp.Rows)
	assert.Equal(t, 8, resp.Dims)
	require.Len(t, resp.Embeddings, 3)

	want, err := f.service.Embedder().Embed(context.Background(), texts)
	require.NoError(t, err)
	for i := range texts {
		assert.InDeltaSlice(t, want.Row(i), resp.Embeddings[i], 1e-6, "row %d", i)
	}
}

func TestEmbeddingsEmptyList(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(http.MethodPost, "/v1/embeddings", `{"texts":[]}`, nil)

	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[EmbeddingsResponse](t, rec)
	assert.Equal(t, 0, resp.Rows)
	assert.Equal(t, 8, resp.Dims)
	assert.NotNil(t, resp.Embeddings)
	assert.Empty(t, resp.Embeddings)
}

func TestEmbeddingsRejectsBadRequests(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Config)
		body   string
		status int
		errMsg string
	}{
		{"invalid json", nil, `{"texts":`, http.StatusBadRequest, "invalid JSON body"},
		{"missing texts", nil, `{}`, http.StatusBadRequest, "texts is required"},
		{"too many texts", func(c *config.Config) { c.Server.MaxTexts = 2 }, `{"texts":["a","b","c"]}`, http.StatusBadRequest, "too many texts: 3 > 2"},
		{"body too large", func(c *config.Config) { c.Server.MaxBodyBytes = 16 }, `{"texts":["a long enough body"]}`, http.StatusRequestEntityTooLarge, "exceeds 16 bytes"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, tt.mutate)

			rec := f.do(http.MethodPost, "/v1/embeddings", tt.body, nil)

			assert.Equal(t, tt.status, rec.Code)
			resp := decode[ErrorResponse](t, rec)
			assert.Contains(t, resp.Error, tt.errMsg)
			assert.Zero(t, f.service.Stats().Requests)
		})
	}
}

func TestEmbeddingsInferenceFailure(t *testing.T) {
	f := newFixture(t, nil)
	f.provider.Tokenizer.FailToken = "boom"

	rec := f.do(http.MethodPost, "/v1/embeddings", `{"texts":["fine","boom"]}`, nil)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	resp := decode[ErrorResponse](t, rec)
	assert.NotEmpty(t, resp.Error)
}

func TestEmbeddingsAfterClose(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.service.Close())

	rec := f.do(http.MethodPost, "/v1/embeddings", `{"texts":["a"]}`, nil)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestRateLimit(t *testing.T) {
	f := newFixture(t, func(c *config.Config) {
		c.RateLimit.Enabled = true
		c.RateLimit.RequestsPerMinute = 1
		c.RateLimit.Burst = 2
	})
	body := `{"texts":["a"]}`

	assert.Equal(t, http.StatusOK, f.do(http.MethodPost, "/v1/embeddings", body, nil).Code)
	assert.Equal(t, http.StatusOK, f.do(http.MethodPost, "/v1/embeddings", body, nil).Code)

	rec := f.do(http.MethodPost, "/v1/embeddings", body, nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))
	assert.Equal(t, "rate limit exceeded", decode[ErrorResponse](t, rec).Error)

	spoofed := f.do(http.MethodPost, "/v1/embeddings", body, http.Header{"X-Forwarded-For": {"198.51.100.7"}})
	assert.Equal(t, http.StatusTooManyRequests, spoofed.Code, "forwarding headers are ignored by default")

	// health checks are not limited
	assert.Equal(t, http.StatusOK, f.do(http.MethodGet, "/health", "", nil).Code)

	f.server.RateLimiter().UpdateLimits(false, 1, 1)
	assert.Equal(t, http.StatusOK, f.do(http.MethodPost, "/v1/embeddings", body, nil).Code)
}

func TestRateLimitBehindProxy(t *testing.T) {
	f := newFixture(t, func(c *config.Config) {
		c.RateLimit.Enabled = true
		c.RateLimit.RequestsPerMinute = 1
		c.RateLimit.Burst = 1
		c.Server.TrustProxyHeaders = true
	})
	body := `{"texts":["a"]}`
	client := func(ip string) http.Header { return http.Header{"X-Forwarded-For": {ip + ", 10.0.0.1"}} }

	assert.Equal(t, http.StatusOK, f.do(http.MethodPost, "/v1/embeddings", body, client("203.0.113.5")).Code)
	assert.Equal(t, http.StatusTooManyRequests, f.do(http.MethodPost, "/v1/embeddings", body, client("203.0.113.5")).Code)
	assert.Equal(t, http.StatusOK, f.do(http.MethodPost, "/v1/embeddings", body, client("198.51.100.7")).Code)
}

func TestInfo(t *testing.T) {
	f := newFixture(t, nil)
	require.Equal(t, http.StatusOK, f.do(http.MethodPost, "/v1/embeddings", `{"texts":["a","b"]}`, nil).Code)

	rec := f.do(http.MethodGet, "/info", "", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	info := decode[InfoResponse](t, rec)
	assert.Equal(t, "bertify", info.Name)
	assert.Equal(t, "en", info.Language)
	assert.Equal(t, "bert-base-uncased", info.Checkpoint)
	assert.Equal(t, 8, info.Dims)
	assert.Equal(t, int64(1), info.Service.Requests)
	assert.Equal(t, int64(2), info.Service.Texts)
	require.NotNil(t, info.Model)
	assert.Equal(t, int64(1), info.Model.TotalCalls)
	assert.Nil(t, info.WebSocket)
}

func TestInfoReportsCache(t *testing.T) {
	f := newFixture(t, nil, WithCacheStats(fakeCacheStats{}))

	info := decode[InfoResponse](t, f.do(http.MethodGet, "/info", "", nil))

	require.NotNil(t, info.Cache)
	assert.Equal(t, int64(3), info.Cache.Hits)
	assert.InDelta(t, 0.75, info.Cache.HitRate, 1e-9)
}

func TestSimilar(t *testing.T) {
	store := &fakeStore{results: []*vector.SimilarityResult{
		{Record: &vector.Record{ID: 7, Text: "hello there"}, Similarity: 0.9},
		{Record: &vector.Record{ID: 3, Text: "hi"}, Similarity: 0.4},
	}}
	f := newFixture(t, nil, WithStore(store))

	rec := f.do(http.MethodPost, "/v1/similar", `{"text":"hello world","limit":500,"min_similarity":0.3}`, nil)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[SimilarResponse](t, rec)
	assert.Equal(t, "en", resp.Language)
	require.Len(t, resp.Results, 2)
	assert.Equal(t, int64(7), resp.Results[0].ID)
	assert.Equal(t, "hi", resp.Results[1].Text)

	require.NotNil(t, store.options)
	assert.Equal(t, maxSimilarLimit, store.options.Limit)
	assert.InDelta(t, 0.3, store.options.MinSimilarity, 1e-6)
	assert.Equal(t, string(embeddings.PoolingLastLayerMean), store.options.Pooling)
	assert.Equal(t, string(embeddings.MaskingPadding), store.options.Masking)

	want, err := f.service.Embedder().Embed(context.Background(), []string{"hello world"})
	require.NoError(t, err)
	assert.InDeltaSlice(t, want.Row(0), store.query, 1e-6)
}

func TestSimilarErrors(t *testing.T) {
	t.Run("empty text", func(t *testing.T) {
		f := newFixture(t, nil, WithStore(&fakeStore{}))
		rec := f.do(http.MethodPost, "/v1/similar", `{"text":"  "}`, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("store failure", func(t *testing.T) {
		f := newFixture(t, nil, WithStore(&fakeStore{err: errors.New("connection refused")}))
		rec := f.do(http.MethodPost, "/v1/similar", `{"text":"a"}`, nil)
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		assert.Equal(t, "similarity search failed", decode[ErrorResponse](t, rec).Error)
	})

	t.Run("route absent without store", func(t *testing.T) {
		f := newFixture(t, nil)
		rec := f.do(http.MethodPost, "/v1/similar", `{"text":"a"}`, nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestNotFound(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(http.MethodGet, "/nope", "", nil)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not found", decode[ErrorResponse](t, rec).Error)
}

func TestWebSocketReceivesEmbeddingEvents(t *testing.T) {
	f := newFixture(t, func(c *config.Config) { c.WebSocket.Enabled = true })
	srv := httptest.NewServer(f.server.Handler())
	t.Cleanup(srv.Close)

	conn, _, err := gws.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.Eventually(t, func() bool { return f.server.wsHub.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	resp, err := http.Post(srv.URL+"/v1/embeddings", "application/json", strings.NewReader(`{"texts":["a","b"]}`))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var seen []string
	for len(seen) == 0 || seen[len(seen)-1] != "embedding_completed" {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		var msg map[string]interface{}
		require.NoError(t, conn.ReadJSON(&msg))
		seen = append(seen, fmt.Sprint(msg["type"]))
	}
	assert.Equal(t, "embedding_started", seen[0])
	assert.Contains(t, seen, "embedding_progress")
}

func TestGetClientIP(t *testing.T) {
	tests := []struct {
		name   string
		header http.Header
		remote string
		trust  bool
		want   string
	}{
		{"remote addr", nil, "192.0.2.1:1234", false, "192.0.2.1"},
		{"forwarded chain", http.Header{"X-Forwarded-For": {"203.0.113.5, 10.0.0.1"}}, "10.0.0.1:80", true, "203.0.113.5"},
		{"real ip", http.Header{"X-Real-Ip": {"203.0.113.9"}}, "10.0.0.1:80", true, "203.0.113.9"},
		{"untrusted forwarded", http.Header{"X-Forwarded-For": {"203.0.113.5"}}, "10.0.0.1:80", false, "10.0.0.1"},
		{"untrusted real ip", http.Header{"X-Real-Ip": {"203.0.113.9"}}, "10.0.0.1:80", false, "10.0.0.1"},
		{"no port", nil, "192.0.2.3", false, "192.0.2.3"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.RemoteAddr = tt.remote
			for k, vs := range tt.header {
				for _, v := range vs {
					r.Header.Add(k, v)
				}
			}
			assert.Equal(t, tt.want, getClientIP(r, tt.trust))
		})
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("%w: bad", embeddings.ErrInvalidConfiguration), http.StatusBadRequest},
		{fmt.Errorf("%w: batch 1", embeddings.ErrInferenceFailure), http.StatusInternalServerError},
		{embeddings.ErrEmbedderClosed, http.StatusServiceUnavailable},
		{context.Canceled, http.StatusServiceUnavailable},
		{errors.New("other"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), tt.err.Error())
	}
}
