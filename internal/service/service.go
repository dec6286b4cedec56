// Package service fronts an embeddings.TextEmbedder with a read-through
// cache, call serialization and event publishing.
package service

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/raaihank/bertify/internal/embeddings"
	"github.com/raaihank/bertify/internal/websocket"
)

// Cache stores embeddings by text. GetMany returns hits keyed by input index.
type Cache interface {
	GetMany(ctx context.Context, texts []string) map[int][]float32
	SetMany(ctx context.Context, texts []string, vectors [][]float32) error
}

// EventSink receives progress events
type EventSink interface {
	BroadcastEvent(event websocket.Event)
}

// Result is one embedding call's output
type Result struct {
	Matrix    *embeddings.Matrix
	CacheHits int
	Duration  time.Duration
}

// Stats tracks service level counters
type Stats struct {
	Requests  int64 `json:"requests"`
	Texts     int64 `json:"texts"`
	CacheHits int64 `json:"cache_hits"`
	Failures  int64 `json:"failures"`
}

// Service serializes access to one embedder.
type Service struct {
	embedder embeddings.TextEmbedder
	cache    Cache
	events   EventSink
	logger   *zap.Logger

	mu      sync.Mutex
	statsMu sync.RWMutex
	stats   Stats
	started time.Time
}

// Option configures a Service
type Option func(*Service)

// WithCache enables read-through caching. It is ignored for unmasked
// embedders, whose rows depend on the rest of the batch.
func WithCache(c Cache) Option {
	return func(s *Service) { s.cache = c }
}

// WithEvents publishes call lifecycle events to sink
func WithEvents(sink EventSink) Option {
	return func(s *Service) { s.events = sink }
}

// New creates a service around embedder
func New(embedder embeddings.TextEmbedder, logger *zap.Logger, opts ...Option) *Service {
	s := &Service{
		embedder: embedder,
		logger:   logger.With(zap.String("component", "service")),
		started:  time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.cache != nil && embedder.Masking() == embeddings.MaskingNone {
		s.logger.Warn("Caching disabled: unmasked embeddings depend on batch composition")
		s.cache = nil
	}
	return s
}

// Embed returns one row per text in input order. Cached rows are reused and
// only the remaining texts reach the embedder, in a single call. source
// labels the caller in events.
func (s *Service) Embed(ctx context.Context, source string, texts []string) (*Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := time.Now()
	dims := s.embedder.Dimensions()
	lang := string(s.embedder.Language())
	pooling := string(s.embedder.Pooling())

	if len(texts) == 0 {
		return &Result{Matrix: embeddings.NewMatrix(0, dims)}, nil
	}

	hits := s.lookup(ctx, texts, dims)
	missIdx := make([]int, 0, len(texts)-len(hits))
	missTexts := make([]string, 0, len(texts)-len(hits))
	for i, text := range texts {
		if _, ok := hits[i]; !ok {
			missIdx = append(missIdx, i)
			missTexts = append(missTexts, text)
		}
	}

	s.publish(websocket.EventTypeEmbeddingStarted, websocket.EmbeddingStartedEvent{
		Source:    source,
		Language:  lang,
		Pooling:   pooling,
		Texts:     len(texts),
		CacheHits: len(hits),
	})

	out := embeddings.NewMatrix(len(texts), dims)
	for i, v := range hits {
		copy(out.Row(i), v)
	}

	if len(missTexts) > 0 {
		progress := func(done, total int) {
			s.publish(websocket.EventTypeEmbeddingProgress, websocket.EmbeddingProgressEvent{
				Done:  len(hits) + done,
				Total: len(texts),
			})
		}

		m, err := s.embedder.EmbedWithProgress(ctx, missTexts, progress)
		if err != nil {
			s.record(len(texts), 0, false)
			s.publish(websocket.EventTypeEmbeddingFailed, websocket.EmbeddingFailedEvent{
				Language: lang,
				Texts:    len(texts),
				Error:    err.Error(),
			})
			return nil, err
		}

		for j, i := range missIdx {
			copy(out.Row(i), m.Row(j))
		}

		if s.cache != nil {
			if err := s.cache.SetMany(ctx, missTexts, m.ToSlices()); err != nil {
				s.logger.Warn("Failed to cache embeddings", zap.Int("texts", len(missTexts)), zap.Error(err))
			}
		}
	}

	duration := time.Since(start)
	s.record(len(texts), len(hits), true)
	s.publish(websocket.EventTypeEmbeddingCompleted, websocket.EmbeddingCompletedEvent{
		Language:     lang,
		Pooling:      pooling,
		Rows:         out.Rows,
		Dims:         out.Cols,
		CacheHits:    len(hits),
		ProcessingMS: float64(duration.Microseconds()) / 1000,
	})

	s.logger.Debug("Embedding request served",
		zap.String("source", source),
		zap.Int("texts", len(texts)),
		zap.Int("cache_hits", len(hits)),
		zap.Duration("duration", duration))

	return &Result{Matrix: out, CacheHits: len(hits), Duration: duration}, nil
}

// lookup returns cache hits whose width matches dims
func (s *Service) lookup(ctx context.Context, texts []string, dims int) map[int][]float32 {
	if s.cache == nil {
		return map[int][]float32{}
	}
	hits := s.cache.GetMany(ctx, texts)
	for i, v := range hits {
		if len(v) != dims {
			delete(hits, i)
		}
	}
	return hits
}

func (s *Service) publish(t websocket.EventType, data interface{}) {
	if s.events == nil {
		return
	}
	s.events.BroadcastEvent(websocket.Event{Type: t, Timestamp: time.Now(), Data: data})
}

func (s *Service) record(texts, hits int, ok bool) {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	s.stats.Requests++
	if !ok {
		s.stats.Failures++
		return
	}
	s.stats.Texts += int64(texts)
	s.stats.CacheHits += int64(hits)
}

// Stats returns a snapshot of the service counters
func (s *Service) Stats() Stats {
	s.statsMu.RLock()
	defer s.statsMu.RUnlock()
	return s.stats
}

// Embedder exposes the wrapped embedder for metadata queries
func (s *Service) Embedder() embeddings.TextEmbedder { return s.embedder }

// Uptime is the time since New
func (s *Service) Uptime() time.Duration { return time.Since(s.started) }

// Status builds a system status event payload
func (s *Service) Status(clients int) websocket.SystemStatusEvent {
	stats := s.embedder.Stats()
	return websocket.SystemStatusEvent{
		Status:           "running",
		Uptime:           s.Uptime().Round(time.Second).String(),
		Checkpoint:       stats.Checkpoint,
		Device:           string(stats.Device),
		TotalCalls:       stats.TotalCalls,
		TotalTexts:       stats.TotalTexts,
		ConnectedClients: clients,
	}
}

// Close waits for the in-flight call, then closes the embedder.
func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.embedder.Close()
}
