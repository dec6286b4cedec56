package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/raaihank/bertify/internal/cache"
	"github.com/raaihank/bertify/internal/embeddings"
	"github.com/raaihank/bertify/internal/service"
	"github.com/raaihank/bertify/internal/vector"
	"github.com/raaihank/bertify/internal/websocket"
)

// EmbeddingsRequest is the body of POST /v1/embeddings
type EmbeddingsRequest struct {
	Texts []string `json:"texts"`
}

// EmbeddingsResponse holds one row per requested text, in request order
type EmbeddingsResponse struct {
	Language     string      `json:"language"`
	Pooling      string      `json:"pooling"`
	Rows         int         `json:"rows"`
	Dims         int         `json:"dims"`
	Embeddings   [][]float32 `json:"embeddings"`
	CacheHits    int         `json:"cache_hits"`
	ProcessingMS float64     `json:"processing_ms"`
}

const (
	defaultSimilarLimit = 5
	maxSimilarLimit     = 100
)

// SimilarRequest is the body of POST /v1/similar
type SimilarRequest struct {
	Text          string  `json:"text"`
	Limit         int     `json:"limit"`
	MinSimilarity float32 `json:"min_similarity"`
}

// SimilarMatch is one stored text near the query
type SimilarMatch struct {
	ID         int64   `json:"id"`
	Text       string  `json:"text"`
	Similarity float32 `json:"similarity"`
}

// SimilarResponse lists matches by descending similarity
type SimilarResponse struct {
	Language string         `json:"language"`
	Pooling  string         `json:"pooling"`
	Results  []SimilarMatch `json:"results"`
}

// InfoResponse describes the loaded model and runtime counters
type InfoResponse struct {
	Name       string                 `json:"name"`
	Version    string                 `json:"version"`
	Language   string                 `json:"language"`
	Pooling    string                 `json:"pooling"`
	Checkpoint string                 `json:"checkpoint"`
	Device     string                 `json:"device"`
	Dims       int                    `json:"dims"`
	Uptime     string                 `json:"uptime"`
	Model      *embeddings.ModelStats `json:"model"`
	Service    service.Stats          `json:"service"`
	WebSocket  *websocket.HubStats    `json:"websocket,omitempty"`
	Cache      *cache.CacheStats      `json:"cache,omitempty"`
}

// ErrorResponse is the body of every non-2xx response
type ErrorResponse struct {
	Error string `json:"error"`
}

// handleEmbeddings embeds the posted texts
func (s *Server) handleEmbeddings(w http.ResponseWriter, r *http.Request) {
	log := s.logger.WithRequestID(getRequestID(r.Context()))

	var req EmbeddingsRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Texts == nil {
		writeError(w, http.StatusBadRequest, "texts is required")
		return
	}
	if limit := s.config.Server.MaxTexts; limit > 0 && len(req.Texts) > limit {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("too many texts: %d > %d", len(req.Texts), limit))
		return
	}

	result, err := s.service.Embed(r.Context(), "http", req.Texts)
	if err != nil {
		status := statusFor(err)
		if status >= http.StatusInternalServerError {
			log.Error("Embedding request failed", zap.Int("texts", len(req.Texts)), zap.Error(err))
		} else {
			log.Warn("Embedding request rejected", zap.Int("texts", len(req.Texts)), zap.Error(err))
		}
		writeError(w, status, err.Error())
		return
	}

	emb := s.service.Embedder()
	m := result.Matrix

	writeJSON(w, http.StatusOK, EmbeddingsResponse{
		Language:     string(emb.Language()),
		Pooling:      string(emb.Pooling()),
		Rows:         m.Rows,
		Dims:         m.Cols,
		Embeddings:   m.ToSlices(),
		CacheHits:    result.CacheHits,
		ProcessingMS: float64(result.Duration.Microseconds()) / 1000,
	})
}

// handleSimilar embeds the query text and returns the closest stored rows
// of the same language, pooling and masking.
func (s *Server) handleSimilar(w http.ResponseWriter, r *http.Request) {
	log := s.logger.WithRequestID(getRequestID(r.Context()))

	var req SimilarRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}
	if req.Limit <= 0 {
		req.Limit = defaultSimilarLimit
	}
	if req.Limit > maxSimilarLimit {
		req.Limit = maxSimilarLimit
	}

	result, err := s.service.Embed(r.Context(), "http", []string{req.Text})
	if err != nil {
		log.Error("Query embedding failed", zap.Error(err))
		writeError(w, statusFor(err), err.Error())
		return
	}

	emb := s.service.Embedder()
	opts := &vector.SearchOptions{
		Limit:         req.Limit,
		MinSimilarity: req.MinSimilarity,
		Language:      string(emb.Language()),
		Pooling:       string(emb.Pooling()),
		Masking:       string(emb.Masking()),
	}
	found, err := s.store.FindSimilar(r.Context(), result.Matrix.Row(0), opts)
	if err != nil {
		log.Error("Similarity search failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "similarity search failed")
		return
	}

	resp := SimilarResponse{
		Language: opts.Language,
		Pooling:  opts.Pooling,
		Results:  make([]SimilarMatch, 0, len(found)),
	}
	for _, f := range found {
		resp.Results = append(resp.Results, SimilarMatch{
			ID:         f.Record.ID,
			Text:       f.Record.Text,
			Similarity: f.Similarity,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleHealth handles health check requests
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "healthy",
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

// handleInfo handles info requests
func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	emb := s.service.Embedder()
	stats := emb.Stats()

	info := InfoResponse{
		Name:       "bertify",
		Version:    Version,
		Language:   string(emb.Language()),
		Pooling:    string(emb.Pooling()),
		Checkpoint: stats.Checkpoint,
		Device:     string(stats.Device),
		Dims:       emb.Dimensions(),
		Uptime:     s.service.Uptime().Round(time.Second).String(),
		Model:      stats,
		Service:    s.service.Stats(),
	}
	if s.wsHub != nil {
		hs := s.wsHub.GetStats()
		info.WebSocket = &hs
	}
	if s.cache != nil {
		info.Cache = s.cache.GetStats(r.Context())
	}
	writeJSON(w, http.StatusOK, info)
}

// statusFor maps service errors onto HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, embeddings.ErrInvalidConfiguration):
		return http.StatusBadRequest
	case errors.Is(err, embeddings.ErrEmbedderClosed),
		errors.Is(err, embeddings.ErrBackendUnavailable),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// decodeBody reads a JSON body into v, writing the error response on failure.
func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("request body exceeds %d bytes", maxErr.Limit))
			return false
		}
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}
