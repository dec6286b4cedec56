// Package server exposes the embedding service over HTTP and streams its
// events over a websocket.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/raaihank/bertify/internal/cache"
	"github.com/raaihank/bertify/internal/config"
	"github.com/raaihank/bertify/internal/logger"
	"github.com/raaihank/bertify/internal/service"
	"github.com/raaihank/bertify/internal/vector"
	"github.com/raaihank/bertify/internal/websocket"
)

// Version is reported by /info and set at link time.
var Version = "dev"

const (
	statusInterval  = 30 * time.Second
	visitorIdle     = time.Hour
	cleanupInterval = 10 * time.Minute
)

// SimilarityStore searches stored embeddings
type SimilarityStore interface {
	FindSimilar(ctx context.Context, embedding []float32, options *vector.SearchOptions) ([]*vector.SimilarityResult, error)
}

// CacheReporter exposes cache counters
type CacheReporter interface {
	GetStats(ctx context.Context) *cache.CacheStats
}

// Server represents the HTTP API server
type Server struct {
	config  *config.Config
	logger  *logger.Logger
	service *service.Service
	wsHub   *websocket.Hub
	store   SimilarityStore
	cache   CacheReporter
	limiter *RateLimiter
	router  *mux.Router
	server  *http.Server
}

// Option configures optional backends
type Option func(*Server)

// WithStore enables POST /v1/similar against store
func WithStore(store SimilarityStore) Option {
	return func(s *Server) { s.store = store }
}

// WithCacheStats reports c on /info
func WithCacheStats(c CacheReporter) Option {
	return func(s *Server) { s.cache = c }
}

// NewHub builds the websocket hub described by cfg, or nil when disabled.
func NewHub(cfg *config.Config, log *logger.Logger) *websocket.Hub {
	if !cfg.WebSocket.Enabled {
		return nil
	}
	hc := websocket.DefaultHubConfig()
	ws := cfg.WebSocket
	if ws.MaxConnections > 0 {
		hc.MaxConnections = ws.MaxConnections
	}
	if ws.ReadBufferSize > 0 {
		hc.ReadBufferSize = ws.ReadBufferSize
	}
	if ws.WriteBufferSize > 0 {
		hc.WriteBufferSize = ws.WriteBufferSize
	}
	if ws.PingInterval > 0 {
		hc.PingInterval = ws.PingInterval
	}
	if ws.PongTimeout > 0 {
		hc.PongTimeout = ws.PongTimeout
	}
	if ws.WriteTimeout > 0 {
		hc.WriteTimeout = ws.WriteTimeout
	}
	if ws.MaxMessageSize > 0 {
		hc.MaxMessageSize = ws.MaxMessageSize
	}
	if len(ws.AllowedOrigins) > 0 {
		hc.AllowedOrigins = ws.AllowedOrigins
	}
	hc.AuthEnabled = ws.Auth.Enabled
	hc.Username = ws.Auth.Username
	hc.Password = ws.Auth.Password
	hc.TrustProxyHeaders = cfg.Server.TrustProxyHeaders
	return websocket.NewHub(hc, log.Logger)
}

// New creates a server around svc. hub may be nil.
func New(cfg *config.Config, svc *service.Service, hub *websocket.Hub, log *logger.Logger, opts ...Option) *Server {
	s := &Server{
		config:  cfg,
		logger:  log.WithComponent("server"),
		service: svc,
		wsHub:   hub,
		limiter: NewRateLimiter(cfg.RateLimit.Enabled, cfg.RateLimit.RequestsPerMinute, cfg.RateLimit.Burst),
		router:  mux.NewRouter(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      s.router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	return s
}

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() {
	s.router.Use(s.loggingMiddleware)
	s.router.NotFoundHandler = s.loggingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	}))
	s.router.MethodNotAllowedHandler = s.loggingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}))

	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/info", s.handleInfo).Methods(http.MethodGet)

	if s.wsHub != nil {
		path := s.config.WebSocket.Path
		if path == "" {
			path = "/ws"
		}
		s.router.HandleFunc(path, s.wsHub.HandleWebSocket).Methods(http.MethodGet)
	}

	api := s.router.PathPrefix("/v1").Subrouter()
	api.Use(s.rateLimitMiddleware)
	api.Use(s.bodyLimitMiddleware)
	api.HandleFunc("/embeddings", s.handleEmbeddings).Methods(http.MethodPost)
	if s.store != nil {
		api.HandleFunc("/similar", s.handleSimilar).Methods(http.MethodPost)
	}
}

// Handler returns the routed handler, middleware included
func (s *Server) Handler() http.Handler {
	return s.router
}

// RateLimiter returns the limiter for hot reloads
func (s *Server) RateLimiter() *RateLimiter {
	return s.limiter
}

// Start runs the hub and background loops, then serves until Stop. It
// returns nil after a graceful shutdown.
func (s *Server) Start(ctx context.Context) error {
	emb := s.service.Embedder()
	s.logger.Info("Starting bertify server",
		zap.Int("port", s.config.Server.Port),
		zap.String("language", string(emb.Language())),
		zap.String("pooling", string(emb.Pooling())),
		zap.Int("dims", emb.Dimensions()),
		zap.Bool("rate_limit", s.limiter.Enabled()),
		zap.Bool("websocket", s.wsHub != nil),
		zap.Bool("similarity_search", s.store != nil),
	)

	if s.wsHub != nil {
		go s.wsHub.Run(ctx)
		go s.broadcastStatus(ctx, statusInterval)
	}
	go s.cleanupLoop(ctx)

	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop gracefully stops the HTTP server
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping bertify server")
	return s.server.Shutdown(ctx)
}

func (s *Server) broadcastStatus(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.wsHub.BroadcastEvent(websocket.Event{
				Type:      websocket.EventTypeSystemStatus,
				Timestamp: time.Now(),
				Data:      s.service.Status(s.wsHub.ClientCount()),
			})
		}
	}
}

func (s *Server) cleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.limiter.CleanupOldVisitors(visitorIdle); n > 0 {
				s.logger.Debug("Dropped idle rate limit entries", zap.Int("count", n))
			}
		}
	}
}
