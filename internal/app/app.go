// Package app wires configuration into the embedder, cache and store used
// by the commands.
package app

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/raaihank/bertify/internal/cache"
	"github.com/raaihank/bertify/internal/config"
	"github.com/raaihank/bertify/internal/embeddings"
	"github.com/raaihank/bertify/internal/logger"
	"github.com/raaihank/bertify/internal/modelhub"
	"github.com/raaihank/bertify/internal/vector"
)

// NewLogger builds the process logger from the logging section
func NewLogger(cfg *config.Config) (*logger.Logger, error) {
	lc := logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	}
	if cfg.Logging.File.Enabled {
		lc.File = &logger.FileConfig{Enabled: true, Path: cfg.Logging.File.Path}
	}
	return logger.New(lc)
}

// HubConfig converts the hub section
func HubConfig(cfg *config.Config) modelhub.Config {
	return modelhub.Config{
		BaseURL:       cfg.Hub.BaseURL,
		CacheDir:      cfg.Hub.CacheDir,
		Revision:      cfg.Hub.Revision,
		ModelFile:     cfg.Hub.ModelFile,
		TokenizerFile: cfg.Hub.TokenizerFile,
		AutoDownload:  cfg.Hub.AutoDownload,
		Token:         cfg.Hub.Token,
		Timeout:       cfg.Hub.Timeout,
	}
}

// EmbedderOptions translates the embedder section into constructor options.
// provider may be nil, in which case files come from the model hub.
func EmbedderOptions(cfg *config.Config, provider embeddings.Provider, log *zap.Logger) []embeddings.Option {
	if provider == nil {
		hub := modelhub.New(HubConfig(cfg), log)
		provider = embeddings.NewHubProvider(hub, embeddings.ModelConfig{
			ModelPath:     cfg.Embedder.ModelPath,
			TokenizerPath: cfg.Embedder.TokenizerPath,
		}, log)
	}
	opts := []embeddings.Option{
		embeddings.WithProvider(provider),
		embeddings.WithLogger(log),
		embeddings.WithBatchSize(cfg.Embedder.BatchSize),
		embeddings.WithDevice(embeddings.Device(cfg.Embedder.Device)),
	}
	if cfg.Embedder.UnmaskedMean {
		opts = append(opts, embeddings.WithUnmaskedMean())
	}
	return opts
}

// NewEmbedder loads the checkpoint selected by cfg
func NewEmbedder(ctx context.Context, cfg *config.Config, provider embeddings.Provider, log *zap.Logger) (*embeddings.Embedder, error) {
	return embeddings.New(ctx, embeddings.Language(cfg.Embedder.Language), cfg.Embedder.LastFourLayers,
		EmbedderOptions(cfg, provider, log)...)
}

// NewCache connects the Redis cache namespaced to emb, or returns nil when
// caching is disabled.
func NewCache(cfg *config.Config, emb embeddings.TextEmbedder, log *zap.Logger) (*cache.EmbeddingCache, error) {
	return newCache(cfg, cache.Namespace{
		Language: string(emb.Language()),
		Pooling:  string(emb.Pooling()),
		Masking:  string(emb.Masking()),
	}, emb.Dimensions(), log)
}

// NewConfiguredCache connects the cache namespace of the embedder cfg
// describes without loading the model.
func NewConfiguredCache(cfg *config.Config, log *zap.Logger) (*cache.EmbeddingCache, error) {
	lang, err := embeddings.ParseLanguage(cfg.Embedder.Language)
	if err != nil {
		return nil, err
	}
	cp, err := embeddings.ResolveCheckpoint(lang)
	if err != nil {
		return nil, err
	}
	lastFour := cfg.Embedder.LastFourLayers
	dims := cp.HiddenSize
	if lastFour {
		dims *= 4
	}
	return newCache(cfg, cache.Namespace{
		Language: string(lang),
		Pooling:  string(embeddings.PoolingFor(lastFour)),
		Masking:  string(embeddings.MaskingFor(cfg.Embedder.UnmaskedMean)),
	}, dims, log)
}

func newCache(cfg *config.Config, ns cache.Namespace, dims int, log *zap.Logger) (*cache.EmbeddingCache, error) {
	if !cfg.Cache.Enabled {
		return nil, nil
	}
	c, err := cache.NewEmbeddingCache(&cache.Config{
		RedisURL:  cfg.Cache.RedisURL,
		PoolSize:  cfg.Cache.PoolSize,
		TTL:       cfg.Cache.TTL,
		KeyPrefix: cfg.Cache.Prefix,
	}, ns, dims, log)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize embedding cache: %w", err)
	}
	return c, nil
}

// NewStore connects the vector store, or returns nil when it is disabled.
func NewStore(cfg *config.Config, log *zap.Logger) (*vector.Store, error) {
	if !cfg.Store.Enabled {
		return nil, nil
	}
	s, err := vector.NewStore(&vector.Config{
		DatabaseURL:  cfg.Store.DatabaseURL,
		MaxOpenConns: cfg.Store.MaxConnections,
		MaxIdleConns: cfg.Store.MaxConnections / 2,
		BatchSize:    cfg.Store.BatchSize,
	}, log)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize vector store: %w", err)
	}
	return s, nil
}
