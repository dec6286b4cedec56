package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// EmbeddingCache stores text embeddings in Redis, keyed by a hash of the text.
type EmbeddingCache struct {
	client *redis.Client
	config *Config
	ns     Namespace
	dims   int
	logger *zap.Logger
	stats  cacheStats
}

// cacheStats tracks cache performance metrics
type cacheStats struct {
	hits   int64
	misses int64
	errors int64
	writes int64
}

// NewEmbeddingCache connects to Redis and verifies the connection.
func NewEmbeddingCache(config *Config, ns Namespace, dims int, logger *zap.Logger) (*EmbeddingCache, error) {
	c, err := newEmbeddingCache(config, ns, dims, logger)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.client.Ping(ctx).Err(); err != nil {
		_ = c.client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger.Info("Embedding cache initialized",
		zap.String("redis_url", maskRedisURL(config.RedisURL)),
		zap.String("language", ns.Language),
		zap.String("pooling", ns.Pooling),
		zap.Duration("ttl", config.TTL))

	return c, nil
}

func newEmbeddingCache(config *Config, ns Namespace, dims int, logger *zap.Logger) (*EmbeddingCache, error) {
	opts, err := redis.ParseURL(config.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	if config.PoolSize > 0 {
		opts.PoolSize = config.PoolSize
	}
	opts.MinIdleConns = config.MinIdleConns
	if config.DialTimeout > 0 {
		opts.DialTimeout = config.DialTimeout
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = "bertify"
	}

	return &EmbeddingCache{
		client: redis.NewClient(opts),
		config: config,
		ns:     ns,
		dims:   dims,
		logger: logger.With(zap.String("component", "cache")),
	}, nil
}

// Key returns the Redis key for text in this cache's namespace
func (c *EmbeddingCache) Key(text string) string {
	return generateKey(c.config.KeyPrefix, c.ns, text)
}

// GetMany looks up every text in one pipeline. The result maps input index
// to cached vector; absent indices are misses. Redis failures are logged
// and reported as misses.
func (c *EmbeddingCache) GetMany(ctx context.Context, texts []string) map[int][]float32 {
	hits := make(map[int][]float32)
	if len(texts) == 0 {
		return hits
	}

	pipe := c.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(texts))
	for i, text := range texts {
		cmds[i] = pipe.Get(ctx, c.Key(text))
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		atomic.AddInt64(&c.stats.errors, 1)
		atomic.AddInt64(&c.stats.misses, int64(len(texts)))
		c.logger.Warn("Cache lookup failed, treating as misses", zap.Int("texts", len(texts)), zap.Error(err))
		return hits
	}

	var corrupted []string
	for i, cmd := range cmds {
		data, err := cmd.Bytes()
		if err != nil {
			continue
		}
		v, err := decodeVector(data, c.dims)
		if err != nil {
			corrupted = append(corrupted, c.Key(texts[i]))
			continue
		}
		hits[i] = v
	}
	if len(corrupted) > 0 {
		c.logger.Warn("Dropping corrupted cache entries", zap.Int("count", len(corrupted)))
		c.client.Del(ctx, corrupted...)
	}

	atomic.AddInt64(&c.stats.hits, int64(len(hits)))
	atomic.AddInt64(&c.stats.misses, int64(len(texts)-len(hits)))
	c.logger.Debug("Cache lookup", zap.Int("texts", len(texts)), zap.Int("hits", len(hits)))
	return hits
}

// SetMany stores vectors[i] under texts[i] using one pipeline.
func (c *EmbeddingCache) SetMany(ctx context.Context, texts []string, vectors [][]float32) error {
	if len(texts) != len(vectors) {
		return fmt.Errorf("texts and vectors length mismatch")
	}
	if len(texts) == 0 {
		return nil
	}

	pipe := c.client.Pipeline()
	for i, text := range texts {
		data, err := encodeVector(vectors[i])
		if err != nil {
			return fmt.Errorf("failed to encode vector %d: %w", i, err)
		}
		pipe.Set(ctx, c.Key(text), data, c.config.TTL)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		atomic.AddInt64(&c.stats.errors, 1)
		c.logger.Error("Batch cache write failed", zap.Error(err))
		return fmt.Errorf("batch cache write failed: %w", err)
	}
	atomic.AddInt64(&c.stats.writes, int64(len(texts)))
	return nil
}

// GetStats returns counters plus Redis memory and key counts when reachable.
func (c *EmbeddingCache) GetStats(ctx context.Context) *CacheStats {
	stats := &CacheStats{
		Hits:   atomic.LoadInt64(&c.stats.hits),
		Misses: atomic.LoadInt64(&c.stats.misses),
		Errors: atomic.LoadInt64(&c.stats.errors),
		Writes: atomic.LoadInt64(&c.stats.writes),
	}
	if total := stats.Hits + stats.Misses; total > 0 {
		stats.HitRate = float64(stats.Hits) / float64(total) * 100
	}

	if info, err := c.client.Info(ctx, "memory").Result(); err == nil {
		stats.MemoryUsage = parseUsedMemory(info)
	}
	if keys, err := c.client.DBSize(ctx).Result(); err == nil {
		stats.TotalKeys = keys
	}
	return stats
}

// Clear removes every key in this cache's namespace
func (c *EmbeddingCache) Clear(ctx context.Context) error {
	pattern := namespacePrefix(c.config.KeyPrefix, c.ns) + "*"

	iter := c.client.Scan(ctx, 0, pattern, 0).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("failed to scan cache keys: %w", err)
	}

	batchSize := 100
	for i := 0; i < len(keys); i += batchSize {
		end := i + batchSize
		if end > len(keys) {
			end = len(keys)
		}
		if err := c.client.Del(ctx, keys[i:end]...).Err(); err != nil {
			return fmt.Errorf("failed to delete cache keys: %w", err)
		}
	}

	c.logger.Info("Cache cleared", zap.Int("deleted_keys", len(keys)))
	return nil
}

// Close closes the Redis connection
func (c *EmbeddingCache) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}

func namespacePrefix(prefix string, ns Namespace) string {
	return fmt.Sprintf("%s:emb:%s:%s:%s:", prefix, ns.Language, ns.Pooling, ns.Masking)
}

// generateKey builds <prefix>:emb:<lang>:<pooling>:<masking>:<sha256(text)[:16]>
func generateKey(prefix string, ns Namespace, text string) string {
	sum := sha256.Sum256([]byte(text))
	return namespacePrefix(prefix, ns) + hex.EncodeToString(sum[:])[:16]
}

func parseUsedMemory(info string) int64 {
	for _, line := range strings.Split(info, "\r\n") {
		if memStr := strings.TrimPrefix(line, "used_memory:"); memStr != line {
			if mem, err := strconv.ParseInt(memStr, 10, 64); err == nil {
				return mem
			}
		}
	}
	return 0
}

// maskRedisURL masks the password in a Redis URL for logging
func maskRedisURL(url string) string {
	if strings.Contains(url, "@") {
		parts := strings.Split(url, "@")
		if len(parts) >= 2 {
			userPart := parts[0]
			if strings.Contains(userPart, ":") {
				userParts := strings.Split(userPart, ":")
				if len(userParts) >= 3 {
					userParts[len(userParts)-1] = "***"
					parts[0] = strings.Join(userParts, ":")
				}
			}
			return strings.Join(parts, "@")
		}
	}
	return url
}
