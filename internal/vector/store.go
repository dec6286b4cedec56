// Package vector persists text embeddings in PostgreSQL with pgvector.
package vector

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/pgvector/pgvector-go"
	"go.uber.org/zap"
)

const (
	tableName = "text_embeddings"
	indexName = "idx_text_embeddings_embedding"
	// ivfflat indexes are limited to 2000 dimensions
	maxIndexedDims = 2000
	// minIndexRows is the row count below which an ivfflat index does not pay off
	minIndexRows = 1000
	// columns bound per inserted row
	insertColumns = 7
)

// Store handles vector storage operations with PostgreSQL + pgvector
type Store struct {
	db        *sqlx.DB
	batchSize int
	logger    *zap.Logger
}

// Config contains database configuration
type Config struct {
	DatabaseURL     string        `yaml:"database_url" mapstructure:"database_url"`
	MaxOpenConns    int           `yaml:"max_open_conns" mapstructure:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns" mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" mapstructure:"conn_max_lifetime"`
	BatchSize       int           `yaml:"batch_size" mapstructure:"batch_size"`
}

// NewStore connects to PostgreSQL and checks the connection.
func NewStore(config *Config, logger *zap.Logger) (*Store, error) {
	db, err := sqlx.Connect("postgres", config.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)

	batchSize := config.BatchSize
	if batchSize <= 0 {
		batchSize = 500
	}

	store := &Store{
		db:        db,
		batchSize: batchSize,
		logger:    logger.With(zap.String("component", "vector_store")),
	}

	logger.Info("Vector store connected",
		zap.String("database_url", maskDatabaseURL(config.DatabaseURL)),
		zap.Int("max_open_conns", config.MaxOpenConns))

	return store, nil
}

// EnsureSchema creates the pgvector extension and the embeddings table for
// vectors of the given width.
func (s *Store) EnsureSchema(ctx context.Context, dims int) error {
	if dims <= 0 {
		return fmt.Errorf("invalid embedding dimensions: %d", dims)
	}

	statements := []string{
		"CREATE EXTENSION IF NOT EXISTS vector",
		fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id BIGSERIAL PRIMARY KEY,
			text TEXT NOT NULL,
			text_hash CHAR(64) NOT NULL,
			language VARCHAR(8) NOT NULL,
			pooling VARCHAR(32) NOT NULL,
			masking VARCHAR(16) NOT NULL,
			dims INTEGER NOT NULL,
			embedding vector(%d) NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE (text_hash, language, pooling, masking)
		)`, tableName, dims),
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to ensure schema: %w", err)
		}
	}

	s.logger.Info("Schema ready", zap.String("table", tableName), zap.Int("dims", dims))
	return nil
}

// BatchInsert stores records in chunks, skipping texts already stored for
// the same language, pooling and masking.
func (s *Store) BatchInsert(ctx context.Context, records []*Record) (*BatchInsertResult, error) {
	result := &BatchInsertResult{}
	if len(records) == 0 {
		return result, nil
	}
	start := time.Now()

	for offset := 0; offset < len(records); offset += s.batchSize {
		end := offset + s.batchSize
		if end > len(records) {
			end = len(records)
		}
		chunk := records[offset:end]

		args := make([]interface{}, 0, len(chunk)*insertColumns)
		for _, r := range chunk {
			if r.TextHash == "" {
				r.TextHash = TextHash(r.Text)
			}
			if r.Dims == 0 {
				r.Dims = len(r.Embedding)
			}
			args = append(args, r.Text, r.TextHash, r.Language, r.Pooling, r.Masking, r.Dims, pgvector.NewVector(r.Embedding))
		}

		res, err := s.db.ExecContext(ctx, buildInsertQuery(len(chunk)), args...)
		if err != nil {
			s.logger.Error("Batch insert failed", zap.Int("offset", offset), zap.Error(err))
			return result, fmt.Errorf("batch insert failed at record %d: %w", offset, err)
		}

		inserted, err := res.RowsAffected()
		if err != nil {
			s.logger.Warn("Could not get rows affected", zap.Error(err))
			inserted = int64(len(chunk))
		}
		result.Inserted += inserted
		result.Duplicates += int64(len(chunk)) - inserted
	}

	result.Duration = time.Since(start)
	s.logger.Info("Batch insert completed",
		zap.Int64("inserted", result.Inserted),
		zap.Int64("duplicates_skipped", result.Duplicates),
		zap.Duration("duration", result.Duration))

	return result, nil
}

// FindSimilar returns the stored records closest to embedding by cosine distance.
func (s *Store) FindSimilar(ctx context.Context, embedding []float32, options *SearchOptions) ([]*SimilarityResult, error) {
	if options == nil {
		options = &SearchOptions{Limit: 5}
	}
	if options.Limit <= 0 {
		options.Limit = 5
	}

	query, args := buildSearchQuery(pgvector.NewVector(embedding), options)

	start := time.Now()
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		s.logger.Error("Similarity search failed", zap.Error(err))
		return nil, fmt.Errorf("similarity search failed: %w", err)
	}
	defer rows.Close()

	var results []*SimilarityResult
	for rows.Next() {
		var result SimilarityResult
		var record Record
		var vec pgvector.Vector

		if err := rows.Scan(
			&record.ID,
			&record.Text,
			&record.TextHash,
			&record.Language,
			&record.Pooling,
			&record.Masking,
			&record.Dims,
			&vec,
			&record.CreatedAt,
			&result.Similarity,
			&result.Distance,
		); err != nil {
			return nil, fmt.Errorf("failed to scan similarity result: %w", err)
		}

		record.Embedding = vec.Slice()
		result.Record = &record
		results = append(results, &result)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("similarity search failed: %w", err)
	}

	s.logger.Debug("Similarity search completed",
		zap.Int("results", len(results)),
		zap.Duration("duration", time.Since(start)))

	return results, nil
}

// GetStats returns row counts per language and whether the index exists
func (s *Store) GetStats(ctx context.Context) (*VectorStats, error) {
	stats := &VectorStats{ByLanguage: make(map[string]int64)}

	var rows []struct {
		Language string `db:"language"`
		Count    int64  `db:"count"`
	}
	query := fmt.Sprintf("SELECT language, COUNT(*) AS count FROM %s GROUP BY language", tableName)
	if err := s.db.SelectContext(ctx, &rows, query); err != nil {
		return nil, fmt.Errorf("failed to get vector stats: %w", err)
	}
	for _, r := range rows {
		stats.ByLanguage[r.Language] = r.Count
		stats.TotalVectors += r.Count
	}

	if err := s.db.GetContext(ctx, &stats.Indexed,
		"SELECT EXISTS(SELECT 1 FROM pg_indexes WHERE indexname = $1)", indexName); err != nil {
		s.logger.Warn("Failed to check index", zap.Error(err))
	}

	return stats, nil
}

// CreateIndex builds the ivfflat cosine index once the table is large
// enough. Vectors wider than ivfflat supports are left unindexed.
func (s *Store) CreateIndex(ctx context.Context, dims int) error {
	if !indexSupported(dims) {
		s.logger.Info("Skipping index creation, dimensions exceed ivfflat limit",
			zap.Int("dims", dims), zap.Int("limit", maxIndexedDims))
		return nil
	}

	var count int64
	if err := s.db.GetContext(ctx, &count, fmt.Sprintf("SELECT COUNT(*) FROM %s", tableName)); err != nil {
		return fmt.Errorf("failed to count vectors: %w", err)
	}
	if count < minIndexRows {
		s.logger.Info("Skipping index creation, not enough vectors", zap.Int64("count", count))
		return nil
	}

	s.logger.Info("Creating vector similarity index", zap.Int64("vector_count", count))

	query := fmt.Sprintf(`
		CREATE INDEX CONCURRENTLY IF NOT EXISTS %s
		ON %s USING ivfflat (embedding vector_cosine_ops)
		WITH (lists = %d)`, indexName, tableName, indexLists(count))

	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to create vector index: %w", err)
	}

	s.logger.Info("Vector similarity index created")
	return nil
}

// Close closes the database connection
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// TextHash is the hex SHA-256 of text, used for deduplication
func TextHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

func indexSupported(dims int) bool {
	return dims > 0 && dims <= maxIndexedDims
}

// indexLists follows the pgvector guidance of rows/1000, kept within [10, 1000].
func indexLists(rows int64) int64 {
	lists := rows / 1000
	if lists < 10 {
		lists = 10
	}
	if lists > 1000 {
		lists = 1000
	}
	return lists
}

func buildInsertQuery(rows int) string {
	values := make([]string, rows)
	for i := range values {
		p := i * insertColumns
		values[i] = fmt.Sprintf("($%d, $%d, $%d, $%d, $%d, $%d, $%d)", p+1, p+2, p+3, p+4, p+5, p+6, p+7)
	}
	return fmt.Sprintf(`
		INSERT INTO %s (text, text_hash, language, pooling, masking, dims, embedding)
		VALUES %s
		ON CONFLICT (text_hash, language, pooling, masking) DO NOTHING`,
		tableName, strings.Join(values, ","))
}

func buildSearchQuery(vec pgvector.Vector, options *SearchOptions) (string, []interface{}) {
	where := []string{"(1 - (embedding <=> $1)) >= $2"}
	args := []interface{}{vec, options.MinSimilarity}

	if options.Language != "" {
		args = append(args, options.Language)
		where = append(where, fmt.Sprintf("language = $%d", len(args)))
	}
	if options.Pooling != "" {
		args = append(args, options.Pooling)
		where = append(where, fmt.Sprintf("pooling = $%d", len(args)))
	}
	if options.Masking != "" {
		args = append(args, options.Masking)
		where = append(where, fmt.Sprintf("masking = $%d", len(args)))
	}
	args = append(args, options.Limit)

	query := fmt.Sprintf(`
		SELECT
			id, text, text_hash, language, pooling, masking, dims, embedding, created_at,
			(1 - (embedding <=> $1)) AS similarity,
			(embedding <=> $1) AS distance
		FROM %s
		WHERE %s
		ORDER BY embedding <=> $1
		LIMIT $%d`, tableName, strings.Join(where, " AND "), len(args))

	return query, args
}

// maskDatabaseURL masks the password in a database URL for logging
func maskDatabaseURL(url string) string {
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
