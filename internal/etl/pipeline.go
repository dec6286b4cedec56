// Package etl embeds text datasets file-to-file, optionally loading the
// results into the vector store.
package etl

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/raaihank/bertify/internal/embeddings"
	"github.com/raaihank/bertify/internal/service"
	"github.com/raaihank/bertify/internal/vector"
)

// Embedder is the part of service.Service the pipeline uses
type Embedder interface {
	Embed(ctx context.Context, source string, texts []string) (*service.Result, error)
	Embedder() embeddings.TextEmbedder
}

// RecordStore persists embedded rows
type RecordStore interface {
	EnsureSchema(ctx context.Context, dims int) error
	BatchInsert(ctx context.Context, records []*vector.Record) (*vector.BatchInsertResult, error)
	CreateIndex(ctx context.Context, dims int) error
}

// Pipeline handles ETL operations for text datasets
type Pipeline struct {
	embedder Embedder
	store    RecordStore
	fs       afero.Fs
	config   *Config
	logger   *zap.Logger
}

// Option configures a Pipeline
type Option func(*Pipeline)

// WithStore also inserts every embedded row into store
func WithStore(store RecordStore) Option {
	return func(p *Pipeline) { p.store = store }
}

// WithFs replaces the filesystem used for input and output
func WithFs(fs afero.Fs) Option {
	return func(p *Pipeline) { p.fs = fs }
}

// NewPipeline creates a new ETL pipeline
func NewPipeline(embedder Embedder, config *Config, logger *zap.Logger, opts ...Option) *Pipeline {
	if config.ChunkSize <= 0 {
		config.ChunkSize = 1000
	}
	if config.TextColumn == "" {
		config.TextColumn = "text"
	}
	p := &Pipeline{
		embedder: embedder,
		fs:       afero.NewOsFs(),
		config:   config,
		logger:   logger.With(zap.String("component", "etl")),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// ProcessFile embeds the text column of inPath and writes one row per
// text to outPath, in input order.
func (p *Pipeline) ProcessFile(ctx context.Context, inPath, outPath string) (*ProcessingResult, error) {
	start := time.Now()
	result := &ProcessingResult{}

	inFormat := DetectFileFormat(inPath)
	outFormat := p.config.OutputFormat
	if outFormat == "" {
		outFormat = DetectFileFormat(outPath)
	}

	p.logger.Info("Starting ETL pipeline",
		zap.String("input", inPath),
		zap.String("input_format", string(inFormat)),
		zap.String("output", outPath),
		zap.String("output_format", string(outFormat)),
		zap.Int("chunk_size", p.config.ChunkSize))

	in, err := p.fs.Open(inPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open input: %w", err)
	}
	defer in.Close()

	var reader textReader
	switch inFormat {
	case FormatCSV:
		reader, err = newCSVReader(in, p.config.TextColumn)
		if err != nil {
			return nil, err
		}
	case FormatJSONL:
		reader = newJSONLReader(in, p.config.TextColumn)
	case FormatParquet:
		pr, err := newParquetReader(in)
		if err != nil {
			return nil, err
		}
		defer pr.Close()
		reader = pr
	}

	out, err := p.fs.Create(outPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create output: %w", err)
	}
	defer out.Close()

	writer, err := newRecordWriter(outFormat, out)
	if err != nil {
		return nil, err
	}

	dims := p.embedder.Embedder().Dimensions()
	if p.store != nil {
		if err := p.store.EnsureSchema(ctx, dims); err != nil {
			return nil, err
		}
	}

	if err := p.processChunks(ctx, reader, writer, result); err != nil {
		_ = writer.Close()
		return result, err
	}
	if err := writer.Close(); err != nil {
		return result, fmt.Errorf("failed to finalize output: %w", err)
	}

	if p.store != nil && p.config.CreateIndex && result.Stored > 0 {
		if err := p.store.CreateIndex(ctx, dims); err != nil {
			p.logger.Warn("Failed to create vector index", zap.Error(err))
		}
	}

	result.Duration = time.Since(start)
	p.logger.Info("ETL pipeline completed",
		zap.Int64("total_records", result.TotalRecords),
		zap.Int64("processed_ok", result.ProcessedOK),
		zap.Int64("processed_failed", result.ProcessedFailed),
		zap.Int64("skipped", result.Skipped),
		zap.Int64("cache_hits", result.CacheHits),
		zap.Int64("stored", result.Stored),
		zap.Duration("total_duration", result.Duration),
		zap.Duration("embedding_time", result.EmbeddingTime))

	return result, nil
}

// processChunks reads, embeds and writes chunk by chunk. A failed chunk is
// recorded and skipped; read and write errors abort.
func (p *Pipeline) processChunks(ctx context.Context, reader textReader, writer recordWriter, result *ProcessingResult) error {
	lastLog := int64(0)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		texts, err := reader.Next(p.config.ChunkSize)
		if err != nil {
			if isEOF(err) {
				return nil
			}
			return err
		}
		result.TotalRecords += int64(len(texts))
		result.Chunks++

		if p.config.SkipEmpty {
			kept := texts[:0]
			for _, t := range texts {
				if strings.TrimSpace(t) != "" {
					kept = append(kept, t)
				}
			}
			result.Skipped += int64(len(texts) - len(kept))
			texts = kept
		}
		if len(texts) == 0 {
			continue
		}

		rows, err := p.processChunk(ctx, texts, result)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.logger.Error("Chunk processing failed", zap.Int64("chunk", result.Chunks), zap.Error(err))
			result.ProcessedFailed += int64(len(texts))
			result.Errors = append(result.Errors, fmt.Sprintf("chunk %d: %v", result.Chunks, err))
			continue
		}

		if err := writer.Write(rows); err != nil {
			return err
		}
		result.ProcessedOK += int64(len(rows))

		if p.config.ProgressLog > 0 && result.TotalRecords-lastLog >= int64(p.config.ProgressLog) {
			lastLog = result.TotalRecords
			p.logger.Info("ETL progress",
				zap.Int64("records", result.TotalRecords),
				zap.Int64("processed_ok", result.ProcessedOK))
		}
	}
}

func (p *Pipeline) processChunk(ctx context.Context, texts []string, result *ProcessingResult) ([]OutputRecord, error) {
	embedStart := time.Now()
	res, err := p.embedder.Embed(ctx, "etl", texts)
	if err != nil {
		return nil, fmt.Errorf("embedding failed: %w", err)
	}
	result.EmbeddingTime += time.Since(embedStart)
	result.CacheHits += int64(res.CacheHits)

	if res.Matrix.Rows != len(texts) {
		return nil, fmt.Errorf("embedding count mismatch: got %d, expected %d", res.Matrix.Rows, len(texts))
	}

	emb := p.embedder.Embedder()
	lang := string(emb.Language())
	pooling := string(emb.Pooling())
	masking := string(emb.Masking())

	rows := make([]OutputRecord, len(texts))
	for i, text := range texts {
		rows[i] = OutputRecord{
			Text:      text,
			Language:  lang,
			Pooling:   pooling,
			Masking:   masking,
			Embedding: res.Matrix.Row(i),
		}
	}

	if p.store != nil {
		records := make([]*vector.Record, len(rows))
		for i, row := range rows {
			records[i] = &vector.Record{
				Text:      row.Text,
				TextHash:  vector.TextHash(row.Text),
				Language:  lang,
				Pooling:   pooling,
				Masking:   masking,
				Dims:      len(row.Embedding),
				Embedding: row.Embedding,
			}
		}
		dbStart := time.Now()
		inserted, err := p.store.BatchInsert(ctx, records)
		if err != nil {
			return nil, fmt.Errorf("database batch insert failed: %w", err)
		}
		result.DatabaseTime += time.Since(dbStart)
		result.Stored += inserted.Inserted
		result.Duplicates += inserted.Duplicates
	}

	return rows, nil
}
