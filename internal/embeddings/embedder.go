// Package embeddings extracts fixed-length text embeddings from a pretrained
// BERT-style encoder: per-batch dynamic padding, one forward pass per batch,
// and mean pooling over the last layer or the concatenated last four layers.
package embeddings

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/raaihank/bertify/internal/modelhub"
)

// Embedder owns one tokenizer/encoder pair for its whole lifetime.
// Embed is not safe for concurrent use; callers serialize.
type Embedder struct {
	language   Language
	checkpoint Checkpoint
	pooler     pooler
	batchSize  int
	dim        int
	tokenizer  Tokenizer
	encoder    Encoder
	progress   ProgressFunc
	logger     *zap.Logger
	stats      *ModelStats
	mu         sync.RWMutex
	closed     bool
}

type options struct {
	provider       Provider
	logger         *zap.Logger
	batchSize      int
	device         Device
	includePadding bool
	progress       ProgressFunc
}

// Option configures New
type Option func(*options)

// WithProvider sets where the tokenizer and encoder come from.
func WithProvider(p Provider) Option {
	return func(o *options) { o.provider = p }
}

// WithLogger sets the logger
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithBatchSize overrides DefaultBatchSize. Non-positive values keep the default.
func WithBatchSize(n int) Option {
	return func(o *options) { o.batchSize = n }
}

// WithDevice sets the device preference
func WithDevice(d Device) Option {
	return func(o *options) { o.device = d }
}

// WithUnmaskedMean runs the encoder without masking padding and averages
// over padding positions too, so an embedding depends on its batch
// neighbours. Results are kept apart from masked ones in caches and stores.
func WithUnmaskedMean() Option {
	return func(o *options) { o.includePadding = true }
}

// WithProgress registers a per-batch progress callback
func WithProgress(fn ProgressFunc) Option {
	return func(o *options) { o.progress = fn }
}

// New validates the language, then loads the checkpoint's tokenizer and
// encoder. An unsupported language fails with ErrInvalidConfiguration before
// anything is loaded. Provider errors are returned as they are.
func New(ctx context.Context, lang Language, lastFourLayers bool, opts ...Option) (*Embedder, error) {
	language, err := ParseLanguage(string(lang))
	if err != nil {
		return nil, err
	}
	cp := checkpoints[language]

	o := &options{batchSize: DefaultBatchSize, device: DeviceAuto}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	if o.batchSize <= 0 {
		o.batchSize = DefaultBatchSize
	}
	device, err := ParseDevice(string(o.device))
	if err != nil {
		return nil, err
	}
	if o.provider == nil {
		o.provider = NewHubProvider(modelhub.New(modelhub.DefaultConfig(), o.logger), ModelConfig{}, o.logger)
	}

	start := time.Now()
	logger := o.logger.With(zap.String("component", "embedder"))
	pool := pooler{lastFour: lastFourLayers, includePadding: o.includePadding}

	tok, err := o.provider.LoadTokenizer(ctx, cp)
	if err != nil {
		logger.Error("Failed to load tokenizer", zap.String("checkpoint", cp.ID), zap.Error(err))
		return nil, err
	}
	enc, err := o.provider.LoadEncoder(ctx, cp, device)
	if err != nil {
		logger.Error("Failed to load encoder", zap.String("checkpoint", cp.ID), zap.Error(err))
		return nil, err
	}

	if need := len(pool.layerIndices()); enc.NumLayers() < need {
		_ = enc.Close()
		return nil, fmt.Errorf("%w: %s exposes %d hidden layers, %s pooling needs %d; "+
			"export the model with hidden_states.* outputs (see configs/README.md)",
			ErrInvalidConfiguration, cp.ID, enc.NumLayers(), PoolingFor(lastFourLayers), need)
	}

	dim := enc.HiddenSize()
	if dim <= 0 {
		dim = cp.HiddenSize
	}

	e := &Embedder{
		language:   language,
		checkpoint: cp,
		pooler:     pool,
		batchSize:  o.batchSize,
		dim:        dim,
		tokenizer:  tok,
		encoder:    enc,
		progress:   o.progress,
		logger:     logger,
		stats: &ModelStats{
			Checkpoint:    cp.ID,
			Device:        enc.Device(),
			Pooling:       PoolingFor(lastFourLayers),
			Masking:       MaskingFor(o.includePadding),
			ModelLoadTime: time.Since(start),
			StartTime:     start,
		},
	}

	logger.Info("Embedder initialized",
		zap.String("language", string(language)),
		zap.String("checkpoint", cp.ID),
		zap.String("device", string(enc.Device())),
		zap.String("pooling", string(PoolingFor(lastFourLayers))),
		zap.String("masking", string(MaskingFor(o.includePadding))),
		zap.Int("batch_size", e.batchSize),
		zap.Int("embedding_dims", e.Dimensions()),
		zap.Duration("load_time", e.stats.ModelLoadTime))

	return e, nil
}

// Language returns the language the embedder was built for
func (e *Embedder) Language() Language { return e.language }

// Checkpoint returns the resolved checkpoint
func (e *Embedder) Checkpoint() Checkpoint { return e.checkpoint }

// LastFourLayers reports the pooling mode
func (e *Embedder) LastFourLayers() bool { return e.pooler.lastFour }

// Pooling returns the pooling mode name
func (e *Embedder) Pooling() PoolingMode { return PoolingFor(e.pooler.lastFour) }

// Masking returns how padding is treated
func (e *Embedder) Masking() Masking { return MaskingFor(e.pooler.includePadding) }

// Device returns where the encoder runs
func (e *Embedder) Device() Device { return e.encoder.Device() }

// BatchSize returns the number of texts per forward pass
func (e *Embedder) BatchSize() int { return e.batchSize }

// Dimensions is the embedding width: the hidden size, or four times it.
func (e *Embedder) Dimensions() int { return e.pooler.width(e.dim) }

// Embed returns one row per text, in input order.
func (e *Embedder) Embed(ctx context.Context, texts []string) (*Matrix, error) {
	return e.EmbedWithProgress(ctx, texts, e.progress)
}

// EmbedWithProgress is Embed with a per-call progress callback.
func (e *Embedder) EmbedWithProgress(ctx context.Context, texts []string, progress ProgressFunc) (*Matrix, error) {
	e.mu.RLock()
	closed := e.closed
	e.mu.RUnlock()
	if closed {
		return nil, ErrEmbedderClosed
	}

	if len(texts) == 0 {
		return NewMatrix(0, e.Dimensions()), nil
	}

	start := time.Now()
	m, tokens, truncated, batches, err := e.embed(ctx, texts, progress)
	duration := time.Since(start)
	e.updateStats(len(texts), batches, tokens, truncated, duration, err == nil)
	if err != nil {
		e.logger.Error("Embedding failed", zap.Int("texts", len(texts)), zap.Error(err))
		return nil, err
	}

	e.logger.Debug("Embedding completed",
		zap.Int("texts", len(texts)),
		zap.Int("batches", batches),
		zap.Int("tokens", tokens),
		zap.Duration("duration", duration))
	return m, nil
}

func (e *Embedder) embed(ctx context.Context, texts []string, progress ProgressFunc) (*Matrix, int, int, int, error) {
	inputs, err := tokenize(e.tokenizer, texts)
	if err != nil {
		return nil, 0, 0, 0, fmt.Errorf("%w: %w", ErrInferenceFailure, err)
	}
	truncated := 0
	for _, in := range inputs {
		if in.Truncated {
			truncated++
		}
	}

	batches := buildBatches(inputs, e.batchSize, e.tokenizer.PadID())
	parts := make([]*Matrix, 0, len(batches))
	tokens := 0
	done := 0
	for i, batch := range batches {
		if err := ctx.Err(); err != nil {
			return nil, tokens, truncated, i, err
		}

		batch.AttendPadding = e.pooler.includePadding
		states, err := e.encoder.Forward(ctx, batch)
		if err != nil {
			return nil, tokens, truncated, i, fmt.Errorf("%w: batch %d (texts %d-%d): %w",
				ErrInferenceFailure, i, batch.Offset, batch.Offset+batch.Size-1, err)
		}
		if states.Dim != e.dim {
			return nil, tokens, truncated, i, fmt.Errorf("%w: batch %d: hidden size %d, expected %d",
				ErrInferenceFailure, i, states.Dim, e.dim)
		}

		pooled, err := e.pooler.pool(states, batch.AttentionMask)
		if err != nil {
			return nil, tokens, truncated, i, fmt.Errorf("%w: batch %d: %w", ErrInferenceFailure, i, err)
		}
		parts = append(parts, pooled)

		tokens += batch.Tokens
		done += batch.Size
		if progress != nil {
			progress(done, len(texts))
		}
	}

	m, err := ConcatRows(e.Dimensions(), parts...)
	if err != nil {
		return nil, tokens, truncated, len(batches), fmt.Errorf("%w: %w", ErrInferenceFailure, err)
	}
	return m, tokens, truncated, len(batches), nil
}

// Stats returns a snapshot of the embedder statistics
func (e *Embedder) Stats() *ModelStats {
	e.mu.RLock()
	defer e.mu.RUnlock()

	stats := *e.stats
	return &stats
}

// updateStats updates embedder statistics thread-safely
func (e *Embedder) updateStats(texts, batches, tokens, truncated int, duration time.Duration, success bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.stats.TotalCalls++
	e.stats.LastCallTime = time.Now()
	if !success {
		e.stats.FailedCalls++
	} else {
		prevBatches := e.stats.TotalBatches
		e.stats.TotalTexts += int64(texts)
		e.stats.TotalBatches += int64(batches)
		e.stats.TotalTokens += int64(tokens)
		e.stats.TruncatedTexts += int64(truncated)

		if e.stats.TotalBatches > 0 {
			total := time.Duration(prevBatches)*e.stats.AvgBatchTime + duration
			e.stats.AvgBatchTime = total / time.Duration(e.stats.TotalBatches)
		}
		if e.stats.TotalTexts > 0 {
			e.stats.AvgTokensPerText = float64(e.stats.TotalTokens) / float64(e.stats.TotalTexts)
		}
	}
	e.stats.ErrorRate = float64(e.stats.FailedCalls) / float64(e.stats.TotalCalls)
}

// Close releases the encoder. The embedder is unusable afterwards.
func (e *Embedder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	e.logger.Info("Closing embedder", zap.String("checkpoint", e.checkpoint.ID))
	return e.encoder.Close()
}
