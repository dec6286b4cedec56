package embeddings

import (
	"context"
)

// TextEmbedder is the behaviour wrappers (cache, service, server) rely on
type TextEmbedder interface {
	Embed(ctx context.Context, texts []string) (*Matrix, error)
	EmbedWithProgress(ctx context.Context, texts []string, progress ProgressFunc) (*Matrix, error)
	Dimensions() int
	Language() Language
	Pooling() PoolingMode
	Masking() Masking
	Stats() *ModelStats
	Close() error
}

// Ensure Embedder implements the interface
var _ TextEmbedder = (*Embedder)(nil)
