package embeddings

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/raaihank/bertify/internal/modelhub"
)

// Provider loads the tokenizer and encoder for a checkpoint. It is the only
// collaborator that touches model files.
type Provider interface {
	LoadTokenizer(ctx context.Context, cp Checkpoint) (Tokenizer, error)
	LoadEncoder(ctx context.Context, cp Checkpoint, device Device) (Encoder, error)
}

// ModelConfig points at local checkpoint files, bypassing hub resolution
// when both paths are set.
type ModelConfig struct {
	ModelPath     string `yaml:"model_path" mapstructure:"model_path"`         // "./models/bert-base-uncased/model.onnx"
	TokenizerPath string `yaml:"tokenizer_path" mapstructure:"tokenizer_path"` // "./models/bert-base-uncased/tokenizer.json"
}

// HubProvider resolves checkpoint files through a modelhub.Hub and opens them
// with the HF tokenizer and the ONNX encoder.
type HubProvider struct {
	hub    *modelhub.Hub
	local  ModelConfig
	logger *zap.Logger
}

// NewHubProvider creates a provider. local may be zero.
func NewHubProvider(hub *modelhub.Hub, local ModelConfig, logger *zap.Logger) *HubProvider {
	return &HubProvider{hub: hub, local: local, logger: logger}
}

func (p *HubProvider) files(ctx context.Context, cp Checkpoint) (*modelhub.Files, error) {
	if p.local.ModelPath != "" && p.local.TokenizerPath != "" {
		return &modelhub.Files{
			CheckpointID:  cp.ID,
			ModelPath:     p.local.ModelPath,
			TokenizerPath: p.local.TokenizerPath,
		}, nil
	}
	files, err := p.hub.Resolve(ctx, cp.ID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrResourceAcquisition, err)
	}
	return files, nil
}

// LoadTokenizer opens tokenizer.json for cp
func (p *HubProvider) LoadTokenizer(ctx context.Context, cp Checkpoint) (Tokenizer, error) {
	files, err := p.files(ctx, cp)
	if err != nil {
		return nil, err
	}
	p.logger.Info("Loading tokenizer", zap.String("path", files.TokenizerPath))
	return NewHFTokenizer(files.TokenizerPath, cp)
}

// LoadEncoder opens the ONNX export of cp
func (p *HubProvider) LoadEncoder(ctx context.Context, cp Checkpoint, device Device) (Encoder, error) {
	files, err := p.files(ctx, cp)
	if err != nil {
		return nil, err
	}
	p.logger.Info("Loading encoder", zap.String("path", files.ModelPath), zap.String("device", string(device)))
	return NewOnnxEncoder(p.logger, files.ModelPath, device)
}
