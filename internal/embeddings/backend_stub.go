//go:build !onnx
// +build !onnx

package embeddings

import (
	"go.uber.org/zap"
)

// NewOnnxEncoder is unavailable without the 'onnx' build tag, which keeps the
// default build free of CGO.
func NewOnnxEncoder(logger *zap.Logger, modelPath string, device Device) (Encoder, error) {
	logger.Warn("ONNX backend requested but not compiled in", zap.String("model", modelPath))
	return nil, ErrBackendUnavailable
}
