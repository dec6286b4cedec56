package embeddings

import (
	"context"
)

// Encoder runs a pretrained transformer and exposes every hidden layer.
// Implementations may use ONNX Runtime or other engines.
type Encoder interface {
	// Forward runs one inference for a padded batch.
	Forward(ctx context.Context, batch *Batch) (*HiddenStates, error)
	// NumLayers is the number of hidden-state layers Forward returns.
	NumLayers() int
	// HiddenSize is the per-token feature width, or 0 if unknown before a run.
	HiddenSize() int
	// Device reports where inference actually runs.
	Device() Device
	// Close releases any native resources.
	Close() error
}

// HiddenStates is the per-layer encoder output for one batch.
// Each layer is row-major [Batch*SeqLen*Dim], ordered from the embedding
// layer to the final layer.
type HiddenStates struct {
	Layers [][]float32
	Batch  int
	SeqLen int
	Dim    int
}

// Layer returns layer i, counting from the end when i is negative.
func (h *HiddenStates) Layer(i int) []float32 {
	if i < 0 {
		i += len(h.Layers)
	}
	return h.Layers[i]
}
