package embeddings

import (
	"fmt"
)

// pooler reduces hidden states to one vector per sequence
type pooler struct {
	lastFour bool
	// includePadding averages over every position, padding included.
	includePadding bool
}

// layerIndices returns the layers to concatenate, last layer first.
func (p pooler) layerIndices() []int {
	if p.lastFour {
		return []int{-1, -2, -3, -4}
	}
	return []int{-1}
}

// width is the pooled vector length for hidden size dim
func (p pooler) width(dim int) int {
	return len(p.layerIndices()) * dim
}

// pool averages the selected layers over token positions. Concatenating the
// layers along the feature axis before the mean is the same as placing each
// layer's mean in its own column block.
func (p pooler) pool(states *HiddenStates, mask []int64) (*Matrix, error) {
	layers := p.layerIndices()
	if len(states.Layers) < len(layers) {
		return nil, fmt.Errorf("encoder returned %d hidden layers, pooling needs %d", len(states.Layers), len(layers))
	}
	batch, seq, dim := states.Batch, states.SeqLen, states.Dim
	if len(mask) != batch*seq {
		return nil, fmt.Errorf("attention mask has %d entries, want %d", len(mask), batch*seq)
	}

	out := NewMatrix(batch, p.width(dim))
	for b := 0; b < batch; b++ {
		weight := float32(seq)
		if !p.includePadding {
			var count int64
			for s := 0; s < seq; s++ {
				count += mask[b*seq+s]
			}
			if count == 0 {
				continue
			}
			weight = float32(count)
		}
		inv := 1.0 / weight

		row := out.Row(b)
		for k, idx := range layers {
			data := states.Layer(idx)
			if len(data) != batch*seq*dim {
				return nil, fmt.Errorf("layer %d has %d values, want %d", idx, len(data), batch*seq*dim)
			}
			block := row[k*dim : (k+1)*dim]
			for s := 0; s < seq; s++ {
				if !p.includePadding && mask[b*seq+s] == 0 {
					continue
				}
				offset := (b*seq + s) * dim
				for d := 0; d < dim; d++ {
					block[d] += data[offset+d]
				}
			}
			for d := range block {
				block[d] *= inv
			}
		}
	}
	return out, nil
}
