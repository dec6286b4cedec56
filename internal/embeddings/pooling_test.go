package embeddings

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// constantStates builds states where layer l, row b, position s, feature d
// holds fn(l, b, s, d).
func constantStates(layers, batch, seq, dim int, fn func(l, b, s, d int) float32) *HiddenStates {
	h := &HiddenStates{Layers: make([][]float32, layers), Batch: batch, SeqLen: seq, Dim: dim}
	for l := 0; l < layers; l++ {
		data := make([]float32, batch*seq*dim)
		for b := 0; b < batch; b++ {
			for s := 0; s < seq; s++ {
				for d := 0; d < dim; d++ {
					data[(b*seq+s)*dim+d] = fn(l, b, s, d)
				}
			}
		}
		h.Layers[l] = data
	}
	return h
}

func TestPoolLastLayer(t *testing.T) {
	states := constantStates(3, 2, 3, 2, func(l, b, s, d int) float32 {
		return float32(l*100 + s*10 + d)
	})
	mask := []int64{
		1, 1, 0,
		1, 1, 1,
	}

	t.Run("Masked", func(t *testing.T) {
		m, err := pooler{}.pool(states, mask)
		require.NoError(t, err)
		require.Equal(t, 2, m.Rows)
		require.Equal(t, 2, m.Cols)
		// row 0 averages positions 0 and 1 of layer 2
		assert.InDelta(t, 205.0, m.Row(0)[0], 1e-4)
		assert.InDelta(t, 206.0, m.Row(0)[1], 1e-4)
		assert.InDelta(t, 210.0, m.Row(1)[0], 1e-4)
	})

	t.Run("Unmasked", func(t *testing.T) {
		m, err := pooler{includePadding: true}.pool(states, mask)
		require.NoError(t, err)
		assert.InDelta(t, 210.0, m.Row(0)[0], 1e-4)
		assert.InDelta(t, 210.0, m.Row(1)[0], 1e-4)
	})
}

func TestPoolLastFour(t *testing.T) {
	states := constantStates(6, 1, 2, 3, func(l, b, s, d int) float32 {
		return float32(l)
	})
	m, err := pooler{lastFour: true}.pool(states, []int64{1, 1})
	require.NoError(t, err)
	require.Equal(t, 12, m.Cols)

	row := m.Row(0)
	for k, layer := range []float32{5, 4, 3, 2} {
		for d := 0; d < 3; d++ {
			assert.InDelta(t, layer, row[k*3+d], 1e-6, "block %d feature %d", k, d)
		}
	}
}

func TestPoolEdgeCases(t *testing.T) {
	t.Run("FullyMaskedRowIsZero", func(t *testing.T) {
		states := constantStates(1, 1, 2, 2, func(l, b, s, d int) float32 { return 7 })
		m, err := pooler{}.pool(states, []int64{0, 0})
		require.NoError(t, err)
		assert.Equal(t, []float32{0, 0}, m.Row(0))
	})

	t.Run("TooFewLayers", func(t *testing.T) {
		states := constantStates(3, 1, 1, 1, func(l, b, s, d int) float32 { return 1 })
		_, err := pooler{lastFour: true}.pool(states, []int64{1})
		assert.Error(t, err)
	})

	t.Run("MaskSizeMismatch", func(t *testing.T) {
		states := constantStates(1, 2, 2, 1, func(l, b, s, d int) float32 { return 1 })
		_, err := pooler{}.pool(states, []int64{1, 1})
		assert.Error(t, err)
	})

	t.Run("Width", func(t *testing.T) {
		assert.Equal(t, 768, pooler{}.width(768))
		assert.Equal(t, 4096, pooler{lastFour: true}.width(1024))
	})
}
