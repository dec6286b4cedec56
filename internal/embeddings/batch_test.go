package embeddings

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPartition(t *testing.T) {
	cases := []struct {
		n, size int
		want    [][2]int
	}{
		{0, 64, [][2]int{}},
		{3, 2, [][2]int{{0, 2}, {2, 3}}},
		{64, 64, [][2]int{{0, 64}}},
		{65, 64, [][2]int{{0, 64}, {64, 65}}},
		{5, 0, [][2]int{{0, 5}}},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, partition(c.n, c.size), "partition(%d, %d)", c.n, c.size)
	}
}

func TestPadBatch(t *testing.T) {
	inputs := []*TokenizedInput{
		{InputIDs: []int64{101, 7, 102}, Length: 3},
		{InputIDs: []int64{101, 8, 9, 10, 102}, Length: 5},
	}
	b := padBatch(4, inputs, 0)

	assert.Equal(t, 4, b.Offset)
	assert.Equal(t, 2, b.Size)
	assert.Equal(t, 5, b.SeqLen)
	assert.Equal(t, 8, b.Tokens)
	assert.Equal(t, []int64{101, 7, 102, 0, 0, 101, 8, 9, 10, 102}, b.InputIDs)
	assert.Equal(t, []int64{1, 1, 1, 0, 0, 1, 1, 1, 1, 1}, b.AttentionMask)

	t.Run("EmptySequences", func(t *testing.T) {
		b := padBatch(0, []*TokenizedInput{{Length: 0}}, 3)
		assert.Equal(t, 1, b.SeqLen)
		assert.Equal(t, []int64{3}, b.InputIDs)
		assert.Equal(t, []int64{0}, b.AttentionMask)
	})
}

func TestBuildBatchesPadsPerBatch(t *testing.T) {
	lengths := []int{2, 9, 3, 4, 1}
	inputs := make([]*TokenizedInput, len(lengths))
	for i, n := range lengths {
		inputs[i] = &TokenizedInput{InputIDs: make([]int64, n), Length: n}
	}

	batches := buildBatches(inputs, 2, 0)
	require.Len(t, batches, 3)
	assert.Equal(t, 9, batches[0].SeqLen)
	assert.Equal(t, 4, batches[1].SeqLen)
	assert.Equal(t, 1, batches[2].SeqLen)
	assert.Equal(t, 4, batches[2].Offset)
}

type sliceTokenizer struct {
	ids map[string][]int64
	max int
}

func (s sliceTokenizer) Encode(text string) ([]int64, error) {
	ids, ok := s.ids[text]
	if !ok {
		return nil, errors.New("unknown text")
	}
	return ids, nil
}
func (s sliceTokenizer) PadID() int64   { return 0 }
func (s sliceTokenizer) MaxLength() int { return s.max }

func TestTokenize(t *testing.T) {
	tok := sliceTokenizer{max: 3, ids: map[string][]int64{
		"short": {1, 2},
		"long":  {1, 2, 3, 4, 5},
	}}

	out, err := tokenize(tok, []string{"short", "long"})
	require.NoError(t, err)
	assert.False(t, out[0].Truncated)
	assert.True(t, out[1].Truncated)
	assert.Equal(t, 3, out[1].Length)

	_, err = tokenize(tok, []string{"short", "missing"})
	assert.ErrorContains(t, err, "tokenize text 1")
}

func TestEncoderMask(t *testing.T) {
	inputs := []*TokenizedInput{
		{InputIDs: []int64{101, 102}, Length: 2},
		{InputIDs: []int64{101, 8, 102}, Length: 3},
	}
	b := padBatch(0, inputs, 0)
	assert.Equal(t, b.AttentionMask, b.EncoderMask())

	b.AttendPadding = true
	assert.Equal(t, []int64{1, 1, 1, 1, 1, 1}, b.EncoderMask())
	assert.Equal(t, []int64{1, 1, 0, 1, 1, 1}, b.AttentionMask, "pooling mask must stay intact")
}
