package embeddings

// Batch is a consecutive run of tokenized inputs padded to a common length.
// InputIDs and AttentionMask are row-major [Size*SeqLen].
type Batch struct {
	Offset        int // index of the first text in the full input
	Size          int
	SeqLen        int
	InputIDs      []int64
	AttentionMask []int64
	Tokens        int // non-padding tokens in the batch
	// AttendPadding makes the encoder attend every position, pads included,
	// as a model called without an attention mask does.
	AttendPadding bool
}

// EncoderMask is the attention mask handed to the encoder. Pooling always
// uses AttentionMask.
func (b *Batch) EncoderMask() []int64 {
	if !b.AttendPadding {
		return b.AttentionMask
	}
	ones := make([]int64, len(b.AttentionMask))
	for i := range ones {
		ones[i] = 1
	}
	return ones
}

// partition splits n items into consecutive [start, end) ranges of at most size.
func partition(n, size int) [][2]int {
	if size <= 0 {
		size = DefaultBatchSize
	}
	ranges := make([][2]int, 0, (n+size-1)/size)
	for start := 0; start < n; start += size {
		end := start + size
		if end > n {
			end = n
		}
		ranges = append(ranges, [2]int{start, end})
	}
	return ranges
}

// padBatch right-pads inputs to the longest sequence among them.
// A batch never has zero length: sequences that are all empty get one pad slot
// with a zero mask.
func padBatch(offset int, inputs []*TokenizedInput, padID int64) *Batch {
	seqLen := 1
	for _, in := range inputs {
		if in.Length > seqLen {
			seqLen = in.Length
		}
	}

	b := &Batch{
		Offset:        offset,
		Size:          len(inputs),
		SeqLen:        seqLen,
		InputIDs:      make([]int64, len(inputs)*seqLen),
		AttentionMask: make([]int64, len(inputs)*seqLen),
	}
	for i, in := range inputs {
		row := i * seqLen
		for s := 0; s < seqLen; s++ {
			if s < in.Length {
				b.InputIDs[row+s] = in.InputIDs[s]
				b.AttentionMask[row+s] = 1
			} else {
				b.InputIDs[row+s] = padID
			}
		}
		b.Tokens += in.Length
	}
	return b
}

// buildBatches groups tokenized inputs in order with per-batch padding.
func buildBatches(inputs []*TokenizedInput, size int, padID int64) []*Batch {
	ranges := partition(len(inputs), size)
	batches := make([]*Batch, len(ranges))
	for i, r := range ranges {
		batches[i] = padBatch(r[0], inputs[r[0]:r[1]], padID)
	}
	return batches
}
