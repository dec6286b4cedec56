package embeddings

import (
	"fmt"

	"github.com/sugarme/tokenizer"
	"github.com/sugarme/tokenizer/pretrained"
)

// HFTokenizer wraps a Hugging Face tokenizer.json
type HFTokenizer struct {
	tk        *tokenizer.Tokenizer
	padID     int64
	maxLength int
}

// NewHFTokenizer loads tokenizer.json for checkpoint cp.
func NewHFTokenizer(path string, cp Checkpoint) (*HFTokenizer, error) {
	tk, err := pretrained.FromFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: load tokenizer %s: %w", ErrResourceAcquisition, path, err)
	}

	// Padding happens per batch, so the tokenizer must emit unpadded sequences.
	// LongestFirst reads the pair encoding even when there is none, so single
	// sequences truncate with OnlyFirst.
	tk.WithPadding(nil)
	tk.WithTruncation(&tokenizer.TruncationParams{
		MaxLength: cp.MaxLength,
		Strategy:  tokenizer.OnlyFirst,
		Stride:    0,
	})

	padID, ok := tk.TokenToId(cp.PadToken)
	if !ok {
		return nil, fmt.Errorf("%w: pad token %q not in vocabulary of %s", ErrResourceAcquisition, cp.PadToken, cp.ID)
	}

	return &HFTokenizer{tk: tk, padID: int64(padID), maxLength: cp.MaxLength}, nil
}

// Encode tokenizes text with special tokens added
func (t *HFTokenizer) Encode(text string) ([]int64, error) {
	en, err := t.tk.EncodeSingle(text, true)
	if err != nil {
		return nil, err
	}
	ids := make([]int64, len(en.Ids))
	for i, id := range en.Ids {
		ids[i] = int64(id)
	}
	return ids, nil
}

// PadID returns the pad token ID
func (t *HFTokenizer) PadID() int64 { return t.padID }

// MaxLength returns the truncation length
func (t *HFTokenizer) MaxLength() int { return t.maxLength }
