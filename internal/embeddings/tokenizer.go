package embeddings

import (
	"fmt"
)

// Tokenizer converts raw text into token IDs for one checkpoint
type Tokenizer interface {
	// Encode returns the token IDs for text, special tokens included,
	// truncated to MaxLength.
	Encode(text string) ([]int64, error)
	// PadID is the ID used for right padding.
	PadID() int64
	// MaxLength is the longest sequence the encoder accepts.
	MaxLength() int
}

// TokenizedInput represents one tokenized text before batching
type TokenizedInput struct {
	InputIDs  []int64
	Length    int
	Truncated bool
}

// tokenize encodes every text independently. The first failure aborts.
func tokenize(tok Tokenizer, texts []string) ([]*TokenizedInput, error) {
	maxLen := tok.MaxLength()
	out := make([]*TokenizedInput, len(texts))
	for i, text := range texts {
		ids, err := tok.Encode(text)
		if err != nil {
			return nil, fmt.Errorf("tokenize text %d: %w", i, err)
		}
		truncated := false
		if maxLen > 0 && len(ids) > maxLen {
			ids = ids[:maxLen]
			truncated = true
		}
		out[i] = &TokenizedInput{
			InputIDs:  ids,
			Length:    len(ids),
			Truncated: truncated,
		}
	}
	return out, nil
}
