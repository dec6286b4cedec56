package vector

import (
	"time"
)

// Record is one stored text embedding
type Record struct {
	ID        int64     `db:"id" json:"id"`
	Text      string    `db:"text" json:"text"`
	TextHash  string    `db:"text_hash" json:"text_hash"`
	Language  string    `db:"language" json:"language"`
	Pooling   string    `db:"pooling" json:"pooling"`
	Masking   string    `db:"masking" json:"masking"`
	Dims      int       `db:"dims" json:"dims"`
	Embedding []float32 `db:"-" json:"embedding"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// SimilarityResult represents a vector similarity search result
type SimilarityResult struct {
	Record     *Record `json:"record"`
	Similarity float32 `json:"similarity"`
	Distance   float32 `json:"distance"`
}

// SearchOptions contains options for vector similarity search
type SearchOptions struct {
	Limit         int     `json:"limit"`
	MinSimilarity float32 `json:"min_similarity"`
	Language      string  `json:"language,omitempty"`
	Pooling       string  `json:"pooling,omitempty"`
	Masking       string  `json:"masking,omitempty"`
}

// VectorStats represents database statistics
type VectorStats struct {
	TotalVectors int64            `json:"total_vectors"`
	ByLanguage   map[string]int64 `json:"by_language"`
	Indexed      bool             `json:"indexed"`
}

// BatchInsertResult represents the result of a batch insert operation
type BatchInsertResult struct {
	Inserted   int64         `json:"inserted"`
	Duplicates int64         `json:"duplicates"`
	Duration   time.Duration `json:"duration"`
}
