package etl

import (
	"path/filepath"
	"strings"
	"time"
)

// InputRecord is the row shape read from Parquet input
type InputRecord struct {
	Text string `parquet:"text" json:"text"`
}

// OutputRecord is one embedded text as written to the output file
type OutputRecord struct {
	Text      string    `parquet:"text" json:"text"`
	Language  string    `parquet:"language" json:"language"`
	Pooling   string    `parquet:"pooling" json:"pooling"`
	Masking   string    `parquet:"masking" json:"masking"`
	Embedding []float32 `parquet:"embedding" json:"embedding"`
}

// ProcessingResult represents the result of processing a dataset
type ProcessingResult struct {
	TotalRecords    int64         `json:"total_records"`
	ProcessedOK     int64         `json:"processed_ok"`
	ProcessedFailed int64         `json:"processed_failed"`
	Skipped         int64         `json:"skipped"`
	CacheHits       int64         `json:"cache_hits"`
	Stored          int64         `json:"stored"`
	Duplicates      int64         `json:"duplicates"`
	Chunks          int64         `json:"chunks"`
	Duration        time.Duration `json:"duration"`
	EmbeddingTime   time.Duration `json:"embedding_time"`
	DatabaseTime    time.Duration `json:"database_time"`
	Errors          []string      `json:"errors,omitempty"`
}

// Config contains ETL pipeline configuration
type Config struct {
	ChunkSize    int        `yaml:"chunk_size" mapstructure:"chunk_size"`       // 1000
	TextColumn   string     `yaml:"text_column" mapstructure:"text_column"`     // "text"
	OutputFormat FileFormat `yaml:"output_format" mapstructure:"output_format"` // parquet or jsonl, empty detects from the output path
	SkipEmpty    bool       `yaml:"skip_empty" mapstructure:"skip_empty"`       // false
	CreateIndex  bool       `yaml:"create_index" mapstructure:"create_index"`   // true
	ProgressLog  int        `yaml:"progress_log" mapstructure:"progress_log"`   // log every N records
}

// FileFormat represents supported file formats
type FileFormat string

const (
	FormatCSV     FileFormat = "csv"
	FormatParquet FileFormat = "parquet"
	FormatJSONL   FileFormat = "jsonl"
)

// DetectFileFormat detects file format from extension. Unknown extensions
// are treated as CSV.
func DetectFileFormat(filename string) FileFormat {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".parquet":
		return FormatParquet
	case ".jsonl", ".ndjson", ".json":
		return FormatJSONL
	default:
		return FormatCSV
	}
}
