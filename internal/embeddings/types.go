package embeddings

import (
	"time"
)

// DefaultBatchSize is the number of texts sent through the encoder per forward pass.
const DefaultBatchSize = 64

// Device identifies where the encoder runs
type Device string

const (
	// DeviceAuto prefers an accelerator and falls back to the CPU
	DeviceAuto Device = "auto"
	// DeviceCPU forces general-purpose execution
	DeviceCPU Device = "cpu"
	// DeviceCUDA requires a CUDA accelerator
	DeviceCUDA Device = "cuda"
)

// PoolingMode names the reduction applied to the encoder hidden states
type PoolingMode string

const (
	// PoolingLastLayerMean averages the final layer over token positions
	PoolingLastLayerMean PoolingMode = "last_layer_mean"
	// PoolingLastFourConcat concatenates the last four layers, then averages
	PoolingLastFourConcat PoolingMode = "last_four_concat"
)

// Masking names how padding is treated by the encoder and the mean
type Masking string

const (
	// MaskingPadding hides padding from attention and pooling
	MaskingPadding Masking = "masked"
	// MaskingNone attends and averages padding, so rows depend on batch neighbours
	MaskingNone Masking = "unmasked"
)

// MaskingFor maps the unmasked-mean flag to a masking policy.
func MaskingFor(unmasked bool) Masking {
	if unmasked {
		return MaskingNone
	}
	return MaskingPadding
}

// ProgressFunc is called after every completed batch
type ProgressFunc func(done, total int)

// ModelStats represents embedder performance statistics
type ModelStats struct {
	TotalCalls       int64         `json:"total_calls"`
	TotalTexts       int64         `json:"total_texts"`
	TotalBatches     int64         `json:"total_batches"`
	TotalTokens      int64         `json:"total_tokens"`
	TruncatedTexts   int64         `json:"truncated_texts"`
	FailedCalls      int64         `json:"failed_calls"`
	AvgBatchTime     time.Duration `json:"avg_batch_time"`
	AvgTokensPerText float64       `json:"avg_tokens_per_text"`
	ModelLoadTime    time.Duration `json:"model_load_time"`
	LastCallTime     time.Time     `json:"last_call_time"`
	ErrorRate        float64       `json:"error_rate"`
	Checkpoint       string        `json:"checkpoint"`
	Device           Device        `json:"device"`
	Pooling          PoolingMode   `json:"pooling"`
	Masking          Masking       `json:"masking"`
	StartTime        time.Time     `json:"start_time"`
}

// EmbeddingError is a categorized embedder failure
type EmbeddingError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Code    int    `json:"code"`
}

func (e *EmbeddingError) Error() string {
	return e.Message
}

// Error categories, matched with errors.Is
var (
	ErrInvalidConfiguration = &EmbeddingError{Type: "invalid_configuration", Message: "invalid configuration", Code: 1001}
	ErrResourceAcquisition  = &EmbeddingError{Type: "resource_acquisition", Message: "resource acquisition failed", Code: 1002}
	ErrInferenceFailure     = &EmbeddingError{Type: "inference_failure", Message: "inference failed", Code: 1003}
	ErrBackendUnavailable   = &EmbeddingError{Type: "backend_unavailable", Message: "transformer backend not compiled in (build with -tags onnx)", Code: 1004}
	ErrEmbedderClosed       = &EmbeddingError{Type: "embedder_closed", Message: "embedder is closed", Code: 1005}
)
