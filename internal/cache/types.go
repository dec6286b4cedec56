package cache

import (
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// CacheStats represents cache performance statistics
type CacheStats struct {
	Hits        int64   `json:"hits"`
	Misses      int64   `json:"misses"`
	Errors      int64   `json:"errors"`
	Writes      int64   `json:"writes"`
	HitRate     float64 `json:"hit_rate"`
	TotalKeys   int64   `json:"total_keys"`
	MemoryUsage int64   `json:"memory_usage_bytes"`
}

// Config contains cache configuration
type Config struct {
	RedisURL     string        `yaml:"redis_url" mapstructure:"redis_url"`
	PoolSize     int           `yaml:"pool_size" mapstructure:"pool_size"`
	MinIdleConns int           `yaml:"min_idle_conns" mapstructure:"min_idle_conns"`
	DialTimeout  time.Duration `yaml:"dial_timeout" mapstructure:"dial_timeout"`
	TTL          time.Duration `yaml:"ttl" mapstructure:"ttl"`
	KeyPrefix    string        `yaml:"key_prefix" mapstructure:"key_prefix"`
}

// Namespace separates embeddings produced by different checkpoints,
// pooling modes or padding masks; vectors from one are meaningless in another.
type Namespace struct {
	Language string
	Pooling  string
	Masking  string
}

// encodeVector serializes an embedding as a JSON float array
func encodeVector(v []float32) ([]byte, error) {
	return json.Marshal(v)
}

// decodeVector parses a cached embedding and checks its width.
func decodeVector(data []byte, dims int) ([]float32, error) {
	var v []float32
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	if dims > 0 && len(v) != dims {
		return nil, fmt.Errorf("cached vector has %d dims, want %d", len(v), dims)
	}
	for _, x := range v {
		if math.IsNaN(float64(x)) || math.IsInf(float64(x), 0) {
			return nil, fmt.Errorf("cached vector contains non-finite values")
		}
	}
	return v, nil
}
