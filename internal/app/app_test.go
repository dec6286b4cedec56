package app

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/raaihank/bertify/internal/config"
	"github.com/raaihank/bertify/internal/embeddings"
	"github.com/raaihank/bertify/internal/embeddings/embeddingstest"
)

func TestHubConfig(t *testing.T) {
	cfg := config.GetDefaults()
	cfg.Hub.Token = "hf_x"
	cfg.Hub.Timeout = time.Minute

	hc := HubConfig(cfg)

	if hc.BaseURL != "https://huggingface.co" || hc.ModelFile != "onnx/model.onnx" || hc.TokenizerFile != "tokenizer.json" {
		t.Errorf("unexpected hub config: %+v", hc)
	}
	if hc.Token != "hf_x" || hc.Timeout != time.Minute || !hc.AutoDownload {
		t.Errorf("overrides not carried: %+v", hc)
	}
}

func TestNewEmbedder(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(*config.Config)
		pooling  embeddings.PoolingMode
		dims     int
		batch    int
		device   embeddings.Device
		checkErr bool
	}{
		{
			name:    "defaults",
			pooling: embeddings.PoolingLastLayerMean,
			dims:    8,
			batch:   64,
			device:  embeddings.DeviceCPU,
		},
		{
			name: "last four on cpu",
			mutate: func(c *config.Config) {
				c.Embedder.LastFourLayers = true
				c.Embedder.BatchSize = 16
				c.Embedder.Device = "cpu"
			},
			pooling: embeddings.PoolingLastFourConcat,
			dims:    32,
			batch:   16,
			device:  embeddings.DeviceCPU,
		},
		{
			name:     "bad language",
			mutate:   func(c *config.Config) { c.Embedder.Language = "fr" },
			checkErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.GetDefaults()
			if tt.mutate != nil {
				tt.mutate(cfg)
			}
			p := embeddingstest.NewProvider()

			emb, err := NewEmbedder(context.Background(), cfg, p, zap.NewNop())
			if tt.checkErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("NewEmbedder: %v", err)
			}
			defer emb.Close()

			if emb.Pooling() != tt.pooling {
				t.Errorf("pooling = %s, want %s", emb.Pooling(), tt.pooling)
			}
			if emb.Dimensions() != tt.dims {
				t.Errorf("dims = %d, want %d", emb.Dimensions(), tt.dims)
			}
			if emb.BatchSize() != tt.batch {
				t.Errorf("batch = %d, want %d", emb.BatchSize(), tt.batch)
			}
			if emb.Device() != tt.device {
				t.Errorf("device = %s, want %s", emb.Device(), tt.device)
			}
		})
	}
}

func TestDisabledBackendsAreNil(t *testing.T) {
	cfg := config.GetDefaults()
	emb, err := NewEmbedder(context.Background(), cfg, embeddingstest.NewProvider(), zap.NewNop())
	if err != nil {
		t.Fatalf("NewEmbedder: %v", err)
	}
	defer emb.Close()

	c, err := NewCache(cfg, emb, zap.NewNop())
	if err != nil || c != nil {
		t.Errorf("NewCache = %v, %v; want nil, nil", c, err)
	}
	cc, err := NewConfiguredCache(cfg, zap.NewNop())
	if err != nil || cc != nil {
		t.Errorf("NewConfiguredCache = %v, %v; want nil, nil", cc, err)
	}
	s, err := NewStore(cfg, zap.NewNop())
	if err != nil || s != nil {
		t.Errorf("NewStore = %v, %v; want nil, nil", s, err)
	}
}

func TestNewLogger(t *testing.T) {
	cfg := config.GetDefaults()
	cfg.Logging.Level = "debug"
	cfg.Logging.Format = "console"

	log, err := NewLogger(cfg)
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	if log.Level().String() != "debug" {
		t.Errorf("level = %s", log.Level())
	}

	cfg.Logging.Level = "loud"
	if _, err := NewLogger(cfg); err == nil {
		t.Error("expected error for invalid level")
	}
}

func TestNewConfiguredCacheValidatesLanguage(t *testing.T) {
	cfg := config.GetDefaults()
	cfg.Cache.Enabled = true
	cfg.Embedder.Language = "xx"

	if _, err := NewConfiguredCache(cfg, zap.NewNop()); err == nil {
		t.Error("expected error for unknown language")
	}
}
