package config

import (
	"fmt"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	viper.Reset()
	config := GetDefaults()
	setDefaults(config)

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./configs")
	viper.AddConfigPath("/etc/bertify/")
	viper.AddConfigPath("$HOME/.bertify/")

	// BERTIFY_SERVER_PORT overrides server.port
	viper.SetEnvPrefix("BERTIFY")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if configPath != "" {
		viper.SetConfigFile(configPath)
	}

	if err := viper.ReadInConfig(); err != nil {
		// Config file not found is not an error - we'll use defaults
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if err := viper.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// setDefaults registers every key so environment variables can override
// values that never appear in a config file.
func setDefaults(c *Config) {
	defaults := map[string]interface{}{
		"embedder.language":         c.Embedder.Language,
		"embedder.last_four_layers": c.Embedder.LastFourLayers,
		"embedder.batch_size":       c.Embedder.BatchSize,
		"embedder.device":           c.Embedder.Device,
		"embedder.unmasked_mean":    c.Embedder.UnmaskedMean,
		"embedder.model_path":       c.Embedder.ModelPath,
		"embedder.tokenizer_path":   c.Embedder.TokenizerPath,

		"hub.base_url":       c.Hub.BaseURL,
		"hub.cache_dir":      c.Hub.CacheDir,
		"hub.revision":       c.Hub.Revision,
		"hub.model_file":     c.Hub.ModelFile,
		"hub.tokenizer_file": c.Hub.TokenizerFile,
		"hub.auto_download":  c.Hub.AutoDownload,
		"hub.token":          c.Hub.Token,
		"hub.timeout":        c.Hub.Timeout,

		"server.port":                c.Server.Port,
		"server.read_timeout":        c.Server.ReadTimeout,
		"server.write_timeout":       c.Server.WriteTimeout,
		"server.idle_timeout":        c.Server.IdleTimeout,
		"server.max_body_bytes":      c.Server.MaxBodyBytes,
		"server.max_texts":           c.Server.MaxTexts,
		"server.trust_proxy_headers": c.Server.TrustProxyHeaders,

		"rate_limit.enabled":             c.RateLimit.Enabled,
		"rate_limit.requests_per_minute": c.RateLimit.RequestsPerMinute,
		"rate_limit.burst":               c.RateLimit.Burst,

		"cache.enabled":   c.Cache.Enabled,
		"cache.redis_url": c.Cache.RedisURL,
		"cache.prefix":    c.Cache.Prefix,
		"cache.ttl":       c.Cache.TTL,
		"cache.pool_size": c.Cache.PoolSize,

		"store.enabled":         c.Store.Enabled,
		"store.database_url":    c.Store.DatabaseURL,
		"store.max_connections": c.Store.MaxConnections,
		"store.batch_size":      c.Store.BatchSize,
		"store.create_index":    c.Store.CreateIndex,

		"websocket.enabled":         c.WebSocket.Enabled,
		"websocket.path":            c.WebSocket.Path,
		"websocket.auth.enabled":    c.WebSocket.Auth.Enabled,
		"websocket.auth.username":   c.WebSocket.Auth.Username,
		"websocket.auth.password":   c.WebSocket.Auth.Password,
		"websocket.max_connections": c.WebSocket.MaxConnections,

		"etl.chunk_size":    c.ETL.ChunkSize,
		"etl.text_column":   c.ETL.TextColumn,
		"etl.output_format": c.ETL.OutputFormat,
		"etl.skip_empty":    c.ETL.SkipEmpty,

		"logging.level":        c.Logging.Level,
		"logging.format":       c.Logging.Format,
		"logging.file.enabled": c.Logging.File.Enabled,
		"logging.file.path":    c.Logging.File.Path,
	}
	for key, value := range defaults {
		viper.SetDefault(key, value)
	}
}

// validateConfig validates the loaded configuration
func validateConfig(config *Config) error {
	switch strings.ToLower(config.Embedder.Language) {
	case "en", "bn":
	default:
		return fmt.Errorf("invalid embedder language: %s (must be en or bn)", config.Embedder.Language)
	}

	switch strings.ToLower(config.Embedder.Device) {
	case "", "auto", "cpu", "cuda":
	default:
		return fmt.Errorf("invalid embedder device: %s (must be auto, cpu, or cuda)", config.Embedder.Device)
	}

	if config.Embedder.BatchSize <= 0 {
		return fmt.Errorf("invalid embedder batch size: %d", config.Embedder.BatchSize)
	}

	if (config.Embedder.ModelPath == "") != (config.Embedder.TokenizerPath == "") {
		return fmt.Errorf("embedder model_path and tokenizer_path must be set together")
	}

	if config.Server.Port <= 0 || config.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", config.Server.Port)
	}

	if config.RateLimit.Enabled && (config.RateLimit.RequestsPerMinute <= 0 || config.RateLimit.Burst <= 0) {
		return fmt.Errorf("rate limit requires positive requests_per_minute and burst")
	}

	if config.Cache.Enabled && config.Cache.RedisURL == "" {
		return fmt.Errorf("cache enabled but redis_url is empty")
	}

	if config.Store.Enabled && config.Store.DatabaseURL == "" {
		return fmt.Errorf("store enabled but database_url is empty")
	}

	if config.WebSocket.Auth.Enabled && (config.WebSocket.Auth.Username == "" || config.WebSocket.Auth.Password == "") {
		return fmt.Errorf("websocket auth enabled but credentials are missing")
	}

	if config.ETL.ChunkSize <= 0 {
		return fmt.Errorf("invalid etl chunk size: %d", config.ETL.ChunkSize)
	}

	if config.ETL.OutputFormat != "parquet" && config.ETL.OutputFormat != "jsonl" {
		return fmt.Errorf("invalid etl output format: %s (must be parquet or jsonl)", config.ETL.OutputFormat)
	}

	if config.Logging.Level != "debug" && config.Logging.Level != "info" && config.Logging.Level != "warn" && config.Logging.Level != "error" {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", config.Logging.Level)
	}

	if config.Logging.Format != "json" && config.Logging.Format != "console" {
		return fmt.Errorf("invalid log format: %s (must be json or console)", config.Logging.Format)
	}

	return nil
}

// Watch reloads the configuration file on change. Invalid edits are logged
// and ignored; the callback only sees validated configs.
func Watch(logger *zap.Logger, callback func(*Config)) {
	viper.OnConfigChange(func(e fsnotify.Event) {
		newConfig := GetDefaults()
		if err := viper.Unmarshal(newConfig); err != nil {
			logger.Error("Failed to reload config", zap.String("file", e.Name), zap.Error(err))
			return
		}

		if err := validateConfig(newConfig); err != nil {
			logger.Error("Ignoring invalid config change", zap.String("file", e.Name), zap.Error(err))
			return
		}

		logger.Info("Configuration reloaded", zap.String("file", e.Name))
		callback(newConfig)
	})
	viper.WatchConfig()
}
