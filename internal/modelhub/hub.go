// Package modelhub resolves checkpoint identifiers to local model files,
// downloading them from a Hugging Face compatible hub when allowed.
package modelhub

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/afero"
	"go.uber.org/zap"
)

// ErrNotFound is returned when a file is missing locally and cannot be fetched.
var ErrNotFound = errors.New("checkpoint file not found")

// Config contains hub configuration
type Config struct {
	BaseURL       string        `yaml:"base_url" mapstructure:"base_url"`             // "https://huggingface.co"
	CacheDir      string        `yaml:"cache_dir" mapstructure:"cache_dir"`           // "./models"
	Revision      string        `yaml:"revision" mapstructure:"revision"`             // "main"
	ModelFile     string        `yaml:"model_file" mapstructure:"model_file"`         // "onnx/model.onnx"
	TokenizerFile string        `yaml:"tokenizer_file" mapstructure:"tokenizer_file"` // "tokenizer.json"
	AutoDownload  bool          `yaml:"auto_download" mapstructure:"auto_download"`
	Token         string        `yaml:"token" mapstructure:"token"`
	Timeout       time.Duration `yaml:"timeout" mapstructure:"timeout"`
}

// DefaultConfig returns the public Hugging Face hub settings
func DefaultConfig() Config {
	return Config{
		BaseURL:       "https://huggingface.co",
		CacheDir:      "./models",
		Revision:      "main",
		ModelFile:     "onnx/model.onnx",
		TokenizerFile: "tokenizer.json",
		AutoDownload:  true,
		Timeout:       10 * time.Minute,
	}
}

// Files are the local paths of a resolved checkpoint
type Files struct {
	CheckpointID  string
	Dir           string
	ModelPath     string
	TokenizerPath string
	Downloaded    bool
}

// Hub fetches and caches checkpoint files
type Hub struct {
	config Config
	fs     afero.Fs
	client *http.Client
	logger *zap.Logger
}

// Option configures a Hub
type Option func(*Hub)

// WithFs replaces the filesystem (tests use afero.NewMemMapFs).
func WithFs(fs afero.Fs) Option {
	return func(h *Hub) { h.fs = fs }
}

// WithHTTPClient replaces the download client
func WithHTTPClient(c *http.Client) Option {
	return func(h *Hub) { h.client = c }
}

// New creates a hub backed by the OS filesystem by default.
func New(config Config, logger *zap.Logger, opts ...Option) *Hub {
	defaults := DefaultConfig()
	if config.BaseURL == "" {
		config.BaseURL = defaults.BaseURL
	}
	if config.CacheDir == "" {
		config.CacheDir = defaults.CacheDir
	}
	if config.Revision == "" {
		config.Revision = defaults.Revision
	}
	if config.ModelFile == "" {
		config.ModelFile = defaults.ModelFile
	}
	if config.TokenizerFile == "" {
		config.TokenizerFile = defaults.TokenizerFile
	}
	if config.Timeout <= 0 {
		config.Timeout = defaults.Timeout
	}

	h := &Hub{
		config: config,
		fs:     afero.NewOsFs(),
		client: &http.Client{Timeout: config.Timeout},
		logger: logger,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Fs returns the filesystem the hub writes to
func (h *Hub) Fs() afero.Fs { return h.fs }

// LocalDir is where files for checkpointID live.
func (h *Hub) LocalDir(checkpointID string) string {
	return filepath.Join(h.config.CacheDir, strings.ReplaceAll(checkpointID, "/", "__"))
}

// Resolve returns local paths for the checkpoint's model and tokenizer,
// downloading missing files when AutoDownload is set.
func (h *Hub) Resolve(ctx context.Context, checkpointID string) (*Files, error) {
	if strings.TrimSpace(checkpointID) == "" {
		return nil, fmt.Errorf("checkpoint id is required")
	}

	dir := h.LocalDir(checkpointID)
	files := &Files{
		CheckpointID:  checkpointID,
		Dir:           dir,
		ModelPath:     filepath.Join(dir, filepath.FromSlash(h.config.ModelFile)),
		TokenizerPath: filepath.Join(dir, filepath.FromSlash(h.config.TokenizerFile)),
	}

	for _, f := range []struct {
		remote string
		local  string
	}{
		{h.config.TokenizerFile, files.TokenizerPath},
		{h.config.ModelFile, files.ModelPath},
	} {
		fetched, err := h.ensure(ctx, checkpointID, f.remote, f.local)
		if err != nil {
			return nil, err
		}
		files.Downloaded = files.Downloaded || fetched
	}

	h.logger.Debug("Checkpoint resolved",
		zap.String("checkpoint", checkpointID),
		zap.String("dir", dir),
		zap.Bool("downloaded", files.Downloaded))

	return files, nil
}

// ensure makes sure local exists, reporting whether it was downloaded.
func (h *Hub) ensure(ctx context.Context, checkpointID, remote, local string) (bool, error) {
	exists, err := afero.Exists(h.fs, local)
	if err != nil {
		return false, fmt.Errorf("failed to stat %s: %w", local, err)
	}
	if exists {
		return false, nil
	}
	if !h.config.AutoDownload {
		return false, fmt.Errorf("%w: %s (auto-download disabled)", ErrNotFound, local)
	}

	h.logger.Info("Downloading checkpoint file",
		zap.String("checkpoint", checkpointID),
		zap.String("file", remote))

	start := time.Now()
	n, err := h.download(ctx, h.fileURL(checkpointID, remote), local)
	if err != nil {
		return false, err
	}

	h.logger.Info("Checkpoint file downloaded",
		zap.String("checkpoint", checkpointID),
		zap.String("file", remote),
		zap.Int64("bytes", n),
		zap.Duration("duration", time.Since(start)))
	return true, nil
}

// fileURL builds <base>/<id>/resolve/<revision>/<file>
func (h *Hub) fileURL(checkpointID, file string) string {
	base := strings.TrimRight(h.config.BaseURL, "/")
	return base + "/" + path.Join(checkpointID, "resolve", url.PathEscape(h.config.Revision), file)
}

// download streams src into a temp file next to dst, then renames it into place.
func (h *Hub) download(ctx context.Context, src, dst string) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to build request for %s: %w", src, err)
	}
	if h.config.Token != "" {
		req.Header.Set("Authorization", "Bearer "+h.config.Token)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("failed to download %s: %w", src, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return 0, fmt.Errorf("%w: %s", ErrNotFound, src)
	}
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("failed to download %s: HTTP %d", src, resp.StatusCode)
	}

	if err := h.fs.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return 0, fmt.Errorf("failed to create directory for %s: %w", dst, err)
	}
	tmp, err := afero.TempFile(h.fs, filepath.Dir(dst), filepath.Base(dst)+".part-*")
	if err != nil {
		return 0, fmt.Errorf("failed to create temp file for %s: %w", dst, err)
	}
	tmpName := tmp.Name()

	n, err := io.Copy(tmp, resp.Body)
	closeErr := tmp.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		_ = h.fs.Remove(tmpName)
		return 0, fmt.Errorf("failed to write %s: %w", dst, err)
	}

	if err := h.fs.Rename(tmpName, dst); err != nil {
		_ = h.fs.Remove(tmpName)
		return 0, fmt.Errorf("failed to move %s into place: %w", dst, err)
	}
	return n, nil
}

// Purge removes the cached files of a checkpoint.
func (h *Hub) Purge(checkpointID string) error {
	dir := h.LocalDir(checkpointID)
	if err := h.fs.RemoveAll(dir); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to purge %s: %w", dir, err)
	}
	return nil
}
