package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/raaihank/bertify/internal/app"
	"github.com/raaihank/bertify/internal/config"
	"github.com/raaihank/bertify/internal/server"
	"github.com/raaihank/bertify/internal/service"
)

var (
	version = "0.1.0"
	commit  = "dev"
	date    = "unknown"
)

func main() {
	var (
		configPath  = flag.String("config", "", "Path to configuration file")
		showVersion = flag.Bool("version", false, "Show version information")
		healthCheck = flag.Bool("health-check", false, "Perform health check and exit")
	)
	flag.Parse()

	server.Version = version

	if *showVersion {
		fmt.Printf("bertify-server %s (commit: %s, built: %s)\n", version, commit, date)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	if *healthCheck {
		performHealthCheck(cfg.Server.Port)
		return
	}

	log, err := app.NewLogger(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("Starting bertify-server",
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("build_date", date),
		zap.String("language", cfg.Embedder.Language),
		zap.Bool("last_four_layers", cfg.Embedder.LastFourLayers),
		zap.Int("port", cfg.Server.Port),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	emb, err := app.NewEmbedder(ctx, cfg, nil, log.Logger)
	if err != nil {
		log.Fatal("Failed to load embedder", zap.Error(err))
	}

	hub := server.NewHub(cfg, log)
	var opts []service.Option
	if hub != nil {
		opts = append(opts, service.WithEvents(hub))
	}
	embCache, err := app.NewCache(cfg, emb, log.Logger)
	if err != nil {
		log.Warn("Continuing without cache", zap.Error(err))
	} else if embCache != nil {
		defer embCache.Close()
		opts = append(opts, service.WithCache(embCache))
	}

	svc := service.New(emb, log.Logger, opts...)
	defer svc.Close()

	var srvOpts []server.Option
	if embCache != nil {
		srvOpts = append(srvOpts, server.WithCacheStats(embCache))
	}
	store, err := app.NewStore(cfg, log.Logger)
	if err != nil {
		log.Warn("Continuing without similarity search", zap.Error(err))
	} else if store != nil {
		defer store.Close()
		if err := store.EnsureSchema(ctx, emb.Dimensions()); err != nil {
			log.Warn("Failed to ensure vector schema", zap.Error(err))
		}
		srvOpts = append(srvOpts, server.WithStore(store))
	}

	srv := server.New(cfg, svc, hub, log, srvOpts...)

	// Only the log level and rate limits reload; everything else needs a restart.
	config.Watch(log.Logger, func(next *config.Config) {
		if err := log.SetLevel(next.Logging.Level); err != nil {
			log.Warn("Ignoring invalid log level", zap.String("level", next.Logging.Level), zap.Error(err))
		}
		srv.RateLimiter().UpdateLimits(next.RateLimit.Enabled, next.RateLimit.RequestsPerMinute, next.RateLimit.Burst)
		log.Info("Applied reloaded settings",
			zap.String("log_level", next.Logging.Level),
			zap.Bool("rate_limit", next.RateLimit.Enabled),
			zap.Int("requests_per_minute", next.RateLimit.RequestsPerMinute))
	})

	serverErrors := make(chan error, 1)
	go func() {
		log.Info("HTTP server listening", zap.Int("port", cfg.Server.Port))
		serverErrors <- srv.Start(ctx)
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if err != nil {
			log.Error("Server error", zap.Error(err))
		}
	case sig := <-shutdown:
		log.Info("Shutdown signal received", zap.String("signal", sig.String()))

		// Give outstanding requests 30 seconds to complete
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := srv.Stop(shutdownCtx); err != nil {
			log.Error("Failed to shutdown server gracefully", zap.Error(err))
		}
		log.Info("Server shutdown complete")
	}
	cancel()
}

// performHealthCheck performs a health check against the running server
func performHealthCheck(port int) {
	client := &http.Client{
		Timeout: 5 * time.Second,
	}

	resp, err := client.Get(fmt.Sprintf("http://localhost:%d/health", port))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Health check failed: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(os.Stderr, "Health check failed: HTTP %d\n", resp.StatusCode)
		os.Exit(1)
	}

	fmt.Println("Health check passed")
	os.Exit(0)
}
