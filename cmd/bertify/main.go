package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/raaihank/bertify/internal/app"
	"github.com/raaihank/bertify/internal/config"
	"github.com/raaihank/bertify/internal/etl"
	"github.com/raaihank/bertify/internal/logger"
	"github.com/raaihank/bertify/internal/server"
	"github.com/raaihank/bertify/internal/service"
)

func main() {
	var (
		configPath  = flag.String("config", "", "Configuration file path")
		inputFile   = flag.String("input", "", "Input dataset file (CSV, JSONL or Parquet)")
		outputFile  = flag.String("output", "", "Output file (Parquet or JSONL)")
		lang        = flag.String("lang", "", "Checkpoint language: en or bn")
		lastFour    = flag.Bool("last-four", false, "Concatenate the last four hidden layers")
		batchSize   = flag.Int("batch-size", 0, "Texts per encoder batch")
		chunkSize   = flag.Int("chunk-size", 0, "Rows read per chunk")
		device      = flag.String("device", "", "Device: auto, cpu or cuda")
		format      = flag.String("format", "", "Output format: parquet or jsonl (default from extension)")
		textColumn  = flag.String("text-column", "", "Name of the text column")
		skipEmpty   = flag.Bool("skip-empty", false, "Drop blank texts instead of embedding them")
		toStore     = flag.Bool("store", false, "Also insert rows into the vector store")
		skipCache   = flag.Bool("skip-cache", false, "Bypass the Redis embedding cache")
		showStats   = flag.Bool("stats", false, "Show vector store and cache statistics and exit")
		clearCache  = flag.Bool("clear-cache", false, "Delete cached embeddings for the selected language and pooling")
		showVersion = flag.Bool("version", false, "Print version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Println("bertify", server.Version)
		return
	}

	maintenance := *showStats || *clearCache
	if !maintenance && (*inputFile == "" || *outputFile == "") {
		fmt.Fprintf(os.Stderr, "Usage: %s --input FILE --output FILE [options]\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "\nOptions:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  %s --input texts.csv --output vectors.parquet\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s --input bn.jsonl --output bn.jsonl --lang bn --last-four\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s --stats\n", os.Args[0])
		os.Exit(1)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Explicit flags win over the config file.
	formatSet := false
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "lang":
			cfg.Embedder.Language = *lang
		case "last-four":
			cfg.Embedder.LastFourLayers = *lastFour
		case "batch-size":
			cfg.Embedder.BatchSize = *batchSize
		case "chunk-size":
			cfg.ETL.ChunkSize = *chunkSize
		case "device":
			cfg.Embedder.Device = *device
		case "format":
			cfg.ETL.OutputFormat = *format
			formatSet = true
		case "text-column":
			cfg.ETL.TextColumn = *textColumn
		case "skip-empty":
			cfg.ETL.SkipEmpty = *skipEmpty
		case "store":
			cfg.Store.Enabled = *toStore
		case "skip-cache":
			cfg.Cache.Enabled = cfg.Cache.Enabled && !*skipCache
		}
	})
	if !formatSet {
		// csv is the fallback for unknown extensions and is not writable
		if f := etl.DetectFileFormat(*outputFile); f != etl.FormatCSV {
			cfg.ETL.OutputFormat = string(f)
		}
	}

	log, err := app.NewLogger(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Info("Received shutdown signal, cancelling operations...")
		cancel()
	}()

	switch {
	case *showStats:
		err = printStats(ctx, cfg, log)
	case *clearCache:
		err = clearCachedEmbeddings(ctx, cfg, log)
	default:
		err = run(ctx, cfg, *inputFile, *outputFile, log)
	}
	if err != nil {
		log.Error("bertify failed", zap.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, inputFile, outputFile string, log *logger.Logger) error {
	if _, err := os.Stat(inputFile); err != nil {
		return fmt.Errorf("input file: %w", err)
	}

	emb, err := app.NewEmbedder(ctx, cfg, nil, log.Logger)
	if err != nil {
		return err
	}

	var opts []service.Option
	embCache, err := app.NewCache(cfg, emb, log.Logger)
	if err != nil {
		log.Warn("Continuing without cache", zap.Error(err))
	} else if embCache != nil {
		defer embCache.Close()
		opts = append(opts, service.WithCache(embCache))
	}
	svc := service.New(emb, log.Logger, opts...)
	defer svc.Close()

	var pipelineOpts []etl.Option
	store, err := app.NewStore(cfg, log.Logger)
	if err != nil {
		return err
	}
	if store != nil {
		defer store.Close()
		pipelineOpts = append(pipelineOpts, etl.WithStore(store))
	}

	pipeline := etl.NewPipeline(svc, &etl.Config{
		ChunkSize:    cfg.ETL.ChunkSize,
		TextColumn:   cfg.ETL.TextColumn,
		OutputFormat: etl.FileFormat(cfg.ETL.OutputFormat),
		SkipEmpty:    cfg.ETL.SkipEmpty,
		CreateIndex:  cfg.Store.CreateIndex,
		ProgressLog:  10 * cfg.ETL.ChunkSize,
	}, log.Logger, pipelineOpts...)

	result, err := pipeline.ProcessFile(ctx, inputFile, outputFile)
	if err != nil {
		return fmt.Errorf("pipeline processing failed: %w", err)
	}

	log.Info("Dataset processing completed",
		zap.String("input", inputFile),
		zap.String("output", outputFile),
		zap.Int64("total_records", result.TotalRecords),
		zap.Int64("processed_ok", result.ProcessedOK),
		zap.Int64("processed_failed", result.ProcessedFailed),
		zap.Int64("cache_hits", result.CacheHits),
		zap.Int64("stored", result.Stored),
		zap.Duration("total_duration", result.Duration),
		zap.Float64("records_per_second", float64(result.ProcessedOK)/result.Duration.Seconds()))

	if len(result.Errors) > 0 {
		log.Warn("Processing completed with errors", zap.Strings("errors", result.Errors))
		return fmt.Errorf("%d of %d records failed", result.ProcessedFailed, result.TotalRecords)
	}
	return nil
}

// printStats displays vector store and cache statistics
func printStats(ctx context.Context, cfg *config.Config, log *logger.Logger) error {
	fmt.Printf("\n=== bertify statistics ===\n")

	store, err := app.NewStore(cfg, log.Logger)
	if err != nil {
		return err
	}
	if store == nil {
		fmt.Printf("Vector store:       disabled\n")
	} else {
		defer store.Close()
		stats, err := store.GetStats(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("Total vectors:      %d\n", stats.TotalVectors)
		for lang, n := range stats.ByLanguage {
			fmt.Printf("  %-16s  %d\n", lang, n)
		}
		fmt.Printf("Index present:      %t\n", stats.Indexed)
	}

	c, err := app.NewConfiguredCache(cfg, log.Logger)
	if err != nil {
		return err
	}
	if c == nil {
		fmt.Printf("Cache:              disabled\n")
		return nil
	}
	defer c.Close()
	cs := c.GetStats(ctx)
	fmt.Printf("Cached keys:        %d\n", cs.TotalKeys)
	fmt.Printf("Redis memory:       %d bytes\n", cs.MemoryUsage)
	return nil
}

// clearCachedEmbeddings drops the cache namespace selected by the config
func clearCachedEmbeddings(ctx context.Context, cfg *config.Config, log *logger.Logger) error {
	c, err := app.NewConfiguredCache(cfg, log.Logger)
	if err != nil {
		return err
	}
	if c == nil {
		return fmt.Errorf("cache is disabled")
	}
	defer c.Close()
	return c.Clear(ctx)
}
