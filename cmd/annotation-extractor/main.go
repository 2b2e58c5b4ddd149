// Command annotation-extractor builds the annotation table from a local
// directory, a gs:// prefix or an http(s) origin and writes it as CSV.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"

	"cloud.google.com/go/storage"
	"github.com/Lllllllleong/annotationtable/internal/gcp"
	"github.com/Lllllllleong/annotationtable/internal/models"
	"github.com/Lllllllleong/annotationtable/internal/services"
	"github.com/joho/godotenv"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	loadEnvFile(logger, ".env")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "annotation-extractor: %v\n", err)
		os.Exit(1)
	}
}

// loadEnvFile applies variables from path. A missing or unreadable file is
// reported and the process environment is used as is.
func loadEnvFile(logger *slog.Logger, path string) {
	if err := godotenv.Load(path); err != nil {
		logger.Warn("No .env file loaded, using system environment variables", "path", path, "error", err)
	}
}

func run(ctx context.Context, args []string, stderr io.Writer) error {
	config, err := services.LoadExtractionConfig()
	if err != nil {
		return err
	}

	fs := flag.NewFlagSet("annotation-extractor", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&config.SourceURI, "source", config.SourceURI, "annotation directory, gs://bucket/prefix or http(s) base URL")
	fs.StringVar(&config.OutputURI, "out", gcp.GetEnv("TABLE_OUTPUT_URI", "-"), "output CSV path, gs://bucket/object or - for stdout")
	fs.StringVar(&config.CacheDir, "cache-dir", config.CacheDir, "local cache for downloaded annotations")
	fs.StringVar(&config.Pattern, "pattern", config.Pattern, "file name pattern of annotation documents")
	fs.IntVar(&config.Workers, "workers", config.Workers, "documents read concurrently")
	fs.BoolVar(&config.SkipMalformed, "skip-malformed", config.SkipMalformed, "log and skip malformed documents instead of failing")
	if err := fs.Parse(args); err != nil {
		return err
	}

	var storageClient *storage.Client
	if gcp.IsGCSURI(config.SourceURI) || gcp.IsGCSURI(config.OutputURI) {
		storageClient, err = storage.NewClient(ctx)
		if err != nil {
			return fmt.Errorf("failed to create storage client: %w", err)
		}
		defer storageClient.Close()
	}

	extraction := services.NewExtractionWith(config, storageClient, nil, nil)
	res, err := extraction.Process(ctx, &models.ExtractionRequest{})
	if err != nil {
		return err
	}

	slog.Info("Table written.", "output", res.OutputURI, "documents", res.DocumentCount, "rows", res.RowCount)
	return nil
}
