package services

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"

	"cloud.google.com/go/storage"
	"github.com/Lllllllleong/annotationtable/internal/annotations"
	"github.com/Lllllllleong/annotationtable/internal/gcp"
	"github.com/Lllllllleong/annotationtable/internal/models"
	"github.com/Lllllllleong/annotationtable/internal/sink"
	"github.com/Lllllllleong/annotationtable/internal/source"
)

// WatcherConfig holds configuration for the upload watcher.
type WatcherConfig struct {
	TablesBucket string
	Pattern      string
}

// WatcherFunction builds a one-document table whenever an annotation is uploaded.
type WatcherFunction struct {
	config  WatcherConfig
	open    func(ctx context.Context, bucket, name string) (io.ReadCloser, error)
	newSink func(uri string) (sink.Sink, error)
}

// NewWatcher creates a WatcherFunction instance.
func NewWatcher(ctx context.Context) (*WatcherFunction, error) {
	config := WatcherConfig{
		TablesBucket: gcp.GetEnv("TABLES_BUCKET", ""),
		Pattern:      gcp.GetEnv("ANNOTATION_PATTERN", source.DefaultPattern),
	}
	if config.TablesBucket == "" {
		return nil, fmt.Errorf("TABLES_BUCKET must be set")
	}

	storageClient, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage client: %w", err)
	}

	return &WatcherFunction{
		config: config,
		open: func(ctx context.Context, bucket, name string) (io.ReadCloser, error) {
			origin, err := source.NewGCSOrigin(storageClient, gcp.GCSURI(bucket, ""))
			if err != nil {
				return nil, err
			}
			return origin.Open(ctx, name)
		},
		newSink: func(uri string) (sink.Sink, error) {
			return sink.New(uri, storageClient)
		},
	}, nil
}

// TableObjectName maps an annotation object to the object its table is written to.
func TableObjectName(name string) string {
	return strings.TrimSuffix(name, path.Ext(name)) + ".csv"
}

// Process handles a single storage event. Objects not matching the pattern are ignored.
func (f *WatcherFunction) Process(ctx context.Context, e models.GCSEvent) error {
	logCtx := slog.With("bucket", e.Bucket, "object", e.Name)

	ok, err := path.Match(f.config.Pattern, path.Base(e.Name))
	if err != nil {
		return fmt.Errorf("bad ANNOTATION_PATTERN %q: %w", f.config.Pattern, err)
	}
	if !ok || strings.HasSuffix(e.Name, "/") {
		logCtx.Info("Ignoring object that is not an annotation document.")
		return nil
	}

	rc, err := f.open(ctx, e.Bucket, e.Name)
	if err != nil {
		logCtx.Error("Failed to open annotation", "error", err)
		return err
	}
	defer rc.Close()

	rows, err := annotations.ExtractReader(e.Name, rc)
	if err != nil {
		logCtx.Error("Failed to extract annotation", "error", err)
		return err
	}

	outputURI := gcp.GCSURI(f.config.TablesBucket, TableObjectName(e.Name))
	out, err := f.newSink(outputURI)
	if err != nil {
		return fmt.Errorf("failed to configure output: %w", err)
	}
	table := &annotations.Table{Rows: rows, Documents: 1}
	if err := out.Write(ctx, table); err != nil {
		logCtx.Error("Failed to write table", "error", err, "output", outputURI)
		return err
	}

	logCtx.Info("Annotation table written.", "output", outputURI, "rowCount", len(rows))
	return nil
}
