package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/GoogleCloudPlatform/functions-framework-go/functions"
	"github.com/Lllllllleong/annotationtable/internal/annotations"
	"github.com/Lllllllleong/annotationtable/internal/models"
	"github.com/Lllllllleong/annotationtable/internal/services"
	cloudevents "github.com/cloudevents/sdk-go/v2"
)

var (
	watcherInstance *services.WatcherFunction
	once            sync.Once
	initErr         error
)

func init() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))
	functions.CloudEvent("OnAnnotationUploaded", onAnnotationUploaded)
}

// main is required by the Go Functions Framework.
func main() {}

type uploadProcessor interface {
	Process(ctx context.Context, e models.GCSEvent) error
}

func onAnnotationUploaded(ctx context.Context, e cloudevents.Event) error {
	once.Do(func() {
		watcherInstance, initErr = services.NewWatcher(context.Background())
	})
	if initErr != nil {
		slog.Error("Critical error during function initialization", "error", initErr)
		return initErr
	}
	return handleUpload(ctx, watcherInstance, e)
}

// handleUpload runs the watcher for one finalize event. A malformed or
// vanished annotation cannot succeed on redelivery, so it is logged and
// acknowledged; every other failure is returned for a retry.
func handleUpload(ctx context.Context, p uploadProcessor, e cloudevents.Event) error {
	var gcsEvent models.GCSEvent
	if err := json.Unmarshal(e.Data(), &gcsEvent); err != nil {
		slog.Error("Failed to unmarshal event data", "error", err, "data", string(e.Data()))
		return fmt.Errorf("json.Unmarshal: %w", err)
	}

	err := p.Process(ctx, gcsEvent)
	if errors.Is(err, annotations.ErrMalformedDocument) || errors.Is(err, annotations.ErrDocumentNotFound) {
		slog.Warn("Dropping annotation upload that cannot be tabled.", "bucket", gcsEvent.Bucket, "object", gcsEvent.Name, "error", err)
		return nil
	}
	return err
}
