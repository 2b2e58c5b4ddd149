package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"github.com/Lllllllleong/annotationtable/internal/annotations"
	"github.com/Lllllllleong/annotationtable/internal/gcp"
	"github.com/Lllllllleong/annotationtable/internal/models"
	"github.com/Lllllllleong/annotationtable/internal/sink"
	"github.com/Lllllllleong/annotationtable/internal/source"
	"github.com/google/uuid"
)

// RunIDPlaceholder in an output URI is replaced with the run ID.
const RunIDPlaceholder = "{runId}"

// ExtractionConfig holds configuration for the extraction service.
type ExtractionConfig struct {
	ProjectID        string
	SourceURI        string
	OutputURI        string
	CacheDir         string
	Pattern          string
	Workers          int
	SkipMalformed    bool
	CollectionName   string
	WorkflowID       string
	WorkflowLocation string
}

// LoadExtractionConfig reads the service configuration from the environment.
func LoadExtractionConfig() (ExtractionConfig, error) {
	workers, err := strconv.Atoi(gcp.GetEnv("EXTRACT_WORKERS", "1"))
	if err != nil {
		return ExtractionConfig{}, fmt.Errorf("EXTRACT_WORKERS must be an integer: %w", err)
	}
	skip, err := strconv.ParseBool(gcp.GetEnv("SKIP_MALFORMED", "false"))
	if err != nil {
		return ExtractionConfig{}, fmt.Errorf("SKIP_MALFORMED must be a boolean: %w", err)
	}

	srcCfg := source.ConfigFromEnv()
	return ExtractionConfig{
		ProjectID:        gcp.GetEnv("PROJECT_ID", ""),
		SourceURI:        srcCfg.SourceURL,
		OutputURI:        gcp.GetEnv("TABLE_OUTPUT_URI", ""),
		CacheDir:         srcCfg.CacheDir,
		Pattern:          srcCfg.Pattern,
		Workers:          workers,
		SkipMalformed:    skip,
		CollectionName:   gcp.GetEnv("FIRESTORE_COLLECTION", "extraction_runs"),
		WorkflowID:       gcp.GetEnv("WORKFLOW_ID", ""),
		WorkflowLocation: gcp.GetEnv("WORKFLOW_LOCATION", "us-central1"),
	}, nil
}

// Trigger hands a finished table to whatever runs next.
type Trigger interface {
	Trigger(ctx context.Context, payload any) (string, error)
}

// ExtractionFunction holds dependencies for building annotation tables.
type ExtractionFunction struct {
	storageClient *storage.Client
	recorder      RunRecorder
	trigger       Trigger
	config        ExtractionConfig
	newSink       func(uri string) (sink.Sink, error)
	newRunID      func() string
	now           func() time.Time
}

// NewExtraction creates an ExtractionFunction from environment configuration.
// Firestore bookkeeping needs PROJECT_ID and can be turned off with
// FIRESTORE_DISABLED=true; the workflow hand-off only happens when WORKFLOW_ID is set.
func NewExtraction(ctx context.Context) (*ExtractionFunction, error) {
	config, err := LoadExtractionConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	storageClient, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage client: %w", err)
	}

	var recorder RunRecorder = nopRecorder{}
	if config.ProjectID != "" && gcp.GetEnv("FIRESTORE_DISABLED", "false") != "true" {
		firestoreClient, err := gcp.NewFirestoreClient(ctx, config.ProjectID)
		if err != nil {
			return nil, err
		}
		recorder = NewFirestoreRecorder(firestoreClient, config.CollectionName)
	}

	var trigger Trigger
	if config.WorkflowID != "" {
		wt, err := gcp.NewWorkflowTrigger(ctx, gcp.WorkflowTarget{
			ProjectID: config.ProjectID,
			Location:  config.WorkflowLocation,
			Workflow:  config.WorkflowID,
		})
		if err != nil {
			return nil, err
		}
		trigger = wt
	}

	slog.Info("Extraction service initialized.", "source", config.SourceURI, "workflow", config.WorkflowID)
	return NewExtractionWith(config, storageClient, recorder, trigger), nil
}

// NewExtractionWith wires an ExtractionFunction from explicit dependencies.
// storageClient may be nil when only local paths are used; recorder and
// trigger may be nil to disable them.
func NewExtractionWith(config ExtractionConfig, storageClient *storage.Client, recorder RunRecorder, trigger Trigger) *ExtractionFunction {
	if recorder == nil {
		recorder = nopRecorder{}
	}
	return &ExtractionFunction{
		storageClient: storageClient,
		recorder:      recorder,
		trigger:       trigger,
		config:        config,
		newSink: func(uri string) (sink.Sink, error) {
			return sink.New(uri, storageClient)
		},
		newRunID: func() string { return uuid.New().String() },
		now:      time.Now,
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// Process runs one extraction: list the annotations, build the table, write
// it out, and record the run.
func (f *ExtractionFunction) Process(ctx context.Context, req *models.ExtractionRequest) (*models.ExtractionResponse, error) {
	runID := f.newRunID()
	logCtx := slog.With("runId", runID, "executionId", req.ExecutionID)

	sourceURI := firstNonEmpty(req.SourceURI, f.config.SourceURI)
	outputURI := strings.ReplaceAll(firstNonEmpty(req.OutputURI, f.config.OutputURI), RunIDPlaceholder, runID)
	if sourceURI == "" && f.config.CacheDir == "" {
		return nil, fmt.Errorf("no annotation source configured")
	}
	if outputURI == "" {
		return nil, fmt.Errorf("no output location configured")
	}

	run := &models.ExtractionRun{
		RunID:       runID,
		Source:      firstNonEmpty(sourceURI, f.config.CacheDir),
		Status:      models.StatusListing,
		ExecutionID: req.ExecutionID,
		CreatedAt:   f.now(),
	}
	if err := f.recorder.Start(ctx, run); err != nil {
		logCtx.Error("Failed to create run record", "error", err)
		return nil, err
	}
	logCtx.Info("Starting extraction.", "source", run.Source, "output", outputURI)

	// --- 1. Enumerate annotation documents ---
	src, err := source.New(source.Config{
		CacheDir:  f.config.CacheDir,
		SourceURL: sourceURI,
		Pattern:   f.config.Pattern,
	}, f.storageClient)
	if err != nil {
		return nil, f.handleError(ctx, logCtx, runID, "failed to configure annotation source", err)
	}
	ids, err := src.List(ctx)
	if err != nil {
		return nil, f.handleError(ctx, logCtx, runID, "failed to list annotations", err)
	}
	if len(ids) == 0 {
		logCtx.Warn("No annotation documents found. Writing an empty table.")
	}
	logCtx.Info("Found annotation documents.", "documentCount", len(ids))

	// --- 2. Build the table ---
	if err := f.recorder.UpdateStatus(ctx, runID, models.StatusExtracting, ""); err != nil {
		logCtx.Warn("Failed to update run status", "error", err)
	}
	if err := src.Prefetch(ctx, ids, f.config.Workers); err != nil {
		return nil, f.handleError(ctx, logCtx, runID, "failed to download annotations", err)
	}
	table, skipped, err := f.extract(ctx, logCtx, src, ids)
	if err != nil {
		return nil, f.handleError(ctx, logCtx, runID, "failed to extract annotations", err)
	}

	// --- 3. Write the table ---
	if err := f.recorder.UpdateStatus(ctx, runID, models.StatusWriting, ""); err != nil {
		logCtx.Warn("Failed to update run status", "error", err)
	}
	out, err := f.newSink(outputURI)
	if err != nil {
		return nil, f.handleError(ctx, logCtx, runID, "failed to configure output", err)
	}
	if err := out.Write(ctx, table); err != nil {
		return nil, f.handleError(ctx, logCtx, runID, "failed to write table", err)
	}

	// --- 4. Record the result and hand off ---
	run.Status = models.StatusCompleted
	run.DocumentCount = table.Documents
	run.RowCount = table.Len()
	run.ClassCounts = table.ClassCounts()
	run.SkippedDocuments = skipped
	run.OutputURI = out.URI()
	run.CompletedAt = f.now()
	if err := f.recorder.Complete(ctx, run); err != nil {
		logCtx.Error("Failed to record completed run", "error", err)
		return nil, err
	}

	if f.trigger != nil {
		execName, err := f.trigger.Trigger(ctx, models.TableReadyEvent{
			RunID:     runID,
			OutputURI: run.OutputURI,
			RowCount:  run.RowCount,
		})
		if err != nil {
			return nil, f.handleError(ctx, logCtx, runID, "table written but workflow hand-off failed", err)
		}
		logCtx.Info("Triggered downstream workflow.", "execution", execName)
	}

	logCtx.Info("Extraction complete.", "documentCount", run.DocumentCount, "rowCount", run.RowCount, "skipped", len(skipped))
	return &models.ExtractionResponse{
		Status:        "success",
		RunID:         runID,
		OutputURI:     run.OutputURI,
		DocumentCount: run.DocumentCount,
		RowCount:      run.RowCount,
	}, nil
}

// extract builds the table. With SkipMalformed, documents are extracted one
// at a time and malformed ones are logged and left out; the extractor itself
// always stops at the first bad document.
func (f *ExtractionFunction) extract(ctx context.Context, logCtx *slog.Logger, src *source.Source, ids []string) (*annotations.Table, []string, error) {
	extractor := annotations.NewExtractor(src).Workers(f.config.Workers)
	if !f.config.SkipMalformed {
		table, err := extractor.Extract(ctx, ids)
		return table, nil, err
	}

	table := &annotations.Table{}
	var skipped []string
	for _, id := range ids {
		part, err := extractor.Extract(ctx, []string{id})
		if errors.Is(err, annotations.ErrMalformedDocument) {
			logCtx.Warn("Skipping malformed annotation document.", "id", id, "error", err)
			skipped = append(skipped, id)
			continue
		}
		if err != nil {
			return nil, nil, err
		}
		table.Rows = append(table.Rows, part.Rows...)
		table.Documents += part.Documents
	}
	return table, skipped, nil
}

func (f *ExtractionFunction) handleError(ctx context.Context, logCtx *slog.Logger, runID, message string, originalErr error) error {
	fullError := fmt.Errorf("%s: %w", message, originalErr)
	logCtx.Error("Extraction failed", "error", fullError)
	if err := f.recorder.UpdateStatus(ctx, runID, models.StatusFailed, fullError.Error()); err != nil {
		logCtx.Error("CRITICAL: Failed to update status to FAILED", "error", err)
	}
	return fullError
}
