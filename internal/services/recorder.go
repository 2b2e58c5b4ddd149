package services

import (
	"context"
	"fmt"

	"cloud.google.com/go/firestore"
	"github.com/Lllllllleong/annotationtable/internal/models"
)

// RunRecorder persists the lifecycle of extraction runs.
type RunRecorder interface {
	Start(ctx context.Context, run *models.ExtractionRun) error
	UpdateStatus(ctx context.Context, runID, status, errDetails string) error
	Complete(ctx context.Context, run *models.ExtractionRun) error
}

// FirestoreRecorder stores one document per run, keyed by run ID.
type FirestoreRecorder struct {
	client     *firestore.Client
	collection string
}

// NewFirestoreRecorder returns a recorder writing into collection.
func NewFirestoreRecorder(client *firestore.Client, collection string) *FirestoreRecorder {
	return &FirestoreRecorder{client: client, collection: collection}
}

func (r *FirestoreRecorder) doc(runID string) *firestore.DocumentRef {
	return r.client.Collection(r.collection).Doc(runID)
}

// Start creates the run document. It fails if the run ID is already taken.
func (r *FirestoreRecorder) Start(ctx context.Context, run *models.ExtractionRun) error {
	if _, err := r.doc(run.RunID).Create(ctx, run); err != nil {
		return fmt.Errorf("failed to create run document: %w", err)
	}
	return nil
}

// UpdateStatus moves the run to status, recording errDetails when non-empty.
func (r *FirestoreRecorder) UpdateStatus(ctx context.Context, runID, status, errDetails string) error {
	updates := []firestore.Update{
		{Path: "status", Value: status},
	}
	if errDetails != "" {
		updates = append(updates, firestore.Update{Path: "errorDetails", Value: errDetails})
	}
	if _, err := r.doc(runID).Update(ctx, updates); err != nil {
		return fmt.Errorf("failed to update run status to %s: %w", status, err)
	}
	return nil
}

// Complete writes the final counts and output location.
func (r *FirestoreRecorder) Complete(ctx context.Context, run *models.ExtractionRun) error {
	updates := []firestore.Update{
		{Path: "status", Value: run.Status},
		{Path: "documentCount", Value: run.DocumentCount},
		{Path: "rowCount", Value: run.RowCount},
		{Path: "classCounts", Value: run.ClassCounts},
		{Path: "skippedDocuments", Value: run.SkippedDocuments},
		{Path: "outputUri", Value: run.OutputURI},
		{Path: "completedAt", Value: run.CompletedAt},
	}
	if _, err := r.doc(run.RunID).Update(ctx, updates); err != nil {
		return fmt.Errorf("failed to complete run document: %w", err)
	}
	return nil
}

// nopRecorder is used when run bookkeeping is disabled.
type nopRecorder struct{}

func (nopRecorder) Start(context.Context, *models.ExtractionRun) error { return nil }

func (nopRecorder) UpdateStatus(context.Context, string, string, string) error { return nil }

func (nopRecorder) Complete(context.Context, *models.ExtractionRun) error { return nil }
