package models

import "time"

// Run statuses, in the order a successful run passes through them.
const (
	StatusListing    = "LISTING"
	StatusExtracting = "EXTRACTING"
	StatusWriting    = "WRITING"
	StatusCompleted  = "COMPLETED"
	StatusFailed     = "FAILED"
)

// ExtractionRun is the Firestore record of one table build.
// It tracks the overall status and what was produced.
type ExtractionRun struct {
	RunID         string         `firestore:"runId"`
	Source        string         `firestore:"source,omitempty"`
	Status        string         `firestore:"status,omitempty"`
	ErrorDetails  string         `firestore:"errorDetails,omitempty"`
	DocumentCount int            `firestore:"documentCount"`
	RowCount      int            `firestore:"rowCount"`
	ClassCounts   map[string]int `firestore:"classCounts,omitempty"`
	// SkippedDocuments lists malformed documents left out when skipping is enabled.
	SkippedDocuments []string  `firestore:"skippedDocuments,omitempty"`
	OutputURI        string    `firestore:"outputUri,omitempty"`
	ExecutionID      string    `firestore:"executionId,omitempty"` // For traceability
	CreatedAt        time.Time `firestore:"createdAt,omitempty"`
	CompletedAt      time.Time `firestore:"completedAt,omitempty"`
}
