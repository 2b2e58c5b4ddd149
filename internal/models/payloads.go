package models

// These structs define the JSON payloads exchanged with the table-builder
// function and the downstream workflow.

// ExtractionRequest is the input for the table-builder function.
// Empty fields fall back to the function's environment configuration.
type ExtractionRequest struct {
	SourceURI   string `json:"sourceUri"`
	OutputURI   string `json:"outputUri"`
	ExecutionID string `json:"executionId"`
}

// ExtractionResponse is the output of the table-builder function.
type ExtractionResponse struct {
	Status        string `json:"status"`
	RunID         string `json:"runId"`
	OutputURI     string `json:"outputUri"`
	DocumentCount int    `json:"documentCount"`
	RowCount      int    `json:"rowCount"`
}

// TableReadyEvent is the argument passed to the downstream workflow.
type TableReadyEvent struct {
	RunID     string `json:"runId"`
	OutputURI string `json:"outputUri"`
	RowCount  int    `json:"rowCount"`
}

// GCSEvent is the data payload of a Cloud Storage CloudEvent.
type GCSEvent struct {
	Bucket string `json:"bucket"`
	Name   string `json:"name"`
}
