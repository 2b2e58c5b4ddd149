package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"sync"

	"github.com/GoogleCloudPlatform/functions-framework-go/functions"
	"github.com/Lllllllleong/annotationtable/internal/annotations"
	"github.com/Lllllllleong/annotationtable/internal/models"
	"github.com/Lllllllleong/annotationtable/internal/services"
)

var (
	extractionInstance *services.ExtractionFunction
	once               sync.Once
	initErr            error
)

func init() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))
	functions.HTTP("HandleBuildTable", handleBuildTable)
}

// main is required by the Go Functions Framework.
func main() {}

// tableBuilder is the part of services.ExtractionFunction the handler needs.
type tableBuilder interface {
	Process(ctx context.Context, req *models.ExtractionRequest) (*models.ExtractionResponse, error)
}

// errorResponse is the JSON body returned when a build fails on a document.
type errorResponse struct {
	Status     string `json:"status"`
	Error      string `json:"error"`
	DocumentID string `json:"documentId,omitempty"`
}

func handleBuildTable(w http.ResponseWriter, r *http.Request) {
	once.Do(func() {
		extractionInstance, initErr = services.NewExtraction(context.Background())
	})
	if initErr != nil {
		slog.Error("Critical: Extraction service initialization failed", "error", initErr)
		http.Error(w, "Internal Server Error: failed to initialize service", http.StatusInternalServerError)
		return
	}
	serveBuildTable(w, r, extractionInstance)
}

func serveBuildTable(w http.ResponseWriter, r *http.Request, builder tableBuilder) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}

	var req models.ExtractionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Could not decode request body", "error", err)
		http.Error(w, "Bad Request: could not parse JSON", http.StatusBadRequest)
		return
	}

	res, err := builder.Process(r.Context(), &req)
	if err != nil {
		// Process has already logged the failure with run context.
		writeBuildError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// writeBuildError maps a failed build to a status. Bad or missing annotation
// documents are the caller's data problem and name the document at fault.
func writeBuildError(w http.ResponseWriter, err error) {
	var docErr *annotations.DocumentError
	if !errors.As(err, &docErr) {
		http.Error(w, "Internal Server Error: processing failed", http.StatusInternalServerError)
		return
	}

	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, annotations.ErrMalformedDocument):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, annotations.ErrDocumentNotFound):
		status = http.StatusNotFound
	}
	writeJSON(w, status, errorResponse{Status: "error", Error: docErr.Err.Error(), DocumentID: docErr.ID})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("Failed to write response", "error", err, "status", status)
	}
}
