// Package sink persists an annotation table as CSV.
package sink

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"cloud.google.com/go/storage"
	"github.com/Lllllllleong/annotationtable/internal/annotations"
	"github.com/Lllllllleong/annotationtable/internal/gcp"
)

// ContentType is set on uploaded tables.
const ContentType = "text/csv"

// Sink receives a finished table.
type Sink interface {
	Write(ctx context.Context, t *annotations.Table) error
	// URI names the destination for logs and run records.
	URI() string
}

// WriteCSV writes the header row followed by one line per table row.
func WriteCSV(w io.Writer, t *annotations.Table) error {
	cw := csv.NewWriter(w)
	if err := cw.WriteAll(t.Records()); err != nil {
		return fmt.Errorf("failed to write CSV: %w", err)
	}
	return nil
}

// FileSink writes the table to a local path.
type FileSink struct {
	Path string
}

// URI implements Sink.
func (s FileSink) URI() string { return s.Path }

// Write implements Sink. The file is replaced atomically via rename.
func (s FileSink) Write(_ context.Context, t *annotations.Table) error {
	dir := filepath.Dir(s.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".table-*.csv")
	if err != nil {
		return fmt.Errorf("failed to create temp output: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := WriteCSV(tmp, t); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to finalize output: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.Path); err != nil {
		return fmt.Errorf("failed to move output into place: %w", err)
	}
	slog.Info("Wrote annotation table.", "path", s.Path, "rows", t.Len())
	return nil
}

// WriterSink writes the table to an arbitrary writer, e.g. stdout.
type WriterSink struct {
	W    io.Writer
	Name string
}

// URI implements Sink.
func (s WriterSink) URI() string { return s.Name }

// Write implements Sink.
func (s WriterSink) Write(_ context.Context, t *annotations.Table) error {
	return WriteCSV(s.W, t)
}

// GCSSink uploads the table to a Cloud Storage object, replacing any previous
// table at that location. A write that races another writer fails rather than
// reporting a table that is not the one stored.
type GCSSink struct {
	uri    string
	object string
	save   func(ctx context.Context, object, contentType string, content io.Reader) error
}

// NewGCSSink binds a storage client to a gs://bucket/object URI.
func NewGCSSink(client *storage.Client, uri string) (*GCSSink, error) {
	bucket, object, err := gcp.ParseGCSURI(uri)
	if err != nil {
		return nil, err
	}
	if object == "" {
		return nil, fmt.Errorf("output URI %q has no object name", uri)
	}
	handle := client.Bucket(bucket)
	return &GCSSink{
		uri:    uri,
		object: object,
		save: func(ctx context.Context, object, contentType string, content io.Reader) error {
			return gcp.ReplaceGCSObject(ctx, handle, object, contentType, content)
		},
	}, nil
}

// URI implements Sink.
func (s *GCSSink) URI() string { return s.uri }

// Write implements Sink.
func (s *GCSSink) Write(ctx context.Context, t *annotations.Table) error {
	var buf bytes.Buffer
	if err := WriteCSV(&buf, t); err != nil {
		return err
	}
	if err := s.save(ctx, s.object, ContentType, &buf); err != nil {
		return fmt.Errorf("failed to upload table to %s: %w", s.uri, err)
	}
	slog.Info("Uploaded annotation table.", "uri", s.uri, "rows", t.Len())
	return nil
}

// New picks a sink for uri: gs:// goes to Cloud Storage, "-" to stdout and
// anything else to a local file.
func New(uri string, client *storage.Client) (Sink, error) {
	switch {
	case gcp.IsGCSURI(uri):
		if client == nil {
			return nil, fmt.Errorf("a storage client is required for %s", uri)
		}
		s, err := NewGCSSink(client, uri)
		if err != nil {
			return nil, err
		}
		return s, nil
	case uri == "-":
		return WriterSink{W: os.Stdout, Name: "stdout"}, nil
	case uri == "":
		return nil, fmt.Errorf("output location must be set")
	default:
		return FileSink{Path: uri}, nil
	}
}
