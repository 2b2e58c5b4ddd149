package gcp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
)

// GetEnv is a helper to read an environment variable or return a default value.
func GetEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

// IsGCSURI reports whether uri uses the gs:// scheme.
func IsGCSURI(uri string) bool {
	return strings.HasPrefix(uri, "gs://")
}

// ParseGCSURI splits gs://bucket/object/path into its bucket and object parts.
// The object part may be empty (a bare bucket) or a prefix.
func ParseGCSURI(uri string) (bucket, object string, err error) {
	if !IsGCSURI(uri) {
		return "", "", fmt.Errorf("not a gs:// URI: %q", uri)
	}
	rest := strings.TrimPrefix(uri, "gs://")
	bucket, object, _ = strings.Cut(rest, "/")
	if bucket == "" {
		return "", "", fmt.Errorf("missing bucket in %q", uri)
	}
	return bucket, object, nil
}

// GCSURI formats a bucket and object back into a gs:// URI.
func GCSURI(bucket, object string) string {
	return fmt.Sprintf("gs://%s/%s", bucket, object)
}

var (
	// ErrObjectExists is returned by SaveToGCSAtomically when the destination already exists.
	ErrObjectExists = errors.New("object already exists")
	// ErrObjectChanged is returned by ReplaceGCSObject when another writer got there first.
	ErrObjectChanged = errors.New("object changed during write")
)

// SaveToGCSAtomically streams content to a GCS object only if it doesn't already exist.
// An existing object is reported as ErrObjectExists.
func SaveToGCSAtomically(ctx context.Context, bucket *storage.BucketHandle, objectName, contentType string, content io.Reader) error {
	obj := bucket.Object(objectName).If(storage.Conditions{DoesNotExist: true})
	return writeObject(ctx, obj, contentType, content, ErrObjectExists)
}

// ReplaceGCSObject creates or overwrites an object. The write is conditioned on
// the generation seen before it, so a concurrent writer makes it fail with
// ErrObjectChanged instead of being silently clobbered.
func ReplaceGCSObject(ctx context.Context, bucket *storage.BucketHandle, objectName, contentType string, content io.Reader) error {
	attrs, err := bucket.Object(objectName).Attrs(ctx)
	if IsNotFound(err) {
		err = SaveToGCSAtomically(ctx, bucket, objectName, contentType, content)
		if errors.Is(err, ErrObjectExists) {
			return fmt.Errorf("%w: %s created concurrently", ErrObjectChanged, objectName)
		}
		return err
	}
	if err != nil {
		return fmt.Errorf("failed to stat GCS object %s: %w", objectName, err)
	}
	obj := bucket.Object(objectName).If(storage.Conditions{GenerationMatch: attrs.Generation})
	return writeObject(ctx, obj, contentType, content, ErrObjectChanged)
}

// writeObject streams content to obj and maps a 412 to conflict.
func writeObject(ctx context.Context, obj *storage.ObjectHandle, contentType string, content io.Reader, conflict error) error {
	writer := obj.NewWriter(ctx)
	writer.ContentType = contentType

	if _, err := io.Copy(writer, content); err != nil {
		_ = writer.Close()
		if isPreconditionFailed(err) {
			slog.Info("GCS write precondition failed.", "object", obj.ObjectName(), "error", conflict)
			return conflict
		}
		slog.Error("Failed to copy content to GCS object", "object", obj.ObjectName(), "error", err)
		return fmt.Errorf("failed to write to GCS: %w", err)
	}

	if err := writer.Close(); err != nil {
		if isPreconditionFailed(err) {
			slog.Info("GCS write precondition failed.", "object", obj.ObjectName(), "error", conflict)
			return conflict
		}
		slog.Error("Failed to close GCS writer", "object", obj.ObjectName(), "error", err)
		return fmt.Errorf("failed to finalize GCS write: %w", err)
	}
	return nil
}

func isPreconditionFailed(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == http.StatusPreconditionFailed
}

// IsNotFound reports whether err means a bucket or object does not exist.
func IsNotFound(err error) bool {
	if errors.Is(err, storage.ErrObjectNotExist) || errors.Is(err, storage.ErrBucketNotExist) {
		return true
	}
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == http.StatusNotFound
}
