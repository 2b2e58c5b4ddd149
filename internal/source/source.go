// Package source enumerates annotation documents and resolves them to
// readable files, downloading from the configured origin into a local cache
// when a document is not already there.
package source

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"cloud.google.com/go/storage"
	"github.com/Lllllllleong/annotationtable/internal/annotations"
	"github.com/Lllllllleong/annotationtable/internal/gcp"
	"golang.org/x/sync/errgroup"
)

// Source lists annotation identifiers and opens them through a local cache.
// It implements annotations.DocumentReader.
type Source struct {
	cfg    Config
	origin Origin
}

var _ annotations.DocumentReader = (*Source)(nil)

// New builds a Source for cfg. The storage client is only used for gs://
// origins and may be nil otherwise.
func New(cfg Config, client *storage.Client) (*Source, error) {
	var origin Origin
	switch {
	case gcp.IsGCSURI(cfg.SourceURL):
		if client == nil {
			return nil, fmt.Errorf("a storage client is required for %s", cfg.SourceURL)
		}
		o, err := NewGCSOrigin(client, cfg.SourceURL)
		if err != nil {
			return nil, err
		}
		origin = o
	case strings.HasPrefix(cfg.SourceURL, "http://"), strings.HasPrefix(cfg.SourceURL, "https://"):
		origin = NewHTTPOrigin(cfg.SourceURL, nil)
	case cfg.SourceURL != "":
		origin = LocalOrigin{Dir: cfg.SourceURL}
	case cfg.CacheDir != "":
		origin = LocalOrigin{Dir: cfg.CacheDir}
	default:
		return nil, fmt.Errorf("either a source URL or a cache directory must be configured")
	}
	return NewWithOrigin(cfg, origin), nil
}

// NewWithOrigin builds a Source around an explicit origin.
func NewWithOrigin(cfg Config, origin Origin) *Source {
	return &Source{cfg: cfg, origin: origin}
}

// List returns the identifiers of all matching documents, sorted
// lexicographically so output does not depend on listing order. Origins that
// cannot list are enumerated from the cache directory instead.
func (s *Source) List(ctx context.Context) ([]string, error) {
	var (
		ids []string
		err error
	)
	if lister, ok := s.origin.(Lister); ok {
		ids, err = lister.List(ctx, s.cfg.pattern())
	} else if s.cfg.CacheDir != "" {
		ids, err = s.listCache(ctx)
	} else {
		return nil, fmt.Errorf("origin %T cannot list documents and no cache directory is set", s.origin)
	}
	if err != nil {
		return nil, err
	}
	sort.Strings(ids)
	slog.Debug("Listed annotation documents.", "count", len(ids), "source", s.cfg.SourceURL)
	return ids, nil
}

func (s *Source) listCache(ctx context.Context) ([]string, error) {
	paths, err := LocalOrigin{Dir: s.cfg.CacheDir}.List(ctx, s.cfg.pattern())
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(paths))
	for _, p := range paths {
		ids = append(ids, filepath.Base(p))
	}
	return ids, nil
}

func (s *Source) caching() bool {
	if s.cfg.CacheDir == "" {
		return false
	}
	_, local := s.origin.(LocalOrigin)
	return !local
}

// CachePath returns where id is stored in the cache directory. Identifiers
// keep their directory structure below the cache so that documents sharing a
// base name in different folders do not collide.
func (s *Source) CachePath(id string) string {
	key := id
	if k, ok := s.origin.(CacheKeyer); ok {
		key = k.CacheKey(id)
	}
	return filepath.Join(s.cfg.CacheDir, cacheRelPath(key))
}

// cacheRelPath turns a key into a relative path that cannot leave the cache.
func cacheRelPath(key string) string {
	key = path.Clean("/" + strings.ReplaceAll(key, `\`, "/"))
	return filepath.FromSlash(strings.TrimPrefix(key, "/"))
}

// Open implements annotations.DocumentReader. Cached copies are used when
// present; otherwise the document is downloaded into the cache first.
func (s *Source) Open(ctx context.Context, id string) (io.ReadCloser, error) {
	if !s.caching() {
		return s.origin.Open(ctx, id)
	}

	cached := s.CachePath(id)
	f, err := os.Open(cached)
	if err == nil {
		return f, nil
	}
	if !isNotExist(err) {
		return nil, fmt.Errorf("failed to open cached copy %s: %w", cached, err)
	}

	if err := s.download(ctx, id, cached); err != nil {
		return nil, err
	}
	return os.Open(cached)
}

// download copies id from the origin into dest via a temp file and rename, so
// a partially written file is never picked up as a cache hit.
func (s *Source) download(ctx context.Context, id, dest string) error {
	rc, err := s.origin.Open(ctx, id)
	if err != nil {
		return err
	}
	defer rc.Close()

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("failed to create cache directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(dest), ".download-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file in cache: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, rc); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to download %s: %w", id, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to finalize download of %s: %w", id, err)
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		return fmt.Errorf("failed to move %s into cache: %w", id, err)
	}
	slog.Debug("Downloaded annotation into cache.", "id", id, "path", dest)
	return nil
}

// Prefetch warms the cache for ids using up to workers concurrent downloads.
// It is a no-op when the source does not cache.
func (s *Source) Prefetch(ctx context.Context, ids []string, workers int) error {
	if !s.caching() {
		return nil
	}
	if workers < 1 {
		workers = 1
	}

	eg, gctx := errgroup.WithContext(ctx)
	eg.SetLimit(workers)
	for _, id := range ids {
		eg.Go(func() error {
			rc, err := s.Open(gctx, id)
			if err != nil {
				return &annotations.DocumentError{ID: id, Err: err}
			}
			return rc.Close()
		})
	}
	if err := eg.Wait(); err != nil {
		return fmt.Errorf("prefetch failed: %w", err)
	}
	slog.Info("Annotation cache warmed.", "count", len(ids), "cacheDir", s.cfg.CacheDir)
	return nil
}
