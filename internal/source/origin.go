package source

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"github.com/Lllllllleong/annotationtable/internal/annotations"
	"github.com/Lllllllleong/annotationtable/internal/gcp"
	"github.com/valyala/fasthttp"
	"google.golang.org/api/iterator"
)

// Origin is where annotation documents are ultimately read from.
type Origin interface {
	Open(ctx context.Context, id string) (io.ReadCloser, error)
}

// Lister is implemented by origins that can enumerate their documents.
type Lister interface {
	List(ctx context.Context, pattern string) ([]string, error)
}

// CacheKeyer is implemented by origins whose identifiers carry a prefix that
// should not be repeated in the cache directory.
type CacheKeyer interface {
	CacheKey(id string) string
}

func baseName(id string) string {
	if i := strings.LastIndexAny(id, `/\`); i >= 0 {
		return id[i+1:]
	}
	return id
}

func matches(pattern, id string) (bool, error) {
	ok, err := path.Match(pattern, baseName(id))
	if err != nil {
		return false, fmt.Errorf("bad pattern %q: %w", pattern, err)
	}
	return ok, nil
}

// LocalOrigin reads annotations from a directory on disk. Identifiers are file paths.
type LocalOrigin struct {
	Dir string
}

// List implements Lister. Only regular files directly inside Dir are returned.
func (o LocalOrigin) List(_ context.Context, pattern string) ([]string, error) {
	entries, err := os.ReadDir(o.Dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read annotation directory %s: %w", o.Dir, err)
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ok, err := matches(pattern, e.Name())
		if err != nil {
			return nil, err
		}
		if ok {
			ids = append(ids, filepath.Join(o.Dir, e.Name()))
		}
	}
	return ids, nil
}

// Open implements Origin. Bare file names are resolved inside Dir.
func (o LocalOrigin) Open(ctx context.Context, id string) (io.ReadCloser, error) {
	if filepath.Dir(id) == "." {
		id = filepath.Join(o.Dir, id)
	}
	return annotations.FileReader{}.Open(ctx, id)
}

// GCSOrigin reads annotations from objects under a bucket prefix. Identifiers are object names.
type GCSOrigin struct {
	client *storage.Client
	bucket string
	prefix string
}

// NewGCSOrigin binds a storage client to a gs://bucket/prefix URI.
func NewGCSOrigin(client *storage.Client, uri string) (*GCSOrigin, error) {
	bucket, prefix, err := gcp.ParseGCSURI(uri)
	if err != nil {
		return nil, err
	}
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &GCSOrigin{client: client, bucket: bucket, prefix: prefix}, nil
}

// List implements Lister.
func (o *GCSOrigin) List(ctx context.Context, pattern string) ([]string, error) {
	query := &storage.Query{Prefix: o.prefix}
	if err := query.SetAttrSelection([]string{"Name"}); err != nil {
		return nil, fmt.Errorf("failed to build object query: %w", err)
	}
	it := o.client.Bucket(o.bucket).Objects(ctx, query)

	var ids []string
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to list annotations in gs://%s/%s: %w", o.bucket, o.prefix, err)
		}
		if strings.HasSuffix(attrs.Name, "/") {
			continue
		}
		ok, err := matches(pattern, attrs.Name)
		if err != nil {
			return nil, err
		}
		if ok {
			ids = append(ids, attrs.Name)
		}
	}
	return ids, nil
}

// CacheKey implements CacheKeyer. Object names are cached relative to the prefix.
func (o *GCSOrigin) CacheKey(id string) string {
	return strings.TrimPrefix(id, o.prefix)
}

// Open implements Origin. Bare names are resolved under the origin prefix.
func (o *GCSOrigin) Open(ctx context.Context, id string) (io.ReadCloser, error) {
	name := id
	if !strings.HasPrefix(name, o.prefix) {
		name = o.prefix + baseName(id)
	}
	r, err := o.client.Bucket(o.bucket).Object(name).NewReader(ctx)
	if err != nil {
		if gcp.IsNotFound(err) {
			return nil, fmt.Errorf("%w: %s", annotations.ErrDocumentNotFound, gcp.GCSURI(o.bucket, name))
		}
		return nil, fmt.Errorf("failed to get GCS object reader for %s: %w", gcp.GCSURI(o.bucket, name), err)
	}
	return r, nil
}

// HTTPOrigin downloads annotations relative to a base URL. It cannot list.
type HTTPOrigin struct {
	base    string
	client  *fasthttp.Client
	timeout time.Duration
}

// NewHTTPOrigin returns an origin fetching <base>/<name>. A nil client uses a default one.
func NewHTTPOrigin(base string, client *fasthttp.Client) *HTTPOrigin {
	if client == nil {
		client = &fasthttp.Client{Name: "annotationtable"}
	}
	return &HTTPOrigin{
		base:    strings.TrimRight(base, "/"),
		client:  client,
		timeout: 30 * time.Second,
	}
}

// URL returns the download URL for an identifier.
func (o *HTTPOrigin) URL(id string) string {
	return o.base + "/" + baseName(id)
}

// CacheKey implements CacheKeyer. Only the base name reaches the server.
func (o *HTTPOrigin) CacheKey(id string) string {
	return baseName(id)
}

// Open implements Origin. The whole body is buffered; annotation files are small.
func (o *HTTPOrigin) Open(ctx context.Context, id string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	req := fasthttp.AcquireRequest()
	defer fasthttp.ReleaseRequest(req)
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseResponse(resp)

	url := o.URL(id)
	req.SetRequestURI(url)
	req.Header.SetMethod(fasthttp.MethodGet)

	var err error
	if deadline, ok := ctx.Deadline(); ok {
		err = o.client.DoDeadline(req, resp, deadline)
	} else {
		err = o.client.DoTimeout(req, resp, o.timeout)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to download %s: %w", url, err)
	}

	switch code := resp.StatusCode(); {
	case code == fasthttp.StatusNotFound:
		return nil, fmt.Errorf("%w: %s", annotations.ErrDocumentNotFound, url)
	case code != fasthttp.StatusOK:
		return nil, fmt.Errorf("failed to download %s: unexpected status %d", url, code)
	}

	body := append([]byte(nil), resp.Body()...)
	return io.NopCloser(bytes.NewReader(body)), nil
}

func isNotExist(err error) bool {
	return errors.Is(err, fs.ErrNotExist)
}
