package annotations

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"

	"golang.org/x/net/html/charset"
	"golang.org/x/sync/errgroup"
)

// DocumentReader opens an annotation document by identifier.
// Implementations should return an error wrapping ErrDocumentNotFound when
// the identifier does not resolve.
type DocumentReader interface {
	Open(ctx context.Context, id string) (io.ReadCloser, error)
}

// FileReader reads documents straight from the local filesystem.
type FileReader struct{}

// Open implements DocumentReader.
func (FileReader) Open(_ context.Context, id string) (io.ReadCloser, error) {
	f, err := os.Open(id)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %v", ErrDocumentNotFound, err)
		}
		return nil, err
	}
	return f, nil
}

// Extractor builds a Table from a sequence of annotation documents.
// The zero value is not usable; call NewExtractor.
type Extractor struct {
	reader  DocumentReader
	workers int
}

// NewExtractor returns a sequential Extractor reading through r.
func NewExtractor(r DocumentReader) *Extractor {
	if r == nil {
		r = FileReader{}
	}
	return &Extractor{reader: r, workers: 1}
}

// Workers sets how many documents may be read and parsed concurrently.
// Output order does not depend on this setting.
func (e *Extractor) Workers(n int) *Extractor {
	if n < 1 {
		n = 1
	}
	e.workers = n
	return e
}

// Extract reads every document in order and returns one row per object node.
// The first failing document aborts the extraction and no table is returned.
func (e *Extractor) Extract(ctx context.Context, ids []string) (*Table, error) {
	if e.workers > 1 && len(ids) > 1 {
		return e.extractParallel(ctx, ids)
	}

	table := &Table{}
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rows, err := e.extractOne(ctx, id)
		if err != nil {
			return nil, err
		}
		table.Rows = append(table.Rows, rows...)
		table.Documents++
	}
	return table, nil
}

func (e *Extractor) extractParallel(ctx context.Context, ids []string) (*Table, error) {
	results := make([][]Row, len(ids))
	errs := make([]error, len(ids))

	// No group context: a failure must not cancel earlier documents, otherwise
	// the reported error would depend on scheduling.
	var g errgroup.Group
	g.SetLimit(e.workers)
	for i, id := range ids {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				errs[i] = err
				return nil
			}
			results[i], errs[i] = e.extractOne(ctx, id)
			return nil
		})
	}
	_ = g.Wait()

	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}

	table := &Table{Documents: len(ids)}
	for _, rows := range results {
		table.Rows = append(table.Rows, rows...)
	}
	return table, nil
}

func (e *Extractor) extractOne(ctx context.Context, id string) ([]Row, error) {
	rc, err := e.reader.Open(ctx, id)
	if err != nil {
		return nil, &DocumentError{ID: id, Err: err}
	}
	defer rc.Close()

	return ExtractReader(id, rc)
}

// ExtractReader parses a single already-open document. id is only used to
// derive the image filename and to label errors.
func ExtractReader(id string, r io.Reader) ([]Row, error) {
	objects, err := parseObjects(r)
	if err != nil {
		return nil, &DocumentError{ID: id, Err: err}
	}

	filename := ImageFilename(id)
	rows := make([]Row, 0, len(objects))
	for _, obj := range objects {
		rows = append(rows, newRow(filename, obj))
	}
	return rows, nil
}

// frame is one open element during the token walk.
type frame struct {
	object *objectNode // set when this element is an <object>
	box    *boxNode    // set when this element is its parent object's first <bndbox>
	text   *string     // set when this element's text is a field of interest
}

// parseObjects walks the token stream and collects every <object> element at
// any depth, the root and objects nested inside other objects included, in
// the order their start tags appear.
func parseObjects(r io.Reader) ([]Object, error) {
	dec := xml.NewDecoder(r)
	dec.CharsetReader = charset.NewReaderLabel

	var (
		nodes   []*objectNode
		stack   []*frame
		sawRoot bool
	)
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedDocument, err)
		}

		switch t := tok.(type) {
		case xml.StartElement:
			sawRoot = true
			f := &frame{}
			if len(stack) > 0 {
				claimChild(stack[len(stack)-1], f, t.Name.Local)
			}
			if t.Name.Local == "object" {
				f.object = &objectNode{}
				nodes = append(nodes, f.object)
			}
			stack = append(stack, f)
		case xml.CharData:
			if len(stack) > 0 {
				if top := stack[len(stack)-1]; top.text != nil {
					*top.text += string(t)
				}
			}
		case xml.EndElement:
			stack = stack[:len(stack)-1]
		}
	}

	if !sawRoot {
		return nil, fmt.Errorf("%w: no root element", ErrMalformedDocument)
	}

	objects := make([]Object, 0, len(nodes))
	for _, n := range nodes {
		obj, err := n.toObject()
		if err != nil {
			return nil, err
		}
		objects = append(objects, obj)
	}
	return objects, nil
}

// claimChild binds a new element to the field of its parent it fills, if any.
func claimChild(parent, child *frame, local string) {
	if o := parent.object; o != nil {
		switch {
		case local == "name" && o.Name == nil:
			o.Name = new(string)
			child.text = o.Name
		case local == "bndbox" && o.BndBox == nil:
			o.BndBox = &boxNode{}
			child.box = o.BndBox
		}
	}
	if parent.box != nil {
		if slot := parent.box.coord(local); slot != nil && *slot == nil {
			*slot = new(string)
			child.text = *slot
		}
	}
}
