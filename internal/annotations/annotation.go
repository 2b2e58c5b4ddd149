// Package annotations turns Pascal VOC style annotation documents into a flat
// table with one row per labeled object.
package annotations

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	// ErrDocumentNotFound is returned when an identifier does not resolve to a readable document.
	ErrDocumentNotFound = errors.New("annotation document not found")
	// ErrMalformedDocument is returned when a document is not valid XML or an object node is incomplete.
	ErrMalformedDocument = errors.New("malformed annotation document")
)

// DocumentError ties a failure to the document identifier that caused it.
type DocumentError struct {
	ID  string
	Err error
}

func (e *DocumentError) Error() string {
	return fmt.Sprintf("document %s: %v", e.ID, e.Err)
}

func (e *DocumentError) Unwrap() error {
	return e.Err
}

// BoundingBox is a pixel rectangle. Ordering of min/max is not checked.
type BoundingBox struct {
	XMin int
	XMax int
	YMin int
	YMax int
}

// Object is one labeled instance within an annotation document.
type Object struct {
	ClassName string
	Box       BoundingBox
}

// ImageExtension replaces the annotation file extension in output rows.
const ImageExtension = ".jpg"

// ImageFilename derives the image name for a document identifier: the last
// path segment with its trailing extension replaced by ImageExtension.
func ImageFilename(id string) string {
	base := id
	if i := strings.LastIndexAny(base, `/\`); i >= 0 {
		base = base[i+1:]
	}
	if i := strings.LastIndexByte(base, '.'); i > 0 {
		base = base[:i]
	}
	return base + ImageExtension
}

// objectNode collects the direct children of an <object> element. Only the
// first <name>, the first <bndbox> and the first of each coordinate count.
// nil pointers mark missing children.
type objectNode struct {
	Name   *string
	BndBox *boxNode
}

type boxNode struct {
	XMin *string
	XMax *string
	YMin *string
	YMax *string
}

// coord returns the slot for a bndbox child, or nil for anything else.
func (b *boxNode) coord(local string) **string {
	switch local {
	case "xmin":
		return &b.XMin
	case "xmax":
		return &b.XMax
	case "ymin":
		return &b.YMin
	case "ymax":
		return &b.YMax
	}
	return nil
}

func (o *objectNode) toObject() (Object, error) {
	if o.Name == nil {
		return Object{}, fmt.Errorf("%w: object without name", ErrMalformedDocument)
	}
	if o.BndBox == nil {
		return Object{}, fmt.Errorf("%w: object %q without bndbox", ErrMalformedDocument, *o.Name)
	}

	obj := Object{ClassName: *o.Name}
	coords := []struct {
		field string
		raw   *string
		dst   *int
	}{
		{"xmin", o.BndBox.XMin, &obj.Box.XMin},
		{"xmax", o.BndBox.XMax, &obj.Box.XMax},
		{"ymin", o.BndBox.YMin, &obj.Box.YMin},
		{"ymax", o.BndBox.YMax, &obj.Box.YMax},
	}
	for _, c := range coords {
		if c.raw == nil {
			return Object{}, fmt.Errorf("%w: object %q missing bndbox/%s", ErrMalformedDocument, obj.ClassName, c.field)
		}
		v, err := strconv.Atoi(strings.TrimSpace(*c.raw))
		if err != nil {
			return Object{}, fmt.Errorf("%w: object %q bndbox/%s=%q is not an integer", ErrMalformedDocument, obj.ClassName, c.field, *c.raw)
		}
		*c.dst = v
	}
	return obj, nil
}
