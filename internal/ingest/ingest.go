// Package ingest runs the streaming ETL that keeps a search index in step with a
// dataset export.
//
// One run reads the dataset file record by record, transforms each record into a
// Document, upserts documents in bounded bulk batches, writes the auxiliary terms
// collected along the way, and finally deletes every document of the same source
// that was not seen in this run.
//
// Run lifecycle:
//
//	provision → stream → final-flush → term-write → reconcile → done
//
// Any stage failure ends the run with a *StageError. Per-record problems (a bad
// line, a transformer error) are logged and skipped. Nothing is rolled back:
// every write is an upsert keyed by a deterministic id and every delete is
// idempotent, so re-running a failed dataset is always safe.
package ingest

import (
	"context"
	"strings"

	"search-ingest/internal/source"
)

// Document is a normalized search document produced by a Transformer.
type Document map[string]any

// String returns the value of key when it holds a non-empty string.
func (d Document) String(key string) string {
	s, _ := d[key].(string)
	return strings.TrimSpace(s)
}

// ImageURL returns image.url, if the document carries one.
func (d Document) ImageURL() string {
	img, ok := d["image"].(map[string]any)
	if !ok {
		return ""
	}
	url, _ := img["url"].(string)
	return url
}

// ClearImage drops the image of a document whose picture turned out to be unavailable.
func (d Document) ClearImage() { delete(d, "image") }

// Term is the payload of one record in the terms index.
type Term map[string]any

// TermMap maps a term id to its payload.
type TermMap map[string]Term

// Action is the bulk action of an Operation.
type Action string

const (
	// ActionUpdate upserts: create when absent, overwrite fields when present.
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// Operation is one queued bulk write. On the wire it is two elements: the
// action line and the payload line.
type Operation struct {
	Action Action
	Index  string
	ID     string
	Doc    map[string]any
}

// Elements is the number of NDJSON lines the operation occupies in a bulk body.
func (op Operation) Elements() int {
	if op.Action == ActionDelete {
		return 1
	}
	return 2
}

// UpdateOperation builds an upsert for id in index.
func UpdateOperation(index, id string, doc map[string]any) Operation {
	return Operation{Action: ActionUpdate, Index: index, ID: id, Doc: doc}
}

// Transformer turns one raw record into a Document.
// A nil Document with a nil error means "skip this record".
type Transformer interface {
	Transform(ctx context.Context, rec source.Record) (Document, error)
}

// IDGenerator derives the stable document id. It must be deterministic.
type IDGenerator interface {
	GenerateID(doc Document, includeSourcePrefix bool) string
}

// TermExtractor returns the terms a document contributes, or nil.
type TermExtractor interface {
	ExtractTerms(ctx context.Context, doc Document) (TermMap, error)
}

// ImageProcessor post-processes the image of a document. Returning false means
// the image is unusable and is dropped from the document.
type ImageProcessor interface {
	ProcessImage(ctx context.Context, url, id, index string) (bool, error)
}

// BulkWriter sends one bulk request.
type BulkWriter interface {
	Bulk(ctx context.Context, ops []Operation) error
}

// Index is the search engine as seen by a run.
type Index interface {
	BulkWriter
	EnsureIndex(ctx context.Context, name string) error
	SearchAllIDs(ctx context.Context, index, field, value string) ([]string, error)
	DeleteByIDs(ctx context.Context, index string, ids []string) error
}

// TransformerFunc adapts a function to Transformer.
type TransformerFunc func(ctx context.Context, rec source.Record) (Document, error)

func (f TransformerFunc) Transform(ctx context.Context, rec source.Record) (Document, error) {
	return f(ctx, rec)
}

// IDGeneratorFunc adapts a function to IDGenerator.
type IDGeneratorFunc func(doc Document, includeSourcePrefix bool) string

func (f IDGeneratorFunc) GenerateID(doc Document, includeSourcePrefix bool) string {
	return f(doc, includeSourcePrefix)
}

// TermExtractorFunc adapts a function to TermExtractor.
type TermExtractorFunc func(ctx context.Context, doc Document) (TermMap, error)

func (f TermExtractorFunc) ExtractTerms(ctx context.Context, doc Document) (TermMap, error) {
	return f(ctx, doc)
}

// Dataset is everything a run needs to know about one upstream source.
type Dataset struct {
	Name                string
	File                string
	Index               string
	SourceID            string
	IncludeSourcePrefix bool
	SkipReconcile       bool

	Transformer   Transformer
	IDGenerator   IDGenerator
	TermExtractor TermExtractor // optional
}
