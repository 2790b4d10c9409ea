package dataset

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"

	"search-ingest/internal/ingest"
	"search-ingest/internal/source"
)

// MappingTransformer builds documents by copying mapped record fields.
//
// Fields maps a document field to a record key; dotted keys reach into nested
// JSON objects. Without a mapping every record field is copied as is. Every
// document is tagged with sourceId, and with source and type when configured.
type MappingTransformer struct {
	sourceID   string
	sourceName string
	docType    string
	fields     map[string]string
	required   []string
	integers   map[string]bool
	lists      map[string]bool
	separator  string
}

// NewMappingTransformer builds the transformer for c.
func NewMappingTransformer(c Config) *MappingTransformer {
	t := &MappingTransformer{
		sourceID:   c.SourceID,
		sourceName: c.SourceName,
		docType:    c.Type,
		fields:     c.Fields,
		required:   c.Required,
		integers:   make(map[string]bool, len(c.IntegerFields)),
		lists:      make(map[string]bool, len(c.ListFields)),
		separator:  c.ListSeparator,
	}
	if t.separator == "" {
		t.separator = defaultListSeparator
	}
	for _, f := range c.IntegerFields {
		t.integers[f] = true
	}
	for _, f := range c.ListFields {
		t.lists[f] = true
	}
	return t
}

// Transform implements ingest.Transformer. A record missing a required field
// is skipped; a value that cannot be read as an integer is an error.
func (t *MappingTransformer) Transform(_ context.Context, rec source.Record) (ingest.Document, error) {
	doc := make(ingest.Document, len(t.fields)+3)

	if len(t.fields) == 0 {
		for k, v := range rec {
			if err := t.set(doc, k, v); err != nil {
				return nil, err
			}
		}
	} else {
		for field, key := range t.fields {
			v, ok := lookup(rec, key)
			if !ok {
				continue
			}
			if err := t.set(doc, field, v); err != nil {
				return nil, err
			}
		}
	}

	for _, field := range t.required {
		if _, ok := doc[field]; !ok {
			return nil, nil
		}
	}

	doc[ingest.SourceField] = t.sourceID
	if t.sourceName != "" {
		doc["source"] = t.sourceName
	}
	if t.docType != "" {
		doc["type"] = t.docType
	}
	return doc, nil
}

// set stores v under field after normalization. Empty values are left out.
func (t *MappingTransformer) set(doc ingest.Document, field string, v any) error {
	if s, ok := v.(string); ok {
		s = strings.TrimSpace(s)
		if s == "" {
			return nil
		}
		v = s
	}
	if v == nil {
		return nil
	}

	switch {
	case t.integers[field]:
		n, err := toInt(v)
		if err != nil {
			return fmt.Errorf("dataset: field %s: %w", field, err)
		}
		doc[field] = n
	case t.lists[field]:
		if list := t.toList(v); len(list) > 0 {
			doc[field] = list
		}
	default:
		doc[field] = v
	}
	return nil
}

func (t *MappingTransformer) toList(v any) []string {
	var parts []string
	switch x := v.(type) {
	case string:
		parts = strings.Split(x, t.separator)
	case []any:
		for _, item := range x {
			if s, ok := item.(string); ok {
				parts = append(parts, s)
			} else if item != nil {
				parts = append(parts, fmt.Sprint(item))
			}
		}
	default:
		parts = []string{fmt.Sprint(x)}
	}

	list := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			list = append(list, p)
		}
	}
	return list
}

func toInt(v any) (int64, error) {
	switch x := v.(type) {
	case float64:
		if x != math.Trunc(x) {
			return 0, fmt.Errorf("not an integer: %v", x)
		}
		return int64(x), nil
	case string:
		n, err := strconv.ParseInt(x, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("not an integer: %q", x)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("not an integer: %T", v)
	}
}

// lookup resolves a possibly dotted key in rec.
func lookup(rec map[string]any, key string) (any, bool) {
	if v, ok := rec[key]; ok {
		return v, true
	}
	head, rest, found := strings.Cut(key, ".")
	if !found {
		return nil, false
	}
	nested, ok := rec[head].(map[string]any)
	if !ok {
		return nil, false
	}
	return lookup(nested, rest)
}
