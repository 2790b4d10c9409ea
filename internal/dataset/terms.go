package dataset

import (
	"context"
	"fmt"
	"strings"
	"unicode"

	"search-ingest/internal/ingest"
)

// TermExtractor emits one term per distinct value of the configured fields.
type TermExtractor struct {
	sourceID string
	source   string
	index    string
	fields   []string
}

// NewTermExtractor builds the term extractor for c.
func NewTermExtractor(c Config) *TermExtractor {
	e := &TermExtractor{sourceID: c.SourceID, source: c.SourceName, index: c.Index}
	if e.source == "" {
		e.source = c.SourceID
	}
	for _, t := range c.Terms {
		e.fields = append(e.fields, t.Field)
	}
	return e
}

// ExtractTerms implements ingest.TermExtractor. Term ids are
// "<sourceId>_<field>_<slug>", so the same value seen in many documents
// collapses into one term.
func (e *TermExtractor) ExtractTerms(_ context.Context, doc ingest.Document) (ingest.TermMap, error) {
	var terms ingest.TermMap
	for _, field := range e.fields {
		for _, value := range termValues(doc[field]) {
			slug := Slug(value)
			if slug == "" {
				continue
			}
			if terms == nil {
				terms = make(ingest.TermMap)
			}
			terms[e.sourceID+"_"+field+"_"+slug] = ingest.Term{
				"source": e.source,
				"index":  e.index,
				"field":  field,
				"value":  value,
			}
		}
	}
	return terms, nil
}

func termValues(v any) []string {
	switch x := v.(type) {
	case nil:
		return nil
	case string:
		if s := strings.TrimSpace(x); s != "" {
			return []string{s}
		}
		return nil
	case []string:
		return x
	case []any:
		var out []string
		for _, item := range x {
			out = append(out, termValues(item)...)
		}
		return out
	case map[string]any:
		return nil
	default:
		return []string{fmt.Sprint(x)}
	}
}

// Slug lowercases s and joins its letter and digit runs with dashes.
func Slug(s string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			if dash && b.Len() > 0 {
				b.WriteByte('-')
			}
			dash = false
			b.WriteRune(r)
			continue
		}
		dash = true
	}
	return b.String()
}
