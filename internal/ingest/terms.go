package ingest

import (
	"context"
	"fmt"
	"maps"
	"slices"
)

// DefaultTermsIndex receives the terms collected during a run.
const DefaultTermsIndex = "terms"

// TermAccumulator collects the terms of one run. A later term with the same id
// replaces the earlier one.
type TermAccumulator struct {
	terms TermMap
}

// NewTermAccumulator returns an empty accumulator.
func NewTermAccumulator() *TermAccumulator {
	return &TermAccumulator{terms: make(TermMap)}
}

// Merge adds terms, overwriting existing ids. Nil and empty terms are ignored.
func (a *TermAccumulator) Merge(terms TermMap) {
	for id, term := range terms {
		if id == "" || term == nil {
			continue
		}
		a.terms[id] = term
	}
}

// Len is the number of distinct term ids.
func (a *TermAccumulator) Len() int { return len(a.terms) }

// Get returns the current payload for id.
func (a *TermAccumulator) Get(id string) (Term, bool) {
	t, ok := a.terms[id]
	return t, ok
}

// Operations returns one upsert per term, ordered by id.
func (a *TermAccumulator) Operations(index string) []Operation {
	ids := slices.Sorted(maps.Keys(a.terms))
	ops := make([]Operation, 0, len(ids))
	for _, id := range ids {
		ops = append(ops, UpdateOperation(index, id, a.terms[id]))
	}
	return ops
}

// writeTerms upserts every accumulated term in chunks of bulkLimit terms.
func writeTerms(ctx context.Context, idx Index, acc *TermAccumulator, index string, bulkLimit int, opts ...BatcherOption) (int, error) {
	if acc.Len() == 0 {
		return 0, nil
	}
	if err := idx.EnsureIndex(ctx, index); err != nil {
		return 0, fmt.Errorf("ensure index %s: %w", index, err)
	}

	batcher, err := NewBatcher(idx, bulkLimit, opts...)
	if err != nil {
		return 0, err
	}
	for _, op := range acc.Operations(index) {
		if err := batcher.Add(ctx, op); err != nil {
			batcher.Discard()
			return batcher.Written(), err
		}
	}
	if err := batcher.Close(ctx); err != nil {
		return batcher.Written(), err
	}
	return batcher.Written(), nil
}
