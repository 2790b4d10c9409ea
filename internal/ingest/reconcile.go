package ingest

import (
	"context"
	"fmt"
	"log/slog"
)

// DefaultDeleteChunkSize caps the ids sent in one delete request.
const DefaultDeleteChunkSize = 10000

// SourceField is the keyword field that tags documents with their source.
const SourceField = "sourceId"

// Reconciler deletes the documents of a source that a run did not write.
type Reconciler struct {
	index       Index
	sourceField string
	chunkSize   int
	logger      *slog.Logger
}

// NewReconciler builds a Reconciler. sourceField must be an exact-match
// (keyword) field; matching on an analyzed text field could select documents of
// other sources.
func NewReconciler(index Index, sourceField string, chunkSize int, logger *slog.Logger) *Reconciler {
	if sourceField == "" {
		sourceField = SourceField
	}
	if chunkSize < 1 {
		chunkSize = DefaultDeleteChunkSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{index: index, sourceField: sourceField, chunkSize: chunkSize, logger: logger}
}

// ReconcileResult reports what a reconciliation did.
type ReconcileResult struct {
	Existing int
	Deleted  int
}

// Reconcile removes from indexName every document tagged sourceID whose id is not in current.
func (r *Reconciler) Reconcile(ctx context.Context, indexName, sourceID string, current map[string]struct{}) (ReconcileResult, error) {
	var res ReconcileResult
	if sourceID == "" {
		return res, &StageError{Stage: StageReconcileQuery, Err: ErrMissingSourceID}
	}

	existing, err := r.index.SearchAllIDs(ctx, indexName, r.sourceField, sourceID)
	if err != nil {
		return res, &StageError{Stage: StageReconcileQuery, Err: fmt.Errorf("search existing ids: %w", err)}
	}
	res.Existing = len(existing)
	r.logger.Info("got existing index ids", "index", indexName, "source_id", sourceID, "count", res.Existing)

	stale := StaleIDs(existing, current)
	r.logger.Info("deleting stale ids", "index", indexName, "source_id", sourceID, "count", len(stale))

	for _, chunk := range Chunk(stale, r.chunkSize) {
		if err := r.index.DeleteByIDs(ctx, indexName, chunk); err != nil {
			return res, &StageError{
				Stage: StageReconcileDelete,
				Err:   fmt.Errorf("delete %d ids (%d already deleted): %w", len(chunk), res.Deleted, err),
			}
		}
		res.Deleted += len(chunk)
	}
	return res, nil
}

// StaleIDs returns existing minus current, in the order of existing.
// Duplicate ids in existing are reported once.
func StaleIDs(existing []string, current map[string]struct{}) []string {
	var stale []string
	seen := make(map[string]struct{})
	for _, id := range existing {
		if _, ok := current[id]; ok {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		stale = append(stale, id)
	}
	return stale
}

// Chunk splits ids into consecutive slices of at most size elements.
func Chunk(ids []string, size int) [][]string {
	if size < 1 {
		size = 1
	}
	var chunks [][]string
	for start := 0; start < len(ids); start += size {
		end := min(start+size, len(ids))
		chunks = append(chunks, ids[start:end])
	}
	return chunks
}
