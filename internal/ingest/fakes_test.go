package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"search-ingest/internal/source"
)

// fakeIndex is an in-memory Index with update-as-upsert semantics.
type fakeIndex struct {
	mu sync.Mutex

	docs        map[string]map[string]map[string]any // index -> id -> doc
	ensured     []string
	bulkCalls   [][]Operation
	searchCalls int
	deleteCalls [][]string

	ensureErr  error
	bulkErr    error
	failBulkOn int // 1-based call number that fails; 0 means bulkErr applies to every call
	failIndex  string
	searchErr  error
	deleteErr  error
	failDelOn  int
}

func newFakeIndex() *fakeIndex {
	return &fakeIndex{docs: make(map[string]map[string]map[string]any)}
}

func (f *fakeIndex) EnsureIndex(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ensured = append(f.ensured, name)
	if f.ensureErr != nil {
		return f.ensureErr
	}
	if f.docs[name] == nil {
		f.docs[name] = make(map[string]map[string]any)
	}
	return nil
}

func (f *fakeIndex) Bulk(_ context.Context, ops []Operation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bulkCalls = append(f.bulkCalls, slices.Clone(ops))

	if f.bulkErr != nil && (f.failIndex == "" || (len(ops) > 0 && ops[0].Index == f.failIndex)) {
		if f.failBulkOn == 0 || f.failBulkOn == len(f.bulkCalls) {
			return f.bulkErr
		}
	}

	for _, op := range ops {
		idx := f.docs[op.Index]
		if idx == nil {
			idx = make(map[string]map[string]any)
			f.docs[op.Index] = idx
		}
		switch op.Action {
		case ActionDelete:
			delete(idx, op.ID)
		default:
			merged := maps.Clone(idx[op.ID])
			if merged == nil {
				merged = make(map[string]any)
			}
			maps.Copy(merged, op.Doc)
			idx[op.ID] = merged
		}
	}
	return nil
}

func (f *fakeIndex) SearchAllIDs(_ context.Context, index, field, value string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.searchCalls++
	if f.searchErr != nil {
		return nil, f.searchErr
	}
	var ids []string
	for id, doc := range f.docs[index] {
		if v, _ := doc[field].(string); v == value {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids, nil
}

func (f *fakeIndex) DeleteByIDs(_ context.Context, index string, ids []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleteCalls = append(f.deleteCalls, slices.Clone(ids))
	if f.deleteErr != nil && (f.failDelOn == 0 || f.failDelOn == len(f.deleteCalls)) {
		return f.deleteErr
	}
	for _, id := range ids {
		delete(f.docs[index], id)
	}
	return nil
}

func (f *fakeIndex) put(index, id string, doc map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.docs[index] == nil {
		f.docs[index] = make(map[string]map[string]any)
	}
	f.docs[index][id] = doc
}

func (f *fakeIndex) ids(index string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Sorted(maps.Keys(f.docs[index]))
}

func (f *fakeIndex) doc(index, id string) map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.docs[index][id]
}

func (f *fakeIndex) bulkSizes(index string) []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	var sizes []int
	for _, call := range f.bulkCalls {
		if len(call) > 0 && call[0].Index == index {
			sizes = append(sizes, len(call))
		}
	}
	return sizes
}

// writeJSONL writes one JSON object per line.
func writeJSONL(t *testing.T, records ...map[string]any) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "data.jsonl")
	var buf []byte
	for _, rec := range records {
		line, err := json.Marshal(rec)
		require.NoError(t, err)
		buf = append(buf, line...)
		buf = append(buf, '\n')
	}
	require.NoError(t, os.WriteFile(path, buf, 0o644))
	return path
}

func docsFile(t *testing.T, ids ...string) string {
	t.Helper()
	recs := make([]map[string]any, len(ids))
	for i, id := range ids {
		recs[i] = map[string]any{"id": id, "title": "Title " + id}
	}
	return writeJSONL(t, recs...)
}

// testTransformer copies id and title and tags the document with sourceID.
// Records carrying "skip" are skipped, records carrying "bad" fail.
func testTransformer(sourceID string) Transformer {
	return TransformerFunc(func(_ context.Context, rec source.Record) (Document, error) {
		if _, ok := rec["bad"]; ok {
			return nil, errors.New("malformed record")
		}
		if _, ok := rec["skip"]; ok {
			return nil, nil
		}
		doc := Document{"sourceId": sourceID}
		for _, k := range []string{"id", "title", "image"} {
			if v, ok := rec[k]; ok {
				doc[k] = v
			}
		}
		return doc, nil
	})
}

var testIDs = IDGeneratorFunc(func(doc Document, prefix bool) string {
	id := doc.String("id")
	if id == "" {
		return ""
	}
	if prefix {
		return doc.String("sourceId") + "_" + id
	}
	return id
})

func testDataset(file string) Dataset {
	return Dataset{
		Name:        "collection",
		File:        file,
		Index:       "art",
		SourceID:    "S",
		Transformer: testTransformer("S"),
		IDGenerator: testIDs,
	}
}

func opIDs(ops []Operation) []string {
	ids := make([]string, len(ops))
	for i, op := range ops {
		ids[i] = op.ID
	}
	return ids
}

func seqIDs(prefix string, n int) []string {
	ids := make([]string, n)
	for i := range ids {
		ids[i] = fmt.Sprintf("%s%05d", prefix, i)
	}
	return ids
}
