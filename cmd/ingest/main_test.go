package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"

	"search-ingest/internal/dataset"
	"search-ingest/internal/ingest"
)

type memIndex struct {
	docs       map[string]map[string]map[string]any
	url        string
	termsIndex string
	deletes    [][]string
}

func (m *memIndex) EnsureIndex(_ context.Context, name string) error {
	if m.docs[name] == nil {
		m.docs[name] = map[string]map[string]any{}
	}
	return nil
}

func (m *memIndex) Bulk(_ context.Context, ops []ingest.Operation) error {
	for _, op := range ops {
		m.EnsureIndex(context.Background(), op.Index)
		m.docs[op.Index][op.ID] = op.Doc
	}
	return nil
}

func (m *memIndex) SearchAllIDs(_ context.Context, index, field, value string) ([]string, error) {
	var ids []string
	for id, doc := range m.docs[index] {
		if doc[field] == value {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (m *memIndex) DeleteByIDs(_ context.Context, index string, ids []string) error {
	m.deletes = append(m.deletes, ids)
	for _, id := range ids {
		delete(m.docs[index], id)
	}
	return nil
}

func (m *memIndex) ids(index string) []string {
	var ids []string
	for id := range m.docs[index] {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func useMemIndex(t *testing.T) *memIndex {
	t.Helper()
	idx := &memIndex{docs: map[string]map[string]map[string]any{}}
	prev := openIndex
	openIndex = func(url, termsIndex string) (ingest.Index, error) {
		idx.url, idx.termsIndex = url, termsIndex
		return idx, nil
	}
	t.Cleanup(func() { openIndex = prev })
	return idx
}

func runApp(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	app := newApp()
	app.Writer = &out
	app.ErrWriter = &out
	err := app.Run(append([]string{"ingest"}, args...))
	return out.String(), err
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestIngestFlags(t *testing.T) {
	app := newApp()

	t.Run("bulk-limit defaults to 1000", func(t *testing.T) {
		var limit *cli.IntFlag
		for _, f := range app.Flags {
			if fl, ok := f.(*cli.IntFlag); ok && fl.Name == "bulk-limit" {
				limit = fl
			}
		}
		require.NotNil(t, limit)
		assert.Equal(t, 1000, limit.Value)
	})

	t.Run("invalid log level", func(t *testing.T) {
		_, err := runApp(t, "--log-level", "loud")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid log level")
	})

	t.Run("ad-hoc dataset needs file index and source id", func(t *testing.T) {
		_, err := runApp(t)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "--file, --index, --source-id")
	})

	t.Run("skip-reconcile drops the source id requirement", func(t *testing.T) {
		_, err := runApp(t, "--skip-reconcile", "--index", "art")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "missing --file (or --dataset)")
	})
}

func TestIngest_AdHoc(t *testing.T) {
	idx := useMemIndex(t)
	idx.Bulk(context.Background(), []ingest.Operation{
		ingest.UpdateOperation("art", "gone", map[string]any{"sourceId": "S"}),
		ingest.UpdateOperation("art", "other", map[string]any{"sourceId": "T"}),
	})
	file := writeFile(t, t.TempDir(), "art.jsonl", `{"id":"1","title":"A"}`+"\n"+"not json\n"+`{"id":"2","title":"B"}`+"\n")

	out, err := runApp(t, "--es-url", "http://es:9200", "--file", file, "--index", "art", "--source-id", "S", "--bulk-limit", "1")
	require.NoError(t, err)

	assert.Equal(t, "http://es:9200", idx.url)
	assert.Equal(t, []string{"1", "2", "other"}, idx.ids("art"))
	assert.Equal(t, "S", idx.docs["art"]["1"]["sourceId"])
	assert.Contains(t, out, "adhoc: 2 records, 2 documents, 0 terms, 1 deleted, 1 parse errors")
}

func TestIngest_RegisteredDataset(t *testing.T) {
	idx := useMemIndex(t)
	dir := t.TempDir()
	writeFile(t, dir, "colors.csv", "code,label\nr,Red\ng,Green\n")
	registry := writeFile(t, dir, "datasets.toml", `
[[dataset]]
name = "colors"
file = "colors.csv"
index = "palette"
source_id = "pantone"
id_field = "code"
include_source_prefix = true

[[dataset.terms]]
field = "label"
`)

	_, err := runApp(t, "--datasets", registry, "--dataset", "colors")
	require.NoError(t, err)
	assert.Equal(t, []string{"pantone_g", "pantone_r"}, idx.ids("palette"))
	assert.Len(t, idx.docs[ingest.DefaultTermsIndex], 2)

	_, err = runApp(t, "--datasets", registry, "--dataset", "colors", "--include-source-prefix=false", "--skip-reconcile")
	require.NoError(t, err)
	assert.Equal(t, []string{"g", "pantone_g", "pantone_r", "r"}, idx.ids("palette"))

	_, err = runApp(t, "--datasets", registry, "--dataset", "shapes")
	assert.ErrorIs(t, err, dataset.ErrUnknownDataset)
}

func TestIngest_PrefixEnvOverridesRegistry(t *testing.T) {
	idx := useMemIndex(t)
	dir := t.TempDir()
	writeFile(t, dir, "colors.csv", "code,label\nr,Red\n")
	registry := writeFile(t, dir, "datasets.toml", `
[[dataset]]
name = "colors"
file = "colors.csv"
index = "palette"
source_id = "pantone"
id_field = "code"
include_source_prefix = true
`)

	t.Setenv("INCLUDE_SOURCE_PREFIX", "false")
	_, err := runApp(t, "--datasets", registry, "--dataset", "colors")
	require.NoError(t, err)
	assert.Equal(t, []string{"r"}, idx.ids("palette"))

	_, err = runApp(t, "--datasets", registry, "--dataset", "colors", "--include-source-prefix")
	require.NoError(t, err)
	assert.Equal(t, []string{"pantone_r"}, idx.ids("palette"), "the flag wins over the environment")
}

func TestIngest_TermsIndexAndDeleteChunks(t *testing.T) {
	idx := useMemIndex(t)
	idx.Bulk(context.Background(), []ingest.Operation{
		ingest.UpdateOperation("palette", "x", map[string]any{"sourceId": "pantone"}),
		ingest.UpdateOperation("palette", "y", map[string]any{"sourceId": "pantone"}),
		ingest.UpdateOperation("palette", "z", map[string]any{"sourceId": "pantone"}),
	})
	dir := t.TempDir()
	writeFile(t, dir, "colors.csv", "code,label\nr,Red\n")
	registry := writeFile(t, dir, "datasets.toml", `
[[dataset]]
name = "colors"
file = "colors.csv"
index = "palette"
source_id = "pantone"
id_field = "code"

[[dataset.terms]]
field = "label"
`)

	_, err := runApp(t, "--datasets", registry, "--dataset", "colors", "--terms-index", "vocabulary", "--delete-chunk-size", "2")
	require.NoError(t, err)

	assert.Equal(t, "vocabulary", idx.termsIndex)
	assert.Len(t, idx.docs["vocabulary"], 1)
	assert.Empty(t, idx.docs[ingest.DefaultTermsIndex])
	assert.Equal(t, []string{"r"}, idx.ids("palette"))
	require.Len(t, idx.deletes, 2)
	assert.Len(t, idx.deletes[0], 2)
	assert.Len(t, idx.deletes[1], 1)
}

func TestIngest_StageErrorSurfaces(t *testing.T) {
	useMemIndex(t)
	file := writeFile(t, t.TempDir(), "art.parquet", "")

	_, err := runApp(t, "--file", file, "--index", "art", "--source-id", "S")
	require.Error(t, err)
	assert.Equal(t, ingest.StageRead, ingest.StageOf(err))
}
