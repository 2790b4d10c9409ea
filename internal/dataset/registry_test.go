package dataset

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"search-ingest/internal/source"
)

const sampleRegistry = `
[[dataset]]
name = "collection"
file = "data/collection.jsonl.gz"
index = "art"
source_id = "museum"
source_name = "City Museum"
type = "artwork"
schedule = "@daily"
required = ["title"]
integer_fields = ["year"]
list_fields = ["keywords"]

[dataset.fields]
id = "objectNumber"
title = "title"
year = "dating.year"
keywords = "tags"

[[dataset.terms]]
field = "keywords"

[[dataset]]
name = "colors"
file = "/srv/colors.csv"
index = "swatches"
source_id = "paint"
hash_id = true
skip_reconcile = true
`

func TestParse(t *testing.T) {
	reg, err := Parse([]byte(sampleRegistry))
	require.NoError(t, err)
	require.Equal(t, 2, reg.Len())

	c, err := reg.Get("collection")
	require.NoError(t, err)
	assert.Equal(t, "art", c.Index)
	assert.Equal(t, "museum", c.SourceID)
	assert.Equal(t, "City Museum", c.SourceName)
	assert.Equal(t, "@daily", c.Schedule)
	assert.Equal(t, "dating.year", c.Fields["year"])
	assert.Equal(t, []TermConfig{{Field: "keywords"}}, c.Terms)
	assert.Equal(t, defaultIDField, c.IDField)
	assert.Equal(t, defaultListSeparator, c.ListSeparator)

	colors, err := reg.Get("colors")
	require.NoError(t, err)
	assert.True(t, colors.HashID)
	assert.True(t, colors.SkipReconcile)

	names := []string{}
	for _, c := range reg.All() {
		names = append(names, c.Name)
	}
	assert.Equal(t, []string{"collection", "colors"}, names)
}

func TestRegistry_Unknown(t *testing.T) {
	reg, err := Parse([]byte(sampleRegistry))
	require.NoError(t, err)

	_, err = reg.Get("nope")
	assert.ErrorIs(t, err, ErrUnknownDataset)
}

func TestParse_Validation(t *testing.T) {
	tests := []struct {
		name string
		toml string
		want string
	}{
		{
			name: "missing fields",
			toml: "[[dataset]]\nname = \"x\"\n",
			want: "file is required",
		},
		{
			name: "missing source id",
			toml: "[[dataset]]\nname = \"x\"\nfile = \"a.jsonl\"\nindex = \"i\"\n",
			want: "source_id is required",
		},
		{
			name: "unsupported file",
			toml: "[[dataset]]\nname = \"x\"\nfile = \"a.xml\"\nindex = \"i\"\nsource_id = \"s\"\n",
			want: source.ErrUnsupportedFormat.Error(),
		},
		{
			name: "bad schedule",
			toml: "[[dataset]]\nname = \"x\"\nfile = \"a.csv\"\nindex = \"i\"\nsource_id = \"s\"\nschedule = \"every tuesday\"\n",
			want: "schedule",
		},
		{
			name: "duplicate name",
			toml: "[[dataset]]\nname = \"x\"\nfile = \"a.csv\"\nindex = \"i\"\nsource_id = \"s\"\n" +
				"[[dataset]]\nname = \"x\"\nfile = \"b.csv\"\nindex = \"i\"\nsource_id = \"s\"\n",
			want: "duplicate name",
		},
		{
			name: "term without field",
			toml: "[[dataset]]\nname = \"x\"\nfile = \"a.csv\"\nindex = \"i\"\nsource_id = \"s\"\n[[dataset.terms]]\n",
			want: "terms[0].field is required",
		},
		{
			name: "invalid toml",
			toml: "[[dataset]\n",
			want: "decode registry",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.toml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoad_ResolvesRelativeFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "datasets.toml")
	require.NoError(t, os.WriteFile(path, []byte(sampleRegistry), 0o644))

	reg, err := Load(path)
	require.NoError(t, err)

	c, err := reg.Get("collection")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "data/collection.jsonl.gz"), c.File)

	colors, err := reg.Get("colors")
	require.NoError(t, err)
	assert.Equal(t, "/srv/colors.csv", colors.File)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestConfig_Dataset(t *testing.T) {
	reg, err := Parse([]byte(sampleRegistry))
	require.NoError(t, err)

	c, _ := reg.Get("collection")
	ds := c.Dataset()
	assert.Equal(t, "collection", ds.Name)
	assert.Equal(t, "art", ds.Index)
	assert.Equal(t, "museum", ds.SourceID)
	assert.NotNil(t, ds.Transformer)
	assert.NotNil(t, ds.IDGenerator)
	assert.NotNil(t, ds.TermExtractor)

	colors, _ := reg.Get("colors")
	assert.Nil(t, colors.Dataset().TermExtractor)
	assert.True(t, colors.Dataset().SkipReconcile)
}

func TestConfig_ResolveFile(t *testing.T) {
	c := Config{Name: "collection", File: "/data/museum/collection.jsonl.gz"}

	tests := []struct {
		name     string
		override string
		want     string
		err      error
	}{
		{name: "no override", override: "", want: "/data/museum/collection.jsonl.gz"},
		{name: "relative", override: "delta.jsonl", want: "/data/museum/delta.jsonl"},
		{name: "nested", override: "2026/10/delta.csv.gz", want: "/data/museum/2026/10/delta.csv.gz"},
		{name: "absolute inside", override: "/data/museum/full.csv", want: "/data/museum/full.csv"},
		{name: "parent escape", override: "../other/collection.jsonl", err: ErrFileOutsideDataDir},
		{name: "escape after clean", override: "sub/../../secrets.jsonl", err: ErrFileOutsideDataDir},
		{name: "absolute outside", override: "/etc/passwd.jsonl", err: ErrFileOutsideDataDir},
		{name: "sibling prefix", override: "/data/museum-old/collection.jsonl", err: ErrFileOutsideDataDir},
		{name: "unsupported format", override: "delta.parquet", err: source.ErrUnsupportedFormat},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := c.ResolveFile(tt.override)
			if tt.err != nil {
				assert.ErrorIs(t, err, tt.err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
