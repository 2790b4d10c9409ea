// Package dataset loads the dataset registry and builds the stock collaborators
// (transformer, id generator, term extractor) a run needs for each entry.
package dataset

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"github.com/robfig/cron/v3"

	"search-ingest/internal/ingest"
	"search-ingest/internal/source"
)

// ErrUnknownDataset is returned when a name is not in the registry.
var ErrUnknownDataset = errors.New("dataset: unknown dataset")

// ErrFileOutsideDataDir is returned when a file override leaves the directory
// of the dataset's registered file.
var ErrFileOutsideDataDir = errors.New("dataset: file override outside the dataset directory")

const (
	defaultIDField       = "id"
	defaultListSeparator = ";"
)

// Config is one [[dataset]] entry of the registry file.
type Config struct {
	Name                string            `toml:"name" json:"name"`
	File                string            `toml:"file" json:"file"`
	Index               string            `toml:"index" json:"index"`
	SourceID            string            `toml:"source_id" json:"source_id"`
	SourceName          string            `toml:"source_name" json:"source_name,omitempty"`
	Type                string            `toml:"type" json:"type,omitempty"`
	IncludeSourcePrefix bool              `toml:"include_source_prefix" json:"include_source_prefix"`
	Schedule            string            `toml:"schedule" json:"schedule,omitempty"`
	SkipReconcile       bool              `toml:"skip_reconcile" json:"skip_reconcile"`
	IDField             string            `toml:"id_field" json:"id_field"`
	HashID              bool              `toml:"hash_id" json:"hash_id"`
	Fields              map[string]string `toml:"fields" json:"fields,omitempty"`
	Required            []string          `toml:"required" json:"required,omitempty"`
	IntegerFields       []string          `toml:"integer_fields" json:"integer_fields,omitempty"`
	ListFields          []string          `toml:"list_fields" json:"list_fields,omitempty"`
	ListSeparator       string            `toml:"list_separator" json:"list_separator,omitempty"`
	Terms               []TermConfig      `toml:"terms" json:"terms,omitempty"`
}

// TermConfig names a document field whose values become terms.
type TermConfig struct {
	Field string `toml:"field" json:"field"`
}

// Dataset builds the ingest.Dataset for this entry.
func (c Config) Dataset() ingest.Dataset {
	ds := ingest.Dataset{
		Name:                c.Name,
		File:                c.File,
		Index:               c.Index,
		SourceID:            c.SourceID,
		IncludeSourcePrefix: c.IncludeSourcePrefix,
		SkipReconcile:       c.SkipReconcile,
		Transformer:         NewMappingTransformer(c),
		IDGenerator:         NewIDGenerator(c),
	}
	if len(c.Terms) > 0 {
		ds.TermExtractor = NewTermExtractor(c)
	}
	return ds
}

// ResolveFile returns the file a run should read when a job names override.
// Relative overrides resolve against the directory of the registered file, and
// the result must stay inside that directory and have a supported format.
func (c Config) ResolveFile(override string) (string, error) {
	if override == "" {
		return c.File, nil
	}
	dir := filepath.Dir(c.File)
	path := override
	if !filepath.IsAbs(path) {
		path = filepath.Join(dir, path)
	}
	path = filepath.Clean(path)

	rel, err := filepath.Rel(dir, path)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q", ErrFileOutsideDataDir, override)
	}
	if _, err := source.DetectFormat(path); err != nil {
		return "", fmt.Errorf("dataset %q: %w", c.Name, err)
	}
	return path, nil
}

func (c *Config) applyDefaults() {
	if c.IDField == "" {
		c.IDField = defaultIDField
	}
	if c.ListSeparator == "" {
		c.ListSeparator = defaultListSeparator
	}
}

func (c Config) validate() error {
	var errs []error
	missing := func(field, value string) {
		if value == "" {
			errs = append(errs, fmt.Errorf("dataset %q: %s is required", c.Name, field))
		}
	}
	missing("name", c.Name)
	missing("file", c.File)
	missing("index", c.Index)
	missing("source_id", c.SourceID)

	if c.File != "" {
		if _, err := source.DetectFormat(c.File); err != nil {
			errs = append(errs, fmt.Errorf("dataset %q: %w", c.Name, err))
		}
	}
	if c.Schedule != "" {
		if _, err := cron.ParseStandard(c.Schedule); err != nil {
			errs = append(errs, fmt.Errorf("dataset %q: schedule %q: %w", c.Name, c.Schedule, err))
		}
	}
	for i, t := range c.Terms {
		if t.Field == "" {
			errs = append(errs, fmt.Errorf("dataset %q: terms[%d].field is required", c.Name, i))
		}
	}
	return errors.Join(errs...)
}

type registryFile struct {
	Datasets []Config `toml:"dataset"`
}

// Registry is the validated set of datasets, in file order.
type Registry struct {
	datasets []Config
	byName   map[string]int
}

// Load reads and validates a registry file. Relative dataset files are resolved
// against the directory of the registry.
func Load(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("dataset: read registry: %w", err)
	}
	reg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("dataset: %s: %w", path, err)
	}
	base := filepath.Dir(path)
	for i := range reg.datasets {
		if f := reg.datasets[i].File; !filepath.IsAbs(f) {
			reg.datasets[i].File = filepath.Join(base, f)
		}
	}
	return reg, nil
}

// Parse decodes and validates registry TOML.
func Parse(data []byte) (*Registry, error) {
	var file registryFile
	if err := toml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("decode registry: %w", err)
	}

	reg := &Registry{byName: make(map[string]int, len(file.Datasets))}
	var errs []error
	for i := range file.Datasets {
		c := file.Datasets[i]
		c.applyDefaults()
		if err := c.validate(); err != nil {
			errs = append(errs, err)
			continue
		}
		if _, dup := reg.byName[c.Name]; dup {
			errs = append(errs, fmt.Errorf("dataset %q: duplicate name", c.Name))
			continue
		}
		reg.byName[c.Name] = len(reg.datasets)
		reg.datasets = append(reg.datasets, c)
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return reg, nil
}

// Get returns the named dataset.
func (r *Registry) Get(name string) (Config, error) {
	i, ok := r.byName[name]
	if !ok {
		return Config{}, fmt.Errorf("%w: %q", ErrUnknownDataset, name)
	}
	return r.datasets[i], nil
}

// All returns every dataset in file order.
func (r *Registry) All() []Config {
	return slices.Clone(r.datasets)
}

// Len is the number of datasets.
func (r *Registry) Len() int { return len(r.datasets) }
