// Package config loads dataset recipes. A recipe names the handlers of
// every stage and carries their parameters; once loaded it is an immutable
// value, and overrides produce modified copies.
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"unicode"

	"github.com/OFFIS-RIT/tabgraph/pkg/common"
	"github.com/OFFIS-RIT/tabgraph/pkg/mapping"
	"github.com/OFFIS-RIT/tabgraph/pkg/source"
	"github.com/OFFIS-RIT/tabgraph/pkg/store"

	"github.com/go-playground/validator"
	"gopkg.in/yaml.v3"
)

var ErrInvalidRecipe = errors.New("invalid recipe")

type Source = source.Source

type SeedConfig struct {
	Handler string `yaml:"handler,omitempty" json:"handler,omitempty"`
	// Glob lists patterns matched against the files below DATA_ROOT or an
	// s3://bucket/prefix location.
	Glob common.StringList `yaml:"glob,omitempty" json:"glob,omitempty"`
	// Defaults are copied into every seeded source.
	Mimetype string            `yaml:"mimetype,omitempty" json:"mimetype,omitempty"`
	Options  map[string]string `yaml:"options,omitempty" json:"options,omitempty"`
}

type ExtractConfig struct {
	Handler    string   `yaml:"handler,omitempty" json:"handler,omitempty"`
	Sources    []Source `yaml:"sources,omitempty" json:"sources,omitempty" validate:"dive"`
	RecordsURI string   `yaml:"records_uri,omitempty" json:"records_uri,omitempty"`
}

type TransformConfig struct {
	Handler   string          `yaml:"handler,omitempty" json:"handler,omitempty"`
	ChunkSize int             `yaml:"chunk_size,omitempty" json:"chunk_size,omitempty" validate:"min=0"`
	Queries   []mapping.Query `yaml:"queries,omitempty" json:"queries,omitempty"`
}

type LoadConfig struct {
	Handler      string `yaml:"handler,omitempty" json:"handler,omitempty"`
	IndexURI     string `yaml:"index_uri,omitempty" json:"index_uri,omitempty"`
	FragmentsURI string `yaml:"fragments_uri,omitempty" json:"fragments_uri,omitempty"`
	EntitiesURI  string `yaml:"entities_uri,omitempty" json:"entities_uri,omitempty"`
}

type AggregateConfig struct {
	Handler string `yaml:"handler,omitempty" json:"handler,omitempty"`
	Enabled *bool  `yaml:"enabled,omitempty" json:"enabled,omitempty"`
	// StoreURI selects the external fragment store (bolt:// or postgres://)
	// for the "store" aggregate handler.
	StoreURI string `yaml:"store_uri,omitempty" json:"store_uri,omitempty"`
}

// Config is a parsed dataset recipe.
type Config struct {
	Name      string          `yaml:"name" json:"name" validate:"required"`
	Title     string          `yaml:"title,omitempty" json:"title,omitempty"`
	Prefix    string          `yaml:"prefix,omitempty" json:"prefix,omitempty"`
	Metadata  map[string]any  `yaml:"metadata,omitempty" json:"metadata,omitempty"`
	Seed      SeedConfig      `yaml:"seed,omitempty" json:"seed"`
	Extract   ExtractConfig   `yaml:"extract,omitempty" json:"extract"`
	Transform TransformConfig `yaml:"transform,omitempty" json:"transform"`
	Load      LoadConfig      `yaml:"load,omitempty" json:"load"`
	Aggregate AggregateConfig `yaml:"aggregate,omitempty" json:"aggregate"`

	// BasePath is the directory of the recipe file. Relative local source
	// paths and seed patterns are resolved against it.
	BasePath string `yaml:"-" json:"-"`
}

var validate = validator.New()

// Load reads and parses the recipe at path.
func Load(path string, settings Settings) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read recipe %s: %w", path, err)
	}
	abs, err := filepath.Abs(filepath.Dir(path))
	if err != nil {
		return Config{}, fmt.Errorf("failed to resolve recipe path %s: %w", path, err)
	}
	return Parse(data, abs, settings)
}

// Parse decodes a recipe, fills in defaults and validates it. Every problem
// is reported as ErrInvalidRecipe.
func Parse(data []byte, basePath string, settings Settings) (Config, error) {
	var c Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&c); err != nil {
		return Config{}, fmt.Errorf("%w: %w", ErrInvalidRecipe, err)
	}
	if err := validate.Struct(c); err != nil {
		return Config{}, fmt.Errorf("%w: %w", ErrInvalidRecipe, err)
	}
	c.BasePath = basePath
	c = c.withDefaults(settings)
	if err := c.check(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func (c Config) withDefaults(settings Settings) Config {
	settings = settings.normalize()
	if c.Title == "" {
		c.Title = titleCase(c.Name)
	}
	if c.Prefix == "" {
		c.Prefix = c.Name
	}
	if c.Seed.Handler == "" && len(c.Seed.Glob) > 0 {
		c.Seed.Handler = "glob"
	}
	if c.Extract.Handler == "" {
		c.Extract.Handler = "default"
	}
	if c.Transform.Handler == "" {
		c.Transform.Handler = "mapping"
	}
	if c.Transform.ChunkSize == 0 {
		c.Transform.ChunkSize = settings.ChunkSize
	}
	if c.Load.Handler == "" {
		c.Load.Handler = "fragments"
	}
	root := filepath.Join(settings.DataRoot, c.Name)
	if strings.HasPrefix(settings.DataRoot, "s3://") {
		root = strings.TrimSuffix(settings.DataRoot, "/") + "/" + c.Name
	}
	if c.Load.IndexURI == "" {
		c.Load.IndexURI = joinURI(root, "index.json")
	}
	if c.Load.FragmentsURI == "" {
		c.Load.FragmentsURI = joinURI(root, "fragments.json")
	}
	if c.Load.EntitiesURI == "" {
		c.Load.EntitiesURI = joinURI(root, "entities.ftm.json")
	}
	if c.Aggregate.Handler == "" {
		c.Aggregate.Handler = "memory"
		if c.Aggregate.StoreURI != "" {
			c.Aggregate.Handler = "store"
		}
	}

	sources := make([]Source, len(c.Extract.Sources))
	for i, src := range c.Extract.Sources {
		src.URI = c.ResolvePath(src.URI)
		sources[i] = src
	}
	c.Extract.Sources = sources
	return c
}

func (c Config) check() error {
	if c.Aggregate.Handler == "store" && c.Aggregate.StoreURI == "" {
		return fmt.Errorf("%w: aggregate handler store needs a store_uri", ErrInvalidRecipe)
	}
	if c.Aggregate.StoreURI != "" && !store.IsStoreURI(c.Aggregate.StoreURI) {
		return fmt.Errorf("%w: unsupported store_uri %s", ErrInvalidRecipe, c.Aggregate.StoreURI)
	}
	if len(c.Extract.Sources) == 0 && c.Seed.Handler == "" {
		return fmt.Errorf("%w: dataset %s has neither sources nor a seed", ErrInvalidRecipe, c.Name)
	}
	return nil
}

func joinURI(root, name string) string {
	if strings.HasPrefix(root, "s3://") {
		return root + "/" + name
	}
	return filepath.Join(root, name)
}

func titleCase(name string) string {
	words := strings.FieldsFunc(name, func(r rune) bool { return r == '_' || r == '-' || r == ' ' })
	for i, w := range words {
		r := []rune(w)
		r[0] = unicode.ToUpper(r[0])
		words[i] = string(r)
	}
	return strings.Join(words, " ")
}

// ResolvePath makes a relative local path absolute against BasePath.
// URIs with a scheme are returned unchanged.
func (c Config) ResolvePath(uri string) string {
	if uri == "" || strings.Contains(uri, "://") || filepath.IsAbs(uri) || c.BasePath == "" {
		return uri
	}
	return filepath.Join(c.BasePath, uri)
}

// ShouldAggregate reports whether the aggregate stage runs. It does not when
// disabled in the recipe or when the load target deduplicates on write.
func (c Config) ShouldAggregate() bool {
	if c.Aggregate.Enabled != nil && !*c.Aggregate.Enabled {
		return false
	}
	return !store.IsStoreURI(c.Load.EntitiesURI)
}

func checksumOf(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		data = fmt.Appendf(nil, "%#v", v)
	}
	return common.Checksum(data)
}

// Checksum identifies the whole recipe.
func (c Config) Checksum() string {
	return checksumOf(c)
}

// ExtractChecksum covers the recipe fields the batches extracted from src
// depend on. The content of src is identified separately by its resolver
// key.
func (c Config) ExtractChecksum(src Source) string {
	src.Name = ""
	return checksumOf(struct {
		Handler   string
		Source    Source
		ChunkSize int
	}{c.Extract.Handler, src, c.Transform.ChunkSize})
}

// LoadChecksum covers the recipe fields the fragments of a batch and its
// loaded part depend on. Titles, metadata, the index location and the
// aggregate stage are left out.
func (c Config) LoadChecksum() string {
	t := c.Transform
	t.ChunkSize = 0
	l := c.Load
	l.IndexURI = ""
	return checksumOf(struct {
		Prefix    string
		Transform TransformConfig
		Load      LoadConfig
	}{c.Prefix, t, l})
}

// Options are overrides applied on top of a recipe, e.g. from the command
// line. Zero values leave the recipe unchanged.
type Options struct {
	ChunkSize    int
	Aggregate    *bool
	IndexURI     string
	FragmentsURI string
	EntitiesURI  string
	StoreURI     string
}

// WithOptions returns a copy of c with opts applied.
func (c Config) WithOptions(opts Options) Config {
	if opts.ChunkSize > 0 {
		c = c.WithChunkSize(opts.ChunkSize)
	}
	if opts.Aggregate != nil {
		c = c.WithAggregate(*opts.Aggregate)
	}
	if opts.IndexURI != "" {
		c.Load.IndexURI = opts.IndexURI
	}
	if opts.FragmentsURI != "" {
		c.Load.FragmentsURI = opts.FragmentsURI
	}
	if opts.EntitiesURI != "" {
		c.Load.EntitiesURI = opts.EntitiesURI
	}
	if opts.StoreURI != "" {
		c.Aggregate.StoreURI = opts.StoreURI
		c.Aggregate.Handler = "store"
	}
	return c
}

func (c Config) WithChunkSize(n int) Config {
	c.Transform.ChunkSize = n
	return c
}

func (c Config) WithAggregate(enabled bool) Config {
	c.Aggregate.Enabled = &enabled
	return c
}

// WithSources returns a copy of c whose sources are replaced by sources.
func (c Config) WithSources(sources []Source) Config {
	c.Extract.Sources = slices.Clone(sources)
	return c
}
