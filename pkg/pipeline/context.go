// Package pipeline runs the extract, transform and load stages of one
// source. Stage results are stored in a content-addressed cache so that an
// unchanged source is never processed twice, and every stage is retried
// according to the configured policy.
package pipeline

import (
	"fmt"

	"github.com/OFFIS-RIT/tabgraph/pkg/cache"
	"github.com/OFFIS-RIT/tabgraph/pkg/common"
	"github.com/OFFIS-RIT/tabgraph/pkg/config"
	"github.com/OFFIS-RIT/tabgraph/pkg/mapping"
	"github.com/OFFIS-RIT/tabgraph/pkg/schema"
	"github.com/OFFIS-RIT/tabgraph/pkg/sink"
	"github.com/OFFIS-RIT/tabgraph/pkg/source"
	"github.com/OFFIS-RIT/tabgraph/pkg/store"
)

// Context is what every handler of a run sees. It is created once per run
// and must not be modified afterwards.
type Context struct {
	Config   config.Config
	Settings config.Settings
	Cache    cache.Cache
	Model    *schema.Model
	Storage  *sink.Storage
	// Clients passed to source.Resolve.
	Sources source.Options
	// Mapper is set when the recipe declares transform queries.
	Mapper *mapping.Mapper
	// Store is set when the recipe loads into or aggregates through a
	// fragment store.
	Store store.FragmentStore
	RunID string
}

// ContextParams collects the dependencies of NewContext.
type ContextParams struct {
	Config   config.Config
	Settings config.Settings
	Cache    cache.Cache
	Model    *schema.Model
	Storage  *sink.Storage
	Sources  source.Options
	Store    store.FragmentStore
	RunID    string
}

// NewContext binds a recipe to its runtime dependencies. Transform queries
// are compiled here so that an invalid mapping fails before any stage runs.
func NewContext(params ContextParams) (*Context, error) {
	model := params.Model
	if model == nil {
		model = schema.Default()
	}
	storage := params.Storage
	if storage == nil {
		storage = sink.New(params.Sources.S3)
	}
	pc := &Context{
		Config:   params.Config,
		Settings: params.Settings,
		Cache:    params.Cache,
		Model:    model,
		Storage:  storage,
		Sources:  params.Sources,
		Store:    params.Store,
		RunID:    params.RunID,
	}
	if pc.Cache == nil {
		return nil, fmt.Errorf("%w: no cache configured", config.ErrInvalidRecipe)
	}
	if len(pc.Config.Transform.Queries) > 0 {
		m, err := mapping.Compile(model, pc.Config.Prefix, pc.Config.Transform.Queries)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", config.ErrInvalidRecipe, err)
		}
		pc.Mapper = m
	}
	return pc, nil
}

// MakeID derives an entity id namespaced by the dataset prefix.
func (c *Context) MakeID(parts ...string) string {
	return common.MakeID(c.Config.Prefix, parts...)
}

// MakeSlug derives a readable id namespaced by the dataset prefix.
func (c *Context) MakeSlug(parts ...string) string {
	return common.MakeSlug(append([]string{c.Config.Prefix}, parts...)...)
}

// Dataset is the dataset name fragments are stored under.
func (c *Context) Dataset() string {
	return c.Config.Name
}

// StoreURI returns the fragment store a recipe uses, if any. Loading into a
// store takes precedence over aggregating through one.
func StoreURI(cfg config.Config) string {
	if store.IsStoreURI(cfg.Load.EntitiesURI) {
		return cfg.Load.EntitiesURI
	}
	return cfg.Aggregate.StoreURI
}
