package pipeline

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"maps"
	"slices"
	"sync"

	"github.com/OFFIS-RIT/tabgraph/pkg/common"
	"github.com/OFFIS-RIT/tabgraph/pkg/config"
	"github.com/OFFIS-RIT/tabgraph/pkg/graph"
	"github.com/OFFIS-RIT/tabgraph/pkg/source"
)

var ErrUnknownHandler = errors.New("unknown handler")

// SeedFunc returns additional sources, typically by listing a location.
type SeedFunc func(ctx context.Context, pc *Context) ([]config.Source, error)

// ExtractFunc yields the records of one source.
type ExtractFunc func(ctx context.Context, pc *Context, res source.Resolver) iter.Seq2[common.Record, error]

// TransformFunc maps one record to fragments. ix is the 1-based position of
// the record in its source.
type TransformFunc func(ctx context.Context, pc *Context, rec common.Record, ix int) ([]common.Entity, error)

// LoadFunc persists one batch of fragments and returns where it went.
type LoadFunc func(ctx context.Context, pc *Context, fragments []common.Entity, batchKey string) (string, error)

// AggregateFunc merges the fragments of every loaded part into entities.
type AggregateFunc func(ctx context.Context, pc *Context, parts []string) (int, graph.Stats, error)

// Handlers are the stage functions of one recipe. Seed is nil when the
// recipe does not seed.
type Handlers struct {
	Seed      SeedFunc
	Extract   ExtractFunc
	Transform TransformFunc
	Load      LoadFunc
	Aggregate AggregateFunc
}

// Registry maps handler names to functions.
type Registry struct {
	mu        sync.RWMutex
	seed      map[string]SeedFunc
	extract   map[string]ExtractFunc
	transform map[string]TransformFunc
	load      map[string]LoadFunc
	aggregate map[string]AggregateFunc
}

// NewRegistry returns a registry holding the built-in handlers.
func NewRegistry() *Registry {
	r := &Registry{
		seed:      map[string]SeedFunc{},
		extract:   map[string]ExtractFunc{},
		transform: map[string]TransformFunc{},
		load:      map[string]LoadFunc{},
		aggregate: map[string]AggregateFunc{},
	}
	r.RegisterSeed("glob", SeedGlob)
	r.RegisterExtract("default", ExtractRecords)
	r.RegisterTransform("mapping", TransformMapping)
	r.RegisterLoad("fragments", LoadFragments)
	r.RegisterAggregate("memory", AggregateMemory)
	r.RegisterAggregate("store", AggregateStore)
	return r
}

func (r *Registry) RegisterSeed(name string, fn SeedFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seed[name] = fn
}

func (r *Registry) RegisterExtract(name string, fn ExtractFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.extract[name] = fn
}

func (r *Registry) RegisterTransform(name string, fn TransformFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transform[name] = fn
}

func (r *Registry) RegisterLoad(name string, fn LoadFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.load[name] = fn
}

func (r *Registry) RegisterAggregate(name string, fn AggregateFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.aggregate[name] = fn
}

func lookup[F any](kind string, m map[string]F, name string) (F, error) {
	fn, ok := m[name]
	if !ok {
		var zero F
		return zero, fmt.Errorf("%w: %s handler %q (known: %v)", ErrUnknownHandler, kind, name, slices.Sorted(maps.Keys(m)))
	}
	return fn, nil
}

// Resolve looks up every handler cfg names. Resolution happens once per
// run so that a misspelled handler fails before any stage runs.
func (r *Registry) Resolve(cfg config.Config) (Handlers, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var h Handlers
	var err error
	if cfg.Seed.Handler != "" {
		if h.Seed, err = lookup("seed", r.seed, cfg.Seed.Handler); err != nil {
			return Handlers{}, err
		}
	}
	if h.Extract, err = lookup("extract", r.extract, cfg.Extract.Handler); err != nil {
		return Handlers{}, err
	}
	if h.Transform, err = lookup("transform", r.transform, cfg.Transform.Handler); err != nil {
		return Handlers{}, err
	}
	if h.Load, err = lookup("load", r.load, cfg.Load.Handler); err != nil {
		return Handlers{}, err
	}
	if h.Aggregate, err = lookup("aggregate", r.aggregate, cfg.Aggregate.Handler); err != nil {
		return Handlers{}, err
	}
	if cfg.Transform.Handler == "mapping" && len(cfg.Transform.Queries) == 0 {
		return Handlers{}, fmt.Errorf("%w: transform handler mapping needs queries", config.ErrInvalidRecipe)
	}
	return h, nil
}
