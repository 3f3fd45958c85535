package pipeline

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"maps"
	"slices"
	"strings"

	"github.com/OFFIS-RIT/tabgraph/pkg/common"
	"github.com/OFFIS-RIT/tabgraph/pkg/config"
	"github.com/OFFIS-RIT/tabgraph/pkg/extract"
	"github.com/OFFIS-RIT/tabgraph/pkg/graph"
	"github.com/OFFIS-RIT/tabgraph/pkg/logger"
	"github.com/OFFIS-RIT/tabgraph/pkg/source"
	"github.com/OFFIS-RIT/tabgraph/pkg/store"

	"github.com/gobwas/glob"
)

var errNoStore = errors.New("no fragment store configured")

// SeedGlob lists the locations below each seed pattern and returns one
// source per matching file. Patterns use '/' as separator, so "*" stays
// within one directory and "**" crosses directories.
func SeedGlob(ctx context.Context, pc *Context) ([]config.Source, error) {
	seen := map[string]struct{}{}
	var out []config.Source
	for _, pattern := range pc.Config.Seed.Glob {
		pattern = pc.Config.ResolvePath(pattern)
		g, err := glob.Compile(pattern, '/')
		if err != nil {
			return nil, fmt.Errorf("%w: invalid seed pattern %q: %w", config.ErrInvalidRecipe, pattern, err)
		}
		uris, err := pc.Storage.List(ctx, globRoot(pattern))
		if err != nil {
			return nil, err
		}
		for _, uri := range uris {
			if _, ok := seen[uri]; ok || !g.Match(uri) {
				continue
			}
			seen[uri] = struct{}{}
			out = append(out, config.Source{
				URI:      uri,
				Mimetype: pc.Config.Seed.Mimetype,
				Options:  maps.Clone(pc.Config.Seed.Options),
			})
		}
	}
	slices.SortFunc(out, func(a, b config.Source) int {
		return strings.Compare(a.URI, b.URI)
	})
	logger.Debug("[Seed] Seeded sources", "dataset", pc.Dataset(), "sources", len(out))
	return out, nil
}

// globRoot is the longest directory prefix of pattern without glob syntax.
func globRoot(pattern string) string {
	i := strings.IndexAny(pattern, "*?[{")
	if i < 0 {
		return pattern
	}
	j := strings.LastIndex(pattern[:i], "/")
	if j < 0 {
		return "."
	}
	return pattern[:j+1]
}

// ExtractRecords reads CSV and JSON sources.
func ExtractRecords(ctx context.Context, pc *Context, res source.Resolver) iter.Seq2[common.Record, error] {
	return extract.Records(ctx, res)
}

// TransformMapping applies the transform queries of the recipe.
func TransformMapping(ctx context.Context, pc *Context, rec common.Record, ix int) ([]common.Entity, error) {
	if pc.Mapper == nil {
		return nil, fmt.Errorf("dataset %s has no transform queries", pc.Dataset())
	}
	return pc.Mapper.Map(rec), nil
}

// LoadFragments writes a batch of fragments. With a file target the batch
// becomes an immutable part next to the fragments URI, named after the
// batch, and is registered in the cache set of that URI. With a store
// target the fragments go into the store, which merges them on read.
func LoadFragments(ctx context.Context, pc *Context, fragments []common.Entity, batchKey string) (string, error) {
	if target := pc.Config.Load.EntitiesURI; store.IsStoreURI(target) {
		if pc.Store == nil {
			return "", errNoStore
		}
		if err := pc.Store.PutFragments(ctx, pc.Dataset(), fragments); err != nil {
			return "", fmt.Errorf("failed to store fragments: %w", err)
		}
		return target, nil
	}

	part := PartURI(pc.Config.Load.FragmentsURI, batchKey)
	w, err := pc.Storage.Create(ctx, part)
	if err != nil {
		return "", err
	}
	for _, f := range fragments {
		if err := w.Encode(f); err != nil {
			w.Abort()
			return "", err
		}
	}
	if err := w.Close(); err != nil {
		return "", err
	}
	if _, err := pc.Cache.AddToSet(ctx, pc.Config.Load.FragmentsURI, part); err != nil {
		return "", fmt.Errorf("failed to register part %s: %w", part, err)
	}
	return part, nil
}

// PartURI names the fragment part of one batch.
func PartURI(fragmentsURI, batchKey string) string {
	if len(batchKey) > 16 {
		batchKey = batchKey[:16]
	}
	return fragmentsURI + "." + batchKey
}

// AggregateMemory merges all parts in memory and writes the entities file.
func AggregateMemory(ctx context.Context, pc *Context, parts []string) (int, graph.Stats, error) {
	return aggregateInto(ctx, pc, graph.NewMemoryAggregator(pc.Model), parts)
}

// AggregateStore merges all parts through the fragment store and writes the
// entities file. Memory use does not grow with the dataset.
func AggregateStore(ctx context.Context, pc *Context, parts []string) (int, graph.Stats, error) {
	if pc.Store == nil {
		return 0, graph.Stats{}, errNoStore
	}
	return aggregateInto(ctx, pc, graph.NewStoreAggregator(pc.Model, pc.Store, pc.Dataset()), parts)
}

func aggregateInto(ctx context.Context, pc *Context, agg graph.Aggregator, parts []string) (int, graph.Stats, error) {
	uri := pc.Config.Load.EntitiesURI
	w, err := pc.Storage.Create(ctx, uri)
	if err != nil {
		return 0, graph.Stats{}, err
	}
	n, stats, err := graph.Run(ctx, pc.Model, agg, pc.Storage.Entities(ctx, parts...), func(e common.Entity) error {
		return w.Encode(e)
	})
	if err != nil {
		w.Abort()
		return n, graph.Stats{}, err
	}
	if err := w.Close(); err != nil {
		return n, graph.Stats{}, err
	}
	logger.Info("[Aggregate] Wrote entities", "dataset", pc.Dataset(), "fragments", n, "entities", stats.EntityCount, "uri", uri)
	return n, stats, nil
}
