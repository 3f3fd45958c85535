package graph

import (
	"context"
	"fmt"
	"iter"
	"maps"
	"slices"

	"github.com/OFFIS-RIT/tabgraph/pkg/common"
	"github.com/OFFIS-RIT/tabgraph/pkg/logger"
	"github.com/OFFIS-RIT/tabgraph/pkg/schema"
	"github.com/OFFIS-RIT/tabgraph/pkg/store"
)

const storeBatchSize = 1000

// Aggregator folds a stream of fragments into one entity per id. Aggregate
// returns the number of fragments consumed and calls emit once for every
// merged entity.
type Aggregator interface {
	Aggregate(ctx context.Context, fragments iter.Seq2[common.Entity, error], emit func(common.Entity) error) (int, error)
}

// Run aggregates fragments with agg and computes coverage stats over the
// emitted entities.
func Run(
	ctx context.Context,
	model *schema.Model,
	agg Aggregator,
	fragments iter.Seq2[common.Entity, error],
	emit func(common.Entity) error,
) (int, Stats, error) {
	collector := NewCollector(model)
	n, err := agg.Aggregate(ctx, fragments, func(e common.Entity) error {
		collector.Collect(e)
		return emit(e)
	})
	if err != nil {
		return n, Stats{}, err
	}
	return n, collector.Export(), nil
}

// fold merges fragments of one id in checksum order. Identical fragments
// must already be removed.
func fold(model *schema.Model, fragments []common.Entity) common.Entity {
	acc := Normalize(fragments[0])
	for _, f := range fragments[1:] {
		acc = Merge(model, acc, f)
	}
	return acc
}

// MemoryAggregator keeps every distinct fragment in an identity map and
// emits merged entities sorted by id. It must be driven by one goroutine.
type MemoryAggregator struct {
	model *schema.Model
}

func NewMemoryAggregator(model *schema.Model) *MemoryAggregator {
	return &MemoryAggregator{model: model}
}

func (a *MemoryAggregator) Aggregate(
	ctx context.Context,
	fragments iter.Seq2[common.Entity, error],
	emit func(common.Entity) error,
) (int, error) {
	byID := make(map[string]map[string]common.Entity)
	count := 0
	for f, err := range fragments {
		if err != nil {
			return count, fmt.Errorf("failed to read fragment: %w", err)
		}
		if err := ctx.Err(); err != nil {
			return count, err
		}
		count++
		if f.ID == "" {
			logger.Warn("[Aggregate] Skipping fragment without id", "schema", f.Schema)
			continue
		}
		seen, ok := byID[f.ID]
		if !ok {
			seen = make(map[string]common.Entity, 1)
			byID[f.ID] = seen
		}
		seen[f.Checksum()] = f
	}

	for _, id := range slices.Sorted(maps.Keys(byID)) {
		seen := byID[id]
		group := make([]common.Entity, 0, len(seen))
		for _, sum := range slices.Sorted(maps.Keys(seen)) {
			group = append(group, seen[sum])
		}
		if err := emit(fold(a.model, group)); err != nil {
			return count, err
		}
		delete(byID, id)
	}
	return count, nil
}

// StoreAggregator spills fragments to a FragmentStore and folds them while
// streaming them back in id order, so memory use is bounded by the largest
// single entity.
type StoreAggregator struct {
	model   *schema.Model
	store   store.FragmentStore
	dataset string
}

func NewStoreAggregator(model *schema.Model, st store.FragmentStore, dataset string) *StoreAggregator {
	return &StoreAggregator{model: model, store: st, dataset: dataset}
}

func (a *StoreAggregator) Aggregate(
	ctx context.Context,
	fragments iter.Seq2[common.Entity, error],
	emit func(common.Entity) error,
) (int, error) {
	count := 0
	run := func(ctx context.Context) error {
		if err := a.store.ClearDataset(ctx, a.dataset); err != nil {
			return fmt.Errorf("failed to clear dataset %s: %w", a.dataset, err)
		}

		buf := make([]common.Entity, 0, storeBatchSize)
		flush := func() error {
			if len(buf) == 0 {
				return nil
			}
			if err := a.store.PutFragments(ctx, a.dataset, buf); err != nil {
				return fmt.Errorf("failed to store fragments: %w", err)
			}
			buf = buf[:0]
			return nil
		}
		for f, err := range fragments {
			if err != nil {
				return fmt.Errorf("failed to read fragment: %w", err)
			}
			count++
			if f.ID == "" {
				logger.Warn("[Aggregate] Skipping fragment without id", "schema", f.Schema)
				continue
			}
			buf = append(buf, f)
			if len(buf) >= storeBatchSize {
				if err := flush(); err != nil {
					return err
				}
			}
		}
		if err := flush(); err != nil {
			return err
		}

		_, err := ReadStore(ctx, a.model, a.store, a.dataset, emit)
		return err
	}

	var err error
	if l, ok := a.store.(store.Locker); ok {
		err = l.WithLock(ctx, a.dataset, run)
	} else {
		err = run(ctx)
	}
	return count, err
}

// ReadStore folds the fragments of dataset in st and emits one entity per
// id. It returns the number of entities emitted.
func ReadStore(
	ctx context.Context,
	model *schema.Model,
	st store.FragmentStore,
	dataset string,
	emit func(common.Entity) error,
) (int, error) {
	emitted := 0
	var group []common.Entity
	flush := func() error {
		if len(group) == 0 {
			return nil
		}
		if err := emit(fold(model, group)); err != nil {
			return err
		}
		emitted++
		group = group[:0]
		return nil
	}

	for f, err := range st.IterateFragments(ctx, dataset) {
		if err != nil {
			return emitted, fmt.Errorf("failed to iterate fragments: %w", err)
		}
		if len(group) > 0 && group[0].ID != f.ID {
			if err := flush(); err != nil {
				return emitted, err
			}
		}
		group = append(group, f)
	}
	if err := flush(); err != nil {
		return emitted, err
	}
	return emitted, nil
}
