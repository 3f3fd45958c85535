package graph

import (
	"context"
	"errors"
	"iter"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/OFFIS-RIT/tabgraph/pkg/common"
	"github.com/OFFIS-RIT/tabgraph/pkg/schema"
	"github.com/OFFIS-RIT/tabgraph/pkg/store/bolt"
)

func seq(fragments []common.Entity) iter.Seq2[common.Entity, error] {
	return func(yield func(common.Entity, error) bool) {
		for _, f := range fragments {
			if !yield(f, nil) {
				return
			}
		}
	}
}

func collect(t *testing.T, agg Aggregator, fragments []common.Entity) (int, map[string]common.Entity, []string) {
	t.Helper()
	out := map[string]common.Entity{}
	var order []string
	n, err := agg.Aggregate(context.Background(), seq(fragments), func(e common.Entity) error {
		if _, dup := out[e.ID]; dup {
			t.Fatalf("entity %s emitted twice", e.ID)
		}
		out[e.ID] = e
		order = append(order, e.ID)
		return nil
	})
	if err != nil {
		t.Fatalf("aggregate failed: %v", err)
	}
	return n, out, order
}

func aggregators(t *testing.T) map[string]Aggregator {
	t.Helper()
	st, err := bolt.Open(filepath.Join(t.TempDir(), "store.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	m := schema.Default()
	return map[string]Aggregator{
		"memory": NewMemoryAggregator(m),
		"store":  NewStoreAggregator(m, st, "test"),
	}
}

func scenarioA() []common.Entity {
	return []common.Entity{
		entity("a", "Organization", map[string][]string{"name": {"Acme"}}),
		entity("a", "Organization", map[string][]string{"jurisdiction": {"us"}}),
		entity("a", "Organization", map[string][]string{"name": {"ACME"}}),
	}
}

func TestAggregateScenarioA(t *testing.T) {
	want := entity("a", "Organization", map[string][]string{
		"name":         {"ACME", "Acme"},
		"jurisdiction": {"us"},
	})
	for name, agg := range aggregators(t) {
		t.Run(name, func(t *testing.T) {
			n, got, _ := collect(t, agg, scenarioA())
			if n != 3 {
				t.Fatalf("expected 3 fragments consumed, got %d", n)
			}
			if len(got) != 1 {
				t.Fatalf("expected 1 entity, got %d", len(got))
			}
			if !reflect.DeepEqual(got["a"], want) {
				t.Fatalf("expected %+v, got %+v", want, got["a"])
			}
		})
	}
}

func TestAggregateDeduplicates(t *testing.T) {
	var fragments []common.Entity
	for i := 0; i < 5; i++ {
		fragments = append(fragments,
			entity("p1", "Person", map[string][]string{"name": {"Jane"}}),
			entity("p2", "Person", map[string][]string{"name": {"John"}}),
			entity("o1", "Organization", map[string][]string{"name": {"Acme"}}),
		)
	}
	for name, agg := range aggregators(t) {
		t.Run(name, func(t *testing.T) {
			n, got, order := collect(t, agg, fragments)
			if n != 15 {
				t.Fatalf("expected 15 fragments consumed, got %d", n)
			}
			if len(got) != 3 {
				t.Fatalf("expected 3 distinct entities, got %d", len(got))
			}
			if !reflect.DeepEqual(order, []string{"o1", "p1", "p2"}) {
				t.Fatalf("expected entities sorted by id, got %v", order)
			}
		})
	}
}

func TestAggregateStrategiesAgreeForAnyOrder(t *testing.T) {
	fragments := []common.Entity{
		entity("x", "Company", map[string][]string{"name": {"X Corp"}, "capital": {"1"}}),
		entity("x", "Person", map[string][]string{"name": {"X"}, "birthDate": {"1970"}}),
		entity("x", "Company", map[string][]string{"country": {"de"}}),
		entity("y", "Membership", map[string][]string{"role": {"chair"}}),
		entity("y", "Person", map[string][]string{"name": {"Y"}}),
	}

	aggs := aggregators(t)
	var reference map[string]common.Entity
	for i, perm := range permutations(fragments) {
		for name, agg := range aggs {
			_, got, _ := collect(t, agg, perm)
			if reference == nil {
				reference = got
				continue
			}
			if !reflect.DeepEqual(got, reference) {
				t.Fatalf("permutation %d with %s: expected %+v, got %+v", i, name, reference, got)
			}
		}
	}
}

func TestAggregatePropagatesSourceError(t *testing.T) {
	boom := errors.New("broken part")
	in := func(yield func(common.Entity, error) bool) {
		if !yield(entity("a", "Person", nil), nil) {
			return
		}
		yield(common.Entity{}, boom)
	}
	for name, agg := range aggregators(t) {
		t.Run(name, func(t *testing.T) {
			_, err := agg.Aggregate(context.Background(), in, func(common.Entity) error { return nil })
			if !errors.Is(err, boom) {
				t.Fatalf("expected source error, got %v", err)
			}
		})
	}
}

func TestRunCollectsStats(t *testing.T) {
	m := schema.Default()
	fragments := append(scenarioA(),
		entity("p", "Person", map[string][]string{"nationality": {"DE"}, "birthDate": {"1970-05-01"}}),
		entity("e", "Event", map[string][]string{"date": {"2024-03-01T10:00:00"}, "country": {"de", "be"}}),
	)
	var emitted int
	n, stats, err := Run(context.Background(), m, NewMemoryAggregator(m), seq(fragments), func(common.Entity) error {
		emitted++
		return nil
	})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if n != 5 || emitted != 3 {
		t.Fatalf("expected 5 fragments and 3 entities, got %d and %d", n, emitted)
	}
	want := Stats{
		EntityCount: 3,
		Schemata:    map[string]int{"Organization": 1, "Person": 1, "Event": 1},
		Countries:   map[string]int{"us": 1, "de": 2, "be": 1},
		Start:       "1970-05-01",
		End:         "2024-03-01",
	}
	if !reflect.DeepEqual(stats, want) {
		t.Fatalf("expected %+v, got %+v", want, stats)
	}
}
