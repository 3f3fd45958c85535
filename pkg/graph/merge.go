package graph

import (
	"github.com/OFFIS-RIT/tabgraph/pkg/common"
	"github.com/OFFIS-RIT/tabgraph/pkg/logger"
	"github.com/OFFIS-RIT/tabgraph/pkg/schema"
	"github.com/OFFIS-RIT/tabgraph/pkg/store"
)

// Merge combines two observations of the same entity.
//
// When one schema is the other or descends from it, the result carries the
// more specific schema and the union of both property mappings. Otherwise
// both are downgraded to the first fallback schema they share and only the
// properties legal for it survive. When nothing fits, a warning is logged
// and a is returned unchanged.
//
// Property values of a merged entity are deduplicated and sorted, so folding
// a set of fragments yields the same result in any order.
func Merge(model *schema.Model, a, b common.Entity) common.Entity {
	if a.Schema == b.Schema {
		return union(a.ID, a.Schema, a.Properties, b.Properties)
	}
	if s, ok := model.Common(a.Schema, b.Schema); ok {
		return union(a.ID, s.Name, a.Properties, b.Properties)
	}
	if s, ok := model.Fallback(a.Schema, b.Schema); ok {
		logger.Debug("[Merge] Downgrading conflicting schemata", "id", a.ID, "schema", a.Schema, "other", b.Schema, "fallback", s.Name)
		return union(a.ID, s.Name, s.Filter(a.Properties), s.Filter(b.Properties))
	}

	logger.Warn("[Merge] Incompatible schemata, keeping first observation", "id", a.ID, "schema", a.Schema, "other", b.Schema)
	return a
}

// Normalize returns e with deduplicated, sorted property values. It is the
// identity element of Merge.
func Normalize(e common.Entity) common.Entity {
	return union(e.ID, e.Schema, e.Properties, nil)
}

func union(id, schemaName string, a, b map[string][]string) common.Entity {
	out := common.Entity{ID: id, Schema: schemaName, Properties: make(map[string][]string, len(a)+len(b))}
	for _, props := range []map[string][]string{a, b} {
		for name, values := range props {
			out.Properties[name] = append(out.Properties[name], values...)
		}
	}
	for name, values := range out.Properties {
		values = store.DedupeStrings(values)
		if len(values) == 0 {
			delete(out.Properties, name)
			continue
		}
		out.Properties[name] = values
	}
	return out
}
