// Package mapping implements the declarative transform: each query maps a
// record onto a set of entities whose ids derive from key columns and whose
// properties are filled from columns, literals or references to the other
// entities of the same query.
package mapping

import (
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strings"

	"github.com/OFFIS-RIT/tabgraph/pkg/common"
	"github.com/OFFIS-RIT/tabgraph/pkg/schema"
)

var ErrInvalidMapping = errors.New("invalid mapping")

// Query maps one record to a group of related entities.
type Query struct {
	// Filters and FiltersNot select the records a query applies to. Each
	// column must (or must not) hold one of the listed values.
	Filters    map[string]common.StringList `yaml:"filters,omitempty" json:"filters,omitempty"`
	FiltersNot map[string]common.StringList `yaml:"filters_not,omitempty" json:"filters_not,omitempty"`
	Entities   map[string]EntityMapping     `yaml:"entities" json:"entities"`
}

type EntityMapping struct {
	Schema     string                     `yaml:"schema" json:"schema"`
	Key        string                     `yaml:"key,omitempty" json:"key,omitempty"`
	Keys       []string                   `yaml:"keys,omitempty" json:"keys,omitempty"`
	KeyLiteral string                     `yaml:"key_literal,omitempty" json:"key_literal,omitempty"`
	IDColumn   string                     `yaml:"id_column,omitempty" json:"id_column,omitempty"`
	Properties map[string]PropertyMapping `yaml:"properties,omitempty" json:"properties,omitempty"`
}

// PropertyMapping describes where the values of one property come from.
// Column values are optionally joined into a single value or split into
// several.
type PropertyMapping struct {
	Column   string   `yaml:"column,omitempty" json:"column,omitempty"`
	Columns  []string `yaml:"columns,omitempty" json:"columns,omitempty"`
	Join     string   `yaml:"join,omitempty" json:"join,omitempty"`
	Split    string   `yaml:"split,omitempty" json:"split,omitempty"`
	Literal  string   `yaml:"literal,omitempty" json:"literal,omitempty"`
	Literals []string `yaml:"literals,omitempty" json:"literals,omitempty"`
	Template string   `yaml:"template,omitempty" json:"template,omitempty"`
	Entity   string   `yaml:"entity,omitempty" json:"entity,omitempty"`
	Required bool     `yaml:"required,omitempty" json:"required,omitempty"`
}

var templateVar = regexp.MustCompile(`\{\{\s*([^}\s]+)\s*\}\}`)

type compiledProperty struct {
	name string
	PropertyMapping
}

type compiledEntity struct {
	name       string
	schema     string
	keys       []string
	keyLiteral string
	idColumn   string
	properties []compiledProperty
}

type compiledQuery struct {
	filters    map[string][]string
	filtersNot map[string][]string
	entities   []compiledEntity
}

// Mapper applies a list of compiled queries to records.
type Mapper struct {
	prefix  string
	queries []compiledQuery
}

// Compile validates queries against model. Every schema must exist and not
// be abstract, every property must be legal for its schema, and entity
// references must point to an entity of the same query whose schema fits
// the property range.
func Compile(model *schema.Model, prefix string, queries []Query) (*Mapper, error) {
	m := &Mapper{prefix: prefix}
	for qi, q := range queries {
		if len(q.Entities) == 0 {
			return nil, fmt.Errorf("%w: query %d has no entities", ErrInvalidMapping, qi)
		}
		cq := compiledQuery{
			filters:    toMap(q.Filters),
			filtersNot: toMap(q.FiltersNot),
		}

		names := make([]string, 0, len(q.Entities))
		for name := range q.Entities {
			names = append(names, name)
		}
		slices.Sort(names)

		for _, name := range names {
			em := q.Entities[name]
			s, ok := model.Get(em.Schema)
			if !ok {
				return nil, fmt.Errorf("%w: query %d entity %q: %w: %q", ErrInvalidMapping, qi, name, schema.ErrUnknownSchema, em.Schema)
			}
			if s.Abstract {
				return nil, fmt.Errorf("%w: query %d entity %q: schema %s is abstract", ErrInvalidMapping, qi, name, s.Name)
			}
			keys := slices.Clone(em.Keys)
			if em.Key != "" {
				keys = append([]string{em.Key}, keys...)
			}
			if len(keys) == 0 && em.IDColumn == "" {
				return nil, fmt.Errorf("%w: query %d entity %q has neither keys nor id_column", ErrInvalidMapping, qi, name)
			}

			ce := compiledEntity{
				name:       name,
				schema:     s.Name,
				keys:       keys,
				keyLiteral: em.KeyLiteral,
				idColumn:   em.IDColumn,
			}
			for prop, pm := range em.Properties {
				p, ok := s.Property(prop)
				if !ok {
					return nil, fmt.Errorf("%w: query %d entity %q: property %q is not legal for %s", ErrInvalidMapping, qi, name, prop, s.Name)
				}
				if pm.Entity != "" {
					if p.Type != schema.TypeEntity {
						return nil, fmt.Errorf("%w: query %d entity %q: property %q is not an entity reference", ErrInvalidMapping, qi, name, prop)
					}
					target, ok := q.Entities[pm.Entity]
					if !ok {
						return nil, fmt.Errorf("%w: query %d entity %q: property %q references unknown entity %q", ErrInvalidMapping, qi, name, prop, pm.Entity)
					}
					ts, ok := model.Get(target.Schema)
					if !ok || !ts.IsA(p.Range) {
						return nil, fmt.Errorf("%w: query %d entity %q: property %q expects %s, got %s", ErrInvalidMapping, qi, name, prop, p.Range, target.Schema)
					}
				}
				ce.properties = append(ce.properties, compiledProperty{name: prop, PropertyMapping: pm})
			}
			slices.SortFunc(ce.properties, func(a, b compiledProperty) int {
				return strings.Compare(a.name, b.name)
			})
			cq.entities = append(cq.entities, ce)
		}
		m.queries = append(m.queries, cq)
	}
	return m, nil
}

func toMap(in map[string]common.StringList) map[string][]string {
	out := make(map[string][]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// Map applies every query to rec. Entities without an identity are
// skipped, as are entities lacking a required property.
func (m *Mapper) Map(rec common.Record) []common.Entity {
	var out []common.Entity
	for _, q := range m.queries {
		if !q.matches(rec) {
			continue
		}
		out = append(out, m.mapQuery(q, rec)...)
	}
	return out
}

func (q compiledQuery) matches(rec common.Record) bool {
	for col, values := range q.filters {
		if !slices.Contains(values, rec.String(col)) {
			return false
		}
	}
	for col, values := range q.filtersNot {
		if slices.Contains(values, rec.String(col)) {
			return false
		}
	}
	return true
}

func (m *Mapper) mapQuery(q compiledQuery, rec common.Record) []common.Entity {
	ids := make(map[string]string, len(q.entities))
	for _, ce := range q.entities {
		if id := m.entityID(ce, rec); id != "" {
			ids[ce.name] = id
		}
	}

	out := make([]common.Entity, 0, len(ids))
	for _, ce := range q.entities {
		id, ok := ids[ce.name]
		if !ok {
			continue
		}
		e := common.NewEntity(id, ce.schema)
		complete := true
		for _, p := range ce.properties {
			values := p.values(rec, ids)
			if p.Required && len(values) == 0 {
				complete = false
				break
			}
			e.Add(p.name, values...)
		}
		if complete {
			out = append(out, e)
		}
	}
	return out
}

func (m *Mapper) entityID(ce compiledEntity, rec common.Record) string {
	if ce.idColumn != "" {
		return rec.String(ce.idColumn)
	}
	values := make([]string, 0, len(ce.keys))
	for _, k := range ce.keys {
		values = append(values, rec.String(k))
	}
	if common.MakeID("", values...) == "" {
		return ""
	}
	return common.MakeID(m.prefix, append([]string{ce.keyLiteral}, values...)...)
}

func (p compiledProperty) values(rec common.Record, ids map[string]string) []string {
	if p.Entity != "" {
		if id, ok := ids[p.Entity]; ok {
			return []string{id}
		}
		return nil
	}

	var values []string
	if p.Column != "" {
		values = append(values, rec.String(p.Column))
	}
	for _, col := range p.Columns {
		values = append(values, rec.String(col))
	}
	if p.Literal != "" {
		values = append(values, p.Literal)
	}
	values = append(values, p.Literals...)
	if p.Template != "" {
		values = append(values, templateVar.ReplaceAllStringFunc(p.Template, func(m string) string {
			return rec.String(templateVar.FindStringSubmatch(m)[1])
		}))
	}

	values = slices.DeleteFunc(values, func(v string) bool {
		return strings.TrimSpace(v) == ""
	})
	if p.Join != "" && len(values) > 0 {
		values = []string{strings.Join(values, p.Join)}
	}
	if p.Split != "" {
		var split []string
		for _, v := range values {
			split = append(split, strings.Split(v, p.Split)...)
		}
		values = split
	}
	return values
}
