package schema

import (
	_ "embed"
	"errors"
	"fmt"
	"slices"
	"sync"

	"gopkg.in/yaml.v3"
)

//go:embed model.yml
var defaultModel []byte

var ErrUnknownSchema = errors.New("unknown schema")

type PropertyType string

const (
	TypeName       PropertyType = "name"
	TypeText       PropertyType = "text"
	TypeString     PropertyType = "string"
	TypeDate       PropertyType = "date"
	TypeCountry    PropertyType = "country"
	TypeEntity     PropertyType = "entity"
	TypeIdentifier PropertyType = "identifier"
	TypeURL        PropertyType = "url"
	TypeEmail      PropertyType = "email"
	TypePhone      PropertyType = "phone"
	TypeAddress    PropertyType = "address"
	TypeTopic      PropertyType = "topic"
	TypeNumber     PropertyType = "number"
)

var knownTypes = map[PropertyType]struct{}{
	TypeName: {}, TypeText: {}, TypeString: {}, TypeDate: {}, TypeCountry: {},
	TypeEntity: {}, TypeIdentifier: {}, TypeURL: {}, TypeEmail: {}, TypePhone: {},
	TypeAddress: {}, TypeTopic: {}, TypeNumber: {},
}

// Property is a named, typed attribute a schema allows. Range names the
// schema an entity-typed property points to.
type Property struct {
	Name  string
	Type  PropertyType
	Range string
}

// Schema is a resolved entity type: its own properties merged with those of
// every ancestor.
type Schema struct {
	Name     string
	Abstract bool
	Extends  []string

	properties map[string]Property
	ancestors  map[string]struct{}
}

// IsA reports whether s is name or a descendant of it.
func (s *Schema) IsA(name string) bool {
	_, ok := s.ancestors[name]
	return ok
}

// Property looks up a property legal for s, including inherited ones.
func (s *Schema) Property(name string) (Property, bool) {
	p, ok := s.properties[name]
	return p, ok
}

// Properties returns every legal property sorted by name.
func (s *Schema) Properties() []Property {
	out := make([]Property, 0, len(s.properties))
	for _, p := range s.properties {
		out = append(out, p)
	}
	slices.SortFunc(out, func(a, b Property) int {
		if a.Name < b.Name {
			return -1
		}
		if a.Name > b.Name {
			return 1
		}
		return 0
	})
	return out
}

// Filter drops every property in props that is not legal for s. The input is
// not modified.
func (s *Schema) Filter(props map[string][]string) map[string][]string {
	out := make(map[string][]string, len(props))
	for name, values := range props {
		if _, ok := s.properties[name]; ok {
			out[name] = values
		}
	}
	return out
}

// Model is a closed set of schemata plus the ordered list of generic
// schemata that conflicting observations are downgraded to.
type Model struct {
	schemata  map[string]*Schema
	fallbacks []string
}

type rawProperty struct {
	Type  string `yaml:"type"`
	Range string `yaml:"range"`
}

type rawSchema struct {
	Abstract   bool                   `yaml:"abstract"`
	Extends    []string               `yaml:"extends"`
	Properties map[string]rawProperty `yaml:"properties"`
}

type rawModel struct {
	Fallbacks []string             `yaml:"fallbacks"`
	Schemata  map[string]rawSchema `yaml:"schemata"`
}

var loadDefault = sync.OnceValues(func() (*Model, error) {
	return Load(defaultModel)
})

// Default returns the built-in model. It is parsed once per process.
func Default() *Model {
	m, err := loadDefault()
	if err != nil {
		panic(fmt.Sprintf("schema: built-in model is invalid: %v", err))
	}
	return m
}

// Load parses and resolves a YAML schema model.
func Load(data []byte) (*Model, error) {
	var raw rawModel
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse schema model: %w", err)
	}
	if len(raw.Schemata) == 0 {
		return nil, errors.New("schema model defines no schemata")
	}

	r := &resolver{
		raw:      raw.Schemata,
		resolved: make(map[string]*Schema, len(raw.Schemata)),
		visiting: make(map[string]bool),
	}
	for name := range raw.Schemata {
		if _, err := r.resolve(name); err != nil {
			return nil, err
		}
	}

	m := &Model{schemata: r.resolved}
	for _, s := range m.schemata {
		for _, p := range s.properties {
			if p.Type == TypeEntity {
				if _, ok := m.schemata[p.Range]; !ok {
					return nil, fmt.Errorf("property %s.%s ranges over %q: %w", s.Name, p.Name, p.Range, ErrUnknownSchema)
				}
			}
		}
	}
	for _, fb := range raw.Fallbacks {
		if _, ok := m.schemata[fb]; !ok {
			return nil, fmt.Errorf("fallback %q: %w", fb, ErrUnknownSchema)
		}
		m.fallbacks = append(m.fallbacks, fb)
	}
	return m, nil
}

type resolver struct {
	raw      map[string]rawSchema
	resolved map[string]*Schema
	visiting map[string]bool
}

func (r *resolver) resolve(name string) (*Schema, error) {
	if s, ok := r.resolved[name]; ok {
		return s, nil
	}
	def, ok := r.raw[name]
	if !ok {
		return nil, fmt.Errorf("%q: %w", name, ErrUnknownSchema)
	}
	if r.visiting[name] {
		return nil, fmt.Errorf("schema %q inherits from itself", name)
	}
	r.visiting[name] = true
	defer delete(r.visiting, name)

	s := &Schema{
		Name:       name,
		Abstract:   def.Abstract,
		Extends:    slices.Clone(def.Extends),
		properties: make(map[string]Property),
		ancestors:  map[string]struct{}{name: {}},
	}
	for _, parentName := range def.Extends {
		parent, err := r.resolve(parentName)
		if err != nil {
			return nil, fmt.Errorf("schema %s: %w", name, err)
		}
		for a := range parent.ancestors {
			s.ancestors[a] = struct{}{}
		}
		for pname, p := range parent.properties {
			if err := s.addProperty(p); err != nil {
				return nil, fmt.Errorf("schema %s inherits %s: %w", name, pname, err)
			}
		}
	}
	for pname, rp := range def.Properties {
		pt := PropertyType(rp.Type)
		if _, ok := knownTypes[pt]; !ok {
			return nil, fmt.Errorf("property %s.%s has unknown type %q", name, pname, rp.Type)
		}
		if pt == TypeEntity && rp.Range == "" {
			return nil, fmt.Errorf("property %s.%s needs a range", name, pname)
		}
		if err := s.addProperty(Property{Name: pname, Type: pt, Range: rp.Range}); err != nil {
			return nil, fmt.Errorf("schema %s: %w", name, err)
		}
	}

	r.resolved[name] = s
	return s, nil
}

func (s *Schema) addProperty(p Property) error {
	if existing, ok := s.properties[p.Name]; ok && existing.Type != p.Type {
		return fmt.Errorf("property %s declared as %s and %s", p.Name, existing.Type, p.Type)
	}
	s.properties[p.Name] = p
	return nil
}

// Get returns the schema called name.
func (m *Model) Get(name string) (*Schema, bool) {
	s, ok := m.schemata[name]
	return s, ok
}

// Names lists every schema name in sorted order.
func (m *Model) Names() []string {
	names := make([]string, 0, len(m.schemata))
	for name := range m.schemata {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Fallbacks returns the ordered downgrade targets.
func (m *Model) Fallbacks() []string {
	return slices.Clone(m.fallbacks)
}

// Common returns the more specific of a and b when one is the other or
// descends from it. Because descendants inherit every ancestor property,
// the result's property set is a superset of both.
func (m *Model) Common(a, b string) (*Schema, bool) {
	sa, ok := m.schemata[a]
	if !ok {
		return nil, false
	}
	sb, ok := m.schemata[b]
	if !ok {
		return nil, false
	}
	if sa.IsA(b) {
		return sa, true
	}
	if sb.IsA(a) {
		return sb, true
	}
	return nil, false
}

// Fallback returns the first fallback schema that both a and b descend from.
func (m *Model) Fallback(a, b string) (*Schema, bool) {
	sa, ok := m.schemata[a]
	if !ok {
		return nil, false
	}
	sb, ok := m.schemata[b]
	if !ok {
		return nil, false
	}
	for _, name := range m.fallbacks {
		if sa.IsA(name) && sb.IsA(name) {
			return m.schemata[name], true
		}
	}
	return nil, false
}
