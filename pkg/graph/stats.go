package graph

import (
	"maps"
	"strings"

	"github.com/OFFIS-RIT/tabgraph/pkg/common"
	"github.com/OFFIS-RIT/tabgraph/pkg/schema"
)

// Stats summarizes an aggregated dataset.
type Stats struct {
	EntityCount int            `json:"entity_count"`
	Schemata    map[string]int `json:"schemata"`
	Countries   map[string]int `json:"countries"`
	Start       string         `json:"start,omitempty"`
	End         string         `json:"end,omitempty"`
}

// Collector computes Stats in a single pass over merged entities.
// It is not safe for concurrent use.
type Collector struct {
	model *schema.Model
	stats Stats
}

func NewCollector(model *schema.Model) *Collector {
	return &Collector{
		model: model,
		stats: Stats{
			Schemata:  map[string]int{},
			Countries: map[string]int{},
		},
	}
}

// Collect accounts for one entity.
func (c *Collector) Collect(e common.Entity) {
	c.stats.EntityCount++
	c.stats.Schemata[e.Schema]++

	s, ok := c.model.Get(e.Schema)
	if !ok {
		return
	}

	seen := map[string]struct{}{}
	for name, values := range e.Properties {
		prop, ok := s.Property(name)
		if !ok {
			continue
		}
		switch prop.Type {
		case schema.TypeCountry:
			for _, v := range values {
				code := strings.ToLower(strings.TrimSpace(v))
				if code == "" {
					continue
				}
				if _, dup := seen[code]; dup {
					continue
				}
				seen[code] = struct{}{}
				c.stats.Countries[code]++
			}
		case schema.TypeDate:
			for _, v := range values {
				c.date(v)
			}
		}
	}
}

func (c *Collector) date(v string) {
	d, ok := normalizeDate(v)
	if !ok {
		return
	}
	if c.stats.Start == "" || d < c.stats.Start {
		c.stats.Start = d
	}
	if c.stats.End == "" || d > c.stats.End {
		c.stats.End = d
	}
}

// normalizeDate accepts ISO 8601 prefixes (2024, 2024-03, 2024-03-01 and
// full timestamps) and truncates them to day precision.
func normalizeDate(v string) (string, bool) {
	v = strings.TrimSpace(v)
	if len(v) < 4 {
		return "", false
	}
	for i := 0; i < 4; i++ {
		if v[i] < '0' || v[i] > '9' {
			return "", false
		}
	}
	if len(v) > 10 {
		v = v[:10]
	}
	return v, true
}

// Export returns a copy of the collected stats.
func (c *Collector) Export() Stats {
	out := c.stats
	out.Schemata = maps.Clone(c.stats.Schemata)
	out.Countries = maps.Clone(c.stats.Countries)
	return out
}
