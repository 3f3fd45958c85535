package common

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"
)

// Record is one row produced by an extract handler. Keys are column names,
// values are whatever the source format carries (strings for CSV, decoded
// JSON values otherwise).
type Record map[string]any

// String returns the value of key rendered as a trimmed string. Missing
// and null values render as the empty string.
func (r Record) String(key string) string {
	v, ok := r[key]
	if !ok || v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case json.Number:
		return t.String()
	case bool:
		return strconv.FormatBool(t)
	default:
		return strings.TrimSpace(fmt.Sprint(t))
	}
}

// IndexedRecord carries a record together with its 1-based position in the
// source. Batches of indexed records are the unit of caching between the
// extract and transform stages.
type IndexedRecord struct {
	Index  int    `json:"ix"`
	Record Record `json:"record"`
}

// Entity is a typed node of the graph. The same shape is used for fragments
// (partial observations emitted by a transform handler) and for the merged
// entities produced by aggregation.
//
// Properties map a property name to its values. References to other
// entities are ordinary values holding the referenced entity's id.
type Entity struct {
	ID         string              `json:"id"`
	Schema     string              `json:"schema"`
	Properties map[string][]string `json:"properties"`
}

// NewEntity creates an empty entity.
func NewEntity(id, schema string) Entity {
	return Entity{ID: id, Schema: schema, Properties: map[string][]string{}}
}

// Add appends values to prop, skipping empty strings and values already
// present.
func (e *Entity) Add(prop string, values ...string) {
	if e.Properties == nil {
		e.Properties = map[string][]string{}
	}
	existing := e.Properties[prop]
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" || slices.Contains(existing, v) {
			continue
		}
		existing = append(existing, v)
	}
	if len(existing) > 0 {
		e.Properties[prop] = existing
	}
}

// Get returns the values of prop.
func (e Entity) Get(prop string) []string {
	return e.Properties[prop]
}

// First returns the first value of prop or the empty string.
func (e Entity) First(prop string) string {
	if v := e.Properties[prop]; len(v) > 0 {
		return v[0]
	}
	return ""
}

// Clone returns a deep copy.
func (e Entity) Clone() Entity {
	out := Entity{ID: e.ID, Schema: e.Schema, Properties: make(map[string][]string, len(e.Properties))}
	for k, v := range e.Properties {
		out.Properties[k] = slices.Clone(v)
	}
	return out
}

// Checksum identifies the exact content of an entity. Two fragments with
// the same id, schema and values in the same order share a checksum.
func (e Entity) Checksum() string {
	var b strings.Builder
	b.WriteString(e.ID)
	b.WriteByte(0)
	b.WriteString(e.Schema)
	for _, k := range slices.Sorted(maps.Keys(e.Properties)) {
		b.WriteByte(0)
		b.WriteString(k)
		for _, v := range e.Properties[k] {
			b.WriteByte(1)
			b.WriteString(v)
		}
	}
	return Checksum([]byte(b.String()))
}
