package flow

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"path"
	"slices"
	"time"

	"github.com/OFFIS-RIT/tabgraph/pkg/graph"
	"github.com/OFFIS-RIT/tabgraph/pkg/pipeline"
	"github.com/OFFIS-RIT/tabgraph/pkg/sink"
)

// Coverage is the time span and the countries a dataset covers.
type Coverage struct {
	Start     string   `json:"start,omitempty"`
	End       string   `json:"end,omitempty"`
	Countries []string `json:"countries"`
}

type Resource struct {
	Name     string `json:"name"`
	URL      string `json:"url"`
	MimeType string `json:"mime_type"`
}

// Metadata builds the dataset index from the recipe metadata and the stats
// of the latest aggregation. Fields computed here replace recipe values of
// the same name.
func Metadata(pc *pipeline.Context, stats graph.Stats, updatedAt time.Time) map[string]any {
	cfg := pc.Config
	out := maps.Clone(cfg.Metadata)
	if out == nil {
		out = map[string]any{}
	}
	out["name"] = cfg.Name
	out["title"] = cfg.Title
	out["prefix"] = cfg.Prefix
	out["updated_at"] = updatedAt.UTC().Format(time.RFC3339)
	out["coverage"] = Coverage{
		Start:     stats.Start,
		End:       stats.End,
		Countries: slices.Sorted(maps.Keys(stats.Countries)),
	}
	out["statistics"] = stats
	out["resources"] = []Resource{{
		Name:     path.Base(cfg.Load.EntitiesURI),
		URL:      cfg.Load.EntitiesURI,
		MimeType: sink.ContentTypeNDJSON,
	}}
	return out
}

// ExportMetadata writes the dataset index to the index URI of the recipe.
func ExportMetadata(ctx context.Context, pc *pipeline.Context, stats graph.Stats, updatedAt time.Time) error {
	data, err := json.MarshalIndent(Metadata(pc, stats, updatedAt), "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}
	if err := pc.Storage.WriteFile(ctx, pc.Config.Load.IndexURI, data, "application/json"); err != nil {
		return fmt.Errorf("failed to write metadata: %w", err)
	}
	return nil
}
