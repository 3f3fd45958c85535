package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

const recipe = `
name: ec_meetings
metadata:
  publisher: {name: European Commission}
extract:
  sources:
    - uri: data/meetings.csv
      options: {delimiter: ";"}
    - name: remote
      uri: https://example.org/orgs.csv
transform:
  queries:
    - entities:
        org:
          schema: PublicBody
          keys: [id]
          properties:
            name: {column: name}
`

func testSettings() Settings {
	s := DefaultSettings()
	s.DataRoot = "/srv/data"
	return s
}

func TestParseDefaults(t *testing.T) {
	c, err := Parse([]byte(recipe), "/recipes/ec", testSettings())
	if err != nil {
		t.Fatalf("failed to parse: %v", err)
	}
	if c.Title != "Ec Meetings" {
		t.Fatalf("expected derived title, got %q", c.Title)
	}
	if c.Prefix != "ec_meetings" {
		t.Fatalf("expected prefix to default to name, got %q", c.Prefix)
	}
	if c.Extract.Handler != "default" || c.Transform.Handler != "mapping" || c.Load.Handler != "fragments" || c.Aggregate.Handler != "memory" {
		t.Fatalf("unexpected default handlers: %+v", c)
	}
	if c.Seed.Handler != "" {
		t.Fatalf("expected no seed handler, got %q", c.Seed.Handler)
	}
	if c.Transform.ChunkSize != DefaultChunkSize {
		t.Fatalf("expected chunk size %d, got %d", DefaultChunkSize, c.Transform.ChunkSize)
	}
	if c.Load.FragmentsURI != "/srv/data/ec_meetings/fragments.json" {
		t.Fatalf("unexpected fragments uri %q", c.Load.FragmentsURI)
	}
	if c.Load.EntitiesURI != "/srv/data/ec_meetings/entities.ftm.json" {
		t.Fatalf("unexpected entities uri %q", c.Load.EntitiesURI)
	}
	if c.Extract.Sources[0].URI != "/recipes/ec/data/meetings.csv" {
		t.Fatalf("expected source to resolve against recipe dir, got %q", c.Extract.Sources[0].URI)
	}
	if c.Extract.Sources[1].URI != "https://example.org/orgs.csv" {
		t.Fatalf("expected remote uri unchanged, got %q", c.Extract.Sources[1].URI)
	}
	if c.Extract.Sources[0].Option("delimiter", ",") != ";" {
		t.Fatal("expected delimiter option to be kept")
	}
	if !c.ShouldAggregate() {
		t.Fatal("expected aggregation by default")
	}
}

func TestParseS3DataRoot(t *testing.T) {
	s := testSettings()
	s.DataRoot = "s3://bucket/datasets/"
	c, err := Parse([]byte(recipe), "", s)
	if err != nil {
		t.Fatalf("failed to parse: %v", err)
	}
	if c.Load.IndexURI != "s3://bucket/datasets/ec_meetings/index.json" {
		t.Fatalf("unexpected index uri %q", c.Load.IndexURI)
	}
}

func TestParseInvalid(t *testing.T) {
	tests := []struct {
		name   string
		recipe string
	}{
		{name: "missing name", recipe: "extract: {sources: [{uri: a.csv}]}"},
		{name: "unknown field", recipe: "name: x\nsources: []"},
		{name: "source without uri", recipe: "name: x\nextract: {sources: [{name: a}]}"},
		{name: "no sources", recipe: "name: x"},
		{name: "store without uri", recipe: "name: x\nextract: {sources: [{uri: a.csv}]}\naggregate: {handler: store}"},
		{name: "bad store uri", recipe: "name: x\nextract: {sources: [{uri: a.csv}]}\naggregate: {store_uri: redis://x}"},
		{name: "negative chunk", recipe: "name: x\nextract: {sources: [{uri: a.csv}]}\ntransform: {chunk_size: -1}"},
		{name: "broken yaml", recipe: "name: [x"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.recipe), "", testSettings())
			if !errors.Is(err, ErrInvalidRecipe) {
				t.Fatalf("expected ErrInvalidRecipe, got %v", err)
			}
		})
	}
}

func TestSeedGlobAcceptsScalar(t *testing.T) {
	c, err := Parse([]byte("name: x\nseed: {glob: '*.csv'}"), "", testSettings())
	if err != nil {
		t.Fatalf("failed to parse: %v", err)
	}
	if c.Seed.Handler != "glob" || len(c.Seed.Glob) != 1 || c.Seed.Glob[0] != "*.csv" {
		t.Fatalf("unexpected seed config %+v", c.Seed)
	}
}

func TestStoreTargets(t *testing.T) {
	c, err := Parse([]byte("name: x\nextract: {sources: [{uri: a.csv}]}\naggregate: {store_uri: bolt:///tmp/x.db}"), "", testSettings())
	if err != nil {
		t.Fatalf("failed to parse: %v", err)
	}
	if c.Aggregate.Handler != "store" {
		t.Fatalf("expected store handler, got %q", c.Aggregate.Handler)
	}

	c = c.WithOptions(Options{EntitiesURI: "postgres://localhost/db"})
	if c.ShouldAggregate() {
		t.Fatal("expected no aggregation when loading into a store")
	}
}

func TestWithOptionsCopies(t *testing.T) {
	c, err := Parse([]byte(recipe), "", testSettings())
	if err != nil {
		t.Fatalf("failed to parse: %v", err)
	}
	sum := c.Checksum()

	off := false
	d := c.WithOptions(Options{ChunkSize: 1, Aggregate: &off, FragmentsURI: "/tmp/f.json"})
	if c.Transform.ChunkSize != DefaultChunkSize || !c.ShouldAggregate() {
		t.Fatal("expected original config to be unchanged")
	}
	if d.Transform.ChunkSize != 1 || d.ShouldAggregate() || d.Load.FragmentsURI != "/tmp/f.json" {
		t.Fatalf("expected overrides to apply, got %+v", d)
	}
	if d.Checksum() == sum {
		t.Fatal("expected checksum to change with the recipe")
	}
	if c.Checksum() != sum {
		t.Fatal("expected checksum to be stable")
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "config.yml")
	if err := os.WriteFile(p, []byte(recipe), 0o644); err != nil {
		t.Fatalf("failed to write recipe: %v", err)
	}
	c, err := Load(p, testSettings())
	if err != nil {
		t.Fatalf("failed to load: %v", err)
	}
	if c.BasePath != dir {
		t.Fatalf("expected base path %s, got %s", dir, c.BasePath)
	}
	if _, err := Load(filepath.Join(dir, "missing.yml"), testSettings()); err == nil {
		t.Fatal("expected error for missing recipe")
	}
}

func TestSettingsFromEnv(t *testing.T) {
	t.Setenv("TASK_RETRIES", "5")
	t.Setenv("TASK_RETRY_DELAY", "2")
	t.Setenv("CHUNK_SIZE", "0")
	t.Setenv("TASK_CACHE", "false")
	t.Setenv("PARALLEL_SOURCES", "-3")

	s := SettingsFromEnv()
	if s.Retries != 5 || s.RetryDelay != 2*time.Second {
		t.Fatalf("unexpected retry settings %d %s", s.Retries, s.RetryDelay)
	}
	if s.ChunkSize != DefaultChunkSize {
		t.Fatalf("expected invalid chunk size to fall back, got %d", s.ChunkSize)
	}
	if s.TaskCache {
		t.Fatal("expected task cache to be disabled")
	}
	if s.ParallelSources != 1 {
		t.Fatalf("expected parallelism to be clamped, got %d", s.ParallelSources)
	}
	if p := s.RetryPolicy(); p.Attempts != 6 {
		t.Fatalf("expected 6 attempts, got %d", p.Attempts)
	}
}

func TestStageChecksums(t *testing.T) {
	c, err := Parse([]byte(recipe), "", testSettings())
	if err != nil {
		t.Fatalf("failed to parse: %v", err)
	}
	src := Source{URI: "orgs.csv"}
	extractSum, loadSum := c.ExtractChecksum(src), c.LoadChecksum()

	d := c.WithAggregate(false)
	d.Title = "Other"
	d.Metadata = map[string]any{"k": "v"}
	d.Load.IndexURI = "/tmp/index.json"
	if d.ExtractChecksum(src) != extractSum || d.LoadChecksum() != loadSum {
		t.Fatal("expected stage checksums to ignore title, metadata, index and aggregate")
	}

	if c.WithChunkSize(7).ExtractChecksum(src) == extractSum {
		t.Fatal("expected chunk size to change the extract checksum")
	}
	if c.WithChunkSize(7).LoadChecksum() != loadSum {
		t.Fatal("expected chunk size to leave the load checksum alone")
	}
	withOpts := Source{URI: "orgs.csv", Options: map[string]string{"delimiter": ";"}}
	if c.ExtractChecksum(withOpts) == extractSum {
		t.Fatal("expected source options to change the extract checksum")
	}
	e := c
	e.Prefix = "other"
	if e.LoadChecksum() == loadSum {
		t.Fatal("expected prefix to change the load checksum")
	}
}
