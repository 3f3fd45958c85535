package migrations

import (
	"strings"
	"testing"
)

func TestMigrationsArePaired(t *testing.T) {
	names, err := Files()
	if err != nil {
		t.Fatalf("failed to list migrations: %v", err)
	}
	if len(names) == 0 {
		t.Fatal("expected embedded migrations")
	}
	up, down := map[string]bool{}, map[string]bool{}
	for _, n := range names {
		switch {
		case strings.HasSuffix(n, ".up.sql"):
			up[strings.TrimSuffix(n, ".up.sql")] = true
		case strings.HasSuffix(n, ".down.sql"):
			down[strings.TrimSuffix(n, ".down.sql")] = true
		default:
			t.Fatalf("unexpected file %s", n)
		}
	}
	for v := range up {
		if !down[v] {
			t.Fatalf("migration %s has no down file", v)
		}
	}
	if len(up) != len(down) {
		t.Fatalf("expected matching up/down files, got %d up and %d down", len(up), len(down))
	}
}
