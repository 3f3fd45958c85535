package pgx

import (
	"reflect"
	"testing"

	"github.com/OFFIS-RIT/tabgraph/pkg/common"
)

func TestSanitizeFragment(t *testing.T) {
	f := common.Entity{
		ID:     "ec-1\x00",
		Schema: "Person",
		Properties: map[string][]string{
			"name":  {"Ada\x00 Lovelace", string([]byte{'x', 0xff})},
			"notes": {"\x00"},
		},
	}
	got := sanitizeFragment(f)
	want := common.Entity{
		ID:         "ec-1",
		Schema:     "Person",
		Properties: map[string][]string{"name": {"Ada Lovelace", "x"}},
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %+v, got %+v", want, got)
	}
	if f.Properties["notes"][0] != "\x00" {
		t.Fatal("expected input fragment to be left untouched")
	}
}
