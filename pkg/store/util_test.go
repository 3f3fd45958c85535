package store

import (
	"errors"
	"reflect"
	"testing"
)

func TestChunkRange(t *testing.T) {
	var got [][2]int
	err := ChunkRange(5, 2, func(start, end int) error {
		got = append(got, [2]int{start, end})
		return nil
	})
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	want := [][2]int{{0, 2}, {2, 4}, {4, 5}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}

	stop := errors.New("stop")
	calls := 0
	err = ChunkRange(10, 3, func(start, end int) error {
		calls++
		return stop
	})
	if !errors.Is(err, stop) || calls != 1 {
		t.Fatalf("expected early stop, got err=%v calls=%d", err, calls)
	}
}

func TestDedupeStrings(t *testing.T) {
	in := []string{"b", "", "a", "b"}
	got := DedupeStrings(in)
	if !reflect.DeepEqual(got, []string{"a", "b"}) {
		t.Fatalf("expected [a b], got %v", got)
	}
	if in[0] != "b" || in[1] != "" {
		t.Fatalf("expected input untouched, got %v", in)
	}
	if got := DedupeStrings([]string{"", ""}); got != nil {
		t.Fatalf("expected nil, got %v", got)
	}
}

func TestIsStoreURI(t *testing.T) {
	tests := []struct {
		uri  string
		want bool
	}{
		{"bolt:///tmp/x.db", true},
		{"postgres://localhost/db", true},
		{"postgresql://localhost/db", true},
		{"data/entities.ftm.json", false},
		{"s3://bucket/entities.ftm.json", false},
	}
	for _, tt := range tests {
		if got := IsStoreURI(tt.uri); got != tt.want {
			t.Fatalf("IsStoreURI(%q) = %v, want %v", tt.uri, got, tt.want)
		}
	}
}
