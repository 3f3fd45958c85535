package common

import (
	"reflect"
	"strings"
	"testing"
)

func TestEntityAdd(t *testing.T) {
	e := NewEntity("x", "Person")
	e.Add("name", "Jane", "", " Jane ", "J. Doe")
	e.Add("email")

	want := []string{"Jane", "J. Doe"}
	if !reflect.DeepEqual(e.Get("name"), want) {
		t.Fatalf("expected %v, got %v", want, e.Get("name"))
	}
	if _, ok := e.Properties["email"]; ok {
		t.Fatal("expected empty property to be skipped")
	}
	if e.First("name") != "Jane" {
		t.Fatalf("expected Jane, got %s", e.First("name"))
	}
}

func TestEntityCloneIsDeep(t *testing.T) {
	e := NewEntity("x", "Person")
	e.Add("name", "Jane")
	c := e.Clone()
	c.Properties["name"][0] = "John"
	if e.First("name") != "Jane" {
		t.Fatal("expected clone not to share value slices")
	}
}

func TestEntityChecksum(t *testing.T) {
	a := NewEntity("x", "Person")
	a.Add("name", "Jane")
	a.Add("country", "de")
	b := NewEntity("x", "Person")
	b.Add("country", "de")
	b.Add("name", "Jane")
	if a.Checksum() != b.Checksum() {
		t.Fatal("expected checksum to ignore property insertion order")
	}
	b.Add("name", "Janet")
	if a.Checksum() == b.Checksum() {
		t.Fatal("expected checksum to change with values")
	}
}

func TestRecordString(t *testing.T) {
	r := Record{"a": " x ", "b": 3.0, "c": nil, "d": true, "e": 1.5}
	tests := map[string]string{"a": "x", "b": "3", "c": "", "d": "true", "e": "1.5", "missing": ""}
	for key, want := range tests {
		if got := r.String(key); got != want {
			t.Fatalf("key %s: expected %q, got %q", key, want, got)
		}
	}
}

func TestMakeID(t *testing.T) {
	id := MakeID("eu-tr", "123", "")
	if !strings.HasPrefix(id, "eu-tr-") {
		t.Fatalf("expected prefix, got %s", id)
	}
	if id != MakeID("eu-tr", "123") {
		t.Fatal("expected empty parts to be ignored")
	}
	if MakeID("eu-tr", "", " ") != "" {
		t.Fatal("expected no id without parts")
	}
	if MakeID("", "a") == MakeID("", "b") {
		t.Fatal("expected distinct ids")
	}
}

func TestMakeSlug(t *testing.T) {
	tests := []struct {
		in   []string
		want string
	}{
		{in: []string{"EC Meetings"}, want: "ec-meetings"},
		{in: []string{"a", "B c"}, want: "a-b-c"},
		{in: []string{"--x__y--"}, want: "x-y"},
	}
	for _, tt := range tests {
		if got := MakeSlug(tt.in...); got != tt.want {
			t.Fatalf("MakeSlug(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
