package schema

import (
	"errors"
	"testing"
)

func TestDefaultModelInheritance(t *testing.T) {
	m := Default()

	company, ok := m.Get("Company")
	if !ok {
		t.Fatal("expected Company schema")
	}
	for _, parent := range []string{"Company", "Organization", "LegalEntity", "Thing"} {
		if !company.IsA(parent) {
			t.Fatalf("expected Company to be a %s", parent)
		}
	}
	if company.IsA("Person") {
		t.Fatal("expected Company not to be a Person")
	}
	if _, ok := company.Property("name"); !ok {
		t.Fatal("expected inherited property name")
	}
	if p, ok := company.Property("jurisdiction"); !ok || p.Type != TypeCountry {
		t.Fatalf("expected jurisdiction of type country, got %+v", p)
	}

	event, _ := m.Get("Event")
	if !event.IsA("Interval") || !event.IsA("Thing") {
		t.Fatal("expected Event to inherit from Interval and Thing")
	}
}

func TestCommon(t *testing.T) {
	m := Default()
	tests := []struct {
		name   string
		a, b   string
		want   string
		wantOK bool
	}{
		{name: "same schema", a: "Person", b: "Person", want: "Person", wantOK: true},
		{name: "child first", a: "Company", b: "LegalEntity", want: "Company", wantOK: true},
		{name: "parent first", a: "Organization", b: "PublicBody", want: "PublicBody", wantOK: true},
		{name: "siblings", a: "Company", b: "PublicBody", wantOK: false},
		{name: "unknown", a: "Company", b: "Spaceship", wantOK: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, ok := m.Common(tt.a, tt.b)
			if ok != tt.wantOK {
				t.Fatalf("expected ok=%v, got %v", tt.wantOK, ok)
			}
			if ok && s.Name != tt.want {
				t.Fatalf("expected %s, got %s", tt.want, s.Name)
			}
		})
	}
}

func TestFallback(t *testing.T) {
	m := Default()
	tests := []struct {
		name   string
		a, b   string
		want   string
		wantOK bool
	}{
		{name: "organization vs person", a: "Organization", b: "Person", want: "LegalEntity", wantOK: true},
		{name: "company vs address", a: "Company", b: "Address", want: "Thing", wantOK: true},
		{name: "interval has no fallback", a: "Membership", b: "Person", wantOK: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, ok := m.Fallback(tt.a, tt.b)
			if ok != tt.wantOK {
				t.Fatalf("expected ok=%v, got %v", tt.wantOK, ok)
			}
			if ok && s.Name != tt.want {
				t.Fatalf("expected %s, got %s", tt.want, s.Name)
			}
		})
	}
}

func TestFilter(t *testing.T) {
	le, _ := Default().Get("LegalEntity")
	out := le.Filter(map[string][]string{
		"name":      {"ACME"},
		"birthDate": {"1970"},
	})
	if _, ok := out["birthDate"]; ok {
		t.Fatal("expected birthDate to be dropped for LegalEntity")
	}
	if len(out["name"]) != 1 {
		t.Fatalf("expected name to survive, got %v", out)
	}
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{name: "empty", yaml: "schemata: {}"},
		{name: "unknown parent", yaml: "schemata:\n  A:\n    extends: [B]\n"},
		{name: "cycle", yaml: "schemata:\n  A:\n    extends: [B]\n  B:\n    extends: [A]\n"},
		{name: "unknown type", yaml: "schemata:\n  A:\n    properties:\n      x: {type: blob}\n"},
		{name: "entity without range", yaml: "schemata:\n  A:\n    properties:\n      x: {type: entity}\n"},
		{name: "unknown fallback", yaml: "fallbacks: [Z]\nschemata:\n  A: {}\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Load([]byte(tt.yaml)); err == nil {
				t.Fatal("expected error, got nil")
			}
		})
	}

	_, err := Load([]byte("schemata:\n  A:\n    extends: [B]\n"))
	if !errors.Is(err, ErrUnknownSchema) {
		t.Fatalf("expected ErrUnknownSchema, got %v", err)
	}
}
