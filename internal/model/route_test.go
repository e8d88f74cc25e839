package model

import (
	"encoding/json"
	"testing"

	"gopkg.in/yaml.v3"
)

// A backend document that omits weight decodes to the default, so a
// minimal single-backend route validates without naming every field.
func TestBackend_UnmarshalJSON_DefaultsWeight(t *testing.T) {
	var b Backend
	if err := json.Unmarshal([]byte(`{"url": "http://up:9000"}`), &b); err != nil {
		t.Fatal(err)
	}
	if b.Weight != DefaultBackendWeight {
		t.Fatalf("expected omitted weight to default to %d, got %d", DefaultBackendWeight, b.Weight)
	}
}

// An explicit weight of 0 survives decoding: it marks a backend the
// selector must skip, not an omitted field.
func TestBackend_UnmarshalJSON_ExplicitZeroPreserved(t *testing.T) {
	var b Backend
	if err := json.Unmarshal([]byte(`{"url": "http://up:9000", "weight": 0}`), &b); err != nil {
		t.Fatal(err)
	}
	if b.Weight != 0 {
		t.Fatalf("expected explicit zero weight preserved, got %d", b.Weight)
	}
}

func TestBackend_UnmarshalYAML_DefaultsWeight(t *testing.T) {
	var b Backend
	if err := yaml.Unmarshal([]byte("url: http://up:9000\n"), &b); err != nil {
		t.Fatal(err)
	}
	if b.Weight != DefaultBackendWeight {
		t.Fatalf("expected omitted weight to default to %d, got %d", DefaultBackendWeight, b.Weight)
	}
}

// A route decoded from a document that never mentions weight passes
// validation end to end.
func TestValidate_RouteWithOmittedWeight(t *testing.T) {
	var r Route
	doc := `{
		"id": "minimal",
		"path": "/minimal",
		"methods": ["GET"],
		"backends": [{"url": "http://up:9000"}],
		"timeout_ms": 5000
	}`
	if err := json.Unmarshal([]byte(doc), &r); err != nil {
		t.Fatal(err)
	}
	if err := r.Validate(); err != nil {
		t.Fatalf("expected minimal route to validate, got %v", err)
	}
}

func TestValidate_RejectsWithFieldName(t *testing.T) {
	cases := []struct {
		name string
		mut  func(*Route)
	}{
		{"bad id", func(r *Route) { r.ID = "Not Valid" }},
		{"bad path", func(r *Route) { r.Path = "nope" }},
		{"no backends", func(r *Route) { r.Backends = nil }},
		{"zero weight sum", func(r *Route) { r.Backends = []Backend{{URL: "http://a", Weight: 0}} }},
		{"timeout too low", func(r *Route) { r.TimeoutMS = 50 }},
		{"too many retries", func(r *Route) { r.RetryPolicy.MaxRetries = 11 }},
		{"unknown method", func(r *Route) { r.Methods = []Method{"FETCH"} }},
	}
	for _, tc := range cases {
		r := Route{
			ID:        "ok",
			Path:      "/ok",
			Methods:   []Method{MethodGet},
			Backends:  []Backend{{URL: "http://a", Weight: 100}},
			TimeoutMS: 5000,
		}
		tc.mut(&r)
		if err := r.Validate(); err == nil {
			t.Fatalf("%s: expected validation error", tc.name)
		}
	}
}
