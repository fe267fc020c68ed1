package fhir

import (
	"context"
	"net/http"
	"strings"
	"testing"
)

type fakeSearcher struct {
	results map[string][]*StoredResource
	queries []SearchQuery
	err     error
}

func (f *fakeSearcher) Search(_ context.Context, q SearchQuery) (*SearchResult, error) {
	f.queries = append(f.queries, q)
	if f.err != nil {
		return nil, f.err
	}
	matches := f.results[q.ResourceType+"?"+q.Params.Encode()]
	return &SearchResult{Matches: matches, Total: len(matches)}, nil
}

func TestConditionalRefs_Resolve(t *testing.T) {
	searcher := &fakeSearcher{results: map[string][]*StoredResource{
		"Patient?identifier=http%3A%2F%2Facme.org%2Fmrn%7C123": {{ResourceType: "Patient", ID: "p1"}},
	}}
	resolver := NewConditionalRefs(searcher)

	resource := map[string]interface{}{
		"resourceType": "Observation",
		"subject":      map[string]interface{}{"reference": "Patient?identifier=http://acme.org/mrn|123"},
		"performer": []interface{}{
			map[string]interface{}{"reference": "Patient?identifier=http://acme.org/mrn|123"},
		},
	}
	if opErr := resolver.Resolve(context.Background(), 0, resource); opErr != nil {
		t.Fatalf("unexpected error: %v", opErr)
	}
	if got := resource["subject"].(map[string]interface{})["reference"]; got != "Patient/p1" {
		t.Errorf("expected Patient/p1, got %v", got)
	}
	if got := resource["performer"].([]interface{})[0].(map[string]interface{})["reference"]; got != "Patient/p1" {
		t.Errorf("expected Patient/p1, got %v", got)
	}
	if len(searcher.queries) != 1 {
		t.Errorf("expected the same reference resolved once, got %d searches", len(searcher.queries))
	}
}

func TestConditionalRefs_Failures(t *testing.T) {
	many := []*StoredResource{{ResourceType: "Patient", ID: "a"}, {ResourceType: "Patient", ID: "b"}}
	searcher := &fakeSearcher{results: map[string][]*StoredResource{
		"Patient?name=smith": many,
	}}
	resolver := NewConditionalRefs(searcher)

	tests := []struct {
		name     string
		ref      string
		status   int
		contains string
	}{
		{"no match", "Patient?name=nobody", http.StatusNotFound, "returned no results"},
		{"multiple matches", "Patient?name=smith", http.StatusPreconditionFailed, "returned multiple results"},
		{"unknown type", "Widget?name=x", http.StatusBadRequest, "not a valid resource type"},
		{"result parameter", "Patient?name=x&_count=1", http.StatusBadRequest, "only filtering parameters"},
		{"no parameters", "Patient?", http.StatusBadRequest, "no query parameters"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resource := map[string]interface{}{
				"resourceType": "Observation",
				"subject":      map[string]interface{}{"reference": tt.ref},
			}
			opErr := resolver.Resolve(context.Background(), 4, resource)
			if opErr == nil {
				t.Fatal("expected error")
			}
			if opErr.Status != tt.status {
				t.Errorf("expected status %d, got %d", tt.status, opErr.Status)
			}
			if !strings.Contains(opErr.Error(), tt.contains) {
				t.Errorf("expected %q in %q", tt.contains, opErr.Error())
			}
			if opErr.Issues[0].Expression[0] != "Bundle.entry[4]" {
				t.Errorf("expected entry expression, got %v", opErr.Issues[0].Expression)
			}
		})
	}
}

func TestConditionalRefs_IgnoresPlainReferences(t *testing.T) {
	searcher := &fakeSearcher{}
	resolver := NewConditionalRefs(searcher)
	resource := map[string]interface{}{
		"resourceType": "Observation",
		"subject":      map[string]interface{}{"reference": "Patient/1"},
	}
	if opErr := resolver.Resolve(context.Background(), 0, resource); opErr != nil {
		t.Fatalf("unexpected error: %v", opErr)
	}
	if len(searcher.queries) != 0 {
		t.Error("expected no searches")
	}
}
