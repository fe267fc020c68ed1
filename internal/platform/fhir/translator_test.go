package fhir

import (
	"net/http"
	"strings"
	"testing"
)

func translate(t *testing.T, method, url string, resource map[string]interface{}) (Interaction, *OperationError) {
	t.Helper()
	tr := NewTranslator("http://localhost:8000/fhir/")
	return tr.Translate(BundleEntry{
		Resource: resource,
		Request:  &BundleRequest{Method: method, URL: url},
	})
}

func TestTranslator_Kinds(t *testing.T) {
	patient := func() map[string]interface{} {
		return map[string]interface{}{"resourceType": "Patient"}
	}
	patch := map[string]interface{}{
		"resourceType": "Parameters",
		"parameter": []interface{}{map[string]interface{}{
			"name": "operation",
			"part": []interface{}{
				map[string]interface{}{"name": "type", "valueCode": "delete"},
				map[string]interface{}{"name": "path", "valueString": "Patient.gender"},
			},
		}},
	}

	tests := []struct {
		name         string
		method       string
		url          string
		resource     map[string]interface{}
		kind         InteractionKind
		resourceType string
		id           string
	}{
		{"create", "POST", "Patient", patient(), KindCreate, "Patient", ""},
		{"absolute create", "POST", "http://localhost:8000/fhir/Patient", patient(), KindCreate, "Patient", ""},
		{"read", "GET", "Patient/123", nil, KindRead, "Patient", "123"},
		{"vread", "GET", "Patient/123/_history/2", nil, KindVRead, "Patient", "123"},
		{"history", "GET", "Patient/123/_history", nil, KindHistory, "Patient", "123"},
		{"type search", "GET", "Patient?name=smith", nil, KindSearch, "Patient", ""},
		{"search via _search", "POST", "Patient/_search", nil, KindSearch, "Patient", ""},
		{"system search", "GET", "_search?_id=1", nil, KindSearch, "", ""},
		{"bare query", "GET", "?_id=1", nil, 0, "", ""},
		{"update", "PUT", "Patient/123", patient(), KindUpdate, "Patient", "123"},
		{"conditional update", "PUT", "Patient?identifier=x|1", patient(), KindConditionalUpdate, "Patient", ""},
		{"delete", "DELETE", "Patient/123", nil, KindDelete, "Patient", "123"},
		{"conditional delete", "DELETE", "Patient?identifier=x|1", nil, KindConditionalDelete, "Patient", ""},
		{"patch", "PATCH", "Patient/123", patch, KindPatch, "Patient", "123"},
		{"system operation", "POST", "$meta", nil, KindOperation, "", ""},
		{"instance operation", "GET", "Patient/123/$meta", nil, KindOperation, "Patient", "123"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in, opErr := translate(t, tt.method, tt.url, tt.resource)
			if tt.kind == 0 {
				if opErr == nil {
					t.Fatalf("expected error, got %+v", in)
				}
				return
			}
			if opErr != nil {
				t.Fatalf("unexpected error: %v", opErr)
			}
			if in.Kind != tt.kind {
				t.Errorf("expected kind %s, got %s", tt.kind, in.Kind)
			}
			if in.ResourceType != tt.resourceType {
				t.Errorf("expected type %q, got %q", tt.resourceType, in.ResourceType)
			}
			if in.ID != tt.id {
				t.Errorf("expected id %q, got %q", tt.id, in.ID)
			}
		})
	}
}

func TestTranslator_ConditionalCreate(t *testing.T) {
	tr := NewTranslator("")
	in, opErr := tr.Translate(BundleEntry{
		Resource: map[string]interface{}{"resourceType": "Patient"},
		Request:  &BundleRequest{Method: "POST", URL: "Patient", IfNoneExist: "identifier=x|1"},
	})
	if opErr != nil {
		t.Fatalf("unexpected error: %v", opErr)
	}
	if in.Kind != KindConditionalCreate {
		t.Errorf("expected conditional-create, got %s", in.Kind)
	}
}

func TestTranslator_Compartment(t *testing.T) {
	in, opErr := translate(t, "GET", "Patient/123/Observation?code=x", nil)
	if opErr != nil {
		t.Fatalf("unexpected error: %v", opErr)
	}
	if in.Kind != KindSearch || in.ResourceType != "Observation" || in.Compartment != "Patient/123" {
		t.Errorf("unexpected interaction %+v", in)
	}
	if in.Query.Get("code") != "x" {
		t.Errorf("expected query preserved, got %v", in.Query)
	}
}

func TestTranslator_UpdateSetsBodyID(t *testing.T) {
	body := map[string]interface{}{"resourceType": "Patient"}
	in, opErr := translate(t, "PUT", "Patient/abc", body)
	if opErr != nil {
		t.Fatalf("unexpected error: %v", opErr)
	}
	if in.Resource["id"] != "abc" {
		t.Errorf("expected id set on resource, got %v", in.Resource["id"])
	}
	if _, ok := body["id"]; ok {
		t.Error("entry resource must not be modified")
	}
}

func TestTranslator_Errors(t *testing.T) {
	patient := map[string]interface{}{"resourceType": "Patient"}
	tests := []struct {
		name     string
		entry    BundleEntry
		status   int
		contains string
	}{
		{"no request", BundleEntry{}, http.StatusBadRequest, "missing the 'request' field"},
		{"no method", BundleEntry{Request: &BundleRequest{URL: "Patient"}}, http.StatusBadRequest, "missing the 'method' field"},
		{"no url", BundleEntry{Request: &BundleRequest{Method: "GET"}}, http.StatusBadRequest, "missing the 'url' field"},
		{"bad method", BundleEntry{Request: &BundleRequest{Method: "HEAD", URL: "Patient"}}, http.StatusBadRequest, "unsupported HTTP method"},
		{"delete with body", BundleEntry{Resource: patient, Request: &BundleRequest{Method: "DELETE", URL: "Patient/1"}}, http.StatusBadRequest, "not allowed"},
		{"get with body", BundleEntry{Resource: patient, Request: &BundleRequest{Method: "GET", URL: "Patient/1"}}, http.StatusBadRequest, "not allowed"},
		{"unknown type", BundleEntry{Request: &BundleRequest{Method: "GET", URL: "Widget/1"}}, http.StatusBadRequest, "not a valid resource type"},
		{"post without body", BundleEntry{Request: &BundleRequest{Method: "POST", URL: "Patient"}}, http.StatusBadRequest, "required for BundleEntry with POST"},
		{"type mismatch", BundleEntry{Resource: map[string]interface{}{"resourceType": "Observation"}, Request: &BundleRequest{Method: "POST", URL: "Patient"}}, http.StatusBadRequest, "does not match type"},
		{"id mismatch", BundleEntry{Resource: map[string]interface{}{"resourceType": "Patient", "id": "2"}, Request: &BundleRequest{Method: "PUT", URL: "Patient/1"}}, http.StatusBadRequest, "does not match id"},
		{"conditional update without query", BundleEntry{Resource: patient, Request: &BundleRequest{Method: "PUT", URL: "Patient"}}, http.StatusBadRequest, "search query string is required"},
		{"conditional delete without query", BundleEntry{Request: &BundleRequest{Method: "DELETE", URL: "Patient"}}, http.StatusBadRequest, "search query string is required"},
		{"conditional patch", BundleEntry{Resource: map[string]interface{}{"resourceType": "Parameters"}, Request: &BundleRequest{Method: "PATCH", URL: "Patient?x=1"}}, http.StatusBadRequest, "Conditional patch"},
		{"deep path", BundleEntry{Request: &BundleRequest{Method: "GET", URL: "Patient/1/_history/2/extra"}}, http.StatusNotFound, "Unrecognized path"},
		{"operation with PUT", BundleEntry{Resource: patient, Request: &BundleRequest{Method: "PUT", URL: "Patient/$meta"}}, http.StatusMethodNotAllowed, "cannot be invoked"},
	}

	tr := NewTranslator("http://localhost:8000/fhir")
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, opErr := tr.Translate(tt.entry)
			if opErr == nil {
				t.Fatal("expected error")
			}
			if opErr.Status != tt.status {
				t.Errorf("expected status %d, got %d", tt.status, opErr.Status)
			}
			if !strings.Contains(opErr.Error(), tt.contains) {
				t.Errorf("expected %q in %q", tt.contains, opErr.Error())
			}
		})
	}
}
