package fhir

import (
	"context"
	"testing"
)

func issueCodes(issues []OperationOutcomeIssue, severity string) []string {
	var codes []string
	for _, iss := range issues {
		if iss.Severity == severity {
			codes = append(codes, iss.Code+"@"+iss.Expression[0])
		}
	}
	return codes
}

func TestBasicValidator_ValidResource(t *testing.T) {
	v := NewBasicValidator()
	issues := v.Validate(context.Background(), map[string]interface{}{
		"resourceType": "Observation",
		"id":           "obs-1",
		"status":       "final",
		"code":         map[string]interface{}{"text": "weight"},
		"subject":      map[string]interface{}{"reference": "Patient/123"},
	})
	if len(issues) != 0 {
		t.Errorf("expected no issues, got %+v", issues)
	}
}

func TestBasicValidator_Errors(t *testing.T) {
	tests := []struct {
		name     string
		resource map[string]interface{}
		want     string
	}{
		{
			name:     "missing resourceType",
			resource: map[string]interface{}{"id": "1"},
			want:     IssueTypeRequired + "@resourceType",
		},
		{
			name:     "unknown resourceType",
			resource: map[string]interface{}{"resourceType": "Widget"},
			want:     IssueTypeValue + "@resourceType",
		},
		{
			name:     "bad id",
			resource: map[string]interface{}{"resourceType": "Patient", "id": "bad id"},
			want:     IssueTypeValue + "@Patient.id",
		},
		{
			name:     "missing required",
			resource: map[string]interface{}{"resourceType": "Observation", "status": "final"},
			want:     IssueTypeRequired + "@Observation.code",
		},
		{
			name: "bad status",
			resource: map[string]interface{}{
				"resourceType": "Encounter", "status": "wandering", "class": map[string]interface{}{},
			},
			want: IssueTypeValue + "@Encounter.status",
		},
		{
			name: "bad reference",
			resource: map[string]interface{}{
				"resourceType": "Condition",
				"subject":      map[string]interface{}{"reference": "not a reference"},
			},
			want: IssueTypeValue + "@Condition.subject.reference",
		},
	}

	v := NewBasicValidator()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			errs := issueCodes(v.Validate(context.Background(), tt.resource), IssueSeverityError)
			if !containsString(errs, tt.want) {
				t.Errorf("expected %s among %v", tt.want, errs)
			}
		})
	}
}

func TestBasicValidator_UnknownElementIsWarning(t *testing.T) {
	v := NewBasicValidator()
	issues := v.Validate(context.Background(), map[string]interface{}{
		"resourceType":    "Patient",
		"gender":          "female",
		"favouriteColour": "green",
		"_gender":         map[string]interface{}{},
	})
	if errs := issueCodes(issues, IssueSeverityError); len(errs) != 0 {
		t.Errorf("expected no errors, got %v", errs)
	}
	warnings := issueCodes(issues, IssueSeverityWarning)
	if len(warnings) != 1 || warnings[0] != IssueTypeStructure+"@Patient.favouriteColour" {
		t.Errorf("expected one structure warning, got %v", warnings)
	}
}

func TestValidReferenceSyntax(t *testing.T) {
	tests := []struct {
		ref  string
		want bool
	}{
		{"Patient/123", true},
		{"Patient/123/_history/2", true},
		{"#contained", true},
		{"urn:uuid:61ebe359-bfdc-4613-8bf2-c5e300945f0a", true},
		{"https://example.org/fhir/Patient/1", true},
		{"patient/123", false},
		{"Patient", false},
		{"Patient/a b", false},
	}
	for _, tt := range tests {
		if got := validReferenceSyntax(tt.ref); got != tt.want {
			t.Errorf("validReferenceSyntax(%q) = %v, want %v", tt.ref, got, tt.want)
		}
	}
}
