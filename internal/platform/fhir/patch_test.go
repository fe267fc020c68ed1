package fhir

import (
	"net/http"
	"reflect"
	"strings"
	"testing"
)

func patchPatient() map[string]interface{} {
	return map[string]interface{}{
		"resourceType": "Patient",
		"id":           "p1",
		"gender":       "male",
		"name": []interface{}{
			map[string]interface{}{"family": "Smith", "given": []interface{}{"John"}},
		},
	}
}

func TestApplyJSONPatch(t *testing.T) {
	tests := []struct {
		name  string
		ops   []PatchOperation
		check func(t *testing.T, out map[string]interface{})
	}{
		{
			name: "replace",
			ops:  []PatchOperation{{Op: "replace", Path: "/gender", Value: "female"}},
			check: func(t *testing.T, out map[string]interface{}) {
				if out["gender"] != "female" {
					t.Errorf("expected female, got %v", out["gender"])
				}
			},
		},
		{
			name: "add to end of array",
			ops:  []PatchOperation{{Op: "add", Path: "/name/0/given/-", Value: "Q"}},
			check: func(t *testing.T, out map[string]interface{}) {
				given := out["name"].([]interface{})[0].(map[string]interface{})["given"].([]interface{})
				if !reflect.DeepEqual(given, []interface{}{"John", "Q"}) {
					t.Errorf("unexpected given %v", given)
				}
			},
		},
		{
			name: "remove",
			ops:  []PatchOperation{{Op: "remove", Path: "/gender"}},
			check: func(t *testing.T, out map[string]interface{}) {
				if _, ok := out["gender"]; ok {
					t.Error("expected gender removed")
				}
			},
		},
		{
			name: "copy then move",
			ops: []PatchOperation{
				{Op: "copy", From: "/gender", Path: "/extra"},
				{Op: "move", From: "/extra", Path: "/other"},
			},
			check: func(t *testing.T, out map[string]interface{}) {
				if out["other"] != "male" {
					t.Errorf("expected moved value, got %v", out["other"])
				}
				if _, ok := out["extra"]; ok {
					t.Error("move should remove the source")
				}
			},
		},
		{
			name: "test passes",
			ops:  []PatchOperation{{Op: "test", Path: "/gender", Value: "male"}},
			check: func(t *testing.T, out map[string]interface{}) {
				if out["gender"] != "male" {
					t.Error("test op must not modify the document")
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := patchPatient()
			out, err := ApplyJSONPatch(in, tt.ops)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			tt.check(t, out)
			if !reflect.DeepEqual(in, patchPatient()) {
				t.Error("input resource was modified")
			}
		})
	}
}

func TestApplyJSONPatch_Errors(t *testing.T) {
	tests := []struct {
		name string
		op   PatchOperation
	}{
		{"unknown op", PatchOperation{Op: "frobnicate", Path: "/gender"}},
		{"replace missing", PatchOperation{Op: "replace", Path: "/birthDate", Value: "2000"}},
		{"remove missing", PatchOperation{Op: "remove", Path: "/birthDate"}},
		{"test fails", PatchOperation{Op: "test", Path: "/gender", Value: "female"}},
		{"root", PatchOperation{Op: "replace", Path: "", Value: "x"}},
		{"index out of bounds", PatchOperation{Op: "replace", Path: "/name/5", Value: "x"}},
		{"not a pointer", PatchOperation{Op: "add", Path: "gender", Value: "x"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ApplyJSONPatch(patchPatient(), []PatchOperation{tt.op}); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestApplyJSONPatch_EscapedPointer(t *testing.T) {
	in := map[string]interface{}{"resourceType": "Basic", "a/b": "x", "c~d": "y"}
	out, err := ApplyJSONPatch(in, []PatchOperation{
		{Op: "replace", Path: "/a~1b", Value: "1"},
		{Op: "replace", Path: "/c~0d", Value: "2"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out["a/b"] != "1" || out["c~d"] != "2" {
		t.Errorf("unexpected result %v", out)
	}
}

func fhirPathParams(ops ...map[string]interface{}) map[string]interface{} {
	params := make([]interface{}, 0, len(ops))
	for _, op := range ops {
		parts := make([]interface{}, 0, len(op))
		for name, v := range op {
			if name == "value" {
				parts = append(parts, map[string]interface{}{"name": "value", "valueString": v})
				continue
			}
			parts = append(parts, map[string]interface{}{"name": name, "valueString": v})
		}
		params = append(params, map[string]interface{}{"name": "operation", "part": parts})
	}
	return map[string]interface{}{"resourceType": "Parameters", "parameter": params}
}

func TestParseFHIRPathPatch(t *testing.T) {
	ops, opErr := ParseFHIRPathPatch("Patient", fhirPathParams(
		map[string]interface{}{"type": "replace", "path": "Patient.gender", "value": "female"},
		map[string]interface{}{"type": "add", "path": "Patient", "name": "birthDate", "value": "1990-01-01"},
		map[string]interface{}{"type": "insert", "path": "Patient.name[0].given", "index": "0", "value": "Al"},
		map[string]interface{}{"type": "delete", "path": "Patient.name[0].family"},
	))
	if opErr != nil {
		t.Fatalf("unexpected error: %v", opErr)
	}
	want := []PatchOperation{
		{Op: "replace", Path: "/gender", Value: "female"},
		{Op: "add", Path: "/birthDate", Value: "1990-01-01"},
		{Op: "add", Path: "/name/0/given/0", Value: "Al"},
		{Op: "remove", Path: "/name/0/family"},
	}
	if !reflect.DeepEqual(ops, want) {
		t.Errorf("expected %+v, got %+v", want, ops)
	}

	out, err := applyFHIRPathPatch(patchPatient(), ops)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out["gender"] != "female" || out["birthDate"] != "1990-01-01" {
		t.Errorf("unexpected result %v", out)
	}
	name := out["name"].([]interface{})[0].(map[string]interface{})
	if _, ok := name["family"]; ok {
		t.Error("expected family deleted")
	}
	if !reflect.DeepEqual(name["given"], []interface{}{"Al", "John"}) {
		t.Errorf("unexpected given %v", name["given"])
	}
}

func TestParseFHIRPathPatch_Errors(t *testing.T) {
	tests := []struct {
		name   string
		params map[string]interface{}
		want   string
	}{
		{
			name:   "not parameters",
			params: map[string]interface{}{"resourceType": "Patient"},
			want:   "must be type 'Parameters'",
		},
		{
			name:   "no operations",
			params: map[string]interface{}{"resourceType": "Parameters"},
			want:   "at least one 'operation'",
		},
		{
			name:   "wrong root",
			params: fhirPathParams(map[string]interface{}{"type": "delete", "path": "Observation.status"}),
			want:   "must start with 'Patient'",
		},
		{
			name:   "function in path",
			params: fhirPathParams(map[string]interface{}{"type": "delete", "path": "Patient.name.where(use='old')"}),
			want:   "Parameters.parameter[0]",
		},
		{
			name:   "unknown type",
			params: fhirPathParams(map[string]interface{}{"type": "upsert", "path": "Patient.gender"}),
			want:   "unsupported operation type 'upsert'",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, opErr := ParseFHIRPathPatch("Patient", tt.params)
			if opErr == nil {
				t.Fatal("expected error")
			}
			if opErr.Status != http.StatusBadRequest {
				t.Errorf("expected 400, got %d", opErr.Status)
			}
			if !strings.Contains(opErr.Error(), tt.want) {
				t.Errorf("expected %q in %q", tt.want, opErr.Error())
			}
		})
	}
}

func TestApplyFHIRPathPatch_DeleteMissingIsNoop(t *testing.T) {
	out, err := applyFHIRPathPatch(patchPatient(), []PatchOperation{{Op: "remove", Path: "/birthDate"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out["gender"] != "male" {
		t.Errorf("unexpected result %v", out)
	}
}

func TestApplyFHIRPathPatch_AddExistingScalarFails(t *testing.T) {
	_, err := applyFHIRPathPatch(patchPatient(), []PatchOperation{{Op: "add", Path: "/gender", Value: "female"}})
	if err == nil {
		t.Error("expected error when adding over an existing element")
	}
}
