package fhir

import (
	"net/http"
	"testing"
)

func TestFormatETag(t *testing.T) {
	tests := []struct {
		version int
		want    string
	}{
		{1, `W/"1"`},
		{42, `W/"42"`},
		{0, `W/"0"`},
	}

	for _, tt := range tests {
		if got := FormatETag(tt.version); got != tt.want {
			t.Errorf("FormatETag(%d) = %q, want %q", tt.version, got, tt.want)
		}
	}
}

func TestParseIfMatch(t *testing.T) {
	tests := []struct {
		input   string
		want    string
		wantErr bool
	}{
		{`W/"3"`, "3", false},
		{` W/"12" `, "12", false},
		{`W/"abc"`, "abc", false},
		{`"5"`, "", true},
		{`W/""`, "", true},
		{`42`, "", true},
		{`W/"1 2"`, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, opErr := ParseIfMatch(tt.input)
			if tt.wantErr {
				if opErr == nil {
					t.Fatalf("ParseIfMatch(%q) should have returned error", tt.input)
				}
				if opErr.Status != http.StatusBadRequest {
					t.Errorf("expected 400, got %d", opErr.Status)
				}
				return
			}
			if opErr != nil {
				t.Fatalf("ParseIfMatch(%q) returned error: %v", tt.input, opErr)
			}
			if got != tt.want {
				t.Errorf("ParseIfMatch(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestCheckIfMatch(t *testing.T) {
	if opErr := CheckIfMatch("", 3); opErr != nil {
		t.Errorf("empty If-Match should pass, got %v", opErr)
	}
	if opErr := CheckIfMatch(`W/"3"`, 3); opErr != nil {
		t.Errorf("matching version should pass, got %v", opErr)
	}

	opErr := CheckIfMatch(`W/"2"`, 3)
	if opErr == nil {
		t.Fatal("expected precondition failure")
	}
	if opErr.Status != http.StatusPreconditionFailed {
		t.Errorf("expected 412, got %d", opErr.Status)
	}
	want := "If-Match version '2' does not match current latest version of resource: 3"
	if opErr.Error() != want {
		t.Errorf("expected %q, got %q", want, opErr.Error())
	}

	if opErr := CheckIfMatch("garbage", 3); opErr == nil || opErr.Status != http.StatusBadRequest {
		t.Errorf("expected 400 for malformed If-Match, got %v", opErr)
	}
}

func TestCheckIfNoneMatch(t *testing.T) {
	tests := []struct {
		name   string
		value  string
		exists bool
		status int
	}{
		{"empty", "", true, 0},
		{"star absent", "*", false, 0},
		{"star present", "*", true, http.StatusPreconditionFailed},
		{"weak star present", `W/"*"`, true, http.StatusPreconditionFailed},
		{"version unsupported", `W/"2"`, false, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opErr := CheckIfNoneMatch(tt.value, "Patient/1", tt.exists)
			if tt.status == 0 {
				if opErr != nil {
					t.Errorf("expected no error, got %v", opErr)
				}
				return
			}
			if opErr == nil || opErr.Status != tt.status {
				t.Errorf("expected status %d, got %v", tt.status, opErr)
			}
		})
	}
}
