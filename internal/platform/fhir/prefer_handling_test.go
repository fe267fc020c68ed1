package fhir

import "testing"

func TestParsePreferHeader(t *testing.T) {
	tests := []struct {
		header   string
		ret      PreferReturnPreference
		handling HandlingPreference
	}{
		{"", ReturnMinimal, HandlingLenient},
		{"return=representation", ReturnRepresentation, HandlingLenient},
		{"return=OperationOutcome", ReturnOperationOutcome, HandlingLenient},
		{"handling=strict", ReturnMinimal, HandlingStrict},
		{"return=representation; handling=strict", ReturnRepresentation, HandlingStrict},
		{"handling=strict, return=minimal", ReturnMinimal, HandlingStrict},
		{`return="representation"`, ReturnRepresentation, HandlingLenient},
		{"return=everything", ReturnMinimal, HandlingLenient},
		{"respond-async; handling=bogus", ReturnMinimal, HandlingLenient},
	}

	for _, tt := range tests {
		t.Run(tt.header, func(t *testing.T) {
			got := ParsePreferHeader(tt.header)
			if got.Return != tt.ret {
				t.Errorf("return: expected %q, got %q", tt.ret, got.Return)
			}
			if got.Handling != tt.handling {
				t.Errorf("handling: expected %q, got %q", tt.handling, got.Handling)
			}
		})
	}
}
