package fhir

import (
	"strings"
)

// HandlingPreference is the Prefer handling directive. With strict handling
// validator warnings are treated as errors.
type HandlingPreference string

const (
	HandlingStrict  HandlingPreference = "strict"
	HandlingLenient HandlingPreference = "lenient"
)

// PreferReturnPreference represents the FHIR Prefer return directive value.
type PreferReturnPreference string

const (
	ReturnMinimal          PreferReturnPreference = "minimal"
	ReturnRepresentation   PreferReturnPreference = "representation"
	ReturnOperationOutcome PreferReturnPreference = "OperationOutcome"
)

// PreferDirective holds all parsed directives from a single Prefer header value.
type PreferDirective struct {
	Return   PreferReturnPreference
	Handling HandlingPreference
}

// ParsePreferHeader parses return= and handling= from a Prefer header.
// Directives may be separated by commas or semicolons; unknown directives and
// values are ignored. Return defaults to minimal and handling to lenient.
func ParsePreferHeader(prefer string) PreferDirective {
	d := PreferDirective{
		Return:   ReturnMinimal,
		Handling: HandlingLenient,
	}

	normalized := strings.ReplaceAll(strings.TrimSpace(prefer), ",", ";")
	for _, part := range strings.Split(normalized, ";") {
		part = strings.TrimSpace(part)
		key, val, found := strings.Cut(part, "=")
		if !found {
			continue
		}
		val = strings.Trim(strings.TrimSpace(val), `"`)

		switch strings.TrimSpace(key) {
		case "return":
			switch PreferReturnPreference(val) {
			case ReturnMinimal, ReturnRepresentation, ReturnOperationOutcome:
				d.Return = PreferReturnPreference(val)
			}
		case "handling":
			switch HandlingPreference(val) {
			case HandlingStrict, HandlingLenient:
				d.Handling = HandlingPreference(val)
			}
		}
	}

	return d
}
