package fhir

import (
	"context"
	"fmt"
	"regexp"
	"strings"
)

// referencePattern accepts relative references, optionally versioned.
var referencePattern = regexp.MustCompile(`^[A-Z][a-zA-Z]+/[A-Za-z0-9\-\.]{1,64}(/_history/[A-Za-z0-9\-\.]{1,64})?$`)

// statusValues maps resource types to their valid status values per FHIR R4.
var statusValues = map[string][]string{
	"Patient":           {"active", "inactive", "entered-in-error"},
	"Encounter":         {"planned", "arrived", "triaged", "in-progress", "onleave", "finished", "cancelled", "entered-in-error", "unknown"},
	"Observation":       {"registered", "preliminary", "final", "amended", "corrected", "cancelled", "entered-in-error", "unknown"},
	"Procedure":         {"preparation", "in-progress", "not-done", "on-hold", "stopped", "completed", "entered-in-error", "unknown"},
	"MedicationRequest": {"active", "on-hold", "cancelled", "completed", "entered-in-error", "stopped", "draft", "unknown"},
	"DiagnosticReport":  {"registered", "partial", "preliminary", "final", "amended", "corrected", "appended", "cancelled", "entered-in-error", "unknown"},
	"ServiceRequest":    {"draft", "active", "on-hold", "revoked", "completed", "entered-in-error", "unknown"},
	"DocumentReference": {"current", "superseded", "entered-in-error"},
	"Appointment":       {"proposed", "pending", "booked", "arrived", "fulfilled", "cancelled", "noshow", "entered-in-error", "checked-in", "waitlist"},
}

// requiredElements lists elements a resource of the type cannot omit.
var requiredElements = map[string][]string{
	"Observation":       {"status", "code"},
	"Encounter":         {"status", "class"},
	"Condition":         {"subject"},
	"Procedure":         {"status", "subject"},
	"MedicationRequest": {"status", "intent", "subject"},
	"DiagnosticReport":  {"status", "code"},
	"ServiceRequest":    {"status", "intent", "subject"},
}

// commonElements are valid on every resource.
var commonElements = []string{
	"resourceType", "id", "meta", "implicitRules", "language", "text",
	"contained", "extension", "modifierExtension",
}

// knownElements lists the element names of the types checked for unknown
// content. Types not listed here are not checked.
var knownElements = map[string][]string{
	"Patient": {"identifier", "active", "name", "telecom", "gender", "birthDate",
		"deceasedBoolean", "deceasedDateTime", "address", "maritalStatus",
		"multipleBirthBoolean", "multipleBirthInteger", "photo", "contact",
		"communication", "generalPractitioner", "managingOrganization", "link"},
	"Observation": {"identifier", "basedOn", "partOf", "status", "category", "code",
		"subject", "focus", "encounter", "effectiveDateTime", "effectivePeriod",
		"effectiveTiming", "effectiveInstant", "issued", "performer", "valueQuantity",
		"valueCodeableConcept", "valueString", "valueBoolean", "valueInteger",
		"valueRange", "valueRatio", "valueSampledData", "valueTime", "valueDateTime",
		"valuePeriod", "dataAbsentReason", "interpretation", "note", "bodySite",
		"method", "specimen", "device", "referenceRange", "hasMember", "derivedFrom",
		"component"},
	"Encounter": {"identifier", "status", "statusHistory", "class", "classHistory",
		"type", "serviceType", "priority", "subject", "episodeOfCare", "basedOn",
		"participant", "appointment", "period", "length", "reasonCode",
		"reasonReference", "diagnosis", "account", "hospitalization", "location",
		"serviceProvider", "partOf"},
	"Organization": {"identifier", "active", "type", "name", "alias", "telecom",
		"address", "partOf", "contact", "endpoint"},
	"Practitioner": {"identifier", "active", "name", "telecom", "address", "gender",
		"birthDate", "photo", "qualification", "communication"},
}

// BasicValidator performs structural checks that need no profile data:
// resourceType, id syntax, required elements, status codes, reference
// syntax and, for a handful of types, unknown elements (as warnings).
type BasicValidator struct {
	known map[string]map[string]bool
}

// NewBasicValidator creates a BasicValidator.
func NewBasicValidator() *BasicValidator {
	known := make(map[string]map[string]bool, len(knownElements))
	for rt, names := range knownElements {
		set := make(map[string]bool, len(names)+len(commonElements))
		for _, n := range commonElements {
			set[n] = true
		}
		for _, n := range names {
			set[n] = true
		}
		known[rt] = set
	}
	return &BasicValidator{known: known}
}

// Validate implements Validator.
func (v *BasicValidator) Validate(_ context.Context, resource map[string]interface{}) []OperationOutcomeIssue {
	var issues []OperationOutcomeIssue
	add := func(severity, code, expr, format string, args ...interface{}) {
		issues = append(issues, OperationOutcomeIssue{
			Severity:    severity,
			Code:        code,
			Diagnostics: fmt.Sprintf(format, args...),
			Expression:  []string{expr},
		})
	}

	rt, ok := resource["resourceType"].(string)
	if !ok || rt == "" {
		add(IssueSeverityError, IssueTypeRequired, "resourceType", "resourceType is required")
		return issues
	}
	if !IsResourceType(rt) {
		add(IssueSeverityError, IssueTypeValue, "resourceType", "unknown resourceType: %s", rt)
		return issues
	}

	if raw, present := resource["id"]; present {
		if id, isStr := raw.(string); !isStr || !ValidID(id) {
			add(IssueSeverityError, IssueTypeValue, rt+".id", "invalid id '%v'", raw)
		}
	}

	for _, el := range requiredElements[rt] {
		if _, present := resource[el]; !present {
			add(IssueSeverityError, IssueTypeRequired, rt+"."+el, "%s.%s is required", rt, el)
		}
	}

	if status, present := resource["status"]; present {
		if valid, hasRules := statusValues[rt]; hasRules {
			s, _ := status.(string)
			if !containsString(valid, s) {
				add(IssueSeverityError, IssueTypeValue, rt+".status",
					"invalid status '%v' for %s; valid values: %s", status, rt, strings.Join(valid, ", "))
			}
		}
	}

	walkReferences(resource, rt, func(path, ref string) {
		if !validReferenceSyntax(ref) {
			add(IssueSeverityError, IssueTypeValue, path, "invalid reference format '%s'", ref)
		}
	})

	if known, checked := v.known[rt]; checked {
		for key := range resource {
			if strings.HasPrefix(key, "_") || known[key] {
				continue
			}
			add(IssueSeverityWarning, IssueTypeStructure, rt+"."+key,
				"Unknown element '%s' found in resource", key)
		}
	}

	return issues
}

func validReferenceSyntax(ref string) bool {
	switch {
	case strings.HasPrefix(ref, "#"),
		strings.HasPrefix(ref, "urn:uuid:"),
		strings.HasPrefix(ref, "urn:oid:"),
		strings.HasPrefix(ref, "http://"),
		strings.HasPrefix(ref, "https://"):
		return true
	}
	return referencePattern.MatchString(ref)
}

// walkReferences calls fn for every Reference.reference string below node,
// with a dotted path for diagnostics.
func walkReferences(node interface{}, path string, fn func(path, ref string)) {
	switch n := node.(type) {
	case map[string]interface{}:
		for key, val := range n {
			child := path + "." + key
			if key == "reference" {
				if ref, ok := val.(string); ok && ref != "" {
					fn(child, ref)
					continue
				}
			}
			walkReferences(val, child, fn)
		}
	case []interface{}:
		for i, item := range n {
			walkReferences(item, fmt.Sprintf("%s[%d]", path, i), fn)
		}
	}
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
