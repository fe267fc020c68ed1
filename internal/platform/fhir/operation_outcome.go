package fhir

import (
	"fmt"
	"net/http"
)

// OperationOutcome severity levels per FHIR R4.
const (
	IssueSeverityFatal       = "fatal"
	IssueSeverityError       = "error"
	IssueSeverityWarning     = "warning"
	IssueSeverityInformation = "information"
)

// OperationOutcome issue type codes per FHIR R4.
const (
	IssueTypeInvalid         = "invalid"
	IssueTypeStructure       = "structure"
	IssueTypeRequired        = "required"
	IssueTypeValue           = "value"
	IssueTypeNotFound        = "not-found"
	IssueTypeConflict        = "conflict"
	IssueTypeMultipleMatches = "multiple-matches"
	IssueTypeDeleted         = "deleted"
	IssueTypeTooCostly       = "too-costly"
	IssueTypeBusinessRule    = "business-rule"
	IssueTypeDuplicate       = "duplicate"
	IssueTypeProcessing      = "processing"
	IssueTypeNotSupported    = "not-supported"
	IssueTypeException       = "exception"
	IssueTypeTimeout         = "timeout"
	IssueTypeInformational   = "informational"
)

// OperationOutcome is the FHIR resource carrying processing issues.
type OperationOutcome struct {
	ResourceType string                  `json:"resourceType"`
	ID           string                  `json:"id,omitempty"`
	Issue        []OperationOutcomeIssue `json:"issue"`
}

// OperationOutcomeIssue is a single issue inside an OperationOutcome.
type OperationOutcomeIssue struct {
	Severity    string   `json:"severity"`
	Code        string   `json:"code"`
	Diagnostics string   `json:"diagnostics,omitempty"`
	Expression  []string `json:"expression,omitempty"`
}

// NewOperationOutcome creates an OperationOutcome with a single issue.
func NewOperationOutcome(severity, code, diagnostics string) *OperationOutcome {
	return &OperationOutcome{
		ResourceType: "OperationOutcome",
		Issue: []OperationOutcomeIssue{
			{Severity: severity, Code: code, Diagnostics: diagnostics},
		},
	}
}

// ErrorOutcome is shorthand for a single error-severity issue.
func ErrorOutcome(code, diagnostics string) *OperationOutcome {
	return NewOperationOutcome(IssueSeverityError, code, diagnostics)
}

// InfoOutcome is shorthand for a single informational issue, used when a
// client asks for Prefer: return=OperationOutcome on a successful interaction.
func InfoOutcome(diagnostics string) *OperationOutcome {
	return NewOperationOutcome(IssueSeverityInformation, IssueTypeInformational, diagnostics)
}

// HasErrors reports whether any issue is fatal or error.
func (o *OperationOutcome) HasErrors() bool {
	for _, iss := range o.Issue {
		if iss.Severity == IssueSeverityFatal || iss.Severity == IssueSeverityError {
			return true
		}
	}
	return false
}

// Map renders the outcome as a generic resource so it can sit in a
// BundleEntry.resource.
func (o *OperationOutcome) Map() map[string]interface{} {
	issues := make([]interface{}, 0, len(o.Issue))
	for _, iss := range o.Issue {
		m := map[string]interface{}{
			"severity": iss.Severity,
			"code":     iss.Code,
		}
		if iss.Diagnostics != "" {
			m["diagnostics"] = iss.Diagnostics
		}
		if len(iss.Expression) > 0 {
			exprs := make([]interface{}, len(iss.Expression))
			for i, e := range iss.Expression {
				exprs[i] = e
			}
			m["expression"] = exprs
		}
		issues = append(issues, m)
	}
	out := map[string]interface{}{
		"resourceType": "OperationOutcome",
		"issue":        issues,
	}
	if o.ID != "" {
		out["id"] = o.ID
	}
	return out
}

// OutcomeBuilder provides a fluent API for constructing OperationOutcome resources.
type OutcomeBuilder struct {
	outcome *OperationOutcome
}

// NewOutcomeBuilder creates a new OutcomeBuilder.
func NewOutcomeBuilder() *OutcomeBuilder {
	return &OutcomeBuilder{
		outcome: &OperationOutcome{
			ResourceType: "OperationOutcome",
		},
	}
}

// AddIssue adds a single issue to the OperationOutcome.
func (b *OutcomeBuilder) AddIssue(severity, code, diagnostics string) *OutcomeBuilder {
	b.outcome.Issue = append(b.outcome.Issue, OperationOutcomeIssue{
		Severity:    severity,
		Code:        code,
		Diagnostics: diagnostics,
	})
	return b
}

// AddIssueWithLocation adds an issue including an expression path.
func (b *OutcomeBuilder) AddIssueWithLocation(severity, code, diagnostics, location string) *OutcomeBuilder {
	b.outcome.Issue = append(b.outcome.Issue, OperationOutcomeIssue{
		Severity:    severity,
		Code:        code,
		Diagnostics: diagnostics,
		Expression:  []string{location},
	})
	return b
}

// AddIssues appends already built issues.
func (b *OutcomeBuilder) AddIssues(issues ...OperationOutcomeIssue) *OutcomeBuilder {
	b.outcome.Issue = append(b.outcome.Issue, issues...)
	return b
}

// Build returns the constructed OperationOutcome. An outcome with no issues
// gets a single informational "All OK" issue, since FHIR requires at least one.
func (b *OutcomeBuilder) Build() *OperationOutcome {
	if len(b.outcome.Issue) == 0 {
		b.outcome.Issue = []OperationOutcomeIssue{{
			Severity:    IssueSeverityInformation,
			Code:        IssueTypeInformational,
			Diagnostics: "All OK",
		}}
	}
	return b.outcome
}

// StatusText renders an HTTP status the way Bundle.entry.response.status
// carries it.
func StatusText(code int) string {
	return fmt.Sprintf("%d", code)
}

// statusForIssue picks the HTTP status a bare issue code implies when the
// caller did not choose one.
func statusForIssue(code string) int {
	switch code {
	case IssueTypeNotFound:
		return http.StatusNotFound
	case IssueTypeDeleted:
		return http.StatusGone
	case IssueTypeConflict, IssueTypeDuplicate:
		return http.StatusConflict
	case IssueTypeMultipleMatches, IssueTypeTooCostly:
		return http.StatusPreconditionFailed
	case IssueTypeTimeout:
		return http.StatusGatewayTimeout
	case IssueTypeException:
		return http.StatusInternalServerError
	default:
		return http.StatusBadRequest
	}
}
