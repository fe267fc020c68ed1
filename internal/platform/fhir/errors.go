package fhir

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Store errors. Persistence implementations return these (possibly wrapped)
// and the executor maps them onto HTTP statuses.
var (
	ErrNotFound                = errors.New("resource not found")
	ErrGone                    = errors.New("resource deleted")
	ErrVersionConflict         = errors.New("resource version conflict")
	ErrAlreadyExists           = errors.New("resource already exists")
	ErrTransactionsUnsupported = errors.New("transactions are not supported by this store")
)

// OperationError is an interaction failure: an HTTP status plus the issues
// that explain it. Every per-entry failure travels as one.
type OperationError struct {
	Status int
	Issues []OperationOutcomeIssue
}

// NewOperationError builds an error-severity failure with a single issue.
func NewOperationError(status int, code, diagnostics string) *OperationError {
	return &OperationError{
		Status: status,
		Issues: []OperationOutcomeIssue{{
			Severity:    IssueSeverityError,
			Code:        code,
			Diagnostics: diagnostics,
		}},
	}
}

func errorf(status int, code, format string, args ...interface{}) *OperationError {
	return NewOperationError(status, code, fmt.Sprintf(format, args...))
}

// IssuesError wraps validator or operation issues. The status follows the
// first error-severity issue.
func IssuesError(issues []OperationOutcomeIssue) *OperationError {
	status := http.StatusBadRequest
	for _, iss := range issues {
		if iss.Severity == IssueSeverityError || iss.Severity == IssueSeverityFatal {
			status = statusForIssue(iss.Code)
			break
		}
	}
	return &OperationError{Status: status, Issues: issues}
}

func (e *OperationError) Error() string {
	msgs := make([]string, 0, len(e.Issues))
	for _, iss := range e.Issues {
		if iss.Diagnostics != "" {
			msgs = append(msgs, iss.Diagnostics)
		}
	}
	if len(msgs) == 0 {
		return http.StatusText(e.Status)
	}
	return strings.Join(msgs, "; ")
}

// Outcome renders the failure as an OperationOutcome resource.
func (e *OperationError) Outcome() *OperationOutcome {
	return NewOutcomeBuilder().AddIssues(e.Issues...).Build()
}

// AtEntry returns a copy whose issues point at Bundle.entry[index]. Issues
// that already carry an expression keep it.
func (e *OperationError) AtEntry(index int) *OperationError {
	loc := entryExpression(index)
	out := &OperationError{Status: e.Status, Issues: make([]OperationOutcomeIssue, len(e.Issues))}
	for i, iss := range e.Issues {
		if len(iss.Expression) == 0 {
			iss.Expression = []string{loc}
		}
		out.Issues[i] = iss
	}
	return out
}

func entryExpression(index int) string {
	return fmt.Sprintf("Bundle.entry[%d]", index)
}

// toOperationError maps a collaborator error onto an interaction failure.
// ref names the resource involved ("Patient/123") for the messages.
func toOperationError(err error, ref string) *OperationError {
	if err == nil {
		return nil
	}

	var opErr *OperationError
	if errors.As(err, &opErr) {
		return opErr
	}

	switch {
	case errors.Is(err, ErrNotFound):
		return errorf(http.StatusNotFound, IssueTypeNotFound, "Resource '%s' not found.", ref)
	case errors.Is(err, ErrGone):
		return errorf(http.StatusGone, IssueTypeDeleted, "Resource '%s' has been deleted.", ref)
	case errors.Is(err, ErrVersionConflict):
		return errorf(http.StatusConflict, IssueTypeConflict,
			"Resource '%s' was modified concurrently; retry the request.", ref)
	case errors.Is(err, ErrAlreadyExists):
		return errorf(http.StatusConflict, IssueTypeConflict, "Resource '%s' already exists.", ref)
	case errors.Is(err, context.DeadlineExceeded):
		return NewOperationError(http.StatusGatewayTimeout, IssueTypeTimeout, "request processing timed out")
	case errors.Is(err, context.Canceled):
		return NewOperationError(http.StatusServiceUnavailable, IssueTypeTimeout, "request was cancelled")
	}

	return errorf(http.StatusInternalServerError, IssueTypeException, "unexpected error: %v", err)
}
