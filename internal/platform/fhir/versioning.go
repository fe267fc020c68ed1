package fhir

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
)

// FormatETag creates a weak ETag from a version ID.
func FormatETag(versionID int) string {
	return fmt.Sprintf(`W/"%d"`, versionID)
}

// ParseIfMatch extracts the version from an If-Match value. Only the weak
// form W/"<version>" is accepted.
func ParseIfMatch(value string) (string, *OperationError) {
	v := strings.TrimSpace(value)
	if !strings.HasPrefix(v, `W/"`) || !strings.HasSuffix(v, `"`) || len(v) <= len(`W/""`) {
		return "", errorf(http.StatusBadRequest, IssueTypeInvalid,
			"Invalid ETag value specified in request: %s", value)
	}
	version := v[len(`W/"`) : len(v)-1]
	if strings.ContainsAny(version, `" `) {
		return "", errorf(http.StatusBadRequest, IssueTypeInvalid,
			"Invalid ETag value specified in request: %s", value)
	}
	return version, nil
}

// CheckIfMatch compares an If-Match value with the current version of the
// target. An empty value always passes.
func CheckIfMatch(ifMatch string, current int) *OperationError {
	if ifMatch == "" {
		return nil
	}
	version, opErr := ParseIfMatch(ifMatch)
	if opErr != nil {
		return opErr
	}
	if version != strconv.Itoa(current) {
		return errorf(http.StatusPreconditionFailed, IssueTypeConflict,
			"If-Match version '%s' does not match current latest version of resource: %d", version, current)
	}
	return nil
}

// CheckIfNoneMatch enforces If-None-Match on an update. Only "*" is
// supported: it fails when the target already exists.
func CheckIfNoneMatch(ifNoneMatch, ref string, exists bool) *OperationError {
	v := strings.TrimSpace(ifNoneMatch)
	switch v {
	case "":
		return nil
	case "*", `W/"*"`:
		if exists {
			return errorf(http.StatusPreconditionFailed, IssueTypeConflict,
				"If-None-Match '*' precondition failed: resource '%s' already exists", ref)
		}
		return nil
	}
	return errorf(http.StatusBadRequest, IssueTypeInvalid,
		"Invalid If-None-Match value specified in request: %s; only '*' is supported", ifNoneMatch)
}
