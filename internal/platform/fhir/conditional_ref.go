package fhir

import (
	"context"
	"net/http"
	"net/url"
	"regexp"
)

// conditionalRefPattern matches "Type?query" reference values.
var conditionalRefPattern = regexp.MustCompile(`^([A-Z][A-Za-z]+)\?(.*)$`)

// resultParameters shape a result set instead of filtering it and are not
// allowed in a conditional reference.
var resultParameters = map[string]bool{
	"_count":         true,
	"_sort":          true,
	"_include":       true,
	"_revinclude":    true,
	"_elements":      true,
	"_summary":       true,
	"_total":         true,
	"_contained":     true,
	"_containedType": true,
	"_offset":        true,
	"_page":          true,
	"_format":        true,
	"_pretty":        true,
}

// ConditionalRefs resolves "Type?query" references to the single resource
// the query matches.
type ConditionalRefs struct {
	searcher Searcher
}

// NewConditionalRefs creates a resolver backed by searcher.
func NewConditionalRefs(searcher Searcher) *ConditionalRefs {
	return &ConditionalRefs{searcher: searcher}
}

// Resolve rewrites every conditional reference in resource in place. The
// first failure stops resolution and is reported against
// Bundle.entry[entryIndex].
func (c *ConditionalRefs) Resolve(ctx context.Context, entryIndex int, resource map[string]interface{}) *OperationError {
	if resource == nil {
		return nil
	}

	var (
		refs   []*referenceSlot
		opErr  *OperationError
		result = make(map[string]string)
	)
	collectConditionalRefs(resource, &refs)

	for _, slot := range refs {
		target, seen := result[slot.value]
		if !seen {
			target, opErr = c.resolveOne(ctx, slot.value)
			if opErr != nil {
				return opErr.AtEntry(entryIndex)
			}
			result[slot.value] = target
		}
		slot.holder["reference"] = target
	}
	return nil
}

func (c *ConditionalRefs) resolveOne(ctx context.Context, ref string) (string, *OperationError) {
	m := conditionalRefPattern.FindStringSubmatch(ref)
	resourceType, rawQuery := m[1], m[2]

	if !IsResourceType(resourceType) {
		return "", errorf(http.StatusBadRequest, IssueTypeInvalid,
			"Invalid conditional reference: '%s' is not a valid resource type: %s", resourceType, ref)
	}

	params, err := url.ParseQuery(rawQuery)
	if err != nil {
		return "", errorf(http.StatusBadRequest, IssueTypeInvalid,
			"Invalid conditional reference: malformed query: %s", ref)
	}
	filters := 0
	for name, values := range params {
		if resultParameters[name] {
			return "", errorf(http.StatusBadRequest, IssueTypeInvalid,
				"Invalid conditional reference: only filtering parameters are allowed: %s", ref)
		}
		if name != "" && len(values) > 0 {
			filters++
		}
	}
	if filters == 0 {
		return "", errorf(http.StatusBadRequest, IssueTypeInvalid,
			"Invalid conditional reference: no query parameters found: %s", ref)
	}

	res, err := c.searcher.Search(ctx, SearchQuery{ResourceType: resourceType, Params: params, Count: 2})
	if err != nil {
		return "", toOperationError(err, resourceType)
	}
	switch {
	case res.Total == 0:
		return "", errorf(http.StatusNotFound, IssueTypeNotFound,
			"Error resolving conditional reference: search '%s' returned no results", ref)
	case res.Total > 1:
		return "", errorf(http.StatusPreconditionFailed, IssueTypeMultipleMatches,
			"Error resolving conditional reference: search '%s' returned multiple results", ref)
	}
	match := res.Matches[0]
	return FormatReference(match.ResourceType, match.ID), nil
}

type referenceSlot struct {
	holder map[string]interface{}
	value  string
}

func collectConditionalRefs(node interface{}, out *[]*referenceSlot) {
	switch v := node.(type) {
	case map[string]interface{}:
		for key, val := range v {
			if key == "reference" {
				if ref, ok := val.(string); ok {
					if conditionalRefPattern.MatchString(ref) {
						*out = append(*out, &referenceSlot{holder: v, value: ref})
					}
					continue
				}
			}
			collectConditionalRefs(val, out)
		}
	case []interface{}:
		for _, item := range v {
			collectConditionalRefs(item, out)
		}
	}
}
