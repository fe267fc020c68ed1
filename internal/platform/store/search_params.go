package store

import (
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/ehr/fhirbundle/internal/platform/fhir"
	"github.com/goccy/go-json"
)

// SearchParams maps a search parameter name to the element path it matches,
// per resource type. Paths are dotted and step through arrays.
type SearchParams map[string]map[string]string

// DefaultSearchParams is the allow list used by both stores.
var DefaultSearchParams = SearchParams{
	"Patient": {
		"identifier": "identifier", "name": "name", "family": "name.family", "given": "name.given",
		"gender": "gender", "birthdate": "birthDate", "active": "active",
		"organization": "managingOrganization", "general-practitioner": "generalPractitioner",
	},
	"Practitioner": {
		"identifier": "identifier", "name": "name", "family": "name.family", "given": "name.given",
		"active": "active",
	},
	"Organization": {
		"identifier": "identifier", "name": "name", "active": "active", "partof": "partOf", "type": "type",
	},
	"Encounter": {
		"identifier": "identifier", "status": "status", "class": "class", "subject": "subject",
		"patient": "subject", "participant": "participant.individual",
		"service-provider": "serviceProvider",
	},
	"Observation": {
		"identifier": "identifier", "status": "status", "code": "code", "category": "category",
		"subject": "subject", "patient": "subject", "encounter": "encounter", "performer": "performer",
	},
	"Condition": {
		"identifier": "identifier", "code": "code", "subject": "subject", "patient": "subject",
		"encounter": "encounter", "clinical-status": "clinicalStatus",
	},
	"MedicationRequest": {
		"identifier": "identifier", "status": "status", "intent": "intent", "subject": "subject",
		"patient": "subject", "encounter": "encounter", "requester": "requester",
	},
	"Procedure": {
		"identifier": "identifier", "status": "status", "code": "code", "subject": "subject",
		"patient": "subject", "encounter": "encounter",
	},
	"AllergyIntolerance": {
		"identifier": "identifier", "code": "code", "patient": "patient",
		"clinical-status": "clinicalStatus",
	},
	"DiagnosticReport": {
		"identifier": "identifier", "status": "status", "code": "code", "subject": "subject",
		"patient": "subject", "encounter": "encounter", "result": "result",
	},
	"Immunization": {
		"identifier": "identifier", "status": "status", "patient": "patient", "vaccine-code": "vaccineCode",
	},
	"Location": {
		"identifier": "identifier", "name": "name", "status": "status", "organization": "managingOrganization",
	},
}

// query is a parsed, validated set of search criteria.
type query struct {
	ids         []string
	lastUpdated []dateCriterion
	criteria    []criterion
}

// criterion is one search parameter occurrence. Its values are ORed;
// separate criteria are ANDed.
type criterion struct {
	path     string
	modifier string
	values   []string
}

type dateCriterion struct {
	prefix string
	start  time.Time
	end    time.Time
}

func unknownParam(name, resourceType string) *fhir.OperationError {
	if resourceType == "" {
		resourceType = "Resource"
	}
	return fhir.NewOperationError(http.StatusBadRequest, fhir.IssueTypeInvalid,
		fmt.Sprintf("Search parameter '%s' for resource type '%s' was not found.", name, resourceType))
}

// parse validates params against the allow list for resourceType.
func (sp SearchParams) parse(resourceType string, params url.Values) (*query, *fhir.OperationError) {
	q := &query{}
	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, raw := range names {
		name, modifier, _ := strings.Cut(raw, ":")
		for _, value := range params[raw] {
			values := splitValues(value)
			switch name {
			case "_id":
				q.ids = append(q.ids, values...)
				continue
			case "_lastUpdated":
				for _, v := range values {
					dc, err := parseDateCriterion(v)
					if err != nil {
						return nil, fhir.NewOperationError(http.StatusBadRequest, fhir.IssueTypeInvalid,
							fmt.Sprintf("Invalid _lastUpdated value '%s': %v", v, err))
					}
					q.lastUpdated = append(q.lastUpdated, dc)
				}
				continue
			}

			path, ok := sp[resourceType][name]
			if !ok {
				return nil, unknownParam(name, resourceType)
			}
			if modifier != "" && modifier != "exact" && modifier != "missing" {
				return nil, fhir.NewOperationError(http.StatusBadRequest, fhir.IssueTypeInvalid,
					fmt.Sprintf("Unsupported modifier ':%s' on search parameter '%s'", modifier, name))
			}
			q.criteria = append(q.criteria, criterion{path: path, modifier: modifier, values: values})
		}
	}
	return q, nil
}

func splitValues(v string) []string {
	parts := strings.Split(v, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

var dateLayouts = []struct {
	layout string
	span   func(time.Time) time.Time
}{
	{time.RFC3339Nano, func(t time.Time) time.Time { return t.Add(time.Nanosecond) }},
	{"2006-01-02T15:04:05", func(t time.Time) time.Time { return t.Add(time.Second) }},
	{"2006-01-02", func(t time.Time) time.Time { return t.AddDate(0, 0, 1) }},
	{"2006-01", func(t time.Time) time.Time { return t.AddDate(0, 1, 0) }},
	{"2006", func(t time.Time) time.Time { return t.AddDate(1, 0, 0) }},
}

func parseDateCriterion(v string) (dateCriterion, error) {
	prefix := "eq"
	if len(v) > 2 {
		switch v[:2] {
		case "eq", "ne", "gt", "lt", "ge", "le":
			prefix, v = v[:2], v[2:]
		}
	}
	for _, l := range dateLayouts {
		t, err := time.Parse(l.layout, v)
		if err == nil {
			return dateCriterion{prefix: prefix, start: t.UTC(), end: l.span(t).UTC()}, nil
		}
	}
	return dateCriterion{}, fmt.Errorf("unrecognised date format")
}

func (dc dateCriterion) matches(t time.Time) bool {
	switch dc.prefix {
	case "gt":
		return !t.Before(dc.end)
	case "ge":
		return !t.Before(dc.start)
	case "lt":
		return t.Before(dc.start)
	case "le":
		return t.Before(dc.end)
	case "ne":
		return t.Before(dc.start) || !t.Before(dc.end)
	}
	return !t.Before(dc.start) && t.Before(dc.end)
}

// matches reports whether sr satisfies every criterion of q.
func (q *query) matches(sr *fhir.StoredResource) bool {
	if len(q.ids) > 0 && !containsString(q.ids, sr.ID) {
		return false
	}
	for _, dc := range q.lastUpdated {
		if !dc.matches(sr.LastUpdated) {
			return false
		}
	}
	for _, c := range q.criteria {
		nodes := collect(sr.Resource, strings.Split(c.path, "."))
		if c.modifier == "missing" {
			want := len(c.values) > 0 && c.values[0] == "true"
			if (len(nodes) == 0) != want {
				return false
			}
			continue
		}
		if !anyMatch(nodes, c.values, c.modifier == "exact") {
			return false
		}
	}
	return true
}

// collect walks path from node, flattening arrays along the way.
func collect(node interface{}, path []string) []interface{} {
	if arr, ok := node.([]interface{}); ok {
		var out []interface{}
		for _, e := range arr {
			out = append(out, collect(e, path)...)
		}
		return out
	}
	if len(path) == 0 {
		if node == nil {
			return nil
		}
		return []interface{}{node}
	}
	m, ok := node.(map[string]interface{})
	if !ok {
		return nil
	}
	next, ok := m[path[0]]
	if !ok {
		return nil
	}
	return collect(next, path[1:])
}

func anyMatch(nodes []interface{}, values []string, exact bool) bool {
	for _, n := range nodes {
		for _, v := range values {
			if matchValue(n, v, exact) {
				return true
			}
		}
	}
	return false
}

// matchValue compares one element against one search value. Strings match
// by case-insensitive prefix unless exact; complex types are matched by
// their reference, system|code or name parts.
func matchValue(node interface{}, value string, exact bool) bool {
	switch t := node.(type) {
	case string:
		// system|code tokens only ever match coded elements.
		if strings.Contains(value, "|") {
			return false
		}
		if exact {
			return t == value
		}
		return strings.HasPrefix(strings.ToLower(t), strings.ToLower(value))
	case bool:
		return fmt.Sprint(t) == value
	case json.Number:
		return t.String() == value
	case float64:
		return fmt.Sprint(t) == value
	case []interface{}:
		for _, e := range t {
			if matchValue(e, value, exact) {
				return true
			}
		}
		return false
	case map[string]interface{}:
		return matchComplex(t, value, exact)
	}
	return false
}

func matchComplex(m map[string]interface{}, value string, exact bool) bool {
	if ref, ok := m["reference"].(string); ok {
		if strings.Contains(value, "|") {
			return false
		}
		return ref == value || strings.HasSuffix(ref, "/"+value)
	}
	if coding, ok := m["coding"]; ok {
		return matchValue(coding, value, exact)
	}

	code, hasCode := m["code"].(string)
	if !hasCode {
		code, hasCode = m["value"].(string)
	}
	if hasCode {
		system, _ := m["system"].(string)
		if sys, val, ok := strings.Cut(value, "|"); ok {
			return (sys == "" || sys == system) && val == code
		}
		return code == value
	}

	for _, key := range []string{"text", "family", "given", "prefix", "suffix"} {
		if v, ok := m[key]; ok && matchValue(v, value, exact) {
			return true
		}
	}
	return false
}

// containment returns JSONB documents of which a resource must contain at
// least one to satisfy c, or nil when c cannot be expressed that way. Only
// system|code token values qualify: they match coded elements by equality,
// while every other value matches by prefix or reference suffix. A matching
// resource always contains one of the documents; the caller still applies
// matches to drop the false positives containment lets through.
func (c criterion) containment() []string {
	if c.modifier != "" && c.modifier != "exact" {
		return nil
	}
	path := strings.Split(c.path, ".")
	var docs []string
	for _, v := range c.values {
		system, code, ok := strings.Cut(v, "|")
		if !ok || code == "" {
			return nil
		}
		for _, leaf := range codedElements(system, code) {
			for _, doc := range wrapPath(path, leaf) {
				data, err := json.Marshal(doc)
				if err != nil {
					return nil
				}
				docs = append(docs, string(data))
			}
		}
	}
	return docs
}

// codedElements lists the element shapes matchComplex accepts for
// system|code: an Identifier or Coding, or a CodeableConcept wrapping one.
func codedElements(system, code string) []interface{} {
	var out []interface{}
	for _, key := range []string{"code", "value"} {
		e := map[string]interface{}{key: code}
		if system != "" {
			e["system"] = system
		}
		out = append(out, e,
			map[string]interface{}{"coding": e},
			map[string]interface{}{"coding": []interface{}{e}})
	}
	return out
}

// wrapPath nests leaf under path. Element cardinality is not known, so every
// step is produced both as a plain object and as a one-element array.
func wrapPath(path []string, leaf interface{}) []interface{} {
	if len(path) == 0 {
		return []interface{}{leaf}
	}
	var out []interface{}
	for _, inner := range wrapPath(path[1:], leaf) {
		out = append(out,
			map[string]interface{}{path[0]: inner},
			map[string]interface{}{path[0]: []interface{}{inner}})
	}
	return out
}

// inCompartment reports whether resource references compartment, e.g.
// "Patient/123", anywhere in its content.
func inCompartment(resource map[string]interface{}, compartment string) bool {
	found := false
	var walk func(v interface{})
	walk = func(v interface{}) {
		if found {
			return
		}
		switch t := v.(type) {
		case map[string]interface{}:
			if ref, ok := t["reference"].(string); ok &&
				(ref == compartment || strings.HasSuffix(ref, "/"+compartment)) {
				found = true
				return
			}
			for _, child := range t {
				walk(child)
			}
		case []interface{}:
			for _, child := range t {
				walk(child)
			}
		}
	}
	walk(resource)
	return found
}

// page applies offset and count to matches. count <= 0 returns everything
// after offset.
func page(matches []*fhir.StoredResource, count, offset int) []*fhir.StoredResource {
	if offset >= len(matches) {
		return nil
	}
	matches = matches[offset:]
	if count > 0 && count < len(matches) {
		matches = matches[:count]
	}
	return matches
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
