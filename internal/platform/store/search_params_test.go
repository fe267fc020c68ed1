package store

import (
	"net/url"
	"testing"
	"time"

	"github.com/ehr/fhirbundle/internal/platform/fhir"
	"github.com/goccy/go-json"
)

func TestParseDateCriterion(t *testing.T) {
	at := time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		value string
		want  bool
	}{
		{"2024-05-10", true},
		{"eq2024-05", true},
		{"ne2024-05-10", false},
		{"gt2024-05-09", true},
		{"gt2024-05-10", false},
		{"ge2024-05-10", true},
		{"lt2024-05-11", true},
		{"le2024-05-10", true},
		{"lt2024-05-10", false},
		{"2024-05-10T12:00:00Z", true},
	}
	for _, tt := range tests {
		dc, err := parseDateCriterion(tt.value)
		if err != nil {
			t.Fatalf("%s: unexpected error: %v", tt.value, err)
		}
		if got := dc.matches(at); got != tt.want {
			t.Errorf("%s: expected %v, got %v", tt.value, tt.want, got)
		}
	}

	if _, err := parseDateCriterion("yesterday"); err == nil {
		t.Error("expected error for unparseable date")
	}
}

func TestSearchParams_Parse(t *testing.T) {
	if _, opErr := DefaultSearchParams.parse("Patient", url.Values{"name:contains": {"x"}}); opErr == nil {
		t.Error("expected unsupported modifier to be rejected")
	}
	if _, opErr := DefaultSearchParams.parse("", url.Values{"_id": {"1"}}); opErr != nil {
		t.Errorf("expected _id to be accepted for system search, got %v", opErr)
	}
	_, opErr := DefaultSearchParams.parse("", url.Values{"name": {"x"}})
	if opErr == nil {
		t.Fatal("expected error")
	}
	want := "Search parameter 'name' for resource type 'Resource' was not found."
	if opErr.Issues[0].Diagnostics != want {
		t.Errorf("expected %q, got %q", want, opErr.Issues[0].Diagnostics)
	}
}

func TestSQLFilter(t *testing.T) {
	f := &sqlFilter{}
	f.add("deleted = FALSE")
	f.add("resource_type = ?", "Patient")
	f.add("last_updated >= ? AND last_updated < ?", 1, 2)

	want := " WHERE deleted = FALSE AND resource_type = $1 AND last_updated >= $2 AND last_updated < $3"
	if got := f.sql(); got != want {
		t.Errorf("expected %q, got %q", want, got)
	}
	if len(f.args) != 3 {
		t.Errorf("expected 3 args, got %d", len(f.args))
	}
}

func TestInCompartment(t *testing.T) {
	res := map[string]interface{}{
		"performer": []interface{}{
			map[string]interface{}{"reference": "http://example.org/fhir/Practitioner/7"},
		},
	}
	if !inCompartment(res, "Practitioner/7") {
		t.Error("expected absolute reference to match compartment")
	}
	if inCompartment(res, "Practitioner/70") {
		t.Error("expected different id not to match")
	}
}

func TestCriterion_Containment(t *testing.T) {
	tests := []struct {
		name     string
		c        criterion
		wantDocs int
		contains string
	}{
		{"token with system", criterion{path: "identifier", values: []string{"http://mrn|123"}}, 12,
			`{"identifier":[{"system":"http://mrn","value":"123"}]}`},
		{"token without system", criterion{path: "code", values: []string{"|1234-5"}}, 12,
			`{"code":{"coding":[{"code":"1234-5"}]}}`},
		{"exact modifier", criterion{path: "class", modifier: "exact", values: []string{"http://act|AMB"}}, 12,
			`{"class":{"code":"AMB","system":"http://act"}}`},
		{"ored tokens", criterion{path: "identifier", values: []string{"a|1", "b|2"}}, 24, ""},
		{"nested path", criterion{path: "participant.individual", values: []string{"s|v"}}, 24, ""},
		{"plain string", criterion{path: "name", values: []string{"smith"}}, 0, ""},
		{"reference", criterion{path: "subject", values: []string{"Patient/1"}}, 0, ""},
		{"mixed values", criterion{path: "identifier", values: []string{"a|1", "plain"}}, 0, ""},
		{"empty code", criterion{path: "identifier", values: []string{"http://mrn|"}}, 0, ""},
		{"missing modifier", criterion{path: "identifier", modifier: "missing", values: []string{"true"}}, 0, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			docs := tt.c.containment()
			if len(docs) != tt.wantDocs {
				t.Fatalf("expected %d documents, got %d", tt.wantDocs, len(docs))
			}
			if tt.contains == "" {
				return
			}
			found := false
			for _, d := range docs {
				if d == tt.contains {
					found = true
				}
			}
			if !found {
				t.Errorf("expected %s among %v", tt.contains, docs)
			}
		})
	}
}

// TestCriterion_ContainmentCoversMatches checks that every resource the
// matcher accepts also contains one of the documents pushed to Postgres, so
// narrowing in SQL never drops a match.
func TestCriterion_ContainmentCoversMatches(t *testing.T) {
	resources := []map[string]interface{}{
		{
			"resourceType": "Patient", "id": "p1",
			"identifier": []interface{}{
				map[string]interface{}{"use": "official", "system": "http://mrn", "value": "123"},
				map[string]interface{}{"value": "456"},
			},
			"generalPractitioner": []interface{}{map[string]interface{}{"reference": "Practitioner/s|v"}},
		},
		{
			"resourceType": "Patient", "id": "p2",
			"identifier": map[string]interface{}{"system": "http://other", "value": "123"},
		},
		{
			"resourceType": "Observation", "id": "o1",
			"code": map[string]interface{}{
				"coding": []interface{}{
					map[string]interface{}{"system": "http://loinc.org", "code": "1234-5", "display": "Glucose"},
				},
				"text": "Glucose",
			},
			"category": []interface{}{
				map[string]interface{}{"coding": []interface{}{map[string]interface{}{"system": "http://cat", "code": "lab"}}},
			},
		},
		{
			"resourceType": "Observation", "id": "o2",
			"code": map[string]interface{}{"coding": map[string]interface{}{"system": "http://loinc.org", "code": "9-9"}},
		},
		{
			"resourceType": "Encounter", "id": "e1",
			"class": map[string]interface{}{"system": "http://act", "code": "AMB"},
			"participant": []interface{}{
				map[string]interface{}{"individual": map[string]interface{}{"reference": "Practitioner/7"}},
				map[string]interface{}{"individual": map[string]interface{}{"system": "http://npi", "value": "77"}},
			},
		},
	}
	searches := []struct {
		resourceType string
		params       url.Values
	}{
		{"Patient", url.Values{"identifier": {"http://mrn|123"}}},
		{"Patient", url.Values{"identifier": {"|123"}}},
		{"Patient", url.Values{"identifier": {"|456"}}},
		{"Patient", url.Values{"identifier:exact": {"http://other|123"}}},
		{"Patient", url.Values{"identifier": {"http://x|1,http://mrn|123"}}},
		{"Patient", url.Values{"general-practitioner": {"s|v"}}},
		{"Observation", url.Values{"code": {"http://loinc.org|1234-5"}}},
		{"Observation", url.Values{"code": {"|9-9"}}},
		{"Observation", url.Values{"category": {"http://cat|lab"}}},
		{"Encounter", url.Values{"class": {"http://act|AMB"}}},
		{"Encounter", url.Values{"participant": {"http://npi|77"}}},
	}

	matched := 0
	for _, s := range searches {
		q, opErr := DefaultSearchParams.parse(s.resourceType, s.params)
		if opErr != nil {
			t.Fatalf("%v: unexpected error: %v", s.params, opErr)
		}
		for _, res := range resources {
			if res["resourceType"] != s.resourceType {
				continue
			}
			sr := &fhir.StoredResource{ResourceType: s.resourceType, ID: res["id"].(string), Resource: res}
			if !q.matches(sr) {
				continue
			}
			matched++
			doc := toJSONValue(t, res)
			for _, c := range q.criteria {
				if !containsAny(t, doc, c.containment()) {
					t.Errorf("%v: %s matches but contains none of the pushed documents", s.params, sr.ID)
				}
			}
		}
	}
	if matched != 11 {
		t.Errorf("expected 11 matching pairs, got %d", matched)
	}
}

func toJSONValue(t *testing.T, v interface{}) interface{} {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var out interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	return out
}

func containsAny(t *testing.T, doc interface{}, subs []string) bool {
	for _, s := range subs {
		var sub interface{}
		if err := json.Unmarshal([]byte(s), &sub); err != nil {
			t.Fatalf("unmarshal %s: %v", s, err)
		}
		if jsonbContains(doc, sub) {
			return true
		}
	}
	return false
}

// jsonbContains follows the rules of the Postgres @> operator for
// non-scalar documents.
func jsonbContains(doc, sub interface{}) bool {
	switch s := sub.(type) {
	case map[string]interface{}:
		d, ok := doc.(map[string]interface{})
		if !ok {
			return false
		}
		for k, sv := range s {
			dv, ok := d[k]
			if !ok || !jsonbContains(dv, sv) {
				return false
			}
		}
		return true
	case []interface{}:
		d, ok := doc.([]interface{})
		if !ok {
			return false
		}
		for _, sv := range s {
			found := false
			for _, dv := range d {
				if jsonbContains(dv, sv) {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		}
		return true
	default:
		return doc == sub
	}
}
