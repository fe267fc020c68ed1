package fhir

import (
	"bytes"
	"fmt"
	"net/url"
	"time"

	"github.com/goccy/go-json"
)

// Bundle types understood by the processor and produced by the assembler.
const (
	BundleTypeBatch               = "batch"
	BundleTypeTransaction         = "transaction"
	BundleTypeBatchResponse       = "batch-response"
	BundleTypeTransactionResponse = "transaction-response"
	BundleTypeHistory             = "history"
	BundleTypeSearchset           = "searchset"
)

// Bundle represents a FHIR Bundle resource. Request and response bundles
// share these types.
type Bundle struct {
	ResourceType string        `json:"resourceType"`
	ID           string        `json:"id,omitempty"`
	Meta         *Meta         `json:"meta,omitempty"`
	Type         string        `json:"type,omitempty"`
	Timestamp    *time.Time    `json:"timestamp,omitempty"`
	Total        *int          `json:"total,omitempty"`
	Link         []BundleLink  `json:"link,omitempty"`
	Entry        []BundleEntry `json:"entry,omitempty"`
}

type Meta struct {
	VersionID   string     `json:"versionId,omitempty"`
	LastUpdated *time.Time `json:"lastUpdated,omitempty"`
}

type BundleLink struct {
	Relation string `json:"relation"`
	URL      string `json:"url"`
}

type BundleEntry struct {
	FullURL  string                 `json:"fullUrl,omitempty"`
	Resource map[string]interface{} `json:"resource,omitempty"`
	Search   *BundleSearch          `json:"search,omitempty"`
	Request  *BundleRequest         `json:"request,omitempty"`
	Response *BundleResponse        `json:"response,omitempty"`
}

type BundleSearch struct {
	Mode string `json:"mode,omitempty"`
}

// BundleRequest is Bundle.entry.request.
type BundleRequest struct {
	Method          string `json:"method,omitempty"`
	URL             string `json:"url,omitempty"`
	IfNoneMatch     string `json:"ifNoneMatch,omitempty"`
	IfModifiedSince string `json:"ifModifiedSince,omitempty"`
	IfMatch         string `json:"ifMatch,omitempty"`
	IfNoneExist     string `json:"ifNoneExist,omitempty"`
}

// BundleResponse is Bundle.entry.response.
type BundleResponse struct {
	Status       string                 `json:"status"`
	Location     string                 `json:"location,omitempty"`
	Etag         string                 `json:"etag,omitempty"`
	LastModified *time.Time             `json:"lastModified,omitempty"`
	Outcome      map[string]interface{} `json:"outcome,omitempty"`
}

// DecodeBundle parses a request body into a Bundle. Resources inside entries
// keep their number literals.
func DecodeBundle(data []byte) (*Bundle, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var b Bundle
	if err := dec.Decode(&b); err != nil {
		return nil, fmt.Errorf("parse bundle: %w", err)
	}
	if b.ResourceType != "Bundle" {
		return nil, fmt.Errorf("expected resourceType 'Bundle', got '%s'", b.ResourceType)
	}
	return &b, nil
}

// EncodeBundle renders a bundle as JSON.
func EncodeBundle(b *Bundle) ([]byte, error) {
	return json.Marshal(b)
}

// bundleAsResource turns a bundle into a generic resource so it can be the
// body of an entry (search and history results).
func bundleAsResource(b *Bundle) (map[string]interface{}, error) {
	data, err := json.Marshal(b)
	if err != nil {
		return nil, fmt.Errorf("encode bundle: %w", err)
	}
	return DecodeResource(data)
}

func newBundle(bundleType string, now time.Time) *Bundle {
	ts := now.UTC()
	return &Bundle{
		ResourceType: "Bundle",
		ID:           newID(),
		Type:         bundleType,
		Timestamp:    &ts,
	}
}

// NewSearchBundle builds a searchset bundle whose self link replays query.
func NewSearchBundle(matches []*StoredResource, total int, baseURL, path string, query url.Values, now time.Time) *Bundle {
	b := newBundle(BundleTypeSearchset, now)
	b.Total = &total

	self := baseURL + "/" + path
	if enc := query.Encode(); enc != "" {
		self += "?" + enc
	}
	b.Link = []BundleLink{{Relation: "self", URL: self}}

	for _, m := range matches {
		b.Entry = append(b.Entry, BundleEntry{
			FullURL:  baseURL + "/" + FormatReference(m.ResourceType, m.ID),
			Resource: m.Resource,
			Search:   &BundleSearch{Mode: "match"},
		})
	}
	return b
}

// NewHistoryBundle builds a history bundle, newest version first. Deleted
// versions appear as DELETE requests without a resource.
func NewHistoryBundle(versions []*StoredResource, total int, baseURL string, now time.Time) *Bundle {
	b := newBundle(BundleTypeHistory, now)
	b.Total = &total

	for _, v := range versions {
		ref := FormatReference(v.ResourceType, v.ID)
		lm := v.LastUpdated.UTC()
		entry := BundleEntry{
			FullURL: baseURL + "/" + ref,
			Response: &BundleResponse{
				Status:       StatusText(200),
				Etag:         FormatETag(v.VersionID),
				LastModified: &lm,
			},
		}
		switch {
		case v.Deleted:
			entry.Request = &BundleRequest{Method: "DELETE", URL: ref}
			entry.Response.Status = StatusText(204)
		case v.VersionID == 1:
			entry.Resource = v.Resource
			entry.Request = &BundleRequest{Method: "POST", URL: v.ResourceType}
			entry.Response.Status = StatusText(201)
		default:
			entry.Resource = v.Resource
			entry.Request = &BundleRequest{Method: "PUT", URL: ref}
		}
		b.Entry = append(b.Entry, entry)
	}
	return b
}
