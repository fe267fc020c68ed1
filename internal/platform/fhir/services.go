package fhir

import (
	"context"
	"net/url"
	"time"

	"github.com/google/uuid"
)

// StoredResource is one version of a resource as the store holds it.
// Resource carries meta.versionId and meta.lastUpdated; it is nil for a
// deletion tombstone.
type StoredResource struct {
	ResourceType string
	ID           string
	VersionID    int
	LastUpdated  time.Time
	Deleted      bool
	Resource     map[string]interface{}
}

// Persistence is the resource store. Reads of a deleted resource return
// ErrGone; reads of an unknown one ErrNotFound. Update with expectedVersion
// > 0 fails with ErrVersionConflict when the current version differs.
type Persistence interface {
	Create(ctx context.Context, resourceType string, resource map[string]interface{}) (*StoredResource, error)
	Read(ctx context.Context, resourceType, id string) (*StoredResource, error)
	VRead(ctx context.Context, resourceType, id string, version int) (*StoredResource, error)
	Update(ctx context.Context, resourceType, id string, resource map[string]interface{}, expectedVersion int) (*StoredResource, error)
	Delete(ctx context.Context, resourceType, id string) (*StoredResource, error)
	History(ctx context.Context, resourceType, id string, count int) ([]*StoredResource, int, error)
}

// SearchQuery is a type-level, system-level or compartment search.
type SearchQuery struct {
	// ResourceType is empty for a system-wide search.
	ResourceType string
	Params       url.Values
	// Compartment restricts matches to resources referencing it, e.g. "Patient/123".
	Compartment string
	Count       int
	Offset      int
}

type SearchResult struct {
	Matches []*StoredResource
	Total   int
}

// Searcher runs searches. Unknown parameters are reported as an
// *OperationError with status 400.
type Searcher interface {
	Search(ctx context.Context, q SearchQuery) (*SearchResult, error)
}

// UnitOfWork scopes a transaction bundle: fn runs against a context bound to
// one storage transaction which commits when fn returns nil and rolls back
// otherwise. Stores without transactions return ErrTransactionsUnsupported.
type UnitOfWork interface {
	InTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

// Validator checks a resource before it is written.
type Validator interface {
	Validate(ctx context.Context, resource map[string]interface{}) []OperationOutcomeIssue
}

// AuditRecord describes one completed interaction.
type AuditRecord struct {
	Timestamp    time.Time     `json:"timestamp"`
	RequestID    string        `json:"requestId,omitempty"`
	Tenant       string        `json:"tenant,omitempty"`
	User         string        `json:"user,omitempty"`
	BundleID     string        `json:"bundleId,omitempty"`
	BundleType   string        `json:"bundleType"`
	EntryIndex   int           `json:"entryIndex"`
	Interaction  string        `json:"interaction"`
	Method       string        `json:"method"`
	URL          string        `json:"url"`
	ResourceType string        `json:"resourceType,omitempty"`
	ResourceID   string        `json:"resourceId,omitempty"`
	VersionID    int           `json:"versionId,omitempty"`
	Status       int           `json:"status"`
	Outcome      string        `json:"outcome"`
	Elapsed      time.Duration `json:"elapsedNanos"`
}

// AuditSink receives audit records. Emission failures are logged by the
// caller and never fail the request.
type AuditSink interface {
	Emit(ctx context.Context, rec AuditRecord) error
}

// Archiver keeps a copy of a persisted transaction-response bundle and
// returns the location it was written to.
type Archiver interface {
	Archive(ctx context.Context, tenant string, b *Bundle) (string, error)
}

var newID = func() string {
	return uuid.NewString()
}
