// Package store holds the resource stores behind the bundle processor: an
// in-memory store for tests and development and a Postgres store.
package store

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/ehr/fhirbundle/internal/platform/fhir"
)

type memoryTxKey struct{}

type resourceKey struct {
	resourceType string
	id           string
}

type memoryState struct {
	// versions holds every version of a resource, oldest first.
	versions map[resourceKey][]*fhir.StoredResource
	// order is creation order, used to keep search results stable.
	order []resourceKey
}

func (s memoryState) clone() memoryState {
	out := memoryState{
		versions: make(map[resourceKey][]*fhir.StoredResource, len(s.versions)),
		order:    append([]resourceKey(nil), s.order...),
	}
	for k, v := range s.versions {
		out.versions[k] = append([]*fhir.StoredResource(nil), v...)
	}
	return out
}

// Memory is a concurrency-safe in-memory Persistence, Searcher and
// UnitOfWork. Only one writer runs at a time: a unit of work holds the write
// lock until it commits or rolls back, and stored versions are never mutated.
type Memory struct {
	writer sync.Mutex
	mu     sync.RWMutex
	state  memoryState
	params SearchParams
	now    func() time.Time
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		state:  memoryState{versions: make(map[resourceKey][]*fhir.StoredResource)},
		params: DefaultSearchParams,
		now:    time.Now,
	}
}

// Ping always succeeds.
func (m *Memory) Ping(context.Context) error { return nil }

// InTransaction runs fn with the writer lock held. The state is snapshotted
// first and restored when fn fails or panics.
func (m *Memory) InTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx.Value(memoryTxKey{}) == m {
		return fn(ctx)
	}
	m.writer.Lock()
	defer m.writer.Unlock()

	m.mu.RLock()
	snapshot := m.state.clone()
	m.mu.RUnlock()

	committed := false
	defer func() {
		if !committed {
			m.mu.Lock()
			m.state = snapshot
			m.mu.Unlock()
		}
	}()

	if err := fn(context.WithValue(ctx, memoryTxKey{}, m)); err != nil {
		return err
	}
	committed = true
	return nil
}

// write runs fn as a single write. Outside a unit of work it takes the
// writer lock itself.
func (m *Memory) write(ctx context.Context, fn func() (*fhir.StoredResource, error)) (*fhir.StoredResource, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if ctx.Value(memoryTxKey{}) != m {
		m.writer.Lock()
		defer m.writer.Unlock()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return fn()
}

func (m *Memory) latest(key resourceKey) *fhir.StoredResource {
	versions := m.state.versions[key]
	if len(versions) == 0 {
		return nil
	}
	return versions[len(versions)-1]
}

// newVersion stamps meta.versionId and meta.lastUpdated onto a copy of
// resource and appends it.
func (m *Memory) newVersion(key resourceKey, resource map[string]interface{}) *fhir.StoredResource {
	version := 1
	if cur := m.latest(key); cur != nil {
		version = cur.VersionID + 1
	} else {
		m.state.order = append(m.state.order, key)
	}
	now := m.now().UTC()

	sr := &fhir.StoredResource{
		ResourceType: key.resourceType,
		ID:           key.id,
		VersionID:    version,
		LastUpdated:  now,
	}
	if resource == nil {
		sr.Deleted = true
	} else {
		sr.Resource = stampMeta(resource, key, version, now)
	}
	m.state.versions[key] = append(m.state.versions[key], sr)
	return sr
}

func stampMeta(resource map[string]interface{}, key resourceKey, version int, now time.Time) map[string]interface{} {
	out := fhir.CloneResource(resource)
	out["resourceType"] = key.resourceType
	out["id"] = key.id
	meta, _ := out["meta"].(map[string]interface{})
	if meta == nil {
		meta = map[string]interface{}{}
	}
	meta["versionId"] = strconv.Itoa(version)
	meta["lastUpdated"] = now.Format(time.RFC3339Nano)
	out["meta"] = meta
	return out
}

func copyOut(sr *fhir.StoredResource) *fhir.StoredResource {
	cp := *sr
	cp.Resource = fhir.CloneResource(sr.Resource)
	return &cp
}

// Create stores version 1 of resource under its id. An id already in use
// is ErrAlreadyExists.
func (m *Memory) Create(ctx context.Context, resourceType string, resource map[string]interface{}) (*fhir.StoredResource, error) {
	key := resourceKey{resourceType, fhir.ResourceIDOf(resource)}
	return m.write(ctx, func() (*fhir.StoredResource, error) {
		if m.latest(key) != nil {
			return nil, fhir.ErrAlreadyExists
		}
		return copyOut(m.newVersion(key, resource)), nil
	})
}

// Read returns the current version; a deleted resource is ErrGone.
func (m *Memory) Read(ctx context.Context, resourceType, id string) (*fhir.StoredResource, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	cur := m.latest(resourceKey{resourceType, id})
	switch {
	case cur == nil:
		return nil, fhir.ErrNotFound
	case cur.Deleted:
		return nil, fhir.ErrGone
	}
	return copyOut(cur), nil
}

// VRead returns one historical version.
func (m *Memory) VRead(ctx context.Context, resourceType, id string, version int) (*fhir.StoredResource, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	versions := m.state.versions[resourceKey{resourceType, id}]
	if version < 1 || version > len(versions) {
		return nil, fhir.ErrNotFound
	}
	sr := versions[version-1]
	if sr.Deleted {
		return nil, fhir.ErrGone
	}
	return copyOut(sr), nil
}

// Update writes the next version. A non-zero expectedVersion must match the
// current version or the write fails with ErrVersionConflict.
func (m *Memory) Update(ctx context.Context, resourceType, id string, resource map[string]interface{}, expectedVersion int) (*fhir.StoredResource, error) {
	key := resourceKey{resourceType, id}
	return m.write(ctx, func() (*fhir.StoredResource, error) {
		cur := m.latest(key)
		if cur == nil {
			return nil, fhir.ErrNotFound
		}
		if expectedVersion > 0 && cur.VersionID != expectedVersion {
			return nil, fhir.ErrVersionConflict
		}
		return copyOut(m.newVersion(key, resource)), nil
	})
}

// Delete writes a tombstone version.
func (m *Memory) Delete(ctx context.Context, resourceType, id string) (*fhir.StoredResource, error) {
	key := resourceKey{resourceType, id}
	return m.write(ctx, func() (*fhir.StoredResource, error) {
		cur := m.latest(key)
		switch {
		case cur == nil:
			return nil, fhir.ErrNotFound
		case cur.Deleted:
			return nil, fhir.ErrGone
		}
		return copyOut(m.newVersion(key, nil)), nil
	})
}

// History returns up to count versions, newest first, and the total number
// of versions.
func (m *Memory) History(ctx context.Context, resourceType, id string, count int) ([]*fhir.StoredResource, int, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	versions := m.state.versions[resourceKey{resourceType, id}]
	if len(versions) == 0 {
		return nil, 0, fhir.ErrNotFound
	}
	out := make([]*fhir.StoredResource, 0, len(versions))
	for i := len(versions) - 1; i >= 0; i-- {
		if count > 0 && len(out) == count {
			break
		}
		out = append(out, copyOut(versions[i]))
	}
	return out, len(versions), nil
}

// Search returns the live resources matching q, in creation order.
func (m *Memory) Search(ctx context.Context, q fhir.SearchQuery) (*fhir.SearchResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	parsed, opErr := m.params.parse(q.ResourceType, q.Params)
	if opErr != nil {
		return nil, opErr
	}

	m.mu.RLock()
	var matches []*fhir.StoredResource
	for _, key := range m.state.order {
		if q.ResourceType != "" && key.resourceType != q.ResourceType {
			continue
		}
		cur := m.latest(key)
		if cur.Deleted || !parsed.matches(cur) {
			continue
		}
		if q.Compartment != "" && !inCompartment(cur.Resource, q.Compartment) {
			continue
		}
		matches = append(matches, cur)
	}
	m.mu.RUnlock()

	if q.ResourceType == "" {
		sort.SliceStable(matches, func(i, j int) bool {
			return matches[i].ResourceType < matches[j].ResourceType
		})
	}
	total := len(matches)
	paged := page(matches, q.Count, q.Offset)
	out := make([]*fhir.StoredResource, len(paged))
	for i, sr := range paged {
		out[i] = copyOut(sr)
	}
	return &fhir.SearchResult{Matches: out, Total: total}, nil
}

// Seed stores resource as a new version without any checks. Used by tests
// and fixtures.
func (m *Memory) Seed(resource map[string]interface{}) *fhir.StoredResource {
	key := resourceKey{fhir.ResourceTypeOf(resource), fhir.ResourceIDOf(resource)}
	m.writer.Lock()
	defer m.writer.Unlock()
	m.mu.Lock()
	defer m.mu.Unlock()
	return copyOut(m.newVersion(key, resource))
}

// Len reports the number of resources ever created, including deleted ones.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.state.order)
}
