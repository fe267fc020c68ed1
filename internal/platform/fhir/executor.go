package fhir

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const maxSearchCount = 1000

// EntryResult is the outcome of one successful interaction.
type EntryResult struct {
	Status       int
	ResourceType string
	ID           string
	VersionID    int
	LastModified time.Time
	// Location is "Type/id/_history/v" when the interaction wrote or matched
	// a specific version.
	Location string
	// Resource is the body: the stored resource, a search or history bundle,
	// or an operation's output.
	Resource map[string]interface{}
	// Issues are non-fatal issues (validator warnings, informational notes).
	Issues []OperationOutcomeIssue
	// Changed is false when a write turned out to be a no-op.
	Changed bool
}

// Executor performs Interactions against the store and the other services.
type Executor struct {
	store     Persistence
	searcher  Searcher
	validator Validator
	ops       *OperationRegistry
	cfg       ProcessorConfig
	now       func() time.Time
}

// NewExecutor creates an Executor. validator and ops may be nil.
func NewExecutor(store Persistence, searcher Searcher, validator Validator, ops *OperationRegistry, cfg ProcessorConfig) *Executor {
	return &Executor{
		store:     store,
		searcher:  searcher,
		validator: validator,
		ops:       ops,
		cfg:       cfg.withDefaults(),
		now:       time.Now,
	}
}

// Execute performs in. handling decides whether validator warnings fail
// the interaction.
func (x *Executor) Execute(ctx context.Context, in Interaction, handling HandlingPreference) (*EntryResult, *OperationError) {
	if err := ctx.Err(); err != nil {
		return nil, toOperationError(err, in.Ref())
	}

	switch in.Kind {
	case KindCreate:
		return x.create(ctx, in.ResourceType, in.Resource, newID(), handling)
	case KindConditionalCreate:
		return x.conditionalCreate(ctx, in, handling)
	case KindRead:
		return x.read(ctx, in)
	case KindVRead:
		return x.vread(ctx, in)
	case KindUpdate:
		return x.update(ctx, in, handling)
	case KindConditionalUpdate:
		return x.conditionalUpdate(ctx, in, handling)
	case KindDelete:
		return x.delete(ctx, in)
	case KindConditionalDelete:
		return x.conditionalDelete(ctx, in)
	case KindHistory:
		return x.history(ctx, in)
	case KindSearch:
		return x.search(ctx, in)
	case KindPatch:
		return x.patch(ctx, in, handling)
	case KindOperation:
		return x.operation(ctx, in, handling)
	}
	return nil, errorf(http.StatusInternalServerError, IssueTypeException,
		"unsupported interaction kind: %s", in.Kind)
}

// validate runs the validator and splits its findings: errors fail the
// interaction, anything else is returned to be reported alongside success.
func (x *Executor) validate(ctx context.Context, resource map[string]interface{}, handling HandlingPreference) ([]OperationOutcomeIssue, *OperationError) {
	if x.validator == nil {
		return nil, nil
	}
	issues := x.validator.Validate(ctx, resource)
	if handling == HandlingStrict {
		issues = escalateWarnings(issues)
	}

	var failures, notes []OperationOutcomeIssue
	for _, iss := range issues {
		if iss.Severity == IssueSeverityError || iss.Severity == IssueSeverityFatal {
			failures = append(failures, iss)
		} else {
			notes = append(notes, iss)
		}
	}
	if len(failures) > 0 {
		return nil, &OperationError{Status: http.StatusBadRequest, Issues: append(failures, notes...)}
	}
	return notes, nil
}

func stored(sr *StoredResource, status int, changed bool) *EntryResult {
	return &EntryResult{
		Status:       status,
		ResourceType: sr.ResourceType,
		ID:           sr.ID,
		VersionID:    sr.VersionID,
		LastModified: sr.LastUpdated,
		Location:     fmt.Sprintf("%s/_history/%d", FormatReference(sr.ResourceType, sr.ID), sr.VersionID),
		Resource:     sr.Resource,
		Changed:      changed,
	}
}

func (x *Executor) create(ctx context.Context, resourceType string, resource map[string]interface{}, id string, handling HandlingPreference) (*EntryResult, *OperationError) {
	resource["id"] = id
	notes, opErr := x.validate(ctx, resource, handling)
	if opErr != nil {
		return nil, opErr
	}

	sr, err := x.store.Create(ctx, resourceType, resource)
	if err != nil {
		return nil, toOperationError(err, FormatReference(resourceType, id))
	}
	res := stored(sr, http.StatusCreated, true)
	res.Issues = notes
	return res, nil
}

// conditionalSearch runs the search behind a conditional interaction.
func (x *Executor) conditionalSearch(ctx context.Context, resourceType string, params url.Values, limit int) (*SearchResult, *OperationError) {
	res, err := x.searcher.Search(ctx, SearchQuery{ResourceType: resourceType, Params: params, Count: limit})
	if err != nil {
		return nil, toOperationError(err, resourceType)
	}
	return res, nil
}

// parseCriteria reads an If-None-Exist value, which may or may not repeat
// the "Type?" prefix.
func parseCriteria(resourceType, raw string) (url.Values, *OperationError) {
	q := strings.TrimSpace(raw)
	q = strings.TrimPrefix(q, resourceType)
	q = strings.TrimPrefix(q, "?")
	params, err := url.ParseQuery(q)
	if err != nil || len(params) == 0 {
		return nil, errorf(http.StatusBadRequest, IssueTypeInvalid,
			"Invalid search criteria for conditional create: %s", raw)
	}
	return params, nil
}

func (x *Executor) conditionalCreate(ctx context.Context, in Interaction, handling HandlingPreference) (*EntryResult, *OperationError) {
	params, opErr := parseCriteria(in.ResourceType, in.IfNoneExist)
	if opErr != nil {
		return nil, opErr
	}
	res, opErr := x.conditionalSearch(ctx, in.ResourceType, params, 2)
	if opErr != nil {
		return nil, opErr
	}

	switch {
	case res.Total == 0:
		return x.create(ctx, in.ResourceType, in.Resource, newID(), handling)
	case res.Total == 1:
		return stored(res.Matches[0], http.StatusOK, false), nil
	}
	return nil, NewOperationError(http.StatusPreconditionFailed, IssueTypeMultipleMatches,
		"The search criteria specified for a conditional create operation returned multiple matches.")
}

func (x *Executor) read(ctx context.Context, in Interaction) (*EntryResult, *OperationError) {
	sr, err := x.store.Read(ctx, in.ResourceType, in.ID)
	if err != nil {
		return nil, toOperationError(err, in.Ref())
	}
	res := stored(sr, http.StatusOK, false)
	res.Location = ""
	return res, nil
}

func (x *Executor) vread(ctx context.Context, in Interaction) (*EntryResult, *OperationError) {
	version, err := strconv.Atoi(in.VersionID)
	if err != nil || version < 1 {
		return nil, errorf(http.StatusNotFound, IssueTypeNotFound,
			"Version '%s' of resource '%s' not found.", in.VersionID, in.Ref())
	}
	sr, err := x.store.VRead(ctx, in.ResourceType, in.ID, version)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, errorf(http.StatusNotFound, IssueTypeNotFound,
				"Version '%s' of resource '%s' not found.", in.VersionID, in.Ref())
		}
		return nil, toOperationError(err, in.Ref())
	}
	res := stored(sr, http.StatusOK, false)
	res.Location = ""
	return res, nil
}

func (x *Executor) update(ctx context.Context, in Interaction, handling HandlingPreference) (*EntryResult, *OperationError) {
	ref := in.Ref()
	current, err := x.store.Read(ctx, in.ResourceType, in.ID)
	gone := errors.Is(err, ErrGone)
	if err != nil && !gone && !errors.Is(err, ErrNotFound) {
		return nil, toOperationError(err, ref)
	}
	exists := err == nil

	if opErr := CheckIfNoneMatch(in.IfNoneMatch, ref, exists || gone); opErr != nil {
		return nil, opErr
	}
	createOnly := in.IfNoneMatch != ""

	if !exists {
		if in.IfMatch != "" {
			version, opErr := ParseIfMatch(in.IfMatch)
			if opErr != nil {
				return nil, opErr
			}
			return nil, errorf(http.StatusPreconditionFailed, IssueTypeConflict,
				"If-Match version '%s' does not match current latest version of resource: resource '%s' does not exist", version, ref)
		}
		if !gone && !createOnly && !x.cfg.UpdateCreateEnabled {
			return nil, errorf(http.StatusMethodNotAllowed, IssueTypeNotSupported,
				"Resource '%s' does not exist and update-as-create is disabled.", ref)
		}
		if !gone {
			return x.create(ctx, in.ResourceType, in.Resource, in.ID, handling)
		}
	} else if opErr := CheckIfMatch(in.IfMatch, current.VersionID); opErr != nil {
		return nil, opErr
	}

	in.Resource["id"] = in.ID
	notes, opErr := x.validate(ctx, in.Resource, handling)
	if opErr != nil {
		return nil, opErr
	}

	if exists && contentEqual(in.Resource, current.Resource) {
		res := stored(current, http.StatusOK, false)
		res.Issues = notes
		return res, nil
	}

	expected := 0
	status := http.StatusCreated
	if exists {
		expected, status = current.VersionID, http.StatusOK
	}
	sr, err := x.store.Update(ctx, in.ResourceType, in.ID, in.Resource, expected)
	if err != nil {
		return nil, toOperationError(err, ref)
	}
	res := stored(sr, status, true)
	res.Issues = notes
	return res, nil
}

func (x *Executor) conditionalUpdate(ctx context.Context, in Interaction, handling HandlingPreference) (*EntryResult, *OperationError) {
	res, opErr := x.conditionalSearch(ctx, in.ResourceType, in.Query, 2)
	if opErr != nil {
		return nil, opErr
	}

	bodyID := ResourceIDOf(in.Resource)
	switch {
	case res.Total == 0:
		if !x.cfg.UpdateCreateEnabled {
			return nil, errorf(http.StatusMethodNotAllowed, IssueTypeNotSupported,
				"No resource matches '%s' and update-as-create is disabled.", in.URL)
		}
		id := bodyID
		if id == "" {
			id = newID()
		}
		return x.create(ctx, in.ResourceType, in.Resource, id, handling)
	case res.Total == 1:
		match := res.Matches[0]
		if bodyID != "" && bodyID != match.ID {
			return nil, errorf(http.StatusConflict, IssueTypeConflict,
				"Resource id '%s' does not match the resource found by the conditional update, '%s', which already exists",
				bodyID, FormatReference(match.ResourceType, match.ID))
		}
		in.ID = match.ID
		return x.update(ctx, in, handling)
	}
	return nil, NewOperationError(http.StatusPreconditionFailed, IssueTypeMultipleMatches,
		"The search criteria specified for a conditional update operation returned multiple matches.")
}

// delete is idempotent: a resource that is already deleted or never existed
// answers success with a note instead of an error.
func (x *Executor) delete(ctx context.Context, in Interaction) (*EntryResult, *OperationError) {
	sr, err := x.store.Delete(ctx, in.ResourceType, in.ID)
	if errors.Is(err, ErrGone) {
		return &EntryResult{
			Status:       http.StatusNoContent,
			ResourceType: in.ResourceType,
			ID:           in.ID,
			Issues: []OperationOutcomeIssue{{
				Severity:    IssueSeverityInformation,
				Code:        IssueTypeInformational,
				Diagnostics: fmt.Sprintf("Resource '%s' was already deleted.", in.Ref()),
			}},
		}, nil
	}
	if errors.Is(err, ErrNotFound) {
		return &EntryResult{
			Status:       http.StatusNoContent,
			ResourceType: in.ResourceType,
			ID:           in.ID,
			Issues: []OperationOutcomeIssue{{
				Severity:    IssueSeverityWarning,
				Code:        IssueTypeNotFound,
				Diagnostics: fmt.Sprintf("Cannot find %s with id '%s'.", in.ResourceType, in.ID),
			}},
		}, nil
	}
	if err != nil {
		return nil, toOperationError(err, in.Ref())
	}
	res := stored(sr, http.StatusNoContent, true)
	res.Location = ""
	res.Resource = nil
	res.Issues = []OperationOutcomeIssue{{
		Severity:    IssueSeverityInformation,
		Code:        IssueTypeInformational,
		Diagnostics: fmt.Sprintf("Deleted resource '%s'.", in.Ref()),
	}}
	return res, nil
}

func (x *Executor) conditionalDelete(ctx context.Context, in Interaction) (*EntryResult, *OperationError) {
	limit := x.cfg.ConditionalDeleteMaxMatches
	res, opErr := x.conditionalSearch(ctx, in.ResourceType, in.Query, limit+1)
	if opErr != nil {
		return nil, opErr
	}
	if res.Total > limit {
		return nil, errorf(http.StatusPreconditionFailed, IssueTypeTooCostly,
			"The search criteria specified for a conditional delete operation returned too many matches ( > %d ).", limit)
	}

	deleted := 0
	for _, m := range res.Matches {
		ref := FormatReference(m.ResourceType, m.ID)
		if _, err := x.store.Delete(ctx, m.ResourceType, m.ID); err != nil {
			if errors.Is(err, ErrGone) {
				continue
			}
			return nil, toOperationError(err, ref)
		}
		deleted++
	}

	return &EntryResult{
		Status:       http.StatusNoContent,
		ResourceType: in.ResourceType,
		Changed:      deleted > 0,
		Issues: []OperationOutcomeIssue{{
			Severity:    IssueSeverityInformation,
			Code:        IssueTypeInformational,
			Diagnostics: fmt.Sprintf("Deleted %d resource(s) matching '%s'.", deleted, in.URL),
		}},
	}, nil
}

// pageParams pulls _count and _offset out of a query. The remaining
// parameters are returned for the store; _format, _pretty and _total have
// no effect on results and are dropped.
func pageParams(query url.Values, defaultCount int) (url.Values, int, int, *OperationError) {
	params := url.Values{}
	count, offset := defaultCount, 0
	for name, values := range query {
		switch name {
		case "_count", "_offset":
			n, err := strconv.Atoi(values[len(values)-1])
			if err != nil || n < 0 {
				return nil, 0, 0, errorf(http.StatusBadRequest, IssueTypeInvalid,
					"Invalid value for %s: %s", name, values[len(values)-1])
			}
			if name == "_count" {
				count = n
			} else {
				offset = n
			}
		case "_format", "_pretty", "_total":
		default:
			params[name] = values
		}
	}
	if count > maxSearchCount {
		count = maxSearchCount
	}
	return params, count, offset, nil
}

func (x *Executor) search(ctx context.Context, in Interaction) (*EntryResult, *OperationError) {
	params, count, offset, opErr := pageParams(in.Query, x.cfg.SearchPageSize)
	if opErr != nil {
		return nil, opErr
	}

	res, err := x.searcher.Search(ctx, SearchQuery{
		ResourceType: in.ResourceType,
		Params:       params,
		Compartment:  in.Compartment,
		Count:        count,
		Offset:       offset,
	})
	if err != nil {
		return nil, toOperationError(err, in.ResourceType)
	}

	path := in.ResourceType
	if in.Compartment != "" {
		path = in.Compartment + "/" + in.ResourceType
	}
	self := url.Values{}
	for k, v := range params {
		self[k] = v
	}
	self.Set("_count", strconv.Itoa(count))
	if offset > 0 {
		self.Set("_offset", strconv.Itoa(offset))
	}

	bundle := NewSearchBundle(res.Matches, res.Total, x.cfg.BaseURL, path, self, x.now())
	body, err := bundleAsResource(bundle)
	if err != nil {
		return nil, toOperationError(err, in.ResourceType)
	}
	return &EntryResult{Status: http.StatusOK, ResourceType: in.ResourceType, Resource: body}, nil
}

func (x *Executor) history(ctx context.Context, in Interaction) (*EntryResult, *OperationError) {
	_, count, _, opErr := pageParams(in.Query, x.cfg.HistoryMaxEntries)
	if opErr != nil {
		return nil, opErr
	}
	if count <= 0 || count > x.cfg.HistoryMaxEntries {
		count = x.cfg.HistoryMaxEntries
	}

	versions, total, err := x.store.History(ctx, in.ResourceType, in.ID, count)
	if err != nil {
		return nil, toOperationError(err, in.Ref())
	}

	body, err := bundleAsResource(NewHistoryBundle(versions, total, x.cfg.BaseURL, x.now()))
	if err != nil {
		return nil, toOperationError(err, in.Ref())
	}
	return &EntryResult{Status: http.StatusOK, ResourceType: in.ResourceType, ID: in.ID, Resource: body}, nil
}

func (x *Executor) patch(ctx context.Context, in Interaction, handling HandlingPreference) (*EntryResult, *OperationError) {
	ref := in.Ref()
	current, err := x.store.Read(ctx, in.ResourceType, in.ID)
	if err != nil {
		return nil, toOperationError(err, ref)
	}
	if opErr := CheckIfMatch(in.IfMatch, current.VersionID); opErr != nil {
		return nil, opErr
	}

	patched, err := applyFHIRPathPatch(current.Resource, in.Patch)
	if err != nil {
		return nil, errorf(http.StatusBadRequest, IssueTypeProcessing, "Unable to apply patch to '%s': %v", ref, err)
	}
	if ResourceTypeOf(patched) != in.ResourceType || ResourceIDOf(patched) != in.ID {
		return nil, errorf(http.StatusBadRequest, IssueTypeInvalid,
			"A patch may not change the resourceType or id of '%s'", ref)
	}

	notes, opErr := x.validate(ctx, patched, handling)
	if opErr != nil {
		return nil, opErr
	}
	if contentEqual(patched, current.Resource) {
		res := stored(current, http.StatusOK, false)
		res.Issues = notes
		return res, nil
	}

	sr, err := x.store.Update(ctx, in.ResourceType, in.ID, patched, current.VersionID)
	if err != nil {
		return nil, toOperationError(err, ref)
	}
	res := stored(sr, http.StatusOK, true)
	res.Issues = notes
	return res, nil
}

func (x *Executor) operation(ctx context.Context, in Interaction, handling HandlingPreference) (*EntryResult, *OperationError) {
	if x.ops == nil {
		return nil, errorf(http.StatusBadRequest, IssueTypeNotSupported, "Operation '$%s' is not supported", in.Operation)
	}
	if in.Scope == ScopeInstance && in.IfMatch != "" {
		current, err := x.store.Read(ctx, in.ResourceType, in.ID)
		if err != nil {
			return nil, toOperationError(err, in.Ref())
		}
		if opErr := CheckIfMatch(in.IfMatch, current.VersionID); opErr != nil {
			return nil, opErr
		}
	}

	out, opErr := x.ops.invoke(ctx, OperationInvocation{
		Name:         in.Operation,
		Scope:        in.Scope,
		Method:       in.Method,
		ResourceType: in.ResourceType,
		ID:           in.ID,
		Params:       in.Query,
		Input:        in.Resource,
		Handling:     handling,
	})
	if opErr != nil {
		return nil, opErr
	}
	return &EntryResult{
		Status:       out.Status,
		ResourceType: in.ResourceType,
		ID:           in.ID,
		Resource:     out.Resource,
	}, nil
}
