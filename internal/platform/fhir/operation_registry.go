package fhir

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"sync"
)

// ---------------------------------------------------------------------------
// Operation types
// ---------------------------------------------------------------------------

// OperationInvocation is a $operation call as the executor hands it to a handler.
type OperationInvocation struct {
	Name         string
	Scope        OperationScope
	Method       string
	ResourceType string
	ID           string
	Params       url.Values
	// Input is the Parameters (or other resource) posted to the operation.
	Input    map[string]interface{}
	Handling HandlingPreference
}

// OperationResult is the body and status an operation answers with.
type OperationResult struct {
	Status   int
	Resource map[string]interface{}
}

// OperationFunc implements an operation. Failures may be returned as
// *OperationError to control the status and issues.
type OperationFunc func(ctx context.Context, inv OperationInvocation) (*OperationResult, error)

// OperationDefinition describes a registered operation.
type OperationDefinition struct {
	Name   string
	Scopes []OperationScope
	// ResourceTypes limits type and instance invocations; empty allows all.
	ResourceTypes []string
	// AffectsState operations may not be invoked with GET.
	AffectsState bool
	Handler      OperationFunc
}

func (d *OperationDefinition) allows(scope OperationScope, resourceType string) bool {
	scopeOK := false
	for _, s := range d.Scopes {
		if s == scope {
			scopeOK = true
			break
		}
	}
	if !scopeOK {
		return false
	}
	if len(d.ResourceTypes) == 0 || scope == ScopeSystem {
		return true
	}
	return containsString(d.ResourceTypes, resourceType)
}

// ---------------------------------------------------------------------------
// OperationRegistry
// ---------------------------------------------------------------------------

// OperationRegistry is a thread-safe registry of the operations the server
// supports, keyed by name without the leading '$'.
type OperationRegistry struct {
	mu         sync.RWMutex
	operations map[string]*OperationDefinition
}

// NewOperationRegistry creates an empty OperationRegistry.
func NewOperationRegistry() *OperationRegistry {
	return &OperationRegistry{
		operations: make(map[string]*OperationDefinition),
	}
}

// Register adds or replaces an operation.
func (r *OperationRegistry) Register(def *OperationDefinition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.operations[def.Name] = def
}

// Get retrieves an operation by name, returning nil if not found.
func (r *OperationRegistry) Get(name string) *OperationDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.operations[name]
}

// Names returns the registered operation names in alphabetical order.
func (r *OperationRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.operations))
	for name := range r.operations {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// invoke checks that the operation may run as requested and calls it.
func (r *OperationRegistry) invoke(ctx context.Context, inv OperationInvocation) (*OperationResult, *OperationError) {
	def := r.Get(inv.Name)
	if def == nil {
		return nil, errorf(http.StatusBadRequest, IssueTypeNotSupported, "Operation '$%s' is not supported", inv.Name)
	}
	if !def.allows(inv.Scope, inv.ResourceType) {
		target := inv.Scope.String() + " level"
		if inv.ResourceType != "" {
			target = fmt.Sprintf("%s level for resource type '%s'", inv.Scope, inv.ResourceType)
		}
		return nil, errorf(http.StatusBadRequest, IssueTypeNotSupported,
			"Operation '$%s' is not supported at the %s", inv.Name, target)
	}
	if def.AffectsState && inv.Method == http.MethodGet {
		return nil, errorf(http.StatusMethodNotAllowed, IssueTypeNotSupported,
			"Operation '$%s' changes state and cannot be invoked with GET", inv.Name)
	}

	res, err := def.Handler(ctx, inv)
	if err != nil {
		return nil, toOperationError(err, inv.ResourceType)
	}
	if res == nil {
		res = &OperationResult{}
	}
	if res.Status == 0 {
		res.Status = http.StatusOK
	}
	return res, nil
}

// ---------------------------------------------------------------------------
// Built-in operations
// ---------------------------------------------------------------------------

// RegisterBuiltinOperations installs $validate and $meta.
func RegisterBuiltinOperations(r *OperationRegistry, store Persistence, validator Validator) {
	r.Register(&OperationDefinition{
		Name:    "validate",
		Scopes:  []OperationScope{ScopeType, ScopeInstance},
		Handler: validateOperation(store, validator),
	})
	r.Register(&OperationDefinition{
		Name:    "meta",
		Scopes:  []OperationScope{ScopeInstance},
		Handler: metaOperation(store),
	})
}

// validateOperation validates the posted resource (bare, or as the
// "resource" parameter of a Parameters), or the stored one when invoked on
// an instance without input.
func validateOperation(store Persistence, validator Validator) OperationFunc {
	return func(ctx context.Context, inv OperationInvocation) (*OperationResult, error) {
		target := inv.Input
		if ResourceTypeOf(target) == "Parameters" {
			target = parameterResource(target, "resource")
		}
		if target == nil && inv.Scope == ScopeInstance {
			current, err := store.Read(ctx, inv.ResourceType, inv.ID)
			if err != nil {
				return nil, err
			}
			target = current.Resource
		}
		if target == nil {
			return nil, NewOperationError(http.StatusBadRequest, IssueTypeRequired,
				"No resource supplied for $validate")
		}
		if rt := ResourceTypeOf(target); rt != inv.ResourceType {
			return nil, errorf(http.StatusBadRequest, IssueTypeInvalid,
				"Resource type '%s' does not match type specified in request URI: %s", rt, inv.ResourceType)
		}

		issues := validator.Validate(ctx, target)
		if inv.Handling == HandlingStrict {
			issues = escalateWarnings(issues)
		}
		outcome := NewOutcomeBuilder().AddIssues(issues...).Build()
		return &OperationResult{Resource: outcome.Map()}, nil
	}
}

func metaOperation(store Persistence) OperationFunc {
	return func(ctx context.Context, inv OperationInvocation) (*OperationResult, error) {
		current, err := store.Read(ctx, inv.ResourceType, inv.ID)
		if err != nil {
			return nil, err
		}
		meta, _ := current.Resource["meta"].(map[string]interface{})
		return &OperationResult{Resource: map[string]interface{}{
			"resourceType": "Parameters",
			"parameter": []interface{}{
				map[string]interface{}{"name": "return", "valueMeta": meta},
			},
		}}, nil
	}
}

// parameterResource returns the resource of the named Parameters.parameter.
func parameterResource(params map[string]interface{}, name string) map[string]interface{} {
	list, _ := params["parameter"].([]interface{})
	for _, raw := range list {
		p, _ := raw.(map[string]interface{})
		if n, _ := p["name"].(string); n == name {
			res, _ := p["resource"].(map[string]interface{})
			return res
		}
	}
	return nil
}

// escalateWarnings turns warnings into errors for Prefer: handling=strict.
func escalateWarnings(issues []OperationOutcomeIssue) []OperationOutcomeIssue {
	out := make([]OperationOutcomeIssue, len(issues))
	for i, iss := range issues {
		if iss.Severity == IssueSeverityWarning {
			iss.Severity = IssueSeverityError
		}
		out[i] = iss
	}
	return out
}
