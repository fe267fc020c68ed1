package fhir

import (
	"net/url"
)

// InteractionKind discriminates Interaction.
type InteractionKind int

const (
	KindCreate InteractionKind = iota + 1
	KindConditionalCreate
	KindRead
	KindVRead
	KindUpdate
	KindConditionalUpdate
	KindDelete
	KindConditionalDelete
	KindHistory
	KindSearch
	KindPatch
	KindOperation
)

var kindNames = map[InteractionKind]string{
	KindCreate:            "create",
	KindConditionalCreate: "conditional-create",
	KindRead:              "read",
	KindVRead:             "vread",
	KindUpdate:            "update",
	KindConditionalUpdate: "conditional-update",
	KindDelete:            "delete",
	KindConditionalDelete: "conditional-delete",
	KindHistory:           "history",
	KindSearch:            "search",
	KindPatch:             "patch",
	KindOperation:         "operation",
}

func (k InteractionKind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

// Writes reports whether the kind may change stored state.
func (k InteractionKind) Writes() bool {
	switch k {
	case KindCreate, KindConditionalCreate, KindUpdate, KindConditionalUpdate,
		KindDelete, KindConditionalDelete, KindPatch:
		return true
	}
	return false
}

// Reads reports whether the kind came from a GET and always answers with a
// body regardless of the return preference.
func (k InteractionKind) Reads() bool {
	switch k {
	case KindRead, KindVRead, KindHistory, KindSearch:
		return true
	}
	return false
}

// OperationScope is the level a $operation was invoked at.
type OperationScope int

const (
	ScopeSystem OperationScope = iota + 1
	ScopeType
	ScopeInstance
)

func (s OperationScope) String() string {
	switch s {
	case ScopeSystem:
		return "system"
	case ScopeType:
		return "type"
	case ScopeInstance:
		return "instance"
	}
	return "unknown"
}

// Interaction is one bundle entry translated into the call it stands for.
// Which fields are meaningful depends on Kind:
//
//	Create             ResourceType, Resource
//	ConditionalCreate  ResourceType, Resource, IfNoneExist
//	Read               ResourceType, ID
//	VRead              ResourceType, ID, VersionID
//	Update             ResourceType, ID, Resource, IfMatch, IfNoneMatch
//	ConditionalUpdate  ResourceType, Query, Resource, IfMatch
//	Delete             ResourceType, ID
//	ConditionalDelete  ResourceType, Query
//	History            ResourceType, ID, Query
//	Search             ResourceType (empty for system), Compartment, Query
//	Patch              ResourceType, ID, Patch, IfMatch
//	Operation          Operation, Scope, ResourceType, ID, Query, Resource, IfMatch
type Interaction struct {
	Kind         InteractionKind
	Method       string
	URL          string
	ResourceType string
	ID           string
	VersionID    string
	Query        url.Values
	Resource     map[string]interface{}
	Patch        []PatchOperation
	Operation    string
	Scope        OperationScope
	Compartment  string
	IfMatch      string
	IfNoneMatch  string
	IfNoneExist  string
}

// Ref returns "Type/id" for instance-level interactions.
func (in Interaction) Ref() string {
	if in.ID == "" {
		return in.ResourceType
	}
	return FormatReference(in.ResourceType, in.ID)
}
