package fhir

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// Translator turns bundle entries into Interactions.
type Translator struct {
	baseURL string
}

// NewTranslator creates a Translator. Absolute request URLs under baseURL are
// accepted and treated as relative.
func NewTranslator(baseURL string) *Translator {
	return &Translator{baseURL: strings.TrimSuffix(baseURL, "/")}
}

type requestPath struct {
	tokens []string
	query  url.Values
	raw    string
}

func (t *Translator) parseRequestURL(raw string) (requestPath, *OperationError) {
	rel := strings.TrimSpace(raw)
	if t.baseURL != "" && strings.HasPrefix(rel, t.baseURL) {
		rel = strings.TrimPrefix(rel, t.baseURL)
	}
	rel = strings.TrimPrefix(rel, "/")

	u, err := url.Parse(rel)
	if err != nil || u.IsAbs() {
		return requestPath{}, errorf(http.StatusBadRequest, IssueTypeInvalid,
			"Invalid request URL in bundled request entry: %s", raw)
	}
	query, err := url.ParseQuery(u.RawQuery)
	if err != nil {
		return requestPath{}, errorf(http.StatusBadRequest, IssueTypeInvalid,
			"Invalid query string in request URL: %s", raw)
	}

	var tokens []string
	for _, tok := range strings.Split(u.Path, "/") {
		if tok != "" {
			tokens = append(tokens, tok)
		}
	}
	return requestPath{tokens: tokens, query: query, raw: u.RawQuery}, nil
}

func unrecognizedPath(raw string) *OperationError {
	return errorf(http.StatusNotFound, IssueTypeNotFound, "Unrecognized path in request URL: %s", raw)
}

func resourceNotAllowed(method, raw string) *OperationError {
	return errorf(http.StatusBadRequest, IssueTypeInvalid,
		"Bundle.Entry.resource not allowed for BundleEntry with %s method and request URL '%s'.", method, raw)
}

// Translate validates one entry and produces the Interaction it requests.
// The entry's resource is copied, never shared.
func (t *Translator) Translate(entry BundleEntry) (Interaction, *OperationError) {
	req := entry.Request
	if req == nil {
		return Interaction{}, NewOperationError(http.StatusBadRequest, IssueTypeRequired,
			"Bundle.Entry is missing the 'request' field.")
	}
	if req.Method == "" {
		return Interaction{}, NewOperationError(http.StatusBadRequest, IssueTypeRequired,
			"Bundle.Entry.request is missing the 'method' field.")
	}
	if req.URL == "" {
		return Interaction{}, NewOperationError(http.StatusBadRequest, IssueTypeRequired,
			"Bundle.Entry.request is missing the 'url' field.")
	}

	method := req.Method
	switch method {
	case http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodPatch:
	default:
		return Interaction{}, errorf(http.StatusBadRequest, IssueTypeInvalid,
			"Bundle.Entry.request contains unsupported HTTP method: %s", req.Method)
	}

	if method == http.MethodDelete && entry.Resource != nil {
		return Interaction{}, NewOperationError(http.StatusBadRequest, IssueTypeInvalid,
			"Bundle.Entry.resource not allowed for BundleEntry with DELETE method.")
	}

	path, opErr := t.parseRequestURL(req.URL)
	if opErr != nil {
		return Interaction{}, opErr
	}
	if len(path.tokens) == 0 {
		return Interaction{}, unrecognizedPath(req.URL)
	}

	in := Interaction{
		Method:      method,
		URL:         req.URL,
		Query:       path.query,
		Resource:    deepCopyMap(entry.Resource),
		IfMatch:     req.IfMatch,
		IfNoneMatch: req.IfNoneMatch,
		IfNoneExist: req.IfNoneExist,
	}

	last := path.tokens[len(path.tokens)-1]
	if strings.HasPrefix(last, "$") {
		if method != http.MethodGet && method != http.MethodPost {
			return Interaction{}, errorf(http.StatusMethodNotAllowed, IssueTypeNotSupported,
				"Operation '%s' cannot be invoked with %s", last, method)
		}
		if method == http.MethodGet && entry.Resource != nil {
			return Interaction{}, resourceNotAllowed(method, req.URL)
		}
		return t.operation(in, path, last)
	}

	if !strings.HasPrefix(path.tokens[0], "_") {
		if opErr := checkResourceType(path.tokens[0]); opErr != nil {
			return Interaction{}, opErr
		}
		in.ResourceType = path.tokens[0]
	}

	switch method {
	case http.MethodGet:
		if entry.Resource != nil {
			return Interaction{}, resourceNotAllowed(method, req.URL)
		}
		opErr = t.get(&in, path)
	case http.MethodPost:
		opErr = t.post(&in, path)
	case http.MethodPut:
		opErr = t.put(&in, path)
	case http.MethodDelete:
		opErr = t.delete(&in, path)
	case http.MethodPatch:
		opErr = t.patch(&in, path)
	}
	if opErr != nil {
		return Interaction{}, opErr
	}
	return in, nil
}

func checkResourceType(name string) *OperationError {
	if !IsResourceType(name) {
		return errorf(http.StatusBadRequest, IssueTypeNotSupported, "'%s' is not a valid resource type.", name)
	}
	return nil
}

func (t *Translator) get(in *Interaction, p requestPath) *OperationError {
	tok := p.tokens
	switch {
	case len(tok) == 1 && tok[0] == "_search":
		in.Kind = KindSearch
	case len(tok) == 1 && in.ResourceType != "":
		in.Kind = KindSearch
	case len(tok) == 2 && tok[1] == "_search" && in.ResourceType != "":
		in.Kind = KindSearch
	case len(tok) == 2 && in.ResourceType != "" && !strings.HasPrefix(tok[1], "_"):
		in.Kind, in.ID = KindRead, tok[1]
	case len(tok) == 3 && tok[2] == "_history" && in.ResourceType != "":
		in.Kind, in.ID = KindHistory, tok[1]
	case len(tok) == 3 && in.ResourceType != "" && !strings.HasPrefix(tok[2], "_"):
		if opErr := checkResourceType(tok[2]); opErr != nil {
			return opErr
		}
		in.Kind = KindSearch
		in.Compartment = FormatReference(in.ResourceType, tok[1])
		in.ResourceType = tok[2]
	case len(tok) == 4 && tok[2] == "_history" && in.ResourceType != "":
		in.Kind, in.ID, in.VersionID = KindVRead, tok[1], tok[3]
	default:
		return unrecognizedPath(in.URL)
	}
	return nil
}

func (t *Translator) post(in *Interaction, p requestPath) *OperationError {
	tok := p.tokens
	switch {
	case len(tok) == 2 && tok[1] == "_search" && in.ResourceType != "":
		if in.Resource != nil {
			return resourceNotAllowed(in.Method, in.URL)
		}
		in.Kind = KindSearch
		return nil
	case len(tok) == 1 && in.ResourceType != "":
		if in.Resource == nil {
			return NewOperationError(http.StatusBadRequest, IssueTypeRequired,
				"Bundle.Entry.resource is required for BundleEntry with POST method.")
		}
		if opErr := checkBodyType(in.Resource, in.ResourceType); opErr != nil {
			return opErr
		}
		in.Kind = KindCreate
		if strings.TrimSpace(in.IfNoneExist) != "" {
			in.Kind = KindConditionalCreate
		}
		return nil
	case in.Resource != nil:
		return resourceNotAllowed(in.Method, in.URL)
	}
	return unrecognizedPath(in.URL)
}

func (t *Translator) put(in *Interaction, p requestPath) *OperationError {
	if in.Resource == nil {
		return NewOperationError(http.StatusBadRequest, IssueTypeRequired,
			"Bundle.Entry.resource is required for BundleEntry with PUT method.")
	}
	if in.ResourceType == "" {
		return unrecognizedPath(in.URL)
	}
	if opErr := checkBodyType(in.Resource, in.ResourceType); opErr != nil {
		return opErr
	}

	switch len(p.tokens) {
	case 1:
		if len(p.query) == 0 {
			return NewOperationError(http.StatusBadRequest, IssueTypeInvalid,
				"A search query string is required for a conditional update operation.")
		}
		in.Kind = KindConditionalUpdate
		return nil
	case 2:
		id := p.tokens[1]
		if bodyID := ResourceIDOf(in.Resource); bodyID != "" && bodyID != id {
			return errorf(http.StatusBadRequest, IssueTypeInvalid,
				"Resource id '%s' does not match id specified in request URI: %s", bodyID, id)
		}
		if !ValidID(id) {
			return errorf(http.StatusBadRequest, IssueTypeInvalid, "Invalid resource id '%s' in request URL", id)
		}
		in.Resource["id"] = id
		in.Kind, in.ID = KindUpdate, id
		return nil
	}
	return errorf(http.StatusBadRequest, IssueTypeInvalid,
		"Request URL for bundled update requests must have the form 'Type/id' or 'Type?query': %s", in.URL)
}

func (t *Translator) delete(in *Interaction, p requestPath) *OperationError {
	if in.ResourceType == "" {
		return unrecognizedPath(in.URL)
	}
	switch len(p.tokens) {
	case 1:
		if len(p.query) == 0 {
			return NewOperationError(http.StatusBadRequest, IssueTypeInvalid,
				"A search query string is required for a conditional delete operation.")
		}
		in.Kind = KindConditionalDelete
		return nil
	case 2:
		in.Kind, in.ID = KindDelete, p.tokens[1]
		return nil
	}
	return errorf(http.StatusBadRequest, IssueTypeInvalid,
		"Request URL for bundled delete requests must have the form 'Type/id' or 'Type?query': %s", in.URL)
}

func (t *Translator) patch(in *Interaction, p requestPath) *OperationError {
	if in.Resource == nil {
		return NewOperationError(http.StatusBadRequest, IssueTypeRequired,
			"Bundle.Entry.resource is required for BundleEntry with PATCH method.")
	}
	if in.ResourceType == "" {
		return unrecognizedPath(in.URL)
	}
	switch len(p.tokens) {
	case 1:
		return NewOperationError(http.StatusBadRequest, IssueTypeNotSupported,
			"Conditional patch is not supported for bundled PATCH requests.")
	case 2:
		ops, opErr := ParseFHIRPathPatch(in.ResourceType, in.Resource)
		if opErr != nil {
			return opErr
		}
		in.Kind, in.ID, in.Patch = KindPatch, p.tokens[1], ops
		in.Resource = nil
		return nil
	}
	return errorf(http.StatusBadRequest, IssueTypeInvalid,
		"Request URL for bundled patch requests must have the form 'Type/id': %s", in.URL)
}

func (t *Translator) operation(in Interaction, p requestPath, name string) (Interaction, *OperationError) {
	in.Kind = KindOperation
	in.Operation = strings.TrimPrefix(name, "$")

	switch len(p.tokens) {
	case 1:
		in.Scope = ScopeSystem
	case 2:
		in.Scope = ScopeType
		in.ResourceType = p.tokens[0]
	case 3:
		in.Scope = ScopeInstance
		in.ResourceType, in.ID = p.tokens[0], p.tokens[1]
	default:
		return Interaction{}, errorf(http.StatusNotFound, IssueTypeNotFound,
			"Invalid URL for custom operation '%s': %s", name, in.URL)
	}
	if in.ResourceType != "" {
		if opErr := checkResourceType(in.ResourceType); opErr != nil {
			return Interaction{}, opErr
		}
	}
	return in, nil
}

// checkBodyType verifies the entry resource is of the type named in the URL.
func checkBodyType(resource map[string]interface{}, urlType string) *OperationError {
	rt := ResourceTypeOf(resource)
	if rt == "" {
		return NewOperationError(http.StatusBadRequest, IssueTypeRequired,
			"Bundle.Entry.resource is missing the 'resourceType' element.")
	}
	if rt != urlType {
		return errorf(http.StatusBadRequest, IssueTypeInvalid,
			"Resource type '%s' does not match type specified in request URI: %s", rt, urlType)
	}
	return nil
}

// describeEntry is a short label for log lines.
func describeEntry(entry BundleEntry) string {
	if entry.Request == nil {
		return "<no request>"
	}
	return fmt.Sprintf("%s %s", entry.Request.Method, entry.Request.URL)
}
