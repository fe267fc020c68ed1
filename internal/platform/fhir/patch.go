package fhir

import (
	"bytes"
	"fmt"
	"net/http"
	"strconv"
	"strings"
)

// PatchOperation is a single JSON Patch (RFC 6902) operation. FHIRPath
// patches are translated onto these before they are applied.
type PatchOperation struct {
	Op    string      `json:"op"`
	Path  string      `json:"path"`
	Value interface{} `json:"value,omitempty"`
	From  string      `json:"from,omitempty"`
}

// ApplyJSONPatch applies ops to a copy of resource. The input is left untouched.
func ApplyJSONPatch(resource map[string]interface{}, ops []PatchOperation) (map[string]interface{}, error) {
	var doc interface{} = deepCopyMap(resource)

	for i, op := range ops {
		var err error
		switch op.Op {
		case "add":
			doc, err = patchAdd(doc, op.Path, deepCopyValue(op.Value))
		case "remove":
			doc, err = patchRemove(doc, op.Path)
		case "replace":
			doc, err = patchReplace(doc, op.Path, deepCopyValue(op.Value))
		case "move":
			doc, err = patchMove(doc, op.From, op.Path)
		case "copy":
			doc, err = patchCopy(doc, op.From, op.Path)
		case "test":
			err = patchTest(doc, op.Path, op.Value)
		default:
			err = fmt.Errorf("unknown patch operation: %s", op.Op)
		}
		if err != nil {
			return nil, fmt.Errorf("patch operation %d (%s) failed: %w", i, op.Op, err)
		}
	}

	out, ok := doc.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("patch produced a non-object document")
	}
	return out, nil
}

// --- JSON Pointer plumbing ---

func splitPointer(path string) ([]string, error) {
	if path == "" || path == "/" {
		return nil, fmt.Errorf("cannot patch the document root")
	}
	if !strings.HasPrefix(path, "/") {
		return nil, fmt.Errorf("invalid JSON pointer: %s", path)
	}
	tokens := strings.Split(path[1:], "/")
	for i, t := range tokens {
		tokens[i] = strings.ReplaceAll(strings.ReplaceAll(t, "~1", "/"), "~0", "~")
	}
	return tokens, nil
}

func arrayIndex(token string, length int, allowEnd bool) (int, error) {
	if allowEnd && token == "-" {
		return length, nil
	}
	idx, err := strconv.Atoi(token)
	if err != nil {
		return 0, fmt.Errorf("invalid array index: %s", token)
	}
	upper := length - 1
	if allowEnd {
		upper = length
	}
	if idx < 0 || idx > upper {
		return 0, fmt.Errorf("array index out of bounds: %d", idx)
	}
	return idx, nil
}

// mutate walks to the container holding the last token and hands it to fn,
// which returns the replacement container. Slices grow and shrink, so every
// level stores the value returned from below.
func mutate(node interface{}, tokens []string, fn func(parent interface{}, key string) (interface{}, error)) (interface{}, error) {
	if len(tokens) == 1 {
		return fn(node, tokens[0])
	}

	switch n := node.(type) {
	case map[string]interface{}:
		child, ok := n[tokens[0]]
		if !ok {
			return nil, fmt.Errorf("path not found at segment: %s", tokens[0])
		}
		updated, err := mutate(child, tokens[1:], fn)
		if err != nil {
			return nil, err
		}
		n[tokens[0]] = updated
		return n, nil
	case []interface{}:
		idx, err := arrayIndex(tokens[0], len(n), false)
		if err != nil {
			return nil, err
		}
		updated, err := mutate(n[idx], tokens[1:], fn)
		if err != nil {
			return nil, err
		}
		n[idx] = updated
		return n, nil
	}
	return nil, fmt.Errorf("cannot traverse into non-container at: %s", tokens[0])
}

func lookup(doc interface{}, path string) (interface{}, error) {
	tokens, err := splitPointer(path)
	if err != nil {
		return nil, err
	}
	cur := doc
	for _, t := range tokens {
		switch n := cur.(type) {
		case map[string]interface{}:
			v, ok := n[t]
			if !ok {
				return nil, fmt.Errorf("path not found: %s", path)
			}
			cur = v
		case []interface{}:
			idx, err := arrayIndex(t, len(n), false)
			if err != nil {
				return nil, err
			}
			cur = n[idx]
		default:
			return nil, fmt.Errorf("path not found: %s", path)
		}
	}
	return cur, nil
}

// --- Operations ---

func patchAdd(doc interface{}, path string, value interface{}) (interface{}, error) {
	tokens, err := splitPointer(path)
	if err != nil {
		return nil, err
	}
	return mutate(doc, tokens, func(parent interface{}, key string) (interface{}, error) {
		switch p := parent.(type) {
		case map[string]interface{}:
			p[key] = value
			return p, nil
		case []interface{}:
			idx, err := arrayIndex(key, len(p), true)
			if err != nil {
				return nil, err
			}
			out := make([]interface{}, 0, len(p)+1)
			out = append(out, p[:idx]...)
			out = append(out, value)
			return append(out, p[idx:]...), nil
		}
		return nil, fmt.Errorf("cannot add to non-container at: %s", path)
	})
}

func patchRemove(doc interface{}, path string) (interface{}, error) {
	tokens, err := splitPointer(path)
	if err != nil {
		return nil, err
	}
	return mutate(doc, tokens, func(parent interface{}, key string) (interface{}, error) {
		switch p := parent.(type) {
		case map[string]interface{}:
			if _, ok := p[key]; !ok {
				return nil, fmt.Errorf("path not found: %s", path)
			}
			delete(p, key)
			return p, nil
		case []interface{}:
			idx, err := arrayIndex(key, len(p), false)
			if err != nil {
				return nil, err
			}
			out := make([]interface{}, 0, len(p)-1)
			out = append(out, p[:idx]...)
			return append(out, p[idx+1:]...), nil
		}
		return nil, fmt.Errorf("path not found: %s", path)
	})
}

func patchReplace(doc interface{}, path string, value interface{}) (interface{}, error) {
	tokens, err := splitPointer(path)
	if err != nil {
		return nil, err
	}
	return mutate(doc, tokens, func(parent interface{}, key string) (interface{}, error) {
		switch p := parent.(type) {
		case map[string]interface{}:
			if _, ok := p[key]; !ok {
				return nil, fmt.Errorf("path not found: %s", path)
			}
			p[key] = value
			return p, nil
		case []interface{}:
			idx, err := arrayIndex(key, len(p), false)
			if err != nil {
				return nil, err
			}
			p[idx] = value
			return p, nil
		}
		return nil, fmt.Errorf("path not found: %s", path)
	})
}

func patchMove(doc interface{}, from, path string) (interface{}, error) {
	value, err := lookup(doc, from)
	if err != nil {
		return nil, fmt.Errorf("move from: %w", err)
	}
	if doc, err = patchRemove(doc, from); err != nil {
		return nil, fmt.Errorf("move remove: %w", err)
	}
	if doc, err = patchAdd(doc, path, value); err != nil {
		return nil, fmt.Errorf("move add: %w", err)
	}
	return doc, nil
}

func patchCopy(doc interface{}, from, path string) (interface{}, error) {
	value, err := lookup(doc, from)
	if err != nil {
		return nil, fmt.Errorf("copy from: %w", err)
	}
	return patchAdd(doc, path, deepCopyValue(value))
}

func patchTest(doc interface{}, path string, expected interface{}) error {
	actual, err := lookup(doc, path)
	if err != nil {
		return fmt.Errorf("test path not found: %w", err)
	}

	actualJSON, _ := canonicalJSON(actual)
	expectedJSON, _ := canonicalJSON(expected)
	if !bytes.Equal(actualJSON, expectedJSON) {
		return fmt.Errorf("test failed: expected %s but got %s at %s", expectedJSON, actualJSON, path)
	}
	return nil
}

// ---------------------------------------------------------------------------
// FHIRPath Patch
// ---------------------------------------------------------------------------

// ParseFHIRPathPatch translates a FHIRPath Patch Parameters resource into
// JSON Patch operations against a resource of type resourceType. Paths are
// limited to dotted element names with optional [n] indexes, which covers
// what bundled PATCH entries send in practice.
func ParseFHIRPathPatch(resourceType string, params map[string]interface{}) ([]PatchOperation, *OperationError) {
	if ResourceTypeOf(params) != "Parameters" {
		return nil, NewOperationError(http.StatusBadRequest, IssueTypeInvalid,
			"Request resource type for PATCH request must be type 'Parameters'")
	}

	rawParams, _ := params["parameter"].([]interface{})
	if len(rawParams) == 0 {
		return nil, NewOperationError(http.StatusBadRequest, IssueTypeRequired,
			"FHIRPath patch Parameters must contain at least one 'operation' parameter")
	}

	var ops []PatchOperation
	for i, raw := range rawParams {
		p, _ := raw.(map[string]interface{})
		if name, _ := p["name"].(string); name != "operation" {
			return nil, errorf(http.StatusBadRequest, IssueTypeInvalid,
				"Parameters.parameter[%d] must be named 'operation'", i)
		}
		op, err := fhirPathOperation(resourceType, p)
		if err != nil {
			return nil, errorf(http.StatusBadRequest, IssueTypeInvalid,
				"Invalid FHIRPath patch operation at Parameters.parameter[%d]: %v", i, err)
		}
		ops = append(ops, op)
	}
	return ops, nil
}

type patchParts struct {
	typ, path, name, source, destination, index string
	value                                      interface{}
	hasValue                                   bool
}

func readPatchParts(p map[string]interface{}) patchParts {
	var out patchParts
	parts, _ := p["part"].([]interface{})
	for _, raw := range parts {
		part, _ := raw.(map[string]interface{})
		name, _ := part["name"].(string)
		if name == "value" {
			for k, v := range part {
				if strings.HasPrefix(k, "value") {
					out.value, out.hasValue = v, true
				}
			}
			continue
		}
		var s string
		for k, v := range part {
			if !strings.HasPrefix(k, "value") {
				continue
			}
			switch t := v.(type) {
			case string:
				s = t
			default:
				s = fmt.Sprint(t)
			}
		}
		switch name {
		case "type":
			out.typ = s
		case "path":
			out.path = s
		case "name":
			out.name = s
		case "index":
			out.index = s
		case "source":
			out.source = s
		case "destination":
			out.destination = s
		}
	}
	return out
}

func fhirPathOperation(resourceType string, p map[string]interface{}) (PatchOperation, error) {
	parts := readPatchParts(p)
	if parts.path == "" {
		return PatchOperation{}, fmt.Errorf("missing 'path' part")
	}
	pointer, err := fhirPathToPointer(resourceType, parts.path)
	if err != nil {
		return PatchOperation{}, err
	}

	switch parts.typ {
	case "add":
		if parts.name == "" || !parts.hasValue {
			return PatchOperation{}, fmt.Errorf("add requires 'name' and 'value' parts")
		}
		return PatchOperation{Op: "add", Path: pointer + "/" + parts.name, Value: parts.value}, nil
	case "insert":
		if parts.index == "" || !parts.hasValue {
			return PatchOperation{}, fmt.Errorf("insert requires 'index' and 'value' parts")
		}
		return PatchOperation{Op: "add", Path: pointer + "/" + parts.index, Value: parts.value}, nil
	case "delete":
		if pointer == "" {
			return PatchOperation{}, fmt.Errorf("delete cannot target the resource itself")
		}
		return PatchOperation{Op: "remove", Path: pointer}, nil
	case "replace":
		if pointer == "" {
			return PatchOperation{}, fmt.Errorf("replace cannot target the resource itself")
		}
		if !parts.hasValue {
			return PatchOperation{}, fmt.Errorf("replace requires a 'value' part")
		}
		return PatchOperation{Op: "replace", Path: pointer, Value: parts.value}, nil
	case "move":
		if parts.source == "" || parts.destination == "" {
			return PatchOperation{}, fmt.Errorf("move requires 'source' and 'destination' parts")
		}
		return PatchOperation{Op: "move", From: pointer + "/" + parts.source, Path: pointer + "/" + parts.destination}, nil
	case "":
		return PatchOperation{}, fmt.Errorf("missing 'type' part")
	}
	return PatchOperation{}, fmt.Errorf("unsupported operation type '%s'", parts.typ)
}

// fhirPathToPointer turns "Patient.name[0].given" into "/name/0/given".
func fhirPathToPointer(resourceType, path string) (string, error) {
	segments := strings.Split(path, ".")
	if len(segments) == 0 || segments[0] != resourceType {
		return "", fmt.Errorf("path '%s' must start with '%s'", path, resourceType)
	}

	var b strings.Builder
	for _, seg := range segments[1:] {
		name, idx := seg, ""
		if open := strings.Index(seg, "["); open >= 0 {
			if !strings.HasSuffix(seg, "]") {
				return "", fmt.Errorf("malformed index in path segment '%s'", seg)
			}
			name, idx = seg[:open], seg[open+1:len(seg)-1]
			if _, err := strconv.Atoi(idx); err != nil {
				return "", fmt.Errorf("malformed index in path segment '%s'", seg)
			}
		}
		if name == "" || strings.ContainsAny(name, "()=' ") {
			return "", fmt.Errorf("unsupported path segment '%s'", seg)
		}
		b.WriteString("/" + name)
		if idx != "" {
			b.WriteString("/" + idx)
		}
	}
	return b.String(), nil
}

// applyFHIRPathPatch applies translated FHIRPath operations. An add whose
// target already holds a list appends to it, and deleting an element that is
// absent is a no-op, as FHIRPath Patch defines.
func applyFHIRPathPatch(resource map[string]interface{}, ops []PatchOperation) (map[string]interface{}, error) {
	doc := resource
	for i, op := range ops {
		if op.Op == "add" && !insertsIntoList(op.Path) {
			if existing, err := lookup(doc, op.Path); err == nil {
				if _, isList := existing.([]interface{}); isList {
					op.Path += "/-"
				} else {
					return nil, fmt.Errorf("operation %d: element at %s already exists", i, op.Path)
				}
			}
		}
		if op.Op == "remove" {
			if _, err := lookup(doc, op.Path); err != nil {
				continue
			}
		}
		next, err := ApplyJSONPatch(doc, []PatchOperation{op})
		if err != nil {
			return nil, fmt.Errorf("operation %d: %w", i, err)
		}
		doc = next
	}
	if len(ops) == 0 {
		doc = deepCopyMap(resource)
	}
	return doc, nil
}

// insertsIntoList reports whether an add targets a list position, as a
// translated insert does.
func insertsIntoList(pointer string) bool {
	last := pointer[strings.LastIndex(pointer, "/")+1:]
	if last == "-" {
		return true
	}
	_, err := strconv.Atoi(last)
	return err == nil
}
