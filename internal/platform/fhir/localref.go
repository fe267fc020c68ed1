package fhir

import (
	"net/http"
	"net/url"
	"strings"
)

// LocalRefs maps the fullUrl of processed entries to the "Type/id" of the
// resource they produced. It only grows during a bundle, and only the
// processing loop touches it.
type LocalRefs struct {
	baseURL  string
	declared map[string]bool
	targets  map[string]string
	order    []string
}

// NewLocalRefs creates an empty registry for one bundle.
func NewLocalRefs(baseURL string) *LocalRefs {
	return &LocalRefs{
		baseURL:  strings.TrimSuffix(baseURL, "/"),
		declared: make(map[string]bool),
		targets:  make(map[string]string),
	}
}

// Declare records that an entry claims fullURL. A second claim of the same
// value is a duplicate local identifier.
func (r *LocalRefs) Declare(fullURL string) *OperationError {
	if fullURL == "" {
		return nil
	}
	if r.declared[fullURL] {
		return errorf(http.StatusBadRequest, IssueTypeDuplicate,
			"Duplicate local identifier encountered in bundled request entry: %s", fullURL)
	}
	r.declared[fullURL] = true
	return nil
}

// Register maps fullURL to target ("Type/id"). Absolute URLs under the base
// URL are also registered in their relative form, and relative ones in their
// absolute form, so either spelling resolves.
func (r *LocalRefs) Register(fullURL, target string) {
	if fullURL == "" || target == "" {
		return
	}
	r.put(fullURL, target)

	if r.baseURL == "" || strings.HasPrefix(fullURL, "urn:") {
		return
	}
	if rel, ok := strings.CutPrefix(fullURL, r.baseURL+"/"); ok {
		r.put(rel, target)
	} else if !strings.Contains(fullURL, "://") {
		r.put(r.baseURL+"/"+fullURL, target)
	}
}

func (r *LocalRefs) put(key, target string) {
	if _, exists := r.targets[key]; exists {
		return
	}
	r.targets[key] = target
	r.order = append(r.order, key)
}

// Lookup returns the target registered for ref.
func (r *LocalRefs) Lookup(ref string) (string, bool) {
	target, ok := r.targets[ref]
	return target, ok
}

// Len is the number of registered identifiers.
func (r *LocalRefs) Len() int {
	return len(r.order)
}

// Rewrite replaces every Reference.reference in resource that names a
// registered identifier with its target, including references nested in
// extensions, contained resources and arrays. It returns the number of
// references rewritten.
func (r *LocalRefs) Rewrite(resource map[string]interface{}) int {
	if len(r.targets) == 0 || resource == nil {
		return 0
	}
	return r.rewriteNode(resource)
}

func (r *LocalRefs) rewriteNode(node interface{}) int {
	n := 0
	switch v := node.(type) {
	case map[string]interface{}:
		for key, val := range v {
			if key == "reference" {
				if ref, ok := val.(string); ok {
					if target, found := r.targets[ref]; found {
						v[key] = target
						n++
					}
					continue
				}
			}
			n += r.rewriteNode(val)
		}
	case []interface{}:
		for _, item := range v {
			n += r.rewriteNode(item)
		}
	}
	return n
}

// RewriteURL substitutes registered identifiers appearing in a request URL,
// either as a whole path segment or as a query parameter value.
func (r *LocalRefs) RewriteURL(raw string) string {
	if len(r.targets) == 0 {
		return raw
	}
	path, query, hasQuery := strings.Cut(raw, "?")

	if target, ok := r.targets[path]; ok {
		path = target
	}
	if !hasQuery {
		return path
	}

	params := strings.Split(query, "&")
	for i, kv := range params {
		key, val, found := strings.Cut(kv, "=")
		if !found {
			continue
		}
		if decoded, err := url.QueryUnescape(val); err == nil {
			val = decoded
		}
		if target, ok := r.targets[val]; ok {
			params[i] = key + "=" + url.QueryEscape(target)
		}
	}
	return path + "?" + strings.Join(params, "&")
}
