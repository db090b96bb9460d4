package server

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/emweb-io/emweb/pkg/errors"
)

// statusFor maps an engine error onto the response status for a failure
// before or during dispatch.
func statusFor(err error) int {
	switch errors.KindOf(err) {
	case errors.KindMemory:
		return 413
	case errors.KindNotFound:
		return 404
	case errors.KindTimeout:
		return 408
	case errors.KindBadArgs:
		return 400
	default:
		return 500
	}
}

// signatureFor resolves the signature sub-tree for a request: the URL path
// becomes a dot-path (leading slash dropped, slashes to dots) and, when
// the node is keyed by verb, the lowercased method selects the leaf.
func (h *Host) signatureFor(r *Request) (map[string]any, string) {
	signatures := h.Config.Signatures
	if len(signatures) == 0 {
		return nil, ""
	}
	key := strings.ReplaceAll(strings.TrimPrefix(r.Path, "/"), "/", ".")
	node, ok := signatures[key]
	if !ok {
		return nil, ""
	}
	tree, ok := node.(map[string]any)
	if !ok {
		return nil, ""
	}
	if verb, ok := tree[strings.ToLower(r.Method)]; ok {
		if verbTree, ok := verb.(map[string]any); ok {
			return verbTree, key + "." + strings.ToLower(r.Method)
		}
	}
	return tree, key
}

// validateQuery checks the query parameters against the route signature.
// A missing signature passes; failures answer 400 naming the field.
func (h *Host) validateQuery(r *Request) bool {
	signature, id := h.signatureFor(r)
	if signature == nil {
		return true
	}
	r.SignatureID = id

	fields := fieldSpecs(signature, "query")
	if fields == nil {
		return true
	}
	values := parseQuery(r.Query)
	params := make(map[string]any, len(values))
	for k, v := range values {
		params[k] = v
	}
	if field, msg := validateFields(params, fields, h.Config.StrictSignatures); msg != "" {
		r.Error(400, fmt.Sprintf("query parameter %q %s", field, msg))
		return false
	}
	return true
}

// validateBody checks a JSON request body against the route signature.
// Runs after the body has been read; non-JSON bodies pass.
func (h *Host) validateBody(r *Request) bool {
	signature, _ := h.signatureFor(r)
	if signature == nil || !r.JSONBody {
		return true
	}
	fields := fieldSpecs(signature, "request")
	if fields == nil {
		return true
	}

	body, err := r.Body()
	if err != nil {
		r.Error(statusFor(err), err.Error())
		return false
	}
	if len(body) == 0 {
		body = []byte("{}")
	}
	var tree map[string]any
	if err := json.Unmarshal(body, &tree); err != nil {
		r.Error(400, "malformed JSON body")
		return false
	}
	if field, msg := validateFields(tree, fields, h.Config.StrictSignatures); msg != "" {
		r.Error(400, fmt.Sprintf("body field %q %s", field, msg))
		return false
	}
	return true
}

// fieldSpecs extracts the named field map from a signature node.
func fieldSpecs(signature map[string]any, section string) map[string]any {
	node, ok := signature[section]
	if !ok {
		return nil
	}
	tree, ok := node.(map[string]any)
	if !ok {
		return nil
	}
	if fields, ok := tree["fields"].(map[string]any); ok {
		return fields
	}
	return tree
}

// validateFields checks values against field specs. Unknown fields are
// rejected under strict signatures and silently dropped otherwise. The
// first failing field and its message are returned; empty message means
// valid.
func validateFields(values map[string]any, fields map[string]any, strict bool) (string, string) {
	for name := range values {
		if _, ok := fields[name]; !ok {
			if strict {
				return name, "is not permitted"
			}
			delete(values, name)
		}
	}
	for name, raw := range fields {
		spec, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		value, present := values[name]
		if !present {
			if boolOf(spec["required"]) {
				return name, "is required"
			}
			continue
		}
		if msg := checkField(value, spec); msg != "" {
			return name, msg
		}
	}
	return "", ""
}

func checkField(value any, spec map[string]any) string {
	fieldType, _ := spec["type"].(string)
	switch fieldType {
	case "", "any":
	case "string":
		s, ok := value.(string)
		if !ok {
			return "must be a string"
		}
		if pattern, ok := spec["pattern"].(string); ok {
			re, err := regexp.Compile(pattern)
			if err != nil || !re.MatchString(s) {
				return "does not match the permitted pattern"
			}
		}
	case "number", "integer":
		n, ok := numberOf(value)
		if !ok {
			return "must be a number"
		}
		if min, ok := numberOf(spec["min"]); ok && n < min {
			return "is below the minimum"
		}
		if max, ok := numberOf(spec["max"]); ok && n > max {
			return "is above the maximum"
		}
	case "boolean":
		switch v := value.(type) {
		case bool:
		case string:
			if v != "true" && v != "false" {
				return "must be a boolean"
			}
		default:
			return "must be a boolean"
		}
	case "object":
		if _, ok := value.(map[string]any); !ok {
			return "must be an object"
		}
	case "array":
		if _, ok := value.([]any); !ok {
			return "must be an array"
		}
	}

	if enum, ok := spec["enum"].([]any); ok {
		matched := false
		for _, allowed := range enum {
			if fmt.Sprint(allowed) == fmt.Sprint(value) {
				matched = true
				break
			}
		}
		if !matched {
			return "is not one of the permitted values"
		}
	}
	return ""
}

// numberOf coerces JSON numbers and numeric query strings.
func numberOf(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case string:
		n, err := strconv.ParseFloat(v, 64)
		return n, err == nil
	}
	return 0, false
}

func boolOf(value any) bool {
	b, ok := value.(bool)
	return ok && b
}
