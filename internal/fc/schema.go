// Package fc implements the function-calling orchestrator: conversion of
// OpenAI tool definitions into the page's declaration format, the
// declarations digest cache, driving of the native UI toggle and editor,
// the emulated prompt-injection protocol, response parsing across the wire,
// DOM and text representations, and OpenAI tool_calls formatting.
package fc

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/aistudio-proxy/AIStudioProxyAPI/internal/interfaces"
)

// strippedKeywords are JSON-Schema fields the page's declaration editor does
// not accept. They are removed recursively from every parameters object.
var strippedKeywords = []string{
	"strict", "minimum", "maximum", "pattern", "minLength", "maxLength",
	"minItems", "maxItems", "$schema", "$id", "$ref",
}

// Declarations is the canonical converted tool list: the JSON installed into
// the page plus the registered name set.
type Declarations struct {
	// CanonicalJSON is the declarations array with stable key order,
	// exactly as pasted into the editor.
	CanonicalJSON string
	// Digest is the SHA-256 hex of CanonicalJSON, the cache key.
	Digest string
	// Names is the registered tool name set.
	Names map[string]struct{}
}

// ConvertTools maps the request's OpenAI tools array to page declarations.
// Unsupported schema keywords are stripped; a declaration left without a
// name (or empty after stripping) rejects the request as invalid_tool.
func ConvertTools(toolsJSON gjson.Result) (*Declarations, *interfaces.ProxyError) {
	if !toolsJSON.Exists() || !toolsJSON.IsArray() || len(toolsJSON.Array()) == 0 {
		return nil, nil
	}

	names := make(map[string]struct{})
	out := "[]"
	index := 0
	var convErr *interfaces.ProxyError
	toolsJSON.ForEach(func(_, tool gjson.Result) bool {
		if t := tool.Get("type").String(); t != "" && t != "function" {
			// google_search / url_context style pseudo-tools are handled
			// by the parameter layer, not the declarations editor.
			return true
		}
		fn := tool.Get("function")
		if !fn.Exists() {
			convErr = interfaces.NewError(interfaces.KindValidation, "invalid_tool",
				"tool entry is missing the function object")
			return false
		}
		name := fn.Get("name").String()
		if name == "" {
			convErr = interfaces.NewError(interfaces.KindValidation, "invalid_tool",
				"tool declaration has no name")
			return false
		}

		decl := "{}"
		decl, _ = sjson.Set(decl, "name", name)
		if desc := fn.Get("description"); desc.Exists() {
			decl, _ = sjson.Set(decl, "description", desc.String())
		}
		params := fn.Get("parameters")
		if params.Exists() && params.IsObject() {
			stripped := stripUnsupported(params.Value())
			raw, err := json.Marshal(stripped)
			if err != nil {
				convErr = interfaces.NewErrorf(interfaces.KindValidation, "invalid_tool",
					"tool %q has unserializable parameters: %v", name, err)
				return false
			}
			decl, _ = sjson.SetRaw(decl, "parameters", string(raw))
		}

		names[name] = struct{}{}
		out, _ = sjson.SetRaw(out, fmt.Sprintf("%d", index), decl)
		index++
		return true
	})
	if convErr != nil {
		return nil, convErr
	}
	if index == 0 {
		return nil, nil
	}

	canonical := canonicalizeJSON(out)
	return &Declarations{
		CanonicalJSON: canonical,
		Digest:        DigestOf(canonical),
		Names:         names,
	}, nil
}

// DigestOf hashes canonical declarations JSON for the cache key.
func DigestOf(canonicalJSON string) string {
	sum := sha256.Sum256([]byte(canonicalJSON))
	return hex.EncodeToString(sum[:])
}

// stripUnsupported removes the unsupported keywords from a decoded schema
// tree, descending into nested objects and arrays.
func stripUnsupported(node any) any {
	switch value := node.(type) {
	case map[string]any:
		for _, keyword := range strippedKeywords {
			delete(value, keyword)
		}
		for key, child := range value {
			value[key] = stripUnsupported(child)
		}
		return value
	case []any:
		for i, child := range value {
			value[i] = stripUnsupported(child)
		}
		return value
	default:
		return node
	}
}

// canonicalizeJSON re-serializes through encoding/json so key order is
// deterministic (sorted) and whitespace is normalized. Digest equality then
// means semantic equality of the tool list.
func canonicalizeJSON(raw string) string {
	var decoded any
	if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
		return raw
	}
	out, err := json.Marshal(decoded)
	if err != nil {
		return raw
	}
	return string(out)
}
