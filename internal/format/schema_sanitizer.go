package format

import (
	"fmt"
	"strings"
)

// The Cloud Code API accepts only a narrow slice of JSON Schema, and
// Gemini narrows it further (uppercase type names, no unions, no $ref,
// no validation keywords). Tool schemas pass through two stages:
// SanitizeToolSchema applies the allowlist, CleanSchema rewrites the
// constructs the backend cannot express into description hints.

type schemaMap = map[string]interface{}

func copySchema(m schemaMap) schemaMap {
	out := make(schemaMap, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// recurseNested applies fn to every nested schema reachable through
// properties, items, and the union keywords.
func recurseNested(schema schemaMap, fn func(schemaMap) schemaMap) schemaMap {
	if props, ok := schema["properties"].(schemaMap); ok {
		next := make(schemaMap, len(props))
		for name, v := range props {
			if sub, ok := v.(schemaMap); ok {
				next[name] = fn(sub)
			} else {
				next[name] = v
			}
		}
		schema["properties"] = next
	}

	switch items := schema["items"].(type) {
	case schemaMap:
		schema["items"] = fn(items)
	case []interface{}:
		next := make([]interface{}, 0, len(items))
		for _, v := range items {
			if sub, ok := v.(schemaMap); ok {
				next = append(next, fn(sub))
			} else {
				next = append(next, v)
			}
		}
		schema["items"] = next
	}

	for _, key := range []string{"anyOf", "oneOf", "allOf"} {
		if arr, ok := schema[key].([]interface{}); ok {
			next := make([]interface{}, 0, len(arr))
			for _, v := range arr {
				if sub, ok := v.(schemaMap); ok {
					next = append(next, fn(sub))
				} else {
					next = append(next, v)
				}
			}
			schema[key] = next
		}
	}

	return schema
}

func placeholderProperties() schemaMap {
	return schemaMap{
		"reason": schemaMap{
			"type":        "string",
			"description": "Reason for calling this tool",
		},
	}
}

var allowedSchemaFields = map[string]bool{
	"type":        true,
	"description": true,
	"properties":  true,
	"required":    true,
	"items":       true,
	"enum":        true,
	"title":       true,
}

// SanitizeToolSchema reduces a tool input schema to the fields the API
// accepts. const becomes a single-value enum; an empty object schema
// gains a placeholder property, because the backend rejects
// parameterless tools.
func SanitizeToolSchema(schema schemaMap) schemaMap {
	if len(schema) == 0 {
		return schemaMap{
			"type":       "object",
			"properties": placeholderProperties(),
			"required":   []string{"reason"},
		}
	}

	out := make(schemaMap)
	for key, value := range schema {
		if key == "const" {
			out["enum"] = []interface{}{value}
			continue
		}
		if !allowedSchemaFields[key] {
			continue
		}
		if sub, ok := value.(schemaMap); ok && key != "properties" && key != "items" {
			out[key] = SanitizeToolSchema(sub)
		} else {
			out[key] = value
		}
	}
	out = recurseNested(out, SanitizeToolSchema)

	if _, ok := out["type"]; !ok {
		out["type"] = "object"
	}
	if t, _ := out["type"].(string); t == "object" {
		props, _ := out["properties"].(schemaMap)
		if len(props) == 0 {
			out["properties"] = placeholderProperties()
			out["required"] = []string{"reason"}
		}
	}
	return out
}

// CleanSchema rewrites a sanitized schema into the dialect Gemini
// accepts. Information the dialect cannot carry ($ref targets, enums,
// numeric constraints, union types) is preserved as description hints
// instead of being silently dropped.
func CleanSchema(schema schemaMap) schemaMap {
	if schema == nil {
		return schema
	}

	out := copySchema(schema)
	out = refsToHints(out)
	out = enumHints(out)
	out = additionalPropertiesHints(out)
	out = constraintsToHints(out)
	out = mergeAllOf(out)
	out = flattenUnions(out)
	out = flattenTypeArrays(out, nil, "")

	for _, key := range []string{
		"additionalProperties", "default", "$schema", "$defs",
		"definitions", "$ref", "$id", "$comment", "title",
		"minLength", "maxLength", "pattern", "format",
		"minItems", "maxItems", "examples", "allOf", "anyOf", "oneOf",
	} {
		delete(out, key)
	}

	out = recurseNested(out, CleanSchema)
	out = pruneRequired(out)

	if t, ok := out["type"].(string); ok {
		out["type"] = googleTypeName(t)
	}
	return out
}

// CleanToolName maps a tool name into [A-Za-z0-9_-], truncated to the
// API's 64 character limit.
func CleanToolName(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	cleaned := b.String()
	if len(cleaned) > 64 {
		cleaned = cleaned[:64]
	}
	return cleaned
}

func appendHint(schema schemaMap, hint string) schemaMap {
	out := copySchema(schema)
	if desc, ok := out["description"].(string); ok && desc != "" {
		out["description"] = fmt.Sprintf("%s (%s)", desc, hint)
	} else {
		out["description"] = hint
	}
	return out
}

// refsToHints replaces $ref nodes with a plain object schema whose
// description names the referenced definition.
func refsToHints(schema schemaMap) schemaMap {
	out := copySchema(schema)

	if ref, ok := out["$ref"].(string); ok {
		parts := strings.Split(ref, "/")
		defName := parts[len(parts)-1]
		if defName == "" {
			defName = "unknown"
		}
		hint := fmt.Sprintf("See: %s", defName)
		if desc, ok := out["description"].(string); ok && desc != "" {
			hint = fmt.Sprintf("%s (%s)", desc, hint)
		}
		return schemaMap{"type": "object", "description": hint}
	}

	return recurseNested(out, refsToHints)
}

func enumHints(schema schemaMap) schemaMap {
	out := copySchema(schema)
	if enum, ok := out["enum"].([]interface{}); ok && len(enum) > 1 && len(enum) <= 10 {
		vals := make([]string, 0, len(enum))
		for _, v := range enum {
			vals = append(vals, fmt.Sprintf("%v", v))
		}
		out = appendHint(out, "Allowed: "+strings.Join(vals, ", "))
	}
	return recurseNested(out, enumHints)
}

func additionalPropertiesHints(schema schemaMap) schemaMap {
	out := copySchema(schema)
	if out["additionalProperties"] == false {
		out = appendHint(out, "No extra properties allowed")
	}
	return recurseNested(out, additionalPropertiesHints)
}

func constraintsToHints(schema schemaMap) schemaMap {
	out := copySchema(schema)
	for _, key := range []string{"minLength", "maxLength", "pattern", "minimum", "maximum", "minItems", "maxItems", "format"} {
		if v, ok := out[key]; ok {
			if _, isMap := v.(schemaMap); !isMap {
				out = appendHint(out, fmt.Sprintf("%s: %v", key, v))
			}
		}
	}
	return recurseNested(out, constraintsToHints)
}

// mergeAllOf folds every allOf branch into its parent: properties
// union (parent wins), required union, scalar fields first-wins.
func mergeAllOf(schema schemaMap) schemaMap {
	out := copySchema(schema)

	if branches, ok := out["allOf"].([]interface{}); ok && len(branches) > 0 {
		mergedProps := make(schemaMap)
		mergedRequired := make(map[string]bool)
		scalars := make(schemaMap)

		for _, branch := range branches {
			sub, ok := branch.(schemaMap)
			if !ok {
				continue
			}
			if props, ok := sub["properties"].(schemaMap); ok {
				for k, v := range props {
					mergedProps[k] = v
				}
			}
			if req, ok := sub["required"].([]interface{}); ok {
				for _, r := range req {
					if s, ok := r.(string); ok {
						mergedRequired[s] = true
					}
				}
			}
			for k, v := range sub {
				if k != "properties" && k != "required" {
					if _, exists := scalars[k]; !exists {
						scalars[k] = v
					}
				}
			}
		}

		delete(out, "allOf")
		for k, v := range scalars {
			if _, exists := out[k]; !exists {
				out[k] = v
			}
		}
		if len(mergedProps) > 0 {
			props, _ := out["properties"].(schemaMap)
			if props == nil {
				props = make(schemaMap)
			}
			for k, v := range mergedProps {
				if _, exists := props[k]; !exists {
					props[k] = v
				}
			}
			out["properties"] = props
		}
		if len(mergedRequired) > 0 {
			if req, ok := out["required"].([]interface{}); ok {
				for _, r := range req {
					if s, ok := r.(string); ok {
						mergedRequired[s] = true
					}
				}
			}
			req := make([]interface{}, 0, len(mergedRequired))
			for k := range mergedRequired {
				req = append(req, k)
			}
			out["required"] = req
		}
	}

	return recurseNested(out, mergeAllOf)
}

// unionScore ranks anyOf/oneOf branches: object shapes carry the most
// information, arrays next, then any non-null scalar.
func unionScore(schema schemaMap) int {
	switch {
	case schema == nil:
		return 0
	case schema["type"] == "object" || schema["properties"] != nil:
		return 3
	case schema["type"] == "array" || schema["items"] != nil:
		return 2
	}
	if t, ok := schema["type"].(string); ok && t != "null" {
		return 1
	}
	return 0
}

// flattenUnions collapses anyOf/oneOf to the best-scoring branch,
// noting the alternatives in the description.
func flattenUnions(schema schemaMap) schemaMap {
	out := copySchema(schema)

	for _, unionKey := range []string{"anyOf", "oneOf"} {
		options, ok := out[unionKey].([]interface{})
		if !ok || len(options) == 0 {
			continue
		}

		var typeNames []string
		var best schemaMap
		bestScore := -1
		for _, opt := range options {
			sub, ok := opt.(schemaMap)
			if !ok {
				continue
			}
			name, _ := sub["type"].(string)
			if name == "" && sub["properties"] != nil {
				name = "object"
			}
			if name != "" && name != "null" {
				typeNames = append(typeNames, name)
			}
			if score := unionScore(sub); score > bestScore {
				bestScore = score
				best = sub
			}
		}

		delete(out, unionKey)
		if best == nil {
			continue
		}

		parentDesc, _ := out["description"].(string)
		for k, v := range flattenUnions(best) {
			if k == "description" {
				if s, ok := v.(string); ok && s != "" && s != parentDesc {
					if parentDesc != "" {
						out["description"] = fmt.Sprintf("%s (%s)", parentDesc, s)
					} else {
						out["description"] = s
					}
				}
				continue
			}
			if _, exists := out[k]; !exists || k == "type" || k == "properties" || k == "items" {
				out[k] = v
			}
		}

		if uniq := dedupe(typeNames); len(uniq) > 1 {
			out = appendHint(out, "Accepts: "+strings.Join(uniq, " | "))
		}
	}

	return recurseNested(out, flattenUnions)
}

// flattenTypeArrays reduces ["string","null"]-style type lists to a
// single type, marking nullability in the description and dropping
// nullable members from the parent's required list.
func flattenTypeArrays(schema schemaMap, nullable map[string]bool, propName string) schemaMap {
	out := copySchema(schema)

	if typeArr, ok := out["type"].([]interface{}); ok {
		hasNull := false
		var nonNull []string
		for _, t := range typeArr {
			if s, ok := t.(string); ok {
				if s == "null" {
					hasNull = true
				} else if s != "" {
					nonNull = append(nonNull, s)
				}
			}
		}

		picked := "string"
		if len(nonNull) > 0 {
			picked = nonNull[0]
		}
		out["type"] = picked
		if len(nonNull) > 1 {
			out = appendHint(out, "Accepts: "+strings.Join(nonNull, " | "))
		}
		if hasNull {
			out = appendHint(out, "nullable")
			if nullable != nil && propName != "" {
				nullable[propName] = true
			}
		}
	}

	if props, ok := out["properties"].(schemaMap); ok {
		childNullable := make(map[string]bool)
		next := make(schemaMap, len(props))
		for name, v := range props {
			if sub, ok := v.(schemaMap); ok {
				next[name] = flattenTypeArrays(sub, childNullable, name)
			} else {
				next[name] = v
			}
		}
		out["properties"] = next

		if req, ok := out["required"].([]interface{}); ok && len(childNullable) > 0 {
			kept := make([]interface{}, 0, len(req))
			for _, r := range req {
				if s, ok := r.(string); ok && !childNullable[s] {
					kept = append(kept, s)
				}
			}
			if len(kept) == 0 {
				delete(out, "required")
			} else {
				out["required"] = kept
			}
		}
	}

	switch items := out["items"].(type) {
	case schemaMap:
		out["items"] = flattenTypeArrays(items, nullable, "")
	case []interface{}:
		next := make([]interface{}, 0, len(items))
		for _, v := range items {
			if sub, ok := v.(schemaMap); ok {
				next = append(next, flattenTypeArrays(sub, nullable, ""))
			} else {
				next = append(next, v)
			}
		}
		out["items"] = next
	}

	return out
}

// pruneRequired drops required entries that name undefined properties.
func pruneRequired(schema schemaMap) schemaMap {
	req, ok := schema["required"].([]interface{})
	if !ok {
		return schema
	}
	props, ok := schema["properties"].(schemaMap)
	if !ok {
		return schema
	}

	kept := make([]interface{}, 0, len(req))
	for _, r := range req {
		if s, ok := r.(string); ok {
			if _, defined := props[s]; defined {
				kept = append(kept, s)
			}
		}
	}
	if len(kept) == 0 {
		delete(schema, "required")
	} else {
		schema["required"] = kept
	}
	return schema
}

func googleTypeName(t string) string {
	switch strings.ToLower(t) {
	case "string", "null":
		return "STRING"
	case "number":
		return "NUMBER"
	case "integer":
		return "INTEGER"
	case "boolean":
		return "BOOLEAN"
	case "array":
		return "ARRAY"
	case "object":
		return "OBJECT"
	case "":
		return ""
	}
	return strings.ToUpper(t)
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, v := range in {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	return out
}
