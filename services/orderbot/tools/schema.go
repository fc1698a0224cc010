// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package tools

import (
	"encoding/json"
	"fmt"

	"github.com/xeipuuv/gojsonschema"

	"github.com/AleutianAI/orderbot/services/llm"
)

// compileSchema turns a tool's declared parameters into a structural
// validator. Enums are dropped: they guide the model, while the tools
// themselves accept aliases (payment methods) the enum does not list.
// Parameters without a type are not checked.
func compileSchema(params llm.ToolParameters) (*gojsonschema.Schema, error) {
	if params.Type == "" {
		return nil, nil
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	stripEnums(doc)
	return gojsonschema.NewSchema(gojsonschema.NewGoLoader(doc))
}

func stripEnums(node map[string]any) {
	delete(node, "enum")
	if props, ok := node["properties"].(map[string]any); ok {
		for _, p := range props {
			if m, ok := p.(map[string]any); ok {
				stripEnums(m)
			}
		}
	}
	if items, ok := node["items"].(map[string]any); ok {
		stripEnums(items)
	}
}

// CheckArguments validates args against the declared parameter schema of
// the named tool. Unknown tools and tools without a schema pass. A
// violation is returned as *ArgumentError naming the first offending field.
func (r *Registry) CheckArguments(name string, args map[string]any) error {
	r.mu.RLock()
	schema := r.schemas[name]
	r.mu.RUnlock()
	if schema == nil {
		return nil
	}
	if args == nil {
		args = map[string]any{}
	}

	result, err := schema.Validate(gojsonschema.NewGoLoader(args))
	if err != nil {
		return &ArgumentError{Tool: name, Err: err}
	}
	if result.Valid() {
		return nil
	}
	first := result.Errors()[0]
	field := first.Field()
	if field == "(root)" {
		field, _ = first.Details()["property"].(string)
	}
	return &ArgumentError{Tool: name, Field: field, Err: fmt.Errorf("no cumple el esquema (%s)", first.Type())}
}
