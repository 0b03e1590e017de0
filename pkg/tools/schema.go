package tools

import (
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/moonbridge/moonbridge/pkg/types"
)

// commonFields are merged into every tool schema. Tool-specific fields win
// on name collision.
func commonFields() map[string]interface{} {
	return map[string]interface{}{
		"model": map[string]interface{}{
			"type":        "string",
			"description": "Model alias or 'auto' for preference-list routing",
		},
		"temperature": map[string]interface{}{
			"type":    "number",
			"minimum": 0.0,
			"maximum": 2.0,
		},
		"thinking_mode": map[string]interface{}{
			"type": "string",
			"enum": []interface{}{"minimal", "low", "medium", "high", "max"},
		},
		"images": map[string]interface{}{
			"type":  "array",
			"items": map[string]interface{}{"type": "string"},
		},
		"files": map[string]interface{}{
			"type":  "array",
			"items": map[string]interface{}{"type": "string"},
		},
		"use_websearch": map[string]interface{}{
			"type": "boolean",
		},
		"continuation_id": map[string]interface{}{
			"type":        "string",
			"description": "Continue an existing conversation",
		},
		"stream": map[string]interface{}{
			"type": "boolean",
		},
	}
}

// BuildSchema merges tool-specific argument fields with the common fields
// shared by every tool and returns a JSON Schema object.
func BuildSchema(fields map[string]interface{}, required []string) map[string]interface{} {
	props := commonFields()
	for name, def := range fields {
		props[name] = def
	}
	schema := map[string]interface{}{
		"type":                 "object",
		"properties":           props,
		"additionalProperties": true,
	}
	if len(required) > 0 {
		req := make([]interface{}, len(required))
		for i, r := range required {
			req[i] = r
		}
		schema["required"] = req
	}
	return schema
}

// Validator holds the compiled argument schemas for registered tools
type Validator struct {
	schemas map[string]*jsonschema.Schema
}

// NewValidator compiles the schema of each descriptor. Compilation failure is
// a programming error in a tool definition and surfaces at startup.
func NewValidator(descriptors []types.ToolDescriptor) (*Validator, error) {
	v := &Validator{schemas: make(map[string]*jsonschema.Schema, len(descriptors))}
	for _, d := range descriptors {
		compiler := jsonschema.NewCompiler()
		url := fmt.Sprintf("mem://tools/%s.json", d.Name)
		if err := compiler.AddResource(url, d.Schema); err != nil {
			return nil, fmt.Errorf("failed to add schema for tool %s: %w", d.Name, err)
		}
		schema, err := compiler.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("failed to compile schema for tool %s: %w", d.Name, err)
		}
		v.schemas[d.Name] = schema
	}
	return v, nil
}

// Validate checks a call's arguments against the tool's schema. Violations
// map to InvalidRequest; a tool without a compiled schema passes.
func (v *Validator) Validate(tool string, args map[string]interface{}) error {
	schema, ok := v.schemas[tool]
	if !ok {
		return nil
	}
	var instance interface{} = args
	if args == nil {
		instance = map[string]interface{}{}
	}
	if err := schema.Validate(instance); err != nil {
		return types.NewError(types.ErrInvalidRequest, "invalid arguments for %s: %v", tool, err)
	}
	return nil
}
