package tool

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// SchemaValidator compiles a JSON Schema once and validates parameter maps
// against it. Plugins that don't need bespoke validation logic can embed
// one and call Validate from their Plugin.Validate method.
type SchemaValidator struct {
	compiled *jsonschema.Schema
}

// NewSchemaValidator compiles schemaJSON (the same document returned by
// Plugin.Schema) into a reusable validator.
func NewSchemaValidator(name string, schemaJSON json.RawMessage) (*SchemaValidator, error) {
	compiler := jsonschema.NewCompiler()
	resource := fmt.Sprintf("%s.json", name)
	if err := compiler.AddResource(resource, bytes.NewReader(schemaJSON)); err != nil {
		return nil, fmt.Errorf("tool: compile schema for %q: %w", name, err)
	}
	compiled, err := compiler.Compile(resource)
	if err != nil {
		return nil, fmt.Errorf("tool: compile schema for %q: %w", name, err)
	}
	return &SchemaValidator{compiled: compiled}, nil
}

// Validate checks params against the compiled schema.
func (v *SchemaValidator) Validate(params map[string]any) error {
	if v == nil || v.compiled == nil {
		return nil
	}
	if err := v.compiled.Validate(params); err != nil {
		return fmt.Errorf("tool: schema validation failed: %w", err)
	}
	return nil
}
