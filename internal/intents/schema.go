package intents

import (
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/haasonsaas/intentgate/pkg/models"
)

// SchemaValidator checks intent arguments against a JSON Schema per action
// type. Action types without a schema accept any arguments.
type SchemaValidator struct {
	schemas map[models.ActionType]*jsonschema.Schema
}

// NewSchemaValidator compiles the given schemas, keyed by action type.
func NewSchemaValidator(schemas map[models.ActionType]string) (*SchemaValidator, error) {
	v := &SchemaValidator{schemas: make(map[models.ActionType]*jsonschema.Schema, len(schemas))}
	for actionType, source := range schemas {
		if source == "" {
			continue
		}
		compiled, err := jsonschema.CompileString(string(actionType)+".arguments.json", source)
		if err != nil {
			return nil, fmt.Errorf("compile arguments schema for %s: %w", actionType, err)
		}
		v.schemas[actionType] = compiled
	}
	return v, nil
}

// Validate returns a *ValidationError when args do not satisfy the action
// type's schema. Arguments must already be decoded JSON values.
func (v *SchemaValidator) Validate(actionType models.ActionType, args map[string]any) error {
	if v == nil {
		return nil
	}
	schema := v.schemas[actionType]
	if schema == nil {
		return nil
	}
	if err := schema.Validate(args); err != nil {
		return &ValidationError{Field: "arguments", Reason: err.Error()}
	}
	return nil
}
