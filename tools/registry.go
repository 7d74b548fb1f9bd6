// Package tools describes the document tools the agent may ask approval
// for. The registry carries a generated JSON schema per tool so approval
// prompts can show argument shapes and edited arguments can be validated
// before they are submitted.
package tools

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
)

// Definition is one tool's approval-facing description.
type Definition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

type registration struct {
	def      Definition
	required []string
	validate func(json.RawMessage) error
}

// Registry maps tool names to their definitions and argument validators.
type Registry struct {
	tools map[string]registration
	order []string
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]registration)}
}

// Register adds a tool whose arguments decode into T. The JSON schema is
// generated from T's struct tags.
func Register[T any](r *Registry, name, description string) *Registry {
	schema, required := generateSchema[T]()

	validate := func(args json.RawMessage) error {
		dec := json.NewDecoder(bytes.NewReader(args))
		dec.DisallowUnknownFields()
		var params T
		if err := dec.Decode(&params); err != nil {
			return fmt.Errorf("arguments for %s: %w", name, err)
		}
		return nil
	}

	r.tools[name] = registration{
		def: Definition{
			Name:        name,
			Description: description,
			InputSchema: schema,
		},
		required: required,
		validate: validate,
	}
	r.order = append(r.order, name)
	return r
}

// Describe returns one tool's definition.
func (r *Registry) Describe(name string) (Definition, bool) {
	reg, ok := r.tools[name]
	return reg.def, ok
}

// Definitions returns all registered tools in registration order.
func (r *Registry) Definitions() []Definition {
	out := make([]Definition, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.tools[name].def)
	}
	return out
}

// Known reports whether name is a registered tool.
func (r *Registry) Known(name string) bool {
	_, ok := r.tools[name]
	return ok
}

// ValidateArgs checks edited arguments against the registered parameter
// type: required fields must be present and no unknown fields may appear.
// Unregistered tools pass; the backend owns their validation.
func (r *Registry) ValidateArgs(name string, args map[string]interface{}) error {
	reg, ok := r.tools[name]
	if !ok {
		return nil
	}
	for _, field := range reg.required {
		if _, present := args[field]; !present {
			return fmt.Errorf("arguments for %s: missing required field %q", name, field)
		}
	}
	payload, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("arguments for %s: %w", name, err)
	}
	return reg.validate(payload)
}

// generateSchema reflects T into an inline JSON schema and returns it along
// with the names of its required fields.
func generateSchema[T any]() (json.RawMessage, []string) {
	reflector := &jsonschema.Reflector{
		DoNotReference: true,
		ExpandedStruct: true,
	}

	var zero T
	schema := reflector.Reflect(zero)

	data, err := json.Marshal(schema)
	if err != nil {
		panic(fmt.Sprintf("failed to generate schema for type %T: %v", zero, err))
	}

	var shape struct {
		Required []string `json:"required"`
	}
	// The schema was just produced by Marshal; decoding it cannot fail.
	_ = json.Unmarshal(data, &shape)

	return json.RawMessage(data), shape.Required
}
