package schema

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Schema is the one canonical JSON-Schema representation the pipeline
// consumes. Adapters normalize caller input to it at the boundary; raw
// bytes are preserved so a schema that arrived as JSON Schema is forwarded
// to the LLM verbatim.
type Schema struct {
	raw json.RawMessage
	doc map[string]any
}

// FromJSONSchema wraps a document that is already JSON Schema.
func FromJSONSchema(raw json.RawMessage) (*Schema, error) {
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode schema: %w", err)
	}
	return &Schema{raw: append(json.RawMessage(nil), raw...), doc: doc}, nil
}

// FromSimpleObject builds a schema from the `{field: "type"}` shorthand,
// e.g. {"total": "number", "vendor": "string"}. Every field is required.
func FromSimpleObject(fields map[string]string) (*Schema, error) {
	props := make(map[string]any, len(fields))
	required := make([]any, 0, len(fields))
	for name, typ := range fields {
		switch typ {
		case "string", "number", "integer", "boolean", "array", "object":
			props[name] = map[string]any{"type": typ}
		default:
			return nil, fmt.Errorf("unsupported field type %q for %q", typ, name)
		}
		required = append(required, name)
	}
	doc := map[string]any{
		"type":       "object",
		"properties": props,
		"required":   required,
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	return &Schema{raw: raw, doc: doc}, nil
}

// Normalize duck-types raw caller input: anything that already looks like
// JSON Schema (declares type/properties/required/$schema) passes through verbatim;
// a flat map of type names goes through the simple-object adapter.
func Normalize(raw json.RawMessage) (*Schema, error) {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("schema must be a JSON object: %w", err)
	}
	if looksLikeJSONSchema(m) {
		return FromJSONSchema(raw)
	}
	fields := make(map[string]string, len(m))
	for k, v := range m {
		typ, ok := v.(string)
		if !ok {
			// Mixed shapes fall back to verbatim JSON Schema handling.
			return FromJSONSchema(raw)
		}
		fields[k] = typ
	}
	return FromSimpleObject(fields)
}

func looksLikeJSONSchema(m map[string]any) bool {
	for _, key := range []string{"$schema", "properties", "type", "required"} {
		if _, ok := m[key]; ok {
			return true
		}
	}
	return false
}

// JSON returns the schema document bytes, verbatim for passthrough input.
func (s *Schema) JSON() json.RawMessage {
	return s.raw
}

// Doc returns the decoded document.
func (s *Schema) Doc() map[string]any {
	return s.doc
}

// RequiredKeys returns the schema's required top-level keys, if declared.
func (s *Schema) RequiredKeys() []string {
	req, ok := s.doc["required"].([]any)
	if !ok {
		return nil
	}
	keys := make([]string, 0, len(req))
	for _, r := range req {
		if k, ok := r.(string); ok {
			keys = append(keys, k)
		}
	}
	return keys
}

// Validate checks data against the full schema document.
func (s *Schema) Validate(data []byte) error {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("schema.json", bytes.NewReader(s.raw)); err != nil {
		return fmt.Errorf("add schema: %w", err)
	}
	compiled, err := compiler.Compile("schema.json")
	if err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("unmarshal data: %w", err)
	}
	if err := compiled.Validate(v); err != nil {
		return fmt.Errorf("json does not match schema: %w", err)
	}
	return nil
}

// CheckShape is the acceptance gate for LLM output: the value must be a
// plain JSON object and every required top-level key must be present.
// Weaker than Validate on purpose — the repair loop only cares about shape.
func (s *Schema) CheckShape(data []byte) error {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return fmt.Errorf("not a JSON object: %w", err)
	}
	for _, key := range s.RequiredKeys() {
		if _, ok := m[key]; !ok {
			return fmt.Errorf("missing required key %q", key)
		}
	}
	return nil
}
