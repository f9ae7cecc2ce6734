// Package schema compiles and enforces contract I/O schemas.
//
// Schemas are JSON Schema Draft 2020-12, compiled once at registration
// time. Object schemas that do not set additionalProperties explicitly
// are compiled with additionalProperties:false, so unknown fields are
// always rejected rather than silently dropped.
package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/keel-labs/keel/pkg/contracts"
)

const resourcePrefix = "https://keel.schemas.local/contracts/"

// Schema is a compiled contract schema. It implements contracts.Schema.
type Schema struct {
	id       string
	compiled *jsonschema.Schema
}

// Compile parses and compiles a raw JSON Schema document under the given
// id. The id appears in every validation error produced by the schema.
func Compile(id string, raw []byte) (*Schema, error) {
	if id == "" {
		return nil, fmt.Errorf("schema id must not be empty")
	}

	strict, err := enforceStrictness(raw)
	if err != nil {
		return nil, fmt.Errorf("schema %q: %w", id, err)
	}

	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	url := resourcePrefix + id + ".schema.json"
	if err := c.AddResource(url, bytes.NewReader(strict)); err != nil {
		return nil, fmt.Errorf("schema %q load failed: %w", id, err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("schema %q compile failed: %w", id, err)
	}
	return &Schema{id: id, compiled: compiled}, nil
}

// MustCompile is Compile for statically known schemas; it panics on error.
func MustCompile(id string, raw []byte) *Schema {
	s, err := Compile(id, raw)
	if err != nil {
		panic(err)
	}
	return s
}

// ID returns the schema identifier.
func (s *Schema) ID() string { return s.id }

// Validate checks value against the schema. The value is normalized
// through JSON first, so plain structs and decoded maps are both
// accepted. On failure it returns a validation KernelError carrying the
// schema id and the structured issue list.
func (s *Schema) Validate(value any) error {
	normalized, err := normalize(value)
	if err != nil {
		return contracts.NewValidationError("SCHEMA_VIOLATION", s.id,
			fmt.Sprintf("value is not representable as JSON: %v", err), nil)
	}

	if err := s.compiled.Validate(normalized); err != nil {
		return contracts.NewValidationError("SCHEMA_VIOLATION", s.id,
			fmt.Sprintf("value rejected by schema %q", s.id), issuesFrom(err))
	}
	return nil
}

// normalize round-trips value through JSON so the validator sees the
// decoded representation (map[string]any, []any, float64, ...).
func normalize(value any) (any, error) {
	if value == nil {
		return nil, nil
	}
	data, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}

func issuesFrom(err error) []contracts.ValidationIssue {
	ve, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return []contracts.ValidationIssue{{Message: err.Error()}}
	}
	basic := ve.BasicOutput()
	issues := make([]contracts.ValidationIssue, 0, len(basic.Errors))
	for _, e := range basic.Errors {
		// The basic output interleaves branch nodes with empty messages.
		if e.Error == "" {
			continue
		}
		issues = append(issues, contracts.ValidationIssue{
			InstanceLocation: e.InstanceLocation,
			KeywordLocation:  e.KeywordLocation,
			Message:          e.Error,
		})
	}
	if len(issues) == 0 {
		issues = append(issues, contracts.ValidationIssue{Message: ve.Message})
	}
	return issues
}

// enforceStrictness injects additionalProperties:false into the top
// level of an object schema that leaves it unset. Contract authors can
// still opt in to open objects by setting it explicitly.
func enforceStrictness(raw []byte) ([]byte, error) {
	var doc map[string]any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		// Non-object schema documents ("true", etc.) pass through.
		if bytes.Equal(bytes.TrimSpace(raw), []byte("true")) || bytes.Equal(bytes.TrimSpace(raw), []byte("false")) {
			return raw, nil
		}
		return nil, fmt.Errorf("invalid schema document: %w", err)
	}

	if isObjectSchema(doc) {
		if _, set := doc["additionalProperties"]; !set {
			doc["additionalProperties"] = false
		}
	}
	return json.Marshal(doc)
}

func isObjectSchema(doc map[string]any) bool {
	if t, ok := doc["type"].(string); ok && strings.EqualFold(t, "object") {
		return true
	}
	_, hasProps := doc["properties"]
	return hasProps
}
