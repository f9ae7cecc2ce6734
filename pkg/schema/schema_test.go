package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keel-labs/keel/pkg/contracts"
)

const personSchema = `{
	"type": "object",
	"properties": {
		"name": {"type": "string"},
		"age": {"type": "integer", "minimum": 0}
	},
	"required": ["name"]
}`

func TestCompileAndValidate(t *testing.T) {
	s, err := Compile("person.input", []byte(personSchema))
	require.NoError(t, err)
	assert.Equal(t, "person.input", s.ID())

	err = s.Validate(map[string]any{"name": "ada", "age": 36})
	assert.NoError(t, err)
}

func TestValidateRejectsUnknownFields(t *testing.T) {
	s := MustCompile("person.input", []byte(personSchema))

	err := s.Validate(map[string]any{"name": "ada", "nickname": "countess"})
	require.Error(t, err)

	ke, ok := contracts.AsKernelError(err)
	require.True(t, ok)
	assert.Equal(t, contracts.ErrCatValidation, ke.Category)
	assert.Equal(t, "person.input", ke.Details["schema_id"])
	issues, ok := ke.Details["issues"].([]contracts.ValidationIssue)
	require.True(t, ok)
	assert.NotEmpty(t, issues)
}

func TestExplicitAdditionalPropertiesIsRespected(t *testing.T) {
	open := `{
		"type": "object",
		"properties": {"name": {"type": "string"}},
		"additionalProperties": true
	}`
	s := MustCompile("open.input", []byte(open))

	assert.NoError(t, s.Validate(map[string]any{"name": "ada", "extra": 1}))
}

func TestValidateStructValue(t *testing.T) {
	s := MustCompile("person.input", []byte(personSchema))

	type person struct {
		Name string `json:"name"`
		Age  int    `json:"age"`
	}
	assert.NoError(t, s.Validate(person{Name: "ada", Age: 36}))
}

func TestValidateTypeMismatch(t *testing.T) {
	s := MustCompile("person.input", []byte(personSchema))

	err := s.Validate(map[string]any{"name": 42})
	require.Error(t, err)
	ke, _ := contracts.AsKernelError(err)
	assert.Equal(t, "SCHEMA_VIOLATION", ke.Code)
}

func TestCompileRejectsEmptyID(t *testing.T) {
	_, err := Compile("", []byte(personSchema))
	assert.Error(t, err)
}

func TestCompileRejectsInvalidDocument(t *testing.T) {
	_, err := Compile("bad", []byte(`{"type": `))
	assert.Error(t, err)
}
