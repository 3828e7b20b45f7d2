package config

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"
)

var (
	//go:embed config.schema.json
	configSchemaJSON []byte
	//go:embed state.schema.json
	stateSchemaJSON []byte
)

var ErrSchema = errors.New("document does not match schema")

type SchemaError struct {
	Document string
	Err      error
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("%s: %v", e.Document, e.Err)
}

func (e *SchemaError) Unwrap() error {
	return e.Err
}

func (e *SchemaError) Is(target error) bool {
	return target == ErrSchema
}

var (
	schemasOnce  sync.Once
	configSchema *jsonschema.Schema
	stateSchema  *jsonschema.Schema
	schemasErr   error
)

func compileSchemas() error {
	schemasOnce.Do(func() {
		c := jsonschema.NewCompiler()
		for name, raw := range map[string][]byte{
			"config.schema.json": configSchemaJSON,
			"state.schema.json":  stateSchemaJSON,
		} {
			doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
			if err != nil {
				schemasErr = fmt.Errorf("parse %s: %w", name, err)
				return
			}
			if err := c.AddResource(name, doc); err != nil {
				schemasErr = fmt.Errorf("add %s: %w", name, err)
				return
			}
		}
		if configSchema, schemasErr = c.Compile("config.schema.json"); schemasErr != nil {
			return
		}
		stateSchema, schemasErr = c.Compile("state.schema.json")
	})
	return schemasErr
}

// validateYAML checks a YAML document against a JSON schema. The document
// is round-tripped through JSON so that numbers reach the validator in the
// form it expects.
func validateYAML(schema *jsonschema.Schema, document string, data []byte) error {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return &SchemaError{Document: document, Err: err}
	}
	if raw == nil {
		raw = map[string]any{}
	}
	encoded, err := json.Marshal(jsonCompatible(raw))
	if err != nil {
		return &SchemaError{Document: document, Err: err}
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(encoded))
	if err != nil {
		return &SchemaError{Document: document, Err: err}
	}
	if err := schema.Validate(inst); err != nil {
		return &SchemaError{Document: document, Err: err}
	}
	return nil
}

// ValidateState checks the shape of a persisted state document without
// decoding any record.
func ValidateState(data []byte) error {
	if err := compileSchemas(); err != nil {
		return err
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	return validateYAML(stateSchema, "state", data)
}

// jsonCompatible rewrites mappings with non-string keys, which YAML allows
// and JSON does not.
func jsonCompatible(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, val := range t {
			t[k] = jsonCompatible(val)
		}
		return t
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[fmt.Sprint(k)] = jsonCompatible(val)
		}
		return out
	case []any:
		for i, val := range t {
			t[i] = jsonCompatible(val)
		}
		return t
	}
	return v
}
