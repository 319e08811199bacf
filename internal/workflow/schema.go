package workflow

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

// FieldError is one schema violation.
type FieldError struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

// ValidationResult holds the result of a validation.
type ValidationResult struct {
	Valid  bool         `json:"valid"`
	Errors []FieldError `json:"errors,omitempty"`
}

// SchemaError is returned when a workflow document does not match the
// workflow schema.
type SchemaError struct {
	Errors []FieldError
}

func (e *SchemaError) Error() string {
	if len(e.Errors) == 0 {
		return "workflow: schema validation failed"
	}
	msgs := make([]string, 0, len(e.Errors))
	for _, fe := range e.Errors {
		path := fe.Path
		if path == "" {
			path = "/"
		}
		msgs = append(msgs, path+": "+fe.Message)
	}
	return "workflow: " + strings.Join(msgs, "; ")
}

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func compiledSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		compiler.Draft = jsonschema.Draft2020
		if err := compiler.AddResource("workflow.json", strings.NewReader(workflowSchemaJSON)); err != nil {
			schemaErr = fmt.Errorf("add workflow schema: %w", err)
			return
		}
		schema, schemaErr = compiler.Compile("workflow.json")
	})
	return schema, schemaErr
}

// Validate checks a YAML (or JSON) workflow document against the schema
// without building it.
func Validate(data []byte) *ValidationResult {
	var doc interface{}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return &ValidationResult{Errors: []FieldError{{Path: "/", Message: fmt.Sprintf("invalid YAML: %v", err)}}}
	}
	// Round-trip through JSON so numbers and maps have the shapes the
	// validator expects.
	raw, err := json.Marshal(doc)
	if err != nil {
		return &ValidationResult{Errors: []FieldError{{Path: "/", Message: err.Error()}}}
	}
	var inst interface{}
	if err := json.Unmarshal(raw, &inst); err != nil {
		return &ValidationResult{Errors: []FieldError{{Path: "/", Message: err.Error()}}}
	}

	s, err := compiledSchema()
	if err != nil {
		return &ValidationResult{Errors: []FieldError{{Path: "/", Message: err.Error()}}}
	}
	if err := s.Validate(inst); err != nil {
		var verr *jsonschema.ValidationError
		if errors.As(err, &verr) {
			return &ValidationResult{Errors: extractErrors(verr)}
		}
		return &ValidationResult{Errors: []FieldError{{Path: "/", Message: err.Error()}}}
	}
	return &ValidationResult{Valid: true}
}

// extractErrors flattens the leaf causes of a validation error.
func extractErrors(verr *jsonschema.ValidationError) []FieldError {
	if len(verr.Causes) == 0 {
		return []FieldError{{Path: verr.InstanceLocation, Message: verr.Message}}
	}
	var out []FieldError
	for _, cause := range verr.Causes {
		out = append(out, extractErrors(cause)...)
	}
	return out
}

const workflowSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "workflow.json",
  "title": "Workflow",
  "type": "object",
  "required": ["tasks"],
  "additionalProperties": false,
  "properties": {
    "name": {"type": "string"},
    "tasks": {
      "type": "array",
      "minItems": 1,
      "items": {"$ref": "#/$defs/task"}
    }
  },
  "$defs": {
    "task": {
      "type": "object",
      "required": ["name"],
      "additionalProperties": false,
      "oneOf": [
        {"required": ["command"]},
        {"required": ["path"]}
      ],
      "properties": {
        "name": {"type": "string", "minLength": 1},
        "command": {
          "oneOf": [
            {"type": "string", "minLength": 1},
            {"type": "array", "minItems": 1, "items": {"type": "string"}}
          ]
        },
        "path": {"type": "string", "minLength": 1},
        "depends_on": {"type": "array", "items": {"type": "string"}},
        "async": {"type": "boolean"},
        "nodes": {"type": "integer", "minimum": 1},
        "gpus_per_node": {"type": "integer", "minimum": 0},
        "ntasks_per_node": {"type": "integer", "minimum": 1},
        "cpus_per_task": {"type": "integer", "minimum": 1},
        "memory_per_node": {"type": "string"},
        "time_limit": {"type": "string"},
        "partition": {"type": "string"},
        "conda": {"type": "string"},
        "venv": {"type": "string"},
        "container": {"type": "string"},
        "sqsh": {"type": "string"},
        "env_vars": {
          "type": "object",
          "additionalProperties": {"type": ["string", "number", "boolean"]}
        },
        "log_dir": {"type": "string"},
        "work_dir": {"type": "string"}
      }
    }
  }
}`
