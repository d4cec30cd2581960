package schema

import (
	"fmt"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"
)

// contextSnapshotDefs holds the shared $defs for context snapshot validation.
const contextSnapshotDefs = `{
    "context": {
      "type": "object",
      "required": ["id", "state", "variables"],
      "properties": {
        "id": { "type": "string", "minLength": 1 },
        "state": { "$ref": "#/$defs/state" },
        "variables": { "$ref": "#/$defs/variables" },
        "children": {
          "type": "array",
          "items": { "$ref": "#/$defs/context" }
        }
      },
      "additionalProperties": false
    },
    "state": {
      "type": "object",
      "required": ["current_state"],
      "properties": {
        "current_state": {
          "type": "string",
          "enum": ["created", "running", "paused", "completed", "failed", "aborted"]
        },
        "state_history": {
          "type": ["array", "null"],
          "items": { "$ref": "#/$defs/transition" }
        }
      },
      "additionalProperties": false
    },
    "transition": {
      "type": "object",
      "required": ["old_state", "new_state", "timestamp"],
      "properties": {
        "old_state": { "type": "string" },
        "new_state": { "type": "string" },
        "timestamp": { "type": "string" }
      },
      "additionalProperties": false
    },
    "variables": {
      "type": "object",
      "required": ["global", "workflow", "local"],
      "properties": {
        "global": { "type": ["object", "null"] },
        "workflow": { "type": ["object", "null"] },
        "local": { "type": ["object", "null"] }
      },
      "additionalProperties": false
    }
  }`

// checkpointSchemaJSON is the JSON Schema for checkpoint file validation.
const checkpointSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://flowstate.dev/schemas/checkpoint.json",
  "type": "object",
  "required": ["id", "workflow_id", "timestamp", "context"],
  "properties": {
    "id": { "type": "string", "minLength": 1 },
    "workflow_id": { "type": "string", "minLength": 1 },
    "timestamp": { "type": "string" },
    "name": { "type": ["string", "null"] },
    "data": { "type": ["object", "null"] },
    "context": { "$ref": "#/$defs/context" }
  },
  "additionalProperties": false,
  "$defs": ` + contextSnapshotDefs + `
}`

// stateFileSchemaJSON is the JSON Schema for state snapshot file validation.
const stateFileSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://flowstate.dev/schemas/state.json",
  "type": "object",
  "required": ["workflow_id", "timestamp", "context"],
  "properties": {
    "workflow_id": { "type": "string", "minLength": 1 },
    "timestamp": { "type": "string" },
    "context": { "$ref": "#/$defs/context" }
  },
  "additionalProperties": false,
  "$defs": ` + contextSnapshotDefs + `
}`

// SnapshotValidator validates persisted checkpoint and state files against
// JSON Schema Draft 2020-12 before they are decoded. It is safe for
// concurrent use.
type SnapshotValidator struct {
	checkpointSchema *jsonschema.Schema
	stateFileSchema  *jsonschema.Schema
}

// NewSnapshotValidator compiles the embedded snapshot schemas.
func NewSnapshotValidator() (*SnapshotValidator, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	compile := func(url, raw string) (*jsonschema.Schema, error) {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("unmarshal schema %s: %w", url, err)
		}
		if err := c.AddResource(url, doc); err != nil {
			return nil, fmt.Errorf("add schema resource %s: %w", url, err)
		}
		compiled, err := c.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("compile schema %s: %w", url, err)
		}
		return compiled, nil
	}

	cp, err := compile("https://flowstate.dev/schemas/checkpoint.json", checkpointSchemaJSON)
	if err != nil {
		return nil, err
	}
	st, err := compile("https://flowstate.dev/schemas/state.json", stateFileSchemaJSON)
	if err != nil {
		return nil, err
	}

	return &SnapshotValidator{checkpointSchema: cp, stateFileSchema: st}, nil
}

// ValidateCheckpoint checks raw checkpoint file bytes against the checkpoint schema.
// Returns an INVALID_SNAPSHOT error when the document is malformed.
func (v *SnapshotValidator) ValidateCheckpoint(raw []byte) error {
	return v.validate(raw, v.checkpointSchema, "checkpoint")
}

// ValidateStateFile checks raw state snapshot file bytes against the state schema.
// Returns an INVALID_SNAPSHOT error when the document is malformed.
func (v *SnapshotValidator) ValidateStateFile(raw []byte) error {
	return v.validate(raw, v.stateFileSchema, "state snapshot")
}

func (v *SnapshotValidator) validate(raw []byte, s *jsonschema.Schema, kind string) error {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return NewErrorf(ErrCodeInvalidSnapshot, "%s is not valid JSON: %s", kind, err.Error()).WithCause(err)
	}
	if err := s.Validate(doc); err != nil {
		return toSnapshotError(err, kind)
	}
	return nil
}

// toSnapshotError converts a jsonschema.ValidationError into a FlowError
// with the leaf violations collected for actionable reporting.
func toSnapshotError(err error, kind string) *FlowError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return NewErrorf(ErrCodeInvalidSnapshot, "invalid %s: %s", kind, err.Error())
	}

	violations := collectViolations(verr)
	if len(violations) == 0 {
		return NewErrorf(ErrCodeInvalidSnapshot, "invalid %s: %s", kind, verr.Error())
	}

	msg := violations[0]
	if len(violations) > 1 {
		msg = fmt.Sprintf("%d schema violations", len(violations))
	}
	return NewErrorf(ErrCodeInvalidSnapshot, "invalid %s: %s", kind, msg).
		WithDetails(map[string]any{"violations": violations})
}

// collectViolations walks a ValidationError tree and collects leaf error
// messages with their instance locations.
func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
