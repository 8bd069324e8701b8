package ir

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// irSchemaJSON is the structural contract for the wire form of a workflow.
// Cross-field rules (duplicate ids, start_node existence, the single-stdin
// rule) cannot be expressed here and live in the validator's schema layer.
const irSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["ir_version", "nodes"],
  "additionalProperties": false,
  "properties": {
    "ir_version": {"type": "string", "minLength": 1},
    "nodes": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["id", "type"],
        "additionalProperties": false,
        "properties": {
          "id": {"type": "string", "pattern": "^\\w+$"},
          "type": {"type": "string", "minLength": 1},
          "purpose": {"type": "string", "maxLength": 200},
          "params": {"type": "object"}
        }
      }
    },
    "edges": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["from", "to"],
        "additionalProperties": false,
        "properties": {
          "from": {"type": "string", "minLength": 1},
          "to": {"type": "string", "minLength": 1},
          "action": {"type": "string", "minLength": 1}
        }
      }
    },
    "start_node": {"type": "string"},
    "inputs": {
      "type": "object",
      "additionalProperties": {
        "type": "object",
        "additionalProperties": false,
        "properties": {
          "type": {"enum": ["string", "number", "boolean", "object", "array"]},
          "description": {"type": "string"},
          "required": {"type": "boolean"},
          "default": {},
          "stdin": {"type": "boolean"}
        }
      }
    },
    "outputs": {
      "type": "object",
      "additionalProperties": {
        "type": "object",
        "required": ["source"],
        "additionalProperties": false,
        "properties": {
          "description": {"type": "string"},
          "source": {"type": "string", "minLength": 1}
        }
      }
    },
    "template_resolution_mode": {"enum": ["strict", "permissive"]}
  }
}`

var irSchema = jsonschema.MustCompileString("pflow-ir.json", irSchemaJSON)

// SchemaViolation is one structural defect found by CheckSchema.
type SchemaViolation struct {
	Path    string // dotted/indexed form, e.g. "nodes[2].id"
	Message string
}

// CheckSchema validates a workflow's wire form against the IR JSON schema and
// returns the leaf violations. The workflow is never mutated.
func CheckSchema(w *Workflow) []SchemaViolation {
	b, err := json.Marshal(w)
	if err != nil {
		return []SchemaViolation{{Path: "", Message: fmt.Sprintf("workflow is not JSON-representable: %v", err)}}
	}
	var doc any
	if err := json.Unmarshal(b, &doc); err != nil {
		return []SchemaViolation{{Path: "", Message: err.Error()}}
	}
	err = irSchema.Validate(doc)
	if err == nil {
		return nil
	}
	ve, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return []SchemaViolation{{Path: "", Message: err.Error()}}
	}
	var out []SchemaViolation
	collectLeaves(ve, &out)
	return out
}

func collectLeaves(ve *jsonschema.ValidationError, out *[]SchemaViolation) {
	if len(ve.Causes) == 0 {
		*out = append(*out, SchemaViolation{
			Path:    instancePath(ve.InstanceLocation),
			Message: ve.Message,
		})
		return
	}
	for _, c := range ve.Causes {
		collectLeaves(c, out)
	}
}

// instancePath converts a JSON pointer ("/nodes/2/id") to the dotted form
// used in diagnostics ("nodes[2].id").
func instancePath(ptr string) string {
	ptr = strings.TrimPrefix(ptr, "/")
	if ptr == "" {
		return "workflow"
	}
	var b strings.Builder
	for i, seg := range strings.Split(ptr, "/") {
		seg = strings.ReplaceAll(strings.ReplaceAll(seg, "~1", "/"), "~0", "~")
		if isAllDigits(seg) {
			fmt.Fprintf(&b, "[%s]", seg)
			continue
		}
		if i > 0 {
			b.WriteByte('.')
		}
		b.WriteString(seg)
	}
	return b.String()
}

func isAllDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
