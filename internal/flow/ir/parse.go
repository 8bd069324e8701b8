package ir

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

// Parse strictly decodes a workflow IR document. Unknown fields and trailing
// top-level values are rejected so authoring typos surface immediately.
func Parse(data []byte) (*Workflow, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var w Workflow
	if err := dec.Decode(&w); err != nil {
		return nil, fmt.Errorf("parse workflow ir: %w", err)
	}
	var trailing any
	if err := dec.Decode(&trailing); err != io.EOF {
		if err == nil {
			return nil, fmt.Errorf("parse workflow ir: multiple top-level values are not allowed")
		}
		return nil, fmt.Errorf("parse workflow ir: %w", err)
	}
	return &w, nil
}

// ParseLenient decodes without rejecting unknown fields. Repair candidates
// produced by an LLM sometimes carry extra annotation keys; the schema layer
// still flags them, but the document must survive decoding first.
func ParseLenient(data []byte) (*Workflow, error) {
	var w Workflow
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("parse workflow ir: %w", err)
	}
	return &w, nil
}
