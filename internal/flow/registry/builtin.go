package registry

import (
	"context"
	"fmt"
	"os"
)

// NewDefaultRegistry returns a registry with the builtin pure nodes.
// Transport-bound node types (HTTP, shell, MCP, LLM) are supplied by
// embedders.
func NewDefaultRegistry() *Registry {
	r := New()
	r.Register("constant", "returns its params verbatim as outputs", func() Node { return &constantNode{} })
	r.Register("template", "returns its resolved params; useful for shaping values", func() Node { return &templateNode{} })
	r.Register("readfile", "reads a file from disk", func() Node { return &readFileNode{} })
	return r
}

// constantNode echoes resolved params as outputs. Since params pass through
// the resolver before Exec, this is also the simplest way to snapshot
// upstream values under a new namespace.
type constantNode struct{}

func (*constantNode) InputSpec() map[string]ParamSpec {
	return nil
}

func (*constantNode) OutputSpec() map[string]FieldSpec {
	return nil
}

func (*constantNode) Exec(_ context.Context, params map[string]any, _ Store) (map[string]any, string, error) {
	out := make(map[string]any, len(params))
	for k, v := range params {
		out[k] = v
	}
	return out, "default", nil
}

// templateNode is constantNode under a name that reads better when the
// point of the node is template shaping rather than constants.
type templateNode struct{ constantNode }

type readFileNode struct{}

func (*readFileNode) InputSpec() map[string]ParamSpec {
	return map[string]ParamSpec{
		"path": {Type: "string", Required: true, Description: "file to read"},
	}
}

func (*readFileNode) OutputSpec() map[string]FieldSpec {
	return map[string]FieldSpec{
		"content": {Type: "string", Description: "file contents"},
		"path":    {Type: "string", Description: "path that was read"},
	}
}

func (*readFileNode) Exec(_ context.Context, params map[string]any, _ Store) (map[string]any, string, error) {
	path, _ := params["path"].(string)
	if path == "" {
		return nil, "", fmt.Errorf("readfile: param \"path\" must be a non-empty string")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, "", fmt.Errorf("readfile: %w", err)
	}
	return map[string]any{"content": string(b), "path": path}, "default", nil
}
