// Package ir defines the workflow intermediate representation: the JSON
// document that declares nodes, edges, inputs, and outputs, plus the
// execution-order computation derived from it.
package ir

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

const (
	// DefaultAction is the edge action assumed when an edge omits one.
	DefaultAction = "default"

	// TemplateStrict and TemplatePermissive are the two template
	// resolution modes an IR may declare. Strict is the default.
	TemplateStrict     = "strict"
	TemplatePermissive = "permissive"
)

// MaxPurposeLen bounds the free-text purpose attached to a node.
const MaxPurposeLen = 200

var nodeIDRE = regexp.MustCompile(`^\w+$`)

// Workflow is the parsed IR. Field names follow the wire form.
type Workflow struct {
	IRVersion string            `json:"ir_version"`
	Nodes     []Node            `json:"nodes"`
	Edges     []Edge            `json:"edges,omitempty"`
	StartNode string            `json:"start_node,omitempty"`
	Inputs    map[string]Input  `json:"inputs,omitempty"`
	Outputs   map[string]Output `json:"outputs,omitempty"`

	// TemplateResolutionMode is "strict" or "permissive"; empty means strict.
	TemplateResolutionMode string `json:"template_resolution_mode,omitempty"`
}

// Node is one executable step. Params values may contain ${...} templates.
type Node struct {
	ID      string         `json:"id"`
	Type    string         `json:"type"`
	Purpose string         `json:"purpose,omitempty"`
	Params  map[string]any `json:"params,omitempty"`
}

// Edge routes control from one node to another for a given action string.
type Edge struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Action string `json:"action,omitempty"`
}

// Input declares a workflow parameter. At most one input may set Stdin.
type Input struct {
	Type        string `json:"type,omitempty"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required,omitempty"`
	Default     any    `json:"default,omitempty"`
	Stdin       bool   `json:"stdin,omitempty"`
}

// Output declares a workflow result extracted from the final shared store.
type Output struct {
	Description string `json:"description,omitempty"`
	Source      string `json:"source"`
}

// ActionOrDefault returns the edge action, defaulting to "default".
func (e Edge) ActionOrDefault() string {
	if e.Action == "" {
		return DefaultAction
	}
	return e.Action
}

// IsErrorAction reports whether an action string marks a failure transition.
// Any action beginning with "error" counts ("error", "error:template_failed").
func IsErrorAction(action string) bool {
	return strings.HasPrefix(action, "error")
}

// ValidNodeID reports whether id is a non-empty word-character identifier.
func ValidNodeID(id string) bool {
	return nodeIDRE.MatchString(id)
}

// Start returns the declared start node, or the first node when unset.
func (w *Workflow) Start() string {
	if w.StartNode != "" {
		return w.StartNode
	}
	if len(w.Nodes) > 0 {
		return w.Nodes[0].ID
	}
	return ""
}

// ResolutionMode returns the template mode, defaulting to strict.
func (w *Workflow) ResolutionMode() string {
	if w.TemplateResolutionMode == TemplatePermissive {
		return TemplatePermissive
	}
	return TemplateStrict
}

// NodeByID returns the node with the given id.
func (w *Workflow) NodeByID(id string) (*Node, bool) {
	for i := range w.Nodes {
		if w.Nodes[i].ID == id {
			return &w.Nodes[i], true
		}
	}
	return nil, false
}

// NodeType returns the declared type of a node id, or "" when unknown.
func (w *Workflow) NodeType(id string) string {
	if n, ok := w.NodeByID(id); ok {
		return n.Type
	}
	return ""
}

// NodeIDs returns all node ids in declaration order.
func (w *Workflow) NodeIDs() []string {
	ids := make([]string, 0, len(w.Nodes))
	for i := range w.Nodes {
		ids = append(ids, w.Nodes[i].ID)
	}
	return ids
}

// Clone deep-copies the workflow through its JSON form. Param values are
// normalized to JSON types (numbers become float64).
func (w *Workflow) Clone() *Workflow {
	if w == nil {
		return nil
	}
	b, err := json.Marshal(w)
	if err != nil {
		// Workflow fields are plain JSON-able values; a marshal failure
		// means a node param holds something exotic (channel, func).
		panic(fmt.Sprintf("ir: clone marshal: %v", err))
	}
	var out Workflow
	if err := json.Unmarshal(b, &out); err != nil {
		panic(fmt.Sprintf("ir: clone unmarshal: %v", err))
	}
	return &out
}

// MarshalIndented renders the canonical pretty-printed JSON form.
func (w *Workflow) MarshalIndented() ([]byte, error) {
	return json.MarshalIndent(w, "", "  ")
}
