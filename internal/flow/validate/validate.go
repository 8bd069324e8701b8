// Package validate checks a workflow IR before compilation. Five layers run
// in order (schema, dataflow, template sources, node types, JSON-string
// params), and every layer runs even when an earlier one finds problems, so
// one pass produces the full report.
package validate

import (
	"fmt"
	"strings"

	"github.com/pflow-ai/pflow/internal/flow/ir"
	"github.com/pflow-ai/pflow/internal/flow/registry"
)

type Severity string

const (
	SeverityError   Severity = "ERROR"
	SeverityWarning Severity = "WARNING"
)

// Diagnostic is one validation finding. Path points into the IR document
// ("nodes[2].params.url"); Hint carries a one-line suggestion when we have
// one.
type Diagnostic struct {
	Path     string   `json:"path"`
	Rule     string   `json:"rule"`
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
	Hint     string   `json:"hint,omitempty"`
}

func (d Diagnostic) String() string {
	s := d.Message
	if d.Path != "" {
		s = d.Path + ": " + s
	}
	if d.Hint != "" {
		s += " (suggestion: " + d.Hint + ")"
	}
	return s
}

// Options configures a validation pass.
type Options struct {
	// Params are the caller-supplied execution params; template roots may
	// reference them even when not declared as inputs.
	Params map[string]any
	// Registry enables the node-type layer and output_spec checks.
	Registry *registry.Registry
	// SkipNodeTypes disables the node-type layer (authoring-time validation
	// of workflows destined for a differently-provisioned runtime).
	SkipNodeTypes bool
}

// Validate runs all layers against the workflow. The workflow is never
// mutated. Findings preserve layer order.
func Validate(w *ir.Workflow, opts Options) []Diagnostic {
	if w == nil {
		return []Diagnostic{{Rule: "schema", Severity: SeverityError, Message: "workflow is nil"}}
	}

	var diags []Diagnostic
	diags = append(diags, checkSchema(w)...)
	diags = append(diags, checkDataflow(w)...)
	diags = append(diags, checkTemplates(w, opts)...)
	if !opts.SkipNodeTypes && opts.Registry != nil {
		diags = append(diags, checkNodeTypes(w, opts.Registry)...)
	}
	diags = append(diags, checkJSONStringParams(w)...)
	return diags
}

// Errors filters to error-severity findings.
func Errors(diags []Diagnostic) []Diagnostic {
	var out []Diagnostic
	for _, d := range diags {
		if d.Severity == SeverityError {
			out = append(out, d)
		}
	}
	return out
}

// Strings renders findings as path-prefixed strings.
func Strings(diags []Diagnostic) []string {
	out := make([]string, 0, len(diags))
	for _, d := range diags {
		out = append(out, d.String())
	}
	return out
}

// checkSchema applies the IR JSON schema plus the cross-field rules the
// schema cannot express: duplicate ids, start_node existence, and the
// single-stdin rule.
func checkSchema(w *ir.Workflow) []Diagnostic {
	var diags []Diagnostic
	for _, v := range ir.CheckSchema(w) {
		diags = append(diags, Diagnostic{
			Path:     v.Path,
			Rule:     "schema",
			Severity: SeverityError,
			Message:  v.Message,
		})
	}

	seen := map[string]int{}
	for i, n := range w.Nodes {
		if prev, dup := seen[n.ID]; dup {
			diags = append(diags, Diagnostic{
				Path:     fmt.Sprintf("nodes[%d].id", i),
				Rule:     "duplicate-id",
				Severity: SeverityError,
				Message:  fmt.Sprintf("node id %q already declared at nodes[%d]", n.ID, prev),
				Hint:     "node ids must be unique",
			})
			continue
		}
		seen[n.ID] = i
	}

	if w.StartNode != "" {
		if _, ok := w.NodeByID(w.StartNode); !ok {
			diags = append(diags, Diagnostic{
				Path:     "start_node",
				Rule:     "start-node",
				Severity: SeverityError,
				Message:  fmt.Sprintf("start_node %q is not a declared node", w.StartNode),
				Hint:     "reference an id from nodes, or omit start_node to use the first node",
			})
		}
	}

	var stdinInputs []string
	for name, in := range w.Inputs {
		if in.Stdin {
			stdinInputs = append(stdinInputs, name)
		}
	}
	if len(stdinInputs) > 1 {
		diags = append(diags, Diagnostic{
			Path:     "inputs",
			Rule:     "stdin-input",
			Severity: SeverityError,
			Message:  fmt.Sprintf("%d inputs declare stdin: true (%s); at most one may", len(stdinInputs), strings.Join(sortedCopy(stdinInputs), ", ")),
			Hint:     "keep stdin: true on a single input",
		})
	}

	return diags
}

// checkDataflow verifies edge integrity and that the non-error edge graph is
// acyclic, and that output sources point at things that exist.
func checkDataflow(w *ir.Workflow) []Diagnostic {
	var diags []Diagnostic

	type wire struct{ from, action string }
	wires := map[wire]int{}
	for i, e := range w.Edges {
		if _, ok := w.NodeByID(e.From); !ok && e.From != "" {
			diags = append(diags, Diagnostic{
				Path:     fmt.Sprintf("edges[%d].from", i),
				Rule:     "edge-endpoint",
				Severity: SeverityError,
				Message:  fmt.Sprintf("edge references non-existent node %q", e.From),
			})
		}
		if _, ok := w.NodeByID(e.To); !ok && e.To != "" {
			diags = append(diags, Diagnostic{
				Path:     fmt.Sprintf("edges[%d].to", i),
				Rule:     "edge-endpoint",
				Severity: SeverityError,
				Message:  fmt.Sprintf("edge references non-existent node %q", e.To),
			})
		}
		k := wire{e.From, e.ActionOrDefault()}
		if prev, dup := wires[k]; dup {
			diags = append(diags, Diagnostic{
				Path:     fmt.Sprintf("edges[%d]", i),
				Rule:     "conflicting-edge",
				Severity: SeverityError,
				Message:  fmt.Sprintf("action %q from node %q already routed at edges[%d]", k.action, e.From, prev),
				Hint:     "each (from, action) pair selects exactly one successor",
			})
			continue
		}
		wires[k] = i
	}

	if _, err := ir.ExecutionOrder(w); err != nil {
		msg := err.Error()
		var hint string
		if ce, ok := err.(*ir.CycleError); ok && len(ce.Nodes) > 0 {
			hint = "cycles are only allowed through error-action edges (explicit retry loops)"
			msg = ce.Error()
		}
		diags = append(diags, Diagnostic{
			Path:     "edges",
			Rule:     "cycle",
			Severity: SeverityError,
			Message:  msg,
			Hint:     hint,
		})
	}

	for _, name := range sortedKeys(w.Outputs) {
		out := w.Outputs[name]
		for _, ref := range refsOfString(out.Source) {
			root := refRoot(ref)
			if root == "" {
				continue
			}
			if _, isInput := w.Inputs[root]; isInput {
				continue
			}
			if _, isNode := w.NodeByID(root); isNode {
				continue
			}
			diags = append(diags, Diagnostic{
				Path:     fmt.Sprintf("outputs.%s.source", name),
				Rule:     "output-source",
				Severity: SeverityError,
				Message:  fmt.Sprintf("template root %q is neither a declared input nor a node", root),
				Hint:     availableSourcesHint(w, nil),
			})
		}
	}

	return diags
}
