package engine

import (
	"fmt"

	"github.com/pflow-ai/pflow/internal/flow/ir"
	"github.com/pflow-ai/pflow/internal/flow/registry"
	"github.com/pflow-ai/pflow/internal/flow/template"
)

// wire is one routing key: the node an action leaves from and the action
// string itself.
type wire struct {
	From   string
	Action string
}

// CompiledFlow is a workflow wired for execution: instrumented node
// instances by id, the action routing table, and the declarations captured
// for seeding and output extraction.
type CompiledFlow struct {
	Workflow *ir.Workflow
	Nodes    map[string]*instrumentedNode
	Wiring   map[wire]string
	Start    string
	Order    []string
	Mode     template.Mode
}

// Next looks up the successor for (id, action). Exact match only; an action
// with no edge terminates the attempt.
func (f *CompiledFlow) Next(id, action string) (string, bool) {
	to, ok := f.Wiring[wire{From: id, Action: action}]
	return to, ok
}

// Compile instantiates every node and builds the wiring table. Validation
// normally precedes compilation, but the structural checks repeat here so a
// caller that skipped validation still fails fast instead of executing a
// malformed graph.
func Compile(w *ir.Workflow, reg *registry.Registry) (*CompiledFlow, error) {
	if w == nil {
		return nil, fmt.Errorf("compile: workflow is nil")
	}
	if reg == nil {
		reg = registry.NewDefaultRegistry()
	}
	if len(w.Nodes) == 0 {
		return nil, fmt.Errorf("compile: workflow has no nodes")
	}

	nodes := make(map[string]*instrumentedNode, len(w.Nodes))
	for i := range w.Nodes {
		n := &w.Nodes[i]
		if _, dup := nodes[n.ID]; dup {
			return nil, fmt.Errorf("compile: duplicate node id %q", n.ID)
		}
		impl, err := reg.New(n.Type)
		if err != nil {
			return nil, fmt.Errorf("compile: node %q: %w", n.ID, err)
		}
		nodes[n.ID] = &instrumentedNode{id: n.ID, typ: n.Type, params: n.Params, impl: impl}
	}

	start := w.Start()
	if _, ok := nodes[start]; !ok {
		return nil, fmt.Errorf("compile: start node %q does not exist", start)
	}

	wiring := make(map[wire]string, len(w.Edges))
	for _, e := range w.Edges {
		if _, ok := nodes[e.From]; !ok {
			return nil, fmt.Errorf("compile: edge from unknown node %q", e.From)
		}
		if _, ok := nodes[e.To]; !ok {
			return nil, fmt.Errorf("compile: edge to unknown node %q", e.To)
		}
		k := wire{From: e.From, Action: e.ActionOrDefault()}
		if prev, dup := wiring[k]; dup {
			return nil, fmt.Errorf("compile: action %q from node %q routes to both %q and %q", k.Action, e.From, prev, e.To)
		}
		wiring[k] = e.To
	}

	order, err := ir.ExecutionOrder(w)
	if err != nil {
		return nil, fmt.Errorf("compile: %w", err)
	}

	return &CompiledFlow{
		Workflow: w,
		Nodes:    nodes,
		Wiring:   wiring,
		Start:    start,
		Order:    order,
		Mode:     template.ParseMode(w.ResolutionMode()),
	}, nil
}
