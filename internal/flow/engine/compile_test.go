package engine

import (
	"strings"
	"testing"

	"github.com/pflow-ai/pflow/internal/flow/ir"
	"github.com/pflow-ai/pflow/internal/flow/template"
)

func TestCompileWiring(t *testing.T) {
	w := &ir.Workflow{
		IRVersion: "1.0",
		Nodes: []ir.Node{
			{ID: "a", Type: "wa_t"},
			{ID: "b", Type: "wb_t"},
			{ID: "c", Type: "wc_t"},
		},
		Edges: []ir.Edge{
			{From: "a", To: "b"},
			{From: "a", To: "c", Action: "retry"},
			{From: "b", To: "c", Action: "error"},
		},
		StartNode:              "a",
		TemplateResolutionMode: "permissive",
	}
	var n int
	reg := scriptRegistry(map[string]execFn{
		"wa_t": emit(&n, nil, "default"),
		"wb_t": emit(&n, nil, "default"),
		"wc_t": emit(&n, nil, "default"),
	})

	flow := mustCompile(t, w, reg)

	if flow.Start != "a" {
		t.Fatalf("start = %q", flow.Start)
	}
	if got := strings.Join(flow.Order, ","); got != "a,b,c" {
		t.Fatalf("order = %q", got)
	}
	if flow.Mode != template.Permissive {
		t.Fatalf("mode = %v", flow.Mode)
	}
	if to, ok := flow.Next("a", "default"); !ok || to != "b" {
		t.Fatalf("next(a, default) = %q, %t", to, ok)
	}
	if to, ok := flow.Next("a", "retry"); !ok || to != "c" {
		t.Fatalf("next(a, retry) = %q, %t", to, ok)
	}
	if to, ok := flow.Next("b", "error"); !ok || to != "c" {
		t.Fatalf("next(b, error) = %q, %t", to, ok)
	}
	if _, ok := flow.Next("c", "default"); ok {
		t.Fatalf("terminal node has a successor")
	}
	// Exact-match routing: no fallback from a named action to default.
	if _, ok := flow.Next("b", "default"); ok {
		t.Fatalf("next(b, default) resolved through an error edge")
	}
}

func TestCompileDefaults(t *testing.T) {
	w := &ir.Workflow{
		IRVersion: "1.0",
		Nodes:     []ir.Node{{ID: "only", Type: "constant", Params: map[string]any{"v": 1}}},
	}

	// nil registry falls back to the built-ins.
	flow, err := Compile(w, nil)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if flow.Start != "only" {
		t.Fatalf("default start = %q, want first node", flow.Start)
	}
	if flow.Mode != template.Strict {
		t.Fatalf("default mode = %v, want strict", flow.Mode)
	}
}

func TestCompileErrors(t *testing.T) {
	var n int
	reg := scriptRegistry(map[string]execFn{
		"ok_t": emit(&n, nil, "default"),
	})

	cases := []struct {
		name string
		w    *ir.Workflow
		want string
	}{
		{"nil workflow", nil, "workflow is nil"},
		{
			"no nodes",
			&ir.Workflow{IRVersion: "1.0"},
			"workflow has no nodes",
		},
		{
			"duplicate id",
			&ir.Workflow{IRVersion: "1.0", Nodes: []ir.Node{
				{ID: "a", Type: "ok_t"},
				{ID: "a", Type: "ok_t"},
			}},
			`duplicate node id "a"`,
		},
		{
			"unknown type",
			&ir.Workflow{IRVersion: "1.0", Nodes: []ir.Node{{ID: "a", Type: "no_such"}}},
			`node "a": unknown node type "no_such"`,
		},
		{
			"missing start",
			&ir.Workflow{IRVersion: "1.0", Nodes: []ir.Node{{ID: "a", Type: "ok_t"}}, StartNode: "ghost"},
			`start node "ghost" does not exist`,
		},
		{
			"edge from unknown",
			&ir.Workflow{IRVersion: "1.0",
				Nodes: []ir.Node{{ID: "a", Type: "ok_t"}},
				Edges: []ir.Edge{{From: "x", To: "a"}},
			},
			`edge from unknown node "x"`,
		},
		{
			"edge to unknown",
			&ir.Workflow{IRVersion: "1.0",
				Nodes: []ir.Node{{ID: "a", Type: "ok_t"}},
				Edges: []ir.Edge{{From: "a", To: "y"}},
			},
			`edge to unknown node "y"`,
		},
		{
			"conflicting action",
			&ir.Workflow{IRVersion: "1.0",
				Nodes: []ir.Node{
					{ID: "a", Type: "ok_t"},
					{ID: "b", Type: "ok_t"},
					{ID: "c", Type: "ok_t"},
				},
				Edges: []ir.Edge{
					{From: "a", To: "b"},
					{From: "a", To: "c", Action: "default"},
				},
			},
			"routes to both",
		},
		{
			"cycle",
			&ir.Workflow{IRVersion: "1.0",
				Nodes: []ir.Node{
					{ID: "a", Type: "ok_t"},
					{ID: "b", Type: "ok_t"},
				},
				Edges: []ir.Edge{
					{From: "a", To: "b"},
					{From: "b", To: "a"},
				},
			},
			"cycle detected in non-error edges",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Compile(tc.w, reg)
			if err == nil {
				t.Fatalf("Compile succeeded, want error containing %q", tc.want)
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("err = %q, want substring %q", err, tc.want)
			}
		})
	}
}
