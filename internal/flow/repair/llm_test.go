package repair

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/pflow-ai/pflow/internal/flow/ir"
	"github.com/pflow-ai/pflow/internal/flow/runtime"
)

func twoNodeWorkflow() *ir.Workflow {
	return &ir.Workflow{
		IRVersion: "1.0",
		Nodes: []ir.Node{
			{ID: "a", Type: "constant", Params: map[string]any{"x": float64(1)}},
			{ID: "b", Type: "constant", Params: map[string]any{"text": "${a.x}"}},
		},
		Edges: []ir.Edge{{From: "a", To: "b"}},
	}
}

func TestParseResponse(t *testing.T) {
	candidate := `{"ir_version":"1.0","nodes":[{"id":"a","type":"constant"}]}`

	cases := []struct {
		name    string
		raw     string
		wantErr string
	}{
		{
			name: "bare object",
			raw:  `{"workflow": ` + candidate + `, "modified_node_ids": ["a"], "rationale": "fix"}`,
		},
		{
			name: "fenced json",
			raw:  "```json\n" + `{"workflow": ` + candidate + `, "modified_node_ids": ["a"]}` + "\n```",
		},
		{
			name: "prose around the object",
			raw:  "Here is the corrected workflow:\n" + `{"workflow": ` + candidate + `, "modified_node_ids": []}` + "\nLet me know if this helps.",
		},
		{
			name: "braces inside string values",
			raw:  `{"workflow": {"ir_version":"1.0","nodes":[{"id":"a","type":"constant","purpose":"prints {x}"}]}, "modified_node_ids": ["a"], "rationale": "kept \"quotes\" and {braces}"}`,
		},
		{
			name:    "unknown envelope key",
			raw:     `{"workflow": ` + candidate + `, "modified_node_ids": [], "confidence": 0.9}`,
			wantErr: "decode response",
		},
		{
			name:    "missing workflow",
			raw:     `{"modified_node_ids": ["a"], "rationale": "fix"}`,
			wantErr: "no workflow",
		},
		{
			name:    "null workflow",
			raw:     `{"workflow": null, "modified_node_ids": []}`,
			wantErr: "no workflow",
		},
		{
			name:    "no object at all",
			raw:     "I cannot repair this workflow.",
			wantErr: "no JSON object",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res, err := parseResponse(tc.raw)
			if tc.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
					t.Fatalf("err = %v, want containing %q", err, tc.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseResponse: %v", err)
			}
			if res.Candidate == nil || len(res.Candidate.Nodes) != 1 || res.Candidate.Nodes[0].ID != "a" {
				t.Fatalf("candidate = %+v", res.Candidate)
			}
		})
	}
}

func TestExtractObject(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{`{"a":1}`, `{"a":1}`},
		{`before {"a":{"b":2}} after`, `{"a":{"b":2}}`},
		{`{"s":"}"}`, `{"s":"}"}`},
		{`{"s":"\"}"}`, `{"s":"\"}"}`},
		{`no braces here`, ``},
		{`{"open": true`, ``},
	}
	for _, tc := range cases {
		if got := extractObject(tc.in); got != tc.want {
			t.Fatalf("extractObject(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestReconcile(t *testing.T) {
	orig := twoNodeWorkflow()

	paramFix := orig.Clone()
	paramFix.Nodes[1].Params["text"] = "${a.x} units"

	added := orig.Clone()
	added.Nodes = append(added.Nodes, ir.Node{ID: "c", Type: "constant"})
	added.Edges = append(added.Edges, ir.Edge{From: "b", To: "c"})

	removed := orig.Clone()
	removed.Nodes = removed.Nodes[:1]
	removed.Edges = nil

	rewired := orig.Clone()
	rewired.Nodes = append(rewired.Nodes, ir.Node{ID: "c", Type: "constant"})
	rewired.Edges = []ir.Edge{{From: "a", To: "c"}}

	startMoved := orig.Clone()
	startMoved.StartNode = "b"

	cases := []struct {
		name    string
		cand    *ir.Workflow
		claimed []string
		want    string
	}{
		{"identical clone is a no-op", orig.Clone(), []string{"b"}, ""},
		{"param change claimed", paramFix, []string{"b"}, "b"},
		{"param change unclaimed", paramFix, nil, "b"},
		{"false claim dropped", paramFix, []string{"a", "b"}, "b"},
		{"added node and edge", added, nil, "b,c"},
		{"removed node counts itself and the edge origin", removed, nil, "a,b"},
		{"edge rewire counts the origin", rewired, []string{"a"}, "a,c"},
		{"start move counts the new start", startMoved, nil, "b"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Reconcile(orig, tc.cand, tc.claimed)
			if err != nil {
				t.Fatalf("Reconcile: %v", err)
			}
			if joined := strings.Join(got, ","); joined != tc.want {
				t.Fatalf("modified = %q, want %q", joined, tc.want)
			}
		})
	}
}

func TestLLMClientRepair(t *testing.T) {
	w := twoNodeWorkflow()
	fixed := w.Clone()
	fixed.Nodes[1].Params["text"] = "${a.x} units"
	fixedJSON, err := fixed.MarshalIndented()
	if err != nil {
		t.Fatal(err)
	}

	var prompt string
	client := &LLMClient{
		Complete: func(_ context.Context, p string) (string, error) {
			prompt = p
			// Claim both nodes; only b actually changed.
			return "```json\n" + `{"workflow": ` + string(fixedJSON) + `, "modified_node_ids": ["a", "b"], "rationale": "appended units"}` + "\n```", nil
		},
	}

	errs := []runtime.ErrorRecord{{
		Source:   runtime.SourceRuntime,
		Category: runtime.CategoryAPIValidation,
		Message:  "validation error: text must include units",
		NodeID:   "b",
		Fixable:  true,
	}}
	excerpt := map[string]any{"a": map[string]any{"x": float64(1)}}
	params := map[string]any{"zone": "us-east", "alpha": 1, "__run_id__": "r1"}
	hints := []string{"a"}

	res, err := client.Repair(context.Background(), w, errs, excerpt, params, hints)
	if err != nil {
		t.Fatalf("Repair: %v", err)
	}
	if got := strings.Join(res.ModifiedNodeIDs, ","); got != "b" {
		t.Fatalf("modified = %q, want %q (false claim reconciled away)", got, "b")
	}
	if res.Rationale != "appended units" {
		t.Fatalf("rationale = %q", res.Rationale)
	}
	if res.Candidate.Nodes[1].Params["text"] != "${a.x} units" {
		t.Fatalf("candidate params = %v", res.Candidate.Nodes[1].Params)
	}

	for _, want := range []string{
		"BEGIN WORKFLOW IR",
		"text must include units",
		"BEGIN SHARED STATE EXCERPT",
		"template roots: alpha, zone",
		`["a"]`,
	} {
		if !strings.Contains(prompt, want) {
			t.Fatalf("prompt missing %q:\n%s", want, prompt)
		}
	}
	if strings.Contains(prompt, "__run_id__") {
		t.Fatalf("system params leaked into the prompt")
	}
}

func TestLLMClientErrors(t *testing.T) {
	w := twoNodeWorkflow()

	var noFn LLMClient
	if _, err := noFn.Repair(context.Background(), w, nil, nil, nil, nil); err == nil {
		t.Fatalf("nil completion function accepted")
	}

	failing := &LLMClient{Complete: func(context.Context, string) (string, error) {
		return "", fmt.Errorf("model unavailable")
	}}
	_, err := failing.Repair(context.Background(), w, nil, nil, nil, nil)
	if err == nil || !strings.Contains(err.Error(), "model unavailable") {
		t.Fatalf("err = %v, want wrapped completion error", err)
	}
}

func TestSimulated(t *testing.T) {
	w := twoNodeWorkflow()
	first := &Result{Candidate: w.Clone(), ModifiedNodeIDs: []string{"b"}}
	second := &Result{Candidate: w.Clone()}
	sim := &Simulated{Queue: []*Result{first, second}}

	res, err := sim.Repair(context.Background(), w, nil, nil, map[string]any{"k": "v"}, nil)
	if err != nil || res != first {
		t.Fatalf("first call = %v, %v", res, err)
	}
	res, err = sim.Repair(context.Background(), w, nil, nil, nil, nil)
	if err != nil || res != second {
		t.Fatalf("second call = %v, %v", res, err)
	}
	if _, err := sim.Repair(context.Background(), w, nil, nil, nil, nil); err == nil {
		t.Fatalf("exhausted queue did not error")
	}
	if len(sim.Calls) != 3 {
		t.Fatalf("calls recorded = %d, want 3", len(sim.Calls))
	}
	if sim.Calls[0].Params["k"] != "v" {
		t.Fatalf("call args not recorded: %+v", sim.Calls[0])
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := sim.Repair(ctx, w, nil, nil, nil, nil); err == nil {
		t.Fatalf("canceled context accepted")
	}
}
