package engine

import (
	"context"
	"reflect"
	"strings"
	"testing"

	"github.com/pflow-ai/pflow/internal/flow/ir"
	"github.com/pflow-ai/pflow/internal/flow/registry"
	"github.com/pflow-ai/pflow/internal/flow/runtime"
)

// execFn scripts one node behavior. Tests register a type per behavior and
// count calls through closure variables; runs are single-threaded so plain
// ints suffice.
type execFn func(ctx context.Context, params map[string]any, store registry.Store) (map[string]any, string, error)

type scriptNode struct{ fn execFn }

func (n *scriptNode) InputSpec() map[string]registry.ParamSpec  { return nil }
func (n *scriptNode) OutputSpec() map[string]registry.FieldSpec { return nil }
func (n *scriptNode) Exec(ctx context.Context, params map[string]any, store registry.Store) (map[string]any, string, error) {
	return n.fn(ctx, params, store)
}

func scriptRegistry(fns map[string]execFn) *registry.Registry {
	r := registry.NewDefaultRegistry()
	for typ, fn := range fns {
		fn := fn // pin per-iteration under pre-1.22 loopvar semantics
		r.Register(typ, "scripted test node", func() registry.Node { return &scriptNode{fn: fn} })
	}
	return r
}

// emit scripts a node that returns fixed outputs and counts its calls.
func emit(count *int, outputs map[string]any, action string) execFn {
	return func(context.Context, map[string]any, registry.Store) (map[string]any, string, error) {
		*count++
		out := make(map[string]any, len(outputs))
		for k, v := range outputs {
			out[k] = v
		}
		return out, action, nil
	}
}

func mustCompile(t *testing.T, w *ir.Workflow, reg *registry.Registry) *CompiledFlow {
	t.Helper()
	flow, err := Compile(w, reg)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	return flow
}

func completedOf(store runtime.Store) string {
	return strings.Join(store.Checkpoint().CompletedNodes, ",")
}

func TestExecuteLinear(t *testing.T) {
	w := &ir.Workflow{
		IRVersion: "1.0",
		Nodes: []ir.Node{
			{ID: "fetch", Type: "fetch_t", Params: map[string]any{"url": "https://example.test/v1"}},
			{ID: "shape", Type: "shape_t", Params: map[string]any{"text": "${fetch.body}"}},
		},
		Edges:   []ir.Edge{{From: "fetch", To: "shape"}},
		Outputs: map[string]ir.Output{"summary": {Source: "${shape.text}"}},
	}
	var fetches, shapes int
	reg := scriptRegistry(map[string]execFn{
		"fetch_t": emit(&fetches, map[string]any{"body": "hello"}, "default"),
		"shape_t": func(_ context.Context, params map[string]any, _ registry.Store) (map[string]any, string, error) {
			shapes++
			return map[string]any{"text": strings.ToUpper(params["text"].(string))}, "default", nil
		},
	})
	flow := mustCompile(t, w, reg)
	store := runtime.NewStore()

	res := (&Executor{}).Execute(context.Background(), flow, store, nil)

	if !res.Success {
		t.Fatalf("success = false, errors = %+v", res.Errors)
	}
	if len(res.Errors) != 0 {
		t.Fatalf("errors on success = %+v", res.Errors)
	}
	if res.OutputData != "HELLO" {
		t.Fatalf("output = %v, want HELLO", res.OutputData)
	}
	if res.NodeCount != 2 || res.ActionResult != "default" {
		t.Fatalf("node count = %d, action = %q", res.NodeCount, res.ActionResult)
	}
	if fetches != 1 || shapes != 1 {
		t.Fatalf("exec counts = %d, %d", fetches, shapes)
	}
	cp := store.Checkpoint()
	if got := completedOf(store); got != "fetch,shape" {
		t.Fatalf("completed = %q", got)
	}
	if cp.FailedNode != "" {
		t.Fatalf("failed node = %q on success", cp.FailedNode)
	}
	if len(cp.NodeHashes) != 2 || cp.NodeHashes["fetch"] == "" {
		t.Fatalf("hashes = %v", cp.NodeHashes)
	}
	if hits := store.CacheHits(); hits != nil {
		t.Fatalf("cache hits on first run = %v", hits)
	}
}

func TestExecuteCacheFastForward(t *testing.T) {
	w := &ir.Workflow{
		IRVersion: "1.0",
		Nodes: []ir.Node{
			{ID: "a", Type: "a_t", Params: map[string]any{"k": "v"}},
			{ID: "b", Type: "b_t", Params: map[string]any{"in": "${a.out}"}},
		},
		Edges:   []ir.Edge{{From: "a", To: "b"}},
		Outputs: map[string]ir.Output{"final": {Source: "${b.done}"}},
	}
	var as, bs int
	reg := scriptRegistry(map[string]execFn{
		"a_t": emit(&as, map[string]any{"out": "x"}, "default"),
		"b_t": emit(&bs, map[string]any{"done": true}, "default"),
	})
	flow := mustCompile(t, w, reg)
	store := runtime.NewStore()
	x := &Executor{}

	first := x.Execute(context.Background(), flow, store, nil)
	if !first.Success || as != 1 || bs != 1 {
		t.Fatalf("first run: success=%t counts=%d,%d", first.Success, as, bs)
	}

	second := x.Execute(context.Background(), flow, store, nil)
	if !second.Success {
		t.Fatalf("second run failed: %+v", second.Errors)
	}
	if as != 1 || bs != 1 {
		t.Fatalf("cached rerun executed nodes: counts = %d, %d", as, bs)
	}
	if got := strings.Join(store.CacheHits(), ","); got != "a,b" {
		t.Fatalf("cache hits = %q, want %q", got, "a,b")
	}
	if second.OutputData != true {
		t.Fatalf("cached output = %v", second.OutputData)
	}
	if second.NodeCount != 2 {
		t.Fatalf("node count = %d", second.NodeCount)
	}
}

func TestExecuteErrorActionStops(t *testing.T) {
	w := &ir.Workflow{
		IRVersion: "1.0",
		Nodes: []ir.Node{
			{ID: "boom", Type: "boom_t"},
			{ID: "after", Type: "after_t"},
		},
		Edges: []ir.Edge{{From: "boom", To: "after"}},
	}
	var booms, afters int
	reg := scriptRegistry(map[string]execFn{
		"boom_t":  emit(&booms, map[string]any{"error": "db down"}, "error"),
		"after_t": emit(&afters, nil, "default"),
	})
	flow := mustCompile(t, w, reg)
	store := runtime.NewStore()

	res := (&Executor{}).Execute(context.Background(), flow, store, nil)

	if res.Success {
		t.Fatalf("success on error action")
	}
	if afters != 0 {
		t.Fatalf("downstream node ran after error action")
	}
	if res.ActionResult != "error" {
		t.Fatalf("action result = %q", res.ActionResult)
	}
	if len(res.Errors) != 1 {
		t.Fatalf("errors = %+v", res.Errors)
	}
	rec := res.Errors[0]
	if rec.NodeID != "boom" || rec.Message != "db down" || !rec.Fixable {
		t.Fatalf("record = %+v", rec)
	}
	if rec.Category != runtime.CategoryExecutionFailure {
		t.Fatalf("category = %q", rec.Category)
	}
	cp := store.Checkpoint()
	if cp.FailedNode != "boom" || cp.Completed("boom") {
		t.Fatalf("checkpoint = %+v", cp)
	}
}

func TestExecuteErrorEdgeRecovers(t *testing.T) {
	w := &ir.Workflow{
		IRVersion: "1.0",
		Nodes: []ir.Node{
			{ID: "risky", Type: "risky_t"},
			{ID: "cleanup", Type: "cleanup_t"},
		},
		Edges: []ir.Edge{{From: "risky", To: "cleanup", Action: "error"}},
	}
	var riskies, cleanups int
	reg := scriptRegistry(map[string]execFn{
		"risky_t":   emit(&riskies, map[string]any{"error": "flaked"}, "error"),
		"cleanup_t": emit(&cleanups, map[string]any{"recovered": true}, "default"),
	})
	flow := mustCompile(t, w, reg)
	store := runtime.NewStore()

	res := (&Executor{}).Execute(context.Background(), flow, store, nil)

	if !res.Success {
		t.Fatalf("error-edge recovery should succeed: %+v", res.Errors)
	}
	if cleanups != 1 || res.ActionResult != "default" {
		t.Fatalf("cleanups = %d, action = %q", cleanups, res.ActionResult)
	}
	cp := store.Checkpoint()
	if cp.Completed("risky") {
		t.Fatalf("error-action node joined the completed set")
	}
	if !cp.Completed("cleanup") {
		t.Fatalf("cleanup not completed")
	}
	// The failed marker survives so a resume retries the flaky node.
	if cp.FailedNode != "risky" {
		t.Fatalf("failed node = %q", cp.FailedNode)
	}
}

func TestExecuteResumeFromFailedNode(t *testing.T) {
	w := &ir.Workflow{
		IRVersion: "1.0",
		Nodes: []ir.Node{
			{ID: "a", Type: "ra_t"},
			{ID: "b", Type: "rb_t"},
			{ID: "c", Type: "rc_t"},
		},
		Edges: []ir.Edge{{From: "a", To: "b"}, {From: "b", To: "c"}},
	}
	var as, bs, cs int
	reg := scriptRegistry(map[string]execFn{
		"ra_t": emit(&as, map[string]any{"v": 1}, "default"),
		"rb_t": emit(&bs, map[string]any{"v": 2}, "default"),
		"rc_t": emit(&cs, map[string]any{"v": 3}, "default"),
	})
	flow := mustCompile(t, w, reg)

	store := runtime.NewStore()
	cp := store.Checkpoint()
	cp.Record("a", "h-prior", "default", false)
	cp.Record("b", "h-prior", "error", true)
	store.SetNodeOutputs("a", map[string]any{"v": 1})

	res := (&Executor{}).Execute(context.Background(), flow, store, nil)

	if !res.Success {
		t.Fatalf("resume failed: %+v", res.Errors)
	}
	if as != 0 {
		t.Fatalf("resume re-executed the node before the failure point")
	}
	if bs != 1 || cs != 1 {
		t.Fatalf("counts = %d, %d", bs, cs)
	}
	if got := completedOf(store); got != "a,b,c" {
		t.Fatalf("completed = %q", got)
	}
	if store.Checkpoint().FailedNode != "" {
		t.Fatalf("failed node not cleared: %q", store.Checkpoint().FailedNode)
	}
}

func TestExecuteCancellation(t *testing.T) {
	w := &ir.Workflow{
		IRVersion: "1.0",
		Nodes: []ir.Node{
			{ID: "a", Type: "ca_t"},
			{ID: "b", Type: "cb_t"},
		},
		Edges: []ir.Edge{{From: "a", To: "b"}},
	}
	ctx, cancel := context.WithCancel(context.Background())
	var as, bs int
	reg := scriptRegistry(map[string]execFn{
		"ca_t": func(context.Context, map[string]any, registry.Store) (map[string]any, string, error) {
			as++
			cancel() // caller gives up while a is running
			return map[string]any{"v": 1}, "default", nil
		},
		"cb_t": emit(&bs, map[string]any{"v": 2}, "default"),
	})
	flow := mustCompile(t, w, reg)
	store := runtime.NewStore()
	x := &Executor{}

	res := x.Execute(ctx, flow, store, nil)

	if res.Success {
		t.Fatalf("canceled run reported success")
	}
	if bs != 0 {
		t.Fatalf("node after cancellation ran")
	}
	if len(res.Errors) != 1 || !strings.Contains(res.Errors[0].Message, "canceled before node \"b\"") {
		t.Fatalf("errors = %+v", res.Errors)
	}
	if got := completedOf(store); got != "a" {
		t.Fatalf("completed = %q", got)
	}
	if store.Checkpoint().FailedNode != "" {
		t.Fatalf("cancellation set a failed node: %q", store.Checkpoint().FailedNode)
	}

	// Same store, fresh context: a is served from cache, b runs.
	res2 := x.Execute(context.Background(), flow, store, nil)
	if !res2.Success {
		t.Fatalf("resume after cancel failed: %+v", res2.Errors)
	}
	if as != 1 || bs != 1 {
		t.Fatalf("counts after resume = %d, %d", as, bs)
	}
	if got := strings.Join(store.CacheHits(), ","); got != "a" {
		t.Fatalf("cache hits = %q", got)
	}
}

func TestExecuteStepGuardBreaksErrorCycle(t *testing.T) {
	w := &ir.Workflow{
		IRVersion: "1.0",
		Nodes:     []ir.Node{{ID: "retry", Type: "retry_t"}},
		Edges:     []ir.Edge{{From: "retry", To: "retry", Action: "error:again"}},
	}
	var tries int
	reg := scriptRegistry(map[string]execFn{
		"retry_t": emit(&tries, map[string]any{"error": "still broken"}, "error:again"),
	})
	flow := mustCompile(t, w, reg)
	store := runtime.NewStore()

	res := (&Executor{}).Execute(context.Background(), flow, store, nil)

	if res.Success {
		t.Fatalf("success on a stuck retry loop")
	}
	if tries != 64 || res.NodeCount != 64 {
		t.Fatalf("tries = %d, node count = %d, want 64", tries, res.NodeCount)
	}
	if len(res.Errors) != 1 || !strings.Contains(res.Errors[0].Message, "step limit 64") {
		t.Fatalf("errors = %+v", res.Errors)
	}
	if res.Errors[0].Action != "error:again" || !res.Errors[0].Fixable {
		t.Fatalf("record = %+v", res.Errors[0])
	}
	if res.ActionResult != actionExecutionFailure {
		t.Fatalf("action result = %q", res.ActionResult)
	}
}

func TestExecuteOutputData(t *testing.T) {
	w := &ir.Workflow{
		IRVersion: "1.0",
		Nodes:     []ir.Node{{ID: "a", Type: "oa_t"}},
		Outputs: map[string]ir.Output{
			"greeting": {Source: "${a.text}"},
			"count":    {Source: "${a.n}"},
		},
	}
	var as int
	reg := scriptRegistry(map[string]execFn{
		"oa_t": emit(&as, map[string]any{"text": "hi", "n": 7}, "default"),
	})
	flow := mustCompile(t, w, reg)
	store := runtime.NewStore()

	res := (&Executor{}).Execute(context.Background(), flow, store, nil)
	if !res.Success {
		t.Fatalf("run failed: %+v", res.Errors)
	}
	want := map[string]any{"greeting": "hi", "count": 7}
	if !reflect.DeepEqual(res.OutputData, want) {
		t.Fatalf("output = %#v, want %#v", res.OutputData, want)
	}

	keyed := (&Executor{OutputKey: "count"}).Execute(context.Background(), flow, store, nil)
	if !keyed.Success || keyed.OutputData != 7 {
		t.Fatalf("keyed output = %v (success=%t)", keyed.OutputData, keyed.Success)
	}
}

func TestExecuteOutputSourceUnresolvable(t *testing.T) {
	w := &ir.Workflow{
		IRVersion: "1.0",
		Nodes:     []ir.Node{{ID: "a", Type: "ua_t"}},
		Outputs:   map[string]ir.Output{"missing": {Source: "${ghost.q}"}},
	}
	var as int
	reg := scriptRegistry(map[string]execFn{
		"ua_t": emit(&as, map[string]any{"text": "hi"}, "default"),
	})
	flow := mustCompile(t, w, reg)

	res := (&Executor{}).Execute(context.Background(), flow, runtime.NewStore(), nil)
	if !res.Success {
		t.Fatalf("output extraction must not fail the run: %+v", res.Errors)
	}
	if res.OutputData != nil {
		t.Fatalf("output = %v, want nil for an unresolvable source", res.OutputData)
	}
}

func TestExecuteSeedsInputs(t *testing.T) {
	w := &ir.Workflow{
		IRVersion: "1.0",
		Nodes:     []ir.Node{{ID: "echo", Type: "in_t", Params: map[string]any{"r": "${region}", "l": "${limit}"}}},
		Inputs: map[string]ir.Input{
			"region": {Type: "string", Default: "eu"},
			"limit":  {Type: "number"},
		},
	}
	var got map[string]any
	reg := scriptRegistry(map[string]execFn{
		"in_t": func(_ context.Context, params map[string]any, _ registry.Store) (map[string]any, string, error) {
			got = params
			return map[string]any{"ok": true}, "default", nil
		},
	})
	flow := mustCompile(t, w, reg)

	res := (&Executor{}).Execute(context.Background(), flow, runtime.NewStore(), map[string]any{"limit": 3})
	if !res.Success {
		t.Fatalf("run failed: %+v", res.Errors)
	}
	if got["r"] != "eu" || got["l"] != 3 {
		t.Fatalf("resolved inputs = %v", got)
	}

	// An explicit param beats the declared default.
	res = (&Executor{}).Execute(context.Background(), flow, runtime.NewStore(), map[string]any{"region": "us", "limit": 3})
	if !res.Success || got["r"] != "us" {
		t.Fatalf("resolved inputs with override = %v", got)
	}
}
