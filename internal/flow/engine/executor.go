package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/pflow-ai/pflow/internal/flow/ir"
	"github.com/pflow-ai/pflow/internal/flow/runtime"
	"github.com/pflow-ai/pflow/internal/flow/template"
	"github.com/pflow-ai/pflow/internal/logging"
)

// Result is the single value every run hands back, success or not. Shared is
// the live store; callers keep it to resume.
type Result struct {
	Success          bool
	Shared           runtime.Store
	Errors           []runtime.ErrorRecord
	ActionResult     string
	NodeCount        int
	Duration         time.Duration
	OutputData       any
	MetricsSummary   map[string]any
	RepairedWorkflow *ir.Workflow
}

// Executor drives one compiled flow over one store. Single-threaded per run;
// distinct runs may execute concurrently with their own stores.
type Executor struct {
	Output    OutputHook
	Trace     TraceHook
	Metrics   MetricsHook
	OutputKey string
	Log       *logging.Logger
}

// Execute runs the flow from its start node, or from the checkpoint's failed
// node when resuming. Cancellation is honored at node boundaries only: the
// current node finishes, the checkpoint stays coherent, and the store goes
// back to the caller for a later resume.
func (x *Executor) Execute(ctx context.Context, flow *CompiledFlow, store runtime.Store, params map[string]any) *Result {
	started := time.Now()
	out, trace, metrics := x.hooks()

	res := &Result{Shared: store}

	store.ClearCacheHits()
	store.ClearNonRepairable()
	seedInputs(flow.Workflow, store, params)

	cp := store.Checkpoint()
	current := flow.Start
	if cp.FailedNode != "" {
		if _, ok := flow.Nodes[cp.FailedNode]; ok {
			current = cp.FailedNode
		} else {
			cp.FailedNode = "" // repair removed the node; restart from the top
		}
	}

	maxSteps := 16 * len(flow.Nodes)
	if maxSteps < 64 {
		maxSteps = 64
	}

	lastAction := ""
	canceled := false

	for step := 0; ; step++ {
		if err := ctx.Err(); err != nil {
			canceled = true
			res.Errors = append(res.Errors, runtime.ErrorRecord{
				Source:   runtime.SourceRuntime,
				Category: runtime.CategoryExecutionFailure,
				Message:  fmt.Sprintf("execution canceled before node %q: %v", current, err),
				NodeID:   current,
				NodeType: flow.Workflow.NodeType(current),
			})
			out.ShowProgress("execution canceled", true)
			break
		}
		if step >= maxSteps {
			res.Errors = append(res.Errors, runtime.ErrorRecord{
				Source:   runtime.SourceRuntime,
				Category: runtime.CategoryExecutionFailure,
				Message:  fmt.Sprintf("step limit %d reached at node %q; error-edge cycle suspected", maxSteps, current),
				NodeID:   current,
				NodeType: flow.Workflow.NodeType(current),
				Action:   lastAction,
				Fixable:  !store.NonRepairable(),
			})
			lastAction = actionExecutionFailure
			break
		}
		node, ok := flow.Nodes[current]
		if !ok {
			res.Errors = append(res.Errors, runtime.ErrorRecord{
				Source:   runtime.SourceRuntime,
				Category: runtime.CategoryExecutionFailure,
				Message:  fmt.Sprintf("node %q is not in the compiled flow", current),
				NodeID:   current,
			})
			lastAction = actionExecutionFailure
			break
		}

		out.ShowNode(current, NodeStart, 0)
		report := node.run(ctx, store, params, flow.Mode)
		lastAction = report.Action
		res.NodeCount++

		status := NodeCompleted
		switch {
		case report.Cached:
			status = NodeCached
		case ir.IsErrorAction(report.Action):
			status = NodeError
		}
		out.ShowNode(current, status, report.Duration)
		trace.RecordNode(current, report.Resolved, report.Outputs, report.Duration)
		x.Log.Debug("node finished",
			"node", current,
			"action", report.Action,
			"cached", report.Cached,
			"duration_ms", report.Duration.Milliseconds())

		next, ok := flow.Next(current, report.Action)
		if !ok {
			break
		}
		current = next
	}

	res.Duration = time.Since(started)
	res.ActionResult = lastAction
	res.Success = !canceled && lastAction != "" && !ir.IsErrorAction(lastAction) && !store.NonRepairable()

	if res.Success {
		res.OutputData = outputData(flow.Workflow, store, flow.Mode, x.OutputKey)
	} else if len(res.Errors) == 0 {
		res.Errors = append(res.Errors, extractError(lastAction, store, flow.Workflow))
	}
	res.MetricsSummary = metrics.Summary()
	return res
}

func (x *Executor) hooks() (OutputHook, TraceHook, MetricsHook) {
	var out OutputHook = nopOutput{}
	var trace TraceHook = nopTrace{}
	var metrics MetricsHook = nopMetrics{}
	if x.Output != nil {
		out = x.Output
	}
	if x.Trace != nil {
		trace = x.Trace
	}
	if x.Metrics != nil {
		metrics = x.Metrics
	}
	return out, trace, metrics
}

// seedInputs writes declared inputs into the store top level when absent:
// caller params first, then declared defaults. Resume states keep whatever
// values they already carry.
func seedInputs(w *ir.Workflow, store runtime.Store, params map[string]any) {
	for name, in := range w.Inputs {
		if _, ok := store[name]; ok {
			continue
		}
		if v, ok := params[name]; ok {
			store[name] = v
			continue
		}
		if in.Default != nil {
			store[name] = in.Default
		}
	}
}

// outputData evaluates the declared output sources against the final store.
// One declared output yields its bare value; several yield a name→value map;
// outputKey picks a single one. A source that fails to resolve yields nil
// for its key; the run's success is already decided.
func outputData(w *ir.Workflow, store runtime.Store, mode template.Mode, outputKey string) any {
	if len(w.Outputs) == 0 {
		return nil
	}
	rctx := store.TopLevel()
	values := make(map[string]any, len(w.Outputs))
	for name, out := range w.Outputs {
		res := &template.Resolver{Mode: mode}
		v, err := res.Resolve(out.Source, rctx)
		if err != nil {
			v = nil
		}
		values[name] = v
	}
	if outputKey != "" {
		return values[outputKey]
	}
	if len(values) == 1 {
		for _, v := range values {
			return v
		}
	}
	return values
}
