package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/pflow-ai/pflow/internal/flow/ir"
	"github.com/pflow-ai/pflow/internal/flow/manager"
	"github.com/pflow-ai/pflow/internal/flow/registry"
	"github.com/pflow-ai/pflow/internal/flow/repair"
	"github.com/pflow-ai/pflow/internal/flow/runtime"
	"github.com/pflow-ai/pflow/internal/flow/validate"
	"github.com/pflow-ai/pflow/internal/logging"
)

// Repair attempt bounds. Validation repairs, runtime attempts, and inner
// candidate-fix rounds are each capped independently, so the orchestrator
// always terminates.
const (
	MaxValidationAttempts = 3
	MaxRuntimeLoops       = 3
	MaxInnerRepairs       = 3
)

// plannerCacheChunksParam carries opaque repair-prompt hints supplied by a
// planning layer; the orchestrator passes it through untouched.
const plannerCacheChunksParam = "__planner_cache_chunks__"

// Options configures one ExecuteWorkflow call.
type Options struct {
	// Params are caller-supplied execution params; they seed declared inputs
	// and are available as template roots.
	Params map[string]any
	// EnableRepair turns on both repair phases. Requires Repair.
	EnableRepair bool
	// ResumeState is a prior run's shared store; nil starts fresh.
	ResumeState runtime.Store
	// Registry defaults to registry.NewDefaultRegistry().
	Registry *registry.Registry
	// Repair produces candidates when EnableRepair is set.
	Repair repair.Client

	Output  OutputHook
	Trace   TraceHook
	Metrics MetricsHook

	// Manager plus WorkflowName enable execution bookkeeping and repaired-IR
	// persistence.
	Manager      *manager.Manager
	WorkflowName string
	// SkipRepairPersist keeps a repaired IR out of the manager store.
	SkipRepairPersist bool

	// StdinData routes to the workflow's stdin: true input.
	StdinData *string
	// OutputKey selects one declared output as OutputData.
	OutputKey string

	Log *logging.Logger
}

// ExecuteWorkflow validates, compiles, and runs a workflow, repairing it
// between attempts when enabled. Exactly one Result comes back per call on
// every path, carrying the live store for resume.
func ExecuteWorkflow(ctx context.Context, w *ir.Workflow, opts Options) *Result {
	started := time.Now()
	runID := ulid.Make().String()
	log := opts.Log.WithRun(runID)

	reg := opts.Registry
	if reg == nil {
		reg = registry.NewDefaultRegistry()
	}
	var out OutputHook = nopOutput{}
	if opts.Output != nil {
		out = opts.Output
	}
	var metrics MetricsHook = nopMetrics{}
	if opts.Metrics != nil {
		metrics = opts.Metrics
	}

	var store runtime.Store
	if opts.ResumeState != nil {
		store = runtime.FromMap(opts.ResumeState)
	} else {
		store = runtime.NewStore()
	}

	fail := func(errs ...runtime.ErrorRecord) *Result {
		return &Result{
			Shared:         store,
			Errors:         errs,
			Duration:       time.Since(started),
			MetricsSummary: metrics.Summary(),
		}
	}

	if w == nil {
		return fail(runtime.ErrorRecord{
			Source:   runtime.SourceValidation,
			Category: runtime.CategoryStaticValidation,
			Message:  "workflow is nil",
		})
	}

	params := make(map[string]any, len(opts.Params))
	for k, v := range opts.Params {
		params[k] = v
	}

	if opts.StdinData != nil {
		name, ok := stdinInputName(w)
		if !ok {
			return fail(runtime.ErrorRecord{
				Source:   runtime.SourceValidation,
				Category: runtime.CategoryStaticValidation,
				Message:  "stdin data was provided but no input declares stdin: true",
				Hint:     "mark exactly one input with stdin: true to receive piped data",
			})
		}
		if _, exists := params[name]; !exists {
			params[name] = coerceInput(*opts.StdinData, w.Inputs[name].Type)
		}
	}

	if missing := missingRequiredInputs(w, params, store); len(missing) > 0 {
		return fail(runtime.ErrorRecord{
			Source:   runtime.SourceValidation,
			Category: runtime.CategoryStaticValidation,
			Message:  "missing required inputs: " + strings.Join(missing, ", "),
			Hint:     "pass values as params or declare defaults",
		})
	}

	if opts.OutputKey != "" {
		if _, ok := w.Outputs[opts.OutputKey]; !ok {
			return fail(runtime.ErrorRecord{
				Source:   runtime.SourceValidation,
				Category: runtime.CategoryStaticValidation,
				Message:  fmt.Sprintf("output key %q is not a declared output", opts.OutputKey),
				Hint:     "declared outputs: " + strings.Join(outputNames(w), ", "),
			})
		}
	}

	cacheHints := params[plannerCacheChunksParam]
	anyRepair := false

	// Phase 1: validation repair loop.
	validated := false
	var vdiags []validate.Diagnostic
	for attempt := 0; attempt < MaxValidationAttempts; attempt++ {
		vdiags = validate.Errors(validate.Validate(w, validate.Options{Params: params, Registry: reg}))
		if len(vdiags) == 0 {
			validated = true
			break
		}
		log.Debug("validation failed", "attempt", attempt, "errors", len(vdiags))
		if !opts.EnableRepair || opts.Repair == nil {
			return fail(validationRecords(w, vdiags)...)
		}
		rep, err := callRepair(ctx, opts.Repair, metrics, store, log,
			"validation", attempt, w, validationRecords(w, vdiags), nil, params, cacheHints)
		if err != nil || rep.Candidate == nil || len(rep.ModifiedNodeIDs) == 0 {
			return fail(validationRecords(w, vdiags)...)
		}
		w = rep.Candidate
		anyRepair = true
		out.ShowProgress(fmt.Sprintf("validation repair modified %d node(s)", len(rep.ModifiedNodeIDs)), false)
	}
	if !validated {
		return fail(validationRecords(w, vdiags)...)
	}

	// Phase 2: runtime loop with repair between attempts.
	executor := &Executor{
		Output:    opts.Output,
		Trace:     opts.Trace,
		Metrics:   opts.Metrics,
		OutputKey: opts.OutputKey,
		Log:       log,
	}
	seenSignatures := map[string]bool{}
	var lastResult *Result

	for outer := 0; outer < MaxRuntimeLoops; outer++ {
		// Validation runs before every compile; repaired candidates were
		// checked in the inner loop, so this guards resume tampering and
		// future callers that skip phase 1.
		if vErrs := validate.Errors(validate.Validate(w, validate.Options{Params: params, Registry: reg})); len(vErrs) > 0 {
			return fail(validationRecords(w, vErrs)...)
		}
		compiled, err := Compile(w, reg)
		if err != nil {
			return fail(runtime.ErrorRecord{
				Source:   runtime.SourceRuntime,
				Category: runtime.CategoryExecutionFailure,
				Message:  err.Error(),
			})
		}

		log.Info("executing workflow", "attempt", outer, "nodes", len(w.Nodes), "resume_from", store.Checkpoint().FailedNode)
		result := executor.Execute(ctx, compiled, store, params)
		lastResult = result
		result.MetricsSummary = metrics.Summary()

		if result.Success {
			if anyRepair {
				result.RepairedWorkflow = w
			}
			persistOutcome(opts, w, result, anyRepair, out, log)
			return result
		}
		if ctx.Err() != nil {
			return result
		}
		if store.NonRepairable() || !opts.EnableRepair || opts.Repair == nil || len(result.Errors) == 0 {
			return result
		}

		sig := errorSignature(result.Errors[0])
		if seenSignatures[sig] {
			log.Warn("same error signature twice, stopping repair", "signature", sig)
			out.ShowProgress("repair loop detected, giving up", true)
			return result
		}
		seenSignatures[sig] = true

		candidate, modified := repairUntilValid(ctx, w, result, store, params, cacheHints, reg, opts, metrics, log)
		if candidate == nil {
			return result
		}

		order, err := ir.ExecutionOrder(candidate)
		if err != nil {
			return result
		}
		store.Checkpoint().InvalidateDescendants(modified, order)
		store.AddModifiedNodes(modified)
		w = candidate
		anyRepair = true

		for _, id := range modified {
			out.ShowNode(id, NodeRepaired, 0)
		}
		log.Info("runtime repair adopted", "modified", strings.Join(modified, ","), "resume_from", store.Checkpoint().FailedNode)
	}
	return lastResult
}

// repairUntilValid asks the repair client for a candidate and keeps feeding
// validation failures back until the candidate validates or the inner bound
// is hit. Returns nil when repair gave up, errored, or proposed no change.
func repairUntilValid(ctx context.Context, w *ir.Workflow, result *Result, store runtime.Store,
	params map[string]any, cacheHints any, reg *registry.Registry, opts Options,
	metrics MetricsHook, log *logging.Logger) (*ir.Workflow, []string) {

	repairIR := w
	repairErrs := result.Errors
	excerpt := sharedExcerpt(store, w, result.Errors[0].NodeID)

	for inner := 0; inner < MaxInnerRepairs; inner++ {
		rep, err := callRepair(ctx, opts.Repair, metrics, store, log,
			"runtime", inner, repairIR, repairErrs, excerpt, params, cacheHints)
		if err != nil || rep.Candidate == nil || len(rep.ModifiedNodeIDs) == 0 {
			return nil, nil
		}
		vErrs := validate.Errors(validate.Validate(rep.Candidate, validate.Options{Params: params, Registry: reg}))
		if len(vErrs) == 0 {
			return rep.Candidate, rep.ModifiedNodeIDs
		}
		log.Debug("repair candidate failed validation", "inner", inner, "errors", len(vErrs))
		repairIR = rep.Candidate
		repairErrs = validationRecords(rep.Candidate, vErrs)
		excerpt = nil // validation rounds need no runtime state
	}
	return nil, nil
}

// callRepair times one repair invocation and books it under __llm_calls__
// and the metrics hook, on success and failure alike.
func callRepair(ctx context.Context, client repair.Client, metrics MetricsHook, store runtime.Store,
	log *logging.Logger, phase string, attempt int, w *ir.Workflow, errs []runtime.ErrorRecord,
	excerpt map[string]any, params map[string]any, cacheHints any) (*repair.Result, error) {

	repairStart := time.Now()
	rep, err := client.Repair(ctx, w, errs, excerpt, params, cacheHints)
	info := map[string]any{
		"phase":       phase,
		"attempt":     attempt,
		"duration_ms": time.Since(repairStart).Milliseconds(),
	}
	if err != nil {
		info["error"] = err.Error()
	} else if rep != nil {
		info["rationale"] = rep.Rationale
	}
	store.AppendLLMCall(info)
	metrics.RecordLLM(info)
	if err != nil {
		log.Warn("repair call failed", "phase", phase, "attempt", attempt, "err", err)
		return nil, err
	}
	if rep == nil {
		return nil, fmt.Errorf("repair client returned no result")
	}
	return rep, nil
}

// sharedExcerpt projects the store down to what a repair prompt needs: the
// failed node's namespace, its direct upstream namespaces, the warning map,
// and the top-level error. String values are capped at the raw-response
// budget.
func sharedExcerpt(store runtime.Store, w *ir.Workflow, failedID string) map[string]any {
	excerpt := map[string]any{}
	if failedID != "" {
		if m, ok := store.NodeOutputs(failedID); ok {
			excerpt[failedID] = capValue(m)
		}
		for _, e := range w.Edges {
			if e.To != failedID || e.From == failedID {
				continue
			}
			if m, ok := store.NodeOutputs(e.From); ok {
				excerpt[e.From] = capValue(m)
			}
		}
	}
	if warnings := store.Warnings(); len(warnings) > 0 {
		excerpt[runtime.KeyWarnings] = warnings
	}
	if v, ok := store["error"]; ok {
		excerpt["error"] = capValue(v)
	}
	return excerpt
}

// capValue deep-copies v with every string cut at the raw-response budget.
func capValue(v any) any {
	switch x := v.(type) {
	case string:
		if len(x) > maxRawResponseBytes {
			return x[:maxRawResponseBytes]
		}
		return x
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			out[k] = capValue(e)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = capValue(e)
		}
		return out
	default:
		return v
	}
}

// persistOutcome records execution bookkeeping and, when a repair was
// adopted, the repaired IR. Persistence failures degrade to log warnings;
// the run already succeeded.
func persistOutcome(opts Options, w *ir.Workflow, result *Result, anyRepair bool, out OutputHook, log *logging.Logger) {
	if opts.Manager == nil || opts.WorkflowName == "" {
		return
	}
	now := time.Now()
	err := opts.Manager.UpdateMetadata(opts.WorkflowName, func(m *manager.Metadata) {
		m.ExecutionCount++
		m.LastExecutionAt = &now
		m.LastExecutionStatus = "success"
		m.LastExecutionDurationMS = result.Duration.Milliseconds()
	})
	if err != nil {
		log.Warn("execution bookkeeping failed", "workflow", opts.WorkflowName, "err", err)
	}
	if anyRepair && !opts.SkipRepairPersist {
		if err := opts.Manager.UpdateIR(opts.WorkflowName, w); err != nil {
			log.Warn("persisting repaired workflow failed", "workflow", opts.WorkflowName, "err", err)
			return
		}
		out.ShowProgress(fmt.Sprintf("saved repaired workflow %q", opts.WorkflowName), false)
	}
}

// validationRecords converts validator findings into error records. Template
// rules map to template_error so repair prompts and S-style callers see the
// right category; everything else is static_validation.
func validationRecords(w *ir.Workflow, diags []validate.Diagnostic) []runtime.ErrorRecord {
	recs := make([]runtime.ErrorRecord, 0, len(diags))
	for _, d := range diags {
		msg := d.Message
		if d.Path != "" {
			msg = d.Path + ": " + msg
		}
		rec := runtime.ErrorRecord{
			Source:   runtime.SourceValidation,
			Category: runtime.CategoryStaticValidation,
			Message:  msg,
			Fixable:  true,
			Hint:     d.Hint,
		}
		if strings.HasPrefix(d.Rule, "template") {
			rec.Category = runtime.CategoryTemplateError
		}
		if id, ok := nodeIDFromPath(w, d.Path); ok {
			rec.NodeID = id
			rec.NodeType = w.NodeType(id)
		}
		recs = append(recs, rec)
	}
	return recs
}

func nodeIDFromPath(w *ir.Workflow, path string) (string, bool) {
	if w == nil || !strings.HasPrefix(path, "nodes[") {
		return "", false
	}
	rest := path[len("nodes["):]
	end := strings.IndexByte(rest, ']')
	if end < 0 {
		return "", false
	}
	idx, err := strconv.Atoi(rest[:end])
	if err != nil || idx < 0 || idx >= len(w.Nodes) {
		return "", false
	}
	return w.Nodes[idx].ID, true
}

func stdinInputName(w *ir.Workflow) (string, bool) {
	for name, in := range w.Inputs {
		if in.Stdin {
			return name, true
		}
	}
	return "", false
}

// coerceInput parses stdin data for non-string declared types; anything that
// does not parse stays a raw string rather than failing the run.
func coerceInput(raw, typ string) any {
	if typ == "" || typ == "string" {
		return raw
	}
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err == nil {
		return v
	}
	return raw
}

func missingRequiredInputs(w *ir.Workflow, params map[string]any, store runtime.Store) []string {
	var missing []string
	for name, in := range w.Inputs {
		if !in.Required || in.Default != nil {
			continue
		}
		if _, ok := params[name]; ok {
			continue
		}
		if _, ok := store[name]; ok {
			continue
		}
		missing = append(missing, name)
	}
	sort.Strings(missing)
	return missing
}

func outputNames(w *ir.Workflow) []string {
	names := make([]string, 0, len(w.Outputs))
	for name := range w.Outputs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
