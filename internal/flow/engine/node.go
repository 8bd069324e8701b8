package engine

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/zeebo/blake3"

	"github.com/pflow-ai/pflow/internal/flow/ir"
	"github.com/pflow-ai/pflow/internal/flow/registry"
	"github.com/pflow-ai/pflow/internal/flow/runtime"
	"github.com/pflow-ai/pflow/internal/flow/template"
)

const (
	actionTemplateFailed   = "error:template_failed"
	actionExecutionFailure = "error:execution_failure"
)

// surfacedKeys are node output keys mirrored to the store top level for
// templates that predate namespacing. The node namespace stays authoritative.
var surfacedKeys = []string{"response", "result"}

// instrumentedNode wraps one registry node with the per-node pipeline:
// resolve params, consult the checkpoint cache, execute under panic
// recovery, sniff outputs for external-call failures, store outputs, and
// record the checkpoint entry. It is the sole writer of checkpoint state.
type instrumentedNode struct {
	id     string
	typ    string
	params map[string]any
	impl   registry.Node
}

// nodeReport is what one pipeline pass hands back to the executor.
type nodeReport struct {
	Action   string
	Outputs  map[string]any
	Resolved map[string]any
	Cached   bool
	Duration time.Duration
	Err      error
}

func (n *instrumentedNode) run(ctx context.Context, store runtime.Store, params map[string]any, mode template.Mode) nodeReport {
	started := time.Now()
	cp := store.Checkpoint()

	rctx := store.TopLevel()
	for k, v := range params {
		rctx[k] = v
	}

	res := &template.Resolver{Mode: mode}
	resolvedAny, err := res.Resolve(n.params, rctx)
	if err != nil {
		outputs := map[string]any{"error": err.Error()}
		store.SetNodeOutputs(n.id, outputs)
		cp.Record(n.id, hashParams(n.params), actionTemplateFailed, true)
		return nodeReport{
			Action:   actionTemplateFailed,
			Outputs:  outputs,
			Duration: time.Since(started),
			Err:      err,
		}
	}
	resolved, _ := resolvedAny.(map[string]any)
	if resolved == nil {
		resolved = map[string]any{}
	}
	if len(res.Unresolved) > 0 {
		store.SetWarning(n.id, "unresolved template paths: "+strings.Join(res.Unresolved, ", "))
	}

	h := hashParams(resolved)

	if cp.Completed(n.id) && cp.NodeHashes[n.id] == h && !ir.IsErrorAction(cp.NodeActions[n.id]) {
		outputs, _ := store.NodeOutputs(n.id)
		store.AppendCacheHit(n.id)
		action := cp.NodeActions[n.id]
		if action == "" {
			action = ir.DefaultAction
		}
		return nodeReport{
			Action:   action,
			Outputs:  outputs,
			Resolved: resolved,
			Cached:   true,
			Duration: time.Since(started),
		}
	}

	outputs, action, execErr := n.exec(ctx, resolved, store)
	if execErr != nil {
		if outputs == nil {
			outputs = map[string]any{}
		}
		if _, ok := outputs["error"]; !ok {
			outputs["error"] = execErr.Error()
		}
		if !ir.IsErrorAction(action) {
			action = actionExecutionFailure
		}
	}
	if action == "" {
		action = ir.DefaultAction
	}

	n.sniff(store, outputs)

	store.SetNodeOutputs(n.id, outputs)
	for _, k := range surfacedKeys {
		if v, ok := outputs[k]; ok {
			store[k] = v
		}
	}

	cp.Record(n.id, h, action, ir.IsErrorAction(action))

	return nodeReport{
		Action:   action,
		Outputs:  outputs,
		Resolved: resolved,
		Duration: time.Since(started),
		Err:      execErr,
	}
}

// exec calls the node implementation with panic recovery, so a misbehaving
// node becomes an error action instead of tearing down the run.
func (n *instrumentedNode) exec(ctx context.Context, resolved map[string]any, store runtime.Store) (outputs map[string]any, action string, err error) {
	defer func() {
		if r := recover(); r != nil {
			outputs = nil
			action = actionExecutionFailure
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return n.impl.Exec(ctx, resolved, store)
}

// sniff inspects outputs for the failure shapes external calls return with
// a success action: ok/success flags, error arrays, HTTP statuses. Findings
// land in __warnings__; statuses repair cannot fix set the non-repairable
// flag so the orchestrator stops immediately.
func (n *instrumentedNode) sniff(store runtime.Store, outputs map[string]any) {
	if len(outputs) == 0 {
		return
	}
	var reasons []string
	if v, ok := outputs["ok"].(bool); ok && !v {
		reasons = append(reasons, "ok=false")
	}
	if v, ok := outputs["success"].(bool); ok && !v {
		reasons = append(reasons, "success=false")
	}
	if errs, ok := outputs["errors"].([]any); ok && len(errs) > 0 {
		reasons = append(reasons, fmt.Sprintf("%d errors reported", len(errs)))
	}
	status, hasStatus := intField(outputs, "status_code")
	if hasStatus && status >= 400 {
		reasons = append(reasons, fmt.Sprintf("status_code=%d", status))
	}
	if len(reasons) == 0 {
		return
	}

	summary := strings.Join(reasons, ", ")
	if msg := stringField(outputs, "error"); msg != "" {
		summary += ": " + msg
	}
	store.SetWarning(n.id, summary)

	if hasStatus && nonRepairableStatus(status, outputs) {
		store.SetNonRepairable()
	}
}

// nonRepairableStatus decides whether an HTTP-shaped failure is beyond
// repair: auth, not-found, and rate-limit always are; other 4xx are unless
// the body carries structured validation detail a repair could act on. 5xx
// are transient and stay repairable.
func nonRepairableStatus(status int, outputs map[string]any) bool {
	switch status {
	case 401, 403, 404, 429:
		return true
	}
	if status >= 400 && status < 500 {
		return !hasValidationDetail(outputs)
	}
	return false
}

func hasValidationDetail(outputs map[string]any) bool {
	for _, key := range []string{"raw_response", "response", "body", "detail"} {
		switch v := outputs[key].(type) {
		case map[string]any:
			if len(v) > 0 {
				return true
			}
		case []any:
			if len(v) > 0 {
				return true
			}
		case string:
			t := strings.TrimSpace(v)
			if strings.HasPrefix(t, "{") || strings.HasPrefix(t, "[") {
				return true
			}
		}
	}
	if errs, ok := outputs["errors"].([]any); ok && len(errs) > 0 {
		return true
	}
	msg := strings.ToLower(stringField(outputs, "error"))
	for _, marker := range []string{"input should be", "field required", "validation error"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// hashParams fingerprints resolved params. Go maps marshal with sorted keys,
// so equal values always produce equal JSON; values JSON cannot carry fall
// back to fmt so the node simply never cache-hits.
func hashParams(params map[string]any) string {
	b, err := json.Marshal(params)
	if err != nil {
		b = []byte(fmt.Sprintf("%#v", params))
	}
	sum := blake3.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func intField(m map[string]any, key string) (int, bool) {
	switch v := m[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return int(i), true
		}
	}
	return 0, false
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}
