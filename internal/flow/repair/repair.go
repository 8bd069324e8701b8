// Package repair produces corrected workflow candidates from error records.
// The orchestrator owns the retry loops; clients here only turn one (IR,
// errors, shared-state excerpt) triple into one candidate.
package repair

import (
	"context"

	"github.com/pflow-ai/pflow/internal/flow/ir"
	"github.com/pflow-ai/pflow/internal/flow/runtime"
)

// Result is one repair proposal. Candidate is the complete corrected IR;
// ModifiedNodeIDs lists every node whose params, type, or edges changed.
type Result struct {
	Candidate       *ir.Workflow `json:"workflow"`
	ModifiedNodeIDs []string     `json:"modified_node_ids"`
	Rationale       string       `json:"rationale,omitempty"`
}

// Client turns a failing workflow plus its error records into a repair
// candidate. sharedExcerpt carries the failed node's state neighborhood,
// params the caller-supplied execution params, and cacheHints describes
// which nodes have reusable cached results.
type Client interface {
	Repair(ctx context.Context, w *ir.Workflow, errs []runtime.ErrorRecord,
		sharedExcerpt map[string]any, params map[string]any, cacheHints any) (*Result, error)
}

// ClientFunc adapts a function to the Client interface.
type ClientFunc func(ctx context.Context, w *ir.Workflow, errs []runtime.ErrorRecord,
	sharedExcerpt map[string]any, params map[string]any, cacheHints any) (*Result, error)

func (f ClientFunc) Repair(ctx context.Context, w *ir.Workflow, errs []runtime.ErrorRecord,
	sharedExcerpt map[string]any, params map[string]any, cacheHints any) (*Result, error) {
	return f(ctx, w, errs, sharedExcerpt, params, cacheHints)
}
