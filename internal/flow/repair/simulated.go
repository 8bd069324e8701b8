package repair

import (
	"context"
	"fmt"

	"github.com/pflow-ai/pflow/internal/flow/ir"
	"github.com/pflow-ai/pflow/internal/flow/runtime"
)

// Call records the arguments of one Repair invocation.
type Call struct {
	Workflow   *ir.Workflow
	Errors     []runtime.ErrorRecord
	Excerpt    map[string]any
	Params     map[string]any
	CacheHints any
}

// Simulated replays scripted repair results in order. Tests preload Queue
// and inspect Calls afterwards. Not safe for concurrent use; the
// orchestrator calls repair sequentially within a run.
type Simulated struct {
	Queue []*Result
	Calls []Call
}

func (s *Simulated) Repair(ctx context.Context, w *ir.Workflow, errs []runtime.ErrorRecord,
	sharedExcerpt map[string]any, params map[string]any, cacheHints any) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.Calls = append(s.Calls, Call{
		Workflow:   w,
		Errors:     errs,
		Excerpt:    sharedExcerpt,
		Params:     params,
		CacheHints: cacheHints,
	})
	if len(s.Queue) == 0 {
		return nil, fmt.Errorf("simulated repair: queue exhausted after %d calls", len(s.Calls))
	}
	res := s.Queue[0]
	s.Queue = s.Queue[1:]
	return res, nil
}
