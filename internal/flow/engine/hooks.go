// Package engine compiles workflow IR into an executable graph, drives
// checkpointed execution, and orchestrates LLM-backed repair. It is the only
// package that mutates a run's shared store, and it does so single-threaded
// per run.
package engine

import (
	"time"

	"github.com/pflow-ai/pflow/internal/logging"
)

// NodeStatus is reported through the output hook as nodes progress.
type NodeStatus string

const (
	NodeStart     NodeStatus = "start"
	NodeCompleted NodeStatus = "completed"
	NodeCached    NodeStatus = "cached"
	NodeError     NodeStatus = "error"
	NodeRepaired  NodeStatus = "repaired"
)

// OutputHook receives human-facing progress. Implementations must tolerate
// being called from whichever goroutine runs the workflow.
type OutputHook interface {
	ShowProgress(msg string, isError bool)
	ShowNode(nodeID string, status NodeStatus, d time.Duration)
}

// TraceHook receives per-node resolved params and outputs for debugging.
type TraceHook interface {
	RecordNode(nodeID string, resolved, outputs map[string]any, d time.Duration)
}

// MetricsHook aggregates repair-LLM call accounting.
type MetricsHook interface {
	RecordLLM(info map[string]any)
	Summary() map[string]any
}

type nopOutput struct{}

func (nopOutput) ShowProgress(string, bool)                  {}
func (nopOutput) ShowNode(string, NodeStatus, time.Duration) {}

type nopTrace struct{}

func (nopTrace) RecordNode(string, map[string]any, map[string]any, time.Duration) {}

type nopMetrics struct{}

func (nopMetrics) RecordLLM(map[string]any) {}
func (nopMetrics) Summary() map[string]any  { return nil }

// LogOutput adapts an OutputHook onto a structured logger; the CLI uses it
// so node progress lands in the normal log stream.
type LogOutput struct {
	Log *logging.Logger
}

func (o LogOutput) ShowProgress(msg string, isError bool) {
	if isError {
		o.Log.Error(msg)
		return
	}
	o.Log.Info(msg)
}

func (o LogOutput) ShowNode(nodeID string, status NodeStatus, d time.Duration) {
	if status == NodeStart {
		o.Log.Debug("node start", "node", nodeID)
		return
	}
	o.Log.Info("node "+string(status), "node", nodeID, "duration_ms", d.Milliseconds())
}
