package ir

import "strings"

// CycleError reports a cycle among non-error edges. Nodes holds the cycle
// path with the entry node repeated at the end (a -> b -> a).
type CycleError struct {
	Nodes []string
}

func (e *CycleError) Error() string {
	return "cycle detected in non-error edges: " + strings.Join(e.Nodes, " -> ")
}

// ExecutionOrder computes the total node order by Kahn's algorithm over
// non-error edges. Error-action edges are ignored: explicit retry loops may
// cycle through them, but the forward dataflow graph must be acyclic. Ties
// break by node declaration order, so the result is deterministic for a
// given workflow.
func ExecutionOrder(w *Workflow) ([]string, error) {
	ids := w.NodeIDs()
	known := make(map[string]bool, len(ids))
	for _, id := range ids {
		known[id] = true
	}

	type pair struct{ from, to string }
	counted := map[pair]bool{}
	adj := make(map[string][]string)
	indeg := make(map[string]int, len(ids))
	for _, id := range ids {
		indeg[id] = 0
	}
	for _, e := range w.Edges {
		if IsErrorAction(e.ActionOrDefault()) {
			continue
		}
		// Dangling endpoints are the validator's concern; skip them here so
		// order computation stays total over declared nodes.
		if !known[e.From] || !known[e.To] {
			continue
		}
		p := pair{e.From, e.To}
		if counted[p] {
			continue
		}
		counted[p] = true
		adj[e.From] = append(adj[e.From], e.To)
		indeg[e.To]++
	}

	order := make([]string, 0, len(ids))
	emitted := make(map[string]bool, len(ids))
	for len(order) < len(ids) {
		picked := ""
		for _, id := range ids {
			if !emitted[id] && indeg[id] == 0 {
				picked = id
				break
			}
		}
		if picked == "" {
			break
		}
		emitted[picked] = true
		order = append(order, picked)
		for _, to := range adj[picked] {
			indeg[to]--
		}
	}
	if len(order) == len(ids) {
		return order, nil
	}

	remaining := make(map[string]bool)
	for _, id := range ids {
		if !emitted[id] {
			remaining[id] = true
		}
	}
	return nil, &CycleError{Nodes: findCycle(adj, remaining, ids)}
}

// findCycle extracts one concrete cycle path from the subgraph of nodes left
// over after Kahn's algorithm stalls.
func findCycle(adj map[string][]string, remaining map[string]bool, ids []string) []string {
	const (
		unvisited = 0
		onStack   = 1
		done      = 2
	)
	state := map[string]int{}
	var stack []string
	var cycle []string

	var visit func(string) bool
	visit = func(n string) bool {
		state[n] = onStack
		stack = append(stack, n)
		for _, m := range adj[n] {
			if !remaining[m] {
				continue
			}
			switch state[m] {
			case unvisited:
				if visit(m) {
					return true
				}
			case onStack:
				for i := len(stack) - 1; i >= 0; i-- {
					if stack[i] == m {
						cycle = append(append([]string{}, stack[i:]...), m)
						return true
					}
				}
			}
		}
		stack = stack[:len(stack)-1]
		state[n] = done
		return false
	}

	for _, id := range ids {
		if remaining[id] && state[id] == unvisited {
			if visit(id) {
				return cycle
			}
		}
	}

	// No explicit back-edge found (shouldn't happen); report the stuck set.
	var out []string
	for _, id := range ids {
		if remaining[id] {
			out = append(out, id)
		}
	}
	return out
}
