package runtime

// Checkpoint is the __execution__ sub-tree of the shared store: which nodes
// completed, the hash of the resolved params they ran with, the action they
// returned, and the node execution stopped on. It is mutated in exactly one
// place (the instrumented node) plus the orchestrator's between-attempt
// invalidation.
type Checkpoint struct {
	CompletedNodes []string          `json:"completed_nodes"`
	NodeActions    map[string]string `json:"node_actions"`
	NodeHashes     map[string]string `json:"node_hashes"`
	FailedNode     string            `json:"failed_node,omitempty"`
}

func NewCheckpoint() *Checkpoint {
	return &Checkpoint{
		CompletedNodes: []string{},
		NodeActions:    map[string]string{},
		NodeHashes:     map[string]string{},
	}
}

// Completed reports whether a node finished with a non-error action.
func (c *Checkpoint) Completed(id string) bool {
	for _, n := range c.CompletedNodes {
		if n == id {
			return true
		}
	}
	return false
}

// Record stores one node execution. The hash and action are always
// recorded; the node joins CompletedNodes only when failed is false, which
// keeps FailedNode disjoint from the completed set. A success clears
// FailedNode when it names this node (resume past the old failure).
func (c *Checkpoint) Record(id, hash, action string, failed bool) {
	if c.NodeActions == nil {
		c.NodeActions = map[string]string{}
	}
	if c.NodeHashes == nil {
		c.NodeHashes = map[string]string{}
	}
	c.NodeHashes[id] = hash
	c.NodeActions[id] = action
	if failed {
		c.FailedNode = id
		return
	}
	if !c.Completed(id) {
		c.CompletedNodes = append(c.CompletedNodes, id)
	}
	if c.FailedNode == id {
		c.FailedNode = ""
	}
}

// Invalidate drops everything recorded for one node.
func (c *Checkpoint) Invalidate(id string) {
	for i, n := range c.CompletedNodes {
		if n == id {
			c.CompletedNodes = append(c.CompletedNodes[:i], c.CompletedNodes[i+1:]...)
			break
		}
	}
	delete(c.NodeHashes, id)
	delete(c.NodeActions, id)
}

// InvalidateDescendants drops checkpoint state for the earliest modified
// node and every node after it in the execution order, prunes entries for
// nodes the order no longer contains (deleted by a repair), and points
// FailedNode at the earliest modified node so the next attempt resumes
// there. The modified node itself is dropped too: a repair can change a
// node without touching its resolved params (a type swap), and a stale
// completed entry would turn that into a cache hit. When no modified id
// survives in the order, FailedNode is cleared and the next attempt
// restarts from the top, fast-forwarding through cache hits.
func (c *Checkpoint) InvalidateDescendants(modified, order []string) {
	pos := make(map[string]int, len(order))
	for i, id := range order {
		pos[id] = i
	}

	minPos := -1
	firstModified := ""
	for _, m := range modified {
		p, ok := pos[m]
		if !ok {
			continue
		}
		if minPos == -1 || p < minPos {
			minPos = p
			firstModified = m
		}
	}

	recorded := make([]string, 0, len(c.NodeHashes))
	for id := range c.NodeHashes {
		recorded = append(recorded, id)
	}
	for _, id := range recorded {
		p, ok := pos[id]
		if !ok || (minPos >= 0 && p >= minPos) {
			c.Invalidate(id)
		}
	}

	c.FailedNode = firstModified
}

// checkpointFromMap coerces a JSON-decoded checkpoint into the typed form.
// Unknown or mistyped entries are dropped rather than rejected; a resume
// state is best-effort input.
func checkpointFromMap(m map[string]any) *Checkpoint {
	c := NewCheckpoint()
	c.CompletedNodes = stringList(m["completed_nodes"])
	if c.CompletedNodes == nil {
		c.CompletedNodes = []string{}
	}
	c.NodeActions = stringMap(m["node_actions"])
	c.NodeHashes = stringMap(m["node_hashes"])
	if fn, ok := m["failed_node"].(string); ok {
		c.FailedNode = fn
	}
	return c
}

func stringMap(v any) map[string]string {
	out := map[string]string{}
	switch m := v.(type) {
	case map[string]string:
		for k, val := range m {
			out[k] = val
		}
	case map[string]any:
		for k, val := range m {
			if s, ok := val.(string); ok {
				out[k] = s
			}
		}
	}
	return out
}
