// Package runtime holds the per-run state carrier: the shared store, the
// checkpoint that lives inside it, and the structured error records that
// executions produce. One store belongs to exactly one run; nothing here is
// safe for cross-run sharing.
package runtime

import "sort"

// System keys inside the shared store. Everything else at the top level is
// either a node-output namespace (keyed by node id) or a workflow input.
const (
	KeyExecution          = "__execution__"
	KeyCacheHits          = "__cache_hits__"
	KeyWarnings           = "__warnings__"
	KeyNonRepairableError = "__non_repairable_error__"
	KeyModifiedNodes      = "__modified_nodes__"
	KeyLLMCalls           = "__llm_calls__"
)

// Store is the per-run mutable mapping. The zero value is not usable; build
// one with NewStore or adopt a caller-supplied resume state with FromMap.
type Store map[string]any

// NewStore returns a store with a fresh checkpoint installed.
func NewStore() Store {
	s := Store{}
	s[KeyExecution] = NewCheckpoint()
	return s
}

// FromMap adopts a resume state. The checkpoint is coerced to its typed form
// (callers may hand back a plain JSON-decoded map).
func FromMap(m map[string]any) Store {
	if m == nil {
		return NewStore()
	}
	s := Store(m)
	s.Checkpoint()
	return s
}

// Get implements the read-only view handed to nodes.
func (s Store) Get(key string) (any, bool) {
	v, ok := s[key]
	return v, ok
}

// Keys returns all top-level keys, sorted.
func (s Store) Keys() []string {
	keys := make([]string, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Checkpoint returns the store's checkpoint, installing a typed value in
// place of a raw map (resume states) or a missing entry.
func (s Store) Checkpoint() *Checkpoint {
	switch cp := s[KeyExecution].(type) {
	case *Checkpoint:
		return cp
	case map[string]any:
		c := checkpointFromMap(cp)
		s[KeyExecution] = c
		return c
	default:
		c := NewCheckpoint()
		s[KeyExecution] = c
		return c
	}
}

// NodeOutputs returns the output namespace of a node, if present.
func (s Store) NodeOutputs(id string) (map[string]any, bool) {
	v, ok := s[id]
	if !ok {
		return nil, false
	}
	m, ok := v.(map[string]any)
	return m, ok
}

// SetNodeOutputs installs a node's output namespace.
func (s Store) SetNodeOutputs(id string, outputs map[string]any) {
	s[id] = outputs
}

// CacheHits lists the nodes served from cache on this attempt.
func (s Store) CacheHits() []string {
	return stringList(s[KeyCacheHits])
}

// AppendCacheHit records a cache-served node.
func (s Store) AppendCacheHit(id string) {
	s[KeyCacheHits] = append(stringList(s[KeyCacheHits]), id)
}

// ClearCacheHits resets the per-attempt cache hit list.
func (s Store) ClearCacheHits() {
	delete(s, KeyCacheHits)
}

// Warnings returns the warning summaries keyed by node id.
func (s Store) Warnings() map[string]string {
	out := map[string]string{}
	switch m := s[KeyWarnings].(type) {
	case map[string]string:
		for k, v := range m {
			out[k] = v
		}
	case map[string]any:
		for k, v := range m {
			if str, ok := v.(string); ok {
				out[k] = str
			}
		}
	}
	return out
}

// SetWarning records a warning summary for a node, replacing any prior one.
func (s Store) SetWarning(nodeID, summary string) {
	m, ok := s[KeyWarnings].(map[string]string)
	if !ok {
		m = map[string]string{}
		for k, v := range s.Warnings() {
			m[k] = v
		}
		s[KeyWarnings] = m
	}
	m[nodeID] = summary
}

// NonRepairable reports whether the run hit an error repair cannot fix.
func (s Store) NonRepairable() bool {
	b, ok := s[KeyNonRepairableError].(bool)
	return ok && b
}

// SetNonRepairable marks the run as beyond repair (auth, not-found,
// rate-limit style failures).
func (s Store) SetNonRepairable() {
	s[KeyNonRepairableError] = true
}

// ClearNonRepairable resets the flag at attempt start. The flag describes
// the current attempt; a stale value in a resume state would block runs that
// could now succeed.
func (s Store) ClearNonRepairable() {
	delete(s, KeyNonRepairableError)
}

// ModifiedNodes lists every node id touched by a repair during this run.
func (s Store) ModifiedNodes() []string {
	return stringList(s[KeyModifiedNodes])
}

// AddModifiedNodes unions ids into the modified set, preserving order.
func (s Store) AddModifiedNodes(ids []string) {
	cur := stringList(s[KeyModifiedNodes])
	seen := make(map[string]bool, len(cur))
	for _, id := range cur {
		seen[id] = true
	}
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			cur = append(cur, id)
		}
	}
	if len(cur) > 0 {
		s[KeyModifiedNodes] = cur
	}
}

// AppendLLMCall records bookkeeping for one repair-LLM invocation.
func (s Store) AppendLLMCall(info map[string]any) {
	calls, _ := s[KeyLLMCalls].([]map[string]any)
	s[KeyLLMCalls] = append(calls, info)
}

// TopLevel returns a shallow copy of the store for template context
// building. Mutating the copy does not touch the store.
func (s Store) TopLevel() map[string]any {
	out := make(map[string]any, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

func stringList(v any) []string {
	switch l := v.(type) {
	case []string:
		return l
	case []any:
		out := make([]string, 0, len(l))
		for _, e := range l {
			if str, ok := e.(string); ok {
				out = append(out, str)
			}
		}
		return out
	default:
		return nil
	}
}
