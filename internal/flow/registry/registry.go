// Package registry maps node type strings to factories producing node
// instances. The registry is populated at startup and read-only afterwards,
// so it is safe to share across concurrent runs.
package registry

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// ParamSpec describes one entry of a node's input_spec.
type ParamSpec struct {
	Type        string `json:"type,omitempty"`
	Required    bool   `json:"required,omitempty"`
	Description string `json:"description,omitempty"`
}

// FieldSpec describes one entry of a node's output_spec.
type FieldSpec struct {
	Type        string `json:"type,omitempty"`
	Description string `json:"description,omitempty"`
}

// Store is the read-only view of the run's shared store offered to nodes.
// Nodes must report results through Exec's return value, never by writing
// to the store.
type Store interface {
	Get(key string) (any, bool)
	Keys() []string
}

// Node is one executable workflow step. Exec receives fully resolved params
// and returns its outputs plus an action string selecting the next edge;
// actions beginning with "error" mark failure.
type Node interface {
	InputSpec() map[string]ParamSpec
	OutputSpec() map[string]FieldSpec
	Exec(ctx context.Context, params map[string]any, store Store) (map[string]any, string, error)
}

// Factory builds a fresh node instance for one compiled flow.
type Factory func() Node

// Match is one search result.
type Match struct {
	Type        string
	Description string
	Score       float64
}

type entry struct {
	factory     Factory
	description string
}

// Registry is the node type catalog.
type Registry struct {
	entries map[string]entry
}

func New() *Registry {
	return &Registry{entries: map[string]entry{}}
}

// Register adds a node type. Later registrations replace earlier ones, which
// lets embedders override builtins.
func (r *Registry) Register(typ, description string, f Factory) {
	if r.entries == nil {
		r.entries = map[string]entry{}
	}
	r.entries[typ] = entry{factory: f, description: description}
}

// Get returns the factory for a type.
func (r *Registry) Get(typ string) (Factory, bool) {
	e, ok := r.entries[typ]
	if !ok {
		return nil, false
	}
	return e.factory, true
}

// Contains reports whether the type is registered.
func (r *Registry) Contains(typ string) bool {
	_, ok := r.entries[typ]
	return ok
}

// New instantiates a node of the given type.
func (r *Registry) New(typ string) (Node, error) {
	e, ok := r.entries[typ]
	if !ok {
		return nil, fmt.Errorf("unknown node type %q (known: %s)", typ, strings.Join(r.Types(), ", "))
	}
	return e.factory(), nil
}

// Describe returns the registered description for a type.
func (r *Registry) Describe(typ string) string {
	return r.entries[typ].description
}

// Types returns all registered type strings, sorted.
func (r *Registry) Types() []string {
	types := make([]string, 0, len(r.entries))
	for t := range r.entries {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Search ranks registered types against a query: exact match 1.0, prefix
// 0.8, substring 0.5, description substring 0.3. Results sort by score
// descending, then type ascending.
func (r *Registry) Search(query string) []Match {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return nil
	}
	var out []Match
	for typ, e := range r.entries {
		lt := strings.ToLower(typ)
		var score float64
		switch {
		case lt == q:
			score = 1.0
		case strings.HasPrefix(lt, q):
			score = 0.8
		case strings.Contains(lt, q):
			score = 0.5
		case strings.Contains(strings.ToLower(e.description), q):
			score = 0.3
		default:
			continue
		}
		out = append(out, Match{Type: typ, Description: e.description, Score: score})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Type < out[j].Type
	})
	return out
}
