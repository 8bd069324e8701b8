package repair

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"text/template"

	jsonpatch "github.com/evanphx/json-patch/v5"

	"github.com/pflow-ai/pflow/internal/flow/ir"
	"github.com/pflow-ai/pflow/internal/flow/runtime"
	"github.com/pflow-ai/pflow/internal/logging"
)

//go:embed repair_prompt.tmpl
var repairPromptTmpl string

var repairPrompt = template.Must(template.New("repair").Parse(repairPromptTmpl))

// CompleteFunc sends one prompt to a language model and returns its text
// response. Transport, model choice, and authentication belong to the
// embedder.
type CompleteFunc func(ctx context.Context, prompt string) (string, error)

// LLMClient implements Client on top of a completion function. Responses
// are parsed tolerantly (code fences stripped, outermost object extracted)
// and the claimed modified list is reconciled against the actual diff.
type LLMClient struct {
	Complete CompleteFunc
	Log      *logging.Logger
}

func (c *LLMClient) Repair(ctx context.Context, w *ir.Workflow, errs []runtime.ErrorRecord,
	sharedExcerpt map[string]any, params map[string]any, cacheHints any) (*Result, error) {
	if c.Complete == nil {
		return nil, fmt.Errorf("repair: no completion function configured")
	}
	prompt, err := buildPrompt(w, errs, sharedExcerpt, params, cacheHints)
	if err != nil {
		return nil, fmt.Errorf("repair: build prompt: %w", err)
	}
	c.Log.Debug("requesting repair candidate", "errors", len(errs), "prompt_bytes", len(prompt))

	raw, err := c.Complete(ctx, prompt)
	if err != nil {
		return nil, fmt.Errorf("repair: completion: %w", err)
	}
	res, err := parseResponse(raw)
	if err != nil {
		return nil, err
	}
	modified, err := Reconcile(w, res.Candidate, res.ModifiedNodeIDs)
	if err != nil {
		return nil, fmt.Errorf("repair: reconcile: %w", err)
	}
	res.ModifiedNodeIDs = modified
	c.Log.Debug("repair candidate parsed", "modified", strings.Join(modified, ","))
	return res, nil
}

func buildPrompt(w *ir.Workflow, errs []runtime.ErrorRecord,
	sharedExcerpt map[string]any, params map[string]any, cacheHints any) (string, error) {
	wj, err := json.MarshalIndent(w, "", "  ")
	if err != nil {
		return "", err
	}
	ej, err := json.MarshalIndent(errs, "", "  ")
	if err != nil {
		return "", err
	}
	data := struct {
		WorkflowJSON   string
		ErrorsJSON     string
		ExcerptJSON    string
		ParamNames     string
		CacheHintsJSON string
	}{
		WorkflowJSON: string(wj),
		ErrorsJSON:   string(ej),
	}
	if len(sharedExcerpt) > 0 {
		xj, err := json.MarshalIndent(sharedExcerpt, "", "  ")
		if err != nil {
			return "", err
		}
		data.ExcerptJSON = string(xj)
	}
	if len(params) > 0 {
		names := make([]string, 0, len(params))
		for name := range params {
			if !strings.HasPrefix(name, "__") {
				names = append(names, name)
			}
		}
		if len(names) > 0 {
			sort.Strings(names)
			data.ParamNames = strings.Join(names, ", ")
		}
	}
	if cacheHints != nil {
		hj, err := json.Marshal(cacheHints)
		if err != nil {
			return "", err
		}
		if s := string(hj); s != "null" && s != "[]" && s != "{}" {
			data.CacheHintsJSON = s
		}
	}

	var buf bytes.Buffer
	if err := repairPrompt.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// parseResponse extracts the outermost JSON object from a model response and
// strict-decodes the repair envelope. The candidate itself decodes leniently;
// the validator flags stray keys later with better messages.
func parseResponse(raw string) (*Result, error) {
	body := extractObject(raw)
	if body == "" {
		return nil, fmt.Errorf("repair: response contains no JSON object")
	}
	dec := json.NewDecoder(strings.NewReader(body))
	dec.DisallowUnknownFields()
	var wire struct {
		Workflow        json.RawMessage `json:"workflow"`
		ModifiedNodeIDs []string        `json:"modified_node_ids"`
		Rationale       string          `json:"rationale"`
	}
	if err := dec.Decode(&wire); err != nil {
		return nil, fmt.Errorf("repair: decode response: %w", err)
	}
	if len(wire.Workflow) == 0 || string(wire.Workflow) == "null" {
		return nil, fmt.Errorf("repair: response has no workflow")
	}
	cand, err := ir.ParseLenient(wire.Workflow)
	if err != nil {
		return nil, fmt.Errorf("repair: candidate: %w", err)
	}
	return &Result{
		Candidate:       cand,
		ModifiedNodeIDs: wire.ModifiedNodeIDs,
		Rationale:       wire.Rationale,
	}, nil
}

// extractObject returns the first balanced top-level JSON object in s,
// skipping markdown code fences. String literals and escapes are honored so
// braces inside values do not end the scan early.
func extractObject(s string) string {
	start := -1
	depth := 0
	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if start < 0 {
			if c == '{' {
				start = i
				depth = 1
			}
			continue
		}
		if escaped {
			escaped = false
			continue
		}
		switch c {
		case '\\':
			if inString {
				escaped = true
			}
		case '"':
			inString = !inString
		case '{':
			if !inString {
				depth++
			}
		case '}':
			if !inString {
				depth--
				if depth == 0 {
					return s[start : i+1]
				}
			}
		}
	}
	return ""
}

// Reconcile computes the true modified-node list for a candidate: claimed
// ids that did not actually change are dropped, and changed, added, or
// removed nodes the client failed to claim are added. Edge rewires count
// against their origin node, and a moved start node counts as modified. An
// empty result means the candidate is a no-op.
func Reconcile(orig, cand *ir.Workflow, claimed []string) ([]string, error) {
	oall, err := json.Marshal(orig)
	if err != nil {
		return nil, err
	}
	call, err := json.Marshal(cand)
	if err != nil {
		return nil, err
	}
	if jsonpatch.Equal(oall, call) {
		return nil, nil
	}

	onodes, err := nodeJSON(orig)
	if err != nil {
		return nil, err
	}
	cnodes, err := nodeJSON(cand)
	if err != nil {
		return nil, err
	}

	changed := map[string]bool{}
	for id, cj := range cnodes {
		oj, ok := onodes[id]
		if !ok || !jsonpatch.Equal(oj, cj) {
			changed[id] = true
		}
	}
	for id := range onodes {
		if _, ok := cnodes[id]; !ok {
			changed[id] = true
		}
	}

	oedges := edgeSet(orig)
	cedges := edgeSet(cand)
	for e := range oedges {
		if !cedges[e] {
			changed[e.from] = true
		}
	}
	for e := range cedges {
		if !oedges[e] {
			changed[e.from] = true
		}
	}
	if orig.Start() != cand.Start() && cand.Start() != "" {
		changed[cand.Start()] = true
	}

	var out []string
	seen := map[string]bool{}
	add := func(id string) {
		if id != "" && changed[id] && !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	for _, id := range claimed {
		add(id)
	}
	for i := range cand.Nodes {
		add(cand.Nodes[i].ID)
	}
	for i := range orig.Nodes {
		add(orig.Nodes[i].ID)
	}
	return out, nil
}

func nodeJSON(w *ir.Workflow) (map[string][]byte, error) {
	out := make(map[string][]byte, len(w.Nodes))
	for i := range w.Nodes {
		b, err := json.Marshal(w.Nodes[i])
		if err != nil {
			return nil, err
		}
		out[w.Nodes[i].ID] = b
	}
	return out, nil
}

type edgeKey struct{ from, to, action string }

func edgeSet(w *ir.Workflow) map[edgeKey]bool {
	out := make(map[edgeKey]bool, len(w.Edges))
	for _, e := range w.Edges {
		out[edgeKey{e.From, e.To, e.ActionOrDefault()}] = true
	}
	return out
}

