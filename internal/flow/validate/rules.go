package validate

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/pflow-ai/pflow/internal/flow/ir"
	"github.com/pflow-ai/pflow/internal/flow/registry"
	"github.com/pflow-ai/pflow/internal/flow/template"
)

// checkTemplates verifies that every ${path} in node params has a root the
// run can actually supply: a declared input, a caller param, or an earlier
// node. Known node roots additionally get their first field checked against
// the source type's output_spec when a registry is available.
func checkTemplates(w *ir.Workflow, opts Options) []Diagnostic {
	pos := map[string]int{}
	if order, err := ir.ExecutionOrder(w); err == nil {
		for i, id := range order {
			pos[id] = i
		}
	} else {
		// A cycle was already reported; declaration order still lets this
		// layer produce its findings.
		for i, id := range w.NodeIDs() {
			pos[id] = i
		}
	}

	var diags []Diagnostic
	for i := range w.Nodes {
		n := &w.Nodes[i]
		for _, key := range sortedKeys(n.Params) {
			path := fmt.Sprintf("nodes[%d].params.%s", i, key)
			for _, ref := range template.Refs(n.Params[key]) {
				diags = append(diags, checkParamRef(w, opts, n, pos, ref, path)...)
			}
		}
	}

	for _, name := range sortedKeys(w.Outputs) {
		path := fmt.Sprintf("outputs.%s.source", name)
		for _, ref := range refsOfString(w.Outputs[name].Source) {
			parsed, err := template.ParsePath(ref)
			if err != nil {
				diags = append(diags, Diagnostic{
					Path: path, Rule: "template-path", Severity: SeverityError,
					Message: err.Error(),
				})
				continue
			}
			diags = append(diags, checkOutputField(w, opts.Registry, parsed, path)...)
		}
	}
	return diags
}

func checkParamRef(w *ir.Workflow, opts Options, n *ir.Node, pos map[string]int, ref, path string) []Diagnostic {
	parsed, err := template.ParsePath(ref)
	if err != nil {
		return []Diagnostic{{
			Path: path, Rule: "template-path", Severity: SeverityError,
			Message: err.Error(),
		}}
	}
	root := parsed.Head

	if _, ok := opts.Params[root]; ok {
		return nil
	}
	if _, ok := w.Inputs[root]; ok {
		return nil
	}
	src, ok := w.NodeByID(root)
	if !ok {
		return []Diagnostic{{
			Path: path, Rule: "template-source", Severity: SeverityError,
			Message: fmt.Sprintf("template ${%s} references unknown source %q", ref, root),
			Hint:    availableSourcesHint(w, opts.Params),
		}}
	}
	if src.ID == n.ID {
		return []Diagnostic{{
			Path: path, Rule: "template-source", Severity: SeverityError,
			Message: fmt.Sprintf("template ${%s} references the node's own outputs", ref),
			Hint:    "a node cannot read its own results; reference an earlier node",
		}}
	}
	if pos[src.ID] >= pos[n.ID] {
		return []Diagnostic{{
			Path: path, Rule: "template-source", Severity: SeverityError,
			Message: fmt.Sprintf("template ${%s} references node %q, which does not precede %q in the execution order", ref, src.ID, n.ID),
			Hint:    "only outputs of strictly earlier nodes are available",
		}}
	}
	return checkOutputField(w, opts.Registry, parsed, path)
}

// checkOutputField warns when a node-rooted reference names a field the
// source type's output_spec does not declare. Specs are advisory, so this
// never blocks validation.
func checkOutputField(w *ir.Workflow, reg *registry.Registry, parsed template.Path, path string) []Diagnostic {
	if reg == nil {
		return nil
	}
	src, ok := w.NodeByID(parsed.Head)
	if !ok {
		return nil
	}
	field := parsed.FirstField()
	if field == "" {
		return nil
	}
	node, err := reg.New(src.Type)
	if err != nil {
		return nil // the node-type layer owns unknown types
	}
	spec := node.OutputSpec()
	if len(spec) == 0 {
		return nil
	}
	if _, ok := spec[field]; ok {
		return nil
	}
	return []Diagnostic{{
		Path: path, Rule: "output-field", Severity: SeverityWarning,
		Message: fmt.Sprintf("node %q (type %q) does not declare output field %q", src.ID, src.Type, field),
		Hint:    "declared fields: " + strings.Join(sortedKeys(spec), ", "),
	}}
}

// checkNodeTypes verifies every node type exists in the registry and, for
// known types, that declared params satisfy the type's input_spec. Param
// types are checked through a JSON schema compiled from that input_spec;
// values containing templates are checked for presence only, since their
// type is unknown until resolution.
func checkNodeTypes(w *ir.Workflow, reg *registry.Registry) []Diagnostic {
	var diags []Diagnostic
	for i := range w.Nodes {
		n := &w.Nodes[i]
		if !reg.Contains(n.Type) {
			diags = append(diags, Diagnostic{
				Path:     fmt.Sprintf("nodes[%d].type", i),
				Rule:     "unknown-node-type",
				Severity: SeverityError,
				Message:  fmt.Sprintf("node type %q is not registered", n.Type),
				Hint:     "known types: " + joinCapped(reg.Types(), 12),
			})
			continue
		}
		inst, err := reg.New(n.Type)
		if err != nil {
			continue
		}
		spec := inst.InputSpec()
		if len(spec) == 0 {
			continue
		}

		for _, name := range sortedKeys(spec) {
			ps := spec[name]
			if !ps.Required {
				continue
			}
			if _, ok := n.Params[name]; !ok {
				diags = append(diags, Diagnostic{
					Path:     fmt.Sprintf("nodes[%d].params", i),
					Rule:     "missing-param",
					Severity: SeverityError,
					Message:  fmt.Sprintf("type %q requires param %q", n.Type, name),
					Hint:     paramHint(name, ps),
				})
			}
		}

		for _, key := range sortedKeys(n.Params) {
			if _, ok := spec[key]; !ok {
				diags = append(diags, Diagnostic{
					Path:     fmt.Sprintf("nodes[%d].params.%s", i, key),
					Rule:     "unknown-param",
					Severity: SeverityWarning,
					Message:  fmt.Sprintf("type %q does not declare param %q", n.Type, key),
					Hint:     "declared params: " + strings.Join(sortedKeys(spec), ", "),
				})
			}
		}

		schema, err := paramTypeSchema(spec)
		if err != nil || schema == nil {
			continue
		}
		concrete := map[string]any{}
		for key, val := range n.Params {
			if len(template.Refs(val)) == 0 {
				concrete[key] = val
			}
		}
		if len(concrete) == 0 {
			continue
		}
		if err := schema.Validate(toJSONValue(concrete)); err != nil {
			if ve, ok := err.(*jsonschema.ValidationError); ok {
				var leaves []ir.SchemaViolation
				collectParamLeaves(ve, &leaves)
				for _, leaf := range leaves {
					p := fmt.Sprintf("nodes[%d].params", i)
					if leaf.Path != "" {
						p += "." + leaf.Path
					}
					diags = append(diags, Diagnostic{
						Path:     p,
						Rule:     "param-type",
						Severity: SeverityError,
						Message:  leaf.Message,
					})
				}
			}
		}
	}
	return diags
}

// paramTypeSchema compiles an object schema whose properties carry just the
// declared types. Presence is checked separately for better messages, so no
// required list here.
func paramTypeSchema(spec map[string]registry.ParamSpec) (*jsonschema.Schema, error) {
	props := map[string]any{}
	for name, ps := range spec {
		t := jsonTypeName(ps.Type)
		if t == "" {
			props[name] = map[string]any{}
			continue
		}
		props[name] = map[string]any{"type": t}
	}
	if len(props) == 0 {
		return nil, nil
	}
	doc := map[string]any{"type": "object", "properties": props}
	b, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("param-spec.json", strings.NewReader(string(b))); err != nil {
		return nil, err
	}
	return c.Compile("param-spec.json")
}

func jsonTypeName(t string) string {
	switch t {
	case "string", "number", "boolean", "object", "array", "integer", "null":
		return t
	default:
		return "" // unknown or "any": no constraint
	}
}

func collectParamLeaves(ve *jsonschema.ValidationError, out *[]ir.SchemaViolation) {
	if len(ve.Causes) == 0 {
		path := strings.ReplaceAll(strings.TrimPrefix(ve.InstanceLocation, "/"), "/", ".")
		*out = append(*out, ir.SchemaViolation{Path: path, Message: ve.Message})
		return
	}
	for _, c := range ve.Causes {
		collectParamLeaves(c, out)
	}
}

// toJSONValue normalizes a Go value into JSON types so schema validation
// sees what the wire form would carry.
func toJSONValue(v any) any {
	b, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return v
	}
	return out
}

var tplRefRE = regexp.MustCompile(`\$\{[^}]*\}`)

// checkJSONStringParams flags the recurring authoring mistake of encoding a
// JSON document into a string param with templates inside it. Values keep
// their types only when passed as structured mappings or sequences.
func checkJSONStringParams(w *ir.Workflow) []Diagnostic {
	var diags []Diagnostic
	for i := range w.Nodes {
		n := &w.Nodes[i]
		for _, key := range sortedKeys(n.Params) {
			walkStrings(n.Params[key], func(s string) {
				t := strings.TrimSpace(s)
				if len(t) == 0 || (t[0] != '{' && t[0] != '[') {
					return
				}
				if !template.HasTemplate(t) {
					return
				}
				if !json.Valid([]byte(t)) && !json.Valid(tplRefRE.ReplaceAll([]byte(t), []byte("null"))) {
					return
				}
				diags = append(diags, Diagnostic{
					Path:     fmt.Sprintf("nodes[%d].params.%s", i, key),
					Rule:     "json-string-param",
					Severity: SeverityWarning,
					Message:  "param is a JSON document encoded as a string with embedded templates",
					Hint:     "pass structured data as a mapping or sequence so resolved values keep their types",
				})
			})
		}
	}
	return diags
}

func walkStrings(v any, fn func(string)) {
	switch x := v.(type) {
	case string:
		fn(x)
	case map[string]any:
		for _, k := range sortedKeys(x) {
			walkStrings(x[k], fn)
		}
	case []any:
		for _, e := range x {
			walkStrings(e, fn)
		}
	}
}

func refsOfString(s string) []string {
	return template.Refs(s)
}

func refRoot(ref string) string {
	parsed, err := template.ParsePath(ref)
	if err != nil {
		return ""
	}
	return parsed.Head
}

func availableSourcesHint(w *ir.Workflow, params map[string]any) string {
	var names []string
	for name := range w.Inputs {
		names = append(names, name)
	}
	for name := range params {
		if !strings.HasPrefix(name, "__") {
			names = append(names, name)
		}
	}
	names = append(names, w.NodeIDs()...)
	sort.Strings(names)
	names = dedupe(names)
	if len(names) == 0 {
		return ""
	}
	return "available sources: " + joinCapped(names, 10)
}

func paramHint(name string, ps registry.ParamSpec) string {
	h := fmt.Sprintf("add %q", name)
	if ps.Type != "" {
		h += " (" + ps.Type + ")"
	}
	if ps.Description != "" {
		h += ": " + ps.Description
	}
	return h
}

func joinCapped(items []string, limit int) string {
	if len(items) > limit {
		return strings.Join(items[:limit], ", ") + ", ..."
	}
	return strings.Join(items, ", ")
}

func dedupe(sorted []string) []string {
	out := sorted[:0]
	for i, s := range sorted {
		if i == 0 || sorted[i-1] != s {
			out = append(out, s)
		}
	}
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedCopy(in []string) []string {
	out := append([]string(nil), in...)
	sort.Strings(out)
	return out
}
