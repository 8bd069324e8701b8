// Package template resolves ${path} references against a run context.
//
// Grammar: ${head(.ident|[index])*} where head and ident are word
// identifiers and index is a non-negative integer. "$$" is a literal "$"
// and suppresses template matching at that position.
//
// A string that is exactly one ${...} is a simple template and resolves to
// the referenced value with its type preserved. A string with embedded
// references is a complex template and always resolves to a string; each
// non-string reference is JSON-stringified into place.
package template

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
)

// Mode selects how unresolved paths are handled.
type Mode int

const (
	// Strict surfaces unresolved paths as errors.
	Strict Mode = iota
	// Permissive substitutes sentinels: nil for a simple template,
	// "[unresolved:${path}]" inside complex output.
	Permissive
)

// ParseMode maps the IR's mode string onto a Mode. Unknown strings are strict.
func ParseMode(s string) Mode {
	if s == "permissive" {
		return Permissive
	}
	return Strict
}

// UnresolvedError reports a template path that could not be resolved.
type UnresolvedError struct {
	Path   string
	Reason string
}

func (e *UnresolvedError) Error() string {
	return fmt.Sprintf("cannot resolve ${%s}: %s", e.Path, e.Reason)
}

// IsUnresolved reports whether err is (or wraps) an UnresolvedError.
func IsUnresolved(err error) bool {
	var ue *UnresolvedError
	return errors.As(err, &ue)
}

// segment is one path step after the head: a key or a sequence index.
type segment struct {
	key     string
	index   int
	isIndex bool
}

// Path is a parsed template reference.
type Path struct {
	Raw  string
	Head string
	tail []segment
}

// FirstField returns the first key segment after the head, or "".
func (p Path) FirstField() string {
	for _, s := range p.tail {
		if !s.isIndex {
			return s.key
		}
	}
	return ""
}

// ParsePath parses the inside of a ${...} reference.
func ParsePath(raw string) (Path, error) {
	if raw == "" {
		return Path{}, errors.New("empty path")
	}
	head, n := scanIdent(raw, 0)
	if n == 0 {
		return Path{}, fmt.Errorf("path %q must start with an identifier", raw)
	}
	p := Path{Raw: raw, Head: head}
	i := n
	for i < len(raw) {
		switch raw[i] {
		case '.':
			id, n := scanIdent(raw, i+1)
			if n == 0 {
				return Path{}, fmt.Errorf("path %q: expected identifier after '.'", raw)
			}
			p.tail = append(p.tail, segment{key: id})
			i += 1 + n
		case '[':
			j := strings.IndexByte(raw[i:], ']')
			if j < 0 {
				return Path{}, fmt.Errorf("path %q: unterminated index", raw)
			}
			idx, err := strconv.Atoi(raw[i+1 : i+j])
			if err != nil || idx < 0 {
				return Path{}, fmt.Errorf("path %q: invalid index %q", raw, raw[i+1:i+j])
			}
			p.tail = append(p.tail, segment{index: idx, isIndex: true})
			i += j + 1
		default:
			return Path{}, fmt.Errorf("path %q: unexpected character %q", raw, raw[i])
		}
	}
	return p, nil
}

func scanIdent(s string, start int) (string, int) {
	i := start
	for i < len(s) && isWord(s[i]) {
		i++
	}
	return s[start:i], i - start
}

func isWord(c byte) bool {
	return c == '_' || (c >= '0' && c <= '9') || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

// token is a scanned fragment of a templated string: either literal text
// (with $$ already collapsed) or a template path.
type token struct {
	lit   string
	path  string
	isTpl bool
}

func scanTemplates(s string) []token {
	var toks []token
	var lit strings.Builder
	flush := func() {
		if lit.Len() > 0 {
			toks = append(toks, token{lit: lit.String()})
			lit.Reset()
		}
	}
	i := 0
	for i < len(s) {
		c := s[i]
		if c == '$' && i+1 < len(s) {
			switch s[i+1] {
			case '$':
				lit.WriteByte('$')
				i += 2
				continue
			case '{':
				if end := strings.IndexByte(s[i+2:], '}'); end >= 0 {
					flush()
					toks = append(toks, token{path: s[i+2 : i+2+end], isTpl: true})
					i += 2 + end + 1
					continue
				}
			}
		}
		lit.WriteByte(c)
		i++
	}
	flush()
	return toks
}

// HasTemplate reports whether s contains at least one unescaped ${...}.
func HasTemplate(s string) bool {
	for _, t := range scanTemplates(s) {
		if t.isTpl {
			return true
		}
	}
	return false
}

// Refs returns every template path referenced anywhere in v (strings, and
// recursively through mappings and sequences), deduped in first-seen order.
func Refs(v any) []string {
	var out []string
	seen := map[string]bool{}
	var walk func(any)
	walk = func(v any) {
		switch x := v.(type) {
		case string:
			for _, t := range scanTemplates(x) {
				if t.isTpl && !seen[t.path] {
					seen[t.path] = true
					out = append(out, t.path)
				}
			}
		case map[string]any:
			keys := make([]string, 0, len(x))
			for k := range x {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				walk(x[k])
			}
		case []any:
			for _, e := range x {
				walk(e)
			}
		}
	}
	walk(v)
	return out
}

// Resolver evaluates templates against a context mapping. Create one per
// node execution; Unresolved accumulates the paths that fell back to
// sentinels in permissive mode.
type Resolver struct {
	Mode       Mode
	Unresolved []string
}

// Resolve walks v, resolving every templated string. Mappings and sequences
// are rebuilt; non-string scalars pass through untouched.
func (r *Resolver) Resolve(v any, ctx map[string]any) (any, error) {
	switch x := v.(type) {
	case string:
		return r.ResolveString(x, ctx)
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, val := range x {
			rv, err := r.Resolve(val, ctx)
			if err != nil {
				return nil, err
			}
			out[k] = rv
		}
		return out, nil
	case []any:
		out := make([]any, len(x))
		for i, val := range x {
			rv, err := r.Resolve(val, ctx)
			if err != nil {
				return nil, err
			}
			out[i] = rv
		}
		return out, nil
	default:
		return v, nil
	}
}

// ResolveString resolves one string. The result is the referenced value
// itself for a simple template, a string for everything else.
func (r *Resolver) ResolveString(s string, ctx map[string]any) (any, error) {
	toks := scanTemplates(s)
	if len(toks) == 0 {
		return s, nil
	}
	if len(toks) == 1 && !toks[0].isTpl {
		return toks[0].lit, nil
	}
	if len(toks) == 1 && toks[0].isTpl {
		val, err := Lookup(toks[0].path, ctx)
		if err != nil {
			if r.Mode == Permissive {
				r.note(toks[0].path)
				return nil, nil
			}
			return nil, err
		}
		return val, nil
	}
	var b strings.Builder
	for _, t := range toks {
		if !t.isTpl {
			b.WriteString(t.lit)
			continue
		}
		val, err := Lookup(t.path, ctx)
		if err != nil {
			if r.Mode == Permissive {
				r.note(t.path)
				b.WriteString("[unresolved:${" + t.path + "}]")
				continue
			}
			return nil, err
		}
		b.WriteString(stringify(val))
	}
	return b.String(), nil
}

func (r *Resolver) note(path string) {
	for _, p := range r.Unresolved {
		if p == path {
			return
		}
	}
	r.Unresolved = append(r.Unresolved, path)
}

// Lookup resolves a single path against the context. The head is looked up
// directly; tail segments walk native containers, falling back to a
// marshal-once gjson read for anything else (structs, json.RawMessage).
func Lookup(path string, ctx map[string]any) (any, error) {
	p, err := ParsePath(path)
	if err != nil {
		return nil, &UnresolvedError{Path: path, Reason: err.Error()}
	}
	cur, ok := ctx[p.Head]
	if !ok {
		return nil, &UnresolvedError{
			Path:   path,
			Reason: fmt.Sprintf("unknown variable %q (available: %s)", p.Head, contextKeys(ctx)),
		}
	}
	for si, seg := range p.tail {
		switch c := cur.(type) {
		case map[string]any:
			if seg.isIndex {
				return nil, &UnresolvedError{Path: path, Reason: fmt.Sprintf("[%d] indexes a mapping", seg.index)}
			}
			v, ok := c[seg.key]
			if !ok {
				return nil, &UnresolvedError{
					Path:   path,
					Reason: fmt.Sprintf("no field %q (available: %s)", seg.key, mapKeys(c)),
				}
			}
			cur = v
		case []any:
			if !seg.isIndex {
				return nil, &UnresolvedError{Path: path, Reason: fmt.Sprintf("field %q reads a sequence; use [index]", seg.key)}
			}
			if seg.index >= len(c) {
				return nil, &UnresolvedError{Path: path, Reason: fmt.Sprintf("index %d out of range (len %d)", seg.index, len(c))}
			}
			cur = c[seg.index]
		case nil:
			return nil, &UnresolvedError{Path: path, Reason: "value is null"}
		default:
			return gjsonTail(cur, p.tail[si:], path)
		}
	}
	return cur, nil
}

// gjsonTail reads the remaining segments out of a non-native value by
// marshaling it once and walking the JSON with gjson.
func gjsonTail(cur any, tail []segment, path string) (any, error) {
	b, err := json.Marshal(cur)
	if err != nil {
		return nil, &UnresolvedError{Path: path, Reason: fmt.Sprintf("value of type %T is not traversable", cur)}
	}
	var gp strings.Builder
	for i, seg := range tail {
		if i > 0 {
			gp.WriteByte('.')
		}
		if seg.isIndex {
			gp.WriteString(strconv.Itoa(seg.index))
		} else {
			gp.WriteString(seg.key)
		}
	}
	res := gjson.GetBytes(b, gp.String())
	if !res.Exists() {
		return nil, &UnresolvedError{Path: path, Reason: fmt.Sprintf("no value at %q", gp.String())}
	}
	return res.Value(), nil
}

func stringify(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}

const maxListedKeys = 8

func contextKeys(ctx map[string]any) string {
	keys := make([]string, 0, len(ctx))
	for k := range ctx {
		if strings.HasPrefix(k, "__") {
			continue
		}
		keys = append(keys, k)
	}
	return joinSorted(keys)
}

func mapKeys(m map[string]any) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	return joinSorted(keys)
}

func joinSorted(keys []string) string {
	if len(keys) == 0 {
		return "none"
	}
	sort.Strings(keys)
	if len(keys) > maxListedKeys {
		return strings.Join(keys[:maxListedKeys], ", ") + ", ..."
	}
	return strings.Join(keys, ", ")
}
