package registry

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
)

type nopNode struct{}

func (*nopNode) InputSpec() map[string]ParamSpec  { return nil }
func (*nopNode) OutputSpec() map[string]FieldSpec { return nil }
func (*nopNode) Exec(context.Context, map[string]any, Store) (map[string]any, string, error) {
	return nil, "default", nil
}

func TestRegisterAndLookup(t *testing.T) {
	r := New()
	r.Register("echo", "echoes params", func() Node { return &nopNode{} })

	if !r.Contains("echo") {
		t.Fatalf("Contains(echo) = false after register")
	}
	if _, ok := r.Get("echo"); !ok {
		t.Fatalf("Get(echo) missing")
	}
	if got := r.Describe("echo"); got != "echoes params" {
		t.Fatalf("Describe = %q", got)
	}
	n, err := r.New("echo")
	if err != nil || n == nil {
		t.Fatalf("New(echo) = %v, %v", n, err)
	}

	_, err = r.New("nope")
	if err == nil {
		t.Fatalf("New(nope) succeeded for unknown type")
	}
	if !strings.Contains(err.Error(), `"nope"`) || !strings.Contains(err.Error(), "echo") {
		t.Fatalf("unknown-type error should name the type and list known types: %v", err)
	}
}

func TestRegisterOverrides(t *testing.T) {
	r := New()
	r.Register("echo", "first", func() Node { return &nopNode{} })
	r.Register("echo", "second", func() Node { return &nopNode{} })
	if got := r.Describe("echo"); got != "second" {
		t.Fatalf("later registration did not replace earlier: %q", got)
	}
	if got := r.Types(); len(got) != 1 {
		t.Fatalf("Types = %v, want single entry", got)
	}
}

func TestTypesSorted(t *testing.T) {
	r := New()
	for _, typ := range []string{"zeta", "alpha", "mid"} {
		r.Register(typ, "", func() Node { return &nopNode{} })
	}
	if got, want := r.Types(), []string{"alpha", "mid", "zeta"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("Types = %v, want %v", got, want)
	}
}

func TestSearch(t *testing.T) {
	r := New()
	r.Register("http", "performs an HTTP request", func() Node { return &nopNode{} })
	r.Register("http_download", "downloads a file over HTTP", func() Node { return &nopNode{} })
	r.Register("readfile", "reads a file from disk", func() Node { return &nopNode{} })
	r.Register("shell", "runs a shell command", func() Node { return &nopNode{} })

	cases := []struct {
		query string
		want  []Match
	}{
		{
			query: "http",
			want: []Match{
				{Type: "http", Description: "performs an HTTP request", Score: 1.0},
				{Type: "http_download", Description: "downloads a file over HTTP", Score: 0.8},
			},
		},
		{
			// substring of the type beats description-only matches.
			query: "file",
			want: []Match{
				{Type: "readfile", Description: "reads a file from disk", Score: 0.5},
				{Type: "http_download", Description: "downloads a file over HTTP", Score: 0.3},
			},
		},
		{
			query: "COMMAND",
			want: []Match{
				{Type: "shell", Description: "runs a shell command", Score: 0.3},
			},
		},
		{query: "", want: nil},
		{query: "   ", want: nil},
		{query: "zzz", want: nil},
	}

	for _, tc := range cases {
		t.Run("query="+tc.query, func(t *testing.T) {
			if got := r.Search(tc.query); !reflect.DeepEqual(got, tc.want) {
				t.Fatalf("Search(%q) = %v, want %v", tc.query, got, tc.want)
			}
		})
	}
}

func TestBuiltinConstant(t *testing.T) {
	r := NewDefaultRegistry()
	n, err := r.New("constant")
	if err != nil {
		t.Fatalf("New(constant): %v", err)
	}
	out, action, err := n.Exec(context.Background(), map[string]any{"a": 1, "b": "x"}, nil)
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if action != "default" {
		t.Fatalf("action = %q, want default", action)
	}
	if !reflect.DeepEqual(out, map[string]any{"a": 1, "b": "x"}) {
		t.Fatalf("outputs = %v", out)
	}
}

func TestBuiltinTemplatePassesThrough(t *testing.T) {
	r := NewDefaultRegistry()
	n, err := r.New("template")
	if err != nil {
		t.Fatalf("New(template): %v", err)
	}
	out, action, err := n.Exec(context.Background(), map[string]any{"greeting": "hi"}, nil)
	if err != nil || action != "default" || out["greeting"] != "hi" {
		t.Fatalf("Exec = %v, %q, %v", out, action, err)
	}
}

func TestBuiltinReadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "in.txt")
	if err := os.WriteFile(path, []byte("hello"), 0o644); err != nil {
		t.Fatal(err)
	}

	r := NewDefaultRegistry()
	n, err := r.New("readfile")
	if err != nil {
		t.Fatalf("New(readfile): %v", err)
	}

	out, action, err := n.Exec(context.Background(), map[string]any{"path": path}, nil)
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if action != "default" || out["content"] != "hello" || out["path"] != path {
		t.Fatalf("outputs = %v, action = %q", out, action)
	}

	if _, _, err := n.Exec(context.Background(), map[string]any{}, nil); err == nil {
		t.Fatalf("missing path param accepted")
	}
	if _, _, err := n.Exec(context.Background(), map[string]any{"path": filepath.Join(t.TempDir(), "absent")}, nil); err == nil {
		t.Fatalf("missing file accepted")
	}
}
