// Package manager persists named workflows as JSON documents on disk, one
// file per name under a root directory. Writes go through a same-directory
// temp file plus rename so a crash never leaves a half-written document.
package manager

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/pflow-ai/pflow/internal/flow/ir"
)

var (
	ErrNotFound = errors.New("workflow not found")
	ErrExists   = errors.New("workflow already exists")
)

var nameRE = regexp.MustCompile(`^[a-z0-9]+(-[a-z0-9]+)*$`)

const maxNameLen = 50

// reservedNames collide with CLI subcommands and stay unusable as workflow
// names even through the API.
var reservedNames = map[string]bool{
	"new": true, "list": true, "show": true, "delete": true, "run": true, "help": true,
}

// ValidateName enforces the kebab-case naming rule.
func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("workflow name is required")
	}
	if len(name) > maxNameLen {
		return fmt.Errorf("workflow name %q exceeds %d characters", name, maxNameLen)
	}
	if !nameRE.MatchString(name) {
		return fmt.Errorf("workflow name %q must be kebab-case: lowercase letters and digits separated by single hyphens", name)
	}
	if reservedNames[name] {
		return fmt.Errorf("workflow name %q is reserved", name)
	}
	return nil
}

// Metadata is the bookkeeping stored alongside a workflow's IR.
type Metadata struct {
	Description             string     `json:"description,omitempty"`
	CreatedAt               time.Time  `json:"created_at"`
	UpdatedAt               time.Time  `json:"updated_at"`
	ExecutionCount          int        `json:"execution_count"`
	LastExecutionAt         *time.Time `json:"last_execution_at,omitempty"`
	LastExecutionStatus     string     `json:"last_execution_status,omitempty"`
	LastExecutionDurationMS int64      `json:"last_execution_duration_ms,omitempty"`
}

// Entry is the full stored document for one workflow.
type Entry struct {
	IR       *ir.Workflow `json:"ir"`
	Metadata Metadata     `json:"metadata"`
}

// Summary is one row of a listing.
type Summary struct {
	Name                string    `json:"name"`
	Description         string    `json:"description,omitempty"`
	Nodes               int       `json:"nodes"`
	ExecutionCount      int       `json:"execution_count"`
	UpdatedAt           time.Time `json:"updated_at"`
	LastExecutionStatus string    `json:"last_execution_status,omitempty"`
}

// Manager stores workflows under a root directory. Read-modify-write
// operations are serialized by a mutex, so a Manager is safe to share, but
// two processes pointed at the same root only get per-file atomicity.
type Manager struct {
	root string
	mu   sync.Mutex
	now  func() time.Time
}

func New(root string) (*Manager, error) {
	if strings.TrimSpace(root) == "" {
		return nil, fmt.Errorf("manager root directory is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create workflow root: %w", err)
	}
	return &Manager{root: root, now: time.Now}, nil
}

// DefaultRoot resolves the workflow store location: $PFLOW_HOME/workflows
// when set, otherwise ~/.pflow/workflows.
func DefaultRoot() (string, error) {
	if env := strings.TrimSpace(os.Getenv("PFLOW_HOME")); env != "" {
		return filepath.Join(env, "workflows"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, ".pflow", "workflows"), nil
}

// Root returns the directory the manager persists into.
func (m *Manager) Root() string { return m.root }

// Save stores a workflow under name. Without force an existing name is an
// ErrExists; with force the document is replaced but the original creation
// time is preserved.
func (m *Manager) Save(name string, w *ir.Workflow, meta Metadata, force bool) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	if w == nil {
		return fmt.Errorf("workflow ir is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := os.Stat(m.path(name)); err == nil {
		if !force {
			return fmt.Errorf("workflow %q: %w", name, ErrExists)
		}
		if meta.CreatedAt.IsZero() {
			if prev, err := m.read(name); err == nil {
				meta.CreatedAt = prev.Metadata.CreatedAt
			}
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return err
	}

	now := m.now()
	if meta.CreatedAt.IsZero() {
		meta.CreatedAt = now
	}
	meta.UpdatedAt = now
	return m.write(name, &Entry{IR: w, Metadata: meta})
}

// Load returns the stored document for name.
func (m *Manager) Load(name string) (*Entry, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.read(name)
}

// LoadIR returns just the workflow IR for name.
func (m *Manager) LoadIR(name string) (*ir.Workflow, error) {
	e, err := m.Load(name)
	if err != nil {
		return nil, err
	}
	return e.IR, nil
}

// ListAll returns summaries of every stored workflow, sorted by name.
func (m *Manager) ListAll() ([]Summary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entries, err := os.ReadDir(m.root)
	if err != nil {
		return nil, fmt.Errorf("read workflow root: %w", err)
	}
	var out []Summary
	for _, de := range entries {
		if de.IsDir() || !strings.HasSuffix(de.Name(), ".json") {
			continue
		}
		name := strings.TrimSuffix(de.Name(), ".json")
		if ValidateName(name) != nil {
			continue // stray file, not ours
		}
		e, err := m.read(name)
		if err != nil {
			return nil, err
		}
		out = append(out, Summary{
			Name:                name,
			Description:         e.Metadata.Description,
			Nodes:               len(e.IR.Nodes),
			ExecutionCount:      e.Metadata.ExecutionCount,
			UpdatedAt:           e.Metadata.UpdatedAt,
			LastExecutionStatus: e.Metadata.LastExecutionStatus,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// List returns summaries whose names match a glob pattern ("etl-*",
// "report-{daily,weekly}").
func (m *Manager) List(pattern string) ([]Summary, error) {
	if !doublestar.ValidatePattern(pattern) {
		return nil, fmt.Errorf("invalid pattern %q", pattern)
	}
	all, err := m.ListAll()
	if err != nil {
		return nil, err
	}
	var out []Summary
	for _, s := range all {
		ok, err := doublestar.Match(pattern, s.Name)
		if err != nil {
			return nil, fmt.Errorf("invalid pattern %q: %w", pattern, err)
		}
		if ok {
			out = append(out, s)
		}
	}
	return out, nil
}

// UpdateIR replaces the stored IR for name, keeping metadata.
func (m *Manager) UpdateIR(name string, w *ir.Workflow) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	if w == nil {
		return fmt.Errorf("workflow ir is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	e, err := m.read(name)
	if err != nil {
		return err
	}
	e.IR = w
	e.Metadata.UpdatedAt = m.now()
	return m.write(name, e)
}

// UpdateMetadata applies a mutation to the stored metadata for name.
func (m *Manager) UpdateMetadata(name string, apply func(*Metadata)) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	e, err := m.read(name)
	if err != nil {
		return err
	}
	apply(&e.Metadata)
	e.Metadata.UpdatedAt = m.now()
	return m.write(name, e)
}

// Delete removes the stored workflow for name.
func (m *Manager) Delete(name string) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := os.Remove(m.path(name)); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("workflow %q: %w", name, ErrNotFound)
		}
		return err
	}
	return nil
}

func (m *Manager) path(name string) string {
	return filepath.Join(m.root, name+".json")
}

func (m *Manager) read(name string) (*Entry, error) {
	path := m.path(name)
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("workflow %q: %w", name, ErrNotFound)
		}
		return nil, err
	}
	var e Entry
	if err := json.Unmarshal(b, &e); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	if e.IR == nil {
		return nil, fmt.Errorf("decode %s: document has no ir", path)
	}
	return &e, nil
}

// write lands the document via temp file + rename in the same directory, so
// readers always see either the old or the new complete document.
func (m *Manager) write(name string, e *Entry) error {
	b, err := json.MarshalIndent(e, "", "  ")
	if err != nil {
		return err
	}
	b = append(b, '\n')

	tmp, err := os.CreateTemp(m.root, "."+name+"-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, m.path(name)); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}
