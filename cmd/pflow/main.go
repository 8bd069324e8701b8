package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/pflow-ai/pflow/internal/flow/engine"
	"github.com/pflow-ai/pflow/internal/flow/ir"
	"github.com/pflow-ai/pflow/internal/flow/manager"
	"github.com/pflow-ai/pflow/internal/flow/repair"
	"github.com/pflow-ai/pflow/internal/flow/validate"
	"github.com/pflow-ai/pflow/internal/logging"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "run":
		runWorkflow(os.Args[2:])
	case "validate":
		validateWorkflow(os.Args[2:])
	case "workflows":
		workflows(os.Args[2:])
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage:")
	fmt.Fprintln(os.Stderr, "  pflow run (--workflow <file.json|.yaml> | --name <saved>) [--params <file.yaml|.json>] [--param k=v]... [--repair] [--stdin] [--output-key <name>] [--dir <workflows-dir>] [--timeout <dur>] [--log-level <debug|info|warn|error>] [--log-format <text|json>] [--save-repaired=false]")
	fmt.Fprintln(os.Stderr, "  pflow validate (--workflow <file.json|.yaml> | --name <saved>) [--dir <workflows-dir>]")
	fmt.Fprintln(os.Stderr, "  pflow workflows list [--glob <pattern>] [--dir <workflows-dir>]")
	fmt.Fprintln(os.Stderr, "  pflow workflows show --name <name> [--dir <workflows-dir>]")
	fmt.Fprintln(os.Stderr, "  pflow workflows save --name <name> --workflow <file.json|.yaml> [--description <text>] [--force] [--dir <workflows-dir>]")
	fmt.Fprintln(os.Stderr, "  pflow workflows delete --name <name> [--dir <workflows-dir>]")
}

func runWorkflow(args []string) {
	var workflowPath string
	var name string
	var paramsPath string
	var paramSpecs []string
	var enableRepair bool
	var readStdin bool
	var outputKey string
	var dir string
	var timeout time.Duration
	logLevel := envOr("PFLOW_LOG_LEVEL", "info")
	logFormat := envOr("PFLOW_LOG_FORMAT", "text")
	saveRepaired := true

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--workflow":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--workflow requires a value")
				os.Exit(1)
			}
			workflowPath = args[i]
		case "--name":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--name requires a value")
				os.Exit(1)
			}
			name = args[i]
		case "--params":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--params requires a value")
				os.Exit(1)
			}
			paramsPath = args[i]
		case "--param":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--param requires a value in the form key=value")
				os.Exit(1)
			}
			paramSpecs = append(paramSpecs, args[i])
		case "--repair":
			enableRepair = true
		case "--stdin":
			readStdin = true
		case "--output-key":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--output-key requires a value")
				os.Exit(1)
			}
			outputKey = args[i]
		case "--dir":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--dir requires a value")
				os.Exit(1)
			}
			dir = args[i]
		case "--timeout":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--timeout requires a value")
				os.Exit(1)
			}
			d, err := time.ParseDuration(args[i])
			if err != nil {
				fmt.Fprintf(os.Stderr, "--timeout %q is invalid; expected a duration like 90s or 5m\n", args[i])
				os.Exit(1)
			}
			timeout = d
		case "--log-level":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--log-level requires a value")
				os.Exit(1)
			}
			logLevel = args[i]
		case "--log-format":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--log-format requires a value")
				os.Exit(1)
			}
			logFormat = args[i]
		case "--save-repaired", "--save-repaired=true":
			saveRepaired = true
		case "--save-repaired=false":
			saveRepaired = false
		default:
			fmt.Fprintf(os.Stderr, "unknown arg: %s\n", args[i])
			os.Exit(1)
		}
	}

	if workflowPath == "" && name == "" {
		usage()
		os.Exit(1)
	}
	if workflowPath != "" && name != "" {
		fmt.Fprintln(os.Stderr, "--workflow and --name are mutually exclusive")
		os.Exit(1)
	}

	log := logging.New(logLevel, logFormat)

	w, mgr, err := loadWorkflow(workflowPath, name, dir)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	params, err := loadParamsFile(paramsPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	overrides, err := parseParamFlags(paramSpecs)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if len(overrides) > 0 {
		if params == nil {
			params = map[string]any{}
		}
		for k, v := range overrides {
			params[k] = v
		}
	}

	var stdinData *string
	if readStdin {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		s := string(data)
		stdinData = &s
	}

	var repairClient repair.Client
	if enableRepair {
		cmdStr := os.Getenv("PFLOW_REPAIR_CMD")
		if cmdStr == "" {
			fmt.Fprintln(os.Stderr, "--repair requires PFLOW_REPAIR_CMD: a shell command that reads the repair prompt on stdin and writes the model completion to stdout")
			os.Exit(1)
		}
		repairClient = &repair.LLMClient{Complete: commandCompleter(cmdStr), Log: log}
	}

	// Default: no deadline. Workflows calling LLM or MCP nodes can run long.
	ctx := context.Background()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	metrics := &llmMetrics{}
	res := engine.ExecuteWorkflow(ctx, w, engine.Options{
		Params:            params,
		EnableRepair:      enableRepair,
		Repair:            repairClient,
		Output:            engine.LogOutput{Log: log},
		Metrics:           metrics,
		Manager:           mgr,
		WorkflowName:      name,
		SkipRepairPersist: !saveRepaired,
		StdinData:         stdinData,
		OutputKey:         outputKey,
		Log:               log,
	})

	fmt.Printf("success=%t\n", res.Success)
	fmt.Printf("nodes=%d\n", res.NodeCount)
	fmt.Printf("duration=%s\n", res.Duration.Round(time.Millisecond))
	if res.RepairedWorkflow != nil {
		fmt.Printf("repaired=true\n")
	}
	if len(res.MetricsSummary) > 0 {
		if out, err := json.Marshal(res.MetricsSummary); err == nil {
			fmt.Printf("metrics=%s\n", out)
		}
	}
	if res.OutputData != nil {
		if out, err := json.Marshal(res.OutputData); err == nil {
			fmt.Printf("output=%s\n", out)
		}
	}
	for _, rec := range res.Errors {
		if rec.NodeID != "" {
			fmt.Fprintf(os.Stderr, "ERROR: %s [%s] %s\n", rec.Category, rec.NodeID, rec.Message)
		} else {
			fmt.Fprintf(os.Stderr, "ERROR: %s %s\n", rec.Category, rec.Message)
		}
		if rec.Hint != "" {
			fmt.Fprintf(os.Stderr, "  hint: %s\n", rec.Hint)
		}
	}

	if res.Success {
		os.Exit(0)
	}
	os.Exit(1)
}

func validateWorkflow(args []string) {
	var workflowPath string
	var name string
	var dir string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--workflow":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--workflow requires a value")
				os.Exit(1)
			}
			workflowPath = args[i]
		case "--name":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--name requires a value")
				os.Exit(1)
			}
			name = args[i]
		case "--dir":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--dir requires a value")
				os.Exit(1)
			}
			dir = args[i]
		default:
			fmt.Fprintf(os.Stderr, "unknown arg: %s\n", args[i])
			os.Exit(1)
		}
	}
	if workflowPath == "" && name == "" {
		usage()
		os.Exit(1)
	}
	if workflowPath != "" && name != "" {
		fmt.Fprintln(os.Stderr, "--workflow and --name are mutually exclusive")
		os.Exit(1)
	}

	w, _, err := loadWorkflow(workflowPath, name, dir)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	diags := validate.Validate(w, validate.Options{})
	if len(validate.Errors(diags)) > 0 {
		for _, d := range diags {
			fmt.Fprintf(os.Stderr, "%s: %s (%s)\n", d.Severity, d, d.Rule)
		}
		os.Exit(1)
	}
	label := name
	if label == "" {
		label = filepath.Base(workflowPath)
	}
	fmt.Printf("ok: %s\n", label)
	for _, d := range diags {
		fmt.Printf("%s: %s (%s)\n", d.Severity, d, d.Rule)
	}
	os.Exit(0)
}

func workflows(args []string) {
	if len(args) < 1 {
		usage()
		os.Exit(1)
	}
	switch args[0] {
	case "list":
		workflowsList(args[1:])
	case "show":
		workflowsShow(args[1:])
	case "save":
		workflowsSave(args[1:])
	case "delete":
		workflowsDelete(args[1:])
	default:
		usage()
		os.Exit(1)
	}
}

func workflowsList(args []string) {
	var glob string
	var dir string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--glob":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--glob requires a value")
				os.Exit(1)
			}
			glob = args[i]
		case "--dir":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--dir requires a value")
				os.Exit(1)
			}
			dir = args[i]
		default:
			fmt.Fprintf(os.Stderr, "unknown arg: %s\n", args[i])
			os.Exit(1)
		}
	}

	mgr, err := openManager(dir)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	var sums []manager.Summary
	if glob != "" {
		sums, err = mgr.List(glob)
	} else {
		sums, err = mgr.ListAll()
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	for _, s := range sums {
		fmt.Printf("name=%s nodes=%d executions=%d updated=%s", s.Name, s.Nodes, s.ExecutionCount, s.UpdatedAt.Format(time.RFC3339))
		if s.LastExecutionStatus != "" {
			fmt.Printf(" last_status=%s", s.LastExecutionStatus)
		}
		if s.Description != "" {
			fmt.Printf(" description=%q", s.Description)
		}
		fmt.Println()
	}
	os.Exit(0)
}

func workflowsShow(args []string) {
	var name string
	var dir string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--name":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--name requires a value")
				os.Exit(1)
			}
			name = args[i]
		case "--dir":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--dir requires a value")
				os.Exit(1)
			}
			dir = args[i]
		default:
			fmt.Fprintf(os.Stderr, "unknown arg: %s\n", args[i])
			os.Exit(1)
		}
	}
	if name == "" {
		usage()
		os.Exit(1)
	}

	mgr, err := openManager(dir)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	e, err := mgr.Load(name)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	fmt.Printf("name=%s\n", name)
	if e.Metadata.Description != "" {
		fmt.Printf("description=%s\n", e.Metadata.Description)
	}
	fmt.Printf("created_at=%s\n", e.Metadata.CreatedAt.Format(time.RFC3339))
	fmt.Printf("updated_at=%s\n", e.Metadata.UpdatedAt.Format(time.RFC3339))
	fmt.Printf("executions=%d\n", e.Metadata.ExecutionCount)
	if e.Metadata.LastExecutionStatus != "" {
		fmt.Printf("last_status=%s\n", e.Metadata.LastExecutionStatus)
	}
	if e.Metadata.LastExecutionAt != nil {
		fmt.Printf("last_execution_at=%s\n", e.Metadata.LastExecutionAt.Format(time.RFC3339))
	}
	data, err := json.MarshalIndent(e.IR, "", "  ")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	fmt.Println(string(data))
	os.Exit(0)
}

func workflowsSave(args []string) {
	var name string
	var workflowPath string
	var description string
	var force bool
	var dir string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--name":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--name requires a value")
				os.Exit(1)
			}
			name = args[i]
		case "--workflow":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--workflow requires a value")
				os.Exit(1)
			}
			workflowPath = args[i]
		case "--description":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--description requires a value")
				os.Exit(1)
			}
			description = args[i]
		case "--force":
			force = true
		case "--dir":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--dir requires a value")
				os.Exit(1)
			}
			dir = args[i]
		default:
			fmt.Fprintf(os.Stderr, "unknown arg: %s\n", args[i])
			os.Exit(1)
		}
	}
	if name == "" || workflowPath == "" {
		usage()
		os.Exit(1)
	}

	w, err := readWorkflowFile(workflowPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	diags := validate.Validate(w, validate.Options{})
	if len(validate.Errors(diags)) > 0 {
		for _, d := range diags {
			fmt.Fprintf(os.Stderr, "%s: %s (%s)\n", d.Severity, d, d.Rule)
		}
		fmt.Fprintln(os.Stderr, "refusing to save a workflow with validation errors")
		os.Exit(1)
	}
	for _, d := range diags {
		fmt.Fprintf(os.Stderr, "WARNING: %s (%s)\n", d, d.Rule)
	}

	mgr, err := openManager(dir)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if err := mgr.Save(name, w, manager.Metadata{Description: description}, force); err != nil {
		if errors.Is(err, manager.ErrExists) {
			fmt.Fprintf(os.Stderr, "%s (use --force to overwrite)\n", err)
			os.Exit(1)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	fmt.Printf("saved=%s\n", name)
	os.Exit(0)
}

func workflowsDelete(args []string) {
	var name string
	var dir string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--name":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--name requires a value")
				os.Exit(1)
			}
			name = args[i]
		case "--dir":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--dir requires a value")
				os.Exit(1)
			}
			dir = args[i]
		default:
			fmt.Fprintf(os.Stderr, "unknown arg: %s\n", args[i])
			os.Exit(1)
		}
	}
	if name == "" {
		usage()
		os.Exit(1)
	}

	mgr, err := openManager(dir)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if err := mgr.Delete(name); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	fmt.Printf("deleted=%s\n", name)
	os.Exit(0)
}

func openManager(dir string) (*manager.Manager, error) {
	if dir == "" {
		dir = os.Getenv("PFLOW_WORKFLOWS_DIR")
	}
	if dir == "" {
		root, err := manager.DefaultRoot()
		if err != nil {
			return nil, err
		}
		dir = root
	}
	return manager.New(dir)
}

// loadWorkflow resolves the run/validate source: a saved name (with its
// manager, for execution bookkeeping) or a standalone IR file.
func loadWorkflow(path, name, dir string) (*ir.Workflow, *manager.Manager, error) {
	if name != "" {
		mgr, err := openManager(dir)
		if err != nil {
			return nil, nil, err
		}
		w, err := mgr.LoadIR(name)
		if err != nil {
			return nil, nil, err
		}
		return w, mgr, nil
	}
	w, err := readWorkflowFile(path)
	if err != nil {
		return nil, nil, err
	}
	return w, nil, nil
}

// readWorkflowFile loads an IR document from disk. YAML files are converted
// to their JSON form first so both formats share one strict parse path.
func readWorkflowFile(path string) (*ir.Workflow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		var doc any
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		data, err = json.Marshal(doc)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	w, err := ir.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return w, nil
}

func loadParamsFile(path string) (map[string]any, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	params := map[string]any{}
	if strings.EqualFold(filepath.Ext(path), ".json") {
		if err := decodeParamsJSON(data, &params); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		return params, nil
	}
	if err := decodeParamsYAML(data, &params); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return params, nil
}

func decodeParamsJSON(b []byte, params *map[string]any) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	if err := dec.Decode(params); err != nil {
		return err
	}
	var trailing any
	if err := dec.Decode(&trailing); err != io.EOF {
		if err == nil {
			return fmt.Errorf("json: multiple top-level values are not allowed")
		}
		return err
	}
	return nil
}

func decodeParamsYAML(b []byte, params *map[string]any) error {
	dec := yaml.NewDecoder(bytes.NewReader(b))
	if err := dec.Decode(params); err != nil {
		return err
	}
	var trailing any
	if err := dec.Decode(&trailing); err != io.EOF {
		if err == nil {
			return fmt.Errorf("yaml: multiple documents are not allowed")
		}
		return err
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func parseParamFlags(specs []string) (map[string]any, error) {
	if len(specs) == 0 {
		return nil, nil
	}
	params := map[string]any{}
	for _, raw := range specs {
		parts := strings.SplitN(raw, "=", 2)
		if len(parts) != 2 || strings.TrimSpace(parts[0]) == "" {
			return nil, fmt.Errorf("--param %q is invalid; expected key=value", raw)
		}
		params[strings.TrimSpace(parts[0])] = parseParamValue(parts[1])
	}
	return params, nil
}

// parseParamValue decodes a flag value as JSON when it looks like JSON, so
// --param limit=3 arrives as a number and --param tags='["a"]' as an array.
// Everything else stays a string.
func parseParamValue(raw string) any {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return raw
	}
	switch trimmed[0] {
	case '{', '[', '"', 't', 'f', 'n', '-', '0', '1', '2', '3', '4', '5', '6', '7', '8', '9':
		var v any
		if err := json.Unmarshal([]byte(trimmed), &v); err == nil {
			return v
		}
	}
	return raw
}

// commandCompleter adapts PFLOW_REPAIR_CMD into a repair completer: the
// prompt goes to the command's stdin, the completion comes back on stdout.
func commandCompleter(cmdStr string) repair.CompleteFunc {
	return func(ctx context.Context, prompt string) (string, error) {
		cmd := exec.CommandContext(ctx, "sh", "-c", cmdStr)
		cmd.Stdin = strings.NewReader(prompt)
		var stdout, stderr bytes.Buffer
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr
		if err := cmd.Run(); err != nil {
			if msg := strings.TrimSpace(stderr.String()); msg != "" {
				return "", fmt.Errorf("repair command: %w: %s", err, msg)
			}
			return "", fmt.Errorf("repair command: %w", err)
		}
		return stdout.String(), nil
	}
}

// llmMetrics aggregates repair-call telemetry for the run summary line.
type llmMetrics struct {
	calls      int
	durationMS int64
	failures   int
}

func (m *llmMetrics) RecordLLM(info map[string]any) {
	m.calls++
	if d, ok := info["duration_ms"].(int64); ok {
		m.durationMS += d
	}
	if _, ok := info["error"]; ok {
		m.failures++
	}
}

func (m *llmMetrics) Summary() map[string]any {
	if m.calls == 0 {
		return nil
	}
	s := map[string]any{"llm_calls": m.calls, "llm_time_ms": m.durationMS}
	if m.failures > 0 {
		s["llm_failures"] = m.failures
	}
	return s
}
