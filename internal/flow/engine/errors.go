package engine

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/pflow-ai/pflow/internal/flow/ir"
	"github.com/pflow-ai/pflow/internal/flow/runtime"
)

// maxRawResponseBytes caps raw_response in error records. Repair prompts
// want structure, not megabytes; truncation is flagged so the client knows.
const maxRawResponseBytes = 16 * 1024

const maxAvailableFields = 20

// extractError turns a failed attempt's store into one structured record.
// The failed node comes from the checkpoint; when unset (a run that finished
// its action path but tripped the non-repairable flag) the warning map names
// the node instead.
func extractError(action string, store runtime.Store, w *ir.Workflow) runtime.ErrorRecord {
	failed := store.Checkpoint().FailedNode
	if failed == "" {
		if warned := sortedWarningIDs(store); len(warned) > 0 {
			failed = warned[0]
		}
	}

	rec := runtime.ErrorRecord{
		Source:  runtime.SourceRuntime,
		NodeID:  failed,
		Action:  action,
		Fixable: !store.NonRepairable(),
	}
	if w != nil && failed != "" {
		rec.NodeType = w.NodeType(failed)
	}

	outputs, _ := store.NodeOutputs(failed)

	msg := stringField(store, "error")
	if msg == "" {
		msg = stringField(outputs, "error")
	}
	if msg == "" {
		switch {
		case failed != "" && action != "":
			msg = fmt.Sprintf("node %q finished with action %q", failed, action)
		case failed != "":
			msg = fmt.Sprintf("node %q failed", failed)
		default:
			msg = fmt.Sprintf("workflow failed with action %q", action)
		}
	}
	rec.Message = msg

	status, hasStatus := intField(outputs, "status_code")

	switch {
	case strings.HasPrefix(action, actionTemplateFailed) || strings.Contains(msg, "cannot resolve ${"):
		rec.Category = runtime.CategoryTemplateError
		rec.AvailableFields = availableFields(outputs)
	case looksLikeAPIValidation(msg, status, hasStatus):
		rec.Category = runtime.CategoryAPIValidation
		if hasStatus {
			rec.StatusCode = status
		}
		rec.RawResponse, rec.Truncated = capRawResponse(rawResponseOf(outputs))
		if headers, ok := outputs["response_headers"].(map[string]any); ok {
			rec.ResponseHeaders = headers
		}
		if details, ok := outputs["mcp_error_details"]; ok {
			rec.MCPErrorDetails = details
		}
		if mcpErr := stringField(outputs, "mcp_error"); mcpErr != "" {
			rec.MCPError = mcpErr
		}
	default:
		rec.Category = runtime.CategoryExecutionFailure
	}
	return rec
}

func looksLikeAPIValidation(msg string, status int, hasStatus bool) bool {
	if hasStatus && status >= 400 && status < 500 {
		return true
	}
	lower := strings.ToLower(msg)
	for _, marker := range []string{"input should be", "field required", "validation error"} {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

func rawResponseOf(outputs map[string]any) any {
	for _, key := range []string{"raw_response", "response", "body"} {
		if v, ok := outputs[key]; ok && v != nil {
			return v
		}
	}
	return nil
}

// capRawResponse bounds the payload attached to a record. Oversized values
// are serialized and cut at the byte budget with the truncated flag set.
func capRawResponse(v any) (any, bool) {
	if v == nil {
		return nil, false
	}
	if s, ok := v.(string); ok {
		if len(s) > maxRawResponseBytes {
			return s[:maxRawResponseBytes], true
		}
		return s, false
	}
	b, err := json.Marshal(v)
	if err != nil {
		s := fmt.Sprintf("%v", v)
		if len(s) > maxRawResponseBytes {
			return s[:maxRawResponseBytes], true
		}
		return s, false
	}
	if len(b) <= maxRawResponseBytes {
		return v, false
	}
	return string(b[:maxRawResponseBytes]), true
}

func availableFields(outputs map[string]any) []string {
	if len(outputs) == 0 {
		return nil
	}
	keys := make([]string, 0, len(outputs))
	for k := range outputs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	if len(keys) > maxAvailableFields {
		keys = keys[:maxAvailableFields]
	}
	return keys
}

func sortedWarningIDs(store runtime.Store) []string {
	warnings := store.Warnings()
	ids := make([]string, 0, len(warnings))
	for id := range warnings {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
