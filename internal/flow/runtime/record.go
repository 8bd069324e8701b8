package runtime

// Error categories. static_validation covers authoring defects found before
// execution; the other three classify runtime failures.
const (
	CategoryAPIValidation    = "api_validation"
	CategoryTemplateError    = "template_error"
	CategoryExecutionFailure = "execution_failure"
	CategoryStaticValidation = "static_validation"
)

// Error sources.
const (
	SourceRuntime    = "runtime"
	SourceValidation = "validation"
)

// ErrorRecord is the structured error shape handed to callers and to the
// repair client. Fields beyond the base set are populated per category.
type ErrorRecord struct {
	Source   string `json:"source"`
	Category string `json:"category"`
	Message  string `json:"message"`
	NodeID   string `json:"node_id,omitempty"`
	NodeType string `json:"node_type,omitempty"`
	Action   string `json:"action,omitempty"`
	Fixable  bool   `json:"fixable"`

	StatusCode      int            `json:"status_code,omitempty"`
	RawResponse     any            `json:"raw_response,omitempty"`
	Truncated       bool           `json:"truncated,omitempty"`
	ResponseHeaders map[string]any `json:"response_headers,omitempty"`

	MCPErrorDetails any    `json:"mcp_error_details,omitempty"`
	MCPError        string `json:"mcp_error,omitempty"`

	AvailableFields []string `json:"available_fields,omitempty"`
	Hint            string   `json:"hint,omitempty"`
}
