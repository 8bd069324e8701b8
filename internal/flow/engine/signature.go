package engine

import (
	"regexp"
	"strings"

	"github.com/pflow-ai/pflow/internal/flow/runtime"
)

var (
	errorSignatureTimestampRE  = regexp.MustCompile(`\b\d{4}-\d{2}-\d{2}[t ]\d{2}:\d{2}:\d{2}(?:\.\d+)?(?:z|[+-]\d{2}:?\d{2})?\b`)
	errorSignatureUUIDRE       = regexp.MustCompile(`\b[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}\b`)
	errorSignatureDurationRE   = regexp.MustCompile(`\b\d+(?:\.\d+)?(?:ns|us|µs|ms|s|m|h)\b`)
	errorSignatureHexRE        = regexp.MustCompile(`\b[0-9a-f]{7,64}\b`)
	errorSignatureDigitsRE     = regexp.MustCompile(`\b\d+\b`)
	errorSignatureWhitespaceRE = regexp.MustCompile(`\s+`)
)

const maxErrorSignatureLen = 240

// errorSignature fingerprints one error record for repair loop detection:
// category|node|message with volatile tokens (timestamps, UUIDs, durations,
// hex runs, remaining integers) replaced by placeholders so retries of the
// same failure compare equal.
func errorSignature(rec runtime.ErrorRecord) string {
	msg := strings.ToLower(strings.TrimSpace(rec.Message))
	msg = errorSignatureTimestampRE.ReplaceAllString(msg, "<ts>")
	msg = errorSignatureUUIDRE.ReplaceAllString(msg, "<uuid>")
	msg = errorSignatureDurationRE.ReplaceAllString(msg, "<dur>")
	msg = errorSignatureHexRE.ReplaceAllString(msg, "<hex>")
	msg = errorSignatureDigitsRE.ReplaceAllString(msg, "<n>")
	msg = errorSignatureWhitespaceRE.ReplaceAllString(msg, " ")
	if len(msg) > maxErrorSignatureLen {
		msg = msg[:maxErrorSignatureLen]
	}
	return rec.Category + "|" + rec.NodeID + "|" + msg
}
