// Package audit emits the structured event stream operators and compliance
// reviewers tail. Every payload passes through secret redaction before it
// is serialized, so API keys and tokens never reach the log.
package audit

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/tracefirst/attest/pkg/canonicalize"
)

// Redacted replaces sensitive values in logged payloads.
const Redacted = "***REDACTED***"

var sensitiveKeys = map[string]bool{
	"api_key":       true,
	"authorization": true,
	"token":         true,
	"secret":        true,
	"password":      true,
	"llm_api_key":   true,
}

// Redact returns a copy of value with sensitive fields masked. Keys match
// case-insensitively, either exactly or by the "_key" suffix; maps and
// slices are walked recursively.
func Redact(value any) any {
	switch v := value.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, nested := range v {
			lower := strings.ToLower(key)
			if sensitiveKeys[lower] || strings.HasSuffix(lower, "_key") {
				out[key] = Redacted
				continue
			}
			out[key] = Redact(nested)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = Redact(item)
		}
		return out
	default:
		return value
	}
}

// Logger writes one redacted, sorted-key JSON line per event.
type Logger struct {
	mu sync.Mutex
	w  io.Writer
}

// NewLogger creates a Logger writing to os.Stdout.
func NewLogger() *Logger {
	return NewLoggerWithWriter(os.Stdout)
}

// NewLoggerWithWriter creates a Logger writing to the given writer.
// This allows injection for testing and custom sinks.
func NewLoggerWithWriter(w io.Writer) *Logger {
	if w == nil {
		w = os.Stdout
	}
	return &Logger{w: w}
}

// Record redacts the fields, serializes them with the event type as one
// canonical JSON line, writes it, and returns the serialized payload.
func (l *Logger) Record(eventType string, fields map[string]any) (string, error) {
	payload := make(map[string]any, len(fields)+1)
	for k, v := range fields {
		payload[k] = v
	}
	payload["event_type"] = eventType

	line, err := canonicalize.CanonicalString(Redact(payload))
	if err != nil {
		return "", fmt.Errorf("audit: serialize %s event: %w", eventType, err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	// Prefix with AUDIT: for easy filtering
	if _, err := io.WriteString(l.w, "AUDIT: "+line+"\n"); err != nil {
		return "", fmt.Errorf("audit: write %s event: %w", eventType, err)
	}
	return line, nil
}
