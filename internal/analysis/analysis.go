// Package analysis produces the free-text findings workers attach to their
// results. Engine drives an LLM provider through a tool loop; Rules is the
// deterministic analyzer used when no provider is configured. Output is
// opaque to the fabric: workers only run the classify heuristics over it.
package analysis

import (
	"context"
	"fmt"
	"strings"
)

// Kind selects the prompt and fallback template for a task.
type Kind string

const (
	KindObservability  Kind = "observability"
	KindInfrastructure Kind = "infrastructure"
	KindRootCause      Kind = "root_cause"
	KindPostmortem     Kind = "postmortem"
	KindNotification   Kind = "notification"
	KindRunbook        Kind = "runbook"
)

// Task is one unit of analysis.
type Task struct {
	Kind    Kind
	AlertID string
	// Alert is the enriched alert as published on the bus.
	Alert map[string]any
	// Context carries kind-specific inputs, e.g. contributor sections for a
	// root cause or the root cause for a postmortem.
	Context map[string]any
}

// Status is the terminal state of an analysis.
type Status string

const (
	StatusComplete Status = "complete"
	// StatusTruncated means a budget ran out; Text explains which.
	StatusTruncated Status = "truncated"
)

// Result is the outcome of an analysis.
type Result struct {
	Text         string   `json:"text"`
	Status       Status   `json:"status"`
	Model        string   `json:"model,omitempty"`
	InputTokens  int      `json:"input_tokens,omitempty"`
	OutputTokens int      `json:"output_tokens,omitempty"`
	ToolCalls    int      `json:"tool_calls,omitempty"`
	ToolsUsed    []string `json:"tools_used,omitempty"`
	Duration     float64  `json:"duration_seconds,omitempty"`
	LLMTime      float64  `json:"llm_time_seconds,omitempty"`
	ToolTime     float64  `json:"tool_time_seconds,omitempty"`
}

// Analyzer turns a task into findings. An error means the analysis could
// not run and the task should be retried.
type Analyzer interface {
	Analyze(ctx context.Context, t Task) (Result, error)
}

// Labels returns the string labels of an alert payload.
func Labels(alert map[string]any) map[string]string {
	return stringMap(alert["labels"])
}

// Annotations returns the string annotations of an alert payload.
func Annotations(alert map[string]any) map[string]string {
	return stringMap(alert["annotations"])
}

func stringMap(v any) map[string]string {
	out := map[string]string{}
	switch m := v.(type) {
	case map[string]any:
		for k, val := range m {
			if s, ok := val.(string); ok {
				out[k] = s
			} else if val != nil {
				out[k] = fmt.Sprint(val)
			}
		}
	case map[string]string:
		for k, val := range m {
			out[k] = val
		}
	}
	return out
}

// Label returns labels[key], or def when absent or blank.
func Label(alert map[string]any, key, def string) string {
	if v := strings.TrimSpace(Labels(alert)[key]); v != "" {
		return v
	}
	return def
}
