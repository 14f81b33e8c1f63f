package analysis

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"
)

// Context keys understood by the analyzers.
const (
	CtxContributors = "contributors"   // map[string]map[string]any
	CtxMissing      = "missing_agents" // []string
	CtxRootCause    = "root_cause"     // map[string]any
	CtxRunbook      = "runbook"        // map[string]any
)

// Rules is a deterministic Analyzer that writes findings from the alert's
// own labels and annotations and from contributor results. It never fails.
type Rules struct{}

var _ Analyzer = Rules{}

// Analyze implements Analyzer.
func (Rules) Analyze(_ context.Context, t Task) (Result, error) {
	var text string
	switch t.Kind {
	case KindRootCause:
		text = rootCauseText(t)
	case KindPostmortem:
		text = postmortemText(t)
	case KindNotification:
		text = notificationText(t)
	case KindRunbook:
		text = runbookText(t)
	default:
		text = alertText(t)
	}
	return Result{Text: text, Status: StatusComplete, Model: "rules"}, nil
}

func alertText(t Task) string {
	labels := Labels(t.Alert)
	ann := Annotations(t.Alert)
	var b strings.Builder
	fmt.Fprintf(&b, "%s analysis of %s on service %s (severity %s).\n",
		kindTitle(t.Kind), orDefault(labels["alertname"], "alert"),
		orDefault(labels["service"], "unknown"), orDefault(labels["severity"], "warning"))
	for _, k := range []string{"summary", "description"} {
		if v := strings.TrimSpace(ann[k]); v != "" {
			b.WriteString(v)
			b.WriteByte('\n')
		}
	}
	return strings.TrimSpace(b.String())
}

// Contributors extracts contributor sections from a task context.
func Contributors(ctx map[string]any) map[string]map[string]any {
	out := map[string]map[string]any{}
	switch c := ctx[CtxContributors].(type) {
	case map[string]map[string]any:
		maps.Copy(out, c)
	case map[string]any:
		for k, v := range c {
			if m, ok := v.(map[string]any); ok {
				out[k] = m
			}
		}
	}
	return out
}

func rootCauseText(t Task) string {
	service := Label(t.Alert, "service", "unknown")
	contrib := Contributors(t.Context)
	names := slices.Sorted(maps.Keys(contrib))

	var primary string
	for _, pref := range []string{"observability", "infrastructure"} {
		if s, ok := contrib[pref]["observed"].(string); ok && s != "" {
			primary = s
			break
		}
	}
	if primary == "" {
		for _, n := range names {
			if s, ok := contrib[n]["observed"].(string); ok && s != "" {
				primary = s
				break
			}
		}
	}

	var b strings.Builder
	switch {
	case primary != "":
		fmt.Fprintf(&b, "Root cause: %s affecting service %s\n", primary, service)
	default:
		fmt.Fprintf(&b, "Root cause: insufficient specialist data to determine the cause for service %s\n", service)
	}

	missing := stringSlice(t.Context[CtxMissing])
	switch {
	case len(names) == 0:
		b.WriteString("Confidence: 0.2\n")
	case len(missing) > 0:
		b.WriteString("Confidence: 0.5\n")
	default:
		b.WriteString("Confidence: 0.8\n")
	}

	for _, n := range names {
		if s, ok := contrib[n]["observed"].(string); ok && s != "" {
			fmt.Fprintf(&b, "Evidence: %s reported %s\n", n, s)
		}
	}
	if len(missing) > 0 {
		fmt.Fprintf(&b, "Missing data from: %s\n", strings.Join(missing, ", "))
	}
	fmt.Fprintf(&b, "Recommendation: investigate %s starting from the %s findings",
		service, orDefault(strings.Join(names, " and "), "alert"))
	return b.String()
}

func rootCauseField(t Task, key string) string {
	rc, _ := t.Context[CtxRootCause].(map[string]any)
	if rc == nil {
		return ""
	}
	if s, ok := rc[key].(string); ok {
		return s
	}
	if v, ok := rc[key]; ok && v != nil {
		return fmt.Sprint(v)
	}
	return ""
}

func postmortemText(t Task) string {
	labels := Labels(t.Alert)
	name := orDefault(labels["alertname"], t.AlertID)
	var b strings.Builder
	fmt.Fprintf(&b, "# Postmortem: %s\n\n", name)
	fmt.Fprintf(&b, "## Summary\n%s fired for service %s in namespace %s.\n\n",
		name, orDefault(labels["service"], "unknown"), orDefault(labels["namespace"], "default"))
	fmt.Fprintf(&b, "## Impact\nSeverity %s.\n\n", orDefault(labels["severity"], "warning"))
	fmt.Fprintf(&b, "## Root Cause\n%s\n\n", orDefault(rootCauseField(t, "cause"), "Not determined."))
	b.WriteString("## Timeline\n")
	if s, ok := t.Alert["startsAt"].(string); ok && s != "" {
		fmt.Fprintf(&b, "- %s alert started\n", s)
	}
	if s, ok := t.Alert["processed_at"].(string); ok && s != "" {
		fmt.Fprintf(&b, "- %s alert processed\n", s)
	}
	fmt.Fprintf(&b, "\n## Action Items\n- %s\n",
		orDefault(rootCauseField(t, "recommendation"), "Review the analysis and take appropriate action"))
	return b.String()
}

func notificationText(t Task) string {
	labels := Labels(t.Alert)
	priority := orDefault(fmt.Sprint(orNil(t.Alert["priority"])), "3")
	var b strings.Builder
	fmt.Fprintf(&b, "[P%s] %s on %s\n", priority,
		orDefault(labels["alertname"], t.AlertID), orDefault(labels["service"], "unknown"))
	if c := rootCauseField(t, "cause"); c != "" {
		fmt.Fprintf(&b, "Root cause: %s\n", c)
	}
	if r := rootCauseField(t, "recommendation"); r != "" {
		fmt.Fprintf(&b, "Recommendation: %s\n", r)
	}
	return strings.TrimSpace(b.String())
}

func runbookText(t Task) string {
	rb, _ := t.Context[CtxRunbook].(map[string]any)
	id, _ := rb["runbook_id"].(string)
	return fmt.Sprintf("Runbook %s requested for service %s. Preconditions must be verified by an operator.",
		orDefault(id, "unknown"), Label(t.Alert, "service", "unknown"))
}

func kindTitle(k Kind) string {
	switch k {
	case KindObservability:
		return "Observability"
	case KindInfrastructure:
		return "Infrastructure"
	default:
		return "Alert"
	}
}

func orDefault(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}

func orNil(v any) any {
	if v == nil {
		return ""
	}
	if f, ok := v.(float64); ok && f == float64(int(f)) {
		return int(f)
	}
	return v
}

func stringSlice(v any) []string {
	switch s := v.(type) {
	case []string:
		return s
	case []any:
		out := make([]string, 0, len(s))
		for _, e := range s {
			if str, ok := e.(string); ok {
				out = append(out, str)
			}
		}
		return out
	}
	return nil
}
