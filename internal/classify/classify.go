// Package classify holds the keyword rule tables used to label analysis
// output and alerts. Rules are data; the matching logic is shared.
package classify

import (
	"slices"
	"strings"
)

// Rule labels text that contains every word in All and, when Any is
// non-empty, at least one word in Any. Matching is case-insensitive.
type Rule struct {
	All   []string
	Any   []string
	Label string
}

func (r Rule) match(lower string) bool {
	for _, w := range r.All {
		if !strings.Contains(lower, w) {
			return false
		}
	}
	if len(r.Any) == 0 {
		return true
	}
	return slices.ContainsFunc(r.Any, func(w string) bool { return strings.Contains(lower, w) })
}

// Table is an ordered rule list applied to analysis text, with a second
// list applied to the alert name when nothing matched.
type Table struct {
	Text    []Rule
	Alert   []Rule
	Default string
}

// Classify returns the label of the first matching text rule, then the
// first matching alert-name rule, then Default.
func (t Table) Classify(text, alertName string) string {
	lower := strings.ToLower(text)
	for _, r := range t.Text {
		if r.match(lower) {
			return r.Label
		}
	}
	name := strings.ToLower(alertName)
	for _, r := range t.Alert {
		if r.match(name) {
			return r.Label
		}
	}
	return t.Default
}

// Observability classifies metric, log and trace findings.
var Observability = Table{
	Text: []Rule{
		{Any: []string{"out of memory", "oom"}, Label: "Memory exhaustion detected"},
		{All: []string{"cpu"}, Any: []string{"high", "saturated"}, Label: "CPU saturation detected"},
		{Any: []string{"error rate", "exception"}, Label: "Application error increase"},
		{Any: []string{"latency", "slow"}, Label: "Performance degradation"},
		{Any: []string{"timeout"}, Label: "Request timeout issues"},
		{Any: []string{"bottleneck"}, Label: "Performance bottleneck identified"},
		{Any: []string{"dependency"}, Label: "Service dependency failure"},
	},
	Alert: []Rule{
		{Any: []string{"error"}, Label: "Error rate alert"},
		{Any: []string{"latency"}, Label: "Latency alert"},
		{Any: []string{"memory"}, Label: "Memory alert"},
		{Any: []string{"cpu"}, Label: "CPU alert"},
	},
	Default: "Observability anomaly detected",
}

// Infrastructure classifies deployment and configuration findings.
var Infrastructure = Table{
	Text: []Rule{
		{All: []string{"deployment"}, Any: []string{"failed", "error"}, Label: "Deployment failure detected"},
		{All: []string{"configuration"}, Any: []string{"mismatch", "invalid"}, Label: "Configuration issue identified"},
		{Any: []string{"rollback"}, Label: "Rollback required"},
		{All: []string{"version"}, Any: []string{"conflict", "mismatch"}, Label: "Version compatibility issue"},
		{All: []string{"resource"}, Any: []string{"limit", "quota"}, Label: "Resource constraint detected"},
		{All: []string{"health"}, Any: []string{"unhealthy", "failing"}, Label: "Service health issue"},
		{All: []string{"sync"}, Any: []string{"failed", "error"}, Label: "GitOps sync failure"},
	},
	Alert: []Rule{
		{Any: []string{"deployment"}, Label: "Deployment-related alert"},
		{Any: []string{"config"}, Label: "Configuration alert"},
		{Any: []string{"resource"}, Label: "Resource alert"},
	},
	Default: "Infrastructure anomaly detected",
}

// Investigations is the full set of investigation areas.
var Investigations = []string{"metric", "log", "deployment", "tracing", "notification", "postmortem"}

var investigationRules = []struct {
	Rule
	areas []string
}{
	{Rule{Any: []string{"memory", "cpu"}}, []string{"metric", "deployment"}},
	{Rule{Any: []string{"error", "exception"}}, []string{"log", "tracing"}},
	{Rule{Any: []string{"deployment", "config"}}, []string{"deployment"}},
}

// PrimaryInvestigation returns the investigation areas to prioritise for an
// alert name.
func PrimaryInvestigation(alertName string) []string {
	name := strings.ToLower(alertName)
	for _, r := range investigationRules {
		if r.match(name) {
			return slices.Clone(r.areas)
		}
	}
	return slices.Clone(Investigations)
}

// Priority maps a severity label to an incident priority: critical is 1,
// error and warning are 2, anything else 3. An empty severity is a warning.
func Priority(severity string) int {
	switch strings.ToLower(strings.TrimSpace(severity)) {
	case "critical":
		return 1
	case "error", "warning", "":
		return 2
	default:
		return 3
	}
}
