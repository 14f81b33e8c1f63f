package analysis

import (
	"encoding/json"
	"fmt"
	"strings"
)

const basePrompt = `You are an incident response analyst. You investigate production alerts using the
tools available to you and report findings an on-call engineer can act on.

Be concise and operational.`

var kindPrompts = map[Kind]string{
	KindObservability: `Investigate metrics, logs and traces for the alerting service. Report what is
observed (resource exhaustion, error rates, latency, timeouts, failing dependencies), when it began
relative to the alert, and which data sources support it.`,
	KindInfrastructure: `Investigate deployments, configuration and resource limits for the alerting
service. Report recent rollouts, configuration drift, version conflicts, quota pressure and
failing health checks, and whether a rollback is warranted.`,
	KindRootCause: `You are given the findings of the observability and infrastructure specialists.
Some may be missing; say so and lower your confidence accordingly. Answer with lines of the form:
Root cause: <one sentence>
Confidence: <0.0 to 1.0>
Evidence: <one line per supporting fact>
Recommendation: <the next action>`,
	KindPostmortem: `Write a blameless postmortem in Markdown with sections Summary, Impact, Root
Cause, Timeline, Action Items. Use only the alert data and root cause you are given.`,
	KindNotification: `Write a short notification for the incident channel: one headline line with
the priority, alert and service, then the root cause and the recommended action.`,
	KindRunbook: `Summarize what the requested runbook would do for this alert and which
preconditions must hold before it runs. Do not claim that any step was executed.`,
}

func systemPrompt(k Kind) string {
	if p, ok := kindPrompts[k]; ok {
		return basePrompt + "\n\n" + p
	}
	return basePrompt
}

func initialPrompt(t Task) string {
	var b strings.Builder
	labels := Labels(t.Alert)
	fmt.Fprintf(&b, "Alert %s: %s\n", t.AlertID, labels["alertname"])
	fmt.Fprintf(&b, "Service: %s\nNamespace: %s\nSeverity: %s\n",
		labels["service"], labels["namespace"], labels["severity"])
	if ann := Annotations(t.Alert); len(ann) > 0 {
		data, _ := json.MarshalIndent(ann, "", "  ")
		fmt.Fprintf(&b, "\nAnnotations:\n%s\n", data)
	}
	if len(t.Alert) > 0 {
		data, _ := json.MarshalIndent(t.Alert, "", "  ")
		fmt.Fprintf(&b, "\nAlert data:\n%s\n", data)
	}
	if len(t.Context) > 0 {
		data, _ := json.MarshalIndent(t.Context, "", "  ")
		fmt.Fprintf(&b, "\nContext:\n%s\n", data)
	}
	b.WriteString("\nInvestigate and report your findings.")
	return b.String()
}
