package streams

// Logical task names used by the alias table.
const (
	TaskObservability  = "observability"
	TaskInfrastructure = "infrastructure"
	TaskCommunication  = "communication"
	TaskRootCause      = "root_cause"
)

// Publish keys referenced by the fabric.
const (
	KeyAlerts               = "alerts"
	KeyOrchestratorResponse = "orchestrator_response"
	KeyAlertDataRequest     = "alert_data_request"
	KeyAlertDataResponse    = "alert_data_response"
	KeyRootCauseAnalysis    = "root_cause_analysis"
	KeyRootCauseResult      = "root_cause_result"
	KeyRootCause            = "rootcause"
	KeyMetrics              = "metrics"
	KeyLogs                 = "logs"
	KeyDeployments          = "deployments"
	KeyTraces               = "traces"
	KeyPostmortems          = "postmortems"
	KeyRunbooks             = "runbooks"
	KeyRunbookDefinition    = "runbook_definition"
	KeyRunbookExecute       = "runbook_execute"
	KeyRunbookStatus        = "runbook_status"
	KeyRunbookExecution     = "runbook_execution"
	KeyNotifications        = "notifications"
	KeyNotificationRequests = "notification_requests"
	KeyNotebooks            = "notebooks"
	KeyAgentStatus          = "agent_status"
)

var defaultStreams = []Stream{
	{
		Name:        "ALERTS",
		Subjects:    []string{"alerts", "alerts.>"},
		Description: "Alert data from external monitoring systems",
	},
	{
		Name: "AGENT_TASKS",
		Subjects: []string{
			"observability_agent",
			"infrastructure_agent",
			"communication_agent",
			"root_cause_agent",
			// legacy per-function subjects, see defaultAliases
			"metric_agent", "log_agent", "deployment_agent", "tracing_agent",
			"notification_agent", "postmortem_agent", "runbook_agent",
			"agent.tasks.>",
		},
		Description: "Task distribution from orchestrator to agents",
	},
	{
		Name:        "AGENTS",
		Subjects:    []string{"agent.status.>"},
		Description: "Agent status and health updates",
	},
	{
		Name:        "RESPONSES",
		Subjects:    []string{"orchestrator_response", "responses.>"},
		Description: "Agent responses back to orchestrator",
	},
	{
		Name:        "ALERT_DATA",
		Subjects:    []string{"alert_data_request", "alert_data_response.*", "alert.data.>"},
		Description: "Alert data requests and responses",
	},
	{
		Name:        "ROOT_CAUSE",
		Subjects:    []string{"root_cause_analysis", "root_cause_result", "rootcause.>"},
		Description: "Root cause analysis data",
	},
	{
		Name:        "NOTIFICATIONS",
		Subjects:    []string{"notification_requests", "notifications.>"},
		Description: "Notification requests and status",
	},
	{
		Name:        "METRICS",
		Subjects:    []string{"metrics", "metrics.>"},
		Description: "Performance metrics data",
	},
	{
		Name:        "LOGS",
		Subjects:    []string{"logs", "logs.>"},
		Description: "Application logs",
	},
	{
		Name:        "DEPLOYMENTS",
		Subjects:    []string{"deployments", "deployments.>"},
		Description: "Deployment events and status",
	},
	{
		Name:        "TRACES",
		Subjects:    []string{"traces", "traces.>"},
		Description: "Distributed tracing data",
	},
	{
		Name:        "POSTMORTEMS",
		Subjects:    []string{"postmortems", "postmortems.>"},
		Description: "Incident postmortem reports",
	},
	{
		Name:        "RUNBOOKS",
		Subjects:    []string{"runbooks", "runbooks.>", "runbook.definition.>"},
		Description: "Operational runbooks",
	},
	{
		Name:        "RUNBOOK_EXECUTIONS",
		Subjects:    []string{"runbook.execute", "runbook.status.>", "runbook.execution.>"},
		Description: "Runbook execution results",
	},
	{
		Name:        "NOTEBOOKS",
		Subjects:    []string{"notebooks", "notebooks.>"},
		Description: "Notebook data for analysis",
	},
}

// Keys marked "suffixed" are used with an id or service token appended.
var defaultPublish = map[string]string{
	"observability_agent":  "observability_agent",
	"infrastructure_agent": "infrastructure_agent",
	"communication_agent":  "communication_agent",
	"root_cause_agent":     "root_cause_agent",
	"metric_agent":         "metric_agent",
	"log_agent":            "log_agent",
	"deployment_agent":     "deployment_agent",
	"tracing_agent":        "tracing_agent",
	"notification_agent":   "notification_agent",
	"postmortem_agent":     "postmortem_agent",
	"runbook_agent":        "runbook_agent",

	KeyOrchestratorResponse: "orchestrator_response",

	KeyAlerts:            "alerts",
	KeyAlertDataRequest:  "alert_data_request",
	KeyAlertDataResponse: "alert_data_response", // suffixed

	KeyRootCauseAnalysis: "root_cause_analysis",
	KeyRootCauseResult:   "root_cause_result",
	KeyRootCause:         "rootcause", // suffixed

	KeyMetrics:              "metrics",            // suffixed
	KeyLogs:                 "logs",               // suffixed
	KeyDeployments:          "deployments",        // suffixed
	KeyTraces:               "traces",             // suffixed
	KeyPostmortems:          "postmortems",        // suffixed
	KeyRunbooks:             "runbooks",           // suffixed
	KeyRunbookDefinition:    "runbook.definition", // suffixed
	KeyRunbookExecute:       "runbook.execute",
	KeyRunbookStatus:        "runbook.status",    // suffixed
	KeyRunbookExecution:     "runbook.execution", // suffixed
	KeyNotifications:        "notifications",     // suffixed
	KeyNotificationRequests: "notification_requests",
	KeyNotebooks:            "notebooks", // suffixed

	KeyAgentStatus: "agent.status", // suffixed
}

// The first subject of each task is canonical; the rest are legacy
// subjects still consumed so older publishers keep working.
var defaultAliases = map[string][]string{
	TaskObservability:  {"observability_agent", "metric_agent", "log_agent", "tracing_agent"},
	TaskInfrastructure: {"infrastructure_agent", "deployment_agent", "runbook_agent"},
	TaskCommunication:  {"communication_agent", "notification_agent", "postmortem_agent"},
	TaskRootCause:      {"root_cause_agent"},
}
