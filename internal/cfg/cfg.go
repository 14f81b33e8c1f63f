package cfg

import (
	"errors"
	"flag"
	"fmt"
	"net/url"
	"slices"
	"strings"

	"github.com/linnemanlabs/relay/internal/agents"
)

// Config holds the relay application settings. The go-core packages
// register their own flags alongside these.
type Config struct {
	DrainSeconds          int
	ShutdownBudgetSeconds int
	APIPort               int
	// APIToken guards the API with a bearer token; empty leaves it open.
	APIToken string

	// NATSURL selects JetStream; empty runs an in-process bus.
	NATSURL     string
	DatabaseURL string
	RedisURL    string
	StreamsFile string

	// Agents is a comma separated list of agents to run in this process.
	Agents                  string
	StatusIntervalSeconds   int
	AggregateTimeoutSeconds int

	PrometheusEndpoint string
	PrometheusTenantID string
	LokiEndpoint       string
	LokiTenantID       string
	// ClaudeAPIKey enables LLM analysis; without it the rule analyzer runs.
	ClaudeAPIKey    string
	ClaudeModel     string
	SlackWebhookURL string
}

// RegisterFlags binds Config fields to the given FlagSet with defaults inline
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.IntVar(&c.DrainSeconds, "drain-seconds", 60, "seconds to wait for in-flight requests to drain before shutdown (1..300)")
	fs.IntVar(&c.ShutdownBudgetSeconds, "shutdown-budget-seconds", 90, "total seconds for component shutdown after drain (1..300)")
	fs.IntVar(&c.APIPort, "http-port", 8080, "API listen TCP port (1..65535)")
	fs.StringVar(&c.APIToken, "api-token", "", "bearer token required by the API (empty = no auth)")
	fs.StringVar(&c.NATSURL, "nats-url", "", "NATS JetStream URL (empty = in-process bus)")
	fs.StringVar(&c.DatabaseURL, "database-url", "", "PostgreSQL connection URL (empty = in-memory incident store)")
	fs.StringVar(&c.RedisURL, "redis-url", "", "Redis URL for the alert cache (empty = in-memory cache)")
	fs.StringVar(&c.StreamsFile, "streams-file", "", "YAML file overriding the stream table")
	fs.StringVar(&c.Agents, "agents", strings.Join(agents.All, ","), "comma separated agents to run")
	fs.IntVar(&c.StatusIntervalSeconds, "status-interval-seconds", 30, "seconds between agent status heartbeats (1..3600)")
	fs.IntVar(&c.AggregateTimeoutSeconds, "aggregate-timeout-seconds", 300, "seconds to wait for contributors before forwarding partial data (1..3600)")
	fs.StringVar(&c.PrometheusEndpoint, "prometheus-endpoint", "", "Prometheus endpoint for metrics collection by tool use")
	fs.StringVar(&c.PrometheusTenantID, "prometheus-tenant-id", "", "Prometheus tenant ID for multi-tenant setups")
	fs.StringVar(&c.LokiEndpoint, "loki-endpoint", "", "Loki endpoint for log collection by tool use")
	fs.StringVar(&c.LokiTenantID, "loki-tenant-id", "", "Loki tenant ID for multi-tenant setups")
	fs.StringVar(&c.ClaudeAPIKey, "claude-api-key", "", "API key for the Claude LLM provider (empty = rule based analysis)")
	fs.StringVar(&c.ClaudeModel, "claude-model", "claude-sonnet-4-20250514", "Claude model to use")
	fs.StringVar(&c.SlackWebhookURL, "slack-webhook-url", "", "Slack webhook URL for notifications")
}

// AgentList returns the configured agents, trimmed, without empties.
func (c *Config) AgentList() []string {
	var out []string
	for _, a := range strings.Split(c.Agents, ",") {
		if a = strings.TrimSpace(a); a != "" {
			out = append(out, a)
		}
	}
	return out
}

// Validate checks all configuration fields for correctness.
// It returns an error if any field is invalid, or nil if all fields are valid.
func (c *Config) Validate() error {
	var errs []error

	// Drain and shutdown budgets
	if c.DrainSeconds <= 0 || c.DrainSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid DRAIN_SECONDS %d (must be 1..300)", c.DrainSeconds))
	}
	if c.ShutdownBudgetSeconds <= 0 || c.ShutdownBudgetSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid SHUTDOWN_BUDGET_SECONDS %d (must be 1..300)", c.ShutdownBudgetSeconds))
	}

	// Shutdown budget must be greater than drain time
	if c.ShutdownBudgetSeconds <= c.DrainSeconds {
		errs = append(errs, fmt.Errorf("SHUTDOWN_BUDGET_SECONDS %d must be greater than DRAIN_SECONDS %d", c.ShutdownBudgetSeconds, c.DrainSeconds))
	}

	// API port must be valid TCP port number
	if c.APIPort <= 0 || c.APIPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.APIPort))
	}

	if c.StatusIntervalSeconds <= 0 || c.StatusIntervalSeconds > 3600 {
		errs = append(errs, fmt.Errorf("invalid STATUS_INTERVAL_SECONDS %d (must be 1..3600)", c.StatusIntervalSeconds))
	}
	if c.AggregateTimeoutSeconds <= 0 || c.AggregateTimeoutSeconds > 3600 {
		errs = append(errs, fmt.Errorf("invalid AGGREGATE_TIMEOUT_SECONDS %d (must be 1..3600)", c.AggregateTimeoutSeconds))
	}

	// At least one known agent, no repeats
	list := c.AgentList()
	if len(list) == 0 {
		errs = append(errs, errors.New("AGENTS must name at least one agent"))
	}
	for i, a := range list {
		if !slices.Contains(agents.All, a) {
			errs = append(errs, fmt.Errorf("unknown agent %q in AGENTS (known: %s)", a, strings.Join(agents.All, ", ")))
		} else if slices.Contains(list[:i], a) {
			errs = append(errs, fmt.Errorf("agent %q listed twice in AGENTS", a))
		}
	}

	// A Claude key needs a model to call
	if c.ClaudeAPIKey != "" && c.ClaudeModel == "" {
		errs = append(errs, errors.New("CLAUDE_MODEL is required when CLAUDE_API_KEY is set"))
	}

	for _, u := range []struct{ name, value string }{
		{"NATS_URL", c.NATSURL},
		{"PROMETHEUS_ENDPOINT", c.PrometheusEndpoint},
		{"LOKI_ENDPOINT", c.LokiEndpoint},
		{"SLACK_WEBHOOK_URL", c.SlackWebhookURL},
	} {
		if u.value == "" {
			continue
		}
		if p, err := url.Parse(u.value); err != nil || p.Scheme == "" || p.Host == "" {
			errs = append(errs, fmt.Errorf("invalid %s %q (must be an absolute URL)", u.name, u.value))
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
