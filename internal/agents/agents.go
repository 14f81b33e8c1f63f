// Package agents implements the five incident-response workers: the
// orchestrator and the observability, infrastructure, root cause and
// communication specialists. Each worker declares its bindings; a Runner
// gives every worker its own bus session, router and status publisher.
package agents

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/relay/internal/aggregate"
	"github.com/linnemanlabs/relay/internal/alertcache"
	"github.com/linnemanlabs/relay/internal/analysis"
	"github.com/linnemanlabs/relay/internal/bus"
	"github.com/linnemanlabs/relay/internal/incident"
	"github.com/linnemanlabs/relay/internal/notify/slack"
	"github.com/linnemanlabs/relay/internal/respond"
	"github.com/linnemanlabs/relay/internal/router"
	"github.com/linnemanlabs/relay/internal/streams"
)

// Agent names. They are stamped on result envelopes and used as status ids.
const (
	Orchestrator   = "orchestrator"
	Observability  = "observability"
	Infrastructure = "infrastructure"
	RootCause      = "root_cause"
	Communication  = "communication"
)

// All lists every agent in start order.
var All = []string{Orchestrator, Observability, Infrastructure, RootCause, Communication}

// Contributors are the specialists whose results the orchestrator fans in
// before root cause synthesis.
var Contributors = []string{Observability, Infrastructure}

// Worker is one agent's handler set.
type Worker interface {
	Name() string
	Bindings() []router.Binding
}

// Background is implemented by workers that run a loop next to their router.
type Background interface {
	Background(ctx context.Context) error
}

// Notifier delivers incident notifications to people.
type Notifier interface {
	Enabled() bool
	Send(ctx context.Context, n slack.Notification) error
}

// Deps are the shared dependencies handed to every worker.
type Deps struct {
	Registry  *streams.Registry
	Analyzer  analysis.Analyzer
	Cache     alertcache.Cache
	Incidents incident.Store
	Notifier  Notifier
	Logger    log.Logger
	Metrics   *Metrics

	AggregatorMetrics *aggregate.Metrics
	// AggregateTimeout bounds how long the orchestrator waits for
	// contributors before forwarding partial data.
	AggregateTimeout time.Duration
	SweepInterval    time.Duration
	// FetchTimeout bounds an alert data request.
	FetchTimeout time.Duration

	now func() time.Time
}

func (d Deps) validate() error {
	switch {
	case d.Registry == nil:
		return fmt.Errorf("agents: registry is required")
	case d.Analyzer == nil:
		return fmt.Errorf("agents: analyzer is required")
	case d.Cache == nil:
		return fmt.Errorf("agents: alert cache is required")
	case d.Incidents == nil:
		return fmt.Errorf("agents: incident store is required")
	}
	return nil
}

func (d Deps) withDefaults() Deps {
	if d.Logger == nil {
		d.Logger = log.Nop()
	}
	if d.Notifier == nil {
		d.Notifier = slack.New("", d.Logger)
	}
	if d.AggregateTimeout <= 0 {
		d.AggregateTimeout = aggregate.DefaultTimeout
	}
	if d.SweepInterval <= 0 {
		d.SweepInterval = aggregate.DefaultSweepInterval
	}
	if d.FetchTimeout <= 0 {
		d.FetchTimeout = aggregate.DefaultFetchTimeout
	}
	if d.now == nil {
		d.now = time.Now
	}
	return d
}

// New builds the named worker on session s.
func New(name string, d Deps, s *bus.Session) (Worker, error) {
	if err := d.validate(); err != nil {
		return nil, err
	}
	d = d.withDefaults()
	pub := respond.NewPublisher(s, d.Registry, name, d.Logger)
	switch name {
	case Orchestrator:
		return newOrchestrator(d, s, pub)
	case Observability:
		return newObservability(d, pub)
	case Infrastructure:
		return newInfrastructure(d, pub)
	case RootCause:
		return newRootCause(d, pub)
	case Communication:
		return newCommunication(d, s, pub)
	default:
		return nil, fmt.Errorf("agents: unknown agent %q", name)
	}
}

// aliasBindings binds every subject of a task. The canonical subject keeps
// the base durable name; legacy subjects get theirs suffixed with the
// subject so names stay unique per stream.
func aliasBindings(reg *streams.Registry, task, durable, queue string, maxDeliver int, ackWait time.Duration, h router.Handler) ([]router.Binding, error) {
	subjects, err := reg.Aliases(task)
	if err != nil {
		return nil, err
	}
	out := make([]router.Binding, 0, len(subjects))
	for i, subj := range subjects {
		name := durable
		if i > 0 {
			name = durable + "_" + subj
		}
		out = append(out, router.Binding{
			Name:       name,
			Subject:    subj,
			Durable:    name,
			QueueGroup: queue,
			MaxDeliver: maxDeliver,
			AckWait:    ackWait,
			Handler:    h,
		})
	}
	return out, nil
}

// timestamp formats t the way payload timestamps are written on the bus.
func timestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// serviceOf returns the alert's service label or def.
func serviceOf(alert map[string]any, def string) string {
	return analysis.Label(alert, "service", def)
}

// alertOf returns the nested "alert" object of a payload, falling back to
// the cached enriched alert.
func alertOf(ctx context.Context, cache alertcache.Cache, payload map[string]any, alertID string) map[string]any {
	if a, ok := payload["alert"].(map[string]any); ok && len(a) > 0 {
		return a
	}
	if a, ok, err := cache.Get(ctx, alertID); err == nil && ok {
		return a
	}
	if labels, ok := payload["labels"].(map[string]any); ok {
		return map[string]any{"alert_id": alertID, "labels": labels}
	}
	return map[string]any{"alert_id": alertID}
}

func stringSlice(v any) []string {
	switch s := v.(type) {
	case []string:
		return slices.Clone(s)
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

func floatOf(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	}
	return 0
}
