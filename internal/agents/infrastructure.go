package agents

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/relay/internal/analysis"
	"github.com/linnemanlabs/relay/internal/classify"
	"github.com/linnemanlabs/relay/internal/respond"
	"github.com/linnemanlabs/relay/internal/router"
	"github.com/linnemanlabs/relay/internal/streams"
)

// infrastructure investigates deployments and configuration for an alert
// and executes runbooks on request.
type infrastructure struct {
	d        Deps
	pub      *respond.Publisher
	bindings []router.Binding
}

func newInfrastructure(d Deps, pub *respond.Publisher) (*infrastructure, error) {
	w := &infrastructure{d: d, pub: pub}
	b, err := aliasBindings(d.Registry, streams.TaskInfrastructure,
		"infrastructure_agent", "infrastructure_processors", 5, 180*time.Second, w.handleTask)
	if err != nil {
		return nil, err
	}
	w.bindings = append(b, router.Binding{
		Name:       "runbook_execute",
		Subject:    d.Registry.MustSubject(streams.KeyRunbookExecute),
		Durable:    "infrastructure_runbook_executor",
		QueueGroup: "infrastructure_executors",
		MaxDeliver: 3,
		AckWait:    120 * time.Second,
		Handler:    w.handleRunbook,
	})
	return w, nil
}

func (w *infrastructure) Name() string { return Infrastructure }

func (w *infrastructure) Bindings() []router.Binding { return w.bindings }

// handleTask routes a task message: alerts are analyzed, runbook requests
// executed, anything else acked and ignored.
func (w *infrastructure) handleTask(ctx context.Context, d router.Delivery) error {
	switch {
	case d.AlertID() != "":
		return w.analyze(ctx, d)
	case d.String("runbook_id") != "":
		return w.execute(ctx, d)
	default:
		log.FromContext(ctx).Warn(ctx, "task has neither alert_id nor runbook_id, ignoring")
		return nil
	}
}

// handleRunbook serves runbook.execute, where a runbook id takes precedence
// over an alert id carried as context.
func (w *infrastructure) handleRunbook(ctx context.Context, d router.Delivery) error {
	if d.String("runbook_id") == "" {
		return router.Permanent(errors.New("runbook request without runbook_id"))
	}
	return w.execute(ctx, d)
}

func (w *infrastructure) analyze(ctx context.Context, d router.Delivery) error {
	alertID := d.AlertID()
	L := log.FromContext(ctx)

	res, err := w.d.Analyzer.Analyze(ctx, analysis.Task{
		Kind:    analysis.KindInfrastructure,
		AlertID: alertID,
		Alert:   d.Payload,
	})
	w.d.Metrics.analysis(Infrastructure, string(analysis.KindInfrastructure), err)
	if err != nil {
		return err
	}

	observed := classify.Infrastructure.Classify(res.Text, analysis.Label(d.Payload, "alertname", ""))
	svc := serviceOf(d.Payload, "unknown")
	namespace := analysis.Label(d.Payload, "namespace", "default")
	env := respond.New(Infrastructure, alertID, map[string]any{
		"observed":        observed,
		"analysis":        res.Text,
		"analysis_status": res.Status,
		"model":           res.Model,
		"tools_used":      res.ToolsUsed,
		"infrastructure_data": map[string]any{
			"service":   svc,
			"namespace": namespace,
		},
		"namespace": namespace,
	})

	if err := w.pub.Publish(ctx, env, respond.To(streams.KeyDeployments, streams.Token(svc))); err != nil {
		return err
	}
	L.Info(ctx, "infrastructure analysis published", "observed", observed, "analysis_status", res.Status)
	return nil
}

func (w *infrastructure) execute(ctx context.Context, d router.Delivery) error {
	runbookID := d.String("runbook_id")
	L := log.FromContext(ctx).With("runbook_id", runbookID)

	res, err := w.d.Analyzer.Analyze(ctx, analysis.Task{
		Kind:    analysis.KindRunbook,
		AlertID: d.AlertID(),
		Alert:   alertOf(ctx, w.d.Cache, d.Payload, d.AlertID()),
		Context: map[string]any{analysis.CtxRunbook: d.Payload},
	})
	w.d.Metrics.analysis(Infrastructure, string(analysis.KindRunbook), err)
	if err != nil {
		return err
	}

	now := w.d.now()
	record := map[string]any{
		"id":            fmt.Sprintf("exec-%s-%d", runbookID, now.Unix()),
		"runbook_id":    runbookID,
		"runbook_title": d.String("runbook_title"),
		"alert_id":      d.AlertID(),
		"context":       d.Payload["context"],
		"results":       res.Text,
		"status":        string(res.Status),
		"timestamp":     timestamp(now),
		"agent":         Infrastructure,
	}
	if err := w.pub.PublishJSON(ctx, respond.To(streams.KeyRunbookExecution, Infrastructure), record); err != nil {
		return err
	}
	L.Info(ctx, "runbook execution published", "execution_id", record["id"])
	return nil
}
