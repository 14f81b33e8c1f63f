package agents

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/relay/internal/aggregate"
	"github.com/linnemanlabs/relay/internal/analysis"
	"github.com/linnemanlabs/relay/internal/classify"
	"github.com/linnemanlabs/relay/internal/respond"
	"github.com/linnemanlabs/relay/internal/router"
	"github.com/linnemanlabs/relay/internal/streams"
)

// rootCause synthesizes a root cause from the orchestrator's composite.
type rootCause struct {
	d         Deps
	pub       *respond.Publisher
	taskTopic string
}

func newRootCause(d Deps, pub *respond.Publisher) (*rootCause, error) {
	subj, err := d.Registry.Canonical(streams.TaskRootCause)
	if err != nil {
		return nil, err
	}
	return &rootCause{d: d, pub: pub, taskTopic: subj}, nil
}

func (w *rootCause) Name() string { return RootCause }

func (w *rootCause) Bindings() []router.Binding {
	return []router.Binding{
		{
			Name:       "root_cause_agent",
			Subject:    w.taskTopic,
			Durable:    "root_cause_alerts",
			QueueGroup: "root_cause_alert_processors",
			MaxDeliver: 5,
			AckWait:    60 * time.Second,
			Handler:    w.handleAlert,
		},
		{
			Name:       "root_cause_analysis",
			Subject:    w.d.Registry.MustSubject(streams.KeyRootCauseAnalysis),
			Durable:    "root_cause_comprehensive",
			QueueGroup: "root_cause_comprehensive_processors",
			MaxDeliver: 5,
			AckWait:    180 * time.Second,
			Handler:    w.handleComposite,
		},
	}
}

// handleAlert acknowledges direct alert tasks. Analysis waits for the
// composite so it sees every contributor.
func (w *rootCause) handleAlert(ctx context.Context, _ router.Delivery) error {
	log.FromContext(ctx).Info(ctx, "alert noted, waiting for composite")
	return nil
}

func (w *rootCause) handleComposite(ctx context.Context, d router.Delivery) error {
	var c aggregate.Composite
	if err := d.Decode(&c); err != nil {
		return err
	}
	if c.AlertID == "" {
		return router.Permanent(errors.New("composite without alert_id"))
	}
	L := log.FromContext(ctx)

	alert := c.Alert
	if len(alert) == 0 {
		alert = alertOf(ctx, w.d.Cache, d.Payload, c.AlertID)
	}

	res, err := w.d.Analyzer.Analyze(ctx, analysis.Task{
		Kind:    analysis.KindRootCause,
		AlertID: c.AlertID,
		Alert:   alert,
		Context: map[string]any{
			analysis.CtxContributors: c.Contributors,
			analysis.CtxMissing:      c.MissingAgents,
		},
	})
	w.d.Metrics.analysis(RootCause, string(analysis.KindRootCause), err)
	if err != nil {
		return err
	}

	cause := classify.Cause(res.Text)
	confidence := classify.Confidence(res.Text)
	evidence := classify.Evidence(res.Text)
	recommendation := classify.Recommendation(res.Text)
	service := serviceOf(alert, "unknown-service")
	w.d.Metrics.confidence(confidence)

	missing := c.MissingAgents
	if missing == nil {
		missing = []string{}
	}
	env := respond.New(RootCause, c.AlertID, map[string]any{
		"root_cause":      res.Text,
		"cause":           cause,
		"confidence":      confidence,
		"evidence":        evidence,
		"recommendation":  recommendation,
		"service":         service,
		"partial_data":    c.PartialData,
		"missing_agents":  missing,
		"analysis_status": res.Status,
		"model":           res.Model,
	})
	if err := w.pub.PublishTo(ctx, respond.To(streams.KeyRootCauseResult), env); err != nil {
		return err
	}

	now := w.d.now()
	w.pub.EmitJSON(ctx, respond.To(streams.KeyRootCause, streams.Token(service)), map[string]any{
		"id":         fmt.Sprintf("rc-%s-%d", c.AlertID, now.Unix()),
		"alertId":    c.AlertID,
		"service":    service,
		"cause":      cause,
		"confidence": confidence,
		"timestamp":  timestamp(now),
		"details":    res.Text,
		"analysis": map[string]any{
			"cause":          cause,
			"confidence":     confidence,
			"evidence":       evidence,
			"recommendation": recommendation,
		},
	})

	L.Info(ctx, "root cause published",
		"confidence", confidence,
		"partial_data", c.PartialData,
		"missing_agents", missing,
	)
	return nil
}
