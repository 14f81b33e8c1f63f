package agents

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/relay/internal/aggregate"
	"github.com/linnemanlabs/relay/internal/alert"
	"github.com/linnemanlabs/relay/internal/alertcache"
	"github.com/linnemanlabs/relay/internal/bus"
	"github.com/linnemanlabs/relay/internal/classify"
	"github.com/linnemanlabs/relay/internal/incident"
	"github.com/linnemanlabs/relay/internal/respond"
	"github.com/linnemanlabs/relay/internal/router"
	"github.com/linnemanlabs/relay/internal/streams"
)

// orchestrator ingests alerts, fans tasks out to the contributors, fans
// their results back in and drives each incident report to resolution.
type orchestrator struct {
	d   Deps
	bus bus.Publisher
	pub *respond.Publisher
	agg *aggregate.Aggregator
}

func newOrchestrator(d Deps, s *bus.Session, pub *respond.Publisher) (*orchestrator, error) {
	o := &orchestrator{d: d, bus: s, pub: pub}
	agg, err := aggregate.New(aggregate.Config{
		Contributors:  Contributors,
		Timeout:       d.AggregateTimeout,
		SweepInterval: d.SweepInterval,
		Forward:       o.forward,
		Journal:       incidentJournal{store: d.Incidents},
		Logger:        d.Logger.With("agent", Orchestrator),
		Metrics:       d.AggregatorMetrics,
	})
	if err != nil {
		return nil, err
	}
	o.agg = agg
	return o, nil
}

func (o *orchestrator) Name() string { return Orchestrator }

func (o *orchestrator) Bindings() []router.Binding {
	return []router.Binding{
		{
			Name:       "alerts",
			Subject:    o.d.Registry.MustSubject(streams.KeyAlerts),
			Durable:    "orchestrator_alerts",
			QueueGroup: "orchestrator_processors",
			MaxDeliver: 5,
			AckWait:    60 * time.Second,
			Handler:    o.handleAlert,
		},
		{
			Name:       "responses",
			Subject:    o.d.Registry.MustSubject(streams.KeyOrchestratorResponse),
			Durable:    "orchestrator_responses",
			QueueGroup: "orchestrator_processors",
			MaxDeliver: 5,
			AckWait:    60 * time.Second,
			Handler:    o.handleResponse,
		},
		{
			Name:       "root_cause_results",
			Subject:    o.d.Registry.MustSubject(streams.KeyRootCauseResult),
			Durable:    "orchestrator_root_cause",
			QueueGroup: "orchestrator_processors",
			MaxDeliver: 5,
			AckWait:    60 * time.Second,
			Handler:    o.handleRootCause,
		},
		{
			Name:       "alert_data_requests",
			Subject:    o.d.Registry.MustSubject(streams.KeyAlertDataRequest),
			Durable:    "orchestrator_alert_data",
			QueueGroup: "orchestrator_processors",
			MaxDeliver: 5,
			AckWait:    30 * time.Second,
			Handler:    o.handleAlertDataRequest,
		},
	}
}

// Background reopens the windows left pending by an earlier run, then runs
// the aggregator sweep.
func (o *orchestrator) Background(ctx context.Context) error {
	if _, err := o.agg.Restore(ctx); err != nil {
		o.d.Logger.Error(ctx, err, "pending windows not restored")
	}
	return o.agg.Run(ctx)
}

// enrich builds the payload published to every contributor: the alert as
// received plus routing and search context.
func (o *orchestrator) enrich(raw map[string]any, a alert.Alert) map[string]any {
	out := maps.Clone(raw)
	out["alert_id"] = a.AlertID
	out["labels"] = a.Labels
	out["processed_at"] = timestamp(o.d.now())
	out["priority"] = classify.Priority(a.Severity())
	out["primary_investigation"] = classify.PrimaryInvestigation(a.Name())
	out["all_agents"] = slices.Clone(classify.Investigations)
	if svc := a.Service(); svc != "" {
		terms := []string{svc}
		if pod := a.Labels[alert.LabelPod]; pod != "" {
			terms = append(terms, pod)
		}
		out["search_context"] = map[string]any{
			"service":       svc,
			"namespace":     a.Namespace(),
			"related_terms": terms,
		}
	}
	return out
}

func (o *orchestrator) handleAlert(ctx context.Context, d router.Delivery) error {
	L := log.FromContext(ctx)

	a, err := alert.Decode(d.Data)
	if err != nil {
		return router.Permanent(err)
	}
	if d.AlertID() == "" && d.String("id") == "" && a.Fingerprint == "" {
		// a minted id changes on redelivery
		L.Warn(ctx, "alert has no id or fingerprint, minted one", "alert_id", a.AlertID)
	}
	L = L.With("alert_id", a.AlertID, "alertname", a.Name())

	if !a.Firing() {
		_, err := o.d.Incidents.Update(ctx, a.AlertID, func(r *incident.Report) {
			fillReport(r, a)
			r.Status = incident.StatusResolved
			if r.ResolvedAt.IsZero() {
				r.ResolvedAt = o.d.now().UTC()
			}
			// the next firing of this alert starts a new cycle
			r.AggregatedAt = time.Time{}
		})
		if err != nil {
			return fmt.Errorf("resolve incident %s: %w", a.AlertID, err)
		}
		o.agg.Forget(a.AlertID)
		o.d.Metrics.alert("resolved")
		L.Info(ctx, "alert resolved upstream, incident closed")
		return nil
	}

	enriched := o.enrich(d.Payload, a)
	if err := o.d.Cache.Put(ctx, a.AlertID, enriched, alertcache.DefaultTTL); err != nil {
		return fmt.Errorf("cache alert %s: %w", a.AlertID, err)
	}

	now := o.d.now().UTC()
	reopened := false
	rep, err := o.d.Incidents.Update(ctx, a.AlertID, func(r *incident.Report) {
		reopened = false
		switch {
		case r.Status == incident.StatusResolved && r.AggregatedAt.IsZero():
			r.Reopen(now)
			reopened = true
		case r.OpenedAt.IsZero():
			r.OpenedAt = now
		}
		fillReport(r, a)
	})
	if err != nil {
		return fmt.Errorf("open incident %s: %w", a.AlertID, err)
	}
	if !rep.AggregatedAt.IsZero() {
		o.d.Metrics.alert("duplicate")
		L.Info(ctx, "alert already analyzed in this cycle, not fanned out again")
		return nil
	}
	if reopened {
		o.agg.Forget(a.AlertID)
		L.Info(ctx, "resolved alert fired again, incident reopened")
	}

	open, err := o.agg.Expect(ctx, a.AlertID, enriched, Contributors)
	if err != nil {
		return err
	}
	if !open {
		o.d.Metrics.alert("duplicate")
		L.Info(ctx, "alert already analyzed, not fanned out again")
		return nil
	}

	if err := o.fanOut(ctx, a.AlertID, rep.CycleStart(), enriched); err != nil {
		return err
	}
	o.d.Metrics.alert("fanned_out")
	L.Info(ctx, "alert fanned out", "tasks", Contributors, "priority", enriched["priority"])
	return nil
}

// fanOut publishes the enriched alert to the canonical subject of every
// contributor task. The message id lets the bus drop duplicates when a
// redelivered alert is fanned out again within the same firing cycle.
func (o *orchestrator) fanOut(ctx context.Context, alertID string, cycle time.Time, enriched map[string]any) error {
	for _, task := range Contributors {
		subj, err := o.d.Registry.Canonical(task)
		if err != nil {
			return router.Permanent(err)
		}
		if err := o.publishRaw(ctx, subj, enriched, bus.WithMsgID(cycleMsgID(alertID, task, cycle))); err != nil {
			return err
		}
	}
	return nil
}

func (o *orchestrator) publishRaw(ctx context.Context, subject string, v map[string]any, opts ...bus.PublishOption) error {
	data, err := json.Marshal(v)
	if err != nil {
		return router.Permanent(err)
	}
	if err := o.bus.Publish(ctx, subject, data, opts...); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

func fillReport(r *incident.Report, a alert.Alert) {
	r.AlertName = a.Name()
	r.Service = a.Service()
	r.Namespace = a.Namespace()
	r.Severity = a.Severity()
	r.Priority = classify.Priority(a.Severity())
}

func cycleMsgID(alertID, kind string, cycle time.Time) string {
	return fmt.Sprintf("%s:%s:%d", alertID, kind, cycle.UnixMilli())
}

// forward hands a finalized composite to root cause synthesis. Results
// stored by other replicas are merged in first, and a cycle another
// replica already forwarded is skipped.
func (o *orchestrator) forward(ctx context.Context, c aggregate.Composite) error {
	rep, ok, err := o.d.Incidents.Get(ctx, c.AlertID)
	if err != nil {
		return fmt.Errorf("read incident %s: %w", c.AlertID, err)
	}
	var cycle time.Time
	if ok {
		if !rep.AggregatedAt.IsZero() {
			o.d.Logger.Info(ctx, "composite already forwarded for this cycle", "alert_id", c.AlertID)
			return nil
		}
		c.Merge(rep.Results)
		cycle = rep.CycleStart()
	}
	if c.Alert == nil {
		if cached, ok, err := o.d.Cache.Get(ctx, c.AlertID); err == nil && ok {
			c.Alert = cached
		}
	}
	err = o.pub.PublishJSON(ctx, respond.To(streams.KeyRootCauseAnalysis), c,
		bus.WithMsgID(cycleMsgID(c.AlertID, "composite", cycle)))
	if err != nil {
		return err
	}
	_, err = o.d.Incidents.Update(ctx, c.AlertID, func(r *incident.Report) {
		// a cycle resolved upstream stays closed so its next firing reopens it
		if r.Status != incident.StatusResolved {
			r.Status = incident.StatusAnalyzing
			r.AggregatedAt = o.d.now().UTC()
		}
		r.Results = nil
		r.Contributors = c.Responded()
		r.MissingAgents = slices.Clone(c.MissingAgents)
		r.PartialData = c.PartialData
	})
	if err != nil {
		o.d.Logger.Error(ctx, err, "incident not marked analyzing", "alert_id", c.AlertID)
	}
	return nil
}

func (o *orchestrator) handleResponse(ctx context.Context, d router.Delivery) error {
	var env respond.Envelope
	if err := d.Decode(&env); err != nil {
		return err
	}
	L := log.FromContext(ctx).With("contributor", env.Agent)
	if env.AlertID == "" {
		// nothing to attribute it to; failing it would emit another
		// id-less error envelope onto this same subject
		L.Error(ctx, errors.New("response without alert_id"), "response dropped", "payload_status", env.Payload["status"])
		return nil
	}

	if o.agg.IsExpected(env.AlertID, env.Agent) {
		if status, _ := env.Payload["status"].(string); status == "error" {
			L.Warn(ctx, "contributor reported a failure", "error", env.Payload["error"])
		}
		outcome, err := o.agg.Record(ctx, env)
		if err != nil {
			return err
		}
		L.Info(ctx, "contributor result recorded", "outcome", outcome.String())
		return nil
	}

	return o.recordUpdate(ctx, L, env)
}

// recordUpdate folds a non-contributor response into the incident report.
func (o *orchestrator) recordUpdate(ctx context.Context, L log.Logger, env respond.Envelope) error {
	if status, _ := env.Payload["status"].(string); status == "error" {
		L.Warn(ctx, "agent reported a failure", "error", env.Payload["error"])
		return nil
	}
	sub, _ := env.Payload["sub_function"].(string)
	var apply func(r *incident.Report)
	switch sub {
	case "notification":
		text, _ := env.Payload["result"].(string)
		apply = func(r *incident.Report) { r.Notification = text }
	case "postmortem":
		text, _ := env.Payload["postmortem"].(string)
		apply = func(r *incident.Report) { r.Postmortem = text }
	default:
		L.Info(ctx, "response not tracked", "sub_function", sub)
		return nil
	}
	if _, err := o.d.Incidents.Update(ctx, env.AlertID, apply); err != nil {
		return fmt.Errorf("update incident %s: %w", env.AlertID, err)
	}
	L.Info(ctx, "incident updated", "sub_function", sub)
	return nil
}

func (o *orchestrator) handleRootCause(ctx context.Context, d router.Delivery) error {
	alertID := d.AlertID()
	if alertID == "" {
		return router.Permanent(errors.New("root cause result without alert_id"))
	}
	L := log.FromContext(ctx)

	cause := d.String("cause")
	if cause == "" {
		cause = classify.Cause(d.String("root_cause"))
	}
	confidence := floatOf(d.Payload["confidence"])
	_, err := o.d.Incidents.Update(ctx, alertID, func(r *incident.Report) {
		r.Status = incident.StatusResolved
		r.RootCause = cause
		r.Confidence = confidence
		r.Evidence = stringSlice(d.Payload["evidence"])
		r.Recommendation = d.String("recommendation")
		if missing := stringSlice(d.Payload["missing_agents"]); missing != nil {
			r.MissingAgents = missing
		}
		if partial, ok := d.Payload["partial_data"].(bool); ok {
			r.PartialData = partial
		}
		if r.ResolvedAt.IsZero() {
			r.ResolvedAt = o.d.now().UTC()
		}
	})
	if err != nil {
		return fmt.Errorf("resolve incident %s: %w", alertID, err)
	}

	req := maps.Clone(d.Payload)
	req["task_type"] = "notification"
	req["alert"] = alertOf(ctx, o.d.Cache, d.Payload, alertID)
	if err := o.pub.PublishJSON(ctx, respond.To(streams.KeyNotificationRequests), req); err != nil {
		return err
	}
	L.Info(ctx, "root cause recorded, notification requested", "confidence", confidence)
	return nil
}

func (o *orchestrator) handleAlertDataRequest(ctx context.Context, d router.Delivery) error {
	alertID := d.AlertID()
	if alertID == "" {
		return router.Permanent(errors.New("alert data request without alert_id"))
	}
	data, ok, err := o.d.Cache.Get(ctx, alertID)
	if err != nil {
		return fmt.Errorf("read cached alert %s: %w", alertID, err)
	}
	if !ok {
		data = map[string]any{"alert_id": alertID, "error": "Alert data not found"}
		log.FromContext(ctx).Warn(ctx, "alert data requested for unknown alert")
	}
	return o.pub.PublishJSON(ctx, respond.To(streams.KeyAlertDataResponse, alertID), data)
}
