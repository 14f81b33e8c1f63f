package agents

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/relay/internal/aggregate"
	"github.com/linnemanlabs/relay/internal/analysis"
	"github.com/linnemanlabs/relay/internal/bus"
	"github.com/linnemanlabs/relay/internal/classify"
	"github.com/linnemanlabs/relay/internal/notify/slack"
	"github.com/linnemanlabs/relay/internal/respond"
	"github.com/linnemanlabs/relay/internal/router"
	"github.com/linnemanlabs/relay/internal/streams"
)

// Communication task types.
const (
	TaskNotification = "notification"
	TaskPostmortem   = "postmortem"
)

// communication notifies people about incidents and writes postmortems.
type communication struct {
	d        Deps
	pub      *respond.Publisher
	fetcher  *aggregate.Fetcher
	bindings []router.Binding
}

func newCommunication(d Deps, s *bus.Session, pub *respond.Publisher) (*communication, error) {
	w := &communication{
		d:       d,
		pub:     pub,
		fetcher: aggregate.NewFetcher(s, d.Registry, d.FetchTimeout, d.Logger),
	}
	b, err := aliasBindings(d.Registry, streams.TaskCommunication,
		"communication_agent", "communication_processors", 3, 120*time.Second, w.handleTask)
	if err != nil {
		return nil, err
	}
	w.bindings = append(b,
		router.Binding{
			Name:       "notification_requests",
			Subject:    d.Registry.MustSubject(streams.KeyNotificationRequests),
			Durable:    "communication_notification",
			QueueGroup: "communication_notifiers",
			MaxDeliver: 3,
			AckWait:    60 * time.Second,
			Handler:    w.handleNotificationRequest,
		},
		router.Binding{
			Name:       "postmortem_requests",
			Subject:    d.Registry.MustSubject(streams.KeyRootCauseResult),
			Durable:    "communication_postmortem",
			QueueGroup: "communication_postmortems",
			MaxDeliver: 3,
			AckWait:    120 * time.Second,
			Handler:    w.handlePostmortemRequest,
		},
	)
	return w, nil
}

func (w *communication) Name() string { return Communication }

func (w *communication) Bindings() []router.Binding { return w.bindings }

// handleTask routes on task_type; notification is the default.
func (w *communication) handleTask(ctx context.Context, d router.Delivery) error {
	taskType := d.String("task_type")
	if taskType == "" {
		taskType = TaskNotification
	}
	switch taskType {
	case TaskNotification:
		return w.notify(ctx, d.Payload)
	case TaskPostmortem:
		if _, ok := d.Payload["root_cause"]; !ok {
			log.FromContext(ctx).Warn(ctx, "postmortem task without root_cause, ignoring")
			return nil
		}
		return w.postmortem(ctx, d.Payload)
	default:
		log.FromContext(ctx).Warn(ctx, "unknown task type, ignoring", "task_type", taskType)
		return nil
	}
}

func (w *communication) handleNotificationRequest(ctx context.Context, d router.Delivery) error {
	return w.notify(ctx, d.Payload)
}

// handlePostmortemRequest writes a postmortem for every root cause result.
func (w *communication) handlePostmortemRequest(ctx context.Context, d router.Delivery) error {
	if _, ok := d.Payload["root_cause"]; !ok {
		log.FromContext(ctx).Warn(ctx, "root cause result without root_cause, no postmortem")
		return nil
	}
	return w.postmortem(ctx, d.Payload)
}

// rootCauseOf collects the structured root cause fields of a payload.
func rootCauseOf(payload map[string]any) map[string]any {
	rc := map[string]any{}
	if m, ok := payload["root_cause"].(map[string]any); ok {
		maps.Copy(rc, m)
	}
	for _, k := range []string{"cause", "confidence", "evidence", "recommendation"} {
		if v, ok := payload[k]; ok {
			rc[k] = v
		}
	}
	if _, ok := rc["cause"]; !ok {
		if text, ok := payload["root_cause"].(string); ok && text != "" {
			rc["cause"] = classify.Cause(text)
			rc["recommendation"] = classify.Recommendation(text)
		}
	}
	return rc
}

func (w *communication) notify(ctx context.Context, payload map[string]any) error {
	alertID, _ := payload["alert_id"].(string)
	if alertID == "" {
		return router.Permanent(errors.New("notification without alert_id"))
	}
	L := log.FromContext(ctx)

	alert := alertOf(ctx, w.d.Cache, payload, alertID)
	rc := rootCauseOf(payload)
	res, err := w.d.Analyzer.Analyze(ctx, analysis.Task{
		Kind:    analysis.KindNotification,
		AlertID: alertID,
		Alert:   alert,
		Context: map[string]any{analysis.CtxRootCause: rc},
	})
	w.d.Metrics.analysis(Communication, string(analysis.KindNotification), err)
	if err != nil {
		return err
	}

	channels := []string{}
	if w.d.Notifier.Enabled() {
		err := w.d.Notifier.Send(ctx, w.notification(alertID, alert, rc, payload, res.Text))
		w.d.Metrics.notification("slack", err)
		if err != nil {
			return fmt.Errorf("send notification: %w", err)
		}
		channels = append(channels, "slack")
	}

	env := respond.New(Communication, alertID, map[string]any{
		"sub_function": TaskNotification,
		"result":       res.Text,
		"channels":     channels,
	})
	if err := w.pub.Publish(ctx, env, respond.To(streams.KeyNotifications, alertID)); err != nil {
		return err
	}
	L.Info(ctx, "notification published", "channels", channels)
	return nil
}

func (w *communication) notification(alertID string, alert, rc, payload map[string]any, text string) slack.Notification {
	labels := analysis.Labels(alert)
	cause, _ := rc["cause"].(string)
	rec, _ := rc["recommendation"].(string)
	priority := int(floatOf(alert["priority"]))
	if priority == 0 {
		priority = classify.Priority(labels["severity"])
	}
	return slack.Notification{
		AlertID:        alertID,
		AlertName:      labels["alertname"],
		Service:        labels["service"],
		Severity:       labels["severity"],
		Priority:       priority,
		RootCause:      cause,
		Confidence:     floatOf(rc["confidence"]),
		Recommendation: rec,
		Text:           text,
		MissingAgents:  stringSlice(payload["missing_agents"]),
		Timestamp:      w.d.now(),
	}
}

func (w *communication) postmortem(ctx context.Context, payload map[string]any) error {
	alertID, _ := payload["alert_id"].(string)
	if alertID == "" {
		return router.Permanent(errors.New("postmortem without alert_id"))
	}
	L := log.FromContext(ctx)

	alert, err := w.fetcher.Fetch(ctx, alertID)
	if err != nil {
		return fmt.Errorf("fetch alert data: %w", err)
	}
	if msg, ok := alert["error"]; ok {
		L.Warn(ctx, "alert data unavailable, writing postmortem without it", "error", msg)
		alert = map[string]any{"alert_id": alertID}
	}

	res, err := w.d.Analyzer.Analyze(ctx, analysis.Task{
		Kind:    analysis.KindPostmortem,
		AlertID: alertID,
		Alert:   alert,
		Context: map[string]any{analysis.CtxRootCause: rootCauseOf(payload)},
	})
	w.d.Metrics.analysis(Communication, string(analysis.KindPostmortem), err)
	if err != nil {
		return err
	}

	env := respond.New(Communication, alertID, map[string]any{
		"sub_function": TaskPostmortem,
		"postmortem":   res.Text,
	})
	if err := w.pub.Publish(ctx, env, respond.To(streams.KeyPostmortems, alertID)); err != nil {
		return err
	}
	L.Info(ctx, "postmortem published")
	return nil
}
