package agents

import (
	"context"
	"errors"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/relay/internal/analysis"
	"github.com/linnemanlabs/relay/internal/classify"
	"github.com/linnemanlabs/relay/internal/respond"
	"github.com/linnemanlabs/relay/internal/router"
	"github.com/linnemanlabs/relay/internal/streams"
)

// observabilityDataSources are the backends the observability analysis
// reads from.
var observabilityDataSources = []string{"prometheus", "loki", "tempo"}

// observability investigates metrics, logs and traces for an alert.
type observability struct {
	d        Deps
	pub      *respond.Publisher
	bindings []router.Binding
}

func newObservability(d Deps, pub *respond.Publisher) (*observability, error) {
	w := &observability{d: d, pub: pub}
	b, err := aliasBindings(d.Registry, streams.TaskObservability,
		"observability_agent", "observability_processors", 5, 120*time.Second, w.handle)
	if err != nil {
		return nil, err
	}
	w.bindings = b
	return w, nil
}

func (w *observability) Name() string { return Observability }

func (w *observability) Bindings() []router.Binding { return w.bindings }

func (w *observability) handle(ctx context.Context, d router.Delivery) error {
	alertID := d.AlertID()
	if alertID == "" {
		return router.Permanent(errors.New("observability task without alert_id"))
	}
	L := log.FromContext(ctx)

	res, err := w.d.Analyzer.Analyze(ctx, analysis.Task{
		Kind:    analysis.KindObservability,
		AlertID: alertID,
		Alert:   d.Payload,
	})
	w.d.Metrics.analysis(Observability, string(analysis.KindObservability), err)
	if err != nil {
		return err
	}

	observed := classify.Observability.Classify(res.Text, analysis.Label(d.Payload, "alertname", ""))
	env := respond.New(Observability, alertID, map[string]any{
		"observed":        observed,
		"analysis":        res.Text,
		"analysis_status": res.Status,
		"model":           res.Model,
		"tools_used":      res.ToolsUsed,
		"data_sources":    observabilityDataSources,
	})

	svc := streams.Token(serviceOf(d.Payload, "unknown"))
	err = w.pub.Publish(ctx, env,
		respond.To(streams.KeyMetrics, svc),
		respond.To(streams.KeyLogs, svc),
		respond.To(streams.KeyTraces, svc),
	)
	if err != nil {
		return err
	}
	L.Info(ctx, "observability analysis published", "observed", observed, "analysis_status", res.Status)
	return nil
}
