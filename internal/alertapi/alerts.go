package alertapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/relay/internal/alert"
	"github.com/linnemanlabs/relay/internal/bus"
	"github.com/linnemanlabs/relay/internal/streams"
)

// maxAlertBody caps an ingest request body.
const maxAlertBody = 1 << 20

func (a *API) handleIngestAlert(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxAlertBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload too large")
			return
		}
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}

	alerts, err := alert.DecodeBatch(body)
	if err != nil {
		a.logger.Warn(ctx, "rejected alert payload", "error", err)
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}

	subject, err := a.reg.ResolvePublishSubject(streams.KeyAlerts)
	if err != nil {
		a.logger.Error(ctx, err, "alerts subject not configured")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	accepted := []string{}
	for _, al := range alerts {
		data, err := json.Marshal(al)
		if err != nil {
			a.logger.Error(ctx, err, "alert not encodable", "alert_id", al.AlertID)
			continue
		}
		// Alertmanager repeats notifications; the message id lets the bus drop them
		err = a.pub.Publish(ctx, subject, data, bus.WithMsgID(al.AlertID+":"+al.Status))
		if err != nil {
			a.logger.Error(ctx, err, "alert publish failed", "alert_id", al.AlertID)
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{
				"error":    "alert bus unavailable",
				"accepted": accepted,
			})
			return
		}
		accepted = append(accepted, al.AlertID)
		a.logger.Info(ctx, "alert accepted",
			"alert_id", al.AlertID,
			"alertname", al.Name(),
			"status", al.Status,
			"severity", al.Severity(),
		)
	}

	trace.SpanFromContext(ctx).SetAttributes(attribute.Int("relay.alerts.accepted", len(accepted)))
	writeJSON(w, http.StatusAccepted, map[string]any{"accepted": accepted})
}
