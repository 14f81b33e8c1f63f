package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// AlertSource looks up the enriched alert cached by the orchestrator.
type AlertSource interface {
	Get(ctx context.Context, alertID string) (map[string]any, bool, error)
}

// AlertData exposes the alert cache to the analysis engine.
type AlertData struct {
	src AlertSource
}

// NewAlertData returns the get_alert_data tool.
func NewAlertData(src AlertSource) *AlertData { return &AlertData{src: src} }

func (a *AlertData) Name() string { return "get_alert_data" }

func (a *AlertData) Description() string {
	return `Fetch the enriched alert the orchestrator recorded for an alert id: labels, annotations,
priority, primary investigation areas and search context. Use it when the task only carries the
alert id, or to cross-check the labels before querying metrics or logs.`
}

func (a *AlertData) Parameters() json.RawMessage {
	return json.RawMessage(`{
        "type": "object",
        "properties": {
            "alert_id": {"type": "string", "description": "Alert id"}
        },
        "required": ["alert_id"]
    }`)
}

func (a *AlertData) Execute(ctx context.Context, params json.RawMessage) (json.RawMessage, error) {
	var in struct {
		AlertID string `json:"alert_id"`
	}
	if err := json.Unmarshal(params, &in); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	if in.AlertID == "" {
		return nil, errors.New("alert_id is required")
	}
	data, ok, err := a.src.Get(ctx, in.AlertID)
	if err != nil {
		return nil, fmt.Errorf("alert lookup: %w", err)
	}
	if !ok {
		return json.Marshal(map[string]any{"alert_id": in.AlertID, "found": false})
	}
	return json.Marshal(data)
}
