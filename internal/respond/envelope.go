// Package respond builds result envelopes and publishes them to the
// orchestrator plus any fire-and-forget domain subjects.
package respond

import (
	"encoding/json"
	"fmt"
	"maps"
	"time"
)

// Envelope keys. They take precedence over payload keys of the same name.
const (
	FieldAgent     = "agent"
	FieldAlertID   = "alert_id"
	FieldTimestamp = "timestamp"
)

// Envelope is a worker result. It marshals flat: payload keys sit at the top
// level next to agent, alert_id and timestamp.
type Envelope struct {
	Agent     string
	AlertID   string
	Timestamp time.Time
	Payload   map[string]any
}

// New returns an envelope stamped with the current UTC time.
func New(agent, alertID string, payload map[string]any) Envelope {
	return Envelope{Agent: agent, AlertID: alertID, Timestamp: time.Now().UTC(), Payload: payload}
}

// ErrorEnvelope reports a failure that will not be retried.
func ErrorEnvelope(agent, alertID string, err error) Envelope {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	return New(agent, alertID, map[string]any{
		"status": "error",
		"error":  msg,
	})
}

// Get returns a payload value.
func (e Envelope) Get(key string) (any, bool) {
	v, ok := e.Payload[key]
	return v, ok
}

// MarshalJSON implements json.Marshaler.
func (e Envelope) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(e.Payload)+3)
	maps.Copy(out, e.Payload)
	out[FieldAgent] = e.Agent
	out[FieldAlertID] = e.AlertID
	ts := e.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	out[FieldTimestamp] = ts.UTC().Format(time.RFC3339)
	return json.Marshal(out)
}

// UnmarshalJSON implements json.Unmarshaler. Envelope keys are lifted out of
// the payload; a malformed timestamp is an error.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	if m == nil {
		return fmt.Errorf("respond: envelope is null")
	}
	*e = Envelope{}
	e.Agent, _ = m[FieldAgent].(string)
	e.AlertID, _ = m[FieldAlertID].(string)
	if ts, ok := m[FieldTimestamp].(string); ok && ts != "" {
		t, err := time.Parse(time.RFC3339, ts)
		if err != nil {
			return fmt.Errorf("respond: timestamp: %w", err)
		}
		e.Timestamp = t.UTC()
	}
	delete(m, FieldAgent)
	delete(m, FieldAlertID)
	delete(m, FieldTimestamp)
	e.Payload = m
	return nil
}
