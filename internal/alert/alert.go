// Package alert defines the incident alert model routed through the fabric and
// the Alertmanager webhook payload accepted at the edge.
package alert

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// Status values carried by alerts.
const (
	StatusFiring   = "firing"
	StatusResolved = "resolved"
)

// Well-known label keys.
const (
	LabelAlertName = "alertname"
	LabelService   = "service"
	LabelNamespace = "namespace"
	LabelSeverity  = "severity"
	LabelPod       = "pod"
)

// ErrEmptyPayload is returned by Decode for empty input.
var ErrEmptyPayload = errors.New("alert: empty payload")

// Alert is a single incident signal. Values are immutable once published;
// helpers that change fields return a copy.
type Alert struct {
	AlertID      string            `json:"alert_id"`
	Status       string            `json:"status,omitempty"`
	Labels       map[string]string `json:"labels"`
	Annotations  map[string]string `json:"annotations,omitempty"`
	StartsAt     time.Time         `json:"startsAt,omitzero"`
	EndsAt       time.Time         `json:"endsAt,omitzero"`
	GeneratorURL string            `json:"generatorURL,omitempty"`
	Fingerprint  string            `json:"fingerprint,omitempty"`
}

// Webhook is the Alertmanager webhook payload.
type Webhook struct {
	Version           string            `json:"version"`
	GroupKey          string            `json:"groupKey"`
	Status            string            `json:"status"`
	Receiver          string            `json:"receiver"`
	GroupLabels       map[string]string `json:"groupLabels"`
	CommonLabels      map[string]string `json:"commonLabels"`
	CommonAnnotations map[string]string `json:"commonAnnotations"`
	ExternalURL       string            `json:"externalURL"`
	Alerts            []Alert           `json:"alerts"`
}

// Name returns the alertname label or "UnknownAlert".
func (a Alert) Name() string {
	if n := a.Labels[LabelAlertName]; n != "" {
		return n
	}
	return "UnknownAlert"
}

// Service returns the service label.
func (a Alert) Service() string { return a.Labels[LabelService] }

// Namespace returns the namespace label, defaulting to "default".
func (a Alert) Namespace() string {
	if ns := a.Labels[LabelNamespace]; ns != "" {
		return ns
	}
	return "default"
}

// Severity returns the lowercased severity label, defaulting to "warning".
func (a Alert) Severity() string {
	if s := a.Labels[LabelSeverity]; s != "" {
		return strings.ToLower(s)
	}
	return "warning"
}

// Firing reports whether the alert is firing. Alerts without a status are
// treated as firing.
func (a Alert) Firing() bool {
	return a.Status == "" || a.Status == StatusFiring
}

// Clone returns a deep copy of the alert.
func (a Alert) Clone() Alert {
	cp := a
	cp.Labels = maps.Clone(a.Labels)
	cp.Annotations = maps.Clone(a.Annotations)
	return cp
}

// Normalized returns a copy with AlertID populated. The fingerprint is used
// when no id was supplied, and a new ULID otherwise.
func (a Alert) Normalized() Alert {
	cp := a.Clone()
	if cp.AlertID == "" {
		cp.AlertID = cp.Fingerprint
	}
	if cp.AlertID == "" {
		cp.AlertID = ulid.Make().String()
	}
	if cp.Labels == nil {
		cp.Labels = map[string]string{}
	}
	return cp
}

// UnmarshalJSON accepts both "alert_id" and the legacy "id" key.
func (a *Alert) UnmarshalJSON(data []byte) error {
	type plain Alert
	var aux struct {
		plain
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*a = Alert(aux.plain)
	if a.AlertID == "" {
		a.AlertID = aux.ID
	}
	return nil
}

// Decode parses a single alert object and normalizes its id.
func Decode(data []byte) (Alert, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return Alert{}, ErrEmptyPayload
	}
	var a Alert
	if err := json.Unmarshal(data, &a); err != nil {
		return Alert{}, fmt.Errorf("alert: decode: %w", err)
	}
	return a.Normalized(), nil
}

// DecodeBatch parses either an Alertmanager webhook or a single alert.
func DecodeBatch(data []byte) ([]Alert, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, ErrEmptyPayload
	}
	var head map[string]json.RawMessage
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("alert: decode: %w", err)
	}
	if _, ok := head["alerts"]; ok {
		var wh Webhook
		if err := json.Unmarshal(data, &wh); err != nil {
			return nil, fmt.Errorf("alert: decode webhook: %w", err)
		}
		out := make([]Alert, 0, len(wh.Alerts))
		for _, al := range wh.Alerts {
			out = append(out, al.Normalized())
		}
		return out, nil
	}
	a, err := Decode(data)
	if err != nil {
		return nil, err
	}
	return []Alert{a}, nil
}
