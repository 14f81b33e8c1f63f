// Package incident holds the incident report the orchestrator keeps for
// every alert, and the Store interface it is persisted through.
package incident

import (
	"context"
	"maps"
	"slices"
	"time"
)

// Status tracks where an incident is in its lifecycle.
type Status string

const (
	// StatusOpen means the alert was accepted and tasks were fanned out.
	StatusOpen Status = "open"

	// StatusAnalyzing means specialist results were aggregated and root
	// cause synthesis is running.
	StatusAnalyzing Status = "analyzing"

	// StatusResolved means a root cause was recorded.
	StatusResolved Status = "resolved"
)

// Report is the orchestrator's record of one alert.
type Report struct {
	ID             string    `json:"id"`
	AlertID        string    `json:"alert_id"`
	AlertName      string    `json:"alert_name"`
	Service        string    `json:"service"`
	Namespace      string    `json:"namespace"`
	Severity       string    `json:"severity"`
	Priority       int       `json:"priority"`
	Status         Status    `json:"status"`
	Contributors   []string  `json:"contributors"`
	MissingAgents  []string  `json:"missing_agents"`
	PartialData    bool      `json:"partial_data"`
	RootCause      string    `json:"root_cause,omitempty"`
	Confidence     float64   `json:"confidence,omitempty"`
	Evidence       []string  `json:"evidence,omitempty"`
	Recommendation string    `json:"recommendation,omitempty"`
	Notification   string    `json:"notification,omitempty"`
	Postmortem     string    `json:"postmortem,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
	ResolvedAt     time.Time `json:"resolved_at,omitzero"`

	// OpenedAt starts the current firing cycle. A resolved alert that fires
	// again reopens the report with a new OpenedAt.
	OpenedAt time.Time `json:"opened_at,omitzero"`
	// AggregatedAt is set once the cycle's composite was forwarded.
	AggregatedAt time.Time `json:"aggregated_at,omitzero"`
	// Results holds the cycle's contributor results until aggregation.
	Results map[string]map[string]any `json:"-"`
}

// Pending reports whether r is open and still waiting on aggregation.
func (r *Report) Pending() bool {
	return r.Status == StatusOpen && r.AggregatedAt.IsZero()
}

// CycleStart returns OpenedAt, or CreatedAt for a report opened by an
// early contributor result.
func (r *Report) CycleStart() time.Time {
	if r.OpenedAt.IsZero() {
		return r.CreatedAt
	}
	return r.OpenedAt
}

// Reopen starts a new firing cycle at now and clears the previous cycle's
// analysis.
func (r *Report) Reopen(now time.Time) {
	r.Status = StatusOpen
	r.OpenedAt = now
	r.AggregatedAt = time.Time{}
	r.ResolvedAt = time.Time{}
	r.Results = nil
	r.Contributors = nil
	r.MissingAgents = nil
	r.PartialData = false
	r.RootCause = ""
	r.Confidence = 0
	r.Evidence = nil
	r.Recommendation = ""
	r.Notification = ""
	r.Postmortem = ""
}

// Clone returns a deep copy of r.
func (r *Report) Clone() *Report {
	cp := *r
	cp.Contributors = slices.Clone(r.Contributors)
	cp.MissingAgents = slices.Clone(r.MissingAgents)
	cp.Evidence = slices.Clone(r.Evidence)
	if r.Results != nil {
		cp.Results = make(map[string]map[string]any, len(r.Results))
		for k, v := range r.Results {
			cp.Results[k] = maps.Clone(v)
		}
	}
	return &cp
}

// Store is the persistence interface for incident reports, keyed by alert id.
type Store interface {
	Get(ctx context.Context, alertID string) (*Report, bool, error)
	Put(ctx context.Context, r *Report) error
	// Update applies fn to the stored report, or to a new report for
	// alertID when none exists, and stores the result atomically.
	Update(ctx context.Context, alertID string, fn func(r *Report)) (*Report, error)
	// List returns up to limit reports, most recently updated first.
	List(ctx context.Context, limit int) ([]*Report, error)
	// Pending returns every pending report, oldest cycle first.
	Pending(ctx context.Context) ([]*Report, error)
}
