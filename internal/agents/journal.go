package agents

import (
	"context"
	"maps"

	"github.com/linnemanlabs/relay/internal/aggregate"
	"github.com/linnemanlabs/relay/internal/incident"
)

// incidentJournal keeps aggregation windows in the incident store: each
// contributor result is written to the report of its alert until the
// composite is forwarded.
type incidentJournal struct {
	store incident.Store
}

var _ aggregate.Journal = incidentJournal{}

func (j incidentJournal) SaveResult(ctx context.Context, alertID, contributor string, result map[string]any) (map[string]map[string]any, error) {
	r, err := j.store.Update(ctx, alertID, func(r *incident.Report) {
		if r.Results == nil {
			r.Results = make(map[string]map[string]any)
		}
		r.Results[contributor] = maps.Clone(result)
	})
	if err != nil {
		return nil, err
	}
	return r.Results, nil
}

func (j incidentJournal) Pending(ctx context.Context) ([]aggregate.Snapshot, error) {
	reports, err := j.store.Pending(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]aggregate.Snapshot, 0, len(reports))
	for _, r := range reports {
		out = append(out, aggregate.Snapshot{
			AlertID: r.AlertID,
			Opened:  r.CycleStart(),
			Results: r.Results,
		})
	}
	return out, nil
}
