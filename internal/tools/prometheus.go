package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"
)

const (
	maxInstantSeries = 50
	maxRangeSeries   = 20
	defaultStep      = "300" // 5m
)

type promResponse struct {
	Status string `json:"status"`
	Data   struct {
		ResultType string            `json:"resultType"`
		Result     []json.RawMessage `json:"result"`
	} `json:"data"`
}

// slimProm trims a Prometheus API response to at most limit series. A body
// that is not a Prometheus envelope is returned as is.
func slimProm(body []byte, limit int) (json.RawMessage, error) {
	var pr promResponse
	if err := json.Unmarshal(body, &pr); err != nil {
		return body, nil
	}
	if pr.Status != successStatus {
		return nil, fmt.Errorf("prometheus query failed: %s", string(body))
	}
	results := pr.Data.Result
	truncated := len(results) > limit
	if truncated {
		results = results[:limit]
	}
	return json.Marshal(map[string]any{
		"result_type":  pr.Data.ResultType,
		"result_count": len(pr.Data.Result),
		"results":      results,
		"truncated":    truncated,
	})
}

// MetricsQuery runs instant PromQL queries.
type MetricsQuery struct{ q *querier }

// NewMetricsQuery returns the query_metrics tool.
func NewMetricsQuery(ep Endpoint) *MetricsQuery {
	return &MetricsQuery{q: newQuerier("prometheus", ep)}
}

func (m *MetricsQuery) Name() string { return "query_metrics" }

func (m *MetricsQuery) Description() string {
	return `Query Prometheus/Mimir metrics using PromQL at a single instant. Use this to check the
current value of resource usage, error rates and latency for the alerting service, and to confirm
the alert condition against raw data. Filter by the service and namespace labels of the alert.`
}

func (m *MetricsQuery) Parameters() json.RawMessage {
	return json.RawMessage(`{
        "type": "object",
        "properties": {
            "query": {"type": "string", "description": "PromQL query expression"},
            "time": {"type": "string", "description": "Evaluation timestamp (RFC3339). Omit for now."}
        },
        "required": ["query"]
    }`)
}

func (m *MetricsQuery) Execute(ctx context.Context, params json.RawMessage) (json.RawMessage, error) {
	var in struct {
		Query string `json:"query"`
		Time  string `json:"time,omitempty"`
	}
	if err := json.Unmarshal(params, &in); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	if in.Query == "" {
		return nil, errors.New("query is required")
	}

	q := url.Values{}
	q.Set("query", in.Query)
	if in.Time != "" {
		q.Set("time", in.Time)
	}
	body, err := m.q.get(ctx, "api/v1/query", q)
	if err != nil {
		return nil, err
	}
	return slimProm(body, maxInstantSeries)
}

// MetricsRangeQuery runs PromQL range queries.
type MetricsRangeQuery struct{ q *querier }

// NewMetricsRangeQuery returns the query_metrics_range tool.
func NewMetricsRangeQuery(ep Endpoint) *MetricsRangeQuery {
	return &MetricsRangeQuery{q: newQuerier("prometheus", ep)}
}

func (m *MetricsRangeQuery) Name() string { return "query_metrics_range" }

func (m *MetricsRangeQuery) Description() string {
	return `Query Prometheus/Mimir metrics over a time range using PromQL. Use this to see when a
metric started to change relative to the alert start time, and whether a deployment or traffic
shift lines up with it. Returns timestamped values per series.`
}

func (m *MetricsRangeQuery) Parameters() json.RawMessage {
	return json.RawMessage(`{
        "type": "object",
        "properties": {
            "query": {"type": "string", "description": "PromQL query expression"},
            "start": {"type": "string", "description": "Range start (RFC3339)"},
            "end": {"type": "string", "description": "Range end (RFC3339). Omit for now."},
            "step": {"type": "string", "description": "Resolution step (e.g. 60s, 5m). Default 5m."}
        },
        "required": ["query", "start"]
    }`)
}

func (m *MetricsRangeQuery) Execute(ctx context.Context, params json.RawMessage) (json.RawMessage, error) {
	var in struct {
		Query string `json:"query"`
		Start string `json:"start"`
		End   string `json:"end,omitempty"`
		Step  string `json:"step,omitempty"`
	}
	if err := json.Unmarshal(params, &in); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	switch {
	case in.Query == "":
		return nil, errors.New("query is required")
	case in.Start == "":
		return nil, errors.New("start is required")
	}
	if in.End == "" {
		in.End = time.Now().UTC().Format(time.RFC3339)
	}
	if in.Step == "" {
		in.Step = defaultStep
	}

	q := url.Values{}
	q.Set("query", in.Query)
	q.Set("start", in.Start)
	q.Set("end", in.End)
	q.Set("step", in.Step)
	body, err := m.q.get(ctx, "api/v1/query_range", q)
	if err != nil {
		return nil, err
	}
	return slimProm(body, maxRangeSeries)
}
