package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"time"
)

const (
	defaultLogLimit = 100
	maxLogLimit     = 500
	maxLogRange     = 6 * time.Hour
	defaultLogRange = time.Hour
)

type logsInput struct {
	Query string `json:"query"`
	Start string `json:"start,omitempty"`
	End   string `json:"end,omitempty"`
	Limit int    `json:"limit,omitempty"`
}

type logLine struct {
	Timestamp string            `json:"ts"`
	Line      string            `json:"line"`
	Labels    map[string]string `json:"labels,omitempty"`
}

type lokiStream struct {
	Stream map[string]string `json:"stream"`
	Values [][]string        `json:"values"`
}

type lokiResponse struct {
	Status string `json:"status"`
	Data   struct {
		ResultType string       `json:"resultType"`
		Result     []lokiStream `json:"result"`
	} `json:"data"`
}

// flattenStreams returns at most limit lines. Stream labels are attached to
// the first line of each stream only.
func flattenStreams(streams []lokiStream, limit int) []logLine {
	lines := make([]logLine, 0, min(limit, 64))
	for _, s := range streams {
		first := true
		for _, v := range s.Values {
			if len(v) < 2 {
				continue
			}
			ll := logLine{Timestamp: v[0], Line: v[1]}
			if first {
				ll.Labels = s.Stream
				first = false
			}
			lines = append(lines, ll)
			if len(lines) >= limit {
				return lines
			}
		}
	}
	return lines
}

// parseLogsInput validates params, clamps the limit, and bounds the range to
// maxLogRange ending at End.
func parseLogsInput(params json.RawMessage, now time.Time) (logsInput, error) {
	var in logsInput
	if err := json.Unmarshal(params, &in); err != nil {
		return in, fmt.Errorf("invalid params: %w", err)
	}
	if in.Query == "" {
		return in, errors.New("query is required")
	}

	switch {
	case in.Limit <= 0:
		in.Limit = defaultLogLimit
	case in.Limit > maxLogLimit:
		in.Limit = maxLogLimit
	}

	end := now.UTC()
	if in.End != "" {
		t, err := time.Parse(time.RFC3339, in.End)
		if err != nil {
			return in, fmt.Errorf("invalid end: %w", err)
		}
		end = t
	}
	start := end.Add(-defaultLogRange)
	if in.Start != "" {
		t, err := time.Parse(time.RFC3339, in.Start)
		if err != nil {
			return in, fmt.Errorf("invalid start: %w", err)
		}
		start = t
	}
	if end.Sub(start) > maxLogRange {
		start = end.Add(-maxLogRange)
	}
	in.Start = start.Format(time.RFC3339Nano)
	in.End = end.Format(time.RFC3339Nano)
	return in, nil
}

// LogsQuery searches Loki with LogQL.
type LogsQuery struct {
	q   *querier
	now func() time.Time
}

// NewLogsQuery returns the query_logs tool.
func NewLogsQuery(ep Endpoint) *LogsQuery {
	return &LogsQuery{q: newQuerier("loki", ep), now: time.Now}
}

func (l *LogsQuery) Name() string { return "query_logs" }

func (l *LogsQuery) Description() string {
	return `Query Loki for log lines using LogQL. Use this to find errors, restarts and stack traces
for the alerting service around the alert start time.

Select by the alert labels, e.g. {service_name="checkout", namespace="prod"}, and add line filters
such as |= "error" or |~ "OOM|killed". Prefer exact matches (|=) over regex (|~).
The range is capped at 6 hours per query; make several queries for longer windows.`
}

func (l *LogsQuery) Parameters() json.RawMessage {
	return json.RawMessage(`{
        "type": "object",
        "properties": {
            "query": {"type": "string", "description": "LogQL query expression"},
            "start": {"type": "string", "description": "Start time (RFC3339). Defaults to 1 hour before end."},
            "end": {"type": "string", "description": "End time (RFC3339). Defaults to now."},
            "limit": {"type": "integer", "description": "Maximum lines to return. Default 100, max 500."}
        },
        "required": ["query"]
    }`)
}

func (l *LogsQuery) Execute(ctx context.Context, params json.RawMessage) (json.RawMessage, error) {
	in, err := parseLogsInput(params, l.now())
	if err != nil {
		return nil, err
	}

	q := url.Values{}
	q.Set("query", in.Query)
	q.Set("start", in.Start)
	q.Set("end", in.End)
	q.Set("limit", strconv.Itoa(in.Limit))
	q.Set("direction", "backward")
	body, err := l.q.get(ctx, "loki/api/v1/query_range", q)
	if err != nil {
		return nil, err
	}

	var lr lokiResponse
	if err := json.Unmarshal(body, &lr); err != nil {
		return body, nil
	}
	if lr.Status != successStatus {
		return nil, fmt.Errorf("loki query failed: %s", string(body))
	}

	lines := flattenStreams(lr.Data.Result, in.Limit)
	return json.Marshal(map[string]any{
		"stream_count": len(lr.Data.Result),
		"line_count":   len(lines),
		"lines":        lines,
		"truncated":    len(lines) >= in.Limit,
	})
}
