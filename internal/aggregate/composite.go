package aggregate

import (
	"encoding/json"
	"maps"
	"slices"
)

// NoData is the placeholder for a section with no contributor result.
const NoData = "No data available"

// Composite is the fan-in of every contributor result for one alert.
// It marshals each contributor's result as a top-level section named after
// the contributor, alongside the aggregate fields.
type Composite struct {
	AlertID       string                    `json:"alert_id"`
	Alert         map[string]any            `json:"alert,omitempty"`
	Contributors  map[string]map[string]any `json:"contributors"`
	PartialData   bool                      `json:"partial_data"`
	MissingAgents []string                  `json:"missing_agents"`
	Timestamp     string                    `json:"timestamp"`
}

// Section returns a contributor's result, or NoData.
func (c Composite) Section(name string) any {
	if r, ok := c.Contributors[name]; ok {
		return r
	}
	return NoData
}

// Responded returns the contributors that delivered a result, sorted.
func (c Composite) Responded() []string {
	return slices.Sorted(maps.Keys(c.Contributors))
}

// Merge adds results for contributors the composite has none for and
// recomputes the missing set.
func (c *Composite) Merge(results map[string]map[string]any) {
	for name, r := range results {
		if _, ok := c.Contributors[name]; ok {
			continue
		}
		if c.Contributors == nil {
			c.Contributors = make(map[string]map[string]any, len(results))
		}
		c.Contributors[name] = maps.Clone(r)
		c.MissingAgents = slices.DeleteFunc(c.MissingAgents, func(m string) bool { return m == name })
	}
	if c.MissingAgents == nil {
		c.MissingAgents = []string{}
	}
	c.PartialData = len(c.MissingAgents) > 0
}

type compositeJSON Composite

// MarshalJSON implements json.Marshaler.
func (c Composite) MarshalJSON() ([]byte, error) {
	base, err := json.Marshal(compositeJSON(c))
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(base, &out); err != nil {
		return nil, err
	}
	if out["missing_agents"] == nil {
		out["missing_agents"] = []string{}
	}
	for name, r := range c.Contributors {
		if _, taken := out[name]; !taken {
			out[name] = r
		}
	}
	return json.Marshal(out)
}

// UnmarshalJSON implements json.Unmarshaler. Top-level sections are read
// back through the contributors map.
func (c *Composite) UnmarshalJSON(data []byte) error {
	var cj compositeJSON
	if err := json.Unmarshal(data, &cj); err != nil {
		return err
	}
	*c = Composite(cj)
	return nil
}
