// Package status publishes periodic agent health records to the bus and
// classifies each agent as active, degraded, or inactive.
package status

// Status is an agent health classification.
type Status string

const (
	Active   Status = "active"
	Degraded Status = "degraded"
	Inactive Status = "inactive"
)

// Classification thresholds.
const (
	InactiveErrorCount = 10
	DegradedErrorCount = 3
	DegradedMemoryMB   = 1024
	DegradedCPUPercent = 90
)

// DetermineStatus classifies an agent from its error count and resource
// usage. Thresholds are exclusive: exactly 10 errors is degraded, not
// inactive.
func DetermineStatus(errorCount int, memoryMB, cpuPercent float64) Status {
	switch {
	case errorCount > InactiveErrorCount:
		return Inactive
	case errorCount > DegradedErrorCount:
		return Degraded
	case memoryMB > DegradedMemoryMB:
		return Degraded
	case cpuPercent > DegradedCPUPercent:
		return Degraded
	default:
		return Active
	}
}

// Record is the payload published on agent.status.<id>.
type Record struct {
	ID              string   `json:"id"`
	Name            string   `json:"name"`
	Status          Status   `json:"status"`
	Timestamp       string   `json:"timestamp"`
	Version         string   `json:"version,omitempty"`
	MemoryUsageMB   float64  `json:"memory_usage_mb"`
	CPUUsagePercent float64  `json:"cpu_usage_percent"`
	UptimeSeconds   float64  `json:"uptime_seconds"`
	ErrorCount      int      `json:"error_count"`
	Metadata        Metadata `json:"metadata"`
}

// Metadata carries diagnostic detail alongside a Record.
type Metadata struct {
	LastError       string  `json:"last_error,omitempty"`
	PublishInterval float64 `json:"publish_interval"`
}
