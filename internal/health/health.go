// Package health provides system health monitoring and status reporting.
package health

// SystemStatus represents the overall health state of the system or a component.
type SystemStatus string

const (
	StatusHealthy  SystemStatus = "healthy"
	StatusDegraded SystemStatus = "degraded"
	StatusCritical SystemStatus = "critical"
)

// DependencyHealth is the result of pinging one backing service.
type DependencyHealth struct {
	Name   string       `json:"name"`
	Status SystemStatus `json:"status"`
	Error  string       `json:"error,omitempty"`
}

// Report contains the full system health report.
type Report struct {
	SystemStatus   SystemStatus       `json:"system_status"`
	Dependencies   []DependencyHealth `json:"dependencies"`
	CopySlotsInUse int                `json:"copy_slots_in_use"`
	CopySlotLimit  int                `json:"copy_slot_limit"`
	QueueDepths    map[string]int     `json:"queue_depths"`
}
