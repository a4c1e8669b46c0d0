package domain

import "time"

// RegionalSummary is the aggregator's per-geozone snapshot, published
// every tick.
type RegionalSummary struct {
	GeozoneID             string             `json:"geozone_id"`
	ActiveNodeCount       int                `json:"active_node_count"`
	AvailableGPUCount     int                `json:"available_gpu_count"`
	AvgBatteryLevel       float64            `json:"avg_battery_level"`
	AvgGPUUtilization     float64            `json:"avg_gpu_utilization"`
	CountByEnergySource   map[EnergySource]int `json:"count_by_energy_source"`
	ComputedAt            time.Time          `json:"computed_at"`
}

// DispatchCommand is the scheduler's output on a successful reservation.
type DispatchCommand struct {
	CommandType string    `json:"command_type"` // always "inference-dispatch"
	RequestID   string    `json:"request_id"`
	NodeID      string    `json:"node_id"`
	IssuedAt    time.Time `json:"issued_at"`
}

// DispatchCommandType is the fixed CommandType value for DispatchCommand.
const DispatchCommandType = "inference-dispatch"
