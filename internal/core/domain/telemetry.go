package domain

import "time"

// TelemetrySnapshot is the last known state of a drone. Each save replaces
// the previous snapshot for that drone; no history is kept anywhere.
type TelemetrySnapshot struct {
	DroneID   int64      `json:"drone_id"`
	Position  [3]float64 `json:"position"`
	Velocity  [3]float64 `json:"velocity"`
	Battery   *float64   `json:"battery"`
	Heading   *float64   `json:"heading"`
	Status    string     `json:"status"`
	Timestamp *string    `json:"timestamp"`
	UpdatedAt time.Time  `json:"updated_at"`
}
