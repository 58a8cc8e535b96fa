package domain

// Wire types of frames exchanged with drones and operators.
const (
	EventConnected     = "connected"
	EventTelemetry     = "telemetry"
	EventBarcodeScan   = "barcode_scan"
	EventScanStop      = "scan_stop"
	EventScanResult    = "scan_result"
	EventSessionClosed = "session_closed"
	EventDroneOffline  = "drone_offline"
	EventDroneCommand  = "drone_command"
	EventCommandResult = "command_result"
	EventError         = "error"
)

const (
	ScanStatusSuccess = "success"
	ScanStatusUnknown = "unknown"
	ScanStatusError   = "error"
)

const (
	CommandStatusSent         = "sent"
	CommandStatusNotConnected = "not_connected"
	CommandStatusFailed       = "failed"
)

// DefaultDroneStatus is reported for telemetry frames without a status.
const DefaultDroneStatus = "flying"

type ConnectedEvent struct {
	Type    string `json:"type"`
	Role    Role   `json:"role"`
	DroneID *int64 `json:"drone_id,omitempty"`
}

type TelemetryEvent struct {
	Type      string     `json:"type"`
	DroneID   int64      `json:"drone_id"`
	Position  [3]float64 `json:"position"`
	Velocity  [3]float64 `json:"velocity"`
	Battery   *float64   `json:"battery"`
	Heading   *float64   `json:"heading"`
	Status    string     `json:"status"`
	Timestamp *string    `json:"timestamp"`
}

func NewTelemetryEvent(s TelemetrySnapshot) TelemetryEvent {
	return TelemetryEvent{
		Type:      EventTelemetry,
		DroneID:   s.DroneID,
		Position:  s.Position,
		Velocity:  s.Velocity,
		Battery:   s.Battery,
		Heading:   s.Heading,
		Status:    s.Status,
		Timestamp: s.Timestamp,
	}
}

type ScanResultEvent struct {
	Type         string `json:"type"`
	Status       string `json:"status"`
	Barcode      string `json:"barcode"`
	ProductName  string `json:"product_name,omitempty"`
	SKU          string `json:"sku,omitempty"`
	Quantity     *int   `json:"quantity,omitempty"`
	TotalScanned *int   `json:"total_scanned,omitempty"`
	Message      string `json:"message,omitempty"`
	DroneID      int64  `json:"drone_id"`
	Timestamp    string `json:"timestamp"`
}

type SessionClosedEvent struct {
	Type         string        `json:"type"`
	DroneID      int64         `json:"drone_id"`
	SessionID    int64         `json:"session_id"`
	Status       SessionStatus `json:"status"`
	TotalScanned int           `json:"total_scanned"`
	Reason       string        `json:"reason"`
}

type DroneOfflineEvent struct {
	Type    string `json:"type"`
	DroneID int64  `json:"drone_id"`
}

type CommandResultEvent struct {
	Type    string `json:"type"`
	Status  string `json:"status"`
	DroneID int64  `json:"drone_id"`
}

// ErrorEvent is the last frame a client sees before a fatal close.
type ErrorEvent struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}
