package domain

import "time"

type SessionStatus string

const (
	SessionStatusRunning   SessionStatus = "running"
	SessionStatusCompleted SessionStatus = "completed"
	SessionStatusFailed    SessionStatus = "failed"
	SessionStatusCancelled SessionStatus = "cancelled"
)

// Terminal reports whether a session in this status can no longer change.
func (s SessionStatus) Terminal() bool {
	switch s {
	case SessionStatusCompleted, SessionStatusFailed, SessionStatusCancelled:
		return true
	}
	return false
}

// ScanSession is one drone's bounded interval of scanning activity.
// At most one session per drone is running at a time.
type ScanSession struct {
	ID                int64
	DroneID           int64
	StartedAt         time.Time
	FinishedAt        *time.Time
	LastScanAt        *time.Time
	TotalItemsScanned int
	Status            SessionStatus
}

func (s ScanSession) IsRunning() bool {
	return s.Status == SessionStatusRunning
}

// LastActivity is the time the idle sweep measures against.
func (s ScanSession) LastActivity() time.Time {
	if s.LastScanAt != nil && s.LastScanAt.After(s.StartedAt) {
		return *s.LastScanAt
	}
	return s.StartedAt
}

// Why a running session was closed.
const (
	CloseReasonStop = "stop"
	CloseReasonIdle = "idle"
)
